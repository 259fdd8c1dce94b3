package dlq

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/jdziat/pipeline-guard/pkg/classify"
	"github.com/jdziat/pipeline-guard/pkg/core"
)

// minSuccessRate is the replay success rate below which a category's
// learned cooldown backs off instead of following successful waits.
const minSuccessRate = 0.5

// Cooldown returns the base cooldown for c before per-replay doubling. In
// adaptive mode a learned value replaces the fixed one once enough outcomes
// exist.
func (h *Healer) Cooldown(c classify.Category) time.Duration {
	base := classify.BaseCooldown(c)
	if !h.adaptive {
		return base
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if d, ok := h.learned[c]; ok {
		return d
	}
	return base
}

// LearnedCooldowns returns a copy of the cooldowns learned so far.
func (h *Healer) LearnedCooldowns() map[classify.Category]time.Duration {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return maps.Clone(h.learned)
}

// RefreshCooldowns relearns base cooldowns from replay outcomes inside the
// stats window.
func (h *Healer) RefreshCooldowns(ctx context.Context) error {
	stats, err := h.store.GetReplayStats(ctx, h.now().UTC().Add(-h.statsWindow))
	if err != nil {
		return fmt.Errorf("dlq: replay stats: %w", err)
	}

	learned := make(map[classify.Category]time.Duration, len(stats))
	for _, s := range stats {
		c := classify.ParseCategory(s.ErrorCategory)
		if d, ok := learnCooldown(s, classify.BaseCooldown(c), h.minSamples); ok {
			learned[c] = d
		}
	}

	h.mu.Lock()
	h.learned = learned
	h.mu.Unlock()
	return nil
}

// learnCooldown derives a base cooldown from one category's replay history.
// Mostly successful categories use the average wait of their successful
// replays; the rest wait twice the fixed cooldown. The result stays within a
// quarter and four times the fixed cooldown.
func learnCooldown(s core.ReplayStats, base time.Duration, minSamples int64) (time.Duration, bool) {
	if base == classify.Never || base <= 0 || s.Total < minSamples {
		return 0, false
	}

	d := 2 * base
	if s.Successes > 0 && float64(s.Successes)/float64(s.Total) >= minSuccessRate {
		d = time.Duration(s.AvgSuccessMs * float64(time.Millisecond))
	}
	return min(max(d, base/4), 4*base), true
}
