package budget

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/jdziat/pipeline-guard/pkg/classify"
)

// ErrUnknownProvider is returned for a provider outside {local, cloud}.
var ErrUnknownProvider = errors.New("budget: unknown provider")

func (g *Governor) sem(p Provider) (*semaphore.Weighted, error) {
	switch p {
	case ProviderLocal:
		return g.local, nil
	case ProviderCloud:
		return g.cloud, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, p)
}

// AcquireSlot blocks until a slot for p is free. Cloud acquisitions also wait
// out the minimum inter-call interval. Every successful acquire must be paired
// with ReleaseSlot, including on error paths.
func (g *Governor) AcquireSlot(ctx context.Context, p Provider) error {
	s, err := g.sem(p)
	if err != nil {
		return err
	}
	if err := s.Acquire(ctx, 1); err != nil {
		return err
	}

	if p == ProviderCloud {
		prev, start := g.reserveCloudStart()
		if wait := start.Sub(g.now()); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				g.cancelCloudStart(prev, start)
				s.Release(1)
				return ctx.Err()
			case <-timer.C:
			}
		}
	}

	g.mu.Lock()
	g.incActive(p, 1)
	g.mu.Unlock()
	return nil
}

// reserveCloudStart books the next permitted cloud start time. It returns the
// previous booking and the new one.
func (g *Governor) reserveCloudStart() (prev, start time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	prev, start = g.state.LastCloudCallAt, now
	if !prev.IsZero() {
		if earliest := prev.Add(g.cfg.CloudMinInterval); earliest.After(now) {
			start = earliest
		}
	}
	g.state.LastCloudCallAt = start
	return prev, start
}

// cancelCloudStart gives back a booking whose caller gave up waiting, unless a
// later caller has booked after it.
func (g *Governor) cancelCloudStart(prev, start time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state.LastCloudCallAt.Equal(start) {
		g.state.LastCloudCallAt = prev
	}
}

// TryAcquireSlot takes a slot for p without blocking. A cloud slot is refused
// while the minimum inter-call interval has not elapsed.
func (g *Governor) TryAcquireSlot(p Provider) bool {
	s, err := g.sem(p)
	if err != nil {
		return false
	}
	if !s.TryAcquire(1) {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if p == ProviderCloud {
		now := g.now()
		if !g.cloudIntervalElapsed(now) {
			s.Release(1)
			return false
		}
		g.state.LastCloudCallAt = now
	}
	g.incActive(p, 1)
	return true
}

// ReleaseSlot returns a slot taken by AcquireSlot or TryAcquireSlot.
// Releasing a provider with no active calls is logged and ignored.
func (g *Governor) ReleaseSlot(p Provider) {
	s, err := g.sem(p)
	if err != nil {
		g.logger.Warn("release of unknown provider slot", "provider", string(p))
		return
	}

	g.mu.Lock()
	active := g.state.ActiveLocalCalls
	if p == ProviderCloud {
		active = g.state.ActiveCloudCalls
	}
	if active <= 0 {
		g.mu.Unlock()
		g.logger.Warn("release without matching acquire", "provider", string(p))
		return
	}
	g.incActive(p, -1)
	g.mu.Unlock()

	s.Release(1)
}

// incActive adjusts the active-call gauge. Caller holds mu.
func (g *Governor) incActive(p Provider, delta int64) {
	if p == ProviderCloud {
		g.state.ActiveCloudCalls += delta
		return
	}
	g.state.ActiveLocalCalls += delta
}

// Usage is what a governed call reports back.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
	EmptyOutput  bool
}

// CallFunc performs one LLM call on the given provider.
type CallFunc func(ctx context.Context, p Provider) (Usage, error)

// Execute runs fn under the governor: budget check, slot acquisition, the
// call itself, slot release on every exit path, spend accounting, and error
// reporting. A denial returns the Decision with a nil error.
func (g *Governor) Execute(ctx context.Context, source, itemID string, estimatedTokens int64, fn CallFunc) (Decision, error) {
	d := g.CheckBudget(source, itemID, estimatedTokens)
	if !d.Allowed {
		return d, nil
	}

	if err := g.AcquireSlot(ctx, d.RecommendedProvider); err != nil {
		return d, fmt.Errorf("budget: acquire %s slot: %w", d.RecommendedProvider, err)
	}
	usage, err := func() (u Usage, err error) {
		defer g.ReleaseSlot(d.RecommendedProvider)
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return fn(ctx, d.RecommendedProvider)
	}()

	rec := SpendRecord{
		Source:       source,
		ItemID:       itemID,
		Provider:     d.RecommendedProvider,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		EmptyOutput:  usage.EmptyOutput,
	}
	if err == nil {
		g.RecordTokenSpend(ctx, rec)
		return d, nil
	}

	cat := classify.ClassifyError(err)
	if cat == classify.Empty {
		rec.EmptyOutput = true
		g.recordSpend(ctx, rec, true)
	} else {
		// A failed call says nothing about the source's productivity.
		g.recordSpend(ctx, rec, false)
	}
	if classify.OpensCircuit(cat) {
		g.OpenCircuit(ctx, fmt.Sprintf("%s: %v", cat, err))
	}
	return d, err
}
