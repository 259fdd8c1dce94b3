package dlq

import (
	"log/slog"
	"time"

	"github.com/jdziat/pipeline-guard/pkg/alert"
)

// Default healer settings.
const (
	DefaultInterval    = 5 * time.Minute
	DefaultBatchSize   = 100
	DefaultStatsWindow = 7 * 24 * time.Hour
	DefaultMinSamples  = 10
)

// Option configures a Healer.
type Option interface {
	apply(*Healer)
}

type optionFunc func(*Healer)

func (f optionFunc) apply(h *Healer) { f(h) }

// WithInterval sets how often Start runs a healing cycle.
func WithInterval(d time.Duration) Option {
	return optionFunc(func(h *Healer) {
		if d > 0 {
			h.interval = d
		}
	})
}

// WithBatchSize caps how many entries one cycle scans.
func WithBatchSize(n int) Option {
	return optionFunc(func(h *Healer) {
		if n > 0 {
			h.batchSize = n
		}
	})
}

// WithAdaptiveCooldowns switches base cooldowns from the fixed table to
// values learned from replay outcomes.
func WithAdaptiveCooldowns(enabled bool) Option {
	return optionFunc(func(h *Healer) { h.adaptive = enabled })
}

// WithStatsWindow limits the replay outcomes used for learning to the last d.
func WithStatsWindow(d time.Duration) Option {
	return optionFunc(func(h *Healer) {
		if d > 0 {
			h.statsWindow = d
		}
	})
}

// WithMinSamples sets how many outcomes a category needs before its
// cooldown is learned rather than taken from the fixed table.
func WithMinSamples(n int64) Option {
	return optionFunc(func(h *Healer) {
		if n > 0 {
			h.minSamples = n
		}
	})
}

// WithAlertSink sets where escalation and replay-failure alerts go.
func WithAlertSink(s alert.Sink) Option {
	return optionFunc(func(h *Healer) { h.alerts = s })
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(h *Healer) { h.logger = l })
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return optionFunc(func(h *Healer) { h.now = now })
}
