package budget

import (
	"log/slog"
	"time"

	"github.com/jdziat/pipeline-guard/pkg/alert"
)

// Config holds governor limits.
type Config struct {
	// GlobalDailyTokens caps total spend per UTC day across every source.
	GlobalDailyTokens int64
	// SourceDailyTokens caps spend per source per UTC day.
	SourceDailyTokens int64
	// ItemMaxTokens rejects a single item whose estimate exceeds it.
	ItemMaxTokens int64
	// EmptyOutputThreshold is the number of consecutive empty outputs that
	// opens a source cooldown.
	EmptyOutputThreshold int
	// SourceCooldown is how long a source is throttled once the threshold trips.
	SourceCooldown time.Duration
	// LocalSlots bounds concurrent calls to the cheap local provider.
	LocalSlots int64
	// CloudSlots bounds concurrent calls to the expensive cloud provider.
	CloudSlots int64
	// CloudMinInterval is the minimum spacing between cloud call starts.
	CloudMinInterval time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		GlobalDailyTokens:    2_000_000,
		SourceDailyTokens:    250_000,
		ItemMaxTokens:        60_000,
		EmptyOutputThreshold: 3,
		SourceCooldown:       6 * time.Hour,
		LocalSlots:           2,
		CloudSlots:           1,
		CloudMinInterval:     2 * time.Second,
	}
}

// Option configures a Governor.
type Option interface {
	apply(*Governor)
}

type optionFunc func(*Governor)

func (f optionFunc) apply(g *Governor) { f(g) }

// WithConfig replaces every limit at once.
func WithConfig(c Config) Option {
	return optionFunc(func(g *Governor) { g.cfg = c })
}

// GlobalDailyTokens sets the global daily cap.
func GlobalDailyTokens(n int64) Option {
	return optionFunc(func(g *Governor) { g.cfg.GlobalDailyTokens = n })
}

// SourceDailyTokens sets the per-source daily cap.
func SourceDailyTokens(n int64) Option {
	return optionFunc(func(g *Governor) { g.cfg.SourceDailyTokens = n })
}

// ItemMaxTokens sets the per-item cap.
func ItemMaxTokens(n int64) Option {
	return optionFunc(func(g *Governor) { g.cfg.ItemMaxTokens = n })
}

// EmptyOutputCooldown sets the empty-output threshold and the cooldown it opens.
func EmptyOutputCooldown(threshold int, cooldown time.Duration) Option {
	return optionFunc(func(g *Governor) {
		g.cfg.EmptyOutputThreshold = threshold
		g.cfg.SourceCooldown = cooldown
	})
}

// Slots sets the concurrency bounds per provider class.
func Slots(local, cloud int64) Option {
	return optionFunc(func(g *Governor) {
		g.cfg.LocalSlots = local
		g.cfg.CloudSlots = cloud
	})
}

// CloudMinInterval sets the minimum spacing between cloud call starts.
func CloudMinInterval(d time.Duration) Option {
	return optionFunc(func(g *Governor) { g.cfg.CloudMinInterval = d })
}

// WithAlertSink sets where cooldown and circuit alerts go.
func WithAlertSink(s alert.Sink) Option {
	return optionFunc(func(g *Governor) { g.alerts = s })
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(g *Governor) { g.logger = l })
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return optionFunc(func(g *Governor) { g.now = now })
}
