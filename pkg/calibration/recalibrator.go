package calibration

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/jdziat/pipeline-guard/internal/telemetry"
	"github.com/jdziat/pipeline-guard/pkg/alert"
	"github.com/jdziat/pipeline-guard/pkg/core"
)

// Store is the persistence the Recalibrator needs. storage.GormStorage implements it.
type Store interface {
	SaveReviewOutcome(ctx context.Context, o *core.ReviewOutcome) error
	ListReviewOutcomes(ctx context.Context, since time.Time) ([]core.ReviewOutcome, error)
	SaveCalibrationParams(ctx context.Context, p *core.CalibrationParams) error
	LatestCalibrationParams(ctx context.Context) (*core.CalibrationParams, error)
	PruneCalibrationParams(ctx context.Context, cutoff time.Time) (int64, error)
}

// Recalibrator periodically refits the Platt curve from review history and
// serves the latest parameters to callers.
type Recalibrator struct {
	store     Store
	alerts    alert.Sink
	logger    *slog.Logger
	now       func() time.Time
	interval  time.Duration
	window    time.Duration
	retention time.Duration

	mu               sync.RWMutex
	current          *core.CalibrationParams
	coldStartAlerted bool
}

// Option configures a Recalibrator.
type Option interface {
	apply(*Recalibrator)
}

type optionFunc func(*Recalibrator)

func (f optionFunc) apply(r *Recalibrator) { f(r) }

// WithInterval sets how often Start refits. Default 6h.
func WithInterval(d time.Duration) Option {
	return optionFunc(func(r *Recalibrator) {
		if d > 0 {
			r.interval = d
		}
	})
}

// WithWindow limits fitting to outcomes reviewed within d. Default 90 days.
func WithWindow(d time.Duration) Option {
	return optionFunc(func(r *Recalibrator) {
		if d > 0 {
			r.window = d
		}
	})
}

// WithRetention prunes parameter versions older than d. Default 30 days.
func WithRetention(d time.Duration) Option {
	return optionFunc(func(r *Recalibrator) {
		if d > 0 {
			r.retention = d
		}
	})
}

// WithAlertSink sets where cold-start alerts go.
func WithAlertSink(s alert.Sink) Option {
	return optionFunc(func(r *Recalibrator) { r.alerts = s })
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(r *Recalibrator) { r.logger = l })
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return optionFunc(func(r *Recalibrator) { r.now = now })
}

// NewRecalibrator creates a Recalibrator over store.
func NewRecalibrator(store Store, opts ...Option) *Recalibrator {
	r := &Recalibrator{
		store:     store,
		alerts:    alert.Nop,
		logger:    slog.Default(),
		now:       time.Now,
		interval:  6 * time.Hour,
		window:    90 * 24 * time.Hour,
		retention: 30 * 24 * time.Hour,
	}
	for _, o := range opts {
		o.apply(r)
	}
	return r
}

// Current returns the parameters in use, or nil during cold start.
func (r *Recalibrator) Current() *core.CalibrationParams {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Calibrate calibrates raw with the current parameters.
func (r *Recalibrator) Calibrate(raw float64) Result {
	return CalibrateConfidence(raw, r.Current())
}

// RecordReview stores one human review decision for future fits.
func (r *Recalibrator) RecordReview(ctx context.Context, ruleID string, rawConfidence float64, approved bool) error {
	o := &core.ReviewOutcome{
		ID:            uuid.New().String(),
		RuleID:        ruleID,
		RawConfidence: rawConfidence,
		Approved:      approved,
		ReviewedAt:    r.now().UTC(),
	}
	if err := r.store.SaveReviewOutcome(ctx, o); err != nil {
		return fmt.Errorf("calibration: save review outcome: %w", err)
	}
	return nil
}

// Load reads the latest stored parameters into memory.
func (r *Recalibrator) Load(ctx context.Context) error {
	p, err := r.store.LatestCalibrationParams(ctx)
	if err != nil {
		return fmt.Errorf("calibration: load params: %w", err)
	}
	r.mu.Lock()
	r.current = p
	r.mu.Unlock()
	return nil
}

// Recalibrate fits a new curve from outcomes inside the window. During cold
// start the previous parameters stay in use and a cold-start alert is raised
// once. It returns the parameters now in use.
func (r *Recalibrator) Recalibrate(ctx context.Context) (params *core.CalibrationParams, err error) {
	ctx, span := telemetry.StartSpan(ctx, "calibration.recalibrate")
	defer func() { telemetry.EndSpan(span, err) }()

	now := r.now().UTC()
	outcomes, err := r.store.ListReviewOutcomes(ctx, now.Add(-r.window))
	if err != nil {
		return nil, fmt.Errorf("calibration: list review outcomes: %w", err)
	}

	data := CollectCalibrationData(outcomes)
	span.SetAttributes(attribute.Int("calibration.samples", data.TotalSamples))

	fitted := BuildCalibrationCurve(data)
	if fitted == nil {
		r.coldStart(ctx, data.TotalSamples)
		return r.Current(), nil
	}
	fitted.ComputedAt = now
	if err := r.store.SaveCalibrationParams(ctx, fitted); err != nil {
		return nil, fmt.Errorf("calibration: save params: %w", err)
	}

	r.mu.Lock()
	r.current = fitted
	r.coldStartAlerted = false
	r.mu.Unlock()

	r.logger.Info("calibration curve refitted",
		"param_a", fitted.ParamA,
		"param_b", fitted.ParamB,
		"samples", fitted.SampleSize,
	)

	if _, err := r.Prune(ctx); err != nil {
		r.logger.Warn("failed to prune calibration params", "error", err)
	}
	return fitted, nil
}

func (r *Recalibrator) coldStart(ctx context.Context, samples int) {
	r.mu.Lock()
	alerted := r.coldStartAlerted
	r.coldStartAlerted = true
	r.mu.Unlock()

	r.logger.Info("not enough review outcomes to calibrate", "samples", samples, "required", MinSamples)
	if alerted {
		return
	}
	err := r.alerts.RaiseAlert(ctx, core.Alert{
		Type:     core.AlertCalibrationStale,
		EntityID: "calibration",
		Message:  fmt.Sprintf("confidence calibration cold start: %d of %d review outcomes", samples, MinSamples),
		Details:  map[string]any{"samples": samples, "required": MinSamples},
	})
	if err != nil {
		r.logger.Warn("failed to raise calibration alert", "error", err)
	}
}

// Prune deletes parameter versions older than the retention window. The
// latest version is always kept.
func (r *Recalibrator) Prune(ctx context.Context) (int64, error) {
	n, err := r.store.PruneCalibrationParams(ctx, r.now().UTC().Add(-r.retention))
	if err != nil {
		return 0, fmt.Errorf("calibration: prune params: %w", err)
	}
	return n, nil
}

// Start loads stored parameters, refits immediately and then on every
// interval until ctx is cancelled.
func (r *Recalibrator) Start(ctx context.Context) error {
	if err := r.Load(ctx); err != nil {
		return err
	}
	if _, err := r.Recalibrate(ctx); err != nil {
		r.logger.Error("recalibration failed", "error", err)
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.Recalibrate(ctx); err != nil {
				r.logger.Error("recalibration failed", "error", err)
			}
		}
	}
}
