// Package alert delivers operator alerts raised by pipeline-guard components.
package alert

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jdziat/pipeline-guard/pkg/core"
)

// Sink receives alerts.
type Sink interface {
	RaiseAlert(ctx context.Context, a core.Alert) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, a core.Alert) error

func (f SinkFunc) RaiseAlert(ctx context.Context, a core.Alert) error { return f(ctx, a) }

// Nop discards alerts.
var Nop Sink = SinkFunc(func(context.Context, core.Alert) error { return nil })

// Normalize validates the alert type and fills in the default severity.
func Normalize(a core.Alert) (core.Alert, error) {
	if !a.Type.Valid() {
		return a, core.ErrUnknownAlertType
	}
	if a.Severity == "" {
		a.Severity = a.Type.DefaultSeverity()
	}
	return a, nil
}

// LogSink writes alerts to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink. A nil logger uses slog.Default().
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// RaiseAlert logs the alert at a level matching its severity.
func (s *LogSink) RaiseAlert(ctx context.Context, a core.Alert) error {
	a, err := Normalize(a)
	if err != nil {
		return err
	}
	level := slog.LevelWarn
	switch a.Severity {
	case core.SeverityInfo:
		level = slog.LevelInfo
	case core.SeverityCritical:
		level = slog.LevelError
	}
	s.logger.Log(ctx, level, a.Message,
		"alert_type", string(a.Type),
		"severity", string(a.Severity),
		"entity_id", a.EntityID,
		"details", map[string]any(a.Details),
	)
	return nil
}

// Store persists alerts.
type Store interface {
	SaveAlert(ctx context.Context, a *core.Alert) error
}

// StoreSink persists alerts so operators can list them later.
type StoreSink struct {
	store Store
}

// NewStoreSink creates a StoreSink.
func NewStoreSink(store Store) *StoreSink {
	return &StoreSink{store: store}
}

// RaiseAlert saves the alert.
func (s *StoreSink) RaiseAlert(ctx context.Context, a core.Alert) error {
	a, err := Normalize(a)
	if err != nil {
		return err
	}
	return s.store.SaveAlert(ctx, &a)
}

type multiSink []Sink

// Multi fans an alert out to every sink. All sinks are attempted; errors are joined.
func Multi(sinks ...Sink) Sink {
	return multiSink(sinks)
}

func (m multiSink) RaiseAlert(ctx context.Context, a core.Alert) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.RaiseAlert(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
