// Package budget implements the per-process token and concurrency governor
// that every LLM call passes through.
//
// The Governor is a soft limiter: its counters live in process memory and are
// not shared between worker processes, so global caps are approximate when
// several processes run. Counters reset at UTC midnight and on restart.
package budget

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/jdziat/pipeline-guard/pkg/alert"
	"github.com/jdziat/pipeline-guard/pkg/classify"
	"github.com/jdziat/pipeline-guard/pkg/core"
)

// Provider is a class of LLM capacity.
type Provider string

const (
	// ProviderLocal is cheap self-hosted capacity, preferred when free.
	ProviderLocal Provider = "local"
	// ProviderCloud is expensive hosted capacity, used when local is saturated.
	ProviderCloud Provider = "cloud"
)

// DenialReason explains why CheckBudget refused a call.
type DenialReason string

const (
	DenyCircuitOpen    DenialReason = "circuit_open"
	DenySourceCooldown DenialReason = "source_cooldown"
	DenyItemTooLarge   DenialReason = "item_exceeds_cap"
	DenyGlobalCap      DenialReason = "global_daily_cap"
	DenySourceCap      DenialReason = "source_daily_cap"
	DenyNoSlot         DenialReason = "no_slot_available"
)

// Decision is the answer to "may we spend tokens now?".
// A denial is a control-flow signal for the caller, not an error.
type Decision struct {
	Allowed             bool
	DenialReason        DenialReason
	RemainingGlobal     int64
	RemainingSource     int64
	RecommendedProvider Provider
	CooldownUntil       *time.Time
}

// SpendRecord reports the outcome of one LLM call.
type SpendRecord struct {
	Source       string
	ItemID       string
	Provider     Provider
	InputTokens  int64
	OutputTokens int64
	// EmptyOutput marks a call that produced nothing usable.
	EmptyOutput bool
}

// State is the governor's mutable bookkeeping, owned by exactly one Governor.
type State struct {
	Day               string
	GlobalTokensToday int64
	SourceTokensToday map[string]int64
	SourceCooldowns   map[string]time.Time
	EmptyOutputCounts map[string]int
	ActiveLocalCalls  int64
	ActiveCloudCalls  int64
	LastCloudCallAt   time.Time
	CircuitOpen       bool
	CircuitReason     string
	CircuitOpenedAt   time.Time
	Denials           map[DenialReason]int64
}

func newState(day string) State {
	return State{
		Day:               day,
		SourceTokensToday: make(map[string]int64),
		SourceCooldowns:   make(map[string]time.Time),
		EmptyOutputCounts: make(map[string]int),
		Denials:           make(map[DenialReason]int64),
	}
}

// Governor is the single authority for LLM spend and concurrency in a process.
type Governor struct {
	cfg    Config
	alerts alert.Sink
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	state State

	local *semaphore.Weighted
	cloud *semaphore.Weighted
}

// New creates a Governor. Zero limits fall back to DefaultConfig values.
func New(opts ...Option) *Governor {
	g := &Governor{
		cfg:    DefaultConfig(),
		alerts: alert.Nop,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt.apply(g)
	}

	def := DefaultConfig()
	if g.cfg.GlobalDailyTokens <= 0 {
		g.cfg.GlobalDailyTokens = def.GlobalDailyTokens
	}
	if g.cfg.SourceDailyTokens <= 0 {
		g.cfg.SourceDailyTokens = def.SourceDailyTokens
	}
	if g.cfg.ItemMaxTokens <= 0 {
		g.cfg.ItemMaxTokens = def.ItemMaxTokens
	}
	if g.cfg.EmptyOutputThreshold <= 0 {
		g.cfg.EmptyOutputThreshold = def.EmptyOutputThreshold
	}
	if g.cfg.SourceCooldown <= 0 {
		g.cfg.SourceCooldown = def.SourceCooldown
	}
	if g.cfg.LocalSlots <= 0 {
		g.cfg.LocalSlots = def.LocalSlots
	}
	if g.cfg.CloudSlots <= 0 {
		g.cfg.CloudSlots = def.CloudSlots
	}

	g.state = newState(dayKey(g.now()))
	g.local = semaphore.NewWeighted(g.cfg.LocalSlots)
	g.cloud = semaphore.NewWeighted(g.cfg.CloudSlots)
	return g
}

// Config returns the effective limits.
func (g *Governor) Config() Config {
	return g.cfg
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// rollover resets daily counters when the UTC day changes. Caller holds mu.
func (g *Governor) rollover(now time.Time) {
	day := dayKey(now)
	if day == g.state.Day {
		return
	}
	g.logger.Info("budget day rollover", "previous_day", g.state.Day, "day", day, "global_tokens", g.state.GlobalTokensToday)
	g.state.Day = day
	g.state.GlobalTokensToday = 0
	g.state.SourceTokensToday = make(map[string]int64)
	g.state.EmptyOutputCounts = make(map[string]int)
}

// CheckBudget decides whether source may spend estimatedTokens on itemID now.
// Denials are checked in order: circuit, source cooldown, item cap, global cap,
// source cap, and finally free concurrency (local first, then cloud).
func (g *Governor) CheckBudget(source, itemID string, estimatedTokens int64) Decision {
	if estimatedTokens < 0 {
		estimatedTokens = 0
	}
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollover(now)

	d := Decision{
		RemainingGlobal: nonNegative(g.cfg.GlobalDailyTokens - g.state.GlobalTokensToday),
		RemainingSource: nonNegative(g.cfg.SourceDailyTokens - g.state.SourceTokensToday[source]),
	}

	deny := func(r DenialReason) Decision {
		d.DenialReason = r
		g.state.Denials[r]++
		g.logger.Debug("budget denied", "source", source, "item_id", itemID, "reason", string(r), "estimated_tokens", estimatedTokens)
		return d
	}

	if g.state.CircuitOpen {
		return deny(DenyCircuitOpen)
	}
	if until, ok := g.state.SourceCooldowns[source]; ok {
		if now.Before(until) {
			u := until
			d.CooldownUntil = &u
			return deny(DenySourceCooldown)
		}
		delete(g.state.SourceCooldowns, source)
	}
	if estimatedTokens > g.cfg.ItemMaxTokens {
		return deny(DenyItemTooLarge)
	}
	if g.state.GlobalTokensToday+estimatedTokens > g.cfg.GlobalDailyTokens {
		return deny(DenyGlobalCap)
	}
	if g.state.SourceTokensToday[source]+estimatedTokens > g.cfg.SourceDailyTokens {
		return deny(DenySourceCap)
	}

	switch {
	case g.state.ActiveLocalCalls < g.cfg.LocalSlots:
		d.RecommendedProvider = ProviderLocal
	case g.state.ActiveCloudCalls < g.cfg.CloudSlots && g.cloudIntervalElapsed(now):
		d.RecommendedProvider = ProviderCloud
	default:
		return deny(DenyNoSlot)
	}

	d.Allowed = true
	return d
}

// cloudIntervalElapsed reports whether a cloud call may start at now. Caller holds mu.
func (g *Governor) cloudIntervalElapsed(now time.Time) bool {
	return g.state.LastCloudCallAt.IsZero() || now.Sub(g.state.LastCloudCallAt) >= g.cfg.CloudMinInterval
}

// RecordTokenSpend books a finished call against the daily counters and
// tracks consecutive empty outputs per source. Reaching the threshold opens a
// time-boxed cooldown for that source.
func (g *Governor) RecordTokenSpend(ctx context.Context, rec SpendRecord) {
	g.recordSpend(ctx, rec, true)
}

func (g *Governor) recordSpend(ctx context.Context, rec SpendRecord, trackStreak bool) {
	total := nonNegative(rec.InputTokens) + nonNegative(rec.OutputTokens)
	now := g.now()

	g.mu.Lock()
	g.rollover(now)
	g.state.GlobalTokensToday += total
	if rec.Source != "" {
		g.state.SourceTokensToday[rec.Source] += total
	}

	var cooldownUntil time.Time
	var streak int
	if rec.Source != "" && trackStreak {
		if rec.EmptyOutput {
			g.state.EmptyOutputCounts[rec.Source]++
			streak = g.state.EmptyOutputCounts[rec.Source]
			if streak >= g.cfg.EmptyOutputThreshold {
				cooldownUntil = now.Add(g.cfg.SourceCooldown)
				g.state.SourceCooldowns[rec.Source] = cooldownUntil
				g.state.EmptyOutputCounts[rec.Source] = 0
			}
		} else {
			delete(g.state.EmptyOutputCounts, rec.Source)
		}
	}
	g.mu.Unlock()

	if !cooldownUntil.IsZero() {
		g.logger.Warn("source cooldown opened", "source", rec.Source, "empty_outputs", streak, "until", cooldownUntil)
		g.raise(ctx, core.Alert{
			Type:     core.AlertSourceCooldown,
			EntityID: rec.Source,
			Message:  fmt.Sprintf("source %s produced %d consecutive empty outputs; throttled until %s", rec.Source, streak, cooldownUntil.UTC().Format(time.RFC3339)),
			Details:  map[string]any{"empty_outputs": streak, "cooldown_until": cooldownUntil.UTC().Format(time.RFC3339)},
		})
	}
}

// ReportError classifies a failed call. AUTH and QUOTA failures are systemic
// and open the circuit; EMPTY counts toward the source's empty-output streak.
func (g *Governor) ReportError(ctx context.Context, source string, err error) classify.Category {
	cat := classify.ClassifyError(err)
	switch {
	case classify.OpensCircuit(cat):
		g.OpenCircuit(ctx, fmt.Sprintf("%s: %v", cat, err))
	case cat == classify.Empty:
		g.RecordTokenSpend(ctx, SpendRecord{Source: source, EmptyOutput: true})
	}
	return cat
}

// OpenCircuit blocks every call until CloseCircuit. Opening an open circuit
// keeps the original reason.
func (g *Governor) OpenCircuit(ctx context.Context, reason string) {
	g.mu.Lock()
	if g.state.CircuitOpen {
		g.mu.Unlock()
		return
	}
	g.state.CircuitOpen = true
	g.state.CircuitReason = reason
	g.state.CircuitOpenedAt = g.now()
	g.mu.Unlock()

	g.logger.Error("budget circuit opened", "reason", reason)
	g.raise(ctx, core.Alert{
		Type:     core.AlertCircuitOpened,
		EntityID: "llm",
		Message:  "LLM circuit breaker opened: " + reason,
		Details:  map[string]any{"reason": reason},
	})
}

// CloseCircuit re-allows calls. The circuit never closes on its own.
func (g *Governor) CloseCircuit(ctx context.Context) {
	g.mu.Lock()
	if !g.state.CircuitOpen {
		g.mu.Unlock()
		return
	}
	reason := g.state.CircuitReason
	g.state.CircuitOpen = false
	g.state.CircuitReason = ""
	g.state.CircuitOpenedAt = time.Time{}
	g.mu.Unlock()

	g.logger.Info("budget circuit closed", "previous_reason", reason)
	g.raise(ctx, core.Alert{
		Type:     core.AlertCircuitClosed,
		EntityID: "llm",
		Message:  "LLM circuit breaker closed",
		Details:  map[string]any{"previous_reason": reason},
	})
}

// IsCircuitOpen reports the breaker state.
func (g *Governor) IsCircuitOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.CircuitOpen
}

func (g *Governor) raise(ctx context.Context, a core.Alert) {
	if err := g.alerts.RaiseAlert(ctx, a); err != nil {
		g.logger.Warn("failed to raise alert", "type", string(a.Type), "error", err)
	}
}

func nonNegative(n int64) int64 {
	if n < 0 {
		return 0
	}
	return n
}
