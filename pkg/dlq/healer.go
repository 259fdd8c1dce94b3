package dlq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/jdziat/pipeline-guard/internal/telemetry"
	"github.com/jdziat/pipeline-guard/pkg/alert"
	"github.com/jdziat/pipeline-guard/pkg/classify"
	"github.com/jdziat/pipeline-guard/pkg/core"
	"github.com/jdziat/pipeline-guard/pkg/queue"
)

// MaxAutoRetries is how many times one job lineage may be replayed before
// its DLQ entry is escalated.
const MaxAutoRetries = 3

// replayedTTL bounds how long a replayed key is remembered in memory. Past
// it, the replay job ID still deduplicates at the queue.
const replayedTTL = 24 * time.Hour

// Store is the persistence the Healer needs. storage.GormStorage implements it.
type Store interface {
	ListDeadLetters(ctx context.Context, statuses []core.DeadLetterStatus, limit int) ([]core.DeadLetter, error)
	DeleteDeadLetter(ctx context.Context, id string) error
	UpdateDeadLetterStatus(ctx context.Context, id string, from, to core.DeadLetterStatus) (bool, error)
	RecordReplayOutcome(ctx context.Context, o *core.ReplayOutcome) error
	GetReplayStats(ctx context.Context, since time.Time) ([]core.ReplayStats, error)
}

// Enqueuer puts a replayed job back on a queue. queue.Queue implements it.
type Enqueuer interface {
	EnqueueJob(ctx context.Context, job *core.Job) error
}

type emitter interface {
	Emit(e core.Event)
}

// Action is what the healer does with an entry.
type Action string

const (
	ActionReplay   Action = "replay"
	ActionDefer    Action = "defer"
	ActionEscalate Action = "escalate"
)

// Decision reasons.
const (
	ReasonEligible        = "eligible"
	ReasonRetriesExceeded = "max_auto_retries_exceeded"
	ReasonNotRetryable    = "category_not_retryable"
	ReasonAlreadyReplayed = "already_replayed"
	ReasonCoolingDown     = "cooling_down"
)

// Decision is the outcome of evaluating one DLQ entry.
type Decision struct {
	Action   Action
	Reason   string
	Category classify.Category
	Cooldown time.Duration
	ReadyAt  time.Time
}

// CycleResult summarises one healing cycle.
type CycleResult struct {
	Scanned   int `json:"scanned"`
	Replayed  int `json:"replayed"`
	Escalated int `json:"escalated"`
	Deferred  int `json:"deferred"`
	Failed    int `json:"failed"`
}

// Healer replays or escalates dead-lettered jobs.
type Healer struct {
	store       Store
	enqueuer    Enqueuer
	alerts      alert.Sink
	logger      *slog.Logger
	now         func() time.Time
	interval    time.Duration
	batchSize   int
	adaptive    bool
	statsWindow time.Duration
	minSamples  int64

	mu       sync.RWMutex
	replayed map[string]time.Time
	learned  map[classify.Category]time.Duration
}

// NewHealer creates a Healer that replays entries from store through enq.
func NewHealer(store Store, enq Enqueuer, opts ...Option) *Healer {
	h := &Healer{
		store:       store,
		enqueuer:    enq,
		alerts:      alert.Nop,
		logger:      slog.Default(),
		now:         time.Now,
		interval:    DefaultInterval,
		batchSize:   DefaultBatchSize,
		statsWindow: DefaultStatsWindow,
		minSamples:  DefaultMinSamples,
		replayed:    make(map[string]time.Time),
		learned:     make(map[classify.Category]time.Duration),
	}
	for _, o := range opts {
		o.apply(h)
	}
	return h
}

// Evaluate decides what to do with entry right now.
func (h *Healer) Evaluate(entry *core.DeadLetter) Decision {
	d := Decision{Category: entryCategory(entry)}

	switch {
	case entry.RetryCount >= MaxAutoRetries:
		d.Action, d.Reason = ActionEscalate, ReasonRetriesExceeded
	case !classify.IsRetryable(d.Category):
		d.Action, d.Reason = ActionEscalate, ReasonNotRetryable
	case h.WasReplayed(entry.IdempotencyKey):
		d.Action, d.Reason = ActionDefer, ReasonAlreadyReplayed
	default:
		d.Cooldown = h.Cooldown(d.Category) << max(entry.RetryCount, 0)
		d.ReadyAt = entry.FailedAt.Add(d.Cooldown)
		if h.now().Before(d.ReadyAt) {
			d.Action, d.Reason = ActionDefer, ReasonCoolingDown
		} else {
			d.Action, d.Reason = ActionReplay, ReasonEligible
		}
	}
	return d
}

// ShouldAutoReplay reports whether entry is due for replay.
func (h *Healer) ShouldAutoReplay(entry *core.DeadLetter) bool {
	return h.Evaluate(entry).Action == ActionReplay
}

// RecordAutoReplay remembers that the entry with this key was replayed.
func (h *Healer) RecordAutoReplay(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.replayed[key] = h.now()
}

// WasReplayed reports whether key was replayed by this healer.
func (h *Healer) WasReplayed(key string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.replayed[key]
	return ok
}

func (h *Healer) forgetOldReplays() {
	cutoff := h.now().Add(-replayedTTL)
	h.mu.Lock()
	defer h.mu.Unlock()
	for k, at := range h.replayed {
		if at.Before(cutoff) {
			delete(h.replayed, k)
		}
	}
}

// ReplayJobID is the queue job ID used when replaying entry. Replaying the
// same entry twice yields core.ErrDuplicateJob from the queue.
func ReplayJobID(entry *core.DeadLetter) string {
	if entry.IdempotencyKey != "" {
		return "dlq:" + entry.IdempotencyKey
	}
	return "dlq:" + entry.ID
}

func entryCategory(entry *core.DeadLetter) classify.Category {
	if entry.ErrorCategory == "" {
		return classify.Classify(entry.Error)
	}
	return classify.ParseCategory(entry.ErrorCategory)
}

// RunHealingCycle scans the DLQ once and replays, defers or escalates each
// entry.
func (h *Healer) RunHealingCycle(ctx context.Context) (res CycleResult, err error) {
	ctx, span := telemetry.StartSpan(ctx, "dlq.healing_cycle", attribute.Bool("dlq.adaptive", h.adaptive))
	defer func() {
		span.SetAttributes(
			attribute.Int("dlq.scanned", res.Scanned),
			attribute.Int("dlq.replayed", res.Replayed),
			attribute.Int("dlq.escalated", res.Escalated),
			attribute.Int("dlq.failed", res.Failed),
		)
		telemetry.EndSpan(span, err)
	}()

	h.forgetOldReplays()
	if h.adaptive {
		if err := h.RefreshCooldowns(ctx); err != nil {
			h.logger.Warn("failed to refresh learned cooldowns", "error", err)
		}
	}

	// Escalated entries belong to the operator; only waiting ones are scanned.
	entries, err := h.store.ListDeadLetters(ctx, []core.DeadLetterStatus{core.DeadLetterWaiting}, h.batchSize)
	if err != nil {
		return res, fmt.Errorf("dlq: list entries: %w", err)
	}

	for i := range entries {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		entry := &entries[i]
		res.Scanned++

		d := h.Evaluate(entry)
		switch d.Action {
		case ActionReplay:
			if err := h.replay(ctx, entry, d); err != nil {
				res.Failed++
				h.replayFailed(ctx, entry, err)
				continue
			}
			res.Replayed++
		case ActionEscalate:
			escalated, err := h.escalate(ctx, entry, d)
			if err != nil {
				res.Failed++
				h.logger.Error("failed to escalate DLQ entry", "dlq_id", entry.ID, "error", err)
				continue
			}
			if escalated {
				res.Escalated++
			}
		default:
			res.Deferred++
			if d.Reason == ReasonAlreadyReplayed {
				h.deleteEntry(ctx, entry)
			}
		}
	}

	if res.Replayed+res.Escalated+res.Failed > 0 {
		h.logger.Info("healing cycle finished",
			"scanned", res.Scanned,
			"replayed", res.Replayed,
			"escalated", res.Escalated,
			"deferred", res.Deferred,
			"failed", res.Failed,
		)
	}
	return res, nil
}

func (h *Healer) replay(ctx context.Context, entry *core.DeadLetter, d Decision) error {
	n := entry.RetryCount + 1
	job := &core.Job{
		ID:             ReplayJobID(entry),
		Type:           entry.JobType,
		Args:           core.EmbedReplayCount(entry.JobData, n),
		Queue:          entry.OriginalQueue,
		MaxRetries:     queue.DefaultJobRetries,
		ReplayCount:    n,
		ReplayWaitMs:   h.now().Sub(entry.FailedAt).Milliseconds(),
		ReplayCategory: string(d.Category),
	}

	err := h.enqueuer.EnqueueJob(ctx, job)
	duplicate := errors.Is(err, core.ErrDuplicateJob)
	if err != nil && !duplicate {
		return fmt.Errorf("dlq: replay %s: %w", entry.ID, err)
	}

	h.RecordAutoReplay(entry.IdempotencyKey)
	h.deleteEntry(ctx, entry)

	if duplicate {
		h.logger.Info("DLQ entry already replayed", "dlq_id", entry.ID, "job_id", job.ID)
		return nil
	}
	h.logger.Info("replayed DLQ entry",
		"dlq_id", entry.ID,
		"job_id", job.ID,
		"type", job.Type,
		"queue", job.Queue,
		"category", d.Category,
		"replay_count", n,
	)
	if em, ok := h.enqueuer.(emitter); ok {
		em.Emit(&core.JobReplayed{Job: job, Entry: entry, Timestamp: h.now()})
	}
	return nil
}

func (h *Healer) deleteEntry(ctx context.Context, entry *core.DeadLetter) {
	err := h.store.DeleteDeadLetter(ctx, entry.ID)
	if err != nil && !errors.Is(err, core.ErrDeadLetterNotFound) {
		h.logger.Warn("failed to delete replayed DLQ entry", "dlq_id", entry.ID, "error", err)
	}
}

// escalate marks entry escalated and raises one alert. It reports false when
// another healer escalated it first.
func (h *Healer) escalate(ctx context.Context, entry *core.DeadLetter, d Decision) (bool, error) {
	changed, err := h.store.UpdateDeadLetterStatus(ctx, entry.ID, core.DeadLetterWaiting, core.DeadLetterEscalated)
	if err != nil || !changed {
		return false, err
	}

	h.logger.Warn("DLQ entry escalated",
		"dlq_id", entry.ID,
		"type", entry.JobType,
		"category", d.Category,
		"reason", d.Reason,
	)
	err = h.alerts.RaiseAlert(ctx, core.Alert{
		Type:     core.AlertDLQEscalated,
		EntityID: entry.ID,
		Message:  fmt.Sprintf("DLQ entry for %s needs manual attention: %s", entry.JobType, d.Reason),
		Details: map[string]any{
			"job_type":       entry.JobType,
			"queue":          entry.OriginalQueue,
			"original_job":   entry.OriginalJobID,
			"error_category": string(d.Category),
			"retry_count":    entry.RetryCount,
			"reason":         d.Reason,
		},
	})
	if err != nil {
		h.logger.Warn("failed to raise DLQ escalation alert", "dlq_id", entry.ID, "error", err)
	}
	return true, nil
}

func (h *Healer) replayFailed(ctx context.Context, entry *core.DeadLetter, cause error) {
	h.logger.Error("failed to replay DLQ entry", "dlq_id", entry.ID, "error", cause)
	err := h.alerts.RaiseAlert(ctx, core.Alert{
		Type:     core.AlertDLQReplayFailed,
		EntityID: entry.ID,
		Message:  fmt.Sprintf("replay of %s failed: %v", entry.JobType, cause),
		Details: map[string]any{
			"job_type": entry.JobType,
			"queue":    entry.OriginalQueue,
		},
	})
	if err != nil {
		h.logger.Warn("failed to raise DLQ replay alert", "dlq_id", entry.ID, "error", err)
	}
}

// Attach records the outcome of every replayed job that finishes on q, which
// feeds adaptive cooldowns.
func (h *Healer) Attach(q *queue.Queue) {
	q.OnJobComplete(func(ctx context.Context, job *core.Job) {
		if job.IsReplay() {
			h.recordOutcome(ctx, job, true)
		}
	})
	q.OnJobFail(func(ctx context.Context, job *core.Job, _ error) {
		if job.IsReplay() {
			h.recordOutcome(ctx, job, false)
		}
	})
}

func (h *Healer) recordOutcome(ctx context.Context, job *core.Job, success bool) {
	err := h.store.RecordReplayOutcome(ctx, &core.ReplayOutcome{
		JobID:         job.ID,
		Queue:         job.Queue,
		ErrorCategory: job.ReplayCategory,
		WaitMs:        job.ReplayWaitMs,
		Success:       success,
		RecordedAt:    h.now().UTC(),
	})
	if err != nil {
		h.logger.Warn("failed to record replay outcome", "job_id", job.ID, "error", err)
	}
}

// Start runs a healing cycle immediately and then on every interval until
// ctx is cancelled.
func (h *Healer) Start(ctx context.Context) error {
	h.logger.Info("DLQ healer started", "interval", h.interval, "adaptive", h.adaptive)
	h.cycle(ctx)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			h.cycle(ctx)
		}
	}
}

func (h *Healer) cycle(ctx context.Context) {
	if _, err := h.RunHealingCycle(ctx); err != nil && !errors.Is(err, context.Canceled) {
		h.logger.Error("healing cycle failed", "error", err)
	}
}
