package admin

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jdziat/pipeline-guard/pkg/core"
	"github.com/jdziat/pipeline-guard/pkg/security"
	"github.com/jdziat/pipeline-guard/pkg/storage"
)

const defaultListLimit = 50

type OpenCircuitRequest struct {
	Reason string `json:"reason"`
}

type DeadLetterView struct {
	ID             string    `json:"id"`
	OriginalJobID  string    `json:"original_job_id"`
	OriginalQueue  string    `json:"original_queue"`
	JobType        string    `json:"job_type"`
	Error          string    `json:"error"`
	ErrorCategory  string    `json:"error_category"`
	FailedAt       time.Time `json:"failed_at"`
	RetryCount     int       `json:"retry_count"`
	IdempotencyKey string    `json:"idempotency_key"`
	Status         string    `json:"status"`
	Decision       string    `json:"decision,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	ReadyAt        time.Time `json:"ready_at,omitempty"`
}

type ListDeadLettersResponse struct {
	Items            []DeadLetterView          `json:"items"`
	Counts           []storage.DeadLetterCount `json:"counts"`
	LearnedCooldowns map[string]string         `json:"learned_cooldowns,omitempty"`
}

type AlertView struct {
	ID        string         `json:"id"`
	Severity  string         `json:"severity"`
	Type      string         `json:"type"`
	EntityID  string         `json:"entity_id"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (a *App) internalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	a.logger().Error(msg, "path", r.URL.Path, "error", err)
	writeError(w, http.StatusInternalServerError, msg)
}

func (a *App) budgetHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Governor.Snapshot())
}

func (a *App) openCircuitHandler(w http.ResponseWriter, r *http.Request) {
	var req OpenCircuitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "manual"
	}
	a.Governor.OpenCircuit(r.Context(), "operator: "+reason)
	writeJSON(w, http.StatusOK, a.Governor.Snapshot())
}

// closeCircuitHandler is the only way the circuit closes.
func (a *App) closeCircuitHandler(w http.ResponseWriter, r *http.Request) {
	a.Governor.CloseCircuit(r.Context())
	writeJSON(w, http.StatusOK, a.Governor.Snapshot())
}

func (a *App) stalenessHandler(w http.ResponseWriter, r *http.Request) {
	jobType := chi.URLParam(r, "jobType")
	st, err := a.Scheduler.CheckStaleness(r.Context(), jobType)
	if err != nil {
		a.internalError(w, r, "failed to check staleness", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *App) missedRunsHandler(w http.ResponseWriter, r *http.Request) {
	jobType := chi.URLParam(r, "jobType")
	runs, err := a.Scheduler.DetectMissedRuns(r.Context(), jobType)
	if err != nil {
		a.internalError(w, r, "failed to detect missed runs", err)
		return
	}
	items := make([]map[string]any, 0, len(runs))
	for _, run := range runs {
		items = append(items, map[string]any{
			"id":           run.ID,
			"job_type":     run.JobType,
			"scheduled_at": run.ScheduledAt,
			"status":       run.Status,
			"error":        run.ErrorMessage,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_type": jobType, "items": items})
}

func (a *App) listDeadLettersHandler(w http.ResponseWriter, r *http.Request) {
	var statuses []core.DeadLetterStatus
	if s := r.URL.Query().Get("status"); s != "" {
		st := core.DeadLetterStatus(s)
		if st != core.DeadLetterWaiting && st != core.DeadLetterEscalated {
			writeError(w, http.StatusBadRequest, "status must be waiting or escalated")
			return
		}
		statuses = []core.DeadLetterStatus{st}
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	entries, err := a.Store.ListDeadLetters(r.Context(), statuses, limit)
	if err != nil {
		a.internalError(w, r, "failed to load DLQ entries", err)
		return
	}
	counts, err := a.Store.CountDeadLetters(r.Context())
	if err != nil {
		a.internalError(w, r, "failed to count DLQ entries", err)
		return
	}

	resp := ListDeadLettersResponse{Items: make([]DeadLetterView, 0, len(entries)), Counts: counts}
	for i := range entries {
		e := &entries[i]
		v := DeadLetterView{
			ID:             e.ID,
			OriginalJobID:  e.OriginalJobID,
			OriginalQueue:  e.OriginalQueue,
			JobType:        e.JobType,
			Error:          security.SanitizeErrorMessage(e.Error),
			ErrorCategory:  e.ErrorCategory,
			FailedAt:       e.FailedAt,
			RetryCount:     e.RetryCount,
			IdempotencyKey: e.IdempotencyKey,
			Status:         string(e.Status),
		}
		if a.Healer != nil {
			d := a.Healer.Evaluate(e)
			v.Decision, v.Reason, v.ReadyAt = string(d.Action), d.Reason, d.ReadyAt
		}
		resp.Items = append(resp.Items, v)
	}
	if a.Healer != nil {
		learned := a.Healer.LearnedCooldowns()
		if len(learned) > 0 {
			resp.LearnedCooldowns = make(map[string]string, len(learned))
			for c, d := range learned {
				resp.LearnedCooldowns[string(c)] = d.String()
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *App) healHandler(w http.ResponseWriter, r *http.Request) {
	res, err := a.Healer.RunHealingCycle(r.Context())
	if err != nil {
		a.internalError(w, r, "healing cycle failed", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *App) listAlertsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f storage.AlertFilter
	if s := q.Get("type"); s != "" {
		t, err := core.ParseAlertType(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		f.Type = t
	}
	f.EntityID = q.Get("entity_id")
	if s := q.Get("since"); s != "" {
		since, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC 3339")
			return
		}
		f.Since = since
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	f.Limit = limit

	alerts, err := a.Store.ListAlerts(r.Context(), f)
	if err != nil {
		a.internalError(w, r, "failed to load alerts", err)
		return
	}
	items := make([]AlertView, 0, len(alerts))
	for _, al := range alerts {
		items = append(items, AlertView{
			ID:        al.ID,
			Severity:  string(al.Severity),
			Type:      string(al.Type),
			EntityID:  al.EntityID,
			Message:   al.Message,
			Details:   al.Details,
			CreatedAt: al.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 || n > 1000 {
		writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
		return 0, false
	}
	return n, true
}
