package budget

import "time"

// Status is a point-in-time copy of the governor's state.
type Status struct {
	Day               string                 `json:"day"`
	GlobalTokensToday int64                  `json:"global_tokens_today"`
	GlobalDailyCap    int64                  `json:"global_daily_cap"`
	SourceTokensToday map[string]int64       `json:"source_tokens_today"`
	SourceCooldowns   map[string]time.Time   `json:"source_cooldowns"`
	EmptyOutputCounts map[string]int         `json:"empty_output_counts"`
	ActiveLocalCalls  int64                  `json:"active_local_calls"`
	ActiveCloudCalls  int64                  `json:"active_cloud_calls"`
	CircuitOpen       bool                   `json:"circuit_open"`
	CircuitReason     string                 `json:"circuit_reason,omitempty"`
	CircuitOpenedAt   *time.Time             `json:"circuit_opened_at,omitempty"`
	Denials           map[DenialReason]int64 `json:"denials"`
}

// Snapshot copies the current state. Expired cooldowns are omitted.
func (g *Governor) Snapshot() Status {
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollover(now)

	st := Status{
		Day:               g.state.Day,
		GlobalTokensToday: g.state.GlobalTokensToday,
		GlobalDailyCap:    g.cfg.GlobalDailyTokens,
		SourceTokensToday: make(map[string]int64, len(g.state.SourceTokensToday)),
		SourceCooldowns:   make(map[string]time.Time),
		EmptyOutputCounts: make(map[string]int, len(g.state.EmptyOutputCounts)),
		ActiveLocalCalls:  g.state.ActiveLocalCalls,
		ActiveCloudCalls:  g.state.ActiveCloudCalls,
		CircuitOpen:       g.state.CircuitOpen,
		CircuitReason:     g.state.CircuitReason,
		Denials:           make(map[DenialReason]int64, len(g.state.Denials)),
	}
	if g.state.CircuitOpen {
		at := g.state.CircuitOpenedAt
		st.CircuitOpenedAt = &at
	}
	for k, v := range g.state.SourceTokensToday {
		st.SourceTokensToday[k] = v
	}
	for k, v := range g.state.SourceCooldowns {
		if v.After(now) {
			st.SourceCooldowns[k] = v
		}
	}
	for k, v := range g.state.EmptyOutputCounts {
		st.EmptyOutputCounts[k] = v
	}
	for k, v := range g.state.Denials {
		st.Denials[k] = v
	}
	return st
}
