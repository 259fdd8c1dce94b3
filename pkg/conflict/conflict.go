// Package conflict detects candidate rules that disagree and arbitrates
// between them by the legal authority of their sources.
package conflict

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"

	"github.com/jdziat/pipeline-guard/pkg/alert"
	"github.com/jdziat/pipeline-guard/pkg/core"
)

// Conflict is a (conceptSlug, valueType) group asserting more than one value.
type Conflict struct {
	ConceptSlug    string
	ValueType      string
	Rules          []core.RuleCandidate
	DistinctValues []string
	// TopRank is the strongest authority rank in the group.
	TopRank       int
	CanResolve    bool
	WinningRuleID string
}

// Report is the result of DetectConflicts.
type Report struct {
	HasConflict bool
	Conflicts   []Conflict
}

// Unresolved returns the conflicts that need human review.
func (r Report) Unresolved() []Conflict {
	var out []Conflict
	for _, c := range r.Conflicts {
		if !c.CanResolve {
			out = append(out, c)
		}
	}
	return out
}

type groupKey struct {
	concept   string
	valueType string
}

// DetectConflicts groups rules by (ConceptSlug, ValueType) and reports every
// group with two or more distinct values. Numeric values are compared as
// numbers, so "5" and "5.0" agree. A conflict is resolvable when exactly one
// rule holds the group's strongest authority rank.
func DetectConflicts(rules []core.RuleCandidate) Report {
	groups := make(map[groupKey][]core.RuleCandidate)
	var order []groupKey
	for _, r := range rules {
		k := groupKey{concept: r.ConceptSlug, valueType: r.ValueType}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], r)
	}

	var report Report
	for _, k := range order {
		group := groups[k]
		distinct := distinctValues(group)
		if len(distinct) < 2 {
			continue
		}

		c := Conflict{
			ConceptSlug:    k.concept,
			ValueType:      k.valueType,
			Rules:          group,
			DistinctValues: distinct,
			TopRank:        core.UnknownAuthorityRank + 1,
		}
		var top []core.RuleCandidate
		for _, r := range group {
			rank := r.AuthorityLevel.Rank()
			switch {
			case rank < c.TopRank:
				c.TopRank = rank
				top = []core.RuleCandidate{r}
			case rank == c.TopRank:
				top = append(top, r)
			}
		}
		if len(top) == 1 {
			c.CanResolve = true
			c.WinningRuleID = top[0].ID
		}
		report.Conflicts = append(report.Conflicts, c)
	}
	report.HasConflict = len(report.Conflicts) > 0
	return report
}

// distinctValues returns the group's values in first-seen order, collapsing
// values that are equal after normalisation.
func distinctValues(group []core.RuleCandidate) []string {
	seen := make(map[string]struct{}, len(group))
	var out []string
	for _, r := range group {
		key := normalizeValue(r.Value)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, r.Value)
	}
	return out
}

// normalizeValue gives numerically equal values one representation.
// Arbitrary-precision parsing keeps large identifiers from colliding.
func normalizeValue(v string) string {
	s := strings.TrimSpace(v)
	if r, ok := new(big.Rat).SetString(s); ok {
		return "num:" + r.RatString()
	}
	return "str:" + s
}

// Arbiter resolves conflicts and escalates the ones it cannot.
type Arbiter struct {
	alerts alert.Sink
	logger *slog.Logger
}

// Option configures an Arbiter.
type Option func(*Arbiter)

// WithAlertSink sets where unresolved conflicts are escalated.
func WithAlertSink(s alert.Sink) Option {
	return func(a *Arbiter) { a.alerts = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Arbiter) { a.logger = l }
}

// NewArbiter creates an Arbiter.
func NewArbiter(opts ...Option) *Arbiter {
	a := &Arbiter{alerts: alert.Nop, logger: slog.Default()}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Resolution is the outcome of Arbiter.Resolve.
type Resolution struct {
	Report Report
	// Accepted holds the rules that survive arbitration: every rule outside
	// a conflict and the winner of each resolvable conflict.
	Accepted []core.RuleCandidate
	// Escalated holds conflicts raised for human review.
	Escalated []Conflict
}

// Resolve detects conflicts among rules, keeps each resolvable conflict's
// winner and raises a conflict_unresolved alert for each tie. Alert delivery
// failures are logged, not returned.
func (a *Arbiter) Resolve(ctx context.Context, rules []core.RuleCandidate) Resolution {
	report := DetectConflicts(rules)
	res := Resolution{Report: report}

	losers := make(map[string]struct{})
	held := make(map[string]struct{})
	for _, c := range report.Conflicts {
		for _, r := range c.Rules {
			if c.CanResolve && r.ID == c.WinningRuleID {
				continue
			}
			if c.CanResolve {
				losers[r.ID] = struct{}{}
			} else {
				held[r.ID] = struct{}{}
			}
		}
		if !c.CanResolve {
			res.Escalated = append(res.Escalated, c)
			a.escalate(ctx, c)
		}
	}

	for _, r := range rules {
		if _, ok := losers[r.ID]; ok {
			continue
		}
		if _, ok := held[r.ID]; ok {
			continue
		}
		res.Accepted = append(res.Accepted, r)
	}
	return res
}

func (a *Arbiter) escalate(ctx context.Context, c Conflict) {
	ids := make([]string, 0, len(c.Rules))
	for _, r := range c.Rules {
		ids = append(ids, r.ID)
	}
	sort.Strings(ids)

	err := a.alerts.RaiseAlert(ctx, core.Alert{
		Type:     core.AlertConflictUnresolved,
		EntityID: c.ConceptSlug,
		Message: fmt.Sprintf("conflicting values for %s (%s) tied at authority rank %d",
			c.ConceptSlug, c.ValueType, c.TopRank),
		Details: map[string]any{
			"concept_slug": c.ConceptSlug,
			"value_type":   c.ValueType,
			"values":       c.DistinctValues,
			"rule_ids":     ids,
			"top_rank":     c.TopRank,
		},
	})
	if err != nil {
		a.logger.Warn("failed to raise conflict alert", "concept", c.ConceptSlug, "error", err)
	}
}
