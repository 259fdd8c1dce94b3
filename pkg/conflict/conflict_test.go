package conflict

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/pipeline-guard/pkg/alert"
	"github.com/jdziat/pipeline-guard/pkg/core"
)

func rule(id, concept, value string, level core.AuthorityLevel) core.RuleCandidate {
	return core.RuleCandidate{ID: id, ConceptSlug: concept, Value: value, ValueType: "number", AuthorityLevel: level}
}

func TestDetectConflicts_NoConflictForAgreeingRules(t *testing.T) {
	report := DetectConflicts([]core.RuleCandidate{
		rule("r1", "min-capital", "5", core.AuthorityLaw),
		rule("r2", "min-capital", "5.0", core.AuthorityGuidance),
		rule("r3", "min-capital", " 5 ", core.AuthorityPractice),
	})

	assert.False(t, report.HasConflict)
	assert.Empty(t, report.Conflicts)
}

func TestDetectConflicts_ValueTypeSeparatesGroups(t *testing.T) {
	a := rule("r1", "retention", "5", core.AuthorityLaw)
	b := rule("r2", "retention", "10", core.AuthorityLaw)
	b.ValueType = "years"

	assert.False(t, DetectConflicts([]core.RuleCandidate{a, b}).HasConflict)
}

func TestDetectConflicts_SingleTopRankWins(t *testing.T) {
	report := DetectConflicts([]core.RuleCandidate{
		rule("r1", "min-capital", "5000000", core.AuthorityGuidance),
		rule("r2", "min-capital", "730000", core.AuthorityRegulation),
		rule("r3", "min-capital", "125000", core.AuthorityPractice),
	})

	require.True(t, report.HasConflict)
	require.Len(t, report.Conflicts, 1)
	c := report.Conflicts[0]
	assert.True(t, c.CanResolve)
	assert.Equal(t, "r2", c.WinningRuleID)
	assert.Equal(t, 2, c.TopRank)
	assert.Equal(t, []string{"5000000", "730000", "125000"}, c.DistinctValues)
	assert.Empty(t, report.Unresolved())
}

func TestDetectConflicts_TieIsUnresolved(t *testing.T) {
	report := DetectConflicts([]core.RuleCandidate{
		rule("r1", "reporting-deadline", "30", core.AuthorityLaw),
		rule("r2", "reporting-deadline", "45", core.AuthorityLaw),
		rule("r3", "reporting-deadline", "60", core.AuthorityGuidance),
	})

	require.Len(t, report.Conflicts, 1)
	assert.False(t, report.Conflicts[0].CanResolve)
	assert.Empty(t, report.Conflicts[0].WinningRuleID)
	assert.Len(t, report.Unresolved(), 1)
}

func TestDetectConflicts_TopRankHeldTwiceWithSameValueStillTies(t *testing.T) {
	report := DetectConflicts([]core.RuleCandidate{
		rule("r1", "fee", "10", core.AuthorityLaw),
		rule("r2", "fee", "10", core.AuthorityLaw),
		rule("r3", "fee", "12", core.AuthorityRegulation),
	})

	require.Len(t, report.Conflicts, 1)
	assert.False(t, report.Conflicts[0].CanResolve)
}

func TestDetectConflicts_UnknownAuthorityRanksLast(t *testing.T) {
	report := DetectConflicts([]core.RuleCandidate{
		rule("r1", "fee", "10", core.AuthorityLevel("BLOG")),
		rule("r2", "fee", "12", core.AuthorityPractice),
	})

	require.Len(t, report.Conflicts, 1)
	assert.True(t, report.Conflicts[0].CanResolve)
	assert.Equal(t, "r2", report.Conflicts[0].WinningRuleID)
}

func TestDetectConflicts_TextValuesComparedExactly(t *testing.T) {
	a := rule("r1", "regulator", "BaFin", core.AuthorityLaw)
	b := rule("r2", "regulator", "bafin", core.AuthorityGuidance)
	a.ValueType, b.ValueType = "text", "text"

	report := DetectConflicts([]core.RuleCandidate{a, b})
	assert.True(t, report.HasConflict)
}

func TestDetectConflicts_MultipleGroups(t *testing.T) {
	report := DetectConflicts([]core.RuleCandidate{
		rule("a1", "alpha", "1", core.AuthorityLaw),
		rule("b1", "beta", "1", core.AuthorityLaw),
		rule("a2", "alpha", "2", core.AuthorityGuidance),
		rule("b2", "beta", "2", core.AuthorityLaw),
		rule("c1", "gamma", "1", core.AuthorityLaw),
	})

	require.Len(t, report.Conflicts, 2)
	assert.Equal(t, "alpha", report.Conflicts[0].ConceptSlug)
	assert.Equal(t, "beta", report.Conflicts[1].ConceptSlug)
}

// ────────────────────────────────────────────────────────────────────────────
// Arbiter
// ────────────────────────────────────────────────────────────────────────────

func TestArbiter_Resolve(t *testing.T) {
	var raised []core.Alert
	sink := alert.SinkFunc(func(_ context.Context, a core.Alert) error {
		raised = append(raised, a)
		return nil
	})
	arb := NewArbiter(WithAlertSink(sink))

	rules := []core.RuleCandidate{
		rule("w", "min-capital", "730000", core.AuthorityRegulation),
		rule("l", "min-capital", "125000", core.AuthorityPractice),
		rule("t1", "deadline", "30", core.AuthorityLaw),
		rule("t2", "deadline", "45", core.AuthorityLaw),
		rule("ok", "fee", "10", core.AuthorityGuidance),
	}

	res := arb.Resolve(context.Background(), rules)

	var accepted []string
	for _, r := range res.Accepted {
		accepted = append(accepted, r.ID)
	}
	assert.Equal(t, []string{"w", "ok"}, accepted)
	require.Len(t, res.Escalated, 1)
	assert.Equal(t, "deadline", res.Escalated[0].ConceptSlug)

	require.Len(t, raised, 1)
	assert.Equal(t, core.AlertConflictUnresolved, raised[0].Type)
	assert.Equal(t, "deadline", raised[0].EntityID)
	assert.Equal(t, []string{"t1", "t2"}, raised[0].Details["rule_ids"])
}

func TestArbiter_AlertFailureIsNotFatal(t *testing.T) {
	arb := NewArbiter(WithAlertSink(alert.SinkFunc(func(context.Context, core.Alert) error {
		return errors.New("sink down")
	})))

	res := arb.Resolve(context.Background(), []core.RuleCandidate{
		rule("t1", "deadline", "30", core.AuthorityLaw),
		rule("t2", "deadline", "45", core.AuthorityLaw),
	})

	assert.Len(t, res.Escalated, 1)
	assert.Empty(t, res.Accepted)
}
