package supervisor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/eventlog"
	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/mesh"
	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/meshstore"
)

// strongView satisfies every stock gate.
func strongView() *mesh.View {
	return &mesh.View{
		WindowID:        1,
		TickID:          6,
		SupportingNodes: []string{"A", "B", "C"},
		PDetectDistribution: []mesh.NodeScore{
			{NodeID: "A", PDetect: 0.9}, {NodeID: "B", PDetect: 0.8}, {NodeID: "C", PDetect: 0.85},
		},
		HealthDistribution: []mesh.NodeHealth{
			{NodeID: "A", Health: 0.9}, {NodeID: "B", Health: 0.85}, {NodeID: "C", Health: 0.95},
		},
		CalibrationSummary: map[string]int{"nominal": 3, "degraded": 0, "failed": 0},
		EvidenceTypes:      []string{"acoustic_narrowband"},
		BearingMeanDeg:     45,
		BearingSpreadDeg:   5,
	}
}

func newSupervisor(t *testing.T) (*Supervisor, *eventlog.Log) {
	t.Helper()
	log := eventlog.New(nil)
	s, err := New(log)
	require.NoError(t, err)
	return s, log
}

func TestEvaluate_AllGatesRaiseAttention(t *testing.T) {
	s, log := newSupervisor(t)

	rec, err := s.Evaluate(6, strongView(), DefaultRules())
	require.NoError(t, err)

	assert.Equal(t, StateAttention, rec.State)
	assert.True(t, rec.ShouldRaiseAttention)
	assert.Equal(t, 1, rec.AttentionCount)
	assert.Equal(t, "3/2", rec.RuleEvaluation.KOfN)
	assert.Equal(t, "5.0°", rec.RuleEvaluation.BearingSpread)
	assert.Equal(t, "3/3", rec.RuleEvaluation.HealthyNodes)
	assert.Equal(t, "3/3", rec.RuleEvaluation.CalibrationNominal)
	assert.False(t, rec.RuleEvaluation.WarningsPresent)
	assert.Equal(t, 0, rec.RuleEvaluation.AbsentNodes)

	changes := log.FilterByType(eventlog.TypeSupervisorStateChange)
	require.Len(t, changes, 1)
	p := changes[0].Payload
	assert.Equal(t, "IDLE", p["from"])
	assert.Equal(t, "ATTENTION", p["to"])
	reason, ok := p["reason"].(map[string]any)
	require.True(t, ok)
	assert.Len(t, reason, 6)
	assert.Equal(t, true, reason["absent_ok"])

	ruleHash, err := DefaultRules().Hash()
	require.NoError(t, err)
	assert.Equal(t, ruleHash, p["rule_hash"])

	viewHash, err := strongView().Hash()
	require.NoError(t, err)
	hist := s.StateHistory(DefaultHistoryLimit)
	require.Len(t, hist, 1)
	assert.Equal(t, Transition{Tick: 6, State: StateAttention, Window: 1, ViewHash: viewHash}, hist[0])
}

func TestEvaluate_WatchWhenOnlyAgreementHolds(t *testing.T) {
	s, _ := newSupervisor(t)
	v := strongView()
	v.Warnings = []string{"conflict"}

	rec, err := s.Evaluate(6, v, DefaultRules())
	require.NoError(t, err)
	assert.Equal(t, StateWatch, rec.State)
	assert.False(t, rec.ShouldRaiseAttention)
	assert.False(t, rec.Gates.HandleWarnings)
	assert.Equal(t, 0, rec.AttentionCount)
}

func TestEvaluate_IdleWhenBearingsDisagree(t *testing.T) {
	s, log := newSupervisor(t)
	v := strongView()
	v.BearingSpreadDeg = 90

	rec, err := s.Evaluate(6, v, DefaultRules())
	require.NoError(t, err)
	assert.Equal(t, StateIdle, rec.State)
	assert.Empty(t, log.FilterByType(eventlog.TypeSupervisorStateChange), "no transition, no event")
	assert.Empty(t, s.StateHistory(10))
}

func TestEvaluate_HealthThresholdIsStrict(t *testing.T) {
	v := strongView()
	v.HealthDistribution[0].Health = 0.7

	g, ev := EvaluateGates(v, DefaultRules())
	assert.False(t, g.SufficientHealth, "health equal to threshold is not healthy")
	assert.Equal(t, "2/3", ev.HealthyNodes)
}

func TestEvaluate_AbsenceBlocksUnlessIgnored(t *testing.T) {
	v := strongView()
	v.UnknownNodes = []meshstore.Absence{{NodeID: "D", TicksSinceLast: 12}}

	g, ev := EvaluateGates(v, DefaultRules())
	assert.False(t, g.AbsentOK)
	assert.Equal(t, 1, ev.AbsentNodes)

	rules := DefaultRules()
	rules.IgnoreAbsentNodes = true
	g, _ = EvaluateGates(v, rules)
	assert.True(t, g.AbsentOK)
}

func TestEvaluate_EmptyWindowCalibration(t *testing.T) {
	empty := &mesh.View{CalibrationSummary: map[string]int{}}

	g, ev := EvaluateGates(empty, DefaultRules())
	assert.False(t, g.GoodCalibration)
	assert.Equal(t, "0/0", ev.CalibrationNominal)

	rules := DefaultRules()
	rules.CalibrationThreshold = 0
	g, _ = EvaluateGates(empty, rules)
	assert.True(t, g.GoodCalibration, "ratio 0 meets a zero threshold")
}

func TestEvaluate_CounterCountsEntriesNotTicks(t *testing.T) {
	s, _ := newSupervisor(t)
	weak := strongView()
	weak.SupportingNodes = nil

	for tick, v := range []*mesh.View{strongView(), strongView(), weak, strongView()} {
		_, err := s.Evaluate(tick+1, v, DefaultRules())
		require.NoError(t, err)
	}
	assert.Equal(t, 2, s.AttentionCount())
	assert.Len(t, s.StateHistory(DefaultHistoryLimit), 3)
	assert.Len(t, s.StateHistory(1), 1)
	assert.Equal(t, StateAttention, s.StateHistory(1)[0].State)
}

func TestResetAttentionCounter(t *testing.T) {
	s, log := newSupervisor(t)
	_, err := s.Evaluate(3, strongView(), DefaultRules())
	require.NoError(t, err)
	require.Equal(t, 1, s.AttentionCount())

	require.NoError(t, s.ResetAttentionCounter())
	assert.Equal(t, 0, s.AttentionCount())
	assert.Equal(t, StateAttention, s.CurrentState(), "reset does not change state")

	resets := log.FilterByType(eventlog.TypeSupervisorReset)
	require.Len(t, resets, 1)
	assert.Nil(t, resets[0].TickID)
	assert.Equal(t, true, resets[0].Payload["attention_count_reset"])
}

func TestEvaluate_RejectsInvalidRules(t *testing.T) {
	s, _ := newSupervisor(t)
	rules := DefaultRules()
	rules.HealthThreshold = 1.5
	_, err := s.Evaluate(1, strongView(), rules)
	require.ErrorIs(t, err, ErrInvalidRules)
}

func TestAdvisories_AnnotateWithoutChangingState(t *testing.T) {
	s, _ := newSupervisor(t)
	rules := DefaultRules()
	rules.Advisories = []Advisory{
		{Name: "tight_bearing", Expr: `view.bearing_stats.spread_deg < 10.0`},
		{Name: "many_supporting", Expr: `size(view.supporting_nodes) >= 4`},
	}

	rec, err := s.Evaluate(6, strongView(), rules)
	require.NoError(t, err)
	assert.Equal(t, StateAttention, rec.State)
	assert.Equal(t, map[string]bool{"tight_bearing": true, "many_supporting": false}, rec.Advisories)
	assert.Contains(t, rec.Map(), "advisories")
}

func TestAdvisories_CompileErrorIsRulesError(t *testing.T) {
	s, _ := newSupervisor(t)
	rules := DefaultRules()
	rules.Advisories = []Advisory{{Name: "broken", Expr: `view.(`}}
	require.ErrorIs(t, s.CheckRules(rules), ErrInvalidRules)
}
