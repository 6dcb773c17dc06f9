// Package supervisor turns a mesh view into a recommendation for human
// operators. It evaluates six independent gates and reports one of three
// states. It only recommends; it never acts and never touches evidence.
package supervisor

import (
	"fmt"
	"log/slog"

	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/eventlog"
	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/mesh"
)

// State is the supervisor's recommendation level.
type State string

const (
	StateIdle      State = "IDLE"
	StateWatch     State = "WATCH"
	StateAttention State = "ATTENTION"
)

// Gates are the six boolean conditions behind a recommendation.
type Gates struct {
	KOfNMet          bool `json:"k_of_n_met"`
	BearingAgreement bool `json:"bearing_agreement"`
	SufficientHealth bool `json:"sufficient_health"`
	GoodCalibration  bool `json:"good_calibration"`
	HandleWarnings   bool `json:"handle_warnings"`
	AbsentOK         bool `json:"absent_ok"`
}

// All reports whether every gate passed.
func (g Gates) All() bool {
	return g.KOfNMet && g.BearingAgreement && g.SufficientHealth &&
		g.GoodCalibration && g.HandleWarnings && g.AbsentOK
}

// Map returns the dictionary form used in transition events.
func (g Gates) Map() map[string]any {
	return map[string]any{
		"k_of_n_met":        g.KOfNMet,
		"bearing_agreement": g.BearingAgreement,
		"sufficient_health": g.SufficientHealth,
		"good_calibration":  g.GoodCalibration,
		"handle_warnings":   g.HandleWarnings,
		"absent_ok":         g.AbsentOK,
	}
}

// RuleEvaluation is the human-readable side of the gates.
type RuleEvaluation struct {
	KOfN               string `json:"k_of_n"`
	BearingSpread      string `json:"bearing_spread"`
	HealthyNodes       string `json:"healthy_nodes"`
	CalibrationNominal string `json:"calibration_nominal"`
	WarningsPresent    bool   `json:"warnings_present"`
	AbsentNodes        int    `json:"absent_nodes"`
}

// Recommendation is the supervisor's only output.
type Recommendation struct {
	State                State
	ShouldRaiseAttention bool
	AttentionCount       int
	Gates                Gates
	RuleEvaluation       RuleEvaluation
	Advisories           map[string]bool
	ViewSummary          map[string]any
}

// Map returns the dictionary form used in exports.
func (r Recommendation) Map() map[string]any {
	m := map[string]any{
		"state":                  string(r.State),
		"should_raise_attention": r.ShouldRaiseAttention,
		"attention_count":        r.AttentionCount,
		"rule_evaluation": map[string]any{
			"k_of_n":              r.RuleEvaluation.KOfN,
			"bearing_spread":      r.RuleEvaluation.BearingSpread,
			"healthy_nodes":       r.RuleEvaluation.HealthyNodes,
			"calibration_nominal": r.RuleEvaluation.CalibrationNominal,
			"warnings_present":    r.RuleEvaluation.WarningsPresent,
			"absent_nodes":        r.RuleEvaluation.AbsentNodes,
		},
		"view_summary": r.ViewSummary,
	}
	if len(r.Advisories) > 0 {
		adv := make(map[string]any, len(r.Advisories))
		for k, v := range r.Advisories {
			adv[k] = v
		}
		m["advisories"] = adv
	}
	return m
}

// Transition is one entry of the state history.
type Transition struct {
	Tick     int    `json:"tick"`
	State    State  `json:"state"`
	Window   int    `json:"window"`
	ViewHash string `json:"view_hash"`
}

// DefaultHistoryLimit is the StateHistory page size used by dashboards.
const DefaultHistoryLimit = 50

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

// Supervisor holds the current state, the attention counter and history.
type Supervisor struct {
	log        *eventlog.Log
	logger     *slog.Logger
	advisories *advisoryEngine

	state               State
	attentionSinceReset int
	history             []Transition
}

// New returns a supervisor in the IDLE state.
func New(log *eventlog.Log, opts ...Option) (*Supervisor, error) {
	adv, err := newAdvisoryEngine()
	if err != nil {
		return nil, err
	}
	s := &Supervisor{
		log:        log,
		logger:     slog.Default().With("component", "supervisor"),
		advisories: adv,
		state:      StateIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// CheckRules validates rules and compiles their advisories.
func (s *Supervisor) CheckRules(rules Rules) error {
	if err := rules.Validate(); err != nil {
		return err
	}
	for _, a := range rules.Advisories {
		if err := s.advisories.Compile(a.Expr); err != nil {
			return fmt.Errorf("%w: advisory %q: %v", ErrInvalidRules, a.Name, err)
		}
	}
	return nil
}

// CurrentState returns the state after the last evaluation.
func (s *Supervisor) CurrentState() State { return s.state }

// AttentionCount returns the number of entries into ATTENTION since the
// last reset.
func (s *Supervisor) AttentionCount() int { return s.attentionSinceReset }

// EvaluateGates computes the six gates for view under rules.
func EvaluateGates(view *mesh.View, rules Rules) (Gates, RuleEvaluation) {
	supporting := len(view.SupportingNodes)

	healthy := 0
	for _, h := range view.HealthDistribution {
		if h.Health > rules.HealthThreshold {
			healthy++
		}
	}

	total := view.TotalReporting()
	nominal := view.CalibrationSummary["nominal"]
	// an empty window has ratio 0, which only a zero threshold admits
	ratio := 0.0
	if total > 0 {
		ratio = float64(nominal) / float64(total)
	}

	g := Gates{
		KOfNMet:          supporting >= rules.KOfN,
		BearingAgreement: !rules.RequireBearingAgreement || view.BearingSpreadDeg <= rules.MaxBearingSpread,
		SufficientHealth: healthy >= rules.MinHealthyNodes,
		GoodCalibration:  ratio >= rules.CalibrationThreshold,
		HandleWarnings:   !rules.EscalateOnWarnings || len(view.Warnings) == 0,
		AbsentOK:         rules.IgnoreAbsentNodes || len(view.UnknownNodes) == 0,
	}
	ev := RuleEvaluation{
		KOfN:               fmt.Sprintf("%d/%d", supporting, rules.KOfN),
		BearingSpread:      fmt.Sprintf("%.1f°", view.BearingSpreadDeg),
		HealthyNodes:       fmt.Sprintf("%d/%d", healthy, rules.MinHealthyNodes),
		CalibrationNominal: fmt.Sprintf("%d/%d", nominal, total),
		WarningsPresent:    len(view.Warnings) > 0,
		AbsentNodes:        len(view.UnknownNodes),
	}
	return g, ev
}

func stateFor(g Gates) State {
	switch {
	case g.All():
		return StateAttention
	case g.KOfNMet && g.BearingAgreement:
		return StateWatch
	default:
		return StateIdle
	}
}

// Evaluate recomputes the state from view and rules. On a state change it
// logs a supervisor_state_change event and appends to the history; entering
// ATTENTION increments the attention counter.
func (s *Supervisor) Evaluate(tick int, view *mesh.View, rules Rules) (Recommendation, error) {
	if err := s.CheckRules(rules); err != nil {
		return Recommendation{}, err
	}
	gates, ev := EvaluateGates(view, rules)
	next := stateFor(gates)

	summary := view.Map()
	if next != s.state {
		viewHash, err := view.Hash()
		if err != nil {
			return Recommendation{}, fmt.Errorf("supervisor: hash view: %w", err)
		}
		ruleHash, err := rules.Hash()
		if err != nil {
			return Recommendation{}, fmt.Errorf("supervisor: hash rules: %w", err)
		}
		if _, err := s.log.Append(eventlog.TypeSupervisorStateChange, map[string]any{
			"tick":      tick,
			"from":      string(s.state),
			"to":        string(next),
			"window":    view.WindowID,
			"reason":    gates.Map(),
			"rule_hash": ruleHash,
		}, tick); err != nil {
			return Recommendation{}, fmt.Errorf("supervisor: log transition: %w", err)
		}
		s.history = append(s.history, Transition{Tick: tick, State: next, Window: view.WindowID, ViewHash: viewHash})
		if next == StateAttention {
			s.attentionSinceReset++
		}
		s.logger.Info("state change", "tick", tick, "from", s.state, "to", next, "window", view.WindowID)
		s.state = next
	}

	rec := Recommendation{
		State:                next,
		ShouldRaiseAttention: gates.All(),
		AttentionCount:       s.attentionSinceReset,
		Gates:                gates,
		RuleEvaluation:       ev,
		ViewSummary:          summary,
	}
	if len(rules.Advisories) > 0 {
		rec.Advisories = make(map[string]bool, len(rules.Advisories))
		for _, a := range rules.Advisories {
			ok, err := s.advisories.Evaluate(a.Expr, summary)
			if err != nil {
				// advisories annotate only, a failing one is reported false
				s.logger.Warn("advisory failed", "name", a.Name, "error", err)
				ok = false
			}
			rec.Advisories[a.Name] = ok
		}
	}
	return rec, nil
}

// ResetAttentionCounter zeroes the counter and logs the reset.
func (s *Supervisor) ResetAttentionCounter() error {
	s.attentionSinceReset = 0
	if _, err := s.log.AppendUnticked(eventlog.TypeSupervisorReset, map[string]any{"attention_count_reset": true}); err != nil {
		return fmt.Errorf("supervisor: log reset: %w", err)
	}
	return nil
}

// StateHistory returns the last limit transitions, oldest first.
func (s *Supervisor) StateHistory(limit int) []Transition {
	if limit <= 0 || len(s.history) == 0 {
		return nil
	}
	if limit > len(s.history) {
		limit = len(s.history)
	}
	return append([]Transition(nil), s.history[len(s.history)-limit:]...)
}
