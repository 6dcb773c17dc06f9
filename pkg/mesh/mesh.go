package mesh

import (
	"errors"
	"fmt"
	"sort"

	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/evidence"
	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/meshstore"
	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/stats"
)

// ErrInvalidThresholds is returned when classification thresholds overlap
// or leave [0, 1].
var ErrInvalidThresholds = errors.New("mesh: invalid thresholds")

// Fixed note and warning texts.
const (
	NoteDisagreement   = "DISAGREEMENT: Multiple nodes have conflicting evidence. Do not collapse to consensus."
	WarningConflict    = "Evidence conflict present"
	WarningCalibration = "Majority of nodes have degraded/failed calibration"
)

const (
	bearingSpreadLimit  = 45.0
	positionNoteLimitM  = 100.0
	lowHealthLimit      = 0.6
	noEvidenceTypeLabel = "none"
)

// Thresholds split local confidence into supporting, ambiguous and
// contradicting. Values strictly between Contradict and Support are ambiguous.
type Thresholds struct {
	Support    float64 `json:"support_threshold" yaml:"support_threshold"`
	Contradict float64 `json:"contradict_threshold" yaml:"contradict_threshold"`
}

// DefaultThresholds returns support 0.7 and contradict 0.3.
func DefaultThresholds() Thresholds { return Thresholds{Support: 0.7, Contradict: 0.3} }

// Validate rejects overlapping or out-of-range thresholds.
func (t Thresholds) Validate() error {
	if t.Contradict < 0 || t.Support > 1 || t.Contradict >= t.Support {
		return fmt.Errorf("%w: support=%v contradict=%v", ErrInvalidThresholds, t.Support, t.Contradict)
	}
	return nil
}

// Engine builds views over a fixed node set.
type Engine struct {
	nodeIDs []string
	store   *meshstore.Store
	grace   int
}

// NewEngine returns an engine for nodeIDs in the given order. grace <= 0
// selects meshstore.DefaultGraceTicks.
func NewEngine(nodeIDs []string, store *meshstore.Store, grace int) *Engine {
	if grace <= 0 {
		grace = meshstore.DefaultGraceTicks
	}
	return &Engine{nodeIDs: append([]string(nil), nodeIDs...), store: store, grace: grace}
}

// LatestByNode returns each node's highest-tick record in window.
func (e *Engine) LatestByNode(window int) map[string]*evidence.Record {
	latest := make(map[string]*evidence.Record)
	for _, r := range e.store.RecordsForWindow(window) {
		prev, ok := latest[r.NodeID()]
		if !ok || r.TickID() > prev.TickID() {
			latest[r.NodeID()] = r
		}
	}
	return latest
}

// View reconciles window as of tick.
func (e *Engine) View(window, tick int, th Thresholds) (*View, error) {
	if err := th.Validate(); err != nil {
		return nil, err
	}
	latest := e.LatestByNode(window)

	v := &View{
		WindowID:           window,
		TickID:             tick,
		SupportingNodes:    []string{},
		ContradictingNodes: []string{},
		AmbiguousNodes:     []string{},
		CalibrationSummary: make(map[string]int, len(evidence.CalibrationStatuses)),
		Notes:              []string{},
		Warnings:           []string{},
	}
	for _, c := range evidence.CalibrationStatuses {
		v.CalibrationSummary[string(c)] = 0
	}

	types := make(map[string]struct{})
	var bearings []float64
	var totalHealth float64

	for _, id := range e.nodeIDs {
		r, ok := latest[id]
		if !ok {
			continue
		}
		p := r.PDetectLocal()
		v.PDetectDistribution = append(v.PDetectDistribution, NodeScore{NodeID: id, PDetect: p, NodeType: r.NodeType()})
		v.HealthDistribution = append(v.HealthDistribution, NodeHealth{NodeID: id, Health: r.SensorHealth()})
		v.CalibrationSummary[string(r.CalibrationStatus())]++
		types[string(r.EvidenceType())] = struct{}{}
		if r.PositionAccuracyM() > v.MaxPositionUncertaintyM {
			v.MaxPositionUncertaintyM = r.PositionAccuracyM()
		}
		bearings = append(bearings, r.BearingDeg())
		totalHealth += r.SensorHealth()

		switch {
		case p >= th.Support:
			v.SupportingNodes = append(v.SupportingNodes, id)
		case p <= th.Contradict:
			v.ContradictingNodes = append(v.ContradictingNodes, id)
		default:
			v.AmbiguousNodes = append(v.AmbiguousNodes, id)
		}
	}

	v.UnknownNodes = e.store.AbsentNodes(window, tick, e.grace)
	v.BearingMeanDeg = stats.CircularMean(bearings)
	v.BearingSpreadDeg = stats.CircularStd(bearings)
	if n := len(v.PDetectDistribution); n > 0 {
		v.AvgSensorHealth = totalHealth / float64(n)
	}

	sort.Slice(v.PDetectDistribution, func(i, j int) bool {
		return v.PDetectDistribution[i].NodeID < v.PDetectDistribution[j].NodeID
	})
	sort.Slice(v.HealthDistribution, func(i, j int) bool {
		return v.HealthDistribution[i].NodeID < v.HealthDistribution[j].NodeID
	})

	for t := range types {
		v.EvidenceTypes = append(v.EvidenceTypes, t)
	}
	sort.Strings(v.EvidenceTypes)
	if len(v.EvidenceTypes) == 0 {
		v.EvidenceTypes = []string{noEvidenceTypeLabel}
	}

	e.annotate(v)
	return v, nil
}

// annotate derives notes and warnings. Disagreement and absence are
// surfaced, never resolved.
func (e *Engine) annotate(v *View) {
	if len(v.SupportingNodes) >= 2 && len(v.ContradictingNodes) >= 1 {
		v.Notes = append(v.Notes, NoteDisagreement)
		v.Warnings = append(v.Warnings, WarningConflict)
	}
	if n := len(v.UnknownNodes); n > 0 {
		v.Notes = append(v.Notes, fmt.Sprintf("ABSENCE: %d node(s) missing in this window.", n))
		v.Warnings = append(v.Warnings, fmt.Sprintf("%d nodes absent", n))
	}
	if v.BearingSpreadDeg > bearingSpreadLimit && len(v.SupportingNodes) > 1 {
		v.Notes = append(v.Notes, fmt.Sprintf("BEARING SPREAD: %.1f° - consider multiple targets or measurement error", v.BearingSpreadDeg))
	}
	if v.MaxPositionUncertaintyM > positionNoteLimitM {
		v.Notes = append(v.Notes, fmt.Sprintf("POSITION UNCERTAINTY: Up to %.0fm - geolocation confidence reduced", v.MaxPositionUncertaintyM))
	}
	bad := v.CalibrationSummary[string(evidence.CalibrationDegraded)] + v.CalibrationSummary[string(evidence.CalibrationFailed)]
	if bad > len(e.nodeIDs)/2 {
		v.Warnings = append(v.Warnings, WarningCalibration)
	}
	if v.AvgSensorHealth < lowHealthLimit {
		v.Warnings = append(v.Warnings, fmt.Sprintf("Low average sensor health: %.2f", v.AvgSensorHealth))
	}
}
