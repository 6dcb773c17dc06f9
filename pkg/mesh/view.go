// Package mesh reconciles the evidence of one window into a descriptive
// view. It preserves disagreement and absence; it never fuses evidence into
// a single answer.
package mesh

import (
	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/canonicalize"
	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/meshstore"
)

// NodeScore is one node's latest local confidence in the window.
type NodeScore struct {
	NodeID   string  `json:"node_id"`
	PDetect  float64 `json:"p_detect"`
	NodeType string  `json:"node_type"`
}

// NodeHealth is one node's latest sensor health in the window.
type NodeHealth struct {
	NodeID string  `json:"node_id"`
	Health float64 `json:"sensor_health"`
}

// View is a per-window snapshot. It is derived fresh every tick and never
// modified after construction.
type View struct {
	WindowID int
	TickID   int

	SupportingNodes    []string
	ContradictingNodes []string
	AmbiguousNodes     []string
	UnknownNodes       []meshstore.Absence

	PDetectDistribution []NodeScore
	HealthDistribution  []NodeHealth
	CalibrationSummary  map[string]int

	EvidenceTypes           []string
	BearingMeanDeg          float64
	BearingSpreadDeg        float64
	MaxPositionUncertaintyM float64
	AvgSensorHealth         float64

	Notes    []string
	Warnings []string
}

// TotalReporting is the number of nodes with a record in the window.
func (v *View) TotalReporting() int { return len(v.PDetectDistribution) }

// Map returns the canonical dictionary form. Its hash identifies the view
// in supervisor history and replay summaries.
func (v *View) Map() map[string]any {
	unknown := make([]any, len(v.UnknownNodes))
	for i, a := range v.UnknownNodes {
		unknown[i] = []any{a.NodeID, a.TicksSinceLast}
	}
	cal := make(map[string]any, len(v.CalibrationSummary))
	for k, n := range v.CalibrationSummary {
		cal[k] = n
	}
	return map[string]any{
		"window_id":           v.WindowID,
		"tick_id":             v.TickID,
		"supporting_nodes":    anySlice(v.SupportingNodes),
		"contradicting_nodes": anySlice(v.ContradictingNodes),
		"ambiguous_nodes":     anySlice(v.AmbiguousNodes),
		"unknown_nodes":       unknown,
		"evidence_types":      anySlice(v.EvidenceTypes),
		"bearing_stats": map[string]any{
			"mean_deg":   v.BearingMeanDeg,
			"spread_deg": v.BearingSpreadDeg,
		},
		"position_uncertainty_m": v.MaxPositionUncertaintyM,
		"avg_sensor_health":      v.AvgSensorHealth,
		"calibration_summary":    cal,
		"notes":                  anySlice(v.Notes),
		"warnings":               anySlice(v.Warnings),
	}
}

// Hash is the stable hash of Map.
func (v *View) Hash() (string, error) {
	return canonicalize.StableHash(v.Map())
}

func anySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
