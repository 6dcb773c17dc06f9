package sim

import (
	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/node"
)

// WorldState is the simulated ground truth. Only the simulation harness
// reads it; nodes see a jittered copy and the mesh never sees it at all.
type WorldState struct {
	TargetPresent    bool    `json:"target_present" yaml:"target_present"`
	TargetRangeKM    float64 `json:"target_range_km" yaml:"target_range_km" validate:"gte=0"`
	TargetBearingDeg float64 `json:"target_bearing_deg" yaml:"target_bearing_deg" validate:"gte=0,lt=360"`
	TargetSpeedKnots float64 `json:"target_speed_knots" yaml:"target_speed_knots" validate:"gte=0"`
	SeaState         int     `json:"sea_state" yaml:"sea_state" validate:"gte=0,lte=9"`
	AmbientNoiseDB   float64 `json:"ambient_noise_db" yaml:"ambient_noise_db"`
	VisibilityKM     float64 `json:"visibility_km" yaml:"visibility_km" validate:"gte=0"`
}

// DefaultWorldState is a quiet sea with no target.
func DefaultWorldState() WorldState {
	return WorldState{
		TargetPresent:    false,
		TargetRangeKM:    10.0,
		TargetBearingDeg: 45.0,
		TargetSpeedKnots: 12.0,
		SeaState:         2,
		AmbientNoiseDB:   60.0,
		VisibilityKM:     15.0,
	}
}

// Map returns the dictionary form used in exports and events.
func (w WorldState) Map() map[string]any {
	return map[string]any{
		"target_present":     w.TargetPresent,
		"target_range_km":    w.TargetRangeKM,
		"target_bearing_deg": w.TargetBearingDeg,
		"target_speed_knots": w.TargetSpeedKnots,
		"sea_state":          w.SeaState,
		"ambient_noise_db":   w.AmbientNoiseDB,
		"visibility_km":      w.VisibilityKM,
	}
}

// WorldStateChange is one entry of the world state history.
type WorldStateChange struct {
	Tick  int        `json:"tick"`
	State WorldState `json:"world_state"`
}

// Map returns the dictionary form used in exports.
func (c WorldStateChange) Map() map[string]any {
	return map[string]any{"tick": c.Tick, "world_state": c.State.Map()}
}

// DefaultNodes is the stock five-node topology.
func DefaultNodes() []node.Definition {
	return []node.Definition{
		{ID: "HYDRO_A", Type: node.TypeHydrophone, Lat: 34.5, Lon: -120.5, AccuracyM: 25},
		{ID: "HYDRO_B", Type: node.TypeHydrophone, Lat: 34.6, Lon: -120.4, AccuracyM: 30},
		{ID: "RADAR_C", Type: node.TypeRadar, Lat: 34.55, Lon: -120.45, AccuracyM: 15},
		{ID: "AIS_D", Type: node.TypeAISReceiver, Lat: 34.58, Lon: -120.48, AccuracyM: 50},
		{ID: "IR_E", Type: node.TypeIRCamera, Lat: 34.52, Lon: -120.52, AccuracyM: 10},
	}
}
