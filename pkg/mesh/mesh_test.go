package mesh

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/evidence"
	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/meshstore"
)

type obs struct {
	node    string
	tick    int
	p       float64
	health  float64
	bearing float64
	posAcc  float64
	cal     evidence.CalibrationStatus
	typ     evidence.Type
}

func seed(t *testing.T, store *meshstore.Store, window int, observations ...obs) {
	t.Helper()
	for _, o := range observations {
		if o.cal == "" {
			o.cal = evidence.CalibrationNominal
		}
		if o.typ == "" {
			o.typ = evidence.TypeAcousticNarrowband
		}
		r, err := evidence.NewRecord(evidence.Params{
			NodeID:            o.node,
			NodeType:          "hydrophone",
			TickID:            o.tick,
			WindowID:          window,
			Timestamp:         time.Date(2024, 1, 1, 0, 0, o.tick, 0, time.UTC),
			PDetectLocal:      o.p,
			Features:          evidence.Features{EvidenceType: o.typ, BearingDeg: o.bearing},
			SensorHealth:      o.health,
			PositionAccuracyM: o.posAcc,
			CalibrationStatus: o.cal,
		})
		require.NoError(t, err)
		store.Ingest(o.node, r)
	}
}

func TestView_ClassifiesLatestRecordPerNode(t *testing.T) {
	store := meshstore.New()
	nodes := []string{"C", "A", "B", "D"}
	for _, n := range nodes {
		store.EnsureNode(n)
	}
	seed(t, store, 0,
		obs{node: "A", tick: 1, p: 0.1, health: 0.9, bearing: 40, posAcc: 30},
		obs{node: "A", tick: 3, p: 0.8, health: 0.9, bearing: 44, posAcc: 30},
		obs{node: "B", tick: 2, p: 0.5, health: 0.8, bearing: 46, posAcc: 40, typ: evidence.TypeRadarContact},
		obs{node: "C", tick: 2, p: 0.3, health: 0.7, bearing: 50, posAcc: 20},
		obs{node: "D", tick: 3, p: 0.7, health: 0.95, bearing: 42, posAcc: 10},
	)

	v, err := NewEngine(nodes, store, 0).View(0, 4, DefaultThresholds())
	require.NoError(t, err)

	assert.Equal(t, []string{"A", "D"}, v.SupportingNodes, "0.7 is supporting, order follows node list")
	assert.Equal(t, []string{"C"}, v.ContradictingNodes, "0.3 is contradicting")
	assert.Equal(t, []string{"B"}, v.AmbiguousNodes)
	assert.Empty(t, v.UnknownNodes)
	assert.Equal(t, []string{"acoustic_narrowband", "radar_contact"}, v.EvidenceTypes)
	assert.Equal(t, 4, v.CalibrationSummary["nominal"])
	assert.Equal(t, 0, v.CalibrationSummary["failed"])
	assert.Equal(t, 40.0, v.MaxPositionUncertaintyM)
	assert.InDelta(t, 0.8375, v.AvgSensorHealth, 1e-9)
	assert.InDelta(t, 45.5, v.BearingMeanDeg, 0.1)
	require.Len(t, v.PDetectDistribution, 4)
	assert.Equal(t, "A", v.PDetectDistribution[0].NodeID)
	assert.Equal(t, 0.8, v.PDetectDistribution[0].PDetect)
	assert.Equal(t, "D", v.HealthDistribution[3].NodeID)

	// two supporting and one contradicting: disagreement is surfaced
	assert.Contains(t, v.Notes, NoteDisagreement)
	assert.Contains(t, v.Warnings, WarningConflict)
}

func TestView_AbsenceAndEmptyWindow(t *testing.T) {
	store := meshstore.New()
	nodes := []string{"A", "B"}
	for _, n := range nodes {
		store.EnsureNode(n)
	}
	v, err := NewEngine(nodes, store, 0).View(2, 11, DefaultThresholds())
	require.NoError(t, err)

	assert.Equal(t, []meshstore.Absence{{NodeID: "A", TicksSinceLast: 11}, {NodeID: "B", TicksSinceLast: 11}}, v.UnknownNodes)
	assert.Equal(t, []string{"none"}, v.EvidenceTypes)
	assert.Equal(t, 0, v.TotalReporting())
	assert.Equal(t, 0.0, v.BearingSpreadDeg)
	assert.Contains(t, v.Notes, "ABSENCE: 2 node(s) missing in this window.")
	assert.Contains(t, v.Warnings, "2 nodes absent")
	assert.Contains(t, v.Warnings, "Low average sensor health: 0.00")
}

func TestView_SpreadPositionAndCalibrationNotes(t *testing.T) {
	store := meshstore.New()
	nodes := []string{"A", "B", "C"}
	seed(t, store, 0,
		obs{node: "A", tick: 1, p: 0.9, health: 0.5, bearing: 0, posAcc: 150, cal: evidence.CalibrationDegraded},
		obs{node: "B", tick: 1, p: 0.9, health: 0.5, bearing: 120, posAcc: 20, cal: evidence.CalibrationFailed},
		obs{node: "C", tick: 1, p: 0.5, health: 0.5, bearing: 240, posAcc: 20},
	)
	v, err := NewEngine(nodes, store, 0).View(0, 1, DefaultThresholds())
	require.NoError(t, err)

	assert.Equal(t, 360.0, v.BearingSpreadDeg)
	assert.Contains(t, v.Notes, "BEARING SPREAD: 360.0° - consider multiple targets or measurement error")
	assert.Contains(t, v.Notes, "POSITION UNCERTAINTY: Up to 150m - geolocation confidence reduced")
	assert.Contains(t, v.Warnings, WarningCalibration)
	assert.Contains(t, v.Warnings, "Low average sensor health: 0.50")
	assert.NotContains(t, v.Warnings, WarningConflict)
}

func TestView_HashStable(t *testing.T) {
	store := meshstore.New()
	nodes := []string{"A", "B"}
	seed(t, store, 0,
		obs{node: "A", tick: 1, p: 0.9, health: 0.9, bearing: 10},
		obs{node: "B", tick: 1, p: 0.1, health: 0.9, bearing: 20},
	)
	e := NewEngine(nodes, store, 0)
	v1, err := e.View(0, 1, DefaultThresholds())
	require.NoError(t, err)
	v2, err := e.View(0, 1, DefaultThresholds())
	require.NoError(t, err)

	h1, err := v1.Hash()
	require.NoError(t, err)
	h2, err := v2.Hash()
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	m := v1.Map()
	assert.Len(t, m, 13)
	assert.Contains(t, m, "bearing_stats")
}

func TestThresholds_Validate(t *testing.T) {
	require.NoError(t, DefaultThresholds().Validate())
	assert.ErrorIs(t, Thresholds{Support: 0.3, Contradict: 0.7}.Validate(), ErrInvalidThresholds)
	assert.ErrorIs(t, Thresholds{Support: 1.2, Contradict: 0.1}.Validate(), ErrInvalidThresholds)

	_, err := NewEngine(nil, meshstore.New(), 0).View(0, 0, Thresholds{Support: 0.5, Contradict: 0.5})
	assert.ErrorIs(t, err, ErrInvalidThresholds)
}
