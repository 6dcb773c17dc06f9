// Package node implements a simulated sensing node. A node samples its
// environment, scores its own local confidence and emits hash-chained
// evidence. It never sees other nodes' evidence and never decides anything.
package node

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/evidence"
	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/eventlog"
	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/meshstore"
	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/prng"
	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/stats"
)

// Sensor types with dedicated feature models.
const (
	TypeHydrophone  = "hydrophone"
	TypeRadar       = "radar"
	TypeAISReceiver = "ais_receiver"
	TypeIRCamera    = "ir_camera"
)

// ProcessingVersion is stamped on every record a node emits.
const ProcessingVersion = "v1.0"

// EvidenceDisclaimer closes every explanation list.
const EvidenceDisclaimer = "THIS IS EVIDENCE, NOT A DETECTION DECISION"

const recentWindow = 5

// Definition is the static configuration of a node.
type Definition struct {
	ID        string  `json:"id" yaml:"id" validate:"required"`
	Type      string  `json:"type" yaml:"type" validate:"required"`
	Lat       float64 `json:"lat" yaml:"lat" validate:"gte=-90,lte=90"`
	Lon       float64 `json:"lon" yaml:"lon" validate:"gte=-180,lte=180"`
	AccuracyM float64 `json:"accuracy_m" yaml:"accuracy_m" validate:"gte=0"`
}

// Map returns the dictionary form used in exports and the sim_init event.
func (d Definition) Map() map[string]any {
	return map[string]any{
		"id":         d.ID,
		"type":       d.Type,
		"lat":        d.Lat,
		"lon":        d.Lon,
		"accuracy_m": d.AccuracyM,
	}
}

// Environment is the simulated world as one node perceives it.
type Environment struct {
	TargetPresent    bool
	TargetRangeKM    float64
	TargetBearingDeg float64
	TargetSpeedKnots float64
	SeaState         int
	AmbientNoiseDB   float64
}

// State is a read-only snapshot of a node's condition.
type State struct {
	ID                string                     `json:"id"`
	Type              string                     `json:"type"`
	Tick              int                        `json:"tick"`
	ClockDriftMS      float64                    `json:"clock_drift_ms"`
	SensorHealth      float64                    `json:"sensor_health"`
	Calibration       evidence.CalibrationStatus `json:"calibration_status"`
	PositionAccuracyM float64                    `json:"position_accuracy_m"`
	Sensitivity       float64                    `json:"detection_sensitivity"`
	FalsePositiveRate float64                    `json:"false_positive_rate"`
	PrevHash          string                     `json:"prev_hash"`
	RecentPDetect     []float64                  `json:"recent_p_detect"`
}

// Option configures a Node.
type Option func(*Node)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(n *Node) { n.logger = l }
}

// Node is one sensing participant of the mesh.
type Node struct {
	def    Definition
	rng    *prng.Stream
	log    *eventlog.Log
	store  *meshstore.Store
	clock  eventlog.Clock
	logger *slog.Logger

	tick     int
	prevHash string

	clockDriftMS      float64
	sensorHealth      float64
	calibration       evidence.CalibrationStatus
	positionAccuracyM float64
	sensitivity       float64
	falsePositiveRate float64

	recent []float64
}

// New builds a node. Its initial condition is drawn from rng in a fixed
// order: clock drift, sensor health, sensitivity, false-positive rate.
func New(def Definition, rng *prng.Stream, log *eventlog.Log, store *meshstore.Store, clock eventlog.Clock, opts ...Option) *Node {
	n := &Node{
		def:               def,
		rng:               rng,
		log:               log,
		store:             store,
		clock:             clock,
		logger:            slog.Default().With("component", "node", "node_id", def.ID),
		calibration:       evidence.CalibrationNominal,
		positionAccuracyM: 50,
	}
	n.clockDriftMS = rng.Uniform(-10, 10)
	n.sensorHealth = rng.Uniform(0.8, 1.0)
	n.sensitivity = rng.Uniform(0.7, 1.3)
	n.falsePositiveRate = rng.Uniform(0.01, 0.05)
	for _, opt := range opts {
		opt(n)
	}
	store.EnsureNode(def.ID)
	return n
}

// ID returns the node id.
func (n *Node) ID() string { return n.def.ID }

// Definition returns the node's static configuration.
func (n *Node) Definition() Definition { return n.def }

// RecentPDetect returns up to the five most recent local confidences,
// oldest first. Display only.
func (n *Node) RecentPDetect() []float64 { return append([]float64(nil), n.recent...) }

// State returns a snapshot of the node's condition.
func (n *Node) State() State {
	return State{
		ID:                n.def.ID,
		Type:              n.def.Type,
		Tick:              n.tick,
		ClockDriftMS:      n.clockDriftMS,
		SensorHealth:      n.sensorHealth,
		Calibration:       n.calibration,
		PositionAccuracyM: n.positionAccuracyM,
		Sensitivity:       n.sensitivity,
		FalsePositiveRate: n.falsePositiveRate,
		PrevHash:          n.prevHash,
		RecentPDetect:     n.RecentPDetect(),
	}
}

// Step advances the node one tick: update condition, sample env, score,
// emit a record chained to the previous one, self-ingest it and log it.
func (n *Node) Step(tick, window int, env Environment) (*evidence.Record, error) {
	n.updateState(tick)
	features := n.computeFeatures(env)
	sc := n.score(features)

	n.recent = append(n.recent, sc.p)
	if len(n.recent) > recentWindow {
		n.recent = n.recent[len(n.recent)-recentWindow:]
	}

	rec, err := evidence.NewRecord(evidence.Params{
		NodeID:            n.def.ID,
		NodeType:          n.def.Type,
		TickID:            tick,
		WindowID:          window,
		Timestamp:         n.clock.TickTime(tick),
		PDetectLocal:      sc.p,
		Features:          features,
		SensorHealth:      n.sensorHealth,
		ClockDriftMS:      n.clockDriftMS,
		PositionAccuracyM: n.positionAccuracyM,
		CalibrationStatus: n.calibration,
		Explanations:      n.explain(features, sc),
		RawDataHash:       fmt.Sprintf("raw_%d_%s", tick, n.def.ID),
		ProcessingVersion: ProcessingVersion,
		PrevHash:          n.prevHash,
	})
	if err != nil {
		return nil, fmt.Errorf("node %s: build record: %w", n.def.ID, err)
	}

	n.store.Ingest(n.def.ID, rec)
	n.prevHash = rec.Hash()

	if _, err := n.log.Append(eventlog.TypeEvidenceEmit, map[string]any{
		"node_id":       n.def.ID,
		"node_type":     n.def.Type,
		"tick":          tick,
		"window":        window,
		"record_id":     rec.ID(),
		"p_detect":      sc.p,
		"hash":          rec.Hash()[:8],
		"features_type": string(features.EvidenceType),
	}, tick); err != nil {
		return nil, fmt.Errorf("node %s: log emission: %w", n.def.ID, err)
	}
	if sc.floorApplied {
		n.logger.Debug("false positive floor applied", "tick", tick, "p_detect", sc.p)
	}
	return rec, nil
}

// updateState random-walks drift and position accuracy and occasionally
// degrades or recovers sensor health.
func (n *Node) updateState(tick int) {
	n.tick = tick

	n.clockDriftMS = stats.Clamp(n.clockDriftMS+n.rng.Uniform(-0.5, 0.5), -50, 50)

	if n.rng.Float64() < 0.01 {
		n.sensorHealth = stats.Clamp(n.sensorHealth-n.rng.Uniform(0.1, 0.3), 0.1, 1.0)
		n.calibration = evidence.CalibrationDegraded
	} else if n.rng.Float64() < 0.02 {
		n.sensorHealth = stats.Clamp(n.sensorHealth+n.rng.Uniform(0.01, 0.05), 0.1, 1.0)
		if n.sensorHealth > 0.9 {
			n.calibration = evidence.CalibrationNominal
		}
	}

	n.positionAccuracyM = stats.Clamp(n.positionAccuracyM+n.rng.Uniform(-5, 5), 10, 200)
}

func (n *Node) computeFeatures(env Environment) evidence.Features {
	baseNoise := 1.0 + float64(env.SeaState-1)*0.3

	signal := 0.0
	if env.TargetPresent {
		rangeFactor := 0.1
		if env.TargetRangeKM > 0 {
			rangeFactor = math.Max(0.1, 1.0/(env.TargetRangeKM/5.0))
		}
		signal = n.rng.Uniform(0.5, 1.5) * rangeFactor * n.sensorHealth
	}

	noise := math.Abs(n.rng.Gauss(0, baseNoise))
	total := signal + noise

	snr := 0.0
	if noise > 0 {
		snr = 10 * math.Log10((signal+1e-6)/(noise+1e-6))
	}

	var (
		typ       evidence.Type
		frequency float64
		bandwidth float64
	)
	switch n.def.Type {
	case TypeHydrophone:
		typ = evidence.TypeAcousticNarrowband
		frequency = 1000 + n.rng.Uniform(-100, 100)
		bandwidth = 10 + n.rng.Uniform(-2, 2)
	case TypeRadar:
		typ = evidence.TypeRadarContact
		frequency = 9400e6
		bandwidth = 1e6
	case TypeAISReceiver:
		typ = evidence.TypeAISSignal
		frequency = 162e6
		bandwidth = 25e3
	case TypeIRCamera:
		typ = evidence.TypeIRSignature
	default:
		typ = evidence.TypeUnknown
	}

	bearingAccuracy := 5.0 + (1.0-n.sensorHealth)*20.0
	bearing := stats.Mod360(env.TargetBearingDeg + n.rng.Uniform(-bearingAccuracy, bearingAccuracy))

	var pos *evidence.Position
	if n.positionAccuracyM < 100 {
		pos = &evidence.Position{Lat: n.def.Lat, Lon: n.def.Lon, AccuracyM: n.def.AccuracyM}
	}

	doppler := n.rng.Uniform(-5, 5)
	stability := n.rng.Uniform(0.7, 1.0)
	persistence := n.rng.Uniform(0.5, 1.0)

	return evidence.Features{
		EvidenceType:             typ,
		FrequencyHz:              frequency,
		BandwidthHz:              bandwidth,
		BearingDeg:               bearing,
		BearingAccuracyDeg:       bearingAccuracy,
		SNRDB:                    snr,
		DopplerShiftHz:           doppler,
		Position:                 pos,
		ClassificationConfidence: n.sensorHealth*0.8 + 0.2,
		SignalCharacteristics: map[string]float64{
			"peak_to_avg": total / (noise + 1e-6),
			"stability":   stability,
			"persistence": persistence,
		},
	}
}

type score struct {
	p            float64
	snrFactor    float64
	healthFactor float64
	driftFactor  float64
	posFactor    float64
	floor        float64
	floorApplied bool
}

func (n *Node) score(f evidence.Features) score {
	s := score{
		snrFactor:    stats.Clamp01(1.0 - math.Exp(-f.SNRDB/10.0)),
		healthFactor: n.sensorHealth * n.sensorHealth,
		driftFactor:  1.0 - stats.Clamp(math.Abs(n.clockDriftMS)/100.0, 0, 0.3),
		posFactor:    1.0 - stats.Clamp(n.positionAccuracyM/200.0, 0, 0.5),
	}
	raw := s.snrFactor * s.healthFactor * s.driftFactor * s.posFactor * n.sensitivity

	if n.rng.Float64() < n.falsePositiveRate {
		s.floor = n.rng.Uniform(0.3, 0.6)
		s.floorApplied = true
		raw = math.Max(raw, s.floor)
	}
	s.p = stats.Clamp01(raw)
	return s
}

// explain lists every factor behind p_detect_local.
func (n *Node) explain(f evidence.Features, s score) []string {
	out := []string{
		fmt.Sprintf("Node %s (%s) local confidence: %.3f", n.def.ID, n.def.Type, s.p),
		fmt.Sprintf("SNR: %.1f dB -> SNR factor: %.3f", f.SNRDB, s.snrFactor),
		fmt.Sprintf("Sensor health: %.3f -> Health factor: %.3f", n.sensorHealth, s.healthFactor),
		fmt.Sprintf("Clock drift: %.1f ms -> Drift factor: %.3f", n.clockDriftMS, s.driftFactor),
		fmt.Sprintf("Position accuracy: %.1f m -> Position factor: %.3f", n.positionAccuracyM, s.posFactor),
		fmt.Sprintf("Node sensitivity: %.3f", n.sensitivity),
		fmt.Sprintf("False positive rate: %.3f", n.falsePositiveRate),
	}
	if s.floorApplied {
		out = append(out, fmt.Sprintf("False positive floor applied: %.3f", s.floor))
	}
	return append(out, EvidenceDisclaimer)
}
