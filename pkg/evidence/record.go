package evidence

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/canonicalize"
	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/stats"
)

const (
	// HashLength is the number of hex characters kept from the content hash.
	HashLength = 32
	// IDLength is the number of hex characters in a record id.
	IDLength = 16
	// DefaultProcessingVersion is stamped on records that do not name one.
	DefaultProcessingVersion = "v1.0"
	// TimestampLayout is the wire format of timestamp_utc.
	TimestampLayout = time.RFC3339
)

var (
	// ErrInvalidRecord is returned when record inputs cannot form a record.
	ErrInvalidRecord = errors.New("evidence: invalid record")
	// ErrHashMismatch is returned when stored content no longer matches its hash.
	ErrHashMismatch = errors.New("evidence: hash mismatch")
)

// Params carries everything a node supplies when it emits a record.
// PrevHash is empty for the first record of a node's chain.
type Params struct {
	NodeID            string
	NodeType          string
	TickID            int
	WindowID          int
	Timestamp         time.Time
	PDetectLocal      float64
	Features          Features
	SensorHealth      float64
	ClockDriftMS      float64
	PositionAccuracyM float64
	CalibrationStatus CalibrationStatus
	Explanations      []string
	RawDataHash       string
	ProcessingVersion string
	PrevHash          string
}

// Record is an immutable evidence observation. It is only constructed
// through NewRecord or Decode, and every accessor returns a copy.
type Record struct {
	id                string
	hash              string
	nodeID            string
	nodeType          string
	tickID            int
	windowID          int
	timestamp         string
	pDetectLocal      float64
	features          Features
	sensorHealth      float64
	clockDriftMS      float64
	positionAccuracyM float64
	calibration       CalibrationStatus
	explanations      []string
	rawDataHash       string
	processingVersion string
	prevHash          string
}

// NewRecord normalises p, computes the content hash and returns the record.
func NewRecord(p Params) (*Record, error) {
	if p.NodeID == "" {
		return nil, fmt.Errorf("%w: empty node id", ErrInvalidRecord)
	}
	if !p.CalibrationStatus.Valid() {
		return nil, fmt.Errorf("%w: calibration status %q", ErrInvalidRecord, p.CalibrationStatus)
	}
	if !p.Features.EvidenceType.Valid() {
		return nil, fmt.Errorf("%w: evidence type %q", ErrInvalidRecord, p.Features.EvidenceType)
	}
	version := p.ProcessingVersion
	if version == "" {
		version = DefaultProcessingVersion
	}
	r := &Record{
		nodeID:            p.NodeID,
		nodeType:          p.NodeType,
		tickID:            p.TickID,
		windowID:          p.WindowID,
		timestamp:         p.Timestamp.UTC().Format(TimestampLayout),
		pDetectLocal:      stats.Round(stats.Clamp01(p.PDetectLocal), 6),
		features:          p.Features.clone(),
		sensorHealth:      stats.Round(stats.Clamp01(p.SensorHealth), 6),
		clockDriftMS:      stats.Round(p.ClockDriftMS, 3),
		positionAccuracyM: stats.Round(p.PositionAccuracyM, 1),
		calibration:       p.CalibrationStatus,
		explanations:      append([]string(nil), p.Explanations...),
		rawDataHash:       p.RawDataHash,
		processingVersion: version,
		prevHash:          p.PrevHash,
	}
	full, err := canonicalize.StableHash(r.content())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	r.hash = full[:HashLength]
	r.id = full[:IDLength]
	return r, nil
}

// content is the hashed portion of the record: everything except hash and id.
func (r *Record) content() map[string]any {
	explanations := make([]any, len(r.explanations))
	for i, e := range r.explanations {
		explanations[i] = e
	}
	var prev any
	if r.prevHash != "" {
		prev = r.prevHash
	}
	return map[string]any{
		"node_id":             r.nodeID,
		"node_type":           r.nodeType,
		"tick_id":             r.tickID,
		"window_id":           r.windowID,
		"timestamp_utc":       r.timestamp,
		"p_detect_local":      r.pDetectLocal,
		"features":            r.features.Map(),
		"sensor_health":       r.sensorHealth,
		"clock_drift_ms":      r.clockDriftMS,
		"position_accuracy_m": r.positionAccuracyM,
		"calibration_status":  string(r.calibration),
		"explanations":        explanations,
		"raw_data_hash":       r.rawDataHash,
		"processing_version":  r.processingVersion,
		"prev_hash":           prev,
	}
}

// Accessors. Reference-typed fields are returned as copies.
func (r *Record) ID() string { return r.id }
func (r *Record) Hash() string { return r.hash }
func (r *Record) NodeID() string { return r.nodeID }
func (r *Record) NodeType() string { return r.nodeType }
func (r *Record) TickID() int { return r.tickID }
func (r *Record) WindowID() int { return r.windowID }
func (r *Record) Timestamp() string { return r.timestamp }
func (r *Record) PDetectLocal() float64 { return r.pDetectLocal }
func (r *Record) Features() Features { return r.features.clone() }
func (r *Record) SensorHealth() float64 { return r.sensorHealth }
func (r *Record) ClockDriftMS() float64 { return r.clockDriftMS }
func (r *Record) PositionAccuracyM() float64 { return r.positionAccuracyM }
func (r *Record) CalibrationStatus() CalibrationStatus { return r.calibration }
func (r *Record) Explanations() []string { return append([]string(nil), r.explanations...) }
func (r *Record) RawDataHash() string { return r.rawDataHash }
func (r *Record) ProcessingVersion() string { return r.processingVersion }

// PrevHash returns the hash of the node's preceding record, or "" for the
// head of a chain.
func (r *Record) PrevHash() string { return r.prevHash }

// EvidenceType is a shortcut for Features().EvidenceType.
func (r *Record) EvidenceType() Type { return r.features.EvidenceType }

// BearingDeg is a shortcut for Features().BearingDeg.
func (r *Record) BearingDeg() float64 { return r.features.BearingDeg }

// Verify recomputes the content hash and compares it to the stored one.
func (r *Record) Verify() error {
	full, err := canonicalize.StableHash(r.content())
	if err != nil {
		return fmt.Errorf("evidence: rehash %s: %w", r.id, err)
	}
	if full[:HashLength] != r.hash || full[:IDLength] != r.id {
		return fmt.Errorf("%w: record %s", ErrHashMismatch, r.id)
	}
	return nil
}

// Map returns the full record, including hash and record_id.
func (r *Record) Map() map[string]any {
	m := r.content()
	m["hash"] = r.hash
	m["record_id"] = r.id
	return m
}

// AuditMap returns the compact per-record form used in audit exports.
func (r *Record) AuditMap() map[string]any {
	var prev any
	if r.prevHash != "" {
		p := r.prevHash
		if len(p) > IDLength {
			p = p[:IDLength]
		}
		prev = p
	}
	return map[string]any{
		"record_id":          r.id,
		"node_id":            r.nodeID,
		"node_type":          r.nodeType,
		"tick_id":            r.tickID,
		"window_id":          r.windowID,
		"p_detect_local":     r.pDetectLocal,
		"sensor_health":      r.sensorHealth,
		"clock_drift_ms":     r.clockDriftMS,
		"calibration_status": string(r.calibration),
		"evidence_type":      string(r.features.EvidenceType),
		"bearing_deg":        r.features.BearingDeg,
		"snr_db":             r.features.SNRDB,
		"hash":               r.hash,
		"prev_hash":          prev,
		"processing_version": r.processingVersion,
	}
}

type positionJSON struct {
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	AccuracyM float64 `json:"accuracy_m"`
}

type featuresJSON struct {
	EvidenceType             string             `json:"evidence_type"`
	FrequencyHz              float64            `json:"frequency_hz"`
	BandwidthHz              float64            `json:"bandwidth_hz"`
	BearingDeg               float64            `json:"bearing_deg"`
	BearingAccuracyDeg       float64            `json:"bearing_accuracy_deg"`
	SNRDB                    float64            `json:"snr_db"`
	DopplerShiftHz           float64            `json:"doppler_shift_hz"`
	Position                 *positionJSON      `json:"position,omitempty"`
	ClassificationConfidence float64            `json:"classification_confidence"`
	SignalCharacteristics    map[string]float64 `json:"signal_characteristics"`
}

type recordJSON struct {
	RecordID          string       `json:"record_id"`
	Hash              string       `json:"hash"`
	NodeID            string       `json:"node_id"`
	NodeType          string       `json:"node_type"`
	TickID            int          `json:"tick_id"`
	WindowID          int          `json:"window_id"`
	Timestamp         string       `json:"timestamp_utc"`
	PDetectLocal      float64      `json:"p_detect_local"`
	Features          featuresJSON `json:"features"`
	SensorHealth      float64      `json:"sensor_health"`
	ClockDriftMS      float64      `json:"clock_drift_ms"`
	PositionAccuracyM float64      `json:"position_accuracy_m"`
	CalibrationStatus string       `json:"calibration_status"`
	Explanations      []string     `json:"explanations"`
	RawDataHash       string       `json:"raw_data_hash"`
	ProcessingVersion string       `json:"processing_version"`
	PrevHash          *string      `json:"prev_hash"`
}

// MarshalJSON encodes the full record.
func (r *Record) MarshalJSON() ([]byte, error) {
	f := r.features
	fj := featuresJSON{
		EvidenceType:             string(f.EvidenceType),
		FrequencyHz:              f.FrequencyHz,
		BandwidthHz:              f.BandwidthHz,
		BearingDeg:               f.BearingDeg,
		BearingAccuracyDeg:       f.BearingAccuracyDeg,
		SNRDB:                    f.SNRDB,
		DopplerShiftHz:           f.DopplerShiftHz,
		ClassificationConfidence: f.ClassificationConfidence,
		SignalCharacteristics:    f.SignalCharacteristics,
	}
	if f.Position != nil {
		fj.Position = &positionJSON{Lat: f.Position.Lat, Lon: f.Position.Lon, AccuracyM: f.Position.AccuracyM}
	}
	rj := recordJSON{
		RecordID:          r.id,
		Hash:              r.hash,
		NodeID:            r.nodeID,
		NodeType:          r.nodeType,
		TickID:            r.tickID,
		WindowID:          r.windowID,
		Timestamp:         r.timestamp,
		PDetectLocal:      r.pDetectLocal,
		Features:          fj,
		SensorHealth:      r.sensorHealth,
		ClockDriftMS:      r.clockDriftMS,
		PositionAccuracyM: r.positionAccuracyM,
		CalibrationStatus: string(r.calibration),
		Explanations:      r.explanations,
		RawDataHash:       r.rawDataHash,
		ProcessingVersion: r.processingVersion,
	}
	if r.prevHash != "" {
		p := r.prevHash
		rj.PrevHash = &p
	}
	return json.Marshal(rj)
}

// Decode rebuilds a record from its JSON form and checks that the stored
// hash and record id still match the content.
func Decode(data []byte) (*Record, error) {
	var rj recordJSON
	if err := json.Unmarshal(data, &rj); err != nil {
		return nil, fmt.Errorf("evidence: decode: %w", err)
	}
	ts, err := time.Parse(TimestampLayout, rj.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("evidence: decode timestamp: %w", err)
	}
	f := Features{
		EvidenceType:             Type(rj.Features.EvidenceType),
		FrequencyHz:              rj.Features.FrequencyHz,
		BandwidthHz:              rj.Features.BandwidthHz,
		BearingDeg:               rj.Features.BearingDeg,
		BearingAccuracyDeg:       rj.Features.BearingAccuracyDeg,
		SNRDB:                    rj.Features.SNRDB,
		DopplerShiftHz:           rj.Features.DopplerShiftHz,
		ClassificationConfidence: rj.Features.ClassificationConfidence,
		SignalCharacteristics:    rj.Features.SignalCharacteristics,
	}
	if rj.Features.Position != nil {
		f.Position = &Position{Lat: rj.Features.Position.Lat, Lon: rj.Features.Position.Lon, AccuracyM: rj.Features.Position.AccuracyM}
	}
	prev := ""
	if rj.PrevHash != nil {
		prev = *rj.PrevHash
	}
	rec, err := NewRecord(Params{
		NodeID:            rj.NodeID,
		NodeType:          rj.NodeType,
		TickID:            rj.TickID,
		WindowID:          rj.WindowID,
		Timestamp:         ts,
		PDetectLocal:      rj.PDetectLocal,
		Features:          f,
		SensorHealth:      rj.SensorHealth,
		ClockDriftMS:      rj.ClockDriftMS,
		PositionAccuracyM: rj.PositionAccuracyM,
		CalibrationStatus: CalibrationStatus(rj.CalibrationStatus),
		Explanations:      rj.Explanations,
		RawDataHash:       rj.RawDataHash,
		ProcessingVersion: rj.ProcessingVersion,
		PrevHash:          prev,
	})
	if err != nil {
		return nil, err
	}
	if rec.hash != rj.Hash || rec.id != rj.RecordID {
		return nil, fmt.Errorf("%w: record %s", ErrHashMismatch, rj.RecordID)
	}
	return rec, nil
}
