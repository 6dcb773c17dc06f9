// Package evidence defines the immutable, hash-chained evidence records that
// nodes emit and the mesh replicates.
package evidence

import "fmt"

// Type tags the kind of evidence in a record's features.
//
// The string values are part of the hash and replay contract. Never rename
// or renumber them; add new values at the end.
type Type string

const (
	TypeAcousticNarrowband Type = "acoustic_narrowband"
	TypeAcousticBroadband  Type = "acoustic_broadband"
	TypeRadarContact       Type = "radar_contact"
	TypeAISSignal          Type = "ais_signal"
	TypeIRSignature        Type = "ir_signature"
	TypeEnvironmental      Type = "environmental"
	TypeUnknown            Type = "unknown"
)

var knownTypes = map[Type]bool{
	TypeAcousticNarrowband: true,
	TypeAcousticBroadband:  true,
	TypeRadarContact:       true,
	TypeAISSignal:          true,
	TypeIRSignature:        true,
	TypeEnvironmental:      true,
	TypeUnknown:            true,
}

// Valid reports whether t is one of the pinned evidence types.
func (t Type) Valid() bool { return knownTypes[t] }

// ParseType maps a wire string onto a Type.
func ParseType(s string) (Type, error) {
	t := Type(s)
	if !t.Valid() {
		return "", fmt.Errorf("evidence: unknown evidence type %q", s)
	}
	return t, nil
}

// CalibrationStatus is a node's self-reported calibration at emission time.
type CalibrationStatus string

const (
	CalibrationNominal  CalibrationStatus = "nominal"
	CalibrationDegraded CalibrationStatus = "degraded"
	CalibrationFailed   CalibrationStatus = "failed"
)

// CalibrationStatuses lists every status in histogram order.
var CalibrationStatuses = []CalibrationStatus{CalibrationNominal, CalibrationDegraded, CalibrationFailed}

// Valid reports whether c is a known calibration status.
func (c CalibrationStatus) Valid() bool {
	switch c {
	case CalibrationNominal, CalibrationDegraded, CalibrationFailed:
		return true
	}
	return false
}
