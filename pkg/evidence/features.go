package evidence

// Position is a geographic fix. AccuracyM is a 95% confidence radius.
type Position struct {
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	AccuracyM float64 `json:"accuracy_m"`
}

// Map returns the canonical dictionary form.
func (p Position) Map() map[string]any {
	return map[string]any{
		"lat":        p.Lat,
		"lon":        p.Lon,
		"accuracy_m": p.AccuracyM,
	}
}

// DefaultBearingAccuracyDeg is used when a Features value leaves the bearing
// accuracy unset.
const DefaultBearingAccuracyDeg = 10.0

// Features is the perception bundle carried by a record.
type Features struct {
	EvidenceType             Type
	FrequencyHz              float64
	BandwidthHz              float64
	BearingDeg               float64
	BearingAccuracyDeg       float64
	SNRDB                    float64
	DopplerShiftHz           float64
	Position                 *Position
	ClassificationConfidence float64
	SignalCharacteristics    map[string]float64
}

// Map returns the canonical dictionary form used for hashing. The position
// key is omitted when no confident position was reported.
func (f Features) Map() map[string]any {
	sc := make(map[string]any, len(f.SignalCharacteristics))
	for k, v := range f.SignalCharacteristics {
		sc[k] = v
	}
	acc := f.BearingAccuracyDeg
	if acc == 0 {
		acc = DefaultBearingAccuracyDeg
	}
	out := map[string]any{
		"evidence_type":             string(f.EvidenceType),
		"frequency_hz":              f.FrequencyHz,
		"bandwidth_hz":              f.BandwidthHz,
		"bearing_deg":               f.BearingDeg,
		"bearing_accuracy_deg":      acc,
		"snr_db":                    f.SNRDB,
		"doppler_shift_hz":          f.DopplerShiftHz,
		"classification_confidence": f.ClassificationConfidence,
		"signal_characteristics":    sc,
	}
	if f.Position != nil {
		out["position"] = f.Position.Map()
	}
	return out
}

func (f Features) clone() Features {
	out := f
	if f.Position != nil {
		p := *f.Position
		out.Position = &p
	}
	if f.SignalCharacteristics != nil {
		out.SignalCharacteristics = make(map[string]float64, len(f.SignalCharacteristics))
		for k, v := range f.SignalCharacteristics {
			out.SignalCharacteristics[k] = v
		}
	}
	if out.BearingAccuracyDeg == 0 {
		out.BearingAccuracyDeg = DefaultBearingAccuracyDeg
	}
	return out
}
