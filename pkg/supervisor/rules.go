package supervisor

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/go-playground/validator/v10"

	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/canonicalize"
)

// ErrInvalidRules is returned for malformed or out-of-range rule values.
var ErrInvalidRules = errors.New("supervisor: invalid rules")

var rulesValidate = validator.New()

// Rules configure the six escalation gates.
type Rules struct {
	KOfN                    int     `json:"k_of_n" yaml:"k_of_n" validate:"gte=0"`
	RequireBearingAgreement bool    `json:"require_bearing_agreement" yaml:"require_bearing_agreement"`
	MaxBearingSpread        float64 `json:"max_bearing_spread" yaml:"max_bearing_spread" validate:"gte=0"`
	MinHealthyNodes         int     `json:"min_healthy_nodes" yaml:"min_healthy_nodes" validate:"gte=0"`
	EscalateOnWarnings      bool    `json:"escalate_on_warnings" yaml:"escalate_on_warnings"`
	IgnoreAbsentNodes       bool    `json:"ignore_absent_nodes" yaml:"ignore_absent_nodes"`
	HealthThreshold         float64 `json:"health_threshold" yaml:"health_threshold" validate:"gte=0,lte=1"`
	CalibrationThreshold    float64 `json:"calibration_threshold" yaml:"calibration_threshold" validate:"gte=0,lte=1"`

	// Advisories are annotations only; they never influence the state.
	Advisories []Advisory `json:"advisories,omitempty" yaml:"advisories,omitempty" validate:"dive"`
}

// Advisory is a named CEL expression over the view, exposed as `view`.
type Advisory struct {
	Name string `json:"name" yaml:"name" validate:"required"`
	Expr string `json:"expr" yaml:"expr" validate:"required"`
}

// DefaultRules returns the stock gate configuration.
func DefaultRules() Rules {
	return Rules{
		KOfN:                    2,
		RequireBearingAgreement: true,
		MaxBearingSpread:        30.0,
		MinHealthyNodes:         3,
		EscalateOnWarnings:      true,
		IgnoreAbsentNodes:       false,
		HealthThreshold:         0.7,
		CalibrationThreshold:    0.5,
	}
}

// Validate checks ranges and advisory shape.
func (r Rules) Validate() error {
	if err := rulesValidate.Struct(r); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRules, err)
	}
	seen := make(map[string]bool, len(r.Advisories))
	for _, a := range r.Advisories {
		if seen[a.Name] {
			return fmt.Errorf("%w: duplicate advisory %q", ErrInvalidRules, a.Name)
		}
		seen[a.Name] = true
	}
	return nil
}

// Map returns the dictionary form. The advisories key is present only when
// advisories are configured, so stock rules hash the same with or without
// advisory support.
func (r Rules) Map() map[string]any {
	m := map[string]any{
		"k_of_n":                    r.KOfN,
		"require_bearing_agreement": r.RequireBearingAgreement,
		"max_bearing_spread":        r.MaxBearingSpread,
		"min_healthy_nodes":         r.MinHealthyNodes,
		"escalate_on_warnings":      r.EscalateOnWarnings,
		"ignore_absent_nodes":       r.IgnoreAbsentNodes,
		"health_threshold":          r.HealthThreshold,
		"calibration_threshold":     r.CalibrationThreshold,
	}
	if len(r.Advisories) > 0 {
		adv := make([]any, len(r.Advisories))
		for i, a := range r.Advisories {
			adv[i] = map[string]any{"name": a.Name, "expr": a.Expr}
		}
		m["advisories"] = adv
	}
	return m
}

// Hash is the stable hash of Map, recorded on every transition.
func (r Rules) Hash() (string, error) {
	return canonicalize.StableHash(r.Map())
}

// RulesFromMap overlays operator-supplied values on DefaultRules. Values of
// the wrong kind are rejected rather than coerced; unknown keys are errors.
func RulesFromMap(m map[string]any) (Rules, error) {
	r := DefaultRules()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := m[k]
		var err error
		switch k {
		case "k_of_n":
			r.KOfN, err = asInt(k, v)
		case "min_healthy_nodes":
			r.MinHealthyNodes, err = asInt(k, v)
		case "max_bearing_spread":
			r.MaxBearingSpread, err = asFloat(k, v)
		case "health_threshold":
			r.HealthThreshold, err = asFloat(k, v)
		case "calibration_threshold":
			r.CalibrationThreshold, err = asFloat(k, v)
		case "require_bearing_agreement":
			r.RequireBearingAgreement, err = asBool(k, v)
		case "escalate_on_warnings":
			r.EscalateOnWarnings, err = asBool(k, v)
		case "ignore_absent_nodes":
			r.IgnoreAbsentNodes, err = asBool(k, v)
		case "advisories":
			r.Advisories, err = asAdvisories(v)
		default:
			err = fmt.Errorf("%w: unknown rule %q", ErrInvalidRules, k)
		}
		if err != nil {
			return Rules{}, err
		}
	}
	if err := r.Validate(); err != nil {
		return Rules{}, err
	}
	return r, nil
}

func asFloat(key string, v any) (float64, error) {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	case json.Number:
		parsed, err := t.Float64()
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %v", ErrInvalidRules, key, err)
		}
		f = parsed
	default:
		return 0, fmt.Errorf("%w: %s must be numeric, got %T", ErrInvalidRules, key, v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: %s must be finite", ErrInvalidRules, key)
	}
	return f, nil
}

func asInt(key string, v any) (int, error) {
	f, err := asFloat(key, v)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) {
		return 0, fmt.Errorf("%w: %s must be a whole number, got %v", ErrInvalidRules, key, f)
	}
	return int(f), nil
}

func asBool(key string, v any) (bool, error) {
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%w: %s must be boolean, got %T", ErrInvalidRules, key, v)
	}
	return b, nil
}

func asAdvisories(v any) ([]Advisory, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: advisories: %v", ErrInvalidRules, err)
	}
	var out []Advisory
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: advisories: %v", ErrInvalidRules, err)
	}
	return out, nil
}
