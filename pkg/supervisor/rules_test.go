package supervisor

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRulesFromMap_Overlay(t *testing.T) {
	r, err := RulesFromMap(map[string]any{
		"k_of_n":              3,
		"max_bearing_spread":  json.Number("12.5"),
		"ignore_absent_nodes": true,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, r.KOfN)
	assert.Equal(t, 12.5, r.MaxBearingSpread)
	assert.True(t, r.IgnoreAbsentNodes)
	assert.Equal(t, DefaultRules().MinHealthyNodes, r.MinHealthyNodes)
}

func TestRulesFromMap_Rejects(t *testing.T) {
	cases := map[string]map[string]any{
		"string number":  {"k_of_n": "two"},
		"fractional int": {"k_of_n": 2.5},
		"bool as number": {"require_bearing_agreement": 1},
		"unknown key":    {"quorum": 2},
		"out of range":   {"calibration_threshold": 2.0},
		"duplicate advisory": {"advisories": []any{
			map[string]any{"name": "a", "expr": "true"},
			map[string]any{"name": "a", "expr": "false"},
		}},
	}
	for name, m := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := RulesFromMap(m)
			require.ErrorIs(t, err, ErrInvalidRules)
		})
	}
}

func TestRulesHash_StableWithoutAdvisories(t *testing.T) {
	a, err := DefaultRules().Hash()
	require.NoError(t, err)
	b, err := DefaultRules().Hash()
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.NotContains(t, DefaultRules().Map(), "advisories")

	r := DefaultRules()
	r.KOfN = 3
	c, err := r.Hash()
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}
