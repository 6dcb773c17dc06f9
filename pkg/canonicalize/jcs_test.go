package canonicalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJCS_SortsKeysAndDisablesHTMLEscaping(t *testing.T) {
	out, err := JCSString(map[string]any{
		"b":    1,
		"a":    "<node>",
		"list": []any{3, 2.5, true, nil},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"<node>","b":1,"list":[3,2.5,true,null]}`, out)
}

func TestJCS_NumberFormatting(t *testing.T) {
	out, err := JCSString(map[string]any{"whole": 45.0, "frac": 0.123456, "neg": -3.5})
	require.NoError(t, err)
	assert.Equal(t, `{"frac":0.123456,"neg":-3.5,"whole":45}`, out)
}

func TestStableHash_IndependentOfMapOrder(t *testing.T) {
	a := map[string]any{"x": 1, "y": []any{"a", "b"}, "z": map[string]any{"k": 1.5}}
	b := map[string]any{"z": map[string]any{"k": 1.5}, "y": []any{"a", "b"}, "x": 1}

	ha, err := StableHash(a)
	require.NoError(t, err)
	hb, err := StableHash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
	assert.Len(t, ha, 64)
}

func TestStableHash_NFC(t *testing.T) {
	composed := "caf\u00e9"
	decomposed := "cafe\u0301"
	assert.Equal(t, MustStableHash(map[string]any{"n": composed}), MustStableHash(map[string]any{"n": decomposed}))
}

func TestStableHash_Unmarshalable(t *testing.T) {
	_, err := StableHash(map[string]any{"ch": make(chan int)})
	require.Error(t, err)
}
