//go:build property
// +build property

package evidence

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func buildChain(t *testing.T, n int) []*Record {
	t.Helper()
	out := make([]*Record, 0, n)
	prev := ""
	for tick := 1; tick <= n; tick++ {
		r, err := NewRecord(testParams("HYDRO_A", tick, prev))
		if err != nil {
			t.Fatalf("NewRecord: %v", err)
		}
		out = append(out, r)
		prev = r.Hash()
	}
	return out
}

// TestChainIntegrity verifies that a chain built link by link never
// reports a break, and that re-pointing any link reports exactly there.
func TestChainIntegrity(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("linked chains have no breaks", prop.ForAll(
		func(n int) bool {
			return len(CheckChain(buildChain(t, n))) == 0
		},
		gen.IntRange(1, 25),
	))

	properties.Property("a re-pointed link is the reported break", prop.ForAll(
		func(n, at int) bool {
			chain := buildChain(t, n)
			i := 1 + at%(n-1)
			forged, err := NewRecord(testParams("HYDRO_A", i+1, chain[0].Hash()+"ff"))
			if err != nil {
				return false
			}
			chain[i] = forged
			breaks := CheckChain(chain)
			if len(breaks) == 0 || breaks[0].TickID != i+1 {
				return false
			}
			return breaks[0].RecordID == forged.ID()
		},
		gen.IntRange(2, 25),
		gen.IntRange(0, 1000),
	))

	properties.TestingRun(t)
}
