//go:build property
// +build property

package supervisor

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/eventlog"
	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/mesh"
)

// TestNeverEscalatesUnderImpossibleRules verifies that no view can reach
// ATTENTION when the quorum exceeds the node count.
// Property: with k_of_n > supporting nodes, state is never ATTENTION and the
// counter stays zero.
func TestNeverEscalatesUnderImpossibleRules(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("impossible quorum never escalates", prop.ForAll(
		func(supporting int, spread float64, health float64, warn bool) bool {
			log := eventlog.New(nil)
			s, err := New(log)
			if err != nil {
				return false
			}
			v := &mesh.View{CalibrationSummary: map[string]int{"nominal": supporting}, BearingSpreadDeg: spread}
			for i := 0; i < supporting; i++ {
				id := string(rune('A' + i))
				v.SupportingNodes = append(v.SupportingNodes, id)
				v.PDetectDistribution = append(v.PDetectDistribution, mesh.NodeScore{NodeID: id, PDetect: 0.9})
				v.HealthDistribution = append(v.HealthDistribution, mesh.NodeHealth{NodeID: id, Health: health})
			}
			if warn {
				v.Warnings = []string{"w"}
			}
			rules := DefaultRules()
			rules.KOfN = 99
			rules.EscalateOnWarnings = false
			rules.IgnoreAbsentNodes = true
			for tick := 1; tick <= 5; tick++ {
				rec, err := s.Evaluate(tick, v, rules)
				if err != nil || rec.State == StateAttention || rec.ShouldRaiseAttention {
					return false
				}
			}
			return s.AttentionCount() == 0
		},
		gen.IntRange(0, 8),
		gen.Float64Range(0, 180),
		gen.Float64Range(0, 1),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
