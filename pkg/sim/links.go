package sim

import (
	"strings"

	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/transport"
)

// LinkSpec overrides the rule of one undirected link.
type LinkSpec struct {
	A    string             `json:"a" yaml:"a" validate:"required"`
	B    string             `json:"b" yaml:"b" validate:"required,nefield=A"`
	Rule transport.LinkRule `json:"rule" yaml:"rule"`
}

// LinkName is the export key for the link between a and b.
func LinkName(a, b string) string { return a + "<->" + b }

// DefaultLinkRule picks a rule by node id: hydrophone pairs share a slow
// acoustic link, anything touching a radar gets the fast radio link and
// everything else the lossy default.
func DefaultLinkRule(a, b string) transport.LinkRule {
	switch {
	case strings.Contains(a, "HYDRO") && strings.Contains(b, "HYDRO"):
		return transport.LinkRule{Up: true, DropRate: 0.05, LatencyTicks: 2, BandwidthLimit: 50}
	case strings.Contains(a, "RADAR") || strings.Contains(b, "RADAR"):
		return transport.LinkRule{Up: true, DropRate: 0.02, LatencyTicks: 1, BandwidthLimit: 100}
	default:
		return transport.LinkRule{Up: true, DropRate: 0.08, LatencyTicks: 3, BandwidthLimit: 30}
	}
}

// DefaultLinks returns the default rule for every pair i<j in ids order.
func DefaultLinks(ids []string) []LinkSpec {
	var out []LinkSpec
	for i, a := range ids {
		for _, b := range ids[i+1:] {
			out = append(out, LinkSpec{A: a, B: b, Rule: DefaultLinkRule(a, b)})
		}
	}
	return out
}
