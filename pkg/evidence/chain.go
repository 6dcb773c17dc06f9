package evidence

import (
	"fmt"
	"sort"
)

// ChainBreak describes one record whose prev_hash does not point at the
// node's preceding record.
type ChainBreak struct {
	NodeID   string `json:"node_id"`
	RecordID string `json:"record_id"`
	TickID   int    `json:"tick_id"`
	Expected string `json:"expected_prev_hash"`
	Actual   string `json:"actual_prev_hash"`
}

func (b ChainBreak) String() string {
	return fmt.Sprintf("%s record %s at tick %d: prev_hash mismatch (expected %q, got %q)",
		b.NodeID, b.RecordID, b.TickID, b.Expected, b.Actual)
}

// CheckChain groups records by node, orders each group by tick and reports
// every link where prev_hash differs from the preceding record's hash. The
// first record of each node must have an empty prev_hash.
func CheckChain(records []*Record) []ChainBreak {
	byNode := make(map[string][]*Record)
	for _, r := range records {
		byNode[r.nodeID] = append(byNode[r.nodeID], r)
	}
	nodes := make([]string, 0, len(byNode))
	for n := range byNode {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)

	var breaks []ChainBreak
	for _, n := range nodes {
		chain := byNode[n]
		sort.SliceStable(chain, func(i, j int) bool { return chain[i].tickID < chain[j].tickID })
		expected := ""
		for _, r := range chain {
			if r.prevHash != expected {
				breaks = append(breaks, ChainBreak{
					NodeID:   n,
					RecordID: r.id,
					TickID:   r.tickID,
					Expected: expected,
					Actual:   r.prevHash,
				})
			}
			expected = r.hash
		}
	}
	return breaks
}
