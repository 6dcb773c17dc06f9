package audit

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/evidence"
	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/eventlog"
)

//go:embed audit.schema.json
var schemaJSON string

const schemaURL = "https://odyssey-mesh.local/schemas/audit.schema.json"

// SupportedProcessingVersions is the constraint every record's
// processing_version must satisfy.
const SupportedProcessingVersions = "^1.0"

var trailSchema = jsonschema.MustCompileString(schemaURL, schemaJSON)

// VerifyResult is the outcome of Verify. Problems are findings, not
// failures to run.
type VerifyResult struct {
	Valid    bool            `json:"valid"`
	RunID    string          `json:"run_id,omitempty"`
	Records  int             `json:"records"`
	Events   int             `json:"events"`
	Claimed  IntegrityHashes `json:"claimed"`
	Computed IntegrityHashes `json:"computed"`
	Problems []string        `json:"problems,omitempty"`
}

// Err returns nil for a valid trail and ErrIntegrityMismatch otherwise.
func (r *VerifyResult) Err() error {
	if r.Valid {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrIntegrityMismatch, strings.Join(r.Problems, "; "))
}

func (r *VerifyResult) problem(format string, args ...any) {
	r.Problems = append(r.Problems, fmt.Sprintf(format, args...))
	r.Valid = false
}

// Verify checks an exported trail. The error is non-nil only when data is
// not JSON at all.
func Verify(data []byte) (*VerifyResult, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("audit: decode trail: %w", err)
	}

	res := &VerifyResult{Valid: true}
	if err := trailSchema.Validate(doc); err != nil {
		res.problem("schema: %v", err)
		return res, nil
	}

	meta := doc["metadata"].(map[string]any)
	res.RunID, _ = meta["run_id"].(string)

	records := doc["evidence_records"].([]any)
	events := doc["event_log"].([]any)
	rules := doc["configuration"].(map[string]any)["supervisor_rules"].(map[string]any)
	res.Records = len(records)
	res.Events = len(events)

	if err := decodeInto(doc["integrity_hashes"], &res.Claimed); err != nil {
		res.problem("integrity_hashes: %v", err)
		return res, nil
	}

	computed, err := computeHashes(records, events, rules)
	if err != nil {
		return nil, err
	}
	res.Computed = computed

	if computed.RecordsHash != res.Claimed.RecordsHash {
		res.problem("records_hash mismatch")
	}
	if computed.EventsHash != res.Claimed.EventsHash {
		res.problem("events_hash mismatch")
	}
	if computed.RulesHash != res.Claimed.RulesHash {
		res.problem("rules_hash mismatch")
	}
	if res.Claimed.RecordsMerkleRoot != "" && computed.RecordsMerkleRoot != res.Claimed.RecordsMerkleRoot {
		res.problem("records_merkle_root mismatch")
	}

	verifyEventChain(res, events)
	verifyEvidenceChains(res, records)
	verifyVersions(res, records)
	return res, nil
}

func decodeInto(v any, out any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func verifyEventChain(res *VerifyResult, raw []any) {
	data, err := json.Marshal(raw)
	if err != nil {
		res.problem("event_log: %v", err)
		return
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var events []eventlog.Event
	if err := dec.Decode(&events); err != nil {
		res.problem("event_log: %v", err)
		return
	}
	if err := eventlog.VerifyChain(events); err != nil {
		res.problem("event_log: %v", err)
		return
	}
	head := ""
	if len(events) > 0 {
		head = events[len(events)-1].ChainHash
	}
	res.Computed.EventChainHash = head
	if res.Claimed.EventChainHash != "" && head != res.Claimed.EventChainHash {
		res.problem("event_chain_hash mismatch")
	}
}

type auditLink struct {
	id   string
	tick int64
	hash string
	prev string
}

// verifyEvidenceChains checks the truncated prev_hash links of the export:
// each record's prev_hash is the leading characters of its predecessor's hash.
func verifyEvidenceChains(res *VerifyResult, records []any) {
	byNode := make(map[string][]auditLink)
	for _, r := range records {
		m := r.(map[string]any)
		node, _ := m["node_id"].(string)
		l := auditLink{}
		l.id, _ = m["record_id"].(string)
		l.hash, _ = m["hash"].(string)
		l.prev, _ = m["prev_hash"].(string)
		if n, ok := m["tick_id"].(json.Number); ok {
			l.tick, _ = n.Int64()
		}
		byNode[node] = append(byNode[node], l)
	}
	nodes := make([]string, 0, len(byNode))
	for n := range byNode {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)

	for _, n := range nodes {
		chain := byNode[n]
		sort.SliceStable(chain, func(i, j int) bool { return chain[i].tick < chain[j].tick })
		expected := ""
		for _, l := range chain {
			linked := (expected == "") == (l.prev == "")
			if l.prev != "" && (len(l.prev) < evidence.IDLength || l.prev != prefix(expected, len(l.prev))) {
				linked = false
			}
			if !linked {
				res.problem("evidence chain: %s record %s at tick %d does not link to its predecessor", n, l.id, l.tick)
			}
			expected = l.hash
		}
	}
}

func prefix(s string, n int) string {
	if n > len(s) {
		return s
	}
	return s[:n]
}

func verifyVersions(res *VerifyResult, records []any) {
	constraint, err := semver.NewConstraint(SupportedProcessingVersions)
	if err != nil {
		res.problem("processing version constraint: %v", err)
		return
	}
	seen := make(map[string]bool)
	for _, r := range records {
		pv, _ := r.(map[string]any)["processing_version"].(string)
		if seen[pv] {
			continue
		}
		seen[pv] = true
		v, err := semver.NewVersion(pv)
		if err != nil {
			res.problem("processing_version %q: %v", pv, err)
			continue
		}
		if !constraint.Check(v) {
			res.problem("processing_version %s does not satisfy %s", pv, SupportedProcessingVersions)
		}
	}
}
