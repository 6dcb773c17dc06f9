// Package audit exports a run as a self-describing JSON trail and verifies
// trails after the fact: schema, integrity hashes, chains and versions.
package audit

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/canonicalize"
	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/merkle"
	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/sim"
)

// ErrIntegrityMismatch is returned when a trail does not match its own
// integrity hashes or attestation.
var ErrIntegrityMismatch = errors.New("audit: integrity mismatch")

// SystemName is stamped in every export.
const SystemName = "Odyssey Mesh v1.0"

// Invariants are the guarantees an export claims to uphold.
var Invariants = []string{
	"Evidence-only mesh",
	"Disagreement preserved",
	"Absence as signal",
	"Deterministic replay",
	"Human governance upstream",
}

// IntegrityHashes summarize the exported content.
type IntegrityHashes struct {
	RecordsHash       string `json:"records_hash"`
	EventsHash        string `json:"events_hash"`
	RulesHash         string `json:"rules_hash"`
	RecordsMerkleRoot string `json:"records_merkle_root"`
	EventChainHash    string `json:"event_chain_hash"`
}

// Map returns the dictionary form.
func (h IntegrityHashes) Map() map[string]any {
	return map[string]any{
		"records_hash":        h.RecordsHash,
		"events_hash":         h.EventsHash,
		"rules_hash":          h.RulesHash,
		"records_merkle_root": h.RecordsMerkleRoot,
		"event_chain_hash":    h.EventChainHash,
	}
}

// computeHashes derives every hash except the event chain head, which the
// caller takes from the log.
func computeHashes(records, events []any, rules map[string]any) (IntegrityHashes, error) {
	var h IntegrityHashes
	var err error
	if h.RecordsHash, err = canonicalize.StableHash(records); err != nil {
		return h, fmt.Errorf("audit: hash records: %w", err)
	}
	if h.EventsHash, err = canonicalize.StableHash(events); err != nil {
		return h, fmt.Errorf("audit: hash events: %w", err)
	}
	if h.RulesHash, err = canonicalize.StableHash(rules); err != nil {
		return h, fmt.Errorf("audit: hash rules: %w", err)
	}
	leaves := make(map[string]any, len(records))
	for i, r := range records {
		m, ok := r.(map[string]any)
		if !ok {
			return h, fmt.Errorf("audit: record %d is not an object", i)
		}
		key, _ := m["hash"].(string)
		if key == "" {
			key = fmt.Sprintf("#%d", i)
		}
		leaves[key] = m
	}
	if h.RecordsMerkleRoot, err = merkle.Root(leaves); err != nil {
		return h, fmt.Errorf("audit: merkle root: %w", err)
	}
	return h, nil
}

// Option configures an export.
type Option func(*exportOptions)

type exportOptions struct {
	now func() time.Time
}

// WithExportTime fixes the export timestamp.
func WithExportTime(t time.Time) Option {
	return func(o *exportOptions) { o.now = func() time.Time { return t } }
}

// Trail is an exported run.
type Trail struct {
	RunID  string
	Hashes IntegrityHashes
	doc    map[string]any
}

// Export builds the audit trail of s in its current state.
func Export(s *sim.Simulation, opts ...Option) (*Trail, error) {
	o := exportOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	all := s.Store().AllRecords()
	records := make([]any, len(all))
	for i, r := range all {
		records[i] = r.AuditMap()
	}
	events := s.Log().Maps()
	rules := s.Rules().Map()

	hashes, err := computeHashes(records, events, rules)
	if err != nil {
		return nil, err
	}
	hashes.EventChainHash = s.Log().Hash()

	nodes := make([]any, 0)
	for _, d := range s.NodeDefinitions() {
		nodes = append(nodes, d.Map())
	}
	history := make([]any, 0)
	for _, c := range s.WorldStateHistory() {
		history = append(history, c.Map())
	}
	links := make(map[string]any)
	for name, rule := range s.LinkStates() {
		links[name] = rule.Map()
	}

	var meshview, recommendation any
	if v := s.LastView(); v != nil {
		meshview = v.Map()
	}
	if r := s.LastRecommendation(); r != nil {
		recommendation = r.Map()
	}

	invariants := make([]any, len(Invariants))
	for i, inv := range Invariants {
		invariants[i] = inv
	}

	doc := map[string]any{
		"metadata": map[string]any{
			"export_time": o.now().UTC().Format(time.RFC3339),
			"system":      SystemName,
			"run_id":      s.RunID(),
			"seed":        s.Seed(),
			"final_tick":  s.Tick(),
			"window_size": s.WindowSize(),
			"invariants":  invariants,
		},
		"configuration": map[string]any{
			"nodes":            nodes,
			"supervisor_rules": rules,
			"window_size":      s.WindowSize(),
		},
		"world_state":         s.WorldState().Map(),
		"world_state_history": history,
		"evidence_records":    records,
		"event_log":           events,
		"link_states":         links,
		"final_state": map[string]any{
			"meshview":                  meshview,
			"supervisor_recommendation": recommendation,
		},
		"integrity_hashes": hashes.Map(),
	}
	return &Trail{RunID: s.RunID(), Hashes: hashes, doc: doc}, nil
}

// Map returns the trail document.
func (t *Trail) Map() map[string]any { return t.doc }

// JSON encodes the trail with sorted keys and a two-space indent.
func (t *Trail) JSON() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(t.doc); err != nil {
		return nil, fmt.Errorf("audit: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteFile writes the JSON trail to path.
func (t *Trail) WriteFile(path string) error {
	data, err := t.JSON()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("audit: write %s: %w", path, err)
	}
	return nil
}

// DefaultFilename names an export after its creation time.
func DefaultFilename(now time.Time) string {
	return "odyssey_audit_" + now.UTC().Format("20060102_150405") + ".json"
}
