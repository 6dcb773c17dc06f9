// Package replay checks that a run can be reproduced and that its evidence
// chains are intact. Divergence is reported as data, never as an error.
package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/canonicalize"
	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/evidence"
	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/eventlog"
	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/sim"
)

// DefaultSteps is the replay length used by the CLI.
const DefaultSteps = 10

// Summary is the state compared between two runs.
type Summary struct {
	Tick            int    `json:"tick"`
	Window          int    `json:"window"`
	TotalRecords    int    `json:"total_records"`
	TotalEvents     int    `json:"total_events"`
	MeshViewHash    string `json:"meshview_hash"`
	SupervisorState string `json:"supervisor_state"`
}

// Report holds both summaries so a divergence can be inspected.
type Report struct {
	Run1 Summary `json:"run1"`
	Run2 Summary `json:"run2"`
}

// Factory builds a fresh simulation for seed.
type Factory func(seed int64) (*sim.Simulation, error)

// DefaultFactory builds the stock scenario for seed.
func DefaultFactory(seed int64) (*sim.Simulation, error) {
	cfg := sim.DefaultConfig()
	cfg.Seed = seed
	return sim.New(cfg)
}

// Summarize captures the comparison state of s.
func Summarize(s *sim.Simulation) (Summary, error) {
	sum := Summary{
		Tick:         s.Tick(),
		Window:       s.WindowID(),
		TotalRecords: s.Store().Len(),
		TotalEvents:  s.Log().Len(),
	}
	if v := s.LastView(); v != nil {
		h, err := v.Hash()
		if err != nil {
			return Summary{}, fmt.Errorf("replay: hash view: %w", err)
		}
		sum.MeshViewHash = h
	}
	if r := s.LastRecommendation(); r != nil {
		sum.SupervisorState = string(r.State)
	}
	return sum, nil
}

// VerifyDeterministic runs two independent simulations from factory with
// the same seed and compares their summaries. A nil factory uses
// DefaultFactory. The error is non-nil only when a run cannot execute.
func VerifyDeterministic(ctx context.Context, seed int64, steps int, factory Factory) (bool, Report, error) {
	if factory == nil {
		factory = DefaultFactory
	}
	run := func() (Summary, error) {
		s, err := factory(seed)
		if err != nil {
			return Summary{}, err
		}
		if _, err := s.Run(ctx, steps); err != nil {
			return Summary{}, err
		}
		return Summarize(s)
	}

	var report Report
	var err error
	if report.Run1, err = run(); err != nil {
		return false, Report{}, fmt.Errorf("replay: run 1: %w", err)
	}
	if report.Run2, err = run(); err != nil {
		return false, Report{}, fmt.Errorf("replay: run 2: %w", err)
	}
	return report.Run1 == report.Run2, report, nil
}

// ChainResult is the outcome of checking evidence chains.
type ChainResult struct {
	TotalRecords   int            `json:"total_records"`
	ValidChain     bool           `json:"valid_chain"`
	ChainBreaks    []string       `json:"chain_breaks,omitempty"`
	DuplicateIDs   []string       `json:"duplicate_ids,omitempty"`
	HashesVerified int            `json:"hashes_verified"`
	HashMismatches []string       `json:"hash_mismatches,omitempty"`
	Summary        map[string]int `json:"summary"` // node_id -> records
}

// VerifyChain rehashes every record and checks each node's prev-hash chain.
func VerifyChain(records []*evidence.Record) *ChainResult {
	result := &ChainResult{
		TotalRecords: len(records),
		ValidChain:   true,
		Summary:      make(map[string]int),
	}

	seen := make(map[string]bool, len(records))
	for _, r := range records {
		if seen[r.Hash()] {
			result.DuplicateIDs = append(result.DuplicateIDs, r.ID())
		}
		seen[r.Hash()] = true
		result.Summary[r.NodeID()]++

		if err := r.Verify(); err != nil {
			result.HashMismatches = append(result.HashMismatches, r.ID())
			result.ValidChain = false
			continue
		}
		result.HashesVerified++
	}

	for _, b := range evidence.CheckChain(records) {
		result.ChainBreaks = append(result.ChainBreaks, b.String())
		result.ValidChain = false
	}
	return result
}

// EventResult is the outcome of checking an exported event log.
type EventResult struct {
	TotalEvents int    `json:"total_events"`
	ValidChain  bool   `json:"valid_chain"`
	Error       string `json:"error,omitempty"`
	HeadHash    string `json:"head_hash,omitempty"`
	EventsHash  string `json:"events_hash,omitempty"`
}

// VerifyEventsFromFile reads a JSONL event export and checks its chain.
func VerifyEventsFromFile(path string) (*EventResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open events: %w", err)
	}
	defer f.Close()

	return VerifyEventsFromReader(f)
}

// VerifyEventsFromReader checks a JSONL event stream as written by
// eventlog.Log.ExportJSONL.
func VerifyEventsFromReader(r io.Reader) (*EventResult, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var events []eventlog.Event
	for dec.More() {
		var e eventlog.Event
		if err := dec.Decode(&e); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		events = append(events, e)
	}
	return VerifyEvents(events)
}

// VerifyEvents checks an in-memory event slice.
func VerifyEvents(events []eventlog.Event) (*EventResult, error) {
	result := &EventResult{TotalEvents: len(events), ValidChain: true}
	if err := eventlog.VerifyChain(events); err != nil {
		result.ValidChain = false
		result.Error = err.Error()
	}
	if len(events) > 0 {
		result.HeadHash = events[len(events)-1].ChainHash
	}
	maps := make([]any, len(events))
	for i, e := range events {
		maps[i] = e.Map()
	}
	h, err := canonicalize.StableHash(maps)
	if err != nil {
		return nil, fmt.Errorf("replay: hash events: %w", err)
	}
	result.EventsHash = h
	return result, nil
}
