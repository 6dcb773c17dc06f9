// Package archive persists runs for later inspection: every evidence
// record, every event and a per-tick summary. Archives are observers; they
// read tick results and never feed anything back into a run.
package archive

import (
	"context"
	"errors"

	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/sim"
)

// ErrNotFound is returned for unknown runs or records.
var ErrNotFound = errors.New("archive: not found")

// RunInfo identifies a run.
type RunInfo struct {
	RunID      string `json:"run_id"`
	Seed       int64  `json:"seed"`
	WindowSize int    `json:"window_size"`
	RulesHash  string `json:"rules_hash"`
}

// RunInfoOf describes s.
func RunInfoOf(s *sim.Simulation) (RunInfo, error) {
	h, err := s.Rules().Hash()
	if err != nil {
		return RunInfo{}, err
	}
	return RunInfo{RunID: s.RunID(), Seed: s.Seed(), WindowSize: s.WindowSize(), RulesHash: h}, nil
}

// TickRow is the archived summary of one tick.
type TickRow struct {
	RunID     string `json:"run_id"`
	Tick      int    `json:"tick"`
	Window    int    `json:"window"`
	State     string `json:"state"`
	ViewHash  string `json:"view_hash"`
	Delivered int    `json:"delivered"`
	Total     int    `json:"total_records"`
}

func tickRowOf(res *sim.TickResult) TickRow {
	return TickRow{
		RunID:     res.RunID,
		Tick:      res.Tick,
		Window:    res.Window,
		State:     string(res.Recommendation.State),
		ViewHash:  res.ViewHash,
		Delivered: res.RecordsDelivered,
		Total:     res.TotalRecords,
	}
}

// Recorder is implemented by every archive backend.
type Recorder interface {
	sim.Observer
	RecordRun(ctx context.Context, info RunInfo) error
	Ticks(ctx context.Context, runID string) ([]TickRow, error)
	Close() error
}

var (
	_ Recorder = (*SQLArchive)(nil)
	_ Recorder = (*BadgerArchive)(nil)
)
