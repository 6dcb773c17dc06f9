package sim

import (
	"context"

	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/evidence"
	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/eventlog"
	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/mesh"
	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/supervisor"
	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/transport"
)

// EmittedRecord is a record produced by a node during the tick.
type EmittedRecord struct {
	NodeID string
	Record *evidence.Record
}

// TickResult is everything a tick produced. Events holds every event logged
// since the previous tick, so sim_init and operator changes made between
// ticks reach observers too. Observers must treat it as read-only.
type TickResult struct {
	RunID            string
	Tick             int
	Window           int
	View             *mesh.View
	ViewHash         string
	Recommendation   supervisor.Recommendation
	Emitted          []*EmittedRecord
	RecordsDelivered int
	TotalRecords     int
	Events           []eventlog.Event
	Transport        transport.StepStats
}

// Summary is the compact per-tick line shown by the CLI and published to
// dashboards.
func (r *TickResult) Summary() map[string]any {
	return map[string]any{
		"run_id":          r.RunID,
		"tick":            r.Tick,
		"window":          r.Window,
		"state":           string(r.Recommendation.State),
		"supporting":      len(r.View.SupportingNodes),
		"contradicting":   len(r.View.ContradictingNodes),
		"absent":          len(r.View.UnknownNodes),
		"delivered":       r.RecordsDelivered,
		"total_records":   r.TotalRecords,
		"view_hash":       r.ViewHash,
		"raise_attention": r.Recommendation.ShouldRaiseAttention,
	}
}

// Observer receives each committed tick. Observers never mutate the
// simulation; they archive, publish or measure.
type Observer interface {
	ObserveTick(ctx context.Context, res *TickResult) error
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, res *TickResult) error

// ObserveTick calls f.
func (f ObserverFunc) ObserveTick(ctx context.Context, res *TickResult) error { return f(ctx, res) }
