package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/sim"
	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/supervisor"
	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/transport"
)

// TickObserver turns committed ticks into a span and counter increments.
// It implements sim.Observer.
type TickObserver struct {
	tracer trace.Tracer

	recordsEmitted   metric.Int64Counter
	recordsDelivered metric.Int64Counter
	gossipSent       metric.Int64Counter
	gossipDropped    metric.Int64Counter
	gossipStarved    metric.Int64Counter
	transitions      metric.Int64Counter

	last      transport.StepStats
	lastState supervisor.State
}

// NewTickObserver registers the tick instruments on p's meter.
func NewTickObserver(p *Provider) (*TickObserver, error) {
	m := p.Meter()
	o := &TickObserver{tracer: p.Tracer(), lastState: supervisor.StateIdle}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
		unit string
	}{
		{&o.recordsEmitted, "odyssey.records.emitted", "Evidence records emitted by nodes", "{record}"},
		{&o.recordsDelivered, "odyssey.records.delivered", "Evidence records delivered by gossip", "{record}"},
		{&o.gossipSent, "odyssey.gossip.sent", "Gossip transmissions attempted", "{message}"},
		{&o.gossipDropped, "odyssey.gossip.dropped", "Gossip transmissions dropped", "{message}"},
		{&o.gossipStarved, "odyssey.gossip.starved", "Gossip candidates cut by link bandwidth", "{message}"},
		{&o.transitions, "odyssey.supervisor.transitions", "Supervisor state changes", "{transition}"},
	}
	for _, c := range counters {
		ctr, err := m.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return nil, fmt.Errorf("observability: counter %s: %w", c.name, err)
		}
		*c.dst = ctr
	}
	return o, nil
}

// ObserveTick records the tick.
func (o *TickObserver) ObserveTick(ctx context.Context, res *sim.TickResult) error {
	state := res.Recommendation.State
	_, span := o.tracer.Start(ctx, "odyssey.tick",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			runAttr(res.RunID),
			attribute.Int("odyssey.tick", res.Tick),
			attribute.Int("odyssey.window", res.Window),
			attribute.String("odyssey.state", string(state)),
			attribute.Int("odyssey.supporting", len(res.View.SupportingNodes)),
			attribute.Int("odyssey.contradicting", len(res.View.ContradictingNodes)),
			attribute.String("odyssey.view_hash", res.ViewHash),
		),
	)
	defer span.End()

	attrs := metric.WithAttributes(runAttr(res.RunID))
	o.recordsEmitted.Add(ctx, int64(len(res.Emitted)), attrs)
	o.recordsDelivered.Add(ctx, int64(res.RecordsDelivered), attrs)
	step := res.Transport.Sub(o.last)
	o.gossipSent.Add(ctx, int64(step.Sent), attrs)
	o.gossipDropped.Add(ctx, int64(step.Dropped), attrs)
	o.gossipStarved.Add(ctx, int64(step.Starved), attrs)
	o.last = res.Transport

	if state != o.lastState {
		o.transitions.Add(ctx, 1, metric.WithAttributes(
			runAttr(res.RunID),
			attribute.String("from", string(o.lastState)),
			attribute.String("to", string(state)),
		))
		span.AddEvent("supervisor_state_change", trace.WithAttributes(
			attribute.String("from", string(o.lastState)),
			attribute.String("to", string(state)),
		))
		o.lastState = state
	}
	return nil
}

var _ sim.Observer = (*TickObserver)(nil)
