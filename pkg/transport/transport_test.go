package transport

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/evidence"
	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/eventlog"
	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/meshstore"
	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/prng"
)

type fixture struct {
	store *meshstore.Store
	log   *eventlog.Log
	tr    *Transport
}

func newFixture(seed int64) *fixture {
	store := meshstore.New()
	log := eventlog.New(nil)
	return &fixture{store: store, log: log, tr: New(prng.New(seed), log, store)}
}

func (f *fixture) emit(t *testing.T, node string, ticks ...int) []*evidence.Record {
	t.Helper()
	var out []*evidence.Record
	prev := ""
	for _, tick := range ticks {
		r, err := evidence.NewRecord(evidence.Params{
			NodeID:            node,
			NodeType:          "radar",
			TickID:            tick,
			WindowID:          tick / 5,
			Timestamp:         time.Date(2024, 1, 1, 0, 0, tick, 0, time.UTC),
			Features:          evidence.Features{EvidenceType: evidence.TypeRadarContact},
			CalibrationStatus: evidence.CalibrationNominal,
			PrevHash:          prev,
		})
		require.NoError(t, err)
		f.store.Ingest(node, r)
		prev = r.Hash()
		out = append(out, r)
	}
	return out
}

func TestLinkRule_Validate(t *testing.T) {
	require.NoError(t, DefaultLinkRule().Validate())
	for _, bad := range []LinkRule{
		{Up: true, DropRate: 1.5, BandwidthLimit: 1},
		{Up: true, DropRate: -0.1, BandwidthLimit: 1},
		{Up: true, LatencyTicks: -1, BandwidthLimit: 1},
		{Up: true, BandwidthLimit: 0},
	} {
		assert.ErrorIs(t, bad.Validate(), ErrInvalidLinkRule, "%+v", bad)
	}
}

func TestSetLink_Symmetric(t *testing.T) {
	f := newFixture(1)
	rule := LinkRule{Up: true, DropRate: 0.05, LatencyTicks: 2, BandwidthLimit: 50}
	require.NoError(t, f.tr.SetLink("A", "B", rule))
	assert.Equal(t, rule, f.tr.Rule("A", "B"))
	assert.Equal(t, rule, f.tr.Rule("B", "A"))
	assert.Equal(t, DefaultLinkRule(), f.tr.Rule("A", "C"))

	assert.ErrorIs(t, f.tr.SetLink("A", "A", rule), ErrInvalidLinkRule)
	assert.ErrorIs(t, f.tr.SetLink("A", "B", LinkRule{BandwidthLimit: 0}), ErrInvalidLinkRule)
}

func TestGossip_ImmediateDelivery(t *testing.T) {
	f := newFixture(7)
	recs := f.emit(t, "A", 1, 2, 3)
	f.store.EnsureNode("B")

	require.NoError(t, f.tr.GossipStep(3, "A", "B"))
	assert.Equal(t, 3, f.tr.InflightCount())
	gossip := f.log.FilterByType(eventlog.TypeGossip)
	require.Len(t, gossip, 1)
	assert.Equal(t, "3", fmt.Sprint(gossip[0].Payload["sent"]))
	assert.Equal(t, "3", fmt.Sprint(gossip[0].Payload["missing_before"]))

	n, err := f.tr.DeliverInflight(3)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	for _, r := range recs {
		assert.True(t, f.store.Knows("B", r.Hash()))
	}
	assert.Len(t, f.log.FilterByType(eventlog.TypeDelivery), 3)
	assert.Equal(t, 0, f.tr.InflightCount())
}

func TestGossip_LatencyHoldsUntilDue(t *testing.T) {
	f := newFixture(7)
	f.emit(t, "A", 1)
	require.NoError(t, f.tr.SetLink("A", "B", LinkRule{Up: true, LatencyTicks: 2, BandwidthLimit: 10}))

	require.NoError(t, f.tr.GossipStep(1, "A", "B"))
	n, err := f.tr.DeliverInflight(2)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, f.tr.InflightCount())

	n, err = f.tr.DeliverInflight(3)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestGossip_DownLinkConsumesNoDraws(t *testing.T) {
	f := newFixture(7)
	f.emit(t, "A", 1, 2)
	require.NoError(t, f.tr.SetLink("A", "B", LinkRule{Up: false, BandwidthLimit: 10}))

	require.NoError(t, f.tr.GossipStep(2, "A", "B"))
	assert.Equal(t, uint64(0), f.tr.rng.Draws())
	assert.Equal(t, 0, f.tr.InflightCount())
	assert.Empty(t, f.log.FilterByType(eventlog.TypeGossip))
}

func TestGossip_BandwidthAndDrops(t *testing.T) {
	f := newFixture(11)
	f.emit(t, "A", 1, 2, 3, 4, 5, 6)
	require.NoError(t, f.tr.SetLink("A", "B", LinkRule{Up: true, BandwidthLimit: 4}))

	require.NoError(t, f.tr.GossipStep(6, "A", "B"))
	assert.Equal(t, 4, f.tr.InflightCount())
	// five shuffle swaps plus one drop draw per surviving candidate
	assert.Equal(t, uint64(5+4), f.tr.rng.Draws())
	assert.Equal(t, 2, f.tr.Stats().Starved)

	g := newFixture(11)
	g.emit(t, "A", 1, 2, 3)
	require.NoError(t, g.tr.SetLink("A", "B", LinkRule{Up: true, DropRate: 1, BandwidthLimit: 10}))
	require.NoError(t, g.tr.GossipStep(3, "A", "B"))
	assert.Equal(t, 0, g.tr.InflightCount())
	assert.Equal(t, 3, g.tr.Stats().Dropped)
	assert.Empty(t, g.log.FilterByType(eventlog.TypeGossip))
}

func TestGossip_DeterministicForSeed(t *testing.T) {
	run := func() []string {
		f := newFixture(99)
		f.emit(t, "A", 1, 2, 3, 4, 5, 6, 7, 8)
		require.NoError(t, f.tr.SetLink("A", "B", LinkRule{Up: true, DropRate: 0.3, BandwidthLimit: 5}))
		require.NoError(t, f.tr.GossipStep(8, "A", "B"))
		var ids []string
		for _, in := range f.tr.Inflight() {
			ids = append(ids, in.Record.ID())
		}
		return ids
	}
	assert.Equal(t, run(), run())
}

func TestDeliverInflight_DuplicatesNotCounted(t *testing.T) {
	f := newFixture(3)
	f.emit(t, "A", 1)
	f.emit(t, "C", 1)
	// A and C both know A's record after one exchange
	require.NoError(t, f.tr.GossipStep(1, "A", "C"))
	_, err := f.tr.DeliverInflight(1)
	require.NoError(t, err)

	require.NoError(t, f.tr.GossipStep(1, "A", "B"))
	require.NoError(t, f.tr.GossipStep(1, "C", "B"))
	n, err := f.tr.DeliverInflight(1)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "A's record arrives twice but is new only once")
}

func TestNetworkStats(t *testing.T) {
	f := newFixture(1)
	require.NoError(t, f.tr.SetLink("A", "B", LinkRule{Up: true, DropRate: 0.1, BandwidthLimit: 10}))
	require.NoError(t, f.tr.SetLink("A", "C", LinkRule{Up: false, DropRate: 0.3, BandwidthLimit: 10}))

	st := f.tr.NetworkStats()
	assert.Equal(t, 2, st.TotalLinks)
	assert.Equal(t, 1, st.UpLinks)
	assert.Equal(t, 1, st.DownLinks)
	assert.InDelta(t, 0.2, st.AvgDropRate, 1e-12)
	assert.Equal(t, 0, st.InflightCount)
	assert.Len(t, st.Map(), 5)
}

func TestLinks_ListsConfiguredPairsInOrder(t *testing.T) {
	f := newFixture(1)
	require.NoError(t, f.tr.SetLink("B", "C", LinkRule{Up: false, BandwidthLimit: 1}))
	require.NoError(t, f.tr.SetLink("A", "B", LinkRule{Up: true, BandwidthLimit: 5}))

	links := f.tr.Links()
	require.Len(t, links, 4)
	assert.Equal(t, "A", links[0].Src)
	assert.Equal(t, "B", links[0].Dst)
	assert.Equal(t, 5, links[0].Rule.BandwidthLimit)
	assert.Equal(t, "C", links[3].Src)
	assert.False(t, links[3].Rule.Up)
}

func TestStepStats_Sub(t *testing.T) {
	now := StepStats{Sent: 10, Dropped: 3, Starved: 2, Delivered: 7}
	prev := StepStats{Sent: 4, Dropped: 1, Delivered: 3}
	assert.Equal(t, StepStats{Sent: 6, Dropped: 2, Starved: 2, Delivered: 4}, now.Sub(prev))
}
