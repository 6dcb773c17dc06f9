// Package transport replicates evidence between nodes by pairwise gossip
// over links with loss, latency and bandwidth limits.
//
// Every random decision comes from the transport's own stream. Per exchange
// the draws are: one per swap while shuffling the sorted missing-hash list,
// then one drop draw per candidate that survived the bandwidth cut.
package transport

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/evidence"
	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/eventlog"
	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/meshstore"
	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/prng"
)

// Inflight is a record travelling from src to dst, due at DeliverTick.
type Inflight struct {
	DeliverTick int
	Src         string
	Dst         string
	Record      *evidence.Record
}

// StepStats accumulate transfer outcomes over the life of the transport.
// Starved counts candidates cut by a link's bandwidth limit.
type StepStats struct {
	Sent      int `json:"sent"`
	Dropped   int `json:"dropped"`
	Starved   int `json:"starved"`
	Delivered int `json:"delivered"`
}

// Sub returns the counts accumulated since prev, i.e. one step's worth
// when prev is the snapshot taken before the step.
func (c StepStats) Sub(prev StepStats) StepStats {
	return StepStats{
		Sent:      c.Sent - prev.Sent,
		Dropped:   c.Dropped - prev.Dropped,
		Starved:   c.Starved - prev.Starved,
		Delivered: c.Delivered - prev.Delivered,
	}
}

// Link is one configured directed rule.
type Link struct {
	Src  string
	Dst  string
	Rule LinkRule
}

// NetworkStats summarises the link table.
type NetworkStats struct {
	TotalLinks    int     `json:"total_links"`
	UpLinks       int     `json:"up_links"`
	DownLinks     int     `json:"down_links"`
	AvgDropRate   float64 `json:"avg_drop_rate"`
	InflightCount int     `json:"inflight_count"`
}

// Map returns the dictionary form.
func (s NetworkStats) Map() map[string]any {
	return map[string]any{
		"total_links":    s.TotalLinks,
		"up_links":       s.UpLinks,
		"down_links":     s.DownLinks,
		"avg_drop_rate":  s.AvgDropRate,
		"inflight_count": s.InflightCount,
	}
}

// Option configures a Transport.
type Option func(*Transport)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) { t.logger = l }
}

// Transport owns the link table and the in-flight queue.
type Transport struct {
	rng      *prng.Stream
	log      *eventlog.Log
	store    *meshstore.Store
	logger   *slog.Logger
	links    map[linkKey]LinkRule
	inflight []Inflight
	stats StepStats
}

// New creates a transport drawing from rng and writing to log and store.
func New(rng *prng.Stream, log *eventlog.Log, store *meshstore.Store, opts ...Option) *Transport {
	t := &Transport{
		rng:    rng,
		log:    log,
		store:  store,
		logger: slog.Default().With("component", "transport"),
		links:  make(map[linkKey]LinkRule),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SetLink sets the same rule for (a, b) and (b, a). It takes effect on the
// next gossip exchange.
func (t *Transport) SetLink(a, b string, rule LinkRule) error {
	if a == b {
		return fmt.Errorf("%w: self link %q", ErrInvalidLinkRule, a)
	}
	if err := rule.Validate(); err != nil {
		return err
	}
	t.links[linkKey{a, b}] = rule
	t.links[linkKey{b, a}] = rule
	return nil
}

// Rule returns the rule for src to dst, or DefaultLinkRule if unset.
func (t *Transport) Rule(src, dst string) LinkRule {
	if r, ok := t.links[linkKey{src, dst}]; ok {
		return r
	}
	return DefaultLinkRule()
}

// GossipStep runs one exchange from src to dst at tick.
func (t *Transport) GossipStep(tick int, src, dst string) error {
	rule := t.Rule(src, dst)
	if !rule.Up {
		return nil
	}

	missing, _ := t.store.MissingHashes(src, dst)
	missingBefore := len(missing)

	candidates := append([]string(nil), missing...)
	t.rng.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	if len(candidates) > rule.BandwidthLimit {
		t.stats.Starved += len(candidates) - rule.BandwidthLimit
		candidates = candidates[:rule.BandwidthLimit]
	}

	latency := rule.LatencyTicks
	if latency < 0 {
		latency = 0
	}
	sent := 0
	for _, h := range candidates {
		if t.rng.Float64() < rule.DropRate {
			t.stats.Dropped++
			continue
		}
		rec, ok := t.store.Record(h)
		if !ok {
			continue
		}
		t.inflight = append(t.inflight, Inflight{DeliverTick: tick + latency, Src: src, Dst: dst, Record: rec})
		sent++
	}
	t.stats.Sent += sent

	if sent == 0 {
		return nil
	}
	if _, err := t.log.Append(eventlog.TypeGossip, map[string]any{
		"tick":           tick,
		"src":            src,
		"dst":            dst,
		"sent":           sent,
		"latency_ticks":  rule.LatencyTicks,
		"missing_before": missingBefore,
	}, tick); err != nil {
		return fmt.Errorf("transport: log gossip %s->%s: %w", src, dst, err)
	}
	return nil
}

// DeliverInflight ingests every in-flight record due at or before tick and
// returns how many were new to their receiver. Entries not yet due stay
// queued in their original order.
func (t *Transport) DeliverInflight(tick int) (int, error) {
	remaining := make([]Inflight, 0, len(t.inflight))
	delivered := 0
	for i, f := range t.inflight {
		if f.DeliverTick > tick {
			remaining = append(remaining, f)
			continue
		}
		if !t.store.Ingest(f.Dst, f.Record) {
			continue
		}
		delivered++
		if _, err := t.log.Append(eventlog.TypeDelivery, map[string]any{
			"tick":      tick,
			"src":       f.Src,
			"dst":       f.Dst,
			"record_id": f.Record.ID(),
			"hash":      f.Record.Hash()[:8],
		}, tick); err != nil {
			// keep what has not been processed so the queue stays consistent
			t.inflight = append(remaining, t.inflight[i+1:]...)
			return delivered, fmt.Errorf("transport: log delivery: %w", err)
		}
	}
	t.inflight = remaining
	t.stats.Delivered += delivered
	if delivered > 0 {
		t.logger.Debug("delivered gossip", "tick", tick, "count", delivered, "pending", len(remaining))
	}
	return delivered, nil
}

// NetworkStats reports link counts per unordered pair and the mean drop rate
// over the directed entries.
func (t *Transport) NetworkStats() NetworkStats {
	up, down := 0, 0
	var dropSum float64
	for _, k := range t.sortedKeys() {
		r := t.links[k]
		if r.Up {
			up++
		} else {
			down++
		}
		dropSum += r.DropRate
	}
	avg := 0.0
	if len(t.links) > 0 {
		avg = dropSum / float64(len(t.links))
	}
	return NetworkStats{
		TotalLinks:    len(t.links) / 2,
		UpLinks:       up / 2,
		DownLinks:     down / 2,
		AvgDropRate:   avg,
		InflightCount: len(t.inflight),
	}
}

// Links returns every explicitly configured directed link, ordered by
// (src, dst). Unset pairs use DefaultLinkRule and are not listed.
func (t *Transport) Links() []Link {
	keys := t.sortedKeys()
	out := make([]Link, 0, len(keys))
	for _, k := range keys {
		out = append(out, Link{Src: k.src, Dst: k.dst, Rule: t.links[k]})
	}
	return out
}

// Inflight returns a copy of the in-flight queue.
func (t *Transport) Inflight() []Inflight {
	return append([]Inflight(nil), t.inflight...)
}

// InflightCount returns the number of queued transfers.
func (t *Transport) InflightCount() int { return len(t.inflight) }

// Stats returns cumulative transfer counts.
func (t *Transport) Stats() StepStats { return t.stats }

// sortedKeys fixes iteration order so float sums are reproducible.
func (t *Transport) sortedKeys() []linkKey {
	keys := make([]linkKey, 0, len(t.links))
	for k := range t.links {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].src != keys[j].src {
			return keys[i].src < keys[j].src
		}
		return keys[i].dst < keys[j].dst
	})
	return keys
}
