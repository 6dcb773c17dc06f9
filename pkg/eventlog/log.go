// Package eventlog is the append-only, hash-chained log of everything the
// simulation does: emissions, gossip, deliveries, supervisor transitions.
package eventlog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/canonicalize"
)

// ErrChainBroken is returned by VerifyChain when an event's hashes do not
// match its content or predecessor.
var ErrChainBroken = errors.New("eventlog: chain broken")

// Event types written by the simulation.
const (
	TypeSimInit               = "sim_init"
	TypeEvidenceEmit          = "evidence_emit"
	TypeGossip                = "gossip"
	TypeDelivery              = "delivery"
	TypeSupervisorStateChange = "supervisor_state_change"
	TypeSupervisorReset       = "supervisor_reset"
	TypeTickComplete          = "tick_complete"
	TypeWorldStateChange      = "world_state_change"
	TypeLinkChange            = "link_change"
	TypeRulesChange           = "rules_change"
)

// Event is one committed log entry. TickID is nil for events raised outside
// the tick pipeline, such as an operator reset.
type Event struct {
	Seq         uint64         `json:"seq"`
	Timestamp   string         `json:"timestamp_utc"`
	TickID      *int           `json:"tick_id"`
	Type        string         `json:"type"`
	Payload     map[string]any `json:"payload"`
	PayloadHash string         `json:"payload_hash"`
	ChainHash   string         `json:"chain_hash"`
}

// Map returns the canonical dictionary form of e.
func (e Event) Map() map[string]any {
	var tick any
	if e.TickID != nil {
		tick = *e.TickID
	}
	return map[string]any{
		"seq":           e.Seq,
		"timestamp_utc": e.Timestamp,
		"tick_id":       tick,
		"type":          e.Type,
		"payload":       e.Payload,
		"payload_hash":  e.PayloadHash,
		"chain_hash":    e.ChainHash,
	}
}

// Log is an in-memory append-only event log.
type Log struct {
	mu        sync.RWMutex
	clock     Clock
	events    []Event
	lastTick  int
	chainHash string
}

// New creates an empty log stamping events with clock.
func New(clock Clock) *Log {
	if clock == nil {
		clock = NewSimClock(time.Time{}, 0)
	}
	return &Log{clock: clock, events: make([]Event, 0)}
}

// Append commits an event raised during tick.
func (l *Log) Append(eventType string, payload map[string]any, tick int) (Event, error) {
	return l.append(eventType, payload, &tick)
}

// AppendUnticked commits an event that belongs to no tick. It is stamped
// with the time of the most recent ticked event.
func (l *Log) AppendUnticked(eventType string, payload map[string]any) (Event, error) {
	return l.append(eventType, payload, nil)
}

func (l *Log) append(eventType string, payload map[string]any, tick *int) (Event, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	// Store the canonical decoding so later caller mutation cannot reach
	// the log and the stored form hashes identically on re-verification.
	canon, err := canonicalize.JCS(payload)
	if err != nil {
		return Event{}, fmt.Errorf("eventlog: canonicalize %s payload: %w", eventType, err)
	}
	var stored map[string]any
	dec := json.NewDecoder(bytes.NewReader(canon))
	dec.UseNumber()
	if err := dec.Decode(&stored); err != nil {
		return Event{}, fmt.Errorf("eventlog: decode %s payload: %w", eventType, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	at := l.lastTick
	if tick != nil {
		at = *tick
		l.lastTick = *tick
	}
	ev := Event{
		Seq:         uint64(len(l.events)) + 1,
		Timestamp:   l.clock.TickTime(at).UTC().Format(time.RFC3339),
		TickID:      tick,
		Type:        eventType,
		Payload:     stored,
		PayloadHash: canonicalize.HashBytes(canon),
	}
	ev.ChainHash, err = chainHash(ev, l.chainHash)
	if err != nil {
		return Event{}, err
	}
	l.chainHash = ev.ChainHash
	l.events = append(l.events, ev)
	return ev, nil
}

func chainHash(ev Event, previous string) (string, error) {
	var tick any
	if ev.TickID != nil {
		tick = *ev.TickID
	}
	h, err := canonicalize.StableHash(map[string]any{
		"seq":           ev.Seq,
		"timestamp_utc": ev.Timestamp,
		"tick_id":       tick,
		"type":          ev.Type,
		"payload_hash":  ev.PayloadHash,
		"previous_hash": previous,
	})
	if err != nil {
		return "", fmt.Errorf("eventlog: chain hash: %w", err)
	}
	return h, nil
}

// Len returns the number of committed events.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// Events returns a copy of the committed events. Payload maps are shared
// with the log and must not be modified.
func (l *Log) Events() []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Event(nil), l.events...)
}

// Tail returns the last n events.
func (l *Log) Tail(n int) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if n <= 0 {
		return nil
	}
	if n > len(l.events) {
		n = len(l.events)
	}
	return append([]Event(nil), l.events[len(l.events)-n:]...)
}

// FilterByType returns every event of the given type, in log order.
func (l *Log) FilterByType(eventType string) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Event
	for _, e := range l.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// CountByType returns how many events of each type were committed.
func (l *Log) CountByType() map[string]int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	counts := make(map[string]int)
	for _, e := range l.events {
		counts[e.Type]++
	}
	return counts
}

// Maps returns every event in its dictionary form, ready for export or hashing.
func (l *Log) Maps() []any {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]any, len(l.events))
	for i, e := range l.events {
		out[i] = e.Map()
	}
	return out
}

// ExportJSONL writes one canonical JSON object per line.
func (l *Log) ExportJSONL(w io.Writer) error {
	for _, e := range l.Events() {
		line, err := canonicalize.JCS(e.Map())
		if err != nil {
			return fmt.Errorf("eventlog: export seq %d: %w", e.Seq, err)
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("eventlog: export seq %d: %w", e.Seq, err)
		}
	}
	return nil
}

// Hash returns the chain hash of the most recent event, or "" if empty.
func (l *Log) Hash() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.chainHash
}

// Clear drops every event and resets the chain. Only for simulation resets
// and tests.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = make([]Event, 0)
	l.chainHash = ""
	l.lastTick = 0
}

// VerifyChain recomputes payload and chain hashes for events in order.
func VerifyChain(events []Event) error {
	prev := ""
	for i, e := range events {
		if e.Seq != uint64(i)+1 {
			return fmt.Errorf("%w: event %d has seq %d", ErrChainBroken, i, e.Seq)
		}
		ph, err := canonicalize.StableHash(e.Payload)
		if err != nil {
			return fmt.Errorf("eventlog: rehash seq %d: %w", e.Seq, err)
		}
		if ph != e.PayloadHash {
			return fmt.Errorf("%w: seq %d payload hash mismatch", ErrChainBroken, e.Seq)
		}
		ch, err := chainHash(e, prev)
		if err != nil {
			return err
		}
		if ch != e.ChainHash {
			return fmt.Errorf("%w: seq %d chain hash mismatch", ErrChainBroken, e.Seq)
		}
		prev = e.ChainHash
	}
	return nil
}
