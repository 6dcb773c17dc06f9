// Package meshstore is the content-addressed evidence store shared by all
// nodes of a simulation. It deduplicates records by hash, tracks which node
// knows which hashes, and records per-window presence for absence detection.
package meshstore

import (
	"sort"
	"sync"

	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/evidence"
)

// DefaultGraceTicks is how long a node may stay silent in a window before it
// is reported absent.
const DefaultGraceTicks = 10

type presenceKey struct {
	nodeID   string
	windowID int
}

// Absence reports a node missing from a window and how long it has been silent.
type Absence struct {
	NodeID         string `json:"node_id"`
	TicksSinceLast int    `json:"ticks_since_last"`
}

// NodeHealth is the latest reported condition of a node.
type NodeHealth struct {
	SensorHealth      float64 `json:"sensor_health"`
	ClockDriftMS      float64 `json:"clock_drift_ms"`
	PositionAccuracyM float64 `json:"position_accuracy_m"`
	// CalibrationScore is 1 for nominal calibration and 0.5 otherwise.
	CalibrationScore float64 `json:"calibration_status"`
}

// Store holds every record ever ingested.
type Store struct {
	mu       sync.RWMutex
	records  map[string]*evidence.Record
	known    map[string]map[string]struct{}
	order    []string
	presence map[presenceKey]int
}

// New returns an empty store.
func New() *Store {
	return &Store{
		records:  make(map[string]*evidence.Record),
		known:    make(map[string]map[string]struct{}),
		presence: make(map[presenceKey]int),
	}
}

// EnsureNode registers id with an empty knowledge set. It is idempotent.
func (s *Store) EnsureNode(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureNodeLocked(id)
}

func (s *Store) ensureNodeLocked(id string) {
	if _, ok := s.known[id]; ok {
		return
	}
	s.known[id] = make(map[string]struct{})
	s.order = append(s.order, id)
}

// Ingest stores rec (first writer wins) and marks it known by receiver.
// It returns false when receiver already knew the hash.
//
// Presence is keyed by the record's origin node and window, so a node's
// self-ingestion of its own emission marks it present.
func (s *Store) Ingest(receiver string, rec *evidence.Record) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureNodeLocked(receiver)

	h := rec.Hash()
	if _, ok := s.records[h]; !ok {
		s.records[h] = rec
	}
	kset := s.known[receiver]
	if _, ok := kset[h]; ok {
		return false
	}
	kset[h] = struct{}{}

	key := presenceKey{nodeID: rec.NodeID(), windowID: rec.WindowID()}
	if last, ok := s.presence[key]; !ok || rec.TickID() > last {
		s.presence[key] = rec.TickID()
	}
	return true
}

// MissingHashes returns the hashes a knows and b does not, and vice versa.
// Both slices are sorted.
func (s *Store) MissingHashes(a, b string) (aNotB, bNotA []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureNodeLocked(a)
	s.ensureNodeLocked(b)
	return difference(s.known[a], s.known[b]), difference(s.known[b], s.known[a])
}

func difference(x, y map[string]struct{}) []string {
	out := make([]string, 0)
	for h := range x {
		if _, ok := y[h]; !ok {
			out = append(out, h)
		}
	}
	sort.Strings(out)
	return out
}

// Record returns the record stored under hash.
func (s *Store) Record(hash string) (*evidence.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[hash]
	return r, ok
}

// FetchRecords returns the stored records for hashes, in hash order.
// Unknown hashes are skipped.
func (s *Store) FetchRecords(hashes []string) []*evidence.Record {
	sorted := append([]string(nil), hashes...)
	sort.Strings(sorted)

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*evidence.Record, 0, len(sorted))
	for _, h := range sorted {
		if r, ok := s.records[h]; ok {
			out = append(out, r)
		}
	}
	return out
}

func sortRecords(recs []*evidence.Record) {
	sort.Slice(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if a.TickID() != b.TickID() {
			return a.TickID() < b.TickID()
		}
		if a.NodeID() != b.NodeID() {
			return a.NodeID() < b.NodeID()
		}
		return a.Hash() < b.Hash()
	})
}

func (s *Store) collect(keep func(*evidence.Record) bool) []*evidence.Record {
	s.mu.RLock()
	out := make([]*evidence.Record, 0, len(s.records))
	for _, r := range s.records {
		if keep == nil || keep(r) {
			out = append(out, r)
		}
	}
	s.mu.RUnlock()
	sortRecords(out)
	return out
}

// AllRecords returns every record ordered by (tick_id, node_id, hash).
func (s *Store) AllRecords() []*evidence.Record {
	return s.collect(nil)
}

// RecordsForWindow returns the records of window w in AllRecords order.
func (s *Store) RecordsForWindow(w int) []*evidence.Record {
	return s.collect(func(r *evidence.Record) bool { return r.WindowID() == w })
}

// RecordsByNode returns the records emitted by id in AllRecords order.
func (s *Store) RecordsByNode(id string) []*evidence.Record {
	return s.collect(func(r *evidence.Record) bool { return r.NodeID() == id })
}

// AbsentNodes lists registered nodes missing from window at tick. A node
// never seen in the window reports tick as its gap; a node last seen more
// than grace ticks ago reports the actual gap.
func (s *Store) AbsentNodes(window, tick, grace int) []Absence {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Absence, 0)
	for _, id := range s.order {
		last, ok := s.presence[presenceKey{nodeID: id, windowID: window}]
		switch {
		case !ok:
			out = append(out, Absence{NodeID: id, TicksSinceLast: tick})
		case tick-last > grace:
			out = append(out, Absence{NodeID: id, TicksSinceLast: tick - last})
		}
	}
	return out
}

// NodeHealthStats returns the condition reported by each node's latest record.
func (s *Store) NodeHealthStats() map[string]NodeHealth {
	out := make(map[string]NodeHealth)
	for _, id := range s.NodeIDs() {
		recs := s.RecordsByNode(id)
		if len(recs) == 0 {
			continue
		}
		latest := recs[len(recs)-1]
		cal := 0.5
		if latest.CalibrationStatus() == evidence.CalibrationNominal {
			cal = 1.0
		}
		out[id] = NodeHealth{
			SensorHealth:      latest.SensorHealth(),
			ClockDriftMS:      latest.ClockDriftMS(),
			PositionAccuracyM: latest.PositionAccuracyM(),
			CalibrationScore:  cal,
		}
	}
	return out
}

// NodeIDs returns registered nodes in registration order.
func (s *Store) NodeIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...)
}

// KnownCount returns the size of id's knowledge set.
func (s *Store) KnownCount(id string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.known[id])
}

// Knows reports whether id has received hash.
func (s *Store) Knows(id, hash string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.known[id][hash]
	return ok
}

// Len returns the number of distinct records stored.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// VerifyChains rehashes every stored record and checks every node's
// prev_hash chain. It returns chain breaks and the ids of records whose
// content no longer matches their hash.
func (s *Store) VerifyChains() (breaks []evidence.ChainBreak, corrupted []string) {
	all := s.AllRecords()
	for _, r := range all {
		if err := r.Verify(); err != nil {
			corrupted = append(corrupted, r.ID())
		}
	}
	return evidence.CheckChain(all), corrupted
}
