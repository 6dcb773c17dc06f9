package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"

	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/evidence"
	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/sim"
)

// BadgerConfig configures a BadgerArchive.
type BadgerConfig struct {
	// Path is ignored when InMemory is set.
	Path       string
	InMemory   bool
	SyncWrites bool
	Logger     *slog.Logger
}

// badgerLogger adapts slog to badger's logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// BadgerArchive keeps records by hash and tick summaries by run in an
// embedded key-value store.
//
// Keys:
//
//	rec/<hash>                  record JSON
//	run/<run_id>                RunInfo JSON
//	tick/<run_id>/<tick:08d>    TickRow JSON
type BadgerArchive struct {
	db *badger.DB
}

// OpenBadger opens or creates a Badger database.
func OpenBadger(cfg BadgerConfig) (*BadgerArchive, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("archive: badger path is required for a persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("archive: create %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("archive: open badger: %w", err)
	}
	return &BadgerArchive{db: db}, nil
}

func recordKey(hash string) []byte { return []byte("rec/" + hash) }
func runKey(runID string) []byte { return []byte("run/" + runID) }
func tickPrefix(runID string) []byte {
	return []byte("tick/" + runID + "/")
}
func tickKey(runID string, tick int) []byte {
	return []byte(fmt.Sprintf("tick/%s/%08d", runID, tick))
}

// RecordRun registers a run.
func (a *BadgerArchive) RecordRun(_ context.Context, info RunInfo) error {
	body, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("archive: encode run: %w", err)
	}
	return a.db.Update(func(txn *badger.Txn) error {
		return txn.Set(runKey(info.RunID), body)
	})
}

// ObserveTick stores the tick's records and summary in one transaction.
// Records already present are left untouched.
func (a *BadgerArchive) ObserveTick(_ context.Context, res *sim.TickResult) error {
	tick, err := json.Marshal(tickRowOf(res))
	if err != nil {
		return fmt.Errorf("archive: encode tick: %w", err)
	}
	return a.db.Update(func(txn *badger.Txn) error {
		for _, em := range res.Emitted {
			key := recordKey(em.Record.Hash())
			if _, err := txn.Get(key); err == nil {
				continue
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("archive: lookup %s: %w", em.Record.ID(), err)
			}
			body, err := em.Record.MarshalJSON()
			if err != nil {
				return fmt.Errorf("archive: encode record %s: %w", em.Record.ID(), err)
			}
			if err := txn.Set(key, body); err != nil {
				return fmt.Errorf("archive: put record %s: %w", em.Record.ID(), err)
			}
		}
		return txn.Set(tickKey(res.RunID, res.Tick), tick)
	})
}

// Record returns the archived record with the given hash.
func (a *BadgerArchive) Record(_ context.Context, hash string) (*evidence.Record, error) {
	var body []byte
	err := a.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(hash))
		if err != nil {
			return err
		}
		body, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: record %s", ErrNotFound, hash)
	}
	if err != nil {
		return nil, fmt.Errorf("archive: get record: %w", err)
	}
	return evidence.Decode(body)
}

// Run returns the registered run.
func (a *BadgerArchive) Run(_ context.Context, runID string) (RunInfo, error) {
	var info RunInfo
	err := a.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(runKey(runID))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error { return json.Unmarshal(v, &info) })
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return RunInfo{}, fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	if err != nil {
		return RunInfo{}, fmt.Errorf("archive: get run: %w", err)
	}
	return info, nil
}

// Ticks returns the tick summaries of a run in order.
func (a *BadgerArchive) Ticks(_ context.Context, runID string) ([]TickRow, error) {
	var out []TickRow
	err := a.db.View(func(txn *badger.Txn) error {
		prefix := tickPrefix(runID)
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: 100})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var row TickRow
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &row) }); err != nil {
				return err
			}
			out = append(out, row)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("archive: scan ticks: %w", err)
	}
	return out, nil
}

// Close flushes and closes the database.
func (a *BadgerArchive) Close() error { return a.db.Close() }
