package archive

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/replay"
	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/sim"
	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/supervisor"
)

// runArchived runs the default scenario with rec attached.
func runArchived(t *testing.T, rec Recorder, steps int) *sim.Simulation {
	t.Helper()
	return runArchivedConfig(t, rec, sim.DefaultConfig(), steps)
}

func runArchivedConfig(t *testing.T, rec Recorder, cfg sim.Config, steps int) *sim.Simulation {
	t.Helper()
	ctx := context.Background()
	s, err := sim.New(cfg, sim.WithObserver(rec))
	require.NoError(t, err)
	info, err := RunInfoOf(s)
	require.NoError(t, err)
	require.NoError(t, rec.RecordRun(ctx, info))
	_, err = s.Run(ctx, steps)
	require.NoError(t, err)
	return s
}

func TestSQLArchive_SQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	a, err := OpenSQL(ctx, "file::memory:")
	require.NoError(t, err)
	defer a.Close()

	s := runArchived(t, a, 6)

	info, err := a.Run(ctx, s.RunID())
	require.NoError(t, err)
	assert.Equal(t, int64(1337), info.Seed)
	require.NoError(t, a.RecordRun(ctx, info), "re-registering is a no-op")

	records, err := a.Records(ctx, s.RunID())
	require.NoError(t, err)
	assert.Len(t, records, 30)
	assert.True(t, replay.VerifyChain(records).ValidChain)

	n, err := a.EventCount(ctx, s.RunID())
	require.NoError(t, err)
	assert.Equal(t, s.Log().Len(), n)

	ticks, err := a.Ticks(ctx, s.RunID())
	require.NoError(t, err)
	require.Len(t, ticks, 6)
	assert.Equal(t, 6, ticks[5].Tick)
	assert.Equal(t, 1, ticks[5].Window)
	assert.Equal(t, 30, ticks[5].Total)

	_, err = a.Run(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSQLArchive_RunsWithIdenticalRecordsKeepTheirOwnRows(t *testing.T) {
	ctx := context.Background()
	a, err := OpenSQL(ctx, "file::memory:")
	require.NoError(t, err)
	defer a.Close()

	first := runArchived(t, a, 5)

	rules := supervisor.DefaultRules()
	rules.KOfN = 3
	cfg := sim.DefaultConfig()
	cfg.Rules = &rules
	second := runArchivedConfig(t, a, cfg, 5)
	require.NotEqual(t, first.RunID(), second.RunID())

	for _, s := range []*sim.Simulation{first, second} {
		records, err := a.Records(ctx, s.RunID())
		require.NoError(t, err)
		assert.Len(t, records, 25, "run %s", s.RunID())
		assert.True(t, replay.VerifyChain(records).ValidChain)
	}

	r1, err := a.Records(ctx, first.RunID())
	require.NoError(t, err)
	r2, err := a.Records(ctx, second.RunID())
	require.NoError(t, err)
	assert.Equal(t, r1[0].Hash(), r2[0].Hash(), "rules do not change emitted records")
}

func TestSQLArchive_ReplayIntoExistingArchive(t *testing.T) {
	ctx := context.Background()
	a, err := OpenSQL(ctx, "file::memory:")
	require.NoError(t, err)
	defer a.Close()

	first := runArchived(t, a, 4)
	second := runArchived(t, a, 4)
	require.Equal(t, first.RunID(), second.RunID())

	records, err := a.Records(ctx, first.RunID())
	require.NoError(t, err)
	assert.Len(t, records, 20)

	n, err := a.EventCount(ctx, first.RunID())
	require.NoError(t, err)
	assert.Equal(t, first.Log().Len(), n)

	ticks, err := a.Ticks(ctx, first.RunID())
	require.NoError(t, err)
	assert.Len(t, ticks, 4)
}

func TestDialectFor(t *testing.T) {
	assert.Equal(t, DialectPostgres, DialectFor("postgres://u@localhost/odyssey"))
	assert.Equal(t, DialectPostgres, DialectFor("postgresql://u@localhost/odyssey"))
	assert.Equal(t, DialectSQLite, DialectFor("file:odyssey.db"))
}

func TestRebind(t *testing.T) {
	pg := &SQLArchive{dialect: DialectPostgres}
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y = $2", pg.rebind("SELECT a FROM t WHERE x = ? AND y = ?"))
	lite := &SQLArchive{dialect: DialectSQLite}
	assert.Equal(t, "x = ?", lite.rebind("x = ?"))
}

func expectMigrate(mock sqlmock.Sqlmock) {
	for _, table := range []string{"runs", "evidence", "events", "ticks"} {
		mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS " + table)).
			WillReturnResult(sqlmock.NewResult(0, 0))
	}
}

func TestSQLArchive_PostgresRecordRun(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	expectMigrate(mock)
	a, err := NewSQLArchive(context.Background(), db, DialectPostgres)
	require.NoError(t, err)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO runs (run_id, seed, window_size, rules_hash) VALUES ($1, $2, $3, $4)")).
		WithArgs("run-1", int64(7), 5, "abc").
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, a.RecordRun(context.Background(), RunInfo{RunID: "run-1", Seed: 7, WindowSize: 5, RulesHash: "abc"}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLArchive_MigrateFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS runs").WillReturnError(errors.New("permission denied"))
	_, err = NewSQLArchive(context.Background(), db, DialectPostgres)
	require.ErrorContains(t, err, "migrate")
}

func TestSQLArchive_TickRollsBackOnInsertError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	expectMigrate(mock)
	a, err := NewSQLArchive(context.Background(), db, DialectPostgres)
	require.NoError(t, err)

	s, err := sim.New(sim.DefaultConfig())
	require.NoError(t, err)
	res, err := s.Step(context.Background())
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO evidence")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO evidence")).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err = a.ObserveTick(context.Background(), res)
	require.ErrorContains(t, err, "disk full")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLArchive_ObserverErrorSurfacesFromStep(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	expectMigrate(mock)
	a, err := NewSQLArchive(context.Background(), db, DialectPostgres)
	require.NoError(t, err)
	mock.ExpectBegin().WillReturnError(errors.New("connection refused"))

	s, err := sim.New(sim.DefaultConfig(), sim.WithObserver(a))
	require.NoError(t, err)
	_, err = s.Step(context.Background())
	require.ErrorContains(t, err, "connection refused")
	assert.Equal(t, 1, s.Tick())
}

func TestBadgerArchive_InMemory(t *testing.T) {
	ctx := context.Background()
	a, err := OpenBadger(BadgerConfig{InMemory: true})
	require.NoError(t, err)
	defer a.Close()

	s := runArchived(t, a, 4)

	info, err := a.Run(ctx, s.RunID())
	require.NoError(t, err)
	assert.Equal(t, s.WindowSize(), info.WindowSize)

	for _, r := range s.Store().AllRecords() {
		got, err := a.Record(ctx, r.Hash())
		require.NoError(t, err)
		assert.Equal(t, r.ID(), got.ID())
	}

	ticks, err := a.Ticks(ctx, s.RunID())
	require.NoError(t, err)
	require.Len(t, ticks, 4)
	for i, row := range ticks {
		assert.Equal(t, i+1, row.Tick)
	}

	_, err = a.Record(ctx, "0000")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestOpenBadger_RequiresPath(t *testing.T) {
	_, err := OpenBadger(BadgerConfig{})
	require.Error(t, err)
}
