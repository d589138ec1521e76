package history

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"codeberg.org/mutker/ivctl/internal/errors"
	"codeberg.org/mutker/ivctl/internal/logger"
	"codeberg.org/mutker/ivctl/internal/measurement"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		DBPath:       filepath.Join(t.TempDir(), "history.db"),
		BatchSize:    8,
		BatchTimeout: time.Hour,
		Enabled:      true,
	}
}

func sampleRun(id string, started time.Time) *RunRecord {
	return &RunRecord{
		ID:        id,
		StartedAt: started,
		EndedAt:   started.Add(30 * time.Second),
		Request:   measurement.Request{StartVoltage: 1, EndVoltage: -0.1, Repeats: 2, ScanRate: 10},
		Outcome:   "finished",
		Completed: 2,
	}
}

func TestDisabledIsNoop(t *testing.T) {
	rec, err := NewService(DefaultConfig())
	require.NoError(t, err)
	assert.IsType(t, &noopRecorder{}, rec)

	require.NoError(t, rec.RecordRun(context.Background(), sampleRun("a", time.Now())))
	runs, err := rec.Recent(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, runs)
	require.NoError(t, rec.Close())
}

func TestValidate(t *testing.T) {
	err := Config{Enabled: true}.Validate()
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, ErrInvalidDBPath))

	assert.Error(t, Config{BatchSize: -1}.Validate())
	assert.NoError(t, DefaultConfig().Validate())
}

func TestRecordAndQuery(t *testing.T) {
	cfg := testConfig(t)
	rec, err := NewService(cfg)
	require.NoError(t, err)

	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, rec.RecordRun(ctx, sampleRun("older", base)))
	newer := sampleRun("newer", base.Add(time.Minute))
	newer.Outcome = "aborted"
	newer.Completed = 1
	newer.Error = "instrument failure"
	require.NoError(t, rec.RecordRun(ctx, newer))

	require.NoError(t, rec.RecordRepetition(ctx, &RepetitionRecord{
		RunID: "newer", Index: 1, RecordedAt: base, Points: 250,
		Path: "/data/cell_1.csv", Isc: 0.2, Voc: 1.01, Pmax: 0.17, FillFactor: 0.84, Efficiency: 17,
	}))

	runs, err := rec.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "newer", runs[0].ID)
	assert.Equal(t, "aborted", runs[0].Outcome)
	assert.Equal(t, "instrument failure", runs[0].Error)
	assert.Equal(t, base.Add(time.Minute), runs[0].StartedAt)
	assert.Equal(t, newer.Request, runs[0].Request)
	assert.Equal(t, "older", runs[1].ID)

	reps, err := rec.Repetitions(ctx, "newer")
	require.NoError(t, err)
	require.Len(t, reps, 1)
	assert.Equal(t, 250, reps[0].Points)
	assert.Equal(t, "/data/cell_1.csv", reps[0].Path)
	assert.InDelta(t, 0.84, reps[0].FillFactor, 1e-12)

	require.NoError(t, rec.Close())
	require.NoError(t, rec.Close())
}

func TestRunUpsert(t *testing.T) {
	rec, err := NewService(testConfig(t))
	require.NoError(t, err)
	defer rec.Close()

	ctx := context.Background()
	run := sampleRun("r1", time.Now().UTC())
	require.NoError(t, rec.RecordRun(ctx, run))

	updated := *run
	updated.Outcome = "aborted"
	updated.Completed = 0
	require.NoError(t, rec.RecordRun(ctx, &updated))

	runs, err := rec.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "aborted", runs[0].Outcome)
}

func TestCloseFlushesBuffer(t *testing.T) {
	cfg := testConfig(t)
	rec, err := NewService(cfg)
	require.NoError(t, err)

	require.NoError(t, rec.RecordRun(context.Background(), sampleRun("pending", time.Now())))
	require.NoError(t, rec.Close())

	reopened, err := NewService(cfg)
	require.NoError(t, err)
	defer reopened.Close()

	runs, err := reopened.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "pending", runs[0].ID)
}

func TestInvalidRecord(t *testing.T) {
	rec, err := NewService(testConfig(t))
	require.NoError(t, err)
	defer rec.Close()

	err = rec.RecordRun(context.Background(), &RunRecord{})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, ErrInvalidRecord))
}

func TestCanceledContext(t *testing.T) {
	rec, err := NewService(testConfig(t))
	require.NoError(t, err)
	defer rec.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = rec.RecordRun(ctx, sampleRun("x", time.Now()))
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, ErrOperationTimeout))
}

func TestSchemaMismatchBacksUp(t *testing.T) {
	cfg := testConfig(t)

	db, err := sql.Open("sqlite3", cfg.DBPath)
	require.NoError(t, err)
	_, err = db.Exec(`
		CREATE TABLE schema_versions (version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL);
		INSERT INTO schema_versions VALUES (99, datetime('now'));
		CREATE TABLE runs (id TEXT);`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	repo, err := NewRepository(cfg, logger.With("history"))
	require.NoError(t, err)
	defer repo.Close()

	backups, err := os.ReadDir(filepath.Join(filepath.Dir(cfg.DBPath), backupDirName))
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.Contains(t, backups[0].Name(), "history_v99_")

	repo2 := repo.(*repository)
	version, err := GetSchemaVersion(repo2.db)
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, version)
}
