package history

import (
	"database/sql"

	"codeberg.org/mutker/ivctl/internal/errors"
	"codeberg.org/mutker/ivctl/internal/logger"
)

const (
	SchemaVersion = 1

	// SQL statements derived from schema
	createTablesSQL = `
	   CREATE TABLE IF NOT EXISTS schema_versions (
	       version     INTEGER PRIMARY KEY,
	       applied_at  TEXT NOT NULL
	   );
	   CREATE TABLE IF NOT EXISTS runs (
	       id            TEXT PRIMARY KEY,
	       started_at    INTEGER NOT NULL,
	       ended_at      INTEGER NOT NULL,
	       start_voltage REAL NOT NULL,
	       end_voltage   REAL NOT NULL,
	       repeats       INTEGER NOT NULL CHECK (repeats >= 1),
	       scan_rate     REAL NOT NULL,
	       outcome       TEXT NOT NULL,
	       completed     INTEGER NOT NULL,
	       error         TEXT NOT NULL DEFAULT ''
	   );
	   CREATE TABLE IF NOT EXISTS repetitions (
	       run_id      TEXT NOT NULL,
	       idx         INTEGER NOT NULL,
	       recorded_at INTEGER NOT NULL,
	       points      INTEGER NOT NULL,
	       path        TEXT NOT NULL DEFAULT '',
	       save_error  TEXT NOT NULL DEFAULT '',
	       isc         REAL NOT NULL,
	       voc         REAL NOT NULL,
	       pmax        REAL NOT NULL,
	       fill_factor REAL NOT NULL,
	       efficiency  REAL NOT NULL,
	       PRIMARY KEY (run_id, idx)
	   );
	   CREATE INDEX IF NOT EXISTS runs_started_at ON runs (started_at);`

	upsertRunSQL = `
    INSERT INTO runs (
        id, started_at, ended_at,
        start_voltage, end_voltage, repeats, scan_rate,
        outcome, completed, error
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    ON CONFLICT(id) DO UPDATE SET
        ended_at = excluded.ended_at,
        outcome = excluded.outcome,
        completed = excluded.completed,
        error = excluded.error`

	upsertRepetitionSQL = `
    INSERT INTO repetitions (
        run_id, idx, recorded_at, points, path, save_error,
        isc, voc, pmax, fill_factor, efficiency
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    ON CONFLICT(run_id, idx) DO UPDATE SET
        recorded_at = excluded.recorded_at,
        points = excluded.points,
        path = excluded.path,
        save_error = excluded.save_error,
        isc = excluded.isc,
        voc = excluded.voc,
        pmax = excluded.pmax,
        fill_factor = excluded.fill_factor,
        efficiency = excluded.efficiency`

	selectRunsSQL = `
    SELECT id, started_at, ended_at, start_voltage, end_voltage, repeats,
           scan_rate, outcome, completed, error
    FROM runs
    ORDER BY started_at DESC, id
    LIMIT ?`

	selectRepetitionsSQL = `
    SELECT run_id, idx, recorded_at, points, path, save_error,
           isc, voc, pmax, fill_factor, efficiency
    FROM repetitions
    WHERE run_id = ?
    ORDER BY idx`
)

// InitSchema creates a new database schema with the current version
func InitSchema(db *sql.DB, log logger.Logger) error {
	errFactory := errors.New()

	log.Debug().Msg("Creating database...")

	tx, err := db.Begin()
	if err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}

	// Track transaction state
	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil {
				// Only log if it's not the "already committed" error
				if !errors.Is(err, sql.ErrTxDone) {
					log.Debug().Err(err).Msg("Failed to rollback transaction")
				}
			}
		}
	}()

	if _, err := tx.Exec(createTablesSQL); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, struct {
			Error string
			SQL   string
		}{
			Error: err.Error(),
			SQL:   createTablesSQL,
		})
	}

	if _, err := tx.Exec(`
        INSERT INTO schema_versions (version, applied_at)
        VALUES (?, datetime('now'))
    `, SchemaVersion); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, struct {
			Error string
			Phase string
		}{
			Error: err.Error(),
			Phase: "record_version",
		})
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}
	committed = true

	log.Info().
		Int("version", SchemaVersion).
		Msg("Schema initialized successfully")

	return nil
}

// GetSchemaVersion returns the current schema version
func GetSchemaVersion(db *sql.DB) (int, error) {
	errFactory := errors.New()

	exists, err := TableExists(db, "schema_versions")
	if err != nil {
		return 0, errFactory.Wrap(ErrSchemaValidationFailed, err)
	}
	if !exists {
		return 0, nil
	}

	var version int
	err = db.QueryRow(`
        SELECT version
        FROM schema_versions
        ORDER BY version DESC
        LIMIT 1
    `).Scan(&version)

	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errFactory.WithData(ErrSchemaValidationFailed, struct {
			Phase string
			Error string
		}{
			Phase: "get_version",
			Error: err.Error(),
		})
	}

	return version, nil
}

// TableExists checks if a table exists
func TableExists(db *sql.DB, tableName string) (bool, error) {
	errFactory := errors.New()
	var exists bool
	err := db.QueryRow(`
        SELECT EXISTS (
            SELECT 1 FROM sqlite_master
            WHERE type='table' AND name=?
        )
    `, tableName).Scan(&exists)
	if err != nil {
		return false, errFactory.WithData(ErrSchemaValidationFailed, struct {
			Phase string
			Table string
			Error string
		}{
			Phase: "check_table_exists",
			Table: tableName,
			Error: err.Error(),
		})
	}
	return exists, nil
}
