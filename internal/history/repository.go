package history

import (
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	"codeberg.org/mutker/ivctl/internal/errors"
	"codeberg.org/mutker/ivctl/internal/logger"
	"codeberg.org/mutker/ivctl/internal/measurement"
	_ "github.com/mattn/go-sqlite3"
)

// entry is one buffered write; exactly one field is set
type entry struct {
	run *RunRecord
	rep *RepetitionRecord
}

type repository struct {
	db            *sql.DB
	logger        logger.Logger
	cfg           Config
	mu            sync.Mutex
	buffer        []entry
	flushTicker   *time.Ticker
	shutdownChan  chan struct{}
	flushDoneChan chan struct{}
	closeOnce     sync.Once
}

func NewRepository(cfg Config, log logger.Logger) (Repository, error) {
	errFactory := errors.New()

	if cfg.DBPath == "" {
		return nil, errFactory.New(ErrInvalidDBPath)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), defaultDirPerm); err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Path  string
			Error string
		}{
			Phase: "create_directory",
			Path:  cfg.DBPath,
			Error: err.Error(),
		})
	}

	// WAL keeps readers of the ledger from blocking the session's writes
	dsn := cfg.DBPath + "?_journal=WAL&_auto_vacuum=2&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "open_database",
			Error: err.Error(),
		})
	}

	if err := ValidateAndUpdateSchema(db, cfg.DBPath, log); err != nil {
		db.Close()
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "schema_version",
			Error: err.Error(),
		})
	}

	log.Info().
		Str("path", cfg.DBPath).
		Int("schema_version", SchemaVersion).
		Int("batch_size", cfg.BatchSize).
		Dur("batch_timeout", cfg.BatchTimeout).
		Msg("History repository initialized")

	repo := &repository{
		db:            db,
		logger:        log,
		cfg:           cfg,
		buffer:        make([]entry, 0, cfg.BatchSize),
		shutdownChan:  make(chan struct{}),
		flushDoneChan: make(chan struct{}),
	}

	// Start background goroutine for periodic flushing if batching is enabled
	if cfg.BatchSize > 1 && cfg.BatchTimeout > 0 {
		repo.flushTicker = time.NewTicker(cfg.BatchTimeout)
		go repo.flusher()
	} else {
		close(repo.flushDoneChan)
	}

	return repo, nil
}

func (r *repository) StoreRun(run *RunRecord) error {
	if run == nil || run.ID == "" {
		return errors.New().New(ErrInvalidRecord)
	}
	return r.add(entry{run: run})
}

func (r *repository) StoreRepetition(rep *RepetitionRecord) error {
	if rep == nil || rep.RunID == "" {
		return errors.New().New(ErrInvalidRecord)
	}
	return r.add(entry{rep: rep})
}

func (r *repository) add(e entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buffer = append(r.buffer, e)

	if len(r.buffer) >= r.cfg.BatchSize {
		return r.flush()
	}

	return nil
}

func (r *repository) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.flush()
}

func (r *repository) Runs(limit int) ([]RunRecord, error) {
	errFactory := errors.New()

	rows, err := r.db.Query(selectRunsSQL, limit)
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var (
			run            RunRecord
			started, ended int64
			req            measurement.Request
		)
		if err := rows.Scan(&run.ID, &started, &ended, &req.StartVoltage, &req.EndVoltage,
			&req.Repeats, &req.ScanRate, &run.Outcome, &run.Completed, &run.Error); err != nil {
			return nil, errFactory.Wrap(ErrStorageAccess, err)
		}
		run.StartedAt = time.UnixMilli(started).UTC()
		run.EndedAt = time.UnixMilli(ended).UTC()
		run.Request = req
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}

	return out, nil
}

func (r *repository) Repetitions(runID string) ([]RepetitionRecord, error) {
	errFactory := errors.New()

	rows, err := r.db.Query(selectRepetitionsSQL, runID)
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}
	defer rows.Close()

	var out []RepetitionRecord
	for rows.Next() {
		var (
			rep      RepetitionRecord
			recorded int64
		)
		if err := rows.Scan(&rep.RunID, &rep.Index, &recorded, &rep.Points, &rep.Path, &rep.SaveError,
			&rep.Isc, &rep.Voc, &rep.Pmax, &rep.FillFactor, &rep.Efficiency); err != nil {
			return nil, errFactory.Wrap(ErrStorageAccess, err)
		}
		rep.RecordedAt = time.UnixMilli(recorded).UTC()
		out = append(out, rep)
	}
	if err := rows.Err(); err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}

	return out, nil
}

func (r *repository) Close() error {
	var err error
	r.closeOnce.Do(func() { err = r.close() })
	return err
}

func (r *repository) close() error {
	// Signal the flusher goroutine to stop and wait for its final flush
	close(r.shutdownChan)
	if r.flushTicker != nil {
		r.flushTicker.Stop()
	}
	<-r.flushDoneChan

	if err := r.Flush(); err != nil {
		r.logger.Error().Err(err).Msg("Failed to flush history on close")
	}

	// Checkpoint WAL and cleanup on close
	if _, err := r.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return errors.New().WithData(ErrStorageClose, struct {
			Phase string
			Error string
		}{
			Phase: "checkpoint_wal",
			Error: err.Error(),
		})
	}

	if err := r.db.Close(); err != nil {
		return errors.New().WithData(ErrStorageClose, struct {
			Phase string
			Error string
		}{
			Phase: "close_database",
			Error: err.Error(),
		})
	}

	r.logger.Info().Msg("History repository closed gracefully")

	return nil
}

func (r *repository) flusher() {
	defer close(r.flushDoneChan)

	for {
		select {
		case <-r.flushTicker.C:
			if err := r.Flush(); err != nil {
				r.logger.Error().Err(err).Msg("Periodic history flush failed")
			}
		case <-r.shutdownChan:
			return
		}
	}
}

func (r *repository) flush() error {
	if len(r.buffer) == 0 {
		return nil
	}

	errFactory := errors.New()

	tx, err := r.db.Begin()
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to begin transaction")
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	rollback := func() {
		if err := tx.Rollback(); err != nil {
			r.logger.Error().Err(err).Msg("Failed to roll back transaction")
		}
	}

	runStmt, err := tx.Prepare(upsertRunSQL)
	if err != nil {
		rollback()
		return errFactory.Wrap(ErrTransactionFailed, err)
	}
	defer runStmt.Close()

	repStmt, err := tx.Prepare(upsertRepetitionSQL)
	if err != nil {
		rollback()
		return errFactory.Wrap(ErrTransactionFailed, err)
	}
	defer repStmt.Close()

	for _, e := range r.buffer {
		var err error
		switch {
		case e.run != nil:
			run := e.run
			_, err = runStmt.Exec(
				run.ID,
				run.StartedAt.UnixMilli(),
				run.EndedAt.UnixMilli(),
				run.Request.StartVoltage,
				run.Request.EndVoltage,
				run.Request.Repeats,
				run.Request.ScanRate,
				run.Outcome,
				run.Completed,
				run.Error,
			)
		case e.rep != nil:
			rep := e.rep
			_, err = repStmt.Exec(
				rep.RunID,
				rep.Index,
				rep.RecordedAt.UnixMilli(),
				rep.Points,
				rep.Path,
				rep.SaveError,
				rep.Isc,
				rep.Voc,
				rep.Pmax,
				rep.FillFactor,
				rep.Efficiency,
			)
		}
		if err != nil {
			r.logger.Error().Err(err).Msg("Failed to execute insert")
			rollback()
			return errFactory.Wrap(ErrTransactionFailed, err)
		}
	}

	if err := tx.Commit(); err != nil {
		r.logger.Error().Err(err).Msg("Failed to commit transaction")
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	r.logger.Debug().Int("records", len(r.buffer)).Msg("Flushed history to database")
	r.buffer = r.buffer[:0]

	return nil
}
