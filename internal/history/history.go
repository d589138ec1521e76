// Package history keeps a sqlite ledger of sweep runs and their finalized
// repetitions. Writes are buffered and flushed in batches.
package history

import (
	"context"

	"codeberg.org/mutker/ivctl/internal/errors"
	"codeberg.org/mutker/ivctl/internal/logger"
)

type service struct {
	repo Repository
	cfg  Config
}

// No-op implementation
type noopRecorder struct{}

func NewService(cfg Config) (Recorder, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(ErrInvalidConfig, err)
	}

	// If the ledger is disabled, return a no-op recorder
	if !cfg.Enabled {
		logger.Debug().Msg("Run history disabled, using no-op recorder")
		return &noopRecorder{}, nil
	}

	repo, err := NewRepository(cfg, logger.With("history"))
	if err != nil {
		logger.Debug().Err(err).Msg("Failed to create history repository")
		return nil, err
	}

	logger.Debug().
		Str("db_path", cfg.DBPath).
		Bool("enabled", cfg.Enabled).
		Msg("History service initialized successfully")

	return &service{
		repo: repo,
		cfg:  cfg,
	}, nil
}

func (s *service) RecordRun(ctx context.Context, run *RunRecord) error {
	errFactory := errors.New()

	select {
	case <-ctx.Done():
		return errFactory.Wrap(ErrOperationTimeout, ctx.Err())
	default:
		return s.repo.StoreRun(run)
	}
}

func (s *service) RecordRepetition(ctx context.Context, rep *RepetitionRecord) error {
	errFactory := errors.New()

	select {
	case <-ctx.Done():
		return errFactory.Wrap(ErrOperationTimeout, ctx.Err())
	default:
		return s.repo.StoreRepetition(rep)
	}
}

// Recent flushes pending writes and returns the newest runs first
func (s *service) Recent(ctx context.Context, limit int) ([]RunRecord, error) {
	errFactory := errors.New()

	if err := ctx.Err(); err != nil {
		return nil, errFactory.Wrap(ErrOperationTimeout, err)
	}
	if err := s.repo.Flush(); err != nil {
		return nil, err
	}

	return s.repo.Runs(limit)
}

func (s *service) Repetitions(ctx context.Context, runID string) ([]RepetitionRecord, error) {
	errFactory := errors.New()

	if err := ctx.Err(); err != nil {
		return nil, errFactory.Wrap(ErrOperationTimeout, err)
	}
	if err := s.repo.Flush(); err != nil {
		return nil, err
	}

	return s.repo.Repetitions(runID)
}

func (s *service) Close() error {
	return s.repo.Close()
}

// No-op implementation
func (*noopRecorder) RecordRun(_ context.Context, _ *RunRecord) error {
	return nil
}

func (*noopRecorder) RecordRepetition(_ context.Context, _ *RepetitionRecord) error {
	return nil
}

func (*noopRecorder) Recent(_ context.Context, _ int) ([]RunRecord, error) {
	return nil, nil
}

func (*noopRecorder) Repetitions(_ context.Context, _ string) ([]RepetitionRecord, error) {
	return nil, nil
}

func (*noopRecorder) Close() error {
	return nil
}
