package history

import (
	"context"
	"time"

	"codeberg.org/mutker/ivctl/internal/measurement"
)

// Recorder is the run ledger used by the session
type Recorder interface {
	RecordRun(ctx context.Context, run *RunRecord) error
	RecordRepetition(ctx context.Context, rep *RepetitionRecord) error
	Recent(ctx context.Context, limit int) ([]RunRecord, error)
	Repetitions(ctx context.Context, runID string) ([]RepetitionRecord, error)
	Close() error
}

// Repository defines the interface for ledger storage
type Repository interface {
	StoreRun(run *RunRecord) error
	StoreRepetition(rep *RepetitionRecord) error
	Flush() error
	Runs(limit int) ([]RunRecord, error)
	Repetitions(runID string) ([]RepetitionRecord, error)
	Close() error
}

// RunRecord is one sweep set
type RunRecord struct {
	ID        string              `json:"id"`
	StartedAt time.Time           `json:"started_at"`
	EndedAt   time.Time           `json:"ended_at"`
	Request   measurement.Request `json:"request"`
	Outcome   string              `json:"outcome"`
	Completed int                 `json:"completed"`
	Error     string              `json:"error,omitempty"`
}

// RepetitionRecord is one finalized repetition and where it was saved
type RepetitionRecord struct {
	RunID      string    `json:"run_id"`
	Index      int       `json:"index"`
	RecordedAt time.Time `json:"recorded_at"`
	Points     int       `json:"points"`
	Path       string    `json:"path,omitempty"`
	SaveError  string    `json:"save_error,omitempty"`
	Isc        float64   `json:"isc"`
	Voc        float64   `json:"voc"`
	Pmax       float64   `json:"pmax"`
	FillFactor float64   `json:"fill_factor"`
	Efficiency float64   `json:"efficiency"`
}
