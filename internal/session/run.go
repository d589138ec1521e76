package session

import (
	"context"
	"sync"
	"time"

	"codeberg.org/mutker/ivctl/internal/events"
	"codeberg.org/mutker/ivctl/internal/measurement"
)

// Run tracks one admitted sweep set until its terminal event has been
// handled and all of its saves have finished
type Run struct {
	ID      string
	Request measurement.Request

	mu       sync.Mutex
	started  time.Time
	terminal events.Event
	saves    sync.WaitGroup
	done     chan struct{}
}

func newRun(id string, req measurement.Request) *Run {
	return &Run{
		ID:      id,
		Request: req,
		started: time.Now(),
		done:    make(chan struct{}),
	}
}

func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Result is the terminal event, SweepSetFinished or Aborted. It is only
// meaningful after Done is closed.
func (r *Run) Result() events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.terminal
}

func (r *Run) Wait(ctx context.Context) (events.Event, error) {
	select {
	case <-r.done:
		return r.Result(), nil
	case <-ctx.Done():
		return events.Event{}, ctx.Err()
	}
}

func (r *Run) markStarted(t time.Time) {
	r.mu.Lock()
	r.started = t
	r.mu.Unlock()
}

func (r *Run) finish(e events.Event) {
	r.mu.Lock()
	r.terminal = e
	r.mu.Unlock()
	close(r.done)
}
