// Package aggregate buffers the executor's point stream, publishes periodic
// plot previews and turns each finalized repetition into one completed
// array.
package aggregate

import (
	"context"
	"time"

	"codeberg.org/mutker/ivctl/internal/events"
	"codeberg.org/mutker/ivctl/internal/logger"
	"codeberg.org/mutker/ivctl/internal/measurement"
	"codeberg.org/mutker/ivctl/internal/sweep"
)

const (
	DefaultInterval = 333 * time.Millisecond

	// inbox holds a couple of full ramps so the executor rarely waits
	inboxSize = 2 * sweep.RampPoints
)

type msgKind int

const (
	msgPoint msgKind = iota
	msgFinalize
	msgAbort
	msgNotify
)

type message struct {
	kind  msgKind
	point measurement.Point
	rep   measurement.Repetition
	runID string
	event events.Event
}

// Aggregator owns the working buffer. All buffer access happens on the Run
// goroutine; the Stream methods only enqueue.
type Aggregator struct {
	pub      events.Publisher
	interval time.Duration
	log      logger.Logger

	inbox   chan message
	stopped chan struct{}

	buffer measurement.Array
	ticker *time.Ticker
	tick   <-chan time.Time
}

func New(pub events.Publisher, interval time.Duration) *Aggregator {
	if interval <= 0 {
		interval = DefaultInterval
	}

	return &Aggregator{
		pub:      pub,
		interval: interval,
		log:      logger.With("aggregator"),
		inbox:    make(chan message, inboxSize),
		stopped:  make(chan struct{}),
		buffer:   make(measurement.Array, 0, sweep.RampPoints),
	}
}

// Run processes the inbox in arrival order until ctx is done
func (a *Aggregator) Run(ctx context.Context) {
	defer close(a.stopped)
	defer a.stopTimer()

	for {
		select {
		case <-ctx.Done():
			return
		case m := <-a.inbox:
			a.handle(m)
		case <-a.tick:
			a.onTick()
		}
	}
}

func (a *Aggregator) Point(p measurement.Point) {
	a.send(message{kind: msgPoint, point: p})
}

func (a *Aggregator) Finalize(rep measurement.Repetition) {
	a.send(message{kind: msgFinalize, rep: rep})
}

func (a *Aggregator) Abort(runID string) {
	a.send(message{kind: msgAbort, runID: runID})
}

// Notify forwards e to the publisher behind everything already queued
func (a *Aggregator) Notify(e events.Event) {
	a.send(message{kind: msgNotify, event: e})
}

func (a *Aggregator) send(m message) {
	select {
	case a.inbox <- m:
	case <-a.stopped:
	}
}

func (a *Aggregator) handle(m message) {
	switch m.kind {
	case msgPoint:
		a.onPoint(m.point)
	case msgFinalize:
		a.onFinalize(m.rep)
	case msgAbort:
		a.onAbort(m.runID)
	case msgNotify:
		a.pub.Publish(m.event)
	}
}

func (a *Aggregator) onPoint(p measurement.Point) {
	a.buffer = append(a.buffer, p)

	if a.ticker == nil {
		a.ticker = time.NewTicker(a.interval)
		a.tick = a.ticker.C
	}
}

// onTick publishes a preview without clearing. A tick that lands after a
// clear finds the buffer empty and does nothing.
func (a *Aggregator) onTick() {
	if len(a.buffer) == 0 {
		return
	}

	a.pub.Publish(events.Event{Kind: events.PlotUpdate, Array: a.buffer.Clone()})
}

func (a *Aggregator) onFinalize(rep measurement.Repetition) {
	a.stopTimer()

	if len(a.buffer) == 0 {
		a.log.Warn().Str("run_id", rep.RunID).Int("repetition", rep.Index).Msg("Finalize with empty buffer, no array produced")
		return
	}

	completed := a.buffer.Clone()
	a.buffer = a.buffer[:0]

	req := rep.Request
	save := rep.Save
	a.pub.Publish(events.Event{
		Kind:        events.PlotUpdate,
		RunID:       rep.RunID,
		Repetition:  rep.Index,
		Repetitions: rep.Of,
		Array:       completed.Clone(),
	})
	a.pub.Publish(events.Event{
		Kind:        events.RepetitionFinalize,
		RunID:       rep.RunID,
		Repetition:  rep.Index,
		Repetitions: rep.Of,
		Request:     &req,
		Save:        &save,
		Array:       completed,
	})

	a.log.Debug().Str("run_id", rep.RunID).Int("repetition", rep.Index).Int("points", len(completed)).Msg("Repetition finalized")
	a.pub.Publish(events.Console("Sweep Data Finalised"))
	a.pub.Publish(events.Status("Sweep Data Finalised"))
}

func (a *Aggregator) onAbort(runID string) {
	a.stopTimer()

	dropped := len(a.buffer)
	a.buffer = a.buffer[:0]

	a.log.Debug().Str("run_id", runID).Int("dropped", dropped).Msg("Working buffer cleared on abort")
	a.pub.Publish(events.Console("Measurement Aborted Successfully"))
	a.pub.Publish(events.Status("Measurement Aborted. Ready to measure."))
}

func (a *Aggregator) stopTimer() {
	if a.ticker == nil {
		return
	}
	a.ticker.Stop()
	a.ticker = nil
	a.tick = nil
}

var _ sweep.Stream = (*Aggregator)(nil)
