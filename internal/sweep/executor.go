// Package sweep runs I-V sweep sets against the instrument. Admission is a
// non-blocking Lock; the Executor performs the ramp on its own goroutine and
// streams points, in order, to the aggregator.
package sweep

import (
	"fmt"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/ivctl/internal/errors"
	"codeberg.org/mutker/ivctl/internal/events"
	"codeberg.org/mutker/ivctl/internal/instrument"
	"codeberg.org/mutker/ivctl/internal/logger"
	"codeberg.org/mutker/ivctl/internal/measurement"
	"codeberg.org/mutker/ivctl/internal/telemetry"
)

// Stream is the ordered channel from the executor to the aggregator. Every
// executor notification travels through it so that a repetition's points
// always precede its finalize, and the finalize precedes the terminal event.
type Stream interface {
	Point(p measurement.Point)
	Finalize(rep measurement.Repetition)
	Abort(runID string)
	Notify(e events.Event)
}

// Job is an admitted sweep set
type Job struct {
	RunID   string
	Request measurement.Request
	Save    measurement.SaveSettings
}

// Result summarises a finished run. Aborted is set whenever fewer than the
// requested repetitions were finalized, including instrument failures.
type Result struct {
	RunID     string
	Completed int
	Aborted   bool
	Err       error
}

type Executor struct {
	driver  instrument.Driver
	stream  Stream
	bus     events.Publisher
	metrics telemetry.Collector
	log     logger.Logger

	// state doubles as the consent flag: a sweep set keeps measuring only
	// while it reads Running
	state atomic.Int32
}

func NewExecutor(driver instrument.Driver, stream Stream, bus events.Publisher, metrics telemetry.Collector) *Executor {
	if metrics == nil {
		metrics = telemetry.Noop()
	}

	return &Executor{
		driver:  driver,
		stream:  stream,
		bus:     bus,
		metrics: metrics,
		log:     logger.With("executor"),
	}
}

func (e *Executor) State() measurement.State {
	return measurement.State(e.state.Load())
}

// Arm moves an idle executor to Running. Callers arm right after taking the
// lease so that an abort issued during the rest of admission is not lost.
// It reports false when the executor was not idle.
func (e *Executor) Arm() bool {
	return e.state.CompareAndSwap(int32(measurement.Idle), int32(measurement.Running))
}

// Disarm returns an armed executor to Idle when admission fails after Arm
func (e *Executor) Disarm() {
	e.state.Store(int32(measurement.Idle))
}

// Start marks the executor running before returning, then performs the
// sweep set on a new goroutine. The lease is ended on every exit path.
func (e *Executor) Start(lease *Lease, job Job) <-chan Result {
	e.Arm()

	done := make(chan Result, 1)
	go func() {
		done <- e.run(lease, job)
	}()

	return done
}

// Run performs the sweep set on the calling goroutine
func (e *Executor) Run(lease *Lease, job Job) Result {
	e.Arm()
	return e.run(lease, job)
}

// Abort withdraws consent for the running sweep set. It never blocks and
// reports whether a running sweep set was signalled.
func (e *Executor) Abort() bool {
	if !e.state.CompareAndSwap(int32(measurement.Running), int32(measurement.Aborting)) {
		return false
	}

	e.log.Info().Msg("Sweep abort requested")
	e.bus.Publish(events.Console("Sweep Abort Command Registered"))
	e.bus.Publish(events.Status("Aborting Measurement..."))

	return true
}

func (e *Executor) consented() bool {
	return e.state.Load() == int32(measurement.Running)
}

func (e *Executor) run(lease *Lease, job Job) Result {
	defer lease.End()

	req := job.Request
	started := time.Now()
	res := Result{RunID: job.RunID}

	e.metrics.SweepStarted()
	e.log.Info().
		Str("run_id", job.RunID).
		Float64("start_voltage", req.StartVoltage).
		Float64("end_voltage", req.EndVoltage).
		Int("repeats", req.Repeats).
		Msg("Sweep set started")
	e.stream.Notify(events.Event{
		Kind:        events.SweepStarted,
		RunID:       job.RunID,
		Repetitions: req.Repeats,
		Request:     &req,
	})

	for r := 1; r <= req.Repeats; r++ {
		if !e.consented() {
			break
		}

		e.announce(fmt.Sprintf("Measuring Sweep (%d of %d)", r, req.Repeats))

		measured, err := e.measureRamp(req)
		if err != nil {
			res.Err = errors.New().Wrap(errors.ErrInstrumentFailure, err)
			break
		}
		if measured < RampPoints || !e.consented() {
			break
		}

		e.stream.Finalize(measurement.Repetition{
			RunID:   job.RunID,
			Index:   r,
			Of:      req.Repeats,
			Request: req,
			Save:    job.Save,
		})
		e.metrics.RepetitionCompleted()
		res.Completed = r

		e.announce(fmt.Sprintf("Sweep Finished (%d of %d)", r, req.Repeats))
	}

	if sb, ok := e.driver.(instrument.Standby); ok {
		if err := sb.Standby(); err != nil {
			e.log.Warn().Err(err).Str("run_id", job.RunID).Msg("Failed to put instrument in standby")
		}
	}

	res.Aborted = res.Completed < req.Repeats
	outcome := telemetry.OutcomeFinished
	if res.Aborted {
		outcome = telemetry.OutcomeAborted
		e.stream.Abort(job.RunID)
	}
	if res.Err != nil {
		outcome = telemetry.OutcomeFailed
		e.log.Error().Err(res.Err).Str("run_id", job.RunID).Int("completed", res.Completed).Msg("Sweep set failed")
		e.stream.Notify(events.Console("Measurement Failed: " + res.Err.Error()))
	}

	e.state.Store(int32(measurement.Idle))
	lease.End()
	e.metrics.SweepEnded(outcome, time.Since(started))

	e.log.Info().
		Str("run_id", job.RunID).
		Str("outcome", outcome).
		Int("completed", res.Completed).
		Dur("elapsed", time.Since(started)).
		Msg("Sweep set ended")

	terminal := events.Event{
		Kind:        events.SweepSetFinished,
		RunID:       job.RunID,
		Repetition:  res.Completed,
		Repetitions: req.Repeats,
	}
	if res.Aborted {
		terminal.Kind = events.Aborted
		terminal.Err = res.Err
	}
	e.stream.Notify(terminal)

	return res
}

// measureRamp returns the number of points measured before the ramp ended,
// consent was withdrawn, or the instrument failed
func (e *Executor) measureRamp(req measurement.Request) (int, error) {
	targets := Ramp(req.StartVoltage, req.EndVoltage, RampPoints)

	for i, target := range targets {
		if !e.consented() {
			return i, nil
		}

		began := time.Now()
		voltage, current, err := e.driver.MeasurePoint(target)
		if err != nil {
			return i, err
		}
		e.metrics.PointMeasured(time.Since(began))

		e.stream.Point(measurement.Point{Voltage: voltage, Current: current})
	}

	return len(targets), nil
}

// MeasureOpenCircuit takes one open-circuit reading. It has no abort path.
func (e *Executor) MeasureOpenCircuit(lease *Lease, runID string) (float64, error) {
	defer lease.End()

	e.stream.Notify(events.Event{Kind: events.VocStarted, RunID: runID})
	e.stream.Notify(events.Console("Voc Measurement Started"))

	voltage, err := e.driver.MeasureOpenCircuit()
	if err != nil {
		err = errors.New().Wrap(errors.ErrInstrumentFailure, err)
		lease.End()
		e.log.Error().Err(err).Str("run_id", runID).Msg("Voc measurement failed")
		e.stream.Notify(events.Console("Voc Measurement Failed: " + err.Error()))
		e.stream.Notify(events.Event{Kind: events.VocFinished, RunID: runID, Err: err})
		return 0, err
	}

	e.metrics.VocMeasured()
	lease.End()

	e.log.Info().Str("run_id", runID).Float64("voc", voltage).Msg("Voc measured")
	e.stream.Notify(events.Event{Kind: events.VocMeasured, RunID: runID, Value: voltage})
	e.stream.Notify(events.Console(fmt.Sprintf("Voc Measurement Finished\nValue: %.3f V", voltage)))
	e.stream.Notify(events.Event{Kind: events.VocFinished, RunID: runID, Value: voltage})

	return voltage, nil
}

func (e *Executor) announce(text string) {
	e.stream.Notify(events.Console(text))
	e.stream.Notify(events.Status(text))
}
