package sweep

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/ivctl/internal/errors"
	"codeberg.org/mutker/ivctl/internal/events"
	"codeberg.org/mutker/ivctl/internal/measurement"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDriver struct {
	mu      sync.Mutex
	calls   int
	failAt  int
	onPoint func(call int)
	voc     float64
	vocErr  error
}

func (d *fakeDriver) Initialize() (string, error) { return "ok", nil }

func (d *fakeDriver) MeasureOpenCircuit() (float64, error) {
	return d.voc, d.vocErr
}

func (d *fakeDriver) MeasurePoint(target float64) (float64, float64, error) {
	d.mu.Lock()
	d.calls++
	call := d.calls
	hook := d.onPoint
	d.mu.Unlock()

	if d.failAt > 0 && call == d.failAt {
		return 0, 0, fmt.Errorf("device timeout")
	}
	if hook != nil {
		hook(call)
	}

	return target, -0.0005 * target, nil
}

func (d *fakeDriver) Close() error { return nil }

func (d *fakeDriver) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type item struct {
	kind  string
	point measurement.Point
	rep   measurement.Repetition
	event events.Event
}

type recordingStream struct {
	mu       sync.Mutex
	items    []item
	onNotify func(e events.Event)
	onFinal  func(rep measurement.Repetition)
}

func (s *recordingStream) add(it item) {
	s.mu.Lock()
	s.items = append(s.items, it)
	s.mu.Unlock()
}

func (s *recordingStream) Point(p measurement.Point) { s.add(item{kind: "point", point: p}) }

func (s *recordingStream) Finalize(rep measurement.Repetition) {
	s.add(item{kind: "finalize", rep: rep})
	if s.onFinal != nil {
		s.onFinal(rep)
	}
}

func (s *recordingStream) Abort(runID string) { s.add(item{kind: "abort"}) }

func (s *recordingStream) Notify(e events.Event) {
	s.add(item{kind: string(e.Kind), event: e})
	if s.onNotify != nil {
		s.onNotify(e)
	}
}

func (s *recordingStream) snapshot() []item {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]item(nil), s.items...)
}

func (s *recordingStream) count(kind string) int {
	n := 0
	for _, it := range s.snapshot() {
		if it.kind == kind {
			n++
		}
	}
	return n
}

func (s *recordingStream) texts() []string {
	var out []string
	for _, it := range s.snapshot() {
		if it.kind == string(events.ConsoleMessage) {
			out = append(out, it.event.Text)
		}
	}
	return out
}

type recordingBus struct {
	mu     sync.Mutex
	events []events.Event
}

func (b *recordingBus) Publish(e events.Event) {
	b.mu.Lock()
	b.events = append(b.events, e)
	b.mu.Unlock()
}

func (b *recordingBus) snapshot() []events.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]events.Event(nil), b.events...)
}

func newTestExecutor(driver *fakeDriver) (*Executor, *recordingStream, *recordingBus, *Lock) {
	stream := &recordingStream{}
	bus := &recordingBus{}
	return NewExecutor(driver, stream, bus, nil), stream, bus, NewLock()
}

func mustLease(t *testing.T, l *Lock) *Lease {
	t.Helper()
	lease, ok := l.TryBegin()
	require.True(t, ok)
	return lease
}

func testJob(repeats int) Job {
	return Job{
		RunID:   "run-1",
		Request: measurement.Request{StartVoltage: 1.0, EndVoltage: -0.1, Repeats: repeats, ScanRate: 10},
		Save:    measurement.SaveSettings{CellName: "cell", Folder: "/tmp"},
	}
}

func TestRunCompletesAllRepetitions(t *testing.T) {
	driver := &fakeDriver{}
	exec, stream, _, lock := newTestExecutor(driver)

	res := exec.Run(mustLease(t, lock), testJob(2))

	assert.Equal(t, Result{RunID: "run-1", Completed: 2}, res)
	assert.Equal(t, 2*RampPoints, driver.Calls())
	assert.False(t, lock.Busy())
	assert.Equal(t, measurement.Idle, exec.State())

	items := stream.snapshot()
	require.NotEmpty(t, items)
	assert.Equal(t, string(events.SweepStarted), items[0].kind)
	assert.Equal(t, string(events.SweepSetFinished), items[len(items)-1].kind)
	assert.Equal(t, 2, stream.count("finalize"))
	assert.Equal(t, 0, stream.count("abort"))
	assert.Equal(t, 1, stream.count(string(events.SweepSetFinished)))

	ramp := Ramp(1.0, -0.1, RampPoints)
	var points []measurement.Point
	reps := 0
	for _, it := range items {
		switch it.kind {
		case "point":
			points = append(points, it.point)
		case "finalize":
			reps++
			require.Len(t, points, RampPoints, "finalize follows the repetition's points")
			for i, p := range points {
				assert.Equal(t, ramp[i], p.Voltage)
				assert.InDelta(t, -0.0005*ramp[i], p.Current, 1e-15)
			}
			assert.Equal(t, reps, it.rep.Index)
			assert.Equal(t, 2, it.rep.Of)
			assert.Equal(t, "cell", it.rep.Save.CellName)
			points = nil
		}
	}

	assert.Equal(t, []string{
		"Measuring Sweep (1 of 2)",
		"Sweep Finished (1 of 2)",
		"Measuring Sweep (2 of 2)",
		"Sweep Finished (2 of 2)",
	}, stream.texts())
}

func TestAbortBeforeFirstPoint(t *testing.T) {
	driver := &fakeDriver{}
	exec, stream, bus, lock := newTestExecutor(driver)
	stream.onNotify = func(e events.Event) {
		if e.Kind == events.SweepStarted {
			assert.True(t, exec.Abort())
		}
	}

	res := <-exec.Start(mustLease(t, lock), testJob(3))

	assert.True(t, res.Aborted)
	assert.Equal(t, 0, res.Completed)
	assert.NoError(t, res.Err)
	assert.Equal(t, 0, driver.Calls())
	assert.Equal(t, 0, stream.count("finalize"))
	assert.Equal(t, 1, stream.count("abort"))
	assert.Equal(t, 1, stream.count(string(events.Aborted)))
	assert.Equal(t, 0, stream.count(string(events.SweepSetFinished)))
	assert.False(t, lock.Busy())

	published := bus.snapshot()
	require.Len(t, published, 2)
	assert.Equal(t, "Sweep Abort Command Registered", published[0].Text)
	assert.Equal(t, "Aborting Measurement...", published[1].Text)
}

func TestAbortMidRampDiscardsRepetition(t *testing.T) {
	driver := &fakeDriver{}
	exec, stream, _, lock := newTestExecutor(driver)
	driver.onPoint = func(call int) {
		if call == RampPoints+100 {
			exec.Abort()
		}
	}

	res := exec.Run(mustLease(t, lock), testJob(3))

	assert.True(t, res.Aborted)
	assert.Equal(t, 1, res.Completed)
	assert.Equal(t, RampPoints+100, driver.Calls(), "at most the in-flight call completes after abort")
	assert.Equal(t, 1, stream.count("finalize"))
	assert.Equal(t, RampPoints+100, stream.count("point"))

	items := stream.snapshot()
	last := items[len(items)-1]
	assert.Equal(t, string(events.Aborted), last.kind)
	assert.Equal(t, 1, last.event.Repetition)
	assert.Equal(t, "abort", items[len(items)-2].kind)
}

func TestAbortAfterLastFinalizeCompletesNormally(t *testing.T) {
	driver := &fakeDriver{}
	exec, stream, _, lock := newTestExecutor(driver)
	stream.onFinal = func(rep measurement.Repetition) {
		if rep.Index == rep.Of {
			exec.Abort()
		}
	}

	res := exec.Run(mustLease(t, lock), testJob(2))

	assert.False(t, res.Aborted)
	assert.Equal(t, 2, res.Completed)
	assert.Equal(t, 1, stream.count(string(events.SweepSetFinished)))
	assert.Equal(t, 0, stream.count(string(events.Aborted)))
	assert.Equal(t, measurement.Idle, exec.State())
}

func TestInstrumentFailureReleasesLock(t *testing.T) {
	driver := &fakeDriver{failAt: 10}
	exec, stream, _, lock := newTestExecutor(driver)

	res := exec.Run(mustLease(t, lock), testJob(2))

	require.Error(t, res.Err)
	assert.True(t, errors.IsCode(res.Err, errors.ErrInstrumentFailure))
	assert.True(t, res.Aborted)
	assert.Equal(t, 0, stream.count("finalize"))
	assert.Equal(t, 9, stream.count("point"))

	items := stream.snapshot()
	last := items[len(items)-1]
	assert.Equal(t, string(events.Aborted), last.kind)
	assert.Equal(t, res.Err, last.event.Err)
	assert.Contains(t, stream.texts()[len(stream.texts())-1], "Measurement Failed")

	lease, ok := lock.TryBegin()
	require.True(t, ok)
	lease.End()
}

func TestStateSettledBeforeTerminalEvent(t *testing.T) {
	driver := &fakeDriver{}
	exec, stream, _, lock := newTestExecutor(driver)

	checked := make(chan struct{})
	stream.onNotify = func(e events.Event) {
		if e.Kind == events.SweepSetFinished {
			assert.Equal(t, measurement.Idle, exec.State())
			lease, ok := lock.TryBegin()
			assert.True(t, ok, "lock is free once the terminal event is emitted")
			if ok {
				lease.End()
			}
			close(checked)
		}
	}

	<-exec.Start(mustLease(t, lock), testJob(1))

	select {
	case <-checked:
	case <-time.After(time.Second):
		t.Fatal("terminal event not emitted")
	}
}

func TestAbortWhenIdle(t *testing.T) {
	exec, _, bus, _ := newTestExecutor(&fakeDriver{})

	assert.False(t, exec.Abort())
	assert.Empty(t, bus.snapshot())
	assert.Equal(t, measurement.Idle, exec.State())
}

func TestMeasureOpenCircuit(t *testing.T) {
	driver := &fakeDriver{voc: 0.8126}
	exec, stream, _, lock := newTestExecutor(driver)

	v, err := exec.MeasureOpenCircuit(mustLease(t, lock), "voc-1")
	require.NoError(t, err)
	assert.Equal(t, 0.8126, v)
	assert.False(t, lock.Busy())

	var kinds []string
	for _, it := range stream.snapshot() {
		if it.kind != string(events.ConsoleMessage) {
			kinds = append(kinds, it.kind)
		}
	}
	assert.Equal(t, []string{
		string(events.VocStarted),
		string(events.VocMeasured),
		string(events.VocFinished),
	}, kinds)
	assert.Equal(t, []string{
		"Voc Measurement Started",
		"Voc Measurement Finished\nValue: 0.813 V",
	}, stream.texts())
}

func TestMeasureOpenCircuitFailure(t *testing.T) {
	driver := &fakeDriver{vocErr: fmt.Errorf("overrange")}
	exec, stream, _, lock := newTestExecutor(driver)

	_, err := exec.MeasureOpenCircuit(mustLease(t, lock), "voc-2")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrInstrumentFailure))
	assert.False(t, lock.Busy())
	assert.Equal(t, 1, stream.count(string(events.VocFinished)))
	assert.Equal(t, 0, stream.count(string(events.VocMeasured)))
}

type standbyDriver struct {
	fakeDriver
	standbys int
}

func (d *standbyDriver) Standby() error {
	d.mu.Lock()
	d.standbys++
	d.mu.Unlock()
	return nil
}

func TestStandbyAfterSweepSet(t *testing.T) {
	driver := &standbyDriver{fakeDriver: fakeDriver{failAt: 5}}
	stream := &recordingStream{}
	exec := NewExecutor(driver, stream, &recordingBus{}, nil)
	lock := NewLock()

	res := exec.Run(mustLease(t, lock), testJob(1))
	require.Error(t, res.Err)
	assert.Equal(t, 1, driver.standbys, "failed runs also leave the source off")

	res = exec.Run(mustLease(t, lock), testJob(1))
	require.NoError(t, res.Err)
	assert.Equal(t, 1, res.Completed)
	assert.Equal(t, 2, driver.standbys)
}

func TestAbortBetweenArmAndStart(t *testing.T) {
	driver := &fakeDriver{}
	exec, stream, bus, lock := newTestExecutor(driver)
	lease := mustLease(t, lock)

	require.True(t, exec.Arm())
	assert.False(t, exec.Arm(), "an armed executor cannot be armed again")
	require.True(t, exec.Abort())
	assert.Equal(t, measurement.Aborting, exec.State())

	res := <-exec.Start(lease, testJob(2))

	assert.True(t, res.Aborted)
	assert.Equal(t, 0, res.Completed)
	assert.Equal(t, 0, driver.Calls())
	assert.Equal(t, measurement.Idle, exec.State())
	assert.False(t, lock.Busy())
	assert.Equal(t, 1, stream.count("abort"))
	assert.Equal(t, 1, stream.count(string(events.Aborted)))
	assert.Len(t, bus.snapshot(), 2)
}

func TestDisarm(t *testing.T) {
	exec, _, _, _ := newTestExecutor(&fakeDriver{})

	require.True(t, exec.Arm())
	exec.Disarm()
	assert.Equal(t, measurement.Idle, exec.State())
	assert.False(t, exec.Abort())
}
