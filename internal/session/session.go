// Package session is the control-surface facade over the measurement
// pipeline. Commands return immediately; progress is reported as events on
// the bus.
package session

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/ivctl/internal/aggregate"
	"codeberg.org/mutker/ivctl/internal/errors"
	"codeberg.org/mutker/ivctl/internal/events"
	"codeberg.org/mutker/ivctl/internal/history"
	"codeberg.org/mutker/ivctl/internal/instrument"
	"codeberg.org/mutker/ivctl/internal/logger"
	"codeberg.org/mutker/ivctl/internal/measurement"
	"codeberg.org/mutker/ivctl/internal/persist"
	"codeberg.org/mutker/ivctl/internal/sweep"
	"codeberg.org/mutker/ivctl/internal/telemetry"
	"github.com/google/uuid"
)

// Deps are the collaborators a session drives. Nil Bus, History, Metrics
// and Writer fall back to defaults.
type Deps struct {
	Driver  instrument.Driver
	Bus     *events.Bus
	History history.Recorder
	Metrics telemetry.Collector
	Writer  *persist.Writer
}

type Options struct {
	// FlushInterval is the plot preview period
	FlushInterval time.Duration
}

// Status is a point-in-time view for the control surface
type Status struct {
	State             string   `json:"state"`
	Busy              bool     `json:"busy"`
	Ready             bool     `json:"ready"`
	InstrumentMessage string   `json:"instrument_message"`
	RunID             string   `json:"run_id,omitempty"`
	LastVoc           *float64 `json:"last_voc,omitempty"`
}

type Session struct {
	driver  instrument.Driver
	bus     *events.Bus
	history history.Recorder
	metrics telemetry.Collector
	writer  *persist.Writer
	log     logger.Logger

	lock *sweep.Lock
	exec *sweep.Executor
	agg  *aggregate.Aggregator
	sub  *events.Subscription

	ready atomic.Bool

	mu          sync.Mutex
	instrMsg    string
	runs        map[string]*Run
	currentRun  string
	lastVoc     *float64
	pendingSave *measurement.SaveSettings

	cancel  context.CancelFunc
	workers sync.WaitGroup
	loops   sync.WaitGroup
	closed  atomic.Bool
}

func New(deps Deps, opts Options) *Session {
	if deps.Metrics == nil {
		deps.Metrics = telemetry.Noop()
	}
	if deps.Writer == nil {
		deps.Writer = persist.NewWriter()
	}
	if deps.Bus == nil {
		deps.Bus = events.NewBus()
	}
	if deps.History == nil {
		// a disabled config cannot fail
		deps.History, _ = history.NewService(history.DefaultConfig())
	}

	agg := aggregate.New(deps.Bus, opts.FlushInterval)

	s := &Session{
		driver:  deps.Driver,
		bus:     deps.Bus,
		history: deps.History,
		metrics: deps.Metrics,
		writer:  deps.Writer,
		log:     logger.With("session"),
		lock:    sweep.NewLock(),
		agg:     agg,
		runs:    make(map[string]*Run),
	}
	s.exec = sweep.NewExecutor(deps.Driver, agg, deps.Bus, deps.Metrics)

	return s
}

// Start runs the aggregator and the session's own event consumer, then
// initializes the instrument. A failed initialization leaves the session
// running but refusing measurements.
func (s *Session) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	s.sub = s.bus.Subscribe()

	s.loops.Add(2)
	go func() {
		defer s.loops.Done()
		s.agg.Run(ctx)
	}()
	go func() {
		defer s.loops.Done()
		s.consume(ctx)
	}()

	if err := s.Initialize(); err != nil && !errors.IsCode(err, errors.ErrInstrumentNotReady) {
		return err
	}

	return nil
}

// Initialize (re)connects the instrument. It needs the measurement lock.
func (s *Session) Initialize() error {
	errFactory := errors.New()

	lease, ok := s.lock.TryBegin()
	if !ok {
		return errFactory.New(errors.ErrMeasurementActive)
	}
	defer lease.End()

	msg, err := s.driver.Initialize()
	s.ready.Store(err == nil)

	s.mu.Lock()
	s.instrMsg = msg
	s.mu.Unlock()

	s.bus.Publish(events.Console(msg))
	if err != nil {
		s.log.Error().Err(err).Msg("Instrument initialization failed")
		return errFactory.Wrap(errors.ErrInstrumentNotReady, err)
	}

	s.log.Info().Str("message", msg).Msg("Instrument ready")
	return nil
}

// StartSweep admits req without blocking. Admission fails when the
// instrument is not ready, the request is invalid, another measurement
// holds the instrument, or the save folder no longer exists.
func (s *Session) StartSweep(req measurement.Request, save measurement.SaveSettings) (*Run, error) {
	errFactory := errors.New()

	if s.closed.Load() || !s.ready.Load() {
		s.metrics.AdmissionRejected(string(errors.ErrInstrumentNotReady))
		return nil, errFactory.New(errors.ErrInstrumentNotReady)
	}
	if err := req.Validate(); err != nil {
		s.metrics.AdmissionRejected(string(errors.ErrInvalidRequest))
		return nil, err
	}

	lease, ok := s.lock.TryBegin()
	if !ok {
		s.metrics.AdmissionRejected(string(errors.ErrMeasurementActive))
		s.bus.Publish(events.Status("Measurement active"))
		return nil, errFactory.New(errors.ErrMeasurementActive)
	}

	// armed before the remaining checks so an abort issued from here on
	// reaches the sweep set
	s.exec.Arm()

	if err := s.checkSaveFolders(save); err != nil {
		s.exec.Disarm()
		lease.End()
		s.metrics.AdmissionRejected(string(errors.ErrInvalidFolder))
		return nil, err
	}

	run := newRun(newID(), req)

	s.mu.Lock()
	s.runs[run.ID] = run
	s.currentRun = run.ID
	s.mu.Unlock()

	s.exec.Start(lease, sweep.Job{RunID: run.ID, Request: req, Save: save})

	return run, nil
}

// MeasureOpenCircuit admits a single Voc reading and returns its id
func (s *Session) MeasureOpenCircuit() (string, error) {
	errFactory := errors.New()

	if s.closed.Load() || !s.ready.Load() {
		return "", errFactory.New(errors.ErrInstrumentNotReady)
	}

	lease, ok := s.lock.TryBegin()
	if !ok {
		s.bus.Publish(events.Status("Measurement active"))
		return "", errFactory.New(errors.ErrMeasurementActive)
	}

	id := newID()
	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		if _, err := s.exec.MeasureOpenCircuit(lease, id); err != nil {
			s.log.Debug().Err(err).Str("run_id", id).Msg("Voc measurement ended with error")
		}
	}()

	return id, nil
}

// AbortSweep never blocks. It reports whether a running sweep was signalled.
func (s *Session) AbortSweep() bool {
	return s.exec.Abort()
}

// SaveCompleted pairs settings with the array of the next finalized
// repetition, whether or not that run autosaves. The folder must exist.
func (s *Session) SaveCompleted(settings measurement.SaveSettings) error {
	if err := checkFolder(settings.Folder); err != nil {
		return err
	}

	s.mu.Lock()
	s.pendingSave = &settings
	s.mu.Unlock()

	return nil
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		State:             s.exec.State().String(),
		Busy:              s.lock.Busy(),
		Ready:             s.ready.Load(),
		InstrumentMessage: s.instrMsg,
	}
	if st.State != measurement.Idle.String() {
		st.RunID = s.currentRun
	}
	if s.lastVoc != nil {
		v := *s.lastVoc
		st.LastVoc = &v
	}

	return st
}

func (s *Session) Subscribe() *events.Subscription {
	return s.bus.Subscribe()
}

// History returns the run ledger
func (s *Session) History() history.Recorder {
	return s.history
}

// Close aborts any running sweep, waits for in-flight saves and stops the
// session loops. The driver is closed last.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.exec.Abort()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if lease, err := s.lock.Begin(ctx); err == nil {
		lease.End()
	} else {
		s.log.Warn().Msg("Timed out waiting for the measurement to stop")
	}

	s.mu.Lock()
	pending := make([]*Run, 0, len(s.runs))
	for _, r := range s.runs {
		pending = append(pending, r)
	}
	s.mu.Unlock()
	for _, r := range pending {
		select {
		case <-r.Done():
		case <-ctx.Done():
		}
	}

	if s.cancel != nil {
		s.cancel()
	}
	if s.sub != nil {
		s.sub.Close()
	}
	s.loops.Wait()
	s.workers.Wait()

	if err := s.driver.Close(); err != nil {
		return errors.New().Wrap(errors.ErrShutdownFailed, err)
	}

	return nil
}

// checkSaveFolders re-validates every folder the run may save into: its own
// when autosaving and any pending SaveCompleted folder
func (s *Session) checkSaveFolders(save measurement.SaveSettings) error {
	if save.Autosave {
		if err := checkFolder(save.Folder); err != nil {
			return err
		}
	}

	s.mu.Lock()
	pending := s.pendingSave
	s.mu.Unlock()
	if pending != nil {
		return checkFolder(pending.Folder)
	}

	return nil
}

func checkFolder(folder string) error {
	errFactory := errors.New()

	info, err := os.Stat(folder)
	if err != nil {
		return errFactory.Wrap(errors.ErrInvalidFolder, err).WithData(folder)
	}
	if !info.IsDir() {
		return errFactory.WithData(errors.ErrInvalidFolder, folder)
	}

	return nil
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
