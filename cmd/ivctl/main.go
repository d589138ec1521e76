package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"codeberg.org/mutker/ivctl/internal/api"
	"codeberg.org/mutker/ivctl/internal/config"
	"codeberg.org/mutker/ivctl/internal/errors"
	"codeberg.org/mutker/ivctl/internal/events"
	"codeberg.org/mutker/ivctl/internal/history"
	"codeberg.org/mutker/ivctl/internal/instrument"
	"codeberg.org/mutker/ivctl/internal/logger"
	"codeberg.org/mutker/ivctl/internal/measurement"
	"codeberg.org/mutker/ivctl/internal/pid"
	"codeberg.org/mutker/ivctl/internal/session"
	"codeberg.org/mutker/ivctl/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	modeServe = "serve"
	modeSweep = "sweep"
	modeVoc   = "voc"

	shutdownTimeout = 10 * time.Second
)

var (
	cfg     *config.Config
	mode    string
	pidFile string
)

func init() {
	var (
		err  error
		args []string
	)
	cfg, args, err = config.Load(os.Args[1:])
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.LogLevel, logger.IsService()); err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logger.Debug().Msg("Config loaded")

	mode = modeServe
	if len(args) > 0 {
		mode = args[0]
	}
	switch mode {
	case modeServe, modeSweep, modeVoc:
	default:
		fmt.Printf("unknown command %q (want serve, sweep or voc)\n", mode)
		os.Exit(2)
	}
}

func main() {
	pidFile = pid.Path(cfg.PIDFile)
	if err := pid.Write(pidFile); err != nil {
		if errors.IsCode(err, errors.ErrAlreadyRunning) {
			logger.Fatal().Err(err).Msg("Another ivctl process is driving the instrument")
		}
		logger.Fatal().Err(err).Msg("Failed to write PID file")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	sess, hist, err := setup(reg)
	if err != nil {
		cleanup(nil, nil)
		logger.Fatal().Err(err).Msg("Failed to start")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	switch mode {
	case modeSweep:
		err = runSweep(ctx, sess)
	case modeVoc:
		err = runVoc(ctx, sess)
	default:
		go handleSignals(cancel)
		err = serve(ctx, sess, reg)
	}
	if err != nil {
		logger.Error().Err(err).Msg("Exited with error")
	}

	cleanup(sess, hist)
	if err != nil {
		os.Exit(1)
	}
}

func setup(reg *prometheus.Registry) (*session.Session, history.Recorder, error) {
	metricsCfg := telemetry.DefaultConfig()
	metricsCfg.Enabled = cfg.Metrics.Enabled
	metrics, err := telemetry.NewService(metricsCfg, reg)
	if err != nil {
		return nil, nil, err
	}

	hist, err := history.NewService(history.Config{
		Enabled:      cfg.History.Enabled,
		DBPath:       cfg.History.DBPath,
		BatchSize:    cfg.History.BatchSize,
		BatchTimeout: cfg.History.BatchTimeout,
	})
	if err != nil {
		return nil, nil, err
	}

	driver, err := instrument.New(cfg.Instrument, cfg.Simulation)
	if err != nil {
		_ = hist.Close()
		return nil, nil, err
	}

	sess := session.New(session.Deps{
		Driver:  driver,
		History: hist,
		Metrics: metrics,
	}, session.Options{FlushInterval: cfg.Aggregator.FlushInterval})

	if err := sess.Start(context.Background()); err != nil {
		_ = sess.Close()
		_ = hist.Close()
		return nil, nil, err
	}

	return sess, hist, nil
}

func saveSettings() measurement.SaveSettings {
	return measurement.SaveSettings{
		CellName:   cfg.Storage.CellName,
		Folder:     cfg.Storage.Folder,
		CellArea:   cfg.Analysis.CellArea,
		LightPower: cfg.Analysis.LightPower,
		Autosave:   cfg.Storage.Autosave,
	}
}

// runSweep performs one sweep set. A termination signal aborts the sweep
// and the command still waits for the aborted run to settle.
func runSweep(ctx context.Context, sess *session.Session) error {
	req := measurement.Request{
		StartVoltage: cfg.Sweep.StartVoltage,
		EndVoltage:   cfg.Sweep.EndVoltage,
		Repeats:      cfg.Sweep.Repeats,
		ScanRate:     cfg.Sweep.ScanRate,
	}

	run, err := sess.StartSweep(req, saveSettings())
	if err != nil {
		return err
	}
	logger.Info().Str("run_id", run.ID).Msg("Sweep started")

	go handleSignals(func() {
		if sess.AbortSweep() {
			logger.Info().Msg("Abort requested")
		}
	})

	result, err := run.Wait(ctx)
	if err != nil {
		return err
	}
	if result.Kind == events.Aborted {
		if result.Err != nil {
			return result.Err
		}
		logger.Info().Str("run_id", run.ID).Msg("Sweep aborted")
		return nil
	}

	logger.Info().Str("run_id", run.ID).Msg("Sweep finished")
	return nil
}

func runVoc(ctx context.Context, sess *session.Session) error {
	sub := sess.Subscribe()
	defer sub.Close()

	id, err := sess.MeasureOpenCircuit()
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if e.RunID != id {
				continue
			}
			switch e.Kind {
			case events.VocMeasured:
				fmt.Printf("%.3f\n", e.Value)
			case events.VocFinished:
				return e.Err
			}
		}
	}
}

func serve(ctx context.Context, sess *session.Session, reg *prometheus.Registry) error {
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.NewServer(sess, reg).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.HTTP.Addr).Msg("Control surface listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.New().Wrap(errors.ErrShutdownFailed, err)
	}

	return nil
}

func handleSignals(onSignal func()) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info().Msg("Received termination signal.")
	onSignal()
}

func cleanup(sess *session.Session, hist history.Recorder) {
	if sess != nil {
		if err := sess.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close session")
		}
	}
	if hist != nil {
		if err := hist.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close history")
		}
	}
	if err := pid.Remove(pidFile); err != nil {
		logger.Error().Err(err).Msg("Failed to remove PID file")
	}
	logger.Info().Msg("Exiting...")
}
