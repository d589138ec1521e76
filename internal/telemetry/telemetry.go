package telemetry

import (
	"time"

	"codeberg.org/mutker/ivctl/internal/errors"
	"codeberg.org/mutker/ivctl/internal/logger"
	"github.com/prometheus/client_golang/prometheus"
)

type service struct {
	sweepsStarted prometheus.Counter
	sweepsEnded   *prometheus.CounterVec
	sweepActive   prometheus.Gauge
	sweepDuration *prometheus.HistogramVec
	repetitions   prometheus.Counter
	points        prometheus.Counter
	pointDuration prometheus.Histogram
	vocs          prometheus.Counter
	saves         *prometheus.CounterVec
	rejections    *prometheus.CounterVec
}

// No-op implementation
type noopCollector struct{}

// NewService registers the pipeline collectors against reg. A disabled
// configuration yields a no-op collector.
func NewService(cfg Config, reg prometheus.Registerer) (Collector, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if !cfg.Enabled {
		logger.Debug().Msg("Metrics disabled, using no-op collector")
		return Noop(), nil
	}

	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	ns := cfg.Namespace
	s := &service{
		sweepsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "sweeps_started_total",
			Help:      "Sweep sets started.",
		}),
		sweepsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "sweeps_total",
			Help:      "Sweep sets ended, partitioned by outcome.",
		}, []string{"outcome"}),
		sweepActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "sweep_active",
			Help:      "1 while a sweep set holds the instrument.",
		}),
		sweepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "sweep_duration_seconds",
			Help:      "Wall time per sweep set.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"outcome"}),
		repetitions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "repetitions_total",
			Help:      "Repetitions finalized.",
		}),
		points: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "points_total",
			Help:      "Points measured.",
		}),
		pointDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "point_duration_seconds",
			Help:      "Instrument call duration per point.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		vocs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "voc_measurements_total",
			Help:      "Open-circuit voltage measurements.",
		}),
		saves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "saves_total",
			Help:      "Result files written, partitioned by status.",
		}, []string{"status"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "admission_rejections_total",
			Help:      "Start requests refused, partitioned by reason.",
		}, []string{"reason"}),
	}

	for _, c := range []prometheus.Collector{
		s.sweepsStarted,
		s.sweepsEnded,
		s.sweepActive,
		s.sweepDuration,
		s.repetitions,
		s.points,
		s.pointDuration,
		s.vocs,
		s.saves,
		s.rejections,
	} {
		if err := reg.Register(c); err != nil {
			return nil, errFactory.Wrap(ErrRegisterFailed, err)
		}
	}

	logger.Debug().Str("namespace", ns).Msg("Metrics collector registered")

	return s, nil
}

// Noop returns a collector that discards everything
func Noop() Collector {
	return noopCollector{}
}

func (s *service) SweepStarted() {
	s.sweepsStarted.Inc()
	s.sweepActive.Set(1)
}

func (s *service) SweepEnded(outcome string, elapsed time.Duration) {
	s.sweepsEnded.WithLabelValues(outcome).Inc()
	s.sweepDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
	s.sweepActive.Set(0)
}

func (s *service) RepetitionCompleted() {
	s.repetitions.Inc()
}

func (s *service) PointMeasured(elapsed time.Duration) {
	s.points.Inc()
	s.pointDuration.Observe(elapsed.Seconds())
}

func (s *service) VocMeasured() {
	s.vocs.Inc()
}

func (s *service) SaveCompleted(ok bool) {
	status := "ok"
	if !ok {
		status = "failed"
	}
	s.saves.WithLabelValues(status).Inc()
}

func (s *service) AdmissionRejected(reason string) {
	s.rejections.WithLabelValues(reason).Inc()
}

func (noopCollector) SweepStarted() {}
func (noopCollector) SweepEnded(string, time.Duration) {}
func (noopCollector) RepetitionCompleted() {}
func (noopCollector) PointMeasured(time.Duration) {}
func (noopCollector) VocMeasured() {}
func (noopCollector) SaveCompleted(bool) {}
func (noopCollector) AdmissionRejected(string) {}
