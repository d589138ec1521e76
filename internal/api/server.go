// Package api exposes the measurement session over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"codeberg.org/mutker/ivctl/internal/errors"
	"codeberg.org/mutker/ivctl/internal/events"
	"codeberg.org/mutker/ivctl/internal/history"
	"codeberg.org/mutker/ivctl/internal/logger"
	"codeberg.org/mutker/ivctl/internal/measurement"
	"codeberg.org/mutker/ivctl/internal/session"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	requestTimeout = 30 * time.Second
	defaultRuns    = 20
	maxRuns        = 500
)

// Controller is the part of the session the HTTP surface drives
type Controller interface {
	StartSweep(req measurement.Request, save measurement.SaveSettings) (*session.Run, error)
	MeasureOpenCircuit() (string, error)
	AbortSweep() bool
	SaveCompleted(settings measurement.SaveSettings) error
	Initialize() error
	Status() session.Status
	Subscribe() *events.Subscription
	History() history.Recorder
}

type Server struct {
	router chi.Router
	ctrl   Controller
	log    logger.Logger
}

// NewServer wires the routes. A nil gatherer leaves /metrics unmounted.
func NewServer(ctrl Controller, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		ctrl: ctrl,
		log:  logger.With("api"),
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)

	r.Get("/healthz", s.healthz)
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		// the event stream outlives any request timeout
		r.Get("/events", s.streamEvents)

		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(requestTimeout))

			r.Get("/status", s.status)
			r.Post("/instrument/initialize", s.initialize)
			r.Post("/sweeps", s.startSweep)
			r.Post("/sweeps/abort", s.abortSweep)
			r.Post("/voc", s.measureVoc)
			r.Post("/saves", s.saveCompleted)
			r.Get("/runs", s.listRuns)
			r.Get("/runs/{run_id}", s.getRun)
		})
	})

	s.router = r
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) initialize(w http.ResponseWriter, _ *http.Request) {
	err := s.ctrl.Initialize()
	st := s.ctrl.Status()
	if err != nil && !errors.IsCode(err, errors.ErrInstrumentNotReady) {
		writeCodedError(w, err)
		return
	}

	code := http.StatusOK
	if err != nil {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"ready":   st.Ready,
		"message": st.InstrumentMessage,
	})
}

type sweepRequest struct {
	measurement.Request
	Save measurement.SaveSettings `json:"save"`
}

func (s *Server) startSweep(w http.ResponseWriter, r *http.Request) {
	var req sweepRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, string(errors.ErrInvalidRequest), "invalid JSON payload")
		return
	}

	run, err := s.ctrl.StartSweep(req.Request, req.Save)
	if err != nil {
		writeCodedError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": run.ID})
}

func (s *Server) abortSweep(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusAccepted, map[string]bool{"signalled": s.ctrl.AbortSweep()})
}

func (s *Server) measureVoc(w http.ResponseWriter, _ *http.Request) {
	id, err := s.ctrl.MeasureOpenCircuit()
	if err != nil {
		writeCodedError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": id})
}

func (s *Server) saveCompleted(w http.ResponseWriter, r *http.Request) {
	var settings measurement.SaveSettings
	if err := decode(r, &settings); err != nil {
		writeError(w, http.StatusBadRequest, string(errors.ErrInvalidRequest), "invalid JSON payload")
		return
	}

	if err := s.ctrl.SaveCompleted(settings); err != nil {
		writeCodedError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultRuns
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, string(errors.ErrInvalidArgument), "limit must be a positive integer")
			return
		}
		limit = min(n, maxRuns)
	}

	runs, err := s.ctrl.History().Recent(r.Context(), limit)
	if err != nil {
		writeCodedError(w, err)
		return
	}
	if runs == nil {
		runs = []history.RunRecord{}
	}

	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")

	reps, err := s.ctrl.History().Repetitions(r.Context(), runID)
	if err != nil {
		writeCodedError(w, err)
		return
	}
	if len(reps) == 0 {
		writeError(w, http.StatusNotFound, "not_found", "run has no recorded repetitions")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":      runID,
		"repetitions": reps,
	})
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// statusFor maps application error codes onto HTTP statuses
func statusFor(code errors.ErrorCode) int {
	switch code {
	case errors.ErrMeasurementActive:
		return http.StatusConflict
	case errors.ErrInvalidRequest, errors.ErrInvalidFolder, errors.ErrInvalidArgument:
		return http.StatusBadRequest
	case errors.ErrInstrumentNotReady:
		return http.StatusServiceUnavailable
	case errors.ErrTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeCodedError(w http.ResponseWriter, err error) {
	code := errors.CodeOf(err)
	if code == "" {
		code = errors.ErrInternal
	}
	writeError(w, statusFor(code), string(code), err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error": code, "message": msg})
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.log.Debug().
			Str("request_id", reqID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.status).
			Int64("duration_ms", time.Since(start).Milliseconds()).
			Msg("Request completed")
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error().Interface("panic", rec).Str("path", r.URL.Path).Msg("Panic recovered")
				writeError(w, http.StatusInternalServerError, string(errors.ErrInternal), "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
