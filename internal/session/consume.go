package session

import (
	"context"

	"codeberg.org/mutker/ivctl/internal/analysis"
	"codeberg.org/mutker/ivctl/internal/events"
	"codeberg.org/mutker/ivctl/internal/history"
	"codeberg.org/mutker/ivctl/internal/measurement"
	"codeberg.org/mutker/ivctl/internal/telemetry"
)

func (s *Session) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-s.sub.Events():
			if !ok {
				return
			}
			s.handle(e)
		}
	}
}

func (s *Session) handle(e events.Event) {
	switch e.Kind {
	case events.ConsoleMessage:
		s.log.Info().Str("run_id", e.RunID).Msg(e.Text)
	case events.VocMeasured:
		v := e.Value
		s.mu.Lock()
		s.lastVoc = &v
		s.mu.Unlock()
	case events.SweepStarted:
		if run := s.run(e.RunID); run != nil {
			run.markStarted(e.Time)
		}
	case events.RepetitionFinalize:
		s.onRepetition(e)
	case events.SweepSetFinished, events.Aborted:
		s.onRunEnded(e)
	}
}

func (s *Session) run(id string) *Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[id]
}

func (s *Session) onRepetition(e events.Event) {
	s.mu.Lock()
	settings := s.pendingSave
	s.pendingSave = nil
	s.mu.Unlock()

	if settings == nil && e.Save != nil && e.Save.Autosave {
		settings = e.Save
	}

	var area, power float64
	switch {
	case settings != nil:
		area, power = settings.CellArea, settings.LightPower
	case e.Save != nil:
		area, power = e.Save.CellArea, e.Save.LightPower
	}

	record := &history.RepetitionRecord{
		RunID:      e.RunID,
		Index:      e.Repetition,
		RecordedAt: e.Time,
		Points:     len(e.Array),
	}
	if res, err := analysis.Analyze(e.Array, area, power); err == nil {
		record.Isc = res.Isc
		record.Voc = res.Voc
		record.Pmax = res.Pmax
		record.FillFactor = res.FillFactor
		record.Efficiency = res.Efficiency
		s.bus.Publish(events.Event{Kind: events.ConsoleMessage, RunID: e.RunID, Text: res.Summary()})
	} else {
		s.log.Warn().Err(err).Str("run_id", e.RunID).Msg("Analysis skipped")
	}

	if settings == nil {
		s.recordRepetition(record)
		return
	}

	var req measurement.Request
	if e.Request != nil {
		req = *e.Request
	}
	saveReq := measurement.SaveRequest{Array: e.Array, Request: req, SaveSettings: *settings}

	run := s.run(e.RunID)
	if run != nil {
		run.saves.Add(1)
	}
	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		if run != nil {
			defer run.saves.Done()
		}
		s.save(saveReq, record)
	}()
}

// save runs on its own goroutine per request; the writer serializes by folder
func (s *Session) save(req measurement.SaveRequest, record *history.RepetitionRecord) {
	path, err := s.writer.Save(req)
	s.metrics.SaveCompleted(err == nil)

	if err != nil {
		record.SaveError = err.Error()
		s.log.Error().Err(err).Str("run_id", record.RunID).Int("repetition", record.Index).Msg("Save failed")
		s.bus.Publish(events.Event{Kind: events.SaveFailed, RunID: record.RunID, Repetition: record.Index, Err: err})
		s.bus.Publish(events.Event{Kind: events.ConsoleMessage, RunID: record.RunID, Text: "Save Failed: " + err.Error()})
	} else {
		record.Path = path
		s.bus.Publish(events.Event{Kind: events.Saved, RunID: record.RunID, Repetition: record.Index, Path: path})
		s.bus.Publish(events.Event{Kind: events.ConsoleMessage, RunID: record.RunID, Text: "Saved: " + path})
	}

	s.recordRepetition(record)
}

func (s *Session) recordRepetition(record *history.RepetitionRecord) {
	if err := s.history.RecordRepetition(context.Background(), record); err != nil {
		s.log.Error().Err(err).Str("run_id", record.RunID).Msg("Failed to record repetition")
	}
}

func (s *Session) onRunEnded(e events.Event) {
	run := s.run(e.RunID)
	if run == nil {
		return
	}

	s.workers.Add(1)
	go func() {
		defer s.workers.Done()

		run.saves.Wait()

		outcome := telemetry.OutcomeFinished
		errText := ""
		if e.Kind == events.Aborted {
			outcome = telemetry.OutcomeAborted
			if e.Err != nil {
				outcome = telemetry.OutcomeFailed
				errText = e.Err.Error()
			}
		}

		run.mu.Lock()
		started := run.started
		run.mu.Unlock()

		if err := s.history.RecordRun(context.Background(), &history.RunRecord{
			ID:        run.ID,
			StartedAt: started,
			EndedAt:   e.Time,
			Request:   run.Request,
			Outcome:   outcome,
			Completed: e.Repetition,
			Error:     errText,
		}); err != nil {
			s.log.Error().Err(err).Str("run_id", run.ID).Msg("Failed to record run")
		}

		s.mu.Lock()
		delete(s.runs, run.ID)
		s.mu.Unlock()

		run.finish(e)
	}()
}
