package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"codeberg.org/mutker/ivctl/internal/events"
	"codeberg.org/mutker/ivctl/internal/measurement"
)

// keepAlive is the comment interval that stops idle proxies from dropping
// the stream
const keepAlive = 15 * time.Second

type eventPayload struct {
	Kind        events.Kind               `json:"kind"`
	Time        time.Time                 `json:"time"`
	RunID       string                    `json:"run_id,omitempty"`
	Repetition  int                       `json:"repetition,omitempty"`
	Repetitions int                       `json:"repetitions,omitempty"`
	Request     *measurement.Request      `json:"request,omitempty"`
	Save        *measurement.SaveSettings `json:"save,omitempty"`
	Array       measurement.Array         `json:"array,omitempty"`
	Value       *float64                  `json:"value,omitempty"`
	Text        string                    `json:"text,omitempty"`
	Path        string                    `json:"path,omitempty"`
	Error       string                    `json:"error,omitempty"`
}

func toPayload(e events.Event) eventPayload {
	p := eventPayload{
		Kind:        e.Kind,
		Time:        e.Time,
		RunID:       e.RunID,
		Repetition:  e.Repetition,
		Repetitions: e.Repetitions,
		Request:     e.Request,
		Save:        e.Save,
		Array:       e.Array,
		Text:        e.Text,
		Path:        e.Path,
	}
	if e.Kind == events.VocMeasured {
		v := e.Value
		p.Value = &v
	}
	if e.Err != nil {
		p.Error = e.Err.Error()
	}
	return p
}

// streamEvents relays every notification to the client as server-sent
// events. Each client gets its own subscription.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "response writer cannot flush")
		return
	}

	sub := s.ctrl.Subscribe()
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			data, err := json.Marshal(toPayload(e))
			if err != nil {
				s.log.Warn().Err(err).Str("kind", string(e.Kind)).Msg("Failed to encode event")
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Kind, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
