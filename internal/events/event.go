package events

import (
	"time"

	"codeberg.org/mutker/ivctl/internal/measurement"
)

// Kind names a notification sent to the control surface
type Kind string

const (
	SweepStarted       Kind = "sweep_started"
	RepetitionFinalize Kind = "repetition_finalize"
	SweepSetFinished   Kind = "sweep_set_finished"
	Aborted            Kind = "aborted"
	VocStarted         Kind = "voc_started"
	VocMeasured        Kind = "voc_measured"
	VocFinished        Kind = "voc_finished"
	ConsoleMessage     Kind = "console_message"
	StatusMessage      Kind = "status_message"
	PlotUpdate         Kind = "plot_update"
	Saved              Kind = "saved"
	SaveFailed         Kind = "save_failed"
)

// Event is a fire-and-forget notification. Only the fields relevant to Kind
// are set.
type Event struct {
	Kind Kind
	Time time.Time

	RunID       string
	Repetition  int
	Repetitions int

	// Request is set on SweepStarted and RepetitionFinalize
	Request *measurement.Request
	// Save is set on RepetitionFinalize
	Save *measurement.SaveSettings
	// Array is set on PlotUpdate and RepetitionFinalize
	Array measurement.Array

	Value float64
	Text  string
	Path  string
	Err   error
}

// Publisher accepts events without blocking
type Publisher interface {
	Publish(e Event)
}

func Console(text string) Event {
	return Event{Kind: ConsoleMessage, Text: text}
}

func Status(text string) Event {
	return Event{Kind: StatusMessage, Text: text}
}
