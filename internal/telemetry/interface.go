package telemetry

import "time"

// Outcome labels for finished sweep sets
const (
	OutcomeFinished = "finished"
	OutcomeAborted  = "aborted"
	OutcomeFailed   = "failed"
)

// Collector receives measurement pipeline counters. Implementations must be
// safe for concurrent use.
type Collector interface {
	SweepStarted()
	SweepEnded(outcome string, elapsed time.Duration)
	RepetitionCompleted()
	PointMeasured(elapsed time.Duration)
	VocMeasured()
	SaveCompleted(ok bool)
	AdmissionRejected(reason string)
}
