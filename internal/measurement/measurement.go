// Package measurement holds the values passed between the sweep executor,
// the point aggregator and the persistence writer.
package measurement

import (
	"math"
	"strconv"

	"codeberg.org/mutker/ivctl/internal/errors"
)

// Request is one sweep set as submitted by the operator. It is never
// mutated once accepted.
type Request struct {
	StartVoltage float64 `json:"start_voltage"`
	EndVoltage   float64 `json:"end_voltage"`
	Repeats      int     `json:"repeats"`
	// ScanRate is recorded with the results in mV/s. It does not pace the
	// ramp.
	ScanRate float64 `json:"scan_rate"`
}

func (r Request) Validate() error {
	errFactory := errors.New()

	if r.Repeats < 1 {
		return errFactory.WithMessage(errors.ErrInvalidRequest, "repeats must be at least 1")
	}
	for name, v := range map[string]float64{
		"start_voltage": r.StartVoltage,
		"end_voltage":   r.EndVoltage,
		"scan_rate":     r.ScanRate,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errFactory.WithMessage(errors.ErrInvalidRequest, name+" must be a finite number")
		}
	}
	if r.ScanRate < 0 {
		return errFactory.WithMessage(errors.ErrInvalidRequest, "scan_rate must not be negative")
	}

	return nil
}

// Point is a single (voltage, current) reading.
type Point struct {
	Voltage float64 `json:"voltage"`
	Current float64 `json:"current"`
}

// Array is an ordered set of points from one repetition.
type Array []Point

// Clone returns a copy that shares no storage with a.
func (a Array) Clone() Array {
	if a == nil {
		return nil
	}
	out := make(Array, len(a))
	copy(out, a)
	return out
}

func (a Array) Voltages() []float64 {
	out := make([]float64, len(a))
	for i, p := range a {
		out[i] = p.Voltage
	}
	return out
}

func (a Array) Currents() []float64 {
	out := make([]float64, len(a))
	for i, p := range a {
		out[i] = p.Current
	}
	return out
}

// SaveSettings is a save request without its array. It is paired with the
// array of each finalized repetition.
type SaveSettings struct {
	CellName   string  `json:"cell_name"`
	Folder     string  `json:"folder"`
	CellArea   float64 `json:"cell_area"`
	LightPower float64 `json:"light_power"`
	Autosave   bool    `json:"autosave"`
}

// SaveRequest is everything the persistence writer needs for one file.
type SaveRequest struct {
	Array   Array
	Request Request
	SaveSettings
}

// Repetition identifies a finalized repetition of a run.
type Repetition struct {
	RunID   string
	Index   int
	Of      int
	Request Request
	Save    SaveSettings
}

// State is the executor's sweep state.
type State int32

const (
	Idle State = iota
	Running
	Aborting
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Aborting:
		return "aborting"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}
