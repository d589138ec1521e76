package instrument

import "io"

// Driver is the source-measure unit used for I-V sweeps. Calls are blocking
// and must not be issued concurrently; callers serialise access through the
// measurement lock.
type Driver interface {
	// Initialize connects to and configures the instrument. The returned
	// message is meant for the operator console on success and failure.
	Initialize() (string, error)

	// MeasureOpenCircuit measures the cell voltage at zero current.
	MeasureOpenCircuit() (float64, error)

	// MeasurePoint sources target volts and returns the read-back voltage
	// and the measured current.
	MeasurePoint(target float64) (voltage, current float64, err error)

	io.Closer
}

// Standby is implemented by drivers that leave the source energised between
// calls. The executor calls it once a sweep set has stopped measuring.
type Standby interface {
	Standby() error
}
