// Package instrument provides the source-measure unit drivers used by the
// sweep executor: a simulated photovoltaic cell and a Keithley 2450 driven
// over SCPI.
package instrument

import (
	"codeberg.org/mutker/ivctl/internal/config"
	"codeberg.org/mutker/ivctl/internal/errors"
)

// New selects the driver named by the instrument configuration.
func New(cfg config.InstrumentConfig, sim config.SimulationConfig) (Driver, error) {
	switch cfg.Driver {
	case config.DriverSimulated, "":
		return NewSimulated(SimulatedOptions{
			DelayMin: sim.DelayMin,
			DelayMax: sim.DelayMax,
			Seed:     sim.Seed,
		}), nil
	case config.DriverKeithley2450:
		return NewKeithley2450(cfg), nil
	default:
		return nil, errors.New().WithData(errors.ErrInvalidDriver, cfg.Driver)
	}
}
