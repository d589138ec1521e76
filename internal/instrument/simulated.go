package instrument

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

const (
	idealityFactor    = 1.5
	boltzmann         = 1.38e-23
	cellTemperature   = 300.0
	saturationCurrent = 1e-12
	elementaryCharge  = 1.6e-19

	defaultPhotocurrent = 0.2
	noiseLow            = -0.005
	noiseHigh           = 0.015
	vocLow              = 0.6
	vocHigh             = 1.05
)

type SimulatedOptions struct {
	DelayMin time.Duration
	DelayMax time.Duration
	// Seed fixes the noise sequence; zero seeds from the clock.
	Seed int64
	// Photocurrent shifts the diode curve down; zero selects 0.2 A.
	Photocurrent float64
	// Noiseless disables the current error term.
	Noiseless bool
}

// Simulated is an ideal-diode photovoltaic cell with uniform current noise
// and a per-point settling delay.
type Simulated struct {
	opts  SimulatedOptions
	mu    sync.Mutex
	rng   *rand.Rand
	sleep func(time.Duration)
}

func NewSimulated(opts SimulatedOptions) *Simulated {
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if opts.Photocurrent == 0 {
		opts.Photocurrent = defaultPhotocurrent
	}

	return &Simulated{
		opts:  opts,
		rng:   rand.New(rand.NewSource(seed)),
		sleep: time.Sleep,
	}
}

func (s *Simulated) Initialize() (string, error) {
	return "Simulated Instrument Initialised Successfully", nil
}

func (s *Simulated) MeasureOpenCircuit() (float64, error) {
	s.mu.Lock()
	v := vocLow + (vocHigh-vocLow)*s.rng.Float64()
	s.mu.Unlock()

	return math.Round(v*1000) / 1000, nil
}

func (s *Simulated) MeasurePoint(target float64) (float64, float64, error) {
	s.mu.Lock()
	delay := s.opts.DelayMin
	if span := s.opts.DelayMax - s.opts.DelayMin; span > 0 {
		delay += time.Duration(s.rng.Int63n(int64(span)))
	}
	noise := noiseLow + (noiseHigh-noiseLow)*s.rng.Float64()
	s.mu.Unlock()

	if delay > 0 {
		s.sleep(delay)
	}

	current := DiodeCurrent(target) - s.opts.Photocurrent
	if !s.opts.Noiseless {
		current += noise
	}

	return target, current, nil
}

func (s *Simulated) Close() error {
	return nil
}

var _ Driver = (*Simulated)(nil)

// DiodeCurrent is the dark current of the simulated cell at voltage v.
func DiodeCurrent(v float64) float64 {
	thermal := idealityFactor * boltzmann * cellTemperature / elementaryCharge
	return saturationCurrent * (math.Exp(v/thermal) - 1)
}
