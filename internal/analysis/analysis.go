// Package analysis derives photovoltaic figures of merit from a completed
// I-V array. Generated power is taken as -V*I, so an illuminated cell
// delivers power where current is negative and voltage positive.
package analysis

import (
	"fmt"
	"math"

	"codeberg.org/mutker/ivctl/internal/errors"
	"codeberg.org/mutker/ivctl/internal/measurement"
)

const ErrNotEnoughPoints = errors.ErrorCode("analysis_not_enough_points")

type Result struct {
	// Isc is the magnitude of the current at zero volts, in A
	Isc float64 `json:"isc"`
	// Voc is the voltage at zero current, in V
	Voc float64 `json:"voc"`
	// Pmax is the maximum generated power, in W
	Pmax float64 `json:"pmax"`
	Vmp  float64 `json:"vmp"`
	Imp  float64 `json:"imp"`
	// FillFactor is Pmax / (Voc * Isc); zero when either is unknown
	FillFactor float64 `json:"fill_factor"`
	// Efficiency is in percent; zero without cell area and light power
	Efficiency float64 `json:"efficiency"`
}

// Analyze computes the figures of merit. cellArea is in cm2 and lightPower
// in mW/cm2.
func Analyze(arr measurement.Array, cellArea, lightPower float64) (Result, error) {
	if len(arr) < 2 {
		return Result{}, errors.New().WithData(ErrNotEnoughPoints, len(arr))
	}

	var res Result

	if isc, ok := crossing(arr, func(p measurement.Point) float64 { return p.Voltage },
		func(p measurement.Point) float64 { return p.Current }); ok {
		res.Isc = math.Abs(isc)
	}
	if voc, ok := crossing(arr, func(p measurement.Point) float64 { return p.Current },
		func(p measurement.Point) float64 { return p.Voltage }); ok {
		res.Voc = voc
	}

	res.Pmax = math.Inf(-1)
	for _, p := range arr {
		if power := -p.Voltage * p.Current; power > res.Pmax {
			res.Pmax = power
			res.Vmp = p.Voltage
			res.Imp = p.Current
		}
	}
	if res.Pmax < 0 {
		res.Pmax, res.Vmp, res.Imp = 0, 0, 0
	}

	if res.Voc > 0 && res.Isc > 0 {
		res.FillFactor = res.Pmax / (res.Voc * res.Isc)
	}
	if cellArea > 0 && lightPower > 0 {
		res.Efficiency = res.Pmax * 1000 / (cellArea * lightPower) * 100
	}

	return res, nil
}

// crossing linearly interpolates y where x changes sign between neighbours
func crossing(arr measurement.Array, x, y func(measurement.Point) float64) (float64, bool) {
	for i := 0; i < len(arr); i++ {
		x0, y0 := x(arr[i]), y(arr[i])
		if x0 == 0 {
			return y0, true
		}
		if i+1 == len(arr) {
			break
		}

		x1, y1 := x(arr[i+1]), y(arr[i+1])
		if (x0 < 0) != (x1 < 0) && x1 != 0 {
			return y0 + (y1-y0)*(0-x0)/(x1-x0), true
		}
	}

	return 0, false
}

// Summary is the console line published after each repetition
func (r Result) Summary() string {
	return fmt.Sprintf("Isc: %.4e A  Voc: %.3f V  Pmax: %.4e W  FF: %.3f  Efficiency: %.2f %%",
		r.Isc, r.Voc, r.Pmax, r.FillFactor, r.Efficiency)
}
