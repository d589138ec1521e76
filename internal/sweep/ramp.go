package sweep

// RampPoints is the fixed number of samples per repetition. The scan rate
// does not change it.
const RampPoints = 250

// Ramp returns n evenly spaced voltages from start to end inclusive
func Ramp(start, end float64, n int) []float64 {
	switch {
	case n <= 0:
		return nil
	case n == 1:
		return []float64{start}
	}

	out := make([]float64, n)
	step := (end - start) / float64(n-1)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	out[n-1] = end

	return out
}
