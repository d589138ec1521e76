package sweep

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRamp(t *testing.T) {
	r := Ramp(1.0, -0.1, RampPoints)
	require.Len(t, r, RampPoints)
	assert.Equal(t, 1.0, r[0])
	assert.Equal(t, -0.1, r[len(r)-1])

	step := (-0.1 - 1.0) / float64(RampPoints-1)
	for i := 1; i < len(r); i++ {
		assert.InDelta(t, step, r[i]-r[i-1], 1e-12)
	}

	assert.Nil(t, Ramp(0, 1, 0))
	assert.Equal(t, []float64{0.3}, Ramp(0.3, 1, 1))
	assert.Equal(t, []float64{0, 0.5, 1}, Ramp(0, 1, 3))
}
