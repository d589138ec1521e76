package measurement

import (
	"math"
	"testing"

	"codeberg.org/mutker/ivctl/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     Request
		wantErr bool
	}{
		{"valid", Request{StartVoltage: 1, EndVoltage: -0.1, Repeats: 2, ScanRate: 10}, false},
		{"equal endpoints", Request{StartVoltage: 0.5, EndVoltage: 0.5, Repeats: 1}, false},
		{"zero repeats", Request{StartVoltage: 1, EndVoltage: 0, Repeats: 0}, true},
		{"nan start", Request{StartVoltage: math.NaN(), EndVoltage: 0, Repeats: 1}, true},
		{"infinite end", Request{StartVoltage: 0, EndVoltage: math.Inf(1), Repeats: 1}, true},
		{"negative scan rate", Request{StartVoltage: 0, EndVoltage: 1, Repeats: 1, ScanRate: -5}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsCode(err, errors.ErrInvalidRequest))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestArrayCloneIsIndependent(t *testing.T) {
	a := Array{{Voltage: 1, Current: 2}, {Voltage: 3, Current: 4}}
	b := a.Clone()
	b[0].Voltage = 9

	assert.Equal(t, 1.0, a[0].Voltage)
	assert.Equal(t, []float64{1, 3}, a.Voltages())
	assert.Equal(t, []float64{2, 4}, a.Currents())
	assert.Nil(t, Array(nil).Clone())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "aborting", Aborting.String())
	assert.Equal(t, "state(7)", State(7).String())
}
