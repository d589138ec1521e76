package instrument

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/ivctl/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSMU answers SCPI queries synchronously from respond
type fakeSMU struct {
	mu      sync.Mutex
	writes  []string
	out     bytes.Buffer
	respond func(cmd string) string
	// drop leaves a query unanswered so the read fails
	drop   func(cmd string) bool
	closed bool
}

func (f *fakeSMU) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, line := range strings.Split(string(p), "\n") {
		if line == "" {
			continue
		}
		f.writes = append(f.writes, line)
		if strings.Contains(line, "?") {
			if f.drop != nil && f.drop(line) {
				continue
			}
			f.out.WriteString(f.respond(line) + "\n")
		}
	}

	return len(p), nil
}

func (f *fakeSMU) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.out.Len() == 0 {
		return 0, io.EOF
	}

	return f.out.Read(p)
}

func (f *fakeSMU) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true

	return nil
}

func (f *fakeSMU) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.writes...)
}

func healthySMU() *fakeSMU {
	return &fakeSMU{respond: func(cmd string) string {
		switch {
		case cmd == "*IDN?":
			return "KEITHLEY INSTRUMENTS,MODEL 2450,04096331,1.7.12b"
		case cmd == ":SYST:ERR?":
			return `0,"No error;0;0 0"`
		case strings.HasPrefix(cmd, ":READ?") && strings.Contains(cmd, "SOUR"):
			return "5.000000E-01,-1.970000E-01"
		case strings.HasPrefix(cmd, ":READ?"):
			return "8.123000E-01"
		default:
			return ""
		}
	}}
}

func dialer(conn io.ReadWriteCloser) dialFunc {
	return func() (io.ReadWriteCloser, error) { return conn, nil }
}

func TestKeithleyInitialize(t *testing.T) {
	smu := healthySMU()
	k := newKeithley2450(dialer(smu), time.Second)

	msg, err := k.Initialize()
	require.NoError(t, err)
	assert.Equal(t, "Keithley 2450 Initialised Successfully", msg)

	sent := smu.sent()
	assert.Equal(t, []string{
		"*IDN?",
		"*RST",
		"*ESE 1",
		"*SRE 32",
		"*CLS",
		":SOUR:VOLT:READ:BACK ON;:SOUR:CURR:READ:BACK ON",
		":SYST:ERR?",
	}, sent)
}

func TestKeithleyInitializeWrongModel(t *testing.T) {
	smu := healthySMU()
	smu.respond = func(cmd string) string { return "KEITHLEY INSTRUMENTS,MODEL 2400,1,1" }
	k := newKeithley2450(dialer(smu), time.Second)

	msg, err := k.Initialize()
	require.Error(t, err)
	assert.Equal(t, "Keithley 2450 Initialisation Failed", msg)
	assert.True(t, errors.IsCode(err, ErrIdentifyFailed))
	assert.True(t, smu.closed)
}

func TestKeithleyInitializeReportsSetupError(t *testing.T) {
	smu := healthySMU()
	base := smu.respond
	smu.respond = func(cmd string) string {
		if cmd == ":SYST:ERR?" {
			return `-113,"Undefined header;1;2024/01/01 10:00:00.000"`
		}
		return base(cmd)
	}
	k := newKeithley2450(dialer(smu), time.Second)

	_, err := k.Initialize()
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, ErrSetupFailed))
}

func TestKeithleyMeasurePoint(t *testing.T) {
	smu := healthySMU()
	k := newKeithley2450(dialer(smu), time.Second)
	_, err := k.Initialize()
	require.NoError(t, err)

	v, i, err := k.MeasurePoint(0.5)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, v, 1e-12)
	assert.InDelta(t, -0.197, i, 1e-12)

	_, _, err = k.MeasurePoint(0.6)
	require.NoError(t, err)

	sent := smu.sent()
	configured := 0
	for _, cmd := range sent {
		if strings.HasPrefix(cmd, ":SOUR:FUNC VOLT") {
			configured++
		}
	}
	assert.Equal(t, 1, configured, "source mode is configured once per mode change")
	assert.Contains(t, sent, ":SOUR:VOLT 0.6")
}

func TestKeithleyMeasureOpenCircuit(t *testing.T) {
	smu := healthySMU()
	k := newKeithley2450(dialer(smu), time.Second)
	_, err := k.Initialize()
	require.NoError(t, err)

	v, err := k.MeasureOpenCircuit()
	require.NoError(t, err)
	assert.InDelta(t, 0.8123, v, 1e-12)
	assert.Contains(t, smu.sent(), ":SOUR:FUNC CURR;:SOUR:CURR 0;:SENS:FUNC \"VOLT\";:SENS:VOLT:RANG:AUTO ON")
}

func TestKeithleyUnusableReading(t *testing.T) {
	smu := healthySMU()
	base := smu.respond
	smu.respond = func(cmd string) string {
		if strings.HasPrefix(cmd, ":READ?") {
			return "overflow"
		}
		return base(cmd)
	}
	k := newKeithley2450(dialer(smu), time.Second)
	_, err := k.Initialize()
	require.NoError(t, err)

	_, _, err = k.MeasurePoint(0.1)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, ErrUnusableReading))
}

func countSent(sent []string, prefix string) int {
	n := 0
	for _, cmd := range sent {
		if strings.HasPrefix(cmd, prefix) {
			n++
		}
	}
	return n
}

func TestKeithleyReinitializeReconfiguresSource(t *testing.T) {
	smu := healthySMU()
	k := newKeithley2450(dialer(smu), time.Second)

	_, err := k.Initialize()
	require.NoError(t, err)
	_, _, err = k.MeasurePoint(0.5)
	require.NoError(t, err)

	_, err = k.Initialize()
	require.NoError(t, err)
	_, _, err = k.MeasurePoint(0.5)
	require.NoError(t, err)

	sent := smu.sent()
	assert.Equal(t, 2, countSent(sent, "*RST"))
	assert.Equal(t, 2, countSent(sent, ":SOUR:FUNC VOLT"), "the reset source is configured again")

	var lastReset int
	for i, cmd := range sent {
		if cmd == "*RST" {
			lastReset = i
		}
	}
	assert.Contains(t, sent[lastReset:], `:SOUR:FUNC VOLT;:SENS:FUNC "CURR";:SENS:CURR:RANG:AUTO ON;:OUTP ON`)
}

func TestKeithleyOverflowReading(t *testing.T) {
	smu := healthySMU()
	base := smu.respond
	overflowed := true
	smu.respond = func(cmd string) string {
		if overflowed && strings.HasPrefix(cmd, ":READ?") {
			return "5.000000E-01,9.910000E+37"
		}
		return base(cmd)
	}
	k := newKeithley2450(dialer(smu), time.Second)
	_, err := k.Initialize()
	require.NoError(t, err)

	_, _, err = k.MeasurePoint(0.5)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, ErrUnusableReading))

	sent := smu.sent()
	assert.Equal(t, ":OUTP OFF", sent[len(sent)-1])

	overflowed = false
	_, _, err = k.MeasurePoint(0.5)
	require.NoError(t, err)
	assert.Equal(t, 2, countSent(smu.sent(), ":SOUR:FUNC VOLT"), "the output is switched on again")
}

func TestKeithleyOpenCircuitOverflow(t *testing.T) {
	smu := healthySMU()
	base := smu.respond
	smu.respond = func(cmd string) string {
		if strings.HasPrefix(cmd, ":READ?") {
			return "9.9E37"
		}
		return base(cmd)
	}
	k := newKeithley2450(dialer(smu), time.Second)
	_, err := k.Initialize()
	require.NoError(t, err)

	_, err = k.MeasureOpenCircuit()
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, ErrUnusableReading))
	assert.Contains(t, smu.sent(), ":OUTP OFF")
}

func TestKeithleyOpenCircuitReadFailureTurnsOutputOff(t *testing.T) {
	smu := healthySMU()
	k := newKeithley2450(dialer(smu), time.Second)
	_, err := k.Initialize()
	require.NoError(t, err)

	smu.mu.Lock()
	smu.drop = func(cmd string) bool { return strings.HasPrefix(cmd, ":READ?") }
	smu.mu.Unlock()

	_, err = k.MeasureOpenCircuit()
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, ErrReadFailed))

	sent := smu.sent()
	assert.Equal(t, ":OUTP OFF", sent[len(sent)-1])
}

func TestKeithleyStandby(t *testing.T) {
	smu := healthySMU()
	k := newKeithley2450(dialer(smu), time.Second)
	require.NoError(t, k.Standby(), "standby before connecting is a no-op")

	_, err := k.Initialize()
	require.NoError(t, err)
	_, _, err = k.MeasurePoint(0.5)
	require.NoError(t, err)

	require.NoError(t, k.Standby())
	sent := smu.sent()
	assert.Equal(t, ":OUTP OFF", sent[len(sent)-1])

	_, _, err = k.MeasurePoint(0.5)
	require.NoError(t, err)
	assert.Equal(t, 2, countSent(smu.sent(), ":SOUR:FUNC VOLT"))
}

func TestKeithleyNotConnected(t *testing.T) {
	k := newKeithley2450(dialer(healthySMU()), time.Second)

	_, _, err := k.MeasurePoint(0.1)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, ErrNotConnected))
}

func TestDialRetriesWithBackoff(t *testing.T) {
	smu := healthySMU()
	attempts := 0
	dial := func() (io.ReadWriteCloser, error) {
		attempts++
		if attempts < 3 {
			return nil, fmt.Errorf("connection refused")
		}
		return smu, nil
	}

	k := newKeithley2450(dial, time.Second)
	_, err := k.Initialize()
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestKeithleyClose(t *testing.T) {
	smu := healthySMU()
	k := newKeithley2450(dialer(smu), time.Second)
	_, err := k.Initialize()
	require.NoError(t, err)

	require.NoError(t, k.Close())
	assert.True(t, smu.closed)
	assert.Contains(t, smu.sent(), ":OUTP OFF")
	require.NoError(t, k.Close())
}

func TestParsePair(t *testing.T) {
	v, i, err := parsePair(" 1.0E-01 , -2.5E-03\r")
	require.NoError(t, err)
	assert.InDelta(t, 0.1, v, 1e-12)
	assert.InDelta(t, -0.0025, i, 1e-12)

	_, _, err = parsePair("1.0")
	require.Error(t, err)

	_, _, err = parsePair("1.0E-01,-9.9E37")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, ErrUnusableReading))
}
