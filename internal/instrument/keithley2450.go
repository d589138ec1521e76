package instrument

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"codeberg.org/mutker/ivctl/internal/config"
	"codeberg.org/mutker/ivctl/internal/errors"
	"codeberg.org/mutker/ivctl/internal/logger"
)

const (
	keithleyName  = "Keithley 2450"
	keithleyModel = "MODEL 2450"

	// overflow is the value the 2450 reports for a reading out of range
	overflow = 9.9e37
)

type sourceMode int

const (
	modeUnknown sourceMode = iota
	modeVoltage
	modeCurrent
)

// Keithley2450 drives a Keithley 2450 SourceMeter over SCPI
type Keithley2450 struct {
	dial    dialFunc
	timeout time.Duration
	log     logger.Logger

	mu   sync.Mutex
	link *link
	mode sourceMode
}

func NewKeithley2450(cfg config.InstrumentConfig) *Keithley2450 {
	return newKeithley2450(transportDialer(cfg), cfg.Timeout)
}

func newKeithley2450(dial dialFunc, timeout time.Duration) *Keithley2450 {
	return &Keithley2450{
		dial:    dial,
		timeout: timeout,
		log:     logger.With("keithley2450"),
	}
}

func (k *Keithley2450) Initialize() (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if err := k.connect(); err != nil {
		return keithleyName + " Initialisation Failed", err
	}

	if err := k.setup(); err != nil {
		return keithleyName + " Initialisation Failed", err
	}

	return keithleyName + " Initialised Successfully", nil
}

func (k *Keithley2450) connect() error {
	errFactory := errors.New()

	if k.link != nil {
		return nil
	}

	conn, err := dialWithBackoff(k.dial, k.log)
	if err != nil {
		return err
	}
	l := newLink(conn, k.timeout)

	idn, err := l.Query("*IDN?")
	if err != nil {
		l.Close()
		return errFactory.Wrap(ErrIdentifyFailed, err)
	}
	if !strings.Contains(idn, keithleyModel) {
		l.Close()
		return errFactory.WithData(ErrIdentifyFailed, idn)
	}

	k.log.Info().Str("idn", idn).Msg("Instrument identified")
	k.link = l
	k.mode = modeUnknown

	return nil
}

// setup resets the instrument, arms the operation-complete service request
// and enables source read-back
func (k *Keithley2450) setup() error {
	errFactory := errors.New()

	// *RST restores the default source function and turns the output off
	k.mode = modeUnknown

	steps := []string{
		"*RST",
		"*ESE 1",
		"*SRE 32",
		"*CLS",
		":SOUR:VOLT:READ:BACK ON;:SOUR:CURR:READ:BACK ON",
	}
	for _, cmd := range steps {
		if err := k.link.Write(cmd); err != nil {
			return errFactory.Wrap(ErrSetupFailed, err)
		}
	}

	status, err := k.link.Query(":SYST:ERR?")
	if err != nil {
		return errFactory.Wrap(ErrSetupFailed, err)
	}
	if !strings.Contains(status, "No error") {
		return errFactory.WithData(ErrSetupFailed, status)
	}

	return nil
}

func (k *Keithley2450) MeasureOpenCircuit() (float64, error) {
	errFactory := errors.New()

	k.mu.Lock()
	defer k.mu.Unlock()

	if k.link == nil {
		return 0, errFactory.New(ErrNotConnected)
	}

	if k.mode != modeCurrent {
		if err := k.link.Write(":SOUR:FUNC CURR", ":SOUR:CURR 0", `:SENS:FUNC "VOLT"`, ":SENS:VOLT:RANG:AUTO ON"); err != nil {
			k.mode = modeUnknown
			return 0, err
		}
		k.mode = modeCurrent
	}

	if err := k.link.Write(":OUTP ON"); err != nil {
		k.outputOff()
		return 0, err
	}
	resp, err := k.link.Query(`:READ? "defbuffer1", READ`)
	if err != nil {
		k.outputOff()
		return 0, err
	}
	if err := k.link.Write(":OUTP OFF"); err != nil {
		return 0, err
	}

	voltage, err := parseReading(resp)
	if err != nil {
		return 0, err
	}

	return voltage, nil
}

func (k *Keithley2450) MeasurePoint(target float64) (float64, float64, error) {
	errFactory := errors.New()

	k.mu.Lock()
	defer k.mu.Unlock()

	if k.link == nil {
		return 0, 0, errFactory.New(ErrNotConnected)
	}

	if k.mode != modeVoltage {
		if err := k.link.Write(":SOUR:FUNC VOLT", `:SENS:FUNC "CURR"`, ":SENS:CURR:RANG:AUTO ON", ":OUTP ON"); err != nil {
			k.outputOff()
			return 0, 0, err
		}
		k.mode = modeVoltage
	}

	if err := k.link.Write(fmt.Sprintf(":SOUR:VOLT %g", target)); err != nil {
		k.outputOff()
		return 0, 0, err
	}
	resp, err := k.link.Query(`:READ? "defbuffer1", SOUR, READ`)
	if err != nil {
		k.outputOff()
		return 0, 0, err
	}

	voltage, current, err := parsePair(resp)
	if err != nil {
		k.outputOff()
		return 0, 0, err
	}

	return voltage, current, nil
}

// Standby turns the output off. The next measurement reconfigures the
// source before energising it again.
func (k *Keithley2450) Standby() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.link == nil {
		return nil
	}

	k.mode = modeUnknown
	return k.link.Write(":OUTP OFF")
}

// outputOff is the best-effort shutdown on failed measurements. The caller
// holds k.mu.
func (k *Keithley2450) outputOff() {
	k.mode = modeUnknown
	if err := k.link.Write(":OUTP OFF"); err != nil {
		k.log.Warn().Err(err).Msg("Failed to turn output off")
	}
}

func parseReading(raw string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || v >= overflow || v <= -overflow {
		return 0, errors.New().WithData(ErrUnusableReading, raw)
	}

	return v, nil
}

func parsePair(resp string) (float64, float64, error) {
	errFactory := errors.New()

	fields := strings.Split(strings.TrimSpace(resp), ",")
	if len(fields) != 2 {
		return 0, 0, errFactory.WithData(ErrUnusableReading, resp)
	}

	voltage, err := parseReading(fields[0])
	if err != nil {
		return 0, 0, errFactory.WithData(ErrUnusableReading, resp)
	}
	current, err := parseReading(fields[1])
	if err != nil {
		return 0, 0, errFactory.WithData(ErrUnusableReading, resp)
	}

	return voltage, current, nil
}

func (k *Keithley2450) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.link == nil {
		return nil
	}

	_ = k.link.Write(":OUTP OFF")
	err := k.link.Close()
	k.link = nil
	if err != nil {
		return errors.New().Wrap(ErrInstrumentClosing, err)
	}

	return nil
}

var (
	_ Driver  = (*Keithley2450)(nil)
	_ Standby = (*Keithley2450)(nil)
)
