package instrument

import (
	"bufio"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"codeberg.org/mutker/ivctl/internal/config"
	"codeberg.org/mutker/ivctl/internal/errors"
	"codeberg.org/mutker/ivctl/internal/logger"
	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

const terminator = '\n'

// dialFunc opens a fresh byte stream to the instrument
type dialFunc func() (io.ReadWriteCloser, error)

type deadliner interface {
	SetDeadline(t time.Time) error
}

// link is a line-oriented SCPI channel. Writes are newline terminated and
// responses are read up to the next newline.
type link struct {
	mu      sync.Mutex
	conn    io.ReadWriteCloser
	rd      *bufio.Reader
	timeout time.Duration
}

func newLink(conn io.ReadWriteCloser, timeout time.Duration) *link {
	return &link{
		conn:    conn,
		rd:      bufio.NewReader(conn),
		timeout: timeout,
	}
}

func (l *link) arm() {
	if d, ok := l.conn.(deadliner); ok && l.timeout > 0 {
		_ = d.SetDeadline(time.Now().Add(l.timeout))
	}
}

// Write sends one or more commands joined by ';'
func (l *link) Write(cmds ...string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.send(strings.Join(cmds, ";"))
}

// Query sends cmd and returns the response with the terminator stripped
func (l *link) Query(cmd string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.send(cmd); err != nil {
		return "", err
	}

	resp, err := l.rd.ReadString(terminator)
	if err != nil {
		return "", errors.New().Wrap(ErrReadFailed, err).WithMessage("no response to " + cmd)
	}

	return strings.TrimRight(resp, "\r\n"), nil
}

func (l *link) send(cmd string) error {
	l.arm()
	if _, err := io.WriteString(l.conn, cmd+string(terminator)); err != nil {
		return errors.New().Wrap(ErrWriteFailed, err)
	}

	return nil
}

func (l *link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.conn.Close()
}

// transportDialer opens a serial port when one is configured and a TCP
// connection otherwise
func transportDialer(cfg config.InstrumentConfig) dialFunc {
	return func() (io.ReadWriteCloser, error) {
		if cfg.SerialPort != "" {
			return serial.OpenPort(&serial.Config{
				Name:        cfg.SerialPort,
				Baud:        cfg.Baud,
				ReadTimeout: cfg.Timeout,
			})
		}

		return net.DialTimeout("tcp", cfg.Address, cfg.Timeout)
	}
}

// dialWithBackoff retries dial with exponential backoff. Source-measure units
// on LXI tend to refuse connections for a moment after a previous session
// closes.
func dialWithBackoff(dial dialFunc, log logger.Logger) (io.ReadWriteCloser, error) {
	var conn io.ReadWriteCloser

	op := func() error {
		c, err := dial()
		if err != nil {
			return err
		}
		conn = c
		return nil
	}

	notify := func(err error, wait time.Duration) {
		log.Debug().Err(err).Dur("retry_in", wait).Msg("Instrument connection attempt failed")
	}

	err := backoff.RetryNotify(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock,
	}, notify)
	if err != nil {
		return nil, errors.New().Wrap(ErrConnectFailed, err)
	}

	return conn, nil
}
