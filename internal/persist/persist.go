// Package persist writes completed sweep arrays to uniquely named result
// files. Name selection and the write happen under one lock per destination
// folder, shared by every Writer in the process.
package persist

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"codeberg.org/mutker/ivctl/internal/errors"
	"codeberg.org/mutker/ivctl/internal/logger"
	"codeberg.org/mutker/ivctl/internal/measurement"
)

const (
	Extension = ".csv"

	delimiter   = "   "
	tempPattern = ".ivctl-*.tmp"
	filePerm    = 0o644
)

var folderLocks = struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}{locks: make(map[string]*sync.Mutex)}

func lockFolder(folder string) func() {
	folderLocks.mu.Lock()
	l, ok := folderLocks.locks[folder]
	if !ok {
		l = &sync.Mutex{}
		folderLocks.locks[folder] = l
	}
	folderLocks.mu.Unlock()

	l.Lock()
	return l.Unlock
}

type Writer struct {
	log logger.Logger
}

func NewWriter() *Writer {
	return &Writer{log: logger.With("persist")}
}

// Save writes req to the next free name in its folder and returns the path.
// On failure no file is left under a claimed name.
func (w *Writer) Save(req measurement.SaveRequest) (string, error) {
	errFactory := errors.New()

	folder, err := filepath.Abs(req.Folder)
	if err != nil {
		return "", errFactory.Wrap(errors.ErrInvalidFolder, err).WithData(req.Folder)
	}

	unlock := lockFolder(folder)
	defer unlock()

	stem, err := NextName(folder, req.CellName)
	if err != nil {
		return "", err
	}
	path := filepath.Join(folder, stem+Extension)

	tmp, err := os.CreateTemp(folder, tempPattern)
	if err != nil {
		return "", errFactory.Wrap(errors.ErrSaveFailed, err).WithData(folder)
	}
	tmpName := tmp.Name()

	committed := false
	defer func() {
		if !committed {
			if err := os.Remove(tmpName); err != nil && !os.IsNotExist(err) {
				w.log.Debug().Err(err).Str("path", tmpName).Msg("Failed to remove temporary file")
			}
		}
	}()

	if err := Encode(tmp, req); err != nil {
		tmp.Close()
		return "", errFactory.Wrap(errors.ErrSaveFailed, err).WithData(path)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", errFactory.Wrap(errors.ErrSaveFailed, err).WithData(path)
	}
	if err := tmp.Close(); err != nil {
		return "", errFactory.Wrap(errors.ErrSaveFailed, err).WithData(path)
	}
	if err := os.Chmod(tmpName, filePerm); err != nil {
		return "", errFactory.Wrap(errors.ErrSaveFailed, err).WithData(path)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return "", errFactory.Wrap(errors.ErrSaveFailed, err).WithData(path)
	}
	committed = true

	w.log.Info().Str("path", path).Int("points", len(req.Array)).Msg("Measurement saved")

	return path, nil
}

// Encode writes the header block followed by one row per point
func Encode(out io.Writer, req measurement.SaveRequest) error {
	bw := bufio.NewWriter(out)

	fmt.Fprintf(bw, "Sweep Settings:\n")
	fmt.Fprintf(bw, "Start Voltage (V): %s\n", formatValue(req.Request.StartVoltage))
	fmt.Fprintf(bw, "End Voltage (V): %s\n", formatValue(req.Request.EndVoltage))
	fmt.Fprintf(bw, "Scan Rate (mV/s): %s\n", formatValue(req.Request.ScanRate))
	fmt.Fprintf(bw, "\n")
	fmt.Fprintf(bw, "Analysis Variables:\n")
	fmt.Fprintf(bw, "Cell Area(cm2): %s\n", formatValue(req.CellArea))
	fmt.Fprintf(bw, "Power (mWcm-2): %s\n", formatValue(req.LightPower))
	fmt.Fprintf(bw, "\n")
	fmt.Fprintf(bw, "Voltage(V)%sCurrent (A)\n", delimiter)

	for _, p := range req.Array {
		fmt.Fprintf(bw, "%.5e%s%.5e\n", p.Voltage, delimiter, p.Current)
	}

	return bw.Flush()
}

// formatValue writes header numbers with at least one decimal, so 1 reads
// as 1.0
func formatValue(v float64) string {
	out := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.Contains(out, ".") {
		out += ".0"
	}
	return out
}
