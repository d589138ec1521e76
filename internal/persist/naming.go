package persist

import (
	"fmt"
	"os"
	"regexp"
	"strconv"

	"codeberg.org/mutker/ivctl/internal/errors"
)

// DefaultCellName replaces an empty cell name
const DefaultCellName = "DEFAULT"

// EffectiveName returns the cell name used for file naming
func EffectiveName(cellName string) string {
	if cellName == "" {
		return DefaultCellName
	}
	return cellName
}

// NextName returns the file stem for the next result of cellName in folder.
// Existing files count when their name starts with cellName, optionally
// followed by _<n>. The highest n plus one wins; with no numbered match the
// stem is cellName_1.
func NextName(folder, cellName string) (string, error) {
	entries, err := os.ReadDir(folder)
	if err != nil {
		return "", errors.New().Wrap(errors.ErrInvalidFolder, err).WithData(folder)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}

	return nextName(names, cellName), nil
}

func nextName(names []string, cellName string) string {
	cellName = EffectiveName(cellName)
	pattern := regexp.MustCompile("^" + regexp.QuoteMeta(cellName) + `(?:_(\d+))?.*$`)

	highest := 0
	for _, name := range names {
		m := pattern.FindStringSubmatch(name)
		if m == nil || m[1] == "" {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if n > highest {
			highest = n
		}
	}

	return fmt.Sprintf("%s_%d", cellName, highest+1)
}
