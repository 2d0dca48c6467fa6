package secrets

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

// loadLocalFile reads a developer secrets file of ref=value lines. Refs are
// unversioned and answer for every version; lines that do not parse as a
// ref are skipped. A missing file yields an empty set.
func loadLocalFile(path string) (map[string]string, error) {
	values := make(map[string]string)
	if path = strings.TrimSpace(path); path == "" {
		return values, nil
	}
	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return values, nil
	case err != nil:
		return values, fmt.Errorf("secrets: read %s: %w", path, err)
	}

	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line[0] == '#' {
			continue
		}
		name, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		if ref, err := parseReference(name); err == nil {
			values[ref.canonical()] = strings.TrimSpace(value)
		}
	}
	return values, nil
}
