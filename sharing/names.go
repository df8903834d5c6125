package sharing

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const maxNameAttempts = 16

// ErrNameExhausted is returned when no free name is found in the share
// directory.
var ErrNameExhausted = errors.New("sharing: no available name")

// ValidateName accepts a single, non-special path element.
func ValidateName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.ContainsAny(name, `/\`+"\x00"):
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case filepath.VolumeName(name) != "":
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// resolveAvailableName places name under directory, appending a timestamp and
// a counter when the name is taken.
func resolveAvailableName(directory, name string, now time.Time) (string, string, error) {
	if err := ValidateName(name); err != nil {
		return "", "", err
	}
	container, err := filepath.Abs(directory)
	if err != nil {
		return "", "", fmt.Errorf("resolve share directory: %w", err)
	}
	if err := os.MkdirAll(container, 0o755); err != nil {
		return "", "", fmt.Errorf("create share directory: %w", err)
	}

	ext := filepath.Ext(name)
	head := strings.TrimSuffix(name, ext)
	stamp := now.Format("20060102-150405")

	candidate := name
	for i := 0; i < maxNameAttempts; i++ {
		full := filepath.Join(container, candidate)
		if _, err := os.Lstat(full); errors.Is(err, os.ErrNotExist) {
			return candidate, full, nil
		}
		candidate = fmt.Sprintf("%s-%s-%d%s", head, stamp, i, ext)
	}
	return "", "", fmt.Errorf("%w: %q", ErrNameExhausted, name)
}
