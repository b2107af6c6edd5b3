// Package store persists small JSON documents on a best-effort basis: a
// missing file means "use defaults" and a malformed file is reported but
// never fatal.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// ErrMalformed wraps decode failures so callers can tell them apart from
// I/O errors.
var ErrMalformed = errors.New("malformed JSON file")

// Load decodes path into v. Fields absent from the file keep the values v
// already holds. It reports found=false and leaves v untouched when the file
// does not exist. A malformed file also leaves v untouched and returns an
// error wrapping ErrMalformed.
func Load[T any](path string, v *T) (found bool, err error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", path, err)
	}
	// decode into a copy so a partial decode never leaks into v
	decoded := *v
	if err := json.Unmarshal(data, &decoded); err != nil {
		return true, fmt.Errorf("%w %s: %v", ErrMalformed, path, err)
	}
	*v = decoded
	return true, nil
}

// Save writes v as indented JSON, creating parent directories. The file is
// written to a temporary sibling and renamed into place.
func Save(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
