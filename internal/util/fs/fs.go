// Package fs holds small directory helpers shared by the base backup and
// WAL receiver engines.
package fs

import (
	"fmt"
	"os"
)

// MkdirP creates path recursively with the given mode, like "mkdir -p".
// It is not an error if the directory already exists.
func MkdirP(path string, mode os.FileMode) error {
	if path == "" {
		return fmt.Errorf("path is empty")
	}
	return os.MkdirAll(path, mode)
}
