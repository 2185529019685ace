package spool

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// EnsureDirectory creates path if it is absent. An existing non-directory
// at path is an error.
func EnsureDirectory(path string) error {
	err := os.Mkdir(path, 0o755)
	if err == nil {
		return nil
	}
	if !errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("create directory %s: %w", path, err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s exists and is not a directory: %w", path, fs.ErrExist)
	}
	return nil
}
