// Package confkit holds the plumbing shared by the root config and the
// per-package YAML sections.
package confkit

import (
	"fmt"
	"os"
	"path/filepath"
)

// ResolvePath expands env vars in file and joins it to base unless it is
// already absolute.
func ResolvePath(base, file string) string {
	file = os.ExpandEnv(file)
	if filepath.IsAbs(file) {
		return file
	}
	return filepath.Join(base, file)
}

// BaseDir returns the directory of the main config file.
func BaseDir(mainPath string) string {
	return filepath.Dir(mainPath)
}

// Section is a config block kept in its own file. The main config names the
// file; Hydrate parses it into Value.
type Section[T any] struct {
	File  string `json:",optional"`
	Value *T     `json:"-"`
}

// Hydrate loads File relative to base. An empty File leaves Value untouched,
// so callers may inline a Value in tests.
func (s *Section[T]) Hydrate(base string, loader func(string) (*T, error)) error {
	if s.File == "" {
		return nil
	}
	p := ResolvePath(base, s.File)
	v, err := loader(p)
	if err != nil {
		return fmt.Errorf("%s: %w", p, err)
	}
	s.File, s.Value = p, v
	return nil
}

// Configured reports whether the section has a value.
func (s *Section[T]) Configured() bool {
	return s.Value != nil
}
