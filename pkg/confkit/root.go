package confkit

import (
	"os"
	"path/filepath"
	"runtime"
)

const maxWalk = 8

// walkUp calls visit for dir and its parents until visit returns true or the
// walk runs out. It reports the directory visit stopped at.
func walkUp(dir string, visit func(string) bool) (string, bool) {
	for i := 0; i < maxWalk; i++ {
		if visit(dir) {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false
}

func isRoot(dir string) bool {
	return exists(filepath.Join(dir, "go.mod")) || exists(filepath.Join(dir, ".git"))
}

func exists(p string) bool {
	if p == "" {
		return false
	}
	_, err := os.Stat(p)
	return err == nil
}

// ProjectRoot locates the module root from the source tree, falling back to
// the working directory in a deployed binary.
func ProjectRoot() string {
	if _, file, _, ok := runtime.Caller(0); ok {
		if root, found := walkUp(filepath.Dir(file), isRoot); found {
			return root
		}
	}
	if wd, err := os.Getwd(); err == nil {
		return wd
	}
	return "."
}

// Locate returns path when it exists as given, otherwise the same path
// under the project root. Mains use it so `-f etc/x.yaml` works from any
// directory inside the checkout.
func Locate(path string) string {
	if filepath.IsAbs(path) || exists(path) {
		return path
	}
	if alt := filepath.Join(ProjectRoot(), path); exists(alt) {
		return alt
	}
	return path
}
