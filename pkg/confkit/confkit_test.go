package confkit

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePath(t *testing.T) {
	t.Setenv("CONFKIT_DIR", "shared")
	tests := []struct {
		name string
		file string
		want string
	}{
		{"absolute", "/abs/file.yaml", "/abs/file.yaml"},
		{"relative", "config/file.yaml", "/base/dir/config/file.yaml"},
		{"env relative", "${CONFKIT_DIR}/file.yaml", "/base/dir/shared/file.yaml"},
		{"env absolute", "/${CONFKIT_DIR}/file.yaml", "/shared/file.yaml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ResolvePath("/base/dir", tt.file))
		})
	}
}

func TestBaseDir(t *testing.T) {
	assert.Equal(t, "/etc/config", BaseDir("/etc/config/app.yaml"))
	assert.Equal(t, "/", BaseDir("/app.yaml"))
	assert.Equal(t, "config", BaseDir("config/app.yaml"))
}

func TestSectionHydrate(t *testing.T) {
	t.Run("empty file keeps inline value", func(t *testing.T) {
		inline := "inline"
		s := &Section[string]{Value: &inline}
		require.NoError(t, s.Hydrate("/base", func(string) (*string, error) {
			t.Fatal("loader called without a file")
			return nil, nil
		}))
		assert.True(t, s.Configured())
		assert.Equal(t, "inline", *s.Value)
	})

	t.Run("loads relative to base", func(t *testing.T) {
		s := &Section[string]{File: "section.yaml"}
		require.NoError(t, s.Hydrate("/base", func(p string) (*string, error) {
			v := "from " + p
			return &v, nil
		}))
		assert.Equal(t, "/base/section.yaml", s.File)
		assert.Equal(t, "from /base/section.yaml", *s.Value)
	})

	t.Run("loader error names the file", func(t *testing.T) {
		s := &Section[string]{File: "broken.yaml"}
		err := s.Hydrate("/base", func(string) (*string, error) {
			return nil, errors.New("bad yaml")
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "/base/broken.yaml")
		assert.False(t, s.Configured())
	})
}

func TestWalkUpStopsAtRoot(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "go.mod"), []byte("module x\n"), 0o644))
	deep := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(deep, 0o755))

	var seen []string
	got, ok := walkUp(deep, func(dir string) bool {
		seen = append(seen, dir)
		return isRoot(dir)
	})
	require.True(t, ok)
	assert.Equal(t, root, got)
	assert.Equal(t, []string{deep, filepath.Join(root, "a"), root}, seen)
}

func TestLocate(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "app.yaml")
	require.NoError(t, os.WriteFile(existing, []byte("x: 1\n"), 0o644))
	assert.Equal(t, existing, Locate(existing))

	// go.mod sits at the module root, so it resolves from any package dir
	assert.Equal(t, filepath.Join(ProjectRoot(), "go.mod"), Locate("go.mod"))
	assert.Equal(t, "missing/nowhere.yaml", Locate("missing/nowhere.yaml"))
}
