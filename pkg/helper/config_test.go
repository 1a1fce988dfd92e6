package helper

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdirTemp moves the test into a fresh working directory holding the given
// files and returns the directory's resolved path
func chdirTemp(t *testing.T, files ...string) string {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.Chdir(old) })

	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	for _, f := range files {
		require.NoError(t, os.MkdirAll(filepath.Dir(f), 0o755))
		require.NoError(t, os.WriteFile(f, []byte("server:\n  addr: :8080\n"), 0o644))
	}
	return dir
}

func TestGetCfgPath_SearchOrder(t *testing.T) {
	tests := []struct {
		name     string
		files    []string
		filename string
		want     string // relative to the working directory, or absolute
	}{
		{
			name:     "working directory",
			files:    []string{"sessiond.yaml"},
			filename: "sessiond.yaml",
			want:     "sessiond.yaml",
		},
		{
			name:     "configs directory",
			files:    []string{"configs/sessiond.yaml"},
			filename: "sessiond.yaml",
			want:     "configs/sessiond.yaml",
		},
		{
			name:     "working directory wins over configs",
			files:    []string{"sessiond.yaml", "configs/sessiond.yaml"},
			filename: "sessiond.yaml",
			want:     "sessiond.yaml",
		},
		{
			name:     "nested name under configs",
			files:    []string{"configs/prod/sessiond.toml"},
			filename: "prod/sessiond.toml",
			want:     "configs/prod/sessiond.toml",
		},
		{
			name:     "other names are not matched",
			files:    []string{"configs/other.yaml"},
			filename: "sessiond.yaml",
			want:     "/etc/sessiond/sessiond.yaml",
		},
		{
			name:     "fallback",
			filename: "sessiond.yaml",
			want:     "/etc/sessiond/sessiond.yaml",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := chdirTemp(t, tt.files...)
			want := tt.want
			if !filepath.IsAbs(want) {
				want = filepath.Join(dir, want)
			}
			assert.Equal(t, want, GetCfgPath(tt.filename))
		})
	}
}

func TestGetCfgPath_Absolute(t *testing.T) {
	chdirTemp(t, "configs/sessiond.yaml")
	missing := filepath.Join(t.TempDir(), "missing.yaml")
	assert.Equal(t, missing, GetCfgPath(missing), "absolute paths are not searched or checked")
}

func TestGetCfgPath_Empty(t *testing.T) {
	assert.PanicsWithValue(t, "filename cannot be empty", func() { GetCfgPath("") })
}

func TestGetCfgPath_FallbackDir(t *testing.T) {
	chdirTemp(t)
	assert.Equal(t, ConfigSearchDir, filepath.Dir(GetCfgPath("x.yaml")))
}
