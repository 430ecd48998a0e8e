package pathutil

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClean(t *testing.T) {
	got, err := Clean("archives/./threats")
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(got))
	assert.Equal(t, "threats", filepath.Base(got))

	_, err = Clean("archives/../../etc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "directory traversal")
}

func TestValidateConfigPath(t *testing.T) {
	tests := []struct {
		name        string
		path        string
		errContains string
		wantErr     bool
	}{
		{name: "yaml", path: "sentinel.yaml"},
		{name: "yml upper case", path: "configs/SENTINEL.YML"},
		{name: "json", path: "sentinel.json", wantErr: true, errContains: ".yaml or .yml"},
		{name: "traversal", path: "../sentinel.yaml", wantErr: true, errContains: "directory traversal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidateConfigPath(tt.path)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContains)
				return
			}
			require.NoError(t, err)
			assert.True(t, filepath.IsAbs(got))
		})
	}
}

func TestJoinAndValidate(t *testing.T) {
	base := t.TempDir()

	got, err := JoinAndValidate(base, "threats", "t-1.json")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "threats", "t-1.json"), got)

	_, err = JoinAndValidate(base, "..", "escape.json")
	assert.Error(t, err)

	_, err = JoinAndValidate(base, "/etc/passwd")
	require.NoError(t, err, "absolute elements are joined beneath the base")
}

func TestIsWithin(t *testing.T) {
	assert.True(t, IsWithin("/data/archive", "/data"))
	assert.True(t, IsWithin("/data", "/data/"))
	assert.False(t, IsWithin("/database", "/data"))
	assert.False(t, IsWithin("/etc", "/data"))
}
