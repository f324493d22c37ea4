package resource

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeMachinesFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "machines.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

func TestLoadStaticMachines(t *testing.T) {
	path := writeMachinesFile(t, `
machines:
  - name: lab-1
    address: 10.0.0.1
    user: perf
    attrs:
      zone: rack-a
  - name: lab-2
    address: 10.0.0.2
`)

	handles, err := LoadStaticMachines(path)
	require.NoError(t, err)
	require.Len(t, handles, 2)

	first := handles[0]
	assert.Equal(t, KindVM, first.Kind)
	assert.Equal(t, "lab-1", first.Name)
	assert.Equal(t, "lab-1", first.ID)
	assert.True(t, first.Static)
	assert.False(t, first.Created)
	assert.Equal(t, "10.0.0.1", first.Attrs["address"])
	assert.Equal(t, "perf", first.Attrs["user"])
	assert.Equal(t, "rack-a", first.Attrs["zone"])

	second := handles[1]
	assert.Equal(t, "10.0.0.2", second.Attrs["address"])
	assert.NotContains(t, second.Attrs, "user")
}

func TestLoadStaticMachines_Validation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errMsg  string
	}{
		{
			name: "missing name",
			content: `
machines:
  - address: 10.0.0.1
`,
			errMsg: "name is required",
		},
		{
			name: "missing address",
			content: `
machines:
  - name: lab-1
`,
			errMsg: "address is required",
		},
		{
			name:    "invalid yaml",
			content: "machines: [",
			errMsg:  "parsing static machine file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeMachinesFile(t, tt.content)

			_, err := LoadStaticMachines(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestLoadStaticMachines_MissingFile(t *testing.T) {
	_, err := LoadStaticMachines(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadStaticMachines_EmptyFile(t *testing.T) {
	path := writeMachinesFile(t, "machines: []")

	handles, err := LoadStaticMachines(path)
	require.NoError(t, err)
	assert.Empty(t, handles)
}
