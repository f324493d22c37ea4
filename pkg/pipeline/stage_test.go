package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStages(t *testing.T) {
	tests := []struct {
		name    string
		input   []string
		want    []Stage
		wantErr bool
	}{
		{
			name:  "all expands to every stage",
			input: []string{"all"},
			want:  AllStages,
		},
		{
			name:  "subset",
			input: []string{"provision", "prepare"},
			want:  []Stage{StageProvision, StagePrepare},
		},
		{
			name:  "order is normalized",
			input: []string{"teardown", "provision"},
			want:  []Stage{StageProvision, StageTeardown},
		},
		{
			name:  "case and whitespace tolerated",
			input: []string{" Run ", "CLEANUP"},
			want:  []Stage{StageRun, StageCleanup},
		},
		{
			name:  "duplicates collapse",
			input: []string{"run", "run"},
			want:  []Stage{StageRun},
		},
		{
			name:    "unknown stage",
			input:   []string{"deploy"},
			wantErr: true,
		},
		{
			name:    "empty",
			input:   nil,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			set, err := ParseStages(tt.input)

			if tt.wantErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, set.Ordered())
		})
	}
}

func TestStageSet_All(t *testing.T) {
	all, err := ParseStages([]string{"all"})
	require.NoError(t, err)
	assert.True(t, all.All())

	partial, err := ParseStages([]string{"run"})
	require.NoError(t, err)
	assert.False(t, partial.All())
}

func TestStageSet_String(t *testing.T) {
	set, err := ParseStages([]string{"teardown", "run"})
	require.NoError(t, err)

	assert.Equal(t, "run,teardown", set.String())
}
