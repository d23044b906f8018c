package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJobArg(t *testing.T) {
	tests := []struct {
		arg     string
		study   string
		path    string
		wantErr bool
	}{
		{arg: "study-1=exports/a.csv", study: "study-1", path: "exports/a.csv"},
		{arg: " study-2 = b.csv ", study: "study-2", path: "b.csv"},
		{arg: "study=dir/x=y.csv", study: "study", path: "dir/x=y.csv"},
		{arg: "a.csv", wantErr: true},
		{arg: "=a.csv", wantErr: true},
		{arg: "study-1=", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.arg, func(t *testing.T) {
			study, path, err := parseJobArg(tt.arg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.study, study)
			assert.Equal(t, tt.path, path)
		})
	}
}

func TestTruncateString(t *testing.T) {
	assert.Equal(t, "Ana Lopez", truncateString("Ana Lopez", 24))
	assert.Equal(t, "María-J...", truncateString("María-José Fernández", 10))
	assert.Equal(t, "ab", truncateString("abcdef", 2))
}

func TestPadRight(t *testing.T) {
	assert.Equal(t, "101   ", padRight("101", 6))
	assert.Equal(t, "101-001", padRight("101-001", 4))
}
