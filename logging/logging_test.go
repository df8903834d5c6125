package logging

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", "info", false},
		{"debug", "debug", false},
		{"WARN", "warn", false},
		{"error", "error", false},
		{"loud", "info", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			level, err := ParseLevel(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, level.String())
		})
	}
}

func TestNewWritesToOutputPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "links.log")
	logger, err := New(Options{Level: "debug", JSON: true, OutputPaths: []string{path}})
	require.NoError(t, err)

	logger.Debug("hello", zap.String("peer", "p1"))
	require.NoError(t, logger.Sync())
	require.FileExists(t, path)
}

func TestOrNop(t *testing.T) {
	require.NotNil(t, OrNop(nil))
	logger := zap.NewExample()
	require.Same(t, logger, OrNop(logger))
}
