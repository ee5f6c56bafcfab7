package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Logger Tests
// =============================================================================

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
		hasError bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"loud", LevelInfo, true},
		{"", LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			level, err := ParseLevel(tt.input)
			if tt.hasError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, level)
		})
	}
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("JSON")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, f)
	_, err = ParseFormat("xml")
	assert.Error(t, err)
}

func TestLogger_JSONWithComponentAndRedaction(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(&Config{Level: LevelDebug, Format: FormatJSON, Writer: &buf, Component: "changetrack"})
	require.NoError(t, err)
	defer l.Close()

	ForDocument(l.WithComponent("session"), "doc-1").Info("opened", "hmac_key", "deadbeef", "changes", 3)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "opened", rec["msg"])
	assert.Equal(t, "doc-1", rec["document_id"])
	assert.Equal(t, "[REDACTED]", rec["hmac_key"])
	assert.Equal(t, float64(3), rec["changes"])
}

func TestLogger_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(&Config{Level: LevelWarn, Writer: &buf})
	require.NoError(t, err)
	l.Info("quiet")
	l.Warn("loud")
	assert.NotContains(t, buf.String(), "quiet")
	assert.Contains(t, buf.String(), "loud")
}

func TestOperationIDContext(t *testing.T) {
	assert.Equal(t, "", OperationIDFromContext(context.Background()))
	ctx := ContextWithOperationID(context.Background(), "op-7")
	assert.Equal(t, "op-7", OperationIDFromContext(ctx))

	var buf bytes.Buffer
	l, err := New(&Config{Writer: &buf})
	require.NoError(t, err)
	FromContext(ctx, l.Logger).Info("bulk")
	assert.Contains(t, buf.String(), "op_id=op-7")
}

func TestDiscard(t *testing.T) {
	assert.NotNil(t, OrDiscard(nil))
	Discard().Error("dropped")
}

// =============================================================================
// Rotator Tests
// =============================================================================

func TestFileRotator_WritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "changetrack.log")
	l, err := New(&Config{Output: "file", FilePath: path, MaxSizeBytes: 1 << 20})
	require.NoError(t, err)
	l.Info("hello")
	require.NoError(t, l.Sync())
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello")
}

func TestFileRotator_RotatesAndCompresses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "changetrack.log")
	r, err := NewFileRotator(&Config{FilePath: path, MaxSizeBytes: 64, MaxBackups: 2, Compress: true})
	require.NoError(t, err)

	line := []byte(strings.Repeat("x", 40) + "\n")
	for i := 0; i < 6; i++ {
		_, err := r.Write(line)
		require.NoError(t, err)
	}
	require.NoError(t, r.Close())

	backups, err := r.Backups()
	require.NoError(t, err)
	assert.LessOrEqual(t, len(backups), 2)
	require.NotEmpty(t, backups)
	for _, b := range backups {
		assert.True(t, strings.HasSuffix(b, ".gz"), b)
	}

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.LessOrEqual(t, info.Size(), int64(64))
}
