package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Options{Level: slog.LevelInfo, Format: "json", Output: &buf})
	logger.Info("hello", "key", "value")

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	require.Equal(t, "hello", decoded["msg"])
}

func TestNewTextFormatNoColors(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Options{Level: slog.LevelInfo, Format: "text", Output: &buf, Colors: false})
	logger.Info("plain line")
	require.Contains(t, buf.String(), `msg="plain line"`)
}

func TestNewTextFormatWithColorsPreservesContent(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Options{Level: slog.LevelInfo, Format: "text", Output: &buf, Colors: true})
	logger.Warn("careful now")
	require.Contains(t, buf.String(), "careful now")
}

func TestNewRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Options{Level: slog.LevelWarn, Format: "json", Output: &buf})
	logger.Debug("should not appear")
	require.Zero(t, buf.Len())
}
