package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigSane(t *testing.T) {
	c := DefaultConfig()
	require.Positive(t, c.Downloads.MaxConcurrent)
	require.NotEmpty(t, c.Chunking.SizeThreshold)
}

func TestParseSize(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"", 0},
		{"1024", 1024},
		{"10K", 10 * 1024},
		{"1M", 1 << 20},
		{"2G", 2 << 30},
		{"1.5M", int64(1.5 * (1 << 20))},
	}
	for _, tc := range cases {
		got, err := ParseSize(tc.in)
		require.NoError(t, err, "ParseSize(%q)", tc.in)
		require.Equal(t, tc.want, got, "ParseSize(%q)", tc.in)
	}
}

func TestParseSizeInvalid(t *testing.T) {
	_, err := ParseSize("abc")
	require.Error(t, err, "expected error for non-numeric size")
	_, err = ParseSize("10X")
	require.Error(t, err, "expected error for unknown unit")
}

func TestSaveAndLoadFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	c := DefaultConfig()
	c.Downloads.MaxConcurrent = 12
	c.Paths.AllowedHosts = []string{"example.com"}

	require.NoError(t, c.Save(path))

	loaded := DefaultConfig()
	require.NoError(t, loaded.LoadFile(path))
	require.Equal(t, 12, loaded.Downloads.MaxConcurrent)
	require.Equal(t, []string{"example.com"}, loaded.Paths.AllowedHosts)
}

func TestLoadFileRejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	content := []byte("downloads:\n  max_concurrent: 4\n  bogus_field: 1\n")
	require.NoError(t, os.WriteFile(path, content, 0644), "writing fixture")

	c := DefaultConfig()
	err := c.LoadFile(path)
	require.Error(t, err, "expected error for unknown key")
}
