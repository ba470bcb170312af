package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeExecutable(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-tool")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0755))
	return path
}

func TestFindBinary(t *testing.T) {
	t.Run("env var takes priority", func(t *testing.T) {
		path := makeExecutable(t)
		t.Setenv("SCRIBARR_TEST_BINARY", path)

		got, err := FindBinary("ls", "SCRIBARR_TEST_BINARY")
		require.NoError(t, err)
		assert.Equal(t, path, got)
	})

	t.Run("falls back to PATH", func(t *testing.T) {
		got, err := FindBinary("ls", "")
		require.NoError(t, err)
		assert.Contains(t, got, "ls")
	})

	t.Run("ignores non-executable env var path", func(t *testing.T) {
		t.Setenv("SCRIBARR_TEST_BINARY", "/nonexistent/yt-dlp")

		got, err := FindBinary("ls", "SCRIBARR_TEST_BINARY")
		require.NoError(t, err)
		assert.NotEqual(t, "/nonexistent/yt-dlp", got)
	})

	t.Run("not found", func(t *testing.T) {
		_, err := FindBinary("definitely-nonexistent-binary-48151623", "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not found")
	})

	t.Run("rejects directory", func(t *testing.T) {
		t.Setenv("SCRIBARR_TEST_BINARY", t.TempDir())

		got, err := FindBinary("ls", "SCRIBARR_TEST_BINARY")
		require.NoError(t, err)
		assert.NotEqual(t, t.TempDir(), got)
	})
}
