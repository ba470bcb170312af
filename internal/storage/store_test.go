package storage

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestStore_Layout(t *testing.T) {
	s := newTestStore(t)

	assert.Equal(t, "abc123.mp4", s.MediaFile("abc123", "mp4"))
	assert.Equal(t, "abc123.mkv", s.MediaFile("abc123", ".mkv"))
	assert.Equal(t, "abc123.mp4", s.MediaFile("abc123", ""))
	assert.Equal(t, "abc123.wav", s.AudioFile("abc123"))
	assert.Equal(t, "abc123.txt", s.TranscriptFile("abc123"))
	assert.Equal(t, "abc123_segments.json", s.SegmentsFile("abc123"))
	assert.Equal(t, filepath.Join("thumbnails", "abc123.jpg"), s.ThumbnailFile("abc123"))
}

func TestStore_AbsRejectsEscapes(t *testing.T) {
	s := newTestStore(t)

	tests := []struct {
		name string
		path string
	}{
		{"parent traversal", "../outside.mp4"},
		{"nested traversal", "thumbnails/../../outside.jpg"},
		{"absolute outside", "/etc/passwd"},
		{"empty", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Abs(tt.path)
			assert.Error(t, err)
		})
	}
}

func TestStore_AbsAcceptsAbsoluteInsideDir(t *testing.T) {
	s := newTestStore(t)

	inside := filepath.Join(s.Dir(), "video.mp4")
	got, err := s.Abs(inside)
	require.NoError(t, err)
	assert.Equal(t, inside, got)
}

func TestStore_AtomicWriteAndRead(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.AtomicWrite(s.TranscriptFile("vid1"), []byte("hello transcript")))

	data, err := s.ReadFile(s.TranscriptFile("vid1"))
	require.NoError(t, err)
	assert.Equal(t, "hello transcript", string(data))

	// No temp files left behind.
	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}
}

func TestStore_AtomicWriteReader(t *testing.T) {
	s := newTestStore(t)

	rel := s.ThumbnailFile("vid1")
	require.NoError(t, s.AtomicWriteReader(rel, bytes.NewReader([]byte{0xff, 0xd8, 0xff})))

	size, err := s.Size(rel)
	require.NoError(t, err)
	assert.Equal(t, int64(3), size)
}

func TestStore_FindMedia(t *testing.T) {
	s := newTestStore(t)

	assert.Empty(t, s.FindMedia("missing"))
	assert.Empty(t, s.FindMedia(""))

	require.NoError(t, s.AtomicWrite("vid1.mkv", []byte("x")))
	assert.Equal(t, "vid1.mkv", s.FindMedia("vid1"))

	// mp4 is preferred over other containers when both exist.
	require.NoError(t, s.AtomicWrite("vid1.mp4", []byte("x")))
	assert.Equal(t, "vid1.mp4", s.FindMedia("vid1"))

	// Non-media extensions are not adopted.
	require.NoError(t, s.AtomicWrite("vid2.txt", []byte("x")))
	assert.Empty(t, s.FindMedia("vid2"))
}

func TestStore_RemoveArtifacts(t *testing.T) {
	s := newTestStore(t)

	key := "vid1"
	require.NoError(t, s.AtomicWrite(s.MediaFile(key, "mp4"), []byte("m")))
	require.NoError(t, s.AtomicWrite(s.AudioFile(key), []byte("a")))
	require.NoError(t, s.AtomicWrite(s.TranscriptFile(key), []byte("t")))
	require.NoError(t, s.AtomicWrite(s.SegmentsFile(key), []byte("[]")))
	require.NoError(t, s.AtomicWrite(s.ThumbnailFile(key), []byte("j")))

	require.NoError(t, s.RemoveArtifacts(key))

	for _, rel := range []string{
		s.MediaFile(key, "mp4"),
		s.AudioFile(key),
		s.TranscriptFile(key),
		s.SegmentsFile(key),
		s.ThumbnailFile(key),
	} {
		ok, err := s.Exists(rel)
		require.NoError(t, err)
		assert.False(t, ok, "%s should be gone", rel)
	}

	// Removing again is a no-op.
	require.NoError(t, s.RemoveArtifacts(key))
	require.NoError(t, s.RemoveArtifacts(""))
}

func TestStore_Remove_MissingIsNoError(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Remove("never-existed.mp4"))
}

func TestStore_CreateTemp(t *testing.T) {
	s := newTestStore(t)

	f, err := s.CreateTemp("thumb-*.jpg")
	require.NoError(t, err)
	defer os.Remove(f.Name())
	defer f.Close()

	assert.Contains(t, f.Name(), filepath.Join(s.Dir(), "temp"))
}
