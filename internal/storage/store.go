// Package storage lays out downloaded media and derived artifacts on disk.
// All file operations are restricted to the configured video directory to
// prevent path traversal and other security issues.
package storage

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// mediaExtensions are the container formats the downloader can produce.
// FindMedia checks them in order, so the preferred container comes first.
var mediaExtensions = []string{".mp4", ".mkv", ".webm", ".m4v", ".mov", ".avi", ".flv", ".ts", ".m4a", ".mp3"}

// Store manages artifacts for one video directory. Every item's files are
// keyed by its source video ID (or item ID when none exists):
//
//	<key>.mp4             downloaded media (container may vary)
//	<key>.wav             mono 16 kHz PCM audio
//	<key>.txt             formatted transcript
//	<key>_segments.json   timed transcript segments
//	thumbnails/<key>.jpg  320x180 thumbnail
type Store struct {
	baseDir string
}

// New creates a Store rooted at the given directory, creating it if needed.
func New(videoDir string) (*Store, error) {
	absPath, err := filepath.Abs(videoDir)
	if err != nil {
		return nil, fmt.Errorf("getting absolute path: %w", err)
	}

	if err := os.MkdirAll(absPath, 0750); err != nil {
		return nil, fmt.Errorf("creating video directory: %w", err)
	}

	return &Store{baseDir: absPath}, nil
}

// Dir returns the absolute path of the video directory.
func (s *Store) Dir() string {
	return s.baseDir
}

// MediaFile returns the store-relative path for downloaded media.
// ext may include or omit the leading dot.
func (s *Store) MediaFile(key, ext string) string {
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" {
		ext = "mp4"
	}
	return key + "." + ext
}

// AudioFile returns the store-relative path for the extracted WAV.
func (s *Store) AudioFile(key string) string {
	return key + ".wav"
}

// TranscriptFile returns the store-relative path for the transcript text.
func (s *Store) TranscriptFile(key string) string {
	return key + ".txt"
}

// SegmentsFile returns the store-relative path for the timed segments JSON.
func (s *Store) SegmentsFile(key string) string {
	return key + "_segments.json"
}

// ThumbnailFile returns the store-relative path for the thumbnail.
func (s *Store) ThumbnailFile(key string) string {
	return filepath.Join("thumbnails", key+".jpg")
}

// FindMedia looks for already-downloaded media for a key and returns its
// store-relative path, or "" when none exists. Lets a re-queued item skip
// the download when a previous run already fetched the file.
func (s *Store) FindMedia(key string) string {
	if key == "" {
		return ""
	}
	for _, ext := range mediaExtensions {
		rel := key + ext
		if ok, err := s.Exists(rel); err == nil && ok {
			return rel
		}
	}
	return ""
}

// Abs resolves a store-relative path to an absolute one, rejecting paths
// that escape the video directory. Absolute inputs are accepted when they
// already point inside the directory, which normalizes rows written by
// older versions that persisted absolute paths.
func (s *Store) Abs(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("empty path")
	}

	if filepath.IsAbs(path) {
		cleaned := filepath.Clean(path)
		if !s.inside(cleaned) {
			return "", fmt.Errorf("path escapes video directory: %s", path)
		}
		return cleaned, nil
	}

	absPath, err := filepath.Abs(filepath.Join(s.baseDir, filepath.Clean(path)))
	if err != nil {
		return "", fmt.Errorf("getting absolute path: %w", err)
	}
	if !s.inside(absPath) {
		return "", fmt.Errorf("path escapes video directory: %s", path)
	}
	return absPath, nil
}

func (s *Store) inside(absPath string) bool {
	return absPath == s.baseDir || strings.HasPrefix(absPath, s.baseDir+string(filepath.Separator))
}

// Exists reports whether a path exists within the store.
func (s *Store) Exists(rel string) (bool, error) {
	path, err := s.Abs(rel)
	if err != nil {
		return false, err
	}

	_, err = os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking path: %w", err)
	}
	return true, nil
}

// Stat returns file info for a path within the store.
func (s *Store) Stat(rel string) (os.FileInfo, error) {
	path, err := s.Abs(rel)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("getting file info: %w", err)
	}
	return info, nil
}

// Size returns the size of a file within the store.
func (s *Store) Size(rel string) (int64, error) {
	info, err := s.Stat(rel)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// ReadFile reads a file from within the store.
func (s *Store) ReadFile(rel string) ([]byte, error) {
	path, err := s.Abs(rel)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	return data, nil
}

// Open opens a file within the store for reading.
func (s *Store) Open(rel string) (*os.File, error) {
	path, err := s.Abs(rel)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening file: %w", err)
	}
	return file, nil
}

// Remove removes a file within the store. Missing files are not an error.
func (s *Store) Remove(rel string) error {
	path, err := s.Abs(rel)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing path: %w", err)
	}
	return nil
}

// RemoveArtifacts removes every artifact known for a key: media in any
// container, audio, transcript, segments and thumbnail. Errors are
// collected rather than aborting, so one stubborn file does not leave the
// rest behind.
func (s *Store) RemoveArtifacts(key string) error {
	if key == "" {
		return nil
	}

	var errs []error
	for _, ext := range mediaExtensions {
		errs = append(errs, s.Remove(key+ext))
	}
	errs = append(errs,
		s.Remove(s.AudioFile(key)),
		s.Remove(s.TranscriptFile(key)),
		s.Remove(s.SegmentsFile(key)),
		s.Remove(s.ThumbnailFile(key)),
	)
	return errors.Join(errs...)
}

// AtomicWrite writes data to a file atomically within the store. It writes
// to a temporary file first, then renames it to the target, so the file is
// either completely written or not at all.
func (s *Store) AtomicWrite(rel string, data []byte) error {
	targetPath, err := s.Abs(rel)
	if err != nil {
		return err
	}

	dir := filepath.Dir(targetPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("creating parent directory: %w", err)
	}

	tempName := fmt.Sprintf(".%s.%s.tmp", filepath.Base(rel), randomHex(8))
	tempPath := filepath.Join(dir, tempName)

	if err := os.WriteFile(tempPath, data, 0640); err != nil {
		return fmt.Errorf("writing temporary file: %w", err)
	}

	if err := os.Rename(tempPath, targetPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("renaming to target: %w", err)
	}

	return nil
}

// AtomicWriteReader writes data from a reader to a file atomically within
// the store.
func (s *Store) AtomicWriteReader(rel string, r io.Reader) error {
	targetPath, err := s.Abs(rel)
	if err != nil {
		return err
	}

	dir := filepath.Dir(targetPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("creating parent directory: %w", err)
	}

	tempName := fmt.Sprintf(".%s.%s.tmp", filepath.Base(rel), randomHex(8))
	tempPath := filepath.Join(dir, tempName)

	tempFile, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0640)
	if err != nil {
		return fmt.Errorf("creating temporary file: %w", err)
	}

	_, err = io.Copy(tempFile, r)
	closeErr := tempFile.Close()

	if err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("writing to temporary file: %w", err)
	}
	if closeErr != nil {
		os.Remove(tempPath)
		return fmt.Errorf("closing temporary file: %w", closeErr)
	}

	if err := os.Rename(tempPath, targetPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("renaming to target: %w", err)
	}

	return nil
}

// CreateTemp creates a temporary file under the store's temp directory.
// The caller is responsible for closing and removing the file.
func (s *Store) CreateTemp(pattern string) (*os.File, error) {
	absDir, err := s.Abs("temp")
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(absDir, 0750); err != nil {
		return nil, fmt.Errorf("creating temp directory: %w", err)
	}

	file, err := os.CreateTemp(absDir, pattern)
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}
	return file, nil
}

// randomHex generates a random hex string of the specified length.
func randomHex(n int) string {
	bytes := make([]byte, n/2+1)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", os.Getpid())
	}
	return hex.EncodeToString(bytes)[:n]
}
