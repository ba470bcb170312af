// Package startup provides utilities for application startup tasks.
package startup

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// tempPrefixes lists the temp artifact name prefixes scribarr processes
// create: spooled runner uploads, whisper-cli output directories, and
// chunk staging directories.
var tempPrefixes = []string{
	"scribarr-asrd-",
	"scribarr-whisper-",
	"scribarr-asr-",
}

// DefaultCleanupAge is the maximum age for orphaned temp artifacts.
// Spools and staging directories for in-flight jobs can legitimately be
// hours old while long audio transcribes, so only entries well past any
// plausible job lifetime are removed.
const DefaultCleanupAge = 24 * time.Hour

// CleanupOrphanedTempFiles removes orphaned temp artifacts older than
// maxAge from baseDir. It matches both files (upload spools) and
// directories (whisper output, chunk staging) against the scribarr temp
// name prefixes.
//
// Returns the number of entries removed and any error encountered.
func CleanupOrphanedTempFiles(logger *slog.Logger, baseDir string, maxAge time.Duration) (int, error) {
	if _, err := os.Stat(baseDir); os.IsNotExist(err) {
		logger.Debug("base directory does not exist, skipping cleanup",
			"path", baseDir,
		)
		return 0, nil
	}

	entries, err := os.ReadDir(baseDir)
	if err != nil {
		logger.Error("failed to read directory for cleanup",
			"path", baseDir,
			"error", err,
		)
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	var removed int

	for _, entry := range entries {
		if !hasTempPrefix(entry.Name()) {
			continue
		}

		entryPath := filepath.Join(baseDir, entry.Name())

		info, err := entry.Info()
		if err != nil {
			logger.Warn("failed to stat temp entry",
				"path", entryPath,
				"error", err,
			)
			continue
		}

		if info.ModTime().After(cutoff) {
			logger.Debug("preserving recent temp entry",
				"path", entryPath,
				"age", time.Since(info.ModTime()).Round(time.Second),
			)
			continue
		}

		if err := os.RemoveAll(entryPath); err != nil {
			logger.Warn("failed to remove orphaned temp entry",
				"path", entryPath,
				"error", err,
			)
			continue
		}

		logger.Info("removed orphaned temp entry",
			"path", entryPath,
			"age", time.Since(info.ModTime()).Round(time.Second),
		)
		removed++
	}

	return removed, nil
}

// CleanupSystemTempFiles cleans orphaned scribarr temp artifacts from the
// system temp directory using the default cleanup age.
func CleanupSystemTempFiles(logger *slog.Logger) (int, error) {
	return CleanupOrphanedTempFiles(logger, os.TempDir(), DefaultCleanupAge)
}

func hasTempPrefix(name string) bool {
	for _, prefix := range tempPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}
