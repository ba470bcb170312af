// Package gate throttles download starts process-wide. The video platform
// rate-limits aggressively and starts serving bot-check pages once it is
// annoyed; the gate spaces downloads out and, after repeated blocked
// downloads, pauses all downloading long enough for the block to lift.
package gate

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// maxPollInterval bounds each sleep while paused so cancellation and an
// operator clearing the pause take effect promptly.
const maxPollInterval = 5 * time.Second

// effectivelyForever is the pause applied when no pause duration is
// configured: blocked downloads stay off until an operator intervenes.
const effectivelyForever = 100 * 365 * 24 * time.Hour

// Config tunes the gate.
type Config struct {
	// MinInterval is the minimum spacing between download starts.
	// 0 disables spacing.
	MinInterval time.Duration
	// BlockedThreshold is the number of blocked failures that trigger a
	// pause.
	BlockedThreshold int
	// BlockedPause is how long downloads stay paused after the threshold
	// trips. 0 pauses until an operator clears it.
	BlockedPause time.Duration
}

// Gate serializes download pacing decisions. All workers share one
// instance; a single mutex guards all state.
type Gate struct {
	mu sync.Mutex

	cfg    Config
	logger *slog.Logger

	blockedFailures int
	pausedUntil     time.Time
	lastStartedAt   time.Time
}

// New creates a gate.
func New(cfg Config, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BlockedThreshold <= 0 {
		cfg.BlockedThreshold = 3
	}
	return &Gate{
		cfg:    cfg,
		logger: logger,
	}
}

// WaitIfPaused blocks while the gate is paused, sleeping in short
// increments so ctx cancellation and ClearPause are honored quickly.
// When the pause expires the blocked-failure counter is zeroed, since
// surviving the pause is the only evidence available that the block
// lifted.
func (g *Gate) WaitIfPaused(ctx context.Context) error {
	wasPaused := false
	for {
		g.mu.Lock()
		remaining := time.Until(g.pausedUntil)
		if remaining <= 0 {
			if wasPaused {
				g.blockedFailures = 0
				g.logger.Info("download pause expired, resuming")
			}
			g.mu.Unlock()
			return nil
		}
		g.mu.Unlock()

		wasPaused = true
		sleep := remaining
		if sleep > maxPollInterval {
			sleep = maxPollInterval
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// WaitForSpacing blocks until the configured interval since the previous
// download start has elapsed, then records this start.
func (g *Gate) WaitForSpacing(ctx context.Context) error {
	if g.cfg.MinInterval <= 0 {
		g.mu.Lock()
		g.lastStartedAt = time.Now()
		g.mu.Unlock()
		return nil
	}

	for {
		g.mu.Lock()
		wait := g.cfg.MinInterval - time.Since(g.lastStartedAt)
		if wait <= 0 {
			g.lastStartedAt = time.Now()
			g.mu.Unlock()
			return nil
		}
		g.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// RegisterBlockedFailure records a download rejected by the platform's
// bot checks. At the threshold, all downloading pauses.
func (g *Gate) RegisterBlockedFailure(reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.blockedFailures++
	g.logger.Warn("blocked download recorded",
		slog.Int("blocked_failures", g.blockedFailures),
		slog.Int("threshold", g.cfg.BlockedThreshold),
		slog.String("reason", reason),
	)

	if g.blockedFailures < g.cfg.BlockedThreshold {
		return
	}

	pause := g.cfg.BlockedPause
	if pause <= 0 {
		pause = effectivelyForever
	}
	g.pausedUntil = time.Now().Add(pause)
	g.logger.Error("download threshold reached, pausing all downloads",
		slog.Time("paused_until", g.pausedUntil),
		slog.Duration("pause", pause),
	)
}

// ResetOnSuccess clears the blocked-failure counter after a download
// completed, so isolated blocks never accumulate into a pause.
func (g *Gate) ResetOnSuccess() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.blockedFailures = 0
}

// ClearPause lifts an active pause and zeroes the counter. Operator
// action.
func (g *Gate) ClearPause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.pausedUntil.IsZero() && time.Now().Before(g.pausedUntil) {
		g.logger.Info("download pause cleared by operator")
	}
	g.pausedUntil = time.Time{}
	g.blockedFailures = 0
}

// Snapshot is a point-in-time view of the gate for health reporting.
type Snapshot struct {
	Paused          bool       `json:"paused"`
	PausedUntil     *time.Time `json:"paused_until,omitempty"`
	BlockedFailures int        `json:"blocked_failures"`
}

// Snapshot returns the current gate state.
func (g *Gate) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	snap := Snapshot{
		BlockedFailures: g.blockedFailures,
	}
	if time.Now().Before(g.pausedUntil) {
		snap.Paused = true
		until := g.pausedUntil
		snap.PausedUntil = &until
	}
	return snap
}
