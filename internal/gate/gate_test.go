package gate

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestGate_NotPausedPassesImmediately(t *testing.T) {
	g := New(Config{}, testLogger())

	start := time.Now()
	err := g.WaitIfPaused(context.Background())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestGate_PausesAtThreshold(t *testing.T) {
	g := New(Config{BlockedThreshold: 3, BlockedPause: time.Hour}, testLogger())

	g.RegisterBlockedFailure("sign in to confirm")
	g.RegisterBlockedFailure("sign in to confirm")
	assert.False(t, g.Snapshot().Paused, "below threshold must not pause")

	g.RegisterBlockedFailure("sign in to confirm")
	snap := g.Snapshot()
	assert.True(t, snap.Paused)
	assert.Equal(t, 3, snap.BlockedFailures)
	require.NotNil(t, snap.PausedUntil)
	assert.WithinDuration(t, time.Now().Add(time.Hour), *snap.PausedUntil, time.Minute)
}

func TestGate_DefaultThreshold(t *testing.T) {
	g := New(Config{BlockedPause: time.Hour}, testLogger())

	g.RegisterBlockedFailure("blocked")
	g.RegisterBlockedFailure("blocked")
	assert.False(t, g.Snapshot().Paused)
	g.RegisterBlockedFailure("blocked")
	assert.True(t, g.Snapshot().Paused)
}

func TestGate_ZeroPauseMeansIndefinite(t *testing.T) {
	g := New(Config{BlockedThreshold: 1, BlockedPause: 0}, testLogger())

	g.RegisterBlockedFailure("blocked")
	snap := g.Snapshot()
	require.True(t, snap.Paused)
	require.NotNil(t, snap.PausedUntil)
	assert.True(t, snap.PausedUntil.After(time.Now().Add(24*time.Hour)),
		"indefinite pause should reach far into the future")
}

func TestGate_WaitIfPausedBlocksUntilExpiryAndResetsCounter(t *testing.T) {
	g := New(Config{BlockedThreshold: 1, BlockedPause: 50 * time.Millisecond}, testLogger())
	g.RegisterBlockedFailure("blocked")

	start := time.Now()
	err := g.WaitIfPaused(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)

	snap := g.Snapshot()
	assert.False(t, snap.Paused)
	assert.Equal(t, 0, snap.BlockedFailures, "surviving the pause resets the counter")
}

func TestGate_WaitIfPausedHonorsContext(t *testing.T) {
	g := New(Config{BlockedThreshold: 1, BlockedPause: time.Hour}, testLogger())
	g.RegisterBlockedFailure("blocked")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := g.WaitIfPaused(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, g.Snapshot().Paused, "cancellation must not clear the pause")
}

func TestGate_WaitForSpacingEnforcesInterval(t *testing.T) {
	g := New(Config{MinInterval: 60 * time.Millisecond}, testLogger())
	ctx := context.Background()

	require.NoError(t, g.WaitForSpacing(ctx))

	start := time.Now()
	require.NoError(t, g.WaitForSpacing(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond,
		"second start must wait out the interval")
}

func TestGate_WaitForSpacingDisabled(t *testing.T) {
	g := New(Config{MinInterval: 0}, testLogger())
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, g.WaitForSpacing(ctx))
	require.NoError(t, g.WaitForSpacing(ctx))
	require.NoError(t, g.WaitForSpacing(ctx))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestGate_WaitForSpacingHonorsContext(t *testing.T) {
	g := New(Config{MinInterval: time.Hour}, testLogger())

	require.NoError(t, g.WaitForSpacing(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := g.WaitForSpacing(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGate_ResetOnSuccess(t *testing.T) {
	g := New(Config{BlockedThreshold: 3, BlockedPause: time.Hour}, testLogger())

	g.RegisterBlockedFailure("blocked")
	g.RegisterBlockedFailure("blocked")
	g.ResetOnSuccess()
	assert.Equal(t, 0, g.Snapshot().BlockedFailures)

	// Counter restarts from zero, so two more failures stay under the
	// threshold.
	g.RegisterBlockedFailure("blocked")
	g.RegisterBlockedFailure("blocked")
	assert.False(t, g.Snapshot().Paused)
}

func TestGate_ClearPause(t *testing.T) {
	g := New(Config{BlockedThreshold: 1, BlockedPause: time.Hour}, testLogger())
	g.RegisterBlockedFailure("blocked")
	require.True(t, g.Snapshot().Paused)

	g.ClearPause()
	snap := g.Snapshot()
	assert.False(t, snap.Paused)
	assert.Equal(t, 0, snap.BlockedFailures)

	err := g.WaitIfPaused(context.Background())
	require.NoError(t, err)
}
