package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/scribarr/scribarr/internal/models"
	"github.com/scribarr/scribarr/internal/repository"
)

// longAudioSeconds is the duration above which progress is written more
// often, so multi-hour recognitions keep refreshing updated_at and are
// never mistaken for stuck tasks.
const longAudioSeconds = 3600.0

// progressUpdateInterval is how often recognition progress is persisted.
func progressUpdateInterval(audioDuration float64) time.Duration {
	if audioDuration > longAudioSeconds {
		return 10 * time.Second
	}
	return 30 * time.Second
}

// progressWriter persists stage progress with a minimum interval between
// writes, so a callback firing per recognized segment does not become a
// database write per segment. Values are monotone; a late callback can
// never move the bar backwards.
type progressWriter struct {
	items  repository.ItemRepository
	logger *slog.Logger
	id     models.ULID

	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	last    time.Time
	current float64
}

func newProgressWriter(items repository.ItemRepository, id models.ULID, start float64, interval time.Duration, logger *slog.Logger) *progressWriter {
	return &progressWriter{
		items:    items,
		logger:   logger,
		id:       id,
		interval: interval,
		now:      time.Now,
		last:     time.Now(),
		current:  start,
	}
}

// update records a progress value and writes it through once the throttle
// interval has elapsed. Write failures are logged, not returned; progress
// is advisory.
func (w *progressWriter) update(ctx context.Context, progress float64) {
	w.mu.Lock()
	if progress > w.current {
		w.current = progress
	}
	now := w.now()
	if now.Sub(w.last) < w.interval {
		w.mu.Unlock()
		return
	}
	w.last = now
	value := w.current
	w.mu.Unlock()

	if err := w.items.SetProgress(ctx, w.id, value); err != nil {
		w.logger.Debug("progress write failed", slog.String("error", err.Error()))
	}
}

// creep advances progress by a small fixed step up to ceiling, used when
// the audio duration is unknown and timestamps cannot be mapped onto the
// band.
func (w *progressWriter) creep(ctx context.Context, ceiling float64) {
	w.mu.Lock()
	next := w.current + 0.5
	if next > ceiling {
		next = ceiling
	}
	w.mu.Unlock()

	w.update(ctx, next)
}
