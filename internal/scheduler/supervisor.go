package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/scribarr/scribarr/internal/audio"
	"github.com/scribarr/scribarr/internal/config"
	"github.com/scribarr/scribarr/internal/models"
	"github.com/scribarr/scribarr/internal/repository"
	"github.com/scribarr/scribarr/internal/storage"
)

// RunningChecker reports whether an item is currently claimed by a
// live executor. Satisfied by *Scheduler.
type RunningChecker interface {
	Running(id models.ULID) bool
}

// DurationProber measures media duration with ffprobe when WAV header
// math cannot. Satisfied by *media.Prober.
type DurationProber interface {
	Duration(ctx context.Context, path string) (float64, error)
}

// Supervisor recovers items whose worker died without moving them on.
// Every worker write bumps updated_at, so a row whose updated_at
// stopped moving past its stage timeout has no live owner. Recovery
// policy per stage:
//
//   - downloading: mark failed. A stalled download usually means the
//     source is blocking us, and a retry would burn another attempt on
//     the same block.
//   - converting: exempt. Conversion is minutes-short and the next
//     conversion run reuses the media already on disk.
//   - transcribing: requeue as pending with a timeout derived from the
//     audio duration. Artifacts on disk let the item short-circuit
//     back to where it was.
//   - summarizing: requeue as pending after the base timeout.
type Supervisor struct {
	mu sync.Mutex

	items   repository.ItemRepository
	store   *storage.Store
	prober  DurationProber
	running RunningChecker
	logger  *slog.Logger

	interval       time.Duration
	baseTimeout    time.Duration
	speedFactor    float64
	buffer         time.Duration
	minTimeout     time.Duration
	maxTimeout     time.Duration
	unknownTimeout time.Duration

	now func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSupervisor creates a supervisor. prober may be nil when ffprobe is
// unavailable; stale transcriptions with unreadable audio then wait out
// the unknown-duration timeout. running may be nil, in which case the
// optimistic claim alone prevents racing a live worker.
func NewSupervisor(items repository.ItemRepository, store *storage.Store, prober DurationProber, running RunningChecker, cfg config.SupervisorConfig, logger *slog.Logger) *Supervisor {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.BaseTimeout <= 0 {
		cfg.BaseTimeout = 30 * time.Minute
	}
	if cfg.TranscribeSpeedFactor <= 0 {
		cfg.TranscribeSpeedFactor = 10
	}
	if cfg.TranscribeBuffer <= 0 {
		cfg.TranscribeBuffer = time.Hour
	}
	if cfg.TranscribeMinTimeout <= 0 {
		cfg.TranscribeMinTimeout = 2 * time.Hour
	}
	if cfg.TranscribeMaxTimeout <= 0 {
		cfg.TranscribeMaxTimeout = 24 * time.Hour
	}
	if cfg.UnknownDurationTimeout <= 0 {
		cfg.UnknownDurationTimeout = 6 * time.Hour
	}

	return &Supervisor{
		items:          items,
		store:          store,
		prober:         prober,
		running:        running,
		logger:         logger.With(slog.String("component", "supervisor")),
		interval:       cfg.Interval,
		baseTimeout:    cfg.BaseTimeout,
		speedFactor:    cfg.TranscribeSpeedFactor,
		buffer:         cfg.TranscribeBuffer,
		minTimeout:     cfg.TranscribeMinTimeout,
		maxTimeout:     cfg.TranscribeMaxTimeout,
		unknownTimeout: cfg.UnknownDurationTimeout,
		now:            models.Now,
	}
}

// Start begins the periodic scan. The first scan runs immediately so
// items stranded by a crash are recovered on boot, not an interval
// later.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx != nil {
		return fmt.Errorf("supervisor already started")
	}

	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.loop()

	s.logger.Info("supervisor started",
		slog.Duration("interval", s.interval),
		slog.Duration("base_timeout", s.baseTimeout))

	return nil
}

// Stop stops the scan loop.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	s.ctx = nil
	s.cancel = nil
	s.mu.Unlock()

	s.logger.Info("supervisor stopped")
}

func (s *Supervisor) loop() {
	defer s.wg.Done()

	s.scan(s.ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.scan(s.ctx)
		}
	}
}

// scan runs one recovery pass over every supervised stage.
func (s *Supervisor) scan(ctx context.Context) {
	s.recoverDownloads(ctx)
	s.recoverTranscriptions(ctx)
	s.recoverSummaries(ctx)
}

// recoverDownloads fails downloads that stopped heartbeating.
func (s *Supervisor) recoverDownloads(ctx context.Context) {
	cutoff := s.now().Add(-s.baseTimeout)
	stale, err := s.items.ListStale(ctx, models.StageDownloading, cutoff)
	if err != nil {
		s.logger.Error("listing stale downloads", slog.Any("error", err))
		return
	}

	for _, item := range stale {
		if s.isRunning(item.ID) {
			continue
		}
		age := s.now().Sub(item.UpdatedAt).Round(time.Second)
		msg := fmt.Sprintf("Download made no progress for %s; giving up", age)
		s.reclaim(ctx, item, models.StageFailed, msg)
	}
}

// recoverTranscriptions requeues transcriptions that exceeded their
// duration-derived timeout. The listing uses the shortest timeout any
// row could have; each row is then held against its own.
func (s *Supervisor) recoverTranscriptions(ctx context.Context) {
	cutoff := s.now().Add(-s.shortestTranscribeTimeout())
	stale, err := s.items.ListStale(ctx, models.StageTranscribing, cutoff)
	if err != nil {
		s.logger.Error("listing stale transcriptions", slog.Any("error", err))
		return
	}

	for _, item := range stale {
		if s.isRunning(item.ID) {
			continue
		}

		timeout := s.transcribeTimeoutFor(s.audioSeconds(ctx, item))
		age := s.now().Sub(item.UpdatedAt)
		if age < timeout {
			s.logger.Debug("transcription still within its window",
				slog.String("item_id", item.ID.String()),
				slog.Duration("age", age.Round(time.Second)),
				slog.Duration("timeout", timeout))
			continue
		}

		msg := fmt.Sprintf("Transcription made no progress for %s (allowed %s); requeued", age.Round(time.Second), timeout)
		s.reclaim(ctx, item, models.StagePending, msg)
	}
}

// recoverSummaries requeues summarizations stuck past the base timeout.
func (s *Supervisor) recoverSummaries(ctx context.Context) {
	cutoff := s.now().Add(-s.baseTimeout)
	stale, err := s.items.ListStale(ctx, models.StageSummarizing, cutoff)
	if err != nil {
		s.logger.Error("listing stale summarizations", slog.Any("error", err))
		return
	}

	for _, item := range stale {
		if s.isRunning(item.ID) {
			continue
		}
		age := s.now().Sub(item.UpdatedAt).Round(time.Second)
		msg := fmt.Sprintf("Summarization made no progress for %s; requeued", age)
		s.reclaim(ctx, item, models.StagePending, msg)
	}
}

// reclaim applies a recovery transition with an optimistic claim: the
// row must still carry the stage and updated_at we observed, so a
// worker that revived and touched the row wins over the recovery.
// Requeued items restart at zero progress; failed items keep theirs.
func (s *Supervisor) reclaim(ctx context.Context, item *models.Item, to models.ItemStage, message string) {
	fields := map[string]interface{}{
		"stage":         to,
		"error_message": message,
	}
	if to == models.StagePending {
		fields["progress"] = 0.0
	}

	claimed, err := s.items.ClaimStale(ctx, item.ID, item.Stage, item.UpdatedAt, fields)
	if err != nil {
		s.logger.Error("reclaiming stale item",
			slog.String("item_id", item.ID.String()),
			slog.Any("error", err))
		return
	}
	if !claimed {
		s.logger.Debug("stale item moved on its own",
			slog.String("item_id", item.ID.String()))
		return
	}

	s.logger.Warn("recovered stale item",
		slog.String("item_id", item.ID.String()),
		slog.String("from", item.Stage.String()),
		slog.String("to", to.String()),
		slog.Duration("stalled_for", s.now().Sub(item.UpdatedAt).Round(time.Second)))
}

func (s *Supervisor) isRunning(id models.ULID) bool {
	return s.running != nil && s.running.Running(id)
}

// transcribeTimeoutFor derives how long a transcription may sit silent.
// Ten times the audio duration plus an hour covers slow CPU decodes;
// the clamp keeps probe outliers from producing instant or week-long
// windows. Unknown duration gets a generous fixed window.
func (s *Supervisor) transcribeTimeoutFor(seconds float64) time.Duration {
	if seconds <= 0 {
		return s.unknownTimeout
	}
	timeout := time.Duration(seconds*s.speedFactor*float64(time.Second)) + s.buffer
	if timeout < s.minTimeout {
		return s.minTimeout
	}
	if timeout > s.maxTimeout {
		return s.maxTimeout
	}
	return timeout
}

// shortestTranscribeTimeout is the tightest window any transcribing row
// can have, used as the listing cutoff.
func (s *Supervisor) shortestTranscribeTimeout() time.Duration {
	if s.unknownTimeout < s.minTimeout {
		return s.unknownTimeout
	}
	return s.minTimeout
}

// audioSeconds measures the item's WAV from disk. Header math first,
// ffprobe as fallback for anything the fast path cannot read. Zero
// means unknown.
func (s *Supervisor) audioSeconds(ctx context.Context, item *models.Item) float64 {
	rel := item.AudioPath
	if rel == "" {
		if item.SourceVideoID == "" {
			return 0
		}
		rel = s.store.AudioFile(item.SourceVideoID)
	}

	ok, err := s.store.Exists(rel)
	if err != nil || !ok {
		return 0
	}
	abs, err := s.store.Abs(rel)
	if err != nil {
		return 0
	}

	if seconds, err := audio.Duration(abs); err == nil && seconds > 0 {
		return seconds
	}
	if s.prober == nil {
		return 0
	}

	seconds, err := s.prober.Duration(ctx, abs)
	if err != nil {
		s.logger.Debug("probing stale audio failed",
			slog.String("item_id", item.ID.String()),
			slog.Any("error", err))
		return 0
	}
	return seconds
}
