// Package scheduler drives stage execution for queued items. Two
// bounded pools pull work from the item store each tick: the download
// pool feeds on pending items, the processing pool on everything
// between download and completion. A companion supervisor returns
// items abandoned by a dead worker to a runnable state.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/scribarr/scribarr/internal/config"
	"github.com/scribarr/scribarr/internal/models"
	"github.com/scribarr/scribarr/internal/repository"
)

// Executor runs the stage an item currently sits in. Implemented by
// the pipeline.
type Executor interface {
	Execute(ctx context.Context, id models.ULID) error
}

// pool names one of the two worker pools.
type pool int

const (
	poolDownload pool = iota
	poolProcess
)

func (p pool) String() string {
	if p == poolDownload {
		return "download"
	}
	return "process"
}

// processingStages are the stages the processing pool owns. Items in
// pending belong to the download pool; downloading is absent because
// the download executor moves pending straight through it.
var processingStages = []models.ItemStage{
	models.StageConverting,
	models.StageTranscribing,
	models.StageSummarizing,
}

// Scheduler owns the tick loop and the two running sets. An item id
// appears in at most one set at a time; the set entry is what stops a
// second executor from picking up an item that is still being worked.
type Scheduler struct {
	mu sync.Mutex

	items    repository.ItemRepository
	executor Executor
	logger   *slog.Logger

	downloadSlots int
	processSlots  int
	tickInterval  time.Duration
	errorBackoff  time.Duration

	// setMu guards both running sets. Only the tick loop adds entries,
	// so set size against capacity is the pool's admission control.
	setMu      sync.Mutex
	downloads  map[models.ULID]struct{}
	processing map[models.ULID]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler executing items through the given executor.
// Zero config values fall back to defaults: one slot per pool, 1s tick,
// 5s error backoff.
func New(items repository.ItemRepository, executor Executor, cfg config.QueueConfig, logger *slog.Logger) *Scheduler {
	if cfg.DownloadConcurrency <= 0 {
		cfg.DownloadConcurrency = 1
	}
	if cfg.ProcessConcurrency <= 0 {
		cfg.ProcessConcurrency = 1
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = 5 * time.Second
	}

	return &Scheduler{
		items:         items,
		executor:      executor,
		logger:        logger.With(slog.String("component", "scheduler")),
		downloadSlots: cfg.DownloadConcurrency,
		processSlots:  cfg.ProcessConcurrency,
		tickInterval:  cfg.TickInterval,
		errorBackoff:  cfg.ErrorBackoff,
		downloads:     make(map[models.ULID]struct{}),
		processing:    make(map[models.ULID]struct{}),
	}
}

// Start begins the scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx != nil {
		return fmt.Errorf("scheduler already started")
	}

	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.loop()

	s.logger.Info("scheduler started",
		slog.Int("download_slots", s.downloadSlots),
		slog.Int("process_slots", s.processSlots),
		slog.Duration("tick_interval", s.tickInterval))

	return nil
}

// Stop cancels the loop and waits for in-flight executions to finish.
// Executors see their context cancelled and unwind at the next I/O
// boundary; whatever they left mid-stage is the supervisor's problem
// after the next boot.
func (s *Scheduler) Stop() {
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

	s.logger.Info("scheduler stopped")
}

// loop ticks until the context is cancelled. A tick that launched work
// is followed immediately by another so a backlog drains as fast as
// the pools allow; an idle tick waits out the tick interval and a
// failed one backs off longer.
func (s *Scheduler) loop() {
	defer s.wg.Done()

	for {
		launched, err := s.tick(s.ctx)

		var wait time.Duration
		switch {
		case err != nil:
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Error("scheduler tick failed", slog.Any("error", err))
			wait = s.errorBackoff
		case launched == 0:
			wait = s.tickInterval
		}

		select {
		case <-s.ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// tick fills both pools once and reports how many executions started.
func (s *Scheduler) tick(ctx context.Context) (int, error) {
	started, err := s.fillPool(ctx, poolDownload)
	if err != nil {
		return started, err
	}

	n, err := s.fillPool(ctx, poolProcess)
	return started + n, err
}

// fillPool claims up to the pool's free slots worth of candidates and
// launches an executor for each.
func (s *Scheduler) fillPool(ctx context.Context, p pool) (int, error) {
	free := s.freeSlots(p)
	if free == 0 {
		return 0, nil
	}

	candidates, err := s.candidates(ctx, p, free)
	if err != nil {
		return 0, err
	}

	started := 0
	for _, item := range candidates {
		if started == free {
			break
		}
		if !s.claim(p, item.ID) {
			continue
		}
		started++
		s.wg.Add(1)
		go s.run(ctx, p, item.ID)
	}
	return started, nil
}

// candidates lists schedulable items for a pool, newest submissions
// first. The processing pool merges its three stages into one ordering
// so a fresh conversion is not starved behind an old summarization.
func (s *Scheduler) candidates(ctx context.Context, p pool, limit int) ([]*models.Item, error) {
	if p == poolDownload {
		return s.items.ListByStage(ctx, models.StagePending, limit)
	}

	var merged []*models.Item
	for _, stage := range processingStages {
		items, err := s.items.ListByStage(ctx, stage, limit)
		if err != nil {
			return nil, err
		}
		merged = append(merged, items...)
	}

	sort.Slice(merged, func(i, j int) bool {
		if !merged[i].CreatedAt.Equal(merged[j].CreatedAt) {
			return merged[i].CreatedAt.After(merged[j].CreatedAt)
		}
		return merged[i].ID > merged[j].ID
	})
	return merged, nil
}

// run executes one stage for one item and frees the slot afterwards.
func (s *Scheduler) run(ctx context.Context, p pool, id models.ULID) {
	defer s.wg.Done()
	defer s.release(p, id)

	if err := s.executor.Execute(ctx, id); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Error("stage execution failed",
			slog.String("item_id", id.String()),
			slog.String("pool", p.String()),
			slog.Any("error", err))
	}
}

// claim reserves an id for a pool. The reservation fails when the id
// is already running in either pool, which is the cross-pool exclusion
// that keeps one item from being executed twice concurrently.
func (s *Scheduler) claim(p pool, id models.ULID) bool {
	s.setMu.Lock()
	defer s.setMu.Unlock()

	if _, ok := s.downloads[id]; ok {
		return false
	}
	if _, ok := s.processing[id]; ok {
		return false
	}
	s.poolSet(p)[id] = struct{}{}
	return true
}

// release frees an id's slot. Called by the executor goroutine's
// finalizer, never by the tick loop.
func (s *Scheduler) release(p pool, id models.ULID) {
	s.setMu.Lock()
	delete(s.poolSet(p), id)
	s.setMu.Unlock()
}

func (s *Scheduler) poolSet(p pool) map[models.ULID]struct{} {
	if p == poolDownload {
		return s.downloads
	}
	return s.processing
}

// freeSlots reports how many more executions a pool may admit.
func (s *Scheduler) freeSlots(p pool) int {
	s.setMu.Lock()
	defer s.setMu.Unlock()

	capacity, set := s.downloadSlots, s.downloads
	if p == poolProcess {
		capacity, set = s.processSlots, s.processing
	}
	if free := capacity - len(set); free > 0 {
		return free
	}
	return 0
}

// Running reports whether an item is currently owned by either pool.
// The supervisor consults this before recovering a stale row.
func (s *Scheduler) Running(id models.ULID) bool {
	s.setMu.Lock()
	defer s.setMu.Unlock()

	_, inDownload := s.downloads[id]
	_, inProcess := s.processing[id]
	return inDownload || inProcess
}

// Active returns the number of running executions per pool.
func (s *Scheduler) Active() (downloads, processing int) {
	s.setMu.Lock()
	defer s.setMu.Unlock()
	return len(s.downloads), len(s.processing)
}
