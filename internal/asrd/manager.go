// Package asrd implements the scribarr-asrd transcription daemon: an HTTP
// service that accepts WAV uploads, runs them through speech detection and
// recognition on a bounded worker pool with round-robin device selection,
// and reports per-job progress over the runner wire protocol.
package asrd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/scribarr/scribarr/internal/asr"
	"github.com/scribarr/scribarr/internal/audio"
	"github.com/scribarr/scribarr/internal/config"
	"github.com/scribarr/scribarr/pkg/runner"
)

const (
	// jobQueueCapacity bounds how many accepted jobs may wait for a worker.
	jobQueueCapacity = 128

	// terminalJobRetention keeps finished jobs pollable before they are
	// swept from the table.
	terminalJobRetention = time.Hour

	// maxReportedProgress caps in-flight progress so only completion
	// reports 1.0.
	maxReportedProgress = 0.99
)

// ErrQueueFull means the job queue is at capacity and the submission was
// rejected.
var ErrQueueFull = fmt.Errorf("job queue is full")

// ChunkSource slices a WAV file into speech chunks for recognition.
type ChunkSource interface {
	Run(wavPath string) ([]audio.Chunk, []audio.ChunkMeta, error)
}

// job is one transcription request in the in-memory table.
type job struct {
	id        string
	status    runner.JobStatus
	progress  float64
	language  string
	wavPath   string
	device    int
	result    *asr.Result
	errMsg    string
	createdAt time.Time
	updatedAt time.Time
}

// Manager owns the job table, the worker pool and the device selector.
type Manager struct {
	chunker    ChunkSource
	devices    *deviceSelector
	logger     *slog.Logger
	sampleRate int
	bump       float64

	mu    sync.Mutex
	jobs  map[string]*job
	queue chan string

	runMu   sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	workers int
}

// NewManager creates a manager from the daemon configuration. The factory
// is called lazily, once per device, when a slot first picks up work.
func NewManager(cfg config.AsrdConfig, chunker ChunkSource, factory EngineFactory, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	workers := cfg.MaxConcurrent
	if workers < 1 {
		workers = 1
	}
	bump := cfg.ProgressBump
	if bump <= 0 || bump > 1 {
		bump = 0.05
	}
	sampleRate := cfg.Audio.TargetSampleRate
	if sampleRate <= 0 {
		sampleRate = 16000
	}

	return &Manager{
		chunker:    chunker,
		devices:    newDeviceSelector(cfg.GPUIDs, cfg.IdleRelease, factory),
		logger:     logger.With(slog.String("component", "asrd_manager")),
		sampleRate: sampleRate,
		bump:       bump,
		jobs:       make(map[string]*job),
		queue:      make(chan string, jobQueueCapacity),
		workers:    workers,
	}
}

// Start launches the worker pool.
func (m *Manager) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if m.ctx != nil {
		return fmt.Errorf("manager already started")
	}

	m.ctx, m.cancel = context.WithCancel(ctx)

	for i := 0; i < m.workers; i++ {
		m.wg.Add(1)
		go m.worker()
	}

	m.logger.Info("transcription workers started",
		slog.Int("workers", m.workers),
		slog.Int("devices", len(m.devices.devices)))

	return nil
}

// Stop cancels in-flight transcriptions and waits for the workers to exit.
// Jobs interrupted mid-run are marked failed; queued jobs stay pending and
// die with the process.
func (m *Manager) Stop() {
	m.runMu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	m.runMu.Unlock()

	m.wg.Wait()

	m.runMu.Lock()
	m.ctx = nil
	m.cancel = nil
	m.runMu.Unlock()

	m.logger.Info("transcription workers stopped")
}

// Submit registers a WAV file for transcription and returns the job id. The
// manager takes ownership of the file and removes it once the job reaches a
// terminal state. Submissions fail with ErrAllDevicesDisabled when every
// device has been taken out of rotation, and with ErrQueueFull when the
// queue is at capacity.
func (m *Manager) Submit(wavPath, language string) (string, error) {
	if m.devices.allDisabled() {
		return "", ErrAllDevicesDisabled
	}

	now := time.Now().UTC()
	j := &job{
		id:        uuid.NewString(),
		status:    runner.StatusPending,
		language:  normalizeLanguage(language),
		wavPath:   wavPath,
		device:    cpuDevice,
		createdAt: now,
		updatedAt: now,
	}

	m.mu.Lock()
	m.sweepLocked(now)
	m.jobs[j.id] = j
	m.mu.Unlock()

	select {
	case m.queue <- j.id:
	default:
		m.mu.Lock()
		delete(m.jobs, j.id)
		m.mu.Unlock()
		return "", ErrQueueFull
	}

	m.logger.Info("job accepted",
		slog.String("job_id", j.id),
		slog.String("language", j.language))

	return j.id, nil
}

// Snapshot returns the wire status for one job.
func (m *Manager) Snapshot(id string) (runner.StatusResponse, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return runner.StatusResponse{}, false
	}

	resp := runner.StatusResponse{
		Status:   j.status,
		Progress: j.progress,
	}
	switch j.status {
	case runner.StatusCompleted:
		resp.Text = j.result.Text
		resp.Language = j.result.Language
		resp.Segments = toWireSegments(j.result.Segments)
	case runner.StatusFailed:
		resp.Error = j.errMsg
	}
	return resp, true
}

// Report returns the job table (newest first) and the device states.
func (m *Manager) Report() ([]runner.JobSummary, []runner.DeviceState) {
	m.mu.Lock()
	jobs := make([]runner.JobSummary, 0, len(m.jobs))
	for _, j := range m.jobs {
		jobs = append(jobs, runner.JobSummary{
			ID:        j.id,
			Status:    j.status,
			Progress:  j.progress,
			Device:    j.device,
			CreatedAt: j.createdAt,
			UpdatedAt: j.updatedAt,
		})
	}
	m.mu.Unlock()

	sort.Slice(jobs, func(i, k int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[k].CreatedAt) {
			return jobs[i].CreatedAt.After(jobs[k].CreatedAt)
		}
		return jobs[i].ID > jobs[k].ID
	})

	return jobs, m.devices.states()
}

func (m *Manager) worker() {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return
		case id := <-m.queue:
			m.runJob(m.ctx, id)
		}
	}
}

// runJob drives one job from pending to a terminal state. The uploaded WAV
// is removed whichever way the job ends.
func (m *Manager) runJob(ctx context.Context, id string) {
	m.mu.Lock()
	j, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	j.status = runner.StatusProcessing
	j.updatedAt = time.Now().UTC()
	wavPath, language := j.wavPath, j.language
	m.mu.Unlock()

	defer os.Remove(wavPath)

	chunks, metas, err := m.chunker.Run(wavPath)
	if err != nil {
		m.fail(id, fmt.Errorf("preparing audio: %w", err))
		return
	}

	// Silence-only audio completes without touching a device.
	if len(chunks) == 0 {
		lang := language
		if lang == "" {
			lang = "unknown"
		}
		m.complete(id, &asr.Result{Language: lang})
		return
	}

	dev, engine, err := m.devices.acquire()
	if err != nil {
		m.fail(id, err)
		return
	}

	m.mu.Lock()
	if j, ok := m.jobs[id]; ok {
		j.device = dev.id
	}
	m.mu.Unlock()

	// Total duration scales segment timestamps into a progress fraction;
	// when it cannot be read, each segment bumps progress by a fixed step.
	total, err := audio.Duration(wavPath)
	if err != nil {
		total = 0
	}
	progress := func(endSeconds float64) {
		m.advance(id, endSeconds, total)
	}

	result, err := asr.TranscribeChunks(ctx, engine, chunks, metas, m.sampleRate, language, progress)
	if err != nil {
		disable := dev.id != cpuDevice && isCUDAInvalidArgument(err)
		m.devices.release(dev, disable)
		if disable {
			m.logger.Error("disabling device after CUDA fault",
				slog.Int("device", dev.id),
				slog.Any("error", err))
		}
		m.fail(id, err)
		return
	}

	m.devices.release(dev, false)
	m.complete(id, result)
}

// advance raises a processing job's progress. Progress never moves
// backwards and never reports complete before the job is.
func (m *Manager) advance(id string, endSeconds, total float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok || j.status != runner.StatusProcessing {
		return
	}

	p := j.progress + m.bump
	if total > 0 {
		p = endSeconds / total
	}
	if p > maxReportedProgress {
		p = maxReportedProgress
	}
	if p > j.progress {
		j.progress = p
		j.updatedAt = time.Now().UTC()
	}
}

func (m *Manager) complete(id string, result *asr.Result) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return
	}
	j.status = runner.StatusCompleted
	j.progress = 1.0
	j.result = result
	j.updatedAt = time.Now().UTC()

	m.logger.Info("job completed",
		slog.String("job_id", id),
		slog.String("language", result.Language),
		slog.Int("segments", len(result.Segments)))
}

func (m *Manager) fail(id string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return
	}
	j.status = runner.StatusFailed
	j.errMsg = err.Error()
	j.updatedAt = time.Now().UTC()

	m.logger.Error("job failed",
		slog.String("job_id", id),
		slog.Any("error", err))
}

// sweepLocked drops terminal jobs that finished longer than the retention
// window ago. Callers hold m.mu.
func (m *Manager) sweepLocked(now time.Time) {
	for id, j := range m.jobs {
		if j.status.Terminal() && now.Sub(j.updatedAt) > terminalJobRetention {
			delete(m.jobs, id)
		}
	}
}

// normalizeLanguage maps the "detect it yourself" spellings clients send to
// the empty hint the engine expects. "unknown" in particular is what a
// runner reports back for undetected language and must never round-trip
// into a hint.
func normalizeLanguage(language string) string {
	switch strings.ToLower(strings.TrimSpace(language)) {
	case "", "auto", "unknown":
		return ""
	default:
		return strings.ToLower(strings.TrimSpace(language))
	}
}

// isCUDAInvalidArgument matches the driver error whisper.cpp surfaces when
// a GPU is in a bad state. Jobs hitting it fail, and the device is pulled
// from rotation rather than poisoning every following job.
func isCUDAInvalidArgument(err error) bool {
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "cuda") && strings.Contains(s, "invalid argument")
}

func toWireSegments(segments []asr.Segment) []runner.Segment {
	if len(segments) == 0 {
		return nil
	}
	out := make([]runner.Segment, 0, len(segments))
	for _, seg := range segments {
		out = append(out, runner.Segment{
			Start: seg.Start,
			End:   seg.End,
			Text:  seg.Text,
		})
	}
	return out
}
