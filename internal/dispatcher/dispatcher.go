// Package dispatcher routes transcription work either to the in-process
// recognizer or to a pool of workers fronting a remote runner. Both modes
// satisfy the same Transcriber interface; the mode is chosen once at
// startup from the runner configuration.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/scribarr/scribarr/internal/asr"
	"github.com/scribarr/scribarr/internal/audio"
	"github.com/scribarr/scribarr/internal/config"
	"github.com/scribarr/scribarr/pkg/runner"
)

// Transcriber converts speech chunks into a transcript. Segment
// timestamps in the result are global to the original audio.
type Transcriber interface {
	Transcribe(ctx context.Context, chunks []audio.Chunk, metas []audio.ChunkMeta, language string, progress asr.ProgressFunc) (*asr.Result, error)
}

// RunnerError marks a transcription lost to the remote runner: submission
// failure, a failed job or a job timeout. The transcribe stage stores the
// unavailability sentinel and lets the item continue instead of failing it.
type RunnerError struct {
	Err error
}

func (e *RunnerError) Error() string { return fmt.Sprintf("remote transcription: %v", e.Err) }

func (e *RunnerError) Unwrap() error { return e.Err }

// Local runs the recognizer in the caller's goroutine. The heavy pool
// slot that invoked the transcribe stage is the concurrency bound.
type Local struct {
	engine     asr.Engine
	sampleRate int
}

// NewLocal returns a Transcriber backed by an in-process engine.
// sampleRate is the rate the audio pipeline resampled the chunks to.
func NewLocal(engine asr.Engine, sampleRate int) *Local {
	return &Local{engine: engine, sampleRate: sampleRate}
}

func (l *Local) Transcribe(ctx context.Context, chunks []audio.Chunk, metas []audio.ChunkMeta, language string, progress asr.ProgressFunc) (*asr.Result, error) {
	return asr.TranscribeChunks(ctx, l.engine, chunks, metas, l.sampleRate, language, progress)
}

// RunnerClient is the slice of the runner client the dispatcher needs.
type RunnerClient interface {
	Transcribe(ctx context.Context, wavPath, language string, progress runner.ProgressFunc) (*runner.Result, error)
}

// Remote serializes transcription requests through a bounded queue served
// by a fixed number of workers, typically one per remote GPU. A worker
// submits the next request the moment the previous one returns; there is
// no inter-submit delay and no scheduler tick in between. Executors block
// in Transcribe until their request is delivered.
type Remote struct {
	client     RunnerClient
	sampleRate int
	workers    int
	queue      chan *request
	logger     *slog.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type request struct {
	ctx      context.Context
	chunks   []audio.Chunk
	metas    []audio.ChunkMeta
	language string
	progress asr.ProgressFunc
	done     chan outcome
}

type outcome struct {
	result *asr.Result
	err    error
}

// NewRemote returns a Transcriber that forwards work to a remote runner.
// Call Start before submitting and Stop on shutdown.
func NewRemote(client RunnerClient, cfg config.RunnerConfig, sampleRate int, logger *slog.Logger) *Remote {
	workers := cfg.Concurrency
	if workers <= 0 {
		workers = 1
	}
	return &Remote{
		client:     client,
		sampleRate: sampleRate,
		workers:    workers,
		// Producers block once every worker is busy and the backlog fills;
		// the heavy pool's capacity is the real bound on waiters.
		queue:  make(chan *request, 4*workers),
		logger: logger.With(slog.String("component", "dispatcher")),
	}
}

// Start launches the worker pool.
func (r *Remote) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ctx != nil {
		return fmt.Errorf("dispatcher already started")
	}
	r.ctx, r.cancel = context.WithCancel(ctx)

	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.worker(i)
	}

	r.logger.Info("remote dispatcher started", slog.Int("workers", r.workers))
	return nil
}

// Stop cancels the workers and waits for them to exit. Requests already
// being served run until their own context cancels.
func (r *Remote) Stop() {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Unlock()

	r.wg.Wait()

	r.mu.Lock()
	r.ctx = nil
	r.cancel = nil
	r.mu.Unlock()

	r.logger.Info("remote dispatcher stopped")
}

// Transcribe enqueues the request and blocks until a worker delivers the
// result or ctx is canceled.
func (r *Remote) Transcribe(ctx context.Context, chunks []audio.Chunk, metas []audio.ChunkMeta, language string, progress asr.ProgressFunc) (*asr.Result, error) {
	req := &request{
		ctx:      ctx,
		chunks:   chunks,
		metas:    metas,
		language: language,
		progress: progress,
		done:     make(chan outcome, 1),
	}

	select {
	case r.queue <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case out := <-req.done:
		return out.result, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Remote) worker(id int) {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case req := <-r.queue:
			r.serve(id, req)
		}
	}
}

func (r *Remote) serve(id int, req *request) {
	result, err := r.transcribe(req)
	if err != nil && req.ctx.Err() == nil {
		r.logger.Error("remote transcription failed",
			slog.Int("worker", id),
			slog.String("error", err.Error()))
	}
	// done is buffered; delivery never blocks the worker even if the
	// requester has already given up.
	req.done <- outcome{result: result, err: err}
}

func (r *Remote) transcribe(req *request) (*asr.Result, error) {
	engine := &runnerEngine{client: r.client}
	result, err := asr.TranscribeChunks(req.ctx, engine, req.chunks, req.metas, r.sampleRate, req.language, req.progress)
	if err != nil {
		if req.ctx.Err() != nil {
			return nil, req.ctx.Err()
		}
		return nil, &RunnerError{Err: err}
	}
	return result, nil
}

// runnerEngine adapts the runner client to asr.Engine so chunk handling
// (temp WAVs, offset remapping, text merging) is shared with local mode.
// Each chunk becomes its own runner job, keeping the returned timestamps
// chunk-local exactly like the in-process engine.
type runnerEngine struct {
	client RunnerClient
}

func (e *runnerEngine) Transcribe(ctx context.Context, wavPath, language string, progress asr.ProgressFunc) (*asr.Result, error) {
	var cb runner.ProgressFunc
	if progress != nil {
		// The runner reports a completion fraction; scale it back to
		// seconds of audio so all engines speak the same unit.
		if duration, err := audio.Duration(wavPath); err == nil && duration > 0 {
			cb = func(fraction float64) { progress(fraction * duration) }
		}
	}

	res, err := e.client.Transcribe(ctx, wavPath, languageHint(language), cb)
	if err != nil {
		return nil, err
	}

	out := &asr.Result{Text: res.Text, Language: res.Language}
	for _, s := range res.Segments {
		out.Segments = append(out.Segments, asr.Segment{Start: s.Start, End: s.End, Text: s.Text})
	}
	return out, nil
}

// languageHint drops values that mean "autodetect" so they are never
// forwarded to the runner as a real language code.
func languageHint(language string) string {
	trimmed := strings.TrimSpace(language)
	switch strings.ToLower(trimmed) {
	case "", "auto", "unknown":
		return ""
	}
	return trimmed
}
