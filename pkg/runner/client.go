package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/scribarr/scribarr/internal/urlutil"
	"github.com/scribarr/scribarr/pkg/httpclient"
)

const (
	// DefaultPollInterval spaces the status polls for an in-flight job.
	DefaultPollInterval = 30 * time.Second
	// DefaultJobTimeout bounds one job end to end; transcribing hours of
	// audio on a busy GPU can legitimately take a long time.
	DefaultJobTimeout = 2 * time.Hour

	// maxConsecutivePollErrors gives up on a job whose status endpoint
	// keeps failing, rather than waiting out the whole job timeout.
	maxConsecutivePollErrors = 10
)

// ErrJobNotFound is returned when the runner no longer knows the job id,
// for example after a runner restart.
var ErrJobNotFound = errors.New("runner job not found")

// JobError is a terminal failure reported by the runner itself.
type JobError struct {
	Message string
}

func (e *JobError) Error() string { return "runner job failed: " + e.Message }

// ProgressFunc receives the runner's progress approximation in [0,1].
type ProgressFunc func(fraction float64)

// Options configures a Client.
type Options struct {
	// BaseURL is the runner's root URL, e.g. http://gpu-box:8090.
	BaseURL string
	// PollInterval between job status checks. Zero means the default.
	PollInterval time.Duration
	// JobTimeout bounds submit-to-terminal for one job. Zero means the
	// default.
	JobTimeout time.Duration
	// HTTPClient overrides the resilient client, mainly for tests.
	HTTPClient *httpclient.Client
	Logger     *slog.Logger
}

// Client drives a remote runner through submit, poll and collect.
type Client struct {
	baseURL      string
	http         *httpclient.Client
	pollInterval time.Duration
	jobTimeout   time.Duration
	logger       *slog.Logger
}

// NewClient validates the options and returns a Client.
func NewClient(opts Options) (*Client, error) {
	base := urlutil.NormalizeBaseURL(opts.BaseURL)
	if base == "" {
		return nil, fmt.Errorf("runner base URL is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "runner_client"))

	hc := opts.HTTPClient
	if hc == nil {
		// Submissions stream the WAV through a pipe, which cannot be
		// replayed; retrying is the poll loop's job.
		hc = httpclient.New(httpclient.Config{
			Timeout:       10 * time.Minute,
			RetryAttempts: 0,
			Logger:        logger,
		})
	}

	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	jobTimeout := opts.JobTimeout
	if jobTimeout <= 0 {
		jobTimeout = DefaultJobTimeout
	}

	return &Client{
		baseURL:      base,
		http:         hc,
		pollInterval: pollInterval,
		jobTimeout:   jobTimeout,
		logger:       logger,
	}, nil
}

// Health checks the runner's /health endpoint.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.http.Get(ctx, c.baseURL+"/health")
	if err != nil {
		return fmt.Errorf("runner health check: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("runner health check: status %d", resp.StatusCode)
	}
	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("runner health check: %w", err)
	}
	if health.Status != "ok" {
		return fmt.Errorf("runner reports status %q", health.Status)
	}
	return nil
}

// Submit uploads the WAV and returns the accepted job id. language may be
// empty for autodetection.
func (c *Client) Submit(ctx context.Context, wavPath, language string) (string, error) {
	file, err := os.Open(wavPath)
	if err != nil {
		return "", fmt.Errorf("opening audio: %w", err)
	}
	defer file.Close()

	// Stream the upload; transcription WAVs can run to hundreds of MB.
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", filepath.Base(wavPath))
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, file); err != nil {
			pw.CloseWithError(err)
			return
		}
		if language != "" {
			if err := mw.WriteField("language", language); err != nil {
				pw.CloseWithError(err)
				return
			}
		}
		pw.CloseWithError(mw.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transcribe", pr)
	if err != nil {
		return "", fmt.Errorf("building submit request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("submitting job: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("submitting job: status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var submit SubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&submit); err != nil {
		return "", fmt.Errorf("decoding submit response: %w", err)
	}
	if submit.JobID == "" {
		return "", fmt.Errorf("runner returned no job id")
	}
	return submit.JobID, nil
}

// JobStatus fetches the current state of one job.
func (c *Client) JobStatus(ctx context.Context, jobID string) (*StatusResponse, error) {
	resp, err := c.http.Get(ctx, c.baseURL+"/transcribe/"+jobID)
	if err != nil {
		return nil, fmt.Errorf("polling job %s: %w", jobID, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted:
	case http.StatusNotFound:
		return nil, fmt.Errorf("polling job %s: %w", jobID, ErrJobNotFound)
	default:
		return nil, fmt.Errorf("polling job %s: status %d", jobID, resp.StatusCode)
	}

	var status StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decoding job %s status: %w", jobID, err)
	}
	return &status, nil
}

// Transcribe runs the full submit, poll, collect cycle for one WAV file.
// progress may be nil. A job the runner reports as failed comes back as
// *JobError; a job that outlives the configured timeout as an error
// wrapping context.DeadlineExceeded.
func (c *Client) Transcribe(ctx context.Context, wavPath, language string, progress ProgressFunc) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.jobTimeout)
	defer cancel()

	jobID, err := c.Submit(ctx, wavPath, language)
	if err != nil {
		return nil, err
	}
	c.logger.Info("transcription job submitted",
		slog.String("job_id", jobID),
		slog.String("audio", filepath.Base(wavPath)))

	pollFailures := 0
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("job %s timed out after %s: %w", jobID, c.jobTimeout, ctx.Err())
			}
			return nil, ctx.Err()
		case <-time.After(c.pollInterval):
		}

		status, err := c.JobStatus(ctx, jobID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			if errors.Is(err, ErrJobNotFound) {
				return nil, err
			}
			pollFailures++
			if pollFailures >= maxConsecutivePollErrors {
				return nil, fmt.Errorf("job %s unreachable after %d polls: %w", jobID, pollFailures, err)
			}
			c.logger.Warn("job poll failed, will retry",
				slog.String("job_id", jobID),
				slog.Int("consecutive_failures", pollFailures),
				slog.String("error", err.Error()))
			continue
		}
		pollFailures = 0

		switch status.Status {
		case StatusCompleted:
			if progress != nil {
				progress(1)
			}
			return &Result{
				Text:     status.Text,
				Language: status.Language,
				Segments: status.Segments,
			}, nil
		case StatusFailed:
			msg := status.Error
			if msg == "" {
				msg = "unknown error"
			}
			return nil, &JobError{Message: msg}
		default:
			if progress != nil {
				progress(status.Progress)
			}
		}
	}
}
