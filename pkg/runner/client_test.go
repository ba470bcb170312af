package runner

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type pollStep struct {
	code int
	body StatusResponse
}

// fakeRunner scripts the runner side of the protocol: one accepted job,
// then a fixed sequence of poll responses (the last step repeats).
type fakeRunner struct {
	t     *testing.T
	jobID string
	steps []pollStep

	mu        sync.Mutex
	fileBytes []byte
	language  string
	polls     int
}

func (f *fakeRunner) server() *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /transcribe", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(f.t, r.ParseMultipartForm(4<<20))
		file, _, err := r.FormFile("file")
		require.NoError(f.t, err)
		defer file.Close()
		data, err := io.ReadAll(file)
		require.NoError(f.t, err)

		f.mu.Lock()
		f.fileBytes = data
		f.language = r.FormValue("language")
		f.mu.Unlock()

		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(SubmitResponse{JobID: f.jobID})
	})
	mux.HandleFunc("GET /transcribe/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		idx := f.polls
		if idx >= len(f.steps) {
			idx = len(f.steps) - 1
		}
		f.polls++
		step := f.steps[idx]
		f.mu.Unlock()

		w.WriteHeader(step.code)
		json.NewEncoder(w).Encode(step.body)
	})
	return httptest.NewServer(mux)
}

func writeFakeWAV(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audio.wav")
	require.NoError(t, os.WriteFile(path, []byte("RIFF-fake-wav-payload"), 0o644))
	return path
}

func newTestClient(t *testing.T, baseURL string, jobTimeout time.Duration) *Client {
	t.Helper()
	client, err := NewClient(Options{
		BaseURL:      baseURL,
		PollInterval: 5 * time.Millisecond,
		JobTimeout:   jobTimeout,
		Logger:       testLogger(),
	})
	require.NoError(t, err)
	return client
}

func TestTranscribe_Completes(t *testing.T) {
	fake := &fakeRunner{
		t:     t,
		jobID: "job-1",
		steps: []pollStep{
			{code: http.StatusAccepted, body: StatusResponse{Status: StatusProcessing, Progress: 0.3}},
			{code: http.StatusAccepted, body: StatusResponse{Status: StatusProcessing, Progress: 0.6}},
			{code: http.StatusOK, body: StatusResponse{
				Status:   StatusCompleted,
				Progress: 1,
				Text:     "hello from the gpu",
				Language: "en",
				Segments: []Segment{{Start: 0, End: 2.5, Text: "hello from the gpu"}},
			}},
		},
	}
	server := fake.server()
	defer server.Close()

	client := newTestClient(t, server.URL, time.Second)

	var seen []float64
	result, err := client.Transcribe(context.Background(), writeFakeWAV(t), "en", func(p float64) {
		seen = append(seen, p)
	})
	require.NoError(t, err)

	assert.Equal(t, "hello from the gpu", result.Text)
	assert.Equal(t, "en", result.Language)
	require.Len(t, result.Segments, 1)
	assert.InDelta(t, 2.5, result.Segments[0].End, 0.0001)

	assert.Equal(t, []float64{0.3, 0.6, 1}, seen)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, []byte("RIFF-fake-wav-payload"), fake.fileBytes)
	assert.Equal(t, "en", fake.language)
}

func TestTranscribe_OmitsEmptyLanguage(t *testing.T) {
	fake := &fakeRunner{
		t:     t,
		jobID: "job-2",
		steps: []pollStep{
			{code: http.StatusOK, body: StatusResponse{Status: StatusCompleted, Text: "x", Language: "ja"}},
		},
	}
	server := fake.server()
	defer server.Close()

	client := newTestClient(t, server.URL, time.Second)
	_, err := client.Transcribe(context.Background(), writeFakeWAV(t), "", nil)
	require.NoError(t, err)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Empty(t, fake.language)
}

func TestTranscribe_JobFailed(t *testing.T) {
	fake := &fakeRunner{
		t:     t,
		jobID: "job-3",
		steps: []pollStep{
			{code: http.StatusAccepted, body: StatusResponse{Status: StatusProcessing, Progress: 0.1}},
			{code: http.StatusOK, body: StatusResponse{Status: StatusFailed, Error: "CUDA out of memory"}},
		},
	}
	server := fake.server()
	defer server.Close()

	client := newTestClient(t, server.URL, time.Second)
	_, err := client.Transcribe(context.Background(), writeFakeWAV(t), "", nil)
	require.Error(t, err)

	var jerr *JobError
	require.ErrorAs(t, err, &jerr)
	assert.Contains(t, jerr.Message, "CUDA out of memory")
}

func TestTranscribe_Timeout(t *testing.T) {
	fake := &fakeRunner{
		t:     t,
		jobID: "job-4",
		steps: []pollStep{
			{code: http.StatusAccepted, body: StatusResponse{Status: StatusProcessing, Progress: 0.5}},
		},
	}
	server := fake.server()
	defer server.Close()

	client := newTestClient(t, server.URL, 60*time.Millisecond)
	_, err := client.Transcribe(context.Background(), writeFakeWAV(t), "", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "timed out")
}

func TestTranscribe_SurvivesPollBlips(t *testing.T) {
	fake := &fakeRunner{
		t:     t,
		jobID: "job-5",
		steps: []pollStep{
			{code: http.StatusInternalServerError, body: StatusResponse{}},
			{code: http.StatusInternalServerError, body: StatusResponse{}},
			{code: http.StatusOK, body: StatusResponse{Status: StatusCompleted, Text: "made it", Language: "en"}},
		},
	}
	server := fake.server()
	defer server.Close()

	client := newTestClient(t, server.URL, time.Second)
	result, err := client.Transcribe(context.Background(), writeFakeWAV(t), "", nil)
	require.NoError(t, err, "transient poll failures are retried")
	assert.Equal(t, "made it", result.Text)
}

func TestTranscribe_JobNotFound(t *testing.T) {
	fake := &fakeRunner{
		t:     t,
		jobID: "job-6",
		steps: []pollStep{
			{code: http.StatusNotFound, body: StatusResponse{}},
		},
	}
	server := fake.server()
	defer server.Close()

	client := newTestClient(t, server.URL, time.Second)
	_, err := client.Transcribe(context.Background(), writeFakeWAV(t), "", nil)
	assert.ErrorIs(t, err, ErrJobNotFound, "a forgotten job fails immediately")
}

func TestSubmit_RejectedUpload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "expected a WAV file", http.StatusBadRequest)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, time.Second)
	_, err := client.Submit(context.Background(), writeFakeWAV(t), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
}

func TestSubmit_MissingFile(t *testing.T) {
	client := newTestClient(t, "http://localhost:1", time.Second)
	_, err := client.Submit(context.Background(), "/does/not/exist.wav", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "opening audio")
}

func TestHealth(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/health", r.URL.Path)
			json.NewEncoder(w).Encode(HealthResponse{Status: "ok"})
		}))
		defer server.Close()

		client := newTestClient(t, server.URL, time.Second)
		assert.NoError(t, client.Health(context.Background()))
	})

	t.Run("degraded", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(HealthResponse{Status: "degraded"})
		}))
		defer server.Close()

		client := newTestClient(t, server.URL, time.Second)
		err := client.Health(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "degraded")
	})
}

func TestNewClient_RequiresBaseURL(t *testing.T) {
	_, err := NewClient(Options{})
	assert.Error(t, err)
}

func TestJobStatusTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusProcessing.Terminal())
}
