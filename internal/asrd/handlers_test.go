package asrd

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scribarr/scribarr/internal/asr"
	"github.com/scribarr/scribarr/internal/audio"
	"github.com/scribarr/scribarr/pkg/runner"
)

type daemonTestEnv struct {
	manager *Manager
	router  http.Handler
}

func newDaemonEnv(t *testing.T, chunker ChunkSource, factory EngineFactory, maxUpload int64) *daemonTestEnv {
	t.Helper()

	cfg := testAsrdConfig()
	m := NewManager(cfg, chunker, factory, testLogger())
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(m.Stop)

	handler := NewHandler(m, NewStatsCollector(), maxUpload, testLogger())
	server := NewServer(cfg, handler, testLogger())
	return &daemonTestEnv{manager: m, router: server.Router()}
}

func (e *daemonTestEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

// wavUpload builds a multipart body with an optional language field and one
// file part.
func wavUpload(t *testing.T, filename, language string, payload []byte) (*bytes.Buffer, string) {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if language != "" {
		require.NoError(t, mw.WriteField("language", language))
	}
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write(payload)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func wavBytes(t *testing.T, seconds float64) []byte {
	t.Helper()

	var buf bytes.Buffer
	samples := make([]float32, int(seconds*16000))
	require.NoError(t, audio.EncodeWAV(&buf, samples, 16000))
	return buf.Bytes()
}

func postWAV(t *testing.T, env *daemonTestEnv, filename, language string, payload []byte) *httptest.ResponseRecorder {
	t.Helper()

	body, contentType := wavUpload(t, filename, language, payload)
	req := httptest.NewRequest(http.MethodPost, "/transcribe", body)
	req.Header.Set("Content-Type", contentType)
	return env.do(req)
}

func pollUntilTerminal(t *testing.T, env *daemonTestEnv, jobID string) runner.StatusResponse {
	t.Helper()

	var status runner.StatusResponse
	require.Eventually(t, func() bool {
		rec := env.do(httptest.NewRequest(http.MethodGet, "/transcribe/"+jobID, nil))
		if rec.Code != http.StatusOK {
			return false
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
			return false
		}
		return status.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	return status
}

func TestDaemonHandler_SubmitAndPoll(t *testing.T) {
	engine := &stubEngine{
		result: &asr.Result{
			Text:     "hello from the api",
			Language: "en",
			Segments: []asr.Segment{{Start: 0, End: 1.5, Text: "hello from the api"}},
		},
	}
	env := newDaemonEnv(t, singleChunk(), staticFactory(engine), 1<<20)

	rec := postWAV(t, env, "audio.wav", "", wavBytes(t, 1))
	require.Equal(t, http.StatusAccepted, rec.Code)

	var submitted runner.SubmitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitted))
	require.NotEmpty(t, submitted.JobID)

	status := pollUntilTerminal(t, env, submitted.JobID)
	assert.Equal(t, runner.StatusCompleted, status.Status)
	assert.Equal(t, 1.0, status.Progress)
	assert.Equal(t, "hello from the api", status.Text)
	assert.Equal(t, "en", status.Language)
	require.Len(t, status.Segments, 1)
}

func TestDaemonHandler_LanguageField(t *testing.T) {
	// Silence-only input: the job completes with the hinted language echoed
	// back, proving the form field reached the manager.
	env := newDaemonEnv(t, &stubChunker{}, newCountingFactory().build, 1<<20)

	rec := postWAV(t, env, "audio.wav", "de", wavBytes(t, 1))
	require.Equal(t, http.StatusAccepted, rec.Code)

	var submitted runner.SubmitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitted))

	status := pollUntilTerminal(t, env, submitted.JobID)
	assert.Equal(t, runner.StatusCompleted, status.Status)
	assert.Equal(t, "de", status.Language)
	assert.Empty(t, status.Text)
}

func TestDaemonHandler_SubmitValidation(t *testing.T) {
	env := newDaemonEnv(t, &stubChunker{}, newCountingFactory().build, 4096)

	t.Run("accepts wave extension", func(t *testing.T) {
		rec := postWAV(t, env, "AUDIO.WAVE", "", wavBytes(t, 0.05))
		assert.Equal(t, http.StatusAccepted, rec.Code)
	})

	t.Run("rejects non-wav filename", func(t *testing.T) {
		rec := postWAV(t, env, "audio.mp3", "", wavBytes(t, 0.05))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "expected a WAV file")
	})

	t.Run("rejects missing file part", func(t *testing.T) {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		require.NoError(t, mw.WriteField("language", "en"))
		require.NoError(t, mw.Close())

		req := httptest.NewRequest(http.MethodPost, "/transcribe", &buf)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		rec := env.do(req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "missing file part")
	})

	t.Run("rejects non-multipart body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/transcribe", bytes.NewBufferString("{}"))
		req.Header.Set("Content-Type", "application/json")
		rec := env.do(req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "expected multipart form data")
	})

	t.Run("rejects oversized upload", func(t *testing.T) {
		rec := postWAV(t, env, "audio.wav", "", wavBytes(t, 2))
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	})
}

func TestDaemonHandler_JobStatus(t *testing.T) {
	t.Run("unknown job returns 404", func(t *testing.T) {
		env := newDaemonEnv(t, &stubChunker{}, nil, 1<<20)

		rec := env.do(httptest.NewRequest(http.MethodGet, "/transcribe/no-such-job", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Contains(t, rec.Body.String(), "job not found")
	})

	t.Run("queued job returns 202", func(t *testing.T) {
		// No workers running, so the job stays pending.
		cfg := testAsrdConfig()
		m := NewManager(cfg, &stubChunker{}, nil, testLogger())
		handler := NewHandler(m, nil, 1<<20, testLogger())
		env := &daemonTestEnv{manager: m, router: NewServer(cfg, handler, testLogger()).Router()}

		rec := postWAV(t, env, "audio.wav", "", wavBytes(t, 0.05))
		require.Equal(t, http.StatusAccepted, rec.Code)

		var submitted runner.SubmitResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitted))

		rec = env.do(httptest.NewRequest(http.MethodGet, "/transcribe/"+submitted.JobID, nil))
		assert.Equal(t, http.StatusAccepted, rec.Code)

		var status runner.StatusResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
		assert.Equal(t, runner.StatusPending, status.Status)
		assert.Zero(t, status.Progress)
	})
}

func TestDaemonHandler_SubmitWhenAllDevicesDisabled(t *testing.T) {
	cfg := testAsrdConfig()
	cfg.GPUIDs = []int{0}
	m := NewManager(cfg, singleChunk(), newCountingFactory().build, testLogger())
	m.devices.devices[0].disabled = true

	handler := NewHandler(m, nil, 1<<20, testLogger())
	env := &daemonTestEnv{manager: m, router: NewServer(cfg, handler, testLogger()).Router()}

	rec := postWAV(t, env, "audio.wav", "", wavBytes(t, 0.05))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "all devices are disabled")
}

func TestDaemonHandler_Health(t *testing.T) {
	env := newDaemonEnv(t, &stubChunker{}, nil, 1<<20)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var health runner.HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
}

func TestDaemonHandler_Status(t *testing.T) {
	env := newDaemonEnv(t, &stubChunker{}, newCountingFactory().build, 1<<20)

	rec := postWAV(t, env, "audio.wav", "", wavBytes(t, 0.05))
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var report runner.StatusReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Len(t, report.Jobs, 1)
	require.Len(t, report.Devices, 1)
	assert.Equal(t, cpuDevice, report.Devices[0].ID)
	require.NotNil(t, report.System)
}
