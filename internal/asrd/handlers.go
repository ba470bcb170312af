package asrd

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/scribarr/scribarr/pkg/runner"
)

// maxLanguageFieldBytes bounds the language form field; hints are short
// ISO codes or "auto".
const maxLanguageFieldBytes = 64

// Handler serves the runner wire protocol.
type Handler struct {
	manager   *Manager
	stats     *StatsCollector
	maxUpload int64
	logger    *slog.Logger
}

// NewHandler creates the protocol handler. stats may be nil, in which case
// the status report omits host metrics.
func NewHandler(manager *Manager, stats *StatsCollector, maxUpload int64, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		manager:   manager,
		stats:     stats,
		maxUpload: maxUpload,
		logger:    logger.With(slog.String("component", "asrd_http")),
	}
}

// Routes registers the protocol endpoints on the router.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/transcribe", h.submit)
	r.Get("/transcribe/{id}", h.jobStatus)
	r.Get("/health", h.health)
	r.Get("/status", h.report)
}

// submit accepts a multipart upload with a WAV file part and an optional
// language field, spools the file to disk and queues a job. The upload is
// streamed rather than buffered so the size limit holds memory, not just
// disk, to a bound.
func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)

	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, "expected multipart form data")
		return
	}

	var (
		language string
		wavPath  string
	)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			removeIfSet(wavPath)
			if isBodyTooLarge(err) {
				writeError(w, http.StatusRequestEntityTooLarge, "upload exceeds the size limit")
				return
			}
			writeError(w, http.StatusBadRequest, "reading form data: "+err.Error())
			return
		}

		switch part.FormName() {
		case "language":
			value, err := io.ReadAll(io.LimitReader(part, maxLanguageFieldBytes))
			if err == nil {
				language = strings.TrimSpace(string(value))
			}
		case "file":
			name := strings.ToLower(part.FileName())
			if !strings.HasSuffix(name, ".wav") && !strings.HasSuffix(name, ".wave") {
				part.Close()
				writeError(w, http.StatusBadRequest, "expected a WAV file")
				return
			}
			path, err := h.spoolUpload(part)
			if err != nil {
				part.Close()
				if isBodyTooLarge(err) {
					writeError(w, http.StatusRequestEntityTooLarge, "upload exceeds the size limit")
					return
				}
				writeError(w, http.StatusInternalServerError, "storing upload: "+err.Error())
				return
			}
			wavPath = path
		}
		part.Close()
	}

	if wavPath == "" {
		writeError(w, http.StatusBadRequest, "missing file part")
		return
	}

	jobID, err := h.manager.Submit(wavPath, language)
	if err != nil {
		os.Remove(wavPath)
		switch {
		case errors.Is(err, ErrAllDevicesDisabled), errors.Is(err, ErrQueueFull):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusAccepted, runner.SubmitResponse{JobID: jobID})
}

// jobStatus reports one job: 202 while it is in flight, 200 once terminal,
// 404 when unknown (or already swept).
func (h *Handler) jobStatus(w http.ResponseWriter, r *http.Request) {
	status, ok := h.manager.Snapshot(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	code := http.StatusOK
	if !status.Status.Terminal() {
		code = http.StatusAccepted
	}
	writeJSON(w, code, status)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, runner.HealthResponse{Status: "ok"})
}

// report returns the job table, device states and host metrics.
func (h *Handler) report(w http.ResponseWriter, r *http.Request) {
	jobs, devices := h.manager.Report()
	resp := runner.StatusReport{
		Jobs:    jobs,
		Devices: devices,
	}
	if h.stats != nil {
		resp.System = h.stats.Collect(r.Context())
	}
	writeJSON(w, http.StatusOK, resp)
}

// spoolUpload streams a multipart file part into a temp file and returns
// its path. The caller owns the file.
func (h *Handler) spoolUpload(part io.Reader) (string, error) {
	f, err := os.CreateTemp("", "scribarr-asrd-*.wav")
	if err != nil {
		return "", err
	}

	if _, err := io.Copy(f, part); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func isBodyTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}

func removeIfSet(path string) {
	if path != "" {
		os.Remove(path)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
