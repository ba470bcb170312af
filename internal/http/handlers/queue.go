package handlers

import (
	"context"

	"github.com/danielgtaylor/huma/v2"
	"github.com/scribarr/scribarr/internal/gate"
	"github.com/scribarr/scribarr/internal/models"
	"github.com/scribarr/scribarr/internal/repository"
)

// ActiveCounter reports how many items each worker pool currently runs.
// The scheduler implements it.
type ActiveCounter interface {
	Active() (downloads, processing int)
}

// QueueHandler handles queue inspection endpoints.
type QueueHandler struct {
	items  repository.ItemRepository
	active ActiveCounter
	gate   *gate.Gate
}

// NewQueueHandler creates a new queue handler.
func NewQueueHandler(items repository.ItemRepository, active ActiveCounter, g *gate.Gate) *QueueHandler {
	return &QueueHandler{
		items:  items,
		active: active,
		gate:   g,
	}
}

// Register registers the queue routes with the API.
func (h *QueueHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getQueue",
		Method:      "GET",
		Path:        "/api/v1/queue",
		Summary:     "Queue overview",
		Description: "Returns per-stage counts, the running worker sets and the download gate state",
		Tags:        []string{"Queue"},
	}, h.GetQueue)

	huma.Register(api, huma.Operation{
		OperationID: "resumeQueue",
		Method:      "POST",
		Path:        "/api/v1/queue/resume",
		Summary:     "Resume downloads",
		Description: "Lifts an active download pause and zeroes the blocked-failure counter",
		Tags:        []string{"Queue"},
	}, h.Resume)
}

// QueueItemSummary is a running or queued item in the queue overview.
type QueueItemSummary struct {
	ID       models.ULID      `json:"id"`
	Stage    models.ItemStage `json:"stage"`
	Progress float64          `json:"progress"`
	Title    string           `json:"title,omitempty"`
	URL      string           `json:"url"`
}

// QueueResponse is the queue overview body.
type QueueResponse struct {
	Stages           map[models.ItemStage]int64 `json:"stages"`
	ActiveDownloads  int                        `json:"active_downloads"`
	ActiveProcessing int                        `json:"active_processing"`
	InFlight         []QueueItemSummary         `json:"in_flight"`
	Gate             gate.Snapshot              `json:"gate"`
}

// GetQueueInput is the input for the queue overview.
type GetQueueInput struct{}

// GetQueueOutput is the output for the queue overview.
type GetQueueOutput struct {
	Body QueueResponse
}

// GetQueue returns per-stage counts, the items workers currently own and
// the download gate state.
func (h *QueueHandler) GetQueue(ctx context.Context, input *GetQueueInput) (*GetQueueOutput, error) {
	counts, err := h.items.CountByStage(ctx)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to count items", err)
	}

	inFlight, err := h.items.ListInFlight(ctx)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to list in-flight items", err)
	}

	downloads, processing := h.active.Active()

	summaries := make([]QueueItemSummary, 0, len(inFlight))
	for _, item := range inFlight {
		summaries = append(summaries, QueueItemSummary{
			ID:       item.ID,
			Stage:    item.Stage,
			Progress: item.Progress,
			Title:    item.Title,
			URL:      item.URL,
		})
	}

	return &GetQueueOutput{
		Body: QueueResponse{
			Stages:           counts,
			ActiveDownloads:  downloads,
			ActiveProcessing: processing,
			InFlight:         summaries,
			Gate:             h.gate.Snapshot(),
		},
	}, nil
}

// ResumeQueueInput is the input for resuming downloads.
type ResumeQueueInput struct{}

// ResumeQueueOutput is the output for resuming downloads.
type ResumeQueueOutput struct {
	Body struct {
		Message string        `json:"message"`
		Gate    gate.Snapshot `json:"gate"`
	}
}

// Resume lifts an active download pause. Safe to call when nothing is
// paused; the blocked-failure counter resets either way.
func (h *QueueHandler) Resume(ctx context.Context, input *ResumeQueueInput) (*ResumeQueueOutput, error) {
	h.gate.ClearPause()

	resp := &ResumeQueueOutput{}
	resp.Body.Message = "download pause cleared"
	resp.Body.Gate = h.gate.Snapshot()
	return resp, nil
}
