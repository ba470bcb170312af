package handlers

import (
	"context"
	"fmt"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/scribarr/scribarr/internal/models"
	"github.com/scribarr/scribarr/internal/repository"
	"github.com/scribarr/scribarr/internal/storage"
	"github.com/scribarr/scribarr/internal/urlutil"
)

// ItemHandler handles item API endpoints.
type ItemHandler struct {
	items repository.ItemRepository
	users repository.UserRepository
	store *storage.Store
}

// NewItemHandler creates a new item handler.
func NewItemHandler(items repository.ItemRepository, users repository.UserRepository, store *storage.Store) *ItemHandler {
	return &ItemHandler{
		items: items,
		users: users,
		store: store,
	}
}

// Register registers the item routes with the API.
func (h *ItemHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "createItem",
		Method:      "POST",
		Path:        "/api/v1/items",
		Summary:     "Submit a URL",
		Description: "Queues a video, playlist or channel URL for processing. Resubmitting a known URL returns the existing item.",
		Tags:        []string{"Items"},
	}, h.Create)

	huma.Register(api, huma.Operation{
		OperationID: "listItems",
		Method:      "GET",
		Path:        "/api/v1/items",
		Summary:     "List items",
		Description: "Returns the user's items newest-first with optional stage filter and search",
		Tags:        []string{"Items"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID: "getItem",
		Method:      "GET",
		Path:        "/api/v1/items/{id}",
		Summary:     "Get item",
		Description: "Returns an item with its transcript and summary",
		Tags:        []string{"Items"},
	}, h.GetByID)

	huma.Register(api, huma.Operation{
		OperationID: "deleteItem",
		Method:      "DELETE",
		Path:        "/api/v1/items/{id}",
		Summary:     "Delete item",
		Description: "Deletes an item and, unless disabled, its downloaded files",
		Tags:        []string{"Items"},
	}, h.Delete)

	huma.Register(api, huma.Operation{
		OperationID: "retryItem",
		Method:      "POST",
		Path:        "/api/v1/items/{id}/retry",
		Summary:     "Retry failed item",
		Description: "Puts a failed item back in the queue from the start",
		Tags:        []string{"Items"},
	}, h.Retry)

	huma.Register(api, huma.Operation{
		OperationID: "setWatchPosition",
		Method:      "PUT",
		Path:        "/api/v1/items/{id}/position",
		Summary:     "Set watch position",
		Description: "Stores the client's playback offset. Last writer wins.",
		Tags:        []string{"Items"},
	}, h.SetWatchPosition)
}

// CreateItemRequest is the request body for submitting a URL.
type CreateItemRequest struct {
	URL      string `json:"url" doc:"Video, playlist or channel URL to process" minLength:"1" maxLength:"2048"`
	Language string `json:"language,omitempty" doc:"Transcript language hint; empty lets the recognizer detect" maxLength:"16"`
}

// CreateItemInput is the input for submitting a URL.
type CreateItemInput struct {
	Body CreateItemRequest
}

// CreateItemOutput is the output for submitting a URL. Status is 201 for
// a newly queued item and 200 when the URL was already known.
type CreateItemOutput struct {
	Status int
	Body   ItemResponse
}

// Create queues a URL for processing. Duplicate submissions are folded by
// canonical video ID first and exact URL second; a duplicate refreshes
// the existing item's touch time and language hint but never restarts
// processing.
func (h *ItemHandler) Create(ctx context.Context, input *CreateItemInput) (*CreateItemOutput, error) {
	user, err := actingUser(ctx, h.users)
	if err != nil {
		return nil, err
	}

	// Scheme-less submissions get http:// so video-id extraction and
	// exact-URL dedupe see one canonical form.
	url := urlutil.NormalizeBaseURL(input.Body.URL)
	if url == "" {
		return nil, huma.Error400BadRequest("url must not be empty")
	}

	videoID := models.ExtractVideoID(url)

	existing, err := h.items.GetByUserAndVideoID(ctx, user.ID, videoID)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to look up item", err)
	}
	if existing == nil {
		existing, err = h.items.GetByUserAndURL(ctx, user.ID, url)
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to look up item", err)
		}
	}

	if existing != nil {
		fields := map[string]interface{}{}
		if input.Body.Language != "" && input.Body.Language != existing.Language {
			fields["language"] = input.Body.Language
		}
		if err := h.items.UpdateFields(ctx, existing.ID, fields); err != nil {
			return nil, huma.Error500InternalServerError("failed to update item", err)
		}
		refreshed, err := h.items.GetByID(ctx, existing.ID)
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to reload item", err)
		}
		if refreshed != nil {
			existing = refreshed
		}
		return &CreateItemOutput{
			Status: http.StatusOK,
			Body:   ItemFromModel(existing),
		}, nil
	}

	item := &models.Item{
		UserID:        user.ID,
		URL:           url,
		SourceVideoID: videoID,
		Stage:         models.StagePending,
		IsPlaylist:    models.IsPlaylistURL(url),
		Language:      input.Body.Language,
	}
	if err := h.items.Create(ctx, item); err != nil {
		return nil, huma.Error500InternalServerError("failed to create item", err)
	}

	return &CreateItemOutput{
		Status: http.StatusCreated,
		Body:   ItemFromModel(item),
	}, nil
}

// ListItemsInput is the input for listing items.
type ListItemsInput struct {
	Stage  string `query:"stage" doc:"Filter by stage (optional)" enum:"pending,downloading,converting,transcribing,summarizing,completed,failed,unavailable,"`
	Search string `query:"search" doc:"Match against title and URL, case-insensitive" maxLength:"256"`
	Offset int    `query:"offset" default:"0" minimum:"0" doc:"Offset for pagination"`
	Limit  int    `query:"limit" default:"50" minimum:"1" maximum:"500" doc:"Limit for pagination"`
}

// ListItemsOutput is the output for listing items.
type ListItemsOutput struct {
	Body struct {
		Items      []ItemResponse `json:"items"`
		Pagination PaginationMeta `json:"pagination"`
	}
}

// List returns the user's items newest-first.
func (h *ItemHandler) List(ctx context.Context, input *ListItemsInput) (*ListItemsOutput, error) {
	user, err := actingUser(ctx, h.users)
	if err != nil {
		return nil, err
	}

	opts := repository.ItemListOptions{
		Search: input.Search,
		Offset: input.Offset,
		Limit:  input.Limit,
	}
	if input.Stage != "" {
		stage, err := models.ParseItemStage(input.Stage)
		if err != nil {
			return nil, huma.Error400BadRequest("invalid stage", err)
		}
		opts.Stages = []models.ItemStage{stage}
	}

	items, total, err := h.items.List(ctx, user.ID, opts)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to list items", err)
	}

	resp := &ListItemsOutput{}
	resp.Body.Items = make([]ItemResponse, 0, len(items))
	for _, item := range items {
		resp.Body.Items = append(resp.Body.Items, ItemFromModel(item))
	}
	resp.Body.Pagination = paginationFor(total, input.Offset, input.Limit)

	return resp, nil
}

// GetItemInput is the input for getting an item.
type GetItemInput struct {
	ID string `path:"id" doc:"Item ID (ULID)"`
}

// GetItemOutput is the output for getting an item.
type GetItemOutput struct {
	Body ItemDetailResponse
}

// GetByID returns an item with its transcript and summary. Opening the
// detail counts as a read; the bump is best effort and never fails the
// fetch.
func (h *ItemHandler) GetByID(ctx context.Context, input *GetItemInput) (*GetItemOutput, error) {
	user, err := actingUser(ctx, h.users)
	if err != nil {
		return nil, err
	}

	item, err := h.fetchOwned(ctx, user.ID, input.ID)
	if err != nil {
		return nil, err
	}

	if err := h.items.IncrementReadCount(ctx, item.ID); err == nil {
		item.ReadCount++
	}

	return &GetItemOutput{
		Body: ItemDetailFromModel(item),
	}, nil
}

// DeleteItemInput is the input for deleting an item.
type DeleteItemInput struct {
	ID    string `path:"id" doc:"Item ID (ULID)"`
	Purge bool   `query:"purge" default:"true" doc:"Also remove downloaded media, audio, transcript and thumbnail files"`
}

// DeleteItemOutput is the output for deleting an item.
type DeleteItemOutput struct{}

// Delete removes an item. Files go first so a failed purge leaves the
// row in place for another attempt.
func (h *ItemHandler) Delete(ctx context.Context, input *DeleteItemInput) (*DeleteItemOutput, error) {
	user, err := actingUser(ctx, h.users)
	if err != nil {
		return nil, err
	}

	item, err := h.fetchOwned(ctx, user.ID, input.ID)
	if err != nil {
		return nil, err
	}

	if input.Purge && item.SourceVideoID != "" {
		if err := h.store.RemoveArtifacts(item.SourceVideoID); err != nil {
			return nil, huma.Error500InternalServerError("failed to remove item files", err)
		}
	}

	if err := h.items.Delete(ctx, item.ID); err != nil {
		return nil, huma.Error500InternalServerError("failed to delete item", err)
	}

	return &DeleteItemOutput{}, nil
}

// RetryItemInput is the input for retrying a failed item.
type RetryItemInput struct {
	ID string `path:"id" doc:"Item ID (ULID)"`
}

// RetryItemOutput is the output for retrying a failed item.
type RetryItemOutput struct {
	Body ItemResponse
}

// Retry puts a failed item back in the queue from the start, clearing
// its progress and error. Only failed items qualify; unavailable items
// would just fail again at the source.
func (h *ItemHandler) Retry(ctx context.Context, input *RetryItemInput) (*RetryItemOutput, error) {
	user, err := actingUser(ctx, h.users)
	if err != nil {
		return nil, err
	}

	item, err := h.fetchOwned(ctx, user.ID, input.ID)
	if err != nil {
		return nil, err
	}

	if item.Stage != models.StageFailed {
		return nil, huma.Error400BadRequest(fmt.Sprintf("item is %s; only failed items can be retried", item.Stage))
	}

	claimed, err := h.items.ClaimStage(ctx, item.ID, models.StageFailed, models.StagePending)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to retry item", err)
	}
	if !claimed {
		return nil, huma.Error409Conflict("item left the failed stage while the retry was processed")
	}

	if err := h.items.UpdateFields(ctx, item.ID, map[string]interface{}{
		"progress":      0.0,
		"error_message": "",
	}); err != nil {
		return nil, huma.Error500InternalServerError("failed to reset item", err)
	}

	refreshed, err := h.items.GetByID(ctx, item.ID)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to reload item", err)
	}
	if refreshed != nil {
		item = refreshed
	}

	return &RetryItemOutput{
		Body: ItemFromModel(item),
	}, nil
}

// SetWatchPositionInput is the input for storing a playback offset.
type SetWatchPositionInput struct {
	ID   string `path:"id" doc:"Item ID (ULID)"`
	Body struct {
		PositionSeconds float64 `json:"position_seconds" minimum:"0" doc:"Playback offset in seconds"`
	}
}

// SetWatchPositionOutput is the output for storing a playback offset.
type SetWatchPositionOutput struct{}

// SetWatchPosition stores the client's playback offset. Last writer wins;
// the server does not arbitrate between devices.
func (h *ItemHandler) SetWatchPosition(ctx context.Context, input *SetWatchPositionInput) (*SetWatchPositionOutput, error) {
	user, err := actingUser(ctx, h.users)
	if err != nil {
		return nil, err
	}

	item, err := h.fetchOwned(ctx, user.ID, input.ID)
	if err != nil {
		return nil, err
	}

	if err := h.items.SetWatchPosition(ctx, item.ID, input.Body.PositionSeconds); err != nil {
		return nil, huma.Error500InternalServerError("failed to store watch position", err)
	}

	return &SetWatchPositionOutput{}, nil
}

// fetchOwned loads an item and checks it belongs to the user. Items of
// other users read as not found rather than forbidden, so IDs never leak
// across accounts.
func (h *ItemHandler) fetchOwned(ctx context.Context, userID models.ULID, rawID string) (*models.Item, error) {
	id, err := models.ParseULID(rawID)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid ID format", err)
	}

	item, err := h.items.GetByID(ctx, id)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to get item", err)
	}
	if item == nil || item.UserID != userID {
		return nil, huma.Error404NotFound(fmt.Sprintf("item %s not found", rawID))
	}
	return item, nil
}
