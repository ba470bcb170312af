package handlers

import (
	"context"
	"fmt"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/scribarr/scribarr/internal/models"
	"github.com/scribarr/scribarr/internal/repository"
	"github.com/scribarr/scribarr/internal/urlutil"
)

// SubscriptionHandler handles channel subscription API endpoints.
type SubscriptionHandler struct {
	subs      repository.SubscriptionRepository
	items     repository.ItemRepository
	playlists repository.PlaylistRepository
	users     repository.UserRepository
}

// NewSubscriptionHandler creates a new subscription handler.
func NewSubscriptionHandler(subs repository.SubscriptionRepository, items repository.ItemRepository, playlists repository.PlaylistRepository, users repository.UserRepository) *SubscriptionHandler {
	return &SubscriptionHandler{
		subs:      subs,
		items:     items,
		playlists: playlists,
		users:     users,
	}
}

// Register registers the subscription routes with the API.
func (h *SubscriptionHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "createSubscription",
		Method:      "POST",
		Path:        "/api/v1/subscriptions",
		Summary:     "Subscribe to a channel",
		Description: "Records a channel subscription. Resolution runs in the background; the subscription returns immediately as pending. Subscribing to a known URL returns the existing subscription.",
		Tags:        []string{"Subscriptions"},
	}, h.Create)

	huma.Register(api, huma.Operation{
		OperationID: "listSubscriptions",
		Method:      "GET",
		Path:        "/api/v1/subscriptions",
		Summary:     "List subscriptions",
		Description: "Returns the user's channel subscriptions newest-first",
		Tags:        []string{"Subscriptions"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID: "getSubscriptionVideos",
		Method:      "GET",
		Path:        "/api/v1/subscriptions/{id}/videos",
		Summary:     "List subscription videos",
		Description: "Returns the items this subscription discovered, newest-first",
		Tags:        []string{"Subscriptions"},
	}, h.Videos)

	huma.Register(api, huma.Operation{
		OperationID: "updateSubscription",
		Method:      "PATCH",
		Path:        "/api/v1/subscriptions/{id}",
		Summary:     "Update subscription",
		Description: "Changes the channel URL or the auto playlist. A new URL resets the subscription to pending for re-resolution.",
		Tags:        []string{"Subscriptions"},
	}, h.Update)

	huma.Register(api, huma.Operation{
		OperationID: "deleteSubscription",
		Method:      "DELETE",
		Path:        "/api/v1/subscriptions/{id}",
		Summary:     "Unsubscribe",
		Description: "Removes a channel subscription. Items it discovered are kept.",
		Tags:        []string{"Subscriptions"},
	}, h.Delete)
}

// CreateSubscriptionRequest is the request body for subscribing to a
// channel.
type CreateSubscriptionRequest struct {
	ChannelURL string `json:"channel_url" doc:"Channel page URL" minLength:"1" maxLength:"2048"`
}

// CreateSubscriptionInput is the input for subscribing to a channel.
type CreateSubscriptionInput struct {
	Body CreateSubscriptionRequest
}

// CreateSubscriptionOutput is the output for subscribing to a channel.
// Status is 201 for a new subscription and 200 when the URL was already
// subscribed.
type CreateSubscriptionOutput struct {
	Status int
	Body   SubscriptionResponse
}

// Create records a channel subscription as pending. The background
// resolver fills in channel ID and title on its next pass.
func (h *SubscriptionHandler) Create(ctx context.Context, input *CreateSubscriptionInput) (*CreateSubscriptionOutput, error) {
	user, err := actingUser(ctx, h.users)
	if err != nil {
		return nil, err
	}

	url := urlutil.NormalizeBaseURL(input.Body.ChannelURL)
	if url == "" {
		return nil, huma.Error400BadRequest("channel_url must not be empty")
	}

	existing, err := h.subs.FindByUserAndURL(ctx, user.ID, url)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to look up subscription", err)
	}
	if existing != nil {
		return &CreateSubscriptionOutput{
			Status: http.StatusOK,
			Body:   SubscriptionFromModel(existing),
		}, nil
	}

	sub := &models.Subscription{
		UserID:     user.ID,
		ChannelURL: url,
		Status:     models.SubscriptionPending,
	}
	if err := h.subs.Create(ctx, sub); err != nil {
		return nil, huma.Error500InternalServerError("failed to create subscription", err)
	}

	return &CreateSubscriptionOutput{
		Status: http.StatusCreated,
		Body:   SubscriptionFromModel(sub),
	}, nil
}

// ListSubscriptionsInput is the input for listing subscriptions.
type ListSubscriptionsInput struct{}

// ListSubscriptionsOutput is the output for listing subscriptions.
type ListSubscriptionsOutput struct {
	Body struct {
		Subscriptions []SubscriptionResponse `json:"subscriptions"`
	}
}

// List returns the user's subscriptions newest-first.
func (h *SubscriptionHandler) List(ctx context.Context, input *ListSubscriptionsInput) (*ListSubscriptionsOutput, error) {
	user, err := actingUser(ctx, h.users)
	if err != nil {
		return nil, err
	}

	subs, err := h.subs.ListByUser(ctx, user.ID)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to list subscriptions", err)
	}

	resp := &ListSubscriptionsOutput{}
	resp.Body.Subscriptions = make([]SubscriptionResponse, 0, len(subs))
	for _, sub := range subs {
		resp.Body.Subscriptions = append(resp.Body.Subscriptions, SubscriptionFromModel(sub))
	}

	return resp, nil
}

// GetSubscriptionVideosInput is the input for listing a subscription's
// videos.
type GetSubscriptionVideosInput struct {
	ID     string `path:"id" doc:"Subscription ID (ULID)"`
	Offset int    `query:"offset" default:"0" minimum:"0" doc:"Offset for pagination"`
	Limit  int    `query:"limit" default:"50" minimum:"1" maximum:"500" doc:"Limit for pagination"`
}

// GetSubscriptionVideosOutput is the output for listing a subscription's
// videos.
type GetSubscriptionVideosOutput struct {
	Body struct {
		Items      []ItemResponse `json:"items"`
		Pagination PaginationMeta `json:"pagination"`
	}
}

// Videos returns the items a subscription discovered, newest-first.
func (h *SubscriptionHandler) Videos(ctx context.Context, input *GetSubscriptionVideosInput) (*GetSubscriptionVideosOutput, error) {
	user, err := actingUser(ctx, h.users)
	if err != nil {
		return nil, err
	}

	sub, err := h.fetchOwned(ctx, user.ID, input.ID)
	if err != nil {
		return nil, err
	}

	items, total, err := h.items.ListBySubscription(ctx, sub.ID, input.Offset, input.Limit)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to list subscription videos", err)
	}

	resp := &GetSubscriptionVideosOutput{}
	resp.Body.Items = make([]ItemResponse, 0, len(items))
	for _, item := range items {
		resp.Body.Items = append(resp.Body.Items, ItemFromModel(item))
	}
	resp.Body.Pagination = paginationFor(total, input.Offset, input.Limit)

	return resp, nil
}

// UpdateSubscriptionRequest is the request body for updating a
// subscription. Absent fields are left unchanged.
type UpdateSubscriptionRequest struct {
	ChannelURL     *string `json:"channel_url,omitempty" doc:"New channel URL; resets the subscription to pending for re-resolution" maxLength:"2048"`
	AutoPlaylistID *string `json:"auto_playlist_id,omitempty" doc:"Playlist collecting this channel's uploads (ULID); an empty string clears it"`
}

// UpdateSubscriptionInput is the input for updating a subscription.
type UpdateSubscriptionInput struct {
	ID   string `path:"id" doc:"Subscription ID (ULID)"`
	Body UpdateSubscriptionRequest
}

// UpdateSubscriptionOutput is the output for updating a subscription.
type UpdateSubscriptionOutput struct {
	Body SubscriptionResponse
}

// Update changes the channel URL or the auto playlist. A URL change
// clears the resolved identity so the resolver establishes it afresh.
func (h *SubscriptionHandler) Update(ctx context.Context, input *UpdateSubscriptionInput) (*UpdateSubscriptionOutput, error) {
	user, err := actingUser(ctx, h.users)
	if err != nil {
		return nil, err
	}

	sub, err := h.fetchOwned(ctx, user.ID, input.ID)
	if err != nil {
		return nil, err
	}

	if input.Body.ChannelURL != nil {
		url := urlutil.NormalizeBaseURL(*input.Body.ChannelURL)
		if url == "" {
			return nil, huma.Error400BadRequest("channel_url must not be empty")
		}
		sub.ChannelURL = url
		sub.Status = models.SubscriptionPending
		sub.ChannelID = ""
		sub.Title = ""
	}

	if input.Body.AutoPlaylistID != nil {
		if *input.Body.AutoPlaylistID == "" {
			sub.AutoPlaylistID = nil
		} else {
			playlistID, err := models.ParseULID(*input.Body.AutoPlaylistID)
			if err != nil {
				return nil, huma.Error400BadRequest("invalid auto_playlist_id format", err)
			}
			playlist, err := h.playlists.GetByID(ctx, playlistID)
			if err != nil {
				return nil, huma.Error500InternalServerError("failed to get playlist", err)
			}
			if playlist == nil || playlist.UserID != user.ID {
				return nil, huma.Error404NotFound(fmt.Sprintf("playlist %s not found", *input.Body.AutoPlaylistID))
			}
			sub.AutoPlaylistID = &playlist.ID
		}
	}

	if err := h.subs.Update(ctx, sub); err != nil {
		return nil, huma.Error500InternalServerError("failed to update subscription", err)
	}

	return &UpdateSubscriptionOutput{
		Body: SubscriptionFromModel(sub),
	}, nil
}

// DeleteSubscriptionInput is the input for removing a subscription.
type DeleteSubscriptionInput struct {
	ID string `path:"id" doc:"Subscription ID (ULID)"`
}

// DeleteSubscriptionOutput is the output for removing a subscription.
type DeleteSubscriptionOutput struct{}

// Delete removes a subscription. Items it discovered stay, transcripts
// and all; only the channel polling stops.
func (h *SubscriptionHandler) Delete(ctx context.Context, input *DeleteSubscriptionInput) (*DeleteSubscriptionOutput, error) {
	user, err := actingUser(ctx, h.users)
	if err != nil {
		return nil, err
	}

	sub, err := h.fetchOwned(ctx, user.ID, input.ID)
	if err != nil {
		return nil, err
	}

	if err := h.subs.Delete(ctx, sub.ID); err != nil {
		return nil, huma.Error500InternalServerError("failed to delete subscription", err)
	}

	return &DeleteSubscriptionOutput{}, nil
}

// fetchOwned loads a subscription and checks it belongs to the user.
func (h *SubscriptionHandler) fetchOwned(ctx context.Context, userID models.ULID, rawID string) (*models.Subscription, error) {
	id, err := models.ParseULID(rawID)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid ID format", err)
	}

	sub, err := h.subs.GetByID(ctx, id)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to get subscription", err)
	}
	if sub == nil || sub.UserID != userID {
		return nil, huma.Error404NotFound(fmt.Sprintf("subscription %s not found", rawID))
	}
	return sub, nil
}
