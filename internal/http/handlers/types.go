// Package handlers provides HTTP API handlers for scribarr.
package handlers

import (
	"context"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/scribarr/scribarr/internal/models"
	"github.com/scribarr/scribarr/internal/repository"
)

// PaginationMeta contains pagination metadata in responses.
type PaginationMeta struct {
	CurrentPage int   `json:"current_page"`
	PageSize    int   `json:"page_size"`
	TotalItems  int64 `json:"total_items"`
	TotalPages  int64 `json:"total_pages"`
}

// paginationFor derives pagination metadata from an offset/limit listing.
func paginationFor(total int64, offset, limit int) PaginationMeta {
	if limit <= 0 {
		limit = 1
	}
	totalPages := total / int64(limit)
	if total%int64(limit) > 0 {
		totalPages++
	}
	return PaginationMeta{
		CurrentPage: (offset / limit) + 1,
		PageSize:    limit,
		TotalItems:  total,
		TotalPages:  totalPages,
	}
}

// actingUser resolves the account API requests act as. Authentication is
// out of scope for the server itself; every request maps to the seeded
// default user.
func actingUser(ctx context.Context, users repository.UserRepository) (*models.User, error) {
	user, err := users.GetDefault(ctx)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to resolve user", err)
	}
	if user == nil {
		return nil, huma.Error500InternalServerError("default user missing; database not migrated")
	}
	return user, nil
}

// Item types

// ItemResponse represents an item in API responses. Transcript and
// summary bodies are left to the detail response.
type ItemResponse struct {
	ID                   models.ULID      `json:"id"`
	CreatedAt            time.Time        `json:"created_at"`
	UpdatedAt            time.Time        `json:"updated_at"`
	URL                  string           `json:"url"`
	SourceVideoID        string           `json:"source_video_id,omitempty"`
	Stage                models.ItemStage `json:"stage"`
	Progress             float64          `json:"progress"`
	IsPlaylist           bool             `json:"is_playlist"`
	Title                string           `json:"title,omitempty"`
	Uploader             string           `json:"uploader,omitempty"`
	ChannelID            string           `json:"channel_id,omitempty"`
	ChannelTitle         string           `json:"channel_title,omitempty"`
	DurationSeconds      float64          `json:"duration_seconds,omitempty"`
	UploadDate           string           `json:"upload_date,omitempty"`
	ViewCount            int64            `json:"view_count,omitempty"`
	LikeCount            int64            `json:"like_count,omitempty"`
	ThumbnailPath        string           `json:"thumbnail_path,omitempty"`
	Language             string           `json:"language,omitempty"`
	Keywords             string           `json:"keywords,omitempty"`
	WatchPositionSeconds float64          `json:"watch_position_seconds"`
	ReadCount            int64            `json:"read_count"`
	ErrorMessage         string           `json:"error_message,omitempty"`
	DownloadedAt         *time.Time       `json:"downloaded_at,omitempty"`
	CompletedAt          *time.Time       `json:"completed_at,omitempty"`
	SubscriptionID       *models.ULID     `json:"subscription_id,omitempty"`
}

// ItemFromModel converts a model to a response.
func ItemFromModel(i *models.Item) ItemResponse {
	return ItemResponse{
		ID:                   i.ID,
		CreatedAt:            i.CreatedAt,
		UpdatedAt:            i.UpdatedAt,
		URL:                  i.URL,
		SourceVideoID:        i.SourceVideoID,
		Stage:                i.Stage,
		Progress:             i.Progress,
		IsPlaylist:           i.IsPlaylist,
		Title:                i.Title,
		Uploader:             i.Uploader,
		ChannelID:            i.ChannelID,
		ChannelTitle:         i.ChannelTitle,
		DurationSeconds:      i.DurationSeconds,
		UploadDate:           i.UploadDate,
		ViewCount:            i.ViewCount,
		LikeCount:            i.LikeCount,
		ThumbnailPath:        i.ThumbnailPath,
		Language:             i.Language,
		Keywords:             i.Keywords,
		WatchPositionSeconds: i.WatchPositionSeconds,
		ReadCount:            i.ReadCount,
		ErrorMessage:         i.ErrorMessage,
		DownloadedAt:         i.DownloadedAt,
		CompletedAt:          i.CompletedAt,
		SubscriptionID:       i.SubscriptionID,
	}
}

// ItemDetailResponse adds the transcript and summary bodies to the item
// fields.
type ItemDetailResponse struct {
	ItemResponse
	Transcript string `json:"transcript,omitempty"`
	Summary    string `json:"summary,omitempty"`
}

// ItemDetailFromModel converts a model to a detail response.
func ItemDetailFromModel(i *models.Item) ItemDetailResponse {
	return ItemDetailResponse{
		ItemResponse: ItemFromModel(i),
		Transcript:   i.Transcript,
		Summary:      i.Summary,
	}
}

// Subscription types

// SubscriptionResponse represents a channel subscription in API responses.
type SubscriptionResponse struct {
	ID             models.ULID               `json:"id"`
	CreatedAt      time.Time                 `json:"created_at"`
	ChannelURL     string                    `json:"channel_url"`
	ChannelID      string                    `json:"channel_id,omitempty"`
	Title          string                    `json:"title,omitempty"`
	Status         models.SubscriptionStatus `json:"status"`
	AutoPlaylistID *models.ULID              `json:"auto_playlist_id,omitempty"`
	LastCheckedAt  *time.Time                `json:"last_checked_at,omitempty"`
}

// SubscriptionFromModel converts a model to a response.
func SubscriptionFromModel(s *models.Subscription) SubscriptionResponse {
	return SubscriptionResponse{
		ID:             s.ID,
		CreatedAt:      s.CreatedAt,
		ChannelURL:     s.ChannelURL,
		ChannelID:      s.ChannelID,
		Title:          s.Title,
		Status:         s.Status,
		AutoPlaylistID: s.AutoPlaylistID,
		LastCheckedAt:  s.LastCheckedAt,
	}
}
