package repository

import (
	"context"
	"fmt"

	"github.com/scribarr/scribarr/internal/models"
	"gorm.io/gorm"
)

// playlistRepo implements PlaylistRepository using GORM.
type playlistRepo struct {
	db *gorm.DB
}

// NewPlaylistRepository creates a new PlaylistRepository.
func NewPlaylistRepository(db *gorm.DB) *playlistRepo {
	return &playlistRepo{db: db}
}

// Create creates a new playlist.
func (r *playlistRepo) Create(ctx context.Context, playlist *models.Playlist) error {
	if err := r.db.WithContext(ctx).Create(playlist).Error; err != nil {
		return fmt.Errorf("creating playlist: %w", err)
	}
	return nil
}

// GetByID retrieves a playlist by ID.
func (r *playlistRepo) GetByID(ctx context.Context, id models.ULID) (*models.Playlist, error) {
	var playlist models.Playlist
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&playlist).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting playlist by ID: %w", err)
	}
	return &playlist, nil
}

// ListByUser retrieves a user's playlists newest-first.
func (r *playlistRepo) ListByUser(ctx context.Context, userID models.ULID) ([]*models.Playlist, error) {
	var playlists []*models.Playlist
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order(newestFirst).
		Find(&playlists).Error; err != nil {
		return nil, fmt.Errorf("listing playlists: %w", err)
	}
	return playlists, nil
}

// AppendItem adds an item at the end of a playlist. The position read
// and the insert run in one transaction so concurrent appends cannot
// claim the same slot; re-adding an existing member is a no-op.
func (r *playlistRepo) AppendItem(ctx context.Context, playlistID, itemID models.ULID) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.PlaylistItem{}).
			Where("playlist_id = ? AND item_id = ?", playlistID, itemID).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return nil
		}

		var maxPosition *int
		if err := tx.Model(&models.PlaylistItem{}).
			Where("playlist_id = ?", playlistID).
			Select("MAX(position)").
			Scan(&maxPosition).Error; err != nil {
			return err
		}

		position := 0
		if maxPosition != nil {
			position = *maxPosition + 1
		}

		return tx.Create(&models.PlaylistItem{
			PlaylistID: playlistID,
			ItemID:     itemID,
			Position:   position,
		}).Error
	})
	if err != nil {
		return fmt.Errorf("appending playlist item: %w", err)
	}
	return nil
}

// RemoveItem removes an item from a playlist.
func (r *playlistRepo) RemoveItem(ctx context.Context, playlistID, itemID models.ULID) error {
	if err := r.db.WithContext(ctx).Unscoped().
		Where("playlist_id = ? AND item_id = ?", playlistID, itemID).
		Delete(&models.PlaylistItem{}).Error; err != nil {
		return fmt.Errorf("removing playlist item: %w", err)
	}
	return nil
}

// ListItems retrieves a playlist's membership rows in position order.
func (r *playlistRepo) ListItems(ctx context.Context, playlistID models.ULID) ([]*models.PlaylistItem, error) {
	var members []*models.PlaylistItem
	if err := r.db.WithContext(ctx).
		Where("playlist_id = ?", playlistID).
		Order("position ASC").
		Find(&members).Error; err != nil {
		return nil, fmt.Errorf("listing playlist items: %w", err)
	}
	return members, nil
}

// ItemInPlaylist reports whether an item is in the given playlist.
func (r *playlistRepo) ItemInPlaylist(ctx context.Context, playlistID, itemID models.ULID) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.PlaylistItem{}).
		Where("playlist_id = ? AND item_id = ?", playlistID, itemID).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("checking playlist membership: %w", err)
	}
	return count > 0, nil
}

// ItemInAnyPlaylist reports whether an item belongs to any playlist.
func (r *playlistRepo) ItemInAnyPlaylist(ctx context.Context, itemID models.ULID) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.PlaylistItem{}).
		Where("item_id = ?", itemID).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("checking playlist membership: %w", err)
	}
	return count > 0, nil
}

// Delete permanently removes a playlist and its membership rows.
func (r *playlistRepo) Delete(ctx context.Context, id models.ULID) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Unscoped().Where("playlist_id = ?", id).Delete(&models.PlaylistItem{}).Error; err != nil {
			return err
		}
		return tx.Unscoped().Where("id = ?", id).Delete(&models.Playlist{}).Error
	})
	if err != nil {
		return fmt.Errorf("deleting playlist: %w", err)
	}
	return nil
}

// Ensure playlistRepo implements PlaylistRepository at compile time.
var _ PlaylistRepository = (*playlistRepo)(nil)
