// Package repository defines data access interfaces for scribarr entities.
// All database access goes through these interfaces, enabling easy testing
// and database backend switching.
package repository

import (
	"context"
	"time"

	"github.com/scribarr/scribarr/internal/models"
)

// ItemListOptions narrows and pages item listings.
type ItemListOptions struct {
	// Stages filters to the given stages; empty means all stages.
	Stages []models.ItemStage
	// Search matches against title and URL, case-insensitive.
	Search string
	Offset int
	// Limit caps the result set; 0 means no limit.
	Limit int
}

// ItemRepository defines operations for item persistence.
type ItemRepository interface {
	// Create creates a new item.
	Create(ctx context.Context, item *models.Item) error
	// GetByID retrieves an item by ID.
	GetByID(ctx context.Context, id models.ULID) (*models.Item, error)
	// GetByUserAndURL retrieves a user's item with the exact URL.
	GetByUserAndURL(ctx context.Context, userID models.ULID, url string) (*models.Item, error)
	// GetByUserAndVideoID retrieves a user's item by canonical video ID,
	// folding duplicate submissions under different URL shapes.
	GetByUserAndVideoID(ctx context.Context, userID models.ULID, videoID string) (*models.Item, error)
	// List retrieves a user's items newest-first with optional filtering
	// and pagination, returning the total matching count.
	List(ctx context.Context, userID models.ULID, opts ItemListOptions) ([]*models.Item, int64, error)
	// ListBySubscription retrieves the items a subscription discovered,
	// newest-first, returning the total count.
	ListBySubscription(ctx context.Context, subscriptionID models.ULID, offset, limit int) ([]*models.Item, int64, error)
	// ListByStage retrieves items in a stage, newest-first. limit 0 means
	// no limit.
	ListByStage(ctx context.Context, stage models.ItemStage, limit int) ([]*models.Item, error)
	// ListInFlight retrieves items in worker-owned stages, newest
	// submissions first, recently touched winning ties.
	ListInFlight(ctx context.Context) ([]*models.Item, error)
	// ListStale retrieves items sitting in a stage untouched since the
	// cutoff.
	ListStale(ctx context.Context, stage models.ItemStage, cutoff time.Time) ([]*models.Item, error)
	// ClaimStage atomically moves an item from one stage to another.
	// Returns false when the item is no longer in the from stage, which
	// means another worker got there first.
	ClaimStage(ctx context.Context, id models.ULID, from, to models.ItemStage) (bool, error)
	// ClaimStale applies fields to an item only while it still sits in
	// the expected stage with the observed updated_at. Returns false
	// when a live worker touched the row after it was read.
	ClaimStale(ctx context.Context, id models.ULID, expectStage models.ItemStage, observedUpdatedAt models.Time, fields map[string]interface{}) (bool, error)
	// Update saves all fields of an existing item.
	Update(ctx context.Context, item *models.Item) error
	// UpdateFields updates selected columns without loading the row or
	// running model hooks.
	UpdateFields(ctx context.Context, id models.ULID, fields map[string]interface{}) error
	// SetProgress records stage progress without touching other columns.
	SetProgress(ctx context.Context, id models.ULID, progress float64) error
	// Delete permanently removes an item.
	Delete(ctx context.Context, id models.ULID) error
	// CountByStage returns item counts grouped by stage.
	CountByStage(ctx context.Context) (map[models.ItemStage]int64, error)
	// IncrementReadCount bumps the read counter by one.
	IncrementReadCount(ctx context.Context, id models.ULID) error
	// SetWatchPosition stores the client's reported playback offset.
	SetWatchPosition(ctx context.Context, id models.ULID, seconds float64) error
	// LinkChannelItems attaches a user's unlinked items for a channel to
	// the given subscription, returning the number of rows linked.
	LinkChannelItems(ctx context.Context, userID models.ULID, channelID string, subscriptionID models.ULID) (int64, error)
}

// SubscriptionRepository defines operations for subscription persistence.
type SubscriptionRepository interface {
	// Create creates a new subscription.
	Create(ctx context.Context, sub *models.Subscription) error
	// GetByID retrieves a subscription by ID.
	GetByID(ctx context.Context, id models.ULID) (*models.Subscription, error)
	// ListByUser retrieves a user's subscriptions newest-first.
	ListByUser(ctx context.Context, userID models.ULID) ([]*models.Subscription, error)
	// ListPending retrieves subscriptions awaiting channel resolution,
	// oldest-first so nothing starves.
	ListPending(ctx context.Context) ([]*models.Subscription, error)
	// ListResolved retrieves resolved subscriptions for the poller.
	ListResolved(ctx context.Context) ([]*models.Subscription, error)
	// FindByUserAndChannelID retrieves a user's subscription to a
	// resolved channel.
	FindByUserAndChannelID(ctx context.Context, userID models.ULID, channelID string) (*models.Subscription, error)
	// FindByUserAndURL retrieves a user's subscription with the exact
	// channel URL, whatever its resolution status.
	FindByUserAndURL(ctx context.Context, userID models.ULID, channelURL string) (*models.Subscription, error)
	// Update saves all fields of an existing subscription.
	Update(ctx context.Context, sub *models.Subscription) error
	// Delete permanently removes a subscription.
	Delete(ctx context.Context, id models.ULID) error
	// TouchLastChecked records a completed poller sweep.
	TouchLastChecked(ctx context.Context, id models.ULID, at time.Time) error
}

// PlaylistRepository defines operations for playlist persistence.
type PlaylistRepository interface {
	// Create creates a new playlist.
	Create(ctx context.Context, playlist *models.Playlist) error
	// GetByID retrieves a playlist by ID.
	GetByID(ctx context.Context, id models.ULID) (*models.Playlist, error)
	// ListByUser retrieves a user's playlists newest-first.
	ListByUser(ctx context.Context, userID models.ULID) ([]*models.Playlist, error)
	// AppendItem adds an item at the end of a playlist (max position
	// plus one). Adding an item already present is a no-op.
	AppendItem(ctx context.Context, playlistID, itemID models.ULID) error
	// RemoveItem removes an item from a playlist.
	RemoveItem(ctx context.Context, playlistID, itemID models.ULID) error
	// ListItems retrieves a playlist's membership rows in position order.
	ListItems(ctx context.Context, playlistID models.ULID) ([]*models.PlaylistItem, error)
	// ItemInPlaylist reports whether an item is in the given playlist.
	ItemInPlaylist(ctx context.Context, playlistID, itemID models.ULID) (bool, error)
	// ItemInAnyPlaylist reports whether an item belongs to any playlist.
	// Playlist members skip transcription and summarization.
	ItemInAnyPlaylist(ctx context.Context, itemID models.ULID) (bool, error)
	// Delete permanently removes a playlist and its membership rows.
	Delete(ctx context.Context, id models.ULID) error
}

// UserRepository defines operations for user persistence.
type UserRepository interface {
	// Create creates a new user.
	Create(ctx context.Context, user *models.User) error
	// GetByID retrieves a user by ID.
	GetByID(ctx context.Context, id models.ULID) (*models.User, error)
	// GetByUsername retrieves a user by username.
	GetByUsername(ctx context.Context, username string) (*models.User, error)
	// GetDefault retrieves the seeded default user.
	GetDefault(ctx context.Context) (*models.User, error)
	// GetAll retrieves all users.
	GetAll(ctx context.Context) ([]*models.User, error)
	// Update saves all fields of an existing user.
	Update(ctx context.Context, user *models.User) error
}
