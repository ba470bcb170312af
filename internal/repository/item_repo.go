package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/scribarr/scribarr/internal/models"
	"gorm.io/gorm"
)

// itemRepo implements ItemRepository using GORM.
type itemRepo struct {
	db *gorm.DB
}

// NewItemRepository creates a new ItemRepository.
func NewItemRepository(db *gorm.DB) *itemRepo {
	return &itemRepo{db: db}
}

// newestFirst is the ordering for queue listings: recently submitted
// items are served before older backlog. The ID tie-break keeps the
// order stable for rows created in the same instant, since ULIDs sort
// by creation time.
const newestFirst = "created_at DESC, id DESC"

// Create creates a new item.
func (r *itemRepo) Create(ctx context.Context, item *models.Item) error {
	if err := r.db.WithContext(ctx).Create(item).Error; err != nil {
		return fmt.Errorf("creating item: %w", err)
	}
	return nil
}

// GetByID retrieves an item by ID.
func (r *itemRepo) GetByID(ctx context.Context, id models.ULID) (*models.Item, error) {
	var item models.Item
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&item).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting item by ID: %w", err)
	}
	return &item, nil
}

// GetByUserAndURL retrieves a user's item with the exact URL.
func (r *itemRepo) GetByUserAndURL(ctx context.Context, userID models.ULID, url string) (*models.Item, error) {
	var item models.Item
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND url = ?", userID, url).
		First(&item).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting item by URL: %w", err)
	}
	return &item, nil
}

// GetByUserAndVideoID retrieves a user's item by canonical video ID.
func (r *itemRepo) GetByUserAndVideoID(ctx context.Context, userID models.ULID, videoID string) (*models.Item, error) {
	if videoID == "" {
		return nil, nil
	}
	var item models.Item
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND source_video_id = ?", userID, videoID).
		First(&item).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting item by video ID: %w", err)
	}
	return &item, nil
}

// List retrieves a user's items newest-first with optional filtering and
// pagination.
func (r *itemRepo) List(ctx context.Context, userID models.ULID, opts ItemListOptions) ([]*models.Item, int64, error) {
	query := r.db.WithContext(ctx).Model(&models.Item{}).Where("user_id = ?", userID)

	if len(opts.Stages) > 0 {
		query = query.Where("stage IN ?", opts.Stages)
	}
	if opts.Search != "" {
		needle := "%" + strings.ToLower(opts.Search) + "%"
		query = query.Where("LOWER(title) LIKE ? OR LOWER(url) LIKE ?", needle, needle)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("counting items: %w", err)
	}

	query = query.Order(newestFirst).Offset(opts.Offset)
	if opts.Limit > 0 {
		query = query.Limit(opts.Limit)
	}

	var items []*models.Item
	if err := query.Find(&items).Error; err != nil {
		return nil, 0, fmt.Errorf("listing items: %w", err)
	}
	return items, total, nil
}

// ListBySubscription retrieves the items a subscription discovered,
// newest-first.
func (r *itemRepo) ListBySubscription(ctx context.Context, subscriptionID models.ULID, offset, limit int) ([]*models.Item, int64, error) {
	query := r.db.WithContext(ctx).Model(&models.Item{}).Where("subscription_id = ?", subscriptionID)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("counting subscription items: %w", err)
	}

	query = query.Order(newestFirst).Offset(offset)
	if limit > 0 {
		query = query.Limit(limit)
	}

	var items []*models.Item
	if err := query.Find(&items).Error; err != nil {
		return nil, 0, fmt.Errorf("listing subscription items: %w", err)
	}
	return items, total, nil
}

// ListByStage retrieves items in a stage, newest-first.
func (r *itemRepo) ListByStage(ctx context.Context, stage models.ItemStage, limit int) ([]*models.Item, error) {
	query := r.db.WithContext(ctx).Where("stage = ?", stage).Order(newestFirst)
	if limit > 0 {
		query = query.Limit(limit)
	}

	var items []*models.Item
	if err := query.Find(&items).Error; err != nil {
		return nil, fmt.Errorf("listing items by stage: %w", err)
	}
	return items, nil
}

// ListInFlight retrieves items in worker-owned stages, newest
// submissions first, recently touched winning ties.
func (r *itemRepo) ListInFlight(ctx context.Context) ([]*models.Item, error) {
	stages := []models.ItemStage{
		models.StageDownloading,
		models.StageConverting,
		models.StageTranscribing,
		models.StageSummarizing,
	}

	var items []*models.Item
	if err := r.db.WithContext(ctx).
		Where("stage IN ?", stages).
		Order("created_at DESC, updated_at DESC, id DESC").
		Find(&items).Error; err != nil {
		return nil, fmt.Errorf("listing in-flight items: %w", err)
	}
	return items, nil
}

// ListStale retrieves items sitting in a stage untouched since the cutoff.
func (r *itemRepo) ListStale(ctx context.Context, stage models.ItemStage, cutoff time.Time) ([]*models.Item, error) {
	var items []*models.Item
	if err := r.db.WithContext(ctx).
		Where("stage = ? AND updated_at < ?", stage, cutoff).
		Order("updated_at ASC").
		Find(&items).Error; err != nil {
		return nil, fmt.Errorf("listing stale items: %w", err)
	}
	return items, nil
}

// ClaimStage atomically moves an item from one stage to another using an
// optimistic compare-and-set on the stage column. Returns false when
// another worker already moved the item.
func (r *itemRepo) ClaimStage(ctx context.Context, id models.ULID, from, to models.ItemStage) (bool, error) {
	result := r.db.WithContext(ctx).Model(&models.Item{}).
		Where("id = ? AND stage = ?", id, from).
		UpdateColumns(map[string]interface{}{
			"stage":      to,
			"updated_at": models.Now(),
		})

	if result.Error != nil {
		return false, fmt.Errorf("claiming item stage: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// ClaimStale applies fields with a compare-and-set on both the stage
// and the updated_at observed when the row was read. The stale-item
// supervisor uses this so a worker that woke up and touched the row
// wins over the recovery write.
func (r *itemRepo) ClaimStale(ctx context.Context, id models.ULID, expectStage models.ItemStage, observedUpdatedAt models.Time, fields map[string]interface{}) (bool, error) {
	if _, ok := fields["updated_at"]; !ok {
		fields["updated_at"] = models.Now()
	}

	result := r.db.WithContext(ctx).Model(&models.Item{}).
		Where("id = ? AND stage = ? AND updated_at = ?", id, expectStage, observedUpdatedAt).
		UpdateColumns(fields)
	if result.Error != nil {
		return false, fmt.Errorf("claiming stale item: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// Update saves all fields of an existing item.
func (r *itemRepo) Update(ctx context.Context, item *models.Item) error {
	if err := r.db.WithContext(ctx).Save(item).Error; err != nil {
		return fmt.Errorf("updating item: %w", err)
	}
	return nil
}

// UpdateFields updates selected columns directly. Uses UpdateColumns to
// skip model hooks, which would otherwise reject the zero-valued
// destination struct; updated_at is bumped explicitly.
func (r *itemRepo) UpdateFields(ctx context.Context, id models.ULID, fields map[string]interface{}) error {
	if _, ok := fields["updated_at"]; !ok {
		fields["updated_at"] = models.Now()
	}

	result := r.db.WithContext(ctx).Model(&models.Item{}).
		Where("id = ?", id).
		UpdateColumns(fields)
	if result.Error != nil {
		return fmt.Errorf("updating item fields: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// SetProgress records stage progress. The updated_at bump doubles as the
// heartbeat the stale-item supervisor watches.
func (r *itemRepo) SetProgress(ctx context.Context, id models.ULID, progress float64) error {
	return r.UpdateFields(ctx, id, map[string]interface{}{"progress": progress})
}

// Delete permanently removes an item.
func (r *itemRepo) Delete(ctx context.Context, id models.ULID) error {
	if err := r.db.WithContext(ctx).Unscoped().Where("id = ?", id).Delete(&models.Item{}).Error; err != nil {
		return fmt.Errorf("deleting item: %w", err)
	}
	return nil
}

// CountByStage returns item counts grouped by stage.
func (r *itemRepo) CountByStage(ctx context.Context) (map[models.ItemStage]int64, error) {
	var rows []struct {
		Stage models.ItemStage
		Count int64
	}
	if err := r.db.WithContext(ctx).Model(&models.Item{}).
		Select("stage, COUNT(*) as count").
		Group("stage").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("counting items by stage: %w", err)
	}

	counts := make(map[models.ItemStage]int64, len(rows))
	for _, row := range rows {
		counts[row.Stage] = row.Count
	}
	return counts, nil
}

// IncrementReadCount bumps the read counter by one.
func (r *itemRepo) IncrementReadCount(ctx context.Context, id models.ULID) error {
	result := r.db.WithContext(ctx).Model(&models.Item{}).
		Where("id = ?", id).
		UpdateColumn("read_count", gorm.Expr("read_count + ?", 1))
	if result.Error != nil {
		return fmt.Errorf("incrementing read count: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// SetWatchPosition stores the client's reported playback offset.
// Last writer wins.
func (r *itemRepo) SetWatchPosition(ctx context.Context, id models.ULID, seconds float64) error {
	return r.UpdateFields(ctx, id, map[string]interface{}{"watch_position_seconds": seconds})
}

// LinkChannelItems attaches a user's unlinked items for a channel to
// the given subscription. Items submitted by hand before the user
// subscribed pick up their subscription this way. The empty channel ID
// is rejected so items without channel metadata are never swept up.
func (r *itemRepo) LinkChannelItems(ctx context.Context, userID models.ULID, channelID string, subscriptionID models.ULID) (int64, error) {
	if channelID == "" {
		return 0, nil
	}
	result := r.db.WithContext(ctx).Model(&models.Item{}).
		Where("user_id = ? AND channel_id = ? AND subscription_id IS NULL", userID, channelID).
		UpdateColumns(map[string]interface{}{
			"subscription_id": subscriptionID,
			"updated_at":      models.Now(),
		})
	if result.Error != nil {
		return 0, fmt.Errorf("linking channel items: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// Ensure itemRepo implements ItemRepository at compile time.
var _ ItemRepository = (*itemRepo)(nil)
