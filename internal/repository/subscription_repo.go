package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/scribarr/scribarr/internal/models"
	"gorm.io/gorm"
)

// subscriptionRepo implements SubscriptionRepository using GORM.
type subscriptionRepo struct {
	db *gorm.DB
}

// NewSubscriptionRepository creates a new SubscriptionRepository.
func NewSubscriptionRepository(db *gorm.DB) *subscriptionRepo {
	return &subscriptionRepo{db: db}
}

// Create creates a new subscription.
func (r *subscriptionRepo) Create(ctx context.Context, sub *models.Subscription) error {
	if err := r.db.WithContext(ctx).Create(sub).Error; err != nil {
		return fmt.Errorf("creating subscription: %w", err)
	}
	return nil
}

// GetByID retrieves a subscription by ID.
func (r *subscriptionRepo) GetByID(ctx context.Context, id models.ULID) (*models.Subscription, error) {
	var sub models.Subscription
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&sub).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting subscription by ID: %w", err)
	}
	return &sub, nil
}

// ListByUser retrieves a user's subscriptions newest-first.
func (r *subscriptionRepo) ListByUser(ctx context.Context, userID models.ULID) ([]*models.Subscription, error) {
	var subs []*models.Subscription
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order(newestFirst).
		Find(&subs).Error; err != nil {
		return nil, fmt.Errorf("listing subscriptions: %w", err)
	}
	return subs, nil
}

// ListPending retrieves unresolved subscriptions oldest-first so the
// resolver services them in submission order.
func (r *subscriptionRepo) ListPending(ctx context.Context) ([]*models.Subscription, error) {
	var subs []*models.Subscription
	if err := r.db.WithContext(ctx).
		Where("status = ?", models.SubscriptionPending).
		Order("created_at ASC, id ASC").
		Find(&subs).Error; err != nil {
		return nil, fmt.Errorf("listing pending subscriptions: %w", err)
	}
	return subs, nil
}

// ListResolved retrieves resolved subscriptions for the poller.
func (r *subscriptionRepo) ListResolved(ctx context.Context) ([]*models.Subscription, error) {
	var subs []*models.Subscription
	if err := r.db.WithContext(ctx).
		Where("status = ?", models.SubscriptionResolved).
		Order("created_at ASC, id ASC").
		Find(&subs).Error; err != nil {
		return nil, fmt.Errorf("listing resolved subscriptions: %w", err)
	}
	return subs, nil
}

// FindByUserAndChannelID retrieves a user's subscription to a resolved
// channel.
func (r *subscriptionRepo) FindByUserAndChannelID(ctx context.Context, userID models.ULID, channelID string) (*models.Subscription, error) {
	if channelID == "" {
		return nil, nil
	}
	var sub models.Subscription
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND channel_id = ?", userID, channelID).
		First(&sub).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("finding subscription by channel ID: %w", err)
	}
	return &sub, nil
}

// FindByUserAndURL retrieves a user's subscription with the exact channel
// URL, whatever its resolution status. Subscribing twice to the same URL
// must return the row already held rather than create a duplicate.
func (r *subscriptionRepo) FindByUserAndURL(ctx context.Context, userID models.ULID, channelURL string) (*models.Subscription, error) {
	var sub models.Subscription
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND channel_url = ?", userID, channelURL).
		First(&sub).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("finding subscription by URL: %w", err)
	}
	return &sub, nil
}

// Update saves all fields of an existing subscription.
func (r *subscriptionRepo) Update(ctx context.Context, sub *models.Subscription) error {
	if err := r.db.WithContext(ctx).Save(sub).Error; err != nil {
		return fmt.Errorf("updating subscription: %w", err)
	}
	return nil
}

// Delete permanently removes a subscription.
func (r *subscriptionRepo) Delete(ctx context.Context, id models.ULID) error {
	if err := r.db.WithContext(ctx).Unscoped().Where("id = ?", id).Delete(&models.Subscription{}).Error; err != nil {
		return fmt.Errorf("deleting subscription: %w", err)
	}
	return nil
}

// TouchLastChecked records a completed poller sweep. Uses UpdateColumns
// to skip model hooks.
func (r *subscriptionRepo) TouchLastChecked(ctx context.Context, id models.ULID, at time.Time) error {
	result := r.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("id = ?", id).
		UpdateColumns(map[string]interface{}{
			"last_checked_at": at,
			"updated_at":      models.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("touching subscription: %w", result.Error)
	}
	return nil
}

// Ensure subscriptionRepo implements SubscriptionRepository at compile time.
var _ SubscriptionRepository = (*subscriptionRepo)(nil)
