package repository

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/scribarr/scribarr/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupSubscriptionTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	err = db.AutoMigrate(&models.Subscription{})
	require.NoError(t, err)

	return db
}

func TestSubscriptionRepo_CreateAndGet(t *testing.T) {
	db := setupSubscriptionTestDB(t)
	repo := NewSubscriptionRepository(db)
	ctx := context.Background()

	sub := &models.Subscription{
		UserID:     models.NewULID(),
		ChannelURL: "https://www.youtube.com/@somecreator",
	}
	require.NoError(t, repo.Create(ctx, sub))
	assert.False(t, sub.ID.IsZero())
	assert.Equal(t, models.SubscriptionPending, sub.Status)

	found, err := repo.GetByID(ctx, sub.ID)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, sub.ChannelURL, found.ChannelURL)
}

func TestSubscriptionRepo_ListPending_OldestFirst(t *testing.T) {
	db := setupSubscriptionTestDB(t)
	repo := NewSubscriptionRepository(db)
	ctx := context.Background()

	userID := models.NewULID()
	base := time.Now().UTC().Add(-time.Hour)

	second := &models.Subscription{UserID: userID, ChannelURL: "https://www.youtube.com/@second"}
	second.CreatedAt = base.Add(10 * time.Minute)
	require.NoError(t, repo.Create(ctx, second))

	first := &models.Subscription{UserID: userID, ChannelURL: "https://www.youtube.com/@first"}
	first.CreatedAt = base
	require.NoError(t, repo.Create(ctx, first))

	resolved := &models.Subscription{
		UserID:     userID,
		ChannelURL: "https://www.youtube.com/@resolved",
		ChannelID:  "UCresolved",
		Status:     models.SubscriptionResolved,
	}
	require.NoError(t, repo.Create(ctx, resolved))

	pending, err := repo.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, first.ID, pending[0].ID, "resolver services submissions in order")
	assert.Equal(t, second.ID, pending[1].ID)
}

func TestSubscriptionRepo_ListResolved(t *testing.T) {
	db := setupSubscriptionTestDB(t)
	repo := NewSubscriptionRepository(db)
	ctx := context.Background()

	userID := models.NewULID()
	require.NoError(t, repo.Create(ctx, &models.Subscription{
		UserID:     userID,
		ChannelURL: "https://www.youtube.com/@pending",
	}))
	require.NoError(t, repo.Create(ctx, &models.Subscription{
		UserID:     userID,
		ChannelURL: "https://www.youtube.com/@resolved",
		ChannelID:  "UCresolved",
		Status:     models.SubscriptionResolved,
	}))

	resolved, err := repo.ListResolved(ctx)
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.Equal(t, "UCresolved", resolved[0].ChannelID)
}

func TestSubscriptionRepo_FindByUserAndChannelID(t *testing.T) {
	db := setupSubscriptionTestDB(t)
	repo := NewSubscriptionRepository(db)
	ctx := context.Background()

	alice := models.NewULID()
	sub := &models.Subscription{
		UserID:     alice,
		ChannelURL: "https://www.youtube.com/@somecreator",
		ChannelID:  "UCabc123",
		Status:     models.SubscriptionResolved,
	}
	require.NoError(t, repo.Create(ctx, sub))

	found, err := repo.FindByUserAndChannelID(ctx, alice, "UCabc123")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, sub.ID, found.ID)

	// Another user's subscription to the same channel is separate
	found, err = repo.FindByUserAndChannelID(ctx, models.NewULID(), "UCabc123")
	require.NoError(t, err)
	assert.Nil(t, found)

	// Empty channel IDs never match, even against pending rows
	found, err = repo.FindByUserAndChannelID(ctx, alice, "")
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestSubscriptionRepo_FindByUserAndURL(t *testing.T) {
	db := setupSubscriptionTestDB(t)
	repo := NewSubscriptionRepository(db)
	ctx := context.Background()

	userID := models.NewULID()
	url := "https://www.youtube.com/@somecreator"
	sub := &models.Subscription{UserID: userID, ChannelURL: url}
	require.NoError(t, repo.Create(ctx, sub))

	found, err := repo.FindByUserAndURL(ctx, userID, url)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, sub.ID, found.ID)

	// Resolution does not hide it; resubscribing to the same URL must
	// keep finding the row
	sub.MarkResolved("UCabc123", "Some Creator")
	require.NoError(t, repo.Update(ctx, sub))

	found, err = repo.FindByUserAndURL(ctx, userID, url)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, sub.ID, found.ID)

	// Another user's subscription to the same URL is separate
	found, err = repo.FindByUserAndURL(ctx, models.NewULID(), url)
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestSubscriptionRepo_TouchLastChecked(t *testing.T) {
	db := setupSubscriptionTestDB(t)
	repo := NewSubscriptionRepository(db)
	ctx := context.Background()

	sub := &models.Subscription{
		UserID:     models.NewULID(),
		ChannelURL: "https://www.youtube.com/@somecreator",
	}
	require.NoError(t, repo.Create(ctx, sub))
	require.Nil(t, sub.LastCheckedAt)

	sweep := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, repo.TouchLastChecked(ctx, sub.ID, sweep))

	found, err := repo.GetByID(ctx, sub.ID)
	require.NoError(t, err)
	require.NotNil(t, found.LastCheckedAt)
	assert.WithinDuration(t, sweep, *found.LastCheckedAt, time.Second)
}

func TestSubscriptionRepo_Delete(t *testing.T) {
	db := setupSubscriptionTestDB(t)
	repo := NewSubscriptionRepository(db)
	ctx := context.Background()

	sub := &models.Subscription{
		UserID:     models.NewULID(),
		ChannelURL: "https://www.youtube.com/@somecreator",
	}
	require.NoError(t, repo.Create(ctx, sub))
	require.NoError(t, repo.Delete(ctx, sub.ID))

	found, err := repo.GetByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.Nil(t, found)
}
