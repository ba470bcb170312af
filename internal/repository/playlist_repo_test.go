package repository

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/scribarr/scribarr/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupPlaylistTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	err = db.AutoMigrate(&models.Playlist{}, &models.PlaylistItem{})
	require.NoError(t, err)

	return db
}

func TestPlaylistRepo_CreateAndList(t *testing.T) {
	db := setupPlaylistTestDB(t)
	repo := NewPlaylistRepository(db)
	ctx := context.Background()

	userID := models.NewULID()
	playlist := &models.Playlist{UserID: userID, Name: "Research talks"}
	require.NoError(t, repo.Create(ctx, playlist))
	assert.False(t, playlist.ID.IsZero())

	playlists, err := repo.ListByUser(ctx, userID)
	require.NoError(t, err)
	require.Len(t, playlists, 1)
	assert.Equal(t, "Research talks", playlists[0].Name)

	playlists, err = repo.ListByUser(ctx, models.NewULID())
	require.NoError(t, err)
	assert.Empty(t, playlists)
}

func TestPlaylistRepo_AppendItem_PositionsGrow(t *testing.T) {
	db := setupPlaylistTestDB(t)
	repo := NewPlaylistRepository(db)
	ctx := context.Background()

	playlist := &models.Playlist{UserID: models.NewULID(), Name: "Queue"}
	require.NoError(t, repo.Create(ctx, playlist))

	first := models.NewULID()
	second := models.NewULID()
	third := models.NewULID()

	require.NoError(t, repo.AppendItem(ctx, playlist.ID, first))
	require.NoError(t, repo.AppendItem(ctx, playlist.ID, second))
	require.NoError(t, repo.AppendItem(ctx, playlist.ID, third))

	members, err := repo.ListItems(ctx, playlist.ID)
	require.NoError(t, err)
	require.Len(t, members, 3)

	assert.Equal(t, first, members[0].ItemID)
	assert.Equal(t, 0, members[0].Position)
	assert.Equal(t, second, members[1].ItemID)
	assert.Equal(t, 1, members[1].Position)
	assert.Equal(t, third, members[2].ItemID)
	assert.Equal(t, 2, members[2].Position)
}

func TestPlaylistRepo_AppendItem_Idempotent(t *testing.T) {
	db := setupPlaylistTestDB(t)
	repo := NewPlaylistRepository(db)
	ctx := context.Background()

	playlist := &models.Playlist{UserID: models.NewULID(), Name: "Queue"}
	require.NoError(t, repo.Create(ctx, playlist))

	itemID := models.NewULID()
	require.NoError(t, repo.AppendItem(ctx, playlist.ID, itemID))
	require.NoError(t, repo.AppendItem(ctx, playlist.ID, itemID))

	members, err := repo.ListItems(ctx, playlist.ID)
	require.NoError(t, err)
	assert.Len(t, members, 1, "re-adding an existing member is a no-op")
}

func TestPlaylistRepo_AppendItem_AfterRemoval(t *testing.T) {
	db := setupPlaylistTestDB(t)
	repo := NewPlaylistRepository(db)
	ctx := context.Background()

	playlist := &models.Playlist{UserID: models.NewULID(), Name: "Queue"}
	require.NoError(t, repo.Create(ctx, playlist))

	first := models.NewULID()
	second := models.NewULID()
	require.NoError(t, repo.AppendItem(ctx, playlist.ID, first))
	require.NoError(t, repo.AppendItem(ctx, playlist.ID, second))

	// Removing the first member leaves a gap; new appends continue
	// from the highest surviving position.
	require.NoError(t, repo.RemoveItem(ctx, playlist.ID, first))

	third := models.NewULID()
	require.NoError(t, repo.AppendItem(ctx, playlist.ID, third))

	members, err := repo.ListItems(ctx, playlist.ID)
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, second, members[0].ItemID)
	assert.Equal(t, 1, members[0].Position)
	assert.Equal(t, third, members[1].ItemID)
	assert.Equal(t, 2, members[1].Position)
}

func TestPlaylistRepo_ItemInPlaylist(t *testing.T) {
	db := setupPlaylistTestDB(t)
	repo := NewPlaylistRepository(db)
	ctx := context.Background()

	playlist := &models.Playlist{UserID: models.NewULID(), Name: "Queue"}
	require.NoError(t, repo.Create(ctx, playlist))

	itemID := models.NewULID()
	in, err := repo.ItemInPlaylist(ctx, playlist.ID, itemID)
	require.NoError(t, err)
	assert.False(t, in)

	require.NoError(t, repo.AppendItem(ctx, playlist.ID, itemID))

	in, err = repo.ItemInPlaylist(ctx, playlist.ID, itemID)
	require.NoError(t, err)
	assert.True(t, in)
}

func TestPlaylistRepo_ItemInAnyPlaylist(t *testing.T) {
	db := setupPlaylistTestDB(t)
	repo := NewPlaylistRepository(db)
	ctx := context.Background()

	first := &models.Playlist{UserID: models.NewULID(), Name: "Queue"}
	second := &models.Playlist{UserID: models.NewULID(), Name: "Archive"}
	require.NoError(t, repo.Create(ctx, first))
	require.NoError(t, repo.Create(ctx, second))

	itemID := models.NewULID()
	in, err := repo.ItemInAnyPlaylist(ctx, itemID)
	require.NoError(t, err)
	assert.False(t, in)

	require.NoError(t, repo.AppendItem(ctx, second.ID, itemID))

	in, err = repo.ItemInAnyPlaylist(ctx, itemID)
	require.NoError(t, err)
	assert.True(t, in)

	require.NoError(t, repo.RemoveItem(ctx, second.ID, itemID))

	in, err = repo.ItemInAnyPlaylist(ctx, itemID)
	require.NoError(t, err)
	assert.False(t, in)
}

func TestPlaylistRepo_Delete_RemovesMembers(t *testing.T) {
	db := setupPlaylistTestDB(t)
	repo := NewPlaylistRepository(db)
	ctx := context.Background()

	playlist := &models.Playlist{UserID: models.NewULID(), Name: "Queue"}
	require.NoError(t, repo.Create(ctx, playlist))
	require.NoError(t, repo.AppendItem(ctx, playlist.ID, models.NewULID()))

	require.NoError(t, repo.Delete(ctx, playlist.ID))

	found, err := repo.GetByID(ctx, playlist.ID)
	require.NoError(t, err)
	assert.Nil(t, found)

	var count int64
	require.NoError(t, db.Model(&models.PlaylistItem{}).Where("playlist_id = ?", playlist.ID).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}
