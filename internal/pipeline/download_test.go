package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scribarr/scribarr/internal/media"
	"github.com/scribarr/scribarr/internal/models"
)

const watchURL = "https://www.youtube.com/watch?v=dQw4w9WgXcQ"

func testMetadata() *media.Metadata {
	uploaded := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	return &media.Metadata{
		ID:              "dQw4w9WgXcQ",
		Title:           "Never Gonna Give You Up",
		DurationSeconds: 213,
		FilePath:        "dQw4w9WgXcQ.mp4",
		ThumbnailURL:    "https://img.example/dQw4w9WgXcQ.jpg",
		UploadDate:      &uploaded,
		ChannelID:       "UCuAXFkgsw1L7xaCfnd5JJOw",
		Channel:         "Rick Astley",
		Uploader:        "Rick Astley",
		ViewCount:       1000000,
		LikeCount:       50000,
	}
}

func TestDownload_HappyPath(t *testing.T) {
	h := newHarness(t)
	item := h.newItem(t, models.StagePending, watchURL)

	h.downloader.meta = testMetadata()
	h.downloader.during = func(progress media.ProgressFunc) {
		h.writeMediaFile(t, "dQw4w9WgXcQ")
		progress(100)
	}

	require.NoError(t, h.pipe.Execute(context.Background(), item.ID))

	got := h.reload(t, item.ID)
	assert.Equal(t, models.StageConverting, got.Stage)
	assert.InDelta(t, models.ProgressDownloaded, got.Progress, 0.001)
	assert.Equal(t, "dQw4w9WgXcQ", got.SourceVideoID)
	assert.Equal(t, "Never Gonna Give You Up", got.Title)
	assert.Equal(t, "Rick Astley", got.ChannelTitle)
	assert.Equal(t, "Rick Astley", got.Uploader)
	assert.Equal(t, "UCuAXFkgsw1L7xaCfnd5JJOw", got.ChannelID)
	assert.InDelta(t, 213.0, got.DurationSeconds, 0.001)
	assert.Equal(t, "2024-03-01", got.UploadDate)
	assert.EqualValues(t, 1000000, got.ViewCount)
	assert.Equal(t, "dQw4w9WgXcQ.mp4", got.MediaPath)
	assert.Equal(t, "thumbnails/dQw4w9WgXcQ.jpg", got.ThumbnailPath)
	require.NotNil(t, got.DownloadedAt, "media is on disk, downloaded_at must be set")
	assert.Equal(t, 1, h.downloader.calls)
	assert.Equal(t, 1, h.thumbnailer.calls)
}

func TestDownload_ProgressMapsIntoBand(t *testing.T) {
	h := newHarness(t)
	item := h.newItem(t, models.StagePending, watchURL)

	h.downloader.meta = testMetadata()
	h.downloader.during = func(progress media.ProgressFunc) {
		progress(40)
		assert.InDelta(t, 10.0, h.reload(t, item.ID).Progress, 0.001)
		progress(100)
		assert.InDelta(t, 25.0, h.reload(t, item.ID).Progress, 0.001)
		h.writeMediaFile(t, "dQw4w9WgXcQ")
	}

	require.NoError(t, h.pipe.Execute(context.Background(), item.ID))
}

func TestDownload_AdoptsExistingMedia(t *testing.T) {
	h := newHarness(t)
	item := h.newItem(t, models.StagePending, watchURL)
	h.writeMediaFile(t, "dQw4w9WgXcQ")

	require.NoError(t, h.pipe.Execute(context.Background(), item.ID))

	got := h.reload(t, item.ID)
	assert.Equal(t, models.StageConverting, got.Stage)
	assert.Equal(t, "dQw4w9WgXcQ", got.SourceVideoID)
	assert.Equal(t, "dQw4w9WgXcQ.mp4", got.MediaPath)
	assert.NotNil(t, got.DownloadedAt)
	assert.Zero(t, h.downloader.calls, "adoption must not re-download")
}

func TestDownload_PlaylistMemberCompletesWithoutTranscription(t *testing.T) {
	h := newHarness(t)
	item := h.newItem(t, models.StagePending, watchURL)

	playlist := &models.Playlist{UserID: h.user.ID, Name: "watch later"}
	require.NoError(t, h.playlists.Create(context.Background(), playlist))
	require.NoError(t, h.playlists.AppendItem(context.Background(), playlist.ID, item.ID))

	h.downloader.meta = testMetadata()
	h.downloader.during = func(media.ProgressFunc) {
		h.writeMediaFile(t, "dQw4w9WgXcQ")
	}

	require.NoError(t, h.pipe.Execute(context.Background(), item.ID))

	got := h.reload(t, item.ID)
	assert.Equal(t, models.StageCompleted, got.Stage)
	assert.InDelta(t, models.ProgressComplete, got.Progress, 0.001)
	assert.NotNil(t, got.CompletedAt)
	assert.Empty(t, got.Transcript)
}

func TestDownload_PlaylistContainerCompletes(t *testing.T) {
	h := newHarness(t)
	item := &models.Item{
		UserID:     h.user.ID,
		URL:        "https://www.youtube.com/playlist?list=PLx0sYbCqOb8TBPRdmBHs5Iftvv9TPboYG",
		Stage:      models.StagePending,
		IsPlaylist: true,
	}
	require.NoError(t, h.items.Create(context.Background(), item))

	h.downloader.meta = testMetadata()

	require.NoError(t, h.pipe.Execute(context.Background(), item.ID))

	got := h.reload(t, item.ID)
	assert.Equal(t, models.StageCompleted, got.Stage)
}

func TestDownload_BlockedCountsTowardGatePause(t *testing.T) {
	h := newHarness(t)
	item := h.newItem(t, models.StagePending, watchURL)

	h.downloader.err = &media.DownloadError{
		Kind:    media.KindBlocked,
		Message: "Sign in to confirm you're not a bot",
	}

	require.NoError(t, h.pipe.Execute(context.Background(), item.ID))

	got := h.reload(t, item.ID)
	assert.Equal(t, models.StageFailed, got.Stage)
	assert.Contains(t, got.ErrorMessage, "not a bot")
	assert.Equal(t, 1, h.gate.Snapshot().BlockedFailures)
}

func TestDownload_MembershipOnlyBecomesUnavailable(t *testing.T) {
	h := newHarness(t)
	item := h.newItem(t, models.StagePending, watchURL)

	h.downloader.err = &media.DownloadError{
		Kind:    media.KindMembershipOnly,
		Message: "Join this channel to get access to members-only content",
	}

	require.NoError(t, h.pipe.Execute(context.Background(), item.ID))

	got := h.reload(t, item.ID)
	assert.Equal(t, models.StageUnavailable, got.Stage)
	assert.Contains(t, got.ErrorMessage, "members-only")
	assert.Zero(t, h.gate.Snapshot().BlockedFailures)
}

func TestDownload_LiveStreamFails(t *testing.T) {
	h := newHarness(t)
	item := h.newItem(t, models.StagePending, watchURL)

	h.downloader.err = &media.DownloadError{
		Kind:    media.KindLiveStream,
		Message: "live streams cannot be processed",
	}

	require.NoError(t, h.pipe.Execute(context.Background(), item.ID))

	got := h.reload(t, item.ID)
	assert.Equal(t, models.StageFailed, got.Stage)
}

func TestDownload_UnclassifiedErrorFails(t *testing.T) {
	h := newHarness(t)
	item := h.newItem(t, models.StagePending, watchURL)

	h.downloader.err = &media.DownloadError{
		Kind:    media.KindOther,
		Message: "yt-dlp exited with status 1",
	}

	require.NoError(t, h.pipe.Execute(context.Background(), item.ID))

	got := h.reload(t, item.ID)
	assert.Equal(t, models.StageFailed, got.Stage)
	assert.Contains(t, got.ErrorMessage, "yt-dlp exited")
}

func TestDownload_SuccessResetsGateCounter(t *testing.T) {
	h := newHarness(t)
	item := h.newItem(t, models.StagePending, watchURL)

	h.gate.RegisterBlockedFailure("earlier failure")
	require.Equal(t, 1, h.gate.Snapshot().BlockedFailures)

	h.downloader.meta = testMetadata()
	h.downloader.during = func(media.ProgressFunc) {
		h.writeMediaFile(t, "dQw4w9WgXcQ")
	}

	require.NoError(t, h.pipe.Execute(context.Background(), item.ID))
	assert.Zero(t, h.gate.Snapshot().BlockedFailures)
}

func TestDownload_ThumbnailFailureIsNotFatal(t *testing.T) {
	h := newHarness(t)
	item := h.newItem(t, models.StagePending, watchURL)

	h.downloader.meta = testMetadata()
	h.downloader.during = func(media.ProgressFunc) {
		h.writeMediaFile(t, "dQw4w9WgXcQ")
	}
	h.thumbnailer.err = assert.AnError

	require.NoError(t, h.pipe.Execute(context.Background(), item.ID))

	got := h.reload(t, item.ID)
	assert.Equal(t, models.StageConverting, got.Stage)
	assert.Empty(t, got.ThumbnailPath)
}
