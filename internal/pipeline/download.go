package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/scribarr/scribarr/internal/media"
	"github.com/scribarr/scribarr/internal/models"
)

// runDownload fetches the item's media, persists its metadata and hands
// the item to the converter, or straight to completed for playlist
// members, which keep media only and skip transcription.
func (p *Pipeline) runDownload(ctx context.Context, item *models.Item) error {
	logger := p.stageLogger(item, "download")

	claimed, err := p.items.ClaimStage(ctx, item.ID, models.StagePending, models.StageDownloading)
	if err != nil {
		return fmt.Errorf("claiming item for download: %w", err)
	}
	if !claimed {
		logger.Debug("item no longer pending")
		return nil
	}
	item.Stage = models.StageDownloading

	if err := p.gate.WaitIfPaused(ctx); err != nil {
		return err
	}
	if err := p.gate.WaitForSpacing(ctx); err != nil {
		return err
	}

	// Adopt media a previous run already fetched.
	if videoID := models.ExtractVideoID(item.URL); videoID != "" {
		if rel := p.store.FindMedia(videoID); rel != "" {
			logger.Info("media already on disk, skipping download",
				slog.String("video_id", videoID),
				slog.String("path", rel))
			item.SourceVideoID = videoID
			item.MediaPath = rel
			now := models.Now()
			item.DownloadedAt = &now
			return p.finishDownload(ctx, logger, item)
		}
	}

	onProgress := func(percent float64) {
		value := percent * models.ProgressDownloaded / 100
		if value > models.ProgressDownloaded {
			value = models.ProgressDownloaded
		}
		if err := p.items.SetProgress(ctx, item.ID, value); err != nil {
			logger.Debug("progress write failed", slog.String("error", err.Error()))
		}
	}

	logger.Info("starting download", slog.String("url", item.URL))
	meta, err := p.downloader.Download(ctx, item.URL, onProgress)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return p.failDownload(ctx, logger, item, err)
	}

	applyMetadata(item, meta)
	if ok, err := p.store.Exists(meta.FilePath); err == nil && ok {
		now := models.Now()
		item.DownloadedAt = &now
	} else {
		logger.Warn("downloaded file missing from store",
			slog.String("path", meta.FilePath))
	}

	mediaAbs, err := p.store.Abs(item.MediaPath)
	if err != nil {
		mediaAbs = ""
	}
	if rel, err := p.thumbnailer.Generate(ctx, mediaAbs, meta.ID, meta.ThumbnailURL); err != nil {
		logger.Warn("thumbnail generation failed", slog.String("error", err.Error()))
	} else {
		item.ThumbnailPath = rel
	}

	logger.Info("download finished",
		slog.String("video_id", meta.ID),
		slog.String("title", meta.Title))
	return p.finishDownload(ctx, logger, item)
}

// finishDownload resets the gate's failure counter and routes the item to
// its next stage: converting, or completed for playlist members.
func (p *Pipeline) finishDownload(ctx context.Context, logger *slog.Logger, item *models.Item) error {
	p.gate.ResetOnSuccess()

	skip, err := p.skipsTranscription(ctx, item)
	if err != nil {
		logger.Warn("playlist membership check failed", slog.String("error", err.Error()))
	}
	if skip {
		item.MarkCompleted()
		logger.Info("playlist member completed without transcription")
	} else {
		item.SetStage(models.StageConverting, models.ProgressDownloaded)
	}
	return p.save(ctx, item)
}

// failDownload maps a classified download failure onto the item's
// terminal state. Retries for transient and format errors already
// happened inside the downloader; whatever reaches here is final.
func (p *Pipeline) failDownload(ctx context.Context, logger *slog.Logger, item *models.Item, derr error) error {
	class := media.AsDownloadError(derr)
	switch class.Kind {
	case media.KindBlocked:
		p.gate.RegisterBlockedFailure(class.Message)
		item.MarkFailed(class.Message)
	case media.KindMembershipOnly:
		item.MarkUnavailable(class.Message)
	default:
		item.MarkFailed(class.Message)
	}

	logger.Warn("download failed",
		slog.String("kind", string(class.Kind)),
		slog.String("outcome", string(item.Stage)),
		slog.String("error", class.Message))
	return p.save(ctx, item)
}

// skipsTranscription reports whether the item bypasses audio processing:
// container rows for expanded playlists and items placed in any playlist
// keep their media but get no transcript or summary.
func (p *Pipeline) skipsTranscription(ctx context.Context, item *models.Item) (bool, error) {
	if item.IsPlaylist {
		return true, nil
	}
	return p.playlists.ItemInAnyPlaylist(ctx, item.ID)
}

// applyMetadata copies downloader metadata onto the item row.
func applyMetadata(item *models.Item, meta *media.Metadata) {
	item.SourceVideoID = meta.ID
	item.Title = meta.Title
	item.Uploader = meta.Uploader
	item.ChannelID = meta.ChannelID
	item.ChannelTitle = meta.Channel
	item.DurationSeconds = float64(meta.DurationSeconds)
	item.ViewCount = meta.ViewCount
	item.LikeCount = meta.LikeCount
	item.ThumbnailURL = meta.ThumbnailURL
	item.MediaPath = meta.FilePath
	if meta.UploadDate != nil {
		item.UploadDate = meta.UploadDate.Format("2006-01-02")
	}
}
