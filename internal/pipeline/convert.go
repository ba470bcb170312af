package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/scribarr/scribarr/internal/models"
)

// runConvert extracts the recognition WAV from the downloaded media and
// hands the item to the transcribe stage.
func (p *Pipeline) runConvert(ctx context.Context, item *models.Item) error {
	logger := p.stageLogger(item, "convert")

	key := itemKey(item)
	if key == "" {
		item.MarkFailed("no media on record to convert")
		return p.save(ctx, item)
	}

	wavRel := p.store.AudioFile(key)
	if ok, err := p.store.Exists(wavRel); err == nil && ok {
		logger.Info("audio already extracted, skipping conversion")
		item.AudioPath = wavRel
		item.SetStage(models.StageTranscribing, models.ProgressConverted)
		return p.save(ctx, item)
	}

	mediaRel := item.MediaPath
	if mediaRel == "" {
		mediaRel = p.store.FindMedia(key)
	}
	if mediaRel == "" || !p.mediaOnDisk(mediaRel) {
		// The media file vanished between stages. Clear the download
		// marker and send the item back through the download pool.
		logger.Warn("media file missing, re-queueing download",
			slog.String("path", mediaRel))
		item.Stage = models.StagePending
		item.MediaPath = ""
		item.DownloadedAt = nil
		return p.save(ctx, item)
	}

	mediaAbs, err := p.store.Abs(mediaRel)
	if err != nil {
		item.MarkFailed(fmt.Sprintf("resolving media path: %v", err))
		return p.save(ctx, item)
	}
	wavAbs, err := p.store.Abs(wavRel)
	if err != nil {
		item.MarkFailed(fmt.Sprintf("resolving audio path: %v", err))
		return p.save(ctx, item)
	}

	logger.Info("extracting audio", slog.String("media", mediaRel))
	if err := p.converter.ExtractWAV(ctx, mediaAbs, wavAbs); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		item.MarkFailed(fmt.Sprintf("audio extraction failed: %v", err))
		return p.save(ctx, item)
	}

	item.MediaPath = mediaRel
	item.AudioPath = wavRel
	item.SetStage(models.StageTranscribing, models.ProgressConverted)
	return p.save(ctx, item)
}

func (p *Pipeline) mediaOnDisk(rel string) bool {
	ok, err := p.store.Exists(rel)
	return err == nil && ok
}
