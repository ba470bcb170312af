package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/scribarr/scribarr/internal/asr"
	"github.com/scribarr/scribarr/internal/audio"
	"github.com/scribarr/scribarr/internal/dispatcher"
	"github.com/scribarr/scribarr/internal/models"
)

// segmentsDocument is the sidecar JSON written next to the transcript,
// carrying globally timestamped segments for players that highlight text
// during playback.
type segmentsDocument struct {
	Language string        `json:"language"`
	Segments []asr.Segment `json:"segments"`
}

// runTranscribe recognizes speech in the item's WAV, formats the raw text
// through the LLM and writes the transcript artifacts. A runner outage
// degrades to the unavailability sentinel instead of failing the item.
func (p *Pipeline) runTranscribe(ctx context.Context, item *models.Item) error {
	logger := p.stageLogger(item, "transcribe")

	// A usable transcript from an earlier run short-circuits the stage.
	if item.HasTranscript() && item.TranscriptPath != "" {
		if ok, err := p.store.Exists(item.TranscriptPath); err == nil && ok {
			logger.Info("transcript already on disk, skipping recognition")
			item.SetStage(models.StageSummarizing, models.ProgressTranscribed)
			return p.save(ctx, item)
		}
	}

	key := itemKey(item)
	if key == "" {
		item.MarkFailed("no media on record to transcribe")
		return p.save(ctx, item)
	}

	if p.transcriber == nil {
		logger.Warn("no transcription engine configured, recording sentinel")
		return p.recordUnavailable(ctx, logger, item, key)
	}

	wavRel := item.AudioPath
	if wavRel == "" {
		wavRel = p.store.AudioFile(key)
	}
	if ok, err := p.store.Exists(wavRel); err != nil || !ok {
		// The WAV vanished; back up one stage so it gets re-extracted.
		logger.Warn("audio file missing, re-queueing conversion",
			slog.String("path", wavRel))
		item.Stage = models.StageConverting
		item.AudioPath = ""
		return p.save(ctx, item)
	}
	wavAbs, err := p.store.Abs(wavRel)
	if err != nil {
		item.MarkFailed(fmt.Sprintf("resolving audio path: %v", err))
		return p.save(ctx, item)
	}

	chunks, metas, err := p.chunker.Run(wavAbs)
	if err != nil {
		item.MarkFailed(fmt.Sprintf("audio pipeline failed: %v", err))
		return p.save(ctx, item)
	}
	if len(chunks) == 0 {
		logger.Info("no speech detected")
		return p.finishTranscript(ctx, logger, item, key, "", nil)
	}

	duration, err := audio.Duration(wavAbs)
	if err != nil {
		logger.Debug("could not read wav duration", slog.String("error", err.Error()))
		duration = 0
	}

	item.SetStage(models.StageTranscribing, models.ProgressASRStarted)
	if err := p.save(ctx, item); err != nil {
		return err
	}

	writer := newProgressWriter(p.items, item.ID, models.ProgressASRStarted,
		progressUpdateInterval(duration), logger)
	onProgress := func(endSeconds float64) {
		if duration > 0 {
			writer.update(ctx, asrBandProgress(duration, endSeconds))
			return
		}
		writer.creep(ctx, models.ProgressASRDone)
	}

	logger.Info("starting recognition",
		slog.Int("chunks", len(chunks)),
		slog.Float64("audio_seconds", duration),
		slog.String("language", item.Language))

	result, err := p.transcriber.Transcribe(ctx, chunks, metas, item.Language, onProgress)
	if err != nil {
		var rerr *dispatcher.RunnerError
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.As(err, &rerr):
			// The runner failed or timed out. Record the sentinel and
			// keep going; the item still gets a summary from its
			// metadata.
			logger.Warn("remote transcription failed, recording sentinel",
				slog.String("error", rerr.Error()))
			return p.recordUnavailable(ctx, logger, item, key)
		default:
			item.MarkFailed(fmt.Sprintf("transcription failed: %v", err))
			return p.save(ctx, item)
		}
	}

	if result.Language != "" {
		item.Language = result.Language
	}
	item.SetStage(models.StageTranscribing, models.ProgressASRDone)
	if err := p.items.SetProgress(ctx, item.ID, models.ProgressASRDone); err != nil {
		logger.Debug("progress write failed", slog.String("error", err.Error()))
	}

	text := result.Text
	formatted, err := p.llm.FormatTranscript(ctx, text, item.Language)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Warn("transcript formatting failed, keeping raw text",
			slog.String("error", err.Error()))
		formatted = text
	}

	return p.finishTranscript(ctx, logger, item, key, formatted, result)
}

// asrBandProgress maps a recognition timestamp onto the progress band
// between recognition start and transcript completion.
func asrBandProgress(duration, endSeconds float64) float64 {
	ratio := endSeconds / duration
	if ratio > 1 {
		ratio = 1
	}
	return models.ProgressASRStarted + ratio*(models.ProgressASRDone-models.ProgressASRStarted)
}

// recordUnavailable writes the sentinel transcript so readers and the
// summarize stage can tell "no speech" from "recognition never ran".
func (p *Pipeline) recordUnavailable(ctx context.Context, logger *slog.Logger, item *models.Item, key string) error {
	if item.Language == "" {
		item.Language = "unknown"
	}
	return p.finishTranscript(ctx, logger, item, key, models.TranscriptUnavailable, nil)
}

// finishTranscript writes the transcript artifacts, stamps progress and
// hands the item to the summarize stage.
func (p *Pipeline) finishTranscript(ctx context.Context, logger *slog.Logger, item *models.Item, key, text string, result *asr.Result) error {
	rel := p.store.TranscriptFile(key)
	if err := p.store.AtomicWrite(rel, []byte(text)); err != nil {
		item.MarkFailed(fmt.Sprintf("writing transcript: %v", err))
		return p.save(ctx, item)
	}
	item.Transcript = text
	item.TranscriptPath = rel

	if result != nil && len(result.Segments) > 0 {
		doc := segmentsDocument{Language: result.Language, Segments: result.Segments}
		data, err := json.Marshal(doc)
		if err == nil {
			if werr := p.store.AtomicWrite(p.store.SegmentsFile(key), data); werr != nil {
				logger.Warn("writing segments sidecar failed",
					slog.String("error", werr.Error()))
			}
		}
	}

	item.SetStage(models.StageSummarizing, models.ProgressTranscribed)
	return p.save(ctx, item)
}
