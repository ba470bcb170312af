package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/scribarr/scribarr/internal/llm"
	"github.com/scribarr/scribarr/internal/models"
)

// runSummarize produces the summary and keywords in the owning user's
// language and completes the item. Items whose transcript never
// materialized get a short summary built from their metadata.
func (p *Pipeline) runSummarize(ctx context.Context, item *models.Item) error {
	logger := p.stageLogger(item, "summarize")

	language := models.DefaultSummaryLanguage
	if user, err := p.users.GetByID(ctx, item.UserID); err != nil {
		logger.Warn("loading user for summary language failed",
			slog.String("error", err.Error()))
	} else if user != nil {
		language = user.EffectiveSummaryLanguage()
	}

	source := item.Transcript
	if !item.HasTranscript() {
		title := item.Title
		if title == "" {
			title = "Untitled"
		}
		source = fmt.Sprintf("Video: %s. Transcription is not available.", title)
	}

	summary, err := p.llm.GenerateSummary(ctx, source, language)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var lerr *llm.Error
		if errors.As(err, &lerr) {
			// Transient LLM failure: keep the stage so the next tick
			// retries instead of losing the transcription work.
			logger.Warn("summary generation failed, will retry",
				slog.String("error", err.Error()))
			item.ErrorMessage = err.Error()
			return p.save(ctx, item)
		}
		item.MarkFailed(fmt.Sprintf("summary generation failed: %v", err))
		return p.save(ctx, item)
	}
	item.Summary = summary

	keywordSource := ""
	if item.HasTranscript() {
		keywordSource = item.Transcript
	}
	if keywords, err := p.llm.GenerateKeywords(ctx, keywordSource, item.Title, language); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Warn("keyword generation failed", slog.String("error", err.Error()))
	} else if keywords != "" {
		item.Keywords = keywords
	}

	item.MarkCompleted()
	if err := p.save(ctx, item); err != nil {
		return err
	}
	logger.Info("item completed", slog.String("title", item.Title))
	return nil
}
