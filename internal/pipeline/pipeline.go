// Package pipeline runs the per-stage work that moves an item from a
// submitted URL to a summarized transcript: download, audio extraction,
// recognition and summarization. Every stage executor checks the current
// state on entry and skips forward when its artifacts already exist, so
// items resume after a crash or a supervisor reset without redoing
// finished work.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/scribarr/scribarr/internal/audio"
	"github.com/scribarr/scribarr/internal/dispatcher"
	"github.com/scribarr/scribarr/internal/gate"
	"github.com/scribarr/scribarr/internal/media"
	"github.com/scribarr/scribarr/internal/models"
	"github.com/scribarr/scribarr/internal/repository"
	"github.com/scribarr/scribarr/internal/storage"
)

// MediaDownloader fetches source media for a URL and reports its metadata.
type MediaDownloader interface {
	Download(ctx context.Context, url string, progress media.ProgressFunc) (*media.Metadata, error)
}

// AudioExtractor produces the mono WAV used by speech recognition.
type AudioExtractor interface {
	ExtractWAV(ctx context.Context, videoPath, wavPath string) error
}

// ThumbnailGenerator renders an item's thumbnail from its media file,
// falling back to remote artwork when frame extraction fails.
type ThumbnailGenerator interface {
	Generate(ctx context.Context, videoPath, key, remoteURL string) (string, error)
}

// ChunkSource slices a WAV file into speech chunks for recognition.
type ChunkSource interface {
	Run(wavPath string) ([]audio.Chunk, []audio.ChunkMeta, error)
}

// Summarizer is the language-model surface the pipeline depends on.
type Summarizer interface {
	FormatTranscript(ctx context.Context, transcript, language string) (string, error)
	GenerateSummary(ctx context.Context, transcript, language string) (string, error)
	GenerateKeywords(ctx context.Context, transcript, title, language string) (string, error)
}

// Pipeline executes item stages on behalf of the scheduler's worker
// pools. It is safe for concurrent use; per-item state lives in the
// database, not in the struct.
type Pipeline struct {
	items     repository.ItemRepository
	users     repository.UserRepository
	playlists repository.PlaylistRepository

	store       *storage.Store
	gate        *gate.Gate
	downloader  MediaDownloader
	converter   AudioExtractor
	thumbnailer ThumbnailGenerator
	chunker     ChunkSource
	transcriber dispatcher.Transcriber
	llm         Summarizer

	logger *slog.Logger
}

// New assembles a pipeline. transcriber may be nil when no recognition
// engine is configured; affected items then carry the unavailability
// sentinel instead of a transcript.
func New(
	items repository.ItemRepository,
	users repository.UserRepository,
	playlists repository.PlaylistRepository,
	store *storage.Store,
	downloadGate *gate.Gate,
	downloader MediaDownloader,
	converter AudioExtractor,
	thumbnailer ThumbnailGenerator,
	chunker ChunkSource,
	transcriber dispatcher.Transcriber,
	llm Summarizer,
	logger *slog.Logger,
) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		items:       items,
		users:       users,
		playlists:   playlists,
		store:       store,
		gate:        downloadGate,
		downloader:  downloader,
		converter:   converter,
		thumbnailer: thumbnailer,
		chunker:     chunker,
		transcriber: transcriber,
		llm:         llm,
		logger:      logger.With(slog.String("component", "pipeline")),
	}
}

// Execute runs the stage the item currently sits in. The item is loaded
// fresh so a stale scheduler snapshot cannot resurrect finished work.
// Outcomes that belong to the item (download blocked, recognition failed)
// are persisted on the row and do not surface as errors; only
// infrastructure failures and cancellation do.
func (p *Pipeline) Execute(ctx context.Context, id models.ULID) error {
	item, err := p.items.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("loading item: %w", err)
	}
	if item == nil {
		// Deleted while queued.
		return nil
	}

	switch item.Stage {
	case models.StagePending:
		return p.runDownload(ctx, item)
	case models.StageConverting:
		return p.runConvert(ctx, item)
	case models.StageTranscribing:
		return p.runTranscribe(ctx, item)
	case models.StageSummarizing:
		return p.runSummarize(ctx, item)
	default:
		p.logger.Debug("item not in a runnable stage",
			slog.String("item_id", id.String()),
			slog.String("stage", string(item.Stage)))
		return nil
	}
}

func (p *Pipeline) stageLogger(item *models.Item, stage string) *slog.Logger {
	return p.logger.With(
		slog.String("item_id", item.ID.String()),
		slog.String("stage", stage),
	)
}

func (p *Pipeline) save(ctx context.Context, item *models.Item) error {
	if err := p.items.Update(ctx, item); err != nil {
		return fmt.Errorf("persisting item %s: %w", item.ID, err)
	}
	return nil
}

// itemKey returns the storage key for an item's artifacts: the source
// video id when known, otherwise the stem of the stored media file.
func itemKey(item *models.Item) string {
	if item.SourceVideoID != "" {
		return item.SourceVideoID
	}
	if item.MediaPath != "" {
		base := filepath.Base(item.MediaPath)
		return strings.TrimSuffix(base, filepath.Ext(base))
	}
	return ""
}
