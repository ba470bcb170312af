package pipeline

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/scribarr/scribarr/internal/asr"
	"github.com/scribarr/scribarr/internal/audio"
	"github.com/scribarr/scribarr/internal/gate"
	"github.com/scribarr/scribarr/internal/media"
	"github.com/scribarr/scribarr/internal/models"
	"github.com/scribarr/scribarr/internal/repository"
	"github.com/scribarr/scribarr/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeDownloader struct {
	meta *media.Metadata
	err  error
	// during runs inside Download with the progress callback, letting
	// tests emit progress and drop files into the store mid-download.
	during func(progress media.ProgressFunc)
	calls  int
}

func (f *fakeDownloader) Download(_ context.Context, _ string, progress media.ProgressFunc) (*media.Metadata, error) {
	f.calls++
	if f.during != nil {
		f.during(progress)
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.meta, nil
}

type fakeConverter struct {
	t       *testing.T
	err     error
	seconds float64
	calls   int
}

func (f *fakeConverter) ExtractWAV(_ context.Context, _, wavPath string) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	writeSilenceWAV(f.t, wavPath, f.seconds)
	return nil
}

type fakeThumbnailer struct {
	err   error
	calls int
}

func (f *fakeThumbnailer) Generate(_ context.Context, _, key, _ string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return "thumbnails/" + key + ".jpg", nil
}

type fakeChunker struct {
	chunks []audio.Chunk
	metas  []audio.ChunkMeta
	err    error
	calls  int
}

func (f *fakeChunker) Run(string) ([]audio.Chunk, []audio.ChunkMeta, error) {
	f.calls++
	if f.err != nil {
		return nil, nil, f.err
	}
	return f.chunks, f.metas, nil
}

type fakeTranscriber struct {
	result      *asr.Result
	err         error
	emitSeconds []float64
	gotLanguage string
	calls       int
}

func (f *fakeTranscriber) Transcribe(_ context.Context, _ []audio.Chunk, _ []audio.ChunkMeta, language string, progress asr.ProgressFunc) (*asr.Result, error) {
	f.calls++
	f.gotLanguage = language
	for _, s := range f.emitSeconds {
		if progress != nil {
			progress(s)
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeLLM struct {
	formatOut   string
	formatErr   error
	summaryOut  string
	summaryErr  error
	keywordsOut string
	keywordsErr error

	formatCalls  int
	summaryCalls int
	keywordCalls int

	gotFormatText      string
	gotSummarySource   string
	gotSummaryLanguage string
	gotKeywordText     string
}

func (f *fakeLLM) FormatTranscript(_ context.Context, transcript, _ string) (string, error) {
	f.formatCalls++
	f.gotFormatText = transcript
	if f.formatErr != nil {
		return transcript, f.formatErr
	}
	if f.formatOut != "" {
		return f.formatOut, nil
	}
	return transcript, nil
}

func (f *fakeLLM) GenerateSummary(_ context.Context, transcript, language string) (string, error) {
	f.summaryCalls++
	f.gotSummarySource = transcript
	f.gotSummaryLanguage = language
	if f.summaryErr != nil {
		return "", f.summaryErr
	}
	return f.summaryOut, nil
}

func (f *fakeLLM) GenerateKeywords(_ context.Context, transcript, _, _ string) (string, error) {
	f.keywordCalls++
	f.gotKeywordText = transcript
	if f.keywordsErr != nil {
		return "", f.keywordsErr
	}
	return f.keywordsOut, nil
}

type harness struct {
	pipe      *Pipeline
	items     repository.ItemRepository
	users     repository.UserRepository
	playlists repository.PlaylistRepository
	store     *storage.Store
	gate      *gate.Gate
	dir       string
	user      *models.User

	downloader  *fakeDownloader
	converter   *fakeConverter
	thumbnailer *fakeThumbnailer
	chunker     *fakeChunker
	transcriber *fakeTranscriber
	llm         *fakeLLM
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.User{}, &models.Item{}, &models.Playlist{}, &models.PlaylistItem{},
	))

	dir := t.TempDir()
	store, err := storage.New(dir)
	require.NoError(t, err)

	h := &harness{
		items:       repository.NewItemRepository(db),
		users:       repository.NewUserRepository(db),
		playlists:   repository.NewPlaylistRepository(db),
		store:       store,
		gate:        gate.New(gate.Config{}, testLogger()),
		dir:         dir,
		downloader:  &fakeDownloader{},
		converter:   &fakeConverter{t: t, seconds: 2},
		thumbnailer: &fakeThumbnailer{},
		chunker:     &fakeChunker{},
		transcriber: &fakeTranscriber{},
		llm:         &fakeLLM{summaryOut: "a summary"},
	}

	h.user = &models.User{Username: "tester", SummaryLanguage: "English"}
	require.NoError(t, h.users.Create(context.Background(), h.user))

	h.pipe = New(h.items, h.users, h.playlists, h.store, h.gate,
		h.downloader, h.converter, h.thumbnailer, h.chunker,
		h.transcriber, h.llm, testLogger())
	return h
}

func (h *harness) newItem(t *testing.T, stage models.ItemStage, url string) *models.Item {
	t.Helper()
	item := &models.Item{UserID: h.user.ID, URL: url, Stage: stage}
	require.NoError(t, h.items.Create(context.Background(), item))
	return item
}

func (h *harness) reload(t *testing.T, id models.ULID) *models.Item {
	t.Helper()
	item, err := h.items.GetByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, item)
	return item
}

func (h *harness) writeMediaFile(t *testing.T, key string) string {
	t.Helper()
	rel := key + ".mp4"
	require.NoError(t, os.WriteFile(filepath.Join(h.dir, rel), []byte("media-bytes"), 0o644))
	return rel
}

func (h *harness) writeWAV(t *testing.T, key string, seconds float64) string {
	t.Helper()
	rel := key + ".wav"
	writeSilenceWAV(t, filepath.Join(h.dir, rel), seconds)
	return rel
}

func writeSilenceWAV(t *testing.T, path string, seconds float64) {
	t.Helper()
	samples := make([]float32, int(seconds*16000))
	var buf bytes.Buffer
	require.NoError(t, audio.EncodeWAV(&buf, samples, 16000))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func speechChunks(n int) ([]audio.Chunk, []audio.ChunkMeta) {
	chunks := make([]audio.Chunk, n)
	metas := make([]audio.ChunkMeta, n)
	for i := range chunks {
		chunks[i] = make(audio.Chunk, 1600)
		metas[i] = audio.ChunkMeta{Offset: float64(i) * 10, Duration: 0.1}
	}
	return chunks, metas
}

func TestExecute_DeletedItem(t *testing.T) {
	h := newHarness(t)

	err := h.pipe.Execute(context.Background(), models.NewULID())
	assert.NoError(t, err)
	assert.Zero(t, h.downloader.calls)
}

func TestExecute_TerminalStagesAreSkipped(t *testing.T) {
	h := newHarness(t)

	for _, stage := range []models.ItemStage{
		models.StageCompleted, models.StageFailed, models.StageUnavailable,
	} {
		t.Run(string(stage), func(t *testing.T) {
			item := &models.Item{
				UserID: h.user.ID,
				URL:    "https://www.youtube.com/watch?v=dQw4w9WgXcQ",
				Stage:  stage,
			}
			if stage == models.StageCompleted {
				item.Progress = models.ProgressComplete
			}
			require.NoError(t, h.items.Create(context.Background(), item))

			require.NoError(t, h.pipe.Execute(context.Background(), item.ID))

			got := h.reload(t, item.ID)
			assert.Equal(t, stage, got.Stage)
		})
	}
	assert.Zero(t, h.downloader.calls)
	assert.Zero(t, h.converter.calls)
}

func TestProgressWriter_ThrottlesAndStaysMonotone(t *testing.T) {
	h := newHarness(t)
	item := h.newItem(t, models.StageTranscribing, "https://www.youtube.com/watch?v=dQw4w9WgXcQ")
	ctx := context.Background()

	w := newProgressWriter(h.items, item.ID, models.ProgressASRStarted, 30*time.Second, testLogger())
	base := time.Now()
	w.last = base
	w.now = func() time.Time { return base }

	// Inside the interval nothing is written.
	w.update(ctx, 65)
	assert.Zero(t, h.reload(t, item.ID).Progress)

	// After the interval the highest value seen so far is written, even
	// when the triggering callback reports a lower one.
	w.now = func() time.Time { return base.Add(31 * time.Second) }
	w.update(ctx, 63)
	assert.InDelta(t, 65.0, h.reload(t, item.ID).Progress, 0.001)
}

func TestProgressWriter_CreepAdvancesWithoutDuration(t *testing.T) {
	h := newHarness(t)
	item := h.newItem(t, models.StageTranscribing, "https://www.youtube.com/watch?v=dQw4w9WgXcQ")
	ctx := context.Background()

	w := newProgressWriter(h.items, item.ID, models.ProgressASRStarted, 30*time.Second, testLogger())
	base := time.Now()
	w.last = base
	w.now = func() time.Time { return base.Add(31 * time.Second) }

	w.creep(ctx, models.ProgressASRDone)
	assert.InDelta(t, models.ProgressASRStarted+0.5, h.reload(t, item.ID).Progress, 0.001)

	// The ceiling caps the creep.
	w.current = models.ProgressASRDone
	w.now = func() time.Time { return base.Add(62 * time.Second) }
	w.creep(ctx, models.ProgressASRDone)
	assert.InDelta(t, models.ProgressASRDone, h.reload(t, item.ID).Progress, 0.001)
}

func TestProgressUpdateInterval(t *testing.T) {
	assert.Equal(t, 30*time.Second, progressUpdateInterval(0))
	assert.Equal(t, 30*time.Second, progressUpdateInterval(3600))
	assert.Equal(t, 10*time.Second, progressUpdateInterval(3601))
}

func TestASRBandProgress(t *testing.T) {
	tests := []struct {
		name       string
		duration   float64
		endSeconds float64
		want       float64
	}{
		{"start", 100, 0, 60},
		{"halfway", 100, 50, 75},
		{"done", 100, 100, 90},
		{"overshoot clamps", 100, 130, 90},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, asrBandProgress(tt.duration, tt.endSeconds), 0.001)
		})
	}
}

func TestItemKey(t *testing.T) {
	assert.Equal(t, "dQw4w9WgXcQ", itemKey(&models.Item{SourceVideoID: "dQw4w9WgXcQ"}))
	assert.Equal(t, "abc", itemKey(&models.Item{MediaPath: "abc.webm"}))
	assert.Equal(t, "", itemKey(&models.Item{}))
}
