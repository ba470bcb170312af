package asr

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scribarr/scribarr/internal/audio"
)

// stubEngine returns canned results in order and replays each segment end
// through the progress callback, like the real engine does.
type stubEngine struct {
	results []*Result
	errs    []error

	calls     int
	languages []string
}

func (s *stubEngine) Transcribe(_ context.Context, _ string, language string, progress ProgressFunc) (*Result, error) {
	i := s.calls
	s.calls++
	s.languages = append(s.languages, language)
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	res := s.results[i]
	if progress != nil {
		for _, seg := range res.Segments {
			progress(seg.End)
		}
	}
	return res, nil
}

func testChunks(n int) ([]audio.Chunk, []audio.ChunkMeta) {
	chunks := make([]audio.Chunk, n)
	metas := make([]audio.ChunkMeta, n)
	for i := range chunks {
		chunks[i] = make(audio.Chunk, 1600)
		metas[i] = audio.ChunkMeta{Offset: float64(i) * 30, Duration: 0.1}
	}
	return chunks, metas
}

func TestTranscribeChunks_MergesTimeline(t *testing.T) {
	engine := &stubEngine{
		results: []*Result{
			{
				Language:            "en",
				LanguageProbability: 0.95,
				Segments: []Segment{
					{Start: 0.0, End: 1.5, Text: " hello there "},
					{Start: 1.6, End: 2.2, Text: ""},
				},
			},
			{
				Language:            "zh",
				LanguageProbability: 0.4,
				Segments: []Segment{
					{Start: 0.2, End: 0.9, Text: "general kenobi"},
				},
			},
		},
	}
	chunks, metas := testChunks(2)
	metas[1].Offset = 30.5

	var seen []float64
	res, err := TranscribeChunks(context.Background(), engine, chunks, metas, 16000, "", func(end float64) {
		seen = append(seen, end)
	})
	require.NoError(t, err)

	assert.Equal(t, "hello there general kenobi", res.Text)
	assert.Equal(t, "en", res.Language, "language comes from the first chunk")
	assert.InDelta(t, 0.95, res.LanguageProbability, 0.0001)

	require.Len(t, res.Segments, 2, "blank segments are dropped")
	assert.InDelta(t, 0.0, res.Segments[0].Start, 0.0001)
	assert.InDelta(t, 1.5, res.Segments[0].End, 0.0001)
	assert.InDelta(t, 30.7, res.Segments[1].Start, 0.0001)
	assert.InDelta(t, 31.4, res.Segments[1].End, 0.0001)
	assert.Equal(t, "general kenobi", res.Segments[1].Text)

	require.Len(t, seen, 3)
	assert.InDelta(t, 1.5, seen[0], 0.0001)
	assert.InDelta(t, 2.2, seen[1], 0.0001)
	assert.InDelta(t, 31.4, seen[2], 0.0001, "progress timestamps are global")
}

func TestTranscribeChunks_Empty(t *testing.T) {
	res, err := TranscribeChunks(context.Background(), &stubEngine{}, nil, nil, 16000, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "unknown", res.Language)
	assert.Empty(t, res.Text)
	assert.Empty(t, res.Segments)

	res, err = TranscribeChunks(context.Background(), &stubEngine{}, nil, nil, 16000, "en", nil)
	require.NoError(t, err)
	assert.Equal(t, "en", res.Language, "requested language survives an empty run")
}

func TestTranscribeChunks_LengthMismatch(t *testing.T) {
	chunks, _ := testChunks(2)
	_, err := TranscribeChunks(context.Background(), &stubEngine{}, chunks, nil, 16000, "", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match")
}

func TestTranscribeChunks_ChunkErrorPropagates(t *testing.T) {
	engine := &stubEngine{
		results: []*Result{
			{Language: "en", Segments: []Segment{{Start: 0, End: 1, Text: "ok"}}},
			nil,
		},
		errs: []error{nil, errors.New("model exploded")},
	}
	chunks, metas := testChunks(2)

	_, err := TranscribeChunks(context.Background(), engine, chunks, metas, 16000, "", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chunk 1")
	assert.Contains(t, err.Error(), "model exploded")
}

func TestTranscribeChunks_PassesRequestedLanguage(t *testing.T) {
	engine := &stubEngine{
		results: []*Result{
			{Language: "ja", Segments: nil},
			{Language: "ja", Segments: nil},
		},
	}
	chunks, metas := testChunks(2)

	res, err := TranscribeChunks(context.Background(), engine, chunks, metas, 16000, "ja", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"ja", "ja"}, engine.languages, "every chunk gets the requested language")
	assert.Equal(t, "ja", res.Language)
	assert.Empty(t, res.Text)
}

func TestTranscribeChunks_LanguageFallback(t *testing.T) {
	engine := &stubEngine{results: []*Result{{Language: ""}}}
	chunks, metas := testChunks(1)

	res, err := TranscribeChunks(context.Background(), engine, chunks, metas, 16000, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "unknown", res.Language)
}

func TestTranscribeChunks_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	chunks, metas := testChunks(1)

	_, err := TranscribeChunks(ctx, &stubEngine{results: []*Result{{}}}, chunks, metas, 16000, "", nil)
	assert.ErrorIs(t, err, context.Canceled)
}
