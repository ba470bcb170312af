// Package asr turns speech audio into text. The Engine interface hides the
// concrete recognizer; the package ships a whisper.cpp subprocess engine and
// a helper that stitches per-chunk results back into one timeline.
package asr

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/scribarr/scribarr/internal/audio"
)

// Segment is a recognized span of speech with timestamps in seconds.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Result is the output of a transcription run.
type Result struct {
	Text                string    `json:"text"`
	Language            string    `json:"language"`
	LanguageProbability float64   `json:"language_probability"`
	Segments            []Segment `json:"segments"`
}

// ProgressFunc receives the end timestamp, in seconds, of each segment as it
// is recognized. For chunked runs the timestamp is global, relative to the
// start of the original audio.
type ProgressFunc func(endSeconds float64)

// Engine transcribes a single WAV file. language selects the spoken language
// ("" lets the engine detect it); progress may be nil.
type Engine interface {
	Transcribe(ctx context.Context, wavPath string, language string, progress ProgressFunc) (*Result, error)
}

// TranscribeChunks runs the engine over each speech chunk and merges the
// results into a single Result with timestamps mapped back onto the original
// audio. The detected language and its probability come from the first chunk.
func TranscribeChunks(ctx context.Context, engine Engine, chunks []audio.Chunk, metas []audio.ChunkMeta, sampleRate int, language string, progress ProgressFunc) (*Result, error) {
	if len(chunks) != len(metas) {
		return nil, fmt.Errorf("chunk count %d does not match metadata count %d", len(chunks), len(metas))
	}
	if len(chunks) == 0 {
		return &Result{Language: languageOrUnknown(language)}, nil
	}

	tmpDir, err := os.MkdirTemp("", "scribarr-asr-*")
	if err != nil {
		return nil, fmt.Errorf("creating chunk workspace: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	var (
		parts       []string
		segments    []Segment
		detected    string
		probability float64
	)
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		meta := metas[i]
		wavPath := filepath.Join(tmpDir, fmt.Sprintf("chunk-%04d.wav", i))
		if err := audio.WriteWAVFile(wavPath, chunk, sampleRate); err != nil {
			return nil, fmt.Errorf("writing chunk %d: %w", i, err)
		}

		var chunkProgress ProgressFunc
		if progress != nil {
			offset := meta.Offset
			chunkProgress = func(end float64) { progress(offset + end) }
		}
		res, err := engine.Transcribe(ctx, wavPath, language, chunkProgress)
		if err != nil {
			return nil, fmt.Errorf("transcribing chunk %d: %w", i, err)
		}
		os.Remove(wavPath)

		if i == 0 {
			detected = res.Language
			probability = res.LanguageProbability
		}
		for _, seg := range res.Segments {
			text := strings.TrimSpace(seg.Text)
			if text == "" {
				continue
			}
			segments = append(segments, Segment{
				Start: meta.Offset + seg.Start,
				End:   meta.Offset + seg.End,
				Text:  text,
			})
			parts = append(parts, text)
		}
	}

	if detected == "" {
		detected = languageOrUnknown(language)
	}
	return &Result{
		Text:                strings.TrimSpace(strings.Join(parts, " ")),
		Language:            detected,
		LanguageProbability: probability,
		Segments:            segments,
	}, nil
}

func languageOrUnknown(language string) string {
	if language == "" {
		return "unknown"
	}
	return language
}
