package media

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"

	"github.com/scribarr/scribarr/internal/util"
)

// Converter extracts mono PCM WAV audio from downloaded media with
// ffmpeg. The output is what the speech pipeline consumes.
type Converter struct {
	ffmpegPath string
	sampleRate int
	logger     *slog.Logger
}

// NewConverter returns a Converter using the given ffmpeg binary and
// output sample rate.
func NewConverter(ffmpegPath string, sampleRate int, logger *slog.Logger) *Converter {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Converter{
		ffmpegPath: ffmpegPath,
		sampleRate: sampleRate,
		logger:     logger.With(slog.String("component", "converter")),
	}
}

// ExtractWAV converts videoPath to a mono 16-bit PCM WAV at wavPath.
// Both paths are absolute.
func (c *Converter) ExtractWAV(ctx context.Context, videoPath, wavPath string) error {
	if _, err := os.Stat(videoPath); err != nil {
		return fmt.Errorf("media file not found: %w", err)
	}

	args := []string{
		"-i", videoPath,
		"-vn",
		"-acodec", "pcm_s16le",
		"-ar", strconv.Itoa(c.sampleRate),
		"-ac", "1",
		"-y",
		wavPath,
	}

	cmd := exec.CommandContext(ctx, c.ffmpegPath, args...)
	var stderr util.TailBuffer
	cmd.Stderr = &stderr

	c.logger.Debug("extracting audio",
		slog.String("video", videoPath),
		slog.String("wav", wavPath))

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("ffmpeg audio extraction failed: %s", util.LastLine(stderr.String()))
	}

	if _, err := os.Stat(wavPath); err != nil {
		return fmt.Errorf("audio extraction produced no output: %w", err)
	}
	return nil
}
