package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // register webp decoding, the source's default thumbnail format

	_ "image/png" // remote thumbnails are occasionally png

	"github.com/scribarr/scribarr/internal/storage"
	"github.com/scribarr/scribarr/internal/urlutil"
	"github.com/scribarr/scribarr/internal/util"
	"github.com/scribarr/scribarr/pkg/httpclient"
)

const (
	thumbWidth  = 320
	thumbHeight = 180
	// thumbFrameOffset skips past the usual black intro frames.
	thumbFrameOffset = "5.0"
	thumbTimeout     = 30 * time.Second
	thumbJPEGQuality = 85
)

// Thumbnailer produces a small letterboxed JPEG for each item. The
// primary path extracts a frame from the downloaded media with ffmpeg;
// when that fails (audio-only files, exotic codecs) it falls back to
// fetching the source's own thumbnail and rescaling it.
type Thumbnailer struct {
	ffmpegPath string
	client     *httpclient.Client
	store      *storage.Store
	logger     *slog.Logger
}

// NewThumbnailer returns a Thumbnailer. client is used only for the
// remote fallback and may share the process-wide resilient client.
func NewThumbnailer(ffmpegPath string, client *httpclient.Client, store *storage.Store, logger *slog.Logger) *Thumbnailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Thumbnailer{
		ffmpegPath: ffmpegPath,
		client:     client,
		store:      store,
		logger:     logger.With(slog.String("component", "thumbnailer")),
	}
}

// Generate writes thumbnails/<key>.jpg and returns its store-relative
// path. videoPath is the absolute media path; remoteURL is the source's
// thumbnail URL and may be empty.
func (t *Thumbnailer) Generate(ctx context.Context, videoPath, key, remoteURL string) (string, error) {
	rel := t.store.ThumbnailFile(key)

	frameErr := t.extractFrame(ctx, videoPath, rel)
	if frameErr == nil {
		return rel, nil
	}
	t.logger.Warn("frame extraction failed",
		slog.String("key", key),
		slog.String("error", frameErr.Error()))

	if !urlutil.IsRemoteURL(remoteURL) {
		return "", frameErr
	}

	fetchErr := t.fetchRemote(ctx, remoteURL, rel)
	if fetchErr == nil {
		return rel, nil
	}
	return "", errors.Join(frameErr, fetchErr)
}

// extractFrame grabs one frame at a small offset, scaled to fit and
// padded to 16:9.
func (t *Thumbnailer) extractFrame(ctx context.Context, videoPath, rel string) error {
	if _, err := os.Stat(videoPath); err != nil {
		return fmt.Errorf("media file not found: %w", err)
	}

	outPath, err := t.store.Abs(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0750); err != nil {
		return fmt.Errorf("creating thumbnails directory: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, thumbTimeout)
	defer cancel()

	args := []string{
		"-ss", thumbFrameOffset,
		"-i", videoPath,
		"-vframes", "1",
		"-q:v", "2",
		"-vf", fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2",
			thumbWidth, thumbHeight, thumbWidth, thumbHeight),
		"-y",
		outPath,
	}

	cmd := exec.CommandContext(ctx, t.ffmpegPath, args...)
	var stderr util.TailBuffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("frame extraction timed out after %s", thumbTimeout)
		}
		return fmt.Errorf("ffmpeg frame extraction failed: %s", util.LastLine(stderr.String()))
	}

	if _, err := os.Stat(outPath); err != nil {
		return fmt.Errorf("frame extraction produced no output: %w", err)
	}
	return nil
}

// fetchRemote downloads the source thumbnail, rescales it into the
// standard letterboxed frame and writes it as JPEG.
func (t *Thumbnailer) fetchRemote(ctx context.Context, remoteURL, rel string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, remoteURL, nil)
	if err != nil {
		return fmt.Errorf("building thumbnail request: %w", err)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetching remote thumbnail: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetching remote thumbnail: status %d", resp.StatusCode)
	}

	src, _, err := image.Decode(resp.Body)
	if err != nil {
		return fmt.Errorf("decoding remote thumbnail: %w", err)
	}

	data, err := renderJPEG(src)
	if err != nil {
		return err
	}
	if err := t.store.AtomicWrite(rel, data); err != nil {
		return fmt.Errorf("writing thumbnail: %w", err)
	}
	return nil
}

// renderJPEG letterboxes src into the standard thumbnail frame and
// encodes it.
func renderJPEG(src image.Image) ([]byte, error) {
	dst := letterbox(src, thumbWidth, thumbHeight)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: thumbJPEGQuality}); err != nil {
		return nil, fmt.Errorf("encoding thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}

// letterbox scales src to fit width x height preserving aspect ratio,
// centered on a black background.
func letterbox(src image.Image, width, height int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(dst, dst.Bounds(), image.Black, image.Point{}, draw.Src)

	sb := src.Bounds()
	if sb.Dx() <= 0 || sb.Dy() <= 0 {
		return dst
	}

	scale := float64(width) / float64(sb.Dx())
	if s := float64(height) / float64(sb.Dy()); s < scale {
		scale = s
	}
	w := int(float64(sb.Dx()) * scale)
	h := int(float64(sb.Dy()) * scale)
	x := (width - w) / 2
	y := (height - h) / 2

	draw.ApproxBiLinear.Scale(dst, image.Rect(x, y, x+w, y+h), src, sb, draw.Over, nil)
	return dst
}
