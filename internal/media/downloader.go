// Package media wraps the external tools the pipeline shells out to:
// yt-dlp for downloads, ffmpeg for audio extraction and thumbnails,
// ffprobe for duration probes.
package media

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/scribarr/scribarr/internal/config"
	"github.com/scribarr/scribarr/internal/storage"
	"github.com/scribarr/scribarr/internal/util"
)

const (
	// preferredFormat favors mp4/m4a so the media plays everywhere
	// without remuxing.
	preferredFormat = "bestvideo[ext=mp4]+bestaudio[ext=m4a]/best[ext=mp4]/best"
	// fallbackFormat is the looser selector used when the preferred one
	// matches nothing. mkv muxes whatever codec combination comes back.
	fallbackFormat = "bestvideo+bestaudio/best"

	preCheckTimeout = 90 * time.Second
)

// progressPattern matches yt-dlp --newline progress lines like
// "[download]  42.3% of 120.53MiB at 2.33MiB/s ETA 00:32".
var progressPattern = regexp.MustCompile(`^\[download\]\s+([\d.]+)%`)

// ProgressFunc receives the native download percentage in [0,100].
type ProgressFunc func(percent float64)

// Metadata is what a finished download yields. FilePath is relative to
// the store's video directory.
type Metadata struct {
	ID              string
	Title           string
	DurationSeconds int
	FilePath        string
	ThumbnailURL    string
	Description     string
	UploadDate      *time.Time
	ChannelID       string
	Channel         string
	UploaderID      string
	Uploader        string
	ViewCount       int64
	LikeCount       int64
}

// Downloader shells out to yt-dlp. One instance is shared by all
// download workers; the binary is located once at construction.
type Downloader struct {
	binary string
	cfg    config.DownloaderConfig
	store  *storage.Store
	logger *slog.Logger
}

// NewDownloader locates yt-dlp and returns a Downloader.
func NewDownloader(cfg config.DownloaderConfig, store *storage.Store, logger *slog.Logger) (*Downloader, error) {
	binary := cfg.Binary
	if binary == "" {
		found, err := util.FindBinary("yt-dlp", "SCRIBARR_YTDLP_BINARY")
		if err != nil {
			return nil, fmt.Errorf("locating yt-dlp: %w", err)
		}
		binary = found
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Downloader{
		binary: binary,
		cfg:    cfg,
		store:  store,
		logger: logger.With(slog.String("component", "downloader")),
	}, nil
}

// Download fetches the video behind url into the store and returns its
// metadata. Classified failures come back as *DownloadError. progress
// may be nil.
func (d *Downloader) Download(ctx context.Context, url string, progress ProgressFunc) (*Metadata, error) {
	if live, err := d.isLiveStream(ctx, url); err == nil && live {
		return nil, &DownloadError{
			Kind:    KindLiveStream,
			Message: "live stream detected; add the video after the stream has ended",
		}
	}

	maxAttempts := d.cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	baseBackoff := d.cfg.RetryBackoff
	if baseBackoff <= 0 {
		baseBackoff = 2 * time.Second
	}

	format := preferredFormat
	formatFallbackUsed := false
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		meta, err := d.runDownload(ctx, url, format, progress)
		if err == nil {
			return meta, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		derr := AsDownloadError(err)
		switch derr.Kind {
		case KindBlocked, KindMembershipOnly:
			return nil, derr
		case KindFormatUnavailable:
			// One local retry with the looser selector, independent of
			// the attempt budget.
			if !formatFallbackUsed {
				formatFallbackUsed = true
				format = fallbackFormat
				d.logger.Warn("requested format unavailable, retrying with fallback selector",
					slog.String("url", url))
				attempt--
				continue
			}
			return nil, derr
		case KindRetryable:
			if attempt < maxAttempts {
				sleep := baseBackoff * time.Duration(1<<(attempt-1))
				d.logger.Warn("download attempt failed, retrying",
					slog.Int("attempt", attempt),
					slog.Int("max_attempts", maxAttempts),
					slog.Duration("backoff", sleep),
					slog.String("error", derr.Message))
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(sleep):
				}
				continue
			}
		}
		return nil, derr
	}

	return nil, AsDownloadError(lastErr)
}

// isLiveStream pre-checks the URL without downloading. Pre-check
// failures are ignored so a flaky metadata fetch never blocks a
// downloadable video; the real download will surface any hard error.
func (d *Downloader) isLiveStream(ctx context.Context, url string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, preCheckTimeout)
	defer cancel()

	args := append(d.commonArgs(), "--dump-single-json", "--no-warnings", "--quiet", url)
	cmd := exec.CommandContext(ctx, d.binary, args...)
	output, err := cmd.Output()
	if err != nil {
		d.logger.Debug("live stream pre-check skipped", slog.String("error", err.Error()))
		return false, err
	}

	var info struct {
		LiveStatus string `json:"live_status"`
	}
	if err := json.Unmarshal(output, &info); err != nil {
		return false, err
	}
	return info.LiveStatus == "is_live", nil
}

// runDownload executes one yt-dlp invocation and parses its output.
func (d *Downloader) runDownload(ctx context.Context, url, format string, progress ProgressFunc) (*Metadata, error) {
	args := append(d.commonArgs(),
		"-f", format,
		"-o", d.store.Dir()+"/%(id)s.%(ext)s",
		"--print-json",
		"--newline",
		"--retries", "0",
		"--fragment-retries", "0",
	)
	if format == fallbackFormat {
		args = append(args, "--merge-output-format", "mkv")
	}
	args = append(args, url)

	cmd := exec.CommandContext(ctx, d.binary, args...)

	// yt-dlp can emit megabytes of fragment warnings; only the tail
	// matters for classification.
	var stderr util.TailBuffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting yt-dlp: %w", err)
	}

	var infoLine []byte
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if pct, ok := parseProgressLine(string(line)); ok {
			if progress != nil {
				progress(pct)
			}
			continue
		}
		if len(line) > 0 && line[0] == '{' {
			infoLine = append([]byte(nil), line...)
		}
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, &DownloadError{Kind: ClassifyDownloadError(msg), Message: msg}
	}

	if infoLine == nil {
		return nil, &DownloadError{Kind: KindOther, Message: "yt-dlp produced no metadata"}
	}

	meta, err := parseInfoJSON(infoLine)
	if err != nil {
		return nil, &DownloadError{Kind: KindOther, Message: fmt.Sprintf("parsing yt-dlp metadata: %v", err)}
	}

	if err := d.locateFile(meta); err != nil {
		return nil, &DownloadError{Kind: KindOther, Message: err.Error()}
	}
	return meta, nil
}

// commonArgs are shared by the download and the pre-check. The extractor
// client list and browser headers keep the source from throttling us as
// an unknown client.
func (d *Downloader) commonArgs() []string {
	args := []string{
		"--extractor-args", "youtube:player_client=android,ios,web",
		"--add-header", "Accept-Language:en-us,en;q=0.5",
	}
	if d.cfg.UserAgent != "" {
		args = append(args, "--user-agent", d.cfg.UserAgent)
	}
	if d.cfg.Referer != "" {
		args = append(args, "--referer", d.cfg.Referer)
	}
	if d.cfg.CookiesFile != "" {
		args = append(args, "--cookies", d.cfg.CookiesFile)
	}
	return args
}

// locateFile fills in meta.FilePath, looking first at the expected name
// and then at any container for the same id.
func (d *Downloader) locateFile(meta *Metadata) error {
	if meta.ID == "" {
		return fmt.Errorf("yt-dlp metadata has no video id")
	}
	if meta.FilePath != "" {
		if ok, _ := d.store.Exists(meta.FilePath); ok {
			return nil
		}
	}
	if rel := d.store.FindMedia(meta.ID); rel != "" {
		meta.FilePath = rel
		return nil
	}
	return fmt.Errorf("downloaded file not found for video %s", meta.ID)
}

// parseProgressLine extracts the percentage from a yt-dlp progress line.
func parseProgressLine(line string) (float64, bool) {
	m := progressPattern.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	pct, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return pct, true
}

// infoJSON is the subset of yt-dlp's info dict the pipeline persists.
type infoJSON struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Duration    float64 `json:"duration"`
	Ext         string  `json:"ext"`
	Thumbnail   string  `json:"thumbnail"`
	Description string  `json:"description"`
	UploadDate  string  `json:"upload_date"`
	ReleaseDate string  `json:"release_date"`
	ChannelID   string  `json:"channel_id"`
	Channel     string  `json:"channel"`
	UploaderID  string  `json:"uploader_id"`
	Uploader    string  `json:"uploader"`
	ViewCount   int64   `json:"view_count"`
	LikeCount   int64   `json:"like_count"`
}

func parseInfoJSON(data []byte) (*Metadata, error) {
	var info infoJSON
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}

	meta := &Metadata{
		ID:              info.ID,
		Title:           info.Title,
		DurationSeconds: int(info.Duration),
		ThumbnailURL:    info.Thumbnail,
		Description:     info.Description,
		ChannelID:       info.ChannelID,
		Channel:         info.Channel,
		UploaderID:      info.UploaderID,
		Uploader:        info.Uploader,
		ViewCount:       info.ViewCount,
		LikeCount:       info.LikeCount,
	}
	if meta.Title == "" {
		meta.Title = "Unknown"
	}
	if meta.Channel == "" {
		meta.Channel = info.Uploader
	}
	if info.Ext != "" && info.ID != "" {
		meta.FilePath = info.ID + "." + info.Ext
	}
	if ts := parseUploadDate(info.UploadDate); ts != nil {
		meta.UploadDate = ts
	} else if ts := parseUploadDate(info.ReleaseDate); ts != nil {
		meta.UploadDate = ts
	}
	return meta, nil
}

// parseUploadDate parses yt-dlp's YYYYMMDD date strings.
func parseUploadDate(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse("20060102", s)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}
