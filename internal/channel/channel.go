// Package channel resolves channel URLs and lists their newest uploads
// through yt-dlp's flat playlist mode, without downloading anything.
package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"

	"github.com/scribarr/scribarr/internal/config"
	"github.com/scribarr/scribarr/internal/util"
)

// defaultMaxItems bounds a listing when the caller passes no limit.
const defaultMaxItems = 20

// Info identifies a resolved channel.
type Info struct {
	ID    string
	Title string
}

// Service shells out to yt-dlp for channel metadata.
type Service struct {
	binary string
	logger *slog.Logger
}

// NewService locates yt-dlp and returns a Service. The binary override and
// lookup mirror the downloader's.
func NewService(cfg config.DownloaderConfig, logger *slog.Logger) (*Service, error) {
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
	return &Service{
		binary: binary,
		logger: logger.With(slog.String("component", "channel")),
	}, nil
}

// Resolve maps any channel URL form (/channel/UC..., /@handle, /c/custom)
// to the channel id and title. The lookup goes through the channel's
// /videos tab so homepage-featured members-only content cannot skew the
// metadata.
func (s *Service) Resolve(ctx context.Context, channelURL string) (*Info, error) {
	url := strings.TrimSpace(channelURL)
	if url == "" {
		return nil, fmt.Errorf("empty channel url")
	}
	url = videosTabURL(url)

	args := []string{
		"--dump-single-json",
		"--flat-playlist",
		"--playlist-items", "0",
		"--no-warnings",
		"--quiet",
		"--socket-timeout", "60",
		url,
	}
	output, err := s.run(ctx, args)
	if err != nil {
		return nil, fmt.Errorf("resolving channel %s: %w", url, err)
	}
	return parseChannelInfo(output)
}

// LatestVideoURLs returns up to maxItems watch URLs for the channel's
// newest uploads, in upload order, deduplicated.
func (s *Service) LatestVideoURLs(ctx context.Context, channelURL string, maxItems int) ([]string, error) {
	url := strings.TrimSpace(channelURL)
	if url == "" {
		return nil, fmt.Errorf("empty channel url")
	}
	url = videosTabURL(url)
	if maxItems <= 0 {
		maxItems = defaultMaxItems
	}

	args := []string{
		"--flat-playlist",
		"--print", "url",
		"--playlist-end", strconv.Itoa(maxItems),
		"--no-warnings",
		"--quiet",
		"--socket-timeout", "60",
		url,
	}
	output, err := s.run(ctx, args)
	if err != nil {
		return nil, fmt.Errorf("listing channel %s: %w", url, err)
	}
	return parseURLList(string(output)), nil
}

func (s *Service) run(ctx context.Context, args []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, s.binary, args...)
	var stdout bytes.Buffer
	var stderr util.TailBuffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("yt-dlp: %s", util.LastLine(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// videosTabURL points a bare channel URL at its uploads tab. URLs already
// naming a tab are left alone.
func videosTabURL(url string) string {
	if strings.Contains(url, "/videos") ||
		strings.Contains(url, "/streams") ||
		strings.Contains(url, "/shorts") {
		return url
	}
	return strings.TrimRight(url, "/") + "/videos"
}

func parseChannelInfo(data []byte) (*Info, error) {
	var info struct {
		ChannelID string `json:"channel_id"`
		ID        string `json:"id"`
		Channel   string `json:"channel"`
		Uploader  string `json:"uploader"`
		Title     string `json:"title"`
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("parsing channel metadata: %w", err)
	}

	id := info.ChannelID
	if id == "" {
		id = info.ID
	}
	if id == "" {
		return nil, fmt.Errorf("channel metadata has no id")
	}

	title := info.Channel
	if title == "" {
		title = info.Uploader
	}
	if title == "" {
		title = info.Title
	}
	return &Info{ID: id, Title: title}, nil
}

// parseURLList turns --print url output into deduplicated watch URLs.
// Flat entries occasionally print a bare video id; those are expanded to
// full watch URLs.
func parseURLList(output string) []string {
	var urls []string
	seen := make(map[string]bool)
	for _, line := range strings.Split(output, "\n") {
		u := watchURL(line)
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		urls = append(urls, u)
	}
	return urls
}

func watchURL(line string) string {
	line = strings.TrimSpace(line)
	if line == "" || line == "NA" {
		return ""
	}
	if strings.Contains(line, "://") {
		return line
	}
	return "https://www.youtube.com/watch?v=" + line
}
