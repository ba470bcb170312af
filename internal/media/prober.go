package media

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"time"

	"github.com/scribarr/scribarr/internal/config"
	"github.com/scribarr/scribarr/internal/util"
)

// ProbeResult contains the ffprobe output the pipeline cares about.
type ProbeResult struct {
	Format ProbeFormat `json:"format"`
}

// ProbeFormat contains container format information.
type ProbeFormat struct {
	Filename   string `json:"filename"`
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
	BitRate    string `json:"bit_rate"`
}

// DurationSeconds returns the container duration, 0 when unknown.
func (r *ProbeResult) DurationSeconds() float64 {
	if r.Format.Duration == "" {
		return 0
	}
	d, err := strconv.ParseFloat(r.Format.Duration, 64)
	if err != nil {
		return 0
	}
	return d
}

// Prober handles ffprobe operations. The supervisor probes WAV files to
// size transcription timeouts; the pipeline probes them for progress
// remapping.
type Prober struct {
	ffprobePath string
	timeout     time.Duration
}

// NewProber creates a prober with a 30 second default timeout.
func NewProber(ffprobePath string) *Prober {
	return &Prober{
		ffprobePath: ffprobePath,
		timeout:     30 * time.Second,
	}
}

// WithTimeout sets the probe timeout.
func (p *Prober) WithTimeout(timeout time.Duration) *Prober {
	p.timeout = timeout
	return p
}

// Probe runs ffprobe against a local file.
func (p *Prober) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	args := []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		path,
	}

	cmd := exec.CommandContext(ctx, p.ffprobePath, args...)
	output, err := cmd.Output()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("probe timeout after %v", p.timeout)
		}
		return nil, fmt.Errorf("ffprobe failed: %w", err)
	}

	var result ProbeResult
	if err := json.Unmarshal(output, &result); err != nil {
		return nil, fmt.Errorf("parsing ffprobe output: %w", err)
	}
	return &result, nil
}

// Duration probes a file and returns its duration in seconds, 0 when the
// file cannot be probed.
func (p *Prober) Duration(ctx context.Context, path string) (float64, error) {
	result, err := p.Probe(ctx, path)
	if err != nil {
		return 0, err
	}
	return result.DurationSeconds(), nil
}

// ResolveFFmpeg locates the ffmpeg binary, honoring the configured
// override.
func ResolveFFmpeg(cfg config.FFmpegConfig) (string, error) {
	if cfg.BinaryPath != "" {
		return cfg.BinaryPath, nil
	}
	path, err := util.FindBinary("ffmpeg", "SCRIBARR_FFMPEG_BINARY")
	if err != nil {
		return "", fmt.Errorf("locating ffmpeg: %w", err)
	}
	return path, nil
}

// ResolveFFprobe locates the ffprobe binary, honoring the configured
// override.
func ResolveFFprobe(cfg config.FFmpegConfig) (string, error) {
	if cfg.ProbePath != "" {
		return cfg.ProbePath, nil
	}
	path, err := util.FindBinary("ffprobe", "SCRIBARR_FFPROBE_BINARY")
	if err != nil {
		return "", fmt.Errorf("locating ffprobe: %w", err)
	}
	return path, nil
}
