package audio

import (
	"fmt"
	"log/slog"

	"github.com/scribarr/scribarr/internal/config"
)

// Chunk is float32 mono samples at the target sample rate.
type Chunk []float32

// ChunkMeta locates a chunk within the original audio, in seconds.
type ChunkMeta struct {
	Offset   float64 `json:"offset"`
	Duration float64 `json:"duration"`
}

// Pipeline prepares WAV audio for transcription.
type Pipeline struct {
	cfg    config.AudioConfig
	logger *slog.Logger
}

// NewPipeline returns a Pipeline configured for the target sample rate
// and VAD parameters.
func NewPipeline(cfg config.AudioConfig, logger *slog.Logger) *Pipeline {
	if cfg.TargetSampleRate <= 0 {
		cfg.TargetSampleRate = 16000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "audio_pipeline")),
	}
}

// Run loads a WAV file and returns the detected speech chunks with their
// offsets. No detected speech yields empty slices and no error.
func (p *Pipeline) Run(wavPath string) ([]Chunk, []ChunkMeta, error) {
	samples, rate, err := DecodeWAVFile(wavPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading audio: %w", err)
	}
	if len(samples) == 0 {
		p.logger.Warn("empty audio file", slog.String("path", wavPath))
		return nil, nil, nil
	}

	samples = Resample(samples, rate, p.cfg.TargetSampleRate)
	samples = p.denoise(samples)

	regions := detectSpeech(samples, p.cfg.TargetSampleRate, vadOptions{
		Threshold:    p.cfg.VADThreshold,
		MinSilenceMs: p.cfg.VADMinSilenceMs,
		SpeechPadMs:  p.cfg.VADSpeechPadMs,
	})
	if len(regions) == 0 {
		p.logger.Info("no speech detected", slog.String("path", wavPath))
		return nil, nil, nil
	}

	chunks, metas := collectChunks(samples, regions, p.cfg.TargetSampleRate, p.cfg.VADMaxSpeechDurationS)
	p.logger.Debug("audio pipeline complete",
		slog.String("path", wavPath),
		slog.Int("regions", len(regions)),
		slog.Int("chunks", len(chunks)))
	return chunks, metas, nil
}

// Resample converts samples from one rate to another by linear
// interpolation. Same-rate input is returned unchanged.
func Resample(samples []float32, fromRate, toRate int) []float32 {
	if fromRate == toRate || fromRate <= 0 || toRate <= 0 || len(samples) == 0 {
		return samples
	}

	outLen := int(int64(len(samples)) * int64(toRate) / int64(fromRate))
	if outLen < 1 {
		outLen = 1
	}
	out := make([]float32, outLen)
	ratio := float64(fromRate) / float64(toRate)
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= len(samples)-1 {
			out[i] = samples[len(samples)-1]
			continue
		}
		frac := float32(pos - float64(idx))
		out[i] = samples[idx]*(1-frac) + samples[idx+1]*frac
	}
	return out
}

// denoise applies the configured noise reduction. Only the basic backend
// exists: DC offset removal followed by a light pre-emphasis filter.
// Unknown backends are logged and skipped rather than failing the item.
func (p *Pipeline) denoise(samples []float32) []float32 {
	if !p.cfg.EnableDenoise {
		return samples
	}
	if p.cfg.DenoiseBackend != "" && p.cfg.DenoiseBackend != "basic" {
		p.logger.Warn("unknown denoise backend, skipping",
			slog.String("backend", p.cfg.DenoiseBackend))
		return samples
	}
	return basicDenoise(samples)
}

// basicDenoise removes the DC offset and applies pre-emphasis
// (y[n] = x[n] - 0.97*x[n-1]), which flattens low-frequency rumble.
func basicDenoise(samples []float32) []float32 {
	if len(samples) == 0 {
		return samples
	}

	var mean float64
	for _, s := range samples {
		mean += float64(s)
	}
	mean /= float64(len(samples))

	out := make([]float32, len(samples))
	prev := float32(0)
	for i, s := range samples {
		centered := s - float32(mean)
		out[i] = centered - 0.97*prev
		prev = centered
	}
	return out
}
