package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Asrd daemon defaults.
const (
	defaultAsrdListen        = ":8090"
	defaultAsrdMaxConcurrent = 2
	defaultAsrdMaxUpload     = 512 * 1024 * 1024 // 512MB
	defaultAsrdPollBump      = 0.05
)

// AsrdConfig holds configuration for the scribarr-asrd transcription runner
// daemon. The daemon is typically deployed on a separate GPU host and is
// configured independently of the orchestrator.
type AsrdConfig struct {
	// Listen is the host:port the daemon HTTP server binds to.
	Listen string `mapstructure:"listen"`
	// MaxConcurrent bounds the worker pool; one transcription runs per slot.
	MaxConcurrent int `mapstructure:"max_concurrent"`
	// GPUIDs are the device ids served round-robin. Empty means CPU only.
	GPUIDs []int `mapstructure:"gpu_ids"`
	// IdleRelease drops the ASR model reference when a device's in-flight
	// count reaches zero, reclaiming VRAM at the cost of a cold start.
	IdleRelease bool `mapstructure:"idle_release"`
	// MaxUpload bounds the accepted multipart WAV size.
	MaxUpload ByteSize `mapstructure:"max_upload"`
	// ProgressBump approximates job progress when the audio duration is
	// unknown: each recognized segment adds this fraction, capped at 0.99.
	ProgressBump float64 `mapstructure:"progress_bump"`

	ASR     ASRConfig     `mapstructure:"asr"`
	Audio   AudioConfig   `mapstructure:"audio"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// LoadAsrd reads the daemon configuration from an optional file and
// SCRIBARR_ASRD_-prefixed environment variables.
// Example: SCRIBARR_ASRD_MAX_CONCURRENT=4.
func LoadAsrd(configPath string) (*AsrdConfig, error) {
	v := viper.New()

	SetAsrdDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("asrd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/scribarr")
	}

	v.SetEnvPrefix("SCRIBARR_ASRD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading asrd config file: %w", err)
		}
	}

	var cfg AsrdConfig
	if err := v.Unmarshal(&cfg, viper.DecodeHook(DecodeHooks())); err != nil {
		return nil, fmt.Errorf("unmarshaling asrd config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating asrd config: %w", err)
	}

	return &cfg, nil
}

// SetAsrdDefaults configures default values for the daemon.
func SetAsrdDefaults(v *viper.Viper) {
	v.SetDefault("listen", defaultAsrdListen)
	v.SetDefault("max_concurrent", defaultAsrdMaxConcurrent)
	v.SetDefault("gpu_ids", []int{})
	v.SetDefault("idle_release", true)
	v.SetDefault("max_upload", defaultAsrdMaxUpload)
	v.SetDefault("progress_bump", defaultAsrdPollBump)

	v.SetDefault("asr.binary", "whisper-cli")
	v.SetDefault("asr.model", "small")
	v.SetDefault("asr.model_dir", "")
	v.SetDefault("asr.acceleration", "cpu")

	v.SetDefault("audio.target_sample_rate", defaultTargetSampleRate)
	v.SetDefault("audio.enable_denoise", false)
	v.SetDefault("audio.denoise_backend", "basic")
	v.SetDefault("audio.vad_threshold", defaultVADThreshold)
	v.SetDefault("audio.vad_min_silence_duration_ms", defaultVADMinSilenceMs)
	v.SetDefault("audio.vad_speech_pad_ms", defaultVADSpeechPadMs)
	v.SetDefault("audio.vad_max_speech_duration_s", defaultVADMaxSpeechSeconds)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.time_format", time.RFC3339)
}

// Validate checks the daemon configuration for errors.
func (c *AsrdConfig) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen is required")
	}
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1")
	}
	if c.MaxUpload < 1 {
		return fmt.Errorf("max_upload must be positive")
	}
	if c.ProgressBump <= 0 || c.ProgressBump > 1 {
		return fmt.Errorf("progress_bump must be in (0, 1]")
	}
	validAccel := map[string]bool{"cpu": true, "cuda": true, "mlx": true}
	if !validAccel[c.ASR.Acceleration] {
		return fmt.Errorf("asr.acceleration must be one of: cpu, cuda, mlx")
	}
	if len(c.GPUIDs) > 0 && c.ASR.Acceleration == "cpu" {
		return fmt.Errorf("gpu_ids requires asr.acceleration cuda or mlx")
	}
	return nil
}
