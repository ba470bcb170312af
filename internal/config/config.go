// Package config provides configuration management for scribarr using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/scribarr/scribarr/pkg/duration"
)

// Default configuration values.
const (
	defaultServerPort      = 8080
	defaultServerTimeout   = 30 * time.Second
	defaultShutdownTimeout = 10 * time.Second

	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 10
	defaultConnMaxIdleTime = 30 * time.Minute

	defaultLLMTimeout          = 300 * time.Second
	defaultKeywordTimeout      = 120 * time.Second
	defaultFormatChunkChars    = 12000
	defaultSummaryInputChars   = 8000
	defaultKeywordInputChars   = 6000
	defaultTargetSampleRate    = 16000
	defaultVADThreshold        = 0.5
	defaultVADMinSilenceMs     = 2000
	defaultVADSpeechPadMs      = 400
	defaultVADMaxSpeechSeconds = 30

	defaultDownloadAttempts   = 1
	defaultDownloadBackoff    = 5 * time.Second
	defaultBlockedThreshold   = 3
	defaultBlockedPause       = time.Hour
	defaultTickInterval       = time.Second
	defaultTickErrorBackoff   = 5 * time.Second
	defaultSupervisorInterval = 5 * time.Minute
	defaultStuckBaseTimeout   = 30 * time.Minute
	defaultTranscribeSpeed    = 10.0
	defaultTranscribeBuffer   = time.Hour
	defaultTranscribeMin      = 2 * time.Hour
	defaultTranscribeMax      = 24 * time.Hour
	defaultUnknownDuration    = 6 * time.Hour

	defaultRunnerTimeout      = 2 * time.Hour
	defaultRunnerPollInterval = 30 * time.Second

	defaultSubCheckInterval   = 12 * time.Hour
	defaultSubMaxVideos       = 10
	defaultSubResolveInterval = 30 * time.Second
	defaultSubResolveTimeout  = 90 * time.Second
	defaultSubFetchTimeout    = 90 * time.Second
)

// defaultUserAgent mimics a desktop browser; the source throttles unknown clients.
const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Config holds all configuration for the orchestrator.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	FFmpeg       FFmpegConfig       `mapstructure:"ffmpeg"`
	LLM          LLMConfig          `mapstructure:"llm"`
	ASR          ASRConfig          `mapstructure:"asr"`
	Audio        AudioConfig        `mapstructure:"audio"`
	Downloader   DownloaderConfig   `mapstructure:"downloader"`
	Queue        QueueConfig        `mapstructure:"queue"`
	Supervisor   SupervisorConfig   `mapstructure:"supervisor"`
	Runner       RunnerConfig       `mapstructure:"runner"`
	Subscription SubscriptionConfig `mapstructure:"subscription"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn" masq:"secret"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
}

// StorageConfig holds media file storage configuration.
type StorageConfig struct {
	// VideoDir is the directory holding <video_id>.{mp4,webm,mkv,wav,txt,
	// _segments.json} plus a thumbnails/ subdirectory.
	VideoDir string `mapstructure:"video_dir"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// FFmpegConfig holds ffmpeg/ffprobe binary configuration.
type FFmpegConfig struct {
	BinaryPath string `mapstructure:"binary_path"` // empty = "ffmpeg" on PATH
	ProbePath  string `mapstructure:"probe_path"`  // empty = "ffprobe" on PATH
}

// LLMConfig holds text-generation backend configuration. Ollama is the
// default backend; when VLLMURL is set it takes precedence.
type LLMConfig struct {
	OllamaURL          string        `mapstructure:"ollama_url"`
	VLLMURL            string        `mapstructure:"vllm_url"`
	Model              string        `mapstructure:"model"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	KeywordTimeout     time.Duration `mapstructure:"keyword_timeout"`
	FormatChunkChars   int           `mapstructure:"format_chunk_chars"`
	SummaryInputChars  int           `mapstructure:"summary_input_chars"`
	KeywordInputChars  int           `mapstructure:"keyword_input_chars"`
}

// ASRConfig holds in-process speech recognition configuration.
type ASRConfig struct {
	Binary       string `mapstructure:"binary"`       // whisper CLI binary, empty = "whisper-cli"
	Model        string `mapstructure:"model"`        // model name or path
	ModelDir     string `mapstructure:"model_dir"`    // directory for model files
	Acceleration string `mapstructure:"acceleration"` // cpu, cuda, mlx
}

// AudioConfig holds audio pipeline configuration.
type AudioConfig struct {
	TargetSampleRate      int     `mapstructure:"target_sample_rate"`
	EnableDenoise         bool    `mapstructure:"enable_denoise"`
	DenoiseBackend        string  `mapstructure:"denoise_backend"`
	VADThreshold          float64 `mapstructure:"vad_threshold"`
	VADMinSilenceMs       int     `mapstructure:"vad_min_silence_duration_ms"`
	VADSpeechPadMs        int     `mapstructure:"vad_speech_pad_ms"`
	VADMaxSpeechDurationS float64 `mapstructure:"vad_max_speech_duration_s"`
}

// DownloaderConfig holds yt-dlp invocation and gate policy configuration.
type DownloaderConfig struct {
	Binary           string        `mapstructure:"binary"` // empty = "yt-dlp" on PATH
	MaxAttempts      int           `mapstructure:"max_attempts"`
	RetryBackoff     time.Duration `mapstructure:"retry_backoff"`
	MinInterval      time.Duration `mapstructure:"min_interval"` // 0 disables spacing
	BlockedThreshold int           `mapstructure:"blocked_threshold"`
	// BlockedPause is how long downloads stay paused once the blocked
	// threshold is hit. 0 means paused until process restart.
	BlockedPause time.Duration `mapstructure:"blocked_pause"`
	CookiesFile  string        `mapstructure:"cookies_file" masq:"secret"`
	UserAgent    string        `mapstructure:"user_agent"`
	Referer      string        `mapstructure:"referer"`
}

// QueueConfig holds pool scheduler configuration.
type QueueConfig struct {
	DownloadConcurrency int           `mapstructure:"download_concurrency"`
	ProcessConcurrency  int           `mapstructure:"process_concurrency"`
	TickInterval        time.Duration `mapstructure:"tick_interval"`
	ErrorBackoff        time.Duration `mapstructure:"error_backoff"`
}

// SupervisorConfig holds stuck-task recovery configuration.
type SupervisorConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	BaseTimeout time.Duration `mapstructure:"base_timeout"`
	// Transcription timeout = clamp(audioDuration*SpeedFactor + Buffer, Min, Max).
	TranscribeSpeedFactor  float64       `mapstructure:"transcribe_speed_factor"`
	TranscribeBuffer       time.Duration `mapstructure:"transcribe_buffer"`
	TranscribeMinTimeout   time.Duration `mapstructure:"transcribe_min_timeout"`
	TranscribeMaxTimeout   time.Duration `mapstructure:"transcribe_max_timeout"`
	UnknownDurationTimeout time.Duration `mapstructure:"unknown_duration_timeout"`
}

// RunnerConfig holds remote transcription runner configuration.
// An empty URL selects in-process transcription.
type RunnerConfig struct {
	URL          string        `mapstructure:"url"`
	Timeout      time.Duration `mapstructure:"timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Concurrency  int           `mapstructure:"concurrency"`
}

// Remote reports whether remote runner mode is enabled.
func (c *RunnerConfig) Remote() bool {
	return c.URL != ""
}

// SubscriptionConfig holds channel subscription loop configuration.
type SubscriptionConfig struct {
	CheckInterval       time.Duration `mapstructure:"check_interval"`
	MaxVideosPerChannel int           `mapstructure:"max_videos_per_channel"`
	ResolveInterval     time.Duration `mapstructure:"resolve_interval"`
	ResolveTimeout      time.Duration `mapstructure:"resolve_timeout"`
	FetchTimeout        time.Duration `mapstructure:"fetch_timeout"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with SCRIBARR_ and use underscores
// for nesting. Example: SCRIBARR_SERVER_PORT=8080.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/scribarr")
		v.AddConfigPath("$HOME/.scribarr")
	}

	v.SetEnvPrefix("SCRIBARR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// No config file is fine; defaults and env vars apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(DecodeHooks())); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// DecodeHooks returns the mapstructure hooks used when unmarshaling config.
// Durations accept the extended day/week syntax ("30d", "1w"), and types
// implementing encoding.TextUnmarshaler (ByteSize) decode from strings.
func DecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		stringToDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.TextUnmarshallerHookFunc(),
	)
}

// stringToDurationHookFunc converts strings to time.Duration using the
// extended parser from pkg/duration.
func stringToDurationHookFunc() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data any) (any, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		return duration.Parse(data.(string))
	}
}

// SetDefaults configures default values for all configuration options.
// Called before reading the config file so defaults are in place.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.cors_origins", []string{"*"})

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "scribarr.db")
	v.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("database.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", defaultConnMaxIdleTime)
	v.SetDefault("database.log_level", "warn")

	// Storage defaults
	v.SetDefault("storage.video_dir", "./data/videos")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// FFmpeg defaults (empty = resolve from PATH)
	v.SetDefault("ffmpeg.binary_path", "")
	v.SetDefault("ffmpeg.probe_path", "")

	// LLM defaults
	v.SetDefault("llm.ollama_url", "http://localhost:11434")
	v.SetDefault("llm.vllm_url", "")
	v.SetDefault("llm.model", "qwen2.5:7b")
	v.SetDefault("llm.request_timeout", defaultLLMTimeout)
	v.SetDefault("llm.keyword_timeout", defaultKeywordTimeout)
	v.SetDefault("llm.format_chunk_chars", defaultFormatChunkChars)
	v.SetDefault("llm.summary_input_chars", defaultSummaryInputChars)
	v.SetDefault("llm.keyword_input_chars", defaultKeywordInputChars)

	// ASR defaults
	v.SetDefault("asr.binary", "whisper-cli")
	v.SetDefault("asr.model", "small")
	v.SetDefault("asr.model_dir", "")
	v.SetDefault("asr.acceleration", "cpu")

	// Audio pipeline defaults
	v.SetDefault("audio.target_sample_rate", defaultTargetSampleRate)
	v.SetDefault("audio.enable_denoise", false)
	v.SetDefault("audio.denoise_backend", "basic")
	v.SetDefault("audio.vad_threshold", defaultVADThreshold)
	v.SetDefault("audio.vad_min_silence_duration_ms", defaultVADMinSilenceMs)
	v.SetDefault("audio.vad_speech_pad_ms", defaultVADSpeechPadMs)
	v.SetDefault("audio.vad_max_speech_duration_s", defaultVADMaxSpeechSeconds)

	// Downloader defaults
	v.SetDefault("downloader.binary", "yt-dlp")
	v.SetDefault("downloader.max_attempts", defaultDownloadAttempts)
	v.SetDefault("downloader.retry_backoff", defaultDownloadBackoff)
	v.SetDefault("downloader.min_interval", time.Duration(0))
	v.SetDefault("downloader.blocked_threshold", defaultBlockedThreshold)
	v.SetDefault("downloader.blocked_pause", defaultBlockedPause)
	v.SetDefault("downloader.cookies_file", "")
	v.SetDefault("downloader.user_agent", defaultUserAgent)
	v.SetDefault("downloader.referer", "https://www.youtube.com/")

	// Queue defaults
	v.SetDefault("queue.download_concurrency", 1)
	v.SetDefault("queue.process_concurrency", 1)
	v.SetDefault("queue.tick_interval", defaultTickInterval)
	v.SetDefault("queue.error_backoff", defaultTickErrorBackoff)

	// Supervisor defaults
	v.SetDefault("supervisor.interval", defaultSupervisorInterval)
	v.SetDefault("supervisor.base_timeout", defaultStuckBaseTimeout)
	v.SetDefault("supervisor.transcribe_speed_factor", defaultTranscribeSpeed)
	v.SetDefault("supervisor.transcribe_buffer", defaultTranscribeBuffer)
	v.SetDefault("supervisor.transcribe_min_timeout", defaultTranscribeMin)
	v.SetDefault("supervisor.transcribe_max_timeout", defaultTranscribeMax)
	v.SetDefault("supervisor.unknown_duration_timeout", defaultUnknownDuration)

	// Runner defaults (empty url = in-process ASR)
	v.SetDefault("runner.url", "")
	v.SetDefault("runner.timeout", defaultRunnerTimeout)
	v.SetDefault("runner.poll_interval", defaultRunnerPollInterval)
	v.SetDefault("runner.concurrency", 1)

	// Subscription defaults
	v.SetDefault("subscription.check_interval", defaultSubCheckInterval)
	v.SetDefault("subscription.max_videos_per_channel", defaultSubMaxVideos)
	v.SetDefault("subscription.resolve_interval", defaultSubResolveInterval)
	v.SetDefault("subscription.resolve_timeout", defaultSubResolveTimeout)
	v.SetDefault("subscription.fetch_timeout", defaultSubFetchTimeout)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	validDrivers := map[string]bool{"sqlite": true, "postgres": true, "mysql": true}
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("database.driver must be one of: sqlite, postgres, mysql")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	if c.Storage.VideoDir == "" {
		return fmt.Errorf("storage.video_dir is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.LLM.OllamaURL == "" && c.LLM.VLLMURL == "" {
		return fmt.Errorf("llm.ollama_url or llm.vllm_url is required")
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("llm.model is required")
	}

	validAccel := map[string]bool{"cpu": true, "cuda": true, "mlx": true}
	if !validAccel[c.ASR.Acceleration] {
		return fmt.Errorf("asr.acceleration must be one of: cpu, cuda, mlx")
	}

	if c.Audio.TargetSampleRate < 8000 {
		return fmt.Errorf("audio.target_sample_rate must be at least 8000")
	}
	if c.Audio.VADThreshold <= 0 || c.Audio.VADThreshold > 1 {
		return fmt.Errorf("audio.vad_threshold must be in (0, 1]")
	}
	if c.Audio.VADMaxSpeechDurationS <= 0 {
		return fmt.Errorf("audio.vad_max_speech_duration_s must be positive")
	}

	if c.Downloader.MaxAttempts < 1 {
		return fmt.Errorf("downloader.max_attempts must be at least 1")
	}
	if c.Downloader.BlockedThreshold < 1 {
		return fmt.Errorf("downloader.blocked_threshold must be at least 1")
	}

	if c.Queue.DownloadConcurrency < 1 {
		return fmt.Errorf("queue.download_concurrency must be at least 1")
	}
	if c.Queue.ProcessConcurrency < 1 {
		return fmt.Errorf("queue.process_concurrency must be at least 1")
	}

	if c.Runner.Remote() && c.Runner.Concurrency < 1 {
		return fmt.Errorf("runner.concurrency must be at least 1 when runner.url is set")
	}

	if c.Subscription.MaxVideosPerChannel < 1 {
		return fmt.Errorf("subscription.max_videos_per_channel must be at least 1")
	}

	return nil
}
