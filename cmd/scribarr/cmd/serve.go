package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/scribarr/scribarr/internal/asr"
	"github.com/scribarr/scribarr/internal/audio"
	"github.com/scribarr/scribarr/internal/channel"
	"github.com/scribarr/scribarr/internal/config"
	"github.com/scribarr/scribarr/internal/database"
	"github.com/scribarr/scribarr/internal/dispatcher"
	"github.com/scribarr/scribarr/internal/gate"
	internalhttp "github.com/scribarr/scribarr/internal/http"
	"github.com/scribarr/scribarr/internal/http/handlers"
	"github.com/scribarr/scribarr/internal/llm"
	"github.com/scribarr/scribarr/internal/media"
	"github.com/scribarr/scribarr/internal/observability"
	"github.com/scribarr/scribarr/internal/pipeline"
	"github.com/scribarr/scribarr/internal/repository"
	"github.com/scribarr/scribarr/internal/scheduler"
	"github.com/scribarr/scribarr/internal/startup"
	"github.com/scribarr/scribarr/internal/storage"
	"github.com/scribarr/scribarr/internal/subscription"
	"github.com/scribarr/scribarr/internal/version"
	"github.com/scribarr/scribarr/pkg/httpclient"
	"github.com/scribarr/scribarr/pkg/runner"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the scribarr server",
	Long: `Start the scribarr orchestrator: the REST API, the staged queue
workers, the stuck-item supervisor and the subscription loops.

Transcription runs in-process through whisper-cli unless runner.url
points at a scribarr-asrd instance, in which case audio is shipped
there and polled.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	// Applied after the config loads, only when explicitly set.
	serveCmd.Flags().String("host", "", "host to bind to (overrides config)")
	serveCmd.Flags().Int("port", 0, "port to listen on (overrides config)")
	serveCmd.Flags().String("database", "", "database DSN (overrides config)")
	serveCmd.Flags().String("video-dir", "", "video storage directory (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyServeFlags(cmd, cfg)

	logger := observability.NewLoggerWithWriter(loggingConfig(cfg.Logging), os.Stderr)
	observability.SetDefault(logger)

	logger.Info("starting scribarr",
		slog.String("version", version.Version),
		slog.String("commit", version.Commit),
		slog.Bool("remote_runner", cfg.Runner.Remote()))

	// Clean up temp artifacts orphaned by a previous run.
	orphansRemoved, err := startup.CleanupSystemTempFiles(logger)
	if err != nil {
		logger.Warn("failed to clean orphaned temp files",
			slog.String("error", err.Error()),
		)
	} else if orphansRemoved > 0 {
		logger.Info("cleaned orphaned temp files on startup",
			slog.Int("removed_count", orphansRemoved),
		)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.New(cfg.Database, logger, nil)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	db.StartStatsMonitor(ctx)

	users := repository.NewUserRepository(db.DB)
	items := repository.NewItemRepository(db.DB)
	subs := repository.NewSubscriptionRepository(db.DB)
	playlists := repository.NewPlaylistRepository(db.DB)

	store, err := storage.New(cfg.Storage.VideoDir)
	if err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}

	downloadGate := gate.New(gate.Config{
		MinInterval:      cfg.Downloader.MinInterval,
		BlockedThreshold: cfg.Downloader.BlockedThreshold,
		BlockedPause:     cfg.Downloader.BlockedPause,
	}, logger)

	downloader, err := media.NewDownloader(cfg.Downloader, store, logger)
	if err != nil {
		return fmt.Errorf("initializing downloader: %w", err)
	}
	converter := media.NewConverter(cfg.FFmpeg.BinaryPath, cfg.Audio.TargetSampleRate, logger)
	prober := media.NewProber(cfg.FFmpeg.ProbePath)

	thumbHTTPConfig := httpclient.DefaultConfig()
	thumbHTTPConfig.Logger = logger
	thumbnailer := media.NewThumbnailer(cfg.FFmpeg.BinaryPath, httpclient.New(thumbHTTPConfig), store, logger)

	chunker := audio.NewPipeline(cfg.Audio, logger)
	llmClient := llm.New(cfg.LLM, logger)

	transcriber, remote, err := buildTranscriber(cfg, logger)
	if err != nil {
		return err
	}
	if remote != nil {
		if err := remote.Start(ctx); err != nil {
			return fmt.Errorf("starting runner dispatcher: %w", err)
		}
		defer remote.Stop()
	}

	executor := pipeline.New(items, users, playlists, store, downloadGate,
		downloader, converter, thumbnailer, chunker, transcriber, llmClient, logger)

	sched := scheduler.New(items, executor, cfg.Queue, logger)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	defer sched.Stop()

	supervisor := scheduler.NewSupervisor(items, store, prober, sched, cfg.Supervisor, logger)
	if err := supervisor.Start(ctx); err != nil {
		return fmt.Errorf("starting supervisor: %w", err)
	}
	defer supervisor.Stop()

	channels, err := channel.NewService(cfg.Downloader, logger)
	if err != nil {
		return fmt.Errorf("initializing channel service: %w", err)
	}

	resolver := subscription.NewResolver(subs, channels, cfg.Subscription, logger)
	if err := resolver.Start(); err != nil {
		return fmt.Errorf("starting subscription resolver: %w", err)
	}
	defer resolver.Stop()

	poller := subscription.NewPoller(subs, items, playlists, channels, cfg.Subscription, logger)
	if err := poller.Start(); err != nil {
		return fmt.Errorf("starting subscription poller: %w", err)
	}
	defer poller.Stop()

	server := internalhttp.NewServer(cfg.Server, logger, version.Version)

	handlers.NewItemHandler(items, users, store).Register(server.API())
	handlers.NewSubscriptionHandler(subs, items, playlists, users).Register(server.API())
	handlers.NewQueueHandler(items, sched, downloadGate).Register(server.API())
	handlers.NewHealthHandler(version.Version).
		WithDB(db.DB).
		WithLLM(llmClient).
		Register(server.API())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	return server.ListenAndServe(ctx)
}

// buildTranscriber picks the transcription mode from the runner config:
// a remote dispatcher when runner.url is set, otherwise the in-process
// whisper-cli engine. A missing local engine is not fatal; items needing
// transcription then complete with the unavailability marker.
func buildTranscriber(cfg *config.Config, logger *slog.Logger) (dispatcher.Transcriber, *dispatcher.Remote, error) {
	if cfg.Runner.Remote() {
		client, err := runner.NewClient(runner.Options{
			BaseURL:      cfg.Runner.URL,
			PollInterval: cfg.Runner.PollInterval,
			JobTimeout:   cfg.Runner.Timeout,
			Logger:       logger,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("initializing runner client: %w", err)
		}
		remote := dispatcher.NewRemote(client, cfg.Runner, cfg.Audio.TargetSampleRate, logger)
		return remote, remote, nil
	}

	engine, err := asr.NewWhisperCLI(cfg.ASR, logger)
	if err != nil {
		logger.Warn("speech recognition unavailable, transcripts will be skipped",
			slog.Any("error", err))
		return nil, nil, nil
	}
	return dispatcher.NewLocal(engine, cfg.Audio.TargetSampleRate), nil, nil
}

// applyServeFlags overlays explicitly set serve flags onto the loaded
// configuration.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("host") {
		cfg.Server.Host, _ = cmd.Flags().GetString("host")
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port, _ = cmd.Flags().GetInt("port")
	}
	if cmd.Flags().Changed("database") {
		cfg.Database.DSN, _ = cmd.Flags().GetString("database")
	}
	if cmd.Flags().Changed("video-dir") {
		cfg.Storage.VideoDir, _ = cmd.Flags().GetString("video-dir")
	}
}
