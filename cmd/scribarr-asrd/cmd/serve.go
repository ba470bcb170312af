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
	"github.com/scribarr/scribarr/internal/asrd"
	"github.com/scribarr/scribarr/internal/audio"
	"github.com/scribarr/scribarr/internal/config"
	"github.com/scribarr/scribarr/internal/observability"
	"github.com/scribarr/scribarr/internal/startup"
	"github.com/scribarr/scribarr/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the transcription daemon",
	Long: `Start the scribarr-asrd HTTP server and worker pool.

The daemon accepts WAV uploads on POST /transcribe, reports job progress
on GET /transcribe/{id}, and exposes GET /health and GET /status for the
orchestrator. Each configured GPU id is served round-robin; a daemon
without gpu_ids runs a single CPU slot.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("listen", "", "host:port to bind to (overrides config)")
	serveCmd.Flags().Int("max-concurrent", 0, "worker pool size (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadAsrd(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cmd.Flags().Changed("listen") {
		cfg.Listen, _ = cmd.Flags().GetString("listen")
	}
	if cmd.Flags().Changed("max-concurrent") {
		cfg.MaxConcurrent, _ = cmd.Flags().GetInt("max-concurrent")
	}

	logger := observability.NewLoggerWithWriter(loggingConfig(cfg.Logging), os.Stderr)
	observability.SetDefault(logger)

	logger.Info("starting scribarr-asrd",
		slog.String("version", version.Version),
		slog.String("listen", cfg.Listen),
		slog.Int("max_concurrent", cfg.MaxConcurrent),
		slog.Any("gpu_ids", cfg.GPUIDs))

	// Upload spools from a crashed run are never reclaimed by the manager.
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

	chunker := audio.NewPipeline(cfg.Audio, logger)

	manager := asrd.NewManager(*cfg, chunker, engineFactory(cfg, logger), logger)
	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("starting manager: %w", err)
	}
	defer manager.Stop()

	handler := asrd.NewHandler(manager, asrd.NewStatsCollector(), int64(cfg.MaxUpload), logger)
	server := asrd.NewServer(*cfg, handler, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	return server.ListenAndServe(ctx)
}

// engineFactory builds per-device whisper-cli engines. GPU slots pin the
// subprocess to their CUDA ordinal; the CPU slot runs unpinned.
func engineFactory(cfg *config.AsrdConfig, logger *slog.Logger) asrd.EngineFactory {
	return func(deviceID int) (asr.Engine, error) {
		engine, err := asr.NewWhisperCLI(cfg.ASR, logger)
		if err != nil {
			return nil, err
		}
		if deviceID >= 0 {
			return engine.WithEnv(fmt.Sprintf("CUDA_VISIBLE_DEVICES=%d", deviceID)), nil
		}
		return engine, nil
	}
}
