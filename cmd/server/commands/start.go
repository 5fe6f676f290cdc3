package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Tyrowin/relaychat/internal/logger"
	"github.com/Tyrowin/relaychat/internal/metrics"
	"github.com/Tyrowin/relaychat/internal/server"
	"github.com/Tyrowin/relaychat/internal/storage"
)

var (
	listenAddr string
	httpAddr   string
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the relay server",
	Long: `Start the relay in the foreground.

Examples:
  # Start with defaults (TCP :55555, HTTP :8080)
  relaychat start

  # Start with a config file
  relaychat start --config /etc/relaychat/config.yaml

  # Override addresses
  relaychat start --listen :6000 --http ""

  # Environment overrides
  RELAYCHAT_LOGGING_LEVEL=DEBUG relaychat start`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().StringVar(&listenAddr, "listen", "", "TCP listen address (overrides listen_address)")
	startCmd.Flags().StringVar(&httpAddr, "http", "", "HTTP listen address, empty to disable (overrides http_address)")
}

func loadConfig(cmd *cobra.Command) (server.Config, error) {
	cfg, err := server.LoadConfig(cfgFile)
	if err != nil {
		return server.Config{}, err
	}

	if cmd.Flags().Changed("listen") {
		cfg.ListenAddress = listenAddr
	}
	if cmd.Flags().Changed("http") {
		cfg.HTTPAddress = httpAddr
	}
	if err := server.Validate(&cfg); err != nil {
		return server.Config{}, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func runStart(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return err
	}

	fmt.Println("Starting RelayChat server...")
	logger.Info("Log level", "level", cfg.Logging.Level, "format", cfg.Logging.Format)
	logger.Info("Configuration loaded", "source", configSource(cfgFile))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize file storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("File storage close error", "error", err)
		}
	}()
	logger.Info("File storage ready", "store", store.String())

	var opts []server.Option
	if cfg.Metrics.Enabled {
		reg := metrics.NewRegistry()
		opts = append(opts,
			server.WithMetrics(metrics.NewPrometheus(reg)),
			server.WithMetricsHandler(metrics.Handler(reg)),
		)
		logger.Info("Metrics enabled", "path", "/metrics")
	} else {
		logger.Info("Metrics disabled")
	}

	srv := server.New(cfg, store, opts...)

	if cfgFile != "" {
		err := server.WatchConfig(cfgFile, func(next server.Config) {
			logger.SetLevel(next.Logging.Level)
			logger.SetFormat(next.Logging.Format)
			logger.Info("Logging reconfigured", "level", next.Logging.Level, "format", next.Logging.Format)
		})
		if err != nil {
			logger.Warn("Config watch disabled", "error", err)
		}
	}

	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	logger.Info("Server stopped")
	return nil
}

func configSource(path string) string {
	if path == "" {
		return "defaults and environment"
	}
	return path
}
