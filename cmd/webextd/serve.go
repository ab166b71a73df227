package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/webext/internal/domain/app"
	"github.com/GriffinCanCode/webext/internal/domain/storage"
	"github.com/GriffinCanCode/webext/internal/host"
	"github.com/GriffinCanCode/webext/internal/host/gojahost"
	"github.com/GriffinCanCode/webext/internal/infrastructure/config"
	"github.com/GriffinCanCode/webext/internal/infrastructure/logging"
	"github.com/GriffinCanCode/webext/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/webext/internal/infrastructure/server"
	"github.com/GriffinCanCode/webext/internal/infrastructure/tracing"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Discover extensions and serve the admin API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("dir", "", "Extensions directory (overrides EXTENSIONS_DIR)")
	serveCmd.Flags().String("addr", "", "Listen address host:port (overrides HOST and PORT)")
	serveCmd.Flags().String("policy", "", "Managed storage policy file (overrides STORAGE_POLICY_FILE)")
}

// loadEnv reads an environment file when one exists. Variables already set
// in the environment win.
func loadEnv(cmd *cobra.Command) error {
	path, _ := cmd.Flags().GetString("env-file")
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if err := loadEnv(cmd); err != nil {
		return nil, err
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	if dir, _ := cmd.Flags().GetString("dir"); dir != "" {
		cfg.Extensions.Dir = dir
	}
	if policy, _ := cmd.Flags().GetString("policy"); policy != "" {
		cfg.Storage.PolicyFile = policy
	}
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		listenHost, listenPort, err := splitAddr(addr)
		if err != nil {
			return nil, err
		}
		cfg.Server.Host, cfg.Server.Port = listenHost, listenPort
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	logCfg := logging.DefaultConfig()
	if cfg.Logging.Development {
		logCfg = logging.DevelopmentConfig()
	}
	if cfg.Logging.Level != "" {
		logCfg.Level = cfg.Logging.Level
	}
	return logging.New(logCfg)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	metrics := monitoring.NewMetrics()
	tracer := tracing.New("webextd", logger)
	defer tracer.Close()

	var factory host.ViewFactory
	if cfg.Background.Enabled {
		factory = gojahost.NewFactory(logger)
	}

	rt := app.New(app.Config{
		Factory:      factory,
		Scheme:       cfg.Extensions.Scheme,
		RateLimit:    cfg.Dispatch.RequestsPerSecond,
		RateBurst:    cfg.Dispatch.Burst,
		EventBuffer:  cfg.Dispatch.EventBuffer,
		StartTimeout: cfg.Background.StartTimeout,
		Logger:       logger,
		Metrics:      metrics,
		Tracer:       tracer,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := bootstrap(ctx, rt, cfg, logger); err != nil {
		rt.Close(context.Background())
		return err
	}

	srv := server.New(server.Options{
		Config:  cfg,
		Runtime: rt,
		Logger:  logger,
		Metrics: metrics,
		Tracer:  tracer,
	})

	pterm.Success.Printfln("webextd listening on http://%s (%d extensions)", cfg.Server.Addr(), len(rt.List()))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()

	select {
	case err := <-errCh:
		shutdown(srv, logger)
		return err
	case <-ctx.Done():
		pterm.Info.Println("Shutting down gracefully...")
		return shutdown(srv, logger)
	}
}

// bootstrap applies the managed policy, discovers extensions and activates
// them when configured to
func bootstrap(ctx context.Context, rt *app.Runtime, cfg *config.Config, logger *logging.Logger) error {
	if cfg.Storage.PolicyFile != "" {
		policy, err := storage.LoadPolicyFile(cfg.Storage.PolicyFile)
		if err != nil {
			return err
		}
		if err := rt.ApplyPolicy(policy); err != nil {
			return err
		}
	}

	if cfg.Extensions.Dir == "" {
		logger.Info("No extensions directory configured")
		return nil
	}
	exts, err := rt.Discover(ctx, cfg.Extensions.Dir)
	if err != nil {
		return fmt.Errorf("failed to discover extensions: %w", err)
	}
	logger.Info("Extensions discovered",
		zap.String("dir", cfg.Extensions.Dir),
		zap.Int("count", len(exts)),
	)

	if cfg.Extensions.AutoActivate {
		if err := rt.ActivateAll(ctx); err != nil {
			logger.Warn("Some extensions failed to activate", zap.Error(err))
		}
	}
	return nil
}

func shutdown(srv *server.Server, logger *logging.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Close(ctx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
		return err
	}
	return nil
}
