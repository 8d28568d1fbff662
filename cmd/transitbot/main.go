package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"transitbot/internal/agent"
	"transitbot/internal/capture"
	"transitbot/internal/config"
	"transitbot/internal/llm"
	"transitbot/internal/routing"
	"transitbot/internal/store"
	"transitbot/internal/telegram"
)

var (
	configPath string
	verbose    bool

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "transitbot",
	Short: "TransmiBot - Colombian mobility assistant over Telegram",
	Long: `TransmiBot answers Telegram messages about mobility in Colombia:
routes with live traffic, nearby services, and Simit fine lookups backed by
a headless-browser capture of the portal.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zapCfg := zap.NewProductionConfig()
		if verbose {
			zapCfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zapCfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "transitbot.yaml", "path to the YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

func runServe(cmd *cobra.Command, _ []string) error {
	// .env is optional; environment always wins over the YAML file.
	if err := godotenv.Load(); err == nil {
		logger.Debug("loaded .env file")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	st, err := store.Open(cfg.Storage.DatabasePath, logger.Named("store"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	engine := capture.NewEngine(capture.Config{
		TargetURL:         cfg.Capture.TargetURL,
		ArtifactsDir:      cfg.Capture.ArtifactsDir,
		NavigationTimeout: time.Duration(cfg.Capture.NavigationTimeoutMs) * time.Millisecond,
		SettleWait:        time.Duration(cfg.Capture.SettleWaitMs) * time.Millisecond,
		Headless:          cfg.Capture.Headless,
		ViewportWidth:     cfg.Capture.ViewportWidth,
		ViewportHeight:    cfg.Capture.ViewportHeight,
	}, logger.Named("capture"))

	router := routing.NewClient(routing.Config{
		APIKey:  cfg.Routing.APIKey,
		Timeout: cfg.RoutingTimeout(),
	}, logger.Named("routing"))

	gemini := llm.NewGeminiClient(llm.GeminiConfig{
		APIKey:          cfg.LLM.APIKey,
		Model:           cfg.LLM.Model,
		BaseURL:         cfg.LLM.BaseURL,
		Timeout:         cfg.LLMTimeout(),
		MaxOutputTokens: cfg.LLM.MaxOutputTokens,
	}, logger.Named("llm"))

	registry := agent.NewRegistry(logger.Named("tools"))
	registry.Register(agent.NewTimeTool())
	registry.Register(agent.NewCaptureTool(engine, st))
	registry.Register(agent.NewRouteTool(router, st))
	registry.Register(agent.NewGeocodeTool(router, st))
	registry.Register(agent.NewNearbyTool(router, st))

	runner := agent.NewRunner(
		gemini,
		agent.NewInMemorySessionService(),
		registry,
		logger.Named("agent"),
		agent.RunnerConfig{
			MaxWorkers:    int64(cfg.Agent.MaxWorkers),
			MaxToolRounds: cfg.Agent.MaxToolRounds,
		},
	)

	bot := telegram.NewBot(
		telegram.NewClient(cfg.Telegram.Token),
		st,
		runner,
		logger.Named("telegram"),
		telegram.BotConfig{WebhookPath: cfg.Telegram.WebhookPath},
	)

	srv := &http.Server{
		Addr:              cfg.Telegram.ListenAddr,
		Handler:           bot.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening",
			zap.String("addr", cfg.Telegram.ListenAddr),
			zap.String("webhook_path", cfg.Telegram.WebhookPath),
			zap.String("environment", cfg.Environment))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}

	// In-flight agent answers finish before the store closes.
	bot.Wait()
	logger.Info("shutdown complete")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
