package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"SentimentMonitor/internal/app"
	"SentimentMonitor/internal/config"
	"SentimentMonitor/internal/logging"
)

var (
	configFile string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "sentimentmonitor",
	Short: "Watches collected posts and drives batch sentiment analysis",
	Long: `Sentiment monitor listens for new documents in the shared store and
schedules batch analysis calls against the sentiment service.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the monitor, scheduler and status API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)
		logger.Info("application starting", "http_addr", cfg.HTTP.Addr, "sources", len(cfg.Sources))

		application, err := app.New(cfg, logger)
		if err != nil {
			return fmt.Errorf("build application: %w", err)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return application.Run(ctx)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create source tables and insert notification triggers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)
		return app.Migrate(cmd.Context(), cfg, logger)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to YAML config file (defaults to $SENTIMENT_MONITOR_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level")

	rootCmd.AddCommand(serveCmd, migrateCmd)
}

func loadConfig() config.Config {
	cfg := config.Load(configFile)
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
