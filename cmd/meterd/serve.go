package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/artpar/meterd/bootstrap"
	"github.com/artpar/meterd/config"
)

var hotReload bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the metering API server",
	Long: `Start the meterd HTTP server.

The server will:
  - Load configuration from meterd.yaml (or --config)
  - Or load configuration from METERD_* environment variables
  - Open the database and restore counters from the event log
  - Serve the usage and admin APIs
  - Run rollup, checkpoint, alert and eviction jobs

Environment variables (for container deployments):
  METERD_DATABASE_DSN       - Database path (default: meterd.db)
  METERD_SERVER_PORT        - Server port (default: 8080)
  METERD_REDIS_ADDR         - Redis address for alert fan-out
  METERD_NOTIFY_WEBHOOK_URL - Webhook for alert transitions
  METERD_LOG_LEVEL          - Log level: debug, info, warn, error

Examples:
  meterd serve
  meterd serve --config /etc/meterd/meterd.yaml
  meterd serve --hot-reload=false`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&hotReload, "hot-reload", true, "reload plans and alert thresholds when the config file changes")
}

func runServe(cmd *cobra.Command, args []string) error {
	hasConfigFile := false
	if _, err := os.Stat(cfgFile); err == nil {
		hasConfigFile = true
	}

	var (
		cfg    *config.Config
		holder *config.Holder
		err    error
	)
	bootLogger := bootstrap.SetupLogger(config.LoggingConfig{Level: "info"})

	if hasConfigFile && hotReload {
		holder, err = config.NewHolder(cfgFile, bootLogger)
		if err != nil {
			return fmt.Errorf("error loading config: %w", err)
		}
		defer holder.Stop()
		cfg = holder.Get()
	} else {
		cfg, err = config.LoadWithFallback(cfgFile)
		if err != nil {
			return fmt.Errorf("error loading config: %w", err)
		}
		if !hasConfigFile {
			fmt.Println("Running with environment variables (no config file)")
		}
	}

	logger := bootstrap.SetupLogger(cfg.Logging)

	app, err := bootstrap.New(cfg, logger, bootstrap.Options{Holder: holder, Version: version})
	if err != nil {
		return fmt.Errorf("error initializing: %w", err)
	}

	if holder != nil {
		if err := holder.WatchFile(); err != nil {
			logger.Warn().Err(err).Msg("config file watch disabled")
		}
		holder.WatchSignals()
	}

	// Run (blocks until shutdown)
	return app.Run(context.Background())
}
