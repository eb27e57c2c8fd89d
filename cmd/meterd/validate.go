package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/artpar/meterd/adapters/notify"
	"github.com/artpar/meterd/adapters/sqlite"
	"github.com/artpar/meterd/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration before deployment",
	Long: `Validate the meterd configuration file.

Checks:
  - YAML syntax is valid
  - Plans, thresholds and forecast settings are consistent
  - Database is writable (optional)
  - Redis is reachable (optional)

Examples:
  meterd validate
  meterd validate --config /etc/meterd/meterd.yaml --check-database`,
	RunE: runValidate,
}

var (
	validateCheckDatabase bool
	validateCheckRedis    bool
)

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().BoolVar(&validateCheckDatabase, "check-database", false, "check if database is writable")
	validateCmd.Flags().BoolVar(&validateCheckRedis, "check-redis", false, "check if redis is reachable")
}

func runValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Validating %s...\n\n", cfgFile)

	// Check file exists
	if _, err := os.Stat(cfgFile); os.IsNotExist(err) {
		fmt.Fprintf(out, "  %s Config file exists\n", crossMark)
		return fmt.Errorf("config file not found: %s", cfgFile)
	}
	fmt.Fprintf(out, "  %s Config file exists\n", checkMark)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(out, "  %s Config valid\n", crossMark)
		return fmt.Errorf("config error: %w", err)
	}
	fmt.Fprintf(out, "  %s Config valid\n", checkMark)

	// Show config summary
	fmt.Fprintf(out, "  %s Database: %s (%s)\n", checkMark, cfg.Database.DSN, cfg.Database.Driver)
	fmt.Fprintf(out, "  %s Plans configured: %d (default: %s)\n", checkMark, len(cfg.Plans), orNone(cfg.DefaultPlan))
	fmt.Fprintf(out, "  %s Alert thresholds: warning %.0f%%, critical %.0f%%\n", checkMark, cfg.Alerts.Warning, cfg.Alerts.Critical)
	fmt.Fprintf(out, "  %s Forecast method: %s\n", checkMark, cfg.Forecast.Method)

	if validateCheckDatabase && cfg.Database.Driver == "sqlite" {
		if version, err := checkDatabaseWritable(cfg.Database.DSN); err != nil {
			fmt.Fprintf(out, "  %s Database writable\n", crossMark)
			fmt.Fprintf(out, "      Error: %v\n", err)
		} else {
			fmt.Fprintf(out, "  %s Database writable (schema %s)\n", checkMark, version)
		}
	}

	if validateCheckRedis && cfg.Redis.Addr != "" {
		if err := checkRedisReachable(cfg.Redis); err != nil {
			fmt.Fprintf(out, "  %s Redis reachable\n", crossMark)
			fmt.Fprintf(out, "      Error: %v\n", err)
		} else {
			fmt.Fprintf(out, "  %s Redis reachable\n", checkMark)
		}
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Configuration is valid.")
	return nil
}

func checkDatabaseWritable(dsn string) (string, error) {
	db, err := sqlite.Open(dsn)
	if err != nil {
		return "", err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := db.MigrateContext(ctx); err != nil {
		return "", err
	}
	return db.SchemaVersion(ctx)
}

func checkRedisReachable(cfg config.RedisConfig) error {
	sink, err := notify.NewRedisSink(notify.RedisConfig{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err != nil {
		return err
	}
	defer sink.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return sink.Ping(ctx)
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

const (
	checkMark = "\033[32m✓\033[0m"
	crossMark = "\033[31m✗\033[0m"
)
