// insight - multi-cloud cost insight engine
//
// Usage:
//
//	insight run --client acme --window 2026-01-01_2026-03-31 [--format table]
//	insight ingest --file costs.csv
//	insight serve --port 8080
//	insight schedule --cron "0 6 * * *"
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"cost-insight/pkg/platform"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "insight",
		Usage:   "Multi-cloud cost insight engine",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),

		Flags: globalFlags(),
		Before: func(c *cli.Context) error {
			logger := platform.InitLogger(c.String("log-level"))
			c.App.Metadata = map[string]any{"logger": logger}
			return nil
		},

		Commands: []*cli.Command{
			runCommand(),
			ingestCommand(),
			mapCommand(),
			serveCommand(),
			scheduleCommand(),
			validateCommand(),
			configCommand(),
		},
	}
}

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "log-level",
			Value:   "info",
			Usage:   "Log level (debug, info, warn, error)",
			EnvVars: []string{"INSIGHT_LOG_LEVEL"},
		},
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "Engine tuning file (TOML)",
			EnvVars: []string{"INSIGHT_CONFIG"},
		},
		&cli.StringFlag{
			Name:    "store",
			Value:   "sqlite",
			Usage:   "Record and bundle store (sqlite, clickhouse)",
			EnvVars: []string{"INSIGHT_STORE"},
		},
		&cli.StringFlag{
			Name:    "sqlite-path",
			Value:   "data/insight.db",
			Usage:   "SQLite database path",
			EnvVars: []string{"INSIGHT_SQLITE_PATH"},
		},
		&cli.StringFlag{
			Name:    "clickhouse-dsn",
			Usage:   "ClickHouse DSN; overrides the host flags",
			EnvVars: []string{"CLICKHOUSE_DSN"},
		},
		&cli.StringFlag{
			Name:    "clickhouse-host",
			Value:   "localhost",
			Usage:   "ClickHouse host",
			EnvVars: []string{"CLICKHOUSE_HOST"},
		},
		&cli.IntFlag{
			Name:    "clickhouse-port",
			Value:   9000,
			Usage:   "ClickHouse native port",
			EnvVars: []string{"CLICKHOUSE_PORT"},
		},
		&cli.StringFlag{
			Name:    "clickhouse-database",
			Value:   "cost_insight",
			Usage:   "ClickHouse database",
			EnvVars: []string{"CLICKHOUSE_DATABASE"},
		},
		&cli.StringFlag{
			Name:    "clickhouse-user",
			Value:   "default",
			Usage:   "ClickHouse user",
			EnvVars: []string{"CLICKHOUSE_USER"},
		},
		&cli.StringFlag{
			Name:    "clickhouse-password",
			Usage:   "ClickHouse password",
			EnvVars: []string{"CLICKHOUSE_PASSWORD"},
		},
		&cli.StringFlag{
			Name:    "preferences",
			Usage:   "Client preference file (YAML)",
			EnvVars: []string{"INSIGHT_PREFERENCES"},
		},
		&cli.StringFlag{
			Name:    "postgres-dsn",
			Usage:   "PostgreSQL DSN for client preferences; takes precedence over --preferences",
			EnvVars: []string{"INSIGHT_POSTGRES_DSN"},
		},
		&cli.StringSliceFlag{
			Name:    "providers",
			Value:   cli.NewStringSlice("aws", "gcp", "azure"),
			Usage:   "Enabled provider adapters",
			EnvVars: []string{"INSIGHT_PROVIDERS"},
		},
		&cli.StringFlag{
			Name:    "redis-addr",
			Usage:   "Redis address for bundle events",
			EnvVars: []string{"REDIS_ADDR"},
		},
		&cli.StringFlag{
			Name:    "redis-password",
			EnvVars: []string{"REDIS_PASSWORD"},
		},
		&cli.IntFlag{
			Name:    "redis-db",
			EnvVars: []string{"REDIS_DB"},
		},
		&cli.StringFlag{
			Name:    "redis-channel",
			Usage:   "Channel for bundle events",
			EnvVars: []string{"INSIGHT_REDIS_CHANNEL"},
		},
		&cli.StringFlag{
			Name:    "webhook-url",
			Usage:   "Endpoint notified after each published bundle",
			EnvVars: []string{"INSIGHT_WEBHOOK_URL"},
		},
	}
}

func loggerFrom(c *cli.Context) zerolog.Logger {
	if l, ok := c.App.Metadata["logger"].(zerolog.Logger); ok {
		return l
	}
	return zerolog.Nop()
}
