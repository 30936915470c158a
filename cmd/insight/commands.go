package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/urfave/cli/v2"

	insightapi "cost-insight/api"
	"cost-insight/db/ingestion"
	"cost-insight/decision/insight"
	"cost-insight/internal/config"
	"cost-insight/pkg/api"
)

// =============================================================================
// RUN COMMAND
// =============================================================================

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Produce the insight bundle for one client and window",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "client",
				Usage: "Client ID (omit with --all)",
			},
			&cli.BoolFlag{
				Name:  "all",
				Usage: "Run every client with records in the store",
			},
			&cli.StringFlag{
				Name:     "window",
				Aliases:  []string{"w"},
				Usage:    "Analysis window START_END (YYYY-MM-DD_YYYY-MM-DD)",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "format",
				Aliases: []string{"f"},
				Value:   "table",
				Usage:   "Output format (table, json, markdown)",
			},
			&cli.BoolFlag{
				Name:  "refresh-catalog",
				Usage: "Refresh the known-service catalog from provider APIs first",
			},
		},
		Action: runInsight,
	}
}

func runInsight(c *cli.Context) error {
	window, err := api.ParseWindow(c.String("window"))
	if err != nil {
		return err
	}
	if c.String("client") == "" && !c.Bool("all") {
		return errors.New("one of --client or --all is required")
	}

	rt, err := buildRuntime(c)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := c.Context
	if c.Bool("refresh-catalog") {
		rt.refreshCatalog(ctx)
	}

	clients := []string{c.String("client")}
	if c.Bool("all") {
		if clients, err = rt.store.Clients(ctx); err != nil {
			return err
		}
	}
	for _, id := range clients {
		rt.applyPreferenceRules(ctx, id)
	}

	var failed int
	for _, outcome := range rt.orchestrator.RunMany(ctx, clients, window) {
		if outcome.Err != nil {
			failed++
			fmt.Fprintf(c.App.ErrWriter, "run failed for %s: %v\n", outcome.ClientID, outcome.Err)
			continue
		}
		if err := writeBundle(c.App.Writer, outcome.Bundle, c.String("format")); err != nil {
			return err
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d runs failed", failed, len(clients))
	}
	return nil
}

// =============================================================================
// INGEST COMMAND
// =============================================================================

func ingestCommand() *cli.Command {
	return &cli.Command{
		Name:  "ingest",
		Usage: "Load normalized cost records from CSV into the store",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "file",
				Usage:    "CSV file, or - for stdin",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "client",
				Usage: "Client ID for files without a client_id column",
			},
			&cli.StringFlag{
				Name:  "currency",
				Value: "USD",
				Usage: "Currency for rows without one",
			},
			&cli.IntFlag{
				Name:  "batch-size",
				Value: 1000,
				Usage: "Rows per insert batch",
			},
		},
		Action: runIngest,
	}
}

func runIngest(c *cli.Context) error {
	var in io.Reader = os.Stdin
	if path := c.String("file"); path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", path, err)
		}
		defer f.Close()
		in = f
	}

	store, err := openStore(c)
	if err != nil {
		return err
	}
	defer store.Close()

	loader := ingestion.NewLoader(store, ingestion.Options{
		ClientID:  c.String("client"),
		Currency:  c.String("currency"),
		BatchSize: c.Int("batch-size"),
	}).WithLogger(loggerFrom(c))

	res, err := loader.Load(c.Context, in)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "Ingested %d of %d rows (%d duplicates, %d rejected) in %s\n",
		res.Inserted, res.Rows, res.Duplicates, len(res.Rejected), res.Duration.Round(time.Millisecond))
	for _, re := range res.Rejected {
		fmt.Fprintf(c.App.ErrWriter, "  %v\n", re)
	}
	return nil
}

// =============================================================================
// MAP COMMAND
// =============================================================================

func mapCommand() *cli.Command {
	return &cli.Command{
		Name:  "map",
		Usage: "Map a provider service name to its unified category",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "provider",
				Usage:    "Cloud provider (aws, gcp, azure)",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "service",
				Usage:    "Raw service name as billed",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "client",
				Usage: "Client whose custom rules apply",
			},
		},
		Action: runMap,
	}
}

func runMap(c *cli.Context) error {
	provider := api.Provider(strings.ToLower(c.String("provider")))
	if !provider.Valid() {
		return fmt.Errorf("unsupported provider %q", c.String("provider"))
	}
	rt, err := buildRuntime(c)
	if err != nil {
		return err
	}
	defer rt.Close()

	client := c.String("client")
	if client != "" {
		rt.applyPreferenceRules(c.Context, client)
	}
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(rt.mapper.Map(provider, c.String("service"), client))
}

// =============================================================================
// SERVE COMMAND (API SERVER)
// =============================================================================

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the insight API server",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Value:   8080,
				Usage:   "API server port",
				EnvVars: []string{"INSIGHT_PORT", "PORT"},
			},
			&cli.StringFlag{
				Name:    "cors-origins",
				Value:   "*",
				Usage:   "Comma-separated list of allowed CORS origins",
				EnvVars: []string{"INSIGHT_CORS_ORIGINS"},
			},
			&cli.StringFlag{
				Name:    "api-key",
				Usage:   "Key required in the X-API-Key header; empty disables the check",
				EnvVars: []string{"INSIGHT_API_KEY"},
			},
			&cli.StringFlag{
				Name:  "catalog-refresh",
				Value: "@hourly",
				Usage: "Cron spec for known-service catalog refreshes",
			},
		},
		Action: runServe,
	}
}

func runServe(c *cli.Context) error {
	rt, err := buildRuntime(c)
	if err != nil {
		return err
	}
	defer rt.Close()
	ctx := c.Context

	rt.refreshCatalog(ctx)
	refresher := cron.New()
	if _, err := refresher.AddFunc(c.String("catalog-refresh"), func() { rt.refreshCatalog(ctx) }); err != nil {
		return fmt.Errorf("invalid catalog refresh schedule: %w", err)
	}
	refresher.Start()
	defer refresher.Stop()

	go rt.watchPreferences(ctx)

	corsOrigins := strings.Split(c.String("cors-origins"), ",")
	for i := range corsOrigins {
		corsOrigins[i] = strings.TrimSpace(corsOrigins[i])
	}
	cfg := insightapi.DefaultConfig()
	cfg.Port = c.Int("port")
	cfg.CORSOrigins = corsOrigins
	cfg.APIKey = c.String("api-key")

	checks := map[string]insightapi.ReadinessCheck{"store": rt.store.Ping}
	if rt.pg != nil {
		checks["preferences"] = rt.pg.Ping
	}

	server := insightapi.NewServer(insightapi.Dependencies{
		Orchestrator:  rt.orchestrator,
		Store:         rt.store,
		Mapper:        rt.mapper,
		Detectors:     rt.detectors,
		AnomalyConfig: rt.cfg.Anomaly,
		Analyzer:      rt.analyzer,
		Forecaster:    rt.forecaster,
		Metrics:       rt.metrics.Handler(),
		Checks:        checks,
	}, cfg).WithLogger(rt.logger)
	return server.Run(ctx)
}

// watchPreferences keeps mapping caches in step with preference changes until ctx ends.
func (r *runtime) watchPreferences(ctx context.Context) {
	var err error
	switch {
	case r.pg != nil:
		err = r.pg.Watch(ctx, func(clientID string) {
			if clientID == "" {
				for _, id := range r.caches.Clients() {
					r.applyPreferenceRules(ctx, id)
				}
				return
			}
			r.applyPreferenceRules(ctx, clientID)
		})
	case r.prefFile != nil:
		for _, id := range r.prefFile.Clients() {
			r.applyPreferenceRules(ctx, id)
		}
		err = config.NewPreferenceWatcher(r.prefFile, r.caches).WithLogger(r.logger).Run(ctx)
	default:
		return
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Error().Err(err).Str("component", "config").Msg("preference watch stopped")
	}
}

// =============================================================================
// SCHEDULE COMMAND
// =============================================================================

func scheduleCommand() *cli.Command {
	return &cli.Command{
		Name:  "schedule",
		Usage: "Run every client on a cron schedule",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "cron",
				Value:   "0 6 * * *",
				Usage:   "Standard five-field cron spec",
				EnvVars: []string{"INSIGHT_SCHEDULE"},
			},
			&cli.IntFlag{
				Name:  "lookback-days",
				Value: 90,
				Usage: "Window length ending yesterday",
			},
			&cli.StringSliceFlag{
				Name:  "client",
				Usage: "Clients to run; defaults to every client in the store",
			},
		},
		Action: runSchedule,
	}
}

func runSchedule(c *cli.Context) error {
	spec := c.String("cron")
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}
	days := c.Int("lookback-days")
	if days < 1 {
		return fmt.Errorf("lookback-days must be positive")
	}

	rt, err := buildRuntime(c)
	if err != nil {
		return err
	}
	defer rt.Close()
	ctx := c.Context
	go rt.watchPreferences(ctx)

	scheduler := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err = scheduler.AddFunc(spec, func() {
		rt.runBatch(ctx, c.StringSlice("client"), trailingWindow(time.Now(), days))
	})
	if err != nil {
		return err
	}

	rt.logger.Info().Str("cron", spec).Int("lookback_days", days).Msg("scheduler started")
	scheduler.Start()
	<-ctx.Done()
	<-scheduler.Stop().Done()
	return nil
}

// runBatch runs the given clients, or every stored client when none are given.
func (r *runtime) runBatch(ctx context.Context, clients []string, window api.Window) []insight.RunOutcome {
	log := r.logger.With().Str("window", window.Key()).Logger()
	r.refreshCatalog(ctx)
	if len(clients) == 0 {
		var err error
		if clients, err = r.store.Clients(ctx); err != nil {
			log.Error().Err(err).Msg("failed to list clients")
			return nil
		}
	}
	for _, id := range clients {
		r.applyPreferenceRules(ctx, id)
	}

	outcomes := r.orchestrator.RunMany(ctx, clients, window)
	var failed int
	for _, o := range outcomes {
		if o.Err != nil {
			failed++
		}
	}
	log.Info().Int("clients", len(clients)).Int("failed", failed).Msg("scheduled batch finished")
	return outcomes
}

// trailingWindow is the days-long window ending the day before now (UTC).
func trailingWindow(now time.Time, days int) api.Window {
	end := now.UTC().AddDate(0, 0, -1)
	return api.NewWindow(end.AddDate(0, 0, -(days - 1)), end)
}

// =============================================================================
// VALIDATE COMMAND
// =============================================================================

func validateCommand() *cli.Command {
	return &cli.Command{
		Name:  "validate",
		Usage: "Validate the engine config, client preferences and optionally provider credentials",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "credentials",
				Usage: "Also check provider credentials",
			},
		},
		Action: runValidate,
	}
}

func runValidate(c *cli.Context) error {
	rt, err := buildRuntime(c)
	if err != nil {
		return err
	}
	defer rt.Close()

	out := c.App.Writer
	fmt.Fprintf(out, "config: ok\n")
	if rt.prefFile != nil {
		fmt.Fprintf(out, "preferences: ok (%d clients)\n", len(rt.prefFile.Clients()))
	}
	if !c.Bool("credentials") {
		return nil
	}

	failures := rt.providers.ValidateAll(c.Context)
	for _, p := range rt.providers.Providers() {
		if err, ok := failures[p]; ok {
			fmt.Fprintf(out, "%s: %v\n", p, err)
			continue
		}
		fmt.Fprintf(out, "%s: ok\n", p)
	}
	if len(failures) > 0 {
		return fmt.Errorf("%d provider credential checks failed", len(failures))
	}
	return nil
}

// =============================================================================
// CONFIG COMMAND
// =============================================================================

func configCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Manage the engine tuning file",
		Subcommands: []*cli.Command{
			{
				Name:  "init",
				Usage: "Write the default configuration",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "out",
						Value: "insight.toml",
						Usage: "Destination path",
					},
					&cli.BoolFlag{
						Name:  "force",
						Usage: "Overwrite an existing file",
					},
				},
				Action: func(c *cli.Context) error {
					path := c.String("out")
					if _, err := os.Stat(path); err == nil && !c.Bool("force") {
						return fmt.Errorf("%s exists (use --force to overwrite)", path)
					}
					if err := config.Save(config.Default(), path); err != nil {
						return err
					}
					fmt.Fprintf(c.App.Writer, "wrote %s\n", path)
					return nil
				},
			},
		},
	}
}
