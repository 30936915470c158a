package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"cost-insight/db/clickhouse"
	"cost-insight/db/postgres"
	"cost-insight/db/sqlite"
	"cost-insight/decision/anomaly"
	"cost-insight/decision/forecast"
	"cost-insight/decision/insight"
	"cost-insight/decision/narrative"
	"cost-insight/decision/recommend"
	"cost-insight/decision/taxonomy"
	"cost-insight/decision/trend"
	"cost-insight/internal/config"
	"cost-insight/internal/metrics"
	"cost-insight/internal/notify"
	"cost-insight/internal/providers"
	"cost-insight/pkg/api"
	ierrors "cost-insight/pkg/errors"
)

// costStore is what the binaries need from a record and bundle backend
type costStore interface {
	insight.RecordSource
	insight.BundleStore
	InsertRecords(ctx context.Context, records []api.NormalizedCostRecord) error
	Clients(ctx context.Context) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

// runtime holds every wired component of one command invocation
type runtime struct {
	cfg    *config.Config
	logger zerolog.Logger

	store     costStore
	prefs     insight.PreferenceSource
	prefFile  *config.PreferenceFile
	pg        *postgres.Store
	caches    *taxonomy.Registry
	mapper    *taxonomy.Mapper
	providers *providers.Registry
	metrics   *metrics.Collector

	detectors    *anomaly.Ensemble
	analyzer     *trend.Analyzer
	forecaster   *forecast.Engine
	orchestrator *insight.Orchestrator

	closers []func() error
}

func (r *runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			r.logger.Warn().Err(err).Msg("close failed")
		}
	}
}

// buildRuntime loads configuration and wires the pipeline. The caller must Close it.
func buildRuntime(c *cli.Context) (_ *runtime, err error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	rt := &runtime{cfg: cfg, logger: loggerFrom(c), metrics: metrics.New()}
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()

	if rt.store, err = openStore(c); err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, rt.store.Close)

	if err := rt.openPreferences(c); err != nil {
		return nil, err
	}

	rt.caches = taxonomy.NewRegistry()
	catalog := taxonomy.NewCatalog().WithTTL(cfg.Taxonomy.CatalogTTL).WithLogger(rt.logger)
	rt.mapper = taxonomy.NewMapper(catalog, rt.caches).
		WithFuzzyThreshold(cfg.Taxonomy.FuzzyThreshold).
		WithLogger(rt.logger)

	if rt.providers, err = rt.buildProviders(c.Context, c.StringSlice("providers")); err != nil {
		return nil, err
	}
	for _, p := range rt.providers.Providers() {
		a, _ := rt.providers.Adapter(p)
		if src, ok := a.(taxonomy.CatalogSource); ok {
			catalog.AddSource(src)
		}
	}

	publisher, err := rt.buildPublisher(c)
	if err != nil {
		return nil, err
	}

	rt.detectors = anomaly.NewEnsemble().WithLogger(rt.logger)
	rt.analyzer = trend.NewAnalyzer(cfg.Trend)
	if rt.forecaster, err = forecast.NewEngine(cfg.Forecast); err != nil {
		return nil, err
	}
	rt.forecaster.WithLogger(rt.logger)
	recommender, err := recommend.NewEngine(cfg.Recommend)
	if err != nil {
		return nil, err
	}
	recommender.WithEquivalents(rt.mapper.EquivalentServices).WithLogger(rt.logger)
	narrator, err := narrative.NewSynthesizer(rt.llmClient(), cfg.Narrative, cfg.Retry)
	if err != nil {
		return nil, err
	}
	narrator.WithLogger(rt.logger).WithObserver(rt.metrics.LLMAttempt)

	deps := insight.Dependencies{
		Records:       rt.providers,
		Store:         rt.store,
		Preferences:   rt.prefs,
		Publisher:     publisher,
		Observer:      rt.metrics,
		Mapper:        rt.mapper,
		Detectors:     rt.detectors,
		AnomalyConfig: cfg.Anomaly,
		Analyzer:      rt.analyzer,
		Forecaster:    rt.forecaster,
		Recommender:   recommender,
		Narrator:      narrator,
	}
	if rt.orchestrator, err = insight.NewOrchestrator(deps, cfg.Insight); err != nil {
		return nil, err
	}
	rt.orchestrator.WithLogger(rt.logger)
	return rt, nil
}

func openStore(c *cli.Context) (costStore, error) {
	switch strings.ToLower(c.String("store")) {
	case "sqlite", "":
		return sqlite.Open(c.String("sqlite-path"))
	case "clickhouse":
		var (
			store *clickhouse.Store
			err   error
		)
		if dsn := c.String("clickhouse-dsn"); dsn != "" {
			store, err = clickhouse.NewStoreFromDSN(dsn)
		} else {
			store, err = clickhouse.NewStore(&clickhouse.Config{
				Host:     c.String("clickhouse-host"),
				Port:     c.Int("clickhouse-port"),
				Database: c.String("clickhouse-database"),
				Username: c.String("clickhouse-user"),
				Password: c.String("clickhouse-password"),
			})
		}
		if err != nil {
			return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
		}
		if err := store.Migrate(c.Context); err != nil {
			store.Close()
			return nil, err
		}
		return store, nil
	default:
		return nil, ierrors.NewConfigurationError(ierrors.ErrCodeInvalidConfig,
			fmt.Sprintf("unknown store %q (want sqlite or clickhouse)", c.String("store")))
	}
}

func (r *runtime) openPreferences(c *cli.Context) error {
	if dsn := c.String("postgres-dsn"); dsn != "" {
		pg, err := postgres.Open(dsn)
		if err != nil {
			return err
		}
		r.closers = append(r.closers, pg.Close)
		if err := pg.Migrate(c.Context); err != nil {
			return err
		}
		r.pg = pg.WithLogger(r.logger)
		r.prefs = r.pg
		return nil
	}
	if path := c.String("preferences"); path != "" {
		f, err := config.LoadPreferenceFile(path)
		if err != nil {
			return err
		}
		r.prefFile = f
		r.prefs = f
	}
	return nil
}

func (r *runtime) buildProviders(ctx context.Context, names []string) (*providers.Registry, error) {
	reg := providers.NewRegistry(r.store).WithLogger(r.logger)
	for _, name := range names {
		switch api.Provider(strings.ToLower(strings.TrimSpace(name))) {
		case api.ProviderAWS:
			a, err := providers.NewAWS(ctx, r.mapper)
			if err != nil {
				return nil, err
			}
			reg.Register(a)
		case api.ProviderGCP:
			reg.Register(providers.NewGCP(r.mapper))
		case api.ProviderAzure:
			reg.Register(providers.NewAzure(r.mapper))
		default:
			return nil, ierrors.NewConfigurationError(ierrors.ErrCodeInvalidConfig, fmt.Sprintf("unknown provider %q", name))
		}
	}
	if len(reg.Providers()) == 0 {
		return nil, ierrors.NewConfigurationError(ierrors.ErrCodeInvalidConfig, "no providers enabled")
	}
	return reg, nil
}

func (r *runtime) buildPublisher(c *cli.Context) (insight.Publisher, error) {
	var pubs notify.Multi
	if addr := c.String("redis-addr"); addr != "" {
		p, err := notify.NewRedisPublisher(c.Context, addr, c.String("redis-password"), c.Int("redis-db"), c.String("redis-channel"))
		if err != nil {
			return nil, err
		}
		r.closers = append(r.closers, p.Close)
		pubs = append(pubs, p)
	}
	if u := c.String("webhook-url"); u != "" {
		pubs = append(pubs, notify.NewWebhookPublisher(u, nil))
	}
	if len(pubs) == 0 {
		return nil, nil
	}
	return pubs, nil
}

// llmClient returns the HTTP backend, or one that fails permanently when no key is set
// so runs still complete with the templated narrative.
func (r *runtime) llmClient() narrative.Client {
	if r.cfg.LLM.APIKey == "" {
		r.logger.Warn().Str("component", "narrative").Msg("no llm api key configured, narratives use the template")
		return narrative.ClientFunc(func(context.Context, api.LLMRequest) (api.LLMResponse, error) {
			return api.LLMResponse{}, ierrors.NewPermanentError(ierrors.ErrCodeAuthFailed, "no llm api key configured", nil)
		})
	}
	return narrative.NewHTTPClient(r.cfg.LLM).WithLogger(r.logger)
}

// refreshCatalog updates the known-service catalog; failures keep the previous entries.
func (r *runtime) refreshCatalog(ctx context.Context) {
	if err := r.mapper.Catalog().RefreshIfStale(ctx); err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Warn().Err(err).Str("component", "taxonomy").Msg("catalog refresh failed")
	}
}

// applyPreferenceRules loads a client's custom mapping rules into its cache
func (r *runtime) applyPreferenceRules(ctx context.Context, clientID string) {
	if r.prefs == nil {
		return
	}
	p, err := r.prefs.Preferences(ctx, clientID)
	if err != nil {
		if !errors.Is(err, insight.ErrNoPreferences) {
			r.logger.Warn().Err(err).Str("client_id", clientID).Msg("preference lookup failed")
		}
		return
	}
	if _, err := r.caches.Replace(clientID, p.CustomRules); err != nil {
		r.logger.Warn().Err(err).Str("client_id", clientID).Msg("invalid custom mapping rules")
	}
}
