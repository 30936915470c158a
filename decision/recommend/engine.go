// Package recommend turns anomalies and trends into scored optimization recommendations.
package recommend

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"cost-insight/decision/taxonomy"
	"cost-insight/pkg/api"
	"cost-insight/pkg/confidence"
)

// idNamespace scopes recommendation IDs so a re-run yields the same IDs.
var idNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("cost-insight/recommendation"))

// daysPerMonth converts mean daily spend to monthly figures.
const daysPerMonth = 30

// EquivalentsFunc lists per-provider services for a unified category.
type EquivalentsFunc func(category string) map[api.Provider][]string

// Candidate is an unscored recommendation
type Candidate struct {
	Kind       api.RecommendationKind
	Category   string
	SeriesID   string
	Savings    float64 // Monthly
	Complexity float64
	Risk       float64
	Rationale  string
}

// Engine generates, filters and ranks recommendations
type Engine struct {
	cfg         Config
	equivalents EquivalentsFunc
	logger      zerolog.Logger
}

// NewEngine creates an engine
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg, logger: zerolog.Nop()}, nil
}

// WithEquivalents enables cross-provider candidates
func (e *Engine) WithEquivalents(fn EquivalentsFunc) *Engine {
	e.equivalents = fn
	return e
}

// WithLogger sets the logger
func (e *Engine) WithLogger(l zerolog.Logger) *Engine {
	e.logger = l
	return e
}

// Recommend builds candidates from category trends and anomalies, drops those the context
// rules or the client's exclusions reject, scores the rest and returns them best first.
// Only trends and anomalies that carry a category produce candidates, and anomalies only
// in categories whose trend is eligible.
func (e *Engine) Recommend(anomalies []api.AnomalyRecord, trends []api.TrendSummary, prefs api.ClientPreferences) ([]api.RecommendationRecord, error) {
	prefs = prefs.WithDefaults()
	if err := prefs.Validate(); err != nil {
		return nil, err
	}

	totalMonthly := 0.0
	for _, t := range trends {
		if t.Category != "" {
			totalMonthly += t.MeanDailyCost * daysPerMonth
		}
	}

	var candidates []Candidate
	eligible := make(map[string]bool)
	for _, t := range trends {
		if t.Category == "" || !e.eligible(t) {
			continue
		}
		eligible[t.Category] = true
		candidates = append(candidates, e.fromTrend(t)...)
	}
	// A spike only earns a remediation when its category clears the same context rules.
	for _, c := range remediation(anomalies) {
		if !eligible[c.Category] {
			e.logger.Debug().Str("component", "recommend").Str("category", c.Category).
				Msg("remediation skipped, category below history or cost floor")
			continue
		}
		candidates = append(candidates, c)
	}

	ceiling := prefs.RiskTolerance.Ceiling()
	out := make([]api.RecommendationRecord, 0, len(candidates))
	for _, c := range candidates {
		if prefs.Excludes(c.Category) {
			continue
		}
		if c.Risk > ceiling {
			e.logger.Debug().Str("component", "recommend").Str("category", c.Category).
				Str("kind", string(c.Kind)).Float64("risk", c.Risk).Msg("candidate above risk tolerance")
			continue
		}
		rec := e.score(c, totalMonthly, ceiling, prefs.ClientID)
		if rec.CompositeScore < e.cfg.MinScore {
			continue
		}
		out = append(out, rec)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CompositeScore != out[j].CompositeScore {
			return out[i].CompositeScore > out[j].CompositeScore
		}
		if c := out[i].EstimatedSavings.Cmp(out[j].EstimatedSavings); c != 0 {
			return c > 0
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

// eligible applies the minimum history and cost floor context rules.
func (e *Engine) eligible(t api.TrendSummary) bool {
	return t.HistoryDays >= e.cfg.MinHistoryDays && t.MeanDailyCost*daysPerMonth >= e.cfg.CostFloor
}

func (e *Engine) fromTrend(t api.TrendSummary) []Candidate {
	monthly := t.MeanDailyCost * daysPerMonth
	var out []Candidate
	add := func(kind api.RecommendationKind, savings, complexity, risk float64, rationale string) {
		out = append(out, Candidate{
			Kind:       kind,
			Category:   t.Category,
			SeriesID:   t.SeriesID,
			Savings:    savings,
			Complexity: complexity,
			Risk:       risk,
			Rationale:  rationale,
		})
	}

	if resizable(t.Category) && t.Direction == "increasing" && t.WindowGrowth >= 0.1 {
		add(api.KindRightsize, monthly*math.Min(0.3, t.WindowGrowth/2), 0.4, 0.3,
			fmt.Sprintf("%s spend grew %.0f%% over the window; review instance sizing against demand", t.Category, 100*t.WindowGrowth))
	}
	if committable(t.Category) && t.Direction != "decreasing" && t.Volatility <= e.cfg.UtilizationThreshold {
		add(api.KindCommitment, monthly*0.25, 0.3, confidence.Clamp(0.2+t.Volatility),
			fmt.Sprintf("%s spend is steady (volatility %.1f%%); a one-year commitment covers the baseline", t.Category, 100*t.Volatility))
	}
	if t.Direction == "flat" && t.Volatility < e.cfg.IdleVolatility && t.Category != taxonomy.CategorySecurity {
		add(api.KindIdleCleanup, monthly*0.5, 0.2, 0.4,
			fmt.Sprintf("%s spend has not moved with usage across %d days; resources may be idle", t.Category, t.HistoryDays))
	}
	if t.Category == taxonomy.CategoryStorage && t.WindowGrowth > 0.05 {
		add(api.KindStorageTier, monthly*0.3, 0.35, 0.15,
			fmt.Sprintf("storage grew %.0f%%; move cold objects to an infrequent-access tier", 100*t.WindowGrowth))
	}
	if e.equivalents != nil && monthly >= 10*e.cfg.CostFloor {
		if alts := e.equivalents(t.Category); len(alts) >= 2 {
			add(api.KindCrossProvider, monthly*0.15, 0.9, 0.7,
				fmt.Sprintf("%s is offered by %s; compare pricing before renewal", t.Category, providerList(alts)))
		}
	}
	return out
}

// remediation proposes fixing the cause of high and critical spikes, one candidate per category.
func remediation(anomalies []api.AnomalyRecord) []Candidate {
	type agg struct {
		excess   float64
		count    int
		seriesID string
	}
	byCategory := make(map[string]*agg)
	for _, a := range anomalies {
		if a.Category == "" || a.Severity.Rank() < api.SeverityHigh.Rank() {
			continue
		}
		g, ok := byCategory[a.Category]
		if !ok {
			g = &agg{seriesID: a.SeriesID}
			byCategory[a.Category] = g
		}
		g.excess += math.Max(0, a.ObservedValue-a.ExpectedValue)
		g.count++
	}

	cats := make([]string, 0, len(byCategory))
	for c := range byCategory {
		cats = append(cats, c)
	}
	sort.Strings(cats)
	out := make([]Candidate, 0, len(cats))
	for _, c := range cats {
		g := byCategory[c]
		if g.excess <= 0 {
			continue
		}
		out = append(out, Candidate{
			Kind:       api.KindRemediation,
			Category:   c,
			SeriesID:   g.seriesID,
			Savings:    g.excess,
			Complexity: 0.25,
			Risk:       0.1,
			Rationale:  fmt.Sprintf("%d high-severity spike(s) in %s cost %.2f above expectation; find and fix the cause", g.count, c, g.excess),
		})
	}
	return out
}

func (e *Engine) score(c Candidate, totalMonthly, ceiling float64, clientID string) api.RecommendationRecord {
	savingsTerm := 0.0
	if totalMonthly > 0 {
		savingsTerm = confidence.Clamp(c.Savings / (e.cfg.SavingsReference * totalMonthly))
	} else if c.Savings > 0 {
		savingsTerm = confidence.Clamp(c.Savings / (c.Savings + e.cfg.CostFloor))
	}
	complexity := confidence.Clamp(c.Complexity)
	risk := confidence.Clamp(c.Risk)
	fit := confidence.Clamp(1 - 0.5*risk/ceiling)

	w := e.cfg.Weights
	composite := confidence.Clamp(w.Savings*savingsTerm + w.Complexity*(1-complexity) + w.Risk*(1-risk) + w.Fit*fit)

	key := strings.Join([]string{clientID, string(c.Kind), c.Category, c.SeriesID}, "|")
	return api.RecommendationRecord{
		ID:               uuid.NewSHA1(idNamespace, []byte(key)),
		Kind:             c.Kind,
		Category:         c.Category,
		SeriesID:         c.SeriesID,
		EstimatedSavings: decimal.NewFromFloat(c.Savings).Round(2),
		Complexity:       complexity,
		Risk:             risk,
		ClientFit:        fit,
		CompositeScore:   composite,
		Rationale:        c.Rationale,
	}
}

func resizable(category string) bool {
	switch category {
	case taxonomy.CategoryCompute, taxonomy.CategoryDatabase, taxonomy.CategoryContainers, taxonomy.CategoryAI:
		return true
	}
	return false
}

func committable(category string) bool {
	switch category {
	case taxonomy.CategoryCompute, taxonomy.CategoryDatabase, taxonomy.CategoryServerless,
		taxonomy.CategoryContainers, taxonomy.CategoryAI:
		return true
	}
	return false
}

func providerList(m map[api.Provider][]string) string {
	names := make([]string, 0, len(m))
	for p := range m {
		names = append(names, string(p))
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}
