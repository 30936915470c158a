package narrative

import (
	"fmt"
	"sort"
	"strings"

	"cost-insight/pkg/api"
)

// Input is everything a narrative is written from.
type Input struct {
	Anomalies       []api.AnomalyRecord
	Trends          []api.TrendSummary
	Forecasts       []api.ForecastRecord
	Recommendations []api.RecommendationRecord
	Context         ClientContext
	ClientID        string // Logged only, never sent to the model
}

// ClientContext carries the non-identifying client settings a narrative may mention.
type ClientContext struct {
	Window        api.Window
	Currency      string
	Sensitivity   api.Sensitivity
	RiskTolerance api.RiskTolerance
}

// Empty reports whether there is nothing to narrate.
func (in Input) Empty() bool {
	return len(in.Anomalies) == 0 && len(in.Trends) == 0
}

const systemPrompt = `You are a cloud cost analyst. Write for finance and engineering leads.
Use only the figures provided. Reply with a single JSON object and nothing else.`

const responseShape = `{
  "executive_summary": "string",
  "key_drivers": ["string"],
  "anomaly_analysis": "string",
  "recommendations_text": "string",
  "risk_assessment": "string"
}`

// figures are the aggregated numbers shared by the prompt and the template.
type figures struct {
	currency      string
	days          int
	totalDaily    float64
	totalGrowth   float64
	direction     string
	categories    []categoryFigure
	bySeverity    map[api.Severity]int
	anomalyCats   []string
	forecastTotal float64
	forecastDays  int
	savings       float64
	topActions    []string
}

type categoryFigure struct {
	name   string
	daily  float64
	growth float64
	dir    string
}

// aggregate reduces the input to category-level figures. Series, account and client
// identifiers never leave this function.
func aggregate(in Input) figures {
	f := figures{
		currency:   in.Context.Currency,
		days:       in.Context.Window.Days(),
		bySeverity: make(map[api.Severity]int),
		direction:  "flat",
	}
	if f.currency == "" {
		f.currency = "USD"
	}

	for _, t := range in.Trends {
		if t.Category == "" {
			if strings.HasSuffix(t.SeriesID, "/total") {
				f.totalDaily = t.MeanDailyCost
				f.totalGrowth = t.WindowGrowth
				f.direction = t.Direction
			}
			continue
		}
		f.categories = append(f.categories, categoryFigure{t.Category, t.MeanDailyCost, t.WindowGrowth, t.Direction})
	}
	sort.Slice(f.categories, func(i, j int) bool {
		if f.categories[i].daily == f.categories[j].daily {
			return f.categories[i].name < f.categories[j].name
		}
		return f.categories[i].daily > f.categories[j].daily
	})
	if f.totalDaily == 0 {
		for _, c := range f.categories {
			f.totalDaily += c.daily
		}
	}

	seen := make(map[string]bool)
	for _, a := range in.Anomalies {
		f.bySeverity[a.Severity]++
		if a.Category != "" && !seen[a.Category] {
			seen[a.Category] = true
			f.anomalyCats = append(f.anomalyCats, a.Category)
		}
	}
	sort.Strings(f.anomalyCats)

	for _, fc := range in.Forecasts {
		if fc.Fitted() && strings.HasSuffix(fc.SeriesID, "/total") {
			f.forecastTotal = fc.PredictedValue
			f.forecastDays = fc.HorizonDays
		}
	}

	for i, r := range in.Recommendations {
		f.savings += r.EstimatedSavings.InexactFloat64()
		if i < 3 {
			f.topActions = append(f.topActions, fmt.Sprintf("%s (%s, %s %s/month)",
				humanKind(r.Kind), r.Category, r.EstimatedSavings.StringFixed(2), f.currency))
		}
	}
	return f
}

// BuildRequest renders the aggregated figures into an LLM request.
func BuildRequest(in Input, cfg Config) api.LLMRequest {
	f := aggregate(in)
	var b strings.Builder

	fmt.Fprintf(&b, "Cost review over %d days, amounts in %s.\n", f.days, f.currency)
	fmt.Fprintf(&b, "Average daily spend %.2f, %s (%+.1f%% over the window).\n", f.totalDaily, f.direction, 100*f.totalGrowth)
	if len(f.categories) > 0 {
		b.WriteString("\nSpend by category (average daily, growth):\n")
		for _, c := range f.categories {
			fmt.Fprintf(&b, "- %s: %.2f, %+.1f%% (%s)\n", c.name, c.daily, 100*c.growth, c.dir)
		}
	}
	fmt.Fprintf(&b, "\nAnomalies: %d critical, %d high, %d medium, %d low",
		f.bySeverity[api.SeverityCritical], f.bySeverity[api.SeverityHigh],
		f.bySeverity[api.SeverityMedium], f.bySeverity[api.SeverityLow])
	if len(f.anomalyCats) > 0 {
		fmt.Fprintf(&b, " in %s", strings.Join(f.anomalyCats, ", "))
	}
	b.WriteString(".\n")
	if f.forecastDays > 0 {
		fmt.Fprintf(&b, "Forecast for the next %d days: %.2f total.\n", f.forecastDays, f.forecastTotal)
	}
	if len(f.topActions) > 0 {
		fmt.Fprintf(&b, "\nTop recommendations (combined savings %.2f per month):\n", f.savings)
		for _, a := range f.topActions {
			fmt.Fprintf(&b, "- %s\n", a)
		}
	}
	fmt.Fprintf(&b, "\nRisk tolerance is %s. Respond with JSON of this shape:\n%s\n", in.Context.RiskTolerance, responseShape)

	return api.LLMRequest{
		Prompt:          b.String(),
		System:          systemPrompt,
		MaxOutputTokens: cfg.MaxOutputTokens,
		Temperature:     cfg.Temperature,
		GuardrailID:     cfg.GuardrailID,
	}
}

func humanKind(k api.RecommendationKind) string {
	return strings.ReplaceAll(string(k), "_", " ")
}
