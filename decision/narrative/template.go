package narrative

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"cost-insight/pkg/api"
)

var title = cases.Title(language.English)

// Template writes a narrative from the aggregated figures without a model.
func Template(in Input) api.NarrativeResult {
	f := aggregate(in)

	summary := fmt.Sprintf("Average daily spend over the last %d days was %.2f %s and is %s (%+.1f%% across the window).",
		f.days, f.totalDaily, f.currency, f.direction, 100*f.totalGrowth)
	if f.forecastDays > 0 {
		summary += fmt.Sprintf(" The next %d days are forecast at %.2f %s.", f.forecastDays, f.forecastTotal, f.currency)
	}

	drivers := make([]string, 0, 3)
	for _, c := range f.categories {
		if len(drivers) == 3 {
			break
		}
		drivers = append(drivers, fmt.Sprintf("%s: %.2f %s per day, %s", c.name, c.daily, f.currency, c.dir))
	}
	if len(drivers) == 0 {
		drivers = append(drivers, title.String(f.direction)+" total spend")
	}

	total := 0
	for _, n := range f.bySeverity {
		total += n
	}
	anomalies := "No anomalies were detected."
	if total > 0 {
		anomalies = fmt.Sprintf("%d anomalies were detected (%d critical, %d high)",
			total, f.bySeverity[api.SeverityCritical], f.bySeverity[api.SeverityHigh])
		if len(f.anomalyCats) > 0 {
			anomalies += " in " + strings.Join(f.anomalyCats, ", ")
		}
		anomalies += "."
	}

	recs := "No recommendations met the scoring threshold."
	if len(f.topActions) > 0 {
		recs = fmt.Sprintf("Top actions: %s. Combined estimated savings %.2f %s per month.",
			strings.Join(f.topActions, "; "), f.savings, f.currency)
	}

	risk := "Spend is stable."
	switch {
	case f.bySeverity[api.SeverityCritical] > 0:
		risk = "Critical anomalies need investigation before the next billing cycle."
	case f.direction == "increasing":
		risk = "Spend is rising; budgets may be exceeded if the trend continues."
	}

	return api.NarrativeResult{
		ExecutiveSummary:    summary,
		KeyDrivers:          drivers,
		AnomalyAnalysis:     anomalies,
		RecommendationsText: recs,
		RiskAssessment:      risk,
		ParseStatus:         api.ParseDegraded,
	}
}
