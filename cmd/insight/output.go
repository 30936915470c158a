package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"cost-insight/pkg/api"
)

// =============================================================================
// OUTPUT FORMATTERS
// =============================================================================

const maxRows = 5

func writeBundle(w io.Writer, b *api.InsightBundle, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(b)
	case "markdown":
		return writeMarkdown(w, b)
	case "table", "":
		return writeTable(w, b)
	default:
		return fmt.Errorf("unknown format %q (want table, json, markdown)", format)
	}
}

func writeTable(w io.Writer, b *api.InsightBundle) error {
	line := strings.Repeat("═", 64)
	fmt.Fprintln(w)
	fmt.Fprintf(w, "╔%s╗\n", line)
	fmt.Fprintf(w, "║  %-61s ║\n", "COST INSIGHT: "+b.ClientID)
	fmt.Fprintf(w, "╠%s╣\n", line)
	fmt.Fprintf(w, "║  Window:          %-45s ║\n", b.Window.Key())
	fmt.Fprintf(w, "║  Quality score:   %-45s ║\n", fmt.Sprintf("%.2f", b.QualityScore))
	fmt.Fprintf(w, "║  Narrative:       %-45s ║\n", b.Narrative.ParseStatus)
	if len(b.Quality.DegradedSections) > 0 {
		fmt.Fprintf(w, "║  Degraded:        %-45s ║\n", truncate(strings.Join(b.Quality.DegradedSections, ", "), 45))
	}

	fmt.Fprintf(w, "╠%s╣\n", line)
	fmt.Fprintf(w, "║  %-61s ║\n", fmt.Sprintf("ANOMALIES (%d)", len(b.Anomalies)))
	for _, a := range head(len(b.Anomalies)) {
		an := b.Anomalies[a]
		fmt.Fprintf(w, "║  %-8s %-10s %-28s %13s ║\n",
			an.Severity, an.Timestamp.Format(api.DateLayout), truncate(seriesLabel(an.SeriesID), 28),
			fmt.Sprintf("%.2f", an.ObservedValue))
	}

	fmt.Fprintf(w, "╠%s╣\n", line)
	fmt.Fprintf(w, "║  %-61s ║\n", "FORECASTS")
	for _, f := range b.Forecasts {
		fmt.Fprintf(w, "║  %-30s %3dd  %26s ║\n",
			truncate(seriesLabel(f.SeriesID), 30), f.HorizonDays,
			fmt.Sprintf("%.2f [%.2f, %.2f]", f.PredictedValue, f.LowerBound, f.UpperBound))
	}

	fmt.Fprintf(w, "╠%s╣\n", line)
	fmt.Fprintf(w, "║  %-61s ║\n", fmt.Sprintf("RECOMMENDATIONS (%d)", len(b.Recommendations)))
	for _, i := range head(len(b.Recommendations)) {
		r := b.Recommendations[i]
		fmt.Fprintf(w, "║  %-20s %-16s %12s %10s ║\n",
			r.Kind, truncate(r.Category, 16), "$"+r.EstimatedSavings.StringFixed(2), fmt.Sprintf("%.2f", r.CompositeScore))
	}

	if b.Narrative.ExecutiveSummary != "" {
		fmt.Fprintf(w, "╠%s╣\n", line)
		for _, l := range wrap(b.Narrative.ExecutiveSummary, 61) {
			fmt.Fprintf(w, "║  %-61s ║\n", l)
		}
	}
	fmt.Fprintf(w, "╚%s╝\n", line)
	return nil
}

func writeMarkdown(w io.Writer, b *api.InsightBundle) error {
	fmt.Fprintf(w, "## Cost Insight Report: %s\n\n", b.ClientID)
	fmt.Fprintln(w, "| Metric | Value |")
	fmt.Fprintln(w, "|--------|-------|")
	fmt.Fprintf(w, "| **Window** | %s |\n", b.Window.Key())
	fmt.Fprintf(w, "| **Quality score** | %.2f |\n", b.QualityScore)
	fmt.Fprintf(w, "| **Anomalies** | %d |\n", len(b.Anomalies))
	fmt.Fprintf(w, "| **Recommendations** | %d |\n", len(b.Recommendations))

	if b.Narrative.ExecutiveSummary != "" {
		fmt.Fprintf(w, "\n### Summary\n\n%s\n", b.Narrative.ExecutiveSummary)
		if len(b.Narrative.KeyDrivers) > 0 {
			fmt.Fprintln(w)
			for _, d := range b.Narrative.KeyDrivers {
				fmt.Fprintf(w, "- %s\n", d)
			}
		}
	}

	if len(b.Anomalies) > 0 {
		fmt.Fprintf(w, "\n### Anomalies\n\n")
		fmt.Fprintln(w, "| Date | Series | Severity | Observed | Expected |")
		fmt.Fprintln(w, "|------|--------|----------|----------|----------|")
		for _, a := range b.Anomalies {
			fmt.Fprintf(w, "| %s | %s | %s | %.2f | %.2f |\n",
				a.Timestamp.Format(api.DateLayout), seriesLabel(a.SeriesID), a.Severity, a.ObservedValue, a.ExpectedValue)
		}
	}

	if len(b.Forecasts) > 0 {
		fmt.Fprintf(w, "\n### Forecasts\n\n")
		fmt.Fprintln(w, "| Series | Horizon | Predicted | Range | Confidence |")
		fmt.Fprintln(w, "|--------|---------|-----------|-------|------------|")
		for _, f := range b.Forecasts {
			fmt.Fprintf(w, "| %s | %dd | %.2f | %.2f to %.2f | %.0f%% |\n",
				seriesLabel(f.SeriesID), f.HorizonDays, f.PredictedValue, f.LowerBound, f.UpperBound, f.Confidence*100)
		}
	}

	if len(b.Recommendations) > 0 {
		fmt.Fprintf(w, "\n### Recommendations\n\n")
		for _, r := range b.Recommendations {
			fmt.Fprintf(w, "- **%s** (%s, saves $%s/month, score %.2f): %s\n",
				r.Kind, r.Category, r.EstimatedSavings.StringFixed(2), r.CompositeScore, r.Rationale)
		}
	}

	if b.Narrative.RiskAssessment != "" {
		fmt.Fprintf(w, "\n### Risk\n\n%s\n", b.Narrative.RiskAssessment)
	}
	return nil
}

// seriesLabel drops the client prefix from a series ID.
func seriesLabel(id string) string {
	if i := strings.Index(id, "/"); i >= 0 {
		return id[i+1:]
	}
	return id
}

func head(n int) []int {
	if n > maxRows {
		n = maxRows
	}
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func wrap(text string, width int) []string {
	var lines []string
	var cur strings.Builder
	for _, word := range strings.Fields(text) {
		if cur.Len() > 0 && cur.Len()+1+len(word) > width {
			lines = append(lines, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(truncate(word, width))
	}
	if cur.Len() > 0 {
		lines = append(lines, cur.String())
	}
	return lines
}
