package insight

import (
	"sort"

	"github.com/shopspring/decimal"

	"cost-insight/pkg/api"
)

// Dedupe drops records outside the window and keeps the first record per dedup key.
func Dedupe(records []api.NormalizedCostRecord, window api.Window) []api.NormalizedCostRecord {
	seen := make(map[string]bool, len(records))
	out := make([]api.NormalizedCostRecord, 0, len(records))
	for _, r := range records {
		if !window.Contains(r.Date) {
			continue
		}
		k := r.DedupKey()
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, r)
	}
	return out
}

// BuildSeries aggregates mapped records into daily series per category, per account and
// in total. Every series covers each day of the window; days without records are zero.
// Series are returned total first, then categories, then accounts, each sorted by key.
func BuildSeries(clientID string, window api.Window, records []api.NormalizedCostRecord) []api.Series {
	days := window.Days()
	if days <= 0 || len(records) == 0 {
		return nil
	}

	type key struct{ dim, name string }
	sums := make(map[key][]decimal.Decimal)
	add := func(k key, day int, amount decimal.Decimal) {
		s, ok := sums[k]
		if !ok {
			s = make([]decimal.Decimal, days)
			sums[k] = s
		}
		s[day] = s[day].Add(amount)
	}

	for _, r := range records {
		day := int(r.Date.UTC().Sub(window.Start).Hours() / 24)
		if day < 0 || day >= days {
			continue
		}
		category := r.ServiceCategory
		if category == "" {
			category = "Uncategorized"
		}
		add(key{api.DimensionTotal, api.DimensionTotal}, day, r.Amount)
		add(key{api.DimensionCategory, category}, day, r.Amount)
		if r.AccountID != "" {
			add(key{api.DimensionAccount, r.AccountID}, day, r.Amount)
		}
	}

	keys := make([]key, 0, len(sums))
	for k := range sums {
		keys = append(keys, k)
	}
	rank := map[string]int{api.DimensionTotal: 0, api.DimensionCategory: 1, api.DimensionAccount: 2}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].dim != keys[j].dim {
			return rank[keys[i].dim] < rank[keys[j].dim]
		}
		return keys[i].name < keys[j].name
	})

	out := make([]api.Series, 0, len(keys))
	for _, k := range keys {
		s := api.Series{
			ID:        api.SeriesID(clientID, k.dim, k.name),
			ClientID:  clientID,
			Dimension: k.dim,
			Key:       k.name,
			Points:    make([]api.TimeSeriesPoint, days),
		}
		var tags map[string]string
		if k.dim != api.DimensionTotal {
			tags = map[string]string{k.dim: k.name}
		}
		for d, v := range sums[k] {
			s.Points[d] = api.TimeSeriesPoint{
				Timestamp: window.Start.AddDate(0, 0, d),
				Value:     v.InexactFloat64(),
				Tags:      tags,
			}
		}
		out = append(out, s)
	}
	return out
}

// categoryOf returns the unified category a series belongs to, or "".
func categoryOf(s api.Series) string {
	if s.Dimension == api.DimensionCategory {
		return s.Key
	}
	return ""
}
