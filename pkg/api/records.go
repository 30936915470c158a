// Package api defines the data model shared by the insight components
// and the contracts exchanged with the collection, storage and client-management layers.
package api

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Provider identifies a cloud provider
type Provider string

const (
	ProviderAWS   Provider = "aws"
	ProviderGCP   Provider = "gcp"
	ProviderAzure Provider = "azure"
)

// Valid reports whether p is a supported provider.
func (p Provider) Valid() bool {
	switch p {
	case ProviderAWS, ProviderGCP, ProviderAzure:
		return true
	}
	return false
}

// NormalizedCostRecord is one day of spend for a service in an account, already
// converted to the client's reporting currency. Records are never mutated after ingestion.
type NormalizedCostRecord struct {
	ClientID        string          `json:"client_id"`
	Provider        Provider        `json:"provider"`
	Service         string          `json:"service"`          // Provider service name as billed
	ServiceCategory string          `json:"service_category"` // Unified category, empty until mapped
	AccountID       string          `json:"account_id"`
	Region          string          `json:"region"`
	Date            time.Time       `json:"date"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
}

// DedupKey identifies a record within a client's ingestion window.
func (r NormalizedCostRecord) DedupKey() string {
	return fmt.Sprintf("%s|%s|%s|%s", r.Provider, r.AccountID, r.Service, r.Date.Format(DateLayout))
}

// DateLayout is the canonical day format used in keys and files.
const DateLayout = "2006-01-02"

// Window is an inclusive range of whole days.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// NewWindow truncates both ends to UTC days.
func NewWindow(start, end time.Time) Window {
	return Window{Start: truncateDay(start), End: truncateDay(end)}
}

// ParseWindow parses "YYYY-MM-DD_YYYY-MM-DD".
func ParseWindow(s string) (Window, error) {
	parts := strings.Split(s, "_")
	if len(parts) != 2 {
		return Window{}, fmt.Errorf("window %q: expected START_END", s)
	}
	start, err := time.Parse(DateLayout, parts[0])
	if err != nil {
		return Window{}, fmt.Errorf("window start: %w", err)
	}
	end, err := time.Parse(DateLayout, parts[1])
	if err != nil {
		return Window{}, fmt.Errorf("window end: %w", err)
	}
	w := NewWindow(start, end)
	if err := w.Validate(); err != nil {
		return Window{}, err
	}
	return w, nil
}

// Key is the stable identifier used for idempotent bundle replacement.
func (w Window) Key() string {
	return w.Start.Format(DateLayout) + "_" + w.End.Format(DateLayout)
}

// Days returns the number of days in the window, inclusive.
func (w Window) Days() int {
	return int(w.End.Sub(w.Start).Hours()/24) + 1
}

// Contains reports whether t falls on a day inside the window.
func (w Window) Contains(t time.Time) bool {
	d := truncateDay(t)
	return !d.Before(w.Start) && !d.After(w.End)
}

// Validate checks the window is non-empty.
func (w Window) Validate() error {
	if w.Start.IsZero() || w.End.IsZero() {
		return fmt.Errorf("window bounds must be set")
	}
	if w.End.Before(w.Start) {
		return fmt.Errorf("window end %s before start %s", w.End.Format(DateLayout), w.Start.Format(DateLayout))
	}
	return nil
}

func (w Window) String() string {
	return w.Key()
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// MappingSource records which resolution step produced a ServiceMapping
type MappingSource string

const (
	SourceCustomRule MappingSource = "custom-rule"
	SourceBuiltIn    MappingSource = "built-in"
	SourceFuzzy      MappingSource = "fuzzy-match"
	SourceUnmapped   MappingSource = "unmapped"
)

// ServiceMapping ties a provider service name to a unified category
type ServiceMapping struct {
	Provider        Provider      `json:"provider"`
	RawServiceName  string        `json:"raw_service_name"`
	UnifiedCategory string        `json:"unified_category"`
	Confidence      float64       `json:"confidence"`
	Source          MappingSource `json:"source"`
	NeedsReview     bool          `json:"needs_review,omitempty"`
}

// TimeSeriesPoint is one observation of a cost series
type TimeSeriesPoint struct {
	Timestamp time.Time         `json:"timestamp"`
	Value     float64           `json:"value"`
	Tags      map[string]string `json:"dimension_tags,omitempty"`
}

// Series dimensions
const (
	DimensionCategory = "category"
	DimensionAccount  = "account"
	DimensionTotal    = "total"
)

// Series is an ordered daily cost series for one dimension of a client's spend.
type Series struct {
	ID        string            `json:"id"`
	ClientID  string            `json:"client_id"`
	Dimension string            `json:"dimension"`
	Key       string            `json:"key"` // Category name, account ID, or "total"
	Points    []TimeSeriesPoint `json:"points"`
}

// Values returns the point values in order.
func (s Series) Values() []float64 {
	out := make([]float64, len(s.Points))
	for i, p := range s.Points {
		out[i] = p.Value
	}
	return out
}

// Span is the window from the first to the last point. It is zero for an empty series.
func (s Series) Span() Window {
	if len(s.Points) == 0 {
		return Window{}
	}
	return NewWindow(s.Points[0].Timestamp, s.Points[len(s.Points)-1].Timestamp)
}

// SeriesID builds the canonical series identifier.
func SeriesID(clientID, dimension, key string) string {
	if dimension == DimensionTotal {
		return clientID + "/total"
	}
	return clientID + "/" + dimension + "/" + key
}
