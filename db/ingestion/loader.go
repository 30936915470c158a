// Package ingestion loads normalized cost record exports into a record store.
package ingestion

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"cost-insight/pkg/api"
	ierrors "cost-insight/pkg/errors"
)

// Sink receives validated records in batches
type Sink interface {
	InsertRecords(ctx context.Context, records []api.NormalizedCostRecord) error
}

// Columns that must appear in the header. client_id may be omitted when Options.ClientID is set.
var requiredColumns = []string{"provider", "service", "account_id", "date", "amount"}

// Options controls a load
type Options struct {
	ClientID  string // Used when the file has no client_id column
	Currency  string // Used when the file has no currency column; defaults to USD
	BatchSize int
}

// RowError describes a rejected row
type RowError struct {
	Line int
	Err  error
}

func (e RowError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

// Result tracks the outcome of a load
type Result struct {
	Rows       int
	Inserted   int
	Duplicates int
	Rejected   []RowError
	Duration   time.Duration
}

// Loader parses CSV exports of normalized cost records
type Loader struct {
	sink   Sink
	opts   Options
	logger zerolog.Logger
}

// NewLoader creates a loader writing to sink
func NewLoader(sink Sink, opts Options) *Loader {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1000
	}
	if opts.Currency == "" {
		opts.Currency = "USD"
	}
	return &Loader{sink: sink, opts: opts, logger: zerolog.Nop()}
}

// WithLogger sets the logger
func (l *Loader) WithLogger(logger zerolog.Logger) *Loader {
	l.logger = logger.With().Str("component", "ingestion").Logger()
	return l
}

// Load reads every row from r. Malformed rows are reported in the result and skipped;
// rows repeating an earlier dedup key within the file are counted and dropped.
// A sink failure aborts the load.
func (l *Loader) Load(ctx context.Context, r io.Reader) (*Result, error) {
	start := time.Now()
	result := &Result{}

	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.ReuseRecord = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, ierrors.NewDataQualityError(ierrors.ErrCodeInvalidRequest, "empty cost export")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	cols, err := l.columns(header)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	batch := make([]api.NormalizedCostRecord, 0, l.opts.BatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := l.sink.InsertRecords(ctx, batch); err != nil {
			return fmt.Errorf("failed to insert batch ending at row %d: %w", result.Rows, err)
		}
		result.Inserted += len(batch)
		batch = batch[:0]
		return nil
	}

	line := 1
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			result.Rejected = append(result.Rejected, RowError{Line: line, Err: err})
			continue
		}
		result.Rows++

		rec, err := l.parseRow(cols, row)
		if err != nil {
			result.Rejected = append(result.Rejected, RowError{Line: line, Err: err})
			continue
		}
		key := rec.ClientID + "|" + rec.DedupKey()
		if seen[key] {
			result.Duplicates++
			continue
		}
		seen[key] = true

		batch = append(batch, rec)
		if len(batch) >= l.opts.BatchSize {
			if err := flush(); err != nil {
				return result, err
			}
		}
	}
	if err := flush(); err != nil {
		return result, err
	}

	result.Duration = time.Since(start)
	l.logger.Info().
		Int("rows", result.Rows).
		Int("inserted", result.Inserted).
		Int("duplicates", result.Duplicates).
		Int("rejected", len(result.Rejected)).
		Dur("duration", result.Duration).
		Msg("cost export loaded")
	return result, nil
}

func (l *Loader) columns(header []string) (map[string]int, error) {
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	var missing []string
	for _, c := range requiredColumns {
		if _, ok := cols[c]; !ok {
			missing = append(missing, c)
		}
	}
	if _, ok := cols["client_id"]; !ok && l.opts.ClientID == "" {
		missing = append(missing, "client_id")
	}
	if len(missing) > 0 {
		return nil, ierrors.NewDataQualityError(ierrors.ErrCodeInvalidRequest,
			"cost export missing columns: "+strings.Join(missing, ", "))
	}
	return cols, nil
}

func (l *Loader) parseRow(cols map[string]int, row []string) (api.NormalizedCostRecord, error) {
	get := func(name string) string {
		i, ok := cols[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	rec := api.NormalizedCostRecord{
		ClientID:        get("client_id"),
		Provider:        api.Provider(strings.ToLower(get("provider"))),
		Service:         get("service"),
		ServiceCategory: get("service_category"),
		AccountID:       get("account_id"),
		Region:          get("region"),
		Currency:        strings.ToUpper(get("currency")),
	}
	if rec.ClientID == "" {
		rec.ClientID = l.opts.ClientID
	}
	if rec.Currency == "" {
		rec.Currency = l.opts.Currency
	}
	if !rec.Provider.Valid() {
		return rec, fmt.Errorf("unknown provider %q", get("provider"))
	}
	if rec.Service == "" {
		return rec, fmt.Errorf("service is empty")
	}

	date, err := time.Parse(api.DateLayout, get("date"))
	if err != nil {
		return rec, fmt.Errorf("invalid date: %w", err)
	}
	rec.Date = date.UTC()

	amount, err := decimal.NewFromString(get("amount"))
	if err != nil {
		return rec, fmt.Errorf("invalid amount %q: %w", get("amount"), err)
	}
	rec.Amount = amount
	return rec, nil
}
