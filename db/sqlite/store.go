// Package sqlite is a single-file store for cost records and insight bundles.
// It backs local runs of the CLI and deployments without ClickHouse.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"cost-insight/decision/insight"
	"cost-insight/pkg/api"
)

const schema = `
CREATE TABLE IF NOT EXISTS cost_records (
	client_id        TEXT NOT NULL,
	provider         TEXT NOT NULL,
	account_id       TEXT NOT NULL,
	service          TEXT NOT NULL,
	date             TEXT NOT NULL,
	service_category TEXT NOT NULL DEFAULT '',
	region           TEXT NOT NULL DEFAULT '',
	amount           TEXT NOT NULL,
	currency         TEXT NOT NULL,
	PRIMARY KEY (client_id, provider, account_id, service, date)
);

CREATE INDEX IF NOT EXISTS idx_cost_records_client_date ON cost_records(client_id, date);

CREATE TABLE IF NOT EXISTS insight_bundles (
	client_id     TEXT NOT NULL,
	window_key    TEXT NOT NULL,
	run_id        TEXT NOT NULL,
	quality_score REAL NOT NULL,
	generated_at  TEXT NOT NULL,
	payload       TEXT NOT NULL,
	PRIMARY KEY (client_id, window_key)
);
`

// Store implements insight.RecordSource and insight.BundleStore on SQLite
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path. ":memory:" gives a private in-memory database.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One writer at a time; a single connection also keeps ":memory:" databases alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// InsertRecords writes records in one transaction. A record with the same
// client, provider, account, service and date as a stored one replaces it.
func (s *Store) InsertRecords(ctx context.Context, records []api.NormalizedCostRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO cost_records (
			client_id, provider, account_id, service, date,
			service_category, region, amount, currency
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx,
			r.ClientID, string(r.Provider), r.AccountID, r.Service, r.Date.UTC().Format(api.DateLayout),
			r.ServiceCategory, r.Region, r.Amount.String(), r.Currency,
		); err != nil {
			return fmt.Errorf("failed to insert record %s: %w", r.DedupKey(), err)
		}
	}
	return tx.Commit()
}

// Records returns a client's records for the window ordered by date
func (s *Store) Records(ctx context.Context, clientID string, window api.Window) ([]api.NormalizedCostRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT client_id, provider, service, service_category, account_id, region, date, amount, currency
		FROM cost_records
		WHERE client_id = ? AND date >= ? AND date <= ?
		ORDER BY date, provider, account_id, service`,
		clientID, window.Start.Format(api.DateLayout), window.End.Format(api.DateLayout))
	if err != nil {
		return nil, fmt.Errorf("failed to query cost records: %w", err)
	}
	defer rows.Close()

	var out []api.NormalizedCostRecord
	for rows.Next() {
		var (
			r                api.NormalizedCostRecord
			provider         string
			date, amountText string
		)
		if err := rows.Scan(&r.ClientID, &provider, &r.Service, &r.ServiceCategory, &r.AccountID,
			&r.Region, &date, &amountText, &r.Currency); err != nil {
			return nil, fmt.Errorf("failed to scan cost record: %w", err)
		}
		r.Provider = api.Provider(provider)
		if r.Date, err = time.Parse(api.DateLayout, date); err != nil {
			return nil, fmt.Errorf("stored date %q: %w", date, err)
		}
		if r.Amount, err = decimal.NewFromString(amountText); err != nil {
			return nil, fmt.Errorf("stored amount %q: %w", amountText, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Clients lists every client with stored records
func (s *Store) Clients(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT client_id FROM cost_records ORDER BY client_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Replace upserts the bundle for its client and window in a single statement
func (s *Store) Replace(ctx context.Context, bundle *api.InsightBundle) error {
	payload, err := json.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("failed to encode bundle: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO insight_bundles (client_id, window_key, run_id, quality_score, generated_at, payload)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (client_id, window_key) DO UPDATE SET
			run_id = excluded.run_id,
			quality_score = excluded.quality_score,
			generated_at = excluded.generated_at,
			payload = excluded.payload`,
		bundle.ClientID, bundle.Window.Key(), bundle.RunID.String(), bundle.QualityScore,
		bundle.GeneratedAt.UTC().Format(time.RFC3339Nano), string(payload))
	if err != nil {
		return fmt.Errorf("failed to store bundle: %w", err)
	}
	return nil
}

// Latest returns the current bundle for a client and window
func (s *Store) Latest(ctx context.Context, clientID string, window api.Window) (*api.InsightBundle, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM insight_bundles WHERE client_id = ? AND window_key = ?`,
		clientID, window.Key()).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, insight.ErrBundleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get bundle: %w", err)
	}

	var bundle api.InsightBundle
	if err := json.Unmarshal([]byte(payload), &bundle); err != nil {
		return nil, fmt.Errorf("failed to decode bundle: %w", err)
	}
	return &bundle, nil
}

var (
	_ insight.RecordSource = (*Store)(nil)
	_ insight.BundleStore  = (*Store)(nil)
)
