// Package postgres serves client preferences from the client-management database.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"cost-insight/decision/insight"
	"cost-insight/pkg/api"
)

// ChangeChannel is the NOTIFY channel carrying the client ID of updated preferences.
const ChangeChannel = "client_preferences_changed"

const schema = `
CREATE TABLE IF NOT EXISTS client_preferences (
	client_id             TEXT PRIMARY KEY,
	anomaly_sensitivity   TEXT NOT NULL DEFAULT 'medium',
	excluded_services     TEXT[] NOT NULL DEFAULT '{}',
	risk_tolerance        TEXT NOT NULL DEFAULT 'medium',
	forecast_horizon_days INTEGER NOT NULL DEFAULT 30,
	custom_rules          JSONB NOT NULL DEFAULT '[]',
	updated_at            TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// undefined_table
const codeUndefinedTable = "42P01"

// Store implements insight.PreferenceSource on PostgreSQL
type Store struct {
	db     *sql.DB
	dsn    string
	logger zerolog.Logger
}

// Open connects using a lib/pq connection string or URL
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db, dsn: dsn, logger: zerolog.Nop()}, nil
}

// WithLogger sets the logger
func (s *Store) WithLogger(l zerolog.Logger) *Store {
	s.logger = l.With().Str("component", "preferences").Logger()
	return s
}

// Close closes the pool
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate creates the preferences table
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Preferences loads a client's stored preferences. A client without a row, or a
// database without the table, yields insight.ErrNoPreferences.
func (s *Store) Preferences(ctx context.Context, clientID string) (api.ClientPreferences, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT client_id, anomaly_sensitivity, excluded_services, risk_tolerance,
		       forecast_horizon_days, custom_rules
		FROM client_preferences
		WHERE client_id = $1`, clientID)

	var (
		p     api.ClientPreferences
		rules []byte
	)
	err := row.Scan(&p.ClientID, &p.AnomalySensitivity, pq.Array(&p.ExcludedServices),
		&p.RiskTolerance, &p.ForecastHorizonDays, &rules)
	switch {
	case errors.Is(err, sql.ErrNoRows), isUndefinedTable(err):
		return api.ClientPreferences{}, insight.ErrNoPreferences
	case err != nil:
		return api.ClientPreferences{}, fmt.Errorf("failed to load preferences for %s: %w", clientID, err)
	}
	if p.CustomRules, err = decodeRules(rules); err != nil {
		return api.ClientPreferences{}, fmt.Errorf("preferences for %s: %w", clientID, err)
	}
	return p, nil
}

// Save validates and upserts preferences, then notifies listeners on ChangeChannel
func (s *Store) Save(ctx context.Context, p api.ClientPreferences) error {
	p = p.WithDefaults()
	if err := p.Validate(); err != nil {
		return err
	}
	rules, err := json.Marshal(p.CustomRules)
	if err != nil {
		return fmt.Errorf("failed to encode rules: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO client_preferences (
			client_id, anomaly_sensitivity, excluded_services, risk_tolerance,
			forecast_horizon_days, custom_rules, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (client_id) DO UPDATE SET
			anomaly_sensitivity = EXCLUDED.anomaly_sensitivity,
			excluded_services = EXCLUDED.excluded_services,
			risk_tolerance = EXCLUDED.risk_tolerance,
			forecast_horizon_days = EXCLUDED.forecast_horizon_days,
			custom_rules = EXCLUDED.custom_rules,
			updated_at = now()`,
		p.ClientID, string(p.AnomalySensitivity), pq.Array(p.ExcludedServices), string(p.RiskTolerance),
		p.ForecastHorizonDays, rules,
	); err != nil {
		return fmt.Errorf("failed to save preferences for %s: %w", p.ClientID, err)
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, ChangeChannel, p.ClientID); err != nil {
		return fmt.Errorf("failed to notify preference change: %w", err)
	}
	return tx.Commit()
}

// Watch calls onChange with the client ID of every preference update until ctx is done.
// After a reconnect onChange receives "" since notifications may have been missed.
func (s *Store) Watch(ctx context.Context, onChange func(clientID string)) error {
	listener := pq.NewListener(s.dsn, time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			s.logger.Warn().Err(err).Int("event", int(ev)).Msg("preference listener event")
		}
	})
	defer listener.Close()

	if err := listener.Listen(ChangeChannel); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", ChangeChannel, err)
	}

	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n := <-listener.Notify:
			if n == nil {
				onChange("")
				continue
			}
			onChange(n.Extra)
		case <-ping.C:
			go listener.Ping()
		}
	}
}

func decodeRules(raw []byte) ([]api.MappingRule, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var rules []api.MappingRule
	if err := json.Unmarshal(raw, &rules); err != nil {
		return nil, fmt.Errorf("custom rules: %w", err)
	}
	if len(rules) == 0 {
		return nil, nil
	}
	return rules, nil
}

func isUndefinedTable(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == codeUndefinedTable
}

var _ insight.PreferenceSource = (*Store)(nil)
