package clickhouse

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cost-insight/decision/insight"
	"cost-insight/pkg/api"
)

// Column order is shared by the statements and the row builders below.
var (
	recordColumns = []string{
		"client_id", "provider", "account_id", "service", "date",
		"service_category", "region", "amount", "currency", "_version",
	}
	bundleColumns = []string{
		"client_id", "window_key", "run_id", "quality_score", "generated_at", "payload", "_version",
	}
)

var (
	insertRecordsQuery = "INSERT INTO cost_records (" + strings.Join(recordColumns, ", ") + ")"

	selectRecordsQuery = `
		SELECT client_id, provider, service, service_category, account_id,
			   region, date, amount, currency
		FROM cost_records FINAL
		WHERE client_id = ? AND date >= ? AND date <= ? AND _deleted = 0
		ORDER BY date, provider, account_id, service`

	selectClientsQuery = `SELECT DISTINCT client_id FROM cost_records ORDER BY client_id`

	insertBundleQuery = "INSERT INTO insight_bundles (" + strings.Join(bundleColumns, ", ") +
		") VALUES (" + strings.TrimSuffix(strings.Repeat("?, ", len(bundleColumns)), ", ") + ")"

	selectBundleQuery = `
		SELECT payload
		FROM insight_bundles FINAL
		WHERE client_id = ? AND window_key = ? AND _deleted = 0
		LIMIT 1`
)

// recordRow is r in recordColumns order. Every row of one insert shares version.
func recordRow(r api.NormalizedCostRecord, version uint64) []any {
	return []any{
		r.ClientID, string(r.Provider), r.AccountID, r.Service, r.Date.UTC(),
		r.ServiceCategory, r.Region, r.Amount, r.Currency, version,
	}
}

// recordsArgs binds the window bounds of selectRecordsQuery.
func recordsArgs(clientID string, window api.Window) []any {
	return []any{clientID, window.Start, window.End}
}

// bundleRow is the bundle in bundleColumns order. The version is the generation time,
// so FINAL keeps the newest run of a window.
func bundleRow(bundle *api.InsightBundle) ([]any, error) {
	payload, err := json.Marshal(bundle)
	if err != nil {
		return nil, fmt.Errorf("failed to encode bundle: %w", err)
	}
	return []any{
		bundle.ClientID,
		bundle.Window.Key(),
		bundle.RunID,
		bundle.QualityScore,
		bundle.GeneratedAt,
		string(payload),
		uint64(bundle.GeneratedAt.UnixNano()),
	}, nil
}

// decodeBundle turns a selectBundleQuery result into a bundle.
func decodeBundle(payload string, err error) (*api.InsightBundle, error) {
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
