package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cost-insight/decision/insight"
	"cost-insight/pkg/api"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func day(d int) time.Time {
	return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, d)
}

func rec(client, service string, d int, amount string) api.NormalizedCostRecord {
	return api.NormalizedCostRecord{
		ClientID:  client,
		Provider:  api.ProviderAWS,
		Service:   service,
		AccountID: "111",
		Region:    "us-east-1",
		Date:      day(d),
		Amount:    decimal.RequireFromString(amount),
		Currency:  "USD",
	}
}

func TestRecordsRoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertRecords(ctx, []api.NormalizedCostRecord{
		rec("acme", "AmazonEC2", 0, "10.125"),
		rec("acme", "AmazonS3", 1, "2"),
		rec("acme", "AmazonEC2", 40, "99"),
		rec("globex", "AmazonEC2", 0, "1"),
	}))
	// same key replaces the stored amount
	require.NoError(t, s.InsertRecords(ctx, []api.NormalizedCostRecord{rec("acme", "AmazonS3", 1, "3.5")}))

	got, err := s.Records(ctx, "acme", api.NewWindow(day(0), day(30)))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "AmazonEC2", got[0].Service)
	assert.True(t, decimal.RequireFromString("10.125").Equal(got[0].Amount))
	assert.True(t, decimal.RequireFromString("3.5").Equal(got[1].Amount))
	assert.Equal(t, day(1), got[1].Date)
	assert.Equal(t, api.ProviderAWS, got[1].Provider)

	clients, err := s.Clients(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"acme", "globex"}, clients)
}

func TestBundleReplace(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	window := api.NewWindow(day(0), day(30))

	_, err := s.Latest(ctx, "acme", window)
	assert.ErrorIs(t, err, insight.ErrBundleNotFound)

	first := &api.InsightBundle{RunID: uuid.New(), ClientID: "acme", Window: window, QualityScore: 0.5, GeneratedAt: day(31)}
	second := &api.InsightBundle{RunID: uuid.New(), ClientID: "acme", Window: window, QualityScore: 0.9, GeneratedAt: day(32)}
	require.NoError(t, s.Replace(ctx, first))
	require.NoError(t, s.Replace(ctx, second))

	got, err := s.Latest(ctx, "acme", window)
	require.NoError(t, err)
	assert.Equal(t, second.RunID, got.RunID)
	assert.InDelta(t, 0.9, got.QualityScore, 1e-9)

	var n int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM insight_bundles`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestOpenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "insight.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Ping(context.Background()))
	require.NoError(t, s.Close())
}
