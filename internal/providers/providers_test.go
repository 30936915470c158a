package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/pricing"
	"github.com/aws/aws-sdk-go-v2/service/pricing/types"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cost-insight/decision/taxonomy"
	"cost-insight/pkg/api"
	ierrors "cost-insight/pkg/errors"
)

type staticRecords []api.NormalizedCostRecord

func (s staticRecords) Records(_ context.Context, clientID string, window api.Window) ([]api.NormalizedCostRecord, error) {
	var out []api.NormalizedCostRecord
	for _, r := range s {
		if r.ClientID == clientID && window.Contains(r.Date) {
			out = append(out, r)
		}
	}
	return out, nil
}

type failingRecords struct{}

func (failingRecords) Records(context.Context, string, api.Window) ([]api.NormalizedCostRecord, error) {
	return nil, errors.New("store offline")
}

type fakePricing struct {
	pages map[string]*pricing.DescribeServicesOutput
	err   error
	calls int
}

func (f *fakePricing) DescribeServices(_ context.Context, in *pricing.DescribeServicesInput, _ ...func(*pricing.Options)) (*pricing.DescribeServicesOutput, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.pages[aws.ToString(in.NextToken)], nil
}

func newFakePricing() *fakePricing {
	return &fakePricing{pages: map[string]*pricing.DescribeServicesOutput{
		"": {
			Services:  []types.Service{{ServiceCode: aws.String("AmazonEC2")}, {ServiceCode: aws.String("AmazonS3")}},
			NextToken: aws.String("page-2"),
		},
		"page-2": {
			Services: []types.Service{{ServiceCode: aws.String("AmazonSageMaker")}, {}},
		},
	}}
}

func staticCreds(key string) aws.CredentialsProvider {
	return aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
		return aws.Credentials{AccessKeyID: key, SecretAccessKey: key}, nil
	})
}

func day(d int) time.Time {
	return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, d)
}

func record(p api.Provider, service string, d int) api.NormalizedCostRecord {
	return api.NormalizedCostRecord{
		ClientID: "acme", Provider: p, Service: service, AccountID: "a", Date: day(d),
		Amount: decimal.NewFromInt(10), Currency: "USD",
	}
}

// countingRecords counts store reads.
type countingRecords struct {
	staticRecords
	calls atomic.Int32
}

func (c *countingRecords) Records(ctx context.Context, clientID string, window api.Window) ([]api.NormalizedCostRecord, error) {
	c.calls.Add(1)
	return c.staticRecords.Records(ctx, clientID, window)
}

func TestRegistryRecords(t *testing.T) {
	store := &countingRecords{staticRecords: staticRecords{
		record(api.ProviderGCP, "BigQuery", 2),
		record(api.ProviderAWS, "AmazonEC2", 1),
		record(api.ProviderAzure, "Virtual Machines", 0),
		record(api.ProviderAWS, "AmazonEC2", 40),
	}}
	mapper := taxonomy.NewMapper(nil, nil)
	var buf bytes.Buffer
	reg := NewRegistry(store,
		NewAWSWithClient(mapper, newFakePricing(), staticCreds("k")),
		NewGCP(mapper),
	).WithLogger(zerolog.New(&buf))
	assert.Equal(t, []api.Provider{api.ProviderAWS, api.ProviderGCP}, reg.Providers())

	got, err := reg.Records(context.Background(), "acme", api.NewWindow(day(0), day(30)))
	require.NoError(t, err)
	require.Len(t, got, 2, "azure has no adapter and day 40 is outside the window")
	assert.Equal(t, api.ProviderAWS, got[0].Provider)
	assert.Equal(t, api.ProviderGCP, got[1].Provider)
	assert.EqualValues(t, 1, store.calls.Load(), "one store read per run, not one per adapter")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry), buf.String())
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "azure", entry["provider"])
	assert.Equal(t, "acme", entry["client_id"])
	assert.EqualValues(t, 1, entry["records"])

	_, err = NewRegistry(failingRecords{}, NewAzure(mapper)).Records(context.Background(), "acme", api.NewWindow(day(0), day(30)))
	assert.ErrorContains(t, err, "store offline")

	empty, err := NewRegistry(nil, NewGCP(mapper)).Records(context.Background(), "acme", api.NewWindow(day(0), day(30)))
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestBatchGroupsByProvider(t *testing.T) {
	window := api.NewWindow(day(0), day(30))
	batch := NewBatch("acme", window, []api.NormalizedCostRecord{
		record(api.ProviderGCP, "BigQuery", 2),
		record(api.ProviderAWS, "AmazonEC2", 3),
		record(api.ProviderAWS, "AmazonS3", 1),
	})
	assert.Equal(t, []api.Provider{api.ProviderAWS, api.ProviderGCP}, batch.Providers())
	require.Len(t, batch.For(api.ProviderAWS), 2)
	assert.Equal(t, "AmazonEC2", batch.For(api.ProviderAWS)[0].Service, "order within a provider is kept")
	assert.Empty(t, batch.For(api.ProviderAzure))

	recs, err := NewGCP(taxonomy.NewMapper(nil, nil)).Collect(context.Background(), batch)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	recs[0].Service = "changed"
	assert.Equal(t, "BigQuery", batch.For(api.ProviderGCP)[0].Service, "adapters hand out copies")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewGCP(taxonomy.NewMapper(nil, nil)).Collect(ctx, batch)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMapService(t *testing.T) {
	mapper := taxonomy.NewMapper(nil, nil)
	a := NewAWSWithClient(mapper, newFakePricing(), nil)
	m := a.MapService("AmazonEC2", "acme")
	assert.Equal(t, taxonomy.CategoryCompute, m.UnifiedCategory)
	assert.Equal(t, api.ProviderAWS, m.Provider)

	recs, err := a.Collect(context.Background(), NewBatch("acme", api.NewWindow(day(0), day(1)), nil))
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestAWSServiceNames(t *testing.T) {
	fake := newFakePricing()
	a := NewAWSWithClient(taxonomy.NewMapper(nil, nil), fake, nil)
	names, err := a.ServiceNames(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"AmazonEC2", "AmazonS3", "AmazonSageMaker"}, names)
	assert.Equal(t, 2, fake.calls)

	catalog := taxonomy.NewCatalog(a)
	require.NoError(t, catalog.RefreshIfStale(context.Background()))
}

func TestAWSValidateCredentials(t *testing.T) {
	mapper := taxonomy.NewMapper(nil, nil)

	err := NewAWSWithClient(mapper, newFakePricing(), staticCreds("AKIA")).ValidateCredentials(context.Background())
	assert.NoError(t, err)

	err = NewAWSWithClient(mapper, newFakePricing(), staticCreds("")).ValidateCredentials(context.Background())
	assert.Equal(t, ierrors.KindPermanent, ierrors.KindOf(err))

	err = NewAWSWithClient(mapper, newFakePricing(), nil).ValidateCredentials(context.Background())
	assert.Equal(t, ierrors.KindPermanent, ierrors.KindOf(err))

	down := &fakePricing{err: errors.New("connection reset")}
	err = NewAWSWithClient(mapper, down, staticCreds("AKIA")).ValidateCredentials(context.Background())
	assert.True(t, ierrors.IsRetryable(err))
}

func TestGCPValidateCredentials(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "sa.json")
	require.NoError(t, os.WriteFile(good, []byte(`{"type":"service_account","project_id":"p","client_email":"x@p.iam.gserviceaccount.com"}`), 0600))
	user := filepath.Join(dir, "user.json")
	require.NoError(t, os.WriteFile(user, []byte(`{"type":"authorized_user"}`), 0600))

	mapper := taxonomy.NewMapper(nil, nil)
	tests := []struct {
		name string
		path string
		ok   bool
	}{
		{"service account", good, true},
		{"user credentials", user, false},
		{"missing file", filepath.Join(dir, "nope.json"), false},
		{"unset", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewGCP(mapper).WithCredentialsFile(tt.path).ValidateCredentials(context.Background())
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, ierrors.KindPermanent, ierrors.KindOf(err))
		})
	}
}

func TestAzureValidateCredentials(t *testing.T) {
	mapper := taxonomy.NewMapper(nil, nil)
	ok := ServicePrincipal{
		TenantID:     "72f988bf-86f1-41af-91ab-2d7cd011db47",
		ClientID:     "04b07795-8ddb-461a-bbee-02f9e1bf7b46",
		ClientSecret: "s",
	}
	assert.NoError(t, NewAzure(mapper).WithPrincipal(ok).ValidateCredentials(context.Background()))

	bad := ok
	bad.TenantID = "contoso"
	bad.ClientSecret = ""
	err := NewAzure(mapper).WithPrincipal(bad).ValidateCredentials(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `tenant_id "contoso" is not a GUID`)
	assert.Contains(t, err.Error(), "client_secret is required")
	assert.NotContains(t, err.Error(), "client_id")

	upper := ok
	upper.TenantID = strings.ToUpper(ok.TenantID)
	assert.NoError(t, NewAzure(mapper).WithPrincipal(upper).ValidateCredentials(context.Background()), "GUIDs are case-insensitive")

	reg := NewRegistry(nil, NewAzure(mapper).WithPrincipal(bad), NewGCP(mapper).WithCredentialsFile(""))
	assert.Len(t, reg.ValidateAll(context.Background()), 2)
}
