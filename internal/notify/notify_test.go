package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cost-insight/pkg/api"
	"cost-insight/pkg/platform"
)

func bundle() *api.InsightBundle {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return &api.InsightBundle{
		RunID:    uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8"),
		ClientID: "acme",
		Window:   api.NewWindow(start, start.AddDate(0, 0, 89)),
		Anomalies: []api.AnomalyRecord{
			{Severity: api.SeverityCritical},
			{Severity: api.SeverityMedium},
		},
		Recommendations: []api.RecommendationRecord{{}},
		Narrative:       api.NarrativeResult{ParseStatus: api.ParseStructured},
		QualityScore:    0.9,
		GeneratedAt:     start.AddDate(0, 3, 0),
	}
}

func TestNewEvent(t *testing.T) {
	ev := NewEvent(bundle())
	assert.Equal(t, "2026-01-01_2026-03-31", ev.Window)
	assert.Equal(t, 2, ev.Anomalies)
	assert.Equal(t, 1, ev.CriticalCount)
	assert.Equal(t, 1, ev.Recommendations)
	assert.Equal(t, api.ParseStructured, ev.ParseStatus)
}

func TestWebhookPublisher(t *testing.T) {
	var got BundleEvent
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	require.NoError(t, NewWebhookPublisher(srv.URL, nil).Publish(context.Background(), bundle()))
	assert.Equal(t, "acme", got.ClientID)
	assert.InDelta(t, 0.9, got.QualityScore, 1e-9)
}

func TestWebhookPublisherRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	err := NewWebhookPublisher(srv.URL, platform.NewHTTPClient(0, time.Second)).Publish(context.Background(), bundle())
	assert.ErrorContains(t, err, "403")
}

func TestRedisPublisherUnreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 200 * time.Millisecond})
	p := NewRedisPublisherWithClient(client, "")
	defer p.Close()
	assert.Equal(t, DefaultChannel, p.channel)

	err := p.Publish(context.Background(), bundle())
	assert.ErrorContains(t, err, "failed to publish event")

	_, err = NewRedisPublisher(context.Background(), "127.0.0.1:1", "", 0, "")
	assert.Error(t, err)
}

type recordingPublisher struct {
	calls int
	err   error
}

func (r *recordingPublisher) Publish(context.Context, *api.InsightBundle) error {
	r.calls++
	return r.err
}

func TestMultiPublishesToAll(t *testing.T) {
	failing := &recordingPublisher{err: assert.AnError}
	ok := &recordingPublisher{}
	err := Multi{failing, ok}.Publish(context.Background(), bundle())
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 1, failing.calls)
	assert.Equal(t, 1, ok.calls)

	assert.NoError(t, Multi{ok}.Publish(context.Background(), bundle()))
}
