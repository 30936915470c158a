// Package notify announces published bundles to report and webhook consumers.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"cost-insight/decision/insight"
	"cost-insight/pkg/api"
	"cost-insight/pkg/platform"
)

// DefaultChannel is the Redis channel bundle events are published on
const DefaultChannel = "insight_bundle_published"

// BundleEvent is the announcement of a published bundle. Consumers fetch the bundle itself by key.
type BundleEvent struct {
	RunID           uuid.UUID       `json:"run_id"`
	ClientID        string          `json:"client_id"`
	Window          string          `json:"window"`
	QualityScore    float64         `json:"quality_score"`
	ParseStatus     api.ParseStatus `json:"parse_status"`
	Anomalies       int             `json:"anomalies"`
	CriticalCount   int             `json:"critical_anomalies"`
	Recommendations int             `json:"recommendations"`
	GeneratedAt     time.Time       `json:"generated_at"`
}

// NewEvent summarises b
func NewEvent(b *api.InsightBundle) BundleEvent {
	ev := BundleEvent{
		RunID:           b.RunID,
		ClientID:        b.ClientID,
		Window:          b.Window.Key(),
		QualityScore:    b.QualityScore,
		ParseStatus:     b.Narrative.ParseStatus,
		Anomalies:       len(b.Anomalies),
		Recommendations: len(b.Recommendations),
		GeneratedAt:     b.GeneratedAt,
	}
	for _, a := range b.Anomalies {
		if a.Severity == api.SeverityCritical {
			ev.CriticalCount++
		}
	}
	return ev
}

// RedisPublisher publishes bundle events on a Redis channel
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

// NewRedisPublisher connects and pings the server
func NewRedisPublisher(ctx context.Context, addr, password string, db int, channel string) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisPublisherWithClient(client, channel), nil
}

// NewRedisPublisherWithClient wraps an existing client
func NewRedisPublisherWithClient(client *redis.Client, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{client: client, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, b *api.InsightBundle) error {
	msg, err := json.Marshal(NewEvent(b))
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, msg).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Subscribe returns a subscription to the event channel
func (p *RedisPublisher) Subscribe(ctx context.Context) *redis.PubSub {
	return p.client.Subscribe(ctx, p.channel)
}

// Close closes the Redis connection
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

// WebhookPublisher posts bundle events to an HTTP endpoint
type WebhookPublisher struct {
	url    string
	client *platform.HTTPClient
}

// NewWebhookPublisher posts to url with the given client
func NewWebhookPublisher(url string, client *platform.HTTPClient) *WebhookPublisher {
	if client == nil {
		client = platform.NewHTTPClient(2, 10*time.Second)
	}
	return &WebhookPublisher{url: url, client: client}
}

func (p *WebhookPublisher) Publish(ctx context.Context, b *api.InsightBundle) error {
	body, err := json.Marshal(NewEvent(b))
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	resp, err := p.client.PostJSON(ctx, p.url, body)
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("webhook: %s returned %d", p.url, resp.StatusCode)
	}
	return nil
}

// Multi publishes to every publisher and joins their errors
type Multi []insight.Publisher

func (m Multi) Publish(ctx context.Context, b *api.InsightBundle) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, b); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ insight.Publisher = (*RedisPublisher)(nil)
	_ insight.Publisher = (*WebhookPublisher)(nil)
	_ insight.Publisher = Multi(nil)
)
