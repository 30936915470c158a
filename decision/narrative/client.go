package narrative

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"cost-insight/pkg/api"
	ierrors "cost-insight/pkg/errors"
)

// Client is a language-model backend
type Client interface {
	Complete(ctx context.Context, req api.LLMRequest) (api.LLMResponse, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, req api.LLMRequest) (api.LLMResponse, error)

func (f ClientFunc) Complete(ctx context.Context, req api.LLMRequest) (api.LLMResponse, error) {
	return f(ctx, req)
}

// Backend defaults
const (
	DefaultEndpoint   = "https://api.anthropic.com/v1/messages"
	DefaultAPIVersion = "2023-06-01"
	maxResponseSize   = 4 * 1024 * 1024
)

// HTTPConfig configures the messages API backend
type HTTPConfig struct {
	Endpoint       string        `toml:"endpoint" validate:"omitempty,url"`
	APIKey         string        `toml:"-"`
	Model          string        `toml:"model" validate:"required"`
	APIVersion     string        `toml:"api_version"`
	RequestsPerSec float64       `toml:"requests_per_sec" validate:"gte=0"`
	Burst          int           `toml:"burst" validate:"gte=0"`
	Timeout        time.Duration `toml:"timeout" validate:"gte=0"`
}

// HTTPClient calls a messages-style completion API over HTTP.
type HTTPClient struct {
	cfg     HTTPConfig
	http    *http.Client
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// NewHTTPClient creates a backend client
func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerSec > 0 {
		limit = rate.Limit(cfg.RequestsPerSec)
	}
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	return &HTTPClient{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, cfg.Burst),
		logger:  zerolog.Nop(),
	}
}

// WithLogger sets the logger
func (c *HTTPClient) WithLogger(l zerolog.Logger) *HTTPClient {
	c.logger = l
	return c
}

type messagesRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
	System      string    `json:"system,omitempty"`
	Messages    []message `json:"messages"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Complete sends one request. Throttling, server faults and network failures are
// transient errors; authentication and validation failures are permanent.
func (c *HTTPClient) Complete(ctx context.Context, req api.LLMRequest) (api.LLMResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return api.LLMResponse{}, ierrors.NewTransientError(ierrors.ErrCodeRateLimited, "local rate limit wait", err)
	}

	body, err := json.Marshal(messagesRequest{
		Model:       c.cfg.Model,
		MaxTokens:   req.MaxOutputTokens,
		Temperature: req.Temperature,
		System:      req.System,
		Messages:    []message{{Role: "user", Content: req.Prompt}},
	})
	if err != nil {
		return api.LLMResponse{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return api.LLMResponse{}, ierrors.NewPermanentError(ierrors.ErrCodeInvalidRequest, "create request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", c.cfg.APIVersion)
	if req.GuardrailID != "" {
		httpReq.Header.Set("X-Guardrail-Id", req.GuardrailID)
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return api.LLMResponse{}, err
		}
		return api.LLMResponse{}, ierrors.NewTransientError(ierrors.ErrCodeUnavailable, "send request", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return api.LLMResponse{}, ierrors.NewTransientError(ierrors.ErrCodeUnavailable, "read response", err)
	}
	c.logger.Debug().
		Str("component", "narrative").
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("llm response")

	if resp.StatusCode != http.StatusOK {
		return api.LLMResponse{}, statusError(resp.StatusCode, raw)
	}

	var out messagesResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return api.LLMResponse{}, ierrors.NewTransientError(ierrors.ErrCodeUnavailable, "decode response envelope", err)
	}
	var text strings.Builder
	for _, block := range out.Content {
		if block.Type == "" || block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return api.LLMResponse{
		Text:       text.String(),
		StopReason: out.StopReason,
		TokenUsage: api.TokenUsage{InputTokens: out.Usage.InputTokens, OutputTokens: out.Usage.OutputTokens},
	}, nil
}

func statusError(status int, body []byte) error {
	msg := fmt.Sprintf("status %d: %s", status, truncate(string(body), 200))
	switch {
	case status == http.StatusTooManyRequests:
		return ierrors.NewTransientError(ierrors.ErrCodeRateLimited, msg, nil)
	case status == http.StatusRequestTimeout:
		return ierrors.NewTransientError(ierrors.ErrCodeTimeout, msg, nil)
	case status >= 500:
		return ierrors.NewTransientError(ierrors.ErrCodeUnavailable, msg, nil)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ierrors.NewPermanentError(ierrors.ErrCodeAuthFailed, msg, nil)
	default:
		return ierrors.NewPermanentError(ierrors.ErrCodeInvalidRequest, msg, nil)
	}
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
