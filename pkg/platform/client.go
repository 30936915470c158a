package platform

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// HTTPClient posts JSON with retries on network errors and 5xx responses
type HTTPClient struct {
	Client  *http.Client
	Retries int
	Timeout time.Duration
	Logger  zerolog.Logger
	Headers map[string]string

	sleep func(context.Context, time.Duration) error
}

func NewHTTPClient(retries int, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		Client: &http.Client{
			Timeout: timeout,
		},
		Retries: retries,
		Timeout: timeout,
		Logger:  zerolog.Nop(),
		sleep:   sleepCtx,
	}
}

// PostJSON sends body to url. The caller closes the returned response body.
// The last response is returned even when it is a 5xx.
func (c *HTTPClient) PostJSON(ctx context.Context, url string, body []byte) (*http.Response, error) {
	var resp *http.Response
	var err error

	for i := 0; i <= c.Retries; i++ {
		req, rErr := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if rErr != nil {
			return nil, rErr
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range c.Headers {
			req.Header.Set(k, v)
		}

		resp, err = c.Client.Do(req)
		if err == nil && resp.StatusCode < 500 {
			return resp, nil
		}

		if i < c.Retries {
			status := 0
			if resp != nil {
				status = resp.StatusCode
				resp.Body.Close()
			}
			c.Logger.Warn().Err(err).Str("url", url).Int("attempt", i+1).Int("status", status).
				Msg("HTTP request failed, retrying")
			if sErr := c.sleep(ctx, time.Duration(1<<i)*200*time.Millisecond); sErr != nil {
				return nil, sErr
			}
		}
	}

	if err != nil {
		return nil, fmt.Errorf("request failed after %d retries: %w", c.Retries, err)
	}
	return resp, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
