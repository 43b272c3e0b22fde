package gpu

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Client talks to the remote GPU-rental provider. The provider contract is
// three endpoints — POST /start, POST /stop, GET /healthz — authenticated
// with a bearer token. No request or response bodies are parsed; only the
// status code matters.
type Client struct {
	Endpoint   string
	APIKey     string
	PodID      string
	HTTPClient *http.Client
}

func NewClient(endpoint, apiKey, podID string) *Client {
	return &Client{
		Endpoint: endpoint,
		APIKey:   apiKey,
		PodID:    podID,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) do(ctx context.Context, method, path string) error {
	req, err := http.NewRequestWithContext(ctx, method, c.Endpoint+path, nil)
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	if c.PodID != "" {
		req.Header.Set("X-Pod-Id", c.PodID)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	return nil
}

func (c *Client) Start(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/start")
}

func (c *Client) Stop(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/stop")
}

// Healthy reports whether the rented worker answers its readiness probe
// with a 2xx.
func (c *Client) Healthy(ctx context.Context) bool {
	return c.do(ctx, http.MethodGet, "/healthz") == nil
}
