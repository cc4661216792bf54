package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Payload is one raw status document from the upstream telemetry API, plus
// the freshness timestamp the upstream reports for it.
type Payload struct {
	Body        json.RawMessage
	LastUpdated time.Time
}

// Client fetches the current vehicle status. Implementations must classify
// failures with Wrap so callers can branch on Kind.
type Client interface {
	Fetch(ctx context.Context) (*Payload, error)
}

// HTTPClient polls a vehicle-status REST endpoint with bearer-token auth.
type HTTPClient struct {
	baseURL   string
	vehicleID string
	token     string
	client    *http.Client
}

// NewHTTPClient creates an upstream client. timeout bounds the whole
// request including body read.
func NewHTTPClient(baseURL, vehicleID, token string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL:   baseURL,
		vehicleID: vehicleID,
		token:     token,
		client:    &http.Client{Timeout: timeout},
	}
}

const maxResponseBytes = 4 << 20

// statusResponse is the envelope around the status document.
type statusResponse struct {
	LastUpdated string          `json:"last_updated"`
	Status      json.RawMessage `json:"status"`
}

func (c *HTTPClient) Fetch(ctx context.Context) (*Payload, error) {
	url := fmt.Sprintf("%s/vehicles/%s/status", c.baseURL, c.vehicleID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, Wrap(KindTransient, fmt.Errorf("building request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, Wrap(KindTransient, fmt.Errorf("fetching status: %w", err))
	}
	defer resp.Body.Close() //nolint:errcheck

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, Wrap(KindAuth, fmt.Errorf("status %d from upstream", resp.StatusCode))
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, Wrap(KindRateLimited, fmt.Errorf("status %d from upstream", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return nil, Wrap(KindTransient, fmt.Errorf("status %d from upstream", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, Wrap(KindTransient, fmt.Errorf("reading response: %w", err))
	}

	var envelope statusResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, Wrap(KindMalformed, fmt.Errorf("decoding response: %w", err))
	}
	if len(envelope.Status) == 0 {
		return nil, Wrap(KindMalformed, fmt.Errorf("response missing status document"))
	}

	lastUpdated := time.Now().UTC()
	if envelope.LastUpdated != "" {
		parsed, err := time.Parse(time.RFC3339, envelope.LastUpdated)
		if err != nil {
			return nil, Wrap(KindMalformed, fmt.Errorf("parsing last_updated: %w", err))
		}
		lastUpdated = parsed
	}

	return &Payload{Body: envelope.Status, LastUpdated: lastUpdated}, nil
}
