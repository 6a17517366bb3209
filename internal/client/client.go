// Package client talks to the telemetry store API. It is the source and
// sink used by the simulator, trainer and predictor when they run apart
// from the server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"battery-fault-monitor/internal/models"
)

const DefaultTimeout = 15 * time.Second

// StatusError is a non-2xx answer from the store.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("store returned %d: %s", e.Code, e.Message)
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type Client struct {
	baseURL string
	http    *http.Client
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: DefaultTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// LatestTelemetry fetches the newest limit samples across all buses.
func (c *Client) LatestTelemetry(ctx context.Context, limit int) ([]models.TelemetrySample, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []models.TelemetrySample
	err := c.do(ctx, http.MethodGet, "/api/can-data", q, nil, &out)
	return out, err
}

// PostSample stores one sample.
func (c *Client) PostSample(ctx context.Context, s models.TelemetrySample) error {
	return c.do(ctx, http.MethodPost, "/api/can-data", nil, s, nil)
}

// PostSamples stores a batch and returns how many were accepted.
func (c *Client) PostSamples(ctx context.Context, samples []models.TelemetrySample) (int64, error) {
	var res struct {
		Inserted int64 `json:"inserted"`
	}
	err := c.do(ctx, http.MethodPost, "/api/can-data/batch", nil, samples, &res)
	return res.Inserted, err
}

// PostPrediction stores one prediction record.
func (c *Client) PostPrediction(ctx context.Context, rec models.PredictionRecord) error {
	return c.do(ctx, http.MethodPost, "/api/predictions", nil, rec, nil)
}

// LatestPredictions fetches the newest predictions, optionally for one bus.
func (c *Client) LatestPredictions(ctx context.Context, busID string, limit int) ([]models.PredictionRecord, error) {
	q := url.Values{}
	if busID != "" {
		q.Set("bus_id", busID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []models.PredictionRecord
	err := c.do(ctx, http.MethodGet, "/api/predictions", q, nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		if resp.StatusCode >= 300 {
			return &StatusError{Code: resp.StatusCode, Message: resp.Status}
		}
		return fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode >= 300 || !env.Success {
		return &StatusError{Code: resp.StatusCode, Message: env.Error}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode %s data: %w", path, err)
		}
	}
	return nil
}
