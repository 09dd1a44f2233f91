// Package queryapi is the HTTP client for the analytics query service that
// executes experiment metric queries against the event store.
package queryapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/statlab/expstats-backend/internal/analytics"
	"github.com/statlab/expstats-backend/internal/platform/envutil"
	"github.com/statlab/expstats-backend/internal/platform/logger"
)

type Config struct {
	BaseURL string
	APIKey  string
}

func LoadConfig() (Config, error) {
	cfg := Config{
		BaseURL: envutil.String("QUERY_API_URL", ""),
		APIKey:  envutil.String("QUERY_API_KEY", ""),
	}
	if cfg.BaseURL == "" {
		return Config{}, fmt.Errorf("QUERY_API_URL is required")
	}
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return Config{}, fmt.Errorf("invalid QUERY_API_URL %q: %w", cfg.BaseURL, err)
	}
	return cfg, nil
}

// Client implements analytics.QueryExecutor over the query service's
// POST /api/experiment_metric_query endpoint. Per-call timeouts come from
// QUERY_API_TIMEOUT_SECONDS (default 300; analytical queries are slow).
type Client struct {
	cfg  Config
	http *http.Client
	log  *logger.Logger
}

func New(cfg Config, log *logger.Logger) *Client {
	return &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout: envutil.DurationSeconds("QUERY_API_TIMEOUT_SECONDS", 300),
		},
		log: log.With("component", "QueryAPIClient"),
	}
}

type queryResponse struct {
	QueryID string          `json:"query_id"`
	Payload json.RawMessage `json:"payload"`
	Error   string          `json:"error"`
}

func (c *Client) Execute(ctx context.Context, q analytics.Query) (*analytics.Result, error) {
	body, err := json.Marshal(q)
	if err != nil {
		return nil, fmt.Errorf("queryapi: marshal query: %w", err)
	}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/api/experiment_metric_query"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("queryapi: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("queryapi: execute: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("queryapi: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		c.log.Warn("Query service returned non-200", "status", resp.StatusCode, "experiment_id", q.ExperimentID, "metric_uuid", q.MetricUUID)
		return nil, fmt.Errorf("queryapi: status %d: %s", resp.StatusCode, truncate(string(raw), 512))
	}

	var out queryResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("queryapi: decode response: %w", err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("queryapi: query failed: %s", out.Error)
	}

	res := &analytics.Result{Payload: []byte(out.Payload)}
	if out.QueryID != "" {
		id, err := uuid.Parse(out.QueryID)
		if err != nil {
			return nil, fmt.Errorf("queryapi: invalid query_id %q: %w", out.QueryID, err)
		}
		res.QueryID = id
	}
	return res, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
