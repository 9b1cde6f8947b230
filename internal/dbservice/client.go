// Package dbservice is the HTTP client for the SQLite database service. The
// core never opens a database file itself; every read goes through this
// client so the read-only guard upstream stays the single enforcement point.
package dbservice

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
)

// ErrUnavailable marks transport-level failures (connection refused, timeout,
// non-JSON 5xx). Callers retry or surface it as an upstream outage.
var ErrUnavailable = errors.New("database service unavailable")

// QueryError is an error the service reported for a specific statement, as
// opposed to the service being unreachable.
type QueryError struct {
	Message string
}

func (e *QueryError) Error() string {
	return "query failed: " + e.Message
}

type Config struct {
	BaseURL      string
	ProbeTimeout time.Duration
	ExecTimeout  time.Duration
}

type Client struct {
	baseURL      string
	probeTimeout time.Duration
	execTimeout  time.Duration
	httpClient   *http.Client
}

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	probeTimeout := cfg.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = 5 * time.Second
	}
	execTimeout := cfg.ExecTimeout
	if execTimeout <= 0 {
		execTimeout = 10 * time.Second
	}
	return &Client{
		baseURL:      strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		probeTimeout: probeTimeout,
		execTimeout:  execTimeout,
		httpClient:   &http.Client{},
	}, nil
}

// DatabaseStatus is one database's block in the /api/status response.
type DatabaseStatus struct {
	Tables      []string `json:"tables"`
	RecordCount int64    `json:"record_count"`
	Ready       bool     `json:"ready"`
}

type statusResponse struct {
	Databases map[string]DatabaseStatus `json:"databases"`
}

// QueryResult carries rows aligned to Columns, as returned by the service.
type QueryResult struct {
	Columns     []string
	Rows        [][]any
	RecordCount int
}

type sqlQueryRequest struct {
	Query  string `json:"query"`
	DBType string `json:"db_type"`
}

type sqlQueryResponse struct {
	Success     bool     `json:"success"`
	Columns     []string `json:"columns"`
	Results     [][]any  `json:"results"`
	RecordCount int      `json:"record_count"`
	Error       string   `json:"error,omitempty"`
}

func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health status=%d", ErrUnavailable, resp.StatusCode)
	}
	return nil
}

func (c *Client) Status(ctx context.Context) (map[string]DatabaseStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/status", nil)
	if err != nil {
		return nil, fmt.Errorf("build status request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read status response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status=%d body=%s", ErrUnavailable, resp.StatusCode, truncateBody(body))
	}

	var parsed statusResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode status response: %w", err)
	}
	return parsed.Databases, nil
}

// Query posts one SQL statement for the given database selector. A service
// rejection comes back as *QueryError; transport failures wrap ErrUnavailable.
func (c *Client) Query(ctx context.Context, dbType, sqlText string) (QueryResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.execTimeout)
	defer cancel()

	payload, err := json.Marshal(sqlQueryRequest{Query: sqlText, DBType: dbType})
	if err != nil {
		return QueryResult{}, fmt.Errorf("marshal query payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/sql-query", bytes.NewReader(payload))
	if err != nil {
		return QueryResult{}, fmt.Errorf("build query request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return QueryResult{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return QueryResult{}, fmt.Errorf("read query response: %w", err)
	}
	if resp.StatusCode >= 500 {
		return QueryResult{}, fmt.Errorf("%w: status=%d body=%s", ErrUnavailable, resp.StatusCode, truncateBody(body))
	}

	var parsed sqlQueryResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return QueryResult{}, fmt.Errorf("decode query response: %w", err)
	}
	if !parsed.Success {
		message := parsed.Error
		if message == "" {
			message = fmt.Sprintf("status=%d", resp.StatusCode)
		}
		return QueryResult{}, &QueryError{Message: message}
	}
	return QueryResult{
		Columns:     parsed.Columns,
		Rows:        parsed.Results,
		RecordCount: parsed.RecordCount,
	}, nil
}

func truncateBody(body []byte) string {
	const limit = 512
	if len(body) <= limit {
		return string(body)
	}
	return string(body[:limit]) + "..."
}
