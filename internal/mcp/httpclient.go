package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/claude/wodtimer/internal/models"
	"github.com/claude/wodtimer/internal/storage"
)

// HTTPClient implements DataSource by calling the WODTimer REST API.
// Used for remote MCP mode where the binary runs locally (stdio) but
// data lives on the remote server (accessed over Tailscale). The login
// arguments are ignored; the server identifies the caller itself.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

// Compile-time check: HTTPClient satisfies DataSource.
var _ DataSource = (*HTTPClient)(nil)

// NewHTTPClient creates an HTTPClient targeting the given base URL.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// statusError is a non-200 response.
type statusError struct {
	path string
	code int
	body []byte
}

func (e *statusError) Error() string {
	return fmt.Sprintf("httpclient: %s returned %d: %s", e.path, e.code, e.body)
}

func isNotFound(err error) bool {
	var se *statusError
	return errors.As(err, &se) && se.code == http.StatusNotFound
}

func (c *HTTPClient) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("httpclient: create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("httpclient: %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("httpclient: read body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &statusError{path: path, code: resp.StatusCode, body: body}
	}

	return body, nil
}

func timeParams(start, end time.Time) url.Values {
	v := url.Values{}
	v.Set("start", start.Format(time.RFC3339))
	v.Set("end", end.Format(time.RFC3339))
	return v
}

func (c *HTTPClient) CurrentSession(ctx context.Context) (models.SessionState, error) {
	body, err := c.get(ctx, "/api/v1/session", nil)
	if err != nil {
		return models.SessionState{}, err
	}

	var st models.SessionState
	if err := json.Unmarshal(body, &st); err != nil {
		return models.SessionState{}, fmt.Errorf("httpclient: decode session: %w", err)
	}
	return st, nil
}

func (c *HTTPClient) QueryCompletedSessions(ctx context.Context, start, end time.Time, _ string) ([]models.CompletedSession, error) {
	body, err := c.get(ctx, "/api/v1/workouts", timeParams(start, end))
	if err != nil {
		return nil, err
	}

	var sessions []models.CompletedSession
	if err := json.Unmarshal(body, &sessions); err != nil {
		return nil, fmt.Errorf("httpclient: decode workouts: %w", err)
	}
	return sessions, nil
}

func (c *HTTPClient) GetCompletedSession(ctx context.Context, id uuid.UUID, _ string) (*models.CompletedSession, error) {
	body, err := c.get(ctx, "/api/v1/workouts/"+id.String(), nil)
	if isNotFound(err) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var s models.CompletedSession
	if err := json.Unmarshal(body, &s); err != nil {
		return nil, fmt.Errorf("httpclient: decode workout: %w", err)
	}
	return &s, nil
}

func (c *HTTPClient) GetSessionStats(ctx context.Context, _ string) (*storage.SessionStats, error) {
	body, err := c.get(ctx, "/api/v1/stats", nil)
	if err != nil {
		return nil, err
	}

	var stats storage.SessionStats
	if err := json.Unmarshal(body, &stats); err != nil {
		return nil, fmt.Errorf("httpclient: decode stats: %w", err)
	}
	return &stats, nil
}

func (c *HTTPClient) LoadPreferences(ctx context.Context, _ string) (models.Preferences, bool, error) {
	body, err := c.get(ctx, "/api/v1/preferences", nil)
	if isNotFound(err) {
		return models.Preferences{}, false, nil
	}
	if err != nil {
		return models.Preferences{}, false, err
	}

	var p models.Preferences
	if err := json.Unmarshal(body, &p); err != nil {
		return models.Preferences{}, false, fmt.Errorf("httpclient: decode preferences: %w", err)
	}
	return p, true, nil
}
