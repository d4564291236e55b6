// Package kernel manages sessions on a Jupyter kernel gateway: discovery and
// creation through the control API, a process-local checkout registry so no
// two runs share a session, and teardown according to the session policy.
package kernel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"docforge/internal/logging"
)

// State is the lifecycle state of a session as seen by this process.
type State string

const (
	StateAbsent     State = "absent"
	StateCreated    State = "created"
	StateActive     State = "active"
	StateTerminated State = "terminated"
)

// Session is one remote kernel.
type Session struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	State State  `json:"-"`

	// Reported by the gateway; informational only.
	ExecutionState string `json:"execution_state,omitempty"`
	Connections    int    `json:"connections,omitempty"`
	LastActivity   string `json:"last_activity,omitempty"`
}

// maxErrorBody caps how much of a failed response is kept for diagnostics.
const maxErrorBody = 512

// Client talks to the gateway control API.
type Client struct {
	baseURL string
	token   string
	timeout time.Duration
	client  *http.Client
}

// NewClient creates a control API client. timeout bounds each call.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		timeout: timeout,
		client:  &http.Client{},
	}
}

// BaseURL returns the gateway base URL without a trailing slash.
func (c *Client) BaseURL() string { return c.baseURL }

// Token returns the gateway token.
func (c *Client) Token() string { return c.token }

// List returns the sessions currently known to the gateway.
func (c *Client) List(ctx context.Context) ([]Session, error) {
	status, body, err := c.do(ctx, http.MethodGet, "/api/kernels", nil)
	if err != nil {
		return nil, &SessionError{Reason: DiscoveryFailed, Err: err}
	}
	if status != http.StatusOK {
		return nil, &SessionError{Reason: DiscoveryFailed, Status: status, Body: truncate(body)}
	}

	var sessions []Session
	if err := json.Unmarshal(body, &sessions); err != nil {
		return nil, &SessionError{Reason: DiscoveryFailed, Err: fmt.Errorf("failed to parse kernel list: %w", err)}
	}
	for i := range sessions {
		sessions[i].State = StateActive
	}
	logging.SessionDebug("gateway lists %d kernels", len(sessions))
	return sessions, nil
}

// Create starts a new kernel with the given kernel spec name.
func (c *Client) Create(ctx context.Context, kernelName string) (Session, error) {
	payload, err := json.Marshal(map[string]string{"name": kernelName})
	if err != nil {
		return Session{}, &SessionError{Reason: CreationFailed, Err: err}
	}

	status, body, err := c.do(ctx, http.MethodPost, "/api/kernels", payload)
	if err != nil {
		return Session{}, &SessionError{Reason: CreationFailed, Err: err}
	}
	// The gateway answers 201; some proxies rewrite it to 200.
	if status != http.StatusCreated && status != http.StatusOK {
		return Session{}, &SessionError{Reason: CreationFailed, Status: status, Body: truncate(body)}
	}

	var s Session
	if err := json.Unmarshal(body, &s); err != nil {
		return Session{}, &SessionError{Reason: CreationFailed, Err: fmt.Errorf("failed to parse created kernel: %w", err)}
	}
	if s.ID == "" {
		return Session{}, &SessionError{Reason: CreationFailed, Err: fmt.Errorf("created kernel has no id")}
	}
	s.State = StateCreated
	logging.Session("created kernel %s (%s)", s.ID, kernelName)
	return s, nil
}

// Delete shuts a kernel down. A kernel the gateway no longer knows counts as
// deleted.
func (c *Client) Delete(ctx context.Context, id string) error {
	status, body, err := c.do(ctx, http.MethodDelete, "/api/kernels/"+url.PathEscape(id), nil)
	if err != nil {
		return &SessionError{Reason: TeardownFailed, SessionID: id, Err: err}
	}
	switch status {
	case http.StatusNoContent, http.StatusOK:
		logging.SessionDebug("deleted kernel %s", id)
		return nil
	case http.StatusNotFound:
		logging.SessionDebug("kernel %s already gone", id)
		return nil
	default:
		return &SessionError{Reason: TeardownFailed, SessionID: id, Status: status, Body: truncate(body)}
	}
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte) (int, []byte, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "token "+c.token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func truncate(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxErrorBody {
		return s[:maxErrorBody] + "..."
	}
	return s
}
