package agent

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

	"github.com/gorilla/websocket"
	"github.com/hyper-ai-inc/pullbroker/internal/approvals"
	"github.com/hyper-ai-inc/pullbroker/internal/auth"
	"github.com/hyper-ai-inc/pullbroker/internal/commands"
	"github.com/hyper-ai-inc/pullbroker/internal/fileops"
	"github.com/hyper-ai-inc/pullbroker/internal/sessions"
)

// Client talks to the broker's agent-facing endpoints.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) {
		cl.http = c
	}
}

// NewClient creates a client for the broker at baseURL.
func NewClient(baseURL, token string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type matchedResponse struct {
	Matched bool `json:"matched"`
}

// do sends a request and decodes a JSON response into out. It reports false
// without error when the server answers 204.
func (c *Client) do(ctx context.Context, method, path string, body, out any) (bool, error) {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return false, fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		rdr = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return false, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	auth.SetHeader(req, c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return false, nil
	}
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return false, fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(msg)))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return false, fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}
	return true, nil
}

// PollFile fetches the next file operation, or nil when none is pending.
func (c *Client) PollFile(ctx context.Context) (*fileops.Operation, error) {
	var op fileops.Operation
	ok, err := c.do(ctx, http.MethodGet, "/agent/files/poll", nil, &op)
	if err != nil || !ok {
		return nil, err
	}
	return &op, nil
}

// SubmitFile reports a file operation result.
func (c *Client) SubmitFile(ctx context.Context, res fileops.Result) (bool, error) {
	var m matchedResponse
	_, err := c.do(ctx, http.MethodPost, "/agent/files/result", res, &m)
	return m.Matched, err
}

// PollCommand fetches the next command, or nil when none is pending.
func (c *Client) PollCommand(ctx context.Context) (*commands.Request, error) {
	var req commands.Request
	ok, err := c.do(ctx, http.MethodGet, "/agent/commands/poll", nil, &req)
	if err != nil || !ok {
		return nil, err
	}
	return &req, nil
}

// SubmitCommand reports a command result.
func (c *Client) SubmitCommand(ctx context.Context, res commands.Result) (bool, error) {
	var m matchedResponse
	_, err := c.do(ctx, http.MethodPost, "/agent/commands/result", res, &m)
	return m.Matched, err
}

// PollApproval fetches the next approval request for sessionID, or nil.
func (c *Client) PollApproval(ctx context.Context, sessionID string) (*approvals.Request, error) {
	var req approvals.Request
	path := "/agent/approvals/poll?session_id=" + url.QueryEscape(sessionID)
	ok, err := c.do(ctx, http.MethodGet, path, nil, &req)
	if err != nil || !ok {
		return nil, err
	}
	return &req, nil
}

// RespondApproval answers an approval request.
func (c *Client) RespondApproval(ctx context.Context, resp approvals.Response) (bool, error) {
	var m matchedResponse
	_, err := c.do(ctx, http.MethodPost, "/agent/approvals/respond", resp, &m)
	return m.Matched, err
}

// CreateSession registers this agent as a session.
func (c *Client) CreateSession(ctx context.Context, workingDirectory, clientVersion string) (*sessions.Session, error) {
	body := map[string]string{
		"working_directory": workingDirectory,
		"client_version":    clientVersion,
	}
	var s sessions.Session
	if _, err := c.do(ctx, http.MethodPost, "/sessions", body, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// DialEvents opens the wake channel.
func (c *Client) DialEvents(ctx context.Context, sessionID string) (*websocket.Conn, error) {
	u, err := url.Parse(c.baseURL + "/agent/events")
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	if sessionID != "" {
		u.RawQuery = url.Values{"session_id": {sessionID}}.Encode()
	}

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("dial events: %w", err)
	}
	return conn, nil
}
