// Package gateway is the HTTP/WebSocket/SSE transport client for the
// sandbox gateway. It mirrors the gateway's wire format with its own
// request types and maps authorization failures to
// schema.ErrUnauthorized so the shared token resolver can react.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/proliferate-ai/proliferate-sub003/schema"
	"pkt.systems/pslog"
)

// TokenSource serves the current connection token for one session and
// accepts invalidation after an authorization failure. Invalidate is
// conditional on the stale value so racing channels trigger a single
// re-resolve.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate(stale string)
}

// Client talks to the gateway's per-session proxy endpoints.
type Client struct {
	baseURL      string
	sessionID    schema.SessionID
	tokens       TokenSource
	httpClient   *http.Client
	streamClient *http.Client
	dialer       *websocket.Dialer
	log          pslog.Logger
}

// New constructs a Client for one session. baseURL is the gateway
// origin (e.g. "https://gateway.example.com").
func New(baseURL string, sessionID schema.SessionID, tokens TokenSource, logger pslog.Logger) *Client {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		sessionID: sessionID,
		tokens:    tokens,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		streamClient: &http.Client{},
		dialer: &websocket.Dialer{
			HandshakeTimeout: 15 * time.Second,
		},
		log: logger.With("session", sessionID),
	}
}

// SessionID returns the session this client is scoped to.
func (c *Client) SessionID() schema.SessionID {
	return c.sessionID
}

// ListServices fetches the full service inventory.
func (c *Client) ListServices(ctx context.Context) (schema.ServiceList, error) {
	var list schema.ServiceList
	if err := c.doJSON(ctx, http.MethodGet, "services", nil, &list); err != nil {
		return schema.ServiceList{}, fmt.Errorf("list services: %w", err)
	}
	return list, nil
}

// StartService starts or replaces the process registered under name.
func (c *Client) StartService(ctx context.Context, name schema.ServiceName, command, cwd string) error {
	body := struct {
		Name    schema.ServiceName `json:"name"`
		Command string             `json:"command"`
		Cwd     string             `json:"cwd"`
	}{Name: name, Command: command, Cwd: cwd}
	if err := c.doJSON(ctx, http.MethodPost, "services", body, nil); err != nil {
		return fmt.Errorf("start service %q: %w", name, err)
	}
	return nil
}

// StopService deletes a service by name. A missing service is treated
// as already stopped.
func (c *Client) StopService(ctx context.Context, name schema.ServiceName) error {
	err := c.doJSON(ctx, http.MethodDelete, "services/"+url.PathEscape(string(name)), nil, nil)
	if err != nil {
		var status *statusError
		if errors.As(err, &status) && status.code == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("stop service %q: %w", name, err)
	}
	return nil
}

// ExposePort routes a sandbox port globally, superseding any previous
// mapping.
func (c *Client) ExposePort(ctx context.Context, port uint16) error {
	body := struct {
		Port uint16 `json:"port"`
	}{Port: port}
	if err := c.doJSON(ctx, http.MethodPost, "services/expose", body, nil); err != nil {
		return fmt.Errorf("expose port %d: %w", port, err)
	}
	return nil
}

// DialTerminal opens the terminal duplex socket.
func (c *Client) DialTerminal(ctx context.Context) (*TerminalSocket, error) {
	conn, err := c.dial(ctx, "terminal")
	if err != nil {
		return nil, fmt.Errorf("dial terminal: %w", err)
	}
	return &TerminalSocket{conn: conn}, nil
}

// DialGit opens the git push channel socket.
func (c *Client) DialGit(ctx context.Context) (*GitSocket, error) {
	conn, err := c.dial(ctx, "git")
	if err != nil {
		return nil, fmt.Errorf("dial git: %w", err)
	}
	return &GitSocket{conn: conn}, nil
}

// statusError carries a non-2xx response for callers that distinguish
// specific codes (idempotent delete).
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	if e.body != "" {
		return fmt.Sprintf("HTTP %d: %s", e.code, e.body)
	}
	return fmt.Sprintf("HTTP %d", e.code)
}

func authStatus(code int) bool {
	return code == http.StatusUnauthorized || code == http.StatusForbidden
}

// doJSON performs one proxied REST call. An authorization failure
// invalidates the token and retries once with a fresh one; a second
// failure surfaces schema.ErrUnauthorized.
func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	retried := false
	for {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return err
		}
		err = c.doJSONOnce(ctx, method, c.serviceURL(token, path), body, out)
		if errors.Is(err, schema.ErrUnauthorized) {
			c.tokens.Invalidate(token)
			if !retried {
				retried = true
				c.log.Debug("gateway call unauthorized, retrying with fresh token", "method", method, "path", path)
				continue
			}
		}
		return err
	}
}

func (c *Client) doJSONOnce(ctx context.Context, method, requestURL string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, method, requestURL, reader)
	if err != nil {
		return err
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	response, err := c.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if authStatus(response.StatusCode) {
		return fmt.Errorf("%w: HTTP %d", schema.ErrUnauthorized, response.StatusCode)
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(response.Body, 4096))
		return &statusError{code: response.StatusCode, body: strings.TrimSpace(string(payload))}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(response.Body).Decode(out)
}

// dial opens a websocket against a proxied endpoint. Authorization
// failures during the handshake invalidate the token; the caller's
// reconnect loop picks up the fresh one on its next attempt.
func (c *Client) dial(ctx context.Context, endpoint string) (*websocket.Conn, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}
	conn, response, err := c.dialer.DialContext(ctx, c.socketURL(token, endpoint), nil)
	if err != nil {
		if response != nil {
			defer response.Body.Close()
			if authStatus(response.StatusCode) {
				c.tokens.Invalidate(token)
				return nil, fmt.Errorf("%w: HTTP %d", schema.ErrUnauthorized, response.StatusCode)
			}
		}
		return nil, err
	}
	return conn, nil
}

func (c *Client) proxyURL(token string, parts ...string) string {
	segments := []string{c.baseURL, "proxy", url.PathEscape(string(c.sessionID)), url.PathEscape(token)}
	segments = append(segments, parts...)
	return strings.Join(segments, "/")
}

func (c *Client) serviceURL(token, path string) string {
	return c.proxyURL(token, "services", "api", path)
}

func (c *Client) socketURL(token, endpoint string) string {
	raw := c.proxyURL(token, endpoint)
	if strings.HasPrefix(raw, "https://") {
		return "wss://" + strings.TrimPrefix(raw, "https://")
	}
	if strings.HasPrefix(raw, "http://") {
		return "ws://" + strings.TrimPrefix(raw, "http://")
	}
	return raw
}
