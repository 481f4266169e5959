package proliferate

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

	"github.com/proliferate-ai/proliferate-sub003/schema"
	"pkt.systems/pslog"
)

// HTTPTokenResolver exchanges a session ID for a connection token at a
// session-identity endpoint. It implements core.TokenResolver and is
// only called lazily: on first use and after an authorization failure.
type HTTPTokenResolver struct {
	endpoint string
	apiKey   string
	client   *http.Client
	logger   pslog.Logger
}

// NewHTTPTokenResolver constructs a resolver for the given endpoint.
// apiKey, when non-empty, is sent as a bearer credential.
func NewHTTPTokenResolver(endpoint, apiKey string, logger pslog.Logger) (*HTTPTokenResolver, error) {
	if strings.TrimSpace(endpoint) == "" {
		return nil, errors.New("token endpoint is required")
	}
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &HTTPTokenResolver{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 15 * time.Second},
		logger:   logger,
	}, nil
}

// Resolve implements core.TokenResolver.
func (r *HTTPTokenResolver) Resolve(ctx context.Context, sessionID schema.SessionID) (string, error) {
	log := r.logger.With("session", sessionID)
	payload, err := json.Marshal(map[string]string{"session_id": string(sessionID)})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		log.Warn("token resolve failed", "err", err)
		return "", fmt.Errorf("resolve token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		log.Warn("token resolve rejected", "status", resp.StatusCode)
		return "", schema.ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		log.Warn("token resolve failed", "status", resp.StatusCode)
		return "", fmt.Errorf("resolve token: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("resolve token: decode: %w", err)
	}
	if strings.TrimSpace(out.Token) == "" {
		return "", errors.New("resolve token: empty token")
	}
	log.Debug("token resolved")
	return out.Token, nil
}
