package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/proliferate-ai/proliferate-sub003/schema"
)

// StreamLogs opens the SSE log tail for one service. Events arrive on
// the returned channel until the stream ends or cancel is called; the
// channel is closed either way. The first event carries the initial
// backlog, later events append.
func (c *Client) StreamLogs(ctx context.Context, name schema.ServiceName) (<-chan schema.LogEvent, func(), error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, nil, err
	}
	streamCtx, cancel := context.WithCancel(ctx)
	requestURL := c.serviceURL(token, "logs/"+url.PathEscape(string(name)))
	request, err := http.NewRequestWithContext(streamCtx, http.MethodGet, requestURL, nil)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	request.Header.Set("Accept", "text/event-stream")

	// The streaming client has no timeout; the stream lives until the
	// context is cancelled or the gateway closes it.
	response, err := c.streamClient.Do(request)
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("open log stream %q: %w", name, err)
	}
	if authStatus(response.StatusCode) {
		response.Body.Close()
		cancel()
		c.tokens.Invalidate(token)
		return nil, nil, fmt.Errorf("open log stream %q: %w: HTTP %d", name, schema.ErrUnauthorized, response.StatusCode)
	}
	if response.StatusCode != http.StatusOK {
		response.Body.Close()
		cancel()
		return nil, nil, fmt.Errorf("open log stream %q: HTTP %d", name, response.StatusCode)
	}

	events := make(chan schema.LogEvent, 16)
	go func() {
		defer close(events)
		defer response.Body.Close()
		scanner := bufio.NewScanner(response.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		var data strings.Builder
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case line == "":
				if data.Len() == 0 {
					continue
				}
				var event schema.LogEvent
				if err := json.Unmarshal([]byte(data.String()), &event); err != nil {
					c.log.Debug("dropping malformed log event", "service", name, "error", err)
				} else {
					select {
					case events <- event:
					case <-streamCtx.Done():
						return
					}
				}
				data.Reset()
			case strings.HasPrefix(line, "data:"):
				if data.Len() > 0 {
					data.WriteByte('\n')
				}
				data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
			default:
				// Comments and other SSE fields are ignored.
			}
		}
	}()
	return events, cancel, nil
}
