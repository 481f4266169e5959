package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/proliferate-ai/proliferate-sub003/schema"
	"pkt.systems/pslog"
)

type stubTokens struct {
	mu          sync.Mutex
	tokens      []string
	next        int
	invalidated []string
}

func (s *stubTokens) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next >= len(s.tokens) {
		return s.tokens[len(s.tokens)-1], nil
	}
	token := s.tokens[s.next]
	s.next++
	return token, nil
}

func (s *stubTokens) Invalidate(stale string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidated = append(s.invalidated, stale)
}

func newTestClient(t *testing.T, handler http.Handler, tokens ...string) (*Client, *stubTokens, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	source := &stubTokens{tokens: tokens}
	client := New(server.URL, "sess-1", source, pslog.NewWithOptions(io.Discard, pslog.Options{Mode: pslog.ModeStructured}))
	return client, source, server
}

func TestListServices(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/proxy/sess-1/tok-a/services/api/services" {
			t.Errorf("unexpected path %q", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		port := uint16(8080)
		json.NewEncoder(w).Encode(schema.ServiceList{
			Services: []schema.ServiceDescriptor{
				{Name: "web", Command: "npm start", Status: schema.ServiceRunning, PID: 42},
			},
			ExposedPort: &port,
		})
	})
	client, _, _ := newTestClient(t, handler, "tok-a")

	list, err := client.ListServices(context.Background())
	if err != nil {
		t.Fatalf("list services: %v", err)
	}
	if len(list.Services) != 1 || list.Services[0].Name != "web" {
		t.Fatalf("unexpected list: %+v", list)
	}
	if list.ExposedPort == nil || *list.ExposedPort != 8080 {
		t.Fatalf("expected exposed port 8080, got %v", list.ExposedPort)
	}
}

func TestUnauthorizedRetriesWithFreshToken(t *testing.T) {
	var calls int
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.URL.Path == "/proxy/sess-1/stale/services/api/services" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(schema.ServiceList{})
	})
	client, source, _ := newTestClient(t, handler, "stale", "fresh")

	if _, err := client.ListServices(context.Background()); err != nil {
		t.Fatalf("list services after refresh: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
	if len(source.invalidated) != 1 || source.invalidated[0] != "stale" {
		t.Fatalf("expected stale token invalidated, got %v", source.invalidated)
	}
}

func TestUnauthorizedTwiceSurfacesError(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	client, _, _ := newTestClient(t, handler, "tok-a", "tok-b")

	_, err := client.ListServices(context.Background())
	if !errors.Is(err, schema.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestStopServiceTreatsNotFoundAsStopped(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("unexpected method %s", r.Method)
		}
		http.NotFound(w, r)
	})
	client, _, _ := newTestClient(t, handler, "tok-a")

	if err := client.StopService(context.Background(), "gone"); err != nil {
		t.Fatalf("stop of missing service should succeed: %v", err)
	}
}

func TestExposePortPostsBody(t *testing.T) {
	var got struct {
		Port uint16 `json:"port"`
	}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/proxy/sess-1/tok-a/services/api/services/expose" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
	})
	client, _, _ := newTestClient(t, handler, "tok-a")

	if err := client.ExposePort(context.Background(), 3000); err != nil {
		t.Fatalf("expose port: %v", err)
	}
	if got.Port != 3000 {
		t.Fatalf("expected port 3000, got %d", got.Port)
	}
}

func TestStreamLogs(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"type\":\"initial\",\"content\":\"line one\\n\"}\n\n")
		fmt.Fprint(w, "data: not json\n\n")
		fmt.Fprint(w, "data: {\"type\":\"append\",\"content\":\"line two\\n\"}\n\n")
		flusher.Flush()
	})
	client, _, _ := newTestClient(t, handler, "tok-a")

	events, cancel, err := client.StreamLogs(context.Background(), "web")
	if err != nil {
		t.Fatalf("stream logs: %v", err)
	}
	defer cancel()

	var received []schema.LogEvent
	for event := range events {
		received = append(received, event)
	}
	if len(received) != 2 {
		t.Fatalf("expected 2 events (malformed dropped), got %d", len(received))
	}
	if received[0].Type != schema.LogInitial || received[0].Content != "line one\n" {
		t.Fatalf("unexpected first event: %+v", received[0])
	}
	if received[1].Type != schema.LogAppend {
		t.Fatalf("unexpected second event: %+v", received[1])
	}
}

func TestDialTerminalRoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/proxy/sess-1/tok-a/terminal" {
			t.Errorf("unexpected path %q", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		conn.WriteMessage(messageType, payload)
	})
	client, _, _ := newTestClient(t, handler, "tok-a")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	socket, err := client.DialTerminal(ctx)
	if err != nil {
		t.Fatalf("dial terminal: %v", err)
	}
	defer socket.Close()

	if err := socket.WriteData([]byte("ls\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	binary, payload, err := socket.ReadFrame()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !binary || string(payload) != "ls\n" {
		t.Fatalf("unexpected echo: binary=%v payload=%q", binary, payload)
	}
}

func TestTerminalResizeTravelsAsText(t *testing.T) {
	upgrader := websocket.Upgrader{}
	frames := make(chan schema.ResizeFrame, 1)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			t.Errorf("resize must be a text frame, got type %d", messageType)
			return
		}
		var frame schema.ResizeFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			t.Errorf("decode resize frame: %v", err)
			return
		}
		frames <- frame
	})
	client, _, _ := newTestClient(t, handler, "tok-a")

	socket, err := client.DialTerminal(context.Background())
	if err != nil {
		t.Fatalf("dial terminal: %v", err)
	}
	defer socket.Close()

	if err := socket.WriteResize(schema.ResizeFrame{Type: schema.ResizeFrameType, Cols: 132, Rows: 43}); err != nil {
		t.Fatalf("write resize: %v", err)
	}
	select {
	case frame := <-frames:
		if frame.Type != schema.ResizeFrameType || frame.Cols != 132 || frame.Rows != 43 {
			t.Fatalf("unexpected frame: %+v", frame)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for resize frame")
	}
}

func TestGitSocketRoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/proxy/sess-1/tok-a/git" {
			t.Errorf("unexpected path %q", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var req schema.GitActionRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		conn.WriteJSON(schema.GitChannelMessage{
			Type: schema.GitMessageResult,
			Result: &schema.GitActionResult{
				ID:      req.ID,
				Action:  req.Action,
				Success: true,
			},
		})
	})
	client, _, _ := newTestClient(t, handler, "tok-a")

	socket, err := client.DialGit(context.Background())
	if err != nil {
		t.Fatalf("dial git: %v", err)
	}
	defer socket.Close()

	if err := socket.WriteRequest(schema.GitActionRequest{ID: "req-1", Action: schema.GitGetStatus}); err != nil {
		t.Fatalf("write request: %v", err)
	}
	message, err := socket.ReadMessage()
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	if message.Type != schema.GitMessageResult || message.Result == nil || message.Result.ID != "req-1" {
		t.Fatalf("unexpected message: %+v", message)
	}
}

func TestDialUnauthorizedInvalidatesToken(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	client, source, _ := newTestClient(t, handler, "stale")

	_, err := client.DialGit(context.Background())
	if !errors.Is(err, schema.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if len(source.invalidated) != 1 {
		t.Fatalf("expected token invalidated, got %v", source.invalidated)
	}
}
