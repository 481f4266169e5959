package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/proliferate-ai/proliferate-sub003/schema"
)

// TerminalSocket frames the terminal websocket: binary messages carry
// raw pty bytes, text messages carry control frames. Writes are
// serialized; gorilla allows one concurrent writer.
type TerminalSocket struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// ReadFrame returns the next inbound frame. binary reports whether it
// is pty payload.
func (s *TerminalSocket) ReadFrame() (bool, []byte, error) {
	messageType, data, err := s.conn.ReadMessage()
	if err != nil {
		return false, nil, mapSocketError(err)
	}
	return messageType == websocket.BinaryMessage, data, nil
}

// WriteData sends raw keystroke bytes as a binary message.
func (s *TerminalSocket) WriteData(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, data)
}

// WriteResize sends a resize control frame as a text message.
func (s *TerminalSocket) WriteResize(frame schema.ResizeFrame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encoding resize frame: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

// Close closes the socket.
func (s *TerminalSocket) Close() error {
	return s.conn.Close()
}

// GitSocket frames the git push channel: JSON messages both ways.
type GitSocket struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// ReadMessage returns the next inbound channel message.
func (s *GitSocket) ReadMessage() (schema.GitChannelMessage, error) {
	var message schema.GitChannelMessage
	if err := s.conn.ReadJSON(&message); err != nil {
		return schema.GitChannelMessage{}, mapSocketError(err)
	}
	return message, nil
}

// WriteRequest sends an action request.
func (s *GitSocket) WriteRequest(req schema.GitActionRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(req)
}

// Close closes the socket.
func (s *GitSocket) Close() error {
	return s.conn.Close()
}

// mapSocketError folds normal closure into io.EOF so callers treat a
// clean remote close and a drained stream the same way.
func mapSocketError(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return io.EOF
	}
	return err
}
