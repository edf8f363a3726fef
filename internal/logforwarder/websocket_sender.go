package logforwarder

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hostlens/hostlens/internal/status"
)

// writeWait bounds a single batch write, the same shape docker-agent's
// writePump gives every WebSocket write a deadline for.
const writeWait = 10 * time.Second

// batch is the wire envelope one flush sends to the remote endpoint.
type batch struct {
	Lines []string `json:"lines"`
}

// WebSocketSender delivers batches over a single long-lived WebSocket
// connection to a remote log-collection endpoint, reconnecting lazily on
// the next Send after a failure rather than maintaining its own
// background reconnect loop — Forwarder.Run's own backoff already governs
// retry cadence, so a second independent reconnect loop here would just
// fight it.
type WebSocketSender struct {
	url string
	log zerolog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWebSocketSender returns a sender that dials url lazily on first Send.
func NewWebSocketSender(url string) *WebSocketSender {
	return &WebSocketSender{url: url, log: log.With().Str("component", "logforwarder.websocket").Logger()}
}

func (s *WebSocketSender) ensureConn() (*websocket.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return s.conn, nil
	}
	conn, _, err := websocket.DefaultDialer.Dial(s.url, nil)
	if err != nil {
		return nil, err
	}
	s.conn = conn
	return conn, nil
}

func (s *WebSocketSender) dropConn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

// Send delivers lines as one JSON batch frame. Any error (dial or write)
// drops the cached connection so the next Send redials from scratch, and
// returns TransientIO so Forwarder.Run backs off and retains the batch.
func (s *WebSocketSender) Send(ctx context.Context, lines []string) status.Status {
	conn, err := s.ensureConn()
	if err != nil {
		return status.New(status.TransientIO, "logforwarder: dial failed: %v", err)
	}

	payload, err := json.Marshal(batch{Lines: lines})
	if err != nil {
		return status.New(status.Malformed, "logforwarder: encode batch: %v", err)
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		s.dropConn()
		return status.New(status.TransientIO, "logforwarder: write failed: %v", err)
	}
	return status.OKStatus
}

// Close tears down the underlying connection, if any.
func (s *WebSocketSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}
