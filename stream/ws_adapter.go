package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// WebSocketWriter pushes run stream events over a WebSocket connection.
// Writes are mutex-protected because WebSocket does not support concurrent
// writers.
type WebSocketWriter struct {
	conn   *websocket.Conn
	logger *zap.Logger
	mu     sync.Mutex
	closed bool
}

// NewWebSocketWriter wraps an already-established WebSocket connection.
func NewWebSocketWriter(conn *websocket.Conn, logger *zap.Logger) *WebSocketWriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSocketWriter{
		conn:   conn,
		logger: logger.With(zap.String("component", "ws_stream_writer")),
	}
}

// WriteEvent serializes one event as JSON and sends it as a text message.
func (w *WebSocketWriter) WriteEvent(ctx context.Context, ev Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("connection closed")
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := w.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

// Pump forwards every event from the channel to the connection until the
// channel closes or a write fails, then closes the connection.
func (w *WebSocketWriter) Pump(ctx context.Context, events <-chan Event) error {
	defer w.Close()
	for ev := range events {
		if err := w.WriteEvent(ctx, ev); err != nil {
			w.logger.Warn("stream write failed, dropping connection", zap.Error(err))
			return err
		}
	}
	return nil
}

// Close closes the underlying connection. Idempotent.
func (w *WebSocketWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	return w.conn.Close(websocket.StatusNormalClosure, "run finished")
}
