package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// wsEchoServer upgrades to WebSocket and sends every received text message
// into the returned channel.
func wsEchoServer(t *testing.T) (*httptest.Server, <-chan []byte) {
	t.Helper()
	received := make(chan []byte, 32)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			received <- data
		}
	}))
	return srv, received
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	return conn
}

func TestWebSocketWriterSendsJSONEvents(t *testing.T) {
	srv, received := wsEchoServer(t)
	defer srv.Close()

	w := NewWebSocketWriter(dial(t, srv), zap.NewNop())
	defer w.Close()

	err := w.WriteEvent(context.Background(), Event{
		Type:    EventChunk,
		NodeID:  "n1",
		ScopeID: "s1",
		Chunk:   "partial",
	})
	require.NoError(t, err)

	select {
	case data := <-received:
		var ev Event
		require.NoError(t, json.Unmarshal(data, &ev))
		assert.Equal(t, EventChunk, ev.Type)
		assert.Equal(t, "n1", ev.NodeID)
		assert.Equal(t, "partial", ev.Chunk)
	case <-time.After(5 * time.Second):
		t.Fatal("event never arrived")
	}
}

func TestWebSocketWriterPumpDrainsAggregator(t *testing.T) {
	srv, received := wsEchoServer(t)
	defer srv.Close()

	a := NewAggregator(16, zap.NewNop())
	a.ConfirmPrimary("n1", "s1")
	a.Publish("n1", "s1", "one")
	a.Publish("n1", "s1", "two")
	a.Finalize("succeeded", nil)

	w := NewWebSocketWriter(dial(t, srv), zap.NewNop())
	require.NoError(t, w.Pump(context.Background(), a.Events()))

	var types []EventType
	for i := 0; i < 3; i++ {
		select {
		case data := <-received:
			var ev Event
			require.NoError(t, json.Unmarshal(data, &ev))
			types = append(types, ev.Type)
		case <-time.After(5 * time.Second):
			t.Fatal("missing event")
		}
	}
	assert.Equal(t, []EventType{EventChunk, EventChunk, EventFinal}, types)

	// Pump closed the connection; further writes fail.
	err := w.WriteEvent(context.Background(), Event{Type: EventChunk})
	assert.Error(t, err)
}
