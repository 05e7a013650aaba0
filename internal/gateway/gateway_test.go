package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okStatus(ctx context.Context) (interface{}, error) {
	return map[string]string{"state": "ready"}, nil
}

func newTestServer(t *testing.T, status StatusFunc) *Server {
	t.Helper()
	if status == nil {
		status = okStatus
	}
	server, err := NewServer(Config{Host: "127.0.0.1", Port: 0, Status: status, Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.NoError(t, server.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Stop(ctx)
	})
	return server
}

func dialStream(t *testing.T, server *Server) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial("ws://"+server.Addr()+"/ws", nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) EventMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg EventMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func waitForClients(t *testing.T, server *Server, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if server.ClientCount() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %d stream clients, have %d", want, server.ClientCount())
}

func getBody(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestNewServer(t *testing.T) {
	t.Run("rejects invalid port", func(t *testing.T) {
		_, err := NewServer(Config{Port: -1, Status: okStatus, Logger: zerolog.Nop()})
		require.Error(t, err)

		_, err = NewServer(Config{Port: 70000, Status: okStatus, Logger: zerolog.Nop()})
		require.Error(t, err)
	})

	t.Run("requires a status func", func(t *testing.T) {
		_, err := NewServer(Config{Port: 0, Logger: zerolog.Nop()})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "status func")
	})

	t.Run("defaults to loopback", func(t *testing.T) {
		server, err := NewServer(Config{Port: 0, Status: okStatus, Logger: zerolog.Nop()})
		require.NoError(t, err)
		assert.Empty(t, server.Addr())
		assert.Empty(t, server.BaseURL())

		require.NoError(t, server.Start())
		t.Cleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Stop(ctx)
		})
		assert.Contains(t, server.Addr(), "127.0.0.1:")
		assert.Equal(t, "http://"+server.Addr(), server.BaseURL())
	})
}

func TestHealthz(t *testing.T) {
	server := newTestServer(t, nil)

	code, body := getBody(t, server.BaseURL()+"/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status":"ok"}`, body)
}

func TestStatus(t *testing.T) {
	t.Run("reports the probed payload", func(t *testing.T) {
		server := newTestServer(t, func(ctx context.Context) (interface{}, error) {
			return map[string]interface{}{"mode": "local", "state": "ready", "healthy": true}, nil
		})

		code, body := getBody(t, server.BaseURL()+"/status")
		assert.Equal(t, http.StatusOK, code)

		var payload map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(body), &payload))
		assert.Equal(t, "local", payload["mode"])
		assert.Equal(t, true, payload["healthy"])
	})

	t.Run("probe failure becomes a 500", func(t *testing.T) {
		server := newTestServer(t, func(ctx context.Context) (interface{}, error) {
			return nil, errors.New("supervisor unavailable")
		})

		code, body := getBody(t, server.BaseURL()+"/status")
		assert.Equal(t, http.StatusInternalServerError, code)
		assert.Contains(t, body, "supervisor unavailable")
	})
}

func TestMetricsEndpoint(t *testing.T) {
	server := newTestServer(t, nil)

	code, body := getBody(t, server.BaseURL()+"/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "go_goroutines")
	assert.Contains(t, body, "memory_server_up")
}

func TestEventStream(t *testing.T) {
	t.Run("delivers broadcasts with increasing sequence", func(t *testing.T) {
		server := newTestServer(t, nil)
		conn := dialStream(t, server)
		waitForClients(t, server, 1)

		server.Broadcast("journal.recall", map[string]interface{}{"kind": "recall", "detail": "returned 2 of 7 candidates"})
		first := readEvent(t, conn)
		assert.Equal(t, "event", first.Type)
		assert.Equal(t, "journal.recall", first.Event)
		assert.Positive(t, first.Timestamp)
		data, ok := first.Data.(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, "recall", data["kind"])

		server.Broadcast("journal.capture_decision", nil)
		second := readEvent(t, conn)
		assert.Equal(t, first.Seq+1, second.Seq)
	})

	t.Run("fans out to every client", func(t *testing.T) {
		server := newTestServer(t, nil)
		first := dialStream(t, server)
		second := dialStream(t, server)
		waitForClients(t, server, 2)

		server.Broadcast("server.started", nil)
		assert.Equal(t, "server.started", readEvent(t, first).Event)
		assert.Equal(t, "server.started", readEvent(t, second).Event)
	})

	t.Run("broadcast without clients is a no-op", func(t *testing.T) {
		server := newTestServer(t, nil)
		server.Broadcast("journal.forget", map[string]interface{}{"uri": "viking://user/memories/tea"})
		assert.Zero(t, server.ClientCount())
	})

	t.Run("disconnected clients leave the hub", func(t *testing.T) {
		server := newTestServer(t, nil)
		conn := dialStream(t, server)
		waitForClients(t, server, 1)

		conn.Close()
		waitForClients(t, server, 0)
	})
}

func TestStop(t *testing.T) {
	server, err := NewServer(Config{Host: "127.0.0.1", Port: 0, Status: okStatus, Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.NoError(t, server.Start())

	conn := dialStream(t, server)
	waitForClients(t, server, 1)
	addr := server.Addr()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, server.Stop(ctx))

	// The shutdown announcement is the last frame before the close.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	if err == nil {
		var msg EventMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		assert.Equal(t, "server.shutdown", msg.Event)
		_, _, err = conn.ReadMessage()
	}
	assert.Error(t, err)

	_, _, err = websocket.DefaultDialer.Dial(fmt.Sprintf("ws://%s/ws", addr), nil)
	assert.Error(t, err)

	// Stop is idempotent.
	require.NoError(t, server.Stop(ctx))
}
