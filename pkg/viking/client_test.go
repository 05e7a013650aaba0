package viking

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{BaseURL: srv.URL, APIKey: "secret", Logger: zerolog.Nop()})
	require.NoError(t, err)
	return c
}

func writeEnvelope(t *testing.T, w http.ResponseWriter, code int, result any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	payload := map[string]any{"status": "ok"}
	if result != nil {
		payload["result"] = result
	}
	require.NoError(t, json.NewEncoder(w).Encode(payload))
}

func TestNewClient(t *testing.T) {
	t.Run("requires a base url", func(t *testing.T) {
		_, err := NewClient(Config{})
		require.Error(t, err)
	})

	t.Run("trims trailing slashes", func(t *testing.T) {
		c, err := NewClient(Config{BaseURL: "http://127.0.0.1:8303/", Logger: zerolog.Nop()})
		require.NoError(t, err)
		assert.Equal(t, "http://127.0.0.1:8303", c.BaseURL())
	})
}

func TestInMemoryNamespace(t *testing.T) {
	cases := []struct {
		uri  string
		want bool
	}{
		{"viking://user/memories/preferences/tea", true},
		{"viking://agent/memories/notes", true},
		{"viking://user/memories/", false},
		{"viking://agent/memories/", false},
		{"viking://user/sessions/abc", false},
		{"viking://user/scratch/x", false},
		{"http://example.com/memories/x", false},
		{"", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, InMemoryNamespace(tc.uri), "uri %q", tc.uri)
	}
}

func TestFind(t *testing.T) {
	t.Run("overfetches with a zero wire threshold", func(t *testing.T) {
		cases := []struct {
			limit     int
			wireLimit int
		}{
			{0, 10},
			{2, 10},
			{5, 15},
		}
		for _, tc := range cases {
			var got findRequest
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
				writeEnvelope(t, w, http.StatusOK, findResult{})
			})
			_, _, err := c.Find(context.Background(), "tea", FindOptions{Limit: tc.limit})
			require.NoError(t, err)
			assert.Equal(t, tc.wireLimit, got.Limit, "caller limit %d", tc.limit)
			assert.Zero(t, got.ScoreThreshold)
		}
	})

	t.Run("sends query scope and headers", func(t *testing.T) {
		var got findRequest
		var header http.Header
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			header = r.Header.Clone()
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/api/v1/search/search", r.URL.Path)
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			writeEnvelope(t, w, http.StatusOK, findResult{})
		})

		_, _, err := c.Find(context.Background(), "what tea do I drink", FindOptions{
			TargetURI: "viking://user/memories/preferences/",
			Limit:     5,
			SessionID: "sess-7",
		})
		require.NoError(t, err)

		assert.Equal(t, "what tea do I drink", got.Query)
		assert.Equal(t, "viking://user/memories/preferences/", got.TargetURI)
		assert.Equal(t, "sess-7", got.SessionID)
		assert.Equal(t, "secret", header.Get("X-API-Key"))
		assert.Equal(t, "application/json", header.Get("Accept"))
		assert.Equal(t, "application/json", header.Get("Content-Type"))
	})

	t.Run("returns memories and the server total", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeEnvelope(t, w, http.StatusOK, findResult{
				Memories: []Memory{
					{URI: "viking://user/memories/preferences/tea", Abstract: "prefers green tea", Score: 0.91, IsLeaf: true},
					{URI: "viking://user/memories/preferences/", Overview: "drink preferences", Score: 0.52},
				},
				Total: 42,
			})
		})

		memories, total, err := c.Find(context.Background(), "tea", FindOptions{Limit: 5})
		require.NoError(t, err)
		assert.Equal(t, 42, total)
		require.Len(t, memories, 2)
		assert.Equal(t, "prefers green tea", memories[0].Text())
		assert.Equal(t, "drink preferences", memories[1].Text())
	})

	t.Run("maps enveloped errors", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"status":"error","error":{"code":"NOT_FOUND","message":"no such tree"}}`))
		})
		_, _, err := c.Find(context.Background(), "tea", FindOptions{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "NOT_FOUND: no such tree")
	})

	t.Run("maps bare status failures", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		})
		_, _, err := c.Find(context.Background(), "tea", FindOptions{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unexpected status 502")
	})

	t.Run("maps error envelopes on 2xx responses", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"status":"error","error":{"code":"BACKEND_DOWN","message":"vector store offline"}}`))
		})
		_, _, err := c.Find(context.Background(), "tea", FindOptions{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "BACKEND_DOWN: vector store offline")
	})
}

func TestSessions(t *testing.T) {
	t.Run("create returns the session id", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/api/v1/sessions", r.URL.Path)
			writeEnvelope(t, w, http.StatusOK, createSessionResult{SessionID: "sess-42"})
		})
		id, err := c.CreateSession(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "sess-42", id)
	})

	t.Run("create rejects an empty session id", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeEnvelope(t, w, http.StatusOK, createSessionResult{})
		})
		_, err := c.CreateSession(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "empty session_id")
	})

	t.Run("add message posts role and content", func(t *testing.T) {
		var got addMessageRequest
		var path string
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			path = r.URL.Path
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			writeEnvelope(t, w, http.StatusOK, nil)
		})

		require.NoError(t, c.AddMessage(context.Background(), "sess-42", "user", "I moved to Oslo"))
		assert.Equal(t, "/api/v1/sessions/sess-42/messages", path)
		assert.Equal(t, "user", got.Role)
		assert.Equal(t, "I moved to Oslo", got.Content)
	})

	t.Run("extract decodes the memory list", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/api/v1/sessions/sess-42/extract", r.URL.Path)
			writeEnvelope(t, w, http.StatusOK, []ExtractedMemory{
				{URI: "viking://user/memories/facts/oslo", Category: "fact", Abstract: "moved to Oslo"},
			})
		})

		memories, err := c.Extract(context.Background(), "sess-42")
		require.NoError(t, err)
		require.Len(t, memories, 1)
		assert.Equal(t, "moved to Oslo", memories[0].Abstract)
	})

	t.Run("delete issues a DELETE on the session path", func(t *testing.T) {
		var method, path string
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			method = r.Method
			path = r.URL.Path
			writeEnvelope(t, w, http.StatusOK, nil)
		})

		require.NoError(t, c.DeleteSession(context.Background(), "sess-42"))
		assert.Equal(t, http.MethodDelete, method)
		assert.Equal(t, "/api/v1/sessions/sess-42", path)
	})
}

func TestDeleteURI(t *testing.T) {
	t.Run("rejects uris outside the memory namespaces without a request", func(t *testing.T) {
		var calls atomic.Int32
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			writeEnvelope(t, w, http.StatusOK, nil)
		})

		err := c.DeleteURI(context.Background(), "viking://user/sessions/abc")
		require.ErrorIs(t, err, ErrOutsideNamespace)
		assert.Zero(t, calls.Load())
	})

	t.Run("issues a non recursive delete", func(t *testing.T) {
		var method, path, uri, recursive string
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			method = r.Method
			path = r.URL.Path
			uri = r.URL.Query().Get("uri")
			recursive = r.URL.Query().Get("recursive")
			writeEnvelope(t, w, http.StatusOK, nil)
		})

		require.NoError(t, c.DeleteURI(context.Background(), "viking://user/memories/preferences/tea"))
		assert.Equal(t, http.MethodDelete, method)
		assert.Equal(t, "/api/v1/fs", path)
		assert.Equal(t, "viking://user/memories/preferences/tea", uri)
		assert.Equal(t, "false", recursive)
	})
}

func TestHealth(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/health", r.URL.Path)
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		})
		assert.NoError(t, c.Health(context.Background()))
	})

	t.Run("degraded status is an error", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"status":"starting"}`))
		})
		err := c.Health(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "starting")
	})

	t.Run("non 2xx is an error", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
		require.Error(t, c.Health(context.Background()))
	})
}
