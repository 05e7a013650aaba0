package memory

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halvard/mimir/pkg/viking"
)

type stubMessage struct {
	SessionID string
	Role      string
	Content   string
}

// stubBackend scripts backend responses and records every call.
type stubBackend struct {
	mu sync.Mutex

	memories    []viking.Memory
	total       int
	findErr     error
	findQueries []string
	findOpts    []viking.FindOptions

	sessionID   string
	createErr   error
	createCalls int

	addErr error
	added  []stubMessage

	extracted  []viking.ExtractedMemory
	extractErr error

	deleteSessionErr error
	deletedSessions  []string

	deleteURIErr map[string]error
	deletedURIs  []string

	healthErr error
}

func (b *stubBackend) BaseURL() string { return "http://127.0.0.1:8303" }

func (b *stubBackend) Health(ctx context.Context) error { return b.healthErr }

func (b *stubBackend) Find(ctx context.Context, query string, opts viking.FindOptions) ([]viking.Memory, int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.findQueries = append(b.findQueries, query)
	b.findOpts = append(b.findOpts, opts)
	if b.findErr != nil {
		return nil, 0, b.findErr
	}
	total := b.total
	if total == 0 {
		total = len(b.memories)
	}
	return b.memories, total, nil
}

func (b *stubBackend) CreateSession(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.createCalls++
	if b.createErr != nil {
		return "", b.createErr
	}
	if b.sessionID == "" {
		b.sessionID = "sess-1"
	}
	return b.sessionID, nil
}

func (b *stubBackend) AddMessage(ctx context.Context, sessionID, role, content string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.addErr != nil {
		return b.addErr
	}
	b.added = append(b.added, stubMessage{SessionID: sessionID, Role: role, Content: content})
	return nil
}

func (b *stubBackend) Extract(ctx context.Context, sessionID string) ([]viking.ExtractedMemory, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.extractErr != nil {
		return nil, b.extractErr
	}
	return b.extracted, nil
}

func (b *stubBackend) DeleteSession(ctx context.Context, sessionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deletedSessions = append(b.deletedSessions, sessionID)
	return b.deleteSessionErr
}

func (b *stubBackend) DeleteURI(ctx context.Context, uri string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.deleteURIErr[uri]; err != nil {
		return err
	}
	b.deletedURIs = append(b.deletedURIs, uri)
	return nil
}

func newTestService(t *testing.T, backend *stubBackend, capCfg CaptureSettings, recCfg RecallSettings) *Service {
	t.Helper()
	svc, err := NewService(Config{
		Mode:      ModeRemote,
		Backend:   backend,
		TargetURI: "viking://user/memories/",
		Capture:   capCfg,
		Recall:    recCfg,
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)
	return svc
}

func TestNewService(t *testing.T) {
	t.Run("local mode requires supervisor", func(t *testing.T) {
		_, err := NewService(Config{Mode: ModeLocal, Logger: zerolog.Nop()})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "requires a supervisor")
	})

	t.Run("remote mode requires backend", func(t *testing.T) {
		_, err := NewService(Config{Mode: ModeRemote, Logger: zerolog.Nop()})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "requires a backend")
	})

	t.Run("unknown mode rejected", func(t *testing.T) {
		_, err := NewService(Config{Mode: "hybrid", Logger: zerolog.Nop()})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown mode")
	})

	t.Run("remote mode with backend", func(t *testing.T) {
		svc, err := NewService(Config{Mode: ModeRemote, Backend: &stubBackend{}, Logger: zerolog.Nop()})
		require.NoError(t, err)
		require.NotNil(t, svc)
	})
}

func TestRecall(t *testing.T) {
	t.Run("applies settings defaults and service scope", func(t *testing.T) {
		backend := &stubBackend{
			memories: []viking.Memory{
				{URI: "viking://user/memories/a", Abstract: "prefers tea", Score: 0.9, IsLeaf: true},
				{URI: "viking://user/memories/b", Abstract: "lives in Oslo", Score: 0.6, IsLeaf: true},
				{URI: "viking://user/memories/c", Abstract: "mentioned rain once", Score: 0.2, IsLeaf: true},
			},
		}
		svc := newTestService(t, backend, CaptureSettings{}, RecallSettings{Enabled: true, Limit: 2, ScoreThreshold: 0.5})

		got, err := svc.Recall(context.Background(), "tea", RecallOptions{ScoreThreshold: -1})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "viking://user/memories/a", got[0].URI)
		assert.Equal(t, "viking://user/memories/b", got[1].URI)

		require.Len(t, backend.findOpts, 1)
		assert.Equal(t, 2, backend.findOpts[0].Limit)
		assert.Equal(t, "viking://user/memories/", backend.findOpts[0].TargetURI)
	})

	t.Run("zero limit falls back to default", func(t *testing.T) {
		backend := &stubBackend{}
		svc := newTestService(t, backend, CaptureSettings{}, RecallSettings{Enabled: true})

		_, err := svc.Recall(context.Background(), "tea", RecallOptions{})
		require.NoError(t, err)
		require.Len(t, backend.findOpts, 1)
		assert.Equal(t, defaultRecallLimit, backend.findOpts[0].Limit)
	})

	t.Run("explicit target overrides service scope", func(t *testing.T) {
		backend := &stubBackend{}
		svc := newTestService(t, backend, CaptureSettings{}, RecallSettings{Enabled: true})

		_, err := svc.Recall(context.Background(), "tea", RecallOptions{TargetURI: "viking://agent/memories/"})
		require.NoError(t, err)
		require.Len(t, backend.findOpts, 1)
		assert.Equal(t, "viking://agent/memories/", backend.findOpts[0].TargetURI)
	})

	t.Run("injection ranking prefers leaves", func(t *testing.T) {
		backend := &stubBackend{
			memories: []viking.Memory{
				{URI: "viking://user/memories/s1", Abstract: "summary one", Score: 0.9},
				{URI: "viking://user/memories/s2", Abstract: "summary two", Score: 0.9},
				{URI: "viking://user/memories/s3", Abstract: "summary three", Score: 0.9},
				{URI: "viking://user/memories/l1", Abstract: "fact one", Score: 0.5, IsLeaf: true},
				{URI: "viking://user/memories/l2", Abstract: "fact two", Score: 0.5, IsLeaf: true},
				{URI: "viking://user/memories/l3", Abstract: "fact three", Score: 0.5, IsLeaf: true},
				{URI: "viking://user/memories/l4", Abstract: "fact four", Score: 0.5, IsLeaf: true},
				{URI: "viking://user/memories/l5", Abstract: "fact five", Score: 0.5, IsLeaf: true},
			},
		}
		svc := newTestService(t, backend, CaptureSettings{}, RecallSettings{Enabled: true, Limit: 5})

		got, err := svc.Recall(context.Background(), "facts", RecallOptions{ForInjection: true})
		require.NoError(t, err)
		require.Len(t, got, 5)
		for _, m := range got {
			assert.True(t, m.IsLeaf, "expected only leaf memories, got %s", m.URI)
		}
	})

	t.Run("backend failure surfaces", func(t *testing.T) {
		backend := &stubBackend{findErr: errors.New("connection refused")}
		svc := newTestService(t, backend, CaptureSettings{}, RecallSettings{Enabled: true})

		_, err := svc.Recall(context.Background(), "tea", RecallOptions{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "recall")
	})
}

func TestCaptureTexts(t *testing.T) {
	t.Run("deletes session on success", func(t *testing.T) {
		backend := &stubBackend{
			extracted: []viking.ExtractedMemory{
				{URI: "viking://user/memories/a", Category: "preference", Abstract: "prefers tea"},
				{URI: "viking://user/memories/b", Category: "profile", Abstract: "moved to Oslo"},
			},
		}
		svc := newTestService(t, backend, CaptureSettings{Enabled: true}, RecallSettings{})

		got, err := svc.CaptureTexts(context.Background(), []string{"I prefer tea", "I moved to Oslo"}, "")
		require.NoError(t, err)
		require.Len(t, got, 2)

		require.Len(t, backend.added, 2)
		assert.Equal(t, "user", backend.added[0].Role)
		assert.Equal(t, []string{"sess-1"}, backend.deletedSessions)
	})

	t.Run("deletes session exactly once when extract fails", func(t *testing.T) {
		backend := &stubBackend{extractErr: errors.New("extraction model unavailable")}
		svc := newTestService(t, backend, CaptureSettings{Enabled: true}, RecallSettings{})

		_, err := svc.CaptureTexts(context.Background(), []string{"I prefer tea"}, "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "extract")
		assert.Equal(t, []string{"sess-1"}, backend.deletedSessions)
	})

	t.Run("deletes session when append fails", func(t *testing.T) {
		backend := &stubBackend{addErr: errors.New("boom")}
		svc := newTestService(t, backend, CaptureSettings{Enabled: true}, RecallSettings{})

		_, err := svc.CaptureTexts(context.Background(), []string{"I prefer tea"}, "")
		require.Error(t, err)
		assert.Len(t, backend.deletedSessions, 1)
	})

	t.Run("no session when create fails", func(t *testing.T) {
		backend := &stubBackend{createErr: errors.New("boom")}
		svc := newTestService(t, backend, CaptureSettings{Enabled: true}, RecallSettings{})

		_, err := svc.CaptureTexts(context.Background(), []string{"I prefer tea"}, "")
		require.Error(t, err)
		assert.Empty(t, backend.deletedSessions)
	})

	t.Run("nothing to capture", func(t *testing.T) {
		backend := &stubBackend{}
		svc := newTestService(t, backend, CaptureSettings{Enabled: true}, RecallSettings{})

		got, err := svc.CaptureTexts(context.Background(), nil, "")
		require.NoError(t, err)
		assert.Nil(t, got)
		assert.Zero(t, backend.createCalls)
	})

	t.Run("dedups repeated texts keeping the freshest phrasing", func(t *testing.T) {
		backend := &stubBackend{}
		svc := newTestService(t, backend, CaptureSettings{Enabled: true}, RecallSettings{})

		_, err := svc.CaptureTexts(context.Background(), []string{"I prefer tea.", "i prefer tea", "I moved to Oslo"}, "")
		require.NoError(t, err)
		require.Len(t, backend.added, 2)
		assert.Equal(t, "i prefer tea", backend.added[0].Content)
		assert.Equal(t, "I moved to Oslo", backend.added[1].Content)
	})

	t.Run("stamps the given role", func(t *testing.T) {
		backend := &stubBackend{}
		svc := newTestService(t, backend, CaptureSettings{Enabled: true}, RecallSettings{})

		_, err := svc.CaptureTexts(context.Background(), []string{"call me at +47 400 00 000"}, "assistant")
		require.NoError(t, err)
		require.Len(t, backend.added, 1)
		assert.Equal(t, "assistant", backend.added[0].Role)
	})
}

func TestForget(t *testing.T) {
	t.Run("uri outside namespace rejected without backend calls", func(t *testing.T) {
		backend := &stubBackend{}
		svc := newTestService(t, backend, CaptureSettings{}, RecallSettings{})

		_, err := svc.Forget(context.Background(), ForgetOptions{URI: "viking://scratch/x"})
		require.Error(t, err)
		assert.ErrorIs(t, err, viking.ErrOutsideNamespace)
		assert.Empty(t, backend.deletedURIs)
		assert.Empty(t, backend.findOpts)
	})

	t.Run("uri inside namespace deleted", func(t *testing.T) {
		backend := &stubBackend{}
		svc := newTestService(t, backend, CaptureSettings{}, RecallSettings{})

		deleted, err := svc.Forget(context.Background(), ForgetOptions{URI: "viking://user/memories/alpha"})
		require.NoError(t, err)
		assert.Equal(t, []string{"viking://user/memories/alpha"}, deleted)
		assert.Equal(t, []string{"viking://user/memories/alpha"}, backend.deletedURIs)
	})

	t.Run("requires uri or query", func(t *testing.T) {
		svc := newTestService(t, &stubBackend{}, CaptureSettings{}, RecallSettings{})

		_, err := svc.Forget(context.Background(), ForgetOptions{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "requires a uri or a query")
	})

	t.Run("query mode skips failing deletes", func(t *testing.T) {
		backend := &stubBackend{
			memories: []viking.Memory{
				{URI: "viking://user/memories/a", Abstract: "prefers tea", Score: 0.9, IsLeaf: true},
				{URI: "viking://user/memories/b", Abstract: "lives in Oslo", Score: 0.8, IsLeaf: true},
			},
			deleteURIErr: map[string]error{"viking://user/memories/a": errors.New("locked")},
		}
		svc := newTestService(t, backend, CaptureSettings{}, RecallSettings{Limit: 5})

		deleted, err := svc.Forget(context.Background(), ForgetOptions{Query: "tea", ScoreThreshold: -1})
		require.NoError(t, err)
		assert.Equal(t, []string{"viking://user/memories/b"}, deleted)
	})

	t.Run("query mode never deletes outside the namespaces", func(t *testing.T) {
		backend := &stubBackend{
			memories: []viking.Memory{
				{URI: "viking://scratch/tmp", Abstract: "scratch entry", Score: 0.95, IsLeaf: true},
				{URI: "viking://user/memories/a", Abstract: "prefers tea", Score: 0.9, IsLeaf: true},
			},
		}
		svc := newTestService(t, backend, CaptureSettings{}, RecallSettings{Limit: 5})

		deleted, err := svc.Forget(context.Background(), ForgetOptions{Query: "tea", ScoreThreshold: -1})
		require.NoError(t, err)
		assert.Equal(t, []string{"viking://user/memories/a"}, deleted)
	})
}

func TestStatusRemote(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		svc := newTestService(t, &stubBackend{}, CaptureSettings{}, RecallSettings{})

		st := svc.Status(context.Background())
		assert.Equal(t, ModeRemote, st.Mode)
		assert.Equal(t, "remote", st.State)
		assert.Equal(t, "http://127.0.0.1:8303", st.BaseURL)
		assert.True(t, st.Healthy)
		assert.Empty(t, st.Error)
	})

	t.Run("unreachable", func(t *testing.T) {
		svc := newTestService(t, &stubBackend{healthErr: errors.New("connection refused")}, CaptureSettings{}, RecallSettings{})

		st := svc.Status(context.Background())
		assert.False(t, st.Healthy)
		assert.Contains(t, st.Error, "connection refused")
	})
}

func TestUpdateSettings(t *testing.T) {
	backend := &stubBackend{}
	svc := newTestService(t, backend, CaptureSettings{}, RecallSettings{Enabled: true, Limit: 2})

	svc.UpdateSettings(CaptureSettings{Enabled: true}, RecallSettings{Enabled: true, Limit: 4})

	_, err := svc.Recall(context.Background(), "tea", RecallOptions{})
	require.NoError(t, err)
	require.Len(t, backend.findOpts, 1)
	assert.Equal(t, 4, backend.findOpts[0].Limit)
}
