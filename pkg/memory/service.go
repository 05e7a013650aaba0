package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/halvard/mimir/internal/journal"
	"github.com/halvard/mimir/internal/observability"
	"github.com/halvard/mimir/internal/tracing"
	"github.com/halvard/mimir/pkg/capture"
	"github.com/halvard/mimir/pkg/ranking"
	"github.com/halvard/mimir/pkg/supervisor"
	"github.com/halvard/mimir/pkg/viking"
)

// Operating modes for the service.
const (
	ModeLocal  = "local"
	ModeRemote = "remote"
)

const (
	defaultRecallLimit        = 5
	defaultMinSpeakerTurns    = 3
	defaultMinTranscriptChars = 120

	// captureBatchSize caps how many texts one sweep submits for extraction.
	captureBatchSize = 3

	remoteProbeTimeout    = 5 * time.Second
	sessionCleanupTimeout = 10 * time.Second
)

// Backend is the slice of the viking client the service needs. Satisfied by
// *viking.Client; tests substitute their own.
type Backend interface {
	BaseURL() string
	Health(ctx context.Context) error
	Find(ctx context.Context, query string, opts viking.FindOptions) ([]viking.Memory, int, error)
	CreateSession(ctx context.Context) (string, error)
	AddMessage(ctx context.Context, sessionID, role, content string) error
	Extract(ctx context.Context, sessionID string) ([]viking.ExtractedMemory, error)
	DeleteSession(ctx context.Context, sessionID string) error
	DeleteURI(ctx context.Context, uri string) error
}

// CaptureSettings controls the classification side of the service.
type CaptureSettings struct {
	Enabled  bool
	Mode     capture.Mode
	MaxChars int
	// MinSpeakerTurns and MinTranscriptChars gate the transcript reply nudge.
	MinSpeakerTurns    int
	MinTranscriptChars int
}

// RecallSettings controls the retrieval side of the service.
type RecallSettings struct {
	Enabled        bool
	Limit          int
	ScoreThreshold float64
}

// Config configures a Service. Local mode requires Supervisor, remote mode
// requires Backend.
type Config struct {
	Mode       string
	Supervisor *supervisor.Supervisor
	Backend    Backend
	// TargetURI scopes searches when the caller does not narrow them.
	TargetURI string
	Capture   CaptureSettings
	Recall    RecallSettings
	// Journal receives one entry per decision, store, recall and server
	// event. Optional.
	Journal *journal.Journal
	Logger  zerolog.Logger
}

// Service is the capture/recall engine. Safe for concurrent use.
type Service struct {
	mode      string
	sup       *supervisor.Supervisor
	remote    Backend
	targetURI string
	journal   *journal.Journal
	logger    zerolog.Logger

	mu         sync.RWMutex
	captureCfg CaptureSettings
	recallCfg  RecallSettings
	classifier *capture.Classifier
}

// NewService validates cfg and builds a Service.
func NewService(cfg Config) (*Service, error) {
	switch cfg.Mode {
	case ModeLocal:
		if cfg.Supervisor == nil {
			return nil, errors.New("memory: local mode requires a supervisor")
		}
	case ModeRemote:
		if cfg.Backend == nil {
			return nil, errors.New("memory: remote mode requires a backend client")
		}
	default:
		return nil, fmt.Errorf("memory: unknown mode %q", cfg.Mode)
	}

	normalizeSettings(&cfg.Capture, &cfg.Recall)

	s := &Service{
		mode:       cfg.Mode,
		sup:        cfg.Supervisor,
		remote:     cfg.Backend,
		targetURI:  cfg.TargetURI,
		journal:    cfg.Journal,
		logger:     cfg.Logger.With().Str("component", "memory").Logger(),
		captureCfg: cfg.Capture,
		recallCfg:  cfg.Recall,
		classifier: capture.NewClassifier(capture.Config{Mode: cfg.Capture.Mode, MaxChars: cfg.Capture.MaxChars}),
	}
	return s, nil
}

func normalizeSettings(capCfg *CaptureSettings, recCfg *RecallSettings) {
	if capCfg.MinSpeakerTurns <= 0 {
		capCfg.MinSpeakerTurns = defaultMinSpeakerTurns
	}
	if capCfg.MinTranscriptChars <= 0 {
		capCfg.MinTranscriptChars = defaultMinTranscriptChars
	}
	if recCfg.Limit <= 0 {
		recCfg.Limit = defaultRecallLimit
	}
	if recCfg.ScoreThreshold < 0 {
		recCfg.ScoreThreshold = 0
	}
	if recCfg.ScoreThreshold > 1 {
		recCfg.ScoreThreshold = 1
	}
}

// UpdateSettings swaps the capture and recall settings, rebuilding the
// classifier. Used on config reload.
func (s *Service) UpdateSettings(capCfg CaptureSettings, recCfg RecallSettings) {
	normalizeSettings(&capCfg, &recCfg)

	s.mu.Lock()
	s.captureCfg = capCfg
	s.recallCfg = recCfg
	s.classifier = capture.NewClassifier(capture.Config{Mode: capCfg.Mode, MaxChars: capCfg.MaxChars})
	s.mu.Unlock()

	s.logger.Info().
		Bool("capture_enabled", capCfg.Enabled).
		Str("capture_mode", string(capCfg.Mode)).
		Bool("recall_enabled", recCfg.Enabled).
		Msg("Memory settings updated")
}

// Start brings the backend up. Local mode starts the supervised server and
// blocks until it is ready or failed. Remote mode probes the endpoint once;
// an unreachable endpoint is logged, never fatal.
func (s *Service) Start(ctx context.Context) error {
	if s.mode == ModeRemote {
		probeCtx, cancel := context.WithTimeout(ctx, remoteProbeTimeout)
		defer cancel()
		if err := s.remote.Health(probeCtx); err != nil {
			s.logger.Warn().Err(err).Str("base_url", s.remote.BaseURL()).Msg("Remote memory server probe failed")
			observability.SetMemoryServerUp(false)
			s.journalRecord(ctx, journal.Entry{Kind: journal.KindServerEvent, Reason: "remote_probe_failed", Detail: err.Error()})
		} else {
			s.logger.Info().Str("base_url", s.remote.BaseURL()).Msg("Remote memory server reachable")
			observability.SetMemoryServerUp(true)
			s.journalRecord(ctx, journal.Entry{Kind: journal.KindServerEvent, Reason: "remote_probe_ok"})
		}
		return nil
	}

	if err := s.sup.Start(ctx); err != nil {
		observability.SetMemoryServerUp(false)
		observability.RecordMemoryServerTransition(s.sup.State().String())
		s.journalRecord(ctx, journal.Entry{Kind: journal.KindServerEvent, Reason: "start_failed", Detail: err.Error()})
		return fmt.Errorf("memory: start: %w", err)
	}
	observability.SetMemoryServerUp(true)
	observability.RecordMemoryServerTransition(s.sup.State().String())
	s.journalRecord(ctx, journal.Entry{Kind: journal.KindServerEvent, Reason: "started"})
	return nil
}

// Stop shuts the backend down. Remote mode has nothing to stop.
func (s *Service) Stop(ctx context.Context) error {
	if s.mode == ModeRemote {
		return nil
	}
	if err := s.sup.Stop(ctx); err != nil {
		return fmt.Errorf("memory: stop: %w", err)
	}
	observability.SetMemoryServerUp(false)
	observability.RecordMemoryServerTransition(s.sup.State().String())
	s.journalRecord(ctx, journal.Entry{Kind: journal.KindServerEvent, Reason: "stopped"})
	return nil
}

// Status reports the backend mode, lifecycle state and current health.
type Status struct {
	Mode    string `json:"mode"`
	State   string `json:"state"`
	BaseURL string `json:"base_url,omitempty"`
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// Status probes the backend and reports where the service stands. It never
// blocks on readiness: a still-starting local server reports its transitional
// state instead of waiting.
func (s *Service) Status(ctx context.Context) Status {
	st := Status{Mode: s.mode}

	if s.mode == ModeRemote {
		st.State = "remote"
		st.BaseURL = s.remote.BaseURL()
		if err := s.remote.Health(ctx); err != nil {
			st.Error = err.Error()
		} else {
			st.Healthy = true
		}
		return st
	}

	state := s.sup.State()
	st.State = state.String()
	if err := s.sup.Err(); err != nil {
		st.Error = err.Error()
	}
	if state != supervisor.StateReady {
		return st
	}
	client, err := s.sup.Client(ctx)
	if err != nil {
		st.Error = err.Error()
		return st
	}
	st.BaseURL = client.BaseURL()
	if err := client.Health(ctx); err != nil {
		st.Error = err.Error()
	} else {
		st.Healthy = true
	}
	return st
}

// RecallOptions tunes one retrieval. Zero Limit and negative ScoreThreshold
// fall back to the configured recall settings; ScoreThreshold zero means no
// threshold. ForInjection switches from display ranking to the boosted
// injection ranking.
type RecallOptions struct {
	Limit          int
	ScoreThreshold float64
	TargetURI      string
	SessionID      string
	ForInjection   bool
	LeafOnly       bool
}

// Recall searches the backend and ranks the results locally. The backend is
// always asked for more candidates than the limit so the ranking boosts have
// raw material to work with.
func (s *Service) Recall(ctx context.Context, query string, opts RecallOptions) ([]viking.Memory, error) {
	s.mu.RLock()
	recCfg := s.recallCfg
	s.mu.RUnlock()

	if opts.Limit <= 0 {
		opts.Limit = recCfg.Limit
	}
	if opts.ScoreThreshold < 0 {
		opts.ScoreThreshold = recCfg.ScoreThreshold
	}
	if opts.TargetURI == "" {
		opts.TargetURI = s.targetURI
	}

	ctx, span := tracing.StartSpan(ctx, "mimir.memory", "memory.recall",
		attribute.Int("recall.limit", opts.Limit),
		attribute.Bool("recall.for_injection", opts.ForInjection))
	defer span.End()

	start := time.Now()
	backend, err := s.backend(ctx)
	if err != nil {
		observability.RecordRecall(time.Since(start), 0, false)
		return nil, fmt.Errorf("memory: recall: %w", err)
	}
	items, total, err := backend.Find(ctx, query, viking.FindOptions{
		TargetURI: opts.TargetURI,
		Limit:     opts.Limit,
		SessionID: opts.SessionID,
	})
	if err != nil {
		observability.RecordRecall(time.Since(start), 0, false)
		return nil, fmt.Errorf("memory: recall: %w", err)
	}

	var picked []viking.Memory
	if opts.ForInjection {
		picked = ranking.PickForInjection(items, query, ranking.InjectionOptions{
			Limit:    opts.Limit,
			MinScore: opts.ScoreThreshold,
		})
	} else {
		picked = ranking.PostProcess(items, ranking.PostProcessOptions{
			Limit:    opts.Limit,
			MinScore: opts.ScoreThreshold,
			LeafOnly: opts.LeafOnly,
		})
	}
	observability.RecordRecall(time.Since(start), len(picked), true)
	s.journalRecord(ctx, journal.Entry{
		Kind:     journal.KindRecall,
		TextHash: journal.HashText(query),
		Score:    topScore(picked),
		Detail:   fmt.Sprintf("returned %d of %d candidates", len(picked), total),
	})
	s.logger.Debug().
		Int("candidates", len(items)).
		Int("returned", len(picked)).
		Bool("for_injection", opts.ForInjection).
		Msg("Recall completed")
	return picked, nil
}

// CaptureTexts batches texts into one extraction session. The scratch session
// is deleted exactly once on every path past its creation; extraction
// failures do not leak it. Cleanup runs on a detached context so a cancelled
// turn cannot orphan the session.
func (s *Service) CaptureTexts(ctx context.Context, texts []string, role string) ([]viking.ExtractedMemory, error) {
	texts = capture.RecentUnique(texts, captureBatchSize)
	if len(texts) == 0 {
		return nil, nil
	}
	if role == "" {
		role = "user"
	}

	ctx, span := tracing.StartSpan(ctx, "mimir.memory", "memory.capture",
		attribute.Int("capture.texts", len(texts)))
	defer span.End()

	start := time.Now()
	backend, err := s.backend(ctx)
	if err != nil {
		observability.RecordCaptureSweep(time.Since(start), 0, false)
		return nil, fmt.Errorf("memory: capture: %w", err)
	}
	sessionID, err := backend.CreateSession(ctx)
	if err != nil {
		observability.RecordCaptureSweep(time.Since(start), 0, false)
		return nil, fmt.Errorf("memory: capture: create session: %w", err)
	}
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(tracing.CloneContext(ctx), sessionCleanupTimeout)
		defer cancel()
		if err := backend.DeleteSession(cleanupCtx, sessionID); err != nil {
			s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to delete capture session")
		}
	}()

	for _, text := range texts {
		if err := backend.AddMessage(ctx, sessionID, role, text); err != nil {
			observability.RecordCaptureSweep(time.Since(start), 0, false)
			return nil, fmt.Errorf("memory: capture: add message: %w", err)
		}
	}
	extracted, err := backend.Extract(ctx, sessionID)
	if err != nil {
		observability.RecordCaptureSweep(time.Since(start), 0, false)
		return nil, fmt.Errorf("memory: capture: extract: %w", err)
	}

	for _, mem := range extracted {
		s.journalRecord(ctx, journal.Entry{
			Kind:     journal.KindCaptureStore,
			URI:      mem.URI,
			TextHash: journal.HashText(mem.Abstract),
			Detail:   mem.Category,
		})
	}
	observability.RecordCaptureSweep(time.Since(start), len(extracted), true)
	s.logger.Info().
		Int("texts", len(texts)).
		Int("stored", len(extracted)).
		Msg("Capture sweep completed")
	return extracted, nil
}

// ForgetOptions selects memories to delete, by exact URI or by search query.
// Query mode reuses the recall defaults when Limit is zero or ScoreThreshold
// negative.
type ForgetOptions struct {
	URI            string
	Query          string
	TargetURI      string
	Limit          int
	ScoreThreshold float64
}

// Forget deletes memories and returns the URIs it removed. A URI outside the
// memory namespaces is rejected before any backend work, so the rejection
// does not wait on server readiness. In query mode each matched URI is
// deleted best-effort; individual failures are logged and skipped.
func (s *Service) Forget(ctx context.Context, opts ForgetOptions) ([]string, error) {
	if opts.URI != "" {
		if !viking.InMemoryNamespace(opts.URI) {
			return nil, fmt.Errorf("memory: forget %s: %w", opts.URI, viking.ErrOutsideNamespace)
		}
		backend, err := s.backend(ctx)
		if err != nil {
			return nil, fmt.Errorf("memory: forget: %w", err)
		}
		if err := backend.DeleteURI(ctx, opts.URI); err != nil {
			return nil, fmt.Errorf("memory: forget: %w", err)
		}
		s.journalRecord(ctx, journal.Entry{Kind: journal.KindForget, URI: opts.URI})
		s.logger.Info().Str("uri", opts.URI).Msg("Memory deleted")
		return []string{opts.URI}, nil
	}

	if opts.Query == "" {
		return nil, errors.New("memory: forget requires a uri or a query")
	}

	s.mu.RLock()
	recCfg := s.recallCfg
	s.mu.RUnlock()
	if opts.Limit <= 0 {
		opts.Limit = recCfg.Limit
	}
	if opts.ScoreThreshold < 0 {
		opts.ScoreThreshold = recCfg.ScoreThreshold
	}
	if opts.TargetURI == "" {
		opts.TargetURI = s.targetURI
	}

	ctx, span := tracing.StartSpan(ctx, "mimir.memory", "memory.forget",
		attribute.Int("forget.limit", opts.Limit))
	defer span.End()

	backend, err := s.backend(ctx)
	if err != nil {
		return nil, fmt.Errorf("memory: forget: %w", err)
	}
	items, _, err := backend.Find(ctx, opts.Query, viking.FindOptions{
		TargetURI: opts.TargetURI,
		Limit:     opts.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("memory: forget: %w", err)
	}
	matches := ranking.PostProcess(items, ranking.PostProcessOptions{
		Limit:    opts.Limit,
		MinScore: opts.ScoreThreshold,
	})

	deleted := make([]string, 0, len(matches))
	for _, m := range matches {
		if !viking.InMemoryNamespace(m.URI) {
			continue
		}
		if err := backend.DeleteURI(ctx, m.URI); err != nil {
			s.logger.Warn().Err(err).Str("uri", m.URI).Msg("Failed to delete memory")
			continue
		}
		s.journalRecord(ctx, journal.Entry{Kind: journal.KindForget, URI: m.URI, Score: m.Score})
		deleted = append(deleted, m.URI)
	}
	s.logger.Info().
		Int("matched", len(matches)).
		Int("deleted", len(deleted)).
		Msg("Forget by query completed")
	return deleted, nil
}

// backend resolves the client for the current mode. In local mode this waits
// on the supervisor's readiness barrier.
func (s *Service) backend(ctx context.Context) (Backend, error) {
	if s.mode == ModeRemote {
		return s.remote, nil
	}
	client, err := s.sup.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (s *Service) journalRecord(ctx context.Context, entry journal.Entry) {
	if s.journal == nil {
		return
	}
	if err := s.journal.Record(ctx, entry); err != nil {
		s.logger.Warn().Err(err).Str("kind", entry.Kind).Msg("Failed to journal memory event")
	}
}

func topScore(memories []viking.Memory) float64 {
	if len(memories) == 0 {
		return 0
	}
	return memories[0].Score
}
