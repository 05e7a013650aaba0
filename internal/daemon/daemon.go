// Package daemon wires the long-running mimir sidecar: pid-file
// lifecycle, the supervised memory server, the capture/recall service,
// the loopback admin gateway, the operations journal and its retention
// sweep.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/halvard/mimir/internal/config"
	"github.com/halvard/mimir/internal/gateway"
	"github.com/halvard/mimir/internal/journal"
	"github.com/halvard/mimir/internal/logger"
	"github.com/halvard/mimir/internal/tracing"
	"github.com/halvard/mimir/pkg/capture"
	"github.com/halvard/mimir/pkg/memory"
	"github.com/halvard/mimir/pkg/supervisor"
	"github.com/halvard/mimir/pkg/viking"
)

const (
	// waitTimeout bounds how long Stop waits for background loops.
	waitTimeout = 5 * time.Second
	// shutdownGrace bounds component shutdown during an aborted start.
	shutdownGrace = 5 * time.Second
	// stopTimeout bounds the whole signal-triggered shutdown.
	stopTimeout = 30 * time.Second
	// maintenanceTimeout bounds one journal prune.
	maintenanceTimeout = time.Minute
)

// Daemon is the mimir sidecar process. It owns the memory service and
// everything around it; the CLI start command builds one and blocks in
// Wait until a signal arrives.
type Daemon struct {
	cfg    *config.Config
	log    *logger.Logger
	logger zerolog.Logger

	lifecycle  *LifecycleManager
	journal    *journal.Journal
	service    *memory.Service
	gateway    *gateway.Server
	watcher    *config.Watcher
	maintSched cron.Schedule

	mu        sync.Mutex
	running   bool
	startTime time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New builds a daemon from cfg. configPath, when non-empty, enables live
// reload of the capture and recall settings; pass the path the config was
// actually loaded from.
func New(cfg *config.Config, configPath string) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("daemon: config is required")
	}

	log, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   cfg.Logging.Console,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
	})
	if err != nil {
		return nil, fmt.Errorf("daemon: create logger: %w", err)
	}
	zlog := log.GetZerolog()

	if err := tracing.InitOpenTelemetry("mimir", cfg.Logging.Level == "trace"); err != nil {
		zlog.Warn().Err(err).Msg("Failed to initialize tracing, continuing without it")
	}

	d := &Daemon{
		cfg:    cfg,
		log:    log,
		logger: zlog.With().Str("component", "daemon").Logger(),
	}
	d.lifecycle = NewLifecycleManager(cfg.DataDir, zlog)

	if cfg.Journal.Enabled {
		jnl, err := journal.New(journal.Config{
			Path:   cfg.Journal.Path,
			Logger: zlog,
			Tap:    d.publishJournalEntry,
		})
		if err != nil {
			log.Close()
			return nil, fmt.Errorf("daemon: open journal: %w", err)
		}
		d.journal = jnl

		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
		sched, err := parser.Parse(cfg.Journal.MaintenanceSchedule)
		if err != nil {
			d.closeResources()
			return nil, fmt.Errorf("daemon: invalid journal.maintenance_schedule %q: %w", cfg.Journal.MaintenanceSchedule, err)
		}
		d.maintSched = sched
	}

	svc, err := NewMemoryService(cfg, d.journal, zlog)
	if err != nil {
		d.closeResources()
		return nil, err
	}
	d.service = svc

	if cfg.Admin.Enabled {
		gw, err := gateway.NewServer(gateway.Config{
			Host:   cfg.Admin.Host,
			Port:   cfg.Admin.Port,
			Status: d.statusPayload,
			Logger: zlog,
		})
		if err != nil {
			d.closeResources()
			return nil, fmt.Errorf("daemon: create admin gateway: %w", err)
		}
		d.gateway = gw
	}

	if configPath != "" {
		w, err := config.NewWatcher(config.NewLoader(configPath), d.applyReload, zlog)
		if err != nil {
			zlog.Warn().Err(err).Msg("Config watcher unavailable, live reload disabled")
		} else {
			d.watcher = w
		}
	}

	return d, nil
}

// NewMemoryService builds the capture/recall service and its backend
// from cfg. Local mode gets a supervised child process, remote mode a
// plain client. Shared with the chat and recall commands, which run the
// service in-process instead of inside a daemon.
func NewMemoryService(cfg *config.Config, jnl *journal.Journal, zlog zerolog.Logger) (*memory.Service, error) {
	svcCfg := memory.Config{
		Mode:      cfg.Memory.Mode,
		TargetURI: cfg.Memory.TargetURI,
		Capture:   captureSettings(cfg),
		Recall:    recallSettings(cfg),
		Journal:   jnl,
		Logger:    zlog,
	}

	switch cfg.Memory.Mode {
	case config.ModeLocal:
		sup, err := supervisor.New(supervisor.Config{
			Port:            cfg.Memory.Port,
			BackendConfig:   cfg.Memory.BackendConfig,
			PythonPath:      cfg.Memory.PythonPath,
			HintFile:        cfg.Memory.PythonHintFile,
			BootstrapModule: cfg.Memory.BootstrapModule,
			APIKey:          cfg.Memory.APIKey,
			RequestTimeout:  time.Duration(cfg.Memory.RequestTimeout) * time.Second,
			StartupTimeout:  time.Duration(cfg.Memory.StartupTimeout) * time.Second,
			Logger:          zlog,
		})
		if err != nil {
			return nil, fmt.Errorf("daemon: create supervisor: %w", err)
		}
		svcCfg.Supervisor = sup
	case config.ModeRemote:
		client, err := viking.NewClient(viking.Config{
			BaseURL: cfg.Memory.BaseURL,
			APIKey:  cfg.Memory.APIKey,
			Timeout: time.Duration(cfg.Memory.RequestTimeout) * time.Second,
			Logger:  zlog,
		})
		if err != nil {
			return nil, fmt.Errorf("daemon: create memory client: %w", err)
		}
		svcCfg.Backend = client
	default:
		return nil, fmt.Errorf("daemon: unknown memory.mode %q", cfg.Memory.Mode)
	}

	svc, err := memory.NewService(svcCfg)
	if err != nil {
		return nil, fmt.Errorf("daemon: create memory service: %w", err)
	}
	return svc, nil
}

func captureSettings(cfg *config.Config) memory.CaptureSettings {
	return memory.CaptureSettings{
		Enabled:            cfg.Capture.Enabled,
		Mode:               capture.Mode(cfg.Capture.Mode),
		MaxChars:           cfg.Capture.MaxChars,
		MinSpeakerTurns:    cfg.Capture.MinSpeakerTurns,
		MinTranscriptChars: cfg.Capture.MinTranscriptChars,
	}
}

func recallSettings(cfg *config.Config) memory.RecallSettings {
	return memory.RecallSettings{
		Enabled:        cfg.Recall.Enabled,
		Limit:          cfg.Recall.Limit,
		ScoreThreshold: cfg.Recall.ScoreThreshold,
	}
}

// Start brings everything up: pid file, admin gateway, memory service,
// config watcher, maintenance loop. The gateway starts before the
// service so /status is observable while a cold local server warms up.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return errors.New("daemon: already started")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	d.logger.Info().
		Str("mode", d.cfg.Memory.Mode).
		Str("data_dir", d.cfg.DataDir).
		Msg("Starting mimir daemon")

	runCtx, cancel := context.WithCancel(context.Background())
	d.mu.Lock()
	d.cancel = cancel
	d.mu.Unlock()

	if err := d.lifecycle.Start(); err != nil {
		d.abortStart(cancel)
		return fmt.Errorf("daemon: %w", err)
	}

	if d.gateway != nil {
		if err := d.gateway.Start(); err != nil {
			_ = d.lifecycle.Stop()
			d.abortStart(cancel)
			return fmt.Errorf("daemon: start admin gateway: %w", err)
		}
		d.logger.Info().Str("base_url", d.gateway.BaseURL()).Msg("Admin gateway listening")
	}

	if err := d.service.Start(ctx); err != nil {
		if d.gateway != nil {
			stopCtx, cancelStop := context.WithTimeout(context.Background(), shutdownGrace)
			if stopErr := d.gateway.Stop(stopCtx); stopErr != nil {
				d.logger.Error().Err(stopErr).Msg("Failed to stop admin gateway")
			}
			cancelStop()
		}
		_ = d.lifecycle.Stop()
		d.abortStart(cancel)
		return fmt.Errorf("daemon: start memory service: %w", err)
	}

	if d.watcher != nil {
		if err := d.watcher.Start(); err != nil {
			d.logger.Warn().Err(err).Msg("Config watcher failed to start, live reload disabled")
		}
	}

	if d.journal != nil && d.maintSched != nil {
		d.wg.Add(1)
		go d.maintenanceLoop(runCtx)
	}

	d.logger.Info().Msg("Mimir daemon started")
	return nil
}

// abortStart rolls the running flag back after a failed Start.
func (d *Daemon) abortStart(cancel context.CancelFunc) {
	cancel()
	d.mu.Lock()
	d.running = false
	d.cancel = nil
	d.mu.Unlock()
}

// Stop shuts components down in reverse order. Component failures are
// logged and skipped so one stuck piece cannot wedge the rest of the
// shutdown. Stopping a daemon that is not running is a no-op.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	cancel := d.cancel
	d.cancel = nil
	d.mu.Unlock()

	d.logger.Info().Msg("Stopping mimir daemon")

	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to stop config watcher")
		}
	}

	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(waitTimeout):
		d.logger.Warn().Msg("Timed out waiting for background tasks")
	}

	if err := d.service.Stop(ctx); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop memory service")
	}

	// The gateway goes down after the service so its event stream carries
	// the final server_event entries.
	if d.gateway != nil {
		if err := d.gateway.Stop(ctx); err != nil {
			d.logger.Error().Err(err).Msg("Failed to stop admin gateway")
		}
	}

	if d.journal != nil {
		if err := d.journal.Close(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to close journal")
		}
	}

	if err := d.lifecycle.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to remove pid file")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancelShutdown()
	if err := tracing.ShutdownOpenTelemetry(shutdownCtx); err != nil {
		d.logger.Warn().Err(err).Msg("Tracing shutdown failed")
	}

	d.logger.Info().Msg("Mimir daemon stopped")
	d.log.Close()
	return nil
}

// Wait blocks until SIGINT or SIGTERM arrives, then stops the daemon.
func (d *Daemon) Wait() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	sig := <-sigCh
	d.logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")

	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	return d.Stop(ctx)
}

// Status is the daemon-level view served on the admin gateway's /status
// endpoint and printed by `mimir status`.
type Status struct {
	Running      bool           `json:"running"`
	PID          int            `json:"pid"`
	Uptime       string         `json:"uptime,omitempty"`
	Memory       memory.Status  `json:"memory"`
	Journal      map[string]int `json:"journal,omitempty"`
	EventClients int            `json:"event_clients"`
}

// Status reports the daemon and memory-server state.
func (d *Daemon) Status(ctx context.Context) Status {
	d.mu.Lock()
	running := d.running
	started := d.startTime
	d.mu.Unlock()

	st := Status{
		Running: running,
		PID:     os.Getpid(),
		Memory:  d.service.Status(ctx),
	}
	if running {
		st.Uptime = time.Since(started).Round(time.Second).String()
	}
	if d.journal != nil {
		if counts, err := d.journal.CountByKind(ctx); err == nil {
			st.Journal = counts
		}
	}
	if d.gateway != nil {
		st.EventClients = d.gateway.ClientCount()
	}
	return st
}

func (d *Daemon) statusPayload(ctx context.Context) (interface{}, error) {
	return d.Status(ctx), nil
}

// GatewayURL returns the admin gateway base URL, empty when the gateway
// is disabled or not yet listening.
func (d *Daemon) GatewayURL() string {
	if d.gateway == nil {
		return ""
	}
	return d.gateway.BaseURL()
}

// publishJournalEntry mirrors persisted journal entries onto the event
// stream as journal.<kind> events.
func (d *Daemon) publishJournalEntry(entry journal.Entry) {
	if d.gateway == nil {
		return
	}
	d.gateway.Broadcast("journal."+entry.Kind, entry)
}

// applyReload applies the live-tunable settings from a freshly loaded
// config. Ports, modes and paths need a restart.
func (d *Daemon) applyReload(cfg *config.Config) {
	d.service.UpdateSettings(captureSettings(cfg), recallSettings(cfg))
	if d.gateway != nil {
		d.gateway.Broadcast("config.reloaded", map[string]interface{}{
			"capture_enabled": cfg.Capture.Enabled,
			"capture_mode":    cfg.Capture.Mode,
			"recall_enabled":  cfg.Recall.Enabled,
			"recall_limit":    cfg.Recall.Limit,
			"score_threshold": cfg.Recall.ScoreThreshold,
		})
	}
	d.logger.Info().Msg("Applied live configuration changes")
}

// maintenanceLoop prunes old journal entries on the configured cron
// schedule.
func (d *Daemon) maintenanceLoop(ctx context.Context) {
	defer d.wg.Done()

	for {
		next := d.maintSched.Next(time.Now())
		timer := time.NewTimer(time.Until(next))

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		d.pruneJournal(ctx)
	}
}

// pruneJournal runs one retention sweep.
func (d *Daemon) pruneJournal(ctx context.Context) {
	retention := time.Duration(d.cfg.Journal.RetentionDays) * 24 * time.Hour
	pruneCtx, cancel := context.WithTimeout(ctx, maintenanceTimeout)
	defer cancel()

	deleted, err := d.journal.Prune(pruneCtx, retention)
	if err != nil {
		d.logger.Error().Err(err).Msg("Journal maintenance failed")
		return
	}
	d.logger.Info().
		Int("deleted", deleted).
		Time("next_run", d.maintSched.Next(time.Now())).
		Msg("Journal maintenance completed")
}

// closeResources releases handles opened during a failed New.
func (d *Daemon) closeResources() {
	if d.journal != nil {
		d.journal.Close()
	}
	if d.log != nil {
		d.log.Close()
	}
}
