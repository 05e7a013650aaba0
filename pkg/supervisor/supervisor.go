package supervisor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/halvard/mimir/pkg/viking"
)

const (
	listenHost          = "127.0.0.1"
	fallbackInterpreter = "python3"

	defaultBootstrapModule = "openviking.server"
	defaultStartupTimeout  = 120 * time.Second
	defaultHealthInterval  = 500 * time.Millisecond
	defaultHealthTimeout   = 3 * time.Second
	defaultStalePortDelay  = 750 * time.Millisecond
	defaultRequestTimeout  = 30 * time.Second

	stopGrace = 5 * time.Second
)

// ErrStopped resolves the readiness future when the supervisor shuts down
// before the server ever became healthy.
var ErrStopped = errors.New("supervisor stopped before server became ready")

// Config configures a Supervisor.
type Config struct {
	// Port the spawned server listens on. Required, 1..65535.
	Port int
	// BackendConfig is the server's own config file, passed via --config and
	// OPENVIKING_CONFIG_PATH.
	BackendConfig string
	// PythonPath overrides interpreter resolution entirely.
	PythonPath string
	// HintFile is a recorded interpreter path written at install time.
	HintFile string
	// BootstrapModule is run with -m. Defaults to "openviking.server".
	BootstrapModule string
	APIKey          string
	RequestTimeout  time.Duration
	// StartupTimeout bounds health polling. Cold starts routinely exceed a
	// minute while the server warms its models, hence the generous default.
	StartupTimeout time.Duration
	HealthInterval time.Duration
	HealthTimeout  time.Duration
	StalePortDelay time.Duration
	// SkipPortReclaim disables the pre-spawn stale-listener sweep.
	SkipPortReclaim bool
	Logger          zerolog.Logger
}

// Supervisor owns one memory-server child process and the client that talks
// to it.
type Supervisor struct {
	cfg    Config
	logger zerolog.Logger
	client *viking.Client
	ready  *future

	mu      sync.Mutex
	state   State
	cmd     *exec.Cmd
	lastErr error
	exitErr error

	exited chan struct{}
}

func New(cfg Config) (*Supervisor, error) {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("supervisor: port %d out of range", cfg.Port)
	}
	if cfg.BootstrapModule == "" {
		cfg.BootstrapModule = defaultBootstrapModule
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = defaultStartupTimeout
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = defaultHealthInterval
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = defaultHealthTimeout
	}
	if cfg.StalePortDelay <= 0 {
		cfg.StalePortDelay = defaultStalePortDelay
	}

	logger := cfg.Logger.With().Str("component", "supervisor").Logger()
	client, err := viking.NewClient(viking.Config{
		BaseURL: fmt.Sprintf("http://%s:%d", listenHost, cfg.Port),
		APIKey:  cfg.APIKey,
		Timeout: cfg.RequestTimeout,
		Logger:  cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	return &Supervisor{
		cfg:    cfg,
		logger: logger,
		client: client,
		ready:  newFuture(),
		state:  StateIdle,
		exited: make(chan struct{}),
	}, nil
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the failure recorded by the last fatal startup error, if any.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Client blocks until the server is ready (or startup failed) and returns the
// shared client. Calls made before readiness queue here behind the future.
func (s *Supervisor) Client(ctx context.Context) (*viking.Client, error) {
	if err := s.ready.wait(ctx); err != nil {
		return nil, err
	}
	return s.client, nil
}

// Start spawns the server and blocks until the first successful health check
// or a fatal startup error. Run it in a goroutine when the caller must not
// block; waiters use Client.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if err := s.transition(StateStarting); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	interp, source := s.resolveInterpreter()
	s.logger.Info().
		Str("interpreter", interp).
		Str("resolved_via", source).
		Int("port", s.cfg.Port).
		Str("module", s.cfg.BootstrapModule).
		Msg("Starting memory server")

	if !s.cfg.SkipPortReclaim {
		s.reclaimPort()
	}

	cmd := exec.Command(interp,
		"-m", s.cfg.BootstrapModule,
		"--config", s.cfg.BackendConfig,
		"--host", listenHost,
		"--port", strconv.Itoa(s.cfg.Port),
	)
	cmd.Env = append(os.Environ(), "OPENVIKING_CONFIG_PATH="+s.cfg.BackendConfig)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return s.fail(fmt.Errorf("supervisor: stderr pipe: %w", err))
	}
	if err := cmd.Start(); err != nil {
		return s.fail(fmt.Errorf("supervisor: spawn %s: %w", interp, err))
	}

	s.mu.Lock()
	s.cmd = cmd
	terr := s.transition(StateProbing)
	s.mu.Unlock()

	go s.forwardStderr(stderr)
	go func() {
		err := cmd.Wait()
		s.mu.Lock()
		s.exitErr = err
		s.mu.Unlock()
		close(s.exited)
	}()

	if terr != nil {
		s.killChild()
		return terr
	}
	return s.probe(ctx)
}

// probe polls /health until success, deadline, child exit or cancellation.
func (s *Supervisor) probe(ctx context.Context) error {
	deadline := time.Now().Add(s.cfg.StartupTimeout)
	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return s.fail(fmt.Errorf("supervisor: startup canceled: %w", ctx.Err()))
		case <-s.exited:
			s.mu.Lock()
			exitErr := s.exitErr
			s.mu.Unlock()
			if exitErr == nil {
				return s.fail(errors.New("supervisor: server exited before becoming ready"))
			}
			return s.fail(fmt.Errorf("supervisor: server exited before becoming ready: %w", exitErr))
		case <-ticker.C:
			if time.Now().After(deadline) {
				return s.fail(fmt.Errorf("supervisor: server on port %d not healthy after %s", s.cfg.Port, s.cfg.StartupTimeout))
			}
			probeCtx, cancel := context.WithTimeout(ctx, s.cfg.HealthTimeout)
			err := s.client.Health(probeCtx)
			cancel()
			if err != nil {
				s.logger.Debug().Err(err).Msg("Health probe not ready")
				continue
			}

			s.mu.Lock()
			terr := s.transition(StateReady)
			s.mu.Unlock()
			if terr != nil {
				return terr
			}
			if !s.ready.resolve(nil) {
				s.logger.Warn().Msg("Readiness future already resolved; ignoring late success")
			}
			s.logger.Info().Int("port", s.cfg.Port).Msg("Memory server ready")
			return nil
		}
	}
}

// Stop sends SIGTERM, waits briefly and escalates to SIGKILL. Safe to call
// from any live state.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateIdle, StateStopped, StateFailed:
		s.mu.Unlock()
		return nil
	}
	if err := s.transition(StateStopping); err != nil {
		s.mu.Unlock()
		return err
	}
	cmd := s.cmd
	s.mu.Unlock()

	// Unblock anyone still waiting on readiness.
	s.ready.resolve(ErrStopped)

	if cmd != nil && cmd.Process != nil {
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			s.logger.Warn().Err(err).Msg("Graceful termination signal failed")
		}
		select {
		case <-s.exited:
		case <-time.After(stopGrace):
			s.logger.Warn().Dur("grace", stopGrace).Msg("Server ignored SIGTERM, killing")
			s.killChild()
			select {
			case <-s.exited:
			case <-time.After(time.Second):
			}
		case <-ctx.Done():
			s.killChild()
		}
	}

	s.mu.Lock()
	err := s.transition(StateStopped)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.logger.Info().Msg("Memory server stopped")
	return nil
}

// fail kills the child, records err, moves to Failed and resolves the
// readiness future so queued callers see the failure.
func (s *Supervisor) fail(err error) error {
	s.killChild()
	s.mu.Lock()
	s.lastErr = err
	if terr := s.transition(StateFailed); terr != nil {
		s.logger.Debug().Err(terr).Msg("Failure in non-startup state")
	}
	s.mu.Unlock()
	if !s.ready.resolve(err) {
		s.logger.Warn().Err(err).Msg("Readiness future already resolved; keeping original outcome")
	}
	s.logger.Error().Err(err).Msg("Memory server startup failed")
	return err
}

func (s *Supervisor) killChild() {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.logger.Warn().Err(err).Msg("Kill failed")
	}
}

// resolveInterpreter picks the backend interpreter: explicit override, then
// the recorded hint file, then PATH, then the bare fallback name. The
// fallback is returned even when nothing resolved so the spawn itself
// produces the diagnostic error.
func (s *Supervisor) resolveInterpreter() (path, source string) {
	if s.cfg.PythonPath != "" {
		return s.cfg.PythonPath, "config"
	}
	if s.cfg.HintFile != "" {
		if raw, err := os.ReadFile(s.cfg.HintFile); err == nil {
			hinted := strings.TrimSpace(string(raw))
			if hinted != "" {
				if _, err := os.Stat(hinted); err == nil {
					return hinted, "hint-file"
				}
				s.logger.Warn().Str("path", hinted).Msg("Interpreter hint points at a missing file")
			}
		}
	}
	if found, err := exec.LookPath(fallbackInterpreter); err == nil {
		return found, "lookpath"
	}
	return fallbackInterpreter, "fallback"
}

// reclaimPort force-kills whatever still listens on the configured port.
// Every step is best-effort: a missing lsof, empty output or kill failures
// only log. A short settle delay lets the OS release the socket.
func (s *Supervisor) reclaimPort() {
	lsofPath, err := exec.LookPath("lsof")
	if err != nil {
		s.logger.Debug().Msg("lsof unavailable, skipping stale-port check")
		return
	}
	out, err := exec.Command(lsofPath, "-ti", fmt.Sprintf("tcp:%d", s.cfg.Port)).Output()
	if err != nil || len(bytes.TrimSpace(out)) == 0 {
		return
	}
	for _, field := range strings.Fields(string(out)) {
		pid, err := strconv.Atoi(field)
		if err != nil || pid <= 0 {
			continue
		}
		proc, err := os.FindProcess(pid)
		if err != nil {
			continue
		}
		if err := proc.Kill(); err != nil {
			s.logger.Warn().Int("pid", pid).Err(err).Msg("Could not kill stale listener")
			continue
		}
		s.logger.Warn().Int("pid", pid).Int("port", s.cfg.Port).Msg("Killed stale listener")
	}
	time.Sleep(s.cfg.StalePortDelay)
}

func (s *Supervisor) forwardStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			s.logger.Debug().Str("stream", "stderr").Msg(line)
		}
	}
}
