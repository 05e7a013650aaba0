package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
)

const pidFileName = "mimir.pid"

// LifecycleManager owns the daemon pid file in the data directory. The
// file is how `mimir stop` and `mimir status` find a running daemon.
type LifecycleManager struct {
	pidFile string
	logger  zerolog.Logger
}

// NewLifecycleManager creates a lifecycle manager rooted at dataDir.
func NewLifecycleManager(dataDir string, logger zerolog.Logger) *LifecycleManager {
	return &LifecycleManager{
		pidFile: filepath.Join(dataDir, pidFileName),
		logger:  logger.With().Str("component", "lifecycle").Logger(),
	}
}

// PIDFile returns the pid file path.
func (lm *LifecycleManager) PIDFile() string {
	return lm.pidFile
}

// Start records the current process id. A pid file belonging to another
// live process is a refusal, not an overwrite; a stale file from a
// crashed run is replaced silently.
func (lm *LifecycleManager) Start() error {
	if pid, err := lm.GetPID(); err == nil && pid != os.Getpid() && processAlive(pid) {
		return fmt.Errorf("already running (pid %d)", pid)
	}

	if err := os.MkdirAll(filepath.Dir(lm.pidFile), 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	pid := os.Getpid()
	if err := os.WriteFile(lm.pidFile, []byte(strconv.Itoa(pid)), 0644); err != nil {
		return fmt.Errorf("failed to write pid file: %w", err)
	}

	lm.logger.Debug().Int("pid", pid).Str("path", lm.pidFile).Msg("PID file written")
	return nil
}

// Stop removes the pid file. A file that is already gone is fine.
func (lm *LifecycleManager) Stop() error {
	if err := os.Remove(lm.pidFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove pid file: %w", err)
	}
	return nil
}

// GetPID reads the recorded process id.
func (lm *LifecycleManager) GetPID() (int, error) {
	data, err := os.ReadFile(lm.pidFile)
	if err != nil {
		return 0, fmt.Errorf("failed to read pid file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid pid file contents: %w", err)
	}
	return pid, nil
}

// IsRunning reports whether the recorded process is alive. Missing and
// stale pid files both read as not running.
func (lm *LifecycleManager) IsRunning() bool {
	pid, err := lm.GetPID()
	if err != nil {
		return false
	}
	return processAlive(pid)
}

// processAlive probes a pid with the null signal.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
