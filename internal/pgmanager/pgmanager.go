// Package pgmanager runs an embedded Postgres for zero-setup deployments.
package pgmanager

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
)

const (
	dbUser = "tbs"
	dbPass = "tbs"
	dbName = "tbs"
)

// Config holds embedded Postgres settings.
type Config struct {
	Port    uint32
	DataDir string
	Logger  *slog.Logger
}

// Manager controls the lifecycle of an embedded Postgres instance.
type Manager struct {
	cfg     Config
	pg      *embeddedpostgres.EmbeddedPostgres
	connURL string
	running bool
	pidPath string
	mu      sync.Mutex
}

// New creates a Manager. It does not start Postgres.
func New(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{cfg: cfg}
}

// Start launches embedded Postgres and returns the connection URL.
// A stale instance left over from a crashed process is killed first.
func (m *Manager) Start(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return m.connURL, nil
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	home, err := tbsHome()
	if err != nil {
		return "", err
	}

	dataDir := m.cfg.DataDir
	if dataDir == "" {
		dataDir = filepath.Join(home, "data")
	}

	m.pidPath = filepath.Join(home, "postgres.pid")
	cleanupOrphan(m.pidPath, m.cfg.Logger)

	port := m.cfg.Port
	if port == 0 {
		port = 15432
	}

	runtimeDir := filepath.Join(home, "runtime")
	binariesDir := filepath.Join(home, "bin")

	pg := embeddedpostgres.NewDatabase(embeddedpostgres.DefaultConfig().
		Version(embeddedpostgres.V16).
		Port(port).
		Username(dbUser).
		Password(dbPass).
		Database(dbName).
		DataPath(dataDir).
		RuntimePath(runtimeDir).
		BinariesPath(binariesDir).
		StartTimeout(60 * time.Second).
		Logger(newLogWriter(m.cfg.Logger)))

	m.cfg.Logger.Info("starting embedded postgres", "port", port, "data_dir", dataDir)
	if err := pg.Start(); err != nil {
		return "", fmt.Errorf("starting embedded postgres: %w", err)
	}

	// Record the postmaster PID so a later run can clean up if we crash.
	if pid, err := readPostmasterPID(filepath.Join(dataDir, "postmaster.pid")); err == nil && pid > 0 {
		if err := writePID(m.pidPath, pid); err != nil {
			m.cfg.Logger.Warn("writing pid file", "error", err)
		}
	}

	m.pg = pg
	m.running = true
	m.connURL = fmt.Sprintf("postgresql://%s:%s@127.0.0.1:%d/%s?sslmode=disable", dbUser, dbPass, port, dbName)
	return m.connURL, nil
}

// Stop shuts down the embedded instance. Safe to call when not running.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}

	m.cfg.Logger.Info("stopping embedded postgres")
	if err := m.pg.Stop(); err != nil {
		return fmt.Errorf("stopping embedded postgres: %w", err)
	}

	if err := removePID(m.pidPath); err != nil {
		m.cfg.Logger.Warn("removing pid file", "error", err)
	}

	m.running = false
	m.connURL = ""
	return nil
}

// ConnURL returns the connection URL, or "" when not running.
func (m *Manager) ConnURL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connURL
}

// IsRunning reports whether the embedded instance is up.
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// tbsHome returns ~/.tbs, creating it if needed.
func tbsHome() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("finding home directory: %w", err)
	}
	dir := filepath.Join(home, ".tbs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating %s: %w", dir, err)
	}
	return dir, nil
}

func writePID(path string, pid int) error {
	return os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o644)
}

// readPID returns 0 when the file does not exist.
func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parsing pid file %s: %w", path, err)
	}
	return pid, nil
}

func removePID(path string) error {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// cleanupOrphan kills a postmaster left behind by a crashed run and
// removes its PID file. A stale file for a dead process is just removed.
func cleanupOrphan(path string, logger *slog.Logger) {
	pid, err := readPID(path)
	if err != nil {
		logger.Warn("reading pid file", "error", err)
		return
	}
	if pid == 0 {
		return
	}

	proc, err := os.FindProcess(pid)
	if err == nil && proc.Signal(syscall.Signal(0)) == nil {
		logger.Warn("killing orphaned postgres", "pid", pid)
		if err := proc.Signal(syscall.SIGTERM); err != nil {
			logger.Warn("signaling orphaned postgres", "pid", pid, "error", err)
		}
		// Give it a moment to shut down cleanly.
		time.Sleep(2 * time.Second)
	}

	if err := removePID(path); err != nil {
		logger.Warn("removing stale pid file", "error", err)
	}
}

// readPostmasterPID parses the PID from the first line of postmaster.pid.
func readPostmasterPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	lines := strings.SplitN(string(data), "\n", 2)
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return 0, fmt.Errorf("parsing postmaster.pid: %w", err)
	}
	return pid, nil
}

// logWriter adapts embedded-postgres output to slog at debug level.
type logWriter struct {
	logger *slog.Logger
}

func newLogWriter(logger *slog.Logger) *logWriter {
	return &logWriter{logger: logger}
}

func (w *logWriter) Write(p []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		if line == "" {
			continue
		}
		w.logger.Debug("postgres", "line", line)
	}
	return len(p), nil
}
