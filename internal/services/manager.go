package services

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coder1/vibeterm/internal/config"
	"github.com/coder1/vibeterm/internal/logger"
	"github.com/coder1/vibeterm/internal/models"
)

// ErrRateLimited indicates session creation was refused because the registry
// is at capacity or within the creation cooldown window. Callers may retry
// later; this is counted, never logged as an error.
var ErrRateLimited = errors.New("session creation rate limited")

// ErrSessionNotFound indicates the id maps to no live session.
var ErrSessionNotFound = errors.New("session not found")

// CreateOptions carries the caller-supplied parameters for a new session.
type CreateOptions struct {
	ID   string
	Cols uint16
	Rows uint16
	Cwd  string
}

// Manager is the process-wide session registry. It creates, rate-limits,
// tracks, and destroys PTY sessions, and is the only component that mutates
// the session map.
type Manager struct {
	cfg config.Config

	mu           sync.RWMutex
	sessions     map[string]*Session
	lastCreation time.Time

	telemetryMu       sync.Mutex
	sessionsCreated   uint64
	sessionsDestroyed uint64
	rateLimitHits     uint64
	errorCount        uint64

	stopSweep    chan struct{}
	sweepWg      sync.WaitGroup
	shutdownOnce sync.Once
}

// NewManager creates a session registry and starts its periodic sweep task.
func NewManager(cfg config.Config) *Manager {
	m := &Manager{
		cfg:       cfg,
		sessions:  make(map[string]*Session),
		stopSweep: make(chan struct{}),
	}
	m.sweepWg.Add(1)
	go m.sweepLoop()
	return m
}

// CreateSession spawns a shell in a fresh PTY and registers the session.
// Creation is refused, not queued, when the registry is at capacity or a
// creation happened within the cooldown window. The cooldown token is
// global rather than per-connection: it protects the host's total process
// count, which is a global resource.
func (m *Manager) CreateSession(connID string, opts CreateOptions) (*Session, error) {
	m.mu.Lock()
	if len(m.sessions) >= m.cfg.MaxSessions {
		m.mu.Unlock()
		m.countRateLimit()
		return nil, fmt.Errorf("%w: %d active sessions (max %d)", ErrRateLimited, m.activeCount(), m.cfg.MaxSessions)
	}
	if since := time.Since(m.lastCreation); since < m.cfg.CreateCooldown {
		m.mu.Unlock()
		m.countRateLimit()
		return nil, fmt.Errorf("%w: created a session %v ago (cooldown %v)", ErrRateLimited, since.Round(time.Millisecond), m.cfg.CreateCooldown)
	}

	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	if _, exists := m.sessions[id]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("session %s already exists", id)
	}
	m.mu.Unlock()

	workDir := opts.Cwd
	if workDir == "" {
		workDir = m.cfg.WorkspaceDir
	}
	if info, err := os.Stat(workDir); err != nil || !info.IsDir() {
		workDir = m.cfg.WorkspaceDir
	}

	cols, rows := opts.Cols, opts.Rows
	if cols == 0 || rows == 0 {
		cols, rows = 80, 24
	}

	proc, err := StartShell(m.cfg.Shell, id, workDir, cols, rows)
	if err != nil {
		m.countError()
		return nil, err
	}

	session := &Session{
		ID:           id,
		CreatedAt:    time.Now(),
		WorkDir:      workDir,
		owningConn:   connID,
		proc:         proc,
		classifier:   NewClassifier(m.cfg.QuestionDedupPrefixLen),
		lastActivity: time.Now(),
		cols:         cols,
		rows:         rows,
		outputMax:    m.cfg.OutputBufferSize,
	}
	session.watcher = NewSessionFileWatcher(session)
	session.watcher.Start()

	m.mu.Lock()
	// Re-check capacity and id uniqueness: another creation may have won
	// the race while the lock was released for the spawn.
	if len(m.sessions) >= m.cfg.MaxSessions {
		m.mu.Unlock()
		session.shutdown()
		m.countRateLimit()
		return nil, fmt.Errorf("%w: registry filled during spawn", ErrRateLimited)
	}
	if _, exists := m.sessions[id]; exists {
		m.mu.Unlock()
		session.shutdown()
		return nil, fmt.Errorf("session %s already exists", id)
	}
	m.sessions[id] = session
	m.lastCreation = time.Now()
	m.mu.Unlock()

	m.telemetryMu.Lock()
	m.sessionsCreated++
	m.telemetryMu.Unlock()

	logger.Infof("✅ Created PTY session %s (pid %d) in %s", id, proc.Pid(), workDir)
	return session, nil
}

// GetSession looks up a live session by id.
func (m *Manager) GetSession(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// DestroySession tears down a session and its process. Idempotent: a second
// call for the same id is a no-op, and it never returns an error.
func (m *Manager) DestroySession(id string) {
	m.mu.Lock()
	session, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	session.shutdown()

	m.telemetryMu.Lock()
	m.sessionsDestroyed++
	m.telemetryMu.Unlock()

	logger.Infof("🧹 Destroyed session %s", id)
}

// DestroyConnectionSessions tears down every session created by the given
// transport connection. Used when a browser disconnects.
func (m *Manager) DestroyConnectionSessions(connID string) {
	m.mu.RLock()
	var ids []string
	for id, session := range m.sessions {
		if session.owningConn == connID {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.DestroySession(id)
	}
}

// Cleanup destroys sessions past the maximum age or idle timeout. Runs on a
// fixed period from the sweep task and on demand in tests.
func (m *Manager) Cleanup() {
	now := time.Now()
	m.mu.RLock()
	var expired []string
	for id, session := range m.sessions {
		session.mu.Lock()
		tooOld := now.Sub(session.CreatedAt) > m.cfg.MaxSessionAge
		tooIdle := now.Sub(session.lastActivity) > m.cfg.IdleTimeout
		session.mu.Unlock()
		if tooOld || tooIdle {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range expired {
		logger.Infof("⏰ Sweeping expired session %s", id)
		m.DestroySession(id)
	}
}

// Sessions snapshots every live session's info.
func (m *Manager) Sessions() []models.SessionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	infos := make([]models.SessionInfo, 0, len(m.sessions))
	for _, session := range m.sessions {
		infos = append(infos, session.Info())
	}
	return infos
}

// Telemetry reports the registry counters. Counters are monotonic except
// ActiveSessions.
func (m *Manager) Telemetry() models.Telemetry {
	m.telemetryMu.Lock()
	t := models.Telemetry{
		SessionsCreated:   m.sessionsCreated,
		SessionsDestroyed: m.sessionsDestroyed,
		RateLimitHits:     m.rateLimitHits,
		Errors:            m.errorCount,
	}
	m.telemetryMu.Unlock()

	t.ActiveSessions = m.activeCount()
	t.MaxSessions = m.cfg.MaxSessions
	t.Platform = runtime.GOOS
	t.Shell = m.cfg.Shell
	return t
}

// Shutdown stops the sweep task and destroys every session. Idempotent,
// like the destroy path.
func (m *Manager) Shutdown() {
	m.shutdownOnce.Do(func() {
		close(m.stopSweep)
	})
	m.sweepWg.Wait()

	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.DestroySession(id)
	}
}

func (m *Manager) activeCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) countRateLimit() {
	m.telemetryMu.Lock()
	m.rateLimitHits++
	m.telemetryMu.Unlock()
}

func (m *Manager) countError() {
	m.telemetryMu.Lock()
	m.errorCount++
	m.telemetryMu.Unlock()
}

func (m *Manager) sweepLoop() {
	defer m.sweepWg.Done()
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Cleanup()
		case <-m.stopSweep:
			return
		}
	}
}
