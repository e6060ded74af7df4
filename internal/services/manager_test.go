package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coder1/vibeterm/internal/config"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Shell = "/bin/sh"
	cfg.WorkspaceDir = t.TempDir()
	cfg.MaxSessions = 3
	cfg.CreateCooldown = 0
	cfg.SweepInterval = time.Hour
	return cfg
}

func newTestManager(t *testing.T, cfg config.Config) *Manager {
	t.Helper()
	m := NewManager(cfg)
	t.Cleanup(m.Shutdown)
	return m
}

func TestCreateAndDestroySession(t *testing.T) {
	m := newTestManager(t, testConfig(t))

	session, err := m.CreateSession("conn-1", CreateOptions{Cols: 80, Rows: 24})
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.NotEmpty(t, session.ID)
	assert.Greater(t, session.Proc().Pid(), 0)

	got, err := m.GetSession(session.ID)
	require.NoError(t, err)
	assert.Same(t, session, got)

	m.DestroySession(session.ID)
	_, err = m.GetSession(session.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.False(t, session.Alive())
}

func TestDestroySessionIsIdempotent(t *testing.T) {
	m := newTestManager(t, testConfig(t))

	session, err := m.CreateSession("conn-1", CreateOptions{Cols: 80, Rows: 24})
	require.NoError(t, err)

	m.DestroySession(session.ID)
	m.DestroySession(session.ID)
	m.DestroySession("never-existed")

	tel := m.Telemetry()
	assert.Equal(t, uint64(1), tel.SessionsCreated)
	assert.Equal(t, uint64(1), tel.SessionsDestroyed)
}

func TestCreateSessionRefusedAtCapacity(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxSessions = 2
	m := newTestManager(t, cfg)

	_, err := m.CreateSession("conn-1", CreateOptions{Cols: 80, Rows: 24})
	require.NoError(t, err)
	_, err = m.CreateSession("conn-1", CreateOptions{Cols: 80, Rows: 24})
	require.NoError(t, err)

	_, err = m.CreateSession("conn-1", CreateOptions{Cols: 80, Rows: 24})
	assert.ErrorIs(t, err, ErrRateLimited)

	tel := m.Telemetry()
	assert.Equal(t, 2, tel.ActiveSessions)
	assert.Equal(t, uint64(1), tel.RateLimitHits)

	// Destroying one frees a slot.
	infos := m.Sessions()
	m.DestroySession(infos[0].ID)
	_, err = m.CreateSession("conn-1", CreateOptions{Cols: 80, Rows: 24})
	assert.NoError(t, err)
}

func TestCreateSessionRefusedDuringCooldown(t *testing.T) {
	cfg := testConfig(t)
	cfg.CreateCooldown = time.Hour
	m := newTestManager(t, cfg)

	_, err := m.CreateSession("conn-1", CreateOptions{Cols: 80, Rows: 24})
	require.NoError(t, err)

	// The cooldown token is global, so a different connection is refused
	// too.
	_, err = m.CreateSession("conn-2", CreateOptions{Cols: 80, Rows: 24})
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestRefusedCreateDoesNotConsumeCooldown(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxSessions = 1
	cfg.CreateCooldown = time.Hour
	m := newTestManager(t, cfg)

	session, err := m.CreateSession("conn-1", CreateOptions{Cols: 80, Rows: 24})
	require.NoError(t, err)

	m.mu.RLock()
	before := m.lastCreation
	m.mu.RUnlock()

	_, err = m.CreateSession("conn-1", CreateOptions{Cols: 80, Rows: 24})
	require.ErrorIs(t, err, ErrRateLimited)

	// The marker only moves on success, so a refusal does not extend the
	// cooldown window.
	m.mu.RLock()
	after := m.lastCreation
	m.mu.RUnlock()
	assert.Equal(t, before, after)

	m.DestroySession(session.ID)
}

func TestDestroyConnectionSessions(t *testing.T) {
	m := newTestManager(t, testConfig(t))

	s1, err := m.CreateSession("conn-a", CreateOptions{Cols: 80, Rows: 24})
	require.NoError(t, err)
	s2, err := m.CreateSession("conn-b", CreateOptions{Cols: 80, Rows: 24})
	require.NoError(t, err)

	m.DestroyConnectionSessions("conn-a")

	_, err = m.GetSession(s1.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = m.GetSession(s2.ID)
	assert.NoError(t, err)
}

func TestCleanupExpiresIdleSessions(t *testing.T) {
	cfg := testConfig(t)
	cfg.IdleTimeout = 10 * time.Millisecond
	m := newTestManager(t, cfg)

	session, err := m.CreateSession("conn-1", CreateOptions{Cols: 80, Rows: 24})
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	m.Cleanup()

	_, err = m.GetSession(session.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestCleanupKeepsActiveSessions(t *testing.T) {
	cfg := testConfig(t)
	cfg.IdleTimeout = time.Hour
	m := newTestManager(t, cfg)

	session, err := m.CreateSession("conn-1", CreateOptions{Cols: 80, Rows: 24})
	require.NoError(t, err)

	m.Cleanup()
	_, err = m.GetSession(session.ID)
	assert.NoError(t, err)
}

func TestCreateSessionExplicitID(t *testing.T) {
	m := newTestManager(t, testConfig(t))

	session, err := m.CreateSession("conn-1", CreateOptions{ID: "my-session", Cols: 80, Rows: 24})
	require.NoError(t, err)
	assert.Equal(t, "my-session", session.ID)

	_, err = m.CreateSession("conn-1", CreateOptions{ID: "my-session", Cols: 80, Rows: 24})
	assert.Error(t, err)
}

func TestConcurrentCreateSameIDRegistersOnlyOne(t *testing.T) {
	m := newTestManager(t, testConfig(t))

	type result struct {
		session *Session
		err     error
	}
	start := make(chan struct{})
	results := make(chan result, 2)
	for i := 0; i < 2; i++ {
		go func() {
			<-start
			s, err := m.CreateSession("conn-1", CreateOptions{ID: "shared-id", Cols: 80, Rows: 24})
			results <- result{session: s, err: err}
		}()
	}
	close(start)

	var winners []*Session
	for i := 0; i < 2; i++ {
		r := <-results
		if r.err == nil {
			winners = append(winners, r.session)
		}
	}

	// Whatever the interleave, exactly one creation may win and the
	// registry must hold exactly that session.
	require.Len(t, winners, 1)
	got, err := m.GetSession("shared-id")
	require.NoError(t, err)
	assert.Same(t, winners[0], got)
	assert.True(t, winners[0].Alive())

	tel := m.Telemetry()
	assert.Equal(t, 1, tel.ActiveSessions)
	assert.Equal(t, uint64(1), tel.SessionsCreated)
}

func TestShutdownIsIdempotent(t *testing.T) {
	m := NewManager(testConfig(t))

	_, err := m.CreateSession("conn-1", CreateOptions{Cols: 80, Rows: 24})
	require.NoError(t, err)

	m.Shutdown()
	m.Shutdown()

	assert.Equal(t, 0, m.Telemetry().ActiveSessions)
}

func TestTelemetrySnapshot(t *testing.T) {
	m := newTestManager(t, testConfig(t))

	session, err := m.CreateSession("conn-1", CreateOptions{Cols: 80, Rows: 24})
	require.NoError(t, err)
	m.DestroySession(session.ID)

	tel := m.Telemetry()
	assert.Equal(t, uint64(1), tel.SessionsCreated)
	assert.Equal(t, uint64(1), tel.SessionsDestroyed)
	assert.Equal(t, 0, tel.ActiveSessions)
	assert.Equal(t, 3, tel.MaxSessions)
	assert.Equal(t, "/bin/sh", tel.Shell)
	assert.NotEmpty(t, tel.Platform)
}
