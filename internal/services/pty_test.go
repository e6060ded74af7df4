package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coder1/vibeterm/internal/config"
)

func TestStartShellLifecycle(t *testing.T) {
	if !config.PTYAvailable() {
		t.Skip("no PTY support on this host")
	}

	proc, err := StartShell("/bin/sh", "test-session", t.TempDir(), 80, 24)
	require.NoError(t, err)

	assert.Greater(t, proc.Pid(), 0)
	assert.True(t, proc.Alive())
	assert.NoError(t, proc.Resize(120, 40))

	_, err = proc.Write([]byte("true\n"))
	assert.NoError(t, err)

	proc.Kill()
	assert.False(t, proc.Alive())

	// Writes after kill are refused, not crashed.
	_, err = proc.Write([]byte("echo nope\n"))
	assert.Error(t, err)

	// Kill is idempotent.
	proc.Kill()
}

func TestStartShellBadBinary(t *testing.T) {
	if !config.PTYAvailable() {
		t.Skip("no PTY support on this host")
	}

	start := time.Now()
	_, err := StartShell("/nonexistent/shell", "test-session", t.TempDir(), 80, 24)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSpawnFailure)

	// All retry attempts with backoff were consumed.
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
}
