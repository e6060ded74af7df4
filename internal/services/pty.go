package services

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/coder1/vibeterm/internal/config"
	"github.com/coder1/vibeterm/internal/logger"
)

// ErrSpawnFailure indicates the underlying PTY or shell process could not be
// created. Surfaced to the caller as a session-error; the session is never
// registered.
var ErrSpawnFailure = errors.New("failed to spawn PTY session")

const spawnRetryAttempts = 3

// PTYProcess owns one spawned shell attached to a pseudo-terminal.
// It is never shared between sessions; killing it is idempotent.
type PTYProcess struct {
	cmd  *exec.Cmd
	ptmx *os.File

	mu     sync.Mutex
	closed bool

	waitOnce   sync.Once
	exitCode   int
	exitSignal string
}

// StartShell spawns a login shell on a new PTY with an explicitly constructed
// environment. Creation is retried with exponential backoff because PTY
// allocation can fail transiently when the host is near its PTY limit.
func StartShell(shell, sessionID, workDir string, cols, rows uint16) (*PTYProcess, error) {
	if !config.PTYAvailable() {
		return nil, fmt.Errorf("%w: host has no PTY capability", ErrSpawnFailure)
	}

	var lastErr error
	for attempt := 0; attempt < spawnRetryAttempts; attempt++ {
		if attempt > 0 {
			wait := time.Duration(100*(1<<attempt)) * time.Millisecond
			logger.Warnf("⏳ Retrying PTY spawn for session %s in %v (attempt %d)", sessionID, wait, attempt+1)
			time.Sleep(wait)
		}

		cmd := exec.Command(shell, "--login")
		cmd.Dir = workDir
		cmd.Env = config.SessionEnv(sessionID, workDir)

		ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
		if err == nil {
			return &PTYProcess{cmd: cmd, ptmx: ptmx}, nil
		}
		lastErr = err

		if strings.Contains(err.Error(), "resource temporarily unavailable") {
			logger.Warnf("💡 PTY exhaustion suspected while spawning session %s", sessionID)
		}
	}

	return nil, fmt.Errorf("%w after %d attempts: %v", ErrSpawnFailure, spawnRetryAttempts, lastErr)
}

// Pid returns the shell's process id, or 0 when it never started.
func (p *PTYProcess) Pid() int {
	if p.cmd != nil && p.cmd.Process != nil {
		return p.cmd.Process.Pid
	}
	return 0
}

// Read reads raw output bytes from the PTY master.
func (p *PTYProcess) Read(buf []byte) (int, error) {
	return p.ptmx.Read(buf)
}

// Write delivers bytes to the shell as if typed. Writes to a killed process
// are refused so late timer callbacks cannot touch a dead PTY.
func (p *PTYProcess) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, errors.New("pty is closed")
	}
	return p.ptmx.Write(data)
}

// Resize changes the terminal dimensions.
func (p *PTYProcess) Resize(cols, rows uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("pty is closed")
	}
	return pty.Setsize(p.ptmx, &pty.Winsize{Rows: rows, Cols: cols})
}

// Alive reports whether the process can still be written to.
func (p *PTYProcess) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed
}

// Kill terminates the shell and closes the PTY. Safe to call more than once;
// kill errors are swallowed because the process may have already exited.
func (p *PTYProcess) Kill() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	_ = p.ptmx.Close()
	if p.cmd != nil && p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	p.reap()
}

// ExitStatus blocks until the shell exits and reports how it ended.
// Returns -1 and the signal name for signal deaths.
func (p *PTYProcess) ExitStatus() (int, string) {
	p.reap()
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, p.exitSignal
}

// reap waits on the child exactly once and caches the result.
func (p *PTYProcess) reap() {
	p.waitOnce.Do(func() {
		if p.cmd == nil {
			return
		}
		code, sig := 0, ""
		if err := p.cmd.Wait(); err != nil {
			code = -1
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
					sig = status.Signal().String()
				} else {
					code = exitErr.ExitCode()
				}
			}
		}
		p.mu.Lock()
		p.exitCode = code
		p.exitSignal = sig
		p.mu.Unlock()
	})
}
