package services

import (
	"strings"
	"sync"
	"time"

	"github.com/coder1/vibeterm/internal/logger"
	"github.com/coder1/vibeterm/internal/models"
)

const (
	commandHistoryCap  = 100
	commandHistoryTrim = 50
	resizeDebounce     = 100 * time.Millisecond
)

// Session is one pseudo-terminal instance plus its classifier and
// supervision state. The process handle is exclusively owned: session and
// process are created and destroyed together.
type Session struct {
	ID        string
	CreatedAt time.Time
	WorkDir   string

	// owningConn is a weak back-reference to the transport connection that
	// created the session, used only for cleanup lookup.
	owningConn string

	proc       *PTYProcess
	classifier *Classifier

	mu           sync.Mutex
	destroyed    bool
	lastActivity time.Time
	cols, rows   uint16

	// Coarse sub-state machine for the interactive CLI child.
	claudeActive         bool
	claudeLaunching      bool
	claudePromptDetected bool
	claudePid            int
	claudeSessionUUID    string

	commandHistory []string
	pendingCommand strings.Builder

	resizeTimer *time.Timer

	outputBuffer []byte
	outputMax    int

	supervisor *Supervisor
	watcher    *SessionFileWatcher
}

// Proc returns the owned PTY process handle.
func (s *Session) Proc() *PTYProcess { return s.proc }

// Touch records input or output activity for idle-expiry purposes.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// Alive reports whether the session has not been destroyed.
func (s *Session) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.destroyed
}

// FeedOutput runs one raw output chunk through the classifier and hands the
// resulting events to the attached supervisor, if any. Called only from the
// session's single read pump, so classifier state needs no extra locking.
func (s *Session) FeedOutput(chunk []byte) {
	s.Touch()
	s.appendOutput(chunk)

	events := s.classifier.Feed(chunk)
	if len(events) == 0 {
		return
	}

	s.mu.Lock()
	sup := s.supervisor
	s.mu.Unlock()
	if sup != nil {
		sup.HandleEvents(events)
	}
}

func (s *Session) appendOutput(chunk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputBuffer = append(s.outputBuffer, chunk...)
	if len(s.outputBuffer) > s.outputMax {
		s.outputBuffer = s.outputBuffer[len(s.outputBuffer)-s.outputMax:]
	}
}

// ReplayBuffer returns a copy of the buffered output for late-attaching
// clients.
func (s *Session) ReplayBuffer() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.outputBuffer))
	copy(out, s.outputBuffer)
	return out
}

// WriteInput delivers keystrokes to the shell and tracks submitted command
// lines for heuristic detection (never for replay).
func (s *Session) WriteInput(data []byte) error {
	s.Touch()
	s.recordCommand(data)
	_, err := s.proc.Write(data)
	return err
}

func (s *Session) recordCommand(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range data {
		if b == '\r' || b == '\n' {
			line := strings.TrimSpace(s.pendingCommand.String())
			s.pendingCommand.Reset()
			if line == "" {
				continue
			}
			s.commandHistory = append(s.commandHistory, line)
			if len(s.commandHistory) > commandHistoryCap {
				s.commandHistory = s.commandHistory[len(s.commandHistory)-commandHistoryTrim:]
			}
			if strings.HasPrefix(line, "claude") {
				s.claudeLaunching = true
			}
		} else if b >= 0x20 && b < 0x7f {
			s.pendingCommand.WriteByte(b)
		}
	}
}

// ScheduleResize debounces resize requests so a reactive UI reporting its
// own size changes cannot create a feedback loop. The last dimensions win.
func (s *Session) ScheduleResize(cols, rows uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return
	}
	s.cols, s.rows = cols, rows
	if s.resizeTimer != nil {
		s.resizeTimer.Stop()
	}
	s.resizeTimer = time.AfterFunc(resizeDebounce, func() {
		s.mu.Lock()
		if s.destroyed {
			s.mu.Unlock()
			return
		}
		c, r := s.cols, s.rows
		s.mu.Unlock()
		if err := s.proc.Resize(c, r); err != nil {
			logger.Debugf("📐 Resize failed for session %s: %v", s.ID, err)
		}
	})
}

// ClaudeLaunchPending reports whether a claude command line was submitted
// but the CLI's start banner has not been observed yet. Used to recover
// activation when the banner is lost in a dropped or garbled chunk.
func (s *Session) ClaudeLaunchPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.claudeLaunching
}

// MarkClaudeActive flips the CLI sub-state to active. Prompt detection can
// only follow activation.
func (s *Session) MarkClaudeActive() {
	s.mu.Lock()
	s.claudeActive = true
	s.claudeLaunching = false
	s.mu.Unlock()
}

// MarkClaudeReady records that the CLI is idle and accepting input. Ignored
// unless the CLI is active, preserving the activation-before-prompt
// invariant.
func (s *Session) MarkClaudeReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.claudeActive {
		return false
	}
	s.claudePromptDetected = true
	return true
}

// MarkClaudeExited clears the CLI sub-state.
func (s *Session) MarkClaudeExited() {
	s.mu.Lock()
	s.claudeActive = false
	s.claudeLaunching = false
	s.claudePromptDetected = false
	s.claudePid = 0
	s.mu.Unlock()
}

// SetClaudePid records the detected CLI child process. Set once per launch,
// cleared on exit.
func (s *Session) SetClaudePid(pid int) {
	s.mu.Lock()
	if s.claudePid == 0 {
		s.claudePid = pid
	}
	s.mu.Unlock()
}

// ClaudePid returns the detected CLI child pid, or 0.
func (s *Session) ClaudePid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.claudePid
}

// ClaudePromptDetected reports whether the CLI is ready for input.
func (s *Session) ClaudePromptDetected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.claudePromptDetected
}

// SetClaudeSessionUUID records the Claude session id discovered by the
// session-file watcher.
func (s *Session) SetClaudeSessionUUID(uuid string) {
	s.mu.Lock()
	s.claudeSessionUUID = uuid
	s.mu.Unlock()
}

// AttachSupervisor wires a supervision engine to the session, replacing any
// previous one.
func (s *Session) AttachSupervisor(sup *Supervisor) {
	s.mu.Lock()
	prev := s.supervisor
	s.supervisor = sup
	s.mu.Unlock()
	if prev != nil {
		prev.Stop()
	}
}

// DetachSupervisor removes and stops the attached supervision engine.
func (s *Session) DetachSupervisor() {
	s.mu.Lock()
	prev := s.supervisor
	s.supervisor = nil
	s.mu.Unlock()
	if prev != nil {
		prev.Stop()
	}
}

// Supervised reports whether a supervision engine is attached.
func (s *Session) Supervised() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.supervisor != nil
}

// Info snapshots the session for the REST surface.
func (s *Session) Info() models.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	info := models.SessionInfo{
		ID:                s.ID,
		Pid:               s.proc.Pid(),
		WorkDir:           s.WorkDir,
		CreatedAt:         s.CreatedAt,
		AgeSeconds:        int64(now.Sub(s.CreatedAt).Seconds()),
		IdleSeconds:       int64(now.Sub(s.lastActivity).Seconds()),
		ClaudeActive:      s.claudeActive,
		ClaudeSessionUUID: s.claudeSessionUUID,
		Supervised:        s.supervisor != nil,
	}
	if s.supervisor != nil {
		info.SupervisionMode = string(s.supervisor.Mode())
	}
	return info
}

// shutdown cancels timers and helpers, then kills the process. Called by the
// registry with the session already removed from the map; idempotent.
func (s *Session) shutdown() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	if s.resizeTimer != nil {
		s.resizeTimer.Stop()
		s.resizeTimer = nil
	}
	sup := s.supervisor
	s.supervisor = nil
	watcher := s.watcher
	s.watcher = nil
	s.mu.Unlock()

	if sup != nil {
		sup.Stop()
	}
	if watcher != nil {
		watcher.Stop()
	}
	s.proc.Kill()
}
