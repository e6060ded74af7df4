package services

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder1/vibeterm/internal/logger"
	"github.com/coder1/vibeterm/internal/models"
)

const (
	// detectSettleDelay gives the CLI child time to spawn and attach to the
	// terminal before we go looking for its pid.
	detectSettleDelay = 1500 * time.Millisecond

	deliveryLogCap = 20

	keystrokeDelay = 10 * time.Millisecond
)

// ClaudeInput delivers synthetic keystrokes to an interactive CLI child
// process running inside a session's shell. The preferred path writes to the
// child's terminal fd directly, bypassing normal PTY echo timing; when that
// is unavailable the text is written to the parent PTY as ordinary
// keystrokes. Delivery is best effort and never returns an error: a missed
// automated answer is recoverable by the human typing manually.
type ClaudeInput struct {
	mu         sync.Mutex
	pids       map[string]int
	deliveries map[string][]models.DeliveryRecord
}

// NewClaudeInput creates an input handler.
func NewClaudeInput() *ClaudeInput {
	return &ClaudeInput{
		pids:       make(map[string]int),
		deliveries: make(map[string][]models.DeliveryRecord),
	}
}

// DetectClaudeProcess discovers the immediate child of the session's shell
// after a settle delay. Detection failure is recoverable: the caller falls
// back to PTY writes.
func (h *ClaudeInput) DetectClaudeProcess(sessionID string, parentPid int) (int, bool) {
	time.Sleep(detectSettleDelay)

	pid, ok := firstChildPid(parentPid)
	if !ok {
		logger.Debugf("🔍 No child process found for session %s (shell pid %d)", sessionID, parentPid)
		return 0, false
	}

	h.mu.Lock()
	h.pids[sessionID] = pid
	h.mu.Unlock()

	logger.Infof("🎯 Detected CLI child pid %d for session %s", pid, sessionID)
	return pid, true
}

// SendToClaudeProcess delivers one line of text as if typed by the user,
// trying the detected subprocess first and falling back to the PTY. The
// chosen path is recorded in the session's delivery log so the winning path
// is diagnosable in production.
func (h *ClaudeInput) SendToClaudeProcess(sessionID, text string, proc *PTYProcess) bool {
	h.mu.Lock()
	pid := h.pids[sessionID]
	h.mu.Unlock()

	if pid > 0 {
		err := writeToProcessTerminal(pid, text)
		if err == nil {
			h.record(sessionID, "proc", true)
			return true
		}
		logger.Debugf("⚠️ Direct delivery to pid %d failed for session %s: %v", pid, sessionID, err)
	}

	if err := typeIntoPTY(proc, text); err != nil {
		logger.Debugf("⚠️ PTY fallback delivery failed for session %s: %v", sessionID, err)
		h.record(sessionID, "pty", false)
		return false
	}
	h.record(sessionID, "pty", true)
	return true
}

// typeIntoPTY simulates human typing: one character at a time with a short
// pause, then a carriage return to submit. Interactive CLIs can drop or
// misroute input pasted as a single burst. Liveness is re-checked before
// every keystroke so a session destroyed mid-typing stops cleanly.
func typeIntoPTY(proc *PTYProcess, text string) error {
	if proc == nil || !proc.Alive() {
		return fmt.Errorf("process not available")
	}
	for _, r := range text {
		if !proc.Alive() {
			return fmt.Errorf("process died mid-delivery")
		}
		if _, err := proc.Write([]byte(string(r))); err != nil {
			return err
		}
		time.Sleep(keystrokeDelay)
	}
	if _, err := proc.Write([]byte("\r")); err != nil {
		return err
	}
	return nil
}

// Cleanup releases the tracked subprocess association for a session.
func (h *ClaudeInput) Cleanup(sessionID string) {
	h.mu.Lock()
	delete(h.pids, sessionID)
	delete(h.deliveries, sessionID)
	h.mu.Unlock()
}

// Deliveries returns the bounded delivery decision log for a session,
// newest first.
func (h *ClaudeInput) Deliveries(sessionID string) []models.DeliveryRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	records := h.deliveries[sessionID]
	out := make([]models.DeliveryRecord, len(records))
	copy(out, records)
	return out
}

func (h *ClaudeInput) record(sessionID, path string, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	records := append([]models.DeliveryRecord{{Time: time.Now(), Path: path, OK: ok}}, h.deliveries[sessionID]...)
	if len(records) > deliveryLogCap {
		records = records[:deliveryLogCap]
	}
	h.deliveries[sessionID] = records
}

// firstChildPid finds the shell's first child via /proc, shelling out to
// pgrep where the children file is unavailable.
func firstChildPid(parentPid int) (int, bool) {
	childrenPath := filepath.Join("/proc", strconv.Itoa(parentPid), "task", strconv.Itoa(parentPid), "children")
	if data, err := os.ReadFile(childrenPath); err == nil {
		for _, field := range strings.Fields(string(data)) {
			if pid, err := strconv.Atoi(field); err == nil && pid > 0 {
				return pid, true
			}
		}
		return 0, false
	}

	out, err := exec.Command("pgrep", "-P", strconv.Itoa(parentPid)).Output()
	if err != nil {
		return 0, false
	}
	for _, line := range strings.Fields(string(out)) {
		if pid, err := strconv.Atoi(line); err == nil && pid > 0 {
			return pid, true
		}
	}
	return 0, false
}

// writeToProcessTerminal writes text plus a newline to the process's
// controlling terminal via its stdin fd.
func writeToProcessTerminal(pid int, text string) error {
	fdPath := filepath.Join("/proc", strconv.Itoa(pid), "fd", "0")
	f, err := os.OpenFile(fdPath, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", fdPath, err)
	}
	defer f.Close()
	if _, err := f.Write([]byte(text + "\n")); err != nil {
		return fmt.Errorf("write to pid %d terminal: %w", pid, err)
	}
	return nil
}
