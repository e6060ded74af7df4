package services

import (
	"testing"
	"time"

	"github.com/creack/pty"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coder1/vibeterm/internal/config"
	"github.com/coder1/vibeterm/internal/models"
)

func TestOutputBufferBounded(t *testing.T) {
	s := testSession()
	s.outputMax = 10

	s.appendOutput([]byte("0123456789"))
	s.appendOutput([]byte("abcde"))

	assert.Equal(t, "56789abcde", string(s.ReplayBuffer()))
}

func TestReplayBufferReturnsCopy(t *testing.T) {
	s := testSession()
	s.appendOutput([]byte("hello"))

	buf := s.ReplayBuffer()
	buf[0] = 'X'
	assert.Equal(t, "hello", string(s.ReplayBuffer()))
}

func TestRecordCommandDetectsClaudeLaunch(t *testing.T) {
	s := testSession()

	s.recordCommand([]byte("ls -la\r"))
	s.mu.Lock()
	assert.False(t, s.claudeLaunching)
	s.mu.Unlock()

	s.recordCommand([]byte("claude --continue\r"))
	s.mu.Lock()
	assert.True(t, s.claudeLaunching)
	assert.Equal(t, []string{"ls -la", "claude --continue"}, s.commandHistory)
	s.mu.Unlock()
}

func TestRecordCommandAcrossKeystrokes(t *testing.T) {
	s := testSession()

	// One character per input event, the way a terminal actually sends it.
	for _, ch := range "claude" {
		s.recordCommand([]byte(string(ch)))
	}
	s.recordCommand([]byte("\r"))

	s.mu.Lock()
	assert.True(t, s.claudeLaunching)
	s.mu.Unlock()
}

func TestCommandHistoryTrimmed(t *testing.T) {
	s := testSession()

	for i := 0; i <= commandHistoryCap; i++ {
		s.recordCommand([]byte("echo hi\r"))
	}
	s.mu.Lock()
	assert.Equal(t, commandHistoryTrim, len(s.commandHistory))
	s.mu.Unlock()
}

func resizeTestSession(t *testing.T) *Session {
	t.Helper()
	if !config.PTYAvailable() {
		t.Skip("no PTY support on this host")
	}
	proc, err := StartShell("/bin/sh", "resize-test", t.TempDir(), 80, 24)
	require.NoError(t, err)
	s := testSession()
	s.proc = proc
	t.Cleanup(s.shutdown)
	return s
}

func TestScheduleResizeCoalescesToLastDimensions(t *testing.T) {
	s := resizeTestSession(t)

	// A burst of resizes inside the debounce window must apply only the
	// final dimensions, once, after the window closes.
	s.ScheduleResize(100, 30)
	time.Sleep(20 * time.Millisecond)
	s.ScheduleResize(110, 35)
	time.Sleep(20 * time.Millisecond)
	s.ScheduleResize(120, 40)

	// Still inside the window: nothing applied, including the earlier
	// intermediate sizes.
	size, err := pty.GetsizeFull(s.proc.ptmx)
	require.NoError(t, err)
	assert.Equal(t, uint16(80), size.Cols)
	assert.Equal(t, uint16(24), size.Rows)

	waitFor(t, func() bool {
		size, err := pty.GetsizeFull(s.proc.ptmx)
		return err == nil && size.Cols == 120 && size.Rows == 40
	})
}

func TestScheduleResizeSuppressedAfterDestroy(t *testing.T) {
	s := resizeTestSession(t)

	s.ScheduleResize(100, 30)
	s.shutdown()

	// The pending timer was cancelled; a late firing must not touch the
	// dead process and further schedules are ignored.
	time.Sleep(150 * time.Millisecond)
	s.ScheduleResize(120, 40)

	s.mu.Lock()
	assert.Nil(t, s.resizeTimer)
	s.mu.Unlock()
}

func TestMarkClaudeReadyRequiresActivation(t *testing.T) {
	s := testSession()

	// A prompt signature before any CLI start must be ignored.
	assert.False(t, s.MarkClaudeReady())
	assert.False(t, s.ClaudePromptDetected())

	s.MarkClaudeActive()
	assert.True(t, s.MarkClaudeReady())
	assert.True(t, s.ClaudePromptDetected())

	s.MarkClaudeExited()
	assert.False(t, s.ClaudePromptDetected())
	assert.False(t, s.MarkClaudeReady())
}

func TestSetClaudePidSetOnce(t *testing.T) {
	s := testSession()

	s.SetClaudePid(100)
	s.SetClaudePid(200)
	assert.Equal(t, 100, s.ClaudePid())

	s.MarkClaudeExited()
	assert.Equal(t, 0, s.ClaudePid())
}

func TestAttachDetachSupervisor(t *testing.T) {
	s := testSession()
	assert.False(t, s.Supervised())

	sup := NewSupervisor(s, &fakeDeliverer{}, RuleResponder{}, &fakeEmitter{}, models.ModeSuggestion)
	s.AttachSupervisor(sup)
	assert.True(t, s.Supervised())

	info := s.Info()
	assert.True(t, info.Supervised)
	assert.Equal(t, "suggestion", info.SupervisionMode)

	s.DetachSupervisor()
	assert.False(t, s.Supervised())

	// Detached engines must be stopped.
	sup.mu.Lock()
	assert.True(t, sup.stopped)
	sup.mu.Unlock()
}

func TestAttachReplacesAndStopsPrevious(t *testing.T) {
	s := testSession()

	first := NewSupervisor(s, &fakeDeliverer{}, RuleResponder{}, &fakeEmitter{}, models.ModeSuggestion)
	second := NewSupervisor(s, &fakeDeliverer{}, RuleResponder{}, &fakeEmitter{}, models.ModeAuto)

	s.AttachSupervisor(first)
	s.AttachSupervisor(second)

	first.mu.Lock()
	assert.True(t, first.stopped)
	first.mu.Unlock()
	assert.Equal(t, "auto", s.Info().SupervisionMode)
}

func TestFeedOutputRoutesEventsToSupervisor(t *testing.T) {
	s := testSession()
	deliverer := &fakeDeliverer{}
	emitter := &fakeEmitter{}
	sup := NewSupervisor(s, deliverer, echoGenerator{}, emitter, models.ModeSuggestion)
	sup.delays = testDelays()
	s.AttachSupervisor(sup)

	s.FeedOutput([]byte("✻ Welcome to Claude Code!\n"))
	s.FeedOutput([]byte("Would you like me to write the README?\n"))

	waitFor(t, func() bool { return emitter.suggestionCount() == 1 })
}
