package services

import (
	"strings"
	"sync"
	"time"

	"github.com/coder1/vibeterm/internal/logger"
	"github.com/coder1/vibeterm/internal/models"
)

// supervisorState tracks where the engine is in the question/answer cycle.
type supervisorState int

const (
	stateIdle supervisorState = iota
	stateClaudeActive
	stateAwaitingAnswer
	stateDelivering
)

// SupervisorDelays holds the engine's timing knobs. Production uses
// DefaultDelays; tests shrink them.
type SupervisorDelays struct {
	QuestionDebounce time.Duration
	PreDelivery      time.Duration
	InterResponse    time.Duration
	ReadyFallback    time.Duration
	PermissionAccept time.Duration
}

// DefaultDelays returns production timing.
func DefaultDelays() SupervisorDelays {
	return SupervisorDelays{
		QuestionDebounce: 3 * time.Second,
		PreDelivery:      100 * time.Millisecond,
		InterResponse:    500 * time.Millisecond,
		ReadyFallback:    5 * time.Second,
		PermissionAccept: 500 * time.Millisecond,
	}
}

// ResponseGenerator produces an answer for one extracted question. The
// supervision engine treats generation as an external collaborator; a
// failure skips the question rather than aborting the batch.
type ResponseGenerator interface {
	GenerateResponse(question string) (string, error)
}

// Emitter surfaces supervision outcomes to the transport layer.
type Emitter interface {
	EmitIntervention(sessionID, text string)
	EmitSuggestion(sessionID, question, response string)
}

// InputDeliverer abstracts keystroke delivery to the CLI child process.
// Satisfied by ClaudeInput.
type InputDeliverer interface {
	DetectClaudeProcess(sessionID string, parentPid int) (int, bool)
	SendToClaudeProcess(sessionID, text string, proc *PTYProcess) bool
	Cleanup(sessionID string)
}

// Supervisor watches one session's classified output and answers the
// interactive CLI's questions, either by typing automatically (auto mode) or
// by surfacing suggestions (suggestion mode). All event handling is fault
// isolated: a panic or error in one cycle is logged and the engine keeps
// running.
type Supervisor struct {
	session *Session
	input   InputDeliverer
	gen     ResponseGenerator
	emitter Emitter
	mode    models.SupervisionMode
	delays  SupervisorDelays

	mu                 sync.Mutex
	state              supervisorState
	stopped            bool
	pendingQuestions   []string
	debounceTimer      *time.Timer
	fallbackTimer      *time.Timer
	queuedResponses    []string
	responsesDelivered bool
}

// NewSupervisor creates a supervision engine for a session. The session's
// CLI sub-state seeds the initial engine state so attaching mid-run works.
func NewSupervisor(session *Session, input InputDeliverer, gen ResponseGenerator, emitter Emitter, mode models.SupervisionMode) *Supervisor {
	s := &Supervisor{
		session: session,
		input:   input,
		gen:     gen,
		emitter: emitter,
		mode:    mode,
		delays:  DefaultDelays(),
		state:   stateIdle,
	}
	if session != nil {
		session.mu.Lock()
		active := session.claudeActive
		session.mu.Unlock()
		if active {
			s.state = stateClaudeActive
		}
	}
	return s
}

// Mode returns the engine's supervision mode.
func (s *Supervisor) Mode() models.SupervisionMode { return s.mode }

// Stop cancels timers and freezes the engine. Idempotent.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	if s.debounceTimer != nil {
		s.debounceTimer.Stop()
		s.debounceTimer = nil
	}
	if s.fallbackTimer != nil {
		s.fallbackTimer.Stop()
		s.fallbackTimer = nil
	}
	logger.Debugf("🛑 Supervision stopped for session %s", s.session.ID)
}

// HandleEvents consumes one batch of classified output lines. Never panics:
// supervision failures must not take down the session's read pump.
func (s *Supervisor) HandleEvents(events []LineEvent) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("💥 Supervision handler panic for session %s: %v", s.session.ID, r)
		}
	}()
	for _, ev := range events {
		s.handleEvent(ev)
	}
}

func (s *Supervisor) handleEvent(ev LineEvent) {
	switch ev.Type {
	case EventNone:
		s.handlePlainLine(ev.Line)
	case EventQuestion:
		s.handleQuestion(ev.Line)
	case EventPermission:
		s.handlePermission(ev.Line)
	case EventReady:
		s.handleReady()
	case EventExited:
		s.handleExited()
	}
}

// handlePlainLine watches unclassified lines for CLI startup signatures,
// driving the idle to active transition.
func (s *Supervisor) handlePlainLine(line string) {
	if !IsClaudeStartLine(line) {
		return
	}
	s.activate()
}

// activate performs the idle to active transition and kicks off child pid
// detection. No-op when already active.
func (s *Supervisor) activate() {
	s.mu.Lock()
	if s.stopped || s.state != stateIdle {
		s.mu.Unlock()
		return
	}
	s.state = stateClaudeActive
	s.mu.Unlock()

	s.session.MarkClaudeActive()
	logger.Infof("🤖 CLI activity detected in session %s, supervision engaged", s.session.ID)

	go func() {
		if pid, ok := s.input.DetectClaudeProcess(s.session.ID, s.session.Proc().Pid()); ok {
			s.session.SetClaudePid(pid)
		}
	}()
}

// handleQuestion accumulates questions and (re)arms the debounce timer so a
// multi-question burst is answered as one batch.
func (s *Supervisor) handleQuestion(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.state == stateIdle || s.state == stateDelivering {
		return
	}
	s.pendingQuestions = append(s.pendingQuestions, line)
	s.state = stateAwaitingAnswer
	if s.debounceTimer != nil {
		s.debounceTimer.Stop()
	}
	s.debounceTimer = time.AfterFunc(s.delays.QuestionDebounce, s.flushQuestions)
	logger.Debugf("❓ Question queued for session %s (%d pending): %s", s.session.ID, len(s.pendingQuestions), line)
}

// handlePermission auto-accepts permission dialogs in auto mode by choosing
// option 1, and surfaces them as suggestions otherwise.
func (s *Supervisor) handlePermission(line string) {
	s.mu.Lock()
	if s.stopped || s.state == stateIdle {
		s.mu.Unlock()
		return
	}
	mode := s.mode
	delay := s.delays.PermissionAccept
	s.mu.Unlock()

	if mode != models.ModeAuto {
		s.emitter.EmitSuggestion(s.session.ID, line, "1")
		return
	}
	logger.Infof("🔓 Auto-accepting permission dialog in session %s", s.session.ID)
	time.AfterFunc(delay, func() {
		s.mu.Lock()
		stopped := s.stopped
		s.mu.Unlock()
		if stopped {
			return
		}
		if s.input.SendToClaudeProcess(s.session.ID, "1", s.session.Proc()) {
			s.emitter.EmitIntervention(s.session.ID, "1")
		}
	})
}

// handleReady fires queued delivery once the CLI shows its input prompt.
// The prompt is the preferred trigger; the fallback timer covers prompts the
// classifier never sees.
func (s *Supervisor) handleReady() {
	s.mu.Lock()
	idle := s.state == stateIdle
	s.mu.Unlock()
	if idle {
		// The start banner can be lost in a garbled chunk. A submitted
		// claude command followed by a prompt signature is evidence enough
		// to engage.
		if !s.session.ClaudeLaunchPending() {
			return
		}
		s.activate()
	}
	if !s.session.MarkClaudeReady() {
		return
	}
	s.mu.Lock()
	ready := len(s.queuedResponses) > 0 && !s.responsesDelivered && s.state != stateDelivering
	delay := s.delays.PreDelivery
	s.mu.Unlock()
	if ready {
		time.AfterFunc(delay, s.deliverResponses)
	}
}

// handleExited tears the engine back to idle when the CLI terminates.
func (s *Supervisor) handleExited() {
	s.mu.Lock()
	if s.debounceTimer != nil {
		s.debounceTimer.Stop()
		s.debounceTimer = nil
	}
	if s.fallbackTimer != nil {
		s.fallbackTimer.Stop()
		s.fallbackTimer = nil
	}
	s.state = stateIdle
	s.pendingQuestions = nil
	s.queuedResponses = nil
	s.responsesDelivered = false
	s.mu.Unlock()

	s.session.MarkClaudeExited()
	s.input.Cleanup(s.session.ID)
	logger.Infof("👋 CLI exited in session %s, supervision back to idle", s.session.ID)
}

// flushQuestions runs when the debounce window closes: generate one answer
// per batched question, then either queue for delivery (auto) or emit
// suggestions.
func (s *Supervisor) flushQuestions() {
	s.mu.Lock()
	if s.stopped || len(s.pendingQuestions) == 0 {
		s.mu.Unlock()
		return
	}
	questions := s.pendingQuestions
	s.pendingQuestions = nil
	mode := s.mode
	s.mu.Unlock()

	type qa struct{ question, response string }
	var answers []qa
	for _, q := range questions {
		resp, err := s.gen.GenerateResponse(q)
		if err != nil {
			logger.Warnf("⚠️ Response generation failed for session %s: %v", s.session.ID, err)
			continue
		}
		if strings.TrimSpace(resp) == "" {
			continue
		}
		answers = append(answers, qa{question: q, response: resp})
	}

	if len(answers) == 0 {
		s.mu.Lock()
		if s.state == stateAwaitingAnswer {
			s.state = stateClaudeActive
		}
		s.mu.Unlock()
		return
	}

	if mode != models.ModeAuto {
		for _, a := range answers {
			s.emitter.EmitSuggestion(s.session.ID, a.question, a.response)
		}
		s.mu.Lock()
		if s.state == stateAwaitingAnswer {
			s.state = stateClaudeActive
		}
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	for _, a := range answers {
		s.queuedResponses = append(s.queuedResponses, a.response)
	}
	s.responsesDelivered = false
	promptSeen := s.session.ClaudePromptDetected()
	preDelivery := s.delays.PreDelivery
	fallback := s.delays.ReadyFallback
	if s.fallbackTimer != nil {
		s.fallbackTimer.Stop()
	}
	s.fallbackTimer = time.AfterFunc(fallback, s.deliverResponses)
	s.mu.Unlock()

	logger.Infof("💬 Queued %d automated response(s) for session %s", len(answers), s.session.ID)
	if promptSeen {
		time.AfterFunc(preDelivery, s.deliverResponses)
	}
}

// deliverResponses types the queued batch into the CLI, in order, with
// spacing so each answer lands before the next prompt redraw. The
// responsesDelivered flag makes the prompt trigger and the fallback timer
// mutually exclusive.
func (s *Supervisor) deliverResponses() {
	s.mu.Lock()
	if s.stopped || s.responsesDelivered || s.state == stateDelivering || len(s.queuedResponses) == 0 {
		s.mu.Unlock()
		return
	}
	s.responsesDelivered = true
	s.state = stateDelivering
	batch := s.queuedResponses
	s.queuedResponses = nil
	if s.fallbackTimer != nil {
		s.fallbackTimer.Stop()
		s.fallbackTimer = nil
	}
	spacing := s.delays.InterResponse
	s.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("💥 Delivery panic for session %s: %v", s.session.ID, r)
			}
			s.mu.Lock()
			if s.state == stateDelivering {
				s.state = stateClaudeActive
			}
			s.mu.Unlock()
		}()
		for i, resp := range batch {
			if i > 0 {
				time.Sleep(spacing)
			}
			s.mu.Lock()
			stopped := s.stopped
			s.mu.Unlock()
			if stopped {
				return
			}
			if s.input.SendToClaudeProcess(s.session.ID, resp, s.session.Proc()) {
				s.emitter.EmitIntervention(s.session.ID, resp)
				logger.Infof("✅ Delivered automated response %d/%d to session %s", i+1, len(batch), s.session.ID)
			} else {
				logger.Warnf("⚠️ Failed to deliver automated response to session %s", s.session.ID)
			}
		}
	}()
}
