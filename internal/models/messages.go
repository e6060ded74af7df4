package models

import "encoding/json"

// Inbound WebSocket event names.
const (
	EventCreateSession    = "create-session"
	EventSessionInput     = "session-input"
	EventSessionResize    = "session-resize"
	EventSupervisionStart = "supervision-start"
	EventSupervisionStop  = "supervision-stop"
)

// Outbound WebSocket event names.
const (
	EventSessionCreated          = "session-created"
	EventSessionData             = "session-data"
	EventSessionExit             = "session-exit"
	EventSessionError            = "session-error"
	EventSupervisionIntervention = "supervision-intervention"
	EventSupervisionSuggestion   = "supervision-suggestion"
)

// Envelope is the wire frame for every terminal WebSocket message.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// CreateSessionRequest asks the registry for a new PTY session.
type CreateSessionRequest struct {
	ID   string `json:"id,omitempty"`
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
	Cwd  string `json:"cwd,omitempty"`
}

// SessionInputRequest carries raw keystrokes for a session.
type SessionInputRequest struct {
	ID           string `json:"id"`
	Data         string `json:"data"`
	ThinkingMode string `json:"thinkingMode,omitempty"`
}

// SessionResizeRequest reports new terminal dimensions.
type SessionResizeRequest struct {
	ID   string `json:"id"`
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// SupervisionStartRequest attaches the supervision engine to a session.
type SupervisionStartRequest struct {
	SessionID  string `json:"sessionId"`
	TerminalID string `json:"terminalId,omitempty"`
	Mode       string `json:"mode"`
}

// SupervisionStopRequest detaches the supervision engine.
type SupervisionStopRequest struct {
	SessionID string `json:"sessionId"`
}

// SessionCreatedPayload confirms a session is ready.
type SessionCreatedPayload struct {
	ID  string `json:"id"`
	Pid int    `json:"pid"`
}

// SessionDataPayload carries terminal output for display.
type SessionDataPayload struct {
	ID   string `json:"id"`
	Data string `json:"data"`
}

// SessionExitPayload reports that the underlying process terminated.
type SessionExitPayload struct {
	ID       string `json:"id"`
	ExitCode int    `json:"exitCode"`
	Signal   string `json:"signal,omitempty"`
}

// SessionErrorPayload reports a non-fatal operational error.
type SessionErrorPayload struct {
	Message string `json:"message"`
}

// SupervisionInterventionPayload reports an answer that was typed
// automatically into the session.
type SupervisionInterventionPayload struct {
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
}

// SupervisionSuggestionPayload surfaces a generated answer for manual entry.
type SupervisionSuggestionPayload struct {
	SessionID string `json:"sessionId"`
	Question  string `json:"question"`
	Response  string `json:"response"`
}
