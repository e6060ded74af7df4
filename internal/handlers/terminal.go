package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"

	"github.com/coder1/vibeterm/internal/logger"
	"github.com/coder1/vibeterm/internal/models"
	"github.com/coder1/vibeterm/internal/services"
)

const readBufferSize = 4096

// TerminalHandler binds the session registry to the terminal WebSocket
// endpoint. One connection multiplexes any number of sessions; sessions die
// with the connection that created them.
type TerminalHandler struct {
	manager *services.Manager
	input   *services.ClaudeInput
	gen     services.ResponseGenerator
}

// NewTerminalHandler creates the WebSocket terminal handler.
func NewTerminalHandler(manager *services.Manager, input *services.ClaudeInput, gen services.ResponseGenerator) *TerminalHandler {
	return &TerminalHandler{manager: manager, input: input, gen: gen}
}

// wsConn serializes writes to one WebSocket connection. Gorilla-style
// connections allow only one concurrent writer, and the read pumps and
// supervision engines all emit here.
type wsConn struct {
	mu sync.Mutex
	c  *websocket.Conn
}

func (w *wsConn) send(event string, payload interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		logger.Errorf("Failed to marshal %s payload: %v", event, err)
		return
	}
	frame, err := json.Marshal(models.Envelope{Event: event, Payload: raw})
	if err != nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.c.WriteMessage(websocket.TextMessage, frame); err != nil {
		logger.Debugf("WebSocket write failed: %v", err)
	}
}

func (w *wsConn) sendError(message string) {
	w.send(models.EventSessionError, models.SessionErrorPayload{Message: message})
}

// EmitIntervention implements the supervision emitter.
func (w *wsConn) EmitIntervention(sessionID, text string) {
	w.send(models.EventSupervisionIntervention, models.SupervisionInterventionPayload{
		SessionID: sessionID,
		Text:      text,
	})
}

// EmitSuggestion implements the supervision emitter.
func (w *wsConn) EmitSuggestion(sessionID, question, response string) {
	w.send(models.EventSupervisionSuggestion, models.SupervisionSuggestionPayload{
		SessionID: sessionID,
		Question:  question,
		Response:  response,
	})
}

// HandleWebSocket runs the message loop for one terminal connection. All
// sessions created by the connection are destroyed when it closes.
func (h *TerminalHandler) HandleWebSocket(c *websocket.Conn) {
	connID := uuid.New().String()
	conn := &wsConn{c: c}
	logger.Infof("🔌 Terminal connection %s opened", connID)

	defer func() {
		h.manager.DestroyConnectionSessions(connID)
		logger.Infof("🔌 Terminal connection %s closed", connID)
	}()

	for {
		_, msg, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debugf("WebSocket read error on %s: %v", connID, err)
			}
			return
		}
		var env models.Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			conn.sendError("malformed message")
			continue
		}
		h.dispatch(connID, conn, env)
	}
}

func (h *TerminalHandler) dispatch(connID string, conn *wsConn, env models.Envelope) {
	switch env.Event {
	case models.EventCreateSession:
		h.handleCreate(connID, conn, env.Payload)
	case models.EventSessionInput:
		h.handleInput(conn, env.Payload)
	case models.EventSessionResize:
		h.handleResize(conn, env.Payload)
	case models.EventSupervisionStart:
		h.handleSupervisionStart(conn, env.Payload)
	case models.EventSupervisionStop:
		h.handleSupervisionStop(conn, env.Payload)
	default:
		conn.sendError("unknown event: " + env.Event)
	}
}

func (h *TerminalHandler) handleCreate(connID string, conn *wsConn, payload json.RawMessage) {
	var req models.CreateSessionRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		conn.sendError("malformed create-session payload")
		return
	}

	session, err := h.manager.CreateSession(connID, services.CreateOptions{
		ID:   req.ID,
		Cols: req.Cols,
		Rows: req.Rows,
		Cwd:  req.Cwd,
	})
	if err != nil {
		switch {
		case errors.Is(err, services.ErrRateLimited):
			conn.sendError("session refused: " + err.Error())
		case errors.Is(err, services.ErrSpawnFailure):
			conn.sendError("failed to start terminal: " + err.Error())
		default:
			conn.sendError(err.Error())
		}
		return
	}

	conn.send(models.EventSessionCreated, models.SessionCreatedPayload{
		ID:  session.ID,
		Pid: session.Proc().Pid(),
	})
	go h.readPump(conn, session)
}

// readPump streams PTY output to the client and through the classifier.
// Exactly one pump runs per session; it ends when the process exits or the
// session is destroyed, whichever comes first.
func (h *TerminalHandler) readPump(conn *wsConn, session *services.Session) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := session.Proc().Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			session.FeedOutput(chunk)
			display, _ := services.FormatTrustPrompt(chunk)
			conn.send(models.EventSessionData, models.SessionDataPayload{
				ID:   session.ID,
				Data: string(display),
			})
		}
		if err != nil {
			if err != io.EOF && session.Alive() {
				logger.Debugf("PTY read ended for session %s: %v", session.ID, err)
			}
			exitCode, signal := session.Proc().ExitStatus()
			conn.send(models.EventSessionExit, models.SessionExitPayload{
				ID:       session.ID,
				ExitCode: exitCode,
				Signal:   signal,
			})
			h.input.Cleanup(session.ID)
			h.manager.DestroySession(session.ID)
			return
		}
	}
}

func (h *TerminalHandler) handleInput(conn *wsConn, payload json.RawMessage) {
	var req models.SessionInputRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		conn.sendError("malformed session-input payload")
		return
	}
	session, err := h.manager.GetSession(req.ID)
	if err != nil {
		conn.sendError("session not found: " + req.ID)
		return
	}
	data := applyThinkingMode(req.Data, req.ThinkingMode)
	if err := session.WriteInput([]byte(data)); err != nil {
		conn.sendError("input failed: " + err.Error())
	}
}

// applyThinkingMode appends the extended-thinking trigger phrase to a
// submitted line. Non-submitting keystrokes pass through untouched.
func applyThinkingMode(data, mode string) string {
	if mode == "" {
		return data
	}
	phrase, ok := thinkingPhrases[mode]
	if !ok {
		return data
	}
	if strings.HasSuffix(data, "\r") {
		return strings.TrimSuffix(data, "\r") + " " + phrase + "\r"
	}
	if strings.HasSuffix(data, "\n") {
		return strings.TrimSuffix(data, "\n") + " " + phrase + "\n"
	}
	return data
}

var thinkingPhrases = map[string]string{
	"think":      "think",
	"think-hard": "think hard",
	"ultrathink": "ultrathink",
}

func (h *TerminalHandler) handleResize(conn *wsConn, payload json.RawMessage) {
	var req models.SessionResizeRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		conn.sendError("malformed session-resize payload")
		return
	}
	session, err := h.manager.GetSession(req.ID)
	if err != nil {
		conn.sendError("session not found: " + req.ID)
		return
	}
	if req.Cols == 0 || req.Rows == 0 {
		conn.sendError("invalid dimensions")
		return
	}
	session.ScheduleResize(req.Cols, req.Rows)
}

func (h *TerminalHandler) handleSupervisionStart(conn *wsConn, payload json.RawMessage) {
	var req models.SupervisionStartRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		conn.sendError("malformed supervision-start payload")
		return
	}
	id := req.SessionID
	if id == "" {
		id = req.TerminalID
	}
	session, err := h.manager.GetSession(id)
	if err != nil {
		conn.sendError("session not found: " + id)
		return
	}
	mode := models.ParseSupervisionMode(req.Mode)
	sup := services.NewSupervisor(session, h.input, h.gen, conn, mode)
	session.AttachSupervisor(sup)
	logger.Infof("👁️ Supervision started for session %s in %s mode", id, mode)
}

func (h *TerminalHandler) handleSupervisionStop(conn *wsConn, payload json.RawMessage) {
	var req models.SupervisionStopRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		conn.sendError("malformed supervision-stop payload")
		return
	}
	session, err := h.manager.GetSession(req.SessionID)
	if err != nil {
		conn.sendError("session not found: " + req.SessionID)
		return
	}
	session.DetachSupervisor()
	logger.Infof("👁️ Supervision stopped for session %s", req.SessionID)
}
