package models

import "time"

// SupervisionMode governs how generated answers are handled.
type SupervisionMode string

const (
	// ModeAuto types generated answers into the CLI automatically.
	ModeAuto SupervisionMode = "auto"
	// ModeSuggestion only surfaces generated answers to the user.
	ModeSuggestion SupervisionMode = "suggestion"
)

// ParseSupervisionMode maps a wire string to a mode, defaulting to suggestion
// so a malformed request never results in unattended keystroke injection.
func ParseSupervisionMode(s string) SupervisionMode {
	if s == string(ModeAuto) {
		return ModeAuto
	}
	return ModeSuggestion
}

// SessionInfo is the externally visible snapshot of one PTY session.
type SessionInfo struct {
	ID                string    `json:"id"`
	Pid               int       `json:"pid"`
	WorkDir           string    `json:"workDir"`
	CreatedAt         time.Time `json:"createdAt"`
	AgeSeconds        int64     `json:"ageSeconds"`
	IdleSeconds       int64     `json:"idleSeconds"`
	ClaudeActive      bool      `json:"claudeActive"`
	ClaudeSessionUUID string    `json:"claudeSessionUuid,omitempty"`
	Supervised        bool      `json:"supervised"`
	SupervisionMode   string    `json:"supervisionMode,omitempty"`
}

// Telemetry carries the registry counters. All fields except ActiveSessions
// are monotonically increasing for the life of the process.
type Telemetry struct {
	SessionsCreated   uint64 `json:"sessionsCreated"`
	SessionsDestroyed uint64 `json:"sessionsDestroyed"`
	RateLimitHits     uint64 `json:"rateLimitHits"`
	Errors            uint64 `json:"errors"`
	ActiveSessions    int    `json:"activeSessions"`
	MaxSessions       int    `json:"maxSessions"`
	Platform          string `json:"platform"`
	Shell             string `json:"shell"`
}

// DeliveryRecord logs one automated response delivery and which path
// carried it. Kept per session, bounded, newest first.
type DeliveryRecord struct {
	Time time.Time `json:"time"`
	Path string    `json:"path"` // "proc" or "pty"
	OK   bool      `json:"ok"`
}
