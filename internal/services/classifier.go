package services

import (
	"bytes"
	"regexp"
	"strings"
)

// EventType tags a classified output line.
type EventType string

const (
	EventQuestion   EventType = "question"
	EventPermission EventType = "permission"
	EventReady      EventType = "ready"
	EventExited     EventType = "exited"
	EventNone       EventType = "none"
)

// LineEvent is one cleaned, de-duplicated semantic line from a PTY stream.
type LineEvent struct {
	Type EventType
	Line string
}

// Classifier converts a raw terminal byte stream into discrete semantic line
// events. It owns the per-session incremental parse state: the partial-line
// buffer, the previous cleaned line, and the bounded recent-question set.
type Classifier struct {
	dedupPrefixLen int

	lineBuffer  []byte
	lastCleaned string
	recentKeys  []string
}

const recentQuestionCap = 10

// NewClassifier creates a classifier. dedupPrefixLen is the number of leading
// characters used as the question dedup key (50 in the stock configuration).
func NewClassifier(dedupPrefixLen int) *Classifier {
	if dedupPrefixLen <= 0 {
		dedupPrefixLen = 50
	}
	return &Classifier{dedupPrefixLen: dedupPrefixLen}
}

// Feed appends a chunk to the line buffer, extracts the complete lines, and
// returns events for every line that survives cleaning and deduplication.
// A line split across any number of chunk boundaries is processed exactly
// once; chunks may contain zero, one, or many newlines.
func (c *Classifier) Feed(chunk []byte) []LineEvent {
	c.lineBuffer = append(c.lineBuffer, chunk...)

	parts := bytes.Split(c.lineBuffer, []byte("\n"))
	// The final element may be a partial line; keep it for the next chunk.
	c.lineBuffer = append(c.lineBuffer[:0], parts[len(parts)-1]...)

	var events []LineEvent
	for _, raw := range parts[:len(parts)-1] {
		cleaned := CleanLine(string(raw))

		// Ready/exited signatures live in chrome lines, so check them
		// before the chrome filter discards the line.
		switch Classify(cleaned) {
		case EventReady:
			events = append(events, LineEvent{Type: EventReady, Line: cleaned})
			continue
		case EventExited:
			events = append(events, LineEvent{Type: EventExited, Line: cleaned})
			continue
		}

		if c.discard(cleaned) {
			continue
		}
		c.lastCleaned = cleaned

		kind := Classify(cleaned)
		if kind == EventQuestion || kind == EventPermission {
			if c.seenRecently(cleaned) {
				continue
			}
			c.remember(cleaned)
		}
		events = append(events, LineEvent{Type: kind, Line: cleaned})
	}
	return events
}

// discard filters empty lines, separators, known UI chrome, and immediate
// repeats of the previous cleaned line.
func (c *Classifier) discard(cleaned string) bool {
	if cleaned == "" {
		return true
	}
	if isSeparator(cleaned) {
		return true
	}
	if isChrome(cleaned) {
		return true
	}
	return cleaned == c.lastCleaned
}

// dedupKey truncates by characters, not bytes, so a multibyte rune at the
// boundary is never split.
func (c *Classifier) dedupKey(line string) string {
	runes := []rune(line)
	if len(runes) > c.dedupPrefixLen {
		return string(runes[:c.dedupPrefixLen])
	}
	return line
}

func (c *Classifier) seenRecently(line string) bool {
	key := c.dedupKey(line)
	for _, k := range c.recentKeys {
		if k == key {
			return true
		}
	}
	return false
}

func (c *Classifier) remember(line string) {
	c.recentKeys = append(c.recentKeys, c.dedupKey(line))
	if len(c.recentKeys) > recentQuestionCap {
		c.recentKeys = c.recentKeys[len(c.recentKeys)-recentQuestionCap:]
	}
}

var (
	// CSI sequences, OSC sequences, and stray mode toggles.
	ansiRegex = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]|\x1b\][^\x07]*\x07|\x1b[><=]|\x1b\][^\x1b]*\x1b\\`)

	numberedOptionRegex = regexp.MustCompile(`^\d+[.)]\s`)
	shellPromptRegex    = regexp.MustCompile(`^[\w.@~/-]*[$#%>]\s*$`)
)

// CleanLine strips ANSI escape sequences, control characters, and
// box-drawing glyphs from a raw terminal line and collapses whitespace.
func CleanLine(raw string) string {
	s := ansiRegex.ReplaceAllString(raw, "")

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\r' || r == '\t':
			b.WriteRune(' ')
		case r < 0x20 || r == 0x7f:
			// Drop remaining control characters.
		case r >= 0x2500 && r <= 0x257f:
			// Box drawing block used by CLI chrome.
		default:
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// isSeparator reports lines that contain only rule/punctuation characters.
func isSeparator(line string) bool {
	for _, r := range line {
		switch r {
		case '-', '=', '*', '_', '~', ' ', '·', '.':
		default:
			return false
		}
	}
	return true
}

// isChrome reports known UI furniture that carries no decision content.
func isChrome(line string) bool {
	lower := strings.ToLower(line)
	switch {
	case strings.Contains(lower, "? for shortcuts"),
		strings.Contains(lower, "shift+tab to cycle"),
		strings.Contains(lower, "esc to interrupt"),
		shellPromptRegex.MatchString(line):
		return true
	}
	return false
}

var readyPatterns = []string{
	"? for shortcuts",
	"bypass permissions on",
}

var exitedPatterns = []string{
	"session saved",
	"resume this session",
	"claude code exited",
	"goodbye!",
}

var permissionPatterns = []string{
	"do you trust the files in this folder",
	"yes, i accept",
	"bypass permissions mode",
	"do you want to proceed",
	"allow this tool",
	"grant permission",
}

var questionPatterns = []string{
	"which option",
	"do you want",
	"would you like",
	"should i",
	"please choose",
	"please select",
}

// Classify maps one cleaned line to a semantic event. It is a pure function
// of the line text so it can be tested without any PTY.
func Classify(line string) EventType {
	if line == "" {
		return EventNone
	}
	lower := strings.ToLower(line)

	for _, p := range permissionPatterns {
		if strings.Contains(lower, p) {
			return EventPermission
		}
	}
	for _, p := range exitedPatterns {
		if strings.Contains(lower, p) {
			return EventExited
		}
	}
	for _, p := range readyPatterns {
		if strings.Contains(lower, p) {
			return EventReady
		}
	}

	if strings.Contains(line, "?") {
		if numberedOptionRegex.MatchString(line) {
			return EventQuestion
		}
		for _, p := range questionPatterns {
			if strings.Contains(lower, p) {
				return EventQuestion
			}
		}
		if strings.HasSuffix(line, "?") && len(line) > 10 {
			return EventQuestion
		}
	}

	return EventNone
}

var claudeStartPatterns = []string{
	"welcome to claude code",
	"claude code v",
	"try \"edit",
	"/help for help",
}

// IsClaudeStartLine reports signatures that the Claude CLI has started
// inside the shell.
func IsClaudeStartLine(line string) bool {
	lower := strings.ToLower(line)
	for _, p := range claudeStartPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// trustPromptBlock is the stable replacement for the trust-this-folder
// dialog. The raw rendering is highly sensitive to terminal width, so it is
// rewritten wholesale rather than parsed.
const trustPromptBlock = "\r\n" +
	"┌──────────────────────────────────────────────┐\r\n" +
	"│  Do you trust the files in this folder?      │\r\n" +
	"│                                              │\r\n" +
	"│  ❯ 1. Yes, proceed                           │\r\n" +
	"│    2. No, exit                               │\r\n" +
	"│                                              │\r\n" +
	"│  Enter to confirm · Esc to exit              │\r\n" +
	"└──────────────────────────────────────────────┘\r\n"

// FormatTrustPrompt rewrites the trust-this-folder permission dialog into a
// hand-authored, stably formatted block. Returns the input unchanged when
// the dialog's characteristic substrings are absent.
func FormatTrustPrompt(data []byte) ([]byte, bool) {
	text := string(data)
	if !strings.Contains(text, "Do you trust the files in this folder") {
		return data, false
	}
	if !strings.Contains(text, "Yes, proceed") && !strings.Contains(text, "No, exit") {
		return data, false
	}
	return []byte(trustPromptBlock), true
}
