package services

import (
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanLine(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "strips CSI color sequences",
			input:    "\x1b[1;32mhello\x1b[0m world",
			expected: "hello world",
		},
		{
			name:     "strips OSC title sequences",
			input:    "\x1b]0;my title\x07actual text",
			expected: "actual text",
		},
		{
			name:     "drops box drawing characters",
			input:    "│ Do you want to continue? │",
			expected: "Do you want to continue?",
		},
		{
			name:     "collapses whitespace",
			input:    "  spaced\t\tout   text  ",
			expected: "spaced out text",
		},
		{
			name:     "carriage returns become spaces",
			input:    "one\rtwo",
			expected: "one two",
		},
		{
			name:     "empty after stripping",
			input:    "\x1b[2J\x1b[H",
			expected: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, CleanLine(tt.input))
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		line     string
		expected EventType
	}{
		{"Do you want to proceed?", EventPermission},
		{"Do you trust the files in this folder?", EventPermission},
		{"Allow this tool to run?", EventPermission},
		{"Which option do you prefer?", EventQuestion},
		{"Would you like me to add tests?", EventQuestion},
		{"1. Use TypeScript for the frontend?", EventQuestion},
		{"Should I refactor the auth module first?", EventQuestion},
		{"? for shortcuts", EventReady},
		{"Session saved. Resume this session with claude -r", EventExited},
		{"Goodbye!", EventExited},
		{"Compiling module 3 of 7", EventNone},
		{"ok?", EventNone}, // too short to be a real question
		{"", EventNone},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			assert.Equal(t, tt.expected, Classify(tt.line))
		})
	}
}

func TestFeedReassemblesSplitLines(t *testing.T) {
	c := NewClassifier(50)

	// One question split across three chunks must fire exactly once.
	events := c.Feed([]byte("Would you like "))
	assert.Empty(t, events)
	events = c.Feed([]byte("me to continue"))
	assert.Empty(t, events)
	events = c.Feed([]byte("?\n"))
	require.Len(t, events, 1)
	assert.Equal(t, EventQuestion, events[0].Type)
	assert.Equal(t, "Would you like me to continue?", events[0].Line)
}

func TestFeedMultipleLinesInOneChunk(t *testing.T) {
	c := NewClassifier(50)

	events := c.Feed([]byte("building...\nWould you like me to deploy now?\nall done\n"))
	require.Len(t, events, 3)
	assert.Equal(t, EventNone, events[0].Type)
	assert.Equal(t, EventQuestion, events[1].Type)
	assert.Equal(t, EventNone, events[2].Type)
}

func TestFeedDedupesRepeatedQuestions(t *testing.T) {
	c := NewClassifier(50)

	events := c.Feed([]byte("Would you like me to continue?\n"))
	require.Len(t, events, 1)

	// A TUI redraw replays the same question; it must not fire again.
	c.Feed([]byte("some progress output\n"))
	events = c.Feed([]byte("Would you like me to continue?\n"))
	assert.Empty(t, events)
}

func TestFeedDedupKeyIsPrefixOnly(t *testing.T) {
	c := NewClassifier(10)

	events := c.Feed([]byte("Would you like tea?\n"))
	require.Len(t, events, 1)

	// Shares the first 10 characters, so it collapses into the same key.
	c.Feed([]byte("noise\n"))
	events = c.Feed([]byte("Would you like coffee?\n"))
	assert.Empty(t, events)
}

func TestDedupKeyCountsCharactersNotBytes(t *testing.T) {
	c := NewClassifier(5)

	key := c.dedupKey("héllö wörld")
	assert.Equal(t, "héllö", key)
	assert.True(t, utf8.ValidString(key))

	// Two questions differing only past the key length collapse, even with
	// multibyte text at the boundary.
	events := c.Feed([]byte("héllö, should I continue?\n"))
	require.Len(t, events, 1)
	events = c.Feed([]byte("héllö, should I stop instead?\n"))
	assert.Empty(t, events)
}

func TestFeedDropsChromeAndSeparators(t *testing.T) {
	c := NewClassifier(50)

	events := c.Feed([]byte("────────────\n  \nshift+tab to cycle\nesc to interrupt\n~/project$ \n"))
	assert.Empty(t, events)
}

func TestFeedDropsImmediateRepeat(t *testing.T) {
	c := NewClassifier(50)

	events := c.Feed([]byte("building step 1\nbuilding step 1\n"))
	require.Len(t, events, 1)

	// The same line later, after different output, is fresh again.
	events = c.Feed([]byte("building step 2\nbuilding step 1\n"))
	assert.Len(t, events, 2)
}

func TestFeedReadySurvivesChromeFilter(t *testing.T) {
	c := NewClassifier(50)

	// The ready signature is itself chrome; it must still produce an event.
	events := c.Feed([]byte("  ? for shortcuts\n"))
	require.Len(t, events, 1)
	assert.Equal(t, EventReady, events[0].Type)
}

func TestIsClaudeStartLine(t *testing.T) {
	assert.True(t, IsClaudeStartLine("✻ Welcome to Claude Code!"))
	assert.True(t, IsClaudeStartLine("/help for help, /status for your current setup"))
	assert.False(t, IsClaudeStartLine("claude is a great name for a cat"))
	assert.False(t, IsClaudeStartLine(""))
}

func TestFormatTrustPrompt(t *testing.T) {
	raw := []byte("╭───╮\n│ Do you trust the files in this folder? │\n│ ❯ 1. Yes, proceed │\n│ 2. No, exit │\n╰───╯")
	out, rewritten := FormatTrustPrompt(raw)
	assert.True(t, rewritten)
	assert.Contains(t, string(out), "Do you trust the files in this folder?")
	assert.Contains(t, string(out), "1. Yes, proceed")

	plain := []byte("just some regular output")
	out, rewritten = FormatTrustPrompt(plain)
	assert.False(t, rewritten)
	assert.Equal(t, plain, out)
}
