package handlers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestApplyThinkingMode(t *testing.T) {
	tests := []struct {
		name     string
		data     string
		mode     string
		expected string
	}{
		{
			name:     "no mode passes through",
			data:     "fix the bug\r",
			mode:     "",
			expected: "fix the bug\r",
		},
		{
			name:     "appends phrase before carriage return",
			data:     "fix the bug\r",
			mode:     "think-hard",
			expected: "fix the bug think hard\r",
		},
		{
			name:     "appends phrase before newline",
			data:     "fix the bug\n",
			mode:     "ultrathink",
			expected: "fix the bug ultrathink\n",
		},
		{
			name:     "non-submitting keystrokes untouched",
			data:     "f",
			mode:     "think",
			expected: "f",
		},
		{
			name:     "unknown mode passes through",
			data:     "fix the bug\r",
			mode:     "galaxy-brain",
			expected: "fix the bug\r",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, applyThinkingMode(tt.data, tt.mode))
		})
	}
}
