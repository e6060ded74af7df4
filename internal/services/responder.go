package services

import "strings"

// RuleResponder is the built-in answer generator: a small rule table that
// prefers the CLI's own recommended option. It stands in wherever no
// external generator is wired.
type RuleResponder struct{}

// GenerateResponse picks an answer for one question line.
func (RuleResponder) GenerateResponse(question string) (string, error) {
	q := strings.ToLower(question)

	// Numbered menus: the first option is the CLI's recommendation.
	if numberedOptionRegex.MatchString(question) {
		return "1", nil
	}

	switch {
	case strings.Contains(q, "do you want") && strings.Contains(q, "proceed"):
		return "yes", nil
	case strings.Contains(q, "(y/n)") || strings.Contains(q, "[y/n]"):
		return "y", nil
	case strings.Contains(q, "continue"):
		return "yes", nil
	case strings.Contains(q, "overwrite"):
		return "no", nil
	}
	return "yes", nil
}
