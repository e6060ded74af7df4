package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config holds all tunables for the terminal service.
// Values are bound from flags, VIBETERM_* environment variables, and an
// optional config file by the serve command.
type Config struct {
	Host string
	Port int

	// WorkspaceDir is the default working directory for spawned shells.
	WorkspaceDir string
	// Shell is the login shell spawned for each session.
	Shell string

	// MaxSessions caps the number of concurrently active PTY sessions.
	MaxSessions int
	// CreateCooldown is the minimum interval between successful session
	// creations. This is a global token, not per-connection: the resource
	// being protected (OS PTYs and processes) is global.
	CreateCooldown time.Duration
	// MaxSessionAge is the hard lifetime cap enforced by the sweep task.
	MaxSessionAge time.Duration
	// IdleTimeout expires sessions with no input or output activity.
	IdleTimeout time.Duration
	// SweepInterval is how often the registry scans for expired sessions.
	SweepInterval time.Duration

	// QuestionDedupPrefixLen is the number of leading characters used as the
	// dedup key for detected questions. Heuristic, not an exact identity.
	QuestionDedupPrefixLen int

	// OutputBufferSize bounds the per-session replay buffer.
	OutputBufferSize int
}

// Default returns the stock configuration.
func Default() Config {
	return Config{
		Host:                   "127.0.0.1",
		Port:                   3789,
		WorkspaceDir:           defaultWorkspaceDir(),
		Shell:                  DetectShell(),
		MaxSessions:            10,
		CreateCooldown:         2 * time.Second,
		MaxSessionAge:          1 * time.Hour,
		IdleTimeout:            30 * time.Minute,
		SweepInterval:          5 * time.Minute,
		QuestionDedupPrefixLen: 50,
		OutputBufferSize:       5 * 1024 * 1024,
	}
}

// DetectShell returns the user's shell, falling back to /bin/bash.
func DetectShell() string {
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell
	}
	return "/bin/bash"
}

func defaultWorkspaceDir() string {
	if dir := os.Getenv("VIBETERM_WORKSPACE"); dir != "" {
		return dir
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return homeDir
}

// SessionEnv builds the explicit environment for a spawned shell. The parent
// environment is not inherited blindly: terminal variables are pinned and
// PATH is rebuilt with the workspace bin directories up front.
func SessionEnv(sessionID, workDir string) []string {
	env := []string{
		"SESSION_ID=" + sessionID,
		"TERM=xterm-256color",
		"COLORTERM=truecolor",
	}
	if home, err := os.UserHomeDir(); err == nil {
		env = append(env, "HOME="+home)
	}
	if user := os.Getenv("USER"); user != "" {
		env = append(env, "USER="+user)
	}
	if lang := os.Getenv("LANG"); lang != "" {
		env = append(env, "LANG="+lang)
	}
	env = append(env, "PATH="+AugmentedPath(workDir))
	return env
}

// AugmentedPath prepends workspace-local bin directories to the inherited
// PATH so project tooling (including a locally installed claude CLI) wins.
func AugmentedPath(workDir string) string {
	parts := []string{
		filepath.Join(workDir, "node_modules", ".bin"),
		filepath.Join(workDir, "bin"),
	}
	if home, err := os.UserHomeDir(); err == nil {
		parts = append(parts, filepath.Join(home, ".local", "bin"))
	}
	if base := os.Getenv("PATH"); base != "" {
		parts = append(parts, base)
	} else {
		parts = append(parts, "/usr/local/bin:/usr/bin:/bin")
	}
	return strings.Join(parts, string(os.PathListSeparator))
}

// PTYAvailable reports whether the host can allocate pseudo-terminals.
// When it cannot, the terminal feature is disabled with an explicit error
// instead of crashing on the first spawn.
func PTYAvailable() bool {
	_, err := os.Stat("/dev/ptmx")
	return err == nil
}
