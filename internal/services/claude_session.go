package services

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/coder1/vibeterm/internal/logger"
)

const projectDirRetryInterval = 2 * time.Second

// SessionFileWatcher discovers the Claude CLI's own session id by watching
// for the JSONL transcript it creates under ~/.claude/projects. The project
// directory may not exist until the CLI first runs, so Add is retried until
// it appears.
type SessionFileWatcher struct {
	session    *Session
	projectDir string
	watcher    *fsnotify.Watcher
	stopCh     chan struct{}
}

// NewSessionFileWatcher creates a watcher for a session's working directory.
func NewSessionFileWatcher(session *Session) *SessionFileWatcher {
	return &SessionFileWatcher{
		session:    session,
		projectDir: claudeProjectDir(session.WorkDir),
		stopCh:     make(chan struct{}),
	}
}

// Start begins watching in the background. A watcher setup failure is
// logged, not fatal: the session id is a convenience, not a requirement.
func (w *SessionFileWatcher) Start() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warnf("⚠️  Failed to create session file watcher for %s: %v", w.session.ID, err)
		return
	}
	w.watcher = watcher
	go w.run()
}

// Stop tears down the watcher. Idempotent via the channel close in run's
// select; callers only invoke it once from session shutdown.
func (w *SessionFileWatcher) Stop() {
	close(w.stopCh)
	if w.watcher != nil {
		w.watcher.Close()
	}
}

func (w *SessionFileWatcher) run() {
	// Pick up transcripts that already exist, then watch for new ones.
	w.scanExisting()

	ticker := time.NewTicker(projectDirRetryInterval)
	defer ticker.Stop()
	watching := false

	for {
		if !watching {
			if err := w.watcher.Add(w.projectDir); err == nil {
				watching = true
				logger.Debugf("👀 Watching Claude project directory %s for session %s", w.projectDir, w.session.ID)
				w.scanExisting()
			}
		}
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				if uuid, ok := sessionUUIDFromPath(event.Name); ok {
					w.session.SetClaudeSessionUUID(uuid)
					logger.Infof("🪪 Captured Claude session id %s for session %s", uuid, w.session.ID)
				}
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Warnf("⚠️  Session file watcher error for %s: %v", w.session.ID, err)
		case <-ticker.C:
			// retry Add until the project directory exists
		case <-w.stopCh:
			return
		}
	}
}

func (w *SessionFileWatcher) scanExisting() {
	entries, err := os.ReadDir(w.projectDir)
	if err != nil {
		return
	}
	var latest string
	var latestMod time.Time
	for _, entry := range entries {
		uuid, ok := sessionUUIDFromPath(entry.Name())
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(latestMod) {
			latest = uuid
			latestMod = info.ModTime()
		}
	}
	if latest != "" {
		w.session.SetClaudeSessionUUID(latest)
	}
}

// claudeProjectDir maps a working directory to the CLI's transcript
// directory. The CLI replaces both "/" and "." with "-" in the path.
func claudeProjectDir(workDir string) string {
	name := strings.ReplaceAll(workDir, "/", "-")
	name = strings.ReplaceAll(name, ".", "-")
	name = "-" + strings.TrimPrefix(name, "-")
	home, err := os.UserHomeDir()
	if err != nil {
		home = "/root"
	}
	return filepath.Join(home, ".claude", "projects", name)
}

// sessionUUIDFromPath extracts a session id from a transcript filename. Only
// canonical 36-character UUID names count.
func sessionUUIDFromPath(path string) (string, bool) {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, ".jsonl") {
		return "", false
	}
	id := strings.TrimSuffix(base, ".jsonl")
	if len(id) != 36 {
		return "", false
	}
	for i, r := range id {
		switch i {
		case 8, 13, 18, 23:
			if r != '-' {
				return "", false
			}
		default:
			if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')) {
				return "", false
			}
		}
	}
	return id, true
}
