package hooks

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// SessionEnvVar names the environment variable carrying the monitored
// session identity into hook subprocesses. It is set on the tmux session
// when the monitor creates it; a Claude session without it is not ours.
const SessionEnvVar = "CLAUDE_MONITOR_SESSION"

// payload is the JSON Claude Code pipes to hooks on stdin. Only the
// fields needed here are decoded.
type payload struct {
	HookEventName   string          `json:"hook_event_name"`
	ClaudeSessionID string          `json:"session_id"`
	CWD             string          `json:"cwd"`
	Prompt          string          `json:"prompt"`
	Matcher         json.RawMessage `json:"matcher,omitempty"`
}

// Event is the parsed lifecycle event, as written to the status directory
// and delivered by the watcher.
type Event struct {
	Session         string `json:"session"` // monitored session identity
	Event           string `json:"event"`   // Claude Code hook event name
	ClaudeSessionID string `json:"claude_session_id,omitempty"`
	CWD             string `json:"cwd,omitempty"`
	Prompt          string `json:"prompt,omitempty"`
	Timestamp       int64  `json:"ts"`
}

// relevantEvents are the hook events that translate to triggers. Anything
// else read from stdin is dropped.
var relevantEvents = map[string]bool{
	"SessionStart":     true,
	"UserPromptSubmit": true,
	"Stop":             true,
	"Notification":     true,
	"SessionEnd":       true,
}

// HandlePayload implements the hook-handler subcommand: parse the stdin
// payload and write an atomic status file for the watcher. session comes
// from SessionEnvVar; empty means the Claude session is unmanaged and the
// call is a silent no-op. Errors are returned for logging only; the
// caller always exits 0 so a broken monitor never blocks Claude Code.
func HandlePayload(stdin io.Reader, statusDir, session string) error {
	if session == "" {
		return nil
	}

	data, err := io.ReadAll(stdin)
	if err != nil || len(data) == 0 {
		return err
	}

	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("parse hook payload: %w", err)
	}
	if !relevantEvents[p.HookEventName] {
		return nil
	}

	// Notifications only matter when they signal a blocked agent.
	if p.HookEventName == "Notification" && !notificationNeedsInput(p.Matcher) {
		return nil
	}

	return WriteEvent(statusDir, Event{
		Session:         session,
		Event:           p.HookEventName,
		ClaudeSessionID: p.ClaudeSessionID,
		CWD:             p.CWD,
		Prompt:          p.Prompt,
		Timestamp:       time.Now().Unix(),
	})
}

func notificationNeedsInput(matcher json.RawMessage) bool {
	if matcher == nil {
		return false
	}
	var m string
	if err := json.Unmarshal(matcher, &m); err != nil {
		return false
	}
	return m == "permission_prompt" || m == "elicitation_dialog"
}

// WriteEvent atomically writes the event file for one session. Temp file
// plus rename keeps the watcher from seeing partial writes.
func WriteEvent(statusDir string, ev Event) error {
	if err := os.MkdirAll(statusDir, 0o755); err != nil {
		return fmt.Errorf("create status dir: %w", err)
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	path := filepath.Join(statusDir, ev.Session+".json")
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write tmp event: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename event: %w", err)
	}
	return nil
}

// CleanStaleFiles removes status files older than 24 hours.
func CleanStaleFiles(statusDir string) {
	entries, err := os.ReadDir(statusDir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-24 * time.Hour)
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(filepath.Join(statusDir, entry.Name()))
		}
	}
}
