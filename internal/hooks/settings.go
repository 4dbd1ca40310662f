// Package hooks integrates with Claude Code lifecycle hooks. Hook events
// are the discrete, high-confidence producer feeding the task state
// machine; the polling classifier covers everything the hooks miss.
//
// The flow has three parts: hook entries injected into Claude Code's
// settings.json invoke `claude-monitor hook-handler`, the handler writes
// an atomic per-session status file, and a directory watcher turns those
// files into store triggers.
package hooks

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/samotage/claude-monitor-sub002/internal/logging"
)

var hookLog = logging.ForComponent(logging.CompHooks)

// hookCommand is the marker identifying our entries in settings.json.
const hookCommand = "claude-monitor hook-handler"

type settingsHookEntry struct {
	Type    string `json:"type"`
	Command string `json:"command"`
	Async   bool   `json:"async,omitempty"`
}

type settingsHookMatcher struct {
	Matcher string              `json:"matcher,omitempty"`
	Hooks   []settingsHookEntry `json:"hooks"`
}

func monitorHook() settingsHookEntry {
	return settingsHookEntry{Type: "command", Command: hookCommand, Async: true}
}

// hookEvents lists the Claude Code events subscribed to, with matcher
// patterns where the event stream needs narrowing.
var hookEvents = []struct {
	Event   string
	Matcher string
}{
	{Event: "SessionStart"},
	{Event: "UserPromptSubmit"},
	{Event: "Stop"},
	{Event: "Notification", Matcher: "permission_prompt|elicitation_dialog"},
	{Event: "SessionEnd"},
}

// Install injects hook entries into settings.json under configDir,
// preserving all existing settings and user hooks. Returns true when
// newly installed, false when already present.
func Install(configDir string) (bool, error) {
	settingsPath := filepath.Join(configDir, "settings.json")

	var raw map[string]json.RawMessage
	data, err := os.ReadFile(settingsPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return false, fmt.Errorf("read settings.json: %w", err)
		}
		raw = make(map[string]json.RawMessage)
	} else if err := json.Unmarshal(data, &raw); err != nil {
		return false, fmt.Errorf("parse settings.json: %w", err)
	}

	existing := hooksSection(raw)
	if allInstalled(existing) {
		return false, nil
	}

	for _, cfg := range hookEvents {
		existing[cfg.Event] = mergeEvent(existing[cfg.Event], cfg.Matcher)
	}

	hooksRaw, err := json.Marshal(existing)
	if err != nil {
		return false, fmt.Errorf("marshal hooks: %w", err)
	}
	raw["hooks"] = hooksRaw

	if err := writeSettings(configDir, settingsPath, raw); err != nil {
		return false, err
	}
	hookLog.Info("hooks_installed", slog.String("config_dir", configDir))
	return true, nil
}

// Remove strips our hook entries from settings.json, leaving everything
// else untouched. Returns true when anything was removed.
func Remove(configDir string) (bool, error) {
	settingsPath := filepath.Join(configDir, "settings.json")

	data, err := os.ReadFile(settingsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read settings.json: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return false, fmt.Errorf("parse settings.json: %w", err)
	}

	existing := hooksSection(raw)
	removed := false
	for _, cfg := range hookEvents {
		entry, ok := existing[cfg.Event]
		if !ok {
			continue
		}
		cleaned, didRemove := removeFromEvent(entry)
		if didRemove {
			removed = true
			if cleaned == nil {
				delete(existing, cfg.Event)
			} else {
				existing[cfg.Event] = cleaned
			}
		}
	}
	if !removed {
		return false, nil
	}

	if len(existing) == 0 {
		delete(raw, "hooks")
	} else {
		hooksRaw, _ := json.Marshal(existing)
		raw["hooks"] = hooksRaw
	}

	if err := writeSettings(configDir, settingsPath, raw); err != nil {
		return false, err
	}
	hookLog.Info("hooks_removed", slog.String("config_dir", configDir))
	return true, nil
}

// Installed reports whether every subscribed event carries our hook.
func Installed(configDir string) bool {
	data, err := os.ReadFile(filepath.Join(configDir, "settings.json"))
	if err != nil {
		return false
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return false
	}
	return allInstalled(hooksSection(raw))
}

func hooksSection(raw map[string]json.RawMessage) map[string]json.RawMessage {
	section := make(map[string]json.RawMessage)
	if h, ok := raw["hooks"]; ok {
		// A malformed hooks key starts fresh rather than failing install.
		_ = json.Unmarshal(h, &section)
	}
	return section
}

func allInstalled(hooks map[string]json.RawMessage) bool {
	for _, cfg := range hookEvents {
		raw, ok := hooks[cfg.Event]
		if !ok || !eventHasHook(raw) {
			return false
		}
	}
	return true
}

func eventHasHook(raw json.RawMessage) bool {
	var matchers []settingsHookMatcher
	if err := json.Unmarshal(raw, &matchers); err != nil {
		return false
	}
	for _, m := range matchers {
		for _, h := range m.Hooks {
			if strings.Contains(h.Command, hookCommand) {
				return true
			}
		}
	}
	return false
}

// mergeEvent adds our hook to an event's matcher array, preserving
// existing matchers and hooks.
func mergeEvent(existing json.RawMessage, matcher string) json.RawMessage {
	var matchers []settingsHookMatcher
	if existing != nil {
		if err := json.Unmarshal(existing, &matchers); err != nil {
			matchers = nil
		}
	}

	for i, m := range matchers {
		if m.Matcher != matcher {
			continue
		}
		for _, h := range m.Hooks {
			if strings.Contains(h.Command, hookCommand) {
				out, _ := json.Marshal(matchers)
				return out
			}
		}
		matchers[i].Hooks = append(matchers[i].Hooks, monitorHook())
		out, _ := json.Marshal(matchers)
		return out
	}

	matchers = append(matchers, settingsHookMatcher{Matcher: matcher, Hooks: []settingsHookEntry{monitorHook()}})
	out, _ := json.Marshal(matchers)
	return out
}

// removeFromEvent drops our entries from one event. Returns nil JSON when
// nothing is left of the matcher array.
func removeFromEvent(raw json.RawMessage) (json.RawMessage, bool) {
	var matchers []settingsHookMatcher
	if err := json.Unmarshal(raw, &matchers); err != nil {
		return raw, false
	}

	removed := false
	var cleaned []settingsHookMatcher
	for _, m := range matchers {
		var kept []settingsHookEntry
		for _, h := range m.Hooks {
			if strings.Contains(h.Command, hookCommand) {
				removed = true
				continue
			}
			kept = append(kept, h)
		}
		if len(kept) > 0 {
			m.Hooks = kept
			cleaned = append(cleaned, m)
		}
	}
	if !removed {
		return raw, false
	}
	if len(cleaned) == 0 {
		return nil, true
	}
	out, _ := json.Marshal(cleaned)
	return out, true
}

func writeSettings(configDir, settingsPath string, raw map[string]json.RawMessage) error {
	final, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmpPath := settingsPath + ".tmp"
	if err := os.WriteFile(tmpPath, final, 0o644); err != nil {
		return fmt.Errorf("write settings.json.tmp: %w", err)
	}
	if err := os.Rename(tmpPath, settingsPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename settings.json: %w", err)
	}
	return nil
}
