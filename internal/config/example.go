package config

import (
	"os"
	"path/filepath"
)

const exampleConfig = `# claude-monitor configuration
# Every section is optional; missing values use the defaults shown.

[monitor]
# Seconds between capture cycles (default: 2)
# poll_interval_secs = 2
# Lines of pane scrollback per capture (default: 200)
# capture_lines = 200
# Concurrent session captures (default: 4)
# max_concurrent = 4
# Pattern set for session classification (default: "claude")
# tool = "claude"

[inference]
# Disable all LLM calls; heuristics and deterministic fallbacks still run
# enabled = false
# model = "claude-3-5-haiku-latest"
# Environment variable holding the API key (never put the key here)
# api_key_env = "ANTHROPIC_API_KEY"
# calls_per_minute = 30

[priority]
# Ranking cache lifetime in seconds (default: 30)
# interval_secs = 30
# Directory holding focus.yaml and roadmaps/ (default: the monitor dir)
# docs_dir = "~/notes/monitor"

[notify]
# enabled = false
# Seconds before the same transition notifies again (default: 90)
# window_secs = 90

[web]
# listen_addr = "127.0.0.1:8773"
# Minutes before a lingering task is annotated stalled (default: 30)
# stale_threshold_mins = 30

[logs]
# level = "info"    # debug, info, warn, error
# format = "json"   # json or text

# Pattern overrides per tool. Base fields replace the built-in lists;
# *_extra fields append. Prefix a pattern with "re:" for regex.
# [tools.claude]
# busy_patterns_extra = ["my custom busy text", "re:Working on .+"]
# waiting_patterns_extra = ["Custom prompt?"]
`

// WriteExample creates a commented example config at path if none exists.
func WriteExample(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(exampleConfig), 0o600)
}
