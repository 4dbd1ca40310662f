// Package config loads user configuration from a TOML file under the
// claude-monitor directory. Every section is optional; a missing or empty
// file yields full defaults. Each section converts into the option struct
// of the package it tunes, so the rest of the codebase never sees TOML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/samotage/claude-monitor-sub002/internal/interpret"
	"github.com/samotage/claude-monitor-sub002/internal/logging"
	"github.com/samotage/claude-monitor-sub002/internal/monitor"
	"github.com/samotage/claude-monitor-sub002/internal/notify"
	"github.com/samotage/claude-monitor-sub002/internal/priority"
	"github.com/samotage/claude-monitor-sub002/internal/store"
	"github.com/samotage/claude-monitor-sub002/internal/web"
)

// FileName is the TOML config file inside the monitor directory.
const FileName = "config.toml"

// DirEnvVar overrides the monitor directory location.
const DirEnvVar = "CLAUDE_MONITOR_DIR"

// Dir returns the monitor directory (~/.claude-monitor by default).
func Dir() (string, error) {
	if dir := os.Getenv(DirEnvVar); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".claude-monitor"), nil
}

// Config is the root of config.toml.
type Config struct {
	// Monitor tunes the polling loop.
	Monitor MonitorSettings `toml:"monitor"`

	// Interpret tunes terminal text classification.
	Interpret InterpretSettings `toml:"interpret"`

	// Inference configures the LLM client shared by classification
	// fallback and priority ranking.
	Inference InferenceSettings `toml:"inference"`

	// Priority tunes the ranking service.
	Priority PrioritySettings `toml:"priority"`

	// Store tunes persistence cadence and hook precedence.
	Store StoreSettings `toml:"store"`

	// Notify tunes desktop notifications.
	Notify NotifySettings `toml:"notify"`

	// Web configures the dashboard API server.
	Web WebSettings `toml:"web"`

	// Logs configures the rotating debug log.
	Logs LogSettings `toml:"logs"`

	// Tools holds per-tool detection pattern overrides. Base fields
	// replace the built-in lists wholesale; *_extra fields append.
	Tools map[string]ToolPatterns `toml:"tools"`
}

// MonitorSettings tunes session polling.
type MonitorSettings struct {
	// PollIntervalSecs between capture cycles. Default: 2
	PollIntervalSecs int `toml:"poll_interval_secs"`

	// CaptureLines of pane scrollback per capture. Default: 200
	CaptureLines int `toml:"capture_lines"`

	// MaxConcurrent session captures in flight. Default: 4
	MaxConcurrent int `toml:"max_concurrent"`

	// SessionTimeoutSecs bounds one capture+classify pass. Default: 15
	SessionTimeoutSecs int `toml:"session_timeout_secs"`

	// Tool selects the default pattern set. Default: "claude"
	Tool string `toml:"tool"`
}

// InterpretSettings tunes the classification pipeline.
type InterpretSettings struct {
	// MaxTextKB caps classified text; oversized text is cut from the
	// front. Default: 256
	MaxTextKB int `toml:"max_text_kb"`

	// TailLines inspected by the pattern rules. Default: 15
	TailLines int `toml:"tail_lines"`

	// FallbackTimeoutSecs bounds the LLM fallback call. Default: 10
	FallbackTimeoutSecs int `toml:"fallback_timeout_secs"`
}

// InferenceSettings configures the Anthropic client.
type InferenceSettings struct {
	// Enabled turns LLM calls on. When false the monitor runs on
	// heuristics and deterministic fallbacks only. Default: true
	Enabled *bool `toml:"enabled"`

	// Model used for completions. Default: "claude-3-5-haiku-latest"
	Model string `toml:"model"`

	// APIKeyEnv names the environment variable holding the API key.
	// The key itself never appears in config or logs.
	// Default: "ANTHROPIC_API_KEY"
	APIKeyEnv string `toml:"api_key_env"`

	// CallsPerMinute rate-limits outbound completions. Default: 30
	CallsPerMinute int `toml:"calls_per_minute"`
}

// GetEnabled reports whether inference is on, defaulting to true.
func (i InferenceSettings) GetEnabled() bool {
	if i.Enabled == nil {
		return true
	}
	return *i.Enabled
}

// PrioritySettings tunes ranking.
type PrioritySettings struct {
	// IntervalSecs is the ranking cache lifetime. Default: 30
	IntervalSecs int `toml:"interval_secs"`

	// TimeoutSecs bounds one ranking call. Default: 20
	TimeoutSecs int `toml:"timeout_secs"`

	// Model overrides the inference model for ranking only.
	Model string `toml:"model"`

	// DocsDir holds focus.yaml and roadmaps/. Default: the monitor dir.
	DocsDir string `toml:"docs_dir"`
}

// StoreSettings tunes the agent store.
type StoreSettings struct {
	// FlushIntervalSecs between persistence snapshots. Default: 15
	FlushIntervalSecs int `toml:"flush_interval_secs"`

	// EventPrecedenceSecs is how long a hook event suppresses
	// lower-confidence text classifications. Default: 3
	EventPrecedenceSecs int `toml:"event_precedence_secs"`
}

// NotifySettings tunes desktop notifications.
type NotifySettings struct {
	// Enabled turns notifications on. Default: true
	Enabled *bool `toml:"enabled"`

	// WindowSecs suppresses repeat notifications for the same agent
	// transition. Default: 90
	WindowSecs int `toml:"window_secs"`
}

// GetEnabled reports whether notifications are on, defaulting to true.
func (n NotifySettings) GetEnabled() bool {
	if n.Enabled == nil {
		return true
	}
	return *n.Enabled
}

// WebSettings configures the API server.
type WebSettings struct {
	// ListenAddr for the dashboard API. Default: "127.0.0.1:8773"
	ListenAddr string `toml:"listen_addr"`

	// StaleThresholdMins marks tasks sitting too long in processing or
	// awaiting_input. Default: 30
	StaleThresholdMins int `toml:"stale_threshold_mins"`
}

// LogSettings configures the rotating log file.
type LogSettings struct {
	// Level: "debug", "info", "warn", "error". Default: "info"
	Level string `toml:"level"`

	// Format: "json" (default) or "text"
	Format string `toml:"format"`

	// MaxSizeMB before rotation. Default: 10
	MaxSizeMB int `toml:"max_size_mb"`

	// MaxBackups rotated files to keep. Default: 5
	MaxBackups int `toml:"max_backups"`

	// MaxAgeDays to keep rotated files. Default: 10
	MaxAgeDays int `toml:"max_age_days"`

	// Compress rotated files. Default: true
	Compress *bool `toml:"compress"`
}

// ToolPatterns carries per-tool pattern overrides and extras. Patterns
// prefixed with "re:" compile as regex; everything else matches with
// strings.Contains.
type ToolPatterns struct {
	BusyPatterns     []string `toml:"busy_patterns"`
	WaitingPatterns  []string `toml:"waiting_patterns"`
	CompletePatterns []string `toml:"complete_patterns"`
	IdlePromptGlyphs []string `toml:"idle_prompt_glyphs"`
	SpinnerChars     []string `toml:"spinner_chars"`

	BusyPatternsExtra     []string `toml:"busy_patterns_extra"`
	WaitingPatternsExtra  []string `toml:"waiting_patterns_extra"`
	CompletePatternsExtra []string `toml:"complete_patterns_extra"`
	IdlePromptGlyphsExtra []string `toml:"idle_prompt_glyphs_extra"`
	SpinnerCharsExtra     []string `toml:"spinner_chars_extra"`
}

// Load reads config.toml from path. A missing file is not an error and
// yields defaults; a malformed file is reported so the user can fix it.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return &cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return &cfg, nil
}

// MonitorConfig converts to the monitor package's config.
func (c *Config) MonitorConfig() monitor.Config {
	m := monitor.Config{
		PollInterval:   secsOr(c.Monitor.PollIntervalSecs, 2),
		CaptureLines:   intOr(c.Monitor.CaptureLines, 200),
		MaxConcurrent:  int64(intOr(c.Monitor.MaxConcurrent, 4)),
		SessionTimeout: secsOr(c.Monitor.SessionTimeoutSecs, 15),
		Tool:           c.Monitor.Tool,
	}
	if m.Tool == "" {
		m.Tool = "claude"
	}
	return m
}

// InterpretConfig converts to the interpret package's config.
func (c *Config) InterpretConfig() interpret.Config {
	return interpret.Config{
		MaxTextBytes:    intOr(c.Interpret.MaxTextKB, 256) * 1024,
		TailLines:       c.Interpret.TailLines,
		FallbackTimeout: secsOr(c.Interpret.FallbackTimeoutSecs, 10),
	}
}

// StoreOptions converts to the store package's options.
func (c *Config) StoreOptions() store.Options {
	return store.Options{
		FlushInterval:   secsOr(c.Store.FlushIntervalSecs, 15),
		EventPrecedence: secsOr(c.Store.EventPrecedenceSecs, 3),
	}
}

// PriorityOptions converts to the priority package's options.
func (c *Config) PriorityOptions() priority.Options {
	return priority.Options{
		Interval: secsOr(c.Priority.IntervalSecs, 30),
		Timeout:  secsOr(c.Priority.TimeoutSecs, 20),
		Model:    c.Priority.Model,
	}
}

// NotifyOptions converts to the notify package's options.
func (c *Config) NotifyOptions() notify.Options {
	return notify.Options{
		Window: secsOr(c.Notify.WindowSecs, 90),
	}
}

// WebConfig converts to the web package's config.
func (c *Config) WebConfig() web.Config {
	return web.Config{
		ListenAddr:     c.Web.ListenAddr,
		StaleThreshold: time.Duration(intOr(c.Web.StaleThresholdMins, 30)) * time.Minute,
	}
}

// LoggingConfig converts to the logging package's config. logDir is the
// monitor directory.
func (c *Config) LoggingConfig(logDir string) logging.Config {
	compress := true
	if c.Logs.Compress != nil {
		compress = *c.Logs.Compress
	}
	return logging.Config{
		LogDir:     logDir,
		Level:      c.Logs.Level,
		Format:     c.Logs.Format,
		MaxSizeMB:  c.Logs.MaxSizeMB,
		MaxBackups: c.Logs.MaxBackups,
		MaxAgeDays: c.Logs.MaxAgeDays,
		Compress:   compress,
	}
}

// InferenceModel returns the configured model with its default applied.
func (c *Config) InferenceModel() string {
	if c.Inference.Model != "" {
		return c.Inference.Model
	}
	return "claude-3-5-haiku-latest"
}

// InferenceAPIKey resolves the API key from the configured environment
// variable. Returns empty when unset; callers treat that as inference
// disabled.
func (c *Config) InferenceAPIKey() string {
	env := c.Inference.APIKeyEnv
	if env == "" {
		env = "ANTHROPIC_API_KEY"
	}
	return os.Getenv(env)
}

// InferenceCallsPerMinute returns the rate limit with its default applied.
func (c *Config) InferenceCallsPerMinute() int {
	return intOr(c.Inference.CallsPerMinute, 30)
}

// DocsDir returns the priority docs directory, defaulting to baseDir.
func (c *Config) DocsDir(baseDir string) string {
	if c.Priority.DocsDir != "" {
		return expandTilde(c.Priority.DocsDir)
	}
	return baseDir
}

// PatternOverrides returns per-tool replacement pattern sets from the
// [tools.*] base fields. Tools with no base fields set are omitted.
func (c *Config) PatternOverrides() map[string]*interpret.RawPatterns {
	out := make(map[string]*interpret.RawPatterns)
	for tool, tp := range c.Tools {
		if tp.BusyPatterns == nil && tp.WaitingPatterns == nil &&
			tp.CompletePatterns == nil && tp.IdlePromptGlyphs == nil &&
			tp.SpinnerChars == nil {
			continue
		}
		out[tool] = &interpret.RawPatterns{
			BusyPatterns:     tp.BusyPatterns,
			WaitingPatterns:  tp.WaitingPatterns,
			CompletePatterns: tp.CompletePatterns,
			IdlePromptGlyphs: tp.IdlePromptGlyphs,
			SpinnerChars:     tp.SpinnerChars,
		}
	}
	return out
}

// PatternExtras returns per-tool appended pattern sets from the [tools.*]
// *_extra fields.
func (c *Config) PatternExtras() map[string]*interpret.RawPatterns {
	out := make(map[string]*interpret.RawPatterns)
	for tool, tp := range c.Tools {
		if len(tp.BusyPatternsExtra) == 0 && len(tp.WaitingPatternsExtra) == 0 &&
			len(tp.CompletePatternsExtra) == 0 && len(tp.IdlePromptGlyphsExtra) == 0 &&
			len(tp.SpinnerCharsExtra) == 0 {
			continue
		}
		out[tool] = &interpret.RawPatterns{
			BusyPatterns:     tp.BusyPatternsExtra,
			WaitingPatterns:  tp.WaitingPatternsExtra,
			CompletePatterns: tp.CompletePatternsExtra,
			IdlePromptGlyphs: tp.IdlePromptGlyphsExtra,
			SpinnerChars:     tp.SpinnerCharsExtra,
		}
	}
	return out
}

func secsOr(v, def int) time.Duration {
	return time.Duration(intOr(v, def)) * time.Second
}

func intOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func expandTilde(path string) string {
	if len(path) >= 2 && path[:2] == "~/" {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
