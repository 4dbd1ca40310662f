// Package interpret classifies captured terminal text into task activity
// states. Classification is a two-stage pipeline: an ordered list of fast
// pattern rules first, then a single bounded LLM fallback call when the
// rules are inconclusive. The pattern lists churn release to release as
// agent CLIs change their UI, so they are data, not code: defaults per
// tool, replaceable and extendable from configuration.
package interpret

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/samotage/claude-monitor-sub002/internal/logging"
)

var interpLog = logging.ForComponent(logging.CompInterpret)

// RawPatterns holds string-form detection patterns before compilation.
// Entries prefixed with "re:" compile as regex; everything else matches
// with strings.Contains.
type RawPatterns struct {
	// BusyPatterns indicate the agent is actively working.
	BusyPatterns []string `toml:"busy_patterns"`

	// WaitingPatterns indicate the agent is blocked on the user
	// (permission dialogs, y/n prompts, question UIs).
	WaitingPatterns []string `toml:"waiting_patterns"`

	// CompletePatterns indicate the agent just finished a task. They only
	// count when an input prompt is also visible.
	CompletePatterns []string `toml:"complete_patterns"`

	// IdlePromptGlyphs are bare input-prompt lines (e.g. "❯") whose
	// presence as the trailing line means nothing is happening.
	IdlePromptGlyphs []string `toml:"idle_prompt_glyphs"`

	// SpinnerChars are progress spinner characters; any of them in the
	// trailing lines means actively working.
	SpinnerChars []string `toml:"spinner_chars"`
}

// Patterns holds the compiled, ready-to-use rules for one tool.
type Patterns struct {
	BusyStrings     []string
	BusyRegexps     []*regexp.Regexp
	WaitingStrings  []string
	WaitingRegexps  []*regexp.Regexp
	CompleteStrings []string
	IdleGlyphs      []string
	SpinnerChars    []string
}

// DefaultRawPatterns returns the built-in detection patterns for a known
// tool name. Returns nil for unknown tools.
func DefaultRawPatterns(tool string) *RawPatterns {
	switch strings.ToLower(tool) {
	case "claude":
		return &RawPatterns{
			BusyPatterns: []string{
				`re:(?m)^[✳✽✶✻✢·]\s*.+…`, // spinner + ellipsis status line
				"ctrl+c to interrupt",
				"esc to interrupt",
			},
			WaitingPatterns: []string{
				"No, and tell Claude what to do differently",
				"Yes, allow once",
				"Yes, allow always",
				"Do you trust the files in this folder?",
				"│ Do you want",
				"│ Would you like",
				"❯ Yes",
				"❯ No",
				"Use arrow keys to navigate",
				"Press Enter to select",
				"proceed? [y/n]",
				"(Y/n)", "(y/N)", "[Y/n]", "[y/N]",
				"press enter to continue",
				"Continue?", "Proceed?",
				"Approve this plan?",
			},
			CompletePatterns: []string{
				"Task completed",
				"Done!",
				"What would you like",
				"Anything else",
				"Let me know if",
			},
			IdlePromptGlyphs: []string{">", "❯"},
			SpinnerChars: []string{
				"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏",
				"✳", "✽", "✶", "✢",
			},
		}
	case "codex":
		return &RawPatterns{
			BusyPatterns:     []string{"ctrl+c to interrupt", "esc to interrupt"},
			WaitingPatterns:  []string{"Continue?", "(Y/n)", "[y/N]"},
			IdlePromptGlyphs: []string{"codex>", ">"},
		}
	case "gemini":
		return &RawPatterns{
			BusyPatterns:     []string{"esc to cancel"},
			WaitingPatterns:  []string{"Yes, allow once", "Type your message"},
			IdlePromptGlyphs: []string{"gemini>", ">"},
		}
	case "shell":
		return &RawPatterns{
			WaitingPatterns:  []string{"(Y/n)", "[Y/n]", "(y/N)", "[y/N]", "(yes/no)", "Continue?", "Proceed?"},
			IdlePromptGlyphs: []string{"$", "#", "%", "❯", "➜", ">"},
		}
	default:
		return nil
	}
}

// Merge layers overrides and extras over defaults. A non-nil field in
// overrides replaces the default list wholesale (even when empty); extras
// append. Any argument may be nil.
func Merge(defaults, overrides, extras *RawPatterns) *RawPatterns {
	out := &RawPatterns{}
	if defaults != nil {
		out.BusyPatterns = copyStrings(defaults.BusyPatterns)
		out.WaitingPatterns = copyStrings(defaults.WaitingPatterns)
		out.CompletePatterns = copyStrings(defaults.CompletePatterns)
		out.IdlePromptGlyphs = copyStrings(defaults.IdlePromptGlyphs)
		out.SpinnerChars = copyStrings(defaults.SpinnerChars)
	}
	if overrides != nil {
		if overrides.BusyPatterns != nil {
			out.BusyPatterns = copyStrings(overrides.BusyPatterns)
		}
		if overrides.WaitingPatterns != nil {
			out.WaitingPatterns = copyStrings(overrides.WaitingPatterns)
		}
		if overrides.CompletePatterns != nil {
			out.CompletePatterns = copyStrings(overrides.CompletePatterns)
		}
		if overrides.IdlePromptGlyphs != nil {
			out.IdlePromptGlyphs = copyStrings(overrides.IdlePromptGlyphs)
		}
		if overrides.SpinnerChars != nil {
			out.SpinnerChars = copyStrings(overrides.SpinnerChars)
		}
	}
	if extras != nil {
		out.BusyPatterns = append(out.BusyPatterns, extras.BusyPatterns...)
		out.WaitingPatterns = append(out.WaitingPatterns, extras.WaitingPatterns...)
		out.CompletePatterns = append(out.CompletePatterns, extras.CompletePatterns...)
		out.IdlePromptGlyphs = append(out.IdlePromptGlyphs, extras.IdlePromptGlyphs...)
		out.SpinnerChars = append(out.SpinnerChars, extras.SpinnerChars...)
	}
	return out
}

// Compile turns raw patterns into matchable form. Invalid regex entries
// are logged and skipped rather than failing the whole set.
func Compile(raw *RawPatterns) (*Patterns, error) {
	if raw == nil {
		return nil, fmt.Errorf("nil RawPatterns")
	}
	p := &Patterns{
		CompleteStrings: copyStrings(raw.CompletePatterns),
		IdleGlyphs:      copyStrings(raw.IdlePromptGlyphs),
		SpinnerChars:    copyStrings(raw.SpinnerChars),
	}
	p.BusyStrings, p.BusyRegexps = splitCompile(raw.BusyPatterns, "busy")
	p.WaitingStrings, p.WaitingRegexps = splitCompile(raw.WaitingPatterns, "waiting")
	return p, nil
}

func splitCompile(patterns []string, kind string) ([]string, []*regexp.Regexp) {
	var strs []string
	var regexps []*regexp.Regexp
	for _, pat := range patterns {
		if !strings.HasPrefix(pat, "re:") {
			strs = append(strs, pat)
			continue
		}
		re, err := regexp.Compile(pat[3:])
		if err != nil {
			interpLog.Warn("invalid_pattern_regex",
				slog.String("kind", kind),
				slog.String("pattern", pat),
				slog.String("error", err.Error()))
			continue
		}
		regexps = append(regexps, re)
	}
	return strs, regexps
}

func copyStrings(s []string) []string {
	if s == nil {
		return nil
	}
	c := make([]string, len(s))
	copy(c, s)
	return c
}
