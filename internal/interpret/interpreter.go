package interpret

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/samotage/claude-monitor-sub002/internal/inference"
	"github.com/samotage/claude-monitor-sub002/internal/state"
)

// ErrUnavailable indicates no confident classification could be produced:
// heuristics were inconclusive and the inference fallback failed, timed
// out, or is not configured. Callers retain the prior state. Stale state
// is preferred over a wrong transition.
var ErrUnavailable = errors.New("classification unavailable")

// Confidence indicates how much weight a classification carries against
// other signals.
type Confidence string

const (
	ConfidenceHigh Confidence = "high" // pattern rule or discrete event
	ConfidenceLow  Confidence = "low"  // inference fallback
)

// Source records which pipeline stage produced a classification.
type Source string

const (
	SourceHeuristic Source = "heuristic"
	SourceEvent     Source = "event"
	SourceInference Source = "inference"
)

// Hint is a recent discrete event observed out-of-band (hook-sourced).
// Hook events carry higher confidence than text heuristics.
type Hint string

const (
	HintNone          Hint = ""
	HintUserSubmitted Hint = "user_submitted" // user pressed Enter on a prompt
)

// Input is one classification request.
type Input struct {
	// Text is the raw captured terminal text. Oversized text is
	// truncated from the front before classification.
	Text string

	// Tool selects the pattern set (claude, codex, gemini, shell).
	Tool string

	// Prior is the task's current state, if known.
	Prior state.Activity

	// Hint is an optional recent discrete event.
	Hint Hint
}

// Classification is a confident interpretation of terminal text.
type Classification struct {
	State      state.Activity
	Confidence Confidence
	Source     Source
}

// Config tunes the interpreter.
type Config struct {
	// MaxTextBytes caps classified text; content over the cap is cut from
	// the front (the tail is what matters). Default 256KB.
	MaxTextBytes int

	// TailLines is how many trailing non-blank lines the rules inspect.
	// Default 15.
	TailLines int

	// FallbackTimeout bounds the inference fallback call. Default 10s.
	FallbackTimeout time.Duration

	// Model overrides the inference client's default model.
	Model string
}

func (c Config) withDefaults() Config {
	if c.MaxTextBytes <= 0 {
		c.MaxTextBytes = 256 * 1024
	}
	if c.TailLines <= 0 {
		c.TailLines = 15
	}
	if c.FallbackTimeout <= 0 {
		c.FallbackTimeout = 10 * time.Second
	}
	return c
}

// Interpreter classifies terminal text. client may be nil, in which case
// inconclusive heuristics return ErrUnavailable immediately.
type Interpreter struct {
	cfg      Config
	patterns map[string]*Patterns // tool -> compiled rules
	client   inference.Client
}

// New builds an interpreter with compiled per-tool patterns. overrides and
// extras come from user configuration, keyed by tool name.
func New(cfg Config, overrides, extras map[string]*RawPatterns, client inference.Client) *Interpreter {
	in := &Interpreter{
		cfg:      cfg.withDefaults(),
		patterns: make(map[string]*Patterns),
		client:   client,
	}
	for _, tool := range []string{"claude", "codex", "gemini", "shell"} {
		raw := Merge(DefaultRawPatterns(tool), overrides[tool], extras[tool])
		compiled, err := Compile(raw)
		if err != nil {
			continue
		}
		in.patterns[tool] = compiled
	}
	// Tools that only appear in overrides still get a pattern set.
	for tool, raw := range overrides {
		if _, ok := in.patterns[tool]; !ok {
			if compiled, err := Compile(Merge(nil, raw, extras[tool])); err == nil {
				in.patterns[tool] = compiled
			}
		}
	}
	return in
}

// Interpret classifies one capture. The fast pattern rules run first; if
// they are inconclusive a single inference call (purpose detect_state) is
// attempted with a hard timeout. Any failure on that path returns
// ErrUnavailable and the caller keeps the prior state.
func (in *Interpreter) Interpret(ctx context.Context, input Input) (Classification, error) {
	text := truncateFront(input.Text, in.cfg.MaxTextBytes)

	if c, ok := in.heuristic(text, input); ok {
		return c, nil
	}

	// A fresh hook-sourced event resolves what the text alone cannot.
	if input.Hint == HintUserSubmitted {
		return Classification{State: state.Commanded, Confidence: ConfidenceHigh, Source: SourceEvent}, nil
	}

	if in.client == nil {
		return Classification{}, ErrUnavailable
	}
	return in.fallback(ctx, text, input)
}

// heuristic applies the ordered pattern rules. Busy indicators are checked
// before waiting indicators: agent TUIs keep their input chrome visible
// while working, so "waiting" markers alone are not trustworthy.
func (in *Interpreter) heuristic(text string, input Input) (Classification, bool) {
	p := in.patterns[strings.ToLower(input.Tool)]
	if p == nil {
		p = in.patterns["shell"]
	}
	if p == nil {
		return Classification{}, false
	}

	tail := tailLines(text, in.cfg.TailLines)
	tailJoined := strings.Join(tail, "\n")
	tailLower := strings.ToLower(tailJoined)

	high := func(s state.Activity) (Classification, bool) {
		return Classification{State: s, Confidence: ConfidenceHigh, Source: SourceHeuristic}, true
	}

	// 1. Busy indicators -> processing.
	for _, s := range p.BusyStrings {
		if strings.Contains(tailLower, strings.ToLower(s)) {
			return high(state.Processing)
		}
	}
	for _, re := range p.BusyRegexps {
		if re.MatchString(tailJoined) {
			return high(state.Processing)
		}
	}
	for _, line := range tail {
		if isBorderLine(line) {
			continue
		}
		for _, spin := range p.SpinnerChars {
			if strings.Contains(line, spin) {
				return high(state.Processing)
			}
		}
	}

	// 2. Waiting indicators -> awaiting_input.
	for _, s := range p.WaitingStrings {
		if strings.Contains(tailJoined, s) {
			return high(state.AwaitingInput)
		}
	}
	for _, re := range p.WaitingRegexps {
		if re.MatchString(tailJoined) {
			return high(state.AwaitingInput)
		}
	}

	// 3. Completion indicators + a visible input prompt -> complete.
	promptVisible := trailingPromptGlyph(tail, p.IdleGlyphs)
	if promptVisible {
		for _, s := range p.CompleteStrings {
			if strings.Contains(tailLower, strings.ToLower(s)) {
				return high(state.Complete)
			}
		}
	}

	// 4. Bare trailing prompt -> idle.
	if promptVisible {
		return high(state.Idle)
	}

	return Classification{}, false
}

// fallback issues the single detect_state inference call with only the
// tail of the capture.
func (in *Interpreter) fallback(ctx context.Context, text string, input Input) (Classification, error) {
	tail := tailLines(text, 40)
	prompt := buildDetectPrompt(strings.Join(tail, "\n"), input.Prior)

	answer, err := in.client.Complete(ctx, inference.Request{
		Prompt:  prompt,
		Model:   in.cfg.Model,
		Purpose: inference.PurposeDetectState,
		Timeout: in.cfg.FallbackTimeout,
	})
	if err != nil {
		interpLog.Warn("detect_state_failed", slog.String("error", err.Error()))
		return Classification{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	activity, ok := parseActivityAnswer(answer)
	if !ok {
		interpLog.Warn("detect_state_unparseable", slog.String("answer", clip(answer, 120)))
		return Classification{}, ErrUnavailable
	}
	return Classification{State: activity, Confidence: ConfidenceLow, Source: SourceInference}, nil
}

func buildDetectPrompt(tail string, prior state.Activity) string {
	var b strings.Builder
	b.WriteString("You are classifying the activity state of a coding-agent terminal session.\n")
	b.WriteString("Answer with exactly one word from: idle, commanded, processing, awaiting_input, complete.\n")
	if prior.Valid() {
		fmt.Fprintf(&b, "The previous state was %q.\n", prior)
	}
	b.WriteString("Terminal output (most recent last):\n---\n")
	b.WriteString(tail)
	b.WriteString("\n---\nState:")
	return b.String()
}

// parseActivityAnswer maps a model answer onto the activity enum. Accepts
// surrounding prose as long as exactly one state name appears.
func parseActivityAnswer(answer string) (state.Activity, bool) {
	cleaned := strings.ToLower(strings.TrimSpace(answer))
	cleaned = strings.Trim(cleaned, "\"'.`")
	if a := state.Activity(cleaned); a.Valid() {
		return a, true
	}

	var found state.Activity
	count := 0
	for _, a := range []state.Activity{state.AwaitingInput, state.Processing, state.Commanded, state.Complete, state.Idle} {
		if strings.Contains(cleaned, string(a)) {
			found = a
			count++
		}
	}
	// "complete" is a substring of nothing here, but "idle" could appear
	// inside prose; require an unambiguous single mention.
	if count == 1 {
		return found, true
	}
	return "", false
}

// tailLines returns up to n trailing non-blank lines, oldest first.
func tailLines(text string, n int) []string {
	lines := strings.Split(text, "\n")
	var out []string
	for i := len(lines) - 1; i >= 0 && len(out) < n; i-- {
		if strings.TrimSpace(lines[i]) == "" {
			continue
		}
		out = append([]string{lines[i]}, out...)
	}
	return out
}

// trailingPromptGlyph reports whether one of the last few lines is a bare
// input prompt. Claude Code renders its status bar after the prompt, so
// the last line alone is not enough.
func trailingPromptGlyph(tail []string, glyphs []string) bool {
	check := tail
	if len(check) > 5 {
		check = check[len(check)-5:]
	}
	for _, line := range check {
		trimmed := strings.TrimSpace(strings.ReplaceAll(line, "\u00a0", " "))
		for _, g := range glyphs {
			if trimmed == g || trimmed == g+" " {
				return true
			}
			// Prompt with a typed-but-unsent fragment still means input
			// is wanted.
			if strings.HasPrefix(trimmed, g+" ") && len(trimmed) < 100 {
				return true
			}
		}
	}

	// Multi-char prompts (codex>, gemini>) usually end the last line
	// rather than standing alone.
	if len(tail) > 0 {
		last := strings.TrimSpace(tail[len(tail)-1])
		for _, g := range glyphs {
			if len(g) > 1 && strings.HasSuffix(last, g) {
				return true
			}
		}
	}
	return false
}

// isBorderLine reports whether a line starts with box-drawing chrome; the
// spinner check skips those to avoid matching UI borders.
func isBorderLine(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return false
	}
	switch []rune(trimmed)[0] {
	case '│', '├', '└', '─', '┌', '┐', '┘', '┤', '┬', '┴', '┼', '╭', '╰', '╮', '╯':
		return true
	}
	return false
}

// truncateFront keeps the last max bytes of text, cutting at a line
// boundary when possible.
func truncateFront(text string, max int) string {
	if len(text) <= max {
		return text
	}
	cut := text[len(text)-max:]
	if nl := strings.IndexByte(cut, '\n'); nl >= 0 && nl < len(cut)-1 {
		cut = cut[nl+1:]
	}
	return cut
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
