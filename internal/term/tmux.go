package term

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/samotage/claude-monitor-sub002/internal/logging"
)

var termLog = logging.ForComponent(logging.CompTerm)

// SessionPrefix marks tmux sessions managed by claude-monitor.
const SessionPrefix = "cmon_"

// captureTimeout bounds a single tmux subprocess call so one hung server
// cannot stall the whole poll cycle.
const captureTimeout = 5 * time.Second

// TmuxBackend drives tmux via subprocess. A list-sessions cache is
// refreshed once per poll tick so per-session existence checks do not each
// spawn a subprocess.
type TmuxBackend struct {
	prefix string

	cacheMu   sync.RWMutex
	sessions  map[string]bool
	cachedAt  time.Time
	cacheTTL  time.Duration
}

// NewTmuxBackend creates a backend filtering on the given session name
// prefix. An empty prefix monitors every tmux session.
func NewTmuxBackend(prefix string) *TmuxBackend {
	return &TmuxBackend{
		prefix:   prefix,
		sessions: make(map[string]bool),
		cacheTTL: time.Second,
	}
}

// IsAvailable reports whether a tmux server is reachable.
func (b *TmuxBackend) IsAvailable(ctx context.Context) bool {
	cmd := exec.CommandContext(ctx, "tmux", "list-sessions")
	return cmd.Run() == nil
}

// ListSessions returns the monitored tmux session names, refreshing the
// cache with a single list-sessions call.
func (b *TmuxBackend) ListSessions(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, captureTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "tmux", "list-sessions", "-F", "#{session_name}")
	output, err := cmd.Output()
	if err != nil {
		// No server running reports an error too; either way the backend
		// has nothing to offer right now.
		b.cacheMu.Lock()
		b.sessions = make(map[string]bool)
		b.cachedAt = time.Now()
		b.cacheMu.Unlock()
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("list-sessions: %w", ErrCaptureTimeout)
		}
		return nil, fmt.Errorf("list-sessions: %w", ErrBackendUnavailable)
	}

	var names []string
	cache := make(map[string]bool)
	for _, line := range strings.Split(strings.TrimSpace(string(output)), "\n") {
		name := strings.TrimSpace(line)
		if name == "" {
			continue
		}
		if b.prefix != "" && !strings.HasPrefix(name, b.prefix) {
			continue
		}
		names = append(names, name)
		cache[name] = true
	}

	b.cacheMu.Lock()
	b.sessions = cache
	b.cachedAt = time.Now()
	b.cacheMu.Unlock()

	return names, nil
}

// SessionExists answers from the tick cache when fresh, avoiding a
// subprocess per session.
func (b *TmuxBackend) SessionExists(ctx context.Context, session string) bool {
	b.cacheMu.RLock()
	fresh := time.Since(b.cachedAt) < b.cacheTTL
	exists := b.sessions[session]
	b.cacheMu.RUnlock()
	if fresh {
		return exists
	}

	if _, err := b.ListSessions(ctx); err != nil {
		return false
	}
	b.cacheMu.RLock()
	defer b.cacheMu.RUnlock()
	return b.sessions[session]
}

// CaptureOutput captures the last maxLines of pane content, ANSI-stripped.
func (b *TmuxBackend) CaptureOutput(ctx context.Context, session string, maxLines int) (string, error) {
	if maxLines <= 0 {
		maxLines = 200
	}
	ctx, cancel := context.WithTimeout(ctx, captureTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "tmux", "capture-pane", "-p",
		"-t", session,
		"-S", fmt.Sprintf("-%d", maxLines))
	output, err := cmd.Output()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			termLog.Warn("capture_timeout", slog.String("session", session))
			return "", fmt.Errorf("capture-pane %s: %w", session, ErrCaptureTimeout)
		}
		return "", fmt.Errorf("capture-pane %s: %w", session, ErrBackendUnavailable)
	}

	return StripANSI(string(output)), nil
}

// SendText types text into the session and presses Enter. The text is sent
// as a literal so tmux does not interpret key names inside it.
func (b *TmuxBackend) SendText(ctx context.Context, session string, text string) error {
	ctx, cancel := context.WithTimeout(ctx, captureTimeout)
	defer cancel()

	if err := exec.CommandContext(ctx, "tmux", "send-keys", "-t", session, "-l", text).Run(); err != nil {
		return fmt.Errorf("send-keys %s: %w", session, ErrBackendUnavailable)
	}
	// Enter is sent separately: with -l the keystroke would be typed as
	// the five characters E-n-t-e-r.
	if err := exec.CommandContext(ctx, "tmux", "send-keys", "-t", session, "Enter").Run(); err != nil {
		return fmt.Errorf("send-keys %s: %w", session, ErrBackendUnavailable)
	}
	return nil
}
