// Package notify turns attention-worthy task transitions into macOS
// notifications. Only transitions out of active work notify (the agent
// asked a question or finished); replayed identical transitions within a
// short window are deduplicated so flapping classifications don't spam
// the user.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/samotage/claude-monitor-sub002/internal/logging"
	"github.com/samotage/claude-monitor-sub002/internal/state"
)

var notifyLog = logging.ForComponent(logging.CompNotify)

// dedupeWindow is how long an identical transition for the same agent is
// considered a replay.
const dedupeWindow = 90 * time.Second

// Sender delivers one notification.
type Sender interface {
	Send(ctx context.Context, title, body string) error
}

// OSASender posts notifications through osascript.
type OSASender struct {
	// run is swappable for tests; defaults to exec.CommandContext.
	run func(ctx context.Context, name string, args ...string) error
}

// NewOSASender creates the macOS sender.
func NewOSASender() *OSASender {
	return &OSASender{
		run: func(ctx context.Context, name string, args ...string) error {
			return exec.CommandContext(ctx, name, args...).Run()
		},
	}
}

// Send posts one notification via `osascript -e 'display notification'`.
func (s *OSASender) Send(ctx context.Context, title, body string) error {
	script := fmt.Sprintf(`display notification "%s" with title "%s"`, escapeOSA(body), escapeOSA(title))
	if err := s.run(ctx, "osascript", "-e", script); err != nil {
		return fmt.Errorf("osascript: %w", err)
	}
	return nil
}

func escapeOSA(s string) string {
	return strings.ReplaceAll(s, `"`, `\"`)
}

type record struct {
	from state.Activity
	to   state.Activity
	at   time.Time
}

// Options tunes the notifier.
type Options struct {
	// Window overrides the dedupe window. Default 90s.
	Window time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Window <= 0 {
		o.Window = dedupeWindow
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Notifier consumes transition events and notifies on the ones that need
// the user's attention.
type Notifier struct {
	sender Sender
	opts   Options

	mu   sync.Mutex
	last map[string]record // agent id -> last notified transition
}

// New creates a notifier.
func New(sender Sender, opts Options) *Notifier {
	return &Notifier{
		sender: sender,
		opts:   opts.withDefaults(),
		last:   make(map[string]record),
	}
}

// ShouldNotify reports whether a transition warrants a notification: only
// the agent leaving active work for a state that needs the user.
func ShouldNotify(from, to state.Activity) bool {
	if from != state.Processing {
		return false
	}
	return to == state.AwaitingInput || to == state.Complete
}

// HandleEvent processes one transition. Delivery failures are logged,
// never propagated; a missed notification is not worth disturbing the
// pipeline.
func (n *Notifier) HandleEvent(ctx context.Context, ev state.TransitionEvent) {
	if !ShouldNotify(ev.From, ev.To) {
		return
	}
	if n.isDuplicate(ev) {
		notifyLog.Debug("notification_deduped",
			slog.String("agent_id", ev.AgentID),
			slog.String("to", string(ev.To)))
		return
	}

	title := "claude-monitor: " + ev.Project
	var body string
	switch ev.To {
	case state.AwaitingInput:
		body = "Agent needs your input"
	case state.Complete:
		body = "Task complete"
	}

	if err := n.sender.Send(ctx, title, body); err != nil {
		notifyLog.Warn("notification_failed",
			slog.String("agent_id", ev.AgentID),
			slog.String("error", err.Error()))
		return
	}
	n.markNotified(ev)
	notifyLog.Info("notification_sent",
		slog.String("agent_id", ev.AgentID),
		slog.String("project", ev.Project),
		slog.String("to", string(ev.To)))
}

// Run consumes events until the channel closes or ctx is cancelled.
func (n *Notifier) Run(ctx context.Context, events <-chan state.TransitionEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			n.HandleEvent(ctx, ev)
		}
	}
}

func (n *Notifier) isDuplicate(ev state.TransitionEvent) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	r, ok := n.last[ev.AgentID]
	if !ok || r.from != ev.From || r.to != ev.To {
		return false
	}
	return n.opts.Now().Sub(r.at) <= n.opts.Window
}

func (n *Notifier) markNotified(ev state.TransitionEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.last[ev.AgentID] = record{from: ev.From, to: ev.To, at: n.opts.Now()}
}
