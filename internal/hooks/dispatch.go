package hooks

import (
	"errors"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/samotage/claude-monitor-sub002/internal/state"
	"github.com/samotage/claude-monitor-sub002/internal/store"
	"github.com/samotage/claude-monitor-sub002/internal/term"
)

// Dispatcher translates lifecycle events into state-machine triggers and
// applies them through the store as hook-origin, so they take precedence
// over heuristic classifications.
type Dispatcher struct {
	store *store.Store
}

// NewDispatcher wires a dispatcher to the store.
func NewDispatcher(st *store.Store) *Dispatcher {
	return &Dispatcher{store: st}
}

// Dispatch applies one event. Triggers that are illegal for the agent's
// current state are logged and dropped: hook delivery can race the
// polling classifier, and a stale event must not corrupt the task.
func (d *Dispatcher) Dispatch(ev Event) {
	project := eventProject(ev)
	agent := d.store.GetOrCreateAgent(project, ev.Session)

	switch ev.Event {
	case "SessionStart":
		// Registration above is the whole effect.

	case "UserPromptSubmit":
		// A submitted prompt is either a fresh command or the answer to a
		// pending question; either way the agent starts working on it.
		if agent.Activity() == state.AwaitingInput {
			d.apply(agent.ID, state.TriggerInputProvided, ev.Prompt)
		} else {
			d.apply(agent.ID, state.TriggerUserCommand, ev.Prompt)
			d.apply(agent.ID, state.TriggerAgentStarted, "")
		}

	case "Notification":
		d.apply(agent.ID, state.TriggerNeedsInput, ev.Prompt)

	case "Stop":
		// Stop while commanded means the work started and finished between
		// observations.
		if agent.Activity() == state.Commanded {
			d.apply(agent.ID, state.TriggerAgentStarted, "")
		}
		d.apply(agent.ID, state.TriggerTaskCompleted, "")

	case "SessionEnd":
		if err := d.store.MarkInactive(agent.ID); err != nil {
			hookLog.Warn("mark_inactive_failed",
				slog.String("agent_id", agent.ID),
				slog.String("error", err.Error()))
		}

	default:
		hookLog.Debug("event_unhandled", slog.String("event", ev.Event))
	}
}

// Run consumes watcher events until the channel closes.
func (d *Dispatcher) Run(events <-chan Event) {
	for ev := range events {
		d.Dispatch(ev)
	}
}

func (d *Dispatcher) apply(agentID string, trigger state.Trigger, content string) {
	err := d.store.ApplyTrigger(agentID, trigger, content, store.OriginHook)
	if err == nil {
		return
	}
	if errors.Is(err, state.ErrIllegalTransition) {
		hookLog.Debug("event_trigger_rejected",
			slog.String("agent_id", agentID),
			slog.String("trigger", string(trigger)),
			slog.String("error", err.Error()))
		return
	}
	hookLog.Warn("event_trigger_failed",
		slog.String("agent_id", agentID),
		slog.String("trigger", string(trigger)),
		slog.String("error", err.Error()))
}

// eventProject derives the project name for an event: the basename of the
// working directory when present, else the session identity without the
// backend prefix.
func eventProject(ev Event) string {
	if ev.CWD != "" {
		return filepath.Base(ev.CWD)
	}
	return strings.TrimPrefix(ev.Session, term.SessionPrefix)
}
