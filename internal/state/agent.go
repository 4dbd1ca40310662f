package state

import (
	"time"

	"github.com/google/uuid"
)

// Agent represents one monitored terminal session for a project. Agents
// are soft-deleted: Active is cleared when the session ends but the record
// and its task history are retained.
type Agent struct {
	ID        string    `json:"id"`
	Project   string    `json:"project"`
	Session   string    `json:"session"` // terminal backend session identity
	CreatedAt time.Time `json:"created_at"`
	Active    bool      `json:"active"`
	Stale     bool      `json:"stale,omitempty"` // backend unreachable, state is last-known

	// Current is the task currently owned by the agent. Nil until the
	// first user command arrives.
	Current *Task `json:"current,omitempty"`

	// Archived holds completed or abandoned tasks, oldest first.
	Archived []*Task `json:"archived,omitempty"`
}

// NewAgent creates an active agent with no task yet.
func NewAgent(project, session string, now time.Time) *Agent {
	return &Agent{
		ID:        uuid.NewString(),
		Project:   project,
		Session:   session,
		CreatedAt: now,
		Active:    true,
	}
}

// Activity returns the agent's current activity state. An agent with no
// task is Idle.
func (a *Agent) Activity() Activity {
	if a.Current == nil {
		return Idle
	}
	return a.Current.State
}

// Clone returns a deep copy of the agent, safe to hand to read-only
// consumers.
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	c := *a
	c.Current = a.Current.Clone()
	if a.Archived != nil {
		c.Archived = make([]*Task, len(a.Archived))
		for i, t := range a.Archived {
			c.Archived[i] = t.Clone()
		}
	}
	return &c
}
