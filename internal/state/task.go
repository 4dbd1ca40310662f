// Package state implements the per-task activity state machine.
//
// A Task moves through a fixed set of activity states driven by triggers
// that arrive from two producers: lifecycle hooks (discrete, high
// confidence) and the polling classifier (heuristic). The machine enforces
// the legal-transition table and rejects everything else with
// ErrIllegalTransition so callers can decide whether to retry, ignore, or
// escalate.
package state

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Activity is the classification of what a task is currently doing.
type Activity string

const (
	Idle          Activity = "idle"           // resting, no task work outstanding
	Commanded     Activity = "commanded"      // user issued a command, agent not yet working
	Processing    Activity = "processing"     // agent actively working
	AwaitingInput Activity = "awaiting_input" // agent asked a question, blocked on the user
	Complete      Activity = "complete"       // agent finished the task
)

// Valid reports whether a is one of the five known activity states.
func (a Activity) Valid() bool {
	switch a {
	case Idle, Commanded, Processing, AwaitingInput, Complete:
		return true
	}
	return false
}

// Terminal reports whether a task in this state has finished its work.
func (a Activity) Terminal() bool {
	return a == Complete
}

// Trigger is an external event that drives a task transition.
type Trigger string

const (
	TriggerUserCommand   Trigger = "user_command"
	TriggerAgentStarted  Trigger = "agent_started"
	TriggerNeedsInput    Trigger = "needs_input"
	TriggerTaskCompleted Trigger = "task_completed"
	TriggerInputProvided Trigger = "input_provided"
)

// transitions is the legal-transition table: trigger -> from -> to.
// Anything not present here is rejected.
var transitions = map[Trigger]map[Activity]Activity{
	TriggerUserCommand:   {Idle: Commanded},
	TriggerAgentStarted:  {Commanded: Processing},
	TriggerNeedsInput:    {Processing: AwaitingInput},
	TriggerTaskCompleted: {Processing: Complete},
	TriggerInputProvided: {AwaitingInput: Processing},
}

// ErrIllegalTransition is the sentinel wrapped by IllegalTransitionError.
var ErrIllegalTransition = errors.New("illegal transition")

// IllegalTransitionError reports a trigger that arrived for a state that
// does not accept it. The task is left untouched.
type IllegalTransitionError struct {
	From    Activity
	Trigger Trigger
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition: trigger %q not accepted in state %q", e.Trigger, e.From)
}

func (e *IllegalTransitionError) Unwrap() error { return ErrIllegalTransition }

// TurnType distinguishes user commands from agent responses.
type TurnType string

const (
	TurnUserCommand   TurnType = "user_command"
	TurnAgentResponse TurnType = "agent_response"
)

// TurnResult classifies an agent response turn.
type TurnResult string

const (
	ResultNone       TurnResult = ""
	ResultQuestion   TurnResult = "question"
	ResultCompletion TurnResult = "completion"
)

// Turn is one atomic exchange record within a task. Turns are append-only
// and never mutated after creation. Result is set if and only if Type is
// TurnAgentResponse.
type Turn struct {
	ID        string     `json:"id"`
	TaskID    string     `json:"task_id"`
	Type      TurnType   `json:"type"`
	Content   string     `json:"content,omitempty"`
	Result    TurnResult `json:"result,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// Task is one unit of work within an agent's lifetime: it begins when the
// user issues a command and ends when the agent completes it.
type Task struct {
	ID           string    `json:"id"`
	AgentID      string    `json:"agent_id"`
	State        Activity  `json:"state"`
	CreatedAt    time.Time `json:"created_at"`
	StartedAt    time.Time `json:"started_at,omitempty"`
	CompletedAt  time.Time `json:"completed_at,omitempty"`
	Turns        []Turn    `json:"turns,omitempty"`
	PriorityHint int       `json:"priority_hint,omitempty"`
}

// NewTask creates a task in the Idle resting state for the given agent.
func NewTask(agentID string, now time.Time) *Task {
	return &Task{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		State:     Idle,
		CreatedAt: now,
	}
}

// Apply drives the state machine with one trigger. content carries the raw
// text for user-originated triggers (the typed command or reply) and may be
// empty otherwise.
//
// Returns the resulting state and whether the task changed. A trigger not
// legal for the current state returns an IllegalTransitionError and leaves
// the task byte-for-byte identical. Re-reporting agent work while already
// Processing is an idempotent no-op, not an error: the polling classifier
// re-observes Processing on every tick.
func (t *Task) Apply(trigger Trigger, content string, now time.Time) (Activity, bool, error) {
	if t.State == Processing && trigger == TriggerAgentStarted {
		return t.State, false, nil
	}

	to, ok := transitions[trigger][t.State]
	if !ok {
		return t.State, false, &IllegalTransitionError{From: t.State, Trigger: trigger}
	}

	t.State = to

	if to == Processing && t.StartedAt.IsZero() {
		t.StartedAt = now
	}
	if to == Complete {
		t.CompletedAt = now
	}

	if turn, ok := turnForTrigger(t.ID, trigger, content, now); ok {
		t.Turns = append(t.Turns, turn)
	}

	return to, true, nil
}

// turnForTrigger builds the turn record a transition appends.
// agent_started appends none: it marks the boundary where the agent picks
// up the already-recorded command, and an agent response turn without a
// question/completion result would violate the turn invariant.
func turnForTrigger(taskID string, trigger Trigger, content string, now time.Time) (Turn, bool) {
	turn := Turn{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		Timestamp: now,
	}
	switch trigger {
	case TriggerUserCommand, TriggerInputProvided:
		turn.Type = TurnUserCommand
		turn.Content = content
	case TriggerNeedsInput:
		turn.Type = TurnAgentResponse
		turn.Content = content
		turn.Result = ResultQuestion
	case TriggerTaskCompleted:
		turn.Type = TurnAgentResponse
		turn.Content = content
		turn.Result = ResultCompletion
	default:
		return Turn{}, false
	}
	return turn, true
}

// StaleSince reports whether the task has sat in Processing or
// AwaitingInput past the given threshold. This is a read-time annotation
// for the UI and priority layers; it never mutates the task.
func (t *Task) StaleSince(threshold time.Duration, now time.Time) bool {
	if threshold <= 0 {
		return false
	}
	if t.State != Processing && t.State != AwaitingInput {
		return false
	}
	last := t.CreatedAt
	if len(t.Turns) > 0 {
		last = t.Turns[len(t.Turns)-1].Timestamp
	}
	if t.StartedAt.After(last) {
		last = t.StartedAt
	}
	return now.Sub(last) > threshold
}

// Clone returns a deep copy of the task, safe to hand to read-only
// consumers.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.Turns != nil {
		c.Turns = make([]Turn, len(t.Turns))
		copy(c.Turns, t.Turns)
	}
	return &c
}
