package hooks

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samotage/claude-monitor-sub002/internal/state"
	"github.com/samotage/claude-monitor-sub002/internal/store"
)

func newDispatcher() (*Dispatcher, *store.Store) {
	st := store.New(nil, state.NewBus(), store.Options{})
	return NewDispatcher(st), st
}

func agentFor(t *testing.T, st *store.Store, session string) *state.Agent {
	t.Helper()
	id, ok := st.AgentIDForSession(session)
	require.True(t, ok)
	agent, err := st.Get(id)
	require.NoError(t, err)
	return agent
}

func TestDispatchSessionStartRegistersAgent(t *testing.T) {
	d, st := newDispatcher()
	d.Dispatch(Event{Session: "cmon_api", Event: "SessionStart", CWD: "/home/me/api"})

	agent := agentFor(t, st, "cmon_api")
	assert.Equal(t, "api", agent.Project)
	assert.Equal(t, state.Idle, agent.Activity())
}

func TestDispatchPromptSubmitStartsTask(t *testing.T) {
	d, st := newDispatcher()
	d.Dispatch(Event{Session: "cmon_api", Event: "UserPromptSubmit", CWD: "/home/me/api", Prompt: "add caching"})

	agent := agentFor(t, st, "cmon_api")
	require.NotNil(t, agent.Current)
	assert.Equal(t, state.Processing, agent.Activity())
	require.NotEmpty(t, agent.Current.Turns)
	assert.Equal(t, "add caching", agent.Current.Turns[0].Content)
}

func TestDispatchPromptSubmitAnswersQuestion(t *testing.T) {
	d, st := newDispatcher()
	d.Dispatch(Event{Session: "cmon_api", Event: "UserPromptSubmit", CWD: "/home/me/api", Prompt: "go"})
	d.Dispatch(Event{Session: "cmon_api", Event: "Notification", CWD: "/home/me/api", Prompt: "allow edit?"})
	require.Equal(t, state.AwaitingInput, agentFor(t, st, "cmon_api").Activity())

	d.Dispatch(Event{Session: "cmon_api", Event: "UserPromptSubmit", CWD: "/home/me/api", Prompt: "yes"})

	agent := agentFor(t, st, "cmon_api")
	assert.Equal(t, state.Processing, agent.Activity())
	// The reply is recorded as a user turn, not a new task.
	assert.Empty(t, agent.Archived)
	last := agent.Current.Turns[len(agent.Current.Turns)-1]
	assert.Equal(t, state.TurnUserCommand, last.Type)
	assert.Equal(t, "yes", last.Content)
}

func TestDispatchStopCompletesTask(t *testing.T) {
	d, st := newDispatcher()
	d.Dispatch(Event{Session: "cmon_api", Event: "UserPromptSubmit", CWD: "/home/me/api", Prompt: "go"})
	d.Dispatch(Event{Session: "cmon_api", Event: "Stop", CWD: "/home/me/api"})

	agent := agentFor(t, st, "cmon_api")
	assert.Equal(t, state.Complete, agent.Activity())
	assert.False(t, agent.Current.CompletedAt.IsZero())
}

func TestDispatchStopWhileAwaitingIsDropped(t *testing.T) {
	d, st := newDispatcher()
	d.Dispatch(Event{Session: "cmon_api", Event: "UserPromptSubmit", CWD: "/home/me/api", Prompt: "go"})
	d.Dispatch(Event{Session: "cmon_api", Event: "Notification", CWD: "/home/me/api", Prompt: "which file?"})

	// Stop arriving after the question must not fake a completion.
	d.Dispatch(Event{Session: "cmon_api", Event: "Stop", CWD: "/home/me/api"})

	agent := agentFor(t, st, "cmon_api")
	assert.Equal(t, state.AwaitingInput, agent.Activity())
}

func TestDispatchSessionEndMarksInactive(t *testing.T) {
	d, st := newDispatcher()
	d.Dispatch(Event{Session: "cmon_api", Event: "SessionStart", CWD: "/home/me/api"})
	d.Dispatch(Event{Session: "cmon_api", Event: "SessionEnd", CWD: "/home/me/api"})

	_, ok := st.AgentIDForSession("cmon_api")
	assert.False(t, ok)
	snap := st.Snapshot()
	require.Len(t, snap, 1)
	assert.False(t, snap[0].Active)
}

func TestDispatchProjectFallsBackToSessionName(t *testing.T) {
	d, st := newDispatcher()
	d.Dispatch(Event{Session: "cmon_widgets", Event: "SessionStart"})

	agent := agentFor(t, st, "cmon_widgets")
	assert.Equal(t, "widgets", agent.Project)
}

func TestRunConsumesChannel(t *testing.T) {
	d, st := newDispatcher()
	ch := make(chan Event, 2)
	ch <- Event{Session: "cmon_a", Event: "SessionStart", CWD: "/x/a"}
	ch <- Event{Session: "cmon_a", Event: "UserPromptSubmit", CWD: "/x/a", Prompt: "go"}
	close(ch)

	done := make(chan struct{})
	go func() {
		d.Run(ch)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not drain the channel")
	}

	assert.Equal(t, state.Processing, agentFor(t, st, "cmon_a").Activity())
}
