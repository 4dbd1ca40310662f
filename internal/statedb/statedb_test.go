package statedb

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samotage/claude-monitor-sub002/internal/state"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Migrate())
	require.NoError(t, db.Migrate())
}

func TestSaveLoadRoundTrip(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()

	agent := state.NewAgent("api-server", "cmon_api", now)
	task := state.NewTask(agent.ID, now)
	_, _, err := task.Apply(state.TriggerUserCommand, "add rate limiting", now)
	require.NoError(t, err)
	_, _, err = task.Apply(state.TriggerAgentStarted, "", now.Add(time.Second))
	require.NoError(t, err)
	_, _, err = task.Apply(state.TriggerNeedsInput, "which endpoint?", now.Add(2*time.Second))
	require.NoError(t, err)
	agent.Current = task

	done := state.NewTask(agent.ID, now.Add(-time.Hour))
	_, _, err = done.Apply(state.TriggerUserCommand, "write docs", now.Add(-time.Hour))
	require.NoError(t, err)
	_, _, err = done.Apply(state.TriggerAgentStarted, "", now.Add(-59*time.Minute))
	require.NoError(t, err)
	_, _, err = done.Apply(state.TriggerTaskCompleted, "docs written", now.Add(-50*time.Minute))
	require.NoError(t, err)
	agent.Archived = []*state.Task{done}

	inactive := state.NewAgent("web-ui", "cmon_web", now.Add(-2*time.Hour))
	inactive.Active = false
	inactive.Stale = true

	require.NoError(t, db.SaveAgents([]*state.Agent{agent, inactive}))

	loaded, err := db.LoadAgents()
	require.NoError(t, err)
	require.Len(t, loaded, 2)

	byID := map[string]*state.Agent{}
	for _, a := range loaded {
		byID[a.ID] = a
	}

	got := byID[agent.ID]
	require.NotNil(t, got)
	assert.Equal(t, "api-server", got.Project)
	assert.Equal(t, "cmon_api", got.Session)
	assert.True(t, got.Active)
	assert.True(t, got.CreatedAt.Equal(agent.CreatedAt))

	require.NotNil(t, got.Current)
	assert.Equal(t, task.ID, got.Current.ID)
	assert.Equal(t, state.AwaitingInput, got.Current.State)
	assert.True(t, got.Current.StartedAt.Equal(task.StartedAt))

	// Turn history is order-preserving and complete.
	require.Len(t, got.Current.Turns, 2)
	assert.Equal(t, "add rate limiting", got.Current.Turns[0].Content)
	assert.Equal(t, state.TurnUserCommand, got.Current.Turns[0].Type)
	assert.Equal(t, state.ResultQuestion, got.Current.Turns[1].Result)

	require.Len(t, got.Archived, 1)
	assert.Equal(t, done.ID, got.Archived[0].ID)
	assert.Equal(t, state.Complete, got.Archived[0].State)
	assert.True(t, got.Archived[0].CompletedAt.Equal(done.CompletedAt))

	gotInactive := byID[inactive.ID]
	require.NotNil(t, gotInactive)
	assert.False(t, gotInactive.Active)
	assert.True(t, gotInactive.Stale)
	assert.Nil(t, gotInactive.Current)
}

func TestSaveReplacesPreviousSnapshot(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()

	a1 := state.NewAgent("one", "cmon_one", now)
	a2 := state.NewAgent("two", "cmon_two", now)
	require.NoError(t, db.SaveAgents([]*state.Agent{a1, a2}))

	require.NoError(t, db.SaveAgents([]*state.Agent{a1}))
	loaded, err := db.LoadAgents()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, a1.ID, loaded[0].ID)
}

func TestIsEmpty(t *testing.T) {
	db := openTestDB(t)

	empty, err := db.IsEmpty()
	require.NoError(t, err)
	assert.True(t, empty)

	require.NoError(t, db.SaveAgents([]*state.Agent{state.NewAgent("p", "s", time.Now())}))
	empty, err = db.IsEmpty()
	require.NoError(t, err)
	assert.False(t, empty)
}

func TestLoadFromEmptyDatabase(t *testing.T) {
	db := openTestDB(t)
	agents, err := db.LoadAgents()
	require.NoError(t, err)
	assert.Empty(t, agents)
}
