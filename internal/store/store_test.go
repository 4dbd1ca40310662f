package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samotage/claude-monitor-sub002/internal/interpret"
	"github.com/samotage/claude-monitor-sub002/internal/state"
	"github.com/samotage/claude-monitor-sub002/internal/statedb"
)

func newTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	return New(nil, state.NewBus(), opts)
}

func heuristic(s state.Activity) interpret.Classification {
	return interpret.Classification{State: s, Confidence: interpret.ConfidenceHigh, Source: interpret.SourceHeuristic}
}

func TestGetOrCreateAgentIsIdempotent(t *testing.T) {
	s := newTestStore(t, Options{})

	a := s.GetOrCreateAgent("api", "cmon_api")
	b := s.GetOrCreateAgent("api", "cmon_api")
	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, state.Idle, b.Activity())

	c := s.GetOrCreateAgent("web", "cmon_web")
	assert.NotEqual(t, a.ID, c.ID)
}

func TestApplyTriggerFullTaskLifecycle(t *testing.T) {
	s := newTestStore(t, Options{})
	a := s.GetOrCreateAgent("api", "cmon_api")

	require.NoError(t, s.ApplyTrigger(a.ID, state.TriggerUserCommand, "fix the bug", OriginHook))
	require.NoError(t, s.ApplyTrigger(a.ID, state.TriggerAgentStarted, "", OriginHook))
	require.NoError(t, s.ApplyTrigger(a.ID, state.TriggerTaskCompleted, "fixed", OriginHook))

	got, err := s.Get(a.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Current)
	assert.Equal(t, state.Complete, got.Current.State)
	require.Len(t, got.Current.Turns, 2)

	// Next command archives the finished task and starts a fresh one.
	require.NoError(t, s.ApplyTrigger(a.ID, state.TriggerUserCommand, "now add tests", OriginHook))
	got, err = s.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, state.Commanded, got.Current.State)
	require.Len(t, got.Archived, 1)
	assert.Equal(t, state.Complete, got.Archived[0].State)
}

func TestApplyTriggerIllegalIsSurfaced(t *testing.T) {
	s := newTestStore(t, Options{})
	a := s.GetOrCreateAgent("api", "cmon_api")

	// No task yet: only a user command is accepted.
	err := s.ApplyTrigger(a.ID, state.TriggerNeedsInput, "", OriginObserved)
	assert.ErrorIs(t, err, state.ErrIllegalTransition)

	require.NoError(t, s.ApplyTrigger(a.ID, state.TriggerUserCommand, "go", OriginHook))
	err = s.ApplyTrigger(a.ID, state.TriggerInputProvided, "", OriginHook)
	assert.ErrorIs(t, err, state.ErrIllegalTransition)

	got, err := s.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, state.Commanded, got.Current.State)
	assert.Len(t, got.Current.Turns, 1)
}

func TestApplyTriggerUnknownAgent(t *testing.T) {
	s := newTestStore(t, Options{})
	err := s.ApplyTrigger("nope", state.TriggerUserCommand, "x", OriginHook)
	assert.ErrorIs(t, err, ErrUnknownAgent)
}

func TestApplyObservedSynthesizesPath(t *testing.T) {
	s := newTestStore(t, Options{})
	a := s.GetOrCreateAgent("api", "cmon_api")

	// Idle agent observed processing: the command was typed before we
	// started watching. Both boundary triggers are synthesized.
	require.NoError(t, s.ApplyObserved(a.ID, heuristic(state.Processing)))
	got, err := s.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, state.Processing, got.Current.State)
	assert.False(t, got.Current.StartedAt.IsZero())

	require.NoError(t, s.ApplyObserved(a.ID, heuristic(state.AwaitingInput)))
	got, _ = s.Get(a.ID)
	assert.Equal(t, state.AwaitingInput, got.Current.State)

	// Prompt back to idle: input answered and work finished off-screen.
	require.NoError(t, s.ApplyObserved(a.ID, heuristic(state.Idle)))
	got, _ = s.Get(a.ID)
	assert.Equal(t, state.Complete, got.Current.State)
}

func TestApplyObservedSameStateIsNoop(t *testing.T) {
	s := newTestStore(t, Options{})
	a := s.GetOrCreateAgent("api", "cmon_api")

	require.NoError(t, s.ApplyObserved(a.ID, heuristic(state.Processing)))
	got, _ := s.Get(a.ID)
	turns := len(got.Current.Turns)

	// Re-observing processing on every poll tick must not append turns.
	require.NoError(t, s.ApplyObserved(a.ID, heuristic(state.Processing)))
	require.NoError(t, s.ApplyObserved(a.ID, heuristic(state.Processing)))
	got, _ = s.Get(a.ID)
	assert.Equal(t, state.Processing, got.Current.State)
	assert.Len(t, got.Current.Turns, turns)
}

func TestApplyObservedArchivesCompletedTask(t *testing.T) {
	s := newTestStore(t, Options{})
	a := s.GetOrCreateAgent("api", "cmon_api")

	require.NoError(t, s.ApplyTrigger(a.ID, state.TriggerUserCommand, "task", OriginHook))
	require.NoError(t, s.ApplyTrigger(a.ID, state.TriggerAgentStarted, "", OriginHook))
	require.NoError(t, s.ApplyTrigger(a.ID, state.TriggerTaskCompleted, "done", OriginHook))

	// Observed idle after completion closes the task boundary.
	require.NoError(t, s.ApplyObserved(a.ID, interpret.Classification{
		State: state.Idle, Source: interpret.SourceEvent,
	}))

	got, _ := s.Get(a.ID)
	assert.Nil(t, got.Current)
	require.Len(t, got.Archived, 1)
	assert.Equal(t, state.Complete, got.Archived[0].State)
	assert.Equal(t, state.Idle, got.Activity())
}

func TestHookPrecedenceSuppressesHeuristics(t *testing.T) {
	now := time.Now()
	s := newTestStore(t, Options{
		EventPrecedence: 3 * time.Second,
		Now:             func() time.Time { return now },
	})
	a := s.GetOrCreateAgent("api", "cmon_api")

	require.NoError(t, s.ApplyTrigger(a.ID, state.TriggerUserCommand, "go", OriginHook))

	// A heuristic read of the same screen within the window is dropped.
	require.NoError(t, s.ApplyObserved(a.ID, heuristic(state.Idle)))
	got, _ := s.Get(a.ID)
	assert.Equal(t, state.Commanded, got.Current.State)

	// Event-sourced observations are not suppressed.
	require.NoError(t, s.ApplyObserved(a.ID, interpret.Classification{
		State: state.Processing, Source: interpret.SourceEvent,
	}))
	got, _ = s.Get(a.ID)
	assert.Equal(t, state.Processing, got.Current.State)

	// After the window expires heuristics apply again.
	now = now.Add(5 * time.Second)
	require.NoError(t, s.ApplyObserved(a.ID, heuristic(state.AwaitingInput)))
	got, _ = s.Get(a.ID)
	assert.Equal(t, state.AwaitingInput, got.Current.State)
}

func TestApplyObservedUnreachableIsIgnored(t *testing.T) {
	s := newTestStore(t, Options{})
	a := s.GetOrCreateAgent("api", "cmon_api")

	require.NoError(t, s.ApplyTrigger(a.ID, state.TriggerUserCommand, "go", OriginHook))
	require.NoError(t, s.ApplyTrigger(a.ID, state.TriggerAgentStarted, "", OriginHook))

	// Processing back to commanded has no legal path; stale text is
	// ignored rather than coerced.
	require.NoError(t, s.ApplyObserved(a.ID, interpret.Classification{
		State: state.Commanded, Source: interpret.SourceEvent,
	}))
	got, _ := s.Get(a.ID)
	assert.Equal(t, state.Processing, got.Current.State)
}

func TestMarkInactiveReleasesSession(t *testing.T) {
	s := newTestStore(t, Options{})
	a := s.GetOrCreateAgent("api", "cmon_api")
	require.NoError(t, s.ApplyTrigger(a.ID, state.TriggerUserCommand, "go", OriginHook))

	require.NoError(t, s.MarkInactive(a.ID))

	got, err := s.Get(a.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)
	assert.Nil(t, got.Current)
	assert.Len(t, got.Archived, 1)

	// The session identity is free for a new agent.
	b := s.GetOrCreateAgent("api", "cmon_api")
	assert.NotEqual(t, a.ID, b.ID)
}

func TestSnapshotIsDeepCopyAndOrdered(t *testing.T) {
	s := newTestStore(t, Options{})
	s.GetOrCreateAgent("zeta", "cmon_z")
	a := s.GetOrCreateAgent("alpha", "cmon_a")
	require.NoError(t, s.ApplyTrigger(a.ID, state.TriggerUserCommand, "go", OriginHook))

	snap := s.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "alpha", snap[0].Project)
	assert.Equal(t, "zeta", snap[1].Project)

	// Mutating the snapshot must not leak into the store.
	snap[0].Current.State = state.Complete
	snap[0].Current.Turns[0].Content = "tampered"
	got, _ := s.Get(a.ID)
	assert.Equal(t, state.Commanded, got.Current.State)
	assert.Equal(t, "go", got.Current.Turns[0].Content)
}

func TestTransitionsArePublished(t *testing.T) {
	bus := state.NewBus()
	s := New(nil, bus, Options{})
	ch, cancel := bus.Subscribe()
	defer cancel()

	a := s.GetOrCreateAgent("api", "cmon_api")
	require.NoError(t, s.ApplyTrigger(a.ID, state.TriggerUserCommand, "go", OriginHook))

	select {
	case ev := <-ch:
		assert.Equal(t, a.ID, ev.AgentID)
		assert.Equal(t, state.Idle, ev.From)
		assert.Equal(t, state.Commanded, ev.To)
		assert.Equal(t, state.TriggerUserCommand, ev.Trigger)
	case <-time.After(time.Second):
		t.Fatal("no transition event published")
	}
}

func TestConcurrentTriggersAcrossAgents(t *testing.T) {
	s := newTestStore(t, Options{})
	var ids []string
	for _, p := range []string{"a", "b", "c", "d"} {
		ids = append(ids, s.GetOrCreateAgent(p, "cmon_"+p).ID)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = s.ApplyTrigger(id, state.TriggerUserCommand, "cmd", OriginHook)
				_ = s.ApplyTrigger(id, state.TriggerAgentStarted, "", OriginHook)
				_ = s.ApplyTrigger(id, state.TriggerTaskCompleted, "done", OriginHook)
				_ = s.Snapshot()
			}
		}(id)
	}
	wg.Wait()

	for _, id := range ids {
		got, err := s.Get(id)
		require.NoError(t, err)
		// 50 complete cycles: one current complete task, 49 archived.
		assert.Equal(t, state.Complete, got.Current.State)
		assert.Len(t, got.Archived, 49)
	}
}

func TestFlushAndLoadRoundTrip(t *testing.T) {
	db, err := statedb.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	defer db.Close()

	s := New(db, nil, Options{})
	a := s.GetOrCreateAgent("api", "cmon_api")
	require.NoError(t, s.ApplyTrigger(a.ID, state.TriggerUserCommand, "go", OriginHook))
	require.NoError(t, s.ApplyTrigger(a.ID, state.TriggerAgentStarted, "", OriginHook))
	require.NoError(t, s.Flush())

	reloaded := New(db, nil, Options{})
	require.NoError(t, reloaded.Load())
	got, err := reloaded.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, state.Processing, got.Current.State)
	assert.Len(t, got.Current.Turns, 1)

	// Session identity survives the restart.
	same := reloaded.GetOrCreateAgent("api", "cmon_api")
	assert.Equal(t, a.ID, same.ID)
}

func TestFlushKeepsMidSaveMutationDirty(t *testing.T) {
	s := newTestStore(t, Options{})
	a := s.GetOrCreateAgent("api", "cmon_api")
	require.NoError(t, s.ApplyTrigger(a.ID, state.TriggerUserCommand, "go", OriginHook))

	var snapshots [][]*state.Agent
	s.save = func(agents []*state.Agent) error {
		snapshots = append(snapshots, agents)
		if len(snapshots) == 1 {
			// Lands while the first save is still in flight.
			require.NoError(t, s.ApplyTrigger(a.ID, state.TriggerAgentStarted, "", OriginHook))
		}
		return nil
	}

	require.NoError(t, s.Flush())
	require.Len(t, snapshots, 1)
	assert.True(t, s.dirty.Load(), "mid-save mutation must re-mark the store")

	// The next flush carries the transition the first save raced with.
	require.NoError(t, s.Flush())
	require.Len(t, snapshots, 2)
	assert.Equal(t, state.Processing, snapshots[1][0].Current.State)

	require.NoError(t, s.Flush())
	assert.Len(t, snapshots, 2)
}

func TestFlushFailureStaysDirtyForRetry(t *testing.T) {
	s := newTestStore(t, Options{})
	a := s.GetOrCreateAgent("api", "cmon_api")
	require.NoError(t, s.ApplyTrigger(a.ID, state.TriggerUserCommand, "go", OriginHook))

	calls := 0
	s.save = func([]*state.Agent) error {
		calls++
		if calls == 1 {
			return errors.New("disk full")
		}
		return nil
	}

	require.ErrorIs(t, s.Flush(), ErrPersistence)
	require.NoError(t, s.Flush())
	assert.Equal(t, 2, calls)
}

func TestRunFinalFlushOnCancel(t *testing.T) {
	db, err := statedb.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	defer db.Close()

	s := New(db, nil, Options{FlushInterval: time.Hour})
	s.GetOrCreateAgent("api", "cmon_api")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}

	empty, err := db.IsEmpty()
	require.NoError(t, err)
	assert.False(t, empty)
}
