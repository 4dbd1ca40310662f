package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/samotage/claude-monitor-sub002/internal/state"
)

type fakeSender struct {
	mu     sync.Mutex
	sent   []string
	err    error
	titles []string
}

func (f *fakeSender) Send(ctx context.Context, title, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.titles = append(f.titles, title)
	f.sent = append(f.sent, body)
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func transition(agentID string, from, to state.Activity) state.TransitionEvent {
	return state.TransitionEvent{
		AgentID:   agentID,
		Project:   "api",
		From:      from,
		To:        to,
		Timestamp: time.Now(),
	}
}

func TestShouldNotify(t *testing.T) {
	tests := []struct {
		from, to state.Activity
		want     bool
	}{
		{state.Processing, state.AwaitingInput, true},
		{state.Processing, state.Complete, true},
		{state.Idle, state.Commanded, false},
		{state.Commanded, state.Processing, false},
		{state.AwaitingInput, state.Processing, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ShouldNotify(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestHandleEventSendsForAttentionTransitions(t *testing.T) {
	sender := &fakeSender{}
	n := New(sender, Options{})

	n.HandleEvent(context.Background(), transition("a1", state.Processing, state.AwaitingInput))
	assert.Equal(t, 1, sender.count())
	assert.Equal(t, "claude-monitor: api", sender.titles[0])
	assert.Equal(t, "Agent needs your input", sender.sent[0])

	n.HandleEvent(context.Background(), transition("a1", state.Commanded, state.Processing))
	assert.Equal(t, 1, sender.count())
}

func TestDuplicateTransitionWithinWindowIsDropped(t *testing.T) {
	now := time.Now()
	sender := &fakeSender{}
	n := New(sender, Options{Window: 90 * time.Second, Now: func() time.Time { return now }})

	ev := transition("a1", state.Processing, state.Complete)
	n.HandleEvent(context.Background(), ev)
	n.HandleEvent(context.Background(), ev)
	assert.Equal(t, 1, sender.count())

	// Outside the window the same transition notifies again.
	now = now.Add(2 * time.Minute)
	n.HandleEvent(context.Background(), ev)
	assert.Equal(t, 2, sender.count())
}

func TestDifferentTransitionIsNotDeduped(t *testing.T) {
	sender := &fakeSender{}
	n := New(sender, Options{})

	n.HandleEvent(context.Background(), transition("a1", state.Processing, state.AwaitingInput))
	n.HandleEvent(context.Background(), transition("a1", state.Processing, state.Complete))
	assert.Equal(t, 2, sender.count())
}

func TestDedupeIsPerAgent(t *testing.T) {
	sender := &fakeSender{}
	n := New(sender, Options{})

	n.HandleEvent(context.Background(), transition("a1", state.Processing, state.Complete))
	n.HandleEvent(context.Background(), transition("a2", state.Processing, state.Complete))
	assert.Equal(t, 2, sender.count())
}

func TestSendFailureDoesNotMarkNotified(t *testing.T) {
	sender := &fakeSender{err: errors.New("osascript missing")}
	n := New(sender, Options{})

	ev := transition("a1", state.Processing, state.Complete)
	n.HandleEvent(context.Background(), ev)

	// Delivery recovers: the retry is not treated as a duplicate.
	sender.mu.Lock()
	sender.err = nil
	sender.mu.Unlock()
	n.HandleEvent(context.Background(), ev)
	assert.Equal(t, 1, sender.count())
}

func TestRunConsumesBusEvents(t *testing.T) {
	sender := &fakeSender{}
	n := New(sender, Options{})
	bus := state.NewBus()
	ch, cancel := bus.Subscribe()
	defer cancel()

	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		n.Run(ctx, ch)
		close(done)
	}()

	bus.Publish(transition("a1", state.Processing, state.AwaitingInput))
	assert.Eventually(t, func() bool { return sender.count() == 1 }, time.Second, 10*time.Millisecond)

	stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}

func TestOSASenderEscapesQuotes(t *testing.T) {
	var gotArgs []string
	s := &OSASender{run: func(ctx context.Context, name string, args ...string) error {
		gotArgs = append([]string{name}, args...)
		return nil
	}}

	assert.NoError(t, s.Send(context.Background(), `claude-monitor: "api"`, `needs "input"`))
	assert.Equal(t, "osascript", gotArgs[0])
	assert.Contains(t, gotArgs[2], `\"input\"`)
}
