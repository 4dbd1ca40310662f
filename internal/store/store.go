// Package store owns the authoritative in-memory agent registry. All
// mutation flows through here: triggers are serialized per agent so a
// hook-delivered event and a poll-cycle classification cannot race into an
// out-of-order transition, while different agents proceed in parallel.
// Reads get deep copies, never internal pointers.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samotage/claude-monitor-sub002/internal/interpret"
	"github.com/samotage/claude-monitor-sub002/internal/logging"
	"github.com/samotage/claude-monitor-sub002/internal/state"
	"github.com/samotage/claude-monitor-sub002/internal/statedb"
)

var storeLog = logging.ForComponent(logging.CompStore)

// ErrUnknownAgent is returned for operations on an agent id that was never
// registered.
var ErrUnknownAgent = errors.New("unknown agent")

// ErrPersistence wraps flush failures. The in-memory store keeps serving;
// the flush is retried on the next interval.
var ErrPersistence = errors.New("persistence failed")

// Origin says which producer delivered a trigger. Hook-sourced triggers are
// discrete and high confidence; they take precedence over heuristic
// classifications observed shortly after.
type Origin string

const (
	OriginHook     Origin = "hook"
	OriginObserved Origin = "observed"
)

// Options tunes the store.
type Options struct {
	// FlushInterval is how often dirty state is written to the database.
	// Default 15s.
	FlushInterval time.Duration

	// EventPrecedence is how long a hook-sourced trigger suppresses
	// conflicting heuristic classifications for the same agent. Default 3s.
	EventPrecedence time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.FlushInterval <= 0 {
		o.FlushInterval = 15 * time.Second
	}
	if o.EventPrecedence <= 0 {
		o.EventPrecedence = 3 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// entry pairs an agent with its serialization lock.
type entry struct {
	mu          sync.Mutex
	agent       *state.Agent
	lastEventAt time.Time // last hook-sourced trigger
}

// Store is the authoritative agent registry.
type Store struct {
	mu        sync.RWMutex
	agents    map[string]*entry
	bySession map[string]string // active session identity -> agent id

	bus   *state.Bus
	db    *statedb.DB // nil disables persistence
	save  func([]*state.Agent) error
	opts  Options
	dirty atomic.Bool
}

// New creates an empty store. db may be nil for memory-only operation; bus
// may be nil when nothing subscribes.
func New(db *statedb.DB, bus *state.Bus, opts Options) *Store {
	s := &Store{
		agents:    make(map[string]*entry),
		bySession: make(map[string]string),
		bus:       bus,
		db:        db,
		opts:      opts.withDefaults(),
	}
	if db != nil {
		s.save = db.SaveAgents
	}
	return s
}

// Load repopulates the store from the database. Call once at startup,
// before any writers run.
func (s *Store) Load() error {
	if s.db == nil {
		return nil
	}
	agents, err := s.db.LoadAgents()
	if err != nil {
		return fmt.Errorf("load agents: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range agents {
		s.agents[a.ID] = &entry{agent: a}
		if a.Active {
			s.bySession[a.Session] = a.ID
		}
	}
	storeLog.Info("store_loaded", slog.Int("agents", len(agents)))
	return nil
}

// GetOrCreateAgent returns the agent registered for the session identity,
// creating an idle one if none exists. Idempotent. The returned agent is a
// copy.
func (s *Store) GetOrCreateAgent(project, session string) *state.Agent {
	s.mu.Lock()
	var existing *entry
	if id, ok := s.bySession[session]; ok {
		existing = s.agents[id]
	}
	if existing == nil {
		agent := state.NewAgent(project, session, s.opts.Now())
		snapshot := agent.Clone()
		s.agents[agent.ID] = &entry{agent: agent}
		s.bySession[session] = agent.ID
		s.mu.Unlock()
		s.dirty.Store(true)
		storeLog.Info("agent_created",
			slog.String("agent_id", agent.ID),
			slog.String("project", project),
			slog.String("session", session))
		return snapshot
	}
	s.mu.Unlock()

	// MarkInactive takes the entry lock before the registry lock; never
	// lock an entry while holding the registry lock.
	existing.mu.Lock()
	defer existing.mu.Unlock()
	return existing.agent.Clone()
}

// Get returns a copy of the agent, or ErrUnknownAgent.
func (s *Store) Get(agentID string) (*state.Agent, error) {
	e := s.entry(agentID)
	if e == nil {
		return nil, ErrUnknownAgent
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.agent.Clone(), nil
}

// AgentIDForSession resolves an active session identity to its agent id.
func (s *Store) AgentIDForSession(session string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.bySession[session]
	return id, ok
}

// ApplyTrigger drives the agent's current task with one trigger. A
// user_command arriving while the current task is finished (or absent)
// starts a fresh task, archiving the old one. Illegal transitions are
// returned to the caller and leave the task untouched.
func (s *Store) ApplyTrigger(agentID string, trigger state.Trigger, content string, origin Origin) error {
	e := s.entry(agentID)
	if e == nil {
		return ErrUnknownAgent
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return s.applyLocked(e, trigger, content, origin)
}

// applyLocked applies one trigger with e.mu held.
func (s *Store) applyLocked(e *entry, trigger state.Trigger, content string, origin Origin) error {
	agent := e.agent
	now := s.opts.Now()

	// A new command is a task boundary when the previous task is done.
	if trigger == state.TriggerUserCommand {
		if agent.Current != nil && agent.Current.State.Terminal() {
			agent.Archived = append(agent.Archived, agent.Current)
			agent.Current = nil
		}
		if agent.Current == nil {
			agent.Current = state.NewTask(agent.ID, now)
		}
	}
	if agent.Current == nil {
		return &state.IllegalTransitionError{From: state.Idle, Trigger: trigger}
	}

	from := agent.Current.State
	to, changed, err := agent.Current.Apply(trigger, content, now)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	if origin == OriginHook {
		e.lastEventAt = now
	}
	s.dirty.Store(true)

	storeLog.Debug("transition_applied",
		slog.String("agent_id", agent.ID),
		slog.String("trigger", string(trigger)),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.String("origin", string(origin)))

	if s.bus != nil {
		s.bus.Publish(state.TransitionEvent{
			AgentID:   agent.ID,
			Project:   agent.Project,
			TaskID:    agent.Current.ID,
			Trigger:   trigger,
			From:      from,
			To:        to,
			Timestamp: now,
		})
	}
	return nil
}

// ApplyObserved reconciles a classifier result against the agent's tracked
// state, synthesizing the trigger sequence that walks the task from where
// it is to where the terminal says it is. Observations that arrive shortly
// after a hook-sourced trigger are dropped: discrete events outrank text
// heuristics.
func (s *Store) ApplyObserved(agentID string, cls interpret.Classification) error {
	e := s.entry(agentID)
	if e == nil {
		return ErrUnknownAgent
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	now := s.opts.Now()
	if cls.Source != interpret.SourceEvent && now.Sub(e.lastEventAt) < s.opts.EventPrecedence {
		storeLog.Debug("observation_suppressed",
			slog.String("agent_id", agentID),
			slog.String("observed", string(cls.State)))
		return nil
	}

	agent := e.agent
	from := agent.Activity()
	to := cls.State
	if from == to {
		return nil
	}

	// A finished task boundary: the observation belongs to whatever comes
	// next, so archive first and reconcile from the resting state.
	if from == state.Complete {
		agent.Archived = append(agent.Archived, agent.Current)
		agent.Current = nil
		s.dirty.Store(true)
		from = state.Idle
		if to == state.Idle {
			return nil
		}
	}

	path := triggersTowards(from, to)
	if path == nil {
		storeLog.Debug("observation_unreachable",
			slog.String("agent_id", agentID),
			slog.String("from", string(from)),
			slog.String("to", string(to)))
		return nil
	}
	for _, trigger := range path {
		if err := s.applyLocked(e, trigger, "", OriginObserved); err != nil {
			return err
		}
	}
	return nil
}

// triggersTowards returns the legal trigger sequence from one observed
// activity state to another, or nil when no forward path exists (stale or
// contradictory text; the observation is ignored rather than coerced).
func triggersTowards(from, to state.Activity) []state.Trigger {
	switch from {
	case state.Idle:
		switch to {
		case state.Commanded:
			return []state.Trigger{state.TriggerUserCommand}
		case state.Processing:
			return []state.Trigger{state.TriggerUserCommand, state.TriggerAgentStarted}
		case state.AwaitingInput:
			return []state.Trigger{state.TriggerUserCommand, state.TriggerAgentStarted, state.TriggerNeedsInput}
		}
	case state.Commanded:
		switch to {
		case state.Processing:
			return []state.Trigger{state.TriggerAgentStarted}
		case state.AwaitingInput:
			return []state.Trigger{state.TriggerAgentStarted, state.TriggerNeedsInput}
		case state.Complete:
			return []state.Trigger{state.TriggerAgentStarted, state.TriggerTaskCompleted}
		}
	case state.Processing:
		switch to {
		case state.AwaitingInput:
			return []state.Trigger{state.TriggerNeedsInput}
		case state.Complete, state.Idle:
			// A bare prompt after processing means the work ended even if
			// no completion text survived on screen.
			return []state.Trigger{state.TriggerTaskCompleted}
		}
	case state.AwaitingInput:
		switch to {
		case state.Processing:
			return []state.Trigger{state.TriggerInputProvided}
		case state.Complete, state.Idle:
			return []state.Trigger{state.TriggerInputProvided, state.TriggerTaskCompleted}
		}
	}
	return nil
}

// MarkInactive soft-deletes the agent: its session mapping is released and
// the current task archived, but history is retained.
func (s *Store) MarkInactive(agentID string) error {
	e := s.entry(agentID)
	if e == nil {
		return ErrUnknownAgent
	}

	e.mu.Lock()
	agent := e.agent
	if agent.Current != nil {
		agent.Archived = append(agent.Archived, agent.Current)
		agent.Current = nil
	}
	agent.Active = false
	session := agent.Session
	e.mu.Unlock()

	s.mu.Lock()
	if s.bySession[session] == agentID {
		delete(s.bySession, session)
	}
	s.mu.Unlock()

	s.dirty.Store(true)
	storeLog.Info("agent_inactive", slog.String("agent_id", agentID))
	return nil
}

// SetStale flags the agent as unreachable (state is last-known) or clears
// the flag when the backend recovers.
func (s *Store) SetStale(agentID string, stale bool) error {
	e := s.entry(agentID)
	if e == nil {
		return ErrUnknownAgent
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.agent.Stale != stale {
		e.agent.Stale = stale
		s.dirty.Store(true)
	}
	return nil
}

// Snapshot returns a consistent deep copy of all agents, ordered by
// project then creation time. Safe to hand to any reader; mutating the
// result does not touch the store.
func (s *Store) Snapshot() []*state.Agent {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.agents))
	for _, e := range s.agents {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	agents := make([]*state.Agent, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		agents = append(agents, e.agent.Clone())
		e.mu.Unlock()
	}
	sort.Slice(agents, func(i, j int) bool {
		if agents[i].Project != agents[j].Project {
			return agents[i].Project < agents[j].Project
		}
		return agents[i].CreatedAt.Before(agents[j].CreatedAt)
	})
	return agents
}

// ActiveSessions returns the session identities currently registered.
func (s *Store) ActiveSessions() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.bySession))
	for session, id := range s.bySession {
		out[session] = id
	}
	return out
}

// Flush writes the current snapshot to the database if anything changed
// since the last successful flush. The dirty flag is cleared before the
// snapshot is taken: a mutation landing while the save is in flight
// re-marks the store and is picked up by the next flush instead of being
// erased by this one.
func (s *Store) Flush() error {
	if s.save == nil || !s.dirty.CompareAndSwap(true, false) {
		return nil
	}
	if err := s.save(s.Snapshot()); err != nil {
		s.dirty.Store(true)
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}

// Run flushes on an interval until ctx is cancelled, then performs a final
// flush. Flush failures are logged and retried next interval; they never
// stop the loop.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := s.Flush(); err != nil {
				storeLog.Error("final_flush_failed", slog.String("error", err.Error()))
			}
			return
		case <-ticker.C:
			if err := s.Flush(); err != nil {
				storeLog.Warn("flush_failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (s *Store) entry(agentID string) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.agents[agentID]
}
