// Package monitor drives the periodic poll cycle: list backend sessions,
// reconcile them with the agent registry, capture and classify each live
// session's output, and feed the observations into the store. One slow
// session never starves the others; per-session work is bounded by a
// semaphore and a capture timeout.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/samotage/claude-monitor-sub002/internal/interpret"
	"github.com/samotage/claude-monitor-sub002/internal/logging"
	"github.com/samotage/claude-monitor-sub002/internal/store"
	"github.com/samotage/claude-monitor-sub002/internal/term"
)

var monLog = logging.ForComponent(logging.CompMonitor)

// Config tunes the poll loop.
type Config struct {
	// PollInterval is the cycle period. Default 2s.
	PollInterval time.Duration

	// CaptureLines is how many trailing lines to capture per session.
	// Default 200.
	CaptureLines int

	// MaxConcurrent bounds simultaneous capture+classify work. Default 4.
	MaxConcurrent int64

	// SessionTimeout bounds one session's capture and classification.
	// Default 15s, covering a possible inference fallback call.
	SessionTimeout time.Duration

	// Tool selects the interpreter pattern set. Default "claude".
	Tool string
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.CaptureLines <= 0 {
		c.CaptureLines = 200
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = 15 * time.Second
	}
	if c.Tool == "" {
		c.Tool = "claude"
	}
	return c
}

// Monitor owns the poll loop.
type Monitor struct {
	backend term.Backend
	store   *store.Store
	interp  *interpret.Interpreter
	cfg     Config
	sem     *semaphore.Weighted
}

// New wires a monitor.
func New(backend term.Backend, st *store.Store, in *interpret.Interpreter, cfg Config) *Monitor {
	cfg = cfg.withDefaults()
	return &Monitor{
		backend: backend,
		store:   st,
		interp:  in,
		cfg:     cfg,
		sem:     semaphore.NewWeighted(cfg.MaxConcurrent),
	}
}

// Run polls until ctx is cancelled. The cycle in flight finishes before
// Run returns, so shutdown never tears a half-applied reconciliation.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	m.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick runs one full poll cycle.
func (m *Monitor) Tick(ctx context.Context) {
	sessions, err := m.backend.ListSessions(ctx)
	if err != nil {
		// Whole backend down: every agent keeps its last-known state,
		// flagged stale. Isolation per agent does not apply here.
		monLog.Warn("list_sessions_failed", slog.String("error", err.Error()))
		for _, id := range m.store.ActiveSessions() {
			_ = m.store.SetStale(id, true)
		}
		return
	}

	live := make(map[string]bool, len(sessions))
	for _, s := range sessions {
		live[s] = true
	}

	// New sessions become agents; vanished sessions are retired.
	registered := m.store.ActiveSessions()
	for session := range live {
		if _, ok := registered[session]; !ok {
			m.store.GetOrCreateAgent(projectFromSession(session), session)
		}
	}
	for session, id := range registered {
		if !live[session] {
			if err := m.store.MarkInactive(id); err != nil {
				monLog.Warn("retire_failed",
					slog.String("agent_id", id),
					slog.String("error", err.Error()))
			}
		}
	}

	var wg sync.WaitGroup
	for session, id := range m.store.ActiveSessions() {
		if !live[session] {
			continue
		}
		if err := m.sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(session, id string) {
			defer wg.Done()
			defer m.sem.Release(1)
			m.classify(ctx, session, id)
		}(session, id)
	}
	wg.Wait()
}

// classify captures one session and applies the resulting observation.
// Every failure path keeps the prior state: capture errors flag the agent
// stale, inconclusive classification is simply dropped.
func (m *Monitor) classify(ctx context.Context, session, id string) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.SessionTimeout)
	defer cancel()

	text, err := m.backend.CaptureOutput(ctx, session, m.cfg.CaptureLines)
	if err != nil {
		monLog.Warn("capture_failed",
			slog.String("session", session),
			slog.String("error", err.Error()))
		_ = m.store.SetStale(id, true)
		return
	}
	_ = m.store.SetStale(id, false)

	agent, err := m.store.Get(id)
	if err != nil {
		return
	}

	cls, err := m.interp.Interpret(ctx, interpret.Input{
		Text:  text,
		Tool:  m.cfg.Tool,
		Prior: agent.Activity(),
	})
	if err != nil {
		if !errors.Is(err, interpret.ErrUnavailable) {
			monLog.Warn("classify_failed",
				slog.String("session", session),
				slog.String("error", err.Error()))
		}
		return
	}

	if err := m.store.ApplyObserved(id, cls); err != nil {
		monLog.Warn("observation_rejected",
			slog.String("session", session),
			slog.String("state", string(cls.State)),
			slog.String("error", err.Error()))
	}
}

func projectFromSession(session string) string {
	return strings.TrimPrefix(session, term.SessionPrefix)
}
