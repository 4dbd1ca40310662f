// Package priority ranks active sessions for "what should I look at
// next". One LLM call aggregates focus, roadmaps, and live activity into
// scored rankings; every failure path degrades to a deterministic ordering
// rather than leaving the caller without one.
//
// Rankings are cached per polling interval. When a fresh ranking is
// computed while any session is still processing it is held as pending and
// the previously served ordering keeps being returned, so session order
// does not jitter mid-task. Promotion of the pending ranking is an
// explicit step; checking cache validity never mutates anything.
package priority

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/samotage/claude-monitor-sub002/internal/inference"
	"github.com/samotage/claude-monitor-sub002/internal/logging"
	"github.com/samotage/claude-monitor-sub002/internal/state"
)

var prioLog = logging.ForComponent(logging.CompPriority)

// Ranking is one scored session in the ordered result.
type Ranking struct {
	SessionID string `json:"session_id"`
	Project   string `json:"project"`
	Score     int    `json:"score"` // 0-100
	Rationale string `json:"rationale"`
}

// Result is what callers receive from Rank. Rankings are ordered highest
// priority first and are the caller's to keep.
type Result struct {
	Rankings   []Ranking `json:"rankings"`
	ComputedAt time.Time `json:"computed_at"`

	// SoftTransitionPending is true while a newer ranking exists but is
	// withheld until no session is processing.
	SoftTransitionPending bool `json:"soft_transition_pending"`

	// CacheHit is true when the response was served from cache.
	CacheHit bool `json:"cache_hit"`

	// Fallback is true when the served ranking came from the
	// deterministic ordering instead of the model.
	Fallback bool `json:"fallback"`
}

// Snapshotter provides a point-in-time copy of all agents.
type Snapshotter interface {
	Snapshot() []*state.Agent
}

// Options tunes the service.
type Options struct {
	// Interval is how long a computed ranking stays valid. Default 30s.
	Interval time.Duration

	// Model overrides the inference client's default model.
	Model string

	// Timeout bounds the prioritize call. Default 20s.
	Timeout time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 30 * time.Second
	}
	if o.Timeout <= 0 {
		o.Timeout = 20 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type cacheEntry struct {
	rankings   []Ranking
	computedAt time.Time
	fallback   bool
}

// Service computes and caches session rankings. client may be nil, in
// which case every ranking is the deterministic fallback.
type Service struct {
	store  Snapshotter
	client inference.Client
	docs   *Docs
	opts   Options

	mu      sync.Mutex
	current *cacheEntry
	pending *cacheEntry

	group singleflight.Group
}

// New creates the service. docs may be nil when no context directory is
// configured.
func New(store Snapshotter, client inference.Client, docs *Docs, opts Options) *Service {
	return &Service{store: store, client: client, docs: docs, opts: opts.withDefaults()}
}

// Rank returns the current ordering. refresh forces a recomputation even
// when the cache is still valid. Never returns an empty ordering while
// active sessions exist: inference failure degrades to the deterministic
// fallback and is flagged.
func (s *Service) Rank(ctx context.Context, refresh bool) Result {
	agents := activeAgents(s.store.Snapshot())
	now := s.opts.Now()

	s.mu.Lock()
	s.promoteLocked(agents)
	if !refresh && s.current != nil && cacheValid(s.current, s.opts.Interval, now) {
		res := s.resultLocked(true)
		s.mu.Unlock()
		return res
	}
	s.mu.Unlock()

	// Concurrent callers share one computation.
	v, _, _ := s.group.Do("rank", func() (any, error) {
		return s.compute(ctx, agents), nil
	})
	fresh := v.(*cacheEntry)

	s.mu.Lock()
	defer s.mu.Unlock()
	if anyProcessing(agents) && s.current != nil {
		// Mid-task: hold the fresh ranking and keep serving the old one.
		s.pending = fresh
	} else {
		s.current = fresh
		s.pending = nil
	}
	return s.resultLocked(false)
}

// PromotePending swaps a held ranking in if no session is processing
// anymore. Call on state-change events to promote without waiting for the
// next Rank.
func (s *Service) PromotePending() {
	agents := activeAgents(s.store.Snapshot())
	s.mu.Lock()
	defer s.mu.Unlock()
	s.promoteLocked(agents)
}

// promoteLocked performs the explicit pending-to-current swap. It is the
// only place the swap happens.
func (s *Service) promoteLocked(agents []*state.Agent) {
	if s.pending == nil || anyProcessing(agents) {
		return
	}
	s.current = s.pending
	s.pending = nil
	prioLog.Info("ranking_promoted", slog.Time("computed_at", s.current.computedAt))
}

func (s *Service) resultLocked(cacheHit bool) Result {
	cur := s.current
	out := make([]Ranking, len(cur.rankings))
	copy(out, cur.rankings)
	return Result{
		Rankings:              out,
		ComputedAt:            cur.computedAt,
		SoftTransitionPending: s.pending != nil,
		CacheHit:              cacheHit,
		Fallback:              cur.fallback,
	}
}

// cacheValid is a pure read: it inspects, never mutates.
func cacheValid(e *cacheEntry, interval time.Duration, now time.Time) bool {
	return now.Sub(e.computedAt) < interval
}

// compute produces a fresh entry: one prioritize call, or the
// deterministic fallback when the call is impossible, fails, or parses to
// nothing usable.
func (s *Service) compute(ctx context.Context, agents []*state.Agent) *cacheEntry {
	now := s.opts.Now()
	if s.client == nil || len(agents) == 0 {
		return &cacheEntry{rankings: fallbackRankings(agents), computedAt: now, fallback: true}
	}

	prompt := s.buildPrompt(agents)
	answer, err := s.client.Complete(ctx, inference.Request{
		Prompt:  prompt,
		Model:   s.opts.Model,
		Purpose: inference.PurposePrioritize,
		Timeout: s.opts.Timeout,
	})
	if err != nil {
		prioLog.Warn("prioritize_failed", slog.String("error", err.Error()))
		return &cacheEntry{rankings: fallbackRankings(agents), computedAt: now, fallback: true}
	}

	rankings, ok := parseRankings(answer, agents)
	if !ok {
		prioLog.Warn("prioritize_unparseable", slog.Int("answer_len", len(answer)))
		return &cacheEntry{rankings: fallbackRankings(agents), computedAt: now, fallback: true}
	}
	return &cacheEntry{rankings: rankings, computedAt: now}
}

func (s *Service) buildPrompt(agents []*state.Agent) string {
	var b strings.Builder
	b.WriteString("You are ranking coding-agent terminal sessions by how urgently they need the user's attention.\n")

	if s.docs != nil {
		if focus, ok := s.docs.Focus(); ok {
			fmt.Fprintf(&b, "\nThe user's current focus: %s\n", focus.Statement)
		}
	}

	b.WriteString("\nSessions:\n")
	for _, a := range agents {
		fmt.Fprintf(&b, "- session_id: %s\n  project: %s\n  activity: %s\n", a.Session, a.Project, a.Activity())
		if a.Stale {
			b.WriteString("  note: backend unreachable, state is last-known\n")
		}
		if s.docs != nil {
			if r, ok := s.docs.Roadmap(a.Project); ok {
				fmt.Fprintf(&b, "  roadmap: %s\n", r.Summary)
				if r.Urgency != "" {
					fmt.Fprintf(&b, "  urgency: %s\n", r.Urgency)
				}
				for _, n := range r.Next {
					fmt.Fprintf(&b, "  next: %s\n", n)
				}
			}
		}
	}

	b.WriteString("\nRules: sessions in awaiting_input are blocked on the user and must rank at least as high as their roadmap and focus alone would place them.\n")
	b.WriteString("Respond with only a JSON array, highest priority first, of objects {\"session_id\": string, \"score\": integer 0-100, \"rationale\": short string}.\n")
	return b.String()
}

// parseRankings extracts the ranked array from a model answer. Unknown
// session ids are dropped, scores clamped to 0-100, and sessions the model
// skipped are appended in deterministic fallback order so the ordering
// always covers every session.
func parseRankings(answer string, agents []*state.Agent) ([]Ranking, bool) {
	start := strings.IndexByte(answer, '[')
	end := strings.LastIndexByte(answer, ']')
	if start < 0 || end <= start {
		return nil, false
	}

	var parsed []Ranking
	if err := json.Unmarshal([]byte(answer[start:end+1]), &parsed); err != nil {
		return nil, false
	}

	bySession := make(map[string]*state.Agent, len(agents))
	for _, a := range agents {
		bySession[a.Session] = a
	}

	seen := make(map[string]bool, len(parsed))
	out := make([]Ranking, 0, len(agents))
	for _, r := range parsed {
		a, ok := bySession[r.SessionID]
		if !ok || seen[r.SessionID] {
			continue
		}
		seen[r.SessionID] = true
		r.Project = a.Project
		if r.Score < 0 {
			r.Score = 0
		}
		if r.Score > 100 {
			r.Score = 100
		}
		out = append(out, r)
	}
	if len(out) == 0 {
		return nil, false
	}

	for _, r := range fallbackRankings(agents) {
		if !seen[r.SessionID] {
			out = append(out, r)
		}
	}
	return out, true
}

// fallbackRankings is the deterministic ordering used whenever the model
// cannot: sessions awaiting input first, then alphabetical by project,
// then by session identity.
func fallbackRankings(agents []*state.Agent) []Ranking {
	sorted := make([]*state.Agent, len(agents))
	copy(sorted, agents)
	sort.Slice(sorted, func(i, j int) bool {
		ai := sorted[i].Activity() == state.AwaitingInput
		aj := sorted[j].Activity() == state.AwaitingInput
		if ai != aj {
			return ai
		}
		if sorted[i].Project != sorted[j].Project {
			return sorted[i].Project < sorted[j].Project
		}
		return sorted[i].Session < sorted[j].Session
	})

	out := make([]Ranking, 0, len(sorted))
	for _, a := range sorted {
		r := Ranking{SessionID: a.Session, Project: a.Project, Score: 50, Rationale: "default ordering"}
		if a.Activity() == state.AwaitingInput {
			r.Score = 75
			r.Rationale = "waiting for your input"
		}
		out = append(out, r)
	}
	return out
}

func activeAgents(agents []*state.Agent) []*state.Agent {
	out := make([]*state.Agent, 0, len(agents))
	for _, a := range agents {
		if a.Active {
			out = append(out, a)
		}
	}
	return out
}

func anyProcessing(agents []*state.Agent) bool {
	for _, a := range agents {
		if a.Activity() == state.Processing {
			return true
		}
	}
	return false
}
