package web

import (
	"net/http"
	"time"

	"github.com/samotage/claude-monitor-sub002/internal/state"
)

// agentView is the wire shape of one agent: the stored record plus
// read-time annotations.
type agentView struct {
	ID        string         `json:"id"`
	Project   string         `json:"project"`
	Session   string         `json:"session"`
	CreatedAt time.Time      `json:"created_at"`
	Active    bool           `json:"active"`
	Stale     bool           `json:"stale"`
	Activity  state.Activity `json:"activity"`
	Current   *taskView      `json:"current,omitempty"`
	Archived  []*taskView    `json:"archived,omitempty"`
}

type taskView struct {
	ID          string         `json:"id"`
	State       state.Activity `json:"state"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Turns       []state.Turn   `json:"turns,omitempty"`
	Stalled     bool           `json:"stalled,omitempty"`
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	now := time.Now()
	agents := s.store.Snapshot()
	views := make([]agentView, 0, len(agents))
	for _, a := range agents {
		views = append(views, s.viewOf(a, now))
	}
	writeJSON(w, map[string]any{"agents": views})
}

func (s *Server) handlePriority(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	refresh := r.URL.Query().Get("refresh") == "1"
	writeJSON(w, s.ranker.Rank(r.Context(), refresh))
}

func (s *Server) viewOf(a *state.Agent, now time.Time) agentView {
	v := agentView{
		ID:        a.ID,
		Project:   a.Project,
		Session:   a.Session,
		CreatedAt: a.CreatedAt,
		Active:    a.Active,
		Stale:     a.Stale,
		Activity:  a.Activity(),
	}
	if a.Current != nil {
		v.Current = s.taskViewOf(a.Current, now)
	}
	for _, t := range a.Archived {
		v.Archived = append(v.Archived, s.taskViewOf(t, now))
	}
	return v
}

func (s *Server) taskViewOf(t *state.Task, now time.Time) *taskView {
	v := &taskView{
		ID:        t.ID,
		State:     t.State,
		CreatedAt: t.CreatedAt,
		Turns:     t.Turns,
		Stalled:   t.StaleSince(s.cfg.StaleThreshold, now),
	}
	if !t.StartedAt.IsZero() {
		started := t.StartedAt
		v.StartedAt = &started
	}
	if !t.CompletedAt.IsZero() {
		completed := t.CompletedAt
		v.CompletedAt = &completed
	}
	return v
}
