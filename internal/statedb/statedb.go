// Package statedb persists the agent registry to SQLite. Durability is
// best effort: the in-memory store is authoritative and a failed flush is
// retried on the next interval, never propagated to readers.
package statedb

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/samotage/claude-monitor-sub002/internal/state"
)

// SchemaVersion tracks the current database schema. Bump when adding
// migrations.
const SchemaVersion = 1

// DB wraps a SQLite database holding agents, tasks, and turns.
// Thread-safe for concurrent use within one process; WAL mode plus a busy
// timeout keeps concurrent CLI invocations from tripping over each other.
type DB struct {
	db *sql.DB
}

// Open creates or opens the database at dbPath.
func Open(dbPath string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("statedb: mkdir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("statedb: open: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("statedb: %s: %w", pragma, err)
		}
	}

	return &DB{db: db}, nil
}

// Close checkpoints WAL and closes the database.
func (d *DB) Close() error {
	_, _ = d.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return d.db.Close()
}

// Migrate creates tables if they don't exist.
func (d *DB) Migrate() error {
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("statedb: begin migrate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS metadata (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agents (
			id         TEXT PRIMARY KEY,
			project    TEXT NOT NULL,
			session    TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			active     INTEGER NOT NULL DEFAULT 1,
			stale      INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id            TEXT PRIMARY KEY,
			agent_id      TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
			state         TEXT NOT NULL,
			created_at    INTEGER NOT NULL,
			started_at    INTEGER NOT NULL DEFAULT 0,
			completed_at  INTEGER NOT NULL DEFAULT 0,
			priority_hint INTEGER NOT NULL DEFAULT 0,
			is_current    INTEGER NOT NULL DEFAULT 0,
			position      INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS turns (
			id       TEXT PRIMARY KEY,
			task_id  TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			type     TEXT NOT NULL,
			content  TEXT NOT NULL DEFAULT '',
			result   TEXT NOT NULL DEFAULT '',
			ts       INTEGER NOT NULL,
			position INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_agent ON tasks(agent_id, position)`,
		`CREATE INDEX IF NOT EXISTS idx_turns_task ON turns(task_id, position)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("statedb: migrate: %w", err)
		}
	}

	if _, err := tx.Exec(
		`INSERT INTO metadata (key, value) VALUES ('schema_version', ?)
		 ON CONFLICT(key) DO NOTHING`,
		fmt.Sprintf("%d", SchemaVersion),
	); err != nil {
		return fmt.Errorf("statedb: schema version: %w", err)
	}

	return tx.Commit()
}

// SaveAgents replaces the persisted registry with the given snapshot in a
// single transaction.
func (d *DB) SaveAgents(agents []*state.Agent) error {
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("statedb: begin save: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Full rewrite: the registry is small and this keeps deletes simple.
	for _, stmt := range []string{`DELETE FROM turns`, `DELETE FROM tasks`, `DELETE FROM agents`} {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("statedb: clear: %w", err)
		}
	}

	for _, agent := range agents {
		if _, err := tx.Exec(
			`INSERT INTO agents (id, project, session, created_at, active, stale)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			agent.ID, agent.Project, agent.Session,
			agent.CreatedAt.UnixNano(), boolInt(agent.Active), boolInt(agent.Stale),
		); err != nil {
			return fmt.Errorf("statedb: insert agent %s: %w", agent.ID, err)
		}

		pos := 0
		for _, task := range agent.Archived {
			if err := insertTask(tx, task, false, pos); err != nil {
				return err
			}
			pos++
		}
		if agent.Current != nil {
			if err := insertTask(tx, agent.Current, true, pos); err != nil {
				return err
			}
		}
	}

	if _, err := tx.Exec(
		`INSERT INTO metadata (key, value) VALUES ('saved_at', ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		fmt.Sprintf("%d", time.Now().UnixNano()),
	); err != nil {
		return fmt.Errorf("statedb: touch: %w", err)
	}

	return tx.Commit()
}

func insertTask(tx *sql.Tx, task *state.Task, current bool, pos int) error {
	if _, err := tx.Exec(
		`INSERT INTO tasks (id, agent_id, state, created_at, started_at, completed_at, priority_hint, is_current, position)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.AgentID, string(task.State),
		task.CreatedAt.UnixNano(), timeNano(task.StartedAt), timeNano(task.CompletedAt),
		task.PriorityHint, boolInt(current), pos,
	); err != nil {
		return fmt.Errorf("statedb: insert task %s: %w", task.ID, err)
	}
	for i, turn := range task.Turns {
		if _, err := tx.Exec(
			`INSERT INTO turns (id, task_id, type, content, result, ts, position)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			turn.ID, turn.TaskID, string(turn.Type), turn.Content, string(turn.Result),
			turn.Timestamp.UnixNano(), i,
		); err != nil {
			return fmt.Errorf("statedb: insert turn %s: %w", turn.ID, err)
		}
	}
	return nil
}

// LoadAgents reads the full registry back, turn order preserved.
func (d *DB) LoadAgents() ([]*state.Agent, error) {
	agentRows, err := d.db.Query(
		`SELECT id, project, session, created_at, active, stale FROM agents ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("statedb: query agents: %w", err)
	}
	defer agentRows.Close()

	var agents []*state.Agent
	byID := make(map[string]*state.Agent)
	for agentRows.Next() {
		var (
			a             state.Agent
			createdAt     int64
			active, stale int
		)
		if err := agentRows.Scan(&a.ID, &a.Project, &a.Session, &createdAt, &active, &stale); err != nil {
			return nil, fmt.Errorf("statedb: scan agent: %w", err)
		}
		a.CreatedAt = time.Unix(0, createdAt)
		a.Active = active != 0
		a.Stale = stale != 0
		agents = append(agents, &a)
		byID[a.ID] = &a
	}
	if err := agentRows.Err(); err != nil {
		return nil, fmt.Errorf("statedb: agents: %w", err)
	}

	tasksByID := make(map[string]*state.Task)
	taskRows, err := d.db.Query(
		`SELECT id, agent_id, state, created_at, started_at, completed_at, priority_hint, is_current
		 FROM tasks ORDER BY agent_id, position`)
	if err != nil {
		return nil, fmt.Errorf("statedb: query tasks: %w", err)
	}
	defer taskRows.Close()

	for taskRows.Next() {
		var (
			t                                 state.Task
			createdAt, startedAt, completedAt int64
			current                           int
		)
		if err := taskRows.Scan(&t.ID, &t.AgentID, &t.State, &createdAt, &startedAt, &completedAt, &t.PriorityHint, &current); err != nil {
			return nil, fmt.Errorf("statedb: scan task: %w", err)
		}
		t.CreatedAt = time.Unix(0, createdAt)
		t.StartedAt = nanoTime(startedAt)
		t.CompletedAt = nanoTime(completedAt)

		agent := byID[t.AgentID]
		if agent == nil {
			continue
		}
		if current != 0 {
			agent.Current = &t
		} else {
			agent.Archived = append(agent.Archived, &t)
		}
		tasksByID[t.ID] = &t
	}
	if err := taskRows.Err(); err != nil {
		return nil, fmt.Errorf("statedb: tasks: %w", err)
	}

	turnRows, err := d.db.Query(
		`SELECT id, task_id, type, content, result, ts FROM turns ORDER BY task_id, position`)
	if err != nil {
		return nil, fmt.Errorf("statedb: query turns: %w", err)
	}
	defer turnRows.Close()

	for turnRows.Next() {
		var (
			turn state.Turn
			ts   int64
		)
		if err := turnRows.Scan(&turn.ID, &turn.TaskID, &turn.Type, &turn.Content, &turn.Result, &ts); err != nil {
			return nil, fmt.Errorf("statedb: scan turn: %w", err)
		}
		turn.Timestamp = time.Unix(0, ts)
		if task := tasksByID[turn.TaskID]; task != nil {
			task.Turns = append(task.Turns, turn)
		}
	}
	if err := turnRows.Err(); err != nil {
		return nil, fmt.Errorf("statedb: turns: %w", err)
	}

	return agents, nil
}

// IsEmpty reports whether the registry has no agents.
func (d *DB) IsEmpty() (bool, error) {
	var n int
	if err := d.db.QueryRow(`SELECT COUNT(*) FROM agents`).Scan(&n); err != nil {
		return false, fmt.Errorf("statedb: count: %w", err)
	}
	return n == 0, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func timeNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func nanoTime(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
