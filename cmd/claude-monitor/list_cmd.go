package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/samotage/claude-monitor-sub002/internal/config"
	"github.com/samotage/claude-monitor-sub002/internal/state"
	"github.com/samotage/claude-monitor-sub002/internal/statedb"
)

const (
	colProject  = 20
	colSession  = 24
	colActivity = 15
)

// handleList prints the agents from the last persisted snapshot. It reads
// the database directly, so it works whether or not the daemon is running.
func handleList(args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	all := fs.Bool("all", false, "include inactive agents")
	_ = fs.Parse(args)

	dir, err := config.Dir()
	if err != nil {
		fatal("resolve monitor dir: %v", err)
	}

	dbPath := filepath.Join(dir, "state.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		fmt.Println("No agents recorded yet. Start the daemon with: claude-monitor run")
		return
	}

	db, err := statedb.Open(dbPath)
	if err != nil {
		fatal("open state db: %v", err)
	}
	defer db.Close()

	agents, err := db.LoadAgents()
	if err != nil {
		fatal("load agents: %v", err)
	}

	sort.Slice(agents, func(i, j int) bool {
		if agents[i].Project != agents[j].Project {
			return agents[i].Project < agents[j].Project
		}
		return agents[i].CreatedAt.Before(agents[j].CreatedAt)
	})

	shown := 0
	fmt.Printf("%-*s %-*s %-*s %s\n", colProject, "PROJECT", colSession, "SESSION", colActivity, "ACTIVITY", "TASKS")
	for _, a := range agents {
		if !a.Active && !*all {
			continue
		}
		shown++
		activity := string(a.Activity())
		if a.Stale {
			activity += " (stale)"
		}
		if !a.Active {
			activity = "inactive"
		}
		fmt.Printf("%-*s %-*s %-*s %s\n",
			colProject, truncate(a.Project, colProject),
			colSession, truncate(a.Session, colSession),
			colActivity, activity,
			taskSummary(a))
	}
	if shown == 0 {
		fmt.Println("(no active agents; use -all to include inactive)")
	}
}

func taskSummary(a *state.Agent) string {
	archived := len(a.Archived)
	if a.Current == nil {
		return fmt.Sprintf("%d archived", archived)
	}
	return fmt.Sprintf("%d turns, %d archived", len(a.Current.Turns), archived)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 1 {
		return s[:max]
	}
	return s[:max-1] + "…"
}
