package main

import (
	"fmt"
	"os"
)

const Version = "0.3.0"

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		printHelp()
		return
	}

	switch args[0] {
	case "version", "--version", "-v":
		fmt.Printf("claude-monitor v%s\n", Version)
	case "help", "--help", "-h":
		printHelp()
	case "run":
		handleRun(args[1:])
	case "hook-handler":
		handleHookHandler()
	case "hooks":
		handleHooks(args[1:])
	case "list", "ls":
		handleList(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", args[0])
		printHelp()
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Printf(`claude-monitor v%s - local dashboard for coding-agent terminal sessions

Usage:
  claude-monitor <command> [options]

Commands:
  run              Start the monitor daemon (poll loop, hooks, web API)
  list, ls         List known agents from the last persisted snapshot
  hooks install    Install Claude Code lifecycle hooks into settings.json
  hooks remove     Remove claude-monitor hooks from settings.json
  hooks status     Show whether hooks are installed
  hook-handler     Internal: invoked by Claude Code hooks (reads stdin)
  version          Print version

Run options:
  -addr string     Override the web API listen address

Configuration lives at ~/.claude-monitor/config.toml (override the
directory with %s).
`, Version, "CLAUDE_MONITOR_DIR")
}
