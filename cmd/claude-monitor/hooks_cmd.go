package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/samotage/claude-monitor-sub002/internal/config"
	"github.com/samotage/claude-monitor-sub002/internal/hooks"
)

// handleHookHandler processes one Claude Code hook invocation. It must
// never block Claude Code: any failure exits 0 silently. Sessions without
// the monitor env var are unmanaged and produce no output at all.
func handleHookHandler() {
	session := os.Getenv(hooks.SessionEnvVar)
	if session == "" {
		return
	}

	dir, err := config.Dir()
	if err != nil {
		return
	}
	_ = hooks.HandlePayload(os.Stdin, filepath.Join(dir, "hooks"), session)
}

func handleHooks(args []string) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: claude-monitor hooks <install|remove|status>")
		os.Exit(1)
	}

	configDir := claudeConfigDir()

	switch args[0] {
	case "install":
		changed, err := hooks.Install(configDir)
		if err != nil {
			fatal("install hooks: %v", err)
		}
		if changed {
			fmt.Printf("Installed claude-monitor hooks in %s\n", filepath.Join(configDir, "settings.json"))
		} else {
			fmt.Println("Hooks already installed.")
		}
	case "remove":
		changed, err := hooks.Remove(configDir)
		if err != nil {
			fatal("remove hooks: %v", err)
		}
		if changed {
			fmt.Println("Removed claude-monitor hooks.")
		} else {
			fmt.Println("No claude-monitor hooks found.")
		}
	case "status":
		if hooks.Installed(configDir) {
			fmt.Println("Hooks installed.")
		} else {
			fmt.Println("Hooks not installed. Run: claude-monitor hooks install")
		}
	default:
		fmt.Fprintf(os.Stderr, "Unknown hooks subcommand: %s\n", args[0])
		os.Exit(1)
	}
}

// claudeConfigDir resolves the Claude Code config directory, honoring
// CLAUDE_CONFIG_DIR the way the Claude CLI does.
func claudeConfigDir() string {
	if dir := os.Getenv("CLAUDE_CONFIG_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".claude"
	}
	return filepath.Join(home, ".claude")
}
