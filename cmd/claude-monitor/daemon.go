package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/samotage/claude-monitor-sub002/internal/config"
	"github.com/samotage/claude-monitor-sub002/internal/hooks"
	"github.com/samotage/claude-monitor-sub002/internal/inference"
	"github.com/samotage/claude-monitor-sub002/internal/interpret"
	"github.com/samotage/claude-monitor-sub002/internal/logging"
	"github.com/samotage/claude-monitor-sub002/internal/monitor"
	"github.com/samotage/claude-monitor-sub002/internal/notify"
	"github.com/samotage/claude-monitor-sub002/internal/priority"
	"github.com/samotage/claude-monitor-sub002/internal/state"
	"github.com/samotage/claude-monitor-sub002/internal/statedb"
	"github.com/samotage/claude-monitor-sub002/internal/store"
	"github.com/samotage/claude-monitor-sub002/internal/term"
	"github.com/samotage/claude-monitor-sub002/internal/web"
)

// handleRun starts the daemon: polling monitor, hook event watcher,
// notifier, priority service, and the web API. Blocks until SIGINT or
// SIGTERM, then drains in-flight work and flushes state.
func handleRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	addr := fs.String("addr", "", "web API listen address (overrides config)")
	_ = fs.Parse(args)

	dir, err := config.Dir()
	if err != nil {
		fatal("resolve monitor dir: %v", err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		fatal("create monitor dir: %v", err)
	}
	if err := config.WriteExample(filepath.Join(dir, config.FileName)); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not write example config: %v\n", err)
	}

	cfg, err := config.Load(filepath.Join(dir, config.FileName))
	if err != nil {
		fatal("%v", err)
	}

	logging.Init(cfg.LoggingConfig(dir))
	defer logging.Shutdown()
	log := logging.Logger()

	db, err := statedb.Open(filepath.Join(dir, "state.db"))
	if err != nil {
		fatal("open state db: %v", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		fatal("migrate state db: %v", err)
	}

	bus := state.NewBus()
	st := store.New(db, bus, cfg.StoreOptions())
	if err := st.Load(); err != nil {
		fatal("load persisted state: %v", err)
	}

	var client inference.Client
	if cfg.Inference.GetEnabled() {
		if key := cfg.InferenceAPIKey(); key != "" {
			client = inference.NewAnthropicClient(key, cfg.InferenceModel(), cfg.InferenceCallsPerMinute())
		} else {
			log.Warn("inference_disabled_no_api_key")
		}
	}

	in := interpret.New(cfg.InterpretConfig(), cfg.PatternOverrides(), cfg.PatternExtras(), client)
	backend := term.NewTmuxBackend(term.SessionPrefix)
	mon := monitor.New(backend, st, in, cfg.MonitorConfig())

	docs := priority.NewDocs(cfg.DocsDir(dir))
	prio := priority.New(st, client, docs, cfg.PriorityOptions())

	hooksDir := filepath.Join(dir, "hooks")
	watcher, err := hooks.NewWatcher(hooksDir)
	if err != nil {
		fatal("start hook watcher: %v", err)
	}
	hooks.CleanStaleFiles(hooksDir)
	dispatcher := hooks.NewDispatcher(st)

	webCfg := cfg.WebConfig()
	if *addr != "" {
		webCfg.ListenAddr = *addr
	}
	srv := web.NewServer(webCfg, st, prio, bus)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go st.Run(ctx)
	go mon.Run(ctx)
	go watcher.Start()
	go dispatcher.Run(watcher.Events())
	go promoteOnSettle(ctx, bus, prio)

	if cfg.Notify.GetEnabled() {
		notifier := notify.New(notify.NewOSASender(), cfg.NotifyOptions())
		events, cancel := bus.Subscribe()
		defer cancel()
		go notifier.Run(ctx, events)
	}

	go func() {
		if err := srv.Start(); err != nil {
			log.Error("web_server_failed", slog.String("error", err.Error()))
			stop()
		}
	}()

	fmt.Printf("claude-monitor v%s listening on %s\n", Version, srv.Addr())
	log.Info("daemon_started",
		slog.String("version", Version),
		slog.String("addr", srv.Addr()),
		slog.Bool("inference", client != nil))

	<-ctx.Done()
	log.Info("daemon_stopping")

	watcher.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("web_shutdown_failed", slog.String("error", err.Error()))
	}
	if err := st.Flush(); err != nil {
		log.Warn("final_flush_failed", slog.String("error", err.Error()))
	}
}

// promoteOnSettle promotes a pending ranking whenever an agent leaves
// active processing, so held soft transitions land as soon as the work
// that deferred them finishes.
func promoteOnSettle(ctx context.Context, bus *state.Bus, prio *priority.Service) {
	events, cancel := bus.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.From == state.Processing {
				prio.PromotePending()
			}
		}
	}
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
