// Command hostbridged wires up and runs the local agent daemon's core: the
// Path Guard, Command Policy, Process Executor, Search Engine, and the Tool
// Dispatcher that sits in front of them. It deliberately does not speak MCP
// wire framing itself (JSON-RPC over stdio/HTTP) — that belongs to a
// transport adapter that calls into internal/dispatch.Dispatcher, the same
// way the core takes a logger.Notifier instead of writing to stdout/stderr
// directly.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/hostbridge/hostbridged/internal/cmdpolicy"
	"github.com/hostbridge/hostbridged/internal/config"
	"github.com/hostbridge/hostbridged/internal/dispatch"
	"github.com/hostbridge/hostbridged/internal/logger"
	"github.com/hostbridge/hostbridged/internal/monitor"
	"github.com/hostbridge/hostbridged/internal/pathguard"
	"github.com/hostbridge/hostbridged/internal/procexec"
	"github.com/hostbridge/hostbridged/internal/search"
	"github.com/hostbridge/hostbridged/internal/session"
)

func main() {
	var (
		configPath  string
		allow       []string
		deny        []string
		logLevel    string
		logFile     string
		monitorAddr string
	)

	root := &cobra.Command{
		Use:   "hostbridged",
		Short: "local agent daemon: process execution and search",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(runOpts{
				configPath:  configPath,
				allow:       allow,
				deny:        deny,
				logLevel:    logLevel,
				logFile:     logFile,
				monitorAddr: monitorAddr,
			})
		},
	}

	root.Flags().StringVar(&configPath, "config", "", "path to config.json (default ~/.hostbridged/config.json)")
	root.Flags().StringSliceVar(&allow, "allow", nil, "AllowedPath entries (overrides config file)")
	root.Flags().StringSliceVar(&deny, "deny", nil, "DenySpec program names (overrides config file)")
	root.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	root.Flags().StringVar(&logFile, "log-file", "", "also write logs to this file")
	root.Flags().StringVar(&monitorAddr, "monitor-addr", "", "loopback addr for the debug session monitor (off by default)")

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "hostbridged: %v\n", err)
		os.Exit(1)
	}
}

type runOpts struct {
	configPath  string
	allow       []string
	deny        []string
	logLevel    string
	logFile     string
	monitorAddr string
}

func run(opts runOpts) error {
	if err := logger.Init(opts.logLevel, opts.logFile); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	notifier := logger.NewSlogNotifier(logger.Log)

	cfgManager, err := config.Load(opts.configPath, config.Overrides{
		Allow:    opts.allow,
		Deny:     opts.deny,
		LogLevel: opts.logLevel,
	})
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := cfgManager.Get()

	guard, err := pathguard.New(cfg.AllowedPaths)
	if err != nil {
		return fmt.Errorf("init path guard: %w", err)
	}

	commands, err := newCommandPolicy(cfg)
	if err != nil {
		return fmt.Errorf("init command policy: %w", err)
	}

	store := session.NewStore()
	exec := procexec.New(store, notifier)
	searchEngine := search.New()
	d := dispatch.New(guard, commands, exec, searchEngine, notifier)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := cfgManager.WatchForExternalEdits(func(updated config.Config) {
		if rerr := guard.Reconfigure(updated.AllowedPaths); rerr != nil {
			notifier.Emit("error", "config reload rejected", "error", rerr.Error())
			return
		}
		commands.ReplaceDenySpec(updated.DenySpec)
		notifier.Emit("info", "config reloaded", "allowed_paths", len(updated.AllowedPaths), "deny_spec", len(updated.DenySpec))
	}); err != nil {
		notifier.Emit("warn", "config hot reload disabled", "error", err.Error())
	}
	defer cfgManager.Close()

	if cfg.MonitorAddr != "" || opts.monitorAddr != "" {
		addr := cfg.MonitorAddr
		if opts.monitorAddr != "" {
			addr = opts.monitorAddr
		}
		mon := monitor.New(store, notifier)
		go func() {
			if merr := mon.Start(ctx, addr); merr != nil {
				notifier.Emit("error", "monitor server exited", "error", merr.Error())
			}
		}()
	}

	go reapLoop(ctx, store, searchEngine)

	notifier.Emit("info", "hostbridged ready", "allowed_paths", len(cfg.AllowedPaths), "blocked_commands", len(d.ListBlockedCommands()))
	<-ctx.Done()
	notifier.Emit("info", "hostbridged shutting down")
	return nil
}

// reapLoop periodically drops Finished sessions past their grace period and
// idle search sessions, so long-running daemons don't accumulate unbounded
// session state.
func reapLoop(ctx context.Context, store *session.Store, searchEngine *search.Engine) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			store.ReapFinished(now)
			searchEngine.ReapIdle(now, 5*time.Minute)
		}
	}
}

func newCommandPolicy(cfg config.Config) (*cmdpolicy.Policy, error) {
	if cfg.RulesFile == "" {
		return cmdpolicy.New(cfg.DenySpec), nil
	}
	rules, err := cmdpolicy.LoadRulesFile(cfg.RulesFile)
	if err != nil {
		return nil, err
	}
	return cmdpolicy.NewWithRules(cfg.DenySpec, rules)
}
