package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/skillforge/internal/audit"
	"github.com/basket/skillforge/internal/bus"
	"github.com/basket/skillforge/internal/catalog"
	"github.com/basket/skillforge/internal/config"
	"github.com/basket/skillforge/internal/engine"
	"github.com/basket/skillforge/internal/executor"
	"github.com/basket/skillforge/internal/guard"
	"github.com/basket/skillforge/internal/janitor"
	otelPkg "github.com/basket/skillforge/internal/otel"
	"github.com/basket/skillforge/internal/persistence"
	"github.com/basket/skillforge/internal/resolver"
	"github.com/basket/skillforge/internal/synthesizer"
	"github.com/basket/skillforge/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s run "<task>"             Run one loop session for the given task
  %s skills <action>          Inspect the skill catalog
                              Actions: list, show <name>, quarantine <name>
  %s status                   Show protection status (level, policy version, counters)
  %s history <skill>          Show the change ledger for a skill
  %s rollback <skill> <id>    Revert a skill to the state before change <id>
  %s level <level>            Set the protection level
                              Levels: none, skills_only, extensions, full_with_approval
  %s doctor [-json]           Run diagnostic checks

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  SKILLFORGE_HOME         Data directory (default: ~/.skillforge)
  GEMINI_API_KEY          Required for the default Google provider

EXAMPLES:
  %s run "summarize the release notes in notes/"
  %s skills list
  %s rollback word-count chg-1a2b3c
`, os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "-h", "--help":
		printUsage()
	case "run":
		os.Exit(runRunCommand(ctx, args[1:]))
	case "skills":
		os.Exit(runSkillsCommand(ctx, args[1:]))
	case "status":
		os.Exit(runStatusCommand(ctx, args[1:]))
	case "history":
		os.Exit(runHistoryCommand(ctx, args[1:]))
	case "rollback":
		os.Exit(runRollbackCommand(ctx, args[1:]))
	case "level":
		os.Exit(runLevelCommand(ctx, args[1:]))
	case "doctor":
		os.Exit(runDoctorCommand(ctx, args[1:]))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		printUsage()
		os.Exit(2)
	}
}

func dbPath(cfg config.Config) string {
	return filepath.Join(cfg.HomeDir, "skillforge.db")
}

// runRunCommand wires the full runtime and drives one session to a terminal
// state. Exit code 0 means the task finished; everything else is 1.
func runRunCommand(ctx context.Context, args []string) int {
	if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
		fmt.Fprintln(os.Stderr, `usage: skillforge run "<task>"`)
		return 2
	}
	task := args[0]

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	// Keep stdout clean for command output when attached to a terminal:
	// logs go to the file only.
	quiet := isatty.IsTerminal(os.Stdout.Fd())
	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		return 1
	}
	defer logCloser.Close()
	slog.SetDefault(logger)
	logger.Info("skillforge starting", "version", Version, "config", cfg.Fingerprint())

	if err := audit.Init(cfg.HomeDir); err != nil {
		logger.Warn("audit log unavailable", "error", err)
	}
	defer audit.Close()

	otelProvider, err := otelPkg.Init(ctx, cfg.Otel)
	if err != nil {
		logger.Error("otel init failed", "error", err)
		return 1
	}
	defer otelProvider.Shutdown(context.Background())

	eventBus := bus.New()

	store, err := persistence.Open(dbPath(cfg), eventBus)
	if err != nil {
		logger.Error("open store failed", "error", err)
		return 1
	}
	defer store.Close()
	audit.SetDB(store.DB())

	pol, err := guard.Load(cfg.Guard.PolicyPath)
	if err != nil {
		logger.Error("load policy failed", "error", err)
		return 1
	}
	if len(pol.SandboxPaths) == 0 {
		pol.SandboxPaths = []string{cfg.Skills.SandboxDir}
	}
	livePolicy := guard.NewLivePolicy(pol, cfg.Guard.PolicyPath)
	if cfg.Guard.WatchPolicy {
		if err := guard.WatchPolicy(ctx, livePolicy, cfg.Guard.PolicyPath, logger); err != nil {
			logger.Warn("policy watch unavailable", "error", err)
		}
	}

	g := guard.New(livePolicy, store,
		guard.WithBus(eventBus),
		guard.WithLogger(logger),
		guard.WithConfirmer(newTerminalConfirmer(os.Stdin, os.Stderr, cfg.Loop.ConfirmTimeoutSeconds)),
	)

	cat, err := catalog.New(ctx, store, g,
		catalog.WithBus(eventBus),
		catalog.WithLogger(logger),
		catalog.WithCacheEntries(cfg.Skills.CacheEntries),
		catalog.WithFaultThreshold(cfg.Skills.FaultThreshold),
	)
	if err != nil {
		logger.Error("catalog init failed", "error", err)
		return 1
	}
	if err := catalog.LoadBuiltins(ctx, cat, cfg.Skills.BuiltinDir); err != nil {
		logger.Warn("builtin skill load incomplete", "error", err)
	}
	if err := catalog.VerifySandbox(ctx, cat); err != nil {
		logger.Warn("sandbox verification incomplete", "error", err)
	}

	wasmHost, err := executor.NewWasmHost(ctx, executor.WasmConfig{
		Policy: livePolicy,
		Store:  store,
		Logger: logger,
	})
	if err != nil {
		logger.Error("wasm host init failed", "error", err)
		return 1
	}
	defer wasmHost.Close(context.Background())

	workspaceDir := filepath.Join(cfg.HomeDir, "workspace")
	if err := os.MkdirAll(workspaceDir, 0o755); err != nil {
		logger.Error("create workspace failed", "error", err)
		return 1
	}
	exec := executor.New(cat, workspaceDir,
		executor.WithLogger(logger),
		executor.WithTimeout(cfg.ToolTimeout()),
		executor.WithWasmHost(wasmHost),
	)
	if err := executor.InstallBuiltins(ctx, cat, exec, executor.BuiltinDeps{
		Guard:    g,
		NotesDir: filepath.Join(workspaceDir, "notes"),
	}); err != nil {
		logger.Error("install builtins failed", "error", err)
		return 1
	}

	backend := engine.NewGenkitBackend(ctx, engine.BackendConfig{
		Provider: cfg.LLM.Provider,
		Model:    cfg.LLM.Model,
		APIKey:   cfg.LLM.APIKey,
	}, logger)

	synth := synthesizer.New(backend, g, cat, cfg.Skills.SandboxDir,
		synthesizer.WithRetries(cfg.Loop.SynthesisRetries),
		synthesizer.WithLogger(logger),
		synthesizer.WithBus(eventBus),
	)

	if cfg.Janitor.Enabled {
		j, err := janitor.New(janitor.Config{
			Store:             store,
			Logger:            logger,
			Schedule:          cfg.Janitor.ArchiveSchedule,
			RetentionSessions: daysToDuration(cfg.Janitor.RetentionSessionDays),
			RetentionAudit:    daysToDuration(cfg.Janitor.RetentionAuditDays),
		})
		if err != nil {
			logger.Warn("janitor disabled", "error", err)
		} else {
			j.Start()
			defer j.Stop()
		}
	}

	loop := engine.NewLoop(engine.LoopConfig{
		Backend:         backend,
		Catalog:         cat,
		Resolver:        resolver.New(cfg.Resolver.Threshold),
		Executor:        exec,
		Synthesizer:     synth,
		Store:           store,
		Bus:             eventBus,
		Logger:          logger,
		MaxIterations:   cfg.Loop.MaxIterations,
		MaxToolFailures: cfg.Loop.MaxToolFailures,
	})

	if quiet {
		go printProgress(eventBus)
	}

	outcome, err := loop.Run(ctx, task)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		return 1
	}

	fmt.Printf("session:    %s\n", outcome.SessionID)
	fmt.Printf("status:     %s\n", outcome.Status)
	fmt.Printf("iterations: %d\n", outcome.Iterations)
	if outcome.Result != "" {
		fmt.Printf("result:     %s\n", outcome.Result)
	}
	if outcome.Status != engine.StatusDone {
		return 1
	}
	return 0
}

// printProgress mirrors loop steps onto stderr while stdout stays reserved
// for the outcome.
func printProgress(eventBus *bus.Bus) {
	sub := eventBus.Subscribe("loop.step")
	defer eventBus.Unsubscribe(sub)
	for ev := range sub.Ch() {
		step, ok := ev.Payload.(bus.LoopStepEvent)
		if !ok {
			continue
		}
		line := fmt.Sprintf("[%d] %s", step.Iteration, step.State)
		if step.Tool != "" {
			line += " " + step.Tool
		}
		fmt.Fprintln(os.Stderr, line)
	}
}

func daysToDuration(days int) time.Duration {
	return time.Duration(days) * 24 * time.Hour
}
