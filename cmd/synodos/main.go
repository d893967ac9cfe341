package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mtzanidakis/synodos/internal/agent"
	"github.com/mtzanidakis/synodos/internal/config"
	"github.com/mtzanidakis/synodos/internal/ctxstore"
	"github.com/mtzanidakis/synodos/internal/handoff"
	"github.com/mtzanidakis/synodos/internal/ipc"
	"github.com/mtzanidakis/synodos/internal/janitor"
	"github.com/mtzanidakis/synodos/internal/logger"
	"github.com/mtzanidakis/synodos/internal/metrics"
	"github.com/mtzanidakis/synodos/internal/natsbus"
	"github.com/mtzanidakis/synodos/internal/orchestration"
	"github.com/mtzanidakis/synodos/internal/pipeline"
	"github.com/mtzanidakis/synodos/internal/registry"
	"github.com/mtzanidakis/synodos/internal/router"
	"github.com/mtzanidakis/synodos/internal/store"
	"github.com/mtzanidakis/synodos/internal/telemetry"
	"github.com/mtzanidakis/synodos/internal/tracing"
	"github.com/mtzanidakis/synodos/internal/vault"
	"github.com/mtzanidakis/synodos/internal/web"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "version":
		fmt.Printf("synodos %s\n", version)
		return
	case "gateway":
		err = runGateway()
	case "prune":
		err = withConfig(runPrune)
	case "backup":
		err = withConfig(func(cfg *config.Config) error { return runBackup(cfg, os.Args[2:]) })
	case "restore":
		err = withConfig(func(cfg *config.Config) error { return runRestore(cfg, os.Args[2:]) })
	default:
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		slog.Error(os.Args[1]+" failed", "error", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: synodos <command>

Commands:
  gateway    Start the coordination gateway
  prune      Remove expired handoff sessions and pipeline runs, then exit
  backup     Write the database and bus state to a .tar.zst archive
  restore    Restore a backup archive
  version    Print version
`)
}

func withConfig(fn func(*config.Config) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.SetDefault(logger.New(cfg.Log))
	return fn(cfg)
}

func runGateway() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.New(cfg.Log)
	slog.SetDefault(log)
	log.Info("starting synodos gateway", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tp, err := telemetry.Init(ctx, cfg.Telemetry, log)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = tp.Shutdown(shutdownCtx)
	}()

	// SQLite store
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	log.Info("store initialized", "path", cfg.Store.Path)

	// Embedded NATS
	bus, err := natsbus.New(cfg.NATS)
	if err != nil {
		return fmt.Errorf("init nats: %w", err)
	}
	defer bus.Close()
	client, err := natsbus.NewClient(bus)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer client.Close()
	log.Info("nats started", "port", cfg.NATS.Port)

	// Agent registry
	reg := registry.New(db, cfg.Agents)
	if err := reg.Sync(); err != nil {
		return fmt.Errorf("sync agent registry: %w", err)
	}

	m := metrics.New()
	invocations := agent.NewInvocations()
	local := agent.NewLocal()
	mux := agent.NewMux(agent.NewNATSInvoker(client, invocations, log))
	configureTransports(mux, local, cfg.Agents)

	caller := &agent.Caller{Invoker: mux, Timeout: cfg.Coordination.InvocationTimeout, Metrics: m}
	prop := tracing.NewPropagator(cfg.Coordination.MaxDepth)

	ctxStore, sweeper, closeStore, err := openContextStore(ctx, cfg.Context)
	if err != nil {
		return fmt.Errorf("init context store: %w", err)
	}
	defer closeStore()
	log.Info("context store initialized", "backend", cfg.Context.Backend)

	repo, err := openHandoffRepo(ctx, cfg, db, client)
	if err != nil {
		return fmt.Errorf("init handoff repository: %w", err)
	}
	log.Info("handoff repository initialized", "backend", cfg.Handoff.Backend)

	handoffs := handoff.NewCoordinator(handoff.Options{
		Repo:           repo,
		Caller:         caller,
		Agents:         reg,
		Log:            db,
		Store:          ctxStore,
		Propagator:     prop,
		PendingTimeout: cfg.Handoff.PendingTimeout,
		Events:         client,
		Metrics:        m,
		Logger:         log,
	})
	orch := orchestration.NewCoordinator(orchestration.Options{
		Caller:     caller,
		Store:      ctxStore,
		Propagator: prop,
		Events:     client,
		Metrics:    m,
		Logger:     log,
	})
	pipelines := pipeline.NewExecutor(pipeline.Options{
		Caller:       caller,
		Store:        ctxStore,
		Propagator:   prop,
		Agents:       reg,
		GraphTimeout: cfg.Coordination.GraphTimeout,
		Runs:         db,
		Events:       client,
		Metrics:      m,
		Logger:       log,
	})

	// Message router
	rtr := router.New(router.Options{
		Handoffs:     handoffs,
		Orchestrator: orch,
		Pipelines:    pipelines,
		Caller:       caller,
		Classifier:   newClassifier(cfg.Router, caller, reg, prop),
		Agents:       reg,
		Log:          db,
		Store:        ctxStore,
		Propagator:   prop,
		Config:       cfg.Router,
		Events:       client,
		Metrics:      m,
		Logger:       log,
	})

	// Remote agent callbacks
	ipcSrv := ipc.NewServer(client, invocations, ctxStore, handoffs, log)
	if err := ipcSrv.Start(); err != nil {
		return err
	}
	defer ipcSrv.Stop()

	// Janitor
	jan := janitor.New(janitor.Options{
		Handoffs:       handoffs,
		Contexts:       sweeper,
		Runs:           db,
		Invocations:    invocations,
		PollInterval:   cfg.Janitor.PollInterval,
		Retention:      cfg.Handoff.Retention,
		ContextTTL:     cfg.Context.TTL,
		IdleInvocation: 2 * cfg.Coordination.InvocationTimeout,
		Metrics:        m,
		Logger:         log,
	})
	go jan.Start(ctx)

	// HTTP API
	if cfg.Web.Enabled {
		srv := web.NewServer(web.Options{
			Store:      db,
			Router:     rtr,
			Handoffs:   handoffs,
			Pipelines:  pipelines,
			Registry:   reg,
			Propagator: prop,
			Client:     client,
			Metrics:    m,
			Config:     cfg.Web,
			Version:    version,
			Logger:     log,
		})
		go func() {
			if err := srv.Start(ctx); err != nil {
				log.Error("web server error", "error", err)
			}
		}()
		log.Info("web server started", "port", cfg.Web.Port)
	}

	// Wait for shutdown, reloading config on SIGHUP.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigCh {
		if sig != syscall.SIGHUP {
			log.Info("shutting down", "signal", sig)
			break
		}
		next, err := config.Load()
		if err != nil {
			log.Error("config reload failed", "error", err)
			continue
		}
		applyReload(log, cfg, next, reg, mux, local, rtr, jan)
		cfg = next
	}
	cancel()
	return nil
}

// configureTransports serves echo agents in-process. Every other agent is
// reached over the bus. Routes from a previous config are dropped.
func configureTransports(mux *agent.Mux, local *agent.Local, agents map[string]config.AgentDefinition) {
	routes := make(map[string]agent.Invoker)
	for id, def := range agents {
		if def.Transport == "echo" {
			local.Register(id, agent.EchoHandler)
			routes[id] = local
		}
	}
	mux.Reset(routes)
}

func openContextStore(ctx context.Context, cfg config.ContextConfig) (ctxstore.Store, janitor.ContextSweeper, func(), error) {
	switch cfg.Backend {
	case "redis":
		r, err := ctxstore.NewRedis(ctx, ctxstore.RedisConfig{
			Addr:       cfg.RedisAddr,
			MaxPayload: cfg.MaxPayload,
			TTL:        cfg.TTL,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		// Redis expires namespaces itself.
		return r, nil, func() { _ = r.Close() }, nil
	default:
		mem := ctxstore.NewMemory(cfg.MaxPayload)
		return mem, mem, func() {}, nil
	}
}

func openHandoffRepo(ctx context.Context, cfg *config.Config, db *store.Store, client *natsbus.Client) (handoff.Repository, error) {
	if cfg.Handoff.Backend == "kv" {
		js, err := client.JetStream()
		if err != nil {
			return nil, err
		}
		return handoff.NewKVRepository(ctx, js, handoff.DefaultBucket)
	}

	var v *vault.Vault
	if cfg.Store.Passphrase != "" {
		var err error
		if v, err = vault.New(cfg.Store.Passphrase); err != nil {
			return nil, fmt.Errorf("init vault: %w", err)
		}
	} else {
		slog.Warn("store passphrase not set, handoff records are stored unsealed")
	}
	return handoff.NewSQLRepository(db, v), nil
}

func newClassifier(cfg config.RouterConfig, caller *agent.Caller, reg *registry.Registry, prop *tracing.Propagator) router.Classifier {
	prefix := router.PrefixClassifier{Agents: reg}
	if cfg.Classifier != "agent" {
		return prefix
	}
	agentID := cfg.ClassifierAgent
	if agentID == "" {
		agentID = cfg.DefaultAgent
	}
	return router.AgentClassifier{
		Caller:     caller,
		Agents:     reg,
		Agent:      agentID,
		Propagator: prop,
		Prefix:     &prefix,
	}
}

func applyReload(log *slog.Logger, old, next *config.Config, reg *registry.Registry, mux *agent.Mux, local *agent.Local,
	rtr *router.Router, jan *janitor.Janitor) {
	diff := config.Diff(old, next)
	for _, field := range diff.NonReloadable {
		log.Warn("config change requires a restart", "field", field)
	}
	if !diff.HasChanges() {
		log.Info("config reloaded, nothing to apply")
		return
	}

	if len(diff.AgentsAdded)+len(diff.AgentsRemoved)+len(diff.AgentsChanged) > 0 {
		reg.Update(next.Agents)
		if err := reg.Sync(); err != nil {
			log.Error("agent registry sync failed", "error", err)
		}
		configureTransports(mux, local, next.Agents)
		log.Info("agents reloaded", "added", diff.AgentsAdded, "removed", diff.AgentsRemoved, "changed", diff.AgentsChanged)
	}
	if diff.RouterChanged {
		rtr.SetConfig(diff.NewRouter)
		log.Info("router config reloaded")
	}
	if diff.JanitorChanged {
		jan.UpdateConfig(diff.NewPollInterval.PollInterval, next.Handoff.Retention, next.Context.TTL)
	}
}

// runPrune performs one janitor sweep against the store without starting
// the gateway.
func runPrune(cfg *config.Config) error {
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()

	var v *vault.Vault
	if cfg.Store.Passphrase != "" {
		if v, err = vault.New(cfg.Store.Passphrase); err != nil {
			return fmt.Errorf("init vault: %w", err)
		}
	}
	jan := janitor.New(janitor.Options{
		Handoffs:  handoff.NewSQLRepository(db, v),
		Runs:      db,
		Retention: cfg.Handoff.Retention,
	})
	rep := jan.Sweep(context.Background())
	fmt.Printf("Pruned %d handoff sessions and %d pipeline runs\n", rep.Handoffs, rep.Runs)
	return nil
}
