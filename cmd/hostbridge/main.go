// Command hostbridge boots the unified tool-execution gateway: it wires
// the workspace sandbox, secret resolver, policy engine, tool registry,
// audit store, HITL coordinator, knowledge graph, and plan engine into
// the dispatch core, then serves the REST and websocket transports.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hostbridge-dev/hostbridge/audit"
	"github.com/hostbridge-dev/hostbridge/core"
	"github.com/hostbridge-dev/hostbridge/dispatch"
	"github.com/hostbridge-dev/hostbridge/hitl"
	"github.com/hostbridge-dev/hostbridge/knowledge"
	"github.com/hostbridge-dev/hostbridge/plan"
	"github.com/hostbridge-dev/hostbridge/policy"
	"github.com/hostbridge-dev/hostbridge/registry"
	"github.com/hostbridge-dev/hostbridge/secrets"
	"github.com/hostbridge-dev/hostbridge/store"
	"github.com/hostbridge-dev/hostbridge/transport/httpapi"
	wstransport "github.com/hostbridge-dev/hostbridge/transport/ws"
	"github.com/hostbridge-dev/hostbridge/workspace"

	toolsdocker "github.com/hostbridge-dev/hostbridge/tools/docker"
	toolsfs "github.com/hostbridge-dev/hostbridge/tools/fs"
	toolsgit "github.com/hostbridge-dev/hostbridge/tools/git"
	toolshttp "github.com/hostbridge-dev/hostbridge/tools/http"
	toolsknowledge "github.com/hostbridge-dev/hostbridge/tools/knowledge"
	toolsplan "github.com/hostbridge-dev/hostbridge/tools/plan"
	toolsshell "github.com/hostbridge-dev/hostbridge/tools/shell"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := core.NewConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "hostbridge: loading config:", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		cfg.Logger.Error("fatal", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
}

func run(cfg *core.Config) error {
	logger := cfg.Logger

	var telemetry core.Telemetry = core.NoOpTelemetry{}
	if otelTelemetry, telemetryShutdown, err := core.NewLocalOTelTelemetry("hostbridge"); err != nil {
		logger.Warn("telemetry disabled", map[string]interface{}{"error": err.Error()})
	} else {
		telemetry = otelTelemetry
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := telemetryShutdown(ctx); err != nil {
				logger.Warn("telemetry shutdown failed", map[string]interface{}{"error": err.Error()})
			}
		}()
	}

	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	resolver, err := workspace.New(cfg.WorkspaceRoot)
	if err != nil {
		return fmt.Errorf("initializing workspace sandbox: %w", err)
	}

	sec, err := secrets.New(cfg.SecretsFile)
	if err != nil {
		return fmt.Errorf("loading secrets: %w", err)
	}

	rules, err := loadPolicyRules(cfg.PolicyFile)
	if err != nil {
		return fmt.Errorf("loading policy rules: %w", err)
	}
	pol, err := policy.New(rules)
	if err != nil {
		return fmt.Errorf("building policy engine: %w", err)
	}

	reg := registry.New()
	if err := registerTools(reg, resolver); err != nil {
		return fmt.Errorf("registering tools: %w", err)
	}

	aud := audit.New(db)
	coordinator := hitl.New(db, cfg.HITLDefaultTTL)
	coordinator.Start(10 * time.Second)
	defer coordinator.Stop()

	graph := knowledge.New(db)

	breakers := map[string]core.CircuitBreaker{
		"shell":  core.NewGoBreaker("shell"),
		"http":   core.NewGoBreaker("http"),
		"docker": core.NewGoBreaker("docker"),
		"git":    core.NewGoBreaker("git"),
	}

	d := &dispatch.Core{
		Registry:  reg,
		Policy:    pol,
		HITL:      coordinator,
		Secrets:   sec,
		Audit:     aud,
		Logger:    logger,
		Telemetry: telemetry,
		Breakers:  breakers,
	}

	knowledgeTools := []registry.Tool{
		toolsknowledge.Store{Graph: graph},
		toolsknowledge.Get{Graph: graph},
		toolsknowledge.Update{Graph: graph},
		toolsknowledge.Delete{Graph: graph},
		toolsknowledge.Search{Graph: graph},
		toolsknowledge.Link{Graph: graph},
		toolsknowledge.Children{Graph: graph},
		toolsknowledge.Ancestors{Graph: graph},
		toolsknowledge.Roots{Graph: graph},
		toolsknowledge.Related{Graph: graph},
		toolsknowledge.Subtree{Graph: graph},
		toolsknowledge.GraphStats{Graph: graph},
	}
	for _, t := range knowledgeTools {
		if err := reg.Register(t); err != nil {
			return err
		}
	}

	planEngine := plan.New(db, d)
	if err := reg.Register(toolsplan.Create{Engine: planEngine}); err != nil {
		return err
	}
	if err := reg.Register(toolsplan.Execute{Engine: planEngine}); err != nil {
		return err
	}
	if err := reg.Register(toolsplan.Status{Engine: planEngine}); err != nil {
		return err
	}
	if err := reg.Register(toolsplan.Cancel{Engine: planEngine}); err != nil {
		return err
	}

	apiServer := httpapi.NewServer(&httpapi.Server{
		Dispatch: d,
		Plan:     planEngine,
		HITL:     coordinator,
		Graph:    graph,
		Registry: reg,
		Logger:   logger,
	})

	hub := wstransport.NewHub(coordinator, nil)
	defer hub.Close()

	mux := http.NewServeMux()
	mux.Handle("/", apiServer.Handler())
	mux.Handle("/ws/hitl", hub)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", map[string]interface{}{"port": cfg.Port})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-sigCh:
		logger.Info("shutting down", nil)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func registerTools(reg *registry.Registry, resolver *workspace.Resolver) error {
	tools := []registry.Tool{
		toolsfs.ReadFile{Resolver: resolver},
		toolsfs.WriteFile{Resolver: resolver},
		toolsfs.ListDirectory{Resolver: resolver},
		toolsfs.DeleteFile{Resolver: resolver},
		toolsshell.ExecuteCommand{Resolver: resolver},
		toolsgit.Status{Resolver: resolver},
		toolsgit.Diff{Resolver: resolver},
		toolsgit.Log{Resolver: resolver},
		toolsgit.Commit{Resolver: resolver},
		toolshttp.NewGet(toolshttp.DefaultConfig()),
		toolshttp.NewPost(toolshttp.DefaultConfig()),
		toolshttp.NewPut(toolshttp.DefaultConfig()),
		toolshttp.NewDelete(toolshttp.DefaultConfig()),
		toolsdocker.NewRunContainer(),
	}
	for _, t := range tools {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func loadPolicyRules(path string) ([]policy.Rule, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var rules []policy.Rule
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, err
	}
	return rules, nil
}

