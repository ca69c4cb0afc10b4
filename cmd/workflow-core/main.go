// Command workflow-core runs the scheduling engine as a standalone process
// and doubles as a CLI for exercising it directly: `serve` exposes metrics
// and a health endpoint the way the engine does inside a larger deployment,
// and `run` loads a single workflow document and drives it to completion,
// which is useful for local development and for the scenarios in this
// repo's own test suite.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/n8n-work/workflow-core/internal/config"
	"github.com/n8n-work/workflow-core/internal/engine"
	"github.com/n8n-work/workflow-core/internal/events"
	"github.com/n8n-work/workflow-core/internal/executor"
	"github.com/n8n-work/workflow-core/internal/loader"
	"github.com/n8n-work/workflow-core/internal/observability"
	"github.com/n8n-work/workflow-core/internal/resilience"
	"github.com/n8n-work/workflow-core/internal/sinks/amqpbridge"
	"github.com/n8n-work/workflow-core/internal/sinks/pghistory"
	"github.com/n8n-work/workflow-core/internal/sinks/redissnapshot"
	"github.com/n8n-work/workflow-core/internal/state"
	"github.com/n8n-work/workflow-core/internal/workflow"
)

const (
	serviceName    = "workflow-core"
	serviceVersion = "0.1.0"
)

func main() {
	root := &cobra.Command{
		Use:   "workflow-core",
		Short: "Runs or exercises the workflow scheduling engine",
	}
	root.AddCommand(serveCmd(), runCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the engine process and its metrics/health endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
}

func runCmd() *cobra.Command {
	var vars map[string]string
	cmd := &cobra.Command{
		Use:   "run <workflow-file>",
		Short: "Register a workflow document and drive a single execution to completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			converted := make(map[string]interface{}, len(vars))
			for k, v := range vars {
				converted[k] = v
			}
			return runOnce(args[0], converted)
		},
	}
	cmd.Flags().StringToStringVar(&vars, "var", nil, "variable to seed the execution with, may be repeated (key=value)")
	return cmd
}

// Server holds the long-running process's dependencies, mirroring the
// shape of a typical deployment: a scheduling core plus whatever ambient
// HTTP surface a host wants for metrics and health.
type Server struct {
	logger     *zap.Logger
	engine     *engine.Engine
	httpServer *http.Server
	sinkSubs   []*events.Subscription
	sinkClose  []func() error
}

func serve() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := buildLogger(cfg.App.Environment)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("starting workflow-core", zap.String("version", serviceVersion), zap.String("environment", cfg.App.Environment))

	shutdownTracing, err := observability.InitTracing(cfg.Observability.ServiceName, serviceVersion, cfg.Observability.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdownTracing()

	hub := events.NewHub()
	subs, closers := attachSinks(cfg.Sinks, hub, logger)

	eng := engine.NewEngine(logger, buildExecutor(logger), hub, engine.NewMetrics(), engineConfigFrom(cfg))

	srv := &Server{
		logger: logger,
		engine: eng,
		httpServer: &http.Server{
			Addr:    ":9090",
			Handler: metricsAndHealthMux(),
		},
		sinkSubs:  subs,
		sinkClose: closers,
	}

	return srv.run()
}

func (s *Server) run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.logger.Info("serving metrics and health", zap.String("address", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	s.logger.Info("shutdown signal received, stopping")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http server shutdown error", zap.Error(err))
	}

	for _, c := range s.sinkClose {
		if err := c(); err != nil {
			s.logger.Warn("error closing sink", zap.Error(err))
		}
	}
	sinksKeptAlive := len(s.sinkSubs)
	s.logger.Info("shutdown complete", zap.Int("sinks_detached", sinksKeptAlive))

	wg.Wait()
	return nil
}

func metricsAndHealthMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","service":%q,"version":%q}`, serviceName, serviceVersion)
	})
	return mux
}

// runOnce loads a single workflow document, registers it against a
// throwaway in-process engine, starts one execution, and blocks until it
// reaches a terminal state, printing each lifecycle event as it arrives.
func runOnce(path string, vars map[string]interface{}) error {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	var wf *workflow.Workflow
	if strings.EqualFold(filepath.Ext(path), ".json") {
		wf, err = loader.FromJSON(data)
	} else {
		wf, err = loader.FromYAML(data)
	}
	if err != nil {
		return fmt.Errorf("parse workflow: %w", err)
	}

	hub := events.NewHub()
	eng := engine.NewEngine(logger, executor.NoopExecutor{}, hub, engine.NewMetrics(), engine.Config{})

	done := make(chan struct{})
	sub, detach := hub.Subscribe(nil, func(ev events.Event) {
		fmt.Printf("%-20s execution=%s step=%s\n", ev.Kind, ev.ExecutionID, ev.StepID)
		switch ev.Kind {
		case events.WorkflowComplete, events.WorkflowFail, events.WorkflowCancel:
			close(done)
		}
	})
	defer detach()

	if err := eng.Register(wf); err != nil {
		return fmt.Errorf("register workflow: %w", err)
	}

	executionID, err := eng.Start(context.Background(), wf.ID, vars)
	if err != nil {
		return fmt.Errorf("start execution: %w", err)
	}

	<-done
	runtime.KeepAlive(sub) // the hub only holds a weak reference to sub; keep it reachable until done fires

	snap, _ := eng.GetState(executionID)
	fmt.Printf("\nexecution %s finished with status %s\n", executionID, snap.Status)
	if snap.Status == state.WorkflowFailed {
		return fmt.Errorf("workflow %s failed", wf.ID)
	}
	return nil
}

func buildLogger(environment string) (*zap.Logger, error) {
	if environment == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

func engineConfigFrom(cfg *config.Config) engine.Config {
	return engine.Config{
		MaxConcurrentSteps: cfg.Execution.MaxConcurrentSteps,
		DefaultStepTimeout: cfg.Execution.DefaultStepTimeout,
		DefaultRetry: workflow.RetryPolicy{
			MaxAttempts: cfg.Execution.DefaultMaxAttempts,
			Backoff:     workflow.BackoffKind(cfg.Execution.DefaultBackoff),
			BaseDelayMs: int(cfg.Execution.DefaultBaseDelay.Milliseconds()),
		},
		TenantRatePerSec: cfg.RateLimit.RequestsPerSecond,
		TenantBurst:      cfg.RateLimit.Burst,
	}
}

// buildExecutor assembles the default HTTP-capable StepExecutor behind a
// concurrency bound and per-kind circuit breaker, so a host that registers
// no custom executor still gets a working "http" step kind.
func buildExecutor(logger *zap.Logger) executor.StepExecutor {
	breakers := resilience.NewCircuitBreakerManager(logger)

	httpExec := executor.NewHTTPStepExecutor()
	bounded := executor.NewBounded(httpExec, 128)
	guarded := executor.NewCircuitBreaking(bounded, breakers, func(kind string) resilience.CircuitBreakerConfig {
		return resilience.CircuitBreakerConfig{
			Name:        "step-" + kind,
			MaxRequests: 5,
			Interval:    30 * time.Second,
			Timeout:     10 * time.Second,
		}
	})

	return &executor.ByKind{
		Default: executor.NoopExecutor{},
		ByKind: map[string]executor.StepExecutor{
			"http": guarded,
		},
	}
}

// attachSinks subscribes every sink whose DSN is configured and returns
// their subscriptions (which must be kept reachable for as long as the hub
// should keep delivering to them) and their Close functions for shutdown.
func attachSinks(cfg config.SinksConfig, hub *events.Hub, logger *zap.Logger) ([]*events.Subscription, []func() error) {
	var subs []*events.Subscription
	var closers []func() error

	if cfg.RedisURL != "" {
		sink, err := redissnapshot.New(cfg.RedisURL, "", 0, time.Hour, logger)
		if err != nil {
			logger.Warn("redis snapshot sink disabled", zap.Error(err))
		} else {
			sub, detach := hub.Subscribe(nil, sink.Handle)
			subs = append(subs, sub)
			closers = append(closers, sink.Close, closeFunc(detach))
		}
	}

	if cfg.PostgresURL != "" {
		sink, err := pghistory.New(cfg.PostgresURL, logger)
		if err != nil {
			logger.Warn("postgres history sink disabled", zap.Error(err))
		} else {
			sub, detach := hub.Subscribe(nil, sink.Handle)
			subs = append(subs, sub)
			closers = append(closers, sink.Close, closeFunc(detach))
		}
	}

	if cfg.AMQPURL != "" {
		bridge, err := amqpbridge.New(cfg.AMQPURL, "workflow.events", logger)
		if err != nil {
			logger.Warn("amqp bridge sink disabled", zap.Error(err))
		} else {
			sub, detach := hub.Subscribe(nil, bridge.Handle)
			subs = append(subs, sub)
			closers = append(closers, bridge.Close, closeFunc(detach))
		}
	}

	return subs, closers
}

func closeFunc(detach func()) func() error {
	return func() error {
		detach()
		return nil
	}
}
