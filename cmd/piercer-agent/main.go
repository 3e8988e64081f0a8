// Command piercer-agent runs a Piercer inference agent: it loads
// environment configuration, starts the local process pool, and maintains
// a supervised connection to the controller.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/0xlynett/piercer/internal/agentconfig"
	"github.com/0xlynett/piercer/internal/agentsvc"
	"github.com/0xlynett/piercer/internal/hardware"
	"github.com/0xlynett/piercer/internal/metrics"
	"github.com/0xlynett/piercer/internal/pool"
	"github.com/0xlynett/piercer/internal/supervisor"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "piercer-agent",
		Short: "Piercer inference agent",
	}
	root.AddCommand(newRunCmd(), newVersionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the agent version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version)
			return nil
		},
	}
}

func newRunCmd() *cobra.Command {
	var controllerURL, modelsDir string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the controller and serve inference requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(controllerURL, modelsDir)
		},
	}
	cmd.Flags().StringVar(&controllerURL, "controller-url", "", "controller WebSocket URL, overrides CONTROLLER_URL")
	cmd.Flags().StringVar(&modelsDir, "models-dir", "", "model files directory, overrides MODELS_DIR")
	return cmd
}

func runAgent(controllerURL, modelsDir string) error {
	cfg, err := agentconfig.Load()
	if err != nil {
		return fmt.Errorf("agent: %w", err)
	}
	if controllerURL != "" {
		cfg.ControllerURL = controllerURL
	}
	if modelsDir != "" {
		cfg.ModelsDir = modelsDir
	}

	log := newLogger(cfg.AgentLogLevel)

	if err := os.MkdirAll(cfg.ModelsDir, 0o755); err != nil {
		return fmt.Errorf("agent: create models dir: %w", err)
	}
	if err := os.MkdirAll(cfg.AgentDataDir, 0o755); err != nil {
		return fmt.Errorf("agent: create data dir: %w", err)
	}

	m := metrics.NewAgent()
	sampler := hardware.New(time.Duration(cfg.HardwarePollIntervalMS) * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// svc implements pool.Callbacks, so it must exist before the pool is
	// constructed; its Pool field is wired in once the pool itself exists.
	svc := agentsvc.New(nil, cfg.ModelsDir, "", sampler, log)

	p := pool.New(pool.Config{
		WorkerCommand: cfg.AgentWorkerCommand,
		MaxConcurrent: cfg.MaxConcurrentModels,
		Callbacks:     svc,
		Log:           log,
		Metrics:       m,
	})
	svc.Pool = p

	sup, err := supervisor.New(supervisor.Config{
		ControllerURL: cfg.ControllerURL,
		Secret:        cfg.AgentSecretKey,
		AgentName:     cfg.AgentName,
		DataDir:       cfg.AgentDataDir,
		Service:       svc,
		Log:           log,
	})
	if err != nil {
		return fmt.Errorf("agent: %w", err)
	}
	svc.AgentID = sup.AgentID()

	go sampler.Run(ctx)
	go serveMetrics(ctx, log, m, cfg.MetricsAddr)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	runErr := make(chan error, 1)
	go func() { runErr <- sup.Run(ctx) }()

	select {
	case <-stop:
		log.Info("agent: shutting down")
		cancel()
		p.Shutdown(5 * time.Second)
		<-runErr
		return nil
	case err := <-runErr:
		p.Shutdown(5 * time.Second)
		if exitErr, ok := err.(*supervisor.ExitError); ok {
			if exitErr.Code != 0 {
				os.Exit(exitErr.Code)
			}
			return nil
		}
		return err
	}
}

func serveMetrics(ctx context.Context, log *slog.Logger, m *metrics.Agent, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Warn("agent: metrics server error", "error", err)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
