// Command piercer-controller runs the Piercer fleet controller: the
// OpenAI-compatible HTTP surface, the agent registry, and the request
// router.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/0xlynett/piercer/internal/config"
	"github.com/0xlynett/piercer/internal/mapping"
	"github.com/0xlynett/piercer/internal/metrics"
	"github.com/0xlynett/piercer/internal/registry"
	"github.com/0xlynett/piercer/internal/router"
	"github.com/0xlynett/piercer/pkg/rpc"
	"github.com/0xlynett/piercer/pkg/rpc/wsduplex"
)

// version is set by -ldflags at release build time.
var version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "piercer-controller",
		Short: "Piercer fleet controller",
	}
	root.AddCommand(newServeCmd(), newVersionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the controller version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version)
			return nil
		},
	}
}

func newServeCmd() *cobra.Command {
	var configPath, addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the controller HTTP/WebSocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath, addr)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a JSON config file (PIERCER_CONTROLLER_CONFIG)")
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides config")
	return cmd
}

func runServe(configPath, addr string) error {
	log := newLogger()

	if configPath == "" {
		configPath = os.Getenv("PIERCER_CONTROLLER_CONFIG")
	}

	var cfg *config.Config
	if configPath != "" {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			log.Error("controller: failed to load config", "path", configPath, "error", err)
			return err
		}
	} else {
		cfg = config.LoadDefault()
	}

	if addr != "" {
		cfg.Network.ListenAddr = addr
	}
	if secret := os.Getenv("PIERCER_AGENT_SECRET"); secret != "" {
		cfg.Auth.AgentSecret = secret
	}
	if apiKey := os.Getenv("PIERCER_API_KEY"); apiKey != "" {
		cfg.Auth.APIKey = apiKey
	}
	if cfg.Auth.AgentSecret == "" {
		return errors.New("controller: agent secret is required (config auth.agent_secret or PIERCER_AGENT_SECRET)")
	}

	mappings, err := mapping.Load(cfg.Mappings.Path)
	if err != nil {
		log.Error("controller: failed to load model mappings", "path", cfg.Mappings.Path, "error", err)
		return err
	}

	reg := registry.New(log)
	m := metrics.NewController()
	acceptor := wsduplex.NewAcceptor()
	peer := rpc.New(acceptor, log)
	peer.OnRPCError = func(code int) {
		m.RPCErrors.WithLabelValues(strconv.Itoa(code)).Inc()
	}

	rt := router.New(peer, acceptor, reg, mappings, m, cfg.Auth.AgentSecret, cfg.Auth.APIKey, log)
	router.Version = version

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		if err := peer.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("controller: rpc peer serve loop ended", "error", err)
		}
	}()

	mux := chi.NewRouter()
	mux.Use(middleware.Recoverer)
	rt.Mount(mux)

	srv := &http.Server{Addr: cfg.Network.ListenAddr, Handler: mux}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		log.Info("controller: listening", "addr", cfg.Network.ListenAddr, "version", version)
		serverErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("controller: server error", "error", err)
			return err
		}
	case <-stop:
		log.Info("controller: shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	rt.Shutdown("server shutting down")

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("controller: error during HTTP shutdown", "error", err)
	}
	cancel()
	log.Info("controller: shutdown complete")
	return nil
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
}
