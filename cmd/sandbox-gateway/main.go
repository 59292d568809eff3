// Package main is the entry point for the sandbox gateway server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/modernalchemist/magic/internal/config"
	"github.com/modernalchemist/magic/internal/engine"
	"github.com/modernalchemist/magic/internal/gateway"
	"github.com/modernalchemist/magic/internal/probe"
	"github.com/modernalchemist/magic/internal/proxy"
	"github.com/modernalchemist/magic/internal/reclaim"
	"github.com/modernalchemist/magic/internal/runtime"
	"github.com/modernalchemist/magic/internal/telemetry"
)

// Version information set at build time.
var version = "0.1.0"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "sandbox-gateway",
		Short: "HTTP gateway managing agent sandbox containers",
		Long: `Sandbox-gateway provisions and supervises per-conversation sandbox
container pairs (an agent container plus a qdrant sidecar), proxies
WebSocket traffic into them, and reclaims idle ones. All configuration
is read from the environment.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newVersionCmd())
	root.AddCommand(newServeCmd())

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "sandbox-gateway %s\n", version)
		},
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway server and reclamation sweeper",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}
}

func serve(parent context.Context) error {
	cfg := config.FromEnv()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := telemetry.NewLogger(os.Stdout, telemetry.ParseLevel(cfg.LogLevel))
	metrics := telemetry.NewMetrics()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	docker, err := runtime.NewDockerClient(ctx)
	if err != nil {
		return fmt.Errorf("connecting to docker daemon: %w", err)
	}
	defer docker.Close()

	// a missing agent image at boot is worth a warning, but images may
	// still be pulled before the first create arrives
	if ok, err := docker.ImageExists(ctx, cfg.AgentImage); err != nil {
		logger.Warn("checking agent image", "image", cfg.AgentImage, "error", err)
	} else if !ok {
		logger.Warn("agent image not present, sandbox creation will fail until it is pulled",
			"image", cfg.AgentImage)
	}

	prober := probe.New(cfg.ProbeTimeout,
		probe.WithAttemptObserver(metrics.ProbeAttempts.Inc))
	eng := engine.New(cfg, docker, prober, logger, metrics)
	wsProxy := proxy.New(logger, metrics, cfg.WSReceiveTimeout)
	sweeper := reclaim.New(cfg, docker, logger, metrics)

	server := gateway.NewServer(eng, wsProxy, metrics,
		gateway.WithAuthToken(cfg.AuthToken),
		gateway.WithLogger(logger),
	)

	if cfg.AuthToken == "" {
		logger.Warn("SANDBOX_GATEWAY_TOKEN is not set, API authentication is disabled")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sweeper.Run(ctx)
	})
	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.Port)
		if err := server.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	logger.Info("sandbox gateway running", "port", cfg.Port, "env", cfg.AppEnv, "version", version)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("sandbox gateway stopped")
	return nil
}

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
