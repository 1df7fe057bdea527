package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Lobster444/brevedu/internal/config"
	"github.com/Lobster444/brevedu/internal/connectivity"
	"github.com/Lobster444/brevedu/internal/logger"
	"github.com/Lobster444/brevedu/internal/queue"
	"github.com/Lobster444/brevedu/internal/retry"
	"github.com/Lobster444/brevedu/internal/server"
	"github.com/Lobster444/brevedu/internal/session"
	"github.com/Lobster444/brevedu/internal/settings"
	"github.com/Lobster444/brevedu/internal/storage/sqlite"
	"github.com/Lobster444/brevedu/internal/tavus"
)

var portFlag int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the BrevEdu API server",
	Long: `Start the HTTP server with the practice-session REST API, the Tavus
webhook endpoint, and the websocket event feed under /api.

Examples:
  brevedu serve
  brevedu serve --port 9090`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log, err := logger.New(cfg.Log.Mode)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}

	store, err := sqlite.Open(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	retryCfg := retry.Config{
		MaxAttempts:    cfg.Retry.MaxAttempts,
		InitialBackoff: cfg.Retry.InitialBackoff,
		MaxBackoff:     cfg.Retry.MaxBackoff,
		Multiplier:     cfg.Retry.Multiplier,
		Jitter:         cfg.Retry.Jitter,
	}

	// Connectivity is probed against the provider's health endpoint.
	probe := tavus.NewClient(cfg.Tavus.BaseURL, cfg.Tavus.APIKey, nil)
	monitor := connectivity.NewMonitor(probe.Health, 0, log)

	q := queue.New(queue.Options{
		Blobs:  store,
		Online: monitor.Online,
		Log:    log,
		Retry:  retryCfg,
	})

	mgr := session.NewManager(session.Options{
		Store:    store,
		Resolver: settings.NewResolver(store),
		Queue:    q,
		Clients: func(apiKey string) session.ProviderClient {
			return tavus.NewClient(cfg.Tavus.BaseURL, apiKey, nil)
		},
		Online: monitor.Online,
		Origin: cfg.Server.Origin,
		Log:    log,
		Retry:  retryCfg,
	})

	srv := server.New(cfg, store, mgr, q, monitor, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Regaining connectivity drains the queue and tells connected clients.
	monitor.Notify(func(online bool) {
		srv.Hub().Broadcast(server.Event{Type: "connectivity", Online: &online})
		if online {
			if err := q.DrainIfOnline(ctx); err != nil {
				log.Error("draining queue after reconnect", "error", err)
			}
		}
	})

	go monitor.Run(ctx)
	go q.Run(ctx)

	port := cfg.Server.Port
	if portFlag > 0 {
		port = portFlag
	}

	// Graceful shutdown on SIGINT/SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
		srv.Shutdown(context.Background())
	}()

	return srv.Start(port)
}
