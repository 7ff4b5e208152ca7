package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/gcdistribution/portal/internal/auth"
	"github.com/gcdistribution/portal/internal/config"
	"github.com/gcdistribution/portal/internal/control"
	"github.com/gcdistribution/portal/internal/events"
	"github.com/gcdistribution/portal/internal/logging"
	"github.com/gcdistribution/portal/internal/relay"
	"github.com/gcdistribution/portal/internal/runstore"
	"github.com/gcdistribution/portal/internal/server"
	"github.com/gcdistribution/portal/internal/worker"
)

const (
	sessionCleanupInterval = 10 * time.Minute
	workerShutdownTimeout  = 30 * time.Second
)

var (
	serveConfig   string
	serveEnvFile  string
	servePort     int
	serveLogLevel string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the portal HTTP server",
	Long: `Starts the HTTP and websocket server.

Settings come from the YAML file given with --config (all keys optional) and
the PORT environment variable. Variables in --env-file are exported first
without overriding the existing environment.

Users, clients and environment credentials are read from users.json,
clients.json and environments.json in config_dir and reloaded when they
change.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&serveConfig, "config", "c", "portal.yaml", "path to the YAML config file")
	serveCmd.Flags().StringVar(&serveEnvFile, "env-file", ".env", "dotenv file to load before reading config")
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "listen port (overrides config and PORT)")
	serveCmd.Flags().StringVar(&serveLogLevel, "log-level", "", "debug, info, warn or error (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	if _, err := config.ApplyEnvFile(serveEnvFile); err != nil {
		return err
	}

	cfg, err := config.Load(serveConfig)
	if err != nil {
		return err
	}
	if servePort > 0 {
		cfg.Server.Port = servePort
	}

	if serveLogLevel != "" {
		cfg.Log.Level = serveLogLevel
	}

	log := logging.New()
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	log.SetLevel(level)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, log)
	if err != nil {
		return err
	}
	return a.run(ctx)
}

// app is the wired portal: every long-lived component and the server that
// routes to them.
type app struct {
	log      *logging.Logger
	watcher  *config.Watcher
	sessions *auth.Sessions
	hub      *events.Hub
	workers  *worker.Manager
	server   *server.Server
}

func newApp(cfg *config.Config, log *logging.Logger) (*app, error) {
	watcher, err := config.NewWatcher(cfg.ConfigDir, log.With("component", "config"))
	if err != nil {
		return nil, err
	}

	store := runstore.NewStore(cfg.Storage.UploadsDir(), cfg.Storage.LedgerPath())
	hub := events.NewHub()
	workerCfg := worker.Config{Command: cfg.Worker.Command, Script: cfg.Worker.Script}
	if err := workerCfg.Check(); err != nil {
		log.Warn("worker cannot be launched, uploads will fail until fixed", "command", workerCfg.Command, "script", workerCfg.Script, "error", err)
	}
	workers := worker.NewManager(workerCfg, hub, log.With("component", "worker"))
	controller := control.New(store,
		control.WithStopGrace(workers, cfg.Worker.StopGrace),
		control.WithLogger(log.With("component", "control")),
	)
	rel := relay.New(hub, relay.Options{
		CheckOrigin: server.OriginChecker(cfg.Server.AllowedOrigins),
		Logger:      log.With("component", "relay"),
	})
	sessions := auth.NewSessions(cfg.Server.TokenTTL)

	srv, err := server.NewServer(server.Config{
		Port:           cfg.Server.Port,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		MaxUploadBytes: cfg.Server.MaxUploadMB << 20,
		ConfigDir:      cfg.ConfigDir,
		LoginRateLimit: cfg.Server.LoginRateLimit,
	}, server.Deps{
		Store:    store,
		Workers:  workers,
		Control:  controller,
		Relay:    rel,
		Static:   watcher,
		Sessions: sessions,
		Logger:   log.With("component", "server"),
	})
	if err != nil {
		watcher.Stop()
		return nil, err
	}

	return &app{
		log:      log,
		watcher:  watcher,
		sessions: sessions,
		hub:      hub,
		workers:  workers,
		server:   srv,
	}, nil
}

// run serves until ctx is done, then waits for running workers to exit,
// killing them after workerShutdownTimeout.
func (a *app) run(ctx context.Context) error {
	if err := a.watcher.Start(ctx); err != nil {
		return err
	}
	defer a.watcher.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.sessions.Run(gctx, sessionCleanupInterval)
		return nil
	})
	g.Go(func() error {
		return a.server.Start(gctx)
	})
	err := g.Wait()

	if n := a.workers.ActiveCount(); n > 0 {
		a.log.Info("waiting for workers", "active", n)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), workerShutdownTimeout)
	defer cancel()
	if serr := a.workers.Shutdown(shutdownCtx); serr != nil {
		a.log.Warn("workers killed on shutdown", "error", serr)
	}
	// Server.Start closed the relay; nothing publishes once workers are gone.
	a.hub.Close()

	if err != nil {
		return fmt.Errorf("server stopped: %w", err)
	}
	a.log.Info("portal stopped")
	return nil
}
