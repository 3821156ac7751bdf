package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"golang.org/x/sync/errgroup"
	"tailscale.com/tsnet"

	"github.com/claude/wodtimer/internal/config"
	"github.com/claude/wodtimer/internal/lifecycle"
	wodmcp "github.com/claude/wodtimer/internal/mcp"
	"github.com/claude/wodtimer/internal/models"
	"github.com/claude/wodtimer/internal/prefs"
	"github.com/claude/wodtimer/internal/sensor/push"
	"github.com/claude/wodtimer/internal/server"
	"github.com/claude/wodtimer/internal/session"
	"github.com/claude/wodtimer/internal/storage"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// errReleased stops the process when the host is released and
// session.exit_on_release is set.
var errReleased = errors.New("host released")

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	migrateOnly := flag.Bool("migrate-only", false, "run migrations and exit")
	webDir := flag.String("web", "", "directory with a built frontend to serve (optional)")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	log.Info("WODTimer starting", "version", Version)

	if err := run(*configPath, *migrateOnly, *webDir, log); err != nil {
		log.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, migrateOnly bool, webDir string, log *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Run migrations
	dsn := cfg.Database.DSN()
	if err := storage.RunMigrations(dsn, "migrations"); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	log.Info("migrations applied")

	if migrateOnly {
		log.Info("migrate-only: exiting")
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := storage.New(ctx, dsn, cfg.Database.MaxConns)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()
	log.Info("database connected")

	prefStore, err := prefs.Open(cfg.Preferences.Dir)
	if err != nil {
		return fmt.Errorf("open preferences: %w", err)
	}
	defer prefStore.Close()

	pushClient := push.New(cfg.Session.TickInterval, log)
	host := session.NewHost(pushClient, log, prefStore, session.WithRecorder(db))

	life := lifecycle.New(cfg.Session.GracePeriod, host.Resident, func() {
		if host.Release() {
			log.Info("session host released")
		}
	}, log)
	defer life.Stop()

	srv := server.New(host, pushClient, db, prefStore, cfg.Auth.APIKey, log)
	srv.SetLifecycle(life)

	mcpSrv := wodmcp.New(wodmcp.NewLocal(host, db, prefStore), Version, log)
	srv.SetMCP(mcpserver.NewStreamableHTTPServer(mcpSrv,
		mcpserver.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			return wodmcp.WithUser(ctx, session.UserFromContext(r.Context()))
		}),
	))

	if webDir != "" {
		srv.SetFrontend(os.DirFS(webDir))
		log.Info("serving frontend", "dir", webDir)
	}

	// Start server — tsnet or plain HTTP
	var listener net.Listener
	if cfg.Tailscale.Enabled {
		tsServer := &tsnet.Server{
			Hostname: cfg.Tailscale.Hostname,
			Dir:      cfg.Tailscale.StateDir,
		}
		if err := tsServer.Start(); err != nil {
			return fmt.Errorf("tsnet start: %w", err)
		}
		defer tsServer.Close()

		lc, err := tsServer.LocalClient()
		if err != nil {
			return fmt.Errorf("tsnet local client: %w", err)
		}
		srv.SetTailscale(lc)

		listener, err = tsServer.Listen("tcp", ":80")
		if err != nil {
			return fmt.Errorf("tsnet listen: %w", err)
		}
		log.Info("tsnet server starting", "hostname", cfg.Tailscale.Hostname)
	} else {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		listener, err = net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", addr, err)
		}
		log.Info("server starting", "addr", addr, "mode", "dev (no tailscale)")
	}

	httpSrv := &http.Server{Handler: srv}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		watchSessions(gctx, host, life)
		return nil
	})

	g.Go(func() error {
		select {
		case <-life.Released():
			if cfg.Session.ExitOnRelease {
				return errReleased
			}
		case <-gctx.Done():
		}
		return nil
	})

	// Nothing is attached at boot; start the grace period now.
	life.Arm()

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := host.Shutdown(shutdownCtx); err != nil {
			log.Error("session shutdown error", "error", err)
		}
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Error("shutdown error", "error", err)
		}
		return nil
	})

	err = g.Wait()
	if errors.Is(err, errReleased) {
		log.Info("exiting after release")
		err = nil
	}
	log.Info("server stopped")
	return err
}

// watchSessions tells the lifecycle manager once per session when it ends.
func watchSessions(ctx context.Context, host *session.Host, life *lifecycle.Manager) {
	states, unsubscribe := host.Subscribe()
	defer unsubscribe()

	var lastEnded uuid.UUID
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-states:
			if !ok {
				return
			}
			if st.Phase == models.Ended && st.ID != lastEnded {
				lastEnded = st.ID
				life.SessionEnded()
			}
		}
	}
}
