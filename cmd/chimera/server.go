package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	chhttp "github.com/Strob0t/Chimera/internal/adapter/http"
	"github.com/Strob0t/Chimera/internal/adapter/mcp"
	"github.com/Strob0t/Chimera/internal/adapter/natskv"
	chotel "github.com/Strob0t/Chimera/internal/adapter/otel"
	"github.com/Strob0t/Chimera/internal/adapter/ristretto"
	_ "github.com/Strob0t/Chimera/internal/adapter/slack" // registers the slack notifier
	"github.com/Strob0t/Chimera/internal/adapter/ws"
	"github.com/Strob0t/Chimera/internal/middleware"
	"github.com/Strob0t/Chimera/internal/port/cache"
	"github.com/Strob0t/Chimera/internal/port/notifier"
	"github.com/Strob0t/Chimera/internal/service"
)

const (
	requestTimeout  = 30 * time.Second
	shutdownTimeout = 10 * time.Second
)

// serveAPI mounts the HTTP front door, the websocket hub and the optional MCP
// server, and registers their lifecycles on g.
func (k *kernel) serveAPI(ctx context.Context, g *errgroup.Group) error {
	cfg := k.cfg

	hub := ws.NewHub(cfg.Server.CORSOrigin)
	k.onClose(hub.Close)
	if k.bus != nil {
		stopRelay, err := ws.Relay(ctx, k.bus, hub)
		if err != nil {
			return err
		}
		k.onClose(stopRelay)
	}

	if err := k.startNotifications(ctx); err != nil {
		return err
	}

	idem, err := k.idempotencyStore(ctx)
	if err != nil {
		return err
	}

	rl := middleware.NewRateLimiter(cfg.Rate.RequestsPerSecond, cfg.Rate.Burst)
	k.onClose(rl.StartCleanup(cfg.Rate.CleanupInterval, cfg.Rate.MaxIdleTime))

	r := chi.NewRouter()
	r.Use(chhttp.CORS(cfg.Server.CORSOrigin))
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chhttp.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chhttp.SecurityHeaders)
	r.Use(chotel.HTTPMiddleware(cfg.OTEL.ServiceName))

	r.Get("/health", chhttp.Health(k.healthChecks()))
	r.Get("/ws", hub.HandleWS)

	r.Group(func(r chi.Router) {
		r.Use(chimw.Timeout(requestTimeout))
		r.Use(rl.Handler)
		r.Use(middleware.Idempotency(idem, cfg.Idempotency.TTL))
		chhttp.MountRoutes(r, &chhttp.Handlers{
			Orchestrator: k.orchestrator,
			HITL:         k.hitl,
			Budget:       k.budget,
			Queue:        k.storage.queue,
		})
	})

	var mcpSrv *mcp.Server
	if cfg.MCP.Enabled {
		mcpSrv = mcp.NewServer(mcp.ServerConfig{
			Addr:      cfg.MCP.Addr,
			Name:      "chimera",
			Version:   version,
			KeySource: k.secrets.Source(secretMCPKey, cfg.MCP.APIKey),
		}, mcp.ServerDeps{
			Tasks:       k.orchestrator,
			Adjudicator: k.orchestrator,
			HITL:        k.hitl,
			Budget:      k.budget,
			Queue:       k.storage.queue,
		})
		if err := mcpSrv.Start(); err != nil {
			return err
		}
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		slog.Info("server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if mcpSrv != nil {
			if err := mcpSrv.Stop(shutdownCtx); err != nil {
				slog.Warn("mcp stop", "error", err)
			}
		}
		return srv.Shutdown(shutdownCtx)
	})
	return nil
}

// idempotencyStore keeps replayable responses in NATS KV so every API replica
// shares them. Without NATS the store is process-local.
func (k *kernel) idempotencyStore(ctx context.Context) (cache.Cache, error) {
	if k.nats != nil {
		kv, err := k.nats.KeyValue(ctx, k.cfg.Idempotency.Bucket, k.cfg.Idempotency.TTL)
		if err != nil {
			return nil, fmt.Errorf("idempotency bucket: %w", err)
		}
		return natskv.New(kv), nil
	}
	local, err := ristretto.New(8)
	if err != nil {
		return nil, fmt.Errorf("idempotency cache: %w", err)
	}
	k.onClose(local.Close)
	return local, nil
}

// startNotifications pages operators through the configured channels.
func (k *kernel) startNotifications(ctx context.Context) error {
	if k.cfg.Notify.SlackWebhookURL == "" {
		return nil
	}
	if k.bus == nil {
		slog.Warn("notifications need nats, slack webhook ignored")
		return nil
	}
	n, err := notifier.New("slack", map[string]string{"webhook_url": k.cfg.Notify.SlackWebhookURL})
	if err != nil {
		return err
	}
	stop, err := service.NewNotificationService(k.bus, n).Start(ctx)
	if err != nil {
		return err
	}
	k.onClose(stop)
	return nil
}

// healthChecks lists the backing services this process depends on.
func (k *kernel) healthChecks() chhttp.HealthChecks {
	hc := chhttp.HealthChecks{Version: version}
	if k.storage.pool != nil {
		hc.Postgres = k.storage.pool
	}
	if k.nats != nil {
		hc.NATS = k.nats
	}
	return hc
}
