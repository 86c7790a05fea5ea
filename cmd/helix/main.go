// Command helix launches the local runtime: audit chain, AI operation
// control plane, hardening modules, session sync, and the gateway API.
//
// Exit codes: 0 clean shutdown, 1 fatal startup error, 2 gateway port
// range exhausted, 3 config-guard refusal.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/helixos/helix/pkg/api"
	"github.com/helixos/helix/pkg/approval"
	"github.com/helixos/helix/pkg/bootstrap"
	"github.com/helixos/helix/pkg/chain"
	"github.com/helixos/helix/pkg/config"
	"github.com/helixos/helix/pkg/configguard"
	"github.com/helixos/helix/pkg/cost"
	"github.com/helixos/helix/pkg/fault"
	"github.com/helixos/helix/pkg/gateauth"
	"github.com/helixos/helix/pkg/observability"
	"github.com/helixos/helix/pkg/prelog"
	"github.com/helixos/helix/pkg/provider"
	"github.com/helixos/helix/pkg/ratelimit"
	"github.com/helixos/helix/pkg/rbac"
	"github.com/helixos/helix/pkg/registry"
	"github.com/helixos/helix/pkg/router"
	"github.com/helixos/helix/pkg/store"
	"github.com/helixos/helix/pkg/syncengine"
	"github.com/helixos/helix/pkg/telemetry"
	"github.com/helixos/helix/pkg/webhook"
)

const (
	exitClean         = 0
	exitFatal         = 1
	exitPortExhausted = 2
	exitConfigRefused = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	_ = godotenv.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("configuration invalid", "error", err)
		return exitFatal
	}

	if err := gateauth.ValidateBind(cfg.GatewayHost, cfg.Environment); err != nil {
		logger.Error("bind refused", "error", err)
		return exitConfigRefused
	}

	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		logger.Error("state dir", "error", err)
		return exitFatal
	}

	// Core stores come up before the bootstrap sequence: the sequence's
	// first step already writes to the chain.
	chainStore, err := chain.Open(filepath.Join(cfg.StateDir, "chain.log"))
	if err != nil {
		logger.Error("chain open failed", "error", err)
		return exitFatal
	}
	defer chainStore.Close()

	db, err := store.Open(filepath.Join(cfg.StateDir, "helix.db"))
	if err != nil {
		logger.Error("local store open failed", "error", err)
		return exitFatal
	}
	defer db.Close()
	chainStore.WithMirror(store.NewChainMirror(db))

	sink := webhook.NewSink(cfg.WebhookURLs, logger)
	audit := prelog.New(chainStore, sink, logger)

	instanceID, err := telemetry.InstanceID(filepath.Join(cfg.StateDir, "instance-id"))
	if err != nil {
		logger.Error("instance id", "error", err)
		return exitFatal
	}

	// Rate limiting: shared store when redis is configured, in-memory
	// otherwise.
	var limiterStore ratelimit.Store = ratelimit.NewMemoryStore()
	if cfg.RedisAddr != "" {
		limiterStore = ratelimit.NewRedisStore(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}))
	}
	limiter := ratelimit.New(limiterStore)

	// Cost tracking: external postgres when configured.
	var costStore cost.ExternalStore
	if cfg.DatabaseURL != "" {
		pg, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			logger.Error("postgres open failed", "error", err)
			return exitFatal
		}
		defer pg.Close()
		costStore, err = cost.NewPostgresStore(pg)
		if err != nil {
			logger.Error("postgres schema failed", "error", err)
			return exitFatal
		}
	}
	tracker := cost.NewTracker(costStore, logger)

	enforcer := rbac.NewEnforcer(audit)
	gate := approval.NewGate(func(actor string) bool {
		return enforcer.RoleOf(actor).AtLeast(rbac.RoleApprover)
	}, audit).WithTimeout(cfg.ApprovalTimeout)

	masterKey := []byte(cfg.GatewayToken)
	if len(masterKey) == 0 {
		masterKey = []byte(instanceID)
	}

	reg := registry.NewWithDefaults()
	adapters := provider.Registry{
		"openai":    provider.NewOpenAIAdapter(cfg.LLMBaseURL, cfg.LLMAPIKey),
		"anthropic": provider.NewOpenAIAdapter(cfg.LLMBaseURL, cfg.LLMAPIKey),
		"local":     provider.NewStubAdapter(),
	}
	rt := router.New(reg, adapters, tracker, gate, limiter, audit, router.Options{}, logger)

	sessions := store.NewSessionStore(db)
	queue, err := syncengine.OpenOfflineQueue(filepath.Join(cfg.StateDir, "offline-queue"))
	if err != nil {
		logger.Error("offline queue open failed", "error", err)
		return exitFatal
	}
	syncPeer := syncengine.NewServerTransport(func(token string) bool {
		return cfg.GatewayToken == "" || ratelimit.ConstantTimeEqual(token, cfg.GatewayToken)
	})
	engine := syncengine.NewEngine(instanceID[:8], syncPeer, queue, audit, sessions, logger)

	batcher := telemetry.NewBatcher(instanceID, cfg.TelemetryURL, cfg.EnableTelemetry, logger)
	heartbeat := telemetry.NewHeartbeat(sink, logger)

	obs, err := observability.New(context.Background(), &observability.Config{
		ServiceName:  "helix-core",
		Environment:  cfg.Environment,
		Enabled:      cfg.EnableTelemetry,
		Insecure:     cfg.Environment != "production",
		OTLPEndpoint: "localhost:4317",
		SampleRate:   1.0,
		BatchTimeout: 5 * time.Second,
	}, logger)
	if err != nil {
		logger.Error("observability init failed", "error", err)
		return exitFatal
	}

	minter := gateauth.NewTokenMinter(masterKey, time.Hour)

	// Deterministic startup order; shutdown runs the mirror image and
	// finishes with the offline event.
	var guard *configguard.Guard
	var listener net.Listener
	var httpServer *http.Server
	engineCtx, engineCancel := context.WithCancel(context.Background())

	seq := bootstrap.NewSequence(logger)
	seq.Add("announce", func(ctx context.Context) error {
		_, err := audit.Pre(ctx, webhook.ChannelAlerts, prelog.Event{
			Kind: "startup", Detail: map[string]any{"instance": instanceID[:8], "env": cfg.Environment},
		})
		return err
	}, func() {
		audit.Post(webhook.ChannelAlerts, prelog.Event{Kind: "offline"})
		sink.Close()
	})
	seq.Add("heartbeat", func(context.Context) error { heartbeat.Start(); return nil }, heartbeat.Stop)
	seq.Add("config-guard", func(context.Context) error {
		g, err := configguard.New(masterKey, filepath.Join(cfg.StateDir, "config.json"), audit)
		if err != nil {
			return fault.Wrap(fault.KindConfigRefused, err, "config guard load failed")
		}
		guard = g
		return nil
	}, nil)
	seq.Add("cost-tracker", func(context.Context) error { tracker.Start(); return nil }, tracker.Stop)
	seq.Add("rate-limiter", func(context.Context) error { limiter.StartJanitor(); return nil }, limiter.StopJanitor)
	seq.Add("gateway-port", func(context.Context) error {
		port, l, err := bootstrap.DiscoverPort(cfg.GatewayHost, cfg.GatewayPort)
		if err != nil {
			return err
		}
		listener = l
		logger.Info("gateway port bound", "port", port)
		return nil
	}, func() {
		if listener != nil {
			_ = listener.Close()
		}
	})
	seq.Add("telemetry", func(context.Context) error { batcher.Start(); return nil }, batcher.Stop)
	seq.Add("sync-engine", func(context.Context) error {
		go engine.Run(engineCtx)
		return nil
	}, func() {
		engineCancel()
		engine.Close()
	})
	seq.Add("api-listener", func(context.Context) error {
		server := api.NewServer(api.Deps{
			Router:   rt,
			Engine:   engine,
			Sessions: sessions,
			Gate:     gate,
			Guard:    guard,
			Chain:    chainStore,
			Limiter:  limiter,
			Minter:   minter,
			Token:    cfg.GatewayToken,
			SyncPeer: syncPeer,
			Obs:      obs,
			Logger:   logger,
		})
		httpServer = &http.Server{Handler: server.Handler()}
		go func() {
			if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("api server stopped", "error", err)
			}
		}()
		return nil
	}, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if httpServer != nil {
			_ = httpServer.Shutdown(ctx)
		}
	})
	seq.Add("approval-gate", func(context.Context) error { return nil }, gate.Close)

	if err := seq.Start(context.Background()); err != nil {
		if errors.Is(err, bootstrap.ErrPortExhausted) {
			return exitPortExhausted
		}
		if fault.Is(err, fault.KindConfigRefused) {
			return exitConfigRefused
		}
		return exitFatal
	}

	batcher.Record(telemetry.EventSessionStart, map[string]any{"env": cfg.Environment})

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	logger.Info("shutting down", "signal", fmt.Sprintf("%v", sig))

	batcher.Record(telemetry.EventSessionEnd, nil)
	seq.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = obs.Shutdown(shutdownCtx)

	return exitClean
}
