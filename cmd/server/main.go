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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/zhengxuyu/Hyper-Alpha-Arena/internal/api"
	"github.com/zhengxuyu/Hyper-Alpha-Arena/internal/assets"
	"github.com/zhengxuyu/Hyper-Alpha-Arena/internal/autotrade"
	"github.com/zhengxuyu/Hyper-Alpha-Arena/internal/broker"
	"github.com/zhengxuyu/Hyper-Alpha-Arena/internal/config"
	"github.com/zhengxuyu/Hyper-Alpha-Arena/internal/engine"
	"github.com/zhengxuyu/Hyper-Alpha-Arena/internal/hub"
	"github.com/zhengxuyu/Hyper-Alpha-Arena/internal/ledger"
	"github.com/zhengxuyu/Hyper-Alpha-Arena/internal/metrics"
	"github.com/zhengxuyu/Hyper-Alpha-Arena/internal/oracle"
	"github.com/zhengxuyu/Hyper-Alpha-Arena/internal/sched"
)

func main() {
	godotenv.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	var cleanup []func()
	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Ledgers: two physically separate stores, paper and real ---
	openLedger := func(mode, url string) ledger.Ledger {
		if url == "" {
			slog.Warn("database URL not set, using in-memory ledger (data will not persist)", "mode", mode)
			return ledger.NewMemoryLedger()
		}
		pool, err := pgxpool.New(context.Background(), url)
		if err != nil {
			slog.Error("database connection failed", "mode", mode, "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		slog.Info("connected to PostgreSQL", "mode", mode)
		return ledger.NewPostgresLedger(pool)
	}
	router := ledger.NewRouter(
		openLedger("paper", cfg.PaperDatabaseURL),
		openLedger("real", cfg.RealDatabaseURL),
	)

	// --- Broker gateway (also serves as the public price feed) ---
	gate := broker.NewGate(cfg.Broker.MinInterval)
	kraken := broker.NewKrakenGateway(cfg.Broker.BaseURL, cfg.Broker.APIKey, cfg.Broker.APISecret, gate)
	var gw broker.Gateway = kraken
	if !cfg.Broker.Enabled() {
		slog.Warn("broker credentials not set, real-mode mirroring disabled")
		gw = broker.NewDisabled()
	}

	// --- Pricing oracle: public ticker behind a freshness-bounded cache ---
	var prices oracle.Source
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid redis URL", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		prices = oracle.NewRedisCached(kraken, rdb, oracle.DefaultTTL)
		slog.Info("Redis price cache enabled")
	} else {
		prices = oracle.NewCached(kraken, oracle.DefaultTTL)
	}

	// --- Core services ---
	recorder := assets.NewRecorder(router, prices)
	builder := hub.NewBuilder(router, recorder)
	wsHub := hub.New(builder, hub.SnapshotInterval)
	notifier := hub.NewNotifier(wsHub)
	eng := engine.New(router, prices, gw, notifier)
	runner := autotrade.NewRunner(eng, prices, autotrade.NewChatClient(), nil)
	wsServer := hub.NewServer(wsHub, eng, builder, recorder)

	// --- Scheduler ---
	sweeper := sched.New(eng, runner, recorder)
	intervals := sched.DefaultIntervals()
	if cfg.Jobs.PendingSweep > 0 {
		intervals.PendingSweep = cfg.Jobs.PendingSweep
	}
	if cfg.Jobs.AIPass > 0 {
		intervals.AIPass = cfg.Jobs.AIPass
	}
	if cfg.Jobs.SnapshotTick > 0 {
		intervals.SnapshotTick = cfg.Jobs.SnapshotTick
	}
	if cfg.Jobs.Purge > 0 {
		intervals.Purge = cfg.Jobs.Purge
	}
	if cfg.Jobs.BalanceSync > 0 {
		intervals.BalanceSync = cfg.Jobs.BalanceSync
	}
	schedCtx, stopSched := context.WithCancel(context.Background())
	go sweeper.Start(schedCtx, intervals)

	// --- HTTP router ---
	svc := api.NewService(eng, recorder, builder, sweeper)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"arena-trading"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for account snapshots and fill events.
		r.Get("/ws", wsServer.HandleWS)
		svc.Mount(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("arena-trading listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	stopSched()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down arena-trading...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("arena-trading stopped")
}
