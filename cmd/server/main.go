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
	"github.com/redis/go-redis/v9"

	"github.com/tornbuddy/buddy-engine/internal/api"
	"github.com/tornbuddy/buddy-engine/internal/catalog"
	"github.com/tornbuddy/buddy-engine/internal/config"
	"github.com/tornbuddy/buddy-engine/internal/ledger"
	"github.com/tornbuddy/buddy-engine/internal/match"
	"github.com/tornbuddy/buddy-engine/internal/metrics"
	"github.com/tornbuddy/buddy-engine/internal/scan"
	"github.com/tornbuddy/buddy-engine/internal/secrets"
	"github.com/tornbuddy/buddy-engine/internal/store"
	"github.com/tornbuddy/buddy-engine/internal/torn"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load("")
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	// --- Initialize store ---
	var cleanup []func()
	st, err := openStore(cfg, &cleanup)
	if err != nil {
		slog.Error("store unavailable", "err", err)
		os.Exit(1)
	}
	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Credential ---
	// Env overrides the stored key; PUT /settings/api-key writes to the file.
	keys := secrets.Chain{
		secrets.Env{secrets.TornAPIKey: config.EnvPrefix + "_TORN_API_KEY"},
		secrets.NewFileKeeper(cfg.Secrets.Path, cfg.Secrets.Passphrase),
		secrets.NewStatic(map[string]string{secrets.TornAPIKey: cfg.Torn.APIKey}),
	}

	// --- Remote API, item catalog and detector ---
	client := torn.NewClient(cfg.Torn.BaseURL,
		torn.WithTimeout(cfg.Torn.Timeout),
		torn.WithRateLimit(cfg.Torn.RequestsPerMinute),
		torn.WithCacheTTL(cfg.Torn.CacheTTL),
	)
	items := catalog.New(client, catalog.DefaultTTL)
	loc := cfg.Location()
	det := match.NewDetector(
		match.WithLocation(loc),
		match.WithFallbackWindow(cfg.Scan.FallbackWindow),
		match.WithMaxGenerate(cfg.Schedule.MaxGenerate),
		match.WithItemNamer(items),
	)

	// --- WebSocket hub ---
	wsHub := api.NewWSHub()
	go wsHub.Run()
	defer wsHub.Stop()

	// --- Ledger, scanner and API ---
	l := ledger.New(st, ledger.WithLocation(loc))
	if invs, err := l.List(context.Background()); err != nil {
		slog.Warn("investments not loaded yet", "err", err)
	} else {
		metrics.Investments.Set(float64(len(invs)))
		slog.Info("investments loaded", "count", len(invs))
	}
	scanner := scan.New(l, keys, client, items, det, wsHub)
	svc := api.NewService(l, scanner, keys, client, wsHub, api.Options{
		MaxGenerate: cfg.Schedule.MaxGenerate,
		Location:    loc,
		Items:       items,
	})

	// --- HTTP router ---
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
		w.Write([]byte(`{"status":"ok","service":"buddy-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Mount("/api/v1", svc.Routes())

	// --- Server ---
	// WriteTimeout covers a scan: a rate-limited fetch plus the ledger write.
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.Torn.Timeout + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("buddy-engine listening", "port", cfg.Server.Port, "timezone", loc.String())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down buddy-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("buddy-engine stopped")
}

// openStore picks the persistent store: Postgres (optionally behind a Redis
// cache), else SQLite, else Redis alone, else memory.
func openStore(cfg config.Config, cleanup *[]func()) (store.Store, error) {
	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis.url: %w", err)
		}
		rdb = redis.NewClient(opt)
		*cleanup = append(*cleanup, func() { rdb.Close() })
	}

	switch {
	case cfg.Database.URL != "":
		pool, err := pgxpool.New(context.Background(), cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		*cleanup = append(*cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.EnsureSchema(context.Background()); err != nil {
			return nil, err
		}
		var st store.Store = pg
		slog.Info("connected to PostgreSQL")
		if rdb != nil {
			st = store.NewCachedStore(st, rdb, cfg.Redis.TTL)
			slog.Info("Redis cache enabled")
		}
		return st, nil

	case cfg.Database.SQLitePath != "":
		sq, err := store.OpenSQLite(cfg.Database.SQLitePath)
		if err != nil {
			return nil, err
		}
		*cleanup = append(*cleanup, func() { sq.Close() })
		slog.Info("using SQLite store", "path", cfg.Database.SQLitePath)
		return sq, nil

	case rdb != nil:
		slog.Info("using Redis store")
		return store.NewRedisStore(rdb, "buddy:"), nil
	}

	slog.Warn("no database configured, using in-memory store (data will not persist)")
	return store.NewMemoryStore(), nil
}
