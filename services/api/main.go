package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sidethreads/internal/config"
	"github.com/sidethreads/internal/handler"
	"github.com/sidethreads/internal/logger"
	"github.com/sidethreads/internal/metrics"
	"github.com/sidethreads/internal/middleware"
	"github.com/sidethreads/internal/repository"
	"github.com/sidethreads/internal/service"
	"github.com/sidethreads/internal/startup"
	"github.com/sidethreads/internal/storage"
	"github.com/sidethreads/internal/storage/devstore"
	"github.com/sidethreads/internal/storage/memory"
	redisstorage "github.com/sidethreads/internal/storage/redis"
	"github.com/sidethreads/internal/stream"
	"github.com/sidethreads/internal/thread"
	"github.com/sidethreads/internal/ws"
)

// stores — выбранный бэкенд хранения.
type stores struct {
	threads storage.ThreadStore
	reads   storage.ReadMarkerStore
	dir     storage.Directory
	close   func()
}

func main() {
	logger.SetPrefix("threads")
	migrate := flag.Bool("migrate", false, "run database migrations and exit")
	dev := flag.Bool("dev", false, "start with embedded PostgreSQL and demo data (no external DB required)")
	inMemory := flag.Bool("memory", false, "keep everything in process memory (no database at all)")
	flag.Parse()

	logger.Info("starting thread service")
	cfg := config.Load()
	logger.SetLevel(cfg.LogLevel)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	var st *stores
	if *inMemory {
		mem := memory.New()
		devstore.SeedMemory(mem)
		logger.Infof("in-memory store, demo server %s channel %s", devstore.ServerID, devstore.ChannelID)
		st = &stores{threads: mem, reads: mem, dir: mem, close: func() {}}
	} else {
		var err error
		st, err = openPostgres(rootCtx, cfg, *dev, *migrate)
		if err != nil {
			logger.Errorf("%v", err)
			os.Exit(1)
		}
		if st == nil {
			return
		}
	}
	defer st.close()

	redisClient, err := startup.ConnectRedisWithRetry(rootCtx, cfg.Redis.URL, 30*time.Second, "")
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	var (
		broker  stream.Broker        = stream.NewLocalBroker()
		members thread.MemberLister = st.dir
	)
	if redisClient != nil {
		defer redisClient.Close()
		broker = redisClient
		members = redisstorage.NewMemberCache(redisClient, st.dir, cfg.Threads.MemberCacheTTL())
	}

	svc := service.NewThreadService(st.threads, st.reads, st.dir, members, broker, service.ThreadConfig{
		DefaultTTLHours:   cfg.Threads.DefaultTTLHours,
		DefaultMaxMembers: cfg.Threads.DefaultMaxMembers,
		Wildcards:         thread.NewWildcards(cfg.Threads.WildcardTokens...),
		StreamLimit:       cfg.Threads.StreamLimit,
	})
	service.NewReconciler(st.threads, 0).Start(rootCtx, cfg.Threads.ReconcileInterval())

	hubCtx, hubCancel := context.WithCancel(rootCtx)
	hub := ws.NewHub(svc, cfg.MaxWSConnections, ws.Limits{
		WriteWait:      time.Duration(cfg.WSWriteTimeout) * time.Second,
		PongWait:       time.Duration(cfg.WSPongTimeout) * time.Second,
		MaxMessageSize: int64(cfg.WSMaxMessageSize),
		SendBufSize:    cfg.WSSendBufferSize,
	})
	var hubWg sync.WaitGroup
	hubWg.Add(1)
	go func() {
		defer hubWg.Done()
		hub.Run(hubCtx)
	}()

	threadH := handler.NewThreadHandler(svc)
	wsH := handler.NewWSHandler(hub, cfg.CORSAllowedOrigins)
	configH := handler.NewConfigHandler(cfg)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RecoverJSON)
	r.Use(metrics.Middleware)
	// Не сжимать WebSocket — иначе ResponseWriter не реализует http.Hijacker и upgrade даёт 500.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
				next.ServeHTTP(w, req)
				return
			}
			chimw.Compress(5)(next).ServeHTTP(w, req)
		})
	})
	r.Use(middleware.RequestLog)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{cfg.CORSAllowedOrigins},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Session-Id", "X-Timestamp", "X-Signature", "X-User-Id", "X-User-Name"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK); w.Write([]byte("ok")) })
	r.With(middleware.InternalOnly(cfg.MetricsSecret)).Handle("/metrics", promhttp.Handler())
	r.Get("/api/config/threads", configH.GetThreadsConfig)

	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthServiceValidate(cfg.AuthServiceURL, nil))
		r.Use(middleware.RateLimit(cfg.RateLimitPerIP, cfg.RateLimitPerUser, time.Minute))
		threadH.Routes(r)
		r.Get("/ws", wsH.ServeWS)
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	var srvWg sync.WaitGroup
	errCh := make(chan error, 1)
	srvWg.Add(1)
	go func() {
		defer srvWg.Done()
		logger.Infof("server listening on %s", cfg.ServerAddr)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Errorf("server error: %v", err)
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	logger.Info("server stopped accepting connections")
	hubCancel()
	hubWg.Wait()
	logger.Info("hub stopped")
	rootCancel()
	srvWg.Wait()
	logger.Info("server goroutine exited")
}

// openPostgres поднимает пул (и встроенный Postgres в -dev), применяет миграции.
// nil без ошибки — запуск только ради -migrate.
func openPostgres(ctx context.Context, cfg *config.Config, dev, migrateOnly bool) (*stores, error) {
	var embeddedDB *embeddedpostgres.EmbeddedPostgres
	stopEmbedded := func() {
		if embeddedDB == nil {
			return
		}
		logger.Info("stopping embedded postgres...")
		if err := embeddedDB.Stop(); err != nil {
			logger.Errorf("embedded postgres stop: %v", err)
		}
	}
	if dev {
		var err error
		embeddedDB, err = startEmbeddedPostgres(cfg)
		if err != nil {
			return nil, fmt.Errorf("embedded postgres: %w", err)
		}
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL())
	if err != nil {
		stopEmbedded()
		return nil, fmt.Errorf("parse db config: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.DBMaxConnections())
	poolCfg.MinConns = 4

	pool, err := startup.ConnectDBWithRetry(ctx, poolCfg, 60*time.Second, "")
	if err != nil {
		stopEmbedded()
		return nil, err
	}
	closeAll := func() {
		pool.Close()
		stopEmbedded()
	}

	migrateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := startup.RunMigrations(migrateCtx, pool); err != nil {
		closeAll()
		return nil, err
	}
	if migrateOnly && !dev {
		closeAll()
		return nil, nil
	}
	if dev {
		if err := devstore.Seed(migrateCtx, pool); err != nil {
			closeAll()
			return nil, err
		}
	}
	logger.Info("database connected, migrations applied")

	return &stores{
		threads: repository.NewThreadRepository(pool),
		reads:   repository.NewReadMarkerRepository(pool),
		dir:     repository.NewDirectoryRepository(pool),
		close:   closeAll,
	}, nil
}

func startEmbeddedPostgres(cfg *config.Config) (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5432
		user     = "threads"
		password = "threads_secret"
		database = "threads"
	)

	dataDir := filepath.Join(".", ".pgdata")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create pgdata dir: %w", err)
	}

	db := embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Port(port).
			Username(user).
			Password(password).
			Database(database).
			DataPath(dataDir).
			RuntimePath(filepath.Join(os.TempDir(), "embedded-pg-runtime")),
	)

	logger.Info("starting embedded PostgreSQL...")
	if err := db.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	cfg.Database.URL = fmt.Sprintf(
		"postgres://%s:%s@localhost:%d/%s?sslmode=disable",
		user, password, port, database,
	)
	logger.Infof("embedded PostgreSQL running on port %d", port)
	return db, nil
}
