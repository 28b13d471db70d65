// Command server runs the pingrelay controller.
//
// # Usage
//
//	server --port 5000
//	server --database op://infra/pingrelay-db/url --redis redis://localhost:6379/0
//
// # Configuration
//
// The server can be configured via:
//   - Command-line flags
//   - Environment variables (PINGRELAY_*)
//   - 1Password Connect (OP_CONNECT_HOST, OP_CONNECT_TOKEN) for op:// values
//
// Without --database state is kept in memory. Without --redis the
// instruction queue is in memory and responses are not cached.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pilot-net/pingrelay/control-plane/internal/api"
	"github.com/pilot-net/pingrelay/control-plane/internal/cache"
	"github.com/pilot-net/pingrelay/control-plane/internal/config"
	"github.com/pilot-net/pingrelay/control-plane/internal/metrics"
	"github.com/pilot-net/pingrelay/control-plane/internal/secrets"
	"github.com/pilot-net/pingrelay/control-plane/internal/service"
	"github.com/pilot-net/pingrelay/control-plane/internal/store"
	"github.com/pilot-net/pingrelay/control-plane/internal/udpecho"
	"github.com/pilot-net/pingrelay/db/migrate"
)

var Version = "dev"

func main() {
	var (
		port           = flag.Int("port", envInt("PINGRELAY_PORT", 5000), "HTTP server port")
		dbURL          = flag.String("database", os.Getenv("PINGRELAY_DATABASE_URL"), "Database URL (postgres://... or op://vault/item/field); empty keeps state in memory")
		redisURL       = flag.String("redis", os.Getenv("PINGRELAY_REDIS_URL"), "Redis URL for the instruction queue and response cache")
		udpPort        = flag.Int("udp-echo-port", envInt("PINGRELAY_UDP_ECHO_PORT", config.DefaultUDPEchoPort), "UDP echo port (0 disables)")
		adminTokenHash = flag.String("admin-token-hash", os.Getenv("PINGRELAY_ADMIN_TOKEN_HASH"), "bcrypt hash of the operator token")
		migrateStatus  = flag.Bool("migrate-status", false, "Print migration status and exit")
		debug          = flag.Bool("debug", false, "Enable debug logging")
		version        = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *version {
		fmt.Println("pingrelay-server", Version)
		os.Exit(0)
	}

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	resolver, err := secrets.NewResolver(secrets.ConfigFromEnv(), logger)
	if err != nil {
		logger.Error("failed to initialize secrets", "error", err)
		os.Exit(1)
	}

	st, err := openStore(ctx, resolver, *dbURL, *migrateStatus, logger)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()
	if *migrateStatus {
		return
	}

	var (
		queue         cache.InstructionQueue = cache.NewMemoryQueue()
		responseCache *cache.Cache
	)
	if *redisURL != "" {
		url, err := resolver.Resolve(ctx, *redisURL)
		if err != nil {
			logger.Error("failed to resolve redis URL", "error", err)
			os.Exit(1)
		}
		rdb, err := cache.Connect(ctx, url)
		if err != nil {
			logger.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer rdb.Close()
		queue = cache.NewRedisQueue(rdb)
		responseCache = cache.New(rdb, logger)
		logger.Info("connected to redis")
	}

	svc := service.NewService(st, queue, logger)
	collector := metrics.NewCollector(st, queue)
	apiServer := api.NewServer(api.Config{
		Version:        Version,
		AdminTokenHash: *adminTokenHash,
	}, svc, collector, responseCache, logger)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      apiServer,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting server", "port", *port, "version", Version)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	if *udpPort > 0 {
		echo := udpecho.New(logger)
		g.Go(func() error {
			return echo.ListenAndServe(gctx, fmt.Sprintf(":%d", *udpPort))
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

// openStore returns a Postgres store when dbURL is set, migrating it first,
// and a memory store otherwise.
func openStore(ctx context.Context, resolver secrets.Resolver, dbURL string, statusOnly bool, logger *slog.Logger) (store.Store, error) {
	if dbURL == "" {
		if statusOnly {
			return nil, errors.New("--migrate-status requires --database")
		}
		logger.Warn("no database configured, state is kept in memory")
		return store.NewMemoryStore(), nil
	}

	url, err := resolver.Resolve(ctx, dbURL)
	if err != nil {
		return nil, fmt.Errorf("resolving database URL: %w", err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, config.DatabasePingTimeout)
	defer cancel()

	pg, err := store.NewPostgresStoreFromURL(connectCtx, url)
	if err != nil {
		return nil, err
	}
	if err := pg.Ping(connectCtx); err != nil {
		pg.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	logger.Info("connected to database")

	if statusOnly {
		status, err := migrate.GetStatus(ctx, pg.Pool())
		if err != nil {
			pg.Close()
			return nil, err
		}
		for _, r := range status.Applied {
			fmt.Printf("applied  %03d_%s  %s\n", r.Version, r.Name, r.AppliedAt.Format(time.RFC3339))
		}
		for _, p := range status.Pending {
			fmt.Printf("pending  %s\n", p)
		}
		return pg, nil
	}

	if err := migrate.Run(ctx, pg.Pool(), logger); err != nil {
		pg.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}
	return pg, nil
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
