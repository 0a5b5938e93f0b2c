package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/example/route-negotiation/internal/assignment"
	"github.com/example/route-negotiation/internal/config"
	"github.com/example/route-negotiation/internal/dispatch"
	"github.com/example/route-negotiation/internal/estimate"
	httpapi "github.com/example/route-negotiation/internal/http"
	"github.com/example/route-negotiation/internal/logging"
	"github.com/example/route-negotiation/internal/matcher"
	"github.com/example/route-negotiation/internal/registry"
	"github.com/example/route-negotiation/internal/routes"
	"github.com/example/route-negotiation/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLogger("negotiation-api", cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

type readyCheck func(ctx context.Context) error

func run(cfg config.ServerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var checks []readyCheck

	var src routes.Source
	if cfg.RedisAddr != "" {
		rs := routes.NewRedisSource(cfg.RedisAddr, cfg.RedisPassword)
		defer rs.Close()
		src = rs
		checks = append(checks, rs.Ping)
	} else {
		logger.Warn("REDIS_ADDR not set, using in-memory routes")
		src = routes.NewMemory()
	}
	svc := &matcher.Service{
		Routes:        routes.NewIndexedSource(src, cfg.MatchMaxDistanceKm, cfg.RouteIndexTTL),
		MaxDistanceKm: cfg.MatchMaxDistanceKm,
	}

	var (
		store    storage.RequestStore
		profiles storage.ProfileStore
	)
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer ps.Close()
		if cfg.RunMigrations {
			if err := migrate(ctx, ps, cfg.MigrationsDir, logger); err != nil {
				return err
			}
		}
		store, profiles = ps, ps
		checks = append(checks, ps.DB().PingContext)
	} else {
		logger.Warn("PG_DSN not set, using in-memory store")
		mem := storage.NewMemoryStore()
		store, profiles = mem, mem
	}

	est := &estimate.Estimator{
		Cache:    estimate.NewCache(cfg.EstimateCacheTTL),
		BaseFare: cfg.FareBase,
		PerKm:    cfg.FarePerKm,
	}
	if cfg.OSRMEndpoint != "" {
		est.Client = estimate.NewOSRMClient(cfg.OSRMEndpoint)
	}

	hook, closeHooks, err := assignmentHook(cfg, logger)
	if err != nil {
		return err
	}
	defer closeHooks()

	ws := dispatch.NewWSRegistry(logger)
	reg := registry.New(registry.Deps{
		Store:     store,
		Profiles:  profiles,
		Routes:    svc,
		Estimator: est,
		Hook:      hook,
		Notifier:  ws,
		Logger:    logger,
	}, registry.Options{
		LockAttempts:   cfg.LockAttempts,
		LockBackoff:    cfg.LockBackoff,
		LockMaxBackoff: cfg.LockMaxBackoff,
	})

	api := httpapi.NewServer(httpapi.Deps{
		Matcher:  svc,
		Requests: reg,
		WS:       ws,
		Ready:    readiness(checks),
		Logger:   logger,
	}, httpapi.Options{
		JWTSecret:      cfg.JWTSecret,
		CORSOrigins:    cfg.CORSOrigins,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("route-negotiation listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

// assignmentHook fans out to every configured collaborator. The log hook is
// always present.
func assignmentHook(cfg config.ServerConfig, logger *slog.Logger) (assignment.Hook, func(), error) {
	hooks := assignment.Fanout{assignment.LogHook{Logger: logger}}
	var closers []func() error

	if len(cfg.KafkaBrokers) > 0 {
		kp := assignment.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaAssignmentTopic)
		hooks = append(hooks, kp)
		closers = append(closers, kp.Close)
	}
	if cfg.AMQPURL != "" {
		ap, err := assignment.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			for _, c := range closers {
				_ = c()
			}
			return nil, nil, err
		}
		hooks = append(hooks, ap)
		closers = append(closers, ap.Close)
	}
	if cfg.AssignmentWebhookURL != "" {
		hooks = append(hooks, assignment.NewWebhook(cfg.AssignmentWebhookURL))
	}

	return hooks, func() {
		for _, c := range closers {
			if err := c(); err != nil {
				logger.Warn("close assignment publisher", "error", err)
			}
		}
	}, nil
}

func readiness(checks []readyCheck) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		for _, c := range checks {
			if err := c(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

// migrate applies every .sql file in dir in name order.
func migrate(ctx context.Context, ps *storage.PostgresStore, dir string, logger *slog.Logger) error {
	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return err
	}
	sort.Strings(files)
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if err := ps.Migrate(ctx, string(b)); err != nil {
			return fmt.Errorf("apply migration %s: %w", f, err)
		}
		logger.Info("migration applied", "file", filepath.Base(f))
	}
	return nil
}
