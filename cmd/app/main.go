package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BuzzLyutic/taskboard-sync/internal/access"
	"github.com/BuzzLyutic/taskboard-sync/internal/auth"
	"github.com/BuzzLyutic/taskboard-sync/internal/config"
	"github.com/BuzzLyutic/taskboard-sync/internal/handler"
	"github.com/BuzzLyutic/taskboard-sync/internal/logging"
	"github.com/BuzzLyutic/taskboard-sync/internal/repo"
	"github.com/BuzzLyutic/taskboard-sync/internal/service"
	"github.com/BuzzLyutic/taskboard-sync/internal/store"
	mongostore "github.com/BuzzLyutic/taskboard-sync/internal/store/mongo"
	pgstore "github.com/BuzzLyutic/taskboard-sync/internal/store/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	ln, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		logger.Fatal("listen", zap.String("port", cfg.Port), zap.Error(err))
	}

	if err := run(ctx, cfg, logger, ln); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
	logger.Info("server stopped successfully")
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	backing, closeStore, err := openStore(gctx, g, cfg, logger)
	if err != nil {
		ln.Close()
		return err
	}
	defer closeStore()

	st := store.WithBreaker(backing, store.BreakerSettings{
		Name:        cfg.StoreDriver,
		MaxFailures: cfg.BreakerMaxFailures,
		Timeout:     cfg.BreakerTimeout,
	}, logger)

	policy := repo.DefaultRetryPolicy()
	policy.MaxRetries = cfg.CASMaxRetries
	policy.InitialInterval = cfg.CASInitialBackoff
	projects := repo.NewProjectRepo(st, policy, logger)

	controller := access.NewController(projects, access.NewLockout(cfg.JoinMaxAttempts, cfg.JoinCooldown), logger)
	tokens := auth.NewTokenService(cfg.JWTSecret)
	srv := service.NewProjectService(projects, controller, logger)

	router, err := handler.NewRouter(handler.RouterConfig{
		Projects: handler.NewProjectHandler(srv, logger),
		Tokens:   tokens,
		Logger:   logger,
		JoinRate: cfg.JoinRate,
		Metrics:  true,
	})
	if err != nil {
		ln.Close()
		return err
	}

	httpSrv := &http.Server{
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		logger.Info("server started", zap.String("addr", ln.Addr().String()), zap.String("store", cfg.StoreDriver))
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// openStore connects the configured backend. Change listeners run in g and
// stop with its context.
func openStore(ctx context.Context, g *errgroup.Group, cfg config.Config, logger *zap.Logger) (store.Store, func(), error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to database: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("ping database: %w", err)
		}
		logger.Info("successfully connected to the database")

		s := pgstore.New(pool, logger)
		g.Go(func() error { return s.Listen(ctx) })
		return s, pool.Close, nil

	case config.DriverMongo:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, nil, fmt.Errorf("connect to mongo: %w", err)
		}
		disconnect := func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = client.Disconnect(ctx)
		}
		if err := client.Ping(ctx, nil); err != nil {
			disconnect()
			return nil, nil, fmt.Errorf("ping mongo: %w", err)
		}
		logger.Info("successfully connected to mongo", zap.String("database", cfg.MongoDatabase))

		s := mongostore.New(client.Database(cfg.MongoDatabase), logger)
		if err := s.EnsureIndexes(ctx); err != nil {
			disconnect()
			return nil, nil, fmt.Errorf("ensure indexes: %w", err)
		}
		g.Go(func() error { return s.Watch(ctx) })
		return s, disconnect, nil

	default:
		s := store.NewMemoryStore()
		// Closing ends open event streams, which Shutdown waits for.
		g.Go(func() error {
			<-ctx.Done()
			s.Close()
			return nil
		})
		return s, s.Close, nil
	}
}
