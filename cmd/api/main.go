package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	red "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"usermanage.org/internal/audit"
	"usermanage.org/internal/auth"
	"usermanage.org/internal/config"
	"usermanage.org/internal/httpapi"
	"usermanage.org/internal/obs"
	"usermanage.org/internal/store/pg"
	redisstore "usermanage.org/internal/store/redis"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("usermanage-api: %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.App.Version != "dev" {
		version = cfg.App.Version
	}
	if cfg.App.Commit != "none" {
		commit = cfg.App.Commit
	}

	logger, err := obs.InitLogger(cfg.App.Env)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	// Регистрация метрик и build_info
	obs.Init()
	obs.InitBuildInfo(version, commit)

	probe := httpapi.ReadyProbe{}
	var closers []io.Closer

	store, err := openStore(cfg, probe, &closers)
	if err != nil {
		return err
	}
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
	}()

	publishers := []audit.Publisher{audit.NewLogPublisher(logger)}
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := audit.NewKafkaProducer(cfg.Kafka.Brokers)
		if err != nil {
			return fmt.Errorf("kafka producer: %w", err)
		}
		kp := audit.NewKafkaPublisher(producer, cfg.Kafka.Topic, logger)
		closers = append(closers, kp)
		publishers = append(publishers, kp)
		logger.Info("security events published to kafka", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}

	svc, err := auth.NewService(store,
		auth.WithSecret(cfg.JWT.SecretKey),
		auth.WithIssuer(cfg.JWT.Issuer),
		auth.WithAudience(cfg.JWT.Audience),
		auth.WithAccessTTL(cfg.JWT.AccessTTL()),
		auth.WithRefreshTTL(cfg.JWT.RefreshTTL()),
		auth.WithDefaultDeny(cfg.Authz.DefaultDeny),
		auth.WithDecisionObserver(obs.ObserveDecision),
	)
	if err != nil {
		return fmt.Errorf("auth service: %w", err)
	}

	api := httpapi.New(svc, audit.Multi(publishers...), probe, httpapi.Options{
		Version:       version,
		MaxBodyBytes:  cfg.HTTP.MaxBodyBytes,
		RateBurst:     cfg.RateLimit.Burst,
		RatePerSecond: cfg.RateLimit.PerSecond,
	})
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	grpcServer := httpapi.NewGRPCService(svc, probe, httpapi.GRPCOptions{
		Version: version,
		Logger:  logger,
	})
	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)
	go func() {
		logger.Info("http listening", zap.String("addr", srv.Addr), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()
	go func() {
		logger.Info("grpc listening", zap.String("addr", cfg.GRPC.Addr))
		if err := grpcServer.Serve(lis); err != nil {
			errCh <- fmt.Errorf("grpc: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		logger.Error("server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(done)
	}()
	httpErr := srv.Shutdown(shutdownCtx)
	select {
	case <-done:
	case <-shutdownCtx.Done():
		grpcServer.Stop()
	}
	logger.Info("stopped")
	return httpErr
}

// openStore selects PostgreSQL when a DSN is configured and the in-memory
// store otherwise. Refresh tokens move to Redis when an address is set.
func openStore(cfg *config.Config, probe httpapi.ReadyProbe, closers *[]io.Closer) (auth.Store, error) {
	var store auth.Store
	if cfg.Postgres.DSN != "" {
		pgStore, err := pg.Open(cfg.Postgres.DSN, pg.PoolOptions{
			MaxOpenConns:    cfg.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Postgres.MaxIdleConns,
			ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		*closers = append(*closers, pgStore)
		probe["postgres"] = pgStore
		store = pgStore
	} else {
		mem, err := seedMemoryStore(cfg.Seed)
		if err != nil {
			return nil, err
		}
		obs.Logger().Warn("no postgres dsn configured, using in-memory credential store")
		store = mem
	}

	if cfg.Redis.Addr != "" {
		client := red.NewUniversalClient(&red.UniversalOptions{
			Addrs:    []string{cfg.Redis.Addr},
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		*closers = append(*closers, client)
		probe["redis"] = httpapi.PingFunc(func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})
		store = auth.SplitStore(store, redisstore.NewRefreshTokenRepository(client, cfg.Redis.KeyPrefix))
	}
	return store, nil
}

func seedMemoryStore(seed config.SeedSettings) (*auth.MemoryStore, error) {
	mem := auth.NewMemoryStore()
	mem.GrantPermission(auth.RoleHR, auth.PermUserGetAll)
	if seed.AdminUsername == "" {
		return mem, nil
	}
	if _, err := mem.PutIdentity(seed.AdminUsername, seed.AdminPassword, auth.RoleAdmin); err != nil {
		return nil, fmt.Errorf("seed admin: %w", err)
	}
	return mem, nil
}
