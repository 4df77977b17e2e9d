package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/rl1809/stock-ledger/internal/adapter/handler"
	"github.com/rl1809/stock-ledger/internal/adapter/messaging"
	"github.com/rl1809/stock-ledger/internal/adapter/storage"
	"github.com/rl1809/stock-ledger/internal/config"
	"github.com/rl1809/stock-ledger/internal/core/service"
	"github.com/rl1809/stock-ledger/internal/observability"
	"github.com/rl1809/stock-ledger/internal/port"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.OtelEndpoint)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer shutdownTracing(context.Background())

	// MySQL
	db, err := sql.Open("mysql", cfg.MySQLDSN)
	if err != nil {
		return fmt.Errorf("open mysql: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.MySQLMaxOpenConns)
	db.SetMaxIdleConns(cfg.MySQLMaxIdleConns)
	db.SetConnMaxLifetime(cfg.MySQLConnMaxLife)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping mysql: %w", err)
	}
	mysqlAdapter := storage.NewMySQLAdapter(db)
	if cfg.MySQLMigrate {
		if err := mysqlAdapter.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	logger.Info("connected to mysql")

	// Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		PoolSize: cfg.RedisPoolSize,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	redisAdapter := storage.NewRedisAdapter(rdb)
	logger.Info("connected to redis", zap.String("addr", cfg.RedisAddr))

	// Kafka is optional; without brokers events stay in the ledger only.
	var publisher port.EventPublisher
	if cfg.KafkaEnabled() {
		kafkaPublisher := messaging.NewKafkaPublisher(
			messaging.NewKafkaWriter(cfg.KafkaBrokers),
			cfg.KafkaEventsTopic,
			cfg.KafkaAlertsTopic,
		)
		defer kafkaPublisher.Close()
		publisher = kafkaPublisher
		logger.Info("publishing to kafka", zap.Strings("brokers", cfg.KafkaBrokers))
	}

	metrics := observability.NewMetrics()
	ledger := service.NewInventoryService(mysqlAdapter, redisAdapter, publisher, service.ServiceConfig{
		LockWaitTimeout: cfg.LockWaitTimeout,
		Logger:          logger,
		Metrics:         metrics,
	})
	if err := ledger.Load(ctx); err != nil {
		return err
	}

	// gRPC
	grpcServer := grpc.NewServer()
	handler.NewGRPCHandler(ledger, logger.Named("grpc")).Register(grpcServer)
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.GRPCAddr, err)
	}

	// HTTP
	httpHandler := handler.NewHTTPHandler(ledger, logger.Named("http"), metrics, map[string]handler.Pinger{
		"mysql": mysqlAdapter,
		"redis": redisAdapter,
	})
	routes := httpHandler.Routes(handler.MiddlewareStack(handler.MiddlewareConfig{
		Logger:         logger.Named("http"),
		Metrics:        metrics,
		RequestTimeout: cfg.RequestTimeout,
		RateLimit:      cfg.RateLimit,
	})...)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           routes,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("gRPC server listening", zap.String("addr", cfg.GRPCAddr))
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		logger.Info("HTTP server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		grpcServer.GracefulStop()
		return err
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("stopped", zap.Int("pid", os.Getpid()))
	return nil
}
