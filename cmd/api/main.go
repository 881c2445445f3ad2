package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/catalog-audit/internal/audit"
	"github.com/xela07ax/catalog-audit/internal/console/handler"
	"github.com/xela07ax/catalog-audit/internal/console/server"
	"github.com/xela07ax/catalog-audit/internal/console/service"
	"github.com/xela07ax/catalog-audit/internal/infra"
	"github.com/xela07ax/catalog-audit/internal/infra/auth"
	"github.com/xela07ax/catalog-audit/internal/repository/memory"
	"github.com/xela07ax/catalog-audit/internal/repository/postgres"
	"github.com/xela07ax/catalog-audit/internal/repository/spool"
)

const serviceName = "catalog-audit"

// version подставляется при сборке: -ldflags "-X main.version=..."
var version = "dev"

// storage - то, что нужно от хранилища и батчеру, и API чтения.
type storage interface {
	audit.Store
	service.AuditLogProvider
}

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := infra.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("service stopped with error", zap.Error(err))
	}
}

func run(cfg *infra.Config, logger *zap.Logger) error {
	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Хранилище
	store, closeStore, err := openStorage(appCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	// 2. Метрики
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metricsSrv := startMetrics(cfg.Server, reg, logger)

	// 3. Конвейер аудита
	var (
		batcher     *audit.Batcher
		auditMW     func(http.Handler) http.Handler
		auditStatus handler.AuditStatus = disabledAudit{}
	)
	if cfg.Audit.Enabled {
		opts := []audit.Option{audit.WithMetrics(audit.NewMetrics(reg))}

		if cfg.Audit.DeadLetter.Enabled {
			rdb := redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			defer rdb.Close()
			if err := rdb.Ping(appCtx).Err(); err != nil {
				// Спул необязателен: без Redis батчи при сбое просто теряются
				logger.Warn("redis unreachable, dead letter spool may reject batches", zap.Error(err))
			}
			opts = append(opts, audit.WithDeadLetter(
				spool.NewDeadLetterSpool(rdb, cfg.Audit.DeadLetter.Key, cfg.Audit.DeadLetter.MaxLen, logger)))
		}

		batcher = audit.NewBatcher(store, audit.Config{
			BatchSize:    cfg.Audit.BatchSize,
			FlushDelay:   cfg.Audit.FlushDelay,
			MaxDeferral:  cfg.Audit.MaxDeferral,
			WriteTimeout: cfg.Audit.WriteTimeout,
			QueueSize:    cfg.Audit.QueueSize,
		}, logger, opts...)
		batcher.Start()

		interceptor := audit.NewInterceptor(batcher, logger,
			audit.WithActorResolver(auth.ActorID),
			audit.WithMaxBody(cfg.Audit.MaxBodyBytes),
		)
		auditMW = interceptor.Middleware
		auditStatus = batcher
	} else {
		logger.Info("audit logging disabled by config")
	}

	// 4. Проверка токенов
	var validator auth.TokenValidator
	if cfg.Auth.Enabled() {
		pub, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
		if err != nil {
			return fmt.Errorf("auth: %w", err)
		}
		validator = auth.NewValidator(pub, cfg.Auth.Leeway)
	} else {
		logger.Warn("auth public key not configured, audit API is open and actors are anonymous")
	}

	// 5. HTTP
	auditSvc := service.NewAuditService(store, service.QueryLimits{
		DefaultLimit: cfg.Query.DefaultLimit,
		MaxLimit:     cfg.Query.MaxLimit,
	})
	srv := server.New(logger, server.Deps{
		Audit:        auditMW,
		Validator:    validator,
		AuditHandler: handler.NewAuditHandler(auditSvc, logger),
		InfoHandler:  handler.NewInfoHandler(serviceName, version, auditStatus),
	})

	httpSrv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      srv,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// 6. Graceful Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("audit API started", zap.String("addr", httpSrv.Addr), zap.String("version", version))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-stop:
		logger.Info("shutting down")
	case err := <-serveErr:
		return fmt.Errorf("http listen: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", zap.Error(err))
	}

	// Новых запросов нет, дописываем хвост батча
	if batcher != nil {
		drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.Audit.DrainTimeout)
		defer drainCancel()
		if err := batcher.Drain(drainCtx); err != nil {
			logger.Error("audit drain incomplete", zap.Error(err))
		}
	}

	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	logger.Info("exited properly")
	return nil
}

func openStorage(ctx context.Context, cfg *infra.Config, logger *zap.Logger) (storage, func(), error) {
	if cfg.Storage.Driver == "memory" {
		logger.Warn("using in-memory audit storage, records are lost on restart")
		return memory.NewAuditRepo(), func() {}, nil
	}

	repo, err := postgres.NewAuditRepo(ctx, postgres.PoolConfig{
		URL:            cfg.Database.URL,
		MaxConns:       cfg.Database.MaxConns,
		MinConns:       cfg.Database.MinConns,
		AcquireTimeout: cfg.Database.AcquireTimeout,
	})
	if err != nil {
		return nil, nil, err
	}

	// Проверяем соединение с таймаутом
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := repo.Ping(pingCtx); err != nil {
		repo.Close()
		return nil, nil, fmt.Errorf("database unreachable: %w", err)
	}

	if cfg.Database.AutoMigrate {
		if err := postgres.Migrate(ctx, repo.Pool(), logger); err != nil {
			repo.Close()
			return nil, nil, err
		}
	}
	return repo, repo.Close, nil
}

// startMetrics поднимает отдельный listener для Prometheus.
func startMetrics(cfg infra.ServerConfig, reg *prometheus.Registry, logger *zap.Logger) *http.Server {
	if cfg.MetricsPort == 0 {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics listener failed", zap.Error(err))
		}
	}()
	return srv
}

// disabledAudit - статус для /api/info, когда аудит выключен конфигом.
type disabledAudit struct{}

func (disabledAudit) Enabled() bool { return false }
func (disabledAudit) Pending() int  { return 0 }
