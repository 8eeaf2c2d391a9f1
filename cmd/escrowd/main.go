// Command escrowd launches the escrow ledger service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/coachpo/escrowd/config"
	dbmigrations "github.com/coachpo/escrowd/db/migrations"
	"github.com/coachpo/escrowd/internal/assets"
	"github.com/coachpo/escrowd/internal/bus/eventbus"
	"github.com/coachpo/escrowd/internal/domain/orderstore"
	"github.com/coachpo/escrowd/internal/escrow"
	"github.com/coachpo/escrowd/internal/guard"
	"github.com/coachpo/escrowd/internal/infra/persistence/migrations"
	"github.com/coachpo/escrowd/internal/infra/persistence/postgres"
	httpserver "github.com/coachpo/escrowd/internal/infra/server/http"
	"github.com/coachpo/escrowd/internal/observability"
	"github.com/coachpo/escrowd/internal/schema"
	"github.com/coachpo/escrowd/internal/telemetry"
)

const (
	defaultConfigPath        = "config/escrowd.yaml"
	loggerPrefix             = "escrowd "
	shutdownTimeout          = 30 * time.Second
	archiverShutdownTimeout  = 10 * time.Second
	busShutdownTimeout       = 2 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	dbConnectTimeout         = 30 * time.Second
)

func main() {
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newServiceLogger()
	observability.SetLogger(observability.NewStdLogger(logger, false))

	cfg, loadedFromFile, err := config.LoadOrDefault(resolveConfigPath(cfgPathFlag))
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		logger.Printf("configuration file not found, using defaults")
	}
	logger.Printf("configuration initialised: env=%s, custodian=%s", cfg.Environment, cfg.Escrow.CustodianAccount)

	telemetryProvider, err := initTelemetry(ctx, logger, cfg)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	store, pool, err := buildOrderStore(ctx, logger, cfg.Database)
	if err != nil {
		logger.Fatalf("initialise order store: %v", err)
	}

	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{
		BufferSize:    cfg.Eventbus.BufferSize,
		FanoutWorkers: cfg.Eventbus.FanoutWorkerCount(),
	})

	bank := assets.NewLedger(schema.AccountID(cfg.Escrow.CustodianAccount))
	ledger := escrow.NewLedger(bank.Custodian(), bank, bus)

	archiver := escrow.NewArchiver(bus, store, cfg.Escrow.ArchiveWorkers)
	if err := archiver.Start(ctx); err != nil {
		logger.Fatalf("start archiver: %v", err)
	}

	admission, err := buildGuard(cfg.Guard)
	if err != nil {
		logger.Fatalf("initialise guard: %v", err)
	}

	// The funding endpoint mints balances out of thin air; it only exists in
	// the development environment.
	var fundingBank *assets.Ledger
	if cfg.Environment == config.EnvDev {
		fundingBank = bank
		logger.Print("development environment: account funding endpoint enabled")
	}

	apiServer := buildAPIServer(cfg.Server, ledger, admission, bus, fundingBank)
	go func() {
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("api server: %v", err)
		}
	}()
	logger.Printf("escrow API listening on %s", apiServer.Addr)

	logger.Print("escrowd started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:        apiServer,
		serverTimeout: cfg.Server.ShutdownTimeout,
		mainCancel:    cancel,
		archiver:      archiver,
		bus:           bus,
		pool:          pool,
		telemetry:     telemetryProvider,
	})
	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newServiceLogger() *log.Logger {
	return log.New(os.Stdout, loggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}

func initTelemetry(ctx context.Context, logger *log.Logger, cfg config.Settings) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.Telemetry.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	}
	if cfg.Telemetry.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.Telemetry.ServiceName
	}
	telemetryCfg.Environment = string(cfg.Environment)
	telemetryCfg.OTLPInsecure = cfg.Telemetry.OTLPInsecure
	telemetryCfg.EnableMetrics = cfg.Telemetry.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}

	if telemetryCfg.Enabled {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

// buildOrderStore selects the archive backend. Without a database the
// archiver persists to process memory, which suits development and tests.
func buildOrderStore(ctx context.Context, logger *log.Logger, cfg config.DatabaseConfig) (orderstore.Store, *pgxpool.Pool, error) {
	if !cfg.Enabled {
		logger.Print("database disabled; using in-memory order archive")
		return orderstore.NewMemoryStore(), nil, nil
	}

	if cfg.RunMigrations {
		if err := migrations.ApplyEmbedded(ctx, cfg.DSN, dbmigrations.Files, logger); err != nil {
			return nil, nil, fmt.Errorf("apply migrations: %w", err)
		}
	}

	pool, err := postgres.NewPool(ctx, postgres.PoolConfig{
		DSN:               cfg.DSN,
		MaxConns:          cfg.MaxConns,
		MinConns:          cfg.MinConns,
		MaxConnLifetime:   cfg.MaxConnLifetime,
		MaxConnIdleTime:   cfg.MaxConnIdleTime,
		HealthCheckPeriod: cfg.HealthCheckPeriod,
		ConnectTimeout:    dbConnectTimeout,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	logger.Print("database connected; order archive persisted to PostgreSQL")
	return postgres.NewOrderStore(pool), pool, nil
}

func buildGuard(cfg config.GuardConfig) (*guard.Guard, error) {
	maxAmount, err := decimal.NewFromString(cfg.MaxOrderAmount)
	if err != nil {
		return nil, fmt.Errorf("parse maxOrderAmount: %w", err)
	}
	return guard.New(guard.Limits{
		MaxOrderAmount: maxAmount,
		CreateThrottle: cfg.CreateThrottle,
		CreateBurst:    cfg.CreateBurst,
	}), nil
}

func buildAPIServer(cfg config.ServerConfig, ledger *escrow.Ledger, admission *guard.Guard, bus eventbus.Bus, fundingBank *assets.Ledger) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpserver.NewHandler(ledger, admission, bus, fundingBank),
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

type gracefulShutdownConfig struct {
	server        *http.Server
	serverTimeout time.Duration
	mainCancel    context.CancelFunc
	archiver      *escrow.Archiver
	bus           eventbus.Bus
	pool          *pgxpool.Pool
	telemetry     *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping api server", cfg.serverTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.archiver != nil {
		shutdownStep("draining archiver", archiverShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.archiver.Close(stepCtx)
		})
	}

	if cfg.bus != nil {
		shutdownStep("closing event bus", busShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.bus.Close()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return stepCtx.Err()
			}
		})
	}

	if cfg.pool != nil {
		shutdownStep("closing database pool", busShutdownTimeout, func(_ context.Context) error {
			cfg.pool.Close()
			return nil
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}
