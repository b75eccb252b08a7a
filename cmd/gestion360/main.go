// Command gestion360 launches the quota, WhatsApp webhook and observer stream service.
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

	"github.com/sourcegraph/conc"

	dbmigrations "github.com/coachpo/gestion360/db/migrations"
	"github.com/coachpo/gestion360/internal/app/realtime"
	"github.com/coachpo/gestion360/internal/app/whatsapp"
	"github.com/coachpo/gestion360/internal/domain/message"
	"github.com/coachpo/gestion360/internal/domain/quota"
	"github.com/coachpo/gestion360/internal/infra/auth"
	"github.com/coachpo/gestion360/internal/infra/bus/eventbus"
	"github.com/coachpo/gestion360/internal/infra/config"
	"github.com/coachpo/gestion360/internal/infra/persistence/memory"
	"github.com/coachpo/gestion360/internal/infra/persistence/migrations"
	"github.com/coachpo/gestion360/internal/infra/persistence/postgres"
	httpserver "github.com/coachpo/gestion360/internal/infra/server/http"
	"github.com/coachpo/gestion360/internal/infra/telemetry"
	"github.com/coachpo/gestion360/internal/observability"
)

const (
	defaultConfigPath        = "config/app.yaml"
	serviceLoggerPrefix      = "gestion360 "
	shutdownTimeout          = 30 * time.Second
	registryShutdownTimeout  = 5 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	busShutdownTimeout       = 2 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	databaseConnectTimeout   = 15 * time.Second
)

func main() {
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newServiceLogger()

	configPath := resolveConfigPath(cfgPathFlag)

	appCfg, loadedFromFile, err := config.LoadOrDefault(ctx, configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		logger.Printf("configuration file not found, using defaults")
	}
	logger.Printf("configuration initialised: env=%s, database=%t, auth=%t",
		appCfg.Environment, appCfg.Database.Enabled(), appCfg.Auth.Enabled())

	observability.SetLogger(observability.NewZeroLogger(observability.LogConfig{
		Level:      appCfg.Logging.Level,
		JSONOutput: appCfg.Logging.JSON(),
		Component:  "gestion360",
	}))

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg.Environment, appCfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	repos, err := initStores(ctx, logger, appCfg)
	if err != nil {
		logger.Fatalf("initialise stores: %v", err)
	}
	quotas := quota.NewService(repos.quotas)
	history := message.NewService(repos.messages)

	var lifecycle conc.WaitGroup

	bus := eventbus.NewMemoryBus()

	registry := realtime.NewRegistry(registryConfig(appCfg.Realtime),
		realtime.NewPendingBuffer(pendingConfig(appCfg.Realtime)), bus)
	registry.Start(ctx)

	// The recorder subscribes first so messages are stored before observers see them.
	recorder := whatsapp.NewRecorder(bus, history, recorderConfig(appCfg.History))
	if err := recorder.Start(ctx); err != nil {
		logger.Fatalf("start message recorder: %v", err)
	}

	coordinator := realtime.NewCoordinator(bus, registry)
	if err := coordinator.Start(); err != nil {
		logger.Fatalf("start broadcast coordinator: %v", err)
	}

	if appCfg.WhatsApp.VerifyToken == "" {
		logger.Printf("whatsapp verify token not set; webhook subscription handshakes will be rejected")
	}
	ingester := whatsapp.NewIngester(bus, appCfg.WhatsApp.VerifyToken)
	sender := whatsapp.NewSender(senderConfig(appCfg.WhatsApp), quotas, bus, nil)

	authn, err := buildAuthenticator(appCfg.Auth)
	if err != nil {
		logger.Fatalf("initialise authenticator: %v", err)
	}
	if !appCfg.Auth.Enabled() {
		logger.Printf("auth disabled: administrative routes accept anonymous requests")
	}

	apiServer := buildAPIServer(appCfg.APIServer, httpserver.Options{
		Quota:             quotas,
		History:           history,
		Registry:          registry,
		Ingester:          ingester,
		Sender:            sender,
		Authenticator:     authn,
		AllowedOrigins:    appCfg.APIServer.AllowedOrigins,
		FrameWriteTimeout: appCfg.Realtime.FrameWriteTimeout,
	})
	startAPIServer(&lifecycle, logger, apiServer)
	logger.Printf("API listening on %s", apiServer.Addr)

	logger.Print("service started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:        apiServer,
		serverTimeout: appCfg.APIServer.ShutdownTimeout,
		coordinator:   coordinator,
		recorder:      recorder,
		registry:      registry,
		mainCancel:    cancel,
		lifecycle:     &lifecycle,
		bus:           bus,
		closeStore:    repos.close,
		telemetry:     telemetryProvider,
	})

	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newServiceLogger() *log.Logger {
	return log.New(os.Stdout, serviceLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func initTelemetry(ctx context.Context, logger *log.Logger, env config.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	if cfg.MetricInterval > 0 {
		telemetryCfg.MetricInterval = cfg.MetricInterval
	}
	telemetryCfg.Environment = string(env)
	telemetryCfg.OTLPInsecure = cfg.OTLPInsecure
	telemetryCfg.EnableMetrics = cfg.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}

	if provider.Enabled() {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

// stores bundles the repositories selected at startup.
type stores struct {
	quotas   quota.Counter
	messages message.Store
	close    func()
}

// initStores selects the PostgreSQL repositories when a DSN is configured and the in-memory
// ones otherwise. stores.close releases the backing resources.
func initStores(ctx context.Context, logger *log.Logger, appCfg config.AppConfig) (stores, error) {
	if !appCfg.Database.Enabled() {
		logger.Print("database DSN not set; quota counters and message history are held in memory and lost on restart")
		return stores{
			quotas:   memory.NewQuotaStore(),
			messages: memory.NewMessageStore(),
			close:    func() {},
		}, nil
	}

	dbCfg := appCfg.Database
	if dbCfg.RunMigrations {
		migrateCtx, cancel := context.WithTimeout(ctx, databaseConnectTimeout)
		err := migrations.ApplyFS(migrateCtx, dbCfg.DSN, dbmigrations.Files, logger)
		cancel()
		if err != nil {
			return stores{}, fmt.Errorf("apply migrations: %w", err)
		}
	}

	connectCtx, cancel := context.WithTimeout(ctx, databaseConnectTimeout)
	defer cancel()
	pool, err := postgres.Connect(connectCtx, postgres.PoolOptions{
		DSN:               dbCfg.DSN,
		MaxConns:          dbCfg.MaxConns,
		MinConns:          dbCfg.MinConns,
		MaxConnLifetime:   dbCfg.MaxConnLifetime,
		MaxConnIdleTime:   dbCfg.MaxConnIdleTime,
		HealthCheckPeriod: dbCfg.HealthCheckPeriod,
	})
	if err != nil {
		return stores{}, err
	}
	postgres.ObservePoolMetrics(pool, "primary")

	store := postgres.New(pool, postgres.QuotaStoreOptions{
		LockTimeout: appCfg.Quota.LockTimeout,
		TxTimeout:   appCfg.Quota.TxTimeout,
		MaxAttempts: appCfg.Quota.MaxAttempts,
	})
	if err := store.Ready(connectCtx); err != nil {
		store.Close()
		return stores{}, err
	}
	logger.Printf("postgres store ready: maxConns=%d", dbCfg.MaxConns)
	return stores{quotas: store.Quotas(), messages: store.Messages(), close: store.Close}, nil
}

func recorderConfig(cfg config.HistoryConfig) whatsapp.RecorderConfig {
	return whatsapp.RecorderConfig{
		Retention:       cfg.Retention,
		CleanupInterval: cfg.CleanupInterval,
	}
}

func registryConfig(cfg config.RealtimeConfig) realtime.RegistryConfig {
	return realtime.RegistryConfig{
		HeartbeatInterval: cfg.HeartbeatInterval,
		InactivityTimeout: cfg.InactivityTimeout,
		SweepInterval:     cfg.SweepInterval,
		ReplayLimit:       cfg.ReplayLimit,
	}
}

func pendingConfig(cfg config.RealtimeConfig) realtime.PendingConfig {
	return realtime.PendingConfig{
		Capacity:    cfg.PendingCapacity,
		Retention:   cfg.PendingRetention,
		MaxAttempts: cfg.PendingMaxAttempts,
	}
}

func senderConfig(cfg config.WhatsAppConfig) whatsapp.SenderConfig {
	return whatsapp.SenderConfig{
		BaseURL:        cfg.GraphBaseURL,
		Timeout:        cfg.SendTimeout,
		RatePerSecond:  cfg.RatePerSecond,
		Burst:          cfg.Burst,
		MaxAttempts:    cfg.MaxAttempts,
		InitialBackoff: cfg.InitialBackoff,
	}
}

func buildAuthenticator(cfg config.AuthConfig) (auth.Authenticator, error) {
	if !cfg.Enabled() {
		return auth.AllowAll{}, nil
	}
	return auth.NewJWTAuthenticator(auth.JWTConfig{
		Secret:   cfg.JWTSecret,
		Issuer:   cfg.Issuer,
		Audience: cfg.Audience,
		Leeway:   cfg.Leeway,
	})
}

// buildAPIServer leaves WriteTimeout unset because observer streams are held open indefinitely;
// stream channels set per-frame write deadlines instead.
func buildAPIServer(cfg config.APIServerConfig, opts httpserver.Options) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpserver.NewHandler(opts),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func startAPIServer(lifecycle *conc.WaitGroup, logger *log.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("api server: %v", err)
		}
	})
}

type gracefulShutdownConfig struct {
	server        *http.Server
	serverTimeout time.Duration
	coordinator   *realtime.Coordinator
	recorder      *whatsapp.Recorder
	registry      *realtime.Registry
	mainCancel    context.CancelFunc
	lifecycle     *conc.WaitGroup
	bus           eventbus.Bus
	closeStore    func()
	telemetry     *telemetry.Provider
}

// performGracefulShutdown closes observer streams before the HTTP server so Shutdown does not
// wait on held-open responses.
func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	var failures []error
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
			failures = append(failures, fmt.Errorf("%s: %w", name, err))
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.coordinator != nil {
		shutdownStep("stopping broadcast coordinator", busShutdownTimeout, func(context.Context) error {
			cfg.coordinator.Stop()
			return nil
		})
	}

	if cfg.registry != nil {
		shutdownStep("closing observer connections", registryShutdownTimeout, cfg.registry.Stop)
	}

	if cfg.server != nil {
		shutdownStep("stopping api server", cfg.serverTimeout, cfg.server.Shutdown)
	}

	// Stopped after the server so in-flight webhooks are still recorded.
	if cfg.recorder != nil {
		shutdownStep("stopping message recorder", busShutdownTimeout, func(context.Context) error {
			cfg.recorder.Stop()
			return nil
		})
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
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

	if cfg.closeStore != nil {
		shutdownStep("closing stores", busShutdownTimeout, func(context.Context) error {
			cfg.closeStore()
			return nil
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, cfg.telemetry.Shutdown)
	}

	if err := observability.AggregateErrors("graceful shutdown", failures); err != nil {
		logger.Printf("shutdown: %v", err)
	}
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}

	return filepath.Clean(defaultConfigPath)
}
