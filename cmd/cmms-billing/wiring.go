package main

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/boddenberg/cmms-billing-go/internal/config"
	"github.com/boddenberg/cmms-billing-go/internal/domain"
	"github.com/boddenberg/cmms-billing-go/internal/handler"
	"github.com/boddenberg/cmms-billing-go/internal/infra/cache"
	"github.com/boddenberg/cmms-billing-go/internal/infra/client"
	"github.com/boddenberg/cmms-billing-go/internal/infra/lock"
	"github.com/boddenberg/cmms-billing-go/internal/infra/memstore"
	"github.com/boddenberg/cmms-billing-go/internal/infra/notify"
	"github.com/boddenberg/cmms-billing-go/internal/infra/observability"
	"github.com/boddenberg/cmms-billing-go/internal/infra/resilience"
	"github.com/boddenberg/cmms-billing-go/internal/infra/sqlstore"
	"github.com/boddenberg/cmms-billing-go/internal/infra/supabase"
	"github.com/boddenberg/cmms-billing-go/internal/port"
	"github.com/boddenberg/cmms-billing-go/internal/service"
)

// backend is a store that can also count CMMS resources.
type backend interface {
	port.Store
	port.UsageCounter
}

// app is the fully wired service graph.
type app struct {
	services handler.Services
	monitor  *service.Monitor
	metrics  *observability.Metrics
	closers  []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}

func buildApp(cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{metrics: observability.NewMetrics()}

	resilienceCfg := resilience.Config{
		MaxRetries:     cfg.MaxRetries,
		InitialBackoff: cfg.InitialBackoff,
		MaxConcurrency: cfg.MaxConcurrency,
	}

	// --- Store ---
	store, err := openStore(cfg, resilienceCfg, logger)
	if err != nil {
		return nil, err
	}
	if c, ok := store.(interface{ Close() error }); ok {
		a.closers = append(a.closers, c.Close)
	}
	health := []handler.HealthCheck{{Name: "store:" + cfg.StoreDriver, Ping: store.Ping}}

	// --- Cache & locks ---
	var (
		tenantCache port.Cache[*domain.Tenant]
		locker      port.Locker
	)
	if cfg.RedisURL != "" {
		rdb, err := cache.NewRedisClient(cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("redis: %w", err)
		}
		a.closers = append(a.closers, rdb.Close)
		tenantCache = cache.NewRedis[*domain.Tenant](rdb, "billing:tenant:", cfg.CacheTTL, logger)
		locker = lock.NewRedis(rdb, "billing:lock:", logger)
		health = append(health, handler.HealthCheck{
			Name: "redis",
			Ping: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		})
		logger.Info("using redis for tenant cache and locks")
	} else {
		tenantCache = cache.New[*domain.Tenant](cfg.CacheTTL, cfg.CacheSize)
		locker = lock.NewLocal()
		logger.Info("using in-process tenant cache and locks")
	}

	// --- Payment processors ---
	mp := client.NewMercadoPagoClient(client.MercadoPagoConfig{
		BaseURL:       cfg.MercadoPagoBaseURL,
		AccessToken:   cfg.MercadoPagoAccessToken,
		WebhookSecret: cfg.MercadoPagoWebhookSecret,
		Currency:      cfg.MercadoPagoCurrency,
		USDRate:       cfg.MercadoPagoUSDRate,
		Timeout:       cfg.HTTPTimeout,
	}, resilience.NewCircuitBreaker("mercadopago", logger), resilienceCfg, logger)
	polar := client.NewPolarClient(client.PolarConfig{
		BaseURL:       cfg.PolarBaseURL,
		AccessToken:   cfg.PolarAccessToken,
		WebhookSecret: cfg.PolarWebhookSecret,
		Products:      cfg.PolarProducts,
		Timeout:       cfg.HTTPTimeout,
	}, resilience.NewCircuitBreaker("polar", logger), resilienceCfg, logger)
	processors := service.NewProcessors(mp, polar)

	// --- Services ---
	dir := service.NewTenantDirectory(store, tenantCache, locker, a.metrics, logger)
	rec := service.NewReconciler(store, dir, processors, locker, notify.NewLogMailer(logger),
		cfg.FrontendURL+"/login", a.metrics, logger)
	payments := service.NewPaymentRouter(store, dir, processors, rec, service.RouterConfig{
		RegionalCountry:   cfg.RegionalCountry,
		RegionalMaxAmount: cfg.RegionalMaxAmount,
		SuccessURL:        cfg.FrontendURL + "/billing/success",
		LocalRetry:        resilienceCfg,
	}, a.metrics, logger)
	a.monitor = service.NewMonitor(store, store, dir, rec, processors, service.MonitorConfig{
		PollInterval:   cfg.SweepInterval,
		ExpiryInterval: cfg.ExpirySweepInterval,
		Concurrency:    cfg.SweepConcurrency,
		CallTimeout:    cfg.HTTPTimeout,
	}, a.metrics, logger)

	a.services = handler.Services{
		Directory:   dir,
		Auth:        service.NewAuthService(store, dir, locker, cfg.JWTSecret, cfg.JWTAccessTTL, cfg.TrialDays, a.metrics, logger),
		Entitlement: service.NewEntitlementService(store, a.metrics, logger),
		Payments:    payments,
		Reconciler:  rec,
		Monitor:     a.monitor,
		Health:      health,
	}
	return a, nil
}

func openStore(cfg *config.Config, rcfg resilience.Config, logger *zap.Logger) (backend, error) {
	switch cfg.StoreDriver {
	case config.DriverSQLite:
		logger.Info("using sqlite store", zap.String("path", cfg.DatabaseURL))
		s, err := sqlstore.Open(sqlstore.DialectSQLite, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, nil
	case config.DriverPostgres:
		logger.Info("using postgres store")
		s, err := sqlstore.Open(sqlstore.DialectPostgres, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return s, nil
	case config.DriverSupabase:
		logger.Info("using Supabase as data backend", zap.String("supabase_url", cfg.SupabaseURL))
		return supabase.NewClient(
			&http.Client{Timeout: cfg.HTTPTimeout},
			cfg.SupabaseURL,
			cfg.SupabaseAnonKey,
			cfg.SupabaseServiceKey,
			resilience.NewCircuitBreaker("supabase", logger),
			rcfg,
			logger,
		), nil
	default:
		logger.Warn("using in-memory store: data is lost on restart")
		return memstore.New(), nil
	}
}
