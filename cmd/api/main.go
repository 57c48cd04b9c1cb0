package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/assistline/smsgate/internal/agent"
	"github.com/assistline/smsgate/internal/carrier"
	appconfig "github.com/assistline/smsgate/internal/config"
	"github.com/assistline/smsgate/internal/dispatch"
	"github.com/assistline/smsgate/internal/identity"
	"github.com/assistline/smsgate/internal/observability/metrics"
	"github.com/assistline/smsgate/internal/onboarding"
	"github.com/assistline/smsgate/internal/phone"
	"github.com/assistline/smsgate/internal/phonelock"
	"github.com/assistline/smsgate/internal/resolver"
	"github.com/assistline/smsgate/internal/router"
	"github.com/assistline/smsgate/internal/usage"
	"github.com/assistline/smsgate/pkg/logging"
)

func main() {
	_ = godotenv.Load()

	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting smsgate", "env", cfg.Env, "port", cfg.Port)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("connect database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		logger.Error("ping database", "error", err)
		os.Exit(1)
	}

	identityStore := identity.NewStore(pool, cfg.VerificationCodeTTL)
	usageStore := usage.NewStore(pool)
	sessionStore := onboarding.NewStore(pool, cfg.OnboardingSessionTTL)

	var phoneResolver *resolver.Resolver
	if cfg.CacheURL != "" {
		opts, err := redis.ParseURL(cfg.CacheURL)
		if err != nil {
			logger.Error("parse cache url", "error", err)
			os.Exit(1)
		}
		phoneResolver = resolver.New(identityStore, resolver.NewRedisCache(redis.NewClient(opts)), cfg.ResolverTTL, cfg.ResolverNegTTL, logger)
	} else {
		phoneResolver = resolver.New(identityStore, nil, cfg.ResolverTTL, cfg.ResolverNegTTL, logger)
	}

	costs := phone.DefaultCostTable()
	if cfg.SMSCostTableJSON != "" {
		parsed, err := phone.ParseCostTable(cfg.SMSCostTableJSON)
		if err != nil {
			logger.Error("parse cost table", "error", err)
			os.Exit(1)
		}
		costs = parsed
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	carrierClient := carrier.NewClient(cfg.CarrierAccountSID, cfg.CarrierAuthToken, cfg.CarrierBaseURL, cfg.CarrierSendTimeout, logger)
	dispatcher := dispatch.New(carrierClient, carrier.NewClassifier(nil, nil), usageStore, identityStore, dispatch.Options{
		FromNumber:        cfg.CarrierFromNumber,
		StatusCallbackURL: cfg.CarrierStatusCallbackURL,
		MaxRetries:        cfg.SMSMaxRetries,
		RetryBase:         cfg.SMSRetryBase,
		RetryMax:          cfg.SMSRetryMax,
		MonthlyBudget:     cfg.SMSMonthlyBudget,
		Costs:             costs,
		BatchSize:         cfg.RetryBatchSize,
		StaleAge:          cfg.ReconcileStaleAge,
	}, m, logger)

	tokens := onboarding.NewTokenIssuer(cfg.SignupTokenSecret, cfg.SignupLinkBaseURL, cfg.OnboardingSessionTTL)
	engine := onboarding.NewEngine(sessionStore, identityStore, tokens, phoneResolver, cfg.OptOutWindow, logger)

	runtime := agent.Bound(agent.NewHTTPRuntime(cfg.AgentURL, logger), cfg.AgentCallDeadline)

	locks := phonelock.New(0)
	rt := router.New(phoneResolver, engine, runtime, dispatcher, usageStore, identityStore, cfg.OptOutWindow, locks, m, logger)
	webhooks := router.NewHTTPHandler(rt, carrier.NewValidator(cfg.CarrierAuthToken, cfg.CarrierSignatureHeader), tokens, m, logger)

	root := chi.NewRouter()
	root.Use(middleware.RealIP, middleware.Recoverer)
	root.Mount("/", webhooks.Routes())
	root.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      root,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		dispatcher.RunRetryWorker(ctx, cfg.RetryTickInterval)
	}()
	go func() {
		defer wg.Done()
		dispatcher.RunReconciler(ctx, cfg.ReconcileInterval)
	}()
	go func() {
		defer wg.Done()
		runSessionSweeper(ctx, sessionStore, logger)
	}()

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "error", err)
	}
	wg.Wait()
	logger.Info("stopped")
}

// runSessionSweeper harvests expired onboarding sessions every few minutes.
func runSessionSweeper(ctx context.Context, sessions *onboarding.Store, logger *logging.Logger) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := sessions.HarvestExpired(ctx)
			if err != nil {
				logger.Error("harvest sessions", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("expired sessions harvested", "count", n)
			}
		}
	}
}
