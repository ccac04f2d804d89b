package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	backend "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"escrowflow/api"
	"escrowflow/auth"
	"escrowflow/compliance"
	"escrowflow/db"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/fee"
	"escrowflow/funds"
	"escrowflow/metrics"
	"escrowflow/nonce"
	"escrowflow/ratelimit"
	"escrowflow/relay"
	"escrowflow/vault"
)

type config struct {
	Addr        string `env:"ADDR" envDefault:":8080"`
	DatabaseURL string `env:"DATABASE_URL,required"`
	RedisAddr   string `env:"REDIS_ADDR"`
	JWTSecret   string `env:"JWT_SECRET,required"`

	DomainName    string `env:"RELAY_DOMAIN_NAME" envDefault:"escrowflow"`
	DomainVersion string `env:"RELAY_DOMAIN_VERSION" envDefault:"1"`
	ChainID       uint64 `env:"RELAY_CHAIN_ID" envDefault:"1"`
	Contract      string `env:"RELAY_CONTRACT" envDefault:"gateway"`

	FeeBasisPoints int64  `env:"FEE_BASIS_POINTS" envDefault:"50"`
	Treasury       string `env:"TREASURY_ADDRESS,required"`
	FeeScale       int32  `env:"FEE_SCALE" envDefault:"8"`

	RequestsPerWindow int64         `env:"RATE_REQUESTS_PER_WINDOW" envDefault:"30"`
	RateWindow        time.Duration `env:"RATE_WINDOW" envDefault:"1m"`
	DailyBudget       string        `env:"DAILY_FEE_BUDGET" envDefault:"1000000"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if err := run(logger); err != nil {
		logger.Error("relayd exited", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		return err
	}
	budget, err := decimal.NewFromString(cfg.DailyBudget)
	if err != nil {
		return err
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	complianceRepo := compliance.NewRepository(pool)

	limiterCfg := ratelimit.Config{
		RequestsPerWindow: cfg.RequestsPerWindow,
		Window:            cfg.RateWindow,
		DailyBudget:       budget,
	}
	var limiter ratelimit.Limiter = ratelimit.NewMemoryLimiter(limiterCfg)
	if cfg.RedisAddr != "" {
		rdb := backend.NewClient(&backend.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		limiter = ratelimit.NewRedisLimiter(rdb, limiterCfg)
		logger.Info("using redis rate limiter", "addr", cfg.RedisAddr)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	authSvc := auth.NewService(auth.NewRepository(pool), cfg.JWTSecret)
	escrowSvc := escrow.NewService(escrow.Params{
		Store:          escrow.NewPGStore(pool),
		Fees:           fee.NewCalculator(cfg.FeeScale),
		Funds:          funds.NewLedger(),
		Collateral:     vault.New(),
		Gate:           complianceRepo,
		Authz:          authSvc,
		FeeBasisPoints: cfg.FeeBasisPoints,
		Treasury:       cfg.Treasury,
	})
	resolver := dispute.NewResolver(escrowSvc, authSvc)

	gateway := relay.NewGateway(relay.GatewayParams{
		Domain: relay.Domain{
			Name:              cfg.DomainName,
			Version:           cfg.DomainVersion,
			ChainID:           cfg.ChainID,
			VerifyingContract: cfg.Contract,
		},
		Nonces:  nonce.NewPGStore(pool),
		Limiter: limiter,
		Gate:    complianceRepo,
		History: relay.NewPGHistory(pool),
		Metrics: metrics.NewRelay(registry),
	})
	gateway.Register("escrow", escrow.NewDispatcher(escrowSvc))

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	r.Route("/relay", relay.NewHandler(gateway, logger).Mount)
	r.Route("/api", api.NewHandler(escrowSvc, resolver, complianceRepo, authSvc, logger).Mount)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("relayd listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
