// Command facade runs C4, the vendor-facing Authenticator: it exchanges
// Client-ID/Client-Secret credentials for short-lived tokens, validates
// presented tokens, and forwards business traffic downstream with a bearer
// token attached (spec.md §4.4).
package main

import (
	"context"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/audit"
	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/authenticator"
	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/cache"
	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/config"
	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/credential"
	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/database"
	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/httpx"
	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/logger"
	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/middleware"
	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/ratelimit"
	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/reqmeta"
	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/server"
	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/token"
	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/vault"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.S().Fatalw("config load failed", "err", err)
	}

	log, err := logger.New(logger.Options{
		RootDir: cfg.Paths.Root,
		Service: "facade",
		Tee:     true,
	})
	if err != nil {
		zap.S().Fatalw("logger init failed", "err", err)
	}
	defer log.Sync()

	if err := reqmeta.InitGeo(cfg.Reqmeta.GeoIPPath); err != nil {
		log.Warn("geoip init failed, degrading to ip-only attribution", zap.Error(err))
	}

	ctx := context.Background()
	auditor := audit.New(log)
	vaultCli, err := vault.New(ctx, vault.Config{
		RetryBase:       100 * time.Millisecond,
		RetryMultiplier: cfg.Vault.RetryMultiplier,
		BreakerWindow:   cfg.CircuitBreaker.Window,
		BreakerRatio:    cfg.CircuitBreaker.FailureRatio,
		BreakerReset:    cfg.CircuitBreaker.ResetTimeout(),
	}, auditor)
	if err != nil {
		log.Fatal("vault client init failed", zap.Error(err))
	}

	db, err := database.Open(cfg.Database.GlobalDSN)
	if err != nil {
		log.Fatal("database open failed", zap.Error(err))
	}

	var l2 *cache.Cache
	if cfg.Cache.Redis.Addr != "" {
		tier, err := cache.NewRedisTier(ctx, cache.RedisConfig{
			Addr:          cfg.Cache.Redis.Addr,
			Password:      cfg.Cache.Redis.Password,
			DB:            cfg.Cache.Redis.DB,
			DialTimeoutMs: cfg.Cache.Redis.DialTimeoutMs,
		})
		if err != nil {
			log.Fatal("redis tier init failed", zap.Error(err))
		}
		l2 = cache.New(tier)
	} else {
		l2 = cache.New(nil)
	}

	engine := token.New(vaultCli, token.Config{
		SigningKeyPath:      cfg.Token.SigningKeyPath,
		VerificationKeyPath: cfg.Token.VerificationKeyPath,
		Issuer:              cfg.Token.Issuer,
		Audience:            cfg.Token.Audience,
		DefaultTTL:          cfg.Token.TTL(),
		RenewThreshold:      cfg.Token.RenewThreshold(),
		ClockSkew:           cfg.Token.ClockSkew(),
	})

	vaultStore := credential.NewVaultStore(vaultCli)
	limiter := ratelimit.New(float64(cfg.RateLimit.PerMinute), cfg.RateLimit.Burst)

	auth := authenticator.New(authenticator.Config{}, vaultStore, l2, limiter, engine, auditor)

	downstream, err := url.Parse(cfg.HTTP.DownstreamURL)
	if err != nil {
		log.Fatal("invalid http.downstream_url", zap.String("url", cfg.HTTP.DownstreamURL), zap.Error(err))
	}

	f := &facade{
		auth:                  auth,
		engine:                engine,
		audience:              cfg.Token.Audience,
		acceptedIssuers:       []string{cfg.Token.Issuer},
		clientIDHeader:        cfg.HeaderAuth.ClientIDHeader,
		clientSecretHeader:    cfg.HeaderAuth.ClientSecretHeader,
		backwardCompatEnabled: cfg.BackwardCompatibility.Enabled,
		forwarder:             auth.NewForwarder(downstream),
	}

	r := chi.NewRouter()
	r.Use(httpx.RequestID)
	r.Use(httpx.Recover)
	r.Use(middleware.Security)
	r.Use(func(next http.Handler) http.Handler {
		return middleware.ForceHTTPS(cfg.HTTP.ForceHTTPS, next)
	})

	r.Post("/authenticate", f.handleAuthenticate)
	r.Post("/tokens/validate", f.handleValidate)
	r.Post("/tokens/refresh", f.handleRefresh)
	r.Post("/internal/v1/tokens/renew", f.handleInternalRenew)
	r.Handle("/metrics", promhttp.Handler())
	r.NotFound(f.handleForward)

	srv := server.New(cfg.HTTP.ListenAddr, r, server.Timeouts{
		Read:  cfg.HTTP.ReadTimeout(),
		Write: cfg.HTTP.WriteTimeout(),
		Idle:  cfg.HTTP.IdleTimeout(),
	})

	go func() {
		log.Info("facade listening", zap.String("addr", cfg.HTTP.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("facade server failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("facade shutdown error", zap.Error(err))
	}
	_ = db.Close()
}
