// Command rotator runs C5, the credential Rotation Controller: the sole
// writer of credential state, driving INITIATED -> DUAL_ACTIVE ->
// OLD_DEPRECATED -> NEW_ACTIVE (or -> FAILED) and exposing the rotation
// admin surface (spec.md §4.5, §6).
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/audit"
	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/cache"
	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/config"
	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/credential"
	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/database"
	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/domain"
	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/httpx"
	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/logger"
	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/middleware"
	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/notify"
	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/rotation"
	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/server"
	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/vault"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.S().Fatalw("config load failed", "err", err)
	}

	log, err := logger.New(logger.Options{
		RootDir: cfg.Paths.Root,
		Service: "rotator",
		Tee:     true,
	})
	if err != nil {
		zap.S().Fatalw("logger init failed", "err", err)
	}
	defer log.Sync()

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

	credRepo := credential.NewRepository(db)
	vaultStore := credential.NewVaultStore(vaultCli)
	rotRepo := rotation.NewRepository(db)
	l2 := cache.New(nil)
	notifier := notify.New(log)

	controller := rotation.New(rotation.Config{
		PromoteHold:   0,
		CheckInterval: cfg.Rotation.CheckInterval(),
		Watchdog:      cfg.Rotation.Watchdog(),
	}, credRepo, vaultStore, rotRepo, l2, notifier, auditor)

	sweepCtx, cancelSweep := context.WithCancel(context.Background())
	go controller.Run(sweepCtx)

	adm := &admin{controller: controller, rotRepo: rotRepo}

	r := chi.NewRouter()
	r.Use(httpx.RequestID)
	r.Use(httpx.Recover)
	r.Use(middleware.Security)
	r.Use(func(next http.Handler) http.Handler {
		return middleware.ForceHTTPS(cfg.HTTP.ForceHTTPS, next)
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/rotations/initiate", adm.handleInitiate)
	r.Get("/rotations/{rotationId}", adm.handleGet)
	r.Get("/rotations/client/{clientId}", adm.handleListByClient)
	r.Put("/rotations/{rotationId}/complete", adm.handleComplete)
	r.Put("/rotations/{rotationId}/cancel", adm.handleCancel)

	srv := server.New(cfg.HTTP.ListenAddr, r, server.Timeouts{
		Read:  cfg.HTTP.ReadTimeout(),
		Write: cfg.HTTP.WriteTimeout(),
		Idle:  cfg.HTTP.IdleTimeout(),
	})

	go func() {
		log.Info("rotator listening", zap.String("addr", cfg.HTTP.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("rotator server failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	cancelSweep()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("rotator shutdown error", zap.Error(err))
	}
	_ = db.Close()
}

type admin struct {
	controller *rotation.Controller
	rotRepo    *rotation.Repository
}

type initiateRequest struct {
	ClientID                string `json:"clientId"`
	Reason                  string `json:"reason"`
	Forced                  bool   `json:"forced"`
	TransitionWindowSeconds int    `json:"transitionWindowSeconds"`
}

func (a *admin) handleInitiate(w http.ResponseWriter, r *http.Request) {
	requestID := httpx.RequestIDFromContext(r.Context())
	var body initiateRequest
	if err := httpx.DecodeStrict(w, r, &body); err != nil {
		httpx.WriteError(w, requestID, domain.NewAppError(domain.ErrValidation, "malformed request body"))
		return
	}
	window := time.Duration(body.TransitionWindowSeconds) * time.Second

	rec, err := a.controller.Initiate(r.Context(), body.ClientID, body.Reason, window, body.Forced)
	if err != nil {
		writeRotationErr(w, requestID, err)
		return
	}
	httpx.WriteJSON(w, rec)
}

func (a *admin) handleGet(w http.ResponseWriter, r *http.Request) {
	requestID := httpx.RequestIDFromContext(r.Context())
	rotationID := chi.URLParam(r, "rotationId")
	rec, err := a.rotRepo.ByRotationID(r.Context(), rotationID)
	if err != nil {
		writeRotationErr(w, requestID, err)
		return
	}
	httpx.WriteJSON(w, rec)
}

func (a *admin) handleListByClient(w http.ResponseWriter, r *http.Request) {
	requestID := httpx.RequestIDFromContext(r.Context())
	clientID := chi.URLParam(r, "clientId")
	recs, err := a.rotRepo.ByClientID(r.Context(), clientID)
	if err != nil {
		writeRotationErr(w, requestID, err)
		return
	}
	httpx.WriteJSON(w, recs)
}

func (a *admin) handleComplete(w http.ResponseWriter, r *http.Request) {
	requestID := httpx.RequestIDFromContext(r.Context())
	rotationID := chi.URLParam(r, "rotationId")
	if err := a.controller.Complete(r.Context(), rotationID); err != nil {
		writeRotationErr(w, requestID, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (a *admin) handleCancel(w http.ResponseWriter, r *http.Request) {
	requestID := httpx.RequestIDFromContext(r.Context())
	var body cancelRequest
	_ = json.NewDecoder(r.Body).Decode(&body)

	rotationID := chi.URLParam(r, "rotationId")
	if err := a.controller.Cancel(r.Context(), rotationID, body.Reason); err != nil {
		writeRotationErr(w, requestID, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeRotationErr(w http.ResponseWriter, requestID string, err error) {
	if err == rotation.ErrActiveRotationExists {
		httpx.WriteError(w, requestID, domain.NewAppError(domain.ErrValidation, err.Error()))
		return
	}
	zap.L().Error("rotation admin error", zap.Error(err))
	httpx.WriteError(w, requestID, domain.NewAppError(domain.ErrInternal, "rotation operation failed"))
}
