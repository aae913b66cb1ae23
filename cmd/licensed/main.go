// Command licensed runs the license issuance, validation and revocation
// service: the request API, the real-time gateway, and the background
// scheduler sweeps, all wired against one shared Postgres-backed license
// store.
package main

import (
	"context"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/rs/zerolog"

	"github.com/lumenguard/licensed/internal/archive"
	"github.com/lumenguard/licensed/internal/audit"
	"github.com/lumenguard/licensed/internal/billing"
	"github.com/lumenguard/licensed/internal/clock"
	"github.com/lumenguard/licensed/internal/config"
	"github.com/lumenguard/licensed/internal/domain"
	"github.com/lumenguard/licensed/internal/eventbus"
	"github.com/lumenguard/licensed/internal/gateway"
	"github.com/lumenguard/licensed/internal/handlers"
	"github.com/lumenguard/licensed/internal/licensesvc"
	appMiddleware "github.com/lumenguard/licensed/internal/middleware"
	"github.com/lumenguard/licensed/internal/repository"
	"github.com/lumenguard/licensed/internal/scheduler"
	"github.com/lumenguard/licensed/internal/store/postgres"
	"github.com/lumenguard/licensed/internal/tokens"
	"github.com/lumenguard/licensed/internal/validator"
)

// adminClientID is the reserved identify client_id an ops dashboard uses to
// also receive the admin topic over the Gateway.
const adminClientID = "__admin__"

// auditReplayDepth bounds how far back the startup replay reads the audit
// log.
const auditReplayDepth = 100

// replayAuditTail re-publishes the most recent audit events, oldest first,
// so subscribers on sibling instances observe any mutation whose bus
// publish was lost to a crash between commit and publish. Duplicates are
// harmless: clients reconcile with a check on every license_update.
func replayAuditTail(ctx context.Context, auditor *audit.Log, bus *eventbus.Bus, logger zerolog.Logger) {
	tail, err := auditor.Tail(ctx, auditReplayDepth)
	if err != nil {
		logger.Warn().Err(err).Msg("audit tail replay failed")
		return
	}
	replayed := 0
	for i := len(tail) - 1; i >= 0; i-- {
		ev := tail[i]
		if ev.ClientID == "" {
			continue
		}
		bus.Publish(ctx, eventbus.Event{
			Topics: []string{eventbus.LicenseTopic(ev.ClientID)},
			Type:   "license_update",
			Payload: map[string]interface{}{
				"action":     "replay",
				"event_type": ev.EventType,
				"ts":         ev.Timestamp,
			},
		})
		replayed++
	}
	if replayed > 0 {
		logger.Info().Int("count", replayed).Msg("replayed audit tail")
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "licensed").Logger()
	if cfg.Environment == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}

	db, err := repository.NewPostgresDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer db.Close()

	var redisClient *repository.RedisClient
	if cfg.RedisURL != "" {
		redisClient, err = repository.NewRedisClient(cfg.RedisURL)
		if err != nil {
			logger.Warn().Err(err).Msg("redis unavailable, continuing without cross-instance event mirroring")
			redisClient = nil
		} else {
			defer redisClient.Close()
		}
	}

	licenseStore := postgres.New(db)
	refreshStore := postgres.NewRefreshTokens(db)

	clk := clock.Real{}
	idgen := clock.UUIDGen{}

	codec := tokens.New(cfg.SigningSecret, clk, idgen, refreshStore)
	auditor := audit.New(db, logger)
	bus := eventbus.New(logger, redisClient)

	busCtx, busCancel := context.WithCancel(context.Background())
	defer busCancel()
	bus.ListenRedis(busCtx)

	priceToPlan := make(map[string]domain.Plan, len(cfg.StripePriceToPlan))
	for price, plan := range cfg.StripePriceToPlan {
		priceToPlan[price] = domain.Plan(plan)
	}

	svc := licensesvc.New(licenseStore, licenseStore, licenseStore, codec, bus, auditor, clk, idgen, cfg.AccessTokenTTL, cfg.RefreshTokenTTL)
	val := validator.New(licenseStore, licenseStore, codec, clk, svc)

	gw := gateway.New(bus,
		func(ctx context.Context, clientID, token string) (validator.Result, error) {
			result, err := val.Validate(ctx, clientID, token)
			if err == nil {
				svc.RecordCheck(ctx, clientID, result.Outcome.String(), "")
			}
			return result, err
		},
		func(ctx context.Context, clientID string) string {
			lic, err := licenseStore.Get(ctx, clientID)
			if err != nil {
				return ""
			}
			return string(lic.Plan)
		},
		func(clientID string) bool {
			return clientID == adminClientID
		},
		logger)

	billingCtrl := billing.New(cfg.StripeSecretKey, cfg.StripeWebhookSecret, priceToPlan, svc, logger)

	if cfg.ArchiveBucket != "" {
		arc, err := archive.New(busCtx, archive.Config{
			Bucket:          cfg.ArchiveBucket,
			Region:          cfg.ArchiveRegion,
			Endpoint:        cfg.ArchiveEndpoint,
			AccessKeyID:     cfg.ArchiveAccessKey,
			SecretAccessKey: cfg.ArchiveSecretKey,
		}, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("report archive unavailable, monthly reports will not be persisted to object storage")
		} else {
			arc.Subscribe(busCtx, bus)
		}
	}

	replayCtx, replayCancel := context.WithTimeout(context.Background(), 10*time.Second)
	replayAuditTail(replayCtx, auditor, bus, logger)
	replayCancel()

	sched, err := scheduler.New(scheduler.Config{
		Timezone:          cfg.SchedulerTimezone,
		ExpireSweepCron:   cfg.ExpireSweepCron,
		WarnSweepCron:     cfg.WarnSweepCron,
		GCSweepCron:       cfg.GCSweepCron,
		MonthlyReportCron: cfg.MonthlyReportCron,
	}, licenseStore, licenseStore, svc, bus, logger)
	if err != nil {
		log.Fatalf("failed to construct scheduler: %v", err)
	}
	if err := sched.Start(context.Background()); err != nil {
		log.Fatalf("failed to start scheduler: %v", err)
	}
	defer func() {
		if err := sched.Stop(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("scheduler stop did not complete cleanly")
		}
	}()

	licensingHandler := handlers.NewLicensingHandler(svc, val, codec, gw)
	adminHandler := handlers.NewAdminHandler(svc, licenseStore)
	healthHandler := handlers.NewHealthHandler(db, redisClient, gw.ConnectionCount)

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "X-Admin-Actor"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Use(httprate.LimitByIP(cfg.RateLimitRequests, cfg.RateLimitWindow))

	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)
	r.Get("/health/detailed", healthHandler.Detailed)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/licenses", func(r chi.Router) {
			r.Post("/check", licensingHandler.Check)
			r.Post("/token-pair", licensingHandler.TokenPair)
			r.Post("/refresh", licensingHandler.Refresh)
			r.Post("/revoke-refresh", licensingHandler.RevokeRefresh)
		})

		r.Get("/connect", licensingHandler.Connect)

		r.Post("/webhooks/stripe", func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(r.Body)
			if err != nil {
				http.Error(w, `{"error": "failed to read webhook body"}`, http.StatusBadRequest)
				return
			}
			if err := billingCtrl.HandleWebhook(r.Context(), body, r.Header.Get("Stripe-Signature")); err != nil {
				http.Error(w, `{"error": "webhook rejected"}`, http.StatusBadRequest)
				return
			}
			w.WriteHeader(http.StatusOK)
		})

		r.Group(func(r chi.Router) {
			r.Use(appMiddleware.AdminAuth(cfg.AdminAPIKey))

			r.Route("/admin/licenses", func(r chi.Router) {
				r.Get("/", adminHandler.List)
				r.Get("/stats", adminHandler.Stats)
				r.Post("/", adminHandler.Create)
				r.Post("/{client_id}/toggle", adminHandler.Toggle)
				r.Post("/{client_id}/extend", adminHandler.Extend)
				r.Post("/{client_id}/modules", adminHandler.UpdateModules)
				r.Post("/{client_id}/revoke", adminHandler.Revoke)
			})
		})
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("port", cfg.Port).Msg("starting licensed server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	gw.Shutdown()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("server forced to shutdown: %v", err)
	}

	logger.Info().Msg("server exited")
}
