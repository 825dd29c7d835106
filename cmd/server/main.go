package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/tenure/backend/internal/config"
	"github.com/tenure/backend/internal/database"
	"github.com/tenure/backend/internal/handlers"
	"github.com/tenure/backend/internal/jobs"
	"github.com/tenure/backend/internal/lock"
	"github.com/tenure/backend/internal/logger"
	"github.com/tenure/backend/internal/middleware"
	"github.com/tenure/backend/internal/models"
	"github.com/tenure/backend/internal/routes"
	"github.com/tenure/backend/internal/services/kyc"
	"github.com/tenure/backend/internal/services/membership"
)

func main() {
	envErr := godotenv.Load()

	cfg := config.LoadConfig()
	log := logger.New(cfg.IsDevelopment(), cfg.LogLevel)
	if envErr != nil {
		log.Debug().Msg("no .env file found, using environment variables")
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	db, err := database.InitDB(cfg.Database, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize database")
	}

	var (
		locker    lock.Locker = lock.NewLocalLocker()
		publisher membership.Publisher
	)
	redisClient := connectRedis(cfg.Redis, &log)
	if redisClient != nil {
		locker = lock.NewRedisLocker(redisClient, &log)
		publisher = membership.NewRedisPublisher(redisClient)
	}

	provider, err := kyc.NewProvider(cfg.KYC, &log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to configure identity vendor")
	}

	store := database.NewVerificationStore(db)
	membershipService := membership.NewService(db, publisher, &log)
	kycService := kyc.NewService(provider, store, membershipService, locker, &log, kyc.Options{LockTTL: cfg.KYC.LockTTL})
	reconciler := kyc.NewReconciler(kycService, store, &log)

	scheduler, err := jobs.NewScheduler(
		jobs.NewEligibilityDriftJob(store, membershipService, &log),
		jobs.NewUnmatchedWebhookJob(reconciler, &log),
		jobs.DefaultIntervals(),
		&log,
	)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to schedule sweeps")
	}
	scheduler.Start()

	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	webhookLimiter := middleware.NewRateLimiter(cfg.KYC.WebhookRatePerSecond, cfg.KYC.WebhookBurst)
	router := routes.NewRouter(
		handlers.NewKYCHandler(kycService, reconciler, &log),
		webhookLimiter,
		routes.Options{
			JWTSecret:   cfg.JWT.Secret,
			FrontendURL: cfg.FrontendURL,
			Production:  !cfg.IsDevelopment(),
			Log:         &log,
		},
	)

	srv := startServer(router, cfg.Server, &log, provider.Name())

	// Wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	scheduler.Stop()
	webhookLimiter.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}

	log.Info().Msg("server exited")
}

// connectRedis returns nil when Redis is not configured or unreachable; the
// service then locks in-process and skips eligibility events
func connectRedis(cfg config.RedisConfig, log *zerolog.Logger) *redis.Client {
	if cfg.URL == "" {
		log.Warn().Msg("REDIS_URL not set, using in-process locks")
		return nil
	}

	var opts *redis.Options
	if strings.Contains(cfg.URL, "://") {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			log.Error().Err(err).Msg("invalid REDIS_URL, using in-process locks")
			return nil
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: cfg.URL, Password: cfg.Password, DB: cfg.DB}
	}

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Error().Err(err).Msg("failed to connect to Redis, using in-process locks")
		_ = client.Close()
		return nil
	}
	return client
}

// startServer starts the HTTP server
func startServer(router *gin.Engine, cfg config.ServerConfig, log *zerolog.Logger, provider models.Provider) *http.Server {
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeout) * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	log.Info().Str("port", cfg.Port).Str("provider", string(provider)).Msg("server started")
	return srv
}
