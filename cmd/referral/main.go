package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/richxcame/referral-integrity/internal/referral"
	"github.com/richxcame/referral-integrity/pkg/common"
	"github.com/richxcame/referral-integrity/pkg/config"
	"github.com/richxcame/referral-integrity/pkg/database"
	"github.com/richxcame/referral-integrity/pkg/eventbus"
	"github.com/richxcame/referral-integrity/pkg/health"
	"github.com/richxcame/referral-integrity/pkg/logger"
	"github.com/richxcame/referral-integrity/pkg/middleware"
	"github.com/richxcame/referral-integrity/pkg/redis"
	"github.com/richxcame/referral-integrity/pkg/resilience"
	"github.com/richxcame/referral-integrity/pkg/tracing"
	"go.uber.org/zap"
)

const (
	serviceName    = "referral-integrity"
	serviceVersion = "1.0.0"
)

func main() {
	cfg, err := config.Load(serviceName)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := logger.Init(cfg.Server.Environment); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, serviceName, cfg.Server.Environment)
	if err != nil {
		logger.Fatal("Failed to initialize tracing", zap.Error(err))
	}

	if cfg.Database.RunMigrations {
		if err := database.Migrate(&cfg.Database); err != nil {
			logger.Fatal("Failed to run migrations", zap.Error(err))
		}
	}

	db, err := database.NewPostgresPool(&cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer database.Close(db)
	logger.Info("Connected to PostgreSQL database")

	redisClient, err := redis.NewRedisClient(&cfg.Redis)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Connected to Redis")

	repo := referral.NewRepository(db)

	var detectionStore referral.DetectionStore = repo
	if cfg.Breaker.Enabled {
		detectionStore = referral.NewGuardedStore(repo, resilience.BuildSettings(
			"referral-detection-store",
			cfg.Breaker.IntervalSeconds,
			cfg.Breaker.TimeoutSeconds,
			cfg.Breaker.FailureThreshold,
			cfg.Breaker.SuccessThreshold,
		))
	}

	generator := referral.NewCodeGenerator(
		repo,
		referral.NewRedisReserver(redisClient, cfg.Referral.ReservationTTL),
		cfg.Referral.MaxCodeAttempts,
		cfg.Referral.RandomFallbackFrom,
	)
	detector := referral.NewDetector(detectionStore, detectorConfig(cfg.Referral))

	var bus *eventbus.Bus
	var publisher referral.EventPublisher
	if cfg.NATS.Enabled {
		bus, err = eventbus.Connect(cfg.NATS, serviceName)
		if err != nil {
			logger.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		defer bus.Close()
		publisher = bus
		logger.Info("Connected to NATS", zap.String("url", cfg.NATS.URL))
	}

	service := referral.NewService(repo, generator, detector, publisher)

	if bus != nil {
		if err := referral.NewEventHandler(service).RegisterSubscriptions(ctx, bus); err != nil {
			logger.Fatal("Failed to register event subscriptions", zap.Error(err))
		}
	}

	router := setupRouter(cfg, referral.NewHandler(service), map[string]func() error{
		"database": health.PostgresChecker(db),
		"redis":    health.RedisChecker(redisClient),
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("Referral integrity service starting", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down referral integrity service")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("Failed to flush traces", zap.Error(err))
	}
}

func setupRouter(cfg *config.Config, handler *referral.Handler, checks map[string]func() error) *gin.Engine {
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(middleware.CorrelationID())
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.Metrics(serviceName))

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = strings.Split(cfg.Server.CORSOrigins, ",")
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", middleware.CorrelationIDHeader}
	router.Use(cors.New(corsConfig))

	router.GET("/healthz", common.HealthCheckWithDeps(serviceName, serviceVersion, checks))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	handler.RegisterRoutes(router.Group("/api/v1"))

	return router
}

func detectorConfig(r config.ReferralConfig) referral.DetectorConfig {
	return referral.DetectorConfig{
		Thresholds: referral.Thresholds{
			ForumPosts:    r.MinForumPosts,
			Interactions:  r.MinInteractions,
			GroupMessages: r.MinGroupMessages,
		},
		SequentialEmailCheck: r.SequentialEmailCheck,
		CadenceWindow:        r.CadenceWindow,
		CadenceRatio:         r.CadenceRatio,
		TemplateSpan:         r.TemplateSpan,
		MaxLowEffortWords:    r.MaxLowEffortWords,
	}
}
