package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/verifid/kyc-service/internal/kyc"
	"github.com/verifid/kyc-service/pkg/cache"
	"github.com/verifid/kyc-service/pkg/common"
	"github.com/verifid/kyc-service/pkg/config"
	"github.com/verifid/kyc-service/pkg/database"
	"github.com/verifid/kyc-service/pkg/eventbus"
	"github.com/verifid/kyc-service/pkg/logger"
	"github.com/verifid/kyc-service/pkg/middleware"
	redisclient "github.com/verifid/kyc-service/pkg/redis"
	"go.uber.org/zap"
)

const (
	serviceName = "kyc-service"
	version     = "1.0.0"
)

func main() {
	// Load configuration
	cfg, err := config.Load(serviceName)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	// Initialize logger
	if err := logger.Init(cfg.Server.Environment); err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	log := logger.Get()
	log.Info("Starting kyc service", zap.String("version", version))

	// Initialize database
	db, err := database.NewPostgresPool(&cfg.Database)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer database.Close(db)

	if err := database.Migrate(&cfg.Database); err != nil {
		log.Fatal("Failed to run migrations", zap.Error(err))
	}

	log.Info("Connected to database")

	// Redis cache (optional)
	var statusCache kyc.StatusCache
	if cfg.Redis.Enabled() {
		redisClient, err := redisclient.NewRedisClient(&cfg.Redis)
		if err != nil {
			log.Warn("Failed to connect to Redis, status cache disabled", zap.Error(err))
		} else {
			statusCache = cache.NewManager(redisClient)
			log.Info("Redis cache initialized")
		}
	} else {
		log.Info("REDIS_HOST not set, status cache disabled")
	}

	// NATS event bus (optional)
	var emitter *kyc.EventEmitter
	if cfg.Events.URL != "" {
		bus, err := eventbus.New(eventbus.Config{
			URL:        cfg.Events.URL,
			Name:       serviceName,
			StreamName: cfg.Events.StreamName,
		})
		if err != nil {
			log.Warn("Failed to connect to NATS, lifecycle events disabled", zap.Error(err))
		} else {
			defer bus.Close()
			emitter = kyc.NewEventEmitter(bus)
		}
	} else {
		log.Info("NATS_URL not set, lifecycle events disabled")
	}

	// Identity-verification provider
	var provider kyc.ProviderGateway
	if cfg.KYC.Provider == "mock" {
		provider = kyc.NewMockProvider(24 * time.Hour)
		log.Warn("Using mock identity provider")
	} else {
		provider = kyc.NewHostedProvider(&cfg.KYC)
		log.Info("Identity provider initialized", zap.String("provider", cfg.KYC.Provider))
	}

	// Wire the verification module
	kyc.RegisterValidators()
	repo := kyc.NewRepository(db)
	service := kyc.NewService(repo, provider, emitter, statusCache, &cfg.KYC)
	handler := kyc.NewHandler(service, &cfg.KYC)

	rootCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	// Optional expiry sweep worker. The read path evaluates expiry lazily
	// on its own; this only moves abandoned sessions to a stored expired
	// status and emits the expiry events.
	if cfg.KYC.ExpirySweep {
		interval := time.Duration(cfg.KYC.SweepInterval) * time.Minute
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			for {
				select {
				case <-rootCtx.Done():
					return
				case <-ticker.C:
					if _, err := service.ExpireOverdueCases(rootCtx); err != nil {
						log.Error("Expiry sweep failed", zap.Error(err))
					}
				}
			}
		}()
		log.Info("Expiry sweep worker started", zap.Duration("interval", interval))
	}

	// Setup Gin router
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Global middleware
	router.Use(middleware.Recovery())
	router.Use(middleware.CorrelationID())
	router.Use(middleware.RequestLogger(serviceName))
	router.Use(middleware.CORS())

	// Health checks
	router.GET("/healthz", common.HealthCheck(serviceName, version))
	router.GET("/livez", common.LivenessProbe(serviceName, version))
	router.GET("/readyz", common.ReadinessProbe(serviceName, version, map[string]func() error{
		"database": func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return db.Ping(ctx)
		},
	}))

	// Metrics endpoint
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Register verification routes
	handler.RegisterRoutes(router, cfg.JWT.Secret)

	// Setup HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Info("Server starting", zap.String("port", cfg.Server.Port), zap.String("environment", cfg.Server.Environment))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")
	stopWorkers()

	// Graceful shutdown with 30 second timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown", zap.Error(err))
	}

	log.Info("Server stopped")
}
