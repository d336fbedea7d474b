package main

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/fleetworks/fleet-api/api/swagger"
	"github.com/fleetworks/fleet-api/internal/handler"
	"github.com/fleetworks/fleet-api/internal/middleware"
	"github.com/fleetworks/fleet-api/internal/repository"
	"github.com/fleetworks/fleet-api/internal/service"
	"github.com/fleetworks/fleet-api/pkg/cache"
	"github.com/fleetworks/fleet-api/pkg/config"
	"github.com/fleetworks/fleet-api/pkg/database"
	"github.com/fleetworks/fleet-api/pkg/jobs"
	"github.com/fleetworks/fleet-api/pkg/logger"
	"github.com/fleetworks/fleet-api/pkg/mailer"
	corsmiddleware "github.com/fleetworks/fleet-api/pkg/middleware/cors"
	reqidmiddleware "github.com/fleetworks/fleet-api/pkg/middleware/requestid"
)

// @title Fleet API
// @version 0.1.0
// @description Authentication and session lifecycle for the equipment fleet platform
// @BasePath /api/v1
// @schemes http

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close()

	// Rate limiting degrades to pass-through without Redis; everything
	// else keeps working.
	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Warnw("redis unavailable, rate limiting disabled", "error", err)
		redisClient = nil
	}

	mail := mailer.NewQueued(mailer.NewLogMailer(logr, cfg.Mail.ResetURL), jobs.QueueConfig{
		Workers: cfg.Mail.Workers,
		Logger:  logr,
	})
	mail.Start(context.Background())
	defer mail.Stop()

	signer := service.NewTokenSigner(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.AccessTokenTTL)
	authRepo := repository.NewAuthRepository(db)
	authService := service.NewAuthService(authRepo, signer, mail, validator.New(), logr, service.AuthServiceConfig{
		RefreshTokenTTL: cfg.Auth.RefreshTokenTTL,
		ResetTokenTTL:   cfg.Auth.ResetTokenTTL,
		BcryptCost:      cfg.Auth.BcryptCost,
	})
	metricsService := service.NewMetricsService()
	authHandler := handler.NewAuthHandler(authService, metricsService)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsService))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/ready", func(c *gin.Context) {
		if err := db.Ping(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	r.GET("/metrics", gin.WrapH(metricsService.Handler()))

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	var limit gin.HandlerFunc
	if cfg.RateLimit.Enabled {
		limit = middleware.RateLimit(redisClient, logr, cfg.RateLimit.Requests, cfg.RateLimit.Window)
	} else {
		limit = func(c *gin.Context) { c.Next() }
	}

	auth := r.Group(cfg.APIPrefix + "/auth")
	{
		auth.POST("/register", limit, authHandler.Register)
		auth.POST("/login", limit, authHandler.Login)
		auth.POST("/refresh", authHandler.Refresh)
		auth.POST("/logout", authHandler.Logout)
		auth.POST("/forgot-password", limit, authHandler.ForgotPassword)
		auth.POST("/reset-password", limit, authHandler.ResetPassword)
		auth.GET("/me", middleware.JWT(authService), authHandler.Me)
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
	if err := r.Run(addr); err != nil {
		logr.Sugar().Fatalw("server failed", "error", err)
	}
}
