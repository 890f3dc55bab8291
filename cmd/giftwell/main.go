package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/giftwell/platform/common/otel"
	"github.com/giftwell/platform/internal/config"
	"github.com/giftwell/platform/internal/middleware"
	"github.com/giftwell/platform/internal/ratelimit"
	"github.com/giftwell/platform/pkg/logger"
)

// limiterRegistry holds the live limiter per endpoint category and supports
// atomic replacement when the override file is reloaded.
type limiterRegistry struct {
	mu       sync.RWMutex
	limiters map[string]*ratelimit.RateLimiter
}

func (r *limiterRegistry) get(category string) *ratelimit.RateLimiter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.limiters[category]
}

func (r *limiterRegistry) replace(limiters map[string]*ratelimit.RateLimiter) {
	r.mu.Lock()
	r.limiters = limiters
	r.mu.Unlock()
}

func (r *limiterRegistry) snapshot() map[string]*ratelimit.RateLimiter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*ratelimit.RateLimiter, len(r.limiters))
	for k, v := range r.limiters {
		out[k] = v
	}
	return out
}

// buildLimiters constructs one limiter per configured category. Any invalid
// config fails the whole build; misconfiguration must never fail per-request.
func buildLimiters(configs map[string]ratelimit.Config, store *ratelimit.RedisStore, zapLogger *zap.Logger) (map[string]*ratelimit.RateLimiter, error) {
	limiters := make(map[string]*ratelimit.RateLimiter, len(configs))
	for name, cfg := range configs {
		rl, err := ratelimit.New(cfg, store, zapLogger)
		if err != nil {
			return nil, err
		}
		limiters[name] = rl
	}
	return limiters, nil
}

// limit installs the current limiter for a category, resolved per request so
// override reloads take effect without restarting.
func limit(reg *limiterRegistry, category string, zapLogger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		rl := reg.get(category)
		if rl == nil {
			c.Next()
			return
		}
		middleware.RateLimit(rl, zapLogger)(c)
	}
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	zapLogger, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	ctx := context.Background()
	otelShutdown, err := otel.Setup(ctx, otel.Config{
		Tracing: &otel.TracingOpts{},
	})
	if err != nil {
		zapLogger.Fatal("failed to set up telemetry", zap.Error(err))
	}

	// Shared coordination store. The supervisor owns connection health;
	// requests arriving before it connects simply use the fallback store.
	store := ratelimit.NewRedisStore(&cfg.Redis, zapLogger)
	store.Start()

	manager := ratelimit.NewConfigManager(zapLogger)
	if cfg.RateLimit.OverridesFile != "" {
		if err := manager.LoadFile(cfg.RateLimit.OverridesFile); err != nil {
			zapLogger.Fatal("failed to load rate limit overrides", zap.Error(err))
		}
	}

	limiters, err := buildLimiters(manager.All(), store, zapLogger)
	if err != nil {
		zapLogger.Fatal("failed to build rate limiters", zap.Error(err))
	}
	registry := &limiterRegistry{limiters: limiters}

	manager.OnChange(func(configs map[string]ratelimit.Config) {
		rebuilt, err := buildLimiters(configs, store, zapLogger)
		if err != nil {
			zapLogger.Error("rejecting reloaded rate limit configs", zap.Error(err))
			return
		}
		registry.replace(rebuilt)
		zapLogger.Info("rate limiters rebuilt from reloaded configs")
	})
	if cfg.RateLimit.OverridesFile != "" && cfg.RateLimit.WatchOverrides {
		if err := manager.Watch(cfg.RateLimit.OverridesFile); err != nil {
			zapLogger.Warn("failed to watch overrides file", zap.Error(err))
		}
	}

	router := gin.New()
	router.Use(ginzap.Ginzap(zapLogger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(zapLogger, true))
	if len(cfg.Server.CORSOrigins) > 0 {
		corsCfg := cors.DefaultConfig()
		corsCfg.AllowOrigins = cfg.Server.CORSOrigins
		router.Use(cors.New(corsCfg))
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"store":  store.State().String(),
		})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if cfg.RateLimit.Enabled {
		api := router.Group("/api/v1", limit(registry, ratelimit.PresetAPIGeneral, zapLogger))
		{
			api.GET("/registries", stubList)
			api.GET("/registries/:id", stubGet)
			api.POST("/registries", stubCreate)
		}

		auth := router.Group("/api/v1/auth", limit(registry, ratelimit.PresetAuth, zapLogger))
		{
			auth.POST("/login", stubLogin)
			auth.POST("/register", stubLogin)
		}

		bulk := router.Group("/api/v1/bulk", limit(registry, ratelimit.PresetBulkQuery, zapLogger))
		{
			bulk.POST("/registries/query", stubList)
		}

		hooks := router.Group("/webhooks", limit(registry, ratelimit.PresetWebhook, zapLogger))
		{
			hooks.POST("/orders", stubAccepted)
		}

		admin := router.Group("/admin", limit(registry, ratelimit.PresetAdmin, zapLogger))
		ratelimit.NewAdminAPI(registry.get, manager, zapLogger).Register(admin)
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		zapLogger.Info("server listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLogger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zapLogger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("server shutdown failed", zap.Error(err))
	}
	for _, rl := range registry.snapshot() {
		_ = rl.Close()
	}
	if err := manager.Close(); err != nil {
		zapLogger.Error("config manager close failed", zap.Error(err))
	}
	if err := store.Close(); err != nil {
		zapLogger.Error("store close failed", zap.Error(err))
	}
	if err := otelShutdown(shutdownCtx); err != nil {
		zapLogger.Error("telemetry shutdown failed", zap.Error(err))
	}
}

// The handlers below stand in for the registry product surface; the real
// business services live outside this subsystem.
func stubList(c *gin.Context)   { c.JSON(http.StatusOK, gin.H{"items": []string{}}) }
func stubGet(c *gin.Context)    { c.JSON(http.StatusOK, gin.H{"id": c.Param("id")}) }
func stubCreate(c *gin.Context) { c.JSON(http.StatusCreated, gin.H{"created": true}) }
func stubLogin(c *gin.Context)  { c.JSON(http.StatusOK, gin.H{"token": "stub"}) }
func stubAccepted(c *gin.Context) {
	c.JSON(http.StatusAccepted, gin.H{"accepted": true})
}
