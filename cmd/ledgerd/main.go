package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/carbon-dna/ledger/internal/alerts"
	"github.com/carbon-dna/ledger/internal/anchor"
	"github.com/carbon-dna/ledger/internal/identity"
	"github.com/carbon-dna/ledger/internal/ledger"
	"github.com/carbon-dna/ledger/internal/records/handler"
	"github.com/carbon-dna/ledger/internal/records/repository"
	"github.com/carbon-dna/ledger/internal/records/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("ledgerd exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	// ── Configuration ────────────────────────────────────────────────────────
	viper.SetConfigName("ledgerd")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("configs")
	viper.AddConfigPath(".")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.base_url", "")
	viper.SetDefault("server.cors_origins", []string{"http://localhost:3000"})
	viper.SetDefault("server.rate_limit_rps", 20)
	viper.SetDefault("database.url", "")
	viper.SetDefault("auth.api_key_hash", "")
	viper.SetDefault("auth.token_secret", "")
	viper.SetDefault("auth.token_ttl_seconds", 3600)
	viper.SetDefault("alerts.webhook_url", "")
	viper.SetDefault("alerts.webhook_secret", "")
	viper.SetDefault("anchor.enabled", true)
	viper.SetDefault("anchor.interval", "1h")
	viper.SetDefault("verify_on_start", true)

	if err := viper.ReadInConfig(); err != nil {
		var cfgNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgNotFound) {
			return fmt.Errorf("read config: %w", err)
		}
		logger.Warn("no config file found, using defaults and env vars")
	}

	// ── Storage ──────────────────────────────────────────────────────────────
	var store ledger.Ledger
	var annotations service.AnnotationStore

	dbURL := viper.GetString("database.url")
	if dbURL != "" {
		db, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer db.Close()

		if err := db.Ping(context.Background()); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
		logger.Info("connected to postgres")

		store = ledger.NewPostgresLedger(db, logger)
		annotations = repository.NewAnnotationRepository(db)
	} else {
		logger.Warn("no database.url configured, using in-memory ledger; records are lost on restart")
		store = ledger.New()
		annotations = repository.NewMemoryAnnotationStore()
	}

	// ── Startup integrity check ──────────────────────────────────────────────
	if viper.GetBool("verify_on_start") {
		verifyAllChains(context.Background(), store, logger)
	}

	// ── Auth ─────────────────────────────────────────────────────────────────
	httpPort := viper.GetInt("server.port")
	baseURL := viper.GetString("server.base_url")
	if baseURL == "" {
		baseURL = fmt.Sprintf("http://localhost:%d", httpPort)
	}

	var tokens *identity.IngestTokenIssuer
	tokenSecret := viper.GetString("auth.token_secret")
	apiKeyHash := viper.GetString("auth.api_key_hash")
	if tokenSecret != "" {
		ttl := time.Duration(viper.GetInt("auth.token_ttl_seconds")) * time.Second
		tokens = identity.NewIngestTokenIssuer([]byte(tokenSecret), baseURL, ttl)
	}

	// ── Alerts ───────────────────────────────────────────────────────────────
	notifier := alerts.NewNotifier(
		viper.GetString("alerts.webhook_url"),
		viper.GetString("alerts.webhook_secret"),
		logger,
	)

	// ── Wire up layers ───────────────────────────────────────────────────────
	svc := service.New(store, logger)
	svc.SetAnnotationStore(annotations)
	svc.SetTamperCallback(notifier.Notify)

	authMiddleware := handler.RequireIngestToken(tokens, logger)
	recordHandler := handler.NewRecordHandler(svc, authMiddleware, logger)

	var authHandler *handler.AuthHandler
	if tokens != nil && apiKeyHash != "" {
		authHandler = handler.NewAuthHandler(apiKeyHash, tokens, logger)
	}

	// ── HTTP Router ──────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	corsOrigins := viper.GetStringSlice("server.cors_origins")
	router.Use(cors.New(cors.Config{
		AllowOrigins:     corsOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: !containsWildcard(corsOrigins),
		MaxAge:           12 * time.Hour,
	}))

	// Security headers
	router.Use(func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	})

	// Request body size limit (1 MB)
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20)
		c.Next()
	})

	rps := viper.GetInt("server.rate_limit_rps")
	if rps > 0 {
		router.Use(handler.RateLimiter(rps, rps*2))
	}

	router.Use(handler.PrometheusMiddleware())
	router.Use(requestLogger(logger))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", handler.MetricsHandler())

	v1 := router.Group("/api/v1")
	recordHandler.Register(v1)
	if authHandler != nil {
		authHandler.Register(v1)
	}

	// ── Background anchoring ─────────────────────────────────────────────────
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	if viper.GetBool("anchor.enabled") {
		interval, err := time.ParseDuration(viper.GetString("anchor.interval"))
		if err != nil {
			return fmt.Errorf("parse anchor.interval: %w", err)
		}
		sched := anchor.New(store, anchor.Config{Interval: interval}, logger)
		sched.SetMetricsRecord(handler.RecordAnchor)
		go sched.Run(bgCtx)
		logger.Info("anchor scheduler started", zap.Duration("interval", interval))
	}

	// ── Serve ────────────────────────────────────────────────────────────────
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", httpPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("ledgerd listening", zap.Int("port", httpPort))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen error", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("shutting down ledgerd...")
	bgCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}

	logger.Info("ledgerd stopped")
	return nil
}

// verifyAllChains walks every partition's hash chain once at startup so that
// tampering during downtime is surfaced immediately.
func verifyAllChains(ctx context.Context, store ledger.Ledger, logger *zap.Logger) {
	partitions, err := store.Partitions(ctx)
	if err != nil {
		logger.Warn("startup verification: list partitions", zap.Error(err))
		return
	}
	for _, p := range partitions {
		res, err := store.VerifyChain(ctx, p, uuid.Nil, uuid.Nil)
		if err != nil {
			logger.Warn("startup verification failed", zap.String("partition", p), zap.Error(err))
			continue
		}
		if !res.OK {
			logger.Error("startup verification: chain integrity FAILED",
				zap.String("partition", p),
				zap.String("reason", res.Reason),
			)
			continue
		}
		logger.Info("chain verified", zap.String("partition", p), zap.Int("records", res.Checked))
	}
}

// containsWildcard returns true if origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}

// requestLogger returns a Gin middleware that logs each request with zap.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
