package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hanssup/gateway/internal/apiclient"
	"github.com/hanssup/gateway/internal/attendtoken"
	"github.com/hanssup/gateway/internal/auth"
	"github.com/hanssup/gateway/internal/checkin"
	"github.com/hanssup/gateway/internal/config"
	"github.com/hanssup/gateway/internal/credential"
	"github.com/hanssup/gateway/internal/database"
	"github.com/hanssup/gateway/internal/middleware"
	"github.com/hanssup/gateway/internal/ratelimit"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	hashPassword := flag.Bool("hash-password", false, "read a password from stdin and print its OPERATOR_PASSWORD_HASH")
	flag.Parse()

	if *hashPassword {
		if err := printPasswordHash(os.Stdin, os.Stdout); err != nil {
			log.Fatalf("Failed to hash password: %v", err)
		}
		return
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize logger
	var logger *zap.Logger
	if cfg.IsDevelopment() {
		logger, _ = zap.NewDevelopment()
	} else {
		logger, _ = zap.NewProduction()
	}
	defer logger.Sync()

	logger.Info("Starting HANSSUP check-in gateway",
		zap.String("env", cfg.Env),
		zap.String("api", cfg.API.BaseURL),
		zap.String("credential_store", cfg.CredentialStore),
	)

	ctx := context.Background()

	// Connect to Redis (optional)
	var redisClient *database.RedisClient
	if cfg.RedisURL != "" {
		redisClient, err = database.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisClient.Close()
		logger.Info("Connected to Redis")
	}

	// Credential store
	var store credential.Store
	var db *database.DB
	switch cfg.CredentialStore {
	case config.StoreRedis:
		store = credential.NewRedisStore(redisClient.Client, "hanssup:credential")
	case config.StorePostgres:
		db, err = database.NewPostgresDB(ctx, cfg.Database)
		if err != nil {
			logger.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
		}
		defer db.Close()
		logger.Info("Connected to PostgreSQL")

		pgStore := credential.NewPostgresStore(db.DB)
		if err := pgStore.EnsureSchema(ctx); err != nil {
			logger.Fatal("Failed to prepare credential table", zap.Error(err))
		}
		store = pgStore
	default:
		store = credential.NewMemoryStore()
	}

	// Pending check-ins and rate limiting live in Redis when there is one
	var pending checkin.PendingStore
	var limiter interface {
		middleware.RateLimiter
		ratelimit.Counter
	}
	if redisClient != nil {
		pending = checkin.NewRedisPendingStore(redisClient.Client, "hanssup", cfg.Attend.PendingTTL)
		limiter = ratelimit.NewLimiter(redisClient.Client, "hanssup:ratelimit", cfg.RateLimit.Window, cfg.RateLimit.MaxAttempts)
	} else {
		pending = checkin.NewMemoryPendingStore(cfg.Attend.PendingTTL)
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimit.Window, cfg.RateLimit.MaxAttempts)
	}

	// Remote API pipeline
	apiClient := apiclient.NewClient(apiclient.Config{
		BaseURL:     cfg.API.BaseURL,
		RefreshPath: cfg.API.RefreshPath,
		Timeout:     cfg.API.Timeout,
	}, store, &http.Client{}, logger.Named("apiclient"))
	apiClient.OnSessionEnd(func(ctx context.Context, cause error) {
		logger.Info("login required", zap.String("login_url", cfg.Attend.LoginRedirectURL), zap.Error(cause))
	})

	// Initialize services
	codec := attendtoken.NewCodec(cfg.Attend.BaseURL)
	authService := auth.NewService(apiClient, auth.Config{
		LoginPath:         cfg.API.LoginPath,
		OAuthExchangePath: cfg.API.ExchangePath,
	}, logger.Named("auth"))
	checkinService := checkin.NewService(apiClient, codec, pending, logger.Named("checkin"))

	// Initialize handlers
	authHandler := auth.NewHandler(authService, func(ctx context.Context) (interface{}, error) {
		result, err := checkinService.ResumePending(ctx)
		if result == nil {
			return nil, err
		}
		return result, err
	}, logger)
	if redisClient != nil {
		authHandler.AddHealthCheck("redis", redisClient.Health)
	}
	if db != nil {
		authHandler.AddHealthCheck("postgres", db.Health)
	}
	checkinHandler := checkin.NewHandler(checkinService, cfg.Attend.LoginRedirectURL, logger)
	rateLimitHandler := ratelimit.NewHandler(limiter, cfg.RateLimit.MaxAttempts, logger)

	// Set up Gin router
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Global middleware
	allowedOrigins := middleware.ParseAllowedOrigins(cfg.CORS.AllowedOrigins)
	router.Use(middleware.CORS(allowedOrigins))
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.RequestID())
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.Logger(logger))
	router.Use(middleware.Metrics())

	// Public routes
	router.GET("/health", authHandler.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Check-in routes
	attendGroup := router.Group("/attend")
	attendGroup.Use(middleware.RateLimit(limiter, logger))
	{
		attendGroup.GET("", checkinHandler.AttendQuery)
		attendGroup.GET("/:token", checkinHandler.AttendToken)
		attendGroup.POST("/code", checkinHandler.AttendCode)
		attendGroup.POST("/qr", checkinHandler.AttendQR)
		attendGroup.POST("/link", checkinHandler.AttendLink)
	}

	// Operator routes
	operator := middleware.OperatorAuth(cfg.Operator.User, cfg.Operator.PasswordHash, logger)
	router.POST("/share", operator, checkinHandler.Share)

	sessionGroup := router.Group("/session")
	sessionGroup.Use(operator)
	{
		sessionGroup.GET("", authHandler.Current)
		sessionGroup.POST("/login", authHandler.Login)
		sessionGroup.POST("/oauth/exchange", authHandler.ExchangeOAuthCode)
		sessionGroup.POST("/logout", authHandler.Logout)
	}

	rateLimitGroup := router.Group("/ratelimit")
	rateLimitGroup.Use(operator)
	{
		rateLimitGroup.GET("/:key", rateLimitHandler.Attempts)
		rateLimitGroup.DELETE("/:key", rateLimitHandler.Clear)
	}

	// Create HTTP server
	server := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Port),
		Handler: router,
		// a check-in can wait out a token refresh on top of its own request
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 3*cfg.API.Timeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info("Starting server", zap.String("port", cfg.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// Graceful shutdown with 5 second timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server stopped")
}

// printPasswordHash reads one line from in and writes its bcrypt hash to out
func printPasswordHash(in io.Reader, out io.Writer) error {
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return fmt.Errorf("failed to read password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return fmt.Errorf("password is empty")
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, hash)
	return err
}
