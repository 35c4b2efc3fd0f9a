// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/safehold/safehold/internal/admin"
	"github.com/safehold/safehold/internal/auth"
	"github.com/safehold/safehold/internal/circuitbreaker"
	"github.com/safehold/safehold/internal/config"
	"github.com/safehold/safehold/internal/dispute"
	"github.com/safehold/safehold/internal/email"
	"github.com/safehold/safehold/internal/escrow"
	"github.com/safehold/safehold/internal/events"
	"github.com/safehold/safehold/internal/gateway"
	"github.com/safehold/safehold/internal/health"
	"github.com/safehold/safehold/internal/idgen"
	"github.com/safehold/safehold/internal/kyc"
	"github.com/safehold/safehold/internal/ledger"
	"github.com/safehold/safehold/internal/logging"
	"github.com/safehold/safehold/internal/metrics"
	"github.com/safehold/safehold/internal/payments"
	"github.com/safehold/safehold/internal/ratelimit"
	"github.com/safehold/safehold/internal/realtime"
	"github.com/safehold/safehold/internal/reconciliation"
	"github.com/safehold/safehold/internal/security"
	"github.com/safehold/safehold/internal/settings"
	"github.com/safehold/safehold/internal/traces"
	"github.com/safehold/safehold/internal/transactions"
	"github.com/safehold/safehold/internal/users"
	"github.com/safehold/safehold/internal/validation"
	"github.com/safehold/safehold/internal/wallet"
	"github.com/safehold/safehold/internal/webhooks"
)

// Version is reported by the health endpoint. Set by ldflags in cmd/server.
var Version = "dev"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg    *config.Config
	issuer *auth.Issuer
	db     *sql.DB       // nil if using in-memory
	redis  *redis.Client // nil without REDIS_URL

	users        *users.Service
	wallets      *wallet.Service
	escrows      *escrow.Service
	disputes     *dispute.Service
	settings     *settings.Service
	transactions *transactions.Service
	payments     *payments.Service
	ledger       *ledger.Ledger
	admin        *admin.Service
	kyc          *kyc.Service
	gateways     *gateway.Registry
	webhookStore webhooks.Store

	mailer      *email.Notifier
	publisher   events.Publisher
	realtimeHub *realtime.Hub
	sweepTimer  *reconciliation.Timer
	rateLimiter *ratelimit.Limiter
	checks      *health.Registry

	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMailSender replaces the configured email transport (for testing)
func WithMailSender(sender email.Sender) Option {
	return func(s *Server) {
		s.mailer = email.NewNotifier(sender, s.cfg.AppURL)
	}
}

// WithGateway registers an extra payment gateway (for testing)
func WithGateway(g gateway.Gateway) Option {
	return func(s *Server) {
		s.gateways.Register(g)
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:      cfg,
		logger:   logging.New(cfg.LogLevel, cfg.LogFormat),
		issuer:   auth.NewIssuer(cfg.JWTSecret, cfg.JWTTTL),
		checks:   health.NewRegistry(2 * time.Second),
		gateways: newGateways(cfg),
	}

	// Apply options first (may set logger/mailer/gateways)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var st stores
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}

		s.db = db
		s.checks.Register("database", health.Database(db))
		st = postgresStores(db)
		s.logger.Info("using PostgreSQL storage", "dsn", maskDSN(cfg.DatabaseURL))
	} else {
		st = memoryStores()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Realtime hub, fanned out through Redis when configured
	s.realtimeHub = realtime.NewHub(s.logger).WithAllowedOrigins(s.corsOrigins())
	if cfg.RedisURL != "" {
		rdb, err := realtime.Connect(ctx, cfg.RedisURL)
		if err != nil {
			s.closeDB()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redis = rdb
		s.checks.Register("redis", health.Redis(rdb))
		s.realtimeHub.WithBroker(realtime.NewRedisBroker(rdb, realtime.DefaultChannel, s.logger))
		s.logger.Info("realtime fan-out via redis")
	}

	// Domain events
	if len(cfg.KafkaBrokers) > 0 {
		p, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopicPrefix, s.logger)
		if err != nil {
			s.closeDB()
			return nil, fmt.Errorf("failed to create event publisher: %w", err)
		}
		s.publisher = p
		s.logger.Info("domain events to kafka", "brokers", cfg.KafkaBrokers, "prefix", cfg.KafkaTopicPrefix)
	} else {
		s.publisher = events.Log{}
	}

	// Email
	if s.mailer == nil {
		var sender email.Sender = email.LogSender{}
		if cfg.SMTPHost != "" {
			sender = email.NewSMTPSender(email.SMTPConfig{
				Host:     cfg.SMTPHost,
				Port:     strconv.Itoa(cfg.SMTPPort),
				Username: cfg.SMTPUsername,
				Password: cfg.SMTPPassword,
				From:     cfg.MailFrom,
			})
		}
		s.mailer = email.NewNotifier(sender, cfg.AppURL)
	}

	s.wire(st)

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// newGateways registers every gateway that has credentials. The breaker
// trips per gateway after consecutive upstream failures.
func newGateways(cfg *config.Config) *gateway.Registry {
	r := gateway.NewRegistry(cfg.GatewayTimeout).
		WithBreaker(circuitbreaker.New(5, 30*time.Second))
	if cfg.PaystackSecretKey != "" {
		r.Register(gateway.NewPaystack(cfg.PaystackSecretKey, cfg.PaystackBaseURL, cfg.GatewayTimeout))
	}
	if cfg.FlutterwaveSecretKey != "" {
		r.Register(gateway.NewFlutterwave(cfg.FlutterwaveSecretKey, cfg.FlutterwaveBaseURL, cfg.GatewayTimeout))
	}
	if cfg.StripeSecretKey != "" {
		r.Register(gateway.NewStripe(cfg.StripeSecretKey, "", cfg.GatewayTimeout))
	}
	return r
}

// wire builds the services on st.
func (s *Server) wire(st stores) {
	s.wallets = wallet.NewService(st.wallets)
	provision := users.ProvisionFunc(func(ctx context.Context, userID string) error {
		_, err := s.wallets.Ensure(ctx, userID, wallet.DefaultCurrency)
		return err
	})
	s.users = users.NewService(st.users, s.issuer, provision).WithMailer(s.mailer)
	s.settings = settings.NewService(st.settings)
	s.transactions = transactions.NewService(st.transactions)
	s.ledger = ledger.New(st.runner).WithAuditReader(st.audit)

	s.escrows = escrow.NewService(st.escrows, users.NewDirectory(s.users)).
		WithMailer(s.mailer).
		WithNotifier(s.realtimeHub).
		WithPublisher(s.publisher).
		WithReleaser(s.ledger)

	s.disputes = dispute.NewService(st.disputes, st.escrows).
		WithNotifier(s.realtimeHub).
		WithPublisher(s.publisher)

	s.payments = payments.NewService(payments.Deps{
		Ledger:       s.ledger,
		Transactions: s.transactions,
		Escrows:      st.escrows,
		Wallets:      s.wallets,
		Users:        s.users,
		Settings:     s.settings,
		Gateways:     s.gateways,
	}).WithNotifier(s.realtimeHub).
		WithPublisher(s.publisher).
		WithCallbackURL(s.callbackURL())

	s.kyc = kyc.NewService(s.users)
	s.webhookStore = st.webhooks

	s.admin = admin.NewService(admin.Deps{
		Users:        s.users,
		Escrows:      s.escrows,
		Transactions: s.transactions,
		Wallets:      s.wallets,
		Disputes:     s.disputes,
		Settings:     s.settings,
		Ledger:       s.ledger,
	})

	sweeper := reconciliation.NewSweeper(s.transactions, s.payments, s.cfg.PendingSweepAge, s.logger)
	s.sweepTimer = reconciliation.NewTimer(sweeper, s.cfg.PendingSweepInterval, s.logger)
}

func (s *Server) callbackURL() string {
	if s.cfg.PaymentCallbackURL != "" {
		return s.cfg.PaymentCallbackURL
	}
	return s.cfg.AppURL + "/payment/callback"
}

func (s *Server) corsOrigins() []string {
	if len(s.cfg.CORSOrigins) > 0 {
		return s.cfg.CORSOrigins
	}
	return []string{s.cfg.AppURL}
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.corsOrigins()))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(traces.Middleware())

	// Session (optional here, enforced per group)
	s.router.Use(auth.Middleware(s.issuer))

	// Rate limiting, per user once authenticated
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         20,
		CleanupInterval:   time.Minute,
	})
	s.router.Use(s.rateLimiter.Middleware(ratelimit.ByUser(auth.ContextKeyUserID)))

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 64 {
			requestID = idgen.New()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		logger := logging.L(c.Request.Context())

		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for realtime notifications
	s.router.GET("/ws", s.realtimeHub.Handler(s.issuer))

	webhookHandler := webhooks.NewHandler(webhooks.Secrets{
		Paystack:        s.cfg.PaystackSecretKey,
		FlutterwaveHash: s.cfg.FlutterwaveWebhookHash,
		KYC:             s.cfg.KYCWebhookSecret,
	}, s.payments, s.kyc, s.webhookStore)

	v1 := s.router.Group("/v1")

	// PUBLIC ROUTES
	usersHandler := users.NewHandler(s.users, s.cfg.IsProduction())
	usersHandler.RegisterRoutes(v1)
	webhookHandler.RegisterRoutes(v1)

	// PROTECTED ROUTES (require a session)
	protected := v1.Group("")
	protected.Use(auth.RequireAuth())
	{
		usersHandler.RegisterProtectedRoutes(protected)
		wallet.NewHandler(s.wallets).RegisterProtectedRoutes(protected)
		escrow.NewHandler(s.escrows).RegisterProtectedRoutes(protected)
		payments.NewHandler(s.payments).RegisterProtectedRoutes(protected)
		transactions.NewHandler(s.transactions).RegisterProtectedRoutes(protected)
		dispute.NewHandler(s.disputes).RegisterProtectedRoutes(protected)
	}

	// ADMIN ROUTES
	adminGroup := v1.Group("/admin")
	adminGroup.Use(auth.RequireAuth(), auth.RequireAdmin())
	{
		admin.NewHandler(s.admin).RegisterRoutes(adminGroup)
		dispute.NewHandler(s.disputes).RegisterAdminRoutes(adminGroup)
		webhookHandler.RegisterAdminRoutes(adminGroup)
		adminGroup.GET("/realtime", s.realtimeStatsHandler)
		adminGroup.GET("/reconciliation", s.reconciliationHandler)
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ok, checks := s.checks.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	if ok, checks := s.checks.CheckAll(c.Request.Context()); !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": checks})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) realtimeStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.realtimeHub.Stats())
}

// reconciliationHandler reports the last pending sweep.
func (s *Server) reconciliationHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sweep": s.sweepTimer.Status()})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
			"gateways", s.gateways.Names(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start pending transaction sweep
	go s.sweepTimer.Start(runCtx)

	// Export connection pool stats
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, sweep, stats)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	if s.cfg.IsProduction() {
		// Give load balancers time to stop sending traffic
		time.Sleep(5 * time.Second)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.sweepTimer.Stop()
	s.logger.Info("pending sweep stopped")

	// Stop rate limiter cleanup goroutine
	s.rateLimiter.Stop()

	// Let queued emails finish
	s.mailer.Wait()

	if err := s.publisher.Close(); err != nil {
		s.logger.Error("event publisher close error", "error", err)
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

	s.closeDB()

	s.logger.Info("server stopped")
	return nil
}

func (s *Server) closeDB() {
	if s.db == nil {
		return
	}
	if err := s.db.Close(); err != nil {
		s.logger.Error("database close error", "error", err)
	} else {
		s.logger.Info("database connection closed")
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
