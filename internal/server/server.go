// Package server wires configuration, storage, payment rails and HTTP
// routes into a runnable gateway process.
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
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/profullstack/coinpayportal/internal/business"
	"github.com/profullstack/coinpayportal/internal/config"
	"github.com/profullstack/coinpayportal/internal/escrow"
	"github.com/profullstack/coinpayportal/internal/fees"
	"github.com/profullstack/coinpayportal/internal/logging"
	"github.com/profullstack/coinpayportal/internal/metrics"
	"github.com/profullstack/coinpayportal/internal/rates"
	"github.com/profullstack/coinpayportal/internal/validation"
	"github.com/profullstack/coinpayportal/internal/verify"
	"github.com/profullstack/coinpayportal/internal/wallet"
	"github.com/profullstack/coinpayportal/internal/x402"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	businessMgr   *business.Manager
	escrowService *escrow.Service
	escrowTimer   *escrow.Timer
	x402Service   *x402.Service
	rails         *verify.Rails
	db            *sql.DB // nil if using in-memory
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run

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

// WithRails overrides the payment rails (for testing)
func WithRails(r *verify.Rails) Option {
	return func(s *Server) {
		s.rails = r
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set logger/rails)
	for _, opt := range opts {
		opt(s)
	}

	schedule := fees.Schedule{FreeBps: cfg.FreeTierFeeBps, PaidBps: cfg.PaidTierFeeBps}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		businessStore business.Store
		escrowStore   escrow.Store
		paymentStore  x402.Store
	)
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
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		businessStore = business.NewPostgresStore(db)
		escrowStore = escrow.NewPostgresStore(db)
		paymentStore = x402.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		businessStore = business.NewMemoryStore()
		escrowStore = escrow.NewMemoryStore()
		paymentStore = x402.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	s.businessMgr = business.NewManager(businessStore)

	// Escrow address derivation from the master seed
	deriver, err := wallet.NewSeedDeriver(cfg.MasterSeed)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize address deriver: %w", err)
	}

	// USD pricing is optional; escrows simply skip the USD snapshot without it
	var prices rates.PriceFeed
	if cfg.PriceFeedURL != "" {
		prices = rates.NewHTTPFeed(cfg.PriceFeedURL)
		s.logger.Info("USD price feed enabled", "url", cfg.PriceFeedURL)
	}

	s.escrowService = escrow.NewService(escrowStore, deriver, prices, schedule, cfg.EscrowTTL)
	s.escrowTimer = escrow.NewTimer(s.escrowService, s.logger)

	// Payment rails, unless injected for testing
	if s.rails == nil {
		s.rails = s.buildRails()
	}

	s.x402Service = x402.NewService(paymentStore, s.rails, schedule, s.logger)

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

// buildRails connects each configured rail. A rail whose upstream cannot be
// reached is left nil; requests for it fail with unsupported_rail rather
// than blocking startup.
func (s *Server) buildRails() *verify.Rails {
	rails := &verify.Rails{}

	evmClients := make(map[verify.Network]verify.EthClient)
	for network, rpcURL := range map[verify.Network]string{
		verify.NetworkEthereum: s.cfg.EthereumRPCURL,
		verify.NetworkPolygon:  s.cfg.PolygonRPCURL,
		verify.NetworkBase:     s.cfg.BaseRPCURL,
	} {
		if rpcURL == "" {
			continue
		}
		client, err := ethclient.Dial(rpcURL)
		if err != nil {
			s.logger.Warn("EVM rail disabled", "network", network, "error", err)
			continue
		}
		evmClients[network] = client
	}
	if len(evmClients) > 0 {
		rails.EVM = verify.NewEVMVerifier(evmClients)
		s.logger.Info("EVM rail enabled", "networks", len(evmClients))
	}

	explorers := make(map[verify.Network]*verify.EsploraClient)
	if s.cfg.BitcoinExplorerURL != "" {
		explorers[verify.NetworkBitcoin] = verify.NewEsploraClient(s.cfg.BitcoinExplorerURL)
	}
	if s.cfg.BitcoinCashExplorerURL != "" {
		explorers[verify.NetworkBitcoinCash] = verify.NewEsploraClient(s.cfg.BitcoinCashExplorerURL)
	}
	if len(explorers) > 0 {
		rails.UTXO = verify.NewUTXOVerifier(explorers)
		s.logger.Info("UTXO rail enabled", "networks", len(explorers))
	}

	if s.cfg.SolanaRPCURL != "" {
		rails.Solana = verify.NewSolanaVerifier(rpc.New(s.cfg.SolanaRPCURL))
		s.logger.Info("Solana rail enabled")
	}

	// Lightning verifies preimages locally; LNbits cross-checking is optional
	var lnbits *verify.LNbitsClient
	if s.cfg.LNbitsURL != "" {
		lnbits = verify.NewLNbitsClient(s.cfg.LNbitsURL, s.cfg.LNbitsAPIKey)
		s.logger.Info("LNbits invoice cross-check enabled")
	}
	rails.Lightning = verify.NewLightningVerifier(lnbits)

	if s.cfg.StripeSecretKey != "" {
		rails.Stripe = verify.NewStripeVerifier(verify.NewStripeAPI(s.cfg.StripeSecretKey))
		s.logger.Info("Stripe rail enabled")
	}

	return rails
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
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID + request-scoped logger
	s.router.Use(logging.RequestIDMiddleware(s.logger))

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
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

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")

	// REGISTRATION (public but returns API key)
	v1.POST("/businesses", s.registerBusiness)

	escrowHandler := escrow.NewHandler(s.escrowService)
	x402Handler := x402.NewHandler(s.x402Service)

	// PUBLIC ROUTES (no auth required)
	// Token-gated escrow reads and transitions, plus rail discovery
	escrowHandler.RegisterRoutes(v1)
	x402Handler.RegisterRoutes(v1)

	// PROTECTED ROUTES (require API key)
	protected := v1.Group("")
	protected.Use(business.Middleware(s.businessMgr), business.RequireBusiness())
	{
		escrowHandler.RegisterProtectedRoutes(protected)
		x402Handler.RegisterProtectedRoutes(protected)
		protected.GET("/businesses/me", s.currentBusiness)
	}
}

// registerBusiness handles POST /v1/businesses.
// The raw API key appears in this response and nowhere else; only its
// hash is stored.
func (s *Server) registerBusiness(c *gin.Context) {
	ctx := c.Request.Context()

	var req struct {
		Name string `json:"name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	name := validation.SanitizeString(req.Name, 200)
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "name must not be empty",
		})
		return
	}

	rawKey, b, err := s.businessMgr.Register(ctx, name)
	if err != nil {
		s.logger.Error("failed to register business", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to register business",
		})
		return
	}

	s.logger.Info("business registered", "id", b.ID, "name", b.Name)

	c.JSON(http.StatusCreated, gin.H{
		"business": b,
		"apiKey":   rawKey,
		"warning":  "Store this API key securely. It will not be shown again.",
		"usage":    "Include 'x-api-key: <apiKey>' header in requests.",
	})
}

// currentBusiness handles GET /v1/businesses/me
func (s *Server) currentBusiness(c *gin.Context) {
	b := business.FromContext(c)
	if b == nil {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "A valid API key is required",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"business": b})
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	checks := make(map[string]string)

	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			checks["database"] = "unhealthy"
		} else {
			checks["database"] = "healthy"
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	for _, v := range checks {
		if v != "healthy" {
			status = "degraded"
			httpStatus = http.StatusServiceUnavailable
			break
		}
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
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
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "CoinPayPortal",
		"description": "Non-custodial crypto and card payment gateway",
		"version":     "0.1.0",
		"rails":       []string{"ethereum", "polygon", "base", "bitcoin", "bitcoin-cash", "solana", "lightning", "stripe"},
	})
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

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start escrow expiry sweep
	if s.escrowTimer != nil {
		go s.escrowTimer.Start(runCtx)
	}

	// Export database pool stats
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
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

	// Cancel the context for all background goroutines
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop escrow timer
	if s.escrowTimer != nil {
		s.escrowTimer.Stop()
		s.logger.Info("escrow timer stopped")
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
