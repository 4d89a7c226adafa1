// Package api provides the REST and websocket API server.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/exnus/points-miner/internal/airdrop"
	"github.com/exnus/points-miner/internal/config"
	"github.com/exnus/points-miner/internal/mining"
	"github.com/exnus/points-miner/internal/policy"
	"github.com/exnus/points-miner/internal/profiling"
	"github.com/exnus/points-miner/internal/util"
)

// MsgInternalError is returned to clients when the store fails
const MsgInternalError = "Something went wrong. Please try again."

// StatsHook receives freshly computed stats
type StatsHook func(*mining.Stats)

// Option configures a Server
type Option func(*Server)

// WithPolicy enables request policy enforcement on the /api group
func WithPolicy(p *policy.Server) Option {
	return func(s *Server) { s.policy = p }
}

// WithMiddleware adds router-wide middleware such as metrics or APM
func WithMiddleware(h ...gin.HandlerFunc) Option {
	return func(s *Server) { s.middleware = append(s.middleware, h...) }
}

// WithMetricsHandler serves h on the configured metrics path
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// WithStatsHook registers a hook called whenever stats are refreshed
func WithStatsHook(fn StatsHook) Option {
	return func(s *Server) { s.statsHooks = append(s.statsHooks, fn) }
}

// Server is the API server
type Server struct {
	cfg    *config.Config
	svc    *mining.Service
	policy *policy.Server
	hub    *Hub
	router *gin.Engine
	server *http.Server

	middleware     []gin.HandlerFunc
	metricsHandler http.Handler
	statsHooks     []StatsHook

	// Cache
	statsCacheMu   sync.RWMutex
	statsCache     *mining.Stats
	statsCacheTime time.Time
}

// ActionResponse is the body of every user action
type ActionResponse struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	NewBalance *int64 `json:"newBalance,omitempty"`
}

// AdminStatsResponse contains operational statistics
type AdminStatsResponse struct {
	Stats         *mining.Stats `json:"stats"`
	StreamClients int           `json:"stream_clients"`
	TrackedIPs    int           `json:"tracked_ips"`
	BannedIPs     int           `json:"banned_ips"`
}

// NewServer creates a new API server over svc and registers its stream hub as an observer
func NewServer(cfg *config.Config, svc *mining.Service, opts ...Option) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		cfg:    cfg,
		svc:    svc,
		router: router,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.hub = NewHub(cfg.API.StreamInterval, cfg.API.CORSOrigins, s.stats)
	svc.AddObserver(s.hub)

	s.setupRoutes()
	return s
}

// Router exposes the handler, mainly for tests
func (s *Server) Router() http.Handler {
	return s.router
}

// Hub returns the websocket hub
func (s *Server) Hub() *Hub {
	return s.hub
}

// allowedOrigin returns the Access-Control-Allow-Origin value for origin
func allowedOrigin(origins []string, origin string) (string, bool) {
	for _, o := range origins {
		if o == "*" {
			return "*", true
		}
		if strings.EqualFold(o, origin) {
			return origin, true
		}
	}
	return "", false
}

// setupRoutes configures API endpoints
func (s *Server) setupRoutes() {
	// CORS middleware
	s.router.Use(func(c *gin.Context) {
		if allow, ok := allowedOrigin(s.cfg.API.CORSOrigins, c.GetHeader("Origin")); ok {
			c.Header("Access-Control-Allow-Origin", allow)
			if allow != "*" {
				c.Header("Vary", "Origin")
			}
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	s.router.Use(s.middleware...)

	api := s.router.Group("/api")
	if s.policy != nil && s.policy.Enabled() {
		api.Use(s.policyMiddleware())
	}
	{
		api.GET("/stats", s.handleStats)
		api.GET("/leaderboard", s.handleLeaderboard)
		api.GET("/ws", s.handleStream)
		api.GET("/users/:address", s.handleDashboard)
		api.GET("/users/:address/referrals", s.handleReferrals)
		api.POST("/users/:address/tasks/:task", s.handleCompleteTask)
		api.POST("/users/:address/activate", s.handleActivate)
		api.POST("/users/:address/claim", s.handleClaim)
	}

	// Admin API (password protected)
	if s.cfg.API.AdminEnabled && s.cfg.API.AdminPassword != "" {
		admin := s.router.Group("/admin")
		admin.Use(s.adminAuthMiddleware())
		{
			admin.GET("/stats", s.handleAdminStats)
			admin.GET("/users", s.handleAdminUsers)
			admin.GET("/airdrop", s.handleAirdrop)
			admin.POST("/blocklist", s.handleAddBlocklist)
			admin.POST("/allowlist", s.handleAddAllowlist)
		}
		if s.cfg.API.Profiling {
			profiling.Register(admin)
		}
	}

	if s.cfg.Metrics.Enabled && s.metricsHandler != nil {
		s.router.GET(s.cfg.Metrics.Path, gin.WrapH(s.metricsHandler))
	}

	// Health check
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
}

// Start begins the API server
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    s.cfg.API.Bind,
		Handler: s.router,
	}

	util.Infof("API server listening on %s", s.cfg.API.Bind)

	s.hub.Start()
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			util.Errorf("API server error: %v", err)
		}
	}()

	return nil
}

// Stop shuts down the API server
func (s *Server) Stop(ctx context.Context) error {
	var err error
	if s.server != nil {
		err = s.server.Shutdown(ctx)
	}
	s.hub.Stop()
	return err
}

// policyMiddleware charges every request against the caller's score
func (s *Server) policyMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if s.policy.IsBanned(ip) {
			c.AbortWithStatusJSON(403, gin.H{"error": "Banned"})
			return
		}

		var allowed bool
		if c.Request.Method == http.MethodGet {
			allowed = s.policy.ApplyRead(ip)
		} else {
			allowed = s.policy.ApplyWrite(ip)
		}
		if !allowed {
			c.AbortWithStatusJSON(429, gin.H{"error": "Too many requests"})
			return
		}

		c.Next()
	}
}

// walletParam validates the :address parameter. It writes the response and returns false when invalid.
func (s *Server) walletParam(c *gin.Context) (string, bool) {
	address := util.NormalizeAddress(c.Param("address"))
	return address, s.checkWallet(c, address)
}

func (s *Server) checkWallet(c *gin.Context, address string) bool {
	if !util.ValidateAddress(address) {
		if s.policy != nil {
			s.policy.ApplyMalformed(c.ClientIP())
		}
		c.JSON(400, ActionResponse{Success: false, Message: mining.MsgNotConnected})
		return false
	}
	if s.policy != nil && !s.policy.ApplyWalletPolicy(address, c.ClientIP()) {
		c.JSON(403, gin.H{"error": "Wallet blocked"})
		return false
	}
	return true
}

// fail maps controller errors to HTTP responses
func (s *Server) fail(c *gin.Context, op string, err error) {
	if errors.Is(err, mining.ErrNotConnected) {
		c.JSON(400, ActionResponse{Success: false, Message: mining.MsgNotConnected})
		return
	}
	util.Errorf("%s failed: %v", op, err)
	_ = c.Error(err)
	c.JSON(500, ActionResponse{Success: false, Message: MsgInternalError})
}

func (s *Server) respond(c *gin.Context, op string, res *mining.Result, err error) {
	if err != nil {
		s.fail(c, op, err)
		return
	}
	c.JSON(200, ActionResponse{
		Success:    res.Success,
		Message:    res.Message,
		NewBalance: res.NewBalance,
	})
}

// stats returns cached global stats, refreshing them when stale
func (s *Server) stats(ctx context.Context) (*mining.Stats, error) {
	s.statsCacheMu.RLock()
	if s.statsCache != nil && time.Since(s.statsCacheTime) < s.cfg.API.StatsCache {
		cache := s.statsCache
		s.statsCacheMu.RUnlock()
		return cache, nil
	}
	s.statsCacheMu.RUnlock()

	stats, err := s.svc.Stats(ctx)
	if err != nil {
		return nil, err
	}

	s.statsCacheMu.Lock()
	s.statsCache = stats
	s.statsCacheTime = time.Now()
	s.statsCacheMu.Unlock()

	for _, hook := range s.statsHooks {
		hook(stats)
	}
	return stats, nil
}

// handleStats returns campaign statistics
func (s *Server) handleStats(c *gin.Context) {
	stats, err := s.stats(c.Request.Context())
	if err != nil {
		s.fail(c, "stats", err)
		return
	}
	c.JSON(200, stats)
}

// handleDashboard loads or creates the user and returns the dashboard view
func (s *Server) handleDashboard(c *gin.Context) {
	address, ok := s.walletParam(c)
	if !ok {
		return
	}

	dash, err := s.svc.Dashboard(c.Request.Context(), address, c.Query("ref"))
	if err != nil {
		s.fail(c, "dashboard", err)
		return
	}
	c.JSON(200, dash)
}

// handleReferrals returns the user's referral link and earnings
func (s *Server) handleReferrals(c *gin.Context) {
	address, ok := s.walletParam(c)
	if !ok {
		return
	}

	info, err := s.svc.ReferralInfo(c.Request.Context(), address)
	if err != nil {
		s.fail(c, "referrals", err)
		return
	}
	c.JSON(200, info)
}

func (s *Server) handleCompleteTask(c *gin.Context) {
	address, ok := s.walletParam(c)
	if !ok {
		return
	}

	res, err := s.svc.CompleteTask(c.Request.Context(), address, c.Param("task"))
	if err == nil && !res.Success && s.policy != nil {
		s.policy.ApplyMalformed(c.ClientIP())
	}
	s.respond(c, "complete task", res, err)
}

func (s *Server) handleActivate(c *gin.Context) {
	address, ok := s.walletParam(c)
	if !ok {
		return
	}

	res, err := s.svc.Activate(c.Request.Context(), address)
	s.respond(c, "activate", res, err)
}

func (s *Server) handleClaim(c *gin.Context) {
	address, ok := s.walletParam(c)
	if !ok {
		return
	}

	res, err := s.svc.Claim(c.Request.Context(), address)
	s.respond(c, "claim", res, err)
}

// handleLeaderboard returns the top users, plus the caller when ranked below them
func (s *Server) handleLeaderboard(c *gin.Context) {
	limit := s.svc.Rules().LeaderboardLimit
	size := limit
	if raw := c.Query("size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(400, gin.H{"error": "Invalid size"})
			return
		}
		size = n
	}
	if size > limit {
		size = limit
	}

	address := util.NormalizeAddress(c.Query("address"))
	if address != "" && !s.checkWallet(c, address) {
		return
	}

	entries, err := s.svc.LeaderboardPage(c.Request.Context(), address, size)
	if err != nil {
		s.fail(c, "leaderboard", err)
		return
	}
	c.JSON(200, gin.H{"leaderboard": entries})
}

// handleStream upgrades to a websocket. ?address= subscribes to that wallet's events.
func (s *Server) handleStream(c *gin.Context) {
	address := util.NormalizeAddress(c.Query("address"))
	if address != "" && !s.checkWallet(c, address) {
		return
	}
	s.hub.Serve(c.Writer, c.Request, address, c.ClientIP())
}

// adminAuthMiddleware validates admin password
func (s *Server) adminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check Authorization header
		auth := c.GetHeader("Authorization")
		if auth == "" {
			c.JSON(401, gin.H{"error": "Authorization required"})
			c.Abort()
			return
		}

		// Support both "Bearer <password>" and plain password
		password := strings.TrimPrefix(auth, "Bearer ")
		if password != s.cfg.API.AdminPassword {
			c.JSON(403, gin.H{"error": "Invalid password"})
			c.Abort()
			return
		}

		c.Next()
	}
}

// handleAdminStats returns operational statistics
func (s *Server) handleAdminStats(c *gin.Context) {
	stats, err := s.svc.Stats(c.Request.Context())
	if err != nil {
		s.fail(c, "admin stats", err)
		return
	}

	response := AdminStatsResponse{
		Stats:         stats,
		StreamClients: s.hub.ClientCount(),
	}
	if s.policy != nil {
		response.TrackedIPs, response.BannedIPs = s.policy.GetStats()
	}
	c.JSON(200, response)
}

// handleAdminUsers returns every user in creation order
func (s *Server) handleAdminUsers(c *gin.Context) {
	users, err := s.svc.AllUsers(c.Request.Context())
	if err != nil {
		s.fail(c, "admin users", err)
		return
	}
	c.JSON(200, gin.H{"users": users, "total": len(users)})
}

// handleAirdrop computes the allocation table for ?supply=, defaulting to the configured supply
func (s *Server) handleAirdrop(c *gin.Context) {
	supply, err := airdrop.ParseSupply(c.DefaultQuery("supply", s.cfg.Airdrop.TotalSupply))
	if err != nil {
		c.JSON(400, gin.H{"error": err.Error()})
		return
	}

	users, err := s.svc.AllUsers(c.Request.Context())
	if err != nil {
		s.fail(c, "airdrop", err)
		return
	}

	summary := airdrop.Summarize(users, supply)
	util.Infof("Admin: computed airdrop of %s over %d users", supply.String(), summary.Users)
	c.JSON(200, summary)
}

// ListRequest names a wallet or an IP for the policy lists
type ListRequest struct {
	Address string `json:"address"`
	IP      string `json:"ip"`
}

// handleAddBlocklist blocks a wallet address
func (s *Server) handleAddBlocklist(c *gin.Context) {
	var req ListRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Address == "" {
		c.JSON(400, gin.H{"error": "Address required"})
		return
	}
	if s.policy == nil {
		c.JSON(409, gin.H{"error": "Policy disabled"})
		return
	}

	s.policy.Block(req.Address)
	util.Infof("Admin: Added %s to blocklist", req.Address)
	c.JSON(200, gin.H{"status": "ok", "address": req.Address})
}

// handleAddAllowlist exempts an IP from the request policy
func (s *Server) handleAddAllowlist(c *gin.Context) {
	var req ListRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.IP == "" {
		c.JSON(400, gin.H{"error": "IP required"})
		return
	}
	if s.policy == nil {
		c.JSON(409, gin.H{"error": "Policy disabled"})
		return
	}

	s.policy.Allow(req.IP)
	util.Infof("Admin: Added %s to allowlist", req.IP)
	c.JSON(200, gin.H{"status": "ok", "ip": req.IP})
}
