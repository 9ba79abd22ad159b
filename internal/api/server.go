// Package api provides the REST API server.
package api

import (
	"context"
	"errors"
	"math"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/tos-network/tos-pool-api/internal/config"
	"github.com/tos-network/tos-pool-api/internal/live"
	"github.com/tos-network/tos-pool-api/internal/policy"
	"github.com/tos-network/tos-pool-api/internal/rpc"
	"github.com/tos-network/tos-pool-api/internal/stats"
	"github.com/tos-network/tos-pool-api/internal/storage"
	"github.com/tos-network/tos-pool-api/internal/util"
)

// UpstreamStateFunc is a callback to get upstream states
type UpstreamStateFunc func() []rpc.UpstreamState

// Store is the subset of the Redis client the handlers read directly
type Store interface {
	AddressExists(ctx context.Context, address string) (bool, error)
	PaymentsBefore(ctx context.Context, address string, before float64, limit int64) ([]storage.ScoredMember, error)
	BlocksBelow(ctx context.Context, height float64, limit int64) ([]storage.ScoredMember, error)
	MinerSummaries(ctx context.Context) ([]storage.MinerSummary, error)
}

// Server is the API server
type Server struct {
	cfg         *config.Config
	store       Store
	cache       *stats.Cache
	broadcaster *live.Broadcaster
	router      *gin.Engine
	server      *http.Server

	policy *policy.PolicyServer
	nrApp  *newrelic.Application

	// Upstream state callback
	upstreamStateFunc UpstreamStateFunc
}

// TopMiner is one row of /get_top10miners
type TopMiner struct {
	Miner     string `json:"miner"`
	Hashrate  int64  `json:"hashrate"`
	LastShare int64  `json:"lastShare"`
	Hashes    uint64 `json:"hashes"`
}

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// NewServer creates a new API server
func NewServer(cfg *config.Config, store Store, cache *stats.Cache, broadcaster *live.Broadcaster) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		cfg:         cfg,
		store:       store,
		cache:       cache,
		broadcaster: broadcaster,
		router:      router,
	}

	s.setupRoutes()
	return s
}

// SetPolicy enables per-IP limits on long-poll endpoints
func (s *Server) SetPolicy(p *policy.PolicyServer) {
	s.policy = p
}

// SetNewRelicApp enables request transactions
func (s *Server) SetNewRelicApp(app *newrelic.Application) {
	s.nrApp = app
}

// SetUpstreamStateFunc sets the callback for getting upstream states
func (s *Server) SetUpstreamStateFunc(fn UpstreamStateFunc) {
	s.upstreamStateFunc = fn
}

// setupRoutes configures API endpoints
func (s *Server) setupRoutes() {
	s.router.Use(s.corsMiddleware())
	s.router.Use(s.newRelicMiddleware())

	s.router.GET("/stats", s.handleStats)
	s.router.GET("/stats_address", s.longPollLimit(), s.handleStatsAddress)
	s.router.GET("/get_payments", s.handlePayments)
	s.router.GET("/get_blocks", s.handleBlocks)
	s.router.GET("/get_top10miners", s.handleTopMiners)
	s.router.GET("/upstreams", s.handleUpstreams)

	if s.cfg.API.LiveStats {
		s.router.GET("/live_stats", s.longPollLimit(), s.handleLiveStats)
		s.router.GET("/live_stats/ws", s.longPollLimit(), s.handleLiveStatsWS)
	}

	// Health check
	s.router.GET("/health", func(c *gin.Context) {
		state := s.cache.Load()
		if state == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"updated": state.UpdatedAt.Unix(),
		})
	})
}

// Handler returns the HTTP handler, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins the API server
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    s.cfg.API.Bind,
		Handler: s.router,
	}

	util.Infof("API server listening on %s", s.cfg.API.Bind)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			util.Errorf("API server error: %v", err)
		}
	}()

	return nil
}

// Stop shuts down the API server, waiting for in-flight requests until
// ctx ends. Long-poll subscriptions should be closed first.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	allowAll := len(s.cfg.API.CORSOrigins) == 0
	allowed := make(map[string]struct{}, len(s.cfg.API.CORSOrigins))
	for _, o := range s.cfg.API.CORSOrigins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = struct{}{}
	}

	return func(c *gin.Context) {
		if allowAll {
			c.Header("Access-Control-Allow-Origin", "*")
		} else if origin := c.GetHeader("Origin"); origin != "" {
			if _, ok := allowed[origin]; ok {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
			}
		}
		c.Header("Access-Control-Allow-Methods", "GET, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, If-None-Match")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func (s *Server) newRelicMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.nrApp == nil {
			c.Next()
			return
		}

		txn := s.nrApp.StartTransaction(c.Request.Method + " " + c.FullPath())
		defer txn.End()
		txn.SetWebRequestHTTP(c.Request)
		c.Request = newrelic.RequestWithTransactionContext(c.Request, txn)
		c.Next()
	}
}

func (s *Server) longPollLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.policy == nil {
			c.Next()
			return
		}
		s.policy.LongPollLimit()(c)
	}
}

// writeJSON sends a pre-encoded body
func writeJSON(c *gin.Context, status int, body []byte) {
	c.Header("Cache-Control", "no-cache")
	c.Data(status, "application/json", body)
}

func writeNotFound(c *gin.Context) {
	writeJSON(c, http.StatusOK, live.NotFoundJSON)
}

func writeEncoded(c *gin.Context, v interface{}) {
	body, err := sonic.Marshal(v)
	if err != nil {
		util.Errorf("Failed to encode response for %s: %v", c.FullPath(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}
	writeJSON(c, http.StatusOK, body)
}

// loadState returns the cached state or answers 503 when none is built yet
func (s *Server) loadState(c *gin.Context) *stats.State {
	state := s.cache.Load()
	if state == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Stats not ready"})
	}
	return state
}

// handleStats returns the cached snapshot with the requested miner metric
func (s *Server) handleStats(c *gin.Context) {
	state := s.loadState(c)
	if state == nil {
		return
	}

	body, err := live.EncodeLive(state, c.Query("address"))
	if err != nil {
		util.Errorf("Failed to encode stats: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}

	tag := util.ETag(body)
	c.Header("ETag", tag)
	if util.ETagMatches(c.GetHeader("If-None-Match"), tag) {
		c.Header("Cache-Control", "no-cache")
		c.Status(http.StatusNotModified)
		return
	}
	writeJSON(c, http.StatusOK, body)
}

// handleLiveStats holds the request until the next cycle is broadcast
func (s *Server) handleLiveStats(c *gin.Context) {
	s.waitFor(c, s.broadcaster.Live(), c.Query("address"))
}

// handleStatsAddress returns the per-address view, or waits for the next
// cycle with longpoll=true
func (s *Server) handleStatsAddress(c *gin.Context) {
	address := c.Query("address")
	if address == "" {
		writeNotFound(c)
		return
	}

	ctx := c.Request.Context()

	if c.Query("longpoll") != "true" {
		writeJSON(c, http.StatusOK, s.broadcaster.WorkerPayload(ctx, address, s.cache.Load()))
		return
	}

	exists, err := s.store.AddressExists(ctx, address)
	if err != nil {
		util.Warnf("Address lookup failed for %s: %v", address, err)
	}
	if !exists {
		writeNotFound(c)
		return
	}

	s.waitFor(c, s.broadcaster.Workers(), address)
}

func (s *Server) waitFor(c *gin.Context, registry *live.Registry, address string) {
	sub, err := registry.Register(address)
	if err != nil {
		if errors.Is(err, live.ErrTooManySubscriptions) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Too many subscribers"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}

	payload, err := sub.Wait(c.Request.Context())
	if err != nil {
		if errors.Is(err, live.ErrSinkClosed) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Server shutting down"})
		}
		// otherwise the client went away
		return
	}
	writeJSON(c, http.StatusOK, payload)
}

// handleLiveStatsWS pushes every broadcast over a websocket. Each frame
// is served by a fresh one-shot subscription.
func (s *Server) handleLiveStatsWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		util.Debugf("Websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	address := c.Query("address")
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// Reads are only used to notice the peer going away
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	feed := s.broadcaster.Live()
	for {
		sub, err := feed.Register(address)
		if err != nil {
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many subscribers"),
				time.Now().Add(writeWait))
			return
		}

		payload, err := sub.Wait(ctx)
		if err != nil {
			if errors.Is(err, live.ErrSinkClosed) {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(writeWait))
			}
			return
		}

		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			util.Debugf("Websocket write failed: %v", err)
			return
		}
	}
}

// parseScore reads an upper bound query parameter; empty means +Inf
func parseScore(c *gin.Context, name string) (float64, bool) {
	raw := c.Query(name)
	if raw == "" {
		return math.Inf(1), true
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid " + name})
		return 0, false
	}
	return v, true
}

// handlePayments returns the page of payments older than time
func (s *Server) handlePayments(c *gin.Context) {
	before, ok := parseScore(c, "time")
	if !ok {
		return
	}

	payments, err := s.store.PaymentsBefore(c.Request.Context(), c.Query("address"), before, s.cfg.API.Payments)
	if err != nil {
		util.Warnf("Failed to get payments: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get payments"})
		return
	}

	writeEncoded(c, storage.Flatten(payments))
}

// handleBlocks returns the page of matured blocks below height
func (s *Server) handleBlocks(c *gin.Context) {
	height, ok := parseScore(c, "height")
	if !ok {
		return
	}

	blocks, err := s.store.BlocksBelow(c.Request.Context(), height, s.cfg.API.Blocks)
	if err != nil {
		util.Warnf("Failed to get blocks: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get blocks"})
		return
	}

	writeEncoded(c, storage.Flatten(blocks))
}

// handleTopMiners returns the ten miners with the highest current hashrate
func (s *Server) handleTopMiners(c *gin.Context) {
	state := s.loadState(c)
	if state == nil {
		return
	}

	summaries, err := s.store.MinerSummaries(c.Request.Context())
	if err != nil {
		util.Warnf("Failed to get miners: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get miners"})
		return
	}

	writeEncoded(c, topMiners(summaries, state, 10))
}

func topMiners(summaries []storage.MinerSummary, state *stats.State, n int) []TopMiner {
	miners := make([]TopMiner, 0, len(summaries))
	for _, m := range summaries {
		hr := state.Miner(m.Address).Hashrate
		if hr <= 0 {
			continue
		}
		miners = append(miners, TopMiner{
			Miner:     m.Address,
			Hashrate:  hr,
			LastShare: m.LastShare,
			Hashes:    m.Hashes,
		})
	}

	sort.SliceStable(miners, func(i, j int) bool {
		if miners[i].Hashrate != miners[j].Hashrate {
			return miners[i].Hashrate > miners[j].Hashrate
		}
		return miners[i].Miner < miners[j].Miner
	})

	if len(miners) > n {
		miners = miners[:n]
	}
	for i := range miners {
		miners[i].Miner = maskAddress(miners[i].Miner)
	}
	return miners
}

// maskAddress keeps the first and last 7 characters
func maskAddress(addr string) string {
	if len(addr) <= 14 {
		return addr
	}
	return addr[:7] + "****" + addr[len(addr)-7:]
}

// handleUpstreams returns upstream node status
func (s *Server) handleUpstreams(c *gin.Context) {
	if s.upstreamStateFunc == nil {
		c.JSON(http.StatusOK, gin.H{
			"upstreams": []rpc.UpstreamState{},
			"total":     0,
			"healthy":   0,
			"active":    "",
		})
		return
	}

	upstreams := s.upstreamStateFunc()

	healthyCount := 0
	var activeUpstream string
	for _, u := range upstreams {
		if u.Healthy {
			healthyCount++
			if activeUpstream == "" {
				activeUpstream = u.Name
			}
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"upstreams": upstreams,
		"total":     len(upstreams),
		"healthy":   healthyCount,
		"active":    activeUpstream,
	})
}
