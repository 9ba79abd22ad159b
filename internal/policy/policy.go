// Package policy implements connection policies for the stats API.
// This includes per-IP long-poll limits and the IP whitelist.
package policy

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tos-network/tos-pool-api/internal/util"
)

// Config holds policy configuration
type Config struct {
	// Max concurrent long-poll requests per IP, 0 disables the limit
	MaxConnectionsPerIP int32

	// Reset intervals
	ResetInterval   time.Duration // How often to drop idle IP entries
	RefreshInterval time.Duration // How often to refresh the whitelist
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		MaxConnectionsPerIP: 32,
		ResetInterval:       10 * time.Minute,
		RefreshInterval:     5 * time.Minute,
	}
}

// WhitelistStore loads whitelisted IPs
type WhitelistStore interface {
	GetWhitelist(ctx context.Context) ([]string, error)
}

// IPStats tracks per-IP statistics
type IPStats struct {
	LastBeat int64 // Timestamp of last activity
	Open     int32 // Long-poll requests currently held
	Rejected int32 // Requests refused since the last reset
}

// PolicyServer manages connection policies
type PolicyServer struct {
	config *Config
	store  WhitelistStore

	// Per-IP stats
	statsMu sync.RWMutex
	stats   map[string]*IPStats

	listMu    sync.RWMutex
	whitelist map[string]struct{}

	// Control
	quit chan struct{}
	wg   sync.WaitGroup
}

// NewPolicyServer creates a new policy server. store may be nil.
func NewPolicyServer(cfg *Config, store WhitelistStore) *PolicyServer {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	return &PolicyServer{
		config:    cfg,
		store:     store,
		stats:     make(map[string]*IPStats),
		whitelist: make(map[string]struct{}),
		quit:      make(chan struct{}),
	}
}

// Start begins the policy server background tasks
func (p *PolicyServer) Start() {
	util.Info("Starting policy server...")

	// Initial refresh
	p.refreshLists()

	if p.config.ResetInterval > 0 {
		p.wg.Add(1)
		go p.resetLoop()
	}

	if p.config.RefreshInterval > 0 {
		p.wg.Add(1)
		go p.refreshLoop()
	}

	util.Info("Policy server started")
}

// Stop shuts down the policy server
func (p *PolicyServer) Stop() {
	close(p.quit)
	p.wg.Wait()
	util.Info("Policy server stopped")
}

// resetLoop periodically drops idle entries
func (p *PolicyServer) resetLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.ResetInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.quit:
			return
		case <-ticker.C:
			p.resetStats()
		}
	}
}

// refreshLoop periodically refreshes the whitelist
func (p *PolicyServer) refreshLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.quit:
			return
		case <-ticker.C:
			p.refreshLists()
		}
	}
}

// resetStats removes entries with no open requests that have been idle
// for a full reset interval
func (p *PolicyServer) resetStats() {
	now := time.Now().UnixMilli()
	staleTimeout := p.config.ResetInterval.Milliseconds()

	p.statsMu.Lock()
	defer p.statsMu.Unlock()

	removed := 0
	for ip, stats := range p.stats {
		atomic.StoreInt32(&stats.Rejected, 0)
		if atomic.LoadInt32(&stats.Open) == 0 && now-atomic.LoadInt64(&stats.LastBeat) >= staleTimeout {
			delete(p.stats, ip)
			removed++
		}
	}

	if removed > 0 {
		util.Debugf("Policy stats reset: removed %d stale IPs", removed)
	}
}

// refreshLists reloads the whitelist from storage
func (p *PolicyServer) refreshLists() {
	if p.store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	whitelist, err := p.store.GetWhitelist(ctx)
	if err != nil {
		util.Warnf("Failed to load whitelist: %v", err)
		return
	}

	p.listMu.Lock()
	p.whitelist = make(map[string]struct{}, len(whitelist))
	for _, ip := range whitelist {
		p.whitelist[ip] = struct{}{}
	}
	p.listMu.Unlock()
}

// openSlot gets or creates stats for an IP and counts one more open
// request. The increment happens under statsMu so resetStats never drops
// an entry between lookup and use.
func (p *PolicyServer) openSlot(ip string) (*IPStats, int32) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()

	stats, ok := p.stats[ip]
	if !ok {
		stats = &IPStats{}
		p.stats[ip] = stats
	}
	atomic.StoreInt64(&stats.LastBeat, time.Now().UnixMilli())

	return stats, atomic.AddInt32(&stats.Open, 1)
}

// Acquire reserves a long-poll slot for ip. It returns false when the ip
// already holds the maximum. Whitelisted IPs are never limited.
func (p *PolicyServer) Acquire(ip string) bool {
	stats, open := p.openSlot(ip)

	if p.config.MaxConnectionsPerIP <= 0 || p.IsWhitelisted(ip) {
		return true
	}

	if open > p.config.MaxConnectionsPerIP {
		atomic.AddInt32(&stats.Open, -1)
		if atomic.AddInt32(&stats.Rejected, 1) == 1 {
			util.Warnf("Long-poll limit reached for %s (%d open)", ip, p.config.MaxConnectionsPerIP)
		}
		return false
	}
	return true
}

// Release frees a slot taken by a successful Acquire
func (p *PolicyServer) Release(ip string) {
	p.statsMu.RLock()
	defer p.statsMu.RUnlock()

	stats, ok := p.stats[ip]
	if !ok {
		return
	}
	if atomic.AddInt32(&stats.Open, -1) < 0 {
		atomic.StoreInt32(&stats.Open, 0)
	}
}

// LongPollLimit is gin middleware holding one slot for the whole request
func (p *PolicyServer) LongPollLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if !p.Acquire(ip) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Too many connections"})
			return
		}
		defer p.Release(ip)
		c.Next()
	}
}

// IsWhitelisted checks if an IP is whitelisted
func (p *PolicyServer) IsWhitelisted(ip string) bool {
	p.listMu.RLock()
	defer p.listMu.RUnlock()
	_, ok := p.whitelist[ip]
	return ok
}

// AddToWhitelist whitelists an IP until the next refresh
func (p *PolicyServer) AddToWhitelist(ip string) {
	p.listMu.Lock()
	p.whitelist[ip] = struct{}{}
	p.listMu.Unlock()
}

// GetStats returns stats for monitoring
func (p *PolicyServer) GetStats() (total, open int) {
	p.statsMu.RLock()
	defer p.statsMu.RUnlock()

	total = len(p.stats)
	for _, stats := range p.stats {
		open += int(atomic.LoadInt32(&stats.Open))
	}
	return
}
