package rpc

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tos-network/tos-pool-api/internal/config"
	"github.com/tos-network/tos-pool-api/internal/util"
)

// UpstreamState is a monitoring view of one daemon
type UpstreamState struct {
	Name         string        `json:"name"`
	URL          string        `json:"url"`
	Healthy      bool          `json:"healthy"`
	LastCheck    time.Time     `json:"lastCheck"`
	FailCount    int32         `json:"failCount"`
	ResponseTime time.Duration `json:"responseTime"`
	Height       uint64        `json:"height"`
	Weight       int           `json:"weight"`
}

// Upstream wraps a DaemonClient with health tracking
type Upstream struct {
	client *DaemonClient
	name   string
	weight int

	mu           sync.RWMutex
	healthy      bool
	failCount    int32
	successCount int32
	lastCheck    time.Time
	responseTime time.Duration
	height       uint64
}

// UpstreamManager spreads daemon reads over several nodes with failover
type UpstreamManager struct {
	upstreams []*Upstream
	cfg       *config.NodeConfig
	activeIdx int32

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewUpstreamManager builds the upstream set from cfg. A bare node.url
// becomes a single upstream named "primary".
func NewUpstreamManager(ctx context.Context, cfg *config.NodeConfig) *UpstreamManager {
	mgrCtx, cancel := context.WithCancel(ctx)

	mgr := &UpstreamManager{
		cfg:    cfg,
		ctx:    mgrCtx,
		cancel: cancel,
	}

	for _, ucfg := range cfg.Upstreams {
		timeout := ucfg.Timeout
		if timeout == 0 {
			timeout = cfg.Timeout
		}
		weight := ucfg.Weight
		if weight == 0 {
			weight = 1
		}
		name := ucfg.Name
		if name == "" {
			name = ucfg.URL
		}
		mgr.upstreams = append(mgr.upstreams, &Upstream{
			client:  NewDaemonClient(ucfg.URL, timeout),
			name:    name,
			weight:  weight,
			healthy: true,
		})
	}
	if len(mgr.upstreams) == 0 && cfg.URL != "" {
		mgr.upstreams = append(mgr.upstreams, &Upstream{
			client:  NewDaemonClient(cfg.URL, cfg.Timeout),
			name:    "primary",
			weight:  1,
			healthy: true,
		})
	}

	sort.SliceStable(mgr.upstreams, func(i, j int) bool {
		return mgr.upstreams[i].weight > mgr.upstreams[j].weight
	})

	return mgr
}

// Start runs an initial health check and then the periodic check loop.
// A single upstream is never health-checked; its failures surface on the
// next stats cycle instead.
func (m *UpstreamManager) Start() {
	if len(m.upstreams) == 0 {
		util.Warnf("No daemon upstreams configured")
		return
	}

	util.Infof("Starting upstream manager with %d daemons", len(m.upstreams))
	for i, u := range m.upstreams {
		util.Infof("  [%d] %s (weight=%d)", i, u.name, u.weight)
	}

	if len(m.upstreams) < 2 {
		return
	}

	m.checkAllUpstreams()

	m.wg.Add(1)
	go m.healthCheckLoop()
}

// Stop shuts down the health check loop
func (m *UpstreamManager) Stop() {
	m.cancel()
	m.wg.Wait()
	util.Infof("Upstream manager stopped")
}

func (m *UpstreamManager) healthCheckLoop() {
	defer m.wg.Done()

	interval := m.cfg.HealthCheckInterval
	if interval == 0 {
		interval = 10 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.checkAllUpstreams()
		}
	}
}

func (m *UpstreamManager) checkAllUpstreams() {
	var wg sync.WaitGroup
	for _, upstream := range m.upstreams {
		wg.Add(1)
		go func(u *Upstream) {
			defer wg.Done()
			m.checkUpstream(u)
		}(upstream)
	}
	wg.Wait()

	m.selectBestUpstream()
}

func (m *UpstreamManager) maxFailures() int32 {
	if m.cfg.MaxFailures > 0 {
		return int32(m.cfg.MaxFailures)
	}
	return 3
}

func (m *UpstreamManager) recoveryThreshold() int32 {
	if m.cfg.RecoveryThreshold > 0 {
		return int32(m.cfg.RecoveryThreshold)
	}
	return 2
}

// checkUpstream probes one daemon with getlastblockheader
func (m *UpstreamManager) checkUpstream(u *Upstream) {
	timeout := m.cfg.HealthCheckTimeout
	if timeout == 0 {
		timeout = 3 * time.Second
	}

	ctx, cancel := context.WithTimeout(m.ctx, timeout)
	defer cancel()

	start := time.Now()
	header, err := u.client.GetLastBlockHeader(ctx)
	elapsed := time.Since(start)

	u.mu.Lock()
	defer u.mu.Unlock()

	u.lastCheck = time.Now()
	u.responseTime = elapsed

	if err != nil {
		u.failCount++
		u.successCount = 0
		if u.failCount >= m.maxFailures() && u.healthy {
			u.healthy = false
			util.Warnf("Daemon %s marked UNHEALTHY after %d failures: %v", u.name, u.failCount, err)
		}
		return
	}

	u.successCount++
	u.height = header.Height
	if !u.healthy && u.successCount >= m.recoveryThreshold() {
		u.healthy = true
		u.failCount = 0
		util.Infof("Daemon %s recovered (height=%d, response=%v)", u.name, u.height, elapsed)
	} else if u.healthy {
		u.failCount = 0
	}
}

// selectBestUpstream prefers higher weight, then higher chain height
func (m *UpstreamManager) selectBestUpstream() {
	bestIdx, bestWeight := -1, -1
	var bestHeight uint64

	for i, u := range m.upstreams {
		u.mu.RLock()
		healthy, weight, height := u.healthy, u.weight, u.height
		u.mu.RUnlock()

		if !healthy {
			continue
		}
		if weight > bestWeight || (weight == bestWeight && height > bestHeight) {
			bestIdx, bestWeight, bestHeight = i, weight, height
		}
	}

	if bestIdx < 0 {
		util.Warnf("No healthy daemon upstreams available")
		return
	}

	if old := atomic.SwapInt32(&m.activeIdx, int32(bestIdx)); old != int32(bestIdx) {
		util.Infof("Switched to daemon %s (weight=%d, height=%d)", m.upstreams[bestIdx].name, bestWeight, bestHeight)
	}
}

// GetClient returns the active daemon client, or nil with no upstreams
func (m *UpstreamManager) GetClient() *DaemonClient {
	if len(m.upstreams) == 0 {
		return nil
	}
	idx := atomic.LoadInt32(&m.activeIdx)
	if idx >= 0 && idx < int32(len(m.upstreams)) {
		return m.upstreams[idx].client
	}
	return m.upstreams[0].client
}

// GetActiveUpstream returns the name of the active daemon
func (m *UpstreamManager) GetActiveUpstream() string {
	if len(m.upstreams) == 0 {
		return ""
	}
	idx := atomic.LoadInt32(&m.activeIdx)
	if idx >= 0 && idx < int32(len(m.upstreams)) {
		return m.upstreams[idx].name
	}
	return m.upstreams[0].name
}

// GetUpstreamStates returns the state of all daemons for monitoring
func (m *UpstreamManager) GetUpstreamStates() []UpstreamState {
	states := make([]UpstreamState, len(m.upstreams))
	for i, u := range m.upstreams {
		u.mu.RLock()
		states[i] = UpstreamState{
			Name:         u.name,
			URL:          u.client.URL(),
			Healthy:      u.healthy,
			LastCheck:    u.lastCheck,
			FailCount:    u.failCount,
			ResponseTime: u.responseTime,
			Height:       u.height,
			Weight:       u.weight,
		}
		u.mu.RUnlock()
	}
	return states
}

// HealthyCount returns the number of healthy daemons
func (m *UpstreamManager) HealthyCount() int {
	count := 0
	for _, u := range m.upstreams {
		u.mu.RLock()
		if u.healthy {
			count++
		}
		u.mu.RUnlock()
	}
	return count
}

// UpstreamCount returns the number of configured daemons
func (m *UpstreamManager) UpstreamCount() int {
	return len(m.upstreams)
}

func (m *UpstreamManager) recordSuccess(idx int) {
	u := m.upstreams[idx]
	u.mu.Lock()
	u.successCount++
	u.failCount = 0
	u.healthy = true
	u.mu.Unlock()
}

// recordFailure reports whether the daemon just turned unhealthy
func (m *UpstreamManager) recordFailure(idx int) bool {
	u := m.upstreams[idx]
	u.mu.Lock()
	defer u.mu.Unlock()

	u.failCount++
	u.successCount = 0
	if u.failCount >= m.maxFailures() && u.healthy {
		u.healthy = false
		util.Warnf("Daemon %s marked unhealthy due to call failures", u.name)
		return true
	}
	return false
}

// CallWithFailover runs fn against the active daemon, then against every
// other healthy daemon until one succeeds. The last error is returned when
// all of them fail.
func (m *UpstreamManager) CallWithFailover(ctx context.Context, fn func(context.Context, *DaemonClient) error) error {
	if len(m.upstreams) == 0 {
		return ErrNoUpstream
	}

	active := int(atomic.LoadInt32(&m.activeIdx))
	if active < 0 || active >= len(m.upstreams) {
		active = 0
	}

	err := fn(ctx, m.upstreams[active].client)
	if err == nil {
		m.recordSuccess(active)
		return nil
	}
	if m.recordFailure(active) {
		m.selectBestUpstream()
	}

	for i, u := range m.upstreams {
		if i == active || ctx.Err() != nil {
			continue
		}

		u.mu.RLock()
		healthy := u.healthy
		u.mu.RUnlock()
		if !healthy {
			continue
		}

		util.Infof("Failover: trying daemon %s", u.name)
		if err = fn(ctx, u.client); err == nil {
			m.recordSuccess(i)
			atomic.StoreInt32(&m.activeIdx, int32(i))
			util.Infof("Failover successful: now using %s", u.name)
			return nil
		}
		m.recordFailure(i)
	}

	return err
}

// GetLastBlockHeader returns the chain head from the first daemon that answers
func (m *UpstreamManager) GetLastBlockHeader(ctx context.Context) (*BlockHeader, error) {
	var header *BlockHeader
	err := m.CallWithFailover(ctx, func(ctx context.Context, c *DaemonClient) error {
		h, err := c.GetLastBlockHeader(ctx)
		if err != nil {
			return err
		}
		header = h
		return nil
	})
	if err != nil {
		return nil, err
	}
	return header, nil
}
