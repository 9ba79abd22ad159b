// Package newrelic provides New Relic APM integration for monitoring.
package newrelic

import (
	"context"
	"sync"
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/tos-network/tos-pool-api/internal/config"
	"github.com/tos-network/tos-pool-api/internal/stats"
	"github.com/tos-network/tos-pool-api/internal/util"
)

// Counter reports the size of a subscriber registry
type Counter interface {
	Len() int
}

// Agent wraps New Relic APM functionality
type Agent struct {
	cfg *config.NewRelicConfig
	app *newrelic.Application
	mu  sync.RWMutex

	live    Counter
	workers Counter
}

// NewAgent creates a new New Relic agent
func NewAgent(cfg *config.NewRelicConfig) *Agent {
	return &Agent{
		cfg: cfg,
	}
}

// Start initializes the New Relic agent
func (a *Agent) Start() error {
	if !a.cfg.Enabled {
		util.Info("New Relic APM disabled")
		return nil
	}

	if a.cfg.LicenseKey == "" {
		util.Warnf("New Relic license key not configured, APM disabled")
		return nil
	}

	app, err := newrelic.NewApplication(
		newrelic.ConfigAppName(a.cfg.AppName),
		newrelic.ConfigLicense(a.cfg.LicenseKey),
		newrelic.ConfigDistributedTracerEnabled(true),
		newrelic.ConfigAppLogForwardingEnabled(true),
	)
	if err != nil {
		return err
	}

	// Wait for connection (up to 5 seconds)
	if err := app.WaitForConnection(5 * time.Second); err != nil {
		util.Warnf("New Relic connection timeout: %v (will retry in background)", err)
	}

	a.mu.Lock()
	a.app = app
	a.mu.Unlock()

	util.Infof("New Relic APM enabled for app: %s", a.cfg.AppName)
	return nil
}

// Stop shuts down the New Relic agent
func (a *Agent) Stop() {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app != nil {
		util.Info("Shutting down New Relic agent")
		app.Shutdown(10 * time.Second)
	}
}

// Application returns the underlying New Relic application (for middleware)
func (a *Agent) Application() *newrelic.Application {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.app
}

// IsEnabled returns true if New Relic is enabled and connected
func (a *Agent) IsEnabled() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.app != nil
}

// SetSubscriberCounters registers the registries reported after each cycle
func (a *Agent) SetSubscriberCounters(live, workers Counter) {
	a.mu.Lock()
	a.live, a.workers = live, workers
	a.mu.Unlock()
}

// StartTransaction starts a new New Relic transaction
func (a *Agent) StartTransaction(name string) *newrelic.Transaction {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app == nil {
		return nil
	}
	return app.StartTransaction(name)
}

// StartCycle opens a background transaction for one stats cycle. The
// returned func records the outcome and ends the transaction.
func (a *Agent) StartCycle(ctx context.Context) (context.Context, func(*stats.State, error)) {
	txn := a.StartTransaction("StatsCollection")
	if txn == nil {
		return ctx, func(*stats.State, error) {}
	}

	ctx = newrelic.NewContext(ctx, txn)
	return ctx, func(state *stats.State, err error) {
		defer txn.End()

		if err != nil {
			txn.NoticeError(err)
			a.RecordCustomEvent("StatsCollectionFailed", map[string]interface{}{
				"error": err.Error(),
			})
			return
		}

		if state != nil && state.Snapshot != nil {
			pool := state.Snapshot.Pool
			a.UpdatePoolMetrics(float64(pool.Hashrate), int64(pool.Miners), int64(pool.Workers))
			a.RecordCustomMetric("Custom/Pool/Efficiency", pool.Efficiency)
			a.RecordCustomMetric("Custom/Pool/RoundHashes", pool.RoundHashes)

			network := state.Snapshot.Network
			a.UpdateNetworkMetrics(network.Height, network.Difficulty)
		}
		a.recordSubscribers()
	}
}

func (a *Agent) recordSubscribers() {
	a.mu.RLock()
	live, workers := a.live, a.workers
	a.mu.RUnlock()

	if live != nil {
		a.RecordCustomMetric("Custom/API/LiveSubscribers", float64(live.Len()))
	}
	if workers != nil {
		a.RecordCustomMetric("Custom/API/AddressSubscribers", float64(workers.Len()))
	}
}

// RecordCustomEvent records a custom event
func (a *Agent) RecordCustomEvent(eventType string, params map[string]interface{}) {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app != nil {
		app.RecordCustomEvent(eventType, params)
	}
}

// RecordCustomMetric records a custom metric
func (a *Agent) RecordCustomMetric(name string, value float64) {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app != nil {
		app.RecordCustomMetric(name, value)
	}
}

// NoticeError records an error
func (a *Agent) NoticeError(txn *newrelic.Transaction, err error) {
	if txn != nil && err != nil {
		txn.NoticeError(err)
	}
}

// NewContext adds transaction to context
func (a *Agent) NewContext(ctx context.Context, txn *newrelic.Transaction) context.Context {
	if txn == nil {
		return ctx
	}
	return newrelic.NewContext(ctx, txn)
}

// UpdatePoolMetrics updates pool-wide metrics
func (a *Agent) UpdatePoolMetrics(hashrate float64, miners, workers int64) {
	a.RecordCustomMetric("Custom/Pool/Hashrate", hashrate)
	a.RecordCustomMetric("Custom/Pool/Miners", float64(miners))
	a.RecordCustomMetric("Custom/Pool/Workers", float64(workers))
}

// UpdateNetworkMetrics updates network metrics
func (a *Agent) UpdateNetworkMetrics(height uint64, difficulty uint64) {
	a.RecordCustomMetric("Custom/Network/Height", float64(height))
	a.RecordCustomMetric("Custom/Network/Difficulty", float64(difficulty))
}
