// Package charts reads the chart series maintained by the pool's chart
// writer and shapes them for API payloads.
package charts

import (
	"context"

	"github.com/bytedance/sonic"
	"github.com/tos-network/tos-pool-api/internal/storage"
	"github.com/tos-network/tos-pool-api/internal/util"
)

// DefaultPoolSeries are the pool-wide series exposed in the stats snapshot
var DefaultPoolSeries = []string{"hashrate", "miners", "workers", "difficulty"}

// Series is a list of [timestamp, value] points
type Series [][]float64

// PoolCharts maps a series name to its points
type PoolCharts map[string]Series

// UserCharts holds the per-address charts
type UserCharts struct {
	Hashrate Series `json:"hashrate"`
	Payments Series `json:"payments"`
}

// Store is the subset of the Redis client the provider reads from
type Store interface {
	ChartData(ctx context.Context, names []string, address string) (map[string]string, error)
}

// Provider loads chart data from the store
type Provider struct {
	store      Store
	poolSeries []string
}

// NewProvider creates a provider; nil series selects DefaultPoolSeries
func NewProvider(store Store, poolSeries []string) *Provider {
	if len(poolSeries) == 0 {
		poolSeries = DefaultPoolSeries
	}
	return &Provider{store: store, poolSeries: poolSeries}
}

// GetPoolChartsData returns every configured pool series that has data.
// A series that fails to decode is skipped.
func (p *Provider) GetPoolChartsData(ctx context.Context) (PoolCharts, error) {
	raw, err := p.store.ChartData(ctx, p.poolSeries, "")
	if err != nil {
		return nil, err
	}

	out := make(PoolCharts, len(raw))
	for name, data := range raw {
		series, err := decode(data)
		if err != nil {
			util.Warnf("Skipping chart %s: %v", name, err)
			continue
		}
		out[name] = series
	}
	return out, nil
}

// GetUserChartsData returns the address hashrate series and a payments
// series built from the payments already read for the address, oldest first.
func (p *Provider) GetUserChartsData(ctx context.Context, address string, payments []storage.ScoredMember) (*UserCharts, error) {
	raw, err := p.store.ChartData(ctx, []string{"hashrate"}, address)
	if err != nil {
		return nil, err
	}

	charts := &UserCharts{Hashrate: Series{}, Payments: PaymentsSeries(payments)}
	if data, ok := raw["hashrate"]; ok {
		if series, err := decode(data); err == nil {
			charts.Hashrate = series
		} else {
			util.Warnf("Skipping hashrate chart for %s: %v", address, err)
		}
	}
	return charts, nil
}

// PaymentsSeries converts newest-first payment rows into [time, amount]
// points, oldest first. Malformed rows are dropped.
func PaymentsSeries(payments []storage.ScoredMember) Series {
	out := make(Series, 0, len(payments))
	for i := len(payments) - 1; i >= 0; i-- {
		p, err := storage.ParsePayment(payments[i].Member, payments[i].Score)
		if err != nil {
			continue
		}
		out = append(out, []float64{float64(p.Timestamp), float64(p.Amount)})
	}
	return out
}

func decode(data string) (Series, error) {
	var s Series
	if err := sonic.UnmarshalString(data, &s); err != nil {
		return nil, err
	}
	return s, nil
}
