// Package stats builds pool statistics snapshots and keeps the latest one
// in memory.
package stats

import (
	"time"

	"github.com/tos-network/tos-pool-api/internal/charts"
	"github.com/tos-network/tos-pool-api/internal/config"
	"github.com/tos-network/tos-pool-api/internal/rpc"
)

// ConfigEcho carries static pool settings clients render alongside stats
type ConfigEcho struct {
	HashrateWindow       int64   `json:"hashrateWindow"`
	Fee                  float64 `json:"fee"`
	NetworkFee           float64 `json:"networkFee"`
	Coin                 string  `json:"coin"`
	CoinUnits            uint64  `json:"coinUnits"`
	CoinDifficultyTarget int64   `json:"coinDifficultyTarget"`
	Symbol               string  `json:"symbol"`
	Depth                int64   `json:"depth"`
	Version              string  `json:"version"`
	PaymentsInterval     int64   `json:"paymentsInterval"`
	MinPaymentThreshold  uint64  `json:"minPaymentThreshold"`
	TransferFee          uint64  `json:"transferFee"`
	DenominationUnit     uint64  `json:"denominationUnit"`
	BlockTime            int64   `json:"blockTime"`
	SlushMiningEnabled   bool    `json:"slushMiningEnabled"`
	Weight               float64 `json:"weight"`
}

// NewConfigEcho copies the client-visible settings out of cfg
func NewConfigEcho(cfg *config.Config) ConfigEcho {
	return ConfigEcho{
		HashrateWindow:       cfg.HashrateWindowSeconds(),
		Fee:                  cfg.Pool.Fee,
		NetworkFee:           cfg.Pool.NetworkFee,
		Coin:                 cfg.Pool.Coin,
		CoinUnits:            cfg.Pool.CoinUnits,
		CoinDifficultyTarget: cfg.Pool.DifficultyTarget,
		Symbol:               cfg.Pool.Symbol,
		Depth:                cfg.Pool.Depth,
		Version:              cfg.Pool.Version,
		PaymentsInterval:     cfg.Payments.Interval,
		MinPaymentThreshold:  cfg.Payments.MinPayment,
		TransferFee:          cfg.Payments.TransferFee,
		DenominationUnit:     cfg.Payments.Denomination,
		BlockTime:            cfg.SlushMining.BlockTime,
		SlushMiningEnabled:   cfg.SlushMining.Enabled,
		Weight:               cfg.SlushMining.Weight,
	}
}

// PoolSection holds the pool-wide derived metrics. Blocks and payments
// keep the flat member, score layout of the underlying sorted sets.
type PoolSection struct {
	Stats           map[string]string `json:"stats"`
	Blocks          []string          `json:"blocks"`
	TotalBlocks     int64             `json:"totalBlocks"`
	TotalDiff       uint64            `json:"totalDiff"`
	TotalShares     uint64            `json:"totalShares"`
	Efficiency      float64           `json:"efficiency"`
	Payments        []string          `json:"payments"`
	TotalPayments   int64             `json:"totalPayments"`
	TotalMinersPaid int64             `json:"totalMinersPaid"`
	Miners          int               `json:"miners"`
	Workers         int               `json:"workers"`
	Hashrate        int64             `json:"hashrate"`
	RoundHashes     float64           `json:"roundHashes"`
	LastBlockFound  string            `json:"lastBlockFound,omitempty"`
}

// Snapshot is one immutable view of the pool
type Snapshot struct {
	Config  ConfigEcho        `json:"config"`
	Pool    PoolSection       `json:"pool"`
	Network rpc.BlockHeader   `json:"network"`
	Charts  charts.PoolCharts `json:"charts"`
}

// MinerMetric is the per-participant slice of a cycle
type MinerMetric struct {
	Hashrate    int64   `json:"hashrate,omitempty"`
	RoundHashes float64 `json:"roundHashes,omitempty"`
}

// State is everything a cycle produces. It is never mutated once built.
type State struct {
	Snapshot  *Snapshot
	Miners    map[string]MinerMetric
	UpdatedAt time.Time
}

// Miner returns the metric for a participant key, or the zero metric
func (s *State) Miner(key string) MinerMetric {
	if s == nil {
		return MinerMetric{}
	}
	return s.Miners[key]
}
