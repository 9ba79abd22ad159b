package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"
	"golang.org/x/sync/errgroup"

	"github.com/tos-network/tos-pool-api/internal/charts"
	"github.com/tos-network/tos-pool-api/internal/config"
	"github.com/tos-network/tos-pool-api/internal/rpc"
	"github.com/tos-network/tos-pool-api/internal/storage"
	"github.com/tos-network/tos-pool-api/internal/util"
)

// MetricsStore is the batched pool read a cycle depends on
type MetricsStore interface {
	FetchPoolData(ctx context.Context, cutoff time.Time, blocks, payments int64) (*storage.PoolData, error)
}

// DaemonClient returns the current chain head
type DaemonClient interface {
	GetLastBlockHeader(ctx context.Context) (*rpc.BlockHeader, error)
}

// ChartsProvider returns pool chart series
type ChartsProvider interface {
	GetPoolChartsData(ctx context.Context) (charts.PoolCharts, error)
}

// Builder computes a State from the store, the daemon and the chart series
type Builder struct {
	store  MetricsStore
	daemon DaemonClient
	charts ChartsProvider

	window   int64
	blocks   int64
	payments int64
	decay    Decay
	echo     ConfigEcho

	now func() time.Time
}

// NewBuilder creates a snapshot builder from cfg
func NewBuilder(cfg *config.Config, store MetricsStore, daemon DaemonClient, charts ChartsProvider) *Builder {
	return &Builder{
		store:    store,
		daemon:   daemon,
		charts:   charts,
		window:   cfg.HashrateWindowSeconds(),
		blocks:   cfg.API.Blocks,
		payments: cfg.API.Payments,
		decay: Decay{
			Enabled: cfg.SlushMining.Enabled,
			Weight:  cfg.SlushMining.Weight,
		},
		echo: NewConfigEcho(cfg),
		now:  time.Now,
	}
}

// Build runs one collection cycle. The pool read, the chain head read and
// the chart read run concurrently; if any of them fails no State is
// returned.
func (b *Builder) Build(ctx context.Context) (*State, error) {
	if b.window <= 0 {
		return nil, ErrInvalidWindow
	}

	now := b.now()
	start := time.Now()

	var (
		pool       *storage.PoolData
		header     *rpc.BlockHeader
		poolCharts charts.PoolCharts

		storeElapsed, daemonElapsed, chartsElapsed time.Duration
	)

	g, gctx := errgroup.WithContext(ctx)
	txn := newrelic.FromContext(ctx)

	redisTxn := txn.NewGoroutine()
	g.Go(func() error {
		defer redisTxn.StartSegment("redis").End()
		var err error
		pool, err = b.store.FetchPoolData(gctx, now.Add(-time.Duration(b.window)*time.Second), b.blocks, b.payments)
		storeElapsed = time.Since(start)
		if err != nil {
			return fmt.Errorf("%w: pool data: %w", ErrStoreUnavailable, err)
		}
		return nil
	})

	daemonTxn := txn.NewGoroutine()
	g.Go(func() error {
		defer daemonTxn.StartSegment("daemon").End()
		var err error
		header, err = b.daemon.GetLastBlockHeader(gctx)
		daemonElapsed = time.Since(start)
		if err != nil {
			return fmt.Errorf("%w: getlastblockheader: %w", ErrDaemonUnavailable, err)
		}
		return nil
	})

	chartsTxn := txn.NewGoroutine()
	g.Go(func() error {
		defer chartsTxn.StartSegment("charts").End()
		var err error
		poolCharts, err = b.charts.GetPoolChartsData(gctx)
		chartsElapsed = time.Since(start)
		if err != nil {
			return fmt.Errorf("%w: pool charts: %w", ErrStoreUnavailable, err)
		}
		return nil
	})

	err := g.Wait()
	util.Infof("Stat collection finished: %v redis, %v daemon, %v charts", storeElapsed, daemonElapsed, chartsElapsed)
	if err != nil {
		return nil, err
	}

	return b.assemble(now, pool, header, poolCharts)
}

func (b *Builder) assemble(now time.Time, pool *storage.PoolData, header *rpc.BlockHeader, poolCharts charts.PoolCharts) (*State, error) {
	rows := make([]storage.BlockRow, 0, len(pool.Candidates)+len(pool.Matured))
	malformed := pool.Malformed
	for _, list := range [][]storage.ScoredMember{pool.Candidates, pool.Matured} {
		for _, m := range list {
			row, err := storage.ParseBlockRow(m.Member, m.Score)
			if err != nil {
				malformed++
				continue
			}
			rows = append(rows, row)
		}
	}
	if malformed > 0 {
		util.Warnf("Skipped %d malformed rows while building stats", malformed)
	}

	totalBlocks := pool.MaturedCount + int64(len(pool.Candidates))
	blocks := SummarizeBlocks(rows, totalBlocks)

	hashrates, err := AggregateHashrates(pool.Samples, b.window)
	if err != nil {
		return nil, err
	}

	miners := make(map[string]MinerMetric, len(hashrates.Participants)+len(pool.RoundShares))
	for key, rate := range hashrates.Participants {
		miners[key] = MinerMetric{Hashrate: rate}
	}

	var roundHashes float64
	nowSec := now.Unix()
	for key, shares := range pool.RoundShares {
		rh := RoundHashes(shares, b.decay, pool.LastBlockFound, nowSec)
		roundHashes = addClamped(roundHashes, rh)

		m := miners[key]
		m.RoundHashes = rh
		miners[key] = m
	}

	allBlocks := make([]storage.ScoredMember, 0, len(pool.Candidates)+len(pool.Matured))
	allBlocks = append(allBlocks, pool.Candidates...)
	allBlocks = append(allBlocks, pool.Matured...)

	snapshot := &Snapshot{
		Config: b.echo,
		Pool: PoolSection{
			Stats:           pool.Stats,
			Blocks:          storage.Flatten(allBlocks),
			TotalBlocks:     totalBlocks,
			TotalDiff:       blocks.TotalDiff,
			TotalShares:     blocks.TotalShares,
			Efficiency:      blocks.Efficiency,
			Payments:        storage.Flatten(pool.Payments),
			TotalPayments:   pool.PaymentsCount,
			TotalMinersPaid: pool.MinersPaid,
			Miners:          hashrates.Miners,
			Workers:         hashrates.Workers,
			Hashrate:        hashrates.Pool,
			RoundHashes:     roundHashes,
			LastBlockFound:  pool.Stats["lastBlockFound"],
		},
		Network: *header,
		Charts:  poolCharts,
	}

	return &State{Snapshot: snapshot, Miners: miners, UpdatedAt: now}, nil
}
