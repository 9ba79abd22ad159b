package live

import (
	"context"
	"fmt"

	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/tos-network/tos-pool-api/internal/charts"
	"github.com/tos-network/tos-pool-api/internal/stats"
	"github.com/tos-network/tos-pool-api/internal/storage"
	"golang.org/x/sync/errgroup"
)

// AddressStore is the subset of the Redis client an address lookup needs
type AddressStore interface {
	FetchAddressData(ctx context.Context, address string, payments int64) (*storage.AddressData, error)
	FetchWorkerDetails(ctx context.Context, address string, names []string) ([]storage.WorkerDetail, error)
}

// UserChartsProvider loads the per-address charts
type UserChartsProvider interface {
	GetUserChartsData(ctx context.Context, address string, payments []storage.ScoredMember) (*charts.UserCharts, error)
}

// WorkerResolver builds per-address payloads against a cached State
type WorkerResolver struct {
	store    AddressStore
	charts   UserChartsProvider
	payments int64
}

// NewWorkerResolver creates a resolver reading up to payments rows per address
func NewWorkerResolver(store AddressStore, charts UserChartsProvider, payments int64) *WorkerResolver {
	return &WorkerResolver{store: store, charts: charts, payments: payments}
}

// Resolve reads the address record, then worker details and charts in
// parallel. ErrAddressNotFound is returned when the address has no record.
func (w *WorkerResolver) Resolve(ctx context.Context, address string, state *stats.State) (*WorkerPayload, error) {
	txn := newrelic.FromContext(ctx)

	seg := txn.StartSegment("Redis/AddressData")
	data, err := w.store.FetchAddressData(ctx, address, w.payments)
	seg.End()
	if err != nil {
		return nil, fmt.Errorf("address data: %w", err)
	}
	if data.Record == nil {
		return nil, ErrAddressNotFound
	}

	var (
		details    []storage.WorkerDetail
		userCharts *charts.UserCharts
	)

	detailsTxn, chartsTxn := txn.NewGoroutine(), txn.NewGoroutine()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer detailsTxn.StartSegment("Redis/WorkerDetails").End()
		var err error
		details, err = w.store.FetchWorkerDetails(gctx, address, data.Workers)
		if err != nil {
			return fmt.Errorf("worker details: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		defer chartsTxn.StartSegment("Redis/UserCharts").End()
		var err error
		userCharts, err = w.charts.GetUserChartsData(gctx, address, data.Payments)
		if err != nil {
			return fmt.Errorf("user charts: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return newWorkerPayload(address, data, details, userCharts, state), nil
}
