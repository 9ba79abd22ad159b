package live

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bytedance/sonic"
	"github.com/tos-network/tos-pool-api/internal/charts"
	"github.com/tos-network/tos-pool-api/internal/stats"
	"github.com/tos-network/tos-pool-api/internal/storage"
)

type fakeAddressStore struct {
	mu      sync.Mutex
	data    map[string]*storage.AddressData
	errs    map[string]error
	details map[string][]storage.WorkerDetail
	lookups int
}

func (f *fakeAddressStore) FetchAddressData(ctx context.Context, address string, payments int64) (*storage.AddressData, error) {
	f.mu.Lock()
	f.lookups++
	f.mu.Unlock()

	if err := f.errs[address]; err != nil {
		return nil, err
	}
	if d, ok := f.data[address]; ok {
		return d, nil
	}
	return &storage.AddressData{}, nil
}

func (f *fakeAddressStore) FetchWorkerDetails(ctx context.Context, address string, names []string) ([]storage.WorkerDetail, error) {
	return f.details[address], nil
}

type fakeUserCharts struct {
	err error
}

func (f *fakeUserCharts) GetUserChartsData(ctx context.Context, address string, payments []storage.ScoredMember) (*charts.UserCharts, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &charts.UserCharts{Hashrate: charts.Series{}, Payments: charts.PaymentsSeries(payments)}, nil
}

func testState() *stats.State {
	return &stats.State{
		Snapshot: &stats.Snapshot{
			Config: stats.ConfigEcho{Coin: "tos", HashrateWindow: 60},
			Pool:   stats.PoolSection{Hashrate: 3, Miners: 2},
		},
		Miners: map[string]stats.MinerMetric{
			"addrA":      {Hashrate: 2, RoundHashes: 400},
			"addrA+rig1": {Hashrate: 1},
			"addrB":      {Hashrate: 1},
		},
	}
}

func newTestBroadcaster(store AddressStore, ch UserChartsProvider) *Broadcaster {
	return NewBroadcaster(
		NewRegistry("live", 0),
		NewRegistry("workers", 0),
		NewWorkerResolver(store, ch, 10),
		4,
	)
}

func recordData(fields map[string]string, workers ...string) *storage.AddressData {
	return &storage.AddressData{
		Record:  &storage.AddressRecord{Fields: fields},
		Workers: workers,
	}
}

func mustWait(t *testing.T, s *Subscription) []byte {
	t.Helper()
	select {
	case <-s.Done():
	default:
		t.Fatalf("subscription %s#%d was not delivered", s.Address, s.ID)
	}
	b, err := s.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	return b
}

func TestBroadcastLiveSameBytes(t *testing.T) {
	b := newTestBroadcaster(&fakeAddressStore{}, &fakeUserCharts{})

	var subs []*Subscription
	for i := 0; i < 5; i++ {
		s, _ := b.Live().Register("addrA")
		subs = append(subs, s)
	}
	other, _ := b.Live().Register("")

	b.Broadcast(context.Background(), testState())

	first := mustWait(t, subs[0])
	for _, s := range subs[1:] {
		if got := mustWait(t, s); !bytes.Equal(got, first) {
			t.Errorf("payload differs: %s vs %s", got, first)
		}
	}
	if b.Live().Len() != 0 {
		t.Errorf("Len() = %d after broadcast, want 0", b.Live().Len())
	}

	var p struct {
		Pool  stats.PoolSection `json:"pool"`
		Miner stats.MinerMetric `json:"miner"`
	}
	if err := sonic.Unmarshal(first, &p); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if p.Miner.Hashrate != 2 || p.Miner.RoundHashes != 400 {
		t.Errorf("Miner = %+v", p.Miner)
	}
	if p.Pool.Hashrate != 3 {
		t.Errorf("Pool.Hashrate = %d, want 3", p.Pool.Hashrate)
	}

	var anon struct {
		Miner map[string]interface{} `json:"miner"`
	}
	if err := sonic.Unmarshal(mustWait(t, other), &anon); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if len(anon.Miner) != 0 {
		t.Errorf("undefined address Miner = %v, want empty", anon.Miner)
	}
}

func TestBroadcastWorkers(t *testing.T) {
	store := &fakeAddressStore{
		data: map[string]*storage.AddressData{
			"addrA": recordData(map[string]string{"balance": "100"}, "rig1"),
		},
		details: map[string][]storage.WorkerDetail{
			"addrA": {{Name: "rig1", LastShare: 1700000000, Hashes: 99}},
		},
	}
	b := newTestBroadcaster(store, &fakeUserCharts{})

	a1, _ := b.Workers().Register("addrA")
	a2, _ := b.Workers().Register("addrA")

	b.Broadcast(context.Background(), testState())

	if store.lookups != 1 {
		t.Errorf("lookups = %d, want one per address", store.lookups)
	}
	payload := mustWait(t, a1)
	if !bytes.Equal(payload, mustWait(t, a2)) {
		t.Error("subscribers of one address got different payloads")
	}

	var p WorkerPayload
	if err := sonic.Unmarshal(payload, &p); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if p.Stats["balance"] != "100" || p.Stats["hashrate"] != float64(2) {
		t.Errorf("Stats = %v", p.Stats)
	}
	if len(p.Workers) != 1 || p.Workers[0].Hashrate != 1 || p.Workers[0].Hashes != 99 {
		t.Errorf("Workers = %+v", p.Workers)
	}
	if b.Workers().Len() != 0 {
		t.Errorf("Len() = %d after broadcast, want 0", b.Workers().Len())
	}
}

type gatedStore struct {
	*fakeAddressStore
	slow string
	gate chan struct{}
}

func (g *gatedStore) FetchAddressData(ctx context.Context, address string, payments int64) (*storage.AddressData, error) {
	if address == g.slow {
		<-g.gate
	}
	return g.fakeAddressStore.FetchAddressData(ctx, address, payments)
}

func TestBroadcastWorkersSlowAddressDoesNotDelayOthers(t *testing.T) {
	store := &gatedStore{
		fakeAddressStore: &fakeAddressStore{
			data: map[string]*storage.AddressData{
				"slow": recordData(nil),
				"fast": recordData(nil),
			},
		},
		slow: "slow",
		gate: make(chan struct{}),
	}
	b := NewBroadcaster(
		NewRegistry("live", 0),
		NewRegistry("workers", 0),
		NewWorkerResolver(store, &fakeUserCharts{}, 10),
		0,
	)

	slow, _ := b.Workers().Register("slow")
	fast, _ := b.Workers().Register("fast")

	done := make(chan struct{})
	go func() {
		b.Broadcast(context.Background(), testState())
		close(done)
	}()

	select {
	case <-fast.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("fast address waited behind the slow one")
	}
	select {
	case <-slow.Done():
		t.Fatal("slow address delivered before its lookup finished")
	default:
	}

	close(store.gate)
	<-done
	mustWait(t, slow)
}

func TestBroadcastWorkersBounded(t *testing.T) {
	store := &fakeAddressStore{}
	b := NewBroadcaster(
		NewRegistry("live", 0),
		NewRegistry("workers", 0),
		NewWorkerResolver(store, &fakeUserCharts{}, 10),
		1,
	)

	var subs []*Subscription
	for _, addr := range []string{"addrA", "addrB", "addrC"} {
		s, _ := b.Workers().Register(addr)
		subs = append(subs, s)
	}

	b.Broadcast(context.Background(), testState())

	for _, s := range subs {
		if got := mustWait(t, s); !bytes.Equal(got, NotFoundJSON) {
			t.Errorf("payload for %s = %s, want not found", s.Address, got)
		}
	}
	if store.lookups != 3 {
		t.Errorf("lookups = %d, want 3", store.lookups)
	}
}

func TestBroadcastWorkersIsolatesFailures(t *testing.T) {
	store := &fakeAddressStore{
		data: map[string]*storage.AddressData{
			"addrB": recordData(map[string]string{"balance": "1"}),
		},
		errs: map[string]error{"addrA": errors.New("boom")},
	}
	b := newTestBroadcaster(store, &fakeUserCharts{})

	a, _ := b.Workers().Register("addrA")
	missing, _ := b.Workers().Register("nobody")
	ok, _ := b.Workers().Register("addrB")

	b.Broadcast(context.Background(), testState())

	if got := mustWait(t, a); !bytes.Equal(got, NotFoundJSON) {
		t.Errorf("failed address payload = %s, want not found", got)
	}
	if got := mustWait(t, missing); !bytes.Equal(got, NotFoundJSON) {
		t.Errorf("unknown address payload = %s, want not found", got)
	}
	if got := mustWait(t, ok); bytes.Equal(got, NotFoundJSON) {
		t.Error("healthy address got the not found payload")
	}
}

func TestBroadcastWorkersChartFailure(t *testing.T) {
	store := &fakeAddressStore{
		data: map[string]*storage.AddressData{"addrA": recordData(map[string]string{"balance": "1"})},
	}
	b := newTestBroadcaster(store, &fakeUserCharts{err: errors.New("boom")})

	s, _ := b.Workers().Register("addrA")
	b.Broadcast(context.Background(), testState())

	if got := mustWait(t, s); !bytes.Equal(got, NotFoundJSON) {
		t.Errorf("payload = %s, want not found", got)
	}
}

func TestBroadcastSkipsBusyFeed(t *testing.T) {
	b := newTestBroadcaster(&fakeAddressStore{}, &fakeUserCharts{})

	s, _ := b.Live().Register("addrA")

	b.liveMu.Lock()
	b.Broadcast(context.Background(), testState())
	b.liveMu.Unlock()

	select {
	case <-s.Done():
		t.Fatal("busy feed should skip the update")
	default:
	}
	if b.Live().Len() != 1 {
		t.Errorf("Len() = %d, want subscription kept for the next update", b.Live().Len())
	}

	b.Broadcast(context.Background(), testState())
	mustWait(t, s)
}

func TestBroadcastSkipsClosed(t *testing.T) {
	b := newTestBroadcaster(&fakeAddressStore{}, &fakeUserCharts{})

	gone, _ := b.Live().Register("addrA")
	stay, _ := b.Live().Register("addrA")
	gone.Close()

	b.Broadcast(context.Background(), testState())

	if _, err := gone.Wait(context.Background()); !errors.Is(err, ErrSinkClosed) {
		t.Errorf("closed Wait() error = %v, want ErrSinkClosed", err)
	}
	mustWait(t, stay)
}

func TestShutdown(t *testing.T) {
	b := newTestBroadcaster(&fakeAddressStore{}, &fakeUserCharts{})
	l, _ := b.Live().Register("a")
	w, _ := b.Workers().Register("b")

	b.Shutdown()

	if b.Live().Len()+b.Workers().Len() != 0 {
		t.Error("registries should be empty after Shutdown()")
	}
	for _, s := range []*Subscription{l, w} {
		if _, err := s.Wait(context.Background()); !errors.Is(err, ErrSinkClosed) {
			t.Errorf("Wait() error = %v, want ErrSinkClosed", err)
		}
	}
}

func TestWorkerPayloadFromRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	defer mr.Close()

	r, err := storage.NewRedisClient(mr.Addr(), "", 0, "tos")
	if err != nil {
		t.Fatalf("NewRedisClient() error = %v", err)
	}
	defer r.Close()

	mr.HSet("tos:workers:addrA", "balance", "100")
	mr.ZAdd("tos:payments:addrA", 1700000001, "tx1:500:10:3")
	mr.HSet("tos:unique_workers:addrA+rig1", "lastShare", "1700000000")
	mr.HSet("tos:unique_workers:addrA+rig1", "hashes", "42")
	mr.Set("tos:charts:hashrate:addrA", "[[1700000000,7]]")

	b := NewBroadcaster(NewRegistry("live", 0), NewRegistry("workers", 0),
		NewWorkerResolver(r, charts.NewProvider(r, nil), 10), 2)

	var p WorkerPayload
	if err := sonic.Unmarshal(b.WorkerPayload(context.Background(), "addrA", testState()), &p); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	if len(p.Payments) != 2 || p.Payments[0] != "tx1:500:10:3" {
		t.Errorf("Payments = %v", p.Payments)
	}
	if p.Charts == nil || len(p.Charts.Hashrate) != 1 || len(p.Charts.Payments) != 1 {
		t.Errorf("Charts = %+v", p.Charts)
	}
	if len(p.Workers) != 1 || p.Workers[0].Name != "rig1" || p.Workers[0].Hashes != 42 {
		t.Errorf("Workers = %+v", p.Workers)
	}

	if got := b.WorkerPayload(context.Background(), "nobody", testState()); !bytes.Equal(got, NotFoundJSON) {
		t.Errorf("WorkerPayload(nobody) = %s, want not found", got)
	}
}
