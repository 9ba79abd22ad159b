package live

import (
	"context"
	"errors"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/remeh/sizedwaitgroup"
	"github.com/tos-network/tos-pool-api/internal/stats"
	"github.com/tos-network/tos-pool-api/internal/util"
)

// Broadcaster delivers each new State to the live and address feeds
type Broadcaster struct {
	live        *Registry
	workers     *Registry
	resolver    *WorkerResolver
	concurrency int
	nrApp       *newrelic.Application

	liveMu   sync.Mutex
	workerMu sync.Mutex
}

// NewBroadcaster creates a broadcaster. A positive concurrency bounds the
// number of address lookups in flight during one fan-out; otherwise every
// address resolves in its own goroutine.
func NewBroadcaster(live, workers *Registry, resolver *WorkerResolver, concurrency int) *Broadcaster {
	return &Broadcaster{
		live:        live,
		workers:     workers,
		resolver:    resolver,
		concurrency: concurrency,
	}
}

// SetNewRelicApp traces address fan-outs as their own transactions
func (b *Broadcaster) SetNewRelicApp(app *newrelic.Application) {
	b.nrApp = app
}

// Live returns the visitor registry
func (b *Broadcaster) Live() *Registry {
	return b.live
}

// Workers returns the address lookup registry
func (b *Broadcaster) Workers() *Registry {
	return b.workers
}

// Broadcast fans state out to both feeds and returns when both are done.
// A feed whose previous fan-out is still running skips this state.
func (b *Broadcaster) Broadcast(ctx context.Context, state *stats.State) {
	util.Infof("Broadcasting to %d visitors and %d address lookups", b.live.Len(), b.workers.Len())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		b.broadcastLive(state)
	}()
	go func() {
		defer wg.Done()
		b.broadcastWorkers(ctx, state)
	}()
	wg.Wait()
}

func (b *Broadcaster) broadcastLive(state *stats.State) {
	if !b.liveMu.TryLock() {
		util.Warnf("Live broadcast still running, skipping update")
		return
	}
	defer b.liveMu.Unlock()

	for address, subs := range b.live.GroupByAddress() {
		payload, err := EncodeLive(state, address)
		if err != nil {
			util.Errorf("Failed to encode live stats for %s: %v", address, err)
			closeAll(subs)
			continue
		}
		deliver(subs, payload)
	}
}

func (b *Broadcaster) broadcastWorkers(ctx context.Context, state *stats.State) {
	if !b.workerMu.TryLock() {
		util.Warnf("Address broadcast still running, skipping update")
		return
	}
	defer b.workerMu.Unlock()

	groups := b.workers.GroupByAddress()
	if len(groups) == 0 {
		return
	}

	txn := b.nrApp.StartTransaction("AddressBroadcast")
	defer txn.End()

	run := func(address string, subs []*Subscription, gtxn *newrelic.Transaction) {
		actx := ctx
		if gtxn != nil {
			actx = newrelic.NewContext(ctx, gtxn)
		}
		deliver(subs, b.WorkerPayload(actx, address, state))
	}

	if b.concurrency <= 0 {
		var wg sync.WaitGroup
		for address, subs := range groups {
			wg.Add(1)
			go func(address string, subs []*Subscription, gtxn *newrelic.Transaction) {
				defer wg.Done()
				run(address, subs, gtxn)
			}(address, subs, txn.NewGoroutine())
		}
		wg.Wait()
		return
	}

	swg := sizedwaitgroup.New(b.concurrency)
	for address, subs := range groups {
		swg.Add()
		go func(address string, subs []*Subscription, gtxn *newrelic.Transaction) {
			defer swg.Done()
			run(address, subs, gtxn)
		}(address, subs, txn.NewGoroutine())
	}
	swg.Wait()
}

// WorkerPayload resolves and encodes the address payload. Any failure
// yields the "Not found" payload.
func (b *Broadcaster) WorkerPayload(ctx context.Context, address string, state *stats.State) []byte {
	p, err := b.resolver.Resolve(ctx, address, state)
	if err != nil {
		if !errors.Is(err, ErrAddressNotFound) {
			util.Warnf("Address lookup failed for %s: %v", address, err)
		}
		return NotFoundJSON
	}

	out, err := sonic.Marshal(p)
	if err != nil {
		util.Errorf("Failed to encode address stats for %s: %v", address, err)
		return NotFoundJSON
	}
	return out
}

// Shutdown closes every open subscription
func (b *Broadcaster) Shutdown() {
	b.live.CloseAll()
	b.workers.CloseAll()
}

func deliver(subs []*Subscription, payload []byte) {
	for _, s := range subs {
		if err := s.Deliver(payload); err != nil {
			util.Debugf("Dropped payload for %s#%d: %v", s.Address, s.ID, err)
		}
	}
}

func closeAll(subs []*Subscription) {
	for _, s := range subs {
		s.Close()
	}
}
