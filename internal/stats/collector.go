package stats

import (
	"context"
	"sync"
	"time"

	"github.com/tos-network/tos-pool-api/internal/util"
)

// SnapshotBuilder produces a State for one cycle
type SnapshotBuilder interface {
	Build(ctx context.Context) (*State, error)
}

// Publisher receives every freshly cached State
type Publisher interface {
	Broadcast(ctx context.Context, state *State)
}

// Tracer wraps a cycle; the returned func is called once with the outcome
type Tracer interface {
	StartCycle(ctx context.Context) (context.Context, func(state *State, err error))
}

// Observer is told the outcome of every cycle. Observe must not block.
type Observer interface {
	Observe(state *State, err error)
}

// Collector runs the aggregation loop
type Collector struct {
	builder   SnapshotBuilder
	cache     *Cache
	publisher Publisher
	tracer    Tracer
	observers []Observer
	interval  time.Duration

	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	broadcasts sync.WaitGroup
}

// NewCollector creates a collector. publisher may be nil.
func NewCollector(builder SnapshotBuilder, cache *Cache, publisher Publisher, interval time.Duration) *Collector {
	return &Collector{
		builder:   builder,
		cache:     cache,
		publisher: publisher,
		interval:  interval,
	}
}

// SetTracer installs an APM tracer for collection cycles
func (c *Collector) SetTracer(t Tracer) {
	c.tracer = t
}

// AddObserver registers o for cycle outcomes. Call before Start.
func (c *Collector) AddObserver(o Observer) {
	c.observers = append(c.observers, o)
}

// Start runs a cycle immediately and then one per interval. The timer is
// re-armed only after a cycle returns, so cycles never overlap.
func (c *Collector) Start(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)

	util.Infof("Starting stats collector (interval=%v)", c.interval)

	c.wg.Add(1)
	go c.loop()
}

// Stop ends the loop and waits for in-flight broadcasts
func (c *Collector) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.broadcasts.Wait()
	util.Infof("Stats collector stopped")
}

func (c *Collector) loop() {
	defer c.wg.Done()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-timer.C:
			c.RunOnce(c.ctx)
			timer.Reset(c.interval)
		}
	}
}

// RunOnce builds a State and, on success, caches it and hands it to the
// publisher without waiting for delivery. On failure the cache keeps the
// previous State.
func (c *Collector) RunOnce(ctx context.Context) error {
	// Broadcasts outlive the cycle, so they get the untraced context.
	publishCtx := ctx

	finish := func(*State, error) {}
	if c.tracer != nil {
		ctx, finish = c.tracer.StartCycle(ctx)
	}

	state, err := c.builder.Build(ctx)
	finish(state, err)
	for _, o := range c.observers {
		o.Observe(state, err)
	}
	if err != nil {
		util.Errorf("Error collecting stats: %v", err)
		return err
	}

	c.cache.Store(state)

	if c.publisher != nil {
		c.broadcasts.Add(1)
		go func() {
			defer c.broadcasts.Done()
			c.publisher.Broadcast(publishCtx, state)
		}()
	}
	return nil
}
