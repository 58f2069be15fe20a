package stats

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apivpn/apivpn-core/internal/model"
)

// DefaultInterval is the default sampling period.
const DefaultInterval = time.Second

// Collector samples Counters periodically and publishes immutable snapshots.
type Collector struct {
	counters *Counters
	interval time.Duration
	now      func() time.Time

	latest atomic.Pointer[model.GlobalStatistics]

	mu       sync.Mutex
	last     Totals
	lastTime time.Time
	onStats  func(model.GlobalStatistics)
	stopChan chan struct{}
	done     chan struct{}
	running  bool
}

// NewCollector creates a collector over counters.
// If interval is 0, DefaultInterval is used.
func NewCollector(counters *Counters, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = DefaultInterval
	}
	c := &Collector{
		counters: counters,
		interval: interval,
		now:      time.Now,
	}
	c.latest.Store(&model.GlobalStatistics{})
	return c
}

// OnStats registers a callback invoked after every sample, from the sampling goroutine.
func (c *Collector) OnStats(callback func(model.GlobalStatistics)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStats = callback
}

// Start begins sampling. Calling Start on a running collector is a no-op.
func (c *Collector) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return
	}

	c.last = c.counters.Load()
	c.lastTime = c.now()
	c.stopChan = make(chan struct{})
	c.done = make(chan struct{})
	c.running = true

	go c.sampleLoop(c.stopChan, c.done)

	slog.Debug("Stats collector started", "interval", c.interval)
}

// Stop halts sampling and publishes a final snapshot with zero rates.
func (c *Collector) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stopChan)
	done := c.done
	c.mu.Unlock()

	<-done

	totals := c.counters.Load()
	c.latest.Store(ptr(totals.Statistics(Totals{})))
	slog.Debug("Stats collector stopped")
}

// IsRunning returns true if the collector is actively sampling.
func (c *Collector) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Snapshot returns the most recently published statistics. It never blocks
// on the sampler.
func (c *Collector) Snapshot() model.GlobalStatistics {
	return *c.latest.Load()
}

// Reset zeroes the counters and the published snapshot.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.counters.Reset()
	c.last = Totals{}
	c.lastTime = c.now()
	c.latest.Store(&model.GlobalStatistics{})
}

func (c *Collector) sampleLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.sample()
		}
	}
}

// sample computes rates since the previous sample and publishes a snapshot.
func (c *Collector) sample() {
	c.mu.Lock()
	now := c.now()
	current := c.counters.Load()
	elapsed := now.Sub(c.lastTime).Seconds()

	var rate Totals
	if elapsed > 0 {
		rate = Totals{
			ProxyRecvd:    perSecond(current.ProxyRecvd, c.last.ProxyRecvd, elapsed),
			ProxySent:     perSecond(current.ProxySent, c.last.ProxySent, elapsed),
			NonProxyRecvd: perSecond(current.NonProxyRecvd, c.last.NonProxyRecvd, elapsed),
			NonProxySent:  perSecond(current.NonProxySent, c.last.NonProxySent, elapsed),
		}
	}

	c.last = current
	c.lastTime = now
	snapshot := current.Statistics(rate)
	c.latest.Store(&snapshot)
	callback := c.onStats
	c.mu.Unlock()

	if callback != nil {
		callback(snapshot)
	}
}

func perSecond(current, previous uint64, elapsed float64) uint64 {
	if current < previous {
		return 0
	}
	return uint64(float64(current-previous) / elapsed)
}

func ptr[T any](v T) *T {
	return &v
}
