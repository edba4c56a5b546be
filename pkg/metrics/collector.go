package metrics

import (
	"sync"
	"time"
)

// ClientCounter reports bucket counts per endpoint limiter.
type ClientCounter interface {
	ClientCounts() map[string]int
}

// TraceCounter reports how many traces are retained.
type TraceCounter interface {
	TraceCount() int
}

// Collector periodically samples state that grows with traffic: rate-limit
// buckets are never evicted, so their count is worth watching.
type Collector struct {
	rec      *Recorder
	limiters ClientCounter
	traces   TraceCounter
	interval time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewCollector creates a collector. Either source may be nil.
func NewCollector(rec *Recorder, limiters ClientCounter, traces TraceCounter, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		rec:      rec,
		limiters: limiters,
		traces:   traces,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.Collect()

		for {
			select {
			case <-ticker.C:
				c.Collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Collect samples every source once.
func (c *Collector) Collect() {
	if c.limiters != nil {
		for endpoint, n := range c.limiters.ClientCounts() {
			c.rec.SetRateLimitClients(endpoint, n)
		}
	}
	if c.traces != nil {
		c.rec.SetRetainedTraces(c.traces.TraceCount())
	}
}
