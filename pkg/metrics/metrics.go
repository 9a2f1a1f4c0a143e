package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Counter names one of the tracked request outcomes.
type Counter string

const (
	CacheHits       Counter = "cacheHits"
	CacheMisses     Counter = "cacheMisses"
	NetworkRequests Counter = "networkRequests"
	TotalRequests   Counter = "totalRequests"
)

var outcomes = []Counter{CacheHits, CacheMisses, NetworkRequests}

// Snapshot is a consistent copy of all counters.
type Snapshot struct {
	CacheHits       int64 `json:"cacheHits"`
	CacheMisses     int64 `json:"cacheMisses"`
	NetworkRequests int64 `json:"networkRequests"`
	TotalRequests   int64 `json:"totalRequests"`
}

// Collector counts request outcomes for the lifetime of the process.
// Counters only ever grow. All methods are safe for concurrent use.
type Collector struct {
	mutex    sync.Mutex
	counters Snapshot
	events   *prometheus.CounterVec
}

// NewCollector creates a collector. When reg is not nil the counters are mirrored into
// advanced_cache_events_total{counter="..."} on that registerer.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "advanced_cache",
			Name:      "events_total",
			Help:      "Total number of handled requests by outcome",
		}, []string{"counter"}),
	}
	if reg != nil {
		if err := reg.Register(c.events); err != nil {
			return nil, err
		}
	}
	// expose zero values before the first request
	for _, counter := range append(outcomes, TotalRequests) {
		c.events.WithLabelValues(string(counter))
	}
	return c, nil
}

// Increment adds one to a single counter.
func (c *Collector) Increment(counter Counter) {
	c.mutex.Lock()
	c.add(counter)
	c.mutex.Unlock()
}

// Record counts one handled request with the given outcome.
// The outcome and the total are updated together so that snapshots always add up.
func (c *Collector) Record(outcome Counter) {
	c.mutex.Lock()
	c.add(TotalRequests)
	c.add(outcome)
	c.mutex.Unlock()
}

func (c *Collector) add(counter Counter) {
	switch counter {
	case CacheHits:
		c.counters.CacheHits++
	case CacheMisses:
		c.counters.CacheMisses++
	case NetworkRequests:
		c.counters.NetworkRequests++
	case TotalRequests:
		c.counters.TotalRequests++
	default:
		return
	}
	c.events.WithLabelValues(string(counter)).Inc()
}

func (c *Collector) Snapshot() Snapshot {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.counters
}

// Consistent reports whether the outcomes add up to the total.
func (s Snapshot) Consistent() bool {
	return s.CacheHits+s.CacheMisses+s.NetworkRequests == s.TotalRequests
}
