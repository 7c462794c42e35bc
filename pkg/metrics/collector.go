package metrics

import (
	"context"
	"time"

	"github.com/cuemby/warren/pkg/types"
)

// PeerSource supplies the current known-peer set; pkg/discovery satisfies
// this directly.
type PeerSource interface {
	Peers() []*types.PeerRecord
}

// MetricStore is the subset of pkg/store.Store the collector reads. Each
// collection polls ListOpenPartitions only; GetMetric (sync_metrics
// counters) is part of the interface but the collector does not call it.
type MetricStore interface {
	GetMetric(ctx context.Context, name string) (int64, error)
	ListOpenPartitions(ctx context.Context) ([]*types.PartitionRecord, error)
}

// Collector periodically samples PeerSource and MetricStore into the
// Prometheus gauges declared in metrics.go.
type Collector struct {
	peers  PeerSource
	store  MetricStore
	stopCh chan struct{}
}

// NewCollector creates a Collector. Call Start to begin sampling.
func NewCollector(peers PeerSource, store MetricStore) *Collector {
	return &Collector{
		peers:  peers,
		store:  store,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics on a 15s interval.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectPeerMetrics()
	c.collectPartitionMetrics()
}

func (c *Collector) collectPeerMetrics() {
	if c.peers == nil {
		return
	}
	counts := make(map[types.Reachability]int)
	for _, p := range c.peers.Peers() {
		counts[p.Reachability]++
	}
	for _, r := range []types.Reachability{
		types.ReachabilityUnknown, types.ReachabilityReachable,
		types.ReachabilityUnreachable, types.ReachabilityPartitioned,
	} {
		PeersTotal.WithLabelValues(string(r)).Set(float64(counts[r]))
	}
}

func (c *Collector) collectPartitionMetrics() {
	if c.store == nil {
		return
	}
	ctx := context.Background()
	open, err := c.store.ListOpenPartitions(ctx)
	if err != nil {
		return
	}
	PartitionsOpen.Set(float64(len(open)))
}
