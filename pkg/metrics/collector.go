package metrics

import (
	"context"
	"time"

	"github.com/pvliesdonk/mcp-devbench/pkg/storage"
	"github.com/pvliesdonk/mcp-devbench/pkg/types"
)

// Collector periodically samples the state store and publishes container
// and execution counts as gauges.
type Collector struct {
	store  storage.Store
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector.
func NewCollector(store storage.Store) *Collector {
	return &Collector{
		store:  store,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics every 15 seconds.
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
	c.collectContainerMetrics()
	c.collectExecMetrics()
}

func (c *Collector) collectContainerMetrics() {
	ctx := context.Background()
	containers, err := c.store.ListContainers(ctx)
	if err != nil {
		return
	}

	counts := make(map[types.ContainerState]int)
	for _, c := range containers {
		counts[c.Status]++
	}
	for state, count := range counts {
		ContainersTotal.WithLabelValues(string(state)).Set(float64(count))
	}
}

func (c *Collector) collectExecMetrics() {
	ctx := context.Background()
	execs, err := c.store.ListExecs(ctx, "")
	if err != nil {
		return
	}

	counts := make(map[types.ExecStatus]int)
	for _, e := range execs {
		counts[e.Status]++
	}
	for status, count := range counts {
		ExecsTotal.WithLabelValues(string(status)).Set(float64(count))
	}
}
