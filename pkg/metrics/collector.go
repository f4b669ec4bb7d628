package metrics

import (
	"time"

	"github.com/cuemby/flotilla/pkg/types"
)

// StateProvider supplies the most recently discovered NodeState for the
// local node. The convergence driver implements this trivially by handing
// back whatever it last passed to the analyzer.
type StateProvider interface {
	LastLocalState() *types.NodeState
}

// Collector periodically republishes gauges derived from the local node's
// last discovered state. It owns no discovery logic of its own — it only
// reads what the convergence driver already computed.
type Collector struct {
	provider StateProvider
	stopCh   chan struct{}
}

// NewCollector creates a new local-state metrics collector.
func NewCollector(provider StateProvider) *Collector {
	return &Collector{
		provider: provider,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics on a fixed interval.
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
	state := c.provider.LastLocalState()
	if state == nil {
		return
	}

	if apps, ok := state.Applications.Get(); ok {
		LocalApplicationsTotal.Set(float64(len(apps)))
	}
	if manifestations, ok := state.Manifestations.Get(); ok {
		LocalManifestationsTotal.Set(float64(len(manifestations)))
	}
	if usedPorts, ok := state.UsedPorts.Get(); ok {
		LocalUsedPortsTotal.Set(float64(len(usedPorts)))
	}
}
