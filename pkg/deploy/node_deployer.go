package deploy

import (
	"context"
	"fmt"

	"github.com/cuemby/flotilla/pkg/analyzer"
	"github.com/cuemby/flotilla/pkg/change"
	"github.com/cuemby/flotilla/pkg/metrics"
	"github.com/cuemby/flotilla/pkg/types"
)

// NodeDeployer is the produced per-node IDeployer: it composes a
// ManifestationDeployer and an ApplicationDeployer, discovering local
// reality through both and planning changes against a full cluster
// snapshot. It deliberately does not inherit from either deployer — both
// are held by composition, per the design note against reproducing an
// "old-to-new deployer" adapter.
type NodeDeployer struct {
	hostname       string
	manifestations *ManifestationDeployer
	applications   *ApplicationDeployer
	volumeTargets  VolumeTargetPreparer
}

// VolumeTargetPreparer is implemented by pkg/remotevolume.Manager. It is
// the only place that pairs a migrating dataset_id with the hostname it is
// migrating to or from, which a RemoteVolumeManager call (Snapshots,
// Receive, Acquire) otherwise has no way to learn — those calls take only
// a dataset_id, since they implement an interface shared by every
// primitive regardless of which peer it targets.
type VolumeTargetPreparer interface {
	Prepare(changes *types.DatasetChanges)
}

// NewNodeDeployer wires a ManifestationDeployer and ApplicationDeployer for
// hostname against pool, runtime, and network. nodeID is this node's stable
// identity (see pkg/identity), used to recognize locally owned filesystems.
// volumeTargets may be nil if the node never participates in dataset
// migration (e.g. a single-node deployment).
func NewNodeDeployer(hostname, nodeID string, pool change.StoragePool, runtime change.Runtime, network change.Network, volumeTargets VolumeTargetPreparer) *NodeDeployer {
	return &NodeDeployer{
		hostname:       hostname,
		manifestations: &ManifestationDeployer{Hostname: hostname, NodeID: nodeID, Pool: pool},
		applications:   &ApplicationDeployer{Hostname: hostname, Runtime: runtime, Network: network},
		volumeTargets:  volumeTargets,
	}
}

// Hostname returns the local node's hostname.
func (n *NodeDeployer) Hostname() string { return n.hostname }

// DiscoverState runs manifestation discovery, then application discovery
// (which needs manifestations to resolve mounted volumes back to
// datasets), and assembles one NodeState. prior is accepted for interface
// symmetry with the source material's discover_state(prior_local_state)
// signature; this implementation's discovery is stateless and does not
// consult it.
func (n *NodeDeployer) DiscoverState(ctx context.Context, prior types.NodeState) (types.NodeState, error) {
	manifestTimer := metrics.NewTimer()
	manifestations, paths, err := n.manifestations.DiscoverState(ctx)
	manifestTimer.ObserveDurationVec(metrics.DiscoveryDuration, "manifestation")
	if err != nil {
		return types.NodeState{Hostname: n.hostname}, fmt.Errorf("discover state: %w", err)
	}

	appTimer := metrics.NewTimer()
	apps, usedPorts, proxies, err := n.applications.DiscoverState(ctx, manifestations, paths)
	appTimer.ObserveDurationVec(metrics.DiscoveryDuration, "application")
	if err != nil {
		// Manifestations are known but applications are not: container
		// lifecycle planning degrades to no-op this tick (unknown
		// contagion), while dataset planning can still proceed from what
		// was discovered above.
		return types.NodeState{
			Hostname:       n.hostname,
			Manifestations: types.Known(manifestations),
			Paths:          types.Known(paths),
		}, fmt.Errorf("discover state: %w", err)
	}

	return types.NodeState{
		Hostname:       n.hostname,
		Manifestations: types.Known(manifestations),
		Paths:          types.Known(paths),
		Applications:   types.Known(apps),
		UsedPorts:      types.Known(usedPorts),
		Proxies:        types.Known(proxies),
	}, nil
}

// CalculateChanges computes the dataset-change sets for this node and
// hands them, along with the already-discovered local state, to the
// application deployer's phase planner. If local_state.manifestations is
// unknown, planning degrades to a no-op for container lifecycle changes,
// matching the unknown-contagion invariant: the analyzer cannot be trusted
// to report dataset ownership it never observed.
func (n *NodeDeployer) CalculateChanges(local types.NodeState, desired *types.Deployment, cluster *types.DeploymentState) change.Change {
	if _, known := local.Manifestations.Get(); !known {
		return change.Empty
	}

	analyzerTimer := metrics.NewTimer()
	datasetChanges := analyzer.FindDatasetChanges(n.hostname, cluster, desired)
	analyzerTimer.ObserveDuration(metrics.AnalyzerDuration)
	ObserveDatasetChanges(datasetChanges)

	if n.volumeTargets != nil {
		n.volumeTargets.Prepare(datasetChanges)
	}

	if _, known := local.Applications.Get(); !known {
		// Dataset changes still apply; container start/stop/restart cannot
		// be planned without knowing what is currently running.
		return datasetOnlyPlan(datasetChanges)
	}

	return n.applications.CalculateChanges(&local, desired, cluster, datasetChanges)
}

// datasetOnlyPlan emits the dataset-lifecycle phases only (proxy/firewall
// reconfiguration and container start/stop/restart are skipped, since they
// depend on knowing the current application set).
func datasetOnlyPlan(c *types.DatasetChanges) change.Change {
	var phases []change.Change

	if len(c.Going) > 0 {
		var pushes []change.Change
		for _, g := range c.Going {
			pushes = append(pushes, change.PushDataset{DatasetID: g.Dataset.ID, Hostname: g.Hostname})
		}
		phases = append(phases, change.Parallel{Changes: pushes})
	}
	if len(c.Resizing) > 0 {
		var resizes []change.Change
		for _, d := range c.Resizing {
			resizes = append(resizes, change.ResizeDataset{Dataset: d})
		}
		phases = append(phases, change.Parallel{Changes: resizes})
	}
	if len(c.Going) > 0 {
		var handoffs []change.Change
		for _, g := range c.Going {
			handoffs = append(handoffs, change.HandoffDataset{DatasetID: g.Dataset.ID, Hostname: g.Hostname})
		}
		phases = append(phases, change.Parallel{Changes: handoffs})
	}
	if len(c.Coming) > 0 {
		var waits []change.Change
		for _, cm := range c.Coming {
			waits = append(waits, change.WaitForDataset{DatasetID: cm.Dataset.ID})
		}
		phases = append(phases, change.Parallel{Changes: waits})
	}
	if len(c.Creating) > 0 {
		var creates []change.Change
		for _, d := range c.Creating {
			creates = append(creates, change.CreateDataset{Dataset: d})
		}
		phases = append(phases, change.Parallel{Changes: creates})
	}
	if len(c.Deleting) > 0 {
		var deletes []change.Change
		for _, d := range c.Deleting {
			deletes = append(deletes, change.DeleteDataset{DatasetID: d.ID})
		}
		phases = append(phases, change.Parallel{Changes: deletes})
	}

	return change.Sequential{Changes: phases}
}
