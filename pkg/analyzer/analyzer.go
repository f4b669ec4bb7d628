// Package analyzer implements the dataset-change analyzer: a pure function
// comparing current (observed) and desired cluster state to produce five
// disjoint dataset-change sets. It has no side effects and depends on
// nothing but pkg/types; this is deliberate — the planner in pkg/deploy
// consumes its output but the analyzer itself never touches the network,
// the filesystem, or the clock.
package analyzer

import "github.com/cuemby/flotilla/pkg/types"

// datasetsByHostname maps each hostname to the set of datasets whose
// primary manifestation that hostname holds, keyed by dataset id for O(1)
// membership tests.
func datasetsByHostname(nodes []datasetOwner) map[string]map[string]*types.Dataset {
	out := make(map[string]map[string]*types.Dataset)
	for _, n := range nodes {
		hostname, manifestations := n.owner()
		if manifestations == nil {
			continue
		}
		byID := make(map[string]*types.Dataset)
		for id, m := range manifestations {
			if m.Primary {
				byID[id] = m.Dataset
			}
		}
		out[hostname] = byID
	}
	return out
}

// datasetOwner abstracts over types.Node (desired) and the known subset of
// types.NodeState (observed) so the two call sites below share one
// collection helper instead of duplicating the manifestation walk.
type datasetOwner interface {
	owner() (hostname string, manifestations map[string]*types.Manifestation)
}

type desiredOwner struct{ node *types.Node }

func (d desiredOwner) owner() (string, map[string]*types.Manifestation) {
	return d.node.Hostname, d.node.Manifestations
}

type observedOwner struct{ state *types.NodeState }

func (o observedOwner) owner() (string, map[string]*types.Manifestation) {
	manifestations, known := o.state.Manifestations.Get()
	if !known {
		return o.state.Hostname, nil
	}
	return o.state.Hostname, manifestations
}

// FindDatasetChanges compares current (observed) and desired cluster state
// from the perspective of localHostname, producing the five disjoint
// dataset-change sets the convergence planner schedules phases from.
func FindDatasetChanges(localHostname string, current *types.DeploymentState, desired *types.Deployment) *types.DatasetChanges {
	var desiredOwners, currentOwners []datasetOwner
	for _, n := range desired.Nodes {
		desiredOwners = append(desiredOwners, desiredOwner{n})
	}
	for _, s := range current.Nodes {
		currentOwners = append(currentOwners, observedOwner{s})
	}

	desiredByHost := datasetsByHostname(desiredOwners)
	currentByHost := datasetsByHostname(currentOwners)

	localDesired := desiredByHost[localHostname]
	localCurrent := currentByHost[localHostname]

	remoteCurrentIDs := make(map[string]bool)
	remoteOwnerOf := make(map[string]string)
	for hostname, datasets := range currentByHost {
		if hostname == localHostname {
			continue
		}
		for id := range datasets {
			remoteCurrentIDs[id] = true
			if _, ok := remoteOwnerOf[id]; !ok {
				remoteOwnerOf[id] = hostname
			}
		}
	}

	changes := &types.DatasetChanges{}

	// creating: desired locally, absent from both local and remote current.
	for id, d := range localDesired {
		if _, inLocalCurrent := localCurrent[id]; inLocalCurrent {
			continue
		}
		if remoteCurrentIDs[id] {
			continue
		}
		changes.Creating = append(changes.Creating, d)
	}

	// coming: desired locally, currently owned by a remote peer.
	for id, d := range localDesired {
		if remoteCurrentIDs[id] {
			changes.Coming = append(changes.Coming, types.DatasetHandoff{Dataset: d, Hostname: remoteOwnerOf[id]})
		}
	}

	// going: currently owned locally, desired on a remote peer.
	for hostname, datasets := range desiredByHost {
		if hostname == localHostname {
			continue
		}
		for id, d := range datasets {
			if _, ownedLocally := localCurrent[id]; ownedLocally {
				changes.Going = append(changes.Going, types.DatasetHandoff{Dataset: d, Hostname: hostname})
			}
		}
	}

	// resizing: datasets locally present whose desired maximum_size differs
	// from the current one, regardless of who desires them. The *desired*
	// dataset object is emitted, since that carries the new size; it
	// happens on the current owner, before any handoff.
	for _, datasets := range desiredByHost {
		for id, desiredDataset := range datasets {
			currentDataset, ok := localCurrent[id]
			if !ok {
				continue
			}
			if !currentDataset.SameMaximumSize(desiredDataset) {
				changes.Resizing = append(changes.Resizing, desiredDataset)
			}
		}
	}

	// deleting: every dataset marked deleted anywhere in desired state.
	seenDeleting := make(map[string]bool)
	for _, datasets := range desiredByHost {
		for id, d := range datasets {
			if d.Deleted && !seenDeleting[id] {
				seenDeleting[id] = true
				changes.Deleting = append(changes.Deleting, d)
			}
		}
	}

	return changes
}
