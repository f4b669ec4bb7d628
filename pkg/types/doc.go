/*
Package types defines the core data structures of the node convergence core:
the entities a convergence agent reasons about when discovering local reality
and planning state changes against a desired cluster configuration.

# Architecture

The types package is the foundation everything else builds on. It defines:

  - Datasets and their local Manifestations (at most one primary per dataset across the cluster)
  - Applications: declared containers with ports, links, volume, limits
  - Nodes (desired) and NodeStates (observed, with unknown-vs-empty tracking)
  - Deployment and DeploymentState: cluster-wide desired/observed snapshots
  - DatasetChanges: the five-way split produced by the dataset-change analyzer

# Unknown vs empty

NodeState fields use Optional[T] rather than a nil-means-unknown pointer or
slice. A discoverer that has not yet observed its applications must be able
to say so distinctly from "I observed zero applications" — the convergence
planner treats these very differently (the former degrades to a no-op, the
latter may legitimately trigger StartApplication for every desired app).

	ns := types.NodeState{
		Applications: types.Unknown[[]*types.Application](),
	}
	if apps, ok := ns.Applications.Get(); ok {
		// plan against apps
	} else {
		// degrade to no-op for this subsystem
	}

# Ownership invariant

At most one node's Manifestation for a given dataset_id may have Primary set
at any quiescent instant. The dataset-change analyzer (pkg/analyzer) and the
application deployer (pkg/deploy) are responsible for never producing a plan
that would violate this; they do not enforce it at the type level.

# See also

  - pkg/change for the action algebra these types are planned and run through
  - pkg/analyzer for the pure function that derives DatasetChanges
  - pkg/deploy for the deployers that discover NodeState and plan Deployment
*/
package types
