/*
Package driver ties one node's IDeployer to a fixed-interval ticker,
running discover → merge → calculate → execute exactly once per tick with
no synchronization across nodes.

# Tick anatomy

	1. DiscoverState(prior)      — local reality (datasets, containers)
	2. mergeLocalState           — replace this node's entry in the
	                                observed cluster snapshot with what was
	                                just discovered
	3. CalculateChanges           — pure planning against desired + merged
	                                observed state
	4. plan.Run                   — execute the action tree

A failure at discovery still lets planning proceed with whatever partial
state was returned (see the unknown-contagion handling in pkg/deploy); a
failure loading desired/observed state or running the plan aborts the tick
entirely and is logged — the next tick recomputes from scratch rather than
retrying a stale plan.
*/
package driver
