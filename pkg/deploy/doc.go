/*
Package deploy implements the two per-node deployers that discover local
reality and plan convergence: the ManifestationDeployer (local dataset
state) and the ApplicationDeployer (local container state plus the full
phase plan), composed by NodeDeployer into the produced IDeployer.

# Architecture

	┌────────────────────── NodeDeployer ───────────────────────┐
	│                                                             │
	│  DiscoverState(ctx, prior) ──▶ types.NodeState              │
	│    1. ManifestationDeployer.DiscoverState                   │
	│         enumerate storage pool ─▶ manifestations, paths     │
	│    2. ApplicationDeployer.DiscoverState                     │
	│         list runtime units ─▶ applications, used ports      │
	│         (decodes link env vars via pkg/linkenv)              │
	│                                                             │
	│  CalculateChanges(local, desired, cluster) ──▶ change.Change │
	│    1. pkg/analyzer.FindDatasetChanges(hostname, ...)         │
	│    2. ApplicationDeployer.CalculateChanges assembles the     │
	│       11-phase sequential/parallel tree:                    │
	│         proxies → firewall → pre-push → resize-in-place →   │
	│         stop → handoff → wait → resize-incoming → create →  │
	│         delete → start/restart                              │
	└─────────────────────────────────────────────────────────────┘

# Unknown contagion

If local state's manifestations are unknown (ManifestationDeployer
discovery failed), CalculateChanges returns change.Empty: a planner cannot
reason about dataset ownership it never observed. If applications are
unknown but manifestations are known, dataset-lifecycle phases still run
(datasetOnlyPlan) but container start/stop/restart is skipped for that
tick — the next tick's discovery will recompute from fresh reality.

# Restart detection

An application already running locally is restarted (Stop then Start, in
sequence) when its discovered spec differs from the desired spec by
structural equality, after clearing the manifestation's dataset metadata —
current state never carries it, so comparing it directly would force a
restart every tick. Environment comparison sorts by key first so iteration
order never destabilizes the comparison.

# See also

pkg/analyzer for the pure dataset-change function, pkg/change for the
action algebra this package assembles, pkg/driver for the ticker loop that
calls DiscoverState and CalculateChanges once per tick.
*/
package deploy
