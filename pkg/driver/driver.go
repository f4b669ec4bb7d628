// Package driver implements the convergence driver: the glue that ties one
// node's IDeployer to a ticker, running discover → calculate → execute once
// per tick and never synchronizing with any other node. Its loop shape is
// grounded on the reconciler's ticker/select pattern; what it reconciles is
// entirely different — one node's containers and dataset manifestations
// against a deployer-supplied cluster snapshot, rather than cluster-wide
// node heartbeats.
package driver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/flotilla/pkg/change"
	"github.com/cuemby/flotilla/pkg/history"
	"github.com/cuemby/flotilla/pkg/log"
	"github.com/cuemby/flotilla/pkg/metrics"
	"github.com/cuemby/flotilla/pkg/types"
)

// Recorder persists one tick's outcome for later operator inspection. See
// pkg/history.Store for the BoltDB-backed implementation.
type Recorder interface {
	Append(r history.Record) error
}

// ClusterStateSource supplies the full desired configuration and the
// cluster's observed state for every tick. Its implementation (a
// standalone YAML file reader, a control-plane client, a test double) is
// out of this package's scope — the driver only consumes the interface.
type ClusterStateSource interface {
	Desired(ctx context.Context) (*types.Deployment, error)
	Observed(ctx context.Context) (*types.DeploymentState, error)
}

// IDeployer is the produced per-node interface this driver consumes. See
// pkg/deploy.NodeDeployer for the concrete implementation.
type IDeployer interface {
	Hostname() string
	DiscoverState(ctx context.Context, prior types.NodeState) (types.NodeState, error)
	CalculateChanges(local types.NodeState, desired *types.Deployment, cluster *types.DeploymentState) change.Change
}

// Driver runs one node's convergence tick on a fixed interval.
type Driver struct {
	deployer IDeployer
	source   ClusterStateSource
	context  change.Context
	interval time.Duration

	logger   zerolog.Logger
	mu       sync.RWMutex
	stopCh   chan struct{}
	recorder Recorder

	lastLocalState types.NodeState
}

// New creates a Driver for deployer, pulling cluster state from source and
// executing actions against deployerContext, ticking every interval.
func New(deployer IDeployer, source ClusterStateSource, deployerContext change.Context, interval time.Duration) *Driver {
	return &Driver{
		deployer: deployer,
		source:   source,
		context:  deployerContext,
		interval: interval,
		logger:   log.WithComponent("driver"),
		stopCh:   make(chan struct{}),
	}
}

// SetRecorder attaches a Recorder that Driver.tick appends one Record to on
// every tick. Optional: a nil recorder (the default) simply skips recording.
func (d *Driver) SetRecorder(r Recorder) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.recorder = r
}

// Start begins the convergence loop in a new goroutine.
func (d *Driver) Start() {
	go d.run()
}

// Stop halts the convergence loop.
func (d *Driver) Stop() {
	close(d.stopCh)
}

// LastLocalState implements metrics.StateProvider, publishing whatever
// NodeState was last discovered.
func (d *Driver) LastLocalState() *types.NodeState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	state := d.lastLocalState
	return &state
}

func (d *Driver) run() {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.logger.Info().Str("hostname", d.deployer.Hostname()).Msg("convergence driver started")

	for {
		select {
		case <-ticker.C:
			if err := d.tick(context.Background()); err != nil {
				d.logger.Error().Err(err).Msg("convergence tick failed")
			}
		case <-d.stopCh:
			d.logger.Info().Msg("convergence driver stopped")
			return
		}
	}
}

// tick runs one discover → merge → calculate → execute cycle. A discovery
// failure is logged and recorded, and planning proceeds with whatever state
// discovery returned; a failure loading desired/observed state or running
// the plan is logged and returned. The next tick recomputes from fresh
// reality rather than retrying the same stale plan (see the propagation
// policy in SPEC_FULL.md §7).
func (d *Driver) tick(ctx context.Context) error {
	timer := metrics.NewTimer()
	started := time.Now()
	outcome := "converged"
	var errMsg string
	var planSteps []string
	defer func() {
		timer.ObserveDuration(metrics.ConvergenceTickDuration)
		metrics.ConvergenceTicksTotal.WithLabelValues(outcome).Inc()
		d.recordTick(history.Record{
			Hostname:   d.deployer.Hostname(),
			StartedAt:  started,
			Duration:   time.Since(started),
			Outcome:    outcome,
			PlanSteps:  planSteps,
			ErrMessage: errMsg,
		})
	}()

	d.mu.RLock()
	prior := d.lastLocalState
	d.mu.RUnlock()

	local, err := d.deployer.DiscoverState(ctx, prior)
	if err != nil {
		outcome = "failed"
		errMsg = err.Error()
		d.logger.Warn().Err(err).Msg("discovery failed, applying whatever state was returned")
	}

	d.mu.Lock()
	d.lastLocalState = local
	d.mu.Unlock()

	desired, err := d.source.Desired(ctx)
	if err != nil {
		outcome = "failed"
		errMsg = err.Error()
		return fmt.Errorf("convergence tick: load desired state: %w", err)
	}
	cluster, err := d.source.Observed(ctx)
	if err != nil {
		outcome = "failed"
		errMsg = err.Error()
		return fmt.Errorf("convergence tick: load observed state: %w", err)
	}
	cluster = mergeLocalState(cluster, local)

	plan := d.deployer.CalculateChanges(local, desired, cluster)
	planSteps = describeSteps(plan)

	if err := plan.Run(ctx, d.context); err != nil {
		outcome = "failed"
		errMsg = err.Error()
		d.logger.Error().
			Err(err).
			Str("action", plan.Describe().Name).
			Msg("convergence plan execution failed")
		return fmt.Errorf("convergence tick: run plan: %w", err)
	}
	return nil
}

// recordTick appends r to the attached Recorder, if any. A recording
// failure is logged but never fails the tick itself.
func (d *Driver) recordTick(r history.Record) {
	d.mu.RLock()
	recorder := d.recorder
	d.mu.RUnlock()
	if recorder == nil {
		return
	}
	if err := recorder.Append(r); err != nil {
		d.logger.Warn().Err(err).Msg("failed to persist tick history")
	}
}

// describeSteps flattens a plan's action tree into its leaf step names, in
// execution order, for storage alongside the tick's outcome.
func describeSteps(c change.Change) []string {
	switch v := c.(type) {
	case change.Sequential:
		var steps []string
		for _, child := range v.Changes {
			steps = append(steps, describeSteps(child)...)
		}
		return steps
	case change.Parallel:
		var steps []string
		for _, child := range v.Changes {
			steps = append(steps, describeSteps(child)...)
		}
		return steps
	default:
		return []string{c.Describe().Name}
	}
}

// mergeLocalState replaces this node's entry in cluster (if present) with
// the freshly discovered local state, so the dataset analyzer and phase
// planner see up-to-date local reality alongside whatever was last
// reported for peers.
func mergeLocalState(cluster *types.DeploymentState, local types.NodeState) *types.DeploymentState {
	merged := &types.DeploymentState{Nodes: make([]*types.NodeState, 0, len(cluster.Nodes)+1)}
	replaced := false
	for _, n := range cluster.Nodes {
		if n.Hostname == local.Hostname {
			merged.Nodes = append(merged.Nodes, &local)
			replaced = true
			continue
		}
		merged.Nodes = append(merged.Nodes, n)
	}
	if !replaced {
		merged.Nodes = append(merged.Nodes, &local)
	}
	return merged
}
