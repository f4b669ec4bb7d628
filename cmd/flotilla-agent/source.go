package main

import (
	"context"

	"github.com/cuemby/flotilla/pkg/types"
)

// fileClusterStateSource implements driver.ClusterStateSource by rereading
// the desired-deployment YAML file on every tick, so an operator editing it
// in place takes effect on the next convergence pass without a restart.
//
// Observed always reports an empty snapshot: this reference implementation
// keeps no gossip transport between nodes (see DESIGN.md), so the only
// observed state a tick has access to is this node's own freshly
// discovered NodeState, which Driver.tick folds in via mergeLocalState
// before planning. That is sufficient to converge a single node's own
// datasets and applications; correctly planning a handoff whose peer is a
// different physical node requires a real distributed Observed
// implementation instead of this one.
type fileClusterStateSource struct {
	path string
}

func newFileClusterStateSource(path string) *fileClusterStateSource {
	return &fileClusterStateSource{path: path}
}

func (s *fileClusterStateSource) Desired(ctx context.Context) (*types.Deployment, error) {
	return loadDeployment(s.path)
}

func (s *fileClusterStateSource) Observed(ctx context.Context) (*types.DeploymentState, error) {
	return &types.DeploymentState{}, nil
}
