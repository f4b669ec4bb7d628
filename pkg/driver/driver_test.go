package driver

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/flotilla/pkg/change"
	"github.com/cuemby/flotilla/pkg/history"
	"github.com/cuemby/flotilla/pkg/types"
)

type fakeDeployer struct {
	hostname     string
	discoverErr  error
	discovered   types.NodeState
	calculateRan *atomic.Int32
	planErr      error
}

func (f *fakeDeployer) Hostname() string { return f.hostname }
func (f *fakeDeployer) DiscoverState(ctx context.Context, prior types.NodeState) (types.NodeState, error) {
	return f.discovered, f.discoverErr
}
func (f *fakeDeployer) CalculateChanges(local types.NodeState, desired *types.Deployment, cluster *types.DeploymentState) change.Change {
	f.calculateRan.Add(1)
	return fakeChange{err: f.planErr}
}

type fakeChange struct{ err error }

func (f fakeChange) Describe() change.Descriptor { return change.Descriptor{Name: "fake"} }
func (f fakeChange) Run(ctx context.Context, deployer change.Context) error {
	return f.err
}

type fakeSource struct {
	desired  *types.Deployment
	observed *types.DeploymentState
}

func (s *fakeSource) Desired(ctx context.Context) (*types.Deployment, error)       { return s.desired, nil }
func (s *fakeSource) Observed(ctx context.Context) (*types.DeploymentState, error) { return s.observed, nil }

func TestTickRunsCalculatedPlan(t *testing.T) {
	deployer := &fakeDeployer{
		hostname:     "a",
		discovered:   types.NodeState{Hostname: "a", Manifestations: types.Known(map[string]*types.Manifestation{})},
		calculateRan: &atomic.Int32{},
	}
	source := &fakeSource{desired: &types.Deployment{}, observed: &types.DeploymentState{}}

	d := New(deployer, source, change.Context{}, time.Hour)
	err := d.tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), deployer.calculateRan.Load())
	assert.Equal(t, "a", d.LastLocalState().Hostname)
}

func TestTickSurfacesPlanExecutionFailure(t *testing.T) {
	deployer := &fakeDeployer{
		hostname:     "a",
		calculateRan: &atomic.Int32{},
		planErr:      errors.New("boom"),
	}
	source := &fakeSource{desired: &types.Deployment{}, observed: &types.DeploymentState{}}

	d := New(deployer, source, change.Context{}, time.Hour)
	err := d.tick(context.Background())
	require.Error(t, err)
}

func TestTickContinuesPlanningOnDiscoveryFailure(t *testing.T) {
	deployer := &fakeDeployer{
		hostname:     "a",
		discoverErr:  errors.New("discovery unavailable"),
		calculateRan: &atomic.Int32{},
	}
	source := &fakeSource{desired: &types.Deployment{}, observed: &types.DeploymentState{}}

	d := New(deployer, source, change.Context{}, time.Hour)
	err := d.tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), deployer.calculateRan.Load())
}

func TestMergeLocalStateReplacesExistingEntry(t *testing.T) {
	cluster := &types.DeploymentState{Nodes: []*types.NodeState{
		{Hostname: "a"},
		{Hostname: "b"},
	}}
	local := types.NodeState{Hostname: "a", Manifestations: types.Known(map[string]*types.Manifestation{"d1": nil})}

	merged := mergeLocalState(cluster, local)
	require.Len(t, merged.Nodes, 2)
	for _, n := range merged.Nodes {
		if n.Hostname == "a" {
			_, known := n.Manifestations.Get()
			assert.True(t, known)
		}
	}
}

func TestMergeLocalStateAppendsWhenAbsent(t *testing.T) {
	cluster := &types.DeploymentState{Nodes: []*types.NodeState{{Hostname: "b"}}}
	local := types.NodeState{Hostname: "a"}

	merged := mergeLocalState(cluster, local)
	assert.Len(t, merged.Nodes, 2)
}

type recordingRecorder struct{ records []history.Record }

func (r *recordingRecorder) Append(rec history.Record) error {
	r.records = append(r.records, rec)
	return nil
}

func TestTickAppendsOneRecordPerTick(t *testing.T) {
	deployer := &fakeDeployer{
		hostname:     "a",
		discovered:   types.NodeState{Hostname: "a", Manifestations: types.Known(map[string]*types.Manifestation{})},
		calculateRan: &atomic.Int32{},
	}
	source := &fakeSource{desired: &types.Deployment{}, observed: &types.DeploymentState{}}
	recorder := &recordingRecorder{}

	d := New(deployer, source, change.Context{}, time.Hour)
	d.SetRecorder(recorder)
	require.NoError(t, d.tick(context.Background()))

	require.Len(t, recorder.records, 1)
	assert.Equal(t, "a", recorder.records[0].Hostname)
	assert.Equal(t, "converged", recorder.records[0].Outcome)
	assert.Equal(t, []string{"fake"}, recorder.records[0].PlanSteps)
}

func TestTickRecordsFailedOutcomeAndMessage(t *testing.T) {
	deployer := &fakeDeployer{
		hostname:     "a",
		calculateRan: &atomic.Int32{},
		planErr:      errors.New("boom"),
	}
	source := &fakeSource{desired: &types.Deployment{}, observed: &types.DeploymentState{}}
	recorder := &recordingRecorder{}

	d := New(deployer, source, change.Context{}, time.Hour)
	d.SetRecorder(recorder)
	require.Error(t, d.tick(context.Background()))

	require.Len(t, recorder.records, 1)
	assert.Equal(t, "failed", recorder.records[0].Outcome)
	assert.Equal(t, "boom", recorder.records[0].ErrMessage)
}
