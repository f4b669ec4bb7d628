package deploy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/flotilla/pkg/analyzer"
	"github.com/cuemby/flotilla/pkg/change"
	"github.com/cuemby/flotilla/pkg/types"
)

type fakePool struct {
	filesystems []change.Filesystem
}

func (p *fakePool) Create(ctx context.Context, d *types.Dataset) error          { return nil }
func (p *fakePool) SetMaximumSize(ctx context.Context, d *types.Dataset) error  { return nil }
func (p *fakePool) CloneTo(ctx context.Context, parent, n *types.Dataset) error { return nil }
func (p *fakePool) ChangeOwner(ctx context.Context, id, newOwner string) error  { return nil }
func (p *fakePool) Destroy(ctx context.Context, id string) error               { return nil }
func (p *fakePool) Enumerate(ctx context.Context) ([]change.Filesystem, error) {
	return p.filesystems, nil
}
func (p *fakePool) Get(ctx context.Context, id string) (change.Filesystem, error) {
	for _, fs := range p.filesystems {
		if fs.DatasetID() == id {
			return fs, nil
		}
	}
	return nil, errNotFound
}

var errNotFound = assertError("dataset not found")

type assertError string

func (e assertError) Error() string { return string(e) }

type fakeRuntime struct {
	units   []change.Unit
	added   []*types.Application
	removed []string
}

func (r *fakeRuntime) List(ctx context.Context) ([]change.Unit, error) { return r.units, nil }
func (r *fakeRuntime) Add(ctx context.Context, app *types.Application) error {
	r.added = append(r.added, app)
	return nil
}
func (r *fakeRuntime) Remove(ctx context.Context, name string) error {
	r.removed = append(r.removed, name)
	return nil
}

type fakeNetwork struct {
	proxies []types.Proxy
}

func (n *fakeNetwork) EnumerateProxies(ctx context.Context) ([]types.Proxy, error) {
	return n.proxies, nil
}
func (n *fakeNetwork) CreateProxyTo(ctx context.Context, p types.Proxy) error { return nil }
func (n *fakeNetwork) DeleteProxy(ctx context.Context, p types.Proxy) error  { return nil }
func (n *fakeNetwork) EnumerateOpenPorts(ctx context.Context) ([]types.OpenPort, error) {
	return nil, nil
}
func (n *fakeNetwork) OpenPort(ctx context.Context, p types.OpenPort) error       { return nil }
func (n *fakeNetwork) DeleteOpenPort(ctx context.Context, p types.OpenPort) error { return nil }
func (n *fakeNetwork) EnumerateUsedPorts(ctx context.Context) (map[int]struct{}, error) {
	return nil, nil
}

func uptr(v uint64) *uint64 { return &v }

func nodeWithApp(hostname string, app *types.Application) *types.Node {
	return &types.Node{Hostname: hostname, Applications: []*types.Application{app}}
}

func newDesired(nodes ...*types.Node) *types.Deployment {
	return &types.Deployment{Nodes: nodes}
}

func newObserved(states ...*types.NodeState) *types.DeploymentState {
	return &types.DeploymentState{Nodes: states}
}

func emptyObservedNode(hostname string) *types.NodeState {
	return &types.NodeState{
		Hostname:       hostname,
		Manifestations: types.Known(map[string]*types.Manifestation{}),
		Applications:   types.Known([]*types.Application{}),
		UsedPorts:      types.Known(map[int]struct{}{}),
	}
}

// S1: new application, new dataset, nothing observed on node A.
func TestScenarioS1NewApplicationNewDataset(t *testing.T) {
	d1 := &types.Dataset{ID: "d1", MaximumSize: uptr(10)}
	web := &types.Application{
		Name:  "web",
		Image: "web:v1",
		Ports: []types.Port{{Internal: 80, External: 8080}},
		Volume: &types.AttachedVolume{
			Manifestation: &types.Manifestation{Dataset: d1, Primary: true},
			Mountpoint:    "/data",
		},
	}
	desired := newDesired(&types.Node{
		Hostname:       "a",
		Manifestations: map[string]*types.Manifestation{"d1": {Dataset: d1, Primary: true}},
		Applications:   []*types.Application{web},
	})
	observed := newObserved(emptyObservedNode("a"))

	deployer := &ApplicationDeployer{Hostname: "a"}
	local := emptyObservedNode("a")
	datasetChanges := analyzer.FindDatasetChanges("a", observed, desired)

	plan := deployer.CalculateChanges(local, desired, observed, datasetChanges)
	seq, ok := plan.(change.Sequential)
	require.True(t, ok)

	names := flattenedPhaseNames(seq.Changes)
	assert.Contains(t, names, "open_ports")
	assert.Contains(t, names, "create_dataset")
	assert.Contains(t, names, "start_application")
	assert.NotContains(t, names, "handoff_dataset")
	assert.NotContains(t, names, "wait_for_dataset")
}

// S3: resize in place, same node, running app unaffected.
func TestScenarioS3ResizeInPlace(t *testing.T) {
	d1Current := &types.Dataset{ID: "d1", MaximumSize: uptr(10)}
	d1Desired := &types.Dataset{ID: "d1", MaximumSize: uptr(20)}

	desired := newDesired(&types.Node{
		Hostname:       "a",
		Manifestations: map[string]*types.Manifestation{"d1": {Dataset: d1Desired, Primary: true}},
	})
	observedNode := &types.NodeState{
		Hostname:       "a",
		Manifestations: types.Known(map[string]*types.Manifestation{"d1": {Dataset: d1Current, Primary: true}}),
		Applications:   types.Known([]*types.Application{}),
		UsedPorts:      types.Known(map[int]struct{}{}),
	}
	observed := newObserved(observedNode)

	datasetChanges := analyzer.FindDatasetChanges("a", observed, desired)
	require.Len(t, datasetChanges.Resizing, 1)
	assert.Equal(t, "d1", datasetChanges.Resizing[0].ID)

	deployer := &ApplicationDeployer{Hostname: "a"}
	plan := deployer.CalculateChanges(observedNode, desired, observed, datasetChanges)
	seq := plan.(change.Sequential)
	names := flattenedPhaseNames(seq.Changes)
	assert.Contains(t, names, "resize_dataset")
	assert.NotContains(t, names, "stop_application")
	assert.NotContains(t, names, "start_application")
}

// S4: stopped app restarts via sequential Stop then Start.
func TestScenarioS4RestartStoppedApplication(t *testing.T) {
	api := &types.Application{Name: "api", Image: "api:v1"}
	desired := newDesired(nodeWithApp("a", api))

	stoppedAPI := *api
	stoppedAPI.Running = false
	observedNode := &types.NodeState{
		Hostname:       "a",
		Manifestations: types.Known(map[string]*types.Manifestation{}),
		Applications:   types.Known([]*types.Application{&stoppedAPI}),
		UsedPorts:      types.Known(map[int]struct{}{}),
	}
	observed := newObserved(observedNode)

	datasetChanges := analyzer.FindDatasetChanges("a", observed, desired)
	deployer := &ApplicationDeployer{Hostname: "a"}
	plan := deployer.CalculateChanges(observedNode, desired, observed, datasetChanges)
	seq := plan.(change.Sequential)

	restartPhase := findNestedRestart(seq.Changes)
	require.NotNil(t, restartPhase)
	require.Len(t, restartPhase.Changes, 2)
	assert.Equal(t, "stop_application", restartPhase.Changes[0].Describe().Name)
	assert.Equal(t, "start_application", restartPhase.Changes[1].Describe().Name)
}

// S5: spec drift (image change) triggers restart, no dataset phases.
func TestScenarioS5SpecDriftRestart(t *testing.T) {
	desiredApp := &types.Application{Name: "web", Image: "web:v2"}
	desired := newDesired(nodeWithApp("a", desiredApp))

	currentApp := &types.Application{Name: "web", Image: "web:v1", Running: true}
	observedNode := &types.NodeState{
		Hostname:       "a",
		Manifestations: types.Known(map[string]*types.Manifestation{}),
		Applications:   types.Known([]*types.Application{currentApp}),
		UsedPorts:      types.Known(map[int]struct{}{}),
	}
	observed := newObserved(observedNode)

	datasetChanges := analyzer.FindDatasetChanges("a", observed, desired)
	assert.True(t, datasetChanges.Empty())

	deployer := &ApplicationDeployer{Hostname: "a"}
	plan := deployer.CalculateChanges(observedNode, desired, observed, datasetChanges)
	seq := plan.(change.Sequential)
	names := flattenedPhaseNames(seq.Changes)
	assert.NotContains(t, names, "create_dataset")
	assert.NotContains(t, names, "resize_dataset")

	restartPhase := findNestedRestart(seq.Changes)
	require.NotNil(t, restartPhase)
}

// Invariant: idempotence. When observed already matches desired exactly,
// the plan is empty.
func TestIdempotenceEmptyPlanWhenConverged(t *testing.T) {
	app := &types.Application{Name: "web", Image: "web:v1", Running: true}
	desired := newDesired(nodeWithApp("a", app))
	observedNode := &types.NodeState{
		Hostname:       "a",
		Manifestations: types.Known(map[string]*types.Manifestation{}),
		Applications:   types.Known([]*types.Application{app}),
		UsedPorts:      types.Known(map[int]struct{}{}),
	}
	observed := newObserved(observedNode)

	datasetChanges := analyzer.FindDatasetChanges("a", observed, desired)
	assert.True(t, datasetChanges.Empty())

	deployer := &ApplicationDeployer{Hostname: "a"}
	plan := deployer.CalculateChanges(observedNode, desired, observed, datasetChanges)
	seq := plan.(change.Sequential)
	assert.Empty(t, seq.Changes)
}

// Invariant: unknown contagion. If manifestations are unknown, NodeDeployer
// emits change.Empty with no container-lifecycle primitives.
func TestUnknownManifestationsContagion(t *testing.T) {
	pool := &fakePool{}
	runtime := &fakeRuntime{}
	netw := &fakeNetwork{}
	nd := NewNodeDeployer("a", "node-uuid-a", pool, runtime, netw, nil)

	local := types.NodeState{Hostname: "a"} // everything unknown
	desired := newDesired(nodeWithApp("a", &types.Application{Name: "web", Image: "web:v1"}))
	observed := newObserved(emptyObservedNode("a"))

	plan := nd.CalculateChanges(local, desired, observed)
	assert.Equal(t, change.Empty, plan)
}

func phaseNames(changes []change.Change) []string {
	var names []string
	for _, c := range changes {
		names = append(names, c.Describe().Name)
	}
	return names
}

// flattenedPhaseNames reduces a plan to the primitive kind behind each
// top-level phase, so migration/deletion tests can assert ordering between
// phases without caring how many datasets or applications populate each
// one. Every dataset/application phase is a Parallel of same-kind
// primitives; SetProxies/OpenPorts are already bare.
func flattenedPhaseNames(changes []change.Change) []string {
	var names []string
	for _, c := range changes {
		if par, ok := c.(change.Parallel); ok {
			if len(par.Changes) == 0 {
				continue
			}
			names = append(names, par.Changes[0].Describe().Name)
			continue
		}
		names = append(names, c.Describe().Name)
	}
	return names
}

// S2: migration. On the sender, the dataset is pushed then handed off; on
// the receiver, the plan waits for it before starting the application that
// depends on it.
func TestScenarioS2Migration(t *testing.T) {
	d1 := &types.Dataset{ID: "d1", MaximumSize: uptr(10)}
	desired := newDesired(
		&types.Node{Hostname: "a", Manifestations: map[string]*types.Manifestation{}},
		&types.Node{
			Hostname:       "b",
			Manifestations: map[string]*types.Manifestation{"d1": {Dataset: d1, Primary: true}},
			Applications:   []*types.Application{{Name: "web", Image: "web:v1"}},
		},
	)
	observed := newObserved(
		&types.NodeState{
			Hostname:       "a",
			Manifestations: types.Known(map[string]*types.Manifestation{"d1": {Dataset: d1, Primary: true}}),
			Applications:   types.Known([]*types.Application{}),
			UsedPorts:      types.Known(map[int]struct{}{}),
		},
		&types.NodeState{
			Hostname:       "b",
			Manifestations: types.Known(map[string]*types.Manifestation{}),
			Applications:   types.Known([]*types.Application{}),
			UsedPorts:      types.Known(map[int]struct{}{}),
		},
	)

	senderChanges := analyzer.FindDatasetChanges("a", observed, desired)
	require.Len(t, senderChanges.Going, 1)
	senderLocal := observed.NodeByHostname("a")
	senderPlan := (&ApplicationDeployer{Hostname: "a"}).CalculateChanges(senderLocal, desired, observed, senderChanges)
	senderSeq := senderPlan.(change.Sequential)
	senderNames := flattenedPhaseNames(senderSeq.Changes)
	pushAt := indexOf(senderNames, "push_dataset")
	handoffAt := indexOf(senderNames, "handoff_dataset")
	require.NotEqual(t, -1, pushAt, "sender plan must push the dataset")
	require.NotEqual(t, -1, handoffAt, "sender plan must hand off the dataset")
	assert.Less(t, pushAt, handoffAt, "push must precede handoff on the sender")

	receiverChanges := analyzer.FindDatasetChanges("b", observed, desired)
	require.Len(t, receiverChanges.Coming, 1)
	receiverLocal := observed.NodeByHostname("b")
	receiverPlan := (&ApplicationDeployer{Hostname: "b"}).CalculateChanges(receiverLocal, desired, observed, receiverChanges)
	receiverSeq := receiverPlan.(change.Sequential)
	receiverNames := flattenedPhaseNames(receiverSeq.Changes)
	waitAt := indexOf(receiverNames, "wait_for_dataset")
	startAt := indexOf(receiverNames, "start_application")
	require.NotEqual(t, -1, waitAt, "receiver plan must wait for the dataset")
	require.NotEqual(t, -1, startAt, "receiver plan must start the dependent application")
	assert.Less(t, waitAt, startAt, "wait must precede start on the receiver")
}

// S6: deletion runs after creation in the fixed phase order, and emits no
// container-lifecycle primitives of its own.
func TestScenarioS6Delete(t *testing.T) {
	d1 := &types.Dataset{ID: "d1", MaximumSize: uptr(10), Deleted: true}
	d2 := &types.Dataset{ID: "d2", MaximumSize: uptr(5)}
	desired := newDesired(&types.Node{
		Hostname: "a",
		Manifestations: map[string]*types.Manifestation{
			"d1": {Dataset: d1, Primary: true},
			"d2": {Dataset: d2, Primary: true},
		},
	})
	observedNode := &types.NodeState{
		Hostname: "a",
		Manifestations: types.Known(map[string]*types.Manifestation{
			"d1": {Dataset: &types.Dataset{ID: "d1", MaximumSize: uptr(10)}, Primary: true},
		}),
		Applications: types.Known([]*types.Application{}),
		UsedPorts:    types.Known(map[int]struct{}{}),
	}
	observed := newObserved(observedNode)

	datasetChanges := analyzer.FindDatasetChanges("a", observed, desired)
	require.Len(t, datasetChanges.Deleting, 1)
	require.Len(t, datasetChanges.Creating, 1)

	deployer := &ApplicationDeployer{Hostname: "a"}
	plan := deployer.CalculateChanges(observedNode, desired, observed, datasetChanges)
	seq := plan.(change.Sequential)
	names := flattenedPhaseNames(seq.Changes)

	createAt := indexOf(names, "create_dataset")
	deleteAt := indexOf(names, "delete_dataset")
	require.NotEqual(t, -1, createAt)
	require.NotEqual(t, -1, deleteAt)
	assert.Less(t, createAt, deleteAt, "create must precede delete in the fixed phase order")
	assert.NotContains(t, names, "start_application")
	assert.NotContains(t, names, "stop_application")
}

func indexOf(names []string, target string) int {
	for i, n := range names {
		if n == target {
			return i
		}
	}
	return -1
}

// findNestedRestart locates the sequential(Stop, Start) restart pair nested
// inside the start/restart parallel phase.
func findNestedRestart(phases []change.Change) *change.Sequential {
	for _, phase := range phases {
		par, ok := phase.(change.Parallel)
		if !ok {
			continue
		}
		for _, child := range par.Changes {
			if seq, ok := child.(change.Sequential); ok && len(seq.Changes) == 2 {
				return &seq
			}
		}
	}
	return nil
}
