package analyzer

import (
	"testing"

	"github.com/cuemby/flotilla/pkg/types"
	"github.com/stretchr/testify/assert"
)

func size(n uint64) *uint64 { return &n }

func manifestation(id string, maxSize *uint64) *types.Manifestation {
	return &types.Manifestation{Dataset: &types.Dataset{ID: id, MaximumSize: maxSize}, Primary: true}
}

func nodeState(hostname string, manifestations map[string]*types.Manifestation) *types.NodeState {
	return &types.NodeState{Hostname: hostname, Manifestations: types.Known(manifestations)}
}

func TestFindDatasetChanges(t *testing.T) {
	tests := []struct {
		name     string
		host     string
		current  *types.DeploymentState
		desired  *types.Deployment
		expect   func(t *testing.T, c *types.DatasetChanges)
	}{
		{
			// S1: new application, new dataset — nothing exists anywhere yet.
			name:    "creating when dataset exists nowhere",
			host:    "a",
			current: &types.DeploymentState{Nodes: []*types.NodeState{nodeState("a", map[string]*types.Manifestation{})}},
			desired: &types.Deployment{Nodes: []*types.Node{
				{Hostname: "a", Manifestations: map[string]*types.Manifestation{"d1": manifestation("d1", size(10))}},
			}},
			expect: func(t *testing.T, c *types.DatasetChanges) {
				assert.Len(t, c.Creating, 1)
				assert.Equal(t, "d1", c.Creating[0].ID)
				assert.Empty(t, c.Coming)
				assert.Empty(t, c.Going)
				assert.Empty(t, c.Resizing)
			},
		},
		{
			// S2: migration — A currently owns d1, desired owner is B.
			name: "going on current owner when desired elsewhere",
			host: "a",
			current: &types.DeploymentState{Nodes: []*types.NodeState{
				nodeState("a", map[string]*types.Manifestation{"d1": manifestation("d1", size(10))}),
				nodeState("b", map[string]*types.Manifestation{}),
			}},
			desired: &types.Deployment{Nodes: []*types.Node{
				{Hostname: "a", Manifestations: map[string]*types.Manifestation{}},
				{Hostname: "b", Manifestations: map[string]*types.Manifestation{"d1": manifestation("d1", size(10))}},
			}},
			expect: func(t *testing.T, c *types.DatasetChanges) {
				assert.Len(t, c.Going, 1)
				assert.Equal(t, "d1", c.Going[0].Dataset.ID)
				assert.Equal(t, "b", c.Going[0].Hostname)
				assert.Empty(t, c.Coming)
				assert.Empty(t, c.Creating)
			},
		},
		{
			// S2 viewed from B: d1 is coming in.
			name: "coming on desired owner when currently elsewhere",
			host: "b",
			current: &types.DeploymentState{Nodes: []*types.NodeState{
				nodeState("a", map[string]*types.Manifestation{"d1": manifestation("d1", size(10))}),
				nodeState("b", map[string]*types.Manifestation{}),
			}},
			desired: &types.Deployment{Nodes: []*types.Node{
				{Hostname: "a", Manifestations: map[string]*types.Manifestation{}},
				{Hostname: "b", Manifestations: map[string]*types.Manifestation{"d1": manifestation("d1", size(10))}},
			}},
			expect: func(t *testing.T, c *types.DatasetChanges) {
				assert.Len(t, c.Coming, 1)
				assert.Equal(t, "d1", c.Coming[0].Dataset.ID)
				assert.Equal(t, "a", c.Coming[0].Hostname)
				assert.Empty(t, c.Going)
				assert.Empty(t, c.Creating)
			},
		},
		{
			// S3: resize in place, same node.
			name: "resizing when local maximum size changes",
			host: "a",
			current: &types.DeploymentState{Nodes: []*types.NodeState{
				nodeState("a", map[string]*types.Manifestation{"d1": manifestation("d1", size(10))}),
			}},
			desired: &types.Deployment{Nodes: []*types.Node{
				{Hostname: "a", Manifestations: map[string]*types.Manifestation{"d1": manifestation("d1", size(20))}},
			}},
			expect: func(t *testing.T, c *types.DatasetChanges) {
				assert.Len(t, c.Resizing, 1)
				assert.Equal(t, uint64(20), *c.Resizing[0].MaximumSize)
				assert.Empty(t, c.Coming)
				assert.Empty(t, c.Going)
				assert.Empty(t, c.Creating)
			},
		},
		{
			// S6: deletion is global regardless of which node is local.
			name: "deleting collected regardless of ownership",
			host: "a",
			current: &types.DeploymentState{Nodes: []*types.NodeState{
				nodeState("a", map[string]*types.Manifestation{"d1": manifestation("d1", size(10))}),
			}},
			desired: &types.Deployment{Nodes: []*types.Node{
				{Hostname: "a", Manifestations: map[string]*types.Manifestation{
					"d1": {Dataset: &types.Dataset{ID: "d1", MaximumSize: size(10), Deleted: true}, Primary: true},
				}},
			}},
			expect: func(t *testing.T, c *types.DatasetChanges) {
				assert.Len(t, c.Deleting, 1)
				assert.Equal(t, "d1", c.Deleting[0].ID)
			},
		},
		{
			name:    "idempotent when observed already matches desired",
			host:    "a",
			current: &types.DeploymentState{Nodes: []*types.NodeState{nodeState("a", map[string]*types.Manifestation{"d1": manifestation("d1", size(10))})}},
			desired: &types.Deployment{Nodes: []*types.Node{
				{Hostname: "a", Manifestations: map[string]*types.Manifestation{"d1": manifestation("d1", size(10))}},
			}},
			expect: func(t *testing.T, c *types.DatasetChanges) {
				assert.True(t, c.Empty())
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FindDatasetChanges(tt.host, tt.current, tt.desired)
			tt.expect(t, got)
		})
	}
}

// TestDisjointSets covers invariant 4: creating/coming/going never overlap
// in ways the spec forbids.
func TestDisjointSets(t *testing.T) {
	current := &types.DeploymentState{Nodes: []*types.NodeState{
		nodeState("a", map[string]*types.Manifestation{}),
		nodeState("b", map[string]*types.Manifestation{"shared": manifestation("shared", size(1))}),
	}}
	desired := &types.Deployment{Nodes: []*types.Node{
		{Hostname: "a", Manifestations: map[string]*types.Manifestation{
			"shared": manifestation("shared", size(1)),
			"fresh":  manifestation("fresh", size(1)),
		}},
		{Hostname: "b", Manifestations: map[string]*types.Manifestation{}},
	}}

	c := FindDatasetChanges("a", current, desired)

	comingIDs := map[string]bool{}
	for _, h := range c.Coming {
		comingIDs[h.Dataset.ID] = true
	}
	for _, h := range c.Going {
		assert.False(t, comingIDs[h.Dataset.ID], "coming and going must be disjoint")
	}
	for _, d := range c.Creating {
		assert.False(t, comingIDs[d.ID], "creating and coming must be disjoint")
	}
}
