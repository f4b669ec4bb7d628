package types

import "sort"

// Dataset is a logically named persistent data volume, identified cluster-wide
// by DatasetID. Datasets exist independently of containers and outlive them.
type Dataset struct {
	ID          string
	MaximumSize *uint64 // nil means unbounded
	Metadata    map[string]string
	Deleted     bool
}

// SameMaximumSize reports whether two datasets request the same maximum size,
// treating two nil values as equal.
func (d *Dataset) SameMaximumSize(other *Dataset) bool {
	if d.MaximumSize == nil && other.MaximumSize == nil {
		return true
	}
	if d.MaximumSize == nil || other.MaximumSize == nil {
		return false
	}
	return *d.MaximumSize == *other.MaximumSize
}

// Manifestation is a local, concrete instance of a Dataset on one node.
// At most one node may hold the primary manifestation of a given dataset_id
// at any instant; this is the system-wide ownership invariant.
type Manifestation struct {
	Dataset *Dataset
	Primary bool
}

// AttachedVolume binds a Manifestation to a mountpoint inside a container.
type AttachedVolume struct {
	Manifestation *Manifestation
	Mountpoint    string
}

// RestartCondition selects when a stopped application should be restarted.
type RestartCondition string

const (
	RestartNever     RestartCondition = "never"
	RestartAlways    RestartCondition = "always"
	RestartOnFailure RestartCondition = "on-failure"
)

// RestartPolicy mirrors the restart_policy attribute of an Application.
type RestartPolicy struct {
	Condition  RestartCondition
	MaxRetries int // only meaningful when Condition == RestartOnFailure
}

// Port describes a container's declared port mapping.
type Port struct {
	Internal int
	External int
}

// OpenPort is a firewall hole for an external port on this node.
type OpenPort struct {
	External int
}

// Proxy forwards traffic from this node to another node hosting a container.
type Proxy struct {
	RemoteIP     string
	ExternalPort int
}

// Link declares an inter-container network link: this application can reach
// a peer application's ExternalPort as RemotePort via environment variables
// keyed on Alias and LocalPort. See pkg/linkenv for the wire encoding.
type Link struct {
	Alias      string
	LocalPort  int
	RemotePort int
}

// EnvVar is a single name=value pair. Applications carry an ordered sequence
// of these, not a map, so that environment ordering survives round trips
// through discovery and restart-detection comparisons.
type EnvVar struct {
	Name  string
	Value string
}

// Application is a declared container to run.
type Application struct {
	Name          string
	Image         string // registry reference, name+tag
	Ports         []Port
	Volume        *AttachedVolume // at most one attached volume per application
	Links         []Link
	Environment   []EnvVar
	MemoryLimit   *uint64 // bytes, nil means unlimited
	CPUShares     *uint64
	RestartPolicy RestartPolicy
	Running       bool // transient, observed from the runtime; not part of desired spec comparison
}

// SortedEnvironment returns a copy of Environment sorted by name, ensuring
// structural-equality comparisons are not destabilised by discovery order.
func (a *Application) SortedEnvironment() []EnvVar {
	out := make([]EnvVar, len(a.Environment))
	copy(out, a.Environment)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Optional distinguishes "known, possibly empty" observed state from
// "unknown" observed state. The unknown sentinel is contagious: planning
// that depends on an unknown attribute must degrade to a no-op rather than
// guess. A nullable/pointer-to-slice cannot express this because an empty
// slice and a nil slice are both falsy in ordinary Go code; Optional makes
// the distinction a type-level fact instead of a convention callers must
// remember.
type Optional[T any] struct {
	value T
	known bool
}

// Known wraps a known value, including a known-empty one.
func Known[T any](v T) Optional[T] {
	return Optional[T]{value: v, known: true}
}

// Unknown returns the unknown sentinel for T.
func Unknown[T any]() Optional[T] {
	return Optional[T]{}
}

// IsKnown reports whether the value is known.
func (o Optional[T]) IsKnown() bool { return o.known }

// Get returns the wrapped value and whether it was known. Callers must check
// the boolean before trusting the value: a zero value is returned for
// unknown fields.
func (o Optional[T]) Get() (T, bool) { return o.value, o.known }

// MustGet returns the wrapped value, panicking if it is unknown. Callers
// must have already checked IsKnown; this exists for call sites where that
// invariant was already established by an earlier branch.
func (o Optional[T]) MustGet() T {
	if !o.known {
		panic("types: MustGet on unknown Optional")
	}
	return o.value
}

// Node is one host's slice of the desired cluster configuration.
type Node struct {
	Hostname       string
	Manifestations map[string]*Manifestation // dataset_id -> primary manifestation held here
	Paths          map[string]string         // dataset_id -> local mount path
	Applications   []*Application
	UsedPorts      map[int]struct{}
}

// NodeState is the partial observed state produced by one discoverer for one
// node. Any attribute may be Unknown, distinct from known-empty.
type NodeState struct {
	Hostname       string
	Manifestations Optional[map[string]*Manifestation]
	Paths          Optional[map[string]string]
	Applications   Optional[[]*Application]
	UsedPorts      Optional[map[int]struct{}]
	Proxies        Optional[[]Proxy]
}

// Deployment is the set of Nodes forming the desired cluster configuration.
type Deployment struct {
	Nodes []*Node
}

// NodeByHostname returns the desired Node for hostname, or nil if the
// deployment says nothing about it.
func (d *Deployment) NodeByHostname(hostname string) *Node {
	for _, n := range d.Nodes {
		if n.Hostname == hostname {
			return n
		}
	}
	return nil
}

// DeploymentState is the set of NodeStates forming the observed cluster
// snapshot, one per discoverer.
type DeploymentState struct {
	Nodes []*NodeState
}

// NodeByHostname returns the observed NodeState for hostname, or nil if
// nothing has been observed for it yet.
func (d *DeploymentState) NodeByHostname(hostname string) *NodeState {
	for _, n := range d.Nodes {
		if n.Hostname == hostname {
			return n
		}
	}
	return nil
}

// DatasetHandoff pairs a Dataset with the peer hostname it is migrating
// to (going) or from (coming, where the hostname is the current owner).
type DatasetHandoff struct {
	Dataset  *Dataset
	Hostname string
}

// DatasetChanges is the output of the dataset-change analyzer: five disjoint
// sets describing what must happen to datasets this tick.
type DatasetChanges struct {
	Creating []*Dataset
	Resizing []*Dataset
	Coming   []DatasetHandoff
	Going    []DatasetHandoff
	Deleting []*Dataset
}

// Empty reports whether every set in DatasetChanges is empty.
func (c *DatasetChanges) Empty() bool {
	return len(c.Creating) == 0 && len(c.Resizing) == 0 && len(c.Coming) == 0 &&
		len(c.Going) == 0 && len(c.Deleting) == 0
}
