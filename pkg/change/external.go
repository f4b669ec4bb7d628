package change

import (
	"context"
	"io"

	"github.com/cuemby/flotilla/pkg/types"
)

// Unit is what the container runtime reports back for one running or
// stopped container.
type Unit struct {
	Name          string
	Image         string
	Volume        *types.AttachedVolume
	Ports         []types.Port
	Environment   []types.EnvVar
	Running       bool
	RestartPolicy types.RestartPolicy
}

// Runtime is the consumed container-runtime interface. The planner depends
// only on this contract; pkg/runtime supplies a containerd-backed
// implementation.
type Runtime interface {
	List(ctx context.Context) ([]Unit, error)
	Add(ctx context.Context, app *types.Application) error
	Remove(ctx context.Context, name string) error
}

// Filesystem is one manifestation's storage handle: a local path plus
// streaming snapshot transfer.
type Filesystem interface {
	DatasetID() string
	// OwnerID identifies which node's identity (see pkg/identity) currently
	// owns this filesystem. Discovery keeps only filesystems whose
	// OwnerID matches the local node; a filesystem can be physically
	// present without being locally owned, e.g. between a Push and the
	// Handoff that follows it.
	OwnerID() string
	Path() string
	Size() (uint64, error)
	Reader(ctx context.Context, sinceSnapshot string) (io.ReadCloser, error)
	Writer(ctx context.Context) (io.WriteCloser, error)
}

// StoragePool is the consumed storage-pool interface.
type StoragePool interface {
	Create(ctx context.Context, dataset *types.Dataset) error
	SetMaximumSize(ctx context.Context, dataset *types.Dataset) error
	CloneTo(ctx context.Context, parent, newDataset *types.Dataset) error
	ChangeOwner(ctx context.Context, datasetID, newOwnerID string) error
	Destroy(ctx context.Context, datasetID string) error
	Enumerate(ctx context.Context) ([]Filesystem, error)
	Get(ctx context.Context, datasetID string) (Filesystem, error)
}

// Network is the consumed network-driver interface (proxies and firewall
// holes).
type Network interface {
	EnumerateProxies(ctx context.Context) ([]types.Proxy, error)
	CreateProxyTo(ctx context.Context, p types.Proxy) error
	DeleteProxy(ctx context.Context, p types.Proxy) error

	EnumerateOpenPorts(ctx context.Context) ([]types.OpenPort, error)
	OpenPort(ctx context.Context, p types.OpenPort) error
	DeleteOpenPort(ctx context.Context, p types.OpenPort) error

	EnumerateUsedPorts(ctx context.Context) (map[int]struct{}, error)
}

// RemoteVolumeManager is the consumed remote-volume-transport interface,
// implemented against a specific peer.
type RemoteVolumeManager interface {
	// Snapshots lists snapshot ids the peer already has for datasetID, so
	// Push can send only the incremental difference.
	Snapshots(ctx context.Context, datasetID string) ([]string, error)
	// Receive streams a snapshot into the peer and returns once it has
	// durably landed there.
	Receive(ctx context.Context, datasetID string, r io.Reader) error
	// Acquire asks the peer to take over ownership of datasetID, returning
	// the peer's node id as the new owner.
	Acquire(ctx context.Context, datasetID string) (newOwnerID string, err error)
}
