// Package storagepool implements change.StoragePool and change.Filesystem
// against a local directory tree, generalizing pkg/volume's LocalDriver
// from container bind-mount directories into dataset_id-addressed
// manifestations carrying an owner marker. The owner marker is what lets
// ChangeOwner model the ownership half of a Handoff as a metadata flip,
// exactly as in the source material's Volume.change_owner; the bytes travel
// separately, via PushDataset/Receive.
package storagepool

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cuemby/flotilla/pkg/change"
	"github.com/cuemby/flotilla/pkg/types"
)

// DefaultBasePath is the root directory under which every dataset gets its
// own subdirectory, named after its dataset_id.
const DefaultBasePath = "/var/lib/flotilla/datasets"

const ownerMarkerFile = ".owner"
const maxSizeMarkerFile = ".max_size"

// LocalPool is a single-node storage pool backed by a local directory
// tree. It satisfies change.StoragePool.
type LocalPool struct {
	basePath string
	nodeID   string
}

// NewLocalPool creates a LocalPool rooted at basePath, owned by nodeID
// (this node's stable identity, see pkg/identity). If basePath is empty,
// DefaultBasePath is used.
func NewLocalPool(basePath, nodeID string) (*LocalPool, error) {
	if basePath == "" {
		basePath = DefaultBasePath
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("storagepool: create base directory: %w", err)
	}
	return &LocalPool{basePath: basePath, nodeID: nodeID}, nil
}

func (p *LocalPool) datasetDir(datasetID string) string {
	return filepath.Join(p.basePath, datasetID)
}

// Create allocates a new primary manifestation owned by this node, at
// dataset's requested maximum size.
func (p *LocalPool) Create(ctx context.Context, dataset *types.Dataset) error {
	dir := p.datasetDir(dataset.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("storagepool: create %s: %w", dataset.ID, err)
	}
	if err := p.writeOwner(dataset.ID, p.nodeID); err != nil {
		return err
	}
	return p.writeMaxSize(dataset.ID, dataset.MaximumSize)
}

// SetMaximumSize adjusts the size marker for an existing manifestation.
// Shrinking below the manifestation's current used bytes is a policy
// violation: it would leave the dataset unable to hold what it already
// stores.
func (p *LocalPool) SetMaximumSize(ctx context.Context, dataset *types.Dataset) error {
	fs, err := p.get(dataset.ID)
	if err != nil {
		return fmt.Errorf("storagepool: resize %s: %w", dataset.ID, err)
	}
	if dataset.MaximumSize != nil {
		used, err := fs.Size()
		if err != nil {
			return fmt.Errorf("storagepool: resize %s: %w", dataset.ID, err)
		}
		if *dataset.MaximumSize < used {
			return fmt.Errorf("storagepool: resize %s: %w", dataset.ID, change.ErrShrinkBelowUsed)
		}
	}
	return p.writeMaxSize(dataset.ID, dataset.MaximumSize)
}

// CloneTo copies parent's contents into a brand new manifestation for
// newDataset, owned by this node. Nothing in this repository calls it: a
// pushed dataset that is not yet present is created with Create (see
// pkg/remotevolume's server).
func (p *LocalPool) CloneTo(ctx context.Context, parent, newDataset *types.Dataset) error {
	src := p.datasetDir(parent.ID)
	dst := p.datasetDir(newDataset.ID)
	if err := copyTree(src, dst); err != nil {
		return fmt.Errorf("storagepool: clone %s to %s: %w", parent.ID, newDataset.ID, err)
	}
	if err := p.writeOwner(newDataset.ID, p.nodeID); err != nil {
		return err
	}
	return p.writeMaxSize(newDataset.ID, newDataset.MaximumSize)
}

// ChangeOwner flips the owner marker on datasetID to newOwnerID. This is
// the metadata-only half of a handoff; the bytes must already be present
// (via a prior Push or Clone).
//
// Handing ownership to a different node requires this node to currently
// hold the dataset as primary — HandoffDataset's own caller, not the
// ownership marker, is responsible for deciding when a push has landed
// enough bytes to hand off. Claiming ownership for this node is always
// allowed, including when this node already holds it: Acquire's caller
// treats that as confirmation, not a conflict.
func (p *LocalPool) ChangeOwner(ctx context.Context, datasetID, newOwnerID string) error {
	currentOwner, err := p.readOwner(datasetID)
	if err != nil {
		return fmt.Errorf("storagepool: change owner of %s: %w", datasetID, err)
	}
	if newOwnerID != p.nodeID && currentOwner != p.nodeID {
		return fmt.Errorf("storagepool: change owner of %s: %w", datasetID, change.ErrNotLocallyOwned)
	}
	return p.writeOwner(datasetID, newOwnerID)
}

// Destroy removes a manifestation entirely.
func (p *LocalPool) Destroy(ctx context.Context, datasetID string) error {
	if err := os.RemoveAll(p.datasetDir(datasetID)); err != nil {
		return fmt.Errorf("storagepool: destroy %s: %w", datasetID, err)
	}
	return nil
}

// Enumerate lists every manifestation present in the pool, regardless of
// owner — filtering to locally owned ones is the caller's job (see
// pkg/deploy.ManifestationDeployer), since a manifestation can be present
// without being locally owned between Push and Handoff.
func (p *LocalPool) Enumerate(ctx context.Context) ([]change.Filesystem, error) {
	entries, err := os.ReadDir(p.basePath)
	if err != nil {
		return nil, fmt.Errorf("storagepool: enumerate: %w", err)
	}
	var out []change.Filesystem
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		fs, err := p.get(e.Name())
		if err != nil {
			continue
		}
		out = append(out, fs)
	}
	return out, nil
}

// Get returns the filesystem handle for one dataset.
func (p *LocalPool) Get(ctx context.Context, datasetID string) (change.Filesystem, error) {
	return p.get(datasetID)
}

func (p *LocalPool) get(datasetID string) (*localFilesystem, error) {
	dir := p.datasetDir(datasetID)
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("storagepool: get %s: %w", datasetID, err)
	}
	owner, err := p.readOwner(datasetID)
	if err != nil {
		owner = ""
	}
	return &localFilesystem{datasetID: datasetID, path: dir, ownerID: owner}, nil
}

func (p *LocalPool) writeOwner(datasetID, ownerID string) error {
	if err := os.WriteFile(filepath.Join(p.datasetDir(datasetID), ownerMarkerFile), []byte(ownerID), 0o644); err != nil {
		return fmt.Errorf("storagepool: write owner marker for %s: %w", datasetID, err)
	}
	return nil
}

func (p *LocalPool) readOwner(datasetID string) (string, error) {
	data, err := os.ReadFile(filepath.Join(p.datasetDir(datasetID), ownerMarkerFile))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (p *LocalPool) writeMaxSize(datasetID string, maxSize *uint64) error {
	if maxSize == nil {
		return nil
	}
	if err := os.WriteFile(filepath.Join(p.datasetDir(datasetID), maxSizeMarkerFile), fmt.Appendf(nil, "%d", *maxSize), 0o644); err != nil {
		return fmt.Errorf("storagepool: write max size marker for %s: %w", datasetID, err)
	}
	return nil
}

// localFilesystem is one manifestation's on-disk handle.
type localFilesystem struct {
	datasetID string
	path      string
	ownerID   string
}

func (f *localFilesystem) DatasetID() string { return f.datasetID }
func (f *localFilesystem) OwnerID() string   { return f.ownerID }
func (f *localFilesystem) Path() string      { return f.path }

func (f *localFilesystem) Size() (uint64, error) {
	var total uint64
	err := filepath.WalkDir(f.path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += uint64(info.Size())
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("storagepool: size %s: %w", f.datasetID, err)
	}
	return total, nil
}

// Reader streams the manifestation's bytes as a tar-free flat read of its
// marker files. sinceSnapshot is accepted for interface symmetry with
// incremental-snapshot pools; this pool always sends the full content, as
// it keeps no snapshot history.
func (f *localFilesystem) Reader(ctx context.Context, sinceSnapshot string) (io.ReadCloser, error) {
	file, err := os.Open(filepath.Join(f.path, maxSizeMarkerFile))
	if err != nil {
		if os.IsNotExist(err) {
			return io.NopCloser(nil), nil
		}
		return nil, fmt.Errorf("storagepool: open reader for %s: %w", f.datasetID, err)
	}
	return file, nil
}

// Writer returns a sink for incoming snapshot bytes.
func (f *localFilesystem) Writer(ctx context.Context) (io.WriteCloser, error) {
	file, err := os.Create(filepath.Join(f.path, maxSizeMarkerFile))
	if err != nil {
		return nil, fmt.Errorf("storagepool: open writer for %s: %w", f.datasetID, err)
	}
	return file, nil
}

func copyTree(src, dst string) error {
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	return filepath.WalkDir(src, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, 0o644)
	})
}
