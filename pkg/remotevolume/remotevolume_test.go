package remotevolume

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/flotilla/pkg/change"
	"github.com/cuemby/flotilla/pkg/types"
)

// memPool is an in-memory change.StoragePool fake, sufficient to exercise
// Server's handlers without touching disk.
type memPool struct {
	mu   sync.Mutex
	data map[string]*bytes.Buffer
	own  map[string]string
}

func newMemPool() *memPool {
	return &memPool{data: map[string]*bytes.Buffer{}, own: map[string]string{}}
}

func (p *memPool) Create(ctx context.Context, dataset *types.Dataset) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.data[dataset.ID] = &bytes.Buffer{}
	p.own[dataset.ID] = "node-b"
	return nil
}
func (p *memPool) SetMaximumSize(ctx context.Context, dataset *types.Dataset) error { return nil }
func (p *memPool) CloneTo(ctx context.Context, parent, newDataset *types.Dataset) error {
	return nil
}
func (p *memPool) ChangeOwner(ctx context.Context, datasetID, newOwnerID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.data[datasetID]; !ok {
		return fmt.Errorf("no such dataset %s", datasetID)
	}
	p.own[datasetID] = newOwnerID
	return nil
}
func (p *memPool) Destroy(ctx context.Context, datasetID string) error { return nil }
func (p *memPool) Enumerate(ctx context.Context) ([]change.Filesystem, error) { return nil, nil }
func (p *memPool) Get(ctx context.Context, datasetID string) (change.Filesystem, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	buf, ok := p.data[datasetID]
	if !ok {
		return nil, fmt.Errorf("no such dataset %s", datasetID)
	}
	return &memFilesystem{pool: p, id: datasetID, buf: buf}, nil
}

type memFilesystem struct {
	pool *memPool
	id   string
	buf  *bytes.Buffer
}

func (f *memFilesystem) DatasetID() string { return f.id }
func (f *memFilesystem) OwnerID() string {
	f.pool.mu.Lock()
	defer f.pool.mu.Unlock()
	return f.pool.own[f.id]
}
func (f *memFilesystem) Path() string { return "/mem/" + f.id }
func (f *memFilesystem) Size() (uint64, error) {
	return uint64(f.buf.Len()), nil
}
func (f *memFilesystem) Reader(ctx context.Context, sinceSnapshot string) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(f.buf.Bytes())), nil
}
func (f *memFilesystem) Writer(ctx context.Context) (io.WriteCloser, error) {
	f.buf.Reset()
	return nopWriteCloser{f.buf}, nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func startServer(t *testing.T, pool change.StoragePool, nodeID string) *Server {
	t.Helper()
	srv, err := NewServer("127.0.0.1:0", pool, nodeID)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	go srv.Serve(ctx)
	return srv
}

func TestSnapshotsReportsNoneForANoSnapshotHistoryPool(t *testing.T) {
	pool := newMemPool()
	require.NoError(t, pool.Create(context.Background(), &types.Dataset{ID: "d1"}))
	srv := startServer(t, pool, "node-b")

	mgr := NewManager(map[string]string{"b": srv.Addr()})
	mgr.Prepare(&types.DatasetChanges{Going: []types.DatasetHandoff{
		{Dataset: &types.Dataset{ID: "d1"}, Hostname: "b"},
	}})

	snapshots, err := mgr.Snapshots(context.Background(), "d1")
	require.NoError(t, err)
	assert.Empty(t, snapshots)
}

func TestReceiveWritesBytesAndAcks(t *testing.T) {
	pool := newMemPool()
	srv := startServer(t, pool, "node-b")

	mgr := NewManager(map[string]string{"b": srv.Addr()})
	mgr.Prepare(&types.DatasetChanges{Going: []types.DatasetHandoff{
		{Dataset: &types.Dataset{ID: "d1"}, Hostname: "b"},
	}})

	err := mgr.Receive(context.Background(), "d1", strings.NewReader("the-dataset-bytes"))
	require.NoError(t, err)

	fs, err := pool.Get(context.Background(), "d1")
	require.NoError(t, err)
	size, err := fs.Size()
	require.NoError(t, err)
	assert.EqualValues(t, len("the-dataset-bytes"), size)
}

func TestAcquireReturnsPeerNodeIDAndFlipsOwnership(t *testing.T) {
	pool := newMemPool()
	require.NoError(t, pool.Create(context.Background(), &types.Dataset{ID: "d1"}))
	srv := startServer(t, pool, "node-b")

	mgr := NewManager(map[string]string{"b": srv.Addr()})
	mgr.Prepare(&types.DatasetChanges{Going: []types.DatasetHandoff{
		{Dataset: &types.Dataset{ID: "d1"}, Hostname: "b"},
	}})

	owner, err := mgr.Acquire(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, "node-b", owner)

	fs, err := pool.Get(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, "node-b", fs.OwnerID())
}

func TestTargetAddrFailsWithoutPrepare(t *testing.T) {
	mgr := NewManager(map[string]string{"b": "127.0.0.1:1"})
	_, err := mgr.Snapshots(context.Background(), "unregistered")
	assert.Error(t, err)
}
