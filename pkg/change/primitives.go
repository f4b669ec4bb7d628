package change

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/flotilla/pkg/linkenv"
	"github.com/cuemby/flotilla/pkg/types"
)

// waitForDatasetPollInterval is how often WaitForDataset re-checks the
// storage pool while waiting for an incoming handoff to land.
const waitForDatasetPollInterval = 250 * time.Millisecond

// defaultLinkProtocol is the protocol used for every link's environment
// encoding. The data model does not carry a per-link protocol (see
// types.Link), so link environment is always encoded as tcp, matching the
// common case in the source material.
const defaultLinkProtocol = "tcp"

// StartApplication instructs the container runtime to create and start a
// unit for app. Hostname is the owning node's hostname, used to resolve
// every one of app's links to environment variables (see pkg/linkenv).
type StartApplication struct {
	Application *types.Application
	Hostname    string
}

func (s StartApplication) Describe() Descriptor {
	return Descriptor{Name: "start_application", Attrs: map[string]any{
		"application": s.Application.Name, "hostname": s.Hostname,
	}}
}

func (s StartApplication) Run(ctx context.Context, deployer Context) error {
	env := linkenv.EncodeAll(s.Application.Links, defaultLinkProtocol, s.Hostname, s.Application.SortedEnvironment())
	toStart := *s.Application
	toStart.Environment = env
	if err := deployer.Runtime.Add(ctx, &toStart); err != nil {
		return fmt.Errorf("start application %s: %w", s.Application.Name, err)
	}
	return nil
}

// StopApplication removes the unit by name. The runtime reporting that no
// such unit exists is not a failure: the desired end state already holds.
type StopApplication struct {
	Application *types.Application
}

func (s StopApplication) Describe() Descriptor {
	return Descriptor{Name: "stop_application", Attrs: map[string]any{"application": s.Application.Name}}
}

func (s StopApplication) Run(ctx context.Context, deployer Context) error {
	err := deployer.Runtime.Remove(ctx, s.Application.Name)
	if err == nil || errors.Is(err, ErrUnitNotFound) {
		return nil
	}
	return fmt.Errorf("stop application %s: %w", s.Application.Name, err)
}

// CreateDataset creates a new primary manifestation locally at the
// dataset's requested maximum size.
type CreateDataset struct {
	Dataset *types.Dataset
}

func (c CreateDataset) Describe() Descriptor {
	return Descriptor{Name: "create_dataset", Attrs: map[string]any{"dataset_id": c.Dataset.ID}}
}

func (c CreateDataset) Run(ctx context.Context, deployer Context) error {
	if err := deployer.Pool.Create(ctx, c.Dataset); err != nil {
		return fmt.Errorf("create dataset %s: %w", c.Dataset.ID, err)
	}
	return nil
}

// ResizeDataset adjusts the maximum_size of an existing local
// manifestation.
type ResizeDataset struct {
	Dataset *types.Dataset
}

func (r ResizeDataset) Describe() Descriptor {
	return Descriptor{Name: "resize_dataset", Attrs: map[string]any{"dataset_id": r.Dataset.ID}}
}

func (r ResizeDataset) Run(ctx context.Context, deployer Context) error {
	if err := deployer.Pool.SetMaximumSize(ctx, r.Dataset); err != nil {
		return fmt.Errorf("resize dataset %s: %w", r.Dataset.ID, err)
	}
	return nil
}

// WaitForDataset blocks until a local manifestation with DatasetID is
// observed — this is where ownership transfer from a handoff completes, as
// observed locally. It is bounded externally: ctx's deadline governs the
// timeout.
type WaitForDataset struct {
	DatasetID string
}

func (w WaitForDataset) Describe() Descriptor {
	return Descriptor{Name: "wait_for_dataset", Attrs: map[string]any{"dataset_id": w.DatasetID}}
}

func (w WaitForDataset) Run(ctx context.Context, deployer Context) error {
	for {
		if _, err := deployer.Pool.Get(ctx, w.DatasetID); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for dataset %s: %w", w.DatasetID, ctx.Err())
		case <-time.After(waitForDatasetPollInterval):
		}
	}
}

// HandoffDataset transfers ownership of the local primary manifestation of
// DatasetID to Hostname's node. It first pushes the dataset again, so the
// peer also receives whatever was written after an earlier PushDataset, and
// only then has the peer acquire it. After success, the peer holds the
// primary.
type HandoffDataset struct {
	DatasetID string
	Hostname  string
}

func (h HandoffDataset) Describe() Descriptor {
	return Descriptor{Name: "handoff_dataset", Attrs: map[string]any{
		"dataset_id": h.DatasetID, "hostname": h.Hostname,
	}}
}

func (h HandoffDataset) Run(ctx context.Context, deployer Context) error {
	if err := (PushDataset{DatasetID: h.DatasetID, Hostname: h.Hostname}).Run(ctx, deployer); err != nil {
		return fmt.Errorf("handoff dataset %s to %s: %w", h.DatasetID, h.Hostname, err)
	}
	newOwnerID, err := deployer.RemoteVolumes.Acquire(ctx, h.DatasetID)
	if err != nil {
		return fmt.Errorf("handoff dataset %s to %s: %w", h.DatasetID, h.Hostname, err)
	}
	if err := deployer.Pool.ChangeOwner(ctx, h.DatasetID, newOwnerID); err != nil {
		return fmt.Errorf("handoff dataset %s to %s: %w", h.DatasetID, h.Hostname, err)
	}
	return nil
}

// PushDataset copies the current snapshot bytes to a peer without
// transferring ownership, as a pre-handoff warm-up; HandoffDataset pushes
// again before transferring ownership, so whatever this push misses is
// copied then. A push failure is returned like any other primitive's error:
// it fails its phase and stops a Sequential plan before the phases after it.
type PushDataset struct {
	DatasetID string
	Hostname  string
}

func (p PushDataset) Describe() Descriptor {
	return Descriptor{Name: "push_dataset", Attrs: map[string]any{
		"dataset_id": p.DatasetID, "hostname": p.Hostname,
	}}
}

func (p PushDataset) Run(ctx context.Context, deployer Context) error {
	fs, err := deployer.Pool.Get(ctx, p.DatasetID)
	if err != nil {
		return fmt.Errorf("push dataset %s to %s: %w", p.DatasetID, p.Hostname, err)
	}
	have, err := deployer.RemoteVolumes.Snapshots(ctx, p.DatasetID)
	if err != nil {
		return fmt.Errorf("push dataset %s to %s: %w", p.DatasetID, p.Hostname, err)
	}
	sinceSnapshot := ""
	if len(have) > 0 {
		sinceSnapshot = have[len(have)-1]
	}
	r, err := fs.Reader(ctx, sinceSnapshot)
	if err != nil {
		return fmt.Errorf("push dataset %s to %s: %w", p.DatasetID, p.Hostname, err)
	}
	defer r.Close()
	if err := deployer.RemoteVolumes.Receive(ctx, p.DatasetID, r); err != nil {
		return fmt.Errorf("push dataset %s to %s: %w", p.DatasetID, p.Hostname, err)
	}
	return nil
}

// DeleteDataset destroys every local manifestation of DatasetID,
// best-effort: each manifestation's removal is attempted independently and
// a failure on one never aborts the others.
type DeleteDataset struct {
	DatasetID string
}

func (d DeleteDataset) Describe() Descriptor {
	return Descriptor{Name: "delete_dataset", Attrs: map[string]any{"dataset_id": d.DatasetID}}
}

func (d DeleteDataset) Run(ctx context.Context, deployer Context) error {
	filesystems, err := deployer.Pool.Enumerate(ctx)
	if err != nil {
		return fmt.Errorf("delete dataset %s: enumerate: %w", d.DatasetID, err)
	}
	var failures []error
	attempted := false
	for _, fs := range filesystems {
		if fs.DatasetID() != d.DatasetID {
			continue
		}
		attempted = true
		if err := deployer.Pool.Destroy(ctx, d.DatasetID); err != nil {
			failures = append(failures, err)
		}
	}
	if !attempted {
		return nil
	}
	if len(failures) == 0 {
		return nil
	}
	return fmt.Errorf("delete dataset %s: %w", d.DatasetID, &AggregateError{Errors: failures})
}

// SetProxies replaces the full set of outbound proxies: every existing
// proxy is removed, then every proxy in Proxies is created. This is a
// deliberate idempotent-replace policy rather than an incremental diff —
// see pkg/network for the rationale. Per-operation failures are collected;
// the aggregate completes only once every attempt has been made.
type SetProxies struct {
	Proxies []types.Proxy
}

func (s SetProxies) Describe() Descriptor {
	return Descriptor{Name: "set_proxies", Attrs: map[string]any{"count": len(s.Proxies)}}
}

func (s SetProxies) Run(ctx context.Context, deployer Context) error {
	existing, err := deployer.Network.EnumerateProxies(ctx)
	if err != nil {
		return fmt.Errorf("set proxies: enumerate: %w", err)
	}
	var failures []error
	for _, p := range existing {
		if err := deployer.Network.DeleteProxy(ctx, p); err != nil {
			failures = append(failures, err)
		}
	}
	for _, p := range s.Proxies {
		if err := deployer.Network.CreateProxyTo(ctx, p); err != nil {
			failures = append(failures, err)
		}
	}
	if len(failures) == 0 {
		return nil
	}
	return fmt.Errorf("set proxies: %w", &AggregateError{Errors: failures})
}

// OpenPorts follows the same diff-by-replace policy as SetProxies.
type OpenPorts struct {
	Ports []types.OpenPort
}

func (o OpenPorts) Describe() Descriptor {
	return Descriptor{Name: "open_ports", Attrs: map[string]any{"count": len(o.Ports)}}
}

func (o OpenPorts) Run(ctx context.Context, deployer Context) error {
	existing, err := deployer.Network.EnumerateOpenPorts(ctx)
	if err != nil {
		return fmt.Errorf("open ports: enumerate: %w", err)
	}
	var failures []error
	for _, p := range existing {
		if err := deployer.Network.DeleteOpenPort(ctx, p); err != nil {
			failures = append(failures, err)
		}
	}
	for _, p := range o.Ports {
		if err := deployer.Network.OpenPort(ctx, p); err != nil {
			failures = append(failures, err)
		}
	}
	if len(failures) == 0 {
		return nil
	}
	return fmt.Errorf("open ports: %w", &AggregateError{Errors: failures})
}
