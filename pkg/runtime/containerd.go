package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/cuemby/flotilla/pkg/change"
	"github.com/cuemby/flotilla/pkg/types"
)

const (
	// DefaultNamespace is the containerd namespace units are created in.
	DefaultNamespace = "flotilla"

	// DefaultSocketPath is the default containerd socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"

	// metadataLabel carries the JSON-encoded sidecar fields (ports, volume
	// mountpoint, restart policy) that containerd itself has no native
	// concept of, so List can reconstruct a full change.Unit without
	// re-deriving them from the OCI spec.
	metadataLabel = "flotilla.metadata"

	stopGracePeriod = 10 * time.Second
)

// unitMetadata is everything about an Application that containerd has no
// native field for. It round-trips through a container label.
type unitMetadata struct {
	Ports            []types.Port        `json:"ports,omitempty"`
	VolumeMountpoint string               `json:"volume_mountpoint,omitempty"`
	RestartPolicy    types.RestartPolicy `json:"restart_policy"`
}

// ContainerdRuntime implements change.Runtime against a containerd daemon.
type ContainerdRuntime struct {
	client    *containerd.Client
	namespace string
}

// NewContainerdRuntime dials the containerd socket at socketPath (or
// DefaultSocketPath if empty) and scopes every call to DefaultNamespace.
func NewContainerdRuntime(socketPath string) (*ContainerdRuntime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to containerd: %w", err)
	}

	return &ContainerdRuntime{client: client, namespace: DefaultNamespace}, nil
}

// Close closes the underlying containerd client connection.
func (r *ContainerdRuntime) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}

// List returns one Unit per container presently known to containerd in the
// managed namespace, reconstructing Ports/Volume/RestartPolicy from the
// metadata label and Environment from the container's OCI spec.
func (r *ContainerdRuntime) List(ctx context.Context) ([]change.Unit, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	containers, err := r.client.Containers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	units := make([]change.Unit, 0, len(containers))
	for _, c := range containers {
		unit, err := r.toUnit(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("inspect container %s: %w", c.ID(), err)
		}
		units = append(units, unit)
	}
	return units, nil
}

func (r *ContainerdRuntime) toUnit(ctx context.Context, c containerd.Container) (change.Unit, error) {
	info, err := c.Info(ctx)
	if err != nil {
		return change.Unit{}, fmt.Errorf("info: %w", err)
	}

	var meta unitMetadata
	if raw, ok := info.Labels[metadataLabel]; ok {
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			return change.Unit{}, fmt.Errorf("decode metadata label: %w", err)
		}
	}

	spec, err := c.Spec(ctx)
	if err != nil {
		return change.Unit{}, fmt.Errorf("spec: %w", err)
	}
	var env []types.EnvVar
	if spec.Process != nil {
		env = make([]types.EnvVar, 0, len(spec.Process.Env))
		for _, kv := range spec.Process.Env {
			name, value, _ := strings.Cut(kv, "=")
			env = append(env, types.EnvVar{Name: name, Value: value})
		}
	}

	var volume *types.AttachedVolume
	if meta.VolumeMountpoint != "" {
		volume = &types.AttachedVolume{Mountpoint: meta.VolumeMountpoint}
	}

	running := false
	if task, err := c.Task(ctx, nil); err == nil {
		status, err := task.Status(ctx)
		if err == nil {
			running = status.Status == containerd.Running || status.Status == containerd.Paused
		}
	}

	return change.Unit{
		Name:          c.ID(),
		Image:         info.Image,
		Volume:        volume,
		Ports:         meta.Ports,
		Environment:   env,
		Running:       running,
		RestartPolicy: meta.RestartPolicy,
	}, nil
}

// Add pulls app's image, creates a container carrying app's full spec (env,
// volume bind mount, resource limits, metadata label), creates its task and
// starts it.
func (r *ContainerdRuntime) Add(ctx context.Context, app *types.Application) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	image, err := r.client.Pull(ctx, app.Image, containerd.WithPullUnpack)
	if err != nil {
		return fmt.Errorf("pull image %s: %w", app.Image, err)
	}

	meta := unitMetadata{Ports: app.Ports, RestartPolicy: app.RestartPolicy}
	if app.Volume != nil {
		meta.VolumeMountpoint = app.Volume.Mountpoint
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(envStrings(app.Environment)),
	}

	if app.CPUShares != nil {
		opts = append(opts, oci.WithCPUShares(*app.CPUShares))
	}
	if app.MemoryLimit != nil {
		opts = append(opts, oci.WithMemoryLimit(*app.MemoryLimit))
	}
	if app.Volume != nil {
		opts = append(opts, oci.WithMounts([]specs.Mount{{
			Source:      app.Volume.Mountpoint,
			Destination: app.Volume.Mountpoint,
			Type:        "bind",
			Options:     []string{"rbind", "rw"},
		}}))
	}

	container, err := r.client.NewContainer(
		ctx,
		app.Name,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(app.Name+"-snapshot", image),
		containerd.WithNewSpec(opts...),
		containerd.WithContainerLabels(map[string]string{metadataLabel: string(metaJSON)}),
	)
	if err != nil {
		return fmt.Errorf("create container %s: %w", app.Name, err)
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		return fmt.Errorf("create task for %s: %w", app.Name, err)
	}
	if err := task.Start(ctx); err != nil {
		return fmt.Errorf("start task for %s: %w", app.Name, err)
	}
	return nil
}

func envStrings(env []types.EnvVar) []string {
	out := make([]string, 0, len(env))
	for _, e := range env {
		out = append(out, e.Name+"="+e.Value)
	}
	return out
}

// Remove stops and deletes the named unit, cleaning up its snapshot.
// change.ErrUnitNotFound is returned when no such container exists, so
// StopApplication can treat that as already-converged rather than a
// failure.
func (r *ContainerdRuntime) Remove(ctx context.Context, name string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, name)
	if err != nil {
		return fmt.Errorf("%s: %w", name, change.ErrUnitNotFound)
	}

	if err := r.stopTask(ctx, container); err != nil {
		return fmt.Errorf("stop %s: %w", name, err)
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("delete container %s: %w", name, err)
	}
	return nil
}

func (r *ContainerdRuntime) stopTask(ctx context.Context, container containerd.Container) error {
	task, err := container.Task(ctx, nil)
	if err != nil {
		// No task: container was never started, or already stopped.
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, stopGracePeriod)
	defer cancel()

	statusC, err := task.Wait(ctx)
	if err != nil {
		return fmt.Errorf("wait: %w", err)
	}

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		return fmt.Errorf("kill (SIGTERM): %w", err)
	}

	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return fmt.Errorf("kill (SIGKILL): %w", err)
		}
		<-statusC
	}

	if _, err := task.Delete(ctx); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}
