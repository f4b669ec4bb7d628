/*
Package runtime implements the consumed Runtime interface (see pkg/change)
against containerd: List, Add and Remove over a single containerd
namespace, one container per application unit.

# Architecture

	┌─────────────────── ContainerdRuntime ─────────────────────┐
	│                                                             │
	│  Add(app)                                                   │
	│    pull image → build OCI spec (env, volume bind mount,     │
	│    CPU/memory limits) → NewContainer(labels=metadata)        │
	│    → NewTask(cio.NullIO) → Start                             │
	│                                                             │
	│  List()                                                      │
	│    Containers() → for each: Info().Labels decodes            │
	│    Ports/Volume/RestartPolicy, Spec().Process.Env decodes     │
	│    Environment, Task().Status() decodes Running               │
	│                                                             │
	│  Remove(name)                                                │
	│    LoadContainer → stopTask (SIGTERM, wait, SIGKILL on        │
	│    timeout) → Delete(WithSnapshotCleanup)                    │
	└─────────────────────────────────────────────────────────────┘

# The metadata label

containerd has no native field for the things an Application needs beyond
an OCI spec — declared Ports, the mountpoint of its Volume, and
its RestartPolicy. Add encodes these as JSON into a single container label
(flotilla.metadata) at creation time; List decodes the label back out. The
OCI spec itself remains the source of truth for everything containerd does
understand (image, env, mounts, resource limits), so the two together give
List enough to reconstruct a full change.Unit without a side-channel store.

# Environment round-trip

Add receives an Application whose Environment has already been expanded to
include link-derived variables (see pkg/linkenv and
change.StartApplication) — Add writes the expanded set verbatim into the
OCI spec's process environment. List reads it back unmodified; splitting
link variables back out of it is the caller's job (ApplicationDeployer),
not this package's.

# See also

pkg/change for the Runtime interface this package implements and the
StartApplication/StopApplication primitives that call it.
*/
package runtime
