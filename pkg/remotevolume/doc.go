/*
Package remotevolume provides the peer-to-peer transport behind dataset
push and handoff: Manager (client) implements change.RemoteVolumeManager;
Server is the per-node listener Manager's requests land on.

# Protocol

A request is one line, "<VERB> <dataset_id>\n", followed by a
verb-specific body:

	SNAPSHOTS <id>    -> server replies with known snapshot ids, one per
	                     line, terminated by "END\n" (pkg/storagepool keeps
	                     no snapshot history, so this is always just "END")
	RECEIVE <id>      -> client streams the dataset's bytes, then
	                     half-closes its write side; server replies "OK\n"
	                     once durably written
	ACQUIRE <id>      -> server takes local ownership of the dataset and
	                     replies "OWNER <node_id>\n" with its own identity

# Target resolution

Every change.RemoteVolumeManager method takes only a dataset_id, because
the interface is shared by every primitive in a convergence plan
regardless of which peer it targets. Manager.Prepare, called once per
tick from the dataset changes the analyzer just computed, is what lets
a dataset_id-only call find the right peer: it is the only place in the
system that pairs a migrating dataset with the hostname it is migrating
to.

# See also

pkg/change for the RemoteVolumeManager interface and the
PushDataset/HandoffDataset primitives that call it; pkg/storagepool for
the local manifestation store Server serves requests against.
*/
package remotevolume
