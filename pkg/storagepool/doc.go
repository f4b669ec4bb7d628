/*
Package storagepool implements the consumed StoragePool and Filesystem
interfaces (see pkg/change) against a local directory tree: one
subdirectory per dataset_id, carrying an owner marker file and a size
marker file.

Ownership is the load-bearing concept here: a manifestation can be
physically present in the pool without being locally owned (between a
Push and the Handoff that follows it), so Enumerate reports everything it
finds and leaves owner filtering to the caller — see
pkg/deploy.ManifestationDeployer, which keeps only filesystems whose
OwnerID matches the local node's identity (pkg/identity).

This is a reference implementation suitable for the exercise's
single-node testing scope; a production deployment would back StoragePool
with ZFS or a block-storage driver instead, per the design note in
SPEC_FULL.md leaving that driver choice external.
*/
package storagepool
