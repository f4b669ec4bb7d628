/*
Package analyzer implements find_dataset_changes: the pure function at the
heart of dataset migration planning. Given the local hostname, the observed
cluster state, and the desired cluster configuration, it produces five
disjoint sets describing what must happen to datasets this tick: creating,
resizing, coming (migrating in), going (migrating out), and deleting.

The function is intentionally side-effect-free so it can be unit tested
exhaustively without mocking a runtime, a storage pool, or a network. The
convergence planner (pkg/deploy) is the only consumer; it schedules phases
from this output but never calls back into it mid-plan.
*/
package analyzer
