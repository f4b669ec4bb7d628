/*
Package change implements the action algebra: the ten primitive state-change
operations a convergence plan is built from, plus the Sequential and
Parallel combinators that compose them into a tree.

Every node in the tree — leaf primitive or internal combinator — satisfies
the same Change interface: Describe for tracing, Run to execute against a
Context of external collaborators (container runtime, storage pool,
network driver, remote volume manager).

Sequential stops at the first failing child; Parallel runs every child to
completion regardless of failures and aggregates them. Neither combinator
retries; the convergence driver (pkg/driver) is responsible for retrying a
failed tick by recomputing from fresh observed state.
*/
package change
