package change

import "errors"

// ErrUnitNotFound is returned by Runtime.Remove when the named unit does
// not exist. StopApplication treats this as success: the desired end state
// (no such unit running) already holds.
var ErrUnitNotFound = errors.New("change: no such unit")

// ErrShrinkBelowUsed is a typed invariant error returned by StoragePool.
// SetMaximumSize when the requested size is below the dataset's used bytes.
var ErrShrinkBelowUsed = errors.New("change: cannot shrink dataset below used bytes")

// ErrNotLocallyOwned is a typed policy-violation error: ChangeOwner was
// asked to hand a dataset's ownership to a different node while this node
// does not currently hold it as primary. It is never retried — the
// caller's view of ownership is stale or wrong.
var ErrNotLocallyOwned = errors.New("change: dataset is not locally owned")
