// Package change implements the action algebra: a uniform run contract for
// primitive state-change operations, plus Sequential and Parallel
// combinators. Actions are represented as a tagged-variant tree (leaf
// primitives plus Sequential/Parallel internal nodes) rather than as
// callable objects with implicit effects, so that planning stays pure and
// the resulting tree is trivially inspectable in tests.
package change

import (
	"context"
	"sync"
)

// Descriptor names a Change for tracing: what kind of action it is plus a
// flat set of structured attributes describing its arguments. The driver
// logs this alongside the outcome of Run so operators can see exactly what
// was attempted without parsing free-text messages.
type Descriptor struct {
	Name  string
	Attrs map[string]any
}

// Change is the uniform contract every action-tree node satisfies, leaves
// and internal nodes alike.
type Change interface {
	// Describe returns this node's trace descriptor.
	Describe() Descriptor
	// Run executes the change against ctx, returning a typed failure if it
	// did not complete successfully. Implementations must honor context
	// cancellation where the underlying operation supports it.
	Run(ctx context.Context, deployer Context) error
}

// Context is the set of external collaborators a Change's Run method may
// call into. It is deliberately a flat struct of interfaces rather than a
// god-object: each field is one of the consumed interfaces named in the
// external-interfaces contract, and primitives only touch the fields they
// need.
type Context struct {
	Runtime       Runtime
	Pool          StoragePool
	Network       Network
	RemoteVolumes RemoteVolumeManager
}

// Sequential runs its children in list order and stops at the first
// failure; children after the failing one are never attempted. Use this
// when later children depend on the happens-before of earlier ones.
type Sequential struct {
	Changes []Change
}

func (s Sequential) Describe() Descriptor {
	return Descriptor{Name: "sequential", Attrs: map[string]any{"children": len(s.Changes)}}
}

func (s Sequential) Run(ctx context.Context, deployer Context) error {
	for _, c := range s.Changes {
		if err := c.Run(ctx, deployer); err != nil {
			return err
		}
	}
	return nil
}

// Parallel dispatches all children concurrently and awaits every one to
// completion, regardless of whether any sibling fails. The combined result
// fails if any child failed; no sibling is ever cancelled early.
type Parallel struct {
	Changes []Change
}

func (p Parallel) Describe() Descriptor {
	return Descriptor{Name: "parallel", Attrs: map[string]any{"children": len(p.Changes)}}
}

// AggregateError collects one error per failing child of a Parallel node.
// It is never partial: every child that was dispatched is represented by
// exactly one attempt, successful or not.
type AggregateError struct {
	Errors []error
}

func (e *AggregateError) Error() string {
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	msg := e.Errors[0].Error()
	for _, err := range e.Errors[1:] {
		msg += "; " + err.Error()
	}
	return msg
}

func (p Parallel) Run(ctx context.Context, deployer Context) error {
	if len(p.Changes) == 0 {
		return nil
	}
	var wg sync.WaitGroup
	errs := make([]error, len(p.Changes))
	wg.Add(len(p.Changes))
	for i, c := range p.Changes {
		go func(i int, c Change) {
			defer wg.Done()
			errs[i] = c.Run(ctx, deployer)
		}(i, c)
	}
	wg.Wait()

	var failures []error
	for _, err := range errs {
		if err != nil {
			failures = append(failures, err)
		}
	}
	if len(failures) == 0 {
		return nil
	}
	return &AggregateError{Errors: failures}
}

// Empty is the no-op Change: it runs a Sequential (or Parallel) with zero
// children. Planners that have nothing to do for a phase should simply omit
// that phase rather than construct Empty{}; it exists for callers that need
// a concrete Change value representing "nothing".
var Empty Change = Sequential{}
