// Package errdefs defines the error taxonomy shared across the module.
// Sentinels support errors.Is; the structured types support errors.As and
// carry enough detail (offending value, expected value) to diagnose.
package errdefs

import (
	"errors"
	"fmt"
)

var (
	// ErrDatumNotFound reports a datum id unknown to the backing store.
	ErrDatumNotFound = errors.New("runbroker: datum not found")
	// ErrResourceNotFound reports a resource uid unknown to the backing store.
	ErrResourceNotFound = errors.New("runbroker: resource not found")
	// ErrEventNotFound reports an event uid unknown to the backing store.
	ErrEventNotFound = errors.New("runbroker: event not found")
	// ErrRunNotFound reports that no run matched a lookup key.
	ErrRunNotFound = errors.New("runbroker: run not found")
	// ErrDuplicateKey reports an insert that collides with an existing,
	// different document under the same primary key.
	ErrDuplicateKey = errors.New("runbroker: duplicate key")
	// ErrInvalidConfiguration reports a fatal construction-time problem:
	// missing config keys, a mismatched database schema, and the like.
	ErrInvalidConfiguration = errors.New("runbroker: invalid configuration")
	// ErrAmbiguousKey reports a partial-uid lookup that matched more than
	// one run.
	ErrAmbiguousKey = errors.New("runbroker: ambiguous key")
	// ErrPartitionOutOfRange reports a partition index outside the plan.
	ErrPartitionOutOfRange = errors.New("runbroker: partition index out of range")
)

// DatumNotFound wraps ErrDatumNotFound with the offending id.
func DatumNotFound(datumID string) error {
	return fmt.Errorf("%w: %q", ErrDatumNotFound, datumID)
}

// ResourceNotFound wraps ErrResourceNotFound with the offending uid.
func ResourceNotFound(uid string) error {
	return fmt.Errorf("%w: %q", ErrResourceNotFound, uid)
}

// DuplicateKey wraps ErrDuplicateKey naming the colliding kind and key.
func DuplicateKey(kind, key string) error {
	return fmt.Errorf("%w: %s %q already exists with different content", ErrDuplicateKey, kind, key)
}

// UnresolvableForeignKeyError is raised while walking an event whose data
// references a datum id the walker has not seen yet. The filler recovers
// from it internally unless the same key repeats on consecutive attempts.
type UnresolvableForeignKeyError struct {
	Key    string // the unresolved datum id
	Detail string // optional context, e.g. which side of the datum->resource link broke
}

func (e *UnresolvableForeignKeyError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("runbroker: unresolvable foreign key %q", e.Key)
	}
	return fmt.Sprintf("runbroker: unresolvable foreign key %q (%s)", e.Key, e.Detail)
}

// DuplicateHandlerError is raised when a second, different handler factory
// is registered for an already-bound spec without overwrite.
type DuplicateHandlerError struct {
	Spec     string
	Existing string // type name of the factory already registered
	Proposed string // type name of the rejected factory
}

func (e *DuplicateHandlerError) Error() string {
	return fmt.Sprintf("runbroker: handler already registered for spec %q (existing %s, proposed %s)",
		e.Spec, e.Existing, e.Proposed)
}

// SpecNotRegisteredError is raised when a resource names a spec that has no
// registered handler factory. Missing registrations are hard failures.
type SpecNotRegisteredError struct {
	Spec string
}

func (e *SpecNotRegisteredError) Error() string {
	return fmt.Sprintf("runbroker: no handler registered for spec %q", e.Spec)
}

// InvariantError reports a fatal invariant violation with the offending and
// expected values, e.g. a root shift past the available path segments or a
// resource copy whose backend document no longer matches the caller's.
type InvariantError struct {
	Op       string
	Got      any
	Expected any
	Msg      string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("runbroker: %s: %s (got %v, expected %v)", e.Op, e.Msg, e.Got, e.Expected)
}
