package stores

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrReadOnly is returned when a write is attempted inside a read-only transaction.
var ErrReadOnly = errors.New("transaction is read-only")

// Store is a transactional resource store. Every read and write of a logical
// operation happens inside one View or Update closure.
type Store interface {
	// View runs fn inside a read-only transaction.
	View(ctx context.Context, fn func(tx Tx) error) error

	// Update runs fn inside a read-write transaction. The transaction commits
	// only if fn returns nil; any error aborts all of its writes.
	Update(ctx context.Context, fn func(tx Tx) error) error

	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases the backend.
	Close() error
}

// Record is a raw stored value.
type Record struct {
	ID    uuid.UUID
	Value []byte
}

// Tx is the raw, backend-level view of a transaction. Entities are addressed by
// (kind, id); the kind is an explicit discriminator and the same id may key
// several kinds independently.
type Tx interface {
	// Get returns nil without error when no value is stored.
	Get(kind string, id uuid.UUID) ([]byte, error)

	// Put replaces the whole value. relations lists the targets the value
	// references, keyed by relation name; the backend keeps them in sync.
	Put(kind string, id uuid.UUID, value []byte, relations map[string][]string) error

	// Delete removes the value; deleting an absent value is not an error.
	Delete(kind string, id uuid.UUID) error

	// List returns all values of kind.
	List(kind string) ([]Record, error)

	// Referencing returns the ids of kind whose relation includes target.
	Referencing(kind, relation, target string) ([]uuid.UUID, error)

	// Writable reports whether the transaction accepts writes.
	Writable() bool
}

// PersistenceError signals a serialization or backend failure.
type PersistenceError struct {
	Op   string
	Kind string
	ID   string
	Err  error
}

func (e *PersistenceError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("failed to %s %s <%s>: %v", e.Op, e.Kind, e.ID, e.Err)
	}
	if e.Kind != "" {
		return fmt.Sprintf("failed to %s %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("failed to %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsPersistenceError reports whether err carries a PersistenceError.
func IsPersistenceError(err error) bool {
	var e *PersistenceError
	return errors.As(err, &e)
}

func persistenceError(op, kind string, id uuid.UUID, err error) error {
	if err == nil {
		return nil
	}
	e := &PersistenceError{Op: op, Kind: kind, Err: err}
	if id != uuid.Nil {
		e.ID = id.String()
	}
	return e
}
