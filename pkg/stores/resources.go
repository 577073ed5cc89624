package stores

import (
	"context"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// Resource is any persisted entity. The kind must be constant per type.
type Resource interface {
	ResourceKind() string
}

// Relational is implemented by resources that reference other entities.
type Relational interface {
	ResourceRelations() map[string][]string
}

// Identifier is any typed id backed by a UUID.
type Identifier interface {
	UUID() uuid.UUID
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
}

func kindOf[T Resource]() string {
	var zero T
	return zero.ResourceKind()
}

// Get loads the resource of type T stored under id.
func Get[T Resource](tx Tx, id Identifier) (T, bool, error) {
	var value T
	kind := kindOf[T]()

	data, err := tx.Get(kind, id.UUID())
	if err != nil || data == nil {
		return value, false, err
	}

	if err := decMode.Unmarshal(data, &value); err != nil {
		return value, false, persistenceError("decode", kind, id.UUID(), err)
	}
	return value, true, nil
}

// Insert stores value under id, replacing any previous value as a whole.
func Insert[T Resource](tx Tx, id Identifier, value T) error {
	kind := kindOf[T]()

	data, err := encMode.Marshal(value)
	if err != nil {
		return persistenceError("encode", kind, id.UUID(), err)
	}

	var relations map[string][]string
	if relational, ok := any(value).(Relational); ok {
		relations = relational.ResourceRelations()
	}

	return tx.Put(kind, id.UUID(), data, relations)
}

// Remove deletes the resource stored under id and returns the removed value.
func Remove[T Resource](tx Tx, id Identifier) (T, bool, error) {
	value, found, err := Get[T](tx, id)
	if err != nil || !found {
		return value, found, err
	}
	if err := tx.Delete(kindOf[T](), id.UUID()); err != nil {
		return value, false, err
	}
	return value, true, nil
}

// List returns all resources of type T.
func List[T Resource](tx Tx) ([]T, error) {
	kind := kindOf[T]()

	records, err := tx.List(kind)
	if err != nil {
		return nil, err
	}

	values := make([]T, 0, len(records))
	for _, record := range records {
		var value T
		if err := decMode.Unmarshal(record.Value, &value); err != nil {
			return nil, persistenceError("decode", kind, record.ID, err)
		}
		values = append(values, value)
	}
	return values, nil
}

// Referencing returns the ids of resources of type T whose relation includes target.
func Referencing[T Resource](tx Tx, relation string, target Identifier) ([]uuid.UUID, error) {
	return tx.Referencing(kindOf[T](), relation, target.UUID().String())
}

// Read runs fn in a read-only transaction and returns its result.
func Read[R any](ctx context.Context, s Store, fn func(tx Tx) (R, error)) (R, error) {
	var result R
	err := s.View(ctx, func(tx Tx) error {
		var err error
		result, err = fn(tx)
		return err
	})
	return result, err
}

// Write runs fn in a read-write transaction and returns its result.
func Write[R any](ctx context.Context, s Store, fn func(tx Tx) (R, error)) (R, error) {
	var result R
	err := s.Update(ctx, func(tx Tx) error {
		var err error
		result, err = fn(tx)
		return err
	})
	return result, err
}
