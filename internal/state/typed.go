package state

import (
	"encoding/json"
	"fmt"
)

// Typed wraps Store with JSON marshaling for one kind of checkpoint.
type Typed[T any] struct {
	store *Store
	kind  string
}

// NewTyped creates a typed view of the store for the given kind.
func NewTyped[T any](store *Store, kind string) *Typed[T] {
	return &Typed[T]{
		store: store,
		kind:  kind,
	}
}

// Kind returns the resource kind this view handles.
func (s *Typed[T]) Kind() string {
	return s.kind
}

// Load returns the stored value for id. found is false when nothing has
// been saved yet, in which case value is the zero value.
func (s *Typed[T]) Load(id string) (value T, found bool, err error) {
	rec, found, err := s.store.Get(s.kind, id)
	if err != nil || !found {
		return value, false, err
	}

	if err := json.Unmarshal(rec.Payload, &value); err != nil {
		return value, false, fmt.Errorf("failed to unmarshal %s/%s: %w", s.kind, id, err)
	}
	return value, true, nil
}

// Save marshals and stores value under id.
func (s *Typed[T]) Save(id string, value T) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s/%s: %w", s.kind, id, err)
	}
	_, err = s.store.Put(s.kind, id, payload)
	return err
}

// Forget removes the stored value for id.
func (s *Typed[T]) Forget(id string) error {
	return s.store.Delete(s.kind, id)
}

// Clear removes all values of this kind.
func (s *Typed[T]) Clear() error {
	return s.store.Clear(s.kind)
}

// All returns every stored value of this kind keyed by id.
func (s *Typed[T]) All() (map[string]T, error) {
	records, err := s.store.List(s.kind)
	if err != nil {
		return nil, err
	}

	values := make(map[string]T, len(records))
	for _, rec := range records {
		var value T
		if err := json.Unmarshal(rec.Payload, &value); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s/%s: %w", s.kind, rec.ID, err)
		}
		values[rec.ID] = value
	}
	return values, nil
}
