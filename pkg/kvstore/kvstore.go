// Package kvstore defines the key-value persistence collaborator shared by the
// circuit breaker, state cache, and adaptive scheduler. Values are versioned
// JSON documents; mutation is serialized through a compare-and-swap revision
// counter so concurrent orchestrator invocations never lose writes.
package kvstore

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrNotFound is returned when no document exists for a key.
var ErrNotFound = errors.New("kvstore: key not found")

// ErrRevisionMismatch is returned by CompareAndSwap when the document was
// modified since the caller read it.
var ErrRevisionMismatch = errors.New("kvstore: revision mismatch")

// Document is a versioned value.
type Document struct {
	// Revision increments on every write; revision 0 means "does not exist"
	// when passed to CompareAndSwap.
	Revision int64 `json:"revision"`

	// Value is the stored JSON payload.
	Value json.RawMessage `json:"value"`
}

// Store is the persistence collaborator interface.
type Store interface {
	// Get returns the document for key, or ErrNotFound.
	Get(ctx context.Context, key string) (*Document, error)

	// Put unconditionally writes value, returning the new revision.
	Put(ctx context.Context, key string, value json.RawMessage) (int64, error)

	// CompareAndSwap writes value only if the current revision equals
	// expected (0 for "must not exist"). Returns the new revision or
	// ErrRevisionMismatch.
	CompareAndSwap(ctx context.Context, key string, expected int64, value json.RawMessage) (int64, error)

	// Delete removes the document for key. Deleting a missing key is not an
	// error.
	Delete(ctx context.Context, key string) error

	// List returns all keys with the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// GetJSON unmarshals the document for key into out and returns its revision.
// Missing keys return ErrNotFound with revision 0.
func GetJSON(ctx context.Context, s Store, key string, out interface{}) (int64, error) {
	doc, err := s.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if err := json.Unmarshal(doc.Value, out); err != nil {
		return 0, err
	}
	return doc.Revision, nil
}

// PutJSON marshals v and writes it unconditionally.
func PutJSON(ctx context.Context, s Store, key string, v interface{}) (int64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, err
	}
	return s.Put(ctx, key, data)
}
