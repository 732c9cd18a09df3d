// Package document defines the generic persistence and push-subscription
// capability the messenger core is written against, plus an in-memory
// implementation. Durable backends live in the postgres and natskv
// subpackages.
package document

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound         = errors.New("document not found")
	ErrAlreadyExists    = errors.New("document already exists")
	ErrPermissionDenied = errors.New("permission denied")
	ErrInvalidKey       = errors.New("invalid document key")
	ErrClosed           = errors.New("document store is closed")
)

// Key addresses one document inside a collection.
type Key struct {
	Collection string
	ID         string
}

// K is shorthand for building a Key.
func K(collection, id string) Key {
	return Key{Collection: collection, ID: id}
}

func (k Key) String() string {
	return k.Collection + "/" + k.ID
}

// Validate rejects keys with empty parts or path separators in them.
func (k Key) Validate() error {
	if strings.TrimSpace(k.Collection) == "" || strings.TrimSpace(k.ID) == "" {
		return fmt.Errorf("%w: %q", ErrInvalidKey, k.String())
	}
	if strings.ContainsAny(k.Collection, "/.") || strings.ContainsAny(k.ID, "/.") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, k.String())
	}
	return nil
}

// ParseKey parses the "collection/id" form produced by Key.String.
func ParseKey(raw string) (Key, error) {
	collection, id, ok := strings.Cut(raw, "/")
	if !ok {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidKey, raw)
	}
	key := Key{Collection: collection, ID: id}
	if err := key.Validate(); err != nil {
		return Key{}, err
	}
	return key, nil
}

// Document is a snapshot of one stored record.
//
// Seq is the creation sequence assigned by the store and never changes.
// Revision increases on every write, store-wide, so subscribers can
// discard stale snapshots.
type Document struct {
	Key      Key
	Fields   Fields
	Exists   bool
	Seq      int64
	Revision int64
}

// Decode unmarshals the document fields into v.
func (d Document) Decode(v any) error {
	if !d.Exists {
		return fmt.Errorf("decode %s: %w", d.Key, ErrNotFound)
	}
	return d.Fields.Decode(v)
}

// Unsubscribe stops a subscription. Calling it more than once is safe.
type Unsubscribe func()

// Store is per-document CRUD with field-merge semantics and push
// subscriptions addressed by key or by query.
type Store interface {
	Get(ctx context.Context, key Key) (Document, error)
	// Create stores a new document and fails with ErrAlreadyExists when
	// the key is taken.
	Create(ctx context.Context, key Key, fields Fields) (Document, error)
	// Add stores a new document under a store-assigned id.
	Add(ctx context.Context, collection string, fields Fields) (Document, error)
	Set(ctx context.Context, key Key, fields Fields) (Document, error)
	// Merge applies patch field by field, creating the document when it
	// does not exist. Values may be FieldOps.
	Merge(ctx context.Context, key Key, patch Fields) (Document, error)
	Query(ctx context.Context, q Query) ([]Document, error)
	// Watch calls fn with the current snapshot before returning and again
	// after every write to the key.
	Watch(ctx context.Context, key Key, fn func(Document)) (Unsubscribe, error)
	// WatchQuery calls fn with the full ordered result set before
	// returning and again after every write to the query's collection.
	WatchQuery(ctx context.Context, q Query, fn func([]Document)) (Unsubscribe, error)
	Close() error
}
