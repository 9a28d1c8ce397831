// Package store defines the key-value persistence interface for the buddy
// engine. The engine keeps its whole investment collection as one JSON
// document per key, so a backend only needs atomic whole-value get and set.
//
// Implementations include PostgreSQL and SQLite (durable), Redis (primary or
// read-through cache over another store), and in-memory (for testing).
package store

import "context"

// Store is the persistence interface.
type Store interface {
	// Get returns the value stored under key. ok is false when the key has
	// never been set.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// Set replaces the value stored under key.
	Set(ctx context.Context, key, value string) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
