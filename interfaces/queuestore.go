package interfaces

import "context"

// QueueStore is the durable multi-queue shared with requesters: a mapping of
// table name to an independent key-value namespace. Single-key operations are
// atomic; there are no cross-key transactions. The lifecycle's correctness
// rests on its own write ordering, not on store-level transactions.
type QueueStore interface {
	// Set writes value under key in the named table, overwriting any
	// previous value.
	Set(ctx context.Context, table, key, value string) error

	// Get reads the value under key. Returns ErrKeyNotFound if absent.
	Get(ctx context.Context, table, key string) (string, error)

	// Remove deletes the key from the table. Removing an absent key is not
	// an error.
	Remove(ctx context.Context, table, key string) error

	// Lookup lists all keys present in the named table.
	Lookup(ctx context.Context, table string) ([]string, error)

	// Available checks whether the store is reachable.
	Available(ctx context.Context) bool

	// Name returns an identifier for logging.
	Name() string
}
