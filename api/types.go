package api

import "context"

// mutating request bodies are single task payloads; anything bigger is junk
const mutationMaxSize = 16 * 1024 // 16 KiB

// Authenticator is implemented by types able to extract owner IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Deduper prevents reprocessing of client-retried mutations.
type Deduper interface {
	// Add records the idempotency key and returns true if it was newly added.
	Add(ctx context.Context, ownerID, key string) (bool, error)
	// Remove deletes a previously added key, used when the store call fails.
	Remove(ctx context.Context, ownerID, key string) error
}
