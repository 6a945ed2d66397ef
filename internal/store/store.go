// Package store is the durable source of truth for keys, APIs, identities
// and rate limit overrides.
//
// Lookups return a nil record with a nil error when the record does not
// exist; the cache layer stores that as a negative entry. Errors are
// reserved for failures of the store itself.
package store

import (
	"context"
	"errors"
)

var (
	// ErrUnsupportedDriver is returned for drivers other than postgres and sqlite3.
	ErrUnsupportedDriver = errors.New("store: unsupported driver")

	// ErrInvalidRecord is returned when a record violates a store constraint.
	ErrInvalidRecord = errors.New("store: invalid record")
)

// KeyStore resolves keys by the hash of their secret.
type KeyStore interface {
	FindKeyByHash(ctx context.Context, hash string) (*VerificationKey, error)
}

// UsageStore reads and decrements the remaining credits of a key.
type UsageStore interface {
	// GetRemaining returns the remaining credits of keyID. found is false
	// when the key does not exist; remaining is nil for unlimited keys.
	GetRemaining(ctx context.Context, keyID string) (remaining *int64, found bool, err error)

	// DecrementRemaining subtracts cost from a limited key, never below zero.
	DecrementRemaining(ctx context.Context, keyID string, cost int64) error
}

// ApiStore resolves APIs by id.
type ApiStore interface {
	FindApi(ctx context.Context, id string) (*Api, error)
}

// IdentityStore resolves rate limit overrides.
type IdentityStore interface {
	FindRatelimitOverride(ctx context.Context, namespace, identifier string) (*RatelimitOverride, error)
}

// Store is the full durable store used by the service.
type Store interface {
	KeyStore
	UsageStore
	ApiStore
	IdentityStore

	Ping(ctx context.Context) error
	Close() error
}
