package interfaces

import (
	"context"

	"surveyrelay/pkg/types"
)

// KeyValueStore is the durable settings store. Values are opaque JSON
// documents addressed by key.
type KeyValueStore interface {
	// Get returns ErrKeyNotFound when the key has never been written.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set overwrites the value unconditionally.
	Set(ctx context.Context, key string, value []byte) error

	// CompareAndSwap writes next only if the stored value still equals
	// prev. A nil prev means the key must not exist yet. It reports
	// false without error when another writer got there first.
	CompareAndSwap(ctx context.Context, key string, prev, next []byte) (bool, error)

	HealthCheck(ctx context.Context) error
	Close() error
}

// ResultLog is the append-only surveyResults log.
type ResultLog interface {
	Append(ctx context.Context, result *types.SurveyResult) error

	// List returns results in acceptance order.
	List(ctx context.Context) ([]*types.SurveyResult, error)

	// CountByOwner counts logged results for one owner within a session.
	CountByOwner(ctx context.Context, sessionID types.SessionID, ownerID string) (int, error)
}

// Store bundles both views; every backend implements it.
type Store interface {
	KeyValueStore
	ResultLog
}
