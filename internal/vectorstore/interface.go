// Package vectorstore persists chunk vectors and answers nearest-neighbour
// similarity queries. Two implementations are provided behind the Store
// interface: an embedded chromem-go database (default) and an external
// Qdrant server reached over gRPC.
package vectorstore

import (
	"context"
	"errors"
)

// Sentinel errors for vector store operations.
var (
	// ErrStore indicates a persistence-layer failure.
	ErrStore = errors.New("vector store failure")

	// ErrDimensionMismatch is returned when a vector's dimension disagrees
	// with the collection's established dimension.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrEmptyRecords indicates an empty or nil record batch.
	ErrEmptyRecords = errors.New("empty or nil records")

	// ErrMissingTenant is returned when a record or query carries no
	// tenant identifier. Tenant scoping is fail-closed.
	ErrMissingTenant = errors.New("missing tenant identifier")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid vector store configuration")
)

// Store is the interface for chunk vector storage.
//
// Guarantees required of every implementation:
//   - Durability: records added before a restart are present after it.
//   - Ranking: Query returns records ordered by descending cosine
//     similarity; ties are broken by chunk ordinal ascending so results
//     are deterministic.
//   - Isolation: queries only ever see records of the requested tenant.
//   - Writes to one tenant partition are serialized; reads and writes to
//     other tenants proceed concurrently.
type Store interface {
	// AddRecords persists a batch of vector records. The whole batch is
	// rejected with ErrDimensionMismatch if any vector's dimension
	// disagrees with the store's configured dimension, and with
	// ErrMissingTenant if any record lacks a tenant.
	AddRecords(ctx context.Context, records []Record) error

	// Query returns up to topK records of the given tenant ranked by
	// cosine similarity against the query vector. An empty result is a
	// valid outcome, not an error.
	Query(ctx context.Context, vector []float32, topK int, tenantID string) ([]ScoredRecord, error)

	// DeleteDocument removes all records belonging to the document.
	// Idempotent: deleting a document with no records succeeds.
	DeleteDocument(ctx context.Context, tenantID, documentID string) error

	// Count returns the number of records stored for the tenant.
	Count(ctx context.Context, tenantID string) (int, error)

	// Close releases resources held by the store.
	Close() error
}
