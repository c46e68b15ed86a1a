package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/complianced/internal/syncutil"
)

var chromemTracer = otel.Tracer("complianced.vectorstore.chromem")

// ChromemConfig holds configuration for the embedded chromem-go store.
type ChromemConfig struct {
	// Path is the directory for persistent storage.
	// Default: "~/.config/complianced/vectorstore"
	Path string `koanf:"path"`

	// Compress enables gzip compression for stored data.
	Compress bool `koanf:"compress"`

	// VectorSize is the expected embedding dimension. Must match the
	// embedder's output dimension. Default: 768.
	VectorSize int `koanf:"vector_size"`
}

// ApplyDefaults sets default values for unset fields.
func (c *ChromemConfig) ApplyDefaults() {
	if c.Path == "" {
		c.Path = "~/.config/complianced/vectorstore"
	}
	if c.VectorSize == 0 {
		c.VectorSize = 768
	}
}

// Validate validates the configuration.
func (c *ChromemConfig) Validate() error {
	if c.VectorSize <= 0 {
		return fmt.Errorf("%w: vector size must be positive", ErrInvalidConfig)
	}
	return nil
}

// ChromemStore implements Store using chromem-go, an embeddable vector
// database with gob-file persistence. Each tenant gets its own collection,
// which both isolates tenants physically and gives the per-tenant write
// serialization a natural unit.
type ChromemStore struct {
	db     *chromem.DB
	config ChromemConfig
	logger *zap.Logger

	// writeLocks serializes writes per tenant partition.
	writeLocks syncutil.KeyedMutex
}

// NewChromemStore opens (or creates) the persistent database at the
// configured path. Previously added records are available immediately.
func NewChromemStore(config ChromemConfig, logger *zap.Logger) (*ChromemStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	path, err := expandPath(config.Path)
	if err != nil {
		return nil, fmt.Errorf("expanding path: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", path, err)
	}

	db, err := chromem.NewPersistentDB(path, config.Compress)
	if err != nil {
		return nil, fmt.Errorf("%w: opening chromem DB: %v", ErrStore, err)
	}

	logger.Info("chromem store initialized",
		zap.String("path", path),
		zap.Bool("compress", config.Compress),
		zap.Int("vector_size", config.VectorSize),
	)

	return &ChromemStore{db: db, config: config, logger: logger}, nil
}

func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

var tenantNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,62}$`)

// collectionName maps a tenant to its collection. Fail-closed: an empty or
// malformed tenant is rejected rather than falling into a shared bucket.
func collectionName(tenantID string) (string, error) {
	if tenantID == "" {
		return "", ErrMissingTenant
	}
	if !tenantNamePattern.MatchString(tenantID) {
		return "", fmt.Errorf("%w: malformed tenant %q", ErrMissingTenant, tenantID)
	}
	return "tenant_" + tenantID, nil
}

// noEmbedding is passed where chromem requires an embedding function.
// All vectors in this store are precomputed, so a call means a record was
// stored without one; failing loudly beats silently embedding with the
// wrong model.
func noEmbedding(context.Context, string) ([]float32, error) {
	return nil, errors.New("vectors must be precomputed")
}

// AddRecords persists the batch under the tenant's collection.
func (s *ChromemStore) AddRecords(ctx context.Context, records []Record) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.AddRecords")
	defer span.End()
	span.SetAttributes(attribute.Int("record_count", len(records)))

	if len(records) == 0 {
		return ErrEmptyRecords
	}

	tenantID := records[0].Chunk.TenantID
	docs := make([]chromem.Document, len(records))
	for i, r := range records {
		if r.Chunk.TenantID != tenantID {
			return fmt.Errorf("%w: batch mixes tenants %q and %q", ErrStore, tenantID, r.Chunk.TenantID)
		}
		if len(r.Vector) != s.config.VectorSize {
			return fmt.Errorf("%w: record %d has dimension %d, store expects %d",
				ErrDimensionMismatch, i, len(r.Vector), s.config.VectorSize)
		}
		docs[i] = chromem.Document{
			ID:        r.Chunk.ID,
			Content:   r.Chunk.Text,
			Metadata:  chunkMetadata(r.Chunk),
			Embedding: r.Vector,
		}
	}

	name, err := collectionName(tenantID)
	if err != nil {
		span.RecordError(err)
		return err
	}
	span.SetAttributes(attribute.String("collection", name))

	s.writeLocks.Lock(tenantID)
	defer s.writeLocks.Unlock(tenantID)

	collection, err := s.db.GetOrCreateCollection(name, nil, noEmbedding)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%w: getting collection %s: %v", ErrStore, name, err)
	}

	if err := collection.AddDocuments(ctx, docs, 1); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%w: adding records: %v", ErrStore, err)
	}

	span.SetStatus(codes.Ok, "success")
	s.logger.Debug("added records",
		zap.String("tenant_id", tenantID),
		zap.Int("count", len(records)),
	)
	return nil
}

// Query returns up to topK records for the tenant ranked by cosine
// similarity, ties broken by chunk ordinal.
func (s *ChromemStore) Query(ctx context.Context, vector []float32, topK int, tenantID string) ([]ScoredRecord, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Query")
	defer span.End()
	span.SetAttributes(attribute.Int("top_k", topK))

	if topK <= 0 {
		return nil, fmt.Errorf("%w: top_k must be positive, got %d", ErrStore, topK)
	}
	if len(vector) != s.config.VectorSize {
		return nil, fmt.Errorf("%w: query has dimension %d, store expects %d",
			ErrDimensionMismatch, len(vector), s.config.VectorSize)
	}

	name, err := collectionName(tenantID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	collection := s.db.GetCollection(name, noEmbedding)
	if collection == nil {
		// Tenant has never indexed anything; empty is a valid outcome.
		return nil, nil
	}

	k := topK
	if count := collection.Count(); count == 0 {
		return nil, nil
	} else if k > count {
		k = count
	}

	results, err := collection.QueryEmbedding(ctx, vector, k, nil, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: querying collection %s: %v", ErrStore, name, err)
	}

	records := make([]ScoredRecord, 0, len(results))
	for _, r := range results {
		c, err := chunkFromMetadata(r.ID, r.Content, r.Metadata)
		if err != nil {
			return nil, err
		}
		records = append(records, ScoredRecord{Chunk: c, Score: r.Similarity})
	}
	records = rankRecords(records, topK)

	span.SetAttributes(attribute.Int("results", len(records)))
	span.SetStatus(codes.Ok, "success")
	return records, nil
}

// DeleteDocument removes all of the document's records from the tenant's
// collection. Idempotent.
func (s *ChromemStore) DeleteDocument(ctx context.Context, tenantID, documentID string) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.DeleteDocument")
	defer span.End()
	span.SetAttributes(attribute.String("document_id", documentID))

	if documentID == "" {
		return fmt.Errorf("%w: document ID required", ErrStore)
	}
	name, err := collectionName(tenantID)
	if err != nil {
		span.RecordError(err)
		return err
	}

	s.writeLocks.Lock(tenantID)
	defer s.writeLocks.Unlock(tenantID)

	collection := s.db.GetCollection(name, noEmbedding)
	if collection == nil {
		return nil
	}

	if err := collection.Delete(ctx, map[string]string{metaDocumentID: documentID}, nil); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%w: deleting document %s: %v", ErrStore, documentID, err)
	}

	span.SetStatus(codes.Ok, "success")
	s.logger.Debug("deleted document records",
		zap.String("tenant_id", tenantID),
		zap.String("document_id", documentID),
	)
	return nil
}

// Count returns the number of records stored for the tenant.
func (s *ChromemStore) Count(_ context.Context, tenantID string) (int, error) {
	name, err := collectionName(tenantID)
	if err != nil {
		return 0, err
	}
	collection := s.db.GetCollection(name, noEmbedding)
	if collection == nil {
		return 0, nil
	}
	return collection.Count(), nil
}

// Close is a no-op: chromem persists synchronously on write.
func (s *ChromemStore) Close() error { return nil }

var _ Store = (*ChromemStore)(nil)
