// Package retrieval ties chunking, embedding and vector storage together.
// It owns the two halves of the evidence pipeline: indexing school documents
// into the vector store, and retrieving the chunks most relevant to a
// question with per-document diversification.
package retrieval

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/complianced/internal/chunking"
	"github.com/fyrsmithlabs/complianced/internal/embeddings"
	"github.com/fyrsmithlabs/complianced/internal/syncutil"
	"github.com/fyrsmithlabs/complianced/internal/vectorstore"
)

var tracer = otel.Tracer("complianced.retrieval")

var (
	// ErrIngestion indicates a document could not be indexed.
	ErrIngestion = errors.New("document ingestion failed")

	// ErrRetrieval indicates a retrieval query failed.
	ErrRetrieval = errors.New("retrieval failed")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid retrieval configuration")
)

// Config holds retrieval tuning parameters.
type Config struct {
	// TopK is the number of chunks returned per query. Default: 5.
	TopK int `koanf:"top_k"`

	// SimilarityThreshold drops results scoring below it. Default: 0.7.
	// Set to -1 to disable filtering (scores live in [-1, 1]).
	SimilarityThreshold float32 `koanf:"similarity_threshold"`

	// OverfetchFactor multiplies TopK for the store query so threshold
	// filtering and diversification still have enough candidates.
	// Default: 3.
	OverfetchFactor int `koanf:"overfetch_factor"`

	// PerDocumentCap bounds how many chunks of a single document appear in
	// the result, so one verbose document cannot crowd out the rest.
	// Applied only when enough other documents have qualifying chunks.
	// Default: 2.
	PerDocumentCap int `koanf:"per_document_cap"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.TopK == 0 {
		c.TopK = 5
	}
	if c.SimilarityThreshold == 0 {
		c.SimilarityThreshold = 0.7
	}
	if c.OverfetchFactor == 0 {
		c.OverfetchFactor = 3
	}
	if c.PerDocumentCap == 0 {
		c.PerDocumentCap = 2
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.TopK <= 0 {
		return fmt.Errorf("%w: top_k must be positive", ErrInvalidConfig)
	}
	if c.SimilarityThreshold < -1 || c.SimilarityThreshold > 1 {
		return fmt.Errorf("%w: similarity threshold must be in [-1, 1]", ErrInvalidConfig)
	}
	if c.OverfetchFactor < 1 {
		return fmt.Errorf("%w: overfetch factor must be at least 1", ErrInvalidConfig)
	}
	if c.PerDocumentCap < 1 {
		return fmt.Errorf("%w: per-document cap must be at least 1", ErrInvalidConfig)
	}
	return nil
}

// IndexResult summarizes a completed document ingestion.
type IndexResult struct {
	DocumentID string
	ChunkCount int
	Replaced   bool
}

// Retriever indexes documents and answers similarity queries.
type Retriever struct {
	config   Config
	chunker  *chunking.Chunker
	embedder embeddings.Embedder
	store    vectorstore.Store
	logger   *zap.Logger

	// docLocks serializes ingestion per document so a concurrent re-upload
	// cannot interleave its delete with another upload's add.
	docLocks syncutil.KeyedMutex
}

// NewRetriever creates a retriever over the given pipeline components.
func NewRetriever(config Config, chunker *chunking.Chunker, embedder embeddings.Embedder, store vectorstore.Store, logger *zap.Logger) (*Retriever, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retriever{
		config:   config,
		chunker:  chunker,
		embedder: embedder,
		store:    store,
		logger:   logger,
	}, nil
}

// IndexDocument chunks, embeds and stores a document's text. Re-indexing an
// existing document replaces its previous chunks: old records are deleted
// before the new batch is added, under a per-document lock. A failure
// between delete and add can leave the document absent but never returns
// stale chunks alongside new ones.
func (r *Retriever) IndexDocument(ctx context.Context, meta chunking.DocumentMeta, text string) (*IndexResult, error) {
	ctx, span := tracer.Start(ctx, "Retriever.IndexDocument")
	defer span.End()
	span.SetAttributes(
		attribute.String("document_id", meta.DocumentID),
		attribute.String("tenant_id", meta.TenantID),
	)

	chunks, err := r.chunker.ChunkDocument(text, meta)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: chunking %s: %v", ErrIngestion, meta.DocumentID, err)
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: document %s has no extractable text", ErrIngestion, meta.DocumentID)
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := r.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: embedding %s: %v", ErrIngestion, meta.DocumentID, err)
	}
	if len(vectors) != len(chunks) {
		return nil, fmt.Errorf("%w: got %d vectors for %d chunks", ErrIngestion, len(vectors), len(chunks))
	}

	records := make([]vectorstore.Record, len(chunks))
	model := r.embedder.Model()
	for i := range chunks {
		chunks[i].EmbeddingModel = model
		records[i] = vectorstore.Record{Chunk: chunks[i], Vector: vectors[i]}
	}

	lockKey := meta.TenantID + "/" + meta.DocumentID
	r.docLocks.Lock(lockKey)
	defer r.docLocks.Unlock(lockKey)

	existing, err := r.store.Count(ctx, meta.TenantID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIngestion, err)
	}
	if err := r.store.DeleteDocument(ctx, meta.TenantID, meta.DocumentID); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: replacing %s: %v", ErrIngestion, meta.DocumentID, err)
	}
	afterDelete, err := r.store.Count(ctx, meta.TenantID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIngestion, err)
	}

	if err := r.store.AddRecords(ctx, records); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: storing %s: %v", ErrIngestion, meta.DocumentID, err)
	}

	replaced := afterDelete < existing
	span.SetAttributes(attribute.Int("chunk_count", len(chunks)), attribute.Bool("replaced", replaced))
	span.SetStatus(codes.Ok, "success")
	r.logger.Info("indexed document",
		zap.String("tenant_id", meta.TenantID),
		zap.String("document_id", meta.DocumentID),
		zap.String("document_name", meta.DocumentName),
		zap.Int("chunks", len(chunks)),
		zap.Bool("replaced", replaced),
	)

	return &IndexResult{
		DocumentID: meta.DocumentID,
		ChunkCount: len(chunks),
		Replaced:   replaced,
	}, nil
}

// DeleteDocument removes a document's chunks from the store. Idempotent.
func (r *Retriever) DeleteDocument(ctx context.Context, tenantID, documentID string) error {
	lockKey := tenantID + "/" + documentID
	r.docLocks.Lock(lockKey)
	defer r.docLocks.Unlock(lockKey)

	if err := r.store.DeleteDocument(ctx, tenantID, documentID); err != nil {
		return fmt.Errorf("%w: deleting %s: %v", ErrRetrieval, documentID, err)
	}
	r.logger.Info("deleted document",
		zap.String("tenant_id", tenantID),
		zap.String("document_id", documentID),
	)
	return nil
}

// Retrieve returns the chunks most relevant to the query for a tenant.
//
// The store is overfetched so that threshold filtering and per-document
// diversification still leave TopK candidates. An empty result means no
// chunk cleared the similarity threshold; callers surface that as "no
// evidence found" rather than answering from nothing.
func (r *Retriever) Retrieve(ctx context.Context, query, tenantID string) ([]vectorstore.ScoredRecord, error) {
	ctx, span := tracer.Start(ctx, "Retriever.Retrieve")
	defer span.End()
	span.SetAttributes(attribute.String("tenant_id", tenantID))

	vector, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: embedding query: %v", ErrRetrieval, err)
	}

	candidates, err := r.store.Query(ctx, vector, r.config.TopK*r.config.OverfetchFactor, tenantID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: %v", ErrRetrieval, err)
	}

	qualified := candidates[:0]
	for _, c := range candidates {
		if c.Score >= r.config.SimilarityThreshold {
			qualified = append(qualified, c)
		}
	}

	results := diversify(qualified, r.config.TopK, r.config.PerDocumentCap)

	span.SetAttributes(
		attribute.Int("candidates", len(candidates)),
		attribute.Int("results", len(results)),
	)
	span.SetStatus(codes.Ok, "success")
	r.logger.Debug("retrieved chunks",
		zap.String("tenant_id", tenantID),
		zap.Int("candidates", len(candidates)),
		zap.Int("results", len(results)),
	)
	return results, nil
}

// diversify selects up to topK records, preferring at most cap chunks per
// document. Candidates skipped by the cap are kept as backfill: if capped
// selection cannot fill topK, the best remaining chunks are taken anyway,
// so diversification never shrinks a result that had enough candidates.
func diversify(candidates []vectorstore.ScoredRecord, topK, maxPerDoc int) []vectorstore.ScoredRecord {
	if len(candidates) <= topK {
		return candidates
	}

	selected := make([]vectorstore.ScoredRecord, 0, topK)
	var overflow []vectorstore.ScoredRecord
	perDoc := make(map[string]int)

	for _, c := range candidates {
		if len(selected) == topK {
			break
		}
		if perDoc[c.Chunk.DocumentID] >= maxPerDoc {
			overflow = append(overflow, c)
			continue
		}
		perDoc[c.Chunk.DocumentID]++
		selected = append(selected, c)
	}

	for _, c := range overflow {
		if len(selected) == topK {
			break
		}
		selected = append(selected, c)
	}

	return vectorstore.SortByScore(selected)
}
