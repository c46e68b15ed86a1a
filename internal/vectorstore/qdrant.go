package vectorstore

import (
	"context"
	"fmt"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/fyrsmithlabs/complianced/internal/chunking"
	"github.com/fyrsmithlabs/complianced/internal/syncutil"
)

var qdrantTracer = otel.Tracer("complianced.vectorstore.qdrant")

// QdrantConfig holds configuration for the external Qdrant backend.
type QdrantConfig struct {
	// Host is the Qdrant server hostname. Default: "localhost".
	Host string `koanf:"host"`

	// Port is the gRPC port. Default: 6334.
	Port int `koanf:"port"`

	// Collection is the collection name. All tenants share it; isolation
	// is enforced with a mandatory tenant payload filter on every read.
	// Default: "compliance_chunks".
	Collection string `koanf:"collection"`

	// VectorSize is the embedding dimension. Default: 768.
	VectorSize int `koanf:"vector_size"`

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool `koanf:"use_tls"`

	// APIKey authenticates against a secured Qdrant deployment.
	APIKey string `koanf:"api_key"`

	// RequestTimeout bounds a single Qdrant call. Default: 30s.
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

// ApplyDefaults sets default values for unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.Collection == "" {
		c.Collection = "compliance_chunks"
	}
	if c.VectorSize == 0 {
		c.VectorSize = 768
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 30 * time.Second
	}
}

// Validate validates the configuration.
func (c *QdrantConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: host required", ErrInvalidConfig)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port %d", ErrInvalidConfig, c.Port)
	}
	if c.VectorSize <= 0 {
		return fmt.Errorf("%w: vector size must be positive", ErrInvalidConfig)
	}
	return nil
}

// QdrantStore implements Store against an external Qdrant server over gRPC.
// Unlike the embedded store it keeps a single collection and scopes every
// query and delete with a tenant payload filter.
type QdrantStore struct {
	client *qdrant.Client
	config QdrantConfig
	logger *zap.Logger

	writeLocks syncutil.KeyedMutex
}

// NewQdrantStore connects to Qdrant, verifies the connection and ensures
// the collection exists with the configured vector size.
func NewQdrantStore(ctx context.Context, config QdrantConfig, logger *zap.Logger) (*QdrantStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	qdrantConfig := &qdrant.Config{
		Host:   config.Host,
		Port:   config.Port,
		UseTLS: config.UseTLS,
		APIKey: config.APIKey,
	}
	if !config.UseTLS {
		qdrantConfig.GrpcOptions = append(qdrantConfig.GrpcOptions,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		)
	}

	client, err := qdrant.NewClient(qdrantConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: creating qdrant client: %v", ErrStore, err)
	}

	s := &QdrantStore{client: client, config: config, logger: logger}

	healthCtx, cancel := context.WithTimeout(ctx, config.RequestTimeout)
	defer cancel()
	if _, err := client.HealthCheck(healthCtx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: qdrant health check: %v", ErrStore, err)
	}

	if err := s.ensureCollection(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}

	logger.Info("qdrant store initialized",
		zap.String("host", config.Host),
		zap.Int("port", config.Port),
		zap.String("collection", config.Collection),
	)
	return s, nil
}

func (s *QdrantStore) ensureCollection(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()

	exists, err := s.client.CollectionExists(ctx, s.config.Collection)
	if err != nil {
		return fmt.Errorf("%w: checking collection: %v", ErrStore, err)
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.config.Collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(s.config.VectorSize),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("%w: creating collection %s: %v", ErrStore, s.config.Collection, err)
	}
	return nil
}

// AddRecords upserts the batch as points, waiting for the write to be
// applied so records are durable when the call returns.
func (s *QdrantStore) AddRecords(ctx context.Context, records []Record) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.AddRecords")
	defer span.End()
	span.SetAttributes(attribute.Int("record_count", len(records)))

	if len(records) == 0 {
		return ErrEmptyRecords
	}

	tenantID := records[0].Chunk.TenantID
	if tenantID == "" {
		return ErrMissingTenant
	}

	points := make([]*qdrant.PointStruct, len(records))
	for i, r := range records {
		if r.Chunk.TenantID != tenantID {
			return fmt.Errorf("%w: batch mixes tenants %q and %q", ErrStore, tenantID, r.Chunk.TenantID)
		}
		if len(r.Vector) != s.config.VectorSize {
			return fmt.Errorf("%w: record %d has dimension %d, store expects %d",
				ErrDimensionMismatch, i, len(r.Vector), s.config.VectorSize)
		}
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(r.Chunk.ID),
			Vectors: qdrant.NewVectors(r.Vector...),
			Payload: chunkPayload(r.Chunk),
		}
	}

	s.writeLocks.Lock(tenantID)
	defer s.writeLocks.Unlock(tenantID)

	reqCtx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()

	_, err := s.client.Upsert(reqCtx, &qdrant.UpsertPoints{
		CollectionName: s.config.Collection,
		Points:         points,
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%w: upserting points: %v", ErrStore, err)
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
func (s *QdrantStore) Query(ctx context.Context, vector []float32, topK int, tenantID string) ([]ScoredRecord, error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Query")
	defer span.End()
	span.SetAttributes(attribute.Int("top_k", topK))

	if topK <= 0 {
		return nil, fmt.Errorf("%w: top_k must be positive, got %d", ErrStore, topK)
	}
	if len(vector) != s.config.VectorSize {
		return nil, fmt.Errorf("%w: query has dimension %d, store expects %d",
			ErrDimensionMismatch, len(vector), s.config.VectorSize)
	}
	if tenantID == "" {
		return nil, ErrMissingTenant
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()

	results, err := s.client.Query(reqCtx, &qdrant.QueryPoints{
		CollectionName: s.config.Collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(topK)),
		Filter:         tenantFilter(tenantID),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: querying: %v", ErrStore, err)
	}

	records := make([]ScoredRecord, 0, len(results))
	for _, p := range results {
		c, err := chunkFromPayload(p.Id, p.Payload)
		if err != nil {
			return nil, err
		}
		records = append(records, ScoredRecord{Chunk: c, Score: p.Score})
	}
	records = rankRecords(records, topK)

	span.SetAttributes(attribute.Int("results", len(records)))
	span.SetStatus(codes.Ok, "success")
	return records, nil
}

// DeleteDocument removes all of the document's points for the tenant.
// Idempotent.
func (s *QdrantStore) DeleteDocument(ctx context.Context, tenantID, documentID string) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.DeleteDocument")
	defer span.End()
	span.SetAttributes(attribute.String("document_id", documentID))

	if tenantID == "" {
		return ErrMissingTenant
	}
	if documentID == "" {
		return fmt.Errorf("%w: document ID required", ErrStore)
	}

	s.writeLocks.Lock(tenantID)
	defer s.writeLocks.Unlock(tenantID)

	reqCtx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()

	filter := tenantFilter(tenantID)
	filter.Must = append(filter.Must, keywordCondition(metaDocumentID, documentID))

	_, err := s.client.Delete(reqCtx, &qdrant.DeletePoints{
		CollectionName: s.config.Collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{Filter: filter},
		},
		Wait: qdrant.PtrOf(true),
	})
	if err != nil {
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

// Count returns the number of points stored for the tenant.
func (s *QdrantStore) Count(ctx context.Context, tenantID string) (int, error) {
	if tenantID == "" {
		return 0, ErrMissingTenant
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()

	count, err := s.client.Count(reqCtx, &qdrant.CountPoints{
		CollectionName: s.config.Collection,
		Filter:         tenantFilter(tenantID),
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, fmt.Errorf("%w: counting points: %v", ErrStore, err)
	}
	return int(count), nil
}

// Close closes the gRPC connection.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

func tenantFilter(tenantID string) *qdrant.Filter {
	return &qdrant.Filter{
		Must: []*qdrant.Condition{keywordCondition(metaTenantID, tenantID)},
	}
}

func keywordCondition(field, value string) *qdrant.Condition {
	return &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{
			Field: &qdrant.FieldCondition{
				Key: field,
				Match: &qdrant.Match{
					MatchValue: &qdrant.Match_Keyword{Keyword: value},
				},
			},
		},
	}
}

// chunkPayload flattens the chunk into a Qdrant payload with the same
// field names the embedded store writes.
func chunkPayload(c chunking.Chunk) map[string]*qdrant.Value {
	payload := make(map[string]*qdrant.Value)
	for k, v := range chunkMetadata(c) {
		payload[k] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: v}}
	}
	// Qdrant stores no separate document body, so the text rides in the
	// payload alongside the metadata.
	payload["text"] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: c.Text}}
	return payload
}

func chunkFromPayload(id *qdrant.PointId, payload map[string]*qdrant.Value) (chunking.Chunk, error) {
	m := make(map[string]string, len(payload))
	var text string
	for k, v := range payload {
		sv, ok := v.Kind.(*qdrant.Value_StringValue)
		if !ok {
			continue
		}
		if k == "text" {
			text = sv.StringValue
			continue
		}
		m[k] = sv.StringValue
	}
	return chunkFromMetadata(id.GetUuid(), text, m)
}

var _ Store = (*QdrantStore)(nil)
