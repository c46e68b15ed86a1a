package vectorstore_test

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/complianced/internal/chunking"
	"github.com/fyrsmithlabs/complianced/internal/vectorstore"
)

const testVectorSize = 8

// unitVector builds a normalized vector pointing mostly along axis, with a
// small fixed spread so distinct axes produce distinct similarities.
func unitVector(axis int, weight float32) []float32 {
	v := make([]float32, testVectorSize)
	for i := range v {
		v[i] = 0.1
	}
	v[axis%testVectorSize] = weight
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x * x)
	}
	norm := float32(1.0 / math.Sqrt(sumSq))
	for i := range v {
		v[i] *= norm
	}
	return v
}

func testChunk(id, docID, tenantID string, ordinal int) chunking.Chunk {
	return chunking.Chunk{
		ID:             id,
		DocumentID:     docID,
		DocumentName:   docID + ".pdf",
		TenantID:       tenantID,
		Text:           "chunk " + id,
		Ordinal:        ordinal,
		TotalChunks:    10,
		CharStart:      ordinal * 100,
		CharEnd:        ordinal*100 + 99,
		EmbeddingModel: "nomic-embed-text",
		CreatedAt:      time.Now().UTC().Truncate(time.Second),
	}
}

func newTestStore(t *testing.T) *vectorstore.ChromemStore {
	t.Helper()
	store, err := vectorstore.NewChromemStore(vectorstore.ChromemConfig{
		Path:       t.TempDir(),
		VectorSize: testVectorSize,
	}, zap.NewNop())
	require.NoError(t, err)
	return store
}

func TestChromemStore_AddAndQuery(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	records := []vectorstore.Record{
		{Chunk: testChunk("a1", "doc-a", "school-1", 0), Vector: unitVector(0, 5)},
		{Chunk: testChunk("a2", "doc-a", "school-1", 1), Vector: unitVector(1, 5)},
		{Chunk: testChunk("a3", "doc-a", "school-1", 2), Vector: unitVector(2, 5)},
	}
	require.NoError(t, store.AddRecords(ctx, records))

	results, err := store.Query(ctx, unitVector(0, 5), 2, "school-1")
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "a1", results[0].Chunk.ID)
	assert.Greater(t, results[0].Score, results[1].Score)
}

func TestChromemStore_QueryRoundTripsChunkFields(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	c := testChunk("c1", "doc-x", "school-1", 3)
	c.Page = 7
	c.SectionHeader = "2.1 Taalbeleid"
	require.NoError(t, store.AddRecords(ctx, []vectorstore.Record{
		{Chunk: c, Vector: unitVector(0, 5)},
	}))

	results, err := store.Query(ctx, unitVector(0, 5), 1, "school-1")
	require.NoError(t, err)
	require.Len(t, results, 1)

	got := results[0].Chunk
	assert.Equal(t, c.ID, got.ID)
	assert.Equal(t, c.DocumentID, got.DocumentID)
	assert.Equal(t, c.DocumentName, got.DocumentName)
	assert.Equal(t, c.TenantID, got.TenantID)
	assert.Equal(t, c.Text, got.Text)
	assert.Equal(t, c.Ordinal, got.Ordinal)
	assert.Equal(t, c.TotalChunks, got.TotalChunks)
	assert.Equal(t, c.Page, got.Page)
	assert.Equal(t, c.SectionHeader, got.SectionHeader)
	assert.Equal(t, c.CharStart, got.CharStart)
	assert.Equal(t, c.CharEnd, got.CharEnd)
	assert.Equal(t, c.EmbeddingModel, got.EmbeddingModel)
	assert.True(t, c.CreatedAt.Equal(got.CreatedAt))
}

func TestChromemStore_TieBreakByOrdinal(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	// Identical vectors, so similarity ties; the earlier ordinal must rank
	// first regardless of insertion order.
	v := unitVector(0, 5)
	require.NoError(t, store.AddRecords(ctx, []vectorstore.Record{
		{Chunk: testChunk("late", "doc-a", "school-1", 9), Vector: v},
		{Chunk: testChunk("early", "doc-a", "school-1", 2), Vector: v},
	}))

	results, err := store.Query(ctx, v, 2, "school-1")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "early", results[0].Chunk.ID)
	assert.Equal(t, "late", results[1].Chunk.ID)
}

func TestChromemStore_TenantIsolation(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.AddRecords(ctx, []vectorstore.Record{
		{Chunk: testChunk("s1", "doc-a", "school-1", 0), Vector: unitVector(0, 5)},
	}))
	require.NoError(t, store.AddRecords(ctx, []vectorstore.Record{
		{Chunk: testChunk("s2", "doc-b", "school-2", 0), Vector: unitVector(0, 5)},
	}))

	results, err := store.Query(ctx, unitVector(0, 5), 10, "school-1")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "school-1", results[0].Chunk.TenantID)

	// A tenant nobody has written to sees nothing.
	results, err = store.Query(ctx, unitVector(0, 5), 10, "school-3")
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestChromemStore_MissingTenantRejected(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	err := store.AddRecords(ctx, []vectorstore.Record{
		{Chunk: testChunk("x", "doc-a", "", 0), Vector: unitVector(0, 5)},
	})
	assert.ErrorIs(t, err, vectorstore.ErrMissingTenant)

	_, err = store.Query(ctx, unitVector(0, 5), 5, "")
	assert.ErrorIs(t, err, vectorstore.ErrMissingTenant)
}

func TestChromemStore_DimensionMismatch(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	err := store.AddRecords(ctx, []vectorstore.Record{
		{Chunk: testChunk("x", "doc-a", "school-1", 0), Vector: []float32{1, 0}},
	})
	assert.ErrorIs(t, err, vectorstore.ErrDimensionMismatch)

	_, err = store.Query(ctx, []float32{1, 0}, 5, "school-1")
	assert.ErrorIs(t, err, vectorstore.ErrDimensionMismatch)
}

func TestChromemStore_EmptyBatchRejected(t *testing.T) {
	store := newTestStore(t)
	err := store.AddRecords(context.Background(), nil)
	assert.ErrorIs(t, err, vectorstore.ErrEmptyRecords)
}

func TestChromemStore_DeleteDocument(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.AddRecords(ctx, []vectorstore.Record{
		{Chunk: testChunk("a1", "doc-a", "school-1", 0), Vector: unitVector(0, 5)},
		{Chunk: testChunk("a2", "doc-a", "school-1", 1), Vector: unitVector(1, 5)},
		{Chunk: testChunk("b1", "doc-b", "school-1", 0), Vector: unitVector(2, 5)},
	}))

	require.NoError(t, store.DeleteDocument(ctx, "school-1", "doc-a"))

	count, err := store.Count(ctx, "school-1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	results, err := store.Query(ctx, unitVector(0, 5), 10, "school-1")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "b1", results[0].Chunk.ID)

	// Deleting again, or deleting an unknown document, still succeeds.
	assert.NoError(t, store.DeleteDocument(ctx, "school-1", "doc-a"))
	assert.NoError(t, store.DeleteDocument(ctx, "school-1", "never-existed"))
	assert.NoError(t, store.DeleteDocument(ctx, "school-never-seen", "doc-a"))
}

func TestChromemStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := vectorstore.ChromemConfig{Path: dir, VectorSize: testVectorSize}

	store, err := vectorstore.NewChromemStore(cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, store.AddRecords(ctx, []vectorstore.Record{
		{Chunk: testChunk("p1", "doc-a", "school-1", 0), Vector: unitVector(0, 5)},
	}))
	require.NoError(t, store.Close())

	reopened, err := vectorstore.NewChromemStore(cfg, zap.NewNop())
	require.NoError(t, err)

	count, err := reopened.Count(ctx, "school-1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	results, err := reopened.Query(ctx, unitVector(0, 5), 1, "school-1")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "p1", results[0].Chunk.ID)
}

func TestChromemStore_TopKLargerThanCollection(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.AddRecords(ctx, []vectorstore.Record{
		{Chunk: testChunk("a1", "doc-a", "school-1", 0), Vector: unitVector(0, 5)},
		{Chunk: testChunk("a2", "doc-a", "school-1", 1), Vector: unitVector(1, 5)},
	}))

	results, err := store.Query(ctx, unitVector(0, 5), 50, "school-1")
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestNewStore_Factory(t *testing.T) {
	store, err := vectorstore.NewStore(context.Background(), vectorstore.Config{
		Provider: "chromem",
		Chromem:  vectorstore.ChromemConfig{Path: t.TempDir(), VectorSize: testVectorSize},
	}, zap.NewNop())
	require.NoError(t, err)
	require.IsType(t, &vectorstore.ChromemStore{}, store)
	assert.NoError(t, store.Close())

	_, err = vectorstore.NewStore(context.Background(), vectorstore.Config{
		Provider: "pinecone",
	}, zap.NewNop())
	assert.ErrorIs(t, err, vectorstore.ErrInvalidConfig)
}
