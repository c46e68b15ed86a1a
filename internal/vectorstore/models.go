package vectorstore

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/fyrsmithlabs/complianced/internal/chunking"
)

// Record pairs a chunk with its embedding vector. It is the unit of
// storage and deletion.
type Record struct {
	Chunk  chunking.Chunk
	Vector []float32
}

// ScoredRecord is a stored chunk returned from a similarity query.
// Ephemeral; never persisted.
type ScoredRecord struct {
	Chunk chunking.Chunk

	// Score is the cosine similarity against the query vector, in [-1, 1].
	Score float32
}

// Metadata keys for the persisted chunk schema. Both store backends write
// the same fields so records survive a backend migration.
const (
	metaDocumentID     = "document_id"
	metaDocumentName   = "document_name"
	metaTenantID       = "tenant_id"
	metaOrdinal        = "ordinal"
	metaTotalChunks    = "total_chunks"
	metaPage           = "page"
	metaSectionHeader  = "section_header"
	metaCharStart      = "char_start"
	metaCharEnd        = "char_end"
	metaEmbeddingModel = "embedding_model"
	metaCreatedAt      = "created_at"
)

// chunkMetadata flattens a chunk's fixed fields into string metadata.
func chunkMetadata(c chunking.Chunk) map[string]string {
	m := map[string]string{
		metaDocumentID:     c.DocumentID,
		metaDocumentName:   c.DocumentName,
		metaTenantID:       c.TenantID,
		metaOrdinal:        strconv.Itoa(c.Ordinal),
		metaTotalChunks:    strconv.Itoa(c.TotalChunks),
		metaCharStart:      strconv.Itoa(c.CharStart),
		metaCharEnd:        strconv.Itoa(c.CharEnd),
		metaEmbeddingModel: c.EmbeddingModel,
		metaCreatedAt:      c.CreatedAt.Format(time.RFC3339),
	}
	if c.Page > 0 {
		m[metaPage] = strconv.Itoa(c.Page)
	}
	if c.SectionHeader != "" {
		m[metaSectionHeader] = c.SectionHeader
	}
	return m
}

// chunkFromMetadata rebuilds a chunk from stored metadata.
func chunkFromMetadata(id, content string, m map[string]string) (chunking.Chunk, error) {
	c := chunking.Chunk{
		ID:             id,
		Text:           content,
		DocumentID:     m[metaDocumentID],
		DocumentName:   m[metaDocumentName],
		TenantID:       m[metaTenantID],
		SectionHeader:  m[metaSectionHeader],
		EmbeddingModel: m[metaEmbeddingModel],
	}
	var err error
	if c.Ordinal, err = atoiField(m, metaOrdinal); err != nil {
		return c, err
	}
	if c.TotalChunks, err = atoiField(m, metaTotalChunks); err != nil {
		return c, err
	}
	if c.CharStart, err = atoiField(m, metaCharStart); err != nil {
		return c, err
	}
	if c.CharEnd, err = atoiField(m, metaCharEnd); err != nil {
		return c, err
	}
	if v, ok := m[metaPage]; ok {
		if c.Page, err = strconv.Atoi(v); err != nil {
			return c, fmt.Errorf("%w: bad %s: %v", ErrStore, metaPage, err)
		}
	}
	if v, ok := m[metaCreatedAt]; ok {
		if c.CreatedAt, err = time.Parse(time.RFC3339, v); err != nil {
			return c, fmt.Errorf("%w: bad %s: %v", ErrStore, metaCreatedAt, err)
		}
	}
	return c, nil
}

func atoiField(m map[string]string, key string) (int, error) {
	v, ok := m[key]
	if !ok {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: bad %s: %v", ErrStore, key, err)
	}
	return n, nil
}

// SortByScore orders records by descending score, breaking ties by chunk
// ordinal ascending so earlier chunks win and results are deterministic.
func SortByScore(records []ScoredRecord) []ScoredRecord {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Score != records[j].Score {
			return records[i].Score > records[j].Score
		}
		return records[i].Chunk.Ordinal < records[j].Chunk.Ordinal
	})
	return records
}

// rankRecords sorts by score then truncates to topK.
func rankRecords(records []ScoredRecord, topK int) []ScoredRecord {
	records = SortByScore(records)
	if topK > 0 && len(records) > topK {
		records = records[:topK]
	}
	return records
}
