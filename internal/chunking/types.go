package chunking

import "time"

// PageBoundary maps a character range of the extracted text to a page number.
// Boundaries are supplied by the document extraction collaborator.
type PageBoundary struct {
	Page  int `json:"page"`
	Start int `json:"start"`
	End   int `json:"end"`
}

// DocumentMeta carries the identity of the document being chunked.
type DocumentMeta struct {
	DocumentID   string
	DocumentName string
	TenantID     string

	// PageBoundaries is optional; when present, chunks are annotated with
	// the page containing their start offset.
	PageBoundaries []PageBoundary
}

// Chunk is a bounded, overlap-padded slice of a source document. It is the
// unit of embedding, storage and retrieval. All fields are fixed at creation;
// there is no free-form metadata map.
type Chunk struct {
	ID           string    `json:"id"`
	DocumentID   string    `json:"document_id"`
	DocumentName string    `json:"document_name"`
	TenantID     string    `json:"tenant_id"`
	Text         string    `json:"text"`
	Ordinal      int       `json:"ordinal"`
	TotalChunks  int       `json:"total_chunks"`

	// Page is 1-based; 0 means unknown.
	Page int `json:"page,omitempty"`

	// SectionHeader is the most recent header seen before this chunk's
	// content; empty when the document has no detectable structure.
	SectionHeader string `json:"section_header,omitempty"`

	// CharStart/CharEnd are offsets into the normalized source text.
	// Ranges increase monotonically; adjacent chunks share only the
	// declared overlap region.
	CharStart int `json:"char_start"`
	CharEnd   int `json:"char_end"`

	// EmbeddingModel identifies the model whose vector space this chunk
	// was embedded into. Set at index time; vectors from different models
	// are never comparable.
	EmbeddingModel string `json:"embedding_model,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}
