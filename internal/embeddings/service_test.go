package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type embeddingRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

// serveEmbeddings returns one small vector per input, aligned by index.
func serveEmbeddings(t *testing.T, w http.ResponseWriter, r *http.Request) {
	t.Helper()
	var req embeddingRequest
	require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

	type datum struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	}
	data := make([]datum, len(req.Input))
	for i := range req.Input {
		data[i] = datum{Index: i, Embedding: []float32{float32(i), 1}}
	}
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(map[string]any{"data": data}))
}

func newTestService(t *testing.T, cfg Config, handler http.HandlerFunc) *Service {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg.BaseURL = server.URL + "/v1"
	cfg.RequestsPerSecond = 1000
	svc, err := NewService(cfg, zap.NewNop())
	require.NoError(t, err)
	return svc
}

func TestEmbedQuery(t *testing.T) {
	svc := newTestService(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		serveEmbeddings(t, w, r)
	})

	vec, err := svc.EmbedQuery(context.Background(), "taalbeleid")
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1}, vec)
}

func TestEmbedQuery_EmptyInput(t *testing.T) {
	svc := newTestService(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("backend must not be called for empty input")
	})

	_, err := svc.EmbedQuery(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestEmbedDocuments(t *testing.T) {
	svc := newTestService(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
		serveEmbeddings(t, w, r)
	})

	vecs, err := svc.EmbedDocuments(context.Background(), []string{"een", "twee", "drie"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Equal(t, []float32{0, 1}, vecs[0])
	assert.Equal(t, []float32{2, 1}, vecs[2])
}

func TestEmbedDocuments_EmptyElementRejectedUpfront(t *testing.T) {
	svc := newTestService(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("backend must not be called when any input is empty")
	})

	_, err := svc.EmbedDocuments(context.Background(), []string{"een", "", "drie"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.EmbedDocuments(context.Background(), nil)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestEmbedDocuments_SubdividesBatches(t *testing.T) {
	var batchSizes []int
	svc := newTestService(t, Config{MaxBatchSize: 2}, func(w http.ResponseWriter, r *http.Request) {
		var req embeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		batchSizes = append(batchSizes, len(req.Input))

		type datum struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		}
		data := make([]datum, len(req.Input))
		for i := range req.Input {
			data[i] = datum{Index: i, Embedding: []float32{1}}
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{"data": data}))
	})

	vecs, err := svc.EmbedDocuments(context.Background(), []string{"a", "b", "c", "d", "e"})
	require.NoError(t, err)
	assert.Len(t, vecs, 5)
	assert.Equal(t, []int{2, 2, 1}, batchSizes)
}

func TestEmbedQuery_RetriesTransientFailure(t *testing.T) {
	var calls int
	svc := newTestService(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusTooManyRequests)
			return
		}
		serveEmbeddings(t, w, r)
	})

	_, err := svc.EmbedQuery(context.Background(), "tekst")
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestEmbedQuery_PermanentFailureNotRetried(t *testing.T) {
	var calls int
	svc := newTestService(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, `{"error":{"message":"model not found"}}`, http.StatusNotFound)
	})

	_, err := svc.EmbedQuery(context.Background(), "tekst")
	assert.ErrorIs(t, err, ErrBackendUnavailable)
	assert.Equal(t, 1, calls)
}

func TestEmbedQuery_AuthFailureIsNotInvalidInput(t *testing.T) {
	// A rejected API key is a deployment problem, not a bad document. It
	// must not surface as an input error, and must not be retried.
	var calls int
	svc := newTestService(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, `{"error":{"message":"invalid api key"}}`, http.StatusUnauthorized)
	})

	_, err := svc.EmbedQuery(context.Background(), "tekst")
	assert.ErrorIs(t, err, ErrBackendUnavailable)
	assert.NotErrorIs(t, err, ErrInvalidInput)
	assert.Equal(t, 1, calls)
}

func TestEmbedQuery_BadRequestIsInvalidInput(t *testing.T) {
	svc := newTestService(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"input too long"}}`, http.StatusBadRequest)
	})

	_, err := svc.EmbedQuery(context.Background(), "tekst")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestEmbedQuery_TruncatesLongInput(t *testing.T) {
	var gotLen int
	svc := newTestService(t, Config{MaxTextLength: 100}, func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var req embeddingRequest
		require.NoError(t, json.Unmarshal(body, &req))
		gotLen = len(req.Input[0])
		r.Body = io.NopCloser(bytes.NewReader(body))
		serveEmbeddings(t, w, r)
	})

	_, err := svc.EmbedQuery(context.Background(), strings.Repeat("x", 500))
	require.NoError(t, err)
	assert.Equal(t, 100, gotLen)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}
	cfg.ApplyDefaults()
	assert.Equal(t, "nomic-embed-text", cfg.Model)
	assert.Equal(t, 768, cfg.Dimension)
	assert.Equal(t, 32, cfg.MaxBatchSize)
	assert.NoError(t, cfg.Validate())

	bad := Config{Dimension: -1}
	bad.ApplyDefaults()
	assert.Error(t, bad.Validate())
}
