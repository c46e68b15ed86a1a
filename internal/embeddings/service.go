// Package embeddings generates vector embeddings via an OpenAI-compatible
// backend (Ollama in production). Calls are network I/O: batches are
// sub-divided to the backend limit, transient failures are retried with
// exponential backoff, and malformed input fails immediately.
package embeddings

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	// ErrInvalidInput indicates empty or otherwise unembeddable input.
	// Never retried.
	ErrInvalidInput = errors.New("invalid embedding input")

	// ErrBackendUnavailable indicates the embedding backend could not be
	// reached or kept failing after the retry budget was exhausted.
	ErrBackendUnavailable = errors.New("embedding backend unavailable")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid embeddings configuration")
)

// Embedder converts text into fixed-dimension vectors. Query and document
// variants are separate because some models encode them differently.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	// Model identifies the embedding model; vectors from different models
	// are never comparable.
	Model() string
	// Dimension returns the vector dimension produced by the model.
	Dimension() int
}

// Config holds configuration for the embedding service.
type Config struct {
	// BaseURL is the OpenAI-compatible API root, e.g. "http://localhost:11434/v1".
	BaseURL string `koanf:"base_url"`

	// Model is the embedding model name. Default: "nomic-embed-text".
	Model string `koanf:"model"`

	// Dimension is the expected vector dimension. Default: 768.
	Dimension int `koanf:"dimension"`

	// APIKey is optional; Ollama ignores it but hosted backends require it.
	APIKey string `koanf:"api_key"`

	// MaxBatchSize caps the number of texts per backend request.
	// Larger batches are sub-divided. Default: 32.
	MaxBatchSize int `koanf:"max_batch_size"`

	// MaxTextLength truncates inputs longer than this many characters to
	// stay inside the model's context. Default: 24000.
	MaxTextLength int `koanf:"max_text_length"`

	// MaxRetries bounds retry attempts for transient backend failures.
	// Default: 3.
	MaxRetries int `koanf:"max_retries"`

	// RequestTimeout bounds a single backend call. Default: 30s.
	RequestTimeout time.Duration `koanf:"request_timeout"`

	// RequestsPerSecond rate-limits outbound calls. Default: 10.
	RequestsPerSecond float64 `koanf:"requests_per_second"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "http://localhost:11434/v1"
	}
	if c.Model == "" {
		c.Model = "nomic-embed-text"
	}
	if c.Dimension == 0 {
		c.Dimension = 768
	}
	if c.MaxBatchSize == 0 {
		c.MaxBatchSize = 32
	}
	if c.MaxTextLength == 0 {
		c.MaxTextLength = 24000
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.RequestsPerSecond == 0 {
		c.RequestsPerSecond = 10
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	if c.Dimension <= 0 {
		return fmt.Errorf("%w: dimension must be positive", ErrInvalidConfig)
	}
	if c.MaxBatchSize <= 0 {
		return fmt.Errorf("%w: max batch size must be positive", ErrInvalidConfig)
	}
	return nil
}

// Service implements Embedder against an OpenAI-compatible endpoint.
type Service struct {
	config  Config
	client  *openai.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewService creates an embedding service.
func NewService(config Config, logger *zap.Logger) (*Service, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	clientCfg := openai.DefaultConfig(config.APIKey)
	clientCfg.BaseURL = config.BaseURL

	return &Service{
		config:  config,
		client:  openai.NewClientWithConfig(clientCfg),
		limiter: rate.NewLimiter(rate.Limit(config.RequestsPerSecond), 1),
		logger:  logger,
	}, nil
}

// Model returns the configured embedding model name.
func (s *Service) Model() string { return s.config.Model }

// Dimension returns the configured vector dimension.
func (s *Service) Dimension() int { return s.config.Dimension }

// EmbedQuery generates an embedding for a single query string.
func (s *Service) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: text is empty", ErrInvalidInput)
	}
	vectors, err := s.embedBatch(ctx, []string{s.truncate(text)})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedDocuments generates embeddings for multiple texts, positionally
// aligned with the input. Batches larger than the backend limit are
// sub-divided into sequential requests.
func (s *Service) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: no texts", ErrInvalidInput)
	}
	prepared := make([]string, len(texts))
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			return nil, fmt.Errorf("%w: text at index %d is empty", ErrInvalidInput, i)
		}
		prepared[i] = s.truncate(t)
	}

	out := make([][]float32, 0, len(prepared))
	for start := 0; start < len(prepared); start += s.config.MaxBatchSize {
		end := start + s.config.MaxBatchSize
		if end > len(prepared) {
			end = len(prepared)
		}
		vectors, err := s.embedBatch(ctx, prepared[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vectors...)
	}
	return out, nil
}

// embedBatch performs one backend request with retry on transient failure.
func (s *Service) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var vectors [][]float32

	operation := func() error {
		if err := s.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		reqCtx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
		defer cancel()

		resp, err := s.client.CreateEmbeddings(reqCtx, openai.EmbeddingRequest{
			Input: texts,
			Model: openai.EmbeddingModel(s.config.Model),
		})
		if err != nil {
			if !isTransient(err) {
				return backoff.Permanent(permanentError(err))
			}
			s.logger.Warn("embedding request failed, will retry",
				zap.String("model", s.config.Model),
				zap.Int("batch_size", len(texts)),
				zap.Error(err),
			)
			return err
		}

		if len(resp.Data) != len(texts) {
			return backoff.Permanent(fmt.Errorf("%w: got %d embeddings for %d texts",
				ErrBackendUnavailable, len(resp.Data), len(texts)))
		}

		vectors = make([][]float32, len(texts))
		for _, d := range resp.Data {
			if d.Index < 0 || d.Index >= len(texts) {
				return backoff.Permanent(fmt.Errorf("%w: embedding index %d out of range",
					ErrBackendUnavailable, d.Index))
			}
			vectors[d.Index] = d.Embedding
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.config.MaxRetries)), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		if errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrBackendUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return vectors, nil
}

// truncate caps input length so a single huge text cannot blow the model's
// context window.
func (s *Service) truncate(text string) string {
	if len(text) <= s.config.MaxTextLength {
		return text
	}
	return text[:s.config.MaxTextLength]
}

// permanentError classifies a non-retryable backend failure. Only status
// codes that blame the input map to ErrInvalidInput; auth and other
// client-side misconfiguration surface as ErrBackendUnavailable so they
// are not mistaken for a bad document.
func permanentError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusBadRequest, http.StatusRequestEntityTooLarge, http.StatusUnprocessableEntity:
			return fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
	}
	return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
}

// isTransient reports whether the backend error is worth retrying:
// network failures, timeouts, rate limits and server errors are; client
// errors (bad request, auth) are not.
func isTransient(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	// go-openai wraps transport errors in *url.Error; treat unknown
	// non-API errors as transient so the retry budget decides.
	return !errors.Is(err, context.Canceled)
}
