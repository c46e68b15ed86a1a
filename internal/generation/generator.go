// Package generation produces model answers via an OpenAI-compatible chat
// backend (Ollama in production). It mirrors the embeddings service: the
// same client library, the same transient/permanent error split, the same
// retry policy for non-streaming calls.
package generation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/complianced/internal/conversation"
)

var tracer = otel.Tracer("complianced.generation")

var (
	// ErrGeneration indicates the backend failed to produce an answer.
	ErrGeneration = errors.New("generation failed")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid generation configuration")
)

// Generator produces answers from assembled prompt messages.
type Generator interface {
	// Chat returns the complete answer for the messages.
	Chat(ctx context.Context, messages []conversation.Message) (string, error)

	// ChatStream returns a stream of answer fragments. The caller must
	// close the stream.
	ChatStream(ctx context.Context, messages []conversation.Message) (Stream, error)
}

// Stream yields answer fragments until io.EOF.
type Stream interface {
	// Recv returns the next fragment, or io.EOF when the answer is done.
	Recv() (string, error)
	Close() error
}

// Config holds configuration for the chat backend.
type Config struct {
	// BaseURL is the OpenAI-compatible API root, e.g. "http://localhost:11434/v1".
	BaseURL string `koanf:"base_url"`

	// Model is the chat model name. Default: "llama3.1".
	Model string `koanf:"model"`

	// APIKey is optional; Ollama ignores it but hosted backends require it.
	APIKey string `koanf:"api_key"`

	// Temperature controls sampling randomness. Compliance answers should
	// stay close to the evidence, so the default is low. Default: 0.2.
	Temperature float32 `koanf:"temperature"`

	// MaxTokens caps the answer length. Default: 1024.
	MaxTokens int `koanf:"max_tokens"`

	// MaxRetries bounds retry attempts for transient failures on
	// non-streaming calls. Default: 2.
	MaxRetries int `koanf:"max_retries"`

	// RequestTimeout bounds a non-streaming call. Streaming calls run on
	// the caller's context. Default: 120s.
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "http://localhost:11434/v1"
	}
	if c.Model == "" {
		c.Model = "llama3.1"
	}
	if c.Temperature == 0 {
		c.Temperature = 0.2
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 1024
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 120 * time.Second
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	if c.Model == "" {
		return fmt.Errorf("%w: model required", ErrInvalidConfig)
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("%w: temperature must be in [0, 2]", ErrInvalidConfig)
	}
	return nil
}

// Service implements Generator against an OpenAI-compatible endpoint.
type Service struct {
	config Config
	client *openai.Client
	logger *zap.Logger
}

// NewService creates a generation service.
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
		config: config,
		client: openai.NewClientWithConfig(clientCfg),
		logger: logger,
	}, nil
}

// Chat returns the complete answer for the messages, retrying transient
// backend failures.
func (s *Service) Chat(ctx context.Context, messages []conversation.Message) (string, error) {
	ctx, span := tracer.Start(ctx, "Generator.Chat")
	defer span.End()
	span.SetAttributes(
		attribute.String("model", s.config.Model),
		attribute.Int("messages", len(messages)),
	)

	req := s.request(messages)
	var answer string

	operation := func() error {
		reqCtx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
		defer cancel()

		resp, err := s.client.CreateChatCompletion(reqCtx, req)
		if err != nil {
			if !isTransient(err) {
				return backoff.Permanent(err)
			}
			s.logger.Warn("chat request failed, will retry",
				zap.String("model", s.config.Model),
				zap.Error(err),
			)
			return err
		}
		if len(resp.Choices) == 0 {
			return backoff.Permanent(errors.New("backend returned no choices"))
		}
		answer = resp.Choices[0].Message.Content
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.config.MaxRetries)), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("%w: %v", ErrGeneration, err)
	}

	span.SetStatus(codes.Ok, "success")
	return answer, nil
}

// ChatStream starts a streaming completion. Streaming is not retried; a
// mid-stream failure surfaces on Recv and the caller re-asks.
func (s *Service) ChatStream(ctx context.Context, messages []conversation.Message) (Stream, error) {
	ctx, span := tracer.Start(ctx, "Generator.ChatStream")
	defer span.End()
	span.SetAttributes(attribute.String("model", s.config.Model))

	req := s.request(messages)
	req.Stream = true

	stream, err := s.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: %v", ErrGeneration, err)
	}
	span.SetStatus(codes.Ok, "success")
	return &openaiStream{inner: stream}, nil
}

func (s *Service) request(messages []conversation.Message) openai.ChatCompletionRequest {
	converted := make([]openai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		converted[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}
	return openai.ChatCompletionRequest{
		Model:       s.config.Model,
		Messages:    converted,
		Temperature: s.config.Temperature,
		MaxTokens:   s.config.MaxTokens,
	}
}

type openaiStream struct {
	inner *openai.ChatCompletionStream
}

func (s *openaiStream) Recv() (string, error) {
	for {
		resp, err := s.inner.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", io.EOF
			}
			return "", fmt.Errorf("%w: %v", ErrGeneration, err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		return resp.Choices[0].Delta.Content, nil
	}
}

func (s *openaiStream) Close() error {
	return s.inner.Close()
}

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
	return !errors.Is(err, context.Canceled)
}

var _ Generator = (*Service)(nil)
