// Package assistant orchestrates the assessment flow: evidence retrieval,
// prompt assembly, answer generation and conversation bookkeeping. It is
// the one place that knows the order of the pipeline; every step lives in
// its own package.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/complianced/internal/assembler"
	"github.com/fyrsmithlabs/complianced/internal/conversation"
	"github.com/fyrsmithlabs/complianced/internal/generation"
	"github.com/fyrsmithlabs/complianced/internal/requirements"
	"github.com/fyrsmithlabs/complianced/internal/vectorstore"
)

var tracer = otel.Tracer("complianced.assistant")

var (
	// ErrInvalidRequest indicates a request missing required fields.
	ErrInvalidRequest = errors.New("invalid assistant request")
)

// Retriever is the evidence lookup the assistant depends on.
type Retriever interface {
	Retrieve(ctx context.Context, query, tenantID string) ([]vectorstore.ScoredRecord, error)
}

// Config holds prompt budget tuning.
type Config struct {
	// EvidenceBudget is the token budget for the evidence block.
	// Default: 2000.
	EvidenceBudget int `koanf:"evidence_budget"`

	// PromptBudget is the token budget for the whole prompt including
	// history. Default: 6000.
	PromptBudget int `koanf:"prompt_budget"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.EvidenceBudget == 0 {
		c.EvidenceBudget = 2000
	}
	if c.PromptBudget == 0 {
		c.PromptBudget = 6000
	}
}

// AskRequest is one question about one requirement.
type AskRequest struct {
	// SessionID continues an existing conversation; empty starts one.
	SessionID string

	// TenantID scopes evidence retrieval to the school's documents.
	TenantID string

	// RequirementID selects the deugdelijkheidseis, e.g. "OP1".
	RequirementID string

	// QuestionType selects the task instruction. Defaults to general.
	QuestionType QuestionType

	// Question is the school's question.
	Question string
}

func (r AskRequest) validate() error {
	if r.TenantID == "" {
		return fmt.Errorf("%w: tenant ID required", ErrInvalidRequest)
	}
	if r.RequirementID == "" {
		return fmt.Errorf("%w: requirement ID required", ErrInvalidRequest)
	}
	if strings.TrimSpace(r.Question) == "" {
		return fmt.Errorf("%w: question required", ErrInvalidRequest)
	}
	return nil
}

// Source identifies a document passage cited as evidence.
type Source struct {
	DocumentName string  `json:"document_name"`
	Page         int     `json:"page,omitempty"`
	Score        float32 `json:"score"`
}

// Answer is the assistant's response.
type Answer struct {
	SessionID string `json:"session_id"`

	// Text is the full answer. Empty while streaming until done.
	Text string `json:"text"`

	// Sources lists the evidence passages that were in the prompt. The
	// model's ONDERBOUWING section names the subset it actually used.
	Sources []Source `json:"sources"`

	// EvidenceDropped counts passages removed to fit the token budget.
	EvidenceDropped int `json:"evidence_dropped"`
}

// Assistant wires the pipeline together.
type Assistant struct {
	config    Config
	retriever Retriever
	assembler *assembler.Assembler
	sessions  *conversation.Manager
	generator generation.Generator
	catalog   *requirements.Catalog
	logger    *zap.Logger
}

// New creates an assistant.
func New(config Config, retriever Retriever, asm *assembler.Assembler, sessions *conversation.Manager, generator generation.Generator, catalog *requirements.Catalog, logger *zap.Logger) *Assistant {
	config.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assistant{
		config:    config,
		retriever: retriever,
		assembler: asm,
		sessions:  sessions,
		generator: generator,
		catalog:   catalog,
		logger:    logger,
	}
}

// Sessions exposes the conversation manager for lifecycle endpoints.
func (a *Assistant) Sessions() *conversation.Manager { return a.sessions }

// Ask answers a question about a requirement using the school's own
// documents as evidence. Turns on the same session are serialized: the
// session is locked from prompt construction through the history append,
// so concurrent questions cannot interleave their generations.
func (a *Assistant) Ask(ctx context.Context, req AskRequest) (*Answer, error) {
	ctx, span := tracer.Start(ctx, "Assistant.Ask")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant_id", req.TenantID),
		attribute.String("requirement_id", req.RequirementID),
	)

	session, requirement, err := a.resolveSession(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	session.BeginTurn()
	defer session.EndTurn()

	messages, answer, err := a.prepare(ctx, session, requirement, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	text, err := a.generator.Chat(ctx, messages)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	answer.Text = text

	if err := session.AppendTurn(conversation.Turn{
		Question:      req.Question,
		Answer:        text,
		RequirementID: req.RequirementID,
	}); err != nil {
		return nil, err
	}

	span.SetStatus(codes.Ok, "success")
	return answer, nil
}

// AskStream answers like Ask but delivers the text through onFragment as
// it is generated. The returned Answer carries the accumulated full text.
func (a *Assistant) AskStream(ctx context.Context, req AskRequest, onFragment func(fragment string) error) (*Answer, error) {
	ctx, span := tracer.Start(ctx, "Assistant.AskStream")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant_id", req.TenantID),
		attribute.String("requirement_id", req.RequirementID),
	)

	session, requirement, err := a.resolveSession(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	session.BeginTurn()
	defer session.EndTurn()

	messages, answer, err := a.prepare(ctx, session, requirement, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	stream, err := a.generator.ChatStream(ctx, messages)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	defer stream.Close()

	var sb strings.Builder
	for {
		fragment, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		sb.WriteString(fragment)
		if onFragment != nil {
			if err := onFragment(fragment); err != nil {
				return nil, err
			}
		}
	}
	answer.Text = sb.String()

	if err := session.AppendTurn(conversation.Turn{
		Question:      req.Question,
		Answer:        answer.Text,
		RequirementID: req.RequirementID,
	}); err != nil {
		return nil, err
	}

	span.SetStatus(codes.Ok, "success")
	return answer, nil
}

// resolveSession validates the request and finds or creates the session.
// It runs before the turn lock is taken.
func (a *Assistant) resolveSession(req AskRequest) (*conversation.Session, requirements.Requirement, error) {
	if err := req.validate(); err != nil {
		return nil, requirements.Requirement{}, err
	}

	requirement, err := a.catalog.Get(req.RequirementID)
	if err != nil {
		return nil, requirements.Requirement{}, err
	}

	var session *conversation.Session
	if req.SessionID == "" {
		session = a.sessions.Create(req.TenantID)
	} else {
		session, err = a.sessions.Get(req.SessionID)
		if err != nil {
			return nil, requirements.Requirement{}, err
		}
		if session.TenantID() != req.TenantID {
			return nil, requirements.Requirement{}, fmt.Errorf("%w: session belongs to another tenant", ErrInvalidRequest)
		}
	}
	return session, requirement, nil
}

// prepare runs everything between the turn lock and the model call:
// retrieval, evidence assembly and budgeted prompt construction.
func (a *Assistant) prepare(ctx context.Context, session *conversation.Session, requirement requirements.Requirement, req AskRequest) ([]conversation.Message, *Answer, error) {
	records, err := a.retriever.Retrieve(ctx, requirement.Query(), req.TenantID)
	if err != nil {
		return nil, nil, err
	}

	messages, evidence, err := a.buildMessages(session, requirement, records, req)
	if err != nil {
		return nil, nil, err
	}

	answer := &Answer{
		SessionID:       session.ID(),
		Sources:         sourcesOf(evidence.Included),
		EvidenceDropped: evidence.Dropped,
	}
	return messages, answer, nil
}

// buildMessages assembles the prompt. When the full prompt busts the
// budget despite history eviction, the evidence budget is halved once and
// the prompt rebuilt; a second failure propagates ErrBudgetExceeded.
func (a *Assistant) buildMessages(session *conversation.Session, requirement requirements.Requirement, records []vectorstore.ScoredRecord, req AskRequest) ([]conversation.Message, *assembler.Evidence, error) {
	salt := newSalt()
	budget := a.config.EvidenceBudget

	for attempt := 0; ; attempt++ {
		evidence, err := a.assembler.FormatContext(records, budget)
		if err != nil {
			return nil, nil, err
		}

		userMsg := buildUserMessage(requirement, buildEvidenceBlock(evidence.Text, salt), req.QuestionType, req.Question)
		messages, err := session.BuildPromptContext(systemPrompt, userMsg, a.config.PromptBudget)
		if err == nil {
			return messages, evidence, nil
		}
		if !errors.Is(err, conversation.ErrBudgetExceeded) || attempt > 0 {
			return nil, nil, err
		}

		a.logger.Warn("prompt over budget, halving evidence",
			zap.String("session_id", session.ID()),
			zap.Int("evidence_budget", budget),
		)
		budget /= 2
		if budget == 0 {
			budget = 1
		}
	}
}

func sourcesOf(included []vectorstore.ScoredRecord) []Source {
	sources := make([]Source, 0, len(included))
	seen := make(map[string]bool)
	for _, r := range included {
		key := fmt.Sprintf("%s:%d", r.Chunk.DocumentName, r.Chunk.Page)
		if seen[key] {
			continue
		}
		seen[key] = true
		sources = append(sources, Source{
			DocumentName: r.Chunk.DocumentName,
			Page:         r.Chunk.Page,
			Score:        r.Score,
		})
	}
	return sources
}
