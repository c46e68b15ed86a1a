// Package conversation tracks multi-turn assessment sessions. A session
// holds a bounded window of question/answer pairs per tenant and builds
// token-budgeted message histories for the model, evicting the oldest
// turns first when the budget is tight.
package conversation

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/complianced/internal/tokens"
)

var (
	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("session closed")

	// ErrSessionNotFound is returned for unknown session IDs.
	ErrSessionNotFound = errors.New("session not found")

	// ErrBudgetExceeded is returned when the prompt cannot fit the token
	// budget even with all history evicted.
	ErrBudgetExceeded = errors.New("token budget exceeded")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid conversation configuration")
)

// Message roles, matching the OpenAI chat convention.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry in a model prompt.
type Message struct {
	Role    string
	Content string
}

// Turn is one completed question/answer exchange.
type Turn struct {
	Question      string
	Answer        string
	RequirementID string
	AskedAt       time.Time
}

// Config holds conversation limits.
type Config struct {
	// MaxTurns bounds the retained question/answer pairs per session.
	// Older pairs are discarded as new ones arrive. Default: 10.
	MaxTurns int `koanf:"max_turns"`

	// IdleTimeout is how long a session may sit unused before PruneIdle
	// removes it. Default: 2h.
	IdleTimeout time.Duration `koanf:"idle_timeout"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.MaxTurns == 0 {
		c.MaxTurns = 10
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 2 * time.Hour
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.MaxTurns <= 0 {
		return fmt.Errorf("%w: max turns must be positive", ErrInvalidConfig)
	}
	return nil
}

// Session is a single tenant conversation. Safe for concurrent use.
type Session struct {
	mu sync.Mutex

	// turnMu serializes whole turns. A session processes one question at
	// a time; concurrent requests on the same session queue up instead of
	// interleaving their retrieval, generation and history appends.
	turnMu sync.Mutex

	id         string
	tenantID   string
	turns      []Turn
	closed     bool
	createdAt  time.Time
	lastActive time.Time

	maxTurns int
	counter  tokens.Counter
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// TenantID returns the tenant the session belongs to.
func (s *Session) TenantID() string { return s.tenantID }

// BeginTurn takes the session's turn lock. Callers hold it across an
// entire question/answer cycle so that two concurrent questions on the
// same session cannot interleave; release with EndTurn.
func (s *Session) BeginTurn() { s.turnMu.Lock() }

// EndTurn releases the turn lock taken by BeginTurn.
func (s *Session) EndTurn() { s.turnMu.Unlock() }

// AppendTurn records a completed exchange. When the window is full the
// oldest turn is discarded. Returns ErrSessionClosed on a closed session.
func (s *Session) AppendTurn(turn Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("%w: %s", ErrSessionClosed, s.id)
	}
	if turn.AskedAt.IsZero() {
		turn.AskedAt = time.Now()
	}
	s.turns = append(s.turns, turn)
	if len(s.turns) > s.maxTurns {
		s.turns = s.turns[len(s.turns)-s.maxTurns:]
	}
	s.lastActive = time.Now()
	return nil
}

// History returns a copy of the retained turns, oldest first.
func (s *Session) History() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// Close marks the session closed. Idempotent. Closed sessions reject new
// turns but their history stays readable.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// Closed reports whether the session has been closed.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// BuildPromptContext assembles the message list for a model call: system
// prompt, then as much recent history as the token budget allows, then the
// user message. History is evicted oldest-pair-first; if the prompt does
// not fit even with no history at all, ErrBudgetExceeded is returned and
// the caller decides what to shrink.
func (s *Session) BuildPromptContext(systemPrompt, userMessage string, budget int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("%w: %s", ErrSessionClosed, s.id)
	}
	if budget <= 0 {
		return nil, fmt.Errorf("%w: budget %d", ErrBudgetExceeded, budget)
	}

	base := s.counter.Count(systemPrompt) + s.counter.Count(userMessage)
	if base > budget {
		return nil, fmt.Errorf("%w: prompt needs %d tokens, budget is %d", ErrBudgetExceeded, base, budget)
	}

	// Walk history newest to oldest, keeping pairs while they fit.
	remaining := budget - base
	keepFrom := len(s.turns)
	for i := len(s.turns) - 1; i >= 0; i-- {
		cost := s.counter.Count(s.turns[i].Question) + s.counter.Count(s.turns[i].Answer)
		if cost > remaining {
			break
		}
		remaining -= cost
		keepFrom = i
	}

	messages := make([]Message, 0, 2+2*(len(s.turns)-keepFrom))
	messages = append(messages, Message{Role: RoleSystem, Content: systemPrompt})
	for _, t := range s.turns[keepFrom:] {
		messages = append(messages,
			Message{Role: RoleUser, Content: t.Question},
			Message{Role: RoleAssistant, Content: t.Answer},
		)
	}
	messages = append(messages, Message{Role: RoleUser, Content: userMessage})
	return messages, nil
}

// Manager owns the live sessions. Safe for concurrent use.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	config  Config
	counter tokens.Counter
	logger  *zap.Logger
}

// NewManager creates a session manager.
func NewManager(config Config, counter tokens.Counter, logger *zap.Logger) (*Manager, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		sessions: make(map[string]*Session),
		config:   config,
		counter:  counter,
		logger:   logger,
	}, nil
}

// Create starts a new session for the tenant.
func (m *Manager) Create(tenantID string) *Session {
	now := time.Now()
	s := &Session{
		id:         uuid.NewString(),
		tenantID:   tenantID,
		createdAt:  now,
		lastActive: now,
		maxTurns:   m.config.MaxTurns,
		counter:    m.counter,
	}
	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	m.logger.Debug("session created",
		zap.String("session_id", s.id),
		zap.String("tenant_id", tenantID),
	)
	return s
}

// Get returns the session with the given ID.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// Close closes and removes the session. Unknown IDs return
// ErrSessionNotFound.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	s.Close()
	return nil
}

// PruneIdle closes and removes sessions idle longer than the configured
// timeout, returning how many were removed.
func (m *Manager) PruneIdle() int {
	cutoff := time.Now().Add(-m.config.IdleTimeout)

	m.mu.Lock()
	var stale []*Session
	for id, s := range m.sessions {
		s.mu.Lock()
		idle := s.lastActive.Before(cutoff)
		s.mu.Unlock()
		if idle {
			stale = append(stale, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range stale {
		s.Close()
	}
	if len(stale) > 0 {
		m.logger.Info("pruned idle sessions", zap.Int("count", len(stale)))
	}
	return len(stale)
}
