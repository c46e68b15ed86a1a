package conversation

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/complianced/internal/tokens"
)

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	m, err := NewManager(cfg, tokens.HeuristicCounter{}, zap.NewNop())
	require.NoError(t, err)
	return m
}

func TestSession_SlidingWindow(t *testing.T) {
	m := newTestManager(t, Config{MaxTurns: 10})
	s := m.Create("school-1")

	for i := 1; i <= 12; i++ {
		require.NoError(t, s.AppendTurn(Turn{
			Question: fmt.Sprintf("vraag %d", i),
			Answer:   fmt.Sprintf("antwoord %d", i),
		}))
	}

	history := s.History()
	require.Len(t, history, 10)
	assert.Equal(t, "vraag 3", history[0].Question)
	assert.Equal(t, "vraag 12", history[9].Question)
}

func TestSession_ClosedRejectsTurns(t *testing.T) {
	m := newTestManager(t, Config{})
	s := m.Create("school-1")

	require.NoError(t, s.AppendTurn(Turn{Question: "q", Answer: "a"}))
	s.Close()

	err := s.AppendTurn(Turn{Question: "q2", Answer: "a2"})
	assert.ErrorIs(t, err, ErrSessionClosed)

	// History stays readable after close.
	assert.Len(t, s.History(), 1)

	_, err = s.BuildPromptContext("system", "user", 1000)
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestSession_BuildPromptContext(t *testing.T) {
	m := newTestManager(t, Config{})
	s := m.Create("school-1")
	require.NoError(t, s.AppendTurn(Turn{Question: "eerste vraag", Answer: "eerste antwoord"}))
	require.NoError(t, s.AppendTurn(Turn{Question: "tweede vraag", Answer: "tweede antwoord"}))

	messages, err := s.BuildPromptContext("systeemprompt", "nieuwe vraag", 10000)
	require.NoError(t, err)
	require.Len(t, messages, 6)

	assert.Equal(t, RoleSystem, messages[0].Role)
	assert.Equal(t, "systeemprompt", messages[0].Content)
	assert.Equal(t, RoleUser, messages[1].Role)
	assert.Equal(t, "eerste vraag", messages[1].Content)
	assert.Equal(t, RoleAssistant, messages[2].Role)
	assert.Equal(t, RoleUser, messages[5].Role)
	assert.Equal(t, "nieuwe vraag", messages[5].Content)
}

func TestSession_BuildPromptContext_EvictsOldestFirst(t *testing.T) {
	m := newTestManager(t, Config{})
	s := m.Create("school-1")

	old := strings.Repeat("oud ", 100)
	require.NoError(t, s.AppendTurn(Turn{Question: old, Answer: old}))
	require.NoError(t, s.AppendTurn(Turn{Question: "recent", Answer: "kort"}))

	// Budget fits system + user + the recent pair, not the old one.
	counter := tokens.HeuristicCounter{}
	budget := counter.Count("sys") + counter.Count("vraag") +
		counter.Count("recent") + counter.Count("kort") + 1

	messages, err := s.BuildPromptContext("sys", "vraag", budget)
	require.NoError(t, err)
	require.Len(t, messages, 4)
	assert.Equal(t, "recent", messages[1].Content)
}

func TestSession_BuildPromptContext_BudgetExceeded(t *testing.T) {
	m := newTestManager(t, Config{})
	s := m.Create("school-1")

	_, err := s.BuildPromptContext(strings.Repeat("lang ", 100), "vraag", 10)
	assert.ErrorIs(t, err, ErrBudgetExceeded)

	_, err = s.BuildPromptContext("sys", "vraag", 0)
	assert.ErrorIs(t, err, ErrBudgetExceeded)
}

func TestManager_GetAndClose(t *testing.T) {
	m := newTestManager(t, Config{})
	s := m.Create("school-1")

	got, err := m.Get(s.ID())
	require.NoError(t, err)
	assert.Equal(t, s.ID(), got.ID())
	assert.Equal(t, "school-1", got.TenantID())

	require.NoError(t, m.Close(s.ID()))
	assert.True(t, s.Closed())

	_, err = m.Get(s.ID())
	assert.ErrorIs(t, err, ErrSessionNotFound)

	assert.ErrorIs(t, m.Close(s.ID()), ErrSessionNotFound)
	assert.ErrorIs(t, m.Close("no-such-session"), ErrSessionNotFound)
}

func TestManager_PruneIdle(t *testing.T) {
	m := newTestManager(t, Config{IdleTimeout: time.Minute})
	fresh := m.Create("school-1")
	stale := m.Create("school-2")

	stale.mu.Lock()
	stale.lastActive = time.Now().Add(-2 * time.Minute)
	stale.mu.Unlock()

	assert.Equal(t, 1, m.PruneIdle())
	assert.True(t, stale.Closed())

	_, err := m.Get(fresh.ID())
	assert.NoError(t, err)
	_, err = m.Get(stale.ID())
	assert.ErrorIs(t, err, ErrSessionNotFound)
}
