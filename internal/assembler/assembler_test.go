package assembler

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/complianced/internal/chunking"
	"github.com/fyrsmithlabs/complianced/internal/tokens"
	"github.com/fyrsmithlabs/complianced/internal/vectorstore"
)

func record(name, text string, page int, section string, score float32) vectorstore.ScoredRecord {
	return vectorstore.ScoredRecord{
		Chunk: chunking.Chunk{
			DocumentID:    "doc-" + name,
			DocumentName:  name,
			Text:          text,
			Page:          page,
			SectionHeader: section,
		},
		Score: score,
	}
}

func TestFormatContext_CitationHeaders(t *testing.T) {
	a := New(tokens.HeuristicCounter{}, zap.NewNop())

	ev, err := a.FormatContext([]vectorstore.ScoredRecord{
		record("schoolplan.pdf", "Het taalbeleid is beschreven.", 12, "2.1 Taalbeleid", 0.87),
	}, 1000)
	require.NoError(t, err)

	assert.Contains(t, ev.Text, "[Source: schoolplan.pdf, p.12, section: 2.1 Taalbeleid] (relevance 87%)")
	assert.Contains(t, ev.Text, "Het taalbeleid is beschreven.")
	assert.Zero(t, ev.Dropped)
}

func TestFormatContext_OmitsUnknownPageAndSection(t *testing.T) {
	a := New(tokens.HeuristicCounter{}, zap.NewNop())

	ev, err := a.FormatContext([]vectorstore.ScoredRecord{
		record("notulen.pdf", "Tekst zonder structuur.", 0, "", 0.75),
	}, 1000)
	require.NoError(t, err)

	assert.Contains(t, ev.Text, "[Source: notulen.pdf] (relevance 75%)")
	assert.NotContains(t, ev.Text, "p.0")
	assert.NotContains(t, ev.Text, "section:")
}

func TestFormatContext_FallsBackToDocumentID(t *testing.T) {
	a := New(tokens.HeuristicCounter{}, zap.NewNop())

	r := record("", "Inhoud.", 0, "", 0.8)
	ev, err := a.FormatContext([]vectorstore.ScoredRecord{r}, 1000)
	require.NoError(t, err)
	assert.Contains(t, ev.Text, "[Source: doc-]")
}

func TestFormatContext_DropsWeakestToFitBudget(t *testing.T) {
	a := New(tokens.HeuristicCounter{}, zap.NewNop())

	records := []vectorstore.ScoredRecord{
		record("a.pdf", strings.Repeat("sterk bewijs ", 20), 1, "", 0.95),
		record("b.pdf", strings.Repeat("middelmatig bewijs ", 20), 2, "", 0.85),
		record("c.pdf", strings.Repeat("zwak bewijs ", 20), 3, "", 0.72),
	}

	full, err := a.FormatContext(records, 100000)
	require.NoError(t, err)
	require.Len(t, full.Included, 3)

	// A budget that fits exactly the two strongest blocks must keep those
	// two and drop the weakest.
	two, err := a.FormatContext(records[:2], 100000)
	require.NoError(t, err)

	trimmed, err := a.FormatContext(records, two.Tokens)
	require.NoError(t, err)
	require.Len(t, trimmed.Included, 2)
	assert.Equal(t, 1, trimmed.Dropped)
	assert.Equal(t, "a.pdf", trimmed.Included[0].Chunk.DocumentName)
	assert.Equal(t, "b.pdf", trimmed.Included[1].Chunk.DocumentName)
	assert.NotContains(t, trimmed.Text, "c.pdf")
	assert.LessOrEqual(t, trimmed.Tokens, two.Tokens)
}

func TestFormatContext_BudgetTooSmallForAnything(t *testing.T) {
	a := New(tokens.HeuristicCounter{}, zap.NewNop())

	ev, err := a.FormatContext([]vectorstore.ScoredRecord{
		record("a.pdf", strings.Repeat("lange tekst ", 50), 1, "", 0.9),
	}, 3)
	require.NoError(t, err)

	assert.Empty(t, ev.Text)
	assert.Empty(t, ev.Included)
	assert.Equal(t, 1, ev.Dropped)
}

func TestFormatContext_EmptyInput(t *testing.T) {
	a := New(tokens.HeuristicCounter{}, zap.NewNop())

	ev, err := a.FormatContext(nil, 100)
	require.NoError(t, err)
	assert.Empty(t, ev.Text)
	assert.Zero(t, ev.Dropped)
}

func TestFormatContext_InvalidBudget(t *testing.T) {
	a := New(tokens.HeuristicCounter{}, zap.NewNop())

	_, err := a.FormatContext(nil, 0)
	assert.ErrorIs(t, err, ErrInvalidBudget)

	_, err = a.FormatContext(nil, -10)
	assert.ErrorIs(t, err, ErrInvalidBudget)
}
