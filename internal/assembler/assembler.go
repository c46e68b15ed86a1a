// Package assembler formats retrieved chunks into the evidence block that
// is placed in the model prompt. Each chunk gets a citation header so the
// model can ground its answer in a named source, and the whole block is
// trimmed to a token budget by dropping the weakest evidence first.
package assembler

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/complianced/internal/tokens"
	"github.com/fyrsmithlabs/complianced/internal/vectorstore"
)

// ErrInvalidBudget indicates a non-positive token budget.
var ErrInvalidBudget = errors.New("invalid token budget")

// Evidence is a formatted context block ready for prompt insertion.
type Evidence struct {
	// Text is the full evidence block, citation headers included. Empty
	// when no chunks were provided or all were dropped.
	Text string

	// Included lists the chunks present in Text, strongest first.
	Included []vectorstore.ScoredRecord

	// Dropped counts the chunks removed to satisfy the token budget.
	Dropped int

	// Tokens is the measured size of Text.
	Tokens int
}

// Assembler builds evidence blocks.
type Assembler struct {
	counter tokens.Counter
	logger  *zap.Logger
}

// New creates an assembler measuring budgets with the given counter.
func New(counter tokens.Counter, logger *zap.Logger) *Assembler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assembler{counter: counter, logger: logger}
}

// FormatContext renders records into a cited evidence block no larger than
// budget tokens. Records are assumed sorted strongest-first, as the
// retriever returns them; when the block exceeds the budget, records are
// dropped from the weak end until it fits. A budget too small for even the
// single strongest record yields empty Text with everything counted as
// dropped, never a truncated chunk: partial evidence reads like evidence
// but isn't.
func (a *Assembler) FormatContext(records []vectorstore.ScoredRecord, budget int) (*Evidence, error) {
	if budget <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidBudget, budget)
	}
	if len(records) == 0 {
		return &Evidence{}, nil
	}

	blocks := make([]string, len(records))
	for i, r := range records {
		blocks[i] = formatBlock(r)
	}

	kept := len(records)
	var text string
	var size int
	for kept > 0 {
		text = strings.Join(blocks[:kept], "\n\n")
		size = a.counter.Count(text)
		if size <= budget {
			break
		}
		kept--
	}
	if kept == 0 {
		a.logger.Warn("token budget too small for any evidence",
			zap.Int("budget", budget),
			zap.Int("records", len(records)),
		)
		return &Evidence{Dropped: len(records)}, nil
	}

	if kept < len(records) {
		a.logger.Debug("dropped evidence to fit budget",
			zap.Int("kept", kept),
			zap.Int("dropped", len(records)-kept),
			zap.Int("budget", budget),
		)
	}

	return &Evidence{
		Text:     text,
		Included: records[:kept],
		Dropped:  len(records) - kept,
		Tokens:   size,
	}, nil
}

// formatBlock renders one chunk with its citation header. Page and section
// are omitted when unknown rather than shown as placeholders.
func formatBlock(r vectorstore.ScoredRecord) string {
	var sb strings.Builder
	sb.WriteString("[Source: ")
	sb.WriteString(sourceName(r.Chunk.DocumentName, r.Chunk.DocumentID))
	if r.Chunk.Page > 0 {
		fmt.Fprintf(&sb, ", p.%d", r.Chunk.Page)
	}
	if r.Chunk.SectionHeader != "" {
		sb.WriteString(", section: ")
		sb.WriteString(r.Chunk.SectionHeader)
	}
	fmt.Fprintf(&sb, "] (relevance %d%%)\n", int(r.Score*100))
	sb.WriteString(strings.TrimSpace(r.Chunk.Text))
	return sb.String()
}

func sourceName(name, id string) string {
	if name != "" {
		return name
	}
	return id
}
