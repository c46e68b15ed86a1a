// Package chunking splits extracted document text into overlapping semantic
// units sized for embedding. Paragraph boundaries are respected where
// possible; oversized paragraphs fall back to sentence splitting, and each
// chunk repeats the tail of its predecessor so that statements crossing a
// chunk boundary remain retrievable.
package chunking

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/complianced/internal/tokens"
)

// ErrInvalidConfig indicates invalid chunker configuration.
var ErrInvalidConfig = errors.New("invalid chunker configuration")

// Config holds chunk sizing parameters, in tokens.
type Config struct {
	// TargetTokens is the size a chunk is grown towards.
	// Default: 400.
	TargetTokens int `koanf:"target_tokens"`

	// MaxTokens is the hard ceiling for a single chunk.
	// Default: 500.
	MaxTokens int `koanf:"max_tokens"`

	// OverlapPercent is the share of the previous chunk repeated at the
	// start of the next one, in percent. Default: 12 (valid range 10-15 in
	// production configs).
	OverlapPercent int `koanf:"overlap_percent"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.TargetTokens == 0 {
		c.TargetTokens = 400
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 500
	}
	if c.OverlapPercent == 0 {
		c.OverlapPercent = 12
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.TargetTokens <= 0 {
		return fmt.Errorf("%w: target_tokens must be positive", ErrInvalidConfig)
	}
	if c.MaxTokens < c.TargetTokens {
		return fmt.Errorf("%w: max_tokens (%d) below target_tokens (%d)", ErrInvalidConfig, c.MaxTokens, c.TargetTokens)
	}
	if c.OverlapPercent < 0 || c.OverlapPercent > 50 {
		return fmt.Errorf("%w: overlap_percent %d out of range", ErrInvalidConfig, c.OverlapPercent)
	}
	return nil
}

// Chunker splits document text into Chunks.
type Chunker struct {
	config  Config
	counter tokens.Counter
	logger  *zap.Logger
}

// NewChunker creates a chunker. A nil counter selects the default token
// counter; a nil logger disables logging.
func NewChunker(config Config, counter tokens.Counter, logger *zap.Logger) (*Chunker, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if counter == nil {
		counter = tokens.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chunker{config: config, counter: counter, logger: logger}, nil
}

// span is a run of normalized text with its offsets and governing header.
type span struct {
	text   string
	start  int
	end    int
	header string
}

var (
	// Header forms seen in Dutch school policy documents: numbered
	// headings, short "Label:" lines, and chapter headings.
	headerPatterns = []*regexp.Regexp{
		regexp.MustCompile(`^(\d+(?:\.\d+)*\.?\s+\p{Lu}[^\n]{0,60})$`),
		regexp.MustCompile(`^(\p{Lu}[\p{L}\s]{0,40}:)\s*$`),
		regexp.MustCompile(`^((?:Hoofdstuk|Chapter)\s+\d+[^\n]{0,40})$`),
	}

	sentenceEnd = regexp.MustCompile(`(?:[.!?])\s+`)
)

// ChunkDocument splits text into ordered, overlap-padded chunks annotated
// with positional and structural metadata. Empty or whitespace-only input
// yields an empty slice and no error.
func (c *Chunker) ChunkDocument(text string, meta DocumentMeta) ([]Chunk, error) {
	normalized := normalize(text)
	if strings.TrimSpace(normalized) == "" {
		return nil, nil
	}

	paragraphs := splitParagraphs(normalized)
	spans := c.accumulate(paragraphs)
	chunks := c.assemble(spans, normalized, meta)

	c.logger.Debug("chunked document",
		zap.String("document_id", meta.DocumentID),
		zap.Int("paragraphs", len(paragraphs)),
		zap.Int("chunks", len(chunks)),
	)
	return chunks, nil
}

// normalize canonicalizes line endings and collapses runaway whitespace so
// that offsets are stable regardless of the extraction source.
func normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(strings.ReplaceAll(line, "\t", " "), " ")
	}
	text = strings.Join(lines, "\n")
	for strings.Contains(text, "\n\n\n") {
		text = strings.ReplaceAll(text, "\n\n\n", "\n\n")
	}
	return strings.TrimSpace(text)
}

// splitParagraphs splits normalized text into paragraph spans with offsets
// and assigns each paragraph the header in force at that point.
func splitParagraphs(text string) []span {
	var out []span
	header := ""
	cursor := 0
	for _, raw := range strings.Split(text, "\n\n") {
		start := cursor
		cursor += len(raw) + 2
		p := strings.TrimSpace(raw)
		if p == "" {
			continue
		}
		start += strings.Index(raw, p[:1])
		if h := detectHeader(p); h != "" {
			header = h
		}
		out = append(out, span{text: p, start: start, end: start + len(p), header: header})
	}
	return out
}

// detectHeader returns the header text when the paragraph's first line looks
// like a section heading, or "" otherwise.
func detectHeader(paragraph string) string {
	first := paragraph
	if i := strings.IndexByte(first, '\n'); i >= 0 {
		first = first[:i]
	}
	first = strings.TrimSpace(first)
	for _, re := range headerPatterns {
		if m := re.FindStringSubmatch(first); m != nil {
			return strings.TrimSuffix(strings.TrimSpace(m[1]), ":")
		}
	}
	return ""
}

// accumulate greedily merges paragraphs into chunk-sized spans. A chunk is
// closed when it has reached the target size, or when adding the next
// paragraph would push it past the hard maximum.
func (c *Chunker) accumulate(paragraphs []span) []span {
	var out []span
	var cur span
	curTokens := 0

	flush := func() {
		if cur.text != "" {
			out = append(out, cur)
			cur = span{}
			curTokens = 0
		}
	}

	for _, p := range paragraphs {
		pTokens := c.counter.Count(p.text)

		if pTokens > c.config.MaxTokens {
			flush()
			out = append(out, c.splitOversized(p)...)
			continue
		}

		if cur.text == "" {
			cur = p
			curTokens = pTokens
			continue
		}

		if curTokens >= c.config.TargetTokens || curTokens+pTokens > c.config.MaxTokens {
			flush()
			cur = p
			curTokens = pTokens
			continue
		}

		cur.text += "\n\n" + p.text
		cur.end = p.end
		curTokens += pTokens
	}
	flush()
	return out
}

// splitOversized splits a paragraph that exceeds the chunk maximum on
// sentence boundaries, falling back to word boundaries for a single
// runaway sentence.
func (c *Chunker) splitOversized(p span) []span {
	var out []span
	var cur strings.Builder
	curStart := p.start
	curTokens := 0
	offset := 0

	flush := func(end int) {
		if cur.Len() > 0 {
			out = append(out, span{text: strings.TrimSpace(cur.String()), start: curStart, end: end, header: p.header})
			cur.Reset()
			curTokens = 0
		}
	}

	for _, s := range splitSentences(p.text) {
		sTokens := c.counter.Count(s)
		sStart := p.start + offset
		offset += len(s)
		for offset < len(p.text) && (p.text[offset] == ' ' || p.text[offset] == '\n') {
			offset++
		}

		if sTokens > c.config.MaxTokens {
			flush(sStart)
			out = append(out, c.splitWords(s, sStart, p.header)...)
			curStart = p.start + offset
			continue
		}

		if cur.Len() == 0 {
			curStart = sStart
		} else if curTokens >= c.config.TargetTokens || curTokens+sTokens > c.config.MaxTokens {
			flush(sStart)
			curStart = sStart
		} else {
			cur.WriteByte(' ')
		}
		cur.WriteString(s)
		curTokens += sTokens
	}
	flush(p.end)
	return out
}

// splitSentences splits a paragraph after sentence-final punctuation.
func splitSentences(text string) []string {
	locs := sentenceEnd.FindAllStringIndex(text, -1)
	if locs == nil {
		return []string{text}
	}
	var out []string
	prev := 0
	for _, loc := range locs {
		out = append(out, strings.TrimSpace(text[prev:loc[1]]))
		prev = loc[1]
	}
	if rest := strings.TrimSpace(text[prev:]); rest != "" {
		out = append(out, rest)
	}
	return out
}

// splitWords force-splits a single oversized sentence on word boundaries.
func (c *Chunker) splitWords(text string, start int, header string) []span {
	var out []span
	var cur strings.Builder
	curStart := start
	curTokens := 0
	offset := 0

	for _, w := range strings.Fields(text) {
		wStart := start + strings.Index(text[offset:], w) + offset
		offset = wStart - start + len(w)
		wTokens := c.counter.Count(w)

		if cur.Len() > 0 && curTokens+wTokens > c.config.MaxTokens {
			out = append(out, span{text: cur.String(), start: curStart, end: wStart, header: header})
			cur.Reset()
			curTokens = 0
		}
		if cur.Len() == 0 {
			curStart = wStart
		} else {
			cur.WriteByte(' ')
		}
		cur.WriteString(w)
		curTokens += wTokens
	}
	if cur.Len() > 0 {
		out = append(out, span{text: cur.String(), start: curStart, end: start + len(text), header: header})
	}
	return out
}

// assemble turns chunk spans into Chunk values: overlap padding, ordinals,
// totals, offsets and page numbers.
func (c *Chunker) assemble(spans []span, source string, meta DocumentMeta) []Chunk {
	now := time.Now().UTC()
	chunks := make([]Chunk, 0, len(spans))

	for i, sp := range spans {
		text := sp.text
		charStart := sp.start

		if i > 0 && c.config.OverlapPercent > 0 {
			prev := spans[i-1]
			overlap := overlapTail(prev.text, c.config.OverlapPercent)
			if overlap != "" {
				text = overlap + "\n\n" + text
				charStart = prev.end - len(overlap)
			}
		}

		chunks = append(chunks, Chunk{
			ID:            uuid.NewString(),
			DocumentID:    meta.DocumentID,
			DocumentName:  meta.DocumentName,
			TenantID:      meta.TenantID,
			Text:          text,
			Ordinal:       i,
			TotalChunks:   len(spans),
			Page:          pageFor(sp.start, meta.PageBoundaries),
			SectionHeader: sp.header,
			CharStart:     charStart,
			CharEnd:       sp.end,
			CreatedAt:     now,
		})
	}
	return chunks
}

// overlapTail returns the trailing percent of text, trimmed forward to the
// next word boundary so the overlap never starts mid-word. When the tail
// has no word boundary at all, it is advanced to the next rune boundary so
// a multi-byte rune is never split.
func overlapTail(text string, percent int) string {
	n := len(text) * percent / 100
	if n <= 0 {
		return ""
	}
	tail := text[len(text)-n:]
	if i := strings.IndexAny(tail, " \n"); i >= 0 {
		tail = tail[i+1:]
	} else {
		for len(tail) > 0 && !utf8.RuneStart(tail[0]) {
			tail = tail[1:]
		}
	}
	return strings.TrimSpace(tail)
}

// pageFor resolves the page containing the given offset. Returns 0 when no
// boundaries are known; positions past the last boundary map to the last page.
func pageFor(pos int, boundaries []PageBoundary) int {
	if len(boundaries) == 0 {
		return 0
	}
	for _, b := range boundaries {
		if pos >= b.Start && pos < b.End {
			return b.Page
		}
	}
	if pos >= boundaries[len(boundaries)-1].Start {
		return boundaries[len(boundaries)-1].Page
	}
	return 0
}
