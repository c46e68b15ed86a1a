// Package tokens provides token counting shared by the chunker, the context
// assembler and the conversation manager, so that all budget arithmetic in
// the pipeline agrees on a single notion of "token".
package tokens

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Counter estimates the number of model tokens in a text.
type Counter interface {
	Count(text string) int
}

// defaultEncoding is a reasonable approximation for the local models we
// target; exact counts are not required, only consistent ones.
const defaultEncoding = "cl100k_base"

// TiktokenCounter counts tokens using a tiktoken BPE encoding.
type TiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenCounter creates a counter for the given encoding name.
// An empty name selects cl100k_base.
func NewTiktokenCounter(encoding string) (*TiktokenCounter, error) {
	if encoding == "" {
		encoding = defaultEncoding
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, err
	}
	return &TiktokenCounter{enc: enc}, nil
}

// Count returns the number of tokens in text.
func (c *TiktokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(c.enc.Encode(text, nil, nil))
}

// HeuristicCounter approximates tokens as characters divided by four.
// Used as a fallback when the tiktoken encoding cannot be loaded
// (e.g. offline environments where the BPE files are unavailable).
type HeuristicCounter struct{}

// Count returns the approximate token count for text.
func (HeuristicCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}

var (
	defaultCounter     Counter
	defaultCounterOnce sync.Once
)

// Default returns the process-wide counter: tiktoken when available,
// otherwise the character heuristic.
func Default() Counter {
	defaultCounterOnce.Do(func() {
		if c, err := NewTiktokenCounter(""); err == nil {
			defaultCounter = c
		} else {
			defaultCounter = HeuristicCounter{}
		}
	})
	return defaultCounter
}
