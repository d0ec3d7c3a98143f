// internal/transcript/buffer.go
package transcript

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// Role tags a turn in the transcript.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one role-tagged utterance.
type Turn struct {
	Role Role
	Text string
}

// TokenCounter measures prompt text against the backend's input budget.
type TokenCounter interface {
	Count(text string) int
}

// TiktokenCounter counts tokens with a tiktoken BPE encoding.
type TiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenCounter returns a counter for the named encoding
// (e.g. "cl100k_base").
func NewTiktokenCounter(encoding string) (*TiktokenCounter, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("get tokenizer: %w", err)
	}
	return &TiktokenCounter{enc: enc}, nil
}

func (c *TiktokenCounter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

// Buffer is a bounded rolling transcript. The system preamble, when
// configured, is pinned at index 0 and never evicted; eviction drops whole
// turns from the head of the sliding window, oldest first. Not safe for
// concurrent use: the session loop is the only writer.
type Buffer struct {
	system    *Turn
	turns     []Turn
	maxTurns  int
	maxTokens int
	counter   TokenCounter
	sysTokens int
}

// NewBuffer creates a Buffer holding at most maxTurns turns in the sliding
// window whose total size, including the pinned preamble, stays within
// maxTokens. A bound of zero disables that constraint.
func NewBuffer(counter TokenCounter, maxTurns, maxTokens int, preamble string) *Buffer {
	b := &Buffer{
		maxTurns:  maxTurns,
		maxTokens: maxTokens,
		counter:   counter,
	}
	if preamble != "" {
		b.system = &Turn{Role: RoleSystem, Text: preamble}
		b.sysTokens = counter.Count(preamble)
	}
	return b
}

// Append inserts a turn at the tail and evicts from the head until the count
// and token bounds hold. Turns are only ever dropped whole; the newest turn
// is always retained even if it alone exceeds the token budget.
func (b *Buffer) Append(turn Turn) {
	b.turns = append(b.turns, turn)
	for len(b.turns) > 1 && b.overBudget() {
		b.turns = b.turns[1:]
	}
}

func (b *Buffer) overBudget() bool {
	if b.maxTurns > 0 && len(b.turns) > b.maxTurns {
		return true
	}
	if b.maxTokens > 0 {
		total := b.sysTokens
		for _, t := range b.turns {
			total += b.counter.Count(t.Text)
		}
		if total > b.maxTokens {
			return true
		}
	}
	return false
}

// Snapshot returns an independent copy of the transcript, pinned preamble
// first, so rendering never races with later appends.
func (b *Buffer) Snapshot() []Turn {
	out := make([]Turn, 0, len(b.turns)+1)
	if b.system != nil {
		out = append(out, *b.system)
	}
	out = append(out, b.turns...)
	return out
}

// Len returns the number of turns in the sliding window, excluding the
// pinned preamble.
func (b *Buffer) Len() int {
	return len(b.turns)
}

// Reset clears the sliding window. The pinned preamble survives.
func (b *Buffer) Reset() {
	b.turns = nil
}
