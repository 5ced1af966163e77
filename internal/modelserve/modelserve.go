// Package modelserve produces completions locally without contacting an
// upstream. It backs benchmark mode, where the gateway measures its own
// overhead against a zero-latency generator.
package modelserve

import (
	"context"
	"sync/atomic"
)

// Message is one chat turn as seen by an executor.
type Message struct {
	Role    string
	Content string
}

// Params carries the generation knobs an executor may honor.
type Params struct {
	Model     string
	MaxTokens int
	Stream    bool
}

// Executor generates a completion for a chat transcript. Implementations
// must be safe for concurrent use.
type Executor interface {
	Infer(ctx context.Context, msgs []Message, p Params) (string, error)
	StreamInfer(ctx context.Context, msgs []Message, p Params) (<-chan string, error)
}

// CannedExecutor cycles through a fixed corpus of completions. It never
// fails and never blocks on generation.
type CannedExecutor struct {
	corpus []string
	cursor atomic.Uint64
}

var defaultCorpus = []string{
	"The quick brown fox jumps over the lazy dog.",
	"In a hole in the ground there lived a hobbit.",
	"It was the best of times, it was the worst of times.",
	"Call me Ishmael. Some years ago, never mind how long precisely.",
}

// NewCannedExecutor returns an executor over the given corpus, or over a
// built-in default when corpus is empty.
func NewCannedExecutor(corpus []string) *CannedExecutor {
	if len(corpus) == 0 {
		corpus = defaultCorpus
	}
	return &CannedExecutor{corpus: corpus}
}

func (e *CannedExecutor) next() string {
	n := e.cursor.Add(1) - 1
	return e.corpus[int(n%uint64(len(e.corpus)))]
}

func (e *CannedExecutor) Infer(ctx context.Context, msgs []Message, p Params) (string, error) {
	return e.next(), nil
}

// StreamInfer emits the completion word by word on the returned channel and
// closes it when done or when ctx is cancelled.
func (e *CannedExecutor) StreamInfer(ctx context.Context, msgs []Message, p Params) (<-chan string, error) {
	text := e.next()
	out := make(chan string)
	go func() {
		defer close(out)
		for _, piece := range splitWords(text) {
			select {
			case out <- piece:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func splitWords(text string) []string {
	var pieces []string
	start := 0
	for i := 0; i < len(text); i++ {
		if text[i] == ' ' {
			pieces = append(pieces, text[start:i+1])
			start = i + 1
		}
	}
	if start < len(text) {
		pieces = append(pieces, text[start:])
	}
	return pieces
}
