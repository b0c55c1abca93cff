package model

import (
	"context"
	"strings"
	"time"
)

// Step is one phase of a scripted response. Fields are emitted in order:
// thinking, then text (token by token), then at most one tool call or
// delegation.
type Step struct {
	Thinking string
	Text     string
	Tool     *ToolCall
	Delegate *Delegation
}

// Scripted replays a fixed sequence of steps. It is the default client
// when no remote model is configured, and the workhorse of tests: the
// same script always yields the same chunk sequence.
type Scripted struct {
	name  string
	steps []Step
	// TokenDelay adds a pause between tokens for realistic demos.
	// Zero (the default) streams as fast as the consumer drains.
	TokenDelay time.Duration
}

// NewScripted creates a scripted client.
func NewScripted(name string, steps []Step) *Scripted {
	if name == "" {
		name = "scripted"
	}
	return &Scripted{name: name, steps: steps}
}

// Stream replays the script. Text and thinking are tokenized on
// whitespace, each token emitted as its own chunk with trailing space
// preserved so concatenation reproduces the original.
func (s *Scripted) Stream(ctx context.Context, req Request, emit Emit) (*Response, error) {
	var content strings.Builder
	tokens := 0

	emitTokens := func(kind ChunkKind, text string) error {
		for _, tok := range tokenize(text) {
			if err := ctx.Err(); err != nil {
				return err
			}
			if s.TokenDelay > 0 {
				select {
				case <-time.After(s.TokenDelay):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			if err := emit(Chunk{Kind: kind, Text: tok}); err != nil {
				return err
			}
			tokens++
			if kind == KindText {
				content.WriteString(tok)
			}
		}
		return nil
	}

	for _, step := range s.steps {
		if step.Thinking != "" {
			if err := emitTokens(KindThinking, step.Thinking); err != nil {
				return nil, err
			}
		}
		if step.Text != "" {
			if err := emitTokens(KindText, step.Text); err != nil {
				return nil, err
			}
		}
		if step.Tool != nil {
			if err := emit(Chunk{Kind: KindToolCall, ToolCall: step.Tool}); err != nil {
				return nil, err
			}
		}
		if step.Delegate != nil {
			if err := emit(Chunk{Kind: KindDelegation, Delegation: step.Delegate}); err != nil {
				return nil, err
			}
		}
	}

	return &Response{
		Model:        s.name,
		Content:      content.String(),
		OutputTokens: tokens,
	}, nil
}

// tokenize splits text into whitespace-terminated tokens, keeping the
// separators so the concatenation of tokens equals the input.
func tokenize(text string) []string {
	var tokens []string
	start := 0
	for i, r := range text {
		if r == ' ' || r == '\n' {
			tokens = append(tokens, text[start:i+1])
			start = i + 1
		}
	}
	if start < len(text) {
		tokens = append(tokens, text[start:])
	}
	return tokens
}
