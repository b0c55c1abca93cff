package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Ollama streams completions from an Ollama-compatible /api/chat
// endpoint (newline-delimited JSON). When tool definitions are set, the
// model's tool_calls are surfaced as KindToolCall chunks; delegation
// directives remain a scripted-client feature.
type Ollama struct {
	baseURL    string
	model      string
	tools      []map[string]any
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllama creates a remote model client.
func NewOllama(baseURL, model string, logger *slog.Logger) *Ollama {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ollama{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		httpClient: &http.Client{
			Timeout: 5 * time.Minute, // Large models need time
		},
		logger: logger,
	}
}

// SetTools advertises tool definitions (in the wire shape produced by
// the tools registry) with every chat request. Call before Stream.
func (c *Ollama) SetTools(defs []map[string]any) {
	c.tools = defs
}

type ollamaChatRequest struct {
	Model    string           `json:"model"`
	Messages []Message        `json:"messages"`
	Stream   bool             `json:"stream"`
	Tools    []map[string]any `json:"tools,omitempty"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"function"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaChatChunk struct {
	Model   string        `json:"model"`
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`

	// Usage stats (when done=true)
	PromptEvalCount int `json:"prompt_eval_count,omitempty"`
	EvalCount       int `json:"eval_count,omitempty"`
}

// Stream sends the chat request and forwards each streamed token.
func (c *Ollama) Stream(ctx context.Context, req Request, emit Emit) (*Response, error) {
	body, err := json.Marshal(ollamaChatRequest{
		Model:    c.model,
		Messages: req.Messages,
		Stream:   true,
		Tools:    c.tools,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("model request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("model API error %d: %s", resp.StatusCode, errBody)
	}

	var content strings.Builder
	final := &Response{Model: c.model}
	decoder := json.NewDecoder(resp.Body)
	callSeq := 0

	for {
		var chunk ollamaChatChunk
		if err := decoder.Decode(&chunk); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("decode stream chunk: %w", err)
		}

		if chunk.Message.Content != "" {
			content.WriteString(chunk.Message.Content)
			if err := emit(Chunk{Kind: KindText, Text: chunk.Message.Content}); err != nil {
				return nil, err
			}
		}

		// Ollama carries no call id, so synthesize stable ones per stream.
		for _, tc := range chunk.Message.ToolCalls {
			callSeq++
			call := &ToolCall{
				ID:   fmt.Sprintf("call-%d", callSeq),
				Name: tc.Function.Name,
				Args: tc.Function.Arguments,
			}
			if err := emit(Chunk{Kind: KindToolCall, ToolCall: call}); err != nil {
				return nil, err
			}
		}

		if chunk.Done {
			if chunk.Model != "" {
				final.Model = chunk.Model
			}
			final.InputTokens = chunk.PromptEvalCount
			final.OutputTokens = chunk.EvalCount
			break
		}
	}

	final.Content = content.String()
	c.logger.Debug("model stream complete",
		"model", final.Model,
		"input_tokens", final.InputTokens,
		"output_tokens", final.OutputTokens,
		"content_len", len(final.Content),
	)
	return final, nil
}
