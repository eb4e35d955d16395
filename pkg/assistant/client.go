package assistant

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/diffuselab/diffused/pkg/tools"
)

// Client speaks the OpenAI-compatible chat-completions protocol. Endpoints
// vary wildly in what they emit (reasoning fields, tool-call support), so
// the parser stays permissive: unknown fields are ignored, absent ones
// default.
type Client struct {
	endpoint    string
	apiKey      string
	model       string
	temperature float64
	maxTokens   int
	http        *http.Client
}

// NewClient builds a client for the configured endpoint.
func NewClient(endpoint, apiKey, model string, temperature float64, maxTokens int, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Client{
		endpoint:    strings.TrimSuffix(endpoint, "/"),
		apiKey:      apiKey,
		model:       model,
		temperature: temperature,
		maxTokens:   maxTokens,
		http:        &http.Client{Timeout: timeout},
	}
}

type chatRequest struct {
	Model       string             `json:"model"`
	Messages    []Message          `json:"messages"`
	Temperature float64            `json:"temperature,omitempty"`
	MaxTokens   int                `json:"max_tokens,omitempty"`
	Stream      bool               `json:"stream"`
	Tools       []tools.Definition `json:"tools,omitempty"`
}

// delta is the streamed message fragment. Thinking-capable endpoints emit
// reasoning under different keys; both common ones are read.
type delta struct {
	Content          string `json:"content"`
	ReasoningContent string `json:"reasoning_content"`
	Thinking         string `json:"thinking"`
	ToolCalls        []struct {
		Index    int    `json:"index"`
		ID       string `json:"id"`
		Type     string `json:"type"`
		Function struct {
			Name      string `json:"name"`
			Arguments string `json:"arguments"`
		} `json:"function"`
	} `json:"tool_calls"`
}

type streamEvent struct {
	Choices []struct {
		Delta        delta  `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Completion is the assembled result of one streamed model turn.
type Completion struct {
	Content   string
	Thinking  string
	ToolCalls []ToolCall
}

// Stream runs one chat completion, invoking onChunk for every content and
// thinking fragment, and returns the assembled completion.
func (c *Client) Stream(ctx context.Context, messages []Message, defs []tools.Definition, onChunk func(StreamChunk)) (*Completion, error) {
	body, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
		Stream:      true,
		Tools:       defs,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chat request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("chat endpoint returned %s: %s", resp.Status, strings.TrimSpace(string(detail)))
	}

	var content, thinking strings.Builder
	calls := map[int]*ToolCall{}
	maxIndex := -1

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "[DONE]" {
			continue
		}

		var ev streamEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			continue // tolerate keep-alives and vendor extensions
		}
		if ev.Error != nil {
			return nil, fmt.Errorf("chat endpoint error: %s", ev.Error.Message)
		}
		if len(ev.Choices) == 0 {
			continue
		}
		d := ev.Choices[0].Delta

		if t := d.ReasoningContent + d.Thinking; t != "" {
			thinking.WriteString(t)
			onChunk(StreamChunk{Type: ChunkThinking, Content: t})
		}
		if d.Content != "" {
			content.WriteString(d.Content)
			onChunk(StreamChunk{Type: ChunkContent, Content: d.Content})
		}
		for _, tc := range d.ToolCalls {
			call, ok := calls[tc.Index]
			if !ok {
				call = &ToolCall{Type: "function"}
				calls[tc.Index] = call
				if tc.Index > maxIndex {
					maxIndex = tc.Index
				}
			}
			if tc.ID != "" {
				call.ID = tc.ID
			}
			if tc.Function.Name != "" {
				call.Function.Name = tc.Function.Name
			}
			call.Function.Arguments += tc.Function.Arguments
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading chat stream: %w", err)
	}

	out := &Completion{Content: content.String(), Thinking: thinking.String()}
	for i := 0; i <= maxIndex; i++ {
		if call, ok := calls[i]; ok {
			out.ToolCalls = append(out.ToolCalls, *call)
		}
	}
	return out, nil
}
