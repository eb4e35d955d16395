package assistant

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/diffuselab/diffused/pkg/config"
	"github.com/diffuselab/diffused/pkg/tools"
)

// maxToolRounds bounds the tool-call loop so a confused model cannot spin
// the conversation forever.
const maxToolRounds = 5

// Service orchestrates one chat turn: stream the model, execute backend
// tools in-process, relay UI actions, persist the exchange.
type Service struct {
	mu     sync.RWMutex
	cfg    config.AssistantConfig
	client *Client
	prompt string

	executor *tools.Executor
	history  *History
	logger   *slog.Logger
}

// NewService wires the assistant from its config.
func NewService(cfg config.AssistantConfig, executor *tools.Executor, historyPath string) *Service {
	s := &Service{
		executor: executor,
		history:  NewHistory(historyPath, cfg.MaxHistoryTurns),
		logger:   slog.With("component", "assistant"),
	}
	s.apply(cfg)
	return s
}

// apply rebuilds the client and prompt from cfg. A user prompt extends the
// built-in one rather than replacing it, so the tool protocol instructions
// always survive. Caller holds mu for updates after construction.
func (s *Service) apply(cfg config.AssistantConfig) {
	prompt := defaultSystemPrompt
	if cfg.SystemPrompt != "" {
		prompt = defaultSystemPrompt + "\n\n" + cfg.SystemPrompt
	}
	s.cfg = cfg
	s.prompt = prompt
	s.client = NewClient(
		cfg.Endpoint, cfg.APIKey, cfg.Model,
		cfg.Temperature, cfg.MaxTokens,
		time.Duration(cfg.TimeoutSeconds)*time.Second,
	)
}

// Settings returns the current assistant configuration with the API key
// redacted.
func (s *Service) Settings() config.AssistantConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg := s.cfg
	if cfg.APIKey != "" {
		cfg.APIKey = "***"
	}
	return cfg
}

// UpdateSettings replaces the runtime assistant configuration. A blank
// api_key keeps the existing key, so the UI can round-trip the redacted
// settings document.
func (s *Service) UpdateSettings(cfg config.AssistantConfig) error {
	if cfg.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if cfg.Model == "" {
		return fmt.Errorf("model is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.APIKey == "" || cfg.APIKey == "***" {
		cfg.APIKey = s.cfg.APIKey
	}
	s.apply(cfg)
	return nil
}

// ModelInfo describes the remote model the assistant is wired to.
func (s *Service) ModelInfo() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]any{
		"model":       s.cfg.Model,
		"endpoint":    s.cfg.Endpoint,
		"temperature": s.cfg.Temperature,
		"max_tokens":  s.cfg.MaxTokens,
	}
}

func (s *Service) snapshot() (*Client, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client, s.prompt
}

// LoadHistory restores the persisted conversation.
func (s *Service) LoadHistory() error { return s.history.Load() }

// History returns the stored conversation for the UI.
func (s *Service) History() []Message { return s.history.Messages() }

// ClearHistory wipes the stored conversation.
func (s *Service) ClearHistory() error { return s.history.Clear() }

// Chat runs one user turn, emitting chunks as they arrive. contextBlock is
// the client's description of the current UI state, injected as an extra
// system message for this turn only. Backend tool calls are executed and
// fed back to the model; anything else is emitted as a UI action for the
// client to apply. Always finishes with a done or error chunk.
func (s *Service) Chat(ctx context.Context, userMessage, contextBlock string, emit func(StreamChunk)) {
	if err := s.chat(ctx, userMessage, contextBlock, emit); err != nil {
		s.logger.Error("Chat turn failed", "error", err)
		emit(StreamChunk{Type: ChunkError, Error: err.Error()})
		return
	}
	emit(StreamChunk{Type: ChunkDone})
}

func (s *Service) chat(ctx context.Context, userMessage, contextBlock string, emit func(StreamChunk)) error {
	client, prompt := s.snapshot()
	s.history.Append(Message{Role: RoleUser, Content: userMessage, Timestamp: time.Now().Unix()})

	// Working copy for this turn; tool exchanges are appended as they
	// happen so the model sees its own results. The context block rides as
	// a second system message and is never persisted.
	messages := []Message{{Role: RoleSystem, Content: prompt}}
	if contextBlock != "" {
		messages = append(messages, Message{Role: RoleSystem, Content: "Current application state:\n" + contextBlock})
	}
	messages = append(messages, s.history.Messages()...)

	for round := 0; round < maxToolRounds; round++ {
		completion, err := client.Stream(ctx, messages, tools.Definitions(), emit)
		if err != nil {
			return err
		}

		var actions []Action
		content := completion.Content
		native := len(completion.ToolCalls) > 0
		if native {
			actions = ActionsFromToolCalls(completion.ToolCalls)
		} else {
			actions, content = ExtractActions(content)
		}

		assistantMsg := Message{
			Role:      RoleAssistant,
			Content:   content,
			Thinking:  completion.Thinking,
			Timestamp: time.Now().Unix(),
		}
		if native {
			assistantMsg.ToolCalls = completion.ToolCalls
		}
		s.history.Append(assistantMsg)
		messages = append(messages, assistantMsg)

		ranBackendTool := false
		for i, a := range actions {
			if !tools.IsBackendTool(a.Tool) {
				emit(StreamChunk{Type: ChunkToolCall, Tool: a.Tool, Args: a.Arguments})
				continue
			}

			result, terr := s.executor.Execute(a.Tool, a.Arguments)
			if terr != nil {
				result = fmt.Sprintf(`{"error": %q}`, terr.Error())
			}
			toolMsg := Message{Role: RoleTool, Content: result, Name: a.Tool, Timestamp: time.Now().Unix()}
			if native && i < len(completion.ToolCalls) {
				toolMsg.ToolCallID = completion.ToolCalls[i].ID
			} else {
				// Fenced-protocol endpoints have no tool role plumbing;
				// feed the result back as a user-visible system nudge.
				toolMsg = Message{
					Role:      RoleUser,
					Content:   fmt.Sprintf("[tool %s result]\n%s", a.Tool, result),
					Timestamp: time.Now().Unix(),
				}
			}
			s.history.Append(toolMsg)
			messages = append(messages, toolMsg)
			ranBackendTool = true
		}

		if !ranBackendTool {
			return nil
		}
	}
	return fmt.Errorf("tool loop exceeded %d rounds", maxToolRounds)
}

// Suggest asks the model for a short proactive suggestion given a context
// description, without touching the conversation history.
func (s *Service) Suggest(ctx context.Context, situation string) (string, error) {
	client, prompt := s.snapshot()
	messages := []Message{
		{Role: RoleSystem, Content: prompt},
		{Role: RoleUser, Content: "In one or two sentences, suggest what to try next. Context: " + situation},
	}
	completion, err := client.Stream(ctx, messages, nil, func(StreamChunk) {})
	if err != nil {
		return "", err
	}
	_, cleaned := ExtractActions(completion.Content)
	return cleaned, nil
}

// MarshalChunk renders a chunk as one SSE data line, the framing the HTTP
// handler writes.
func MarshalChunk(c StreamChunk) []byte {
	raw, err := json.Marshal(c)
	if err != nil {
		raw = []byte(`{"type":"error","error":"chunk marshal failed"}`)
	}
	return append(append([]byte("data: "), raw...), '\n', '\n')
}
