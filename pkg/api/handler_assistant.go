package api

import (
	"encoding/json"
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v5"

	"github.com/diffuselab/diffused/pkg/assistant"
	"github.com/diffuselab/diffused/pkg/config"
)

// assistantChatRequest is the body of both chat routes. Context is the
// client's own description of its current UI state, passed through to the
// model for this turn only; either a JSON string or an object.
type assistantChatRequest struct {
	Message string          `json:"message"`
	Context json.RawMessage `json:"context,omitempty"`
}

func (r *assistantChatRequest) contextBlock() string {
	if len(r.Context) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(r.Context, &s) == nil {
		return s
	}
	return string(r.Context)
}

func (s *Server) bindAssistantChat(c *echo.Context) (*assistantChatRequest, error) {
	if s.assistant == nil {
		return nil, echo.NewHTTPError(http.StatusServiceUnavailable, "assistant is disabled")
	}
	var req assistantChatRequest
	if err := c.Bind(&req); err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Message == "" {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "message is required")
	}
	return &req, nil
}

// handleAssistantChat handles POST /assistant/chat: one user turn run to
// completion, returned as a single JSON document with the reply and any UI
// actions the model requested.
func (s *Server) handleAssistantChat(c *echo.Context) error {
	req, err := s.bindAssistantChat(c)
	if err != nil {
		return err
	}

	var content, thinking strings.Builder
	actions := []map[string]any{}
	var chatErr string
	s.assistant.Chat(c.Request().Context(), req.Message, req.contextBlock(), func(chunk assistant.StreamChunk) {
		switch chunk.Type {
		case assistant.ChunkContent:
			content.WriteString(chunk.Content)
		case assistant.ChunkThinking:
			thinking.WriteString(chunk.Content)
		case assistant.ChunkToolCall:
			actions = append(actions, map[string]any{
				"type":       chunk.Tool,
				"parameters": chunk.Args,
			})
		case assistant.ChunkError:
			chatErr = chunk.Error
		}
	})
	if chatErr != "" {
		return echo.NewHTTPError(http.StatusBadGateway, chatErr)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"message":  content.String(),
		"thinking": thinking.String(),
		"actions":  actions,
	})
}

// handleAssistantChatStream handles POST /assistant/chat/stream: the same
// turn streamed back as server-sent events. The connection stays open for
// the whole turn, including any backend tool rounds.
func (s *Server) handleAssistantChatStream(c *echo.Context) error {
	req, err := s.bindAssistantChat(c)
	if err != nil {
		return err
	}

	resp := c.Response()
	h := resp.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)

	flusher, _ := resp.(http.Flusher)
	s.assistant.Chat(c.Request().Context(), req.Message, req.contextBlock(), func(chunk assistant.StreamChunk) {
		resp.Write(assistant.MarshalChunk(chunk))
		if flusher != nil {
			flusher.Flush()
		}
	})
	return nil
}

// handleAssistantHistory handles GET /assistant/history.
func (s *Server) handleAssistantHistory(c *echo.Context) error {
	if s.assistant == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "assistant is disabled")
	}
	msgs := s.assistant.History()
	if msgs == nil {
		msgs = []assistant.Message{}
	}
	return c.JSON(http.StatusOK, map[string]any{"messages": msgs})
}

// handleAssistantStatus handles GET /assistant/status. Always 200: a
// disabled assistant is a state, not an error, on this route.
func (s *Server) handleAssistantStatus(c *echo.Context) error {
	if s.assistant == nil {
		return c.JSON(http.StatusOK, map[string]any{"enabled": false})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"enabled":          true,
		"model":            s.assistant.Settings().Model,
		"history_messages": len(s.assistant.History()),
	})
}

// handleAssistantSettings handles GET /assistant/settings. The API key is
// redacted.
func (s *Server) handleAssistantSettings(c *echo.Context) error {
	if s.assistant == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "assistant is disabled")
	}
	return c.JSON(http.StatusOK, s.assistant.Settings())
}

// handleUpdateAssistantSettings handles PUT /assistant/settings. A blank
// or redacted api_key keeps the configured key.
func (s *Server) handleUpdateAssistantSettings(c *echo.Context) error {
	if s.assistant == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "assistant is disabled")
	}
	var req config.AssistantConfig
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := s.assistant.UpdateSettings(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, s.assistant.Settings())
}

// handleAssistantModelInfo handles GET /assistant/model-info.
func (s *Server) handleAssistantModelInfo(c *echo.Context) error {
	if s.assistant == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "assistant is disabled")
	}
	return c.JSON(http.StatusOK, s.assistant.ModelInfo())
}

// handleAssistantClear handles POST /assistant/clear and
// DELETE /assistant/history.
func (s *Server) handleAssistantClear(c *echo.Context) error {
	if s.assistant == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "assistant is disabled")
	}
	if err := s.assistant.ClearHistory(); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"cleared": true})
}
