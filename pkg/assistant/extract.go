package assistant

import (
	"encoding/json"
	"regexp"
	"strings"
)

// actionBlock matches fenced json:action blocks, the fallback protocol for
// models without native tool-call support. Endpoints are sloppy about the
// framing, so two or three backticks are accepted and the tag is matched
// case-insensitively.
var actionBlock = regexp.MustCompile("(?is)`{2,3}json:action\\s*\\n(.*?)`{2,3}")

// actionPayload is the body of one fenced block.
type actionPayload struct {
	Actions []struct {
		Type       string          `json:"type"`
		Parameters json.RawMessage `json:"parameters"`
	} `json:"actions"`
}

// ExtractActions parses every fenced action block out of a reply and
// returns the actions plus the reply with the blocks removed. Blocks that
// fail to parse or name no tool are dropped silently; the surrounding prose
// still reaches the user.
func ExtractActions(content string) ([]Action, string) {
	matches := actionBlock.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return nil, content
	}

	var actions []Action
	for _, m := range matches {
		var p actionPayload
		if err := json.Unmarshal([]byte(strings.TrimSpace(m[1])), &p); err != nil {
			continue
		}
		for _, a := range p.Actions {
			if a.Type == "" {
				continue
			}
			args := a.Parameters
			if len(args) == 0 {
				args = json.RawMessage("{}")
			}
			actions = append(actions, Action{Tool: a.Type, Arguments: args})
		}
	}

	cleaned := actionBlock.ReplaceAllString(content, "")
	cleaned = strings.TrimSpace(cleaned)
	return actions, cleaned
}

// ActionsFromToolCalls converts native tool calls into the common Action
// shape, so both protocols feed the same execution path. Unparseable
// argument payloads become empty objects so a backend tool can still report
// a useful validation error.
func ActionsFromToolCalls(calls []ToolCall) []Action {
	var actions []Action
	for _, c := range calls {
		if c.Function.Name == "" {
			continue
		}
		args := json.RawMessage(c.Function.Arguments)
		if !json.Valid(args) {
			args = json.RawMessage("{}")
		}
		actions = append(actions, Action{Tool: c.Function.Name, Arguments: args})
	}
	return actions
}
