package assistant

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractActions(t *testing.T) {
	content := "Let me set that up for you.\n" +
		"```json:action\n" +
		`{"actions": [{"type": "set_parameters", "parameters": {"steps": 30}}]}` + "\n" +
		"```\n" +
		"And start the render:\n" +
		"```json:action\n" +
		`{"actions": [{"type": "generate"}]}` + "\n" +
		"```\n"

	actions, cleaned := ExtractActions(content)
	require.Len(t, actions, 2)
	assert.Equal(t, "set_parameters", actions[0].Tool)
	assert.JSONEq(t, `{"steps": 30}`, string(actions[0].Arguments))
	assert.Equal(t, "generate", actions[1].Tool)
	assert.JSONEq(t, `{}`, string(actions[1].Arguments), "absent parameters default to an empty object")

	assert.NotContains(t, cleaned, "json:action")
	assert.Contains(t, cleaned, "Let me set that up for you.")
	assert.Contains(t, cleaned, "And start the render:")
}

func TestExtractActionsMultiplePerBlock(t *testing.T) {
	content := "```json:action\n" +
		`{"actions": [{"type": "set_parameters", "parameters": {"seed": 7}}, {"type": "generate"}]}` + "\n" +
		"```"

	actions, _ := ExtractActions(content)
	require.Len(t, actions, 2)
	assert.Equal(t, "set_parameters", actions[0].Tool)
	assert.Equal(t, "generate", actions[1].Tool)
}

func TestExtractActionsFenceVariants(t *testing.T) {
	// Models are sloppy with fences: two backticks and shouted tags both
	// occur in the wild.
	content := "``JSON:ACTION\n" +
		`{"actions": [{"type": "load_model", "parameters": {"model": "base.safetensors"}}]}` + "\n" +
		"``"

	actions, cleaned := ExtractActions(content)
	require.Len(t, actions, 1)
	assert.Equal(t, "load_model", actions[0].Tool)
	assert.NotContains(t, cleaned, "load_model")
}

func TestExtractActionsNoBlocks(t *testing.T) {
	actions, cleaned := ExtractActions("just prose, no actions")
	assert.Nil(t, actions)
	assert.Equal(t, "just prose, no actions", cleaned)
}

func TestExtractActionsDropsBadBlocks(t *testing.T) {
	content := "```json:action\n{not json}\n```\n" +
		"```json:action\n{\"actions\": [{\"parameters\": {\"x\": 1}}]}\n```\n" + // no type
		"```json:action\n{\"actions\": [{\"type\": \"load_model\"}]}\n```"

	actions, cleaned := ExtractActions(content)
	require.Len(t, actions, 1)
	assert.Equal(t, "load_model", actions[0].Tool)
	assert.Empty(t, cleaned, "all blocks are stripped, parseable or not")
}

func TestActionsFromToolCalls(t *testing.T) {
	calls := []ToolCall{
		{ID: "call_1", Type: "function", Function: FunctionCall{Name: "get_status", Arguments: `{}`}},
		{ID: "call_2", Type: "function", Function: FunctionCall{Name: "search_jobs", Arguments: `{"query": "fox"`}}, // truncated
		{ID: "call_3", Type: "function", Function: FunctionCall{Name: ""}},
	}

	actions := ActionsFromToolCalls(calls)
	require.Len(t, actions, 2, "nameless calls are dropped")
	assert.Equal(t, "get_status", actions[0].Tool)
	assert.Equal(t, json.RawMessage(`{}`), actions[1].Arguments, "unparseable arguments become an empty object")
}
