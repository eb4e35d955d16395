package tools

// Definition is an OpenAI-style function declaration advertised to the
// assistant's model.
type Definition struct {
	Type     string   `json:"type"`
	Function Function `json:"function"`
}

// Function is the declared callable inside a Definition.
type Function struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

func fn(name, description string, properties map[string]any, required ...string) Definition {
	params := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		params["required"] = required
	}
	return Definition{
		Type:     "function",
		Function: Function{Name: name, Description: description, Parameters: params},
	}
}

// Definitions returns the backend tool declarations in stable order.
func Definitions() []Definition {
	return []Definition{
		fn(ToolGetStatus,
			"Get the current server status: loaded model, upscaler, queue occupancy and the most recent jobs.",
			map[string]any{}),
		fn(ToolGetModels,
			"List available model files, optionally filtered by type or a name search.",
			map[string]any{
				"type":   map[string]any{"type": "string", "description": "Model type bucket, e.g. checkpoint, lora, vae."},
				"search": map[string]any{"type": "string", "description": "Case-insensitive substring of the file name."},
			}),
		fn(ToolGetArchitectures,
			"List known model architectures with their components and defaults.",
			map[string]any{}),
		fn(ToolGetJob,
			"Fetch one job by id, including its parameters, status and outputs.",
			map[string]any{
				"job_id": map[string]any{"type": "string"},
			}, "job_id"),
		fn(ToolSearchJobs,
			"Search jobs by prompt text or id substring.",
			map[string]any{
				"query": map[string]any{"type": "string"},
				"limit": map[string]any{"type": "integer", "description": "Max results, default 10."},
			}, "query"),
		fn(ToolListJobs,
			"List recent jobs as compact id/type/status entries, optionally filtered by status or type.",
			map[string]any{
				"status": map[string]any{"type": "string", "description": "pending, processing, completed, failed, cancelled or deleted."},
				"type":   map[string]any{"type": "string", "description": "Job type, e.g. txt2img."},
				"offset": map[string]any{"type": "integer", "description": "Skip this many jobs, default 0."},
				"limit":  map[string]any{"type": "integer", "description": "Max results, default 10."},
			}),
	}
}
