// Package events provides the real-time event bus: producers anywhere in
// the process broadcast typed events, a single event-loop goroutine fans
// them out to every WebSocket subscriber.
package events

// Event types carried in the envelope's "event" field.
const (
	// Job lifecycle.
	EventJobAdded         = "job_added"
	EventJobStatusChanged = "job_status_changed"
	EventJobProgress      = "job_progress"
	EventJobPreview       = "job_preview"
	EventJobCancelled     = "job_cancelled"
	EventJobDeleted       = "job_deleted"
	EventJobRestored      = "job_restored"

	// Model lifecycle.
	EventModelLoadingProgress = "model_loading_progress"
	EventModelLoaded          = "model_loaded"
	EventModelLoadFailed      = "model_load_failed"
	EventModelUnloaded        = "model_unloaded"

	// Upscaler lifecycle.
	EventUpscalerLoaded   = "upscaler_loaded"
	EventUpscalerUnloaded = "upscaler_unloaded"

	// Server.
	EventServerStatus = "server_status"
	EventPong         = "pong"
)

// Envelope is the wire format for server → client frames.
type Envelope struct {
	Event     string `json:"event"`
	Timestamp string `json:"timestamp"` // ISO-8601 with millisecond precision, UTC
	Data      any    `json:"data"`
}

// ClientMessage is the JSON structure for client → server frames. Malformed
// or unknown messages are ignored.
type ClientMessage struct {
	Type string `json:"type"` // "ping" or "get_status"
}

// StatusProvider supplies the server_status payload sent on connect, on
// get_status requests and on demand.
type StatusProvider func() any
