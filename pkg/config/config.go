// Package config loads and validates the server's JSON configuration file.
package config

// Config is the top-level configuration document.
type Config struct {
	Server     ServerConfig     `json:"server"`
	Paths      PathsConfig      `json:"paths"`
	SDDefaults SDDefaults       `json:"sd_defaults"`
	Preview    PreviewConfig    `json:"preview"`
	Assistant  AssistantConfig  `json:"assistant"`
	RecycleBin RecycleBinConfig `json:"recycle_bin"`
}

// ServerConfig holds the HTTP and WebSocket listener settings.
type ServerConfig struct {
	Host    string `json:"host"`
	Port    int    `json:"port"`
	WSPort  int    `json:"ws_port"`
	Threads int    `json:"threads"`
}

// PathsConfig names the model roots and output/webui directories. All
// declared model roots must exist and be directories; output is created if
// missing.
type PathsConfig struct {
	Checkpoints     string `json:"checkpoints"`
	DiffusionModels string `json:"diffusion_models"`
	VAE             string `json:"vae"`
	Lora            string `json:"lora"`
	Clip            string `json:"clip"`
	T5              string `json:"t5"`
	Embeddings      string `json:"embeddings"`
	ControlNet      string `json:"controlnet"`
	LLM             string `json:"llm"`
	ESRGAN          string `json:"esrgan"`
	TAESD           string `json:"taesd"`
	Output          string `json:"output"`
	WebUI           string `json:"webui"`
}

// SDDefaults are baseline load options applied when a load request leaves
// them unset.
type SDDefaults struct {
	NThreads      int  `json:"n_threads"`
	KeepClipOnCPU bool `json:"keep_clip_on_cpu"`
	KeepVAEOnCPU  bool `json:"keep_vae_on_cpu"`
	FlashAttn     bool `json:"flash_attn"`
	OffloadToCPU  bool `json:"offload_to_cpu"`
}

// PreviewConfig controls live preview generation during jobs.
type PreviewConfig struct {
	Enabled  bool   `json:"enabled"`
	Mode     string `json:"mode"` // none, proj, tae, vae
	Interval int    `json:"interval"`
	MaxSize  int    `json:"max_size"`
	Quality  int    `json:"quality"`
}

// AssistantConfig configures the conversational assistant bridge.
type AssistantConfig struct {
	Enabled              bool    `json:"enabled"`
	Endpoint             string  `json:"endpoint"`
	APIKey               string  `json:"api_key"`
	Model                string  `json:"model"`
	Temperature          float64 `json:"temperature"`
	MaxTokens            int     `json:"max_tokens"`
	TimeoutSeconds       int     `json:"timeout_seconds"`
	SystemPrompt         string  `json:"system_prompt"`
	MaxHistoryTurns      int     `json:"max_history_turns"`
	ProactiveSuggestions bool    `json:"proactive_suggestions"`
}

// RecycleBinConfig controls soft-delete retention. Retention of 0 minutes
// behaves the same as disabling the bin: deletes are immediate and hard.
type RecycleBinConfig struct {
	Enabled          bool `json:"enabled"`
	RetentionMinutes int  `json:"retention_minutes"`
}

// defaults returns the baseline configuration merged under the user's file.
func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host:   "127.0.0.1",
			Port:   8080,
			WSPort: 8081,
		},
		Preview: PreviewConfig{
			Enabled: true,
			Mode:    "tae",
			MaxSize: 256,
			Quality: 75,
		},
		Assistant: AssistantConfig{
			Model:           "gpt-4o-mini",
			Temperature:     0.7,
			MaxTokens:       2048,
			TimeoutSeconds:  120,
			MaxHistoryTurns: 10,
		},
		RecycleBin: RecycleBinConfig{
			Enabled:          true,
			RetentionMinutes: 60 * 24,
		},
	}
}
