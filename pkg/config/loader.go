package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"dario.cat/mergo"
)

// Initialize loads, merges defaults into, and validates the configuration
// file at path. This is the primary entry point.
func Initialize(path string) (*Config, error) {
	cfg, err := load(path)
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	slog.Info("Configuration initialized",
		"config", path,
		"port", cfg.Server.Port,
		"ws_port", cfg.Server.WSPort,
		"output", cfg.Paths.Output)
	return cfg, nil
}

func load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewLoadError(path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, NewLoadError(path, err)
	}

	// Fill unset fields from the built-in defaults; user values win.
	def := defaults()
	if err := mergo.Merge(&cfg, def); err != nil {
		return nil, NewLoadError(path, fmt.Errorf("merging defaults: %w", err))
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return &ValidationError{Field: "server.port", Message: "must be in [1, 65535]"}
	}
	if cfg.Server.WSPort < 1 || cfg.Server.WSPort > 65535 {
		return &ValidationError{Field: "server.ws_port", Message: "must be in [1, 65535]"}
	}
	if cfg.Server.WSPort == cfg.Server.Port {
		return &ValidationError{Field: "server.ws_port", Message: "must differ from server.port"}
	}

	// Every declared model root must exist and be a directory. Undeclared
	// roots are fine: the registry skips them.
	for field, dir := range map[string]string{
		"paths.checkpoints":      cfg.Paths.Checkpoints,
		"paths.diffusion_models": cfg.Paths.DiffusionModels,
		"paths.vae":              cfg.Paths.VAE,
		"paths.lora":             cfg.Paths.Lora,
		"paths.clip":             cfg.Paths.Clip,
		"paths.t5":               cfg.Paths.T5,
		"paths.embeddings":       cfg.Paths.Embeddings,
		"paths.controlnet":       cfg.Paths.ControlNet,
		"paths.llm":              cfg.Paths.LLM,
		"paths.esrgan":           cfg.Paths.ESRGAN,
		"paths.taesd":            cfg.Paths.TAESD,
		"paths.webui":            cfg.Paths.WebUI,
	} {
		if dir == "" {
			continue
		}
		info, err := os.Stat(dir)
		if err != nil {
			return &ValidationError{Field: field, Message: fmt.Sprintf("directory %s does not exist", dir)}
		}
		if !info.IsDir() {
			return &ValidationError{Field: field, Message: fmt.Sprintf("%s is not a directory", dir)}
		}
	}

	if cfg.Paths.Output == "" {
		return &ValidationError{Field: "paths.output", Message: "is required"}
	}
	if err := os.MkdirAll(cfg.Paths.Output, 0o755); err != nil {
		return &ValidationError{Field: "paths.output", Message: fmt.Sprintf("cannot create: %v", err)}
	}

	switch cfg.Preview.Mode {
	case "", "none", "proj", "tae", "vae":
	default:
		return &ValidationError{Field: "preview.mode", Message: "must be one of none, proj, tae, vae"}
	}

	if cfg.RecycleBin.RetentionMinutes < 0 {
		return &ValidationError{Field: "recycle_bin.retention_minutes", Message: "must be >= 0"}
	}
	return nil
}
