package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults] when the corresponding field is unset.
const (
	DefaultListenAddr     = ":8080"
	DefaultSampleRate     = 16000
	DefaultFrameSize      = 320 // 20 ms at 16 kHz
	DefaultQueueCapacity  = 10 * DefaultSampleRate
	DefaultEmissionBuffer = 32
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies the environment
// overlay and defaults, and validates the result. Useful in tests where
// configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays credential values from the environment onto cfg.
// Environment variables take precedence over file values so that secrets
// can stay out of checked-in configuration.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv("VAPI_PRIVATE_KEY"); v != "" {
		cfg.Vapi.PrivateKey = v
	}
	if v := os.Getenv("VAPI_ASSISTANT_ID"); v != "" {
		cfg.Vapi.AssistantID = v
	}
}

// ApplyDefaults fills unset fields with their default values.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = DefaultSampleRate
	}
	if cfg.Audio.FrameSize == 0 {
		cfg.Audio.FrameSize = DefaultFrameSize
	}
	if cfg.Audio.QueueCapacity == 0 {
		cfg.Audio.QueueCapacity = DefaultQueueCapacity
	}
	if cfg.Audio.EmissionBuffer == 0 {
		cfg.Audio.EmissionBuffer = DefaultEmissionBuffer
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Vapi.PrivateKey == "" {
		errs = append(errs, errors.New("vapi.private_key is required (or set VAPI_PRIVATE_KEY)"))
	}
	if cfg.Vapi.AssistantID == "" {
		errs = append(errs, errors.New("vapi.assistant_id is required (or set VAPI_ASSISTANT_ID)"))
	}

	if cfg.Audio.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", cfg.Audio.SampleRate))
	}
	if cfg.Audio.FrameSize < 0 {
		errs = append(errs, fmt.Errorf("audio.frame_size %d must be positive", cfg.Audio.FrameSize))
	}
	if cfg.Audio.QueueCapacity < 0 {
		errs = append(errs, fmt.Errorf("audio.queue_capacity %d must be positive", cfg.Audio.QueueCapacity))
	}
	if cfg.Audio.EmissionBuffer < 0 {
		errs = append(errs, fmt.Errorf("audio.emission_buffer %d must be positive", cfg.Audio.EmissionBuffer))
	}
	if cfg.Audio.QueueCapacity > 0 && cfg.Audio.FrameSize > cfg.Audio.QueueCapacity {
		errs = append(errs, fmt.Errorf("audio.frame_size %d exceeds audio.queue_capacity %d", cfg.Audio.FrameSize, cfg.Audio.QueueCapacity))
	}
	if cfg.Audio.WavSource != "" {
		if _, err := os.Stat(cfg.Audio.WavSource); err != nil {
			errs = append(errs, fmt.Errorf("audio.wav_source %q: %w", cfg.Audio.WavSource, err))
		}
	}

	if cfg.Callog.PostgresDSN == "" {
		slog.Warn("callog.postgres_dsn is empty; call history will not be recorded")
	}

	return errors.Join(errs...)
}
