package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [LoadFromReader] before validation.
const (
	DefaultModel              = "gpt-4o-realtime-preview-2024-12-17"
	DefaultVoice              = "coral"
	DefaultTranscriptionModel = "whisper-1"
	DefaultListenAddr         = ":5000"

	defaultTemperature        = 0.7
	defaultSampleRate         = 24000
	defaultMinChunkMs         = 20
	defaultBufferChunkMs      = 50
	defaultMaxChunkMs         = 200
	defaultPCMQualityRate     = 16000
	defaultVADThreshold       = 0.5
	defaultPrefixPaddingMs    = 300
	defaultSilenceDurationMs  = 500
	defaultResponseDebounceMs = 250
)

// defaultSupportedRates are accepted from the provider's sample-rate query
// parameter when the config does not list its own set.
var defaultSupportedRates = []int{8000, 16000, 24000}

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

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields with their documented defaults. The API
// key additionally falls back to the OPENAI_API_KEY environment variable.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.OpenAI.APIKey == "" {
		cfg.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.OpenAI.Model == "" {
		cfg.OpenAI.Model = DefaultModel
	}
	if cfg.OpenAI.Voice == "" {
		cfg.OpenAI.Voice = DefaultVoice
	}
	if cfg.OpenAI.TranscriptionModel == "" {
		cfg.OpenAI.TranscriptionModel = DefaultTranscriptionModel
	}
	if cfg.OpenAI.Temperature == 0 {
		cfg.OpenAI.Temperature = defaultTemperature
	}
	if len(cfg.Audio.SupportedSampleRates) == 0 {
		cfg.Audio.SupportedSampleRates = slices.Clone(defaultSupportedRates)
	}
	if cfg.Audio.DefaultSampleRate == 0 {
		cfg.Audio.DefaultSampleRate = defaultSampleRate
	}
	if cfg.Audio.MinChunkMs == 0 {
		cfg.Audio.MinChunkMs = defaultMinChunkMs
	}
	if cfg.Audio.BufferChunkMs == 0 {
		cfg.Audio.BufferChunkMs = defaultBufferChunkMs
	}
	if cfg.Audio.MaxChunkMs == 0 {
		cfg.Audio.MaxChunkMs = defaultMaxChunkMs
	}
	if cfg.Audio.PCMQualityRate == 0 {
		cfg.Audio.PCMQualityRate = defaultPCMQualityRate
	}
	if cfg.TurnDetection.Threshold == 0 {
		cfg.TurnDetection.Threshold = defaultVADThreshold
	}
	if cfg.TurnDetection.PrefixPaddingMs == 0 {
		cfg.TurnDetection.PrefixPaddingMs = defaultPrefixPaddingMs
	}
	if cfg.TurnDetection.SilenceDurationMs == 0 {
		cfg.TurnDetection.SilenceDurationMs = defaultSilenceDurationMs
	}
	if cfg.TurnDetection.ResponseDebounceMs == 0 {
		cfg.TurnDetection.ResponseDebounceMs = defaultResponseDebounceMs
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found; soft issues are logged
// as warnings instead.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	if cfg.OpenAI.APIKey == "" {
		slog.Warn("openai.api_key is empty; realtime connections will fail until it is set")
	}

	if !slices.Contains(cfg.Audio.SupportedSampleRates, cfg.Audio.DefaultSampleRate) {
		errs = append(errs, fmt.Errorf("audio.default_sample_rate %d is not in audio.supported_sample_rates %v",
			cfg.Audio.DefaultSampleRate, cfg.Audio.SupportedSampleRates))
	}
	for i, rate := range cfg.Audio.SupportedSampleRates {
		if rate <= 0 {
			errs = append(errs, fmt.Errorf("audio.supported_sample_rates[%d] must be positive, got %d", i, rate))
		}
	}
	if cfg.Audio.MinChunkMs > cfg.Audio.BufferChunkMs || cfg.Audio.BufferChunkMs > cfg.Audio.MaxChunkMs {
		errs = append(errs, fmt.Errorf("audio chunk durations must satisfy min <= buffer <= max, got %d/%d/%d",
			cfg.Audio.MinChunkMs, cfg.Audio.BufferChunkMs, cfg.Audio.MaxChunkMs))
	}
	if cfg.Audio.Enhancement != nil && cfg.Audio.Enhancement.CompressionRatio < 0 {
		errs = append(errs, fmt.Errorf("audio.enhancement.compression_ratio must be non-negative, got %g",
			cfg.Audio.Enhancement.CompressionRatio))
	}

	if cfg.TurnDetection.Threshold < 0 || cfg.TurnDetection.Threshold > 1 {
		errs = append(errs, fmt.Errorf("turn_detection.threshold %g is out of range [0, 1]", cfg.TurnDetection.Threshold))
	}
	if cfg.TurnDetection.ResponseDebounceMs < 0 {
		errs = append(errs, fmt.Errorf("turn_detection.response_debounce_ms must be non-negative, got %d",
			cfg.TurnDetection.ResponseDebounceMs))
	}

	toolNames := make(map[string]int, len(cfg.Tools))
	for i, tool := range cfg.Tools {
		prefix := fmt.Sprintf("tools[%d]", i)
		if tool.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if prev, ok := toolNames[tool.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of tools[%d]", prefix, tool.Name, prev))
		}
		toolNames[tool.Name] = i
	}

	if cfg.CallLog.PostgresDSN == "" {
		slog.Debug("calllog.postgres_dsn is empty; call records will not be persisted")
	}

	return errors.Join(errs...)
}
