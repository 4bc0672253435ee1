// Package config provides the configuration schema and loader for the
// ringbridge telephony-to-realtime bridge.
package config

// LogLevel controls log verbosity for the bridge server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure, typically loaded from a YAML
// file using [Load] or [LoadFromReader].
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	OpenAI        OpenAIConfig        `yaml:"openai"`
	Audio         AudioConfig         `yaml:"audio"`
	TurnDetection TurnDetectionConfig `yaml:"turn_detection"`
	Persona       PersonaConfig       `yaml:"persona"`
	Tools         []ToolConfig        `yaml:"tools"`
	CallLog       CallLogConfig       `yaml:"calllog"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":5000").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain ws://.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// OpenAIConfig configures the realtime AI endpoint connection.
type OpenAIConfig struct {
	// APIKey authenticates against the realtime endpoint. Falls back to the
	// OPENAI_API_KEY environment variable when empty.
	APIKey string `yaml:"api_key"`

	// Model selects the realtime model.
	Model string `yaml:"model"`

	// Voice selects the synthesised voice.
	Voice string `yaml:"voice"`

	// BaseURL overrides the realtime WebSocket endpoint. Primarily used in
	// tests to point at a local mock server.
	BaseURL string `yaml:"base_url"`

	// TranscriptionModel is the sub-model used for input transcription.
	TranscriptionModel string `yaml:"transcription_model"`

	// Temperature is the sampling temperature for responses.
	Temperature float64 `yaml:"temperature"`

	// MaxResponseTokens bounds a single model response. Zero uses the
	// endpoint default.
	MaxResponseTokens int `yaml:"max_response_tokens"`
}

// AudioConfig holds sample-rate negotiation and chunk-sizing settings.
type AudioConfig struct {
	// SupportedSampleRates lists the rates accepted from the telephony
	// provider's sample-rate query parameter.
	SupportedSampleRates []int `yaml:"supported_sample_rates"`

	// DefaultSampleRate is used when the provider sends no rate or an
	// unsupported one.
	DefaultSampleRate int `yaml:"default_sample_rate"`

	// MinChunkMs / BufferChunkMs / MaxChunkMs parameterise adaptive chunk
	// sizing; MinChunkMs is the hard frame-size floor.
	MinChunkMs    int `yaml:"min_chunk_ms"`
	BufferChunkMs int `yaml:"buffer_chunk_ms"`
	MaxChunkMs    int `yaml:"max_chunk_ms"`

	// DynamicChunkSizing selects the adaptive sizing policy; when false, the
	// fixed policy with BufferChunkMs frames is used.
	DynamicChunkSizing bool `yaml:"dynamic_chunk_sizing"`

	// PCMQualityRate is the sample rate at or above which the AI session is
	// configured for linear PCM16; below it the session uses G.711 u-law.
	PCMQualityRate int `yaml:"pcm_quality_rate"`

	// EnhancedEvents enables semantic handling of provider mark events
	// (speech-boundary marks force a buffer flush).
	EnhancedEvents bool `yaml:"enhanced_events"`

	// Enhancement configures the inbound audio cleanup chain. When nil,
	// inbound audio is forwarded untouched.
	Enhancement *EnhancementConfig `yaml:"enhancement"`
}

// EnhancementConfig parameterises the inbound noise-gate / high-pass /
// compression filter.
type EnhancementConfig struct {
	GateThreshold    int     `yaml:"gate_threshold"`
	HighPassWindow   int     `yaml:"high_pass_window"`
	CompressionRatio float64 `yaml:"compression_ratio"`
}

// TurnDetectionConfig holds the server-VAD parameters sent to the AI endpoint
// and the local response debounce.
type TurnDetectionConfig struct {
	// Threshold is the voice-activity detection threshold in [0, 1].
	Threshold float64 `yaml:"threshold"`

	// PrefixPaddingMs is leading audio included before detected speech.
	PrefixPaddingMs int `yaml:"prefix_padding_ms"`

	// SilenceDurationMs is the trailing silence that ends a turn.
	SilenceDurationMs int `yaml:"silence_duration_ms"`

	// ResponseDebounceMs delays the response trigger after speech stops, to
	// avoid reacting to a false brief silence.
	ResponseDebounceMs int `yaml:"response_debounce_ms"`
}

// PersonaConfig holds the assistant's behaviour text. The bridge treats all
// of it as opaque strings passed to the AI endpoint.
type PersonaConfig struct {
	CompanyName   string `yaml:"company_name"`
	AssistantName string `yaml:"assistant_name"`

	// Instructions is the system-level prompt. Occurrences of
	// {assistant_name} and {company_name} are substituted before sending.
	Instructions string `yaml:"instructions"`

	// Greeting is the instruction used for the initial model response when a
	// call connects.
	Greeting string `yaml:"greeting"`
}

// ToolConfig declares one function tool exposed to the model. The parameter
// schema is opaque to the bridge.
type ToolConfig struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Parameters  map[string]any `yaml:"parameters"`
}

// CallLogConfig configures optional call-detail-record persistence.
type CallLogConfig struct {
	// PostgresDSN is the connection string for the call-record store.
	// Empty disables persistence.
	PostgresDSN string `yaml:"postgres_dsn"`
}
