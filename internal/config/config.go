package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string            `yaml:"runtime_name"`
	Environment string            `yaml:"environment"`
	HTTP        HTTPConfig        `yaml:"http"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Bus         BusConfig         `yaml:"bus"`
	Node        NodeConfig        `yaml:"node"`
	EventStore  EventStoreConfig  `yaml:"event_store"`
	Generation  GenerationConfig  `yaml:"generation"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Synthesis   SynthesisConfig   `yaml:"synthesis"`
	Bridge      BridgeConfig      `yaml:"bridge"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type NodeConfig struct {
	ID                string `yaml:"id"`
	Role              string `yaml:"role"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxTurns      int    `yaml:"max_turns"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
	QueueSize     int    `yaml:"queue_size"`
}

type GenerationConfig struct {
	Mode             string `yaml:"mode"` // mock, ollama, exec
	ModelPath        string `yaml:"model_path"`
	Autoload         bool   `yaml:"autoload"`
	Endpoint         string `yaml:"endpoint"`
	Command          string `yaml:"command"`
	PromptTemplate   string `yaml:"prompt_template"`
	MaxTokens        int    `yaml:"max_tokens"`
	ForcedSplitBytes int    `yaml:"forced_split_bytes"`
	IdlePollMS       int    `yaml:"idle_poll_ms"`
}

type RecognitionConfig struct {
	Mode           string `yaml:"mode"` // mock, exec
	ModelPath      string `yaml:"model_path"`
	Autoload       bool   `yaml:"autoload"`
	Command        string `yaml:"command"`
	Language       string `yaml:"language"`
	SampleRate     int    `yaml:"sample_rate"`
	BatchMS        int    `yaml:"batch_ms"`
	CatchupBatchMS int    `yaml:"catchup_batch_ms"`
	HighWaterMS    int    `yaml:"high_water_ms"`
	SlowCycleMS    int    `yaml:"slow_cycle_ms"`
	IdlePollMS     int    `yaml:"idle_poll_ms"`
}

type SynthesisConfig struct {
	Mode            string  `yaml:"mode"` // mock, exec
	ModelPath       string  `yaml:"model_path"`
	Autoload        bool    `yaml:"autoload"`
	Command         string  `yaml:"command"`
	VoiceID         int     `yaml:"voice_id"`
	Speed           float64 `yaml:"speed"`
	SampleRate      int     `yaml:"sample_rate"`
	PopChunkSamples int     `yaml:"pop_chunk_samples"`
	IdlePollMS      int     `yaml:"idle_poll_ms"`
}

type BridgeConfig struct {
	Enabled         bool `yaml:"enabled"`
	PublishSentence bool `yaml:"publish_sentences"`
	PublishTurns    bool `yaml:"publish_turns"`
	PublishASR      bool `yaml:"publish_transcripts"`
}

const DefaultPromptTemplate = "<|im_start|>user\n{{prompt}}<|im_end|>\n<|im_start|>assistant\n"

func Default() Config {
	return Config{
		RuntimeName: "loqa-edge",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "loqa-edge-1",
			Role:              "edge",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-edge-events.db",
			RetentionMode: "session",
			RetentionDays: 7,
			MaxTurns:      5000,
			QueueSize:     256,
		},
		Generation: GenerationConfig{
			Mode:             "mock",
			Endpoint:         "http://localhost:11434",
			PromptTemplate:   DefaultPromptTemplate,
			MaxTokens:        512,
			ForcedSplitBytes: 60,
			IdlePollMS:       20,
		},
		Recognition: RecognitionConfig{
			Mode:           "mock",
			SampleRate:     16000,
			BatchMS:        400,
			CatchupBatchMS: 800,
			HighWaterMS:    1000,
			SlowCycleMS:    200,
			IdlePollMS:     5,
		},
		Synthesis: SynthesisConfig{
			Mode:            "mock",
			VoiceID:         0,
			Speed:           1.2,
			SampleRate:      22050,
			PopChunkSamples: 8192,
			IdlePollMS:      20,
		},
		Bridge: BridgeConfig{
			Enabled:         true,
			PublishSentence: true,
			PublishTurns:    true,
			PublishASR:      true,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// SamplesFor converts a duration in milliseconds to a sample count at rate.
func SamplesFor(ms, rate int) int {
	return ms * rate / 1000
}

// Millis converts a millisecond setting to a duration.
func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "LOQA_NODE_ID")
	overrideString(&cfg.Node.Role, "LOQA_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "LOQA_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "LOQA_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxTurns, "LOQA_EVENT_STORE_MAX_TURNS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideInt(&cfg.EventStore.QueueSize, "LOQA_EVENT_STORE_QUEUE_SIZE")
	overrideString(&cfg.Generation.Mode, "LOQA_GENERATION_MODE")
	overrideString(&cfg.Generation.ModelPath, "LOQA_GENERATION_MODEL_PATH")
	overrideBool(&cfg.Generation.Autoload, "LOQA_GENERATION_AUTOLOAD")
	overrideString(&cfg.Generation.Endpoint, "LOQA_GENERATION_ENDPOINT")
	overrideString(&cfg.Generation.Command, "LOQA_GENERATION_COMMAND")
	overrideString(&cfg.Generation.PromptTemplate, "LOQA_GENERATION_PROMPT_TEMPLATE")
	overrideInt(&cfg.Generation.MaxTokens, "LOQA_GENERATION_MAX_TOKENS")
	overrideInt(&cfg.Generation.ForcedSplitBytes, "LOQA_GENERATION_FORCED_SPLIT_BYTES")
	overrideInt(&cfg.Generation.IdlePollMS, "LOQA_GENERATION_IDLE_POLL_MS")
	overrideString(&cfg.Recognition.Mode, "LOQA_RECOGNITION_MODE")
	overrideString(&cfg.Recognition.ModelPath, "LOQA_RECOGNITION_MODEL_PATH")
	overrideBool(&cfg.Recognition.Autoload, "LOQA_RECOGNITION_AUTOLOAD")
	overrideString(&cfg.Recognition.Command, "LOQA_RECOGNITION_COMMAND")
	overrideString(&cfg.Recognition.Language, "LOQA_RECOGNITION_LANGUAGE")
	overrideInt(&cfg.Recognition.SampleRate, "LOQA_RECOGNITION_SAMPLE_RATE")
	overrideInt(&cfg.Recognition.BatchMS, "LOQA_RECOGNITION_BATCH_MS")
	overrideInt(&cfg.Recognition.CatchupBatchMS, "LOQA_RECOGNITION_CATCHUP_BATCH_MS")
	overrideInt(&cfg.Recognition.HighWaterMS, "LOQA_RECOGNITION_HIGH_WATER_MS")
	overrideInt(&cfg.Recognition.SlowCycleMS, "LOQA_RECOGNITION_SLOW_CYCLE_MS")
	overrideInt(&cfg.Recognition.IdlePollMS, "LOQA_RECOGNITION_IDLE_POLL_MS")
	overrideString(&cfg.Synthesis.Mode, "LOQA_SYNTHESIS_MODE")
	overrideString(&cfg.Synthesis.ModelPath, "LOQA_SYNTHESIS_MODEL_PATH")
	overrideBool(&cfg.Synthesis.Autoload, "LOQA_SYNTHESIS_AUTOLOAD")
	overrideString(&cfg.Synthesis.Command, "LOQA_SYNTHESIS_COMMAND")
	overrideInt(&cfg.Synthesis.VoiceID, "LOQA_SYNTHESIS_VOICE_ID")
	overrideFloat(&cfg.Synthesis.Speed, "LOQA_SYNTHESIS_SPEED")
	overrideInt(&cfg.Synthesis.SampleRate, "LOQA_SYNTHESIS_SAMPLE_RATE")
	overrideInt(&cfg.Synthesis.PopChunkSamples, "LOQA_SYNTHESIS_POP_CHUNK_SAMPLES")
	overrideInt(&cfg.Synthesis.IdlePollMS, "LOQA_SYNTHESIS_IDLE_POLL_MS")
	overrideBool(&cfg.Bridge.Enabled, "LOQA_BRIDGE_ENABLED")
	overrideBool(&cfg.Bridge.PublishSentence, "LOQA_BRIDGE_PUBLISH_SENTENCES")
	overrideBool(&cfg.Bridge.PublishTurns, "LOQA_BRIDGE_PUBLISH_TURNS")
	overrideBool(&cfg.Bridge.PublishASR, "LOQA_BRIDGE_PUBLISH_TRANSCRIPTS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Node.ID == "" {
			return errors.New("node.id must not be empty")
		}
		if cfg.Node.HeartbeatInterval <= 0 {
			return errors.New("node.heartbeat_interval_ms must be positive")
		}
		if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
			return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
		}
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionMode != "ephemeral" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}

	switch cfg.Generation.Mode {
	case "mock", "ollama", "exec":
	default:
		return errors.New("generation.mode must be one of mock|ollama|exec")
	}
	if cfg.Generation.Mode == "ollama" && cfg.Generation.Endpoint == "" {
		return errors.New("generation.endpoint must be set when mode=ollama")
	}
	if cfg.Generation.Mode == "exec" && cfg.Generation.Command == "" {
		return errors.New("generation.command must be set when mode=exec")
	}
	if !strings.Contains(cfg.Generation.PromptTemplate, "{{prompt}}") {
		return errors.New("generation.prompt_template must contain {{prompt}}")
	}
	if cfg.Generation.MaxTokens <= 0 {
		return errors.New("generation.max_tokens must be positive")
	}
	if cfg.Generation.ForcedSplitBytes <= 0 {
		return errors.New("generation.forced_split_bytes must be positive")
	}
	if cfg.Generation.IdlePollMS <= 0 {
		return errors.New("generation.idle_poll_ms must be positive")
	}

	switch cfg.Recognition.Mode {
	case "mock", "exec":
	default:
		return errors.New("recognition.mode must be one of mock|exec")
	}
	if cfg.Recognition.Mode == "exec" && cfg.Recognition.Command == "" {
		return errors.New("recognition.command must be set when mode=exec")
	}
	if cfg.Recognition.SampleRate <= 0 {
		return errors.New("recognition.sample_rate must be positive")
	}
	if cfg.Recognition.BatchMS <= 0 || cfg.Recognition.CatchupBatchMS < cfg.Recognition.BatchMS {
		return errors.New("recognition.catchup_batch_ms must be >= recognition.batch_ms > 0")
	}
	if cfg.Recognition.HighWaterMS <= 0 {
		return errors.New("recognition.high_water_ms must be positive")
	}
	if cfg.Recognition.IdlePollMS <= 0 {
		return errors.New("recognition.idle_poll_ms must be positive")
	}

	switch cfg.Synthesis.Mode {
	case "mock", "exec":
	default:
		return errors.New("synthesis.mode must be one of mock|exec")
	}
	if cfg.Synthesis.Mode == "exec" && cfg.Synthesis.Command == "" {
		return errors.New("synthesis.command must be set when mode=exec")
	}
	if cfg.Synthesis.Speed <= 0 {
		return errors.New("synthesis.speed must be positive")
	}
	if cfg.Synthesis.SampleRate <= 0 {
		return errors.New("synthesis.sample_rate must be positive")
	}
	if cfg.Synthesis.PopChunkSamples <= 0 {
		return errors.New("synthesis.pop_chunk_samples must be positive")
	}
	if cfg.Synthesis.IdlePollMS <= 0 {
		return errors.New("synthesis.idle_poll_ms must be positive")
	}
	return nil
}
