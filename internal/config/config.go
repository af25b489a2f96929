package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

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
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Node        NodeConfig       `yaml:"node"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Audio       AudioConfig      `yaml:"audio"`
	Decoder     DecoderConfig    `yaml:"decoder"`
	Segmenter   SegmenterConfig  `yaml:"segmenter"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type NodeConfig struct {
	ID                string           `yaml:"id"`
	Role              string           `yaml:"role"`
	HeartbeatInterval int              `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int              `yaml:"heartbeat_timeout_ms"`
	Capabilities      []NodeCapability `yaml:"capabilities"`
}

type NodeCapability struct {
	Name       string            `yaml:"name"`
	Tier       string            `yaml:"tier"`
	Attributes map[string]string `yaml:"attributes"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// AudioConfig describes where blocks come from and at which rates.
type AudioConfig struct {
	Source            string `yaml:"source"` // wav, stdin, bus
	Path              string `yaml:"path"`
	StreamID          string `yaml:"stream_id"`
	Channels          int    `yaml:"channels"`
	ChunkSize         int    `yaml:"chunk_size"`
	RecordSampleRate  int    `yaml:"record_sample_rate"`
	DecodeSampleRate  int    `yaml:"decode_sample_rate"`
	ResampleAlgorithm string `yaml:"resample_algorithm"`
	SaveDebugWAV      bool   `yaml:"save_debug_wav"`
	DebugDir          string `yaml:"debug_dir"`
}

type DecoderConfig struct {
	Mode           string `yaml:"mode"` // mock, exec
	Command        string `yaml:"command"`
	ModelDir       string `yaml:"model_dir"`
	ModelConfig    string `yaml:"model_config"`
	OnlineConfig   string `yaml:"online_config"`
	BeamSize       int    `yaml:"beam_size"`
	FramesPerChunk int    `yaml:"frames_per_chunk"`
	PadConfidences bool   `yaml:"pad_confidences"`
}

type SegmenterConfig struct {
	UseThreads          bool    `yaml:"use_threads"`
	MinFramesPerSpeaker int     `yaml:"min_frames_per_speaker"`
	MicVolCutoff        float64 `yaml:"mic_vol_cutoff"`
	SpeakerName         string  `yaml:"speaker_name"`
	WaitForStart        bool    `yaml:"wait_for_start"`
	Continuous          bool    `yaml:"continuous"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-asr",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8081,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9092",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Host:           "127.0.0.1",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "loqa-asr-1",
			Role:              "asr",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
			Capabilities: []NodeCapability{
				{Name: "asr.stream", Tier: "balanced"},
			},
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-asr-events.db",
			RetentionMode: "ephemeral",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Audio: AudioConfig{
			Source:            "stdin",
			Channels:          1,
			ChunkSize:         1024,
			RecordSampleRate:  16000,
			DecodeSampleRate:  16000,
			ResampleAlgorithm: "sinc_fastest",
			DebugDir:          ".",
		},
		Decoder: DecoderConfig{
			Mode:           "mock",
			ModelDir:       "models/",
			BeamSize:       10,
			FramesPerChunk: 30,
			PadConfidences: true,
		},
		Segmenter: SegmenterConfig{
			MinFramesPerSpeaker: 5,
			MicVolCutoff:        0.5,
			SpeakerName:         "speaker#c#",
			Continuous:          true,
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

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.Host, "LOQA_BUS_HOST")
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
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Audio.Source, "LOQA_AUDIO_SOURCE")
	overrideString(&cfg.Audio.Path, "LOQA_AUDIO_PATH")
	overrideString(&cfg.Audio.StreamID, "LOQA_AUDIO_STREAM_ID")
	overrideInt(&cfg.Audio.Channels, "LOQA_AUDIO_CHANNELS")
	overrideInt(&cfg.Audio.ChunkSize, "LOQA_AUDIO_CHUNK_SIZE")
	overrideInt(&cfg.Audio.RecordSampleRate, "LOQA_AUDIO_RECORD_SAMPLE_RATE")
	overrideInt(&cfg.Audio.DecodeSampleRate, "LOQA_AUDIO_DECODE_SAMPLE_RATE")
	overrideString(&cfg.Audio.ResampleAlgorithm, "LOQA_AUDIO_RESAMPLE_ALGORITHM")
	overrideBool(&cfg.Audio.SaveDebugWAV, "LOQA_AUDIO_SAVE_DEBUG_WAV")
	overrideString(&cfg.Audio.DebugDir, "LOQA_AUDIO_DEBUG_DIR")
	overrideString(&cfg.Decoder.Mode, "LOQA_DECODER_MODE")
	overrideString(&cfg.Decoder.Command, "LOQA_DECODER_COMMAND")
	overrideString(&cfg.Decoder.ModelDir, "LOQA_DECODER_MODEL_DIR")
	overrideString(&cfg.Decoder.ModelConfig, "LOQA_DECODER_MODEL_CONFIG")
	overrideString(&cfg.Decoder.OnlineConfig, "LOQA_DECODER_ONLINE_CONFIG")
	overrideInt(&cfg.Decoder.BeamSize, "LOQA_DECODER_BEAM_SIZE")
	overrideInt(&cfg.Decoder.FramesPerChunk, "LOQA_DECODER_FRAMES_PER_CHUNK")
	overrideBool(&cfg.Decoder.PadConfidences, "LOQA_DECODER_PAD_CONFIDENCES")
	overrideBool(&cfg.Segmenter.UseThreads, "LOQA_SEGMENTER_USE_THREADS")
	overrideInt(&cfg.Segmenter.MinFramesPerSpeaker, "LOQA_SEGMENTER_MIN_FRAMES_PER_SPEAKER")
	overrideFloat(&cfg.Segmenter.MicVolCutoff, "LOQA_SEGMENTER_MIC_VOL_CUTOFF")
	overrideString(&cfg.Segmenter.SpeakerName, "LOQA_SEGMENTER_SPEAKER_NAME")
	overrideBool(&cfg.Segmenter.WaitForStart, "LOQA_SEGMENTER_WAIT_FOR_START")
	overrideBool(&cfg.Segmenter.Continuous, "LOQA_SEGMENTER_CONTINUOUS")
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
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
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
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.Audio.Source {
	case "wav":
		if cfg.Audio.Path == "" {
			return errors.New("audio.path must be set when source=wav")
		}
	case "stdin", "bus":
	default:
		return errors.New("audio.source must be one of wav|stdin|bus")
	}
	if cfg.Audio.Channels <= 0 {
		return errors.New("audio.channels must be positive")
	}
	if cfg.Audio.ChunkSize <= 0 {
		return errors.New("audio.chunk_size must be positive")
	}
	if cfg.Audio.RecordSampleRate <= 0 || cfg.Audio.DecodeSampleRate <= 0 {
		return errors.New("audio sample rates must be positive")
	}
	switch cfg.Decoder.Mode {
	case "mock", "exec":
	default:
		return errors.New("decoder.mode must be one of mock|exec")
	}
	if cfg.Decoder.Mode == "exec" && cfg.Decoder.Command == "" {
		return errors.New("decoder.command must be set when mode=exec")
	}
	if cfg.Decoder.BeamSize <= 0 {
		return errors.New("decoder.beam_size must be positive")
	}
	if cfg.Decoder.FramesPerChunk <= 0 {
		return errors.New("decoder.frames_per_chunk must be positive")
	}
	if cfg.Segmenter.MinFramesPerSpeaker < 0 {
		return errors.New("segmenter.min_frames_per_speaker must be >= 0")
	}
	if cfg.Segmenter.MicVolCutoff < 0 {
		return errors.New("segmenter.mic_vol_cutoff must be >= 0")
	}
	return nil
}
