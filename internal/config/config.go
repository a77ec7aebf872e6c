package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level" toml:"log_level"`
	// Traces selects the span exporter: off, stderr or otlp. Empty means
	// otlp when an endpoint is set and off otherwise.
	Traces         string `yaml:"traces" toml:"traces"`
	OTLPEndpoint   string `yaml:"otlp_endpoint" toml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure" toml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind" toml:"prometheus_bind"`
}

// TraceExporter resolves Traces against the OTLP endpoint.
func (t TelemetryConfig) TraceExporter() string {
	mode := strings.ToLower(strings.TrimSpace(t.Traces))
	if mode == "" {
		if strings.TrimSpace(t.OTLPEndpoint) != "" {
			return "otlp"
		}
		return "off"
	}
	return mode
}

type HTTPConfig struct {
	Bind string `yaml:"bind" toml:"bind"`
	Port int    `yaml:"port" toml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name" toml:"runtime_name"`
	Environment string           `yaml:"environment" toml:"environment"`
	HTTP        HTTPConfig       `yaml:"http" toml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry" toml:"telemetry"`
	Bus         BusConfig        `yaml:"bus" toml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store" toml:"event_store"`
	Audio       AudioConfig      `yaml:"audio" toml:"audio"`
	VAD         VADConfig        `yaml:"vad" toml:"vad"`
	ASR         ASRConfig        `yaml:"asr" toml:"asr"`
	Watchdog    WatchdogConfig   `yaml:"watchdog" toml:"watchdog"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded" toml:"embedded"`
	Port           int      `yaml:"port" toml:"port"`
	Host           string   `yaml:"host" toml:"host"`
	Servers        []string `yaml:"servers" toml:"servers"`
	Username       string   `yaml:"username" toml:"username"`
	Password       string   `yaml:"password" toml:"password"`
	Token          string   `yaml:"token" toml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure" toml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms" toml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path" toml:"path"`
	RetentionMode string `yaml:"retention_mode" toml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days" toml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions" toml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start" toml:"vacuum_on_start"`
}

// AudioConfig describes the capture device and frame geometry. Changing
// any of these requires the stream to be reopened.
type AudioConfig struct {
	Device          string `yaml:"device" toml:"device"`
	SampleRate      int    `yaml:"sample_rate" toml:"sample_rate"`
	Channels        int    `yaml:"channels" toml:"channels"`
	FrameDurationMS int    `yaml:"frame_duration_ms" toml:"frame_duration_ms"`
	QueueFrames     int    `yaml:"queue_frames" toml:"queue_frames"`
	ReadTimeoutMS   int    `yaml:"read_timeout_ms" toml:"read_timeout_ms"`
	StallTimeoutMS  int    `yaml:"stall_timeout_ms" toml:"stall_timeout_ms"`
	ReopenAttempts  int    `yaml:"reopen_attempts" toml:"reopen_attempts"`
	ReopenBackoffMS int    `yaml:"reopen_backoff_ms" toml:"reopen_backoff_ms"`
}

type VADConfig struct {
	Aggressiveness   int     `yaml:"aggressiveness" toml:"aggressiveness"`
	SilenceTimeoutMS int     `yaml:"silence_timeout_ms" toml:"silence_timeout_ms"`
	AutoStop         bool    `yaml:"auto_stop" toml:"auto_stop"`
	EnergyThreshold  float64 `yaml:"energy_threshold" toml:"energy_threshold"`
	EnergyOr         bool    `yaml:"energy_or" toml:"energy_or"`
	MinSpeechMS      int     `yaml:"min_speech_ms" toml:"min_speech_ms"`
}

type ASRConfig struct {
	Backend     string `yaml:"backend" toml:"backend"` // mock, exec, whisper
	ModelSize   string `yaml:"model_size" toml:"model_size"`
	Language    string `yaml:"language" toml:"language"`
	ComputeType string `yaml:"compute_type" toml:"compute_type"`
	Device      string `yaml:"device" toml:"device"`
	ModelDir    string `yaml:"model_dir" toml:"model_dir"`
	Command     string `yaml:"command" toml:"command"`
	DownloadURL string `yaml:"download_url" toml:"download_url"`
	AutoConsent bool   `yaml:"auto_consent" toml:"auto_consent"`
	Backlog     int    `yaml:"backlog" toml:"backlog"`
	BeamSize    int    `yaml:"beam_size" toml:"beam_size"`
}

type WatchdogConfig struct {
	BackoffMS int `yaml:"backoff_ms" toml:"backoff_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-dictate",
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
			Embedded:       true,
			Port:           4222,
			Host:           "127.0.0.1",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/dictate-history.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   1000,
		},
		Audio: AudioConfig{
			Device:          "",
			SampleRate:      16000,
			Channels:        1,
			FrameDurationMS: 20,
			QueueFrames:     250,
			ReadTimeoutMS:   500,
			StallTimeoutMS:  3000,
			ReopenAttempts:  3,
			ReopenBackoffMS: 500,
		},
		VAD: VADConfig{
			Aggressiveness:   3,
			SilenceTimeoutMS: 1000,
			AutoStop:         true,
			EnergyThreshold:  500,
			EnergyOr:         true,
			MinSpeechMS:      60,
		},
		ASR: ASRConfig{
			Backend:     "mock",
			ModelSize:   "base",
			Language:    "auto",
			ComputeType: "auto",
			Device:      "auto",
			ModelDir:    defaultModelDir(),
			DownloadURL: "https://huggingface.co/ggerganov/whisper.cpp/resolve/main",
			Backlog:     8,
			BeamSize:    5,
		},
		Watchdog: WatchdogConfig{
			BackoffMS: 1000,
		},
	}
}

func defaultModelDir() string {
	base := os.Getenv("XDG_CACHE_HOME")
	if base == "" {
		if home, err := os.UserHomeDir(); err == nil {
			base = filepath.Join(home, ".cache")
		} else {
			base = os.TempDir()
		}
	}
	return filepath.Join(base, "loqa-dictate", "models")
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
		if strings.EqualFold(filepath.Ext(path), ".toml") {
			if err := toml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("failed to parse config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
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
	overrideString(&cfg.RuntimeName, "DICTATE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "DICTATE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "DICTATE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "DICTATE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "DICTATE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.Traces, "DICTATE_TELEMETRY_TRACES")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "DICTATE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "DICTATE_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "DICTATE_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "DICTATE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "DICTATE_BUS_PORT")
	overrideString(&cfg.Bus.Host, "DICTATE_BUS_HOST")
	overrideStringSlice(&cfg.Bus.Servers, "DICTATE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "DICTATE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "DICTATE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "DICTATE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "DICTATE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "DICTATE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "DICTATE_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "DICTATE_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "DICTATE_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "DICTATE_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "DICTATE_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Audio.Device, "DICTATE_AUDIO_DEVICE")
	overrideInt(&cfg.Audio.SampleRate, "DICTATE_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.Channels, "DICTATE_AUDIO_CHANNELS")
	overrideInt(&cfg.Audio.FrameDurationMS, "DICTATE_AUDIO_FRAME_DURATION_MS")
	overrideInt(&cfg.Audio.QueueFrames, "DICTATE_AUDIO_QUEUE_FRAMES")
	overrideInt(&cfg.Audio.ReadTimeoutMS, "DICTATE_AUDIO_READ_TIMEOUT_MS")
	overrideInt(&cfg.Audio.StallTimeoutMS, "DICTATE_AUDIO_STALL_TIMEOUT_MS")
	overrideInt(&cfg.Audio.ReopenAttempts, "DICTATE_AUDIO_REOPEN_ATTEMPTS")
	overrideInt(&cfg.Audio.ReopenBackoffMS, "DICTATE_AUDIO_REOPEN_BACKOFF_MS")
	overrideInt(&cfg.VAD.Aggressiveness, "DICTATE_VAD_AGGRESSIVENESS")
	overrideInt(&cfg.VAD.SilenceTimeoutMS, "DICTATE_VAD_SILENCE_TIMEOUT_MS")
	overrideBool(&cfg.VAD.AutoStop, "DICTATE_VAD_AUTO_STOP")
	overrideFloat(&cfg.VAD.EnergyThreshold, "DICTATE_VAD_ENERGY_THRESHOLD")
	overrideBool(&cfg.VAD.EnergyOr, "DICTATE_VAD_ENERGY_OR")
	overrideInt(&cfg.VAD.MinSpeechMS, "DICTATE_VAD_MIN_SPEECH_MS")
	overrideString(&cfg.ASR.Backend, "DICTATE_ASR_BACKEND")
	overrideString(&cfg.ASR.ModelSize, "DICTATE_ASR_MODEL_SIZE")
	overrideString(&cfg.ASR.Language, "DICTATE_ASR_LANGUAGE")
	overrideString(&cfg.ASR.ComputeType, "DICTATE_ASR_COMPUTE_TYPE")
	overrideString(&cfg.ASR.Device, "DICTATE_ASR_DEVICE")
	overrideString(&cfg.ASR.ModelDir, "DICTATE_ASR_MODEL_DIR")
	overrideString(&cfg.ASR.Command, "DICTATE_ASR_COMMAND")
	overrideString(&cfg.ASR.DownloadURL, "DICTATE_ASR_DOWNLOAD_URL")
	overrideBool(&cfg.ASR.AutoConsent, "DICTATE_ASR_AUTO_CONSENT")
	overrideInt(&cfg.ASR.Backlog, "DICTATE_ASR_BACKLOG")
	overrideInt(&cfg.ASR.BeamSize, "DICTATE_ASR_BEAM_SIZE")
	overrideInt(&cfg.Watchdog.BackoffMS, "DICTATE_WATCHDOG_BACKOFF_MS")
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

var validSampleRates = map[int]bool{8000: true, 16000: true, 32000: true, 48000: true}

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
	switch cfg.Telemetry.TraceExporter() {
	case "off", "stderr":
	case "otlp":
		if cfg.Telemetry.OTLPEndpoint == "" {
			return errors.New("telemetry.otlp_endpoint is required when telemetry.traces is otlp")
		}
	default:
		return errors.New("telemetry.traces must be one of off|stderr|otlp")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if !validSampleRates[cfg.Audio.SampleRate] {
		return errors.New("audio.sample_rate must be one of 8000|16000|32000|48000")
	}
	if cfg.Audio.Channels != 1 {
		return errors.New("audio.channels must be 1")
	}
	switch cfg.Audio.FrameDurationMS {
	case 10, 20, 30:
	default:
		return errors.New("audio.frame_duration_ms must be one of 10|20|30")
	}
	if cfg.Audio.QueueFrames <= 0 {
		return errors.New("audio.queue_frames must be positive")
	}
	if cfg.Audio.ReadTimeoutMS <= 0 {
		return errors.New("audio.read_timeout_ms must be positive")
	}
	if cfg.Audio.StallTimeoutMS < cfg.Audio.ReadTimeoutMS {
		return errors.New("audio.stall_timeout_ms must be >= read_timeout_ms")
	}
	if cfg.Audio.ReopenAttempts < 1 {
		return errors.New("audio.reopen_attempts must be >= 1")
	}
	if cfg.VAD.Aggressiveness < 0 || cfg.VAD.Aggressiveness > 3 {
		return errors.New("vad.aggressiveness must be between 0 and 3")
	}
	if cfg.VAD.SilenceTimeoutMS <= 0 {
		return errors.New("vad.silence_timeout_ms must be positive")
	}
	if cfg.VAD.MinSpeechMS < 0 {
		return errors.New("vad.min_speech_ms must be >= 0")
	}
	switch cfg.ASR.Backend {
	case "mock", "exec", "whisper":
	default:
		return errors.New("asr.backend must be one of mock|exec|whisper")
	}
	if cfg.ASR.Backend == "exec" && cfg.ASR.Command == "" {
		return errors.New("asr.command must be set when backend=exec")
	}
	if cfg.ASR.ModelSize == "" {
		return errors.New("asr.model_size must not be empty")
	}
	if cfg.ASR.Backend == "whisper" && cfg.ASR.ModelDir == "" {
		return errors.New("asr.model_dir must be set when backend=whisper")
	}
	if cfg.ASR.Backlog <= 0 {
		return errors.New("asr.backlog must be positive")
	}
	if cfg.Watchdog.BackoffMS < 0 {
		return errors.New("watchdog.backoff_ms must be >= 0")
	}
	return nil
}
