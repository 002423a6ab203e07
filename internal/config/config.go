// Package config loads and validates the aico configuration file.
// Values missing from the file keep their defaults, so a partial
// config is always valid to ship.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete aico configuration.
type Config struct {
	Gateway      GatewayConfig      `yaml:"gateway" json:"gateway"`
	Bus          BusConfig          `yaml:"bus" json:"bus"`
	Modelservice ModelserviceConfig `yaml:"modelservice" json:"modelservice"`
	Memory       MemoryConfig       `yaml:"memory" json:"memory"`
	Queue        QueueConfig        `yaml:"queue" json:"queue"`
	Handshake    HandshakeConfig    `yaml:"handshake" json:"handshake"`
	Storage      StorageConfig      `yaml:"storage" json:"storage"`
	Debug        bool               `yaml:"debug" json:"debug"`
}

// GatewayConfig defines the HTTP front door.
type GatewayConfig struct {
	Listen    string `yaml:"listen" json:"listen"`       // host:port for the HTTP server
	Protected bool   `yaml:"protected" json:"protected"` // refuse non-encrypted envelope calls
}

// BusConfig defines the message bus endpoint.
type BusConfig struct {
	Address        string `yaml:"address" json:"address"`
	TimeoutSeconds int    `yaml:"timeout_seconds" json:"timeout_seconds"` // request/reply timeout
}

// ModelserviceConfig defines model runtime integration.
type ModelserviceConfig struct {
	Ollama OllamaConfig `yaml:"ollama" json:"ollama"`
	TTS    TTSConfig    `yaml:"tts" json:"tts"`
}

// OllamaConfig locates the ollama runtime. URL wins over host/port
// when set.
type OllamaConfig struct {
	Host        string `yaml:"host" json:"host"`
	Port        int    `yaml:"port" json:"port"`
	URL         string `yaml:"url" json:"url"`
	AutoInstall bool   `yaml:"auto_install" json:"auto_install"`
	AutoStart   bool   `yaml:"auto_start" json:"auto_start"`
}

// TTSConfig is consumed by the speech layer, not the core; the core
// only validates the engine name and passes the rest through.
type TTSConfig struct {
	Engine string                       `yaml:"engine" json:"engine"`
	Voices map[string]map[string]string `yaml:"voices" json:"voices"` // per-engine voice maps
}

// MemoryConfig tunes the memory pipeline.
type MemoryConfig struct {
	Semantic      SemanticConfig `yaml:"semantic" json:"semantic"`
	RetentionDays int            `yaml:"retention_days" json:"retention_days"`
}

// SemanticConfig names the vector collections.
type SemanticConfig struct {
	Collections CollectionsConfig `yaml:"collections" json:"collections"`
}

// CollectionsConfig maps the two memory tiers to collection names.
type CollectionsConfig struct {
	UserFacts            string `yaml:"user_facts" json:"user_facts"`
	ConversationSegments string `yaml:"conversation_segments" json:"conversation_segments"`
}

// QueueConfig tunes the protected request queue.
type QueueConfig struct {
	MaxConcurrent           int     `yaml:"max_concurrent" json:"max_concurrent"`
	RateLimitPerSecond      float64 `yaml:"rate_limit_per_second" json:"rate_limit_per_second"`
	CircuitFailureThreshold int     `yaml:"circuit_failure_threshold" json:"circuit_failure_threshold"`
	CircuitTimeoutSeconds   int     `yaml:"circuit_timeout" json:"circuit_timeout"`
	BatchSize               int     `yaml:"batch_size" json:"batch_size"`
	BatchTimeoutMS          int     `yaml:"batch_timeout" json:"batch_timeout"`
}

// HandshakeConfig tunes the secure channel.
type HandshakeConfig struct {
	MaxClockSkewSeconds       int `yaml:"max_clock_skew_seconds" json:"max_clock_skew_seconds"`
	SessionIdleTimeoutSeconds int `yaml:"session_idle_timeout_seconds" json:"session_idle_timeout_seconds"`
}

// StorageConfig locates the persistent stores.
type StorageConfig struct {
	DataDir string `yaml:"data_dir" json:"data_dir"`
}

var ttsEngines = map[string]bool{"xtts": true, "piper": true, "kokoro": true}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() Config {
	return Config{
		Gateway: GatewayConfig{
			Listen:    "127.0.0.1:8765",
			Protected: true,
		},
		Bus: BusConfig{
			Address:        "127.0.0.1:9001",
			TimeoutSeconds: 30,
		},
		Modelservice: ModelserviceConfig{
			Ollama: OllamaConfig{
				Host:      "127.0.0.1",
				Port:      11434,
				AutoStart: false,
			},
			TTS: TTSConfig{
				Engine: "piper",
			},
		},
		Memory: MemoryConfig{
			Semantic: SemanticConfig{
				Collections: CollectionsConfig{
					UserFacts:            "user_facts",
					ConversationSegments: "conversation_segments",
				},
			},
			RetentionDays: 90,
		},
		Queue: QueueConfig{
			MaxConcurrent:           3,
			RateLimitPerSecond:      10,
			CircuitFailureThreshold: 5,
			CircuitTimeoutSeconds:   30,
			BatchSize:               10,
			BatchTimeoutMS:          1000,
		},
		Handshake: HandshakeConfig{
			MaxClockSkewSeconds:       60,
			SessionIdleTimeoutSeconds: 3600,
		},
		Storage: StorageConfig{
			DataDir: "data",
		},
	}
}

// Load reads a YAML config file over the defaults and validates the
// result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes the configuration to path, creating directories as
// needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("config: create directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// Validate rejects values the subsystems cannot run with.
func (c *Config) Validate() error {
	if c.Modelservice.TTS.Engine != "" && !ttsEngines[c.Modelservice.TTS.Engine] {
		return fmt.Errorf("config: unknown tts engine %q (must be xtts, piper, or kokoro)", c.Modelservice.TTS.Engine)
	}
	if c.Queue.MaxConcurrent < 0 {
		return fmt.Errorf("config: queue.max_concurrent must not be negative")
	}
	if c.Queue.RateLimitPerSecond < 0 {
		return fmt.Errorf("config: queue.rate_limit_per_second must not be negative")
	}
	if c.Queue.BatchSize < 0 {
		return fmt.Errorf("config: queue.batch_size must not be negative")
	}
	if c.Handshake.MaxClockSkewSeconds <= 0 {
		return fmt.Errorf("config: handshake.max_clock_skew_seconds must be positive")
	}
	if c.Handshake.SessionIdleTimeoutSeconds <= 0 {
		return fmt.Errorf("config: handshake.session_idle_timeout_seconds must be positive")
	}
	if c.Memory.RetentionDays <= 0 {
		return fmt.Errorf("config: memory.retention_days must be positive")
	}
	return nil
}

// OllamaURL resolves the model runtime base URL: the explicit url
// option wins, otherwise host and port are combined.
func (o OllamaConfig) OllamaURL() string {
	if o.URL != "" {
		return o.URL
	}
	host := o.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := o.Port
	if port == 0 {
		port = 11434
	}
	return fmt.Sprintf("http://%s:%d", host, port)
}

// BatchTimeout returns the queue batch window as a duration.
func (q QueueConfig) BatchTimeout() time.Duration {
	return time.Duration(q.BatchTimeoutMS) * time.Millisecond
}

// CircuitTimeout returns the breaker cooldown as a duration.
func (q QueueConfig) CircuitTimeout() time.Duration {
	return time.Duration(q.CircuitTimeoutSeconds) * time.Second
}

// MaxClockSkew returns the handshake skew window as a duration.
func (h HandshakeConfig) MaxClockSkew() time.Duration {
	return time.Duration(h.MaxClockSkewSeconds) * time.Second
}

// SessionIdleTimeout returns the session expiry window as a duration.
func (h HandshakeConfig) SessionIdleTimeout() time.Duration {
	return time.Duration(h.SessionIdleTimeoutSeconds) * time.Second
}
