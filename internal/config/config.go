package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"completion-bridge/internal/models"
)

// Engine types understood by the engine factory.
const (
	EngineOpenAI = "openai"
	EngineOllama = "ollama"
)

// Generation defaults applied when a request omits a parameter.
const (
	DefaultTemperature       = 0.8
	DefaultTopP              = 0.8
	DefaultMaxTokens         = 1024
	DefaultRepetitionPenalty = 1.1
)

const (
	defaultPort          = 8000
	defaultReadTimeout   = 30 * time.Second
	defaultIdleTimeout   = 120 * time.Second
	defaultEngineTimeout = 5 * time.Minute

	defaultBreakerFailures    = 5
	defaultBreakerTimeout     = 30 * time.Second
	defaultBreakerMaxRequests = 1
)

// Config represents the application configuration parsed from YAML.
type Config struct {
	Server         ServerConfig     `yaml:"server"`
	Generation     GenerationConfig `yaml:"generation"`
	Logging        LoggingConfig    `yaml:"logging"`
	CircuitBreaker BreakerConfig    `yaml:"circuit_breaker"`
	Engines        []EngineConfig   `yaml:"engines"`
}

// ServerConfig defines listener configuration. A zero WriteTimeout disables
// the write deadline, which long SSE responses need.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	CORSOrigins  []string      `yaml:"cors_origins"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// GenerationConfig holds the sampling defaults. Zero values fall back to the
// package defaults.
type GenerationConfig struct {
	Temperature       float64 `yaml:"temperature"`
	TopP              float64 `yaml:"top_p"`
	MaxTokens         int     `yaml:"max_tokens"`
	RepetitionPenalty float64 `yaml:"repetition_penalty"`
}

// Params returns the defaults as generation parameters.
func (g GenerationConfig) Params() models.Params {
	return models.Params{
		Temperature:       g.Temperature,
		TopP:              g.TopP,
		MaxTokens:         g.MaxTokens,
		RepetitionPenalty: g.RepetitionPenalty,
	}
}

// LoggingConfig selects the process-wide slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// BreakerConfig configures the per-model circuit breaker.
type BreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold uint32        `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
	Interval         time.Duration `yaml:"interval"`
	MaxRequests      uint32        `yaml:"max_requests"`
}

// EngineConfig describes one upstream generation engine.
type EngineConfig struct {
	Name    string            `yaml:"name"`
	Type    string            `yaml:"type"`
	BaseURL string            `yaml:"base_url"`
	APIKey  string            `yaml:"api_key"`
	Headers Headers           `yaml:"headers"`
	Timeout time.Duration     `yaml:"timeout"`
	Models  []ModelConfig     `yaml:"models"`
	Aliases map[string]string `yaml:"aliases"`
}

// Headers contains additional HTTP headers to send with an engine request.
type Headers map[string]string

// ModelConfig describes a model served by an engine.
type ModelConfig struct {
	ID      string `yaml:"id"`
	OwnedBy string `yaml:"owned_by"`
}

// Load reads YAML configuration from disk, fills defaults and validates the result.
func Load(path string) (Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("parse config file %q: %w", absPath, err)
	}
	return cfg, nil
}

// Parse decodes YAML bytes, fills defaults and validates the result.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = defaultPort
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = defaultReadTimeout
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = defaultIdleTimeout
	}

	g := &c.Generation
	if g.Temperature == 0 {
		g.Temperature = DefaultTemperature
	}
	if g.TopP == 0 {
		g.TopP = DefaultTopP
	}
	if g.MaxTokens == 0 {
		g.MaxTokens = DefaultMaxTokens
	}
	if g.RepetitionPenalty == 0 {
		g.RepetitionPenalty = DefaultRepetitionPenalty
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	b := &c.CircuitBreaker
	if b.FailureThreshold == 0 {
		b.FailureThreshold = defaultBreakerFailures
	}
	if b.Timeout == 0 {
		b.Timeout = defaultBreakerTimeout
	}
	if b.MaxRequests == 0 {
		b.MaxRequests = defaultBreakerMaxRequests
	}

	for i := range c.Engines {
		if c.Engines[i].Timeout == 0 {
			c.Engines[i].Timeout = defaultEngineTimeout
		}
	}
}

// Validate performs strict sanity checks on the configuration.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}
	if c.Server.ReadTimeout < 0 || c.Server.WriteTimeout < 0 || c.Server.IdleTimeout < 0 {
		return fmt.Errorf("server timeouts must not be negative")
	}

	if err := c.Generation.validate(); err != nil {
		return err
	}

	if _, err := ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q must be one of %q or %q", c.Logging.Format, "text", "json")
	}

	if c.CircuitBreaker.Timeout < 0 || c.CircuitBreaker.Interval < 0 {
		return fmt.Errorf("circuit_breaker durations must not be negative")
	}

	if len(c.Engines) == 0 {
		return fmt.Errorf("at least one engine must be configured")
	}

	seen := make(map[string]struct{}, len(c.Engines))
	for _, engine := range c.Engines {
		if err := validateEngine(engine); err != nil {
			return err
		}
		if _, dup := seen[engine.Name]; dup {
			return fmt.Errorf("engine %s: name is configured more than once", engine.Name)
		}
		seen[engine.Name] = struct{}{}
	}

	return nil
}

func (g GenerationConfig) validate() error {
	if g.Temperature < 0 {
		return fmt.Errorf("generation.temperature must not be negative, got %v", g.Temperature)
	}
	if g.TopP < 0 || g.TopP > 1 {
		return fmt.Errorf("generation.top_p must be within [0, 1], got %v", g.TopP)
	}
	if g.MaxTokens < 0 {
		return fmt.Errorf("generation.max_tokens must not be negative, got %d", g.MaxTokens)
	}
	if g.RepetitionPenalty < 0 {
		return fmt.Errorf("generation.repetition_penalty must not be negative, got %v", g.RepetitionPenalty)
	}
	return nil
}

func validateEngine(engine EngineConfig) error {
	name := engine.Name
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("engine name must not be empty")
	}
	if err := validateEngineType(name, engine.Type); err != nil {
		return err
	}
	if strings.TrimSpace(engine.BaseURL) == "" {
		return fmt.Errorf("engine %s: base_url must be provided", name)
	}
	if engine.Timeout < 0 {
		return fmt.Errorf("engine %s: timeout must not be negative", name)
	}
	if len(engine.Models) == 0 {
		return fmt.Errorf("engine %s: at least one model must be configured", name)
	}

	for _, model := range engine.Models {
		if strings.TrimSpace(model.ID) == "" {
			return fmt.Errorf("engine %s: model id must not be empty", name)
		}
	}

	for headerKey := range engine.Headers {
		if !isCanonicalHTTPHeader(headerKey) {
			return fmt.Errorf("engine %s: header %q is not a valid canonical HTTP header", name, headerKey)
		}
	}

	for alias, target := range engine.Aliases {
		if strings.TrimSpace(alias) == "" {
			return fmt.Errorf("engine %s: alias name must not be empty", name)
		}
		if strings.TrimSpace(target) == "" {
			return fmt.Errorf("engine %s: alias %q target must not be empty", name, alias)
		}
	}

	return nil
}

func validateEngineType(engineName, typ string) error {
	switch typ {
	case EngineOpenAI, EngineOllama:
		return nil
	default:
		return fmt.Errorf("engine %s: type %q must be one of %q or %q", engineName, typ, EngineOpenAI, EngineOllama)
	}
}

func isCanonicalHTTPHeader(header string) bool {
	if header == "" {
		return false
	}

	for _, r := range header {
		if !(r == '-' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z')) {
			return false
		}
	}
	return true
}
