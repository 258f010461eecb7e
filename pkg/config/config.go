// Package config loads filingsqa settings from defaults, an optional YAML
// file and FILINGSQA_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. FILINGSQA_NEO4J_URI.
const EnvPrefix = "FILINGSQA"

// indexName is what can be placed in the single-quoted index literal of the
// search query.
var indexName = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// LLM providers.
const (
	ProviderVertex = "vertex"
	ProviderGemini = "gemini"
	ProviderOllama = "ollama"
)

// Config is the top-level configuration.
type Config struct {
	Neo4j    Neo4jConfig    `mapstructure:"neo4j"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Server   ServerConfig   `mapstructure:"server"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Log      LogConfig      `mapstructure:"log"`
}

// Neo4jConfig locates the graph database and its vector index.
type Neo4jConfig struct {
	URI      string `mapstructure:"uri"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	Index    string `mapstructure:"index"`
}

// LLMConfig selects the embedding and text-generation models.
type LLMConfig struct {
	Provider        string  `mapstructure:"provider"`
	Project         string  `mapstructure:"project"`
	Location        string  `mapstructure:"location"`
	APIKey          string  `mapstructure:"api_key"`
	EmbeddingModel  string  `mapstructure:"embedding_model"`
	TextModel       string  `mapstructure:"text_model"`
	Temperature     float32 `mapstructure:"temperature"`
	MaxOutputTokens int32   `mapstructure:"max_output_tokens"`
	OllamaURL       string  `mapstructure:"ollama_url"`
	OllamaWorkers   int     `mapstructure:"ollama_workers"`
	// BreakerThreshold consecutive model failures open the circuit; 0 disables it.
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`
}

// PipelineConfig tunes the question answering pipeline.
type PipelineConfig struct {
	TopK          int           `mapstructure:"top_k"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	SearchTimeout time.Duration `mapstructure:"search_timeout"`
}

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	CORSOrigin      string        `mapstructure:"cors_origin"`
	RateLimit       float64       `mapstructure:"rate_limit"`
	RateBurst       int           `mapstructure:"rate_burst"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// NATSConfig enables the request/reply responder when URL is set.
type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
	Queue   string `mapstructure:"queue"`
	// RequestTimeout bounds one answer on the responder; 0 disables it.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SetDefaults registers every key with its default so env overrides apply
// even when no config file mentions the key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("neo4j.uri", "neo4j://localhost:7687")
	v.SetDefault("neo4j.user", "neo4j")
	v.SetDefault("neo4j.password", "")
	v.SetDefault("neo4j.database", "")
	v.SetDefault("neo4j.index", "document-embeddings")

	v.SetDefault("llm.provider", ProviderVertex)
	v.SetDefault("llm.project", "")
	v.SetDefault("llm.location", "us-central1")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.embedding_model", "textembedding-gecko@003")
	v.SetDefault("llm.text_model", "gemini-2.0-flash")
	v.SetDefault("llm.temperature", 0.0)
	v.SetDefault("llm.max_output_tokens", 2048)
	v.SetDefault("llm.ollama_url", "http://localhost:11434")
	v.SetDefault("llm.ollama_workers", 4)
	v.SetDefault("llm.breaker_threshold", 5)
	v.SetDefault("llm.breaker_cooldown", 30*time.Second)

	v.SetDefault("pipeline.top_k", 50)
	v.SetDefault("pipeline.retry_attempts", 1)
	v.SetDefault("pipeline.search_timeout", time.Duration(0))

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.cors_origin", "*")
	v.SetDefault("server.rate_limit", 5.0)
	v.SetDefault("server.rate_burst", 10)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject", "filings.ask")
	v.SetDefault("nats.queue", "filingsqa")
	v.SetDefault("nats.request_timeout", 2*time.Minute)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// SetupEnv binds FILINGSQA_* variables, mapping "." in keys to "_".
func SetupEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// NewViper prepares a viper instance with defaults, env bindings and a
// config file. An empty path looks for filingsqa.yaml in the working
// directory and $HOME/.config/filingsqa; finding none is not an error.
func NewViper(path string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)
	SetupEnv(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		return v, nil
	}

	v.SetConfigName("filingsqa")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/filingsqa")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: reading: %w", err)
		}
	}
	return v, nil
}

// FromViper unmarshals and validates an already prepared viper instance.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return &cfg, nil
}

// Validate returns every problem found rather than stopping at the first.
func (c *Config) Validate() []error {
	var errs []error

	if c.Neo4j.URI == "" {
		errs = append(errs, errors.New("neo4j.uri is required"))
	}
	if !indexName.MatchString(c.Neo4j.Index) {
		errs = append(errs, fmt.Errorf("neo4j.index %q must match %s", c.Neo4j.Index, indexName))
	}

	switch c.LLM.Provider {
	case ProviderVertex:
		if c.LLM.Project == "" {
			errs = append(errs, errors.New("llm.project is required for the vertex provider"))
		}
		if c.LLM.Location == "" {
			errs = append(errs, errors.New("llm.location is required for the vertex provider"))
		}
	case ProviderGemini:
		if c.LLM.APIKey == "" {
			errs = append(errs, errors.New("llm.api_key is required for the gemini provider"))
		}
	case ProviderOllama:
		if c.LLM.OllamaURL == "" {
			errs = append(errs, errors.New("llm.ollama_url is required for the ollama provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("llm.provider %q is not one of vertex, gemini, ollama", c.LLM.Provider))
	}
	if c.LLM.EmbeddingModel == "" {
		errs = append(errs, errors.New("llm.embedding_model is required"))
	}
	if c.LLM.TextModel == "" {
		errs = append(errs, errors.New("llm.text_model is required"))
	}
	if c.LLM.BreakerThreshold < 0 {
		errs = append(errs, errors.New("llm.breaker_threshold must not be negative"))
	}

	if c.Pipeline.TopK < 1 || c.Pipeline.TopK > 50 {
		errs = append(errs, fmt.Errorf("pipeline.top_k must be between 1 and 50, got %d", c.Pipeline.TopK))
	}
	if c.Pipeline.RetryAttempts < 1 {
		errs = append(errs, fmt.Errorf("pipeline.retry_attempts must be at least 1, got %d", c.Pipeline.RetryAttempts))
	}
	if c.Pipeline.SearchTimeout < 0 {
		errs = append(errs, errors.New("pipeline.search_timeout must not be negative"))
	}

	if c.Server.RateLimit < 0 {
		errs = append(errs, errors.New("server.rate_limit must not be negative"))
	}

	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		errs = append(errs, fmt.Errorf("log.format %q is not one of json, text", c.Log.Format))
	}
	return errs
}

// SlogLevel parses Level into a slog.Level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level %q: %w", l.Level, err)
	}
	return lvl, nil
}
