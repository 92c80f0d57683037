package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config holds all the configuration for our application
// The structure tags (mapstructure) tell Viper which YAML field maps to which Go struct field.
type Config struct {
	Server     ServerConfig       `mapstructure:"server"`
	Log        LogConfig          `mapstructure:"log"`
	Auth       AuthConfig         `mapstructure:"auth"`
	RateLimit  RateLimitConfig    `mapstructure:"ratelimit"`
	Redis      RedisConfig        `mapstructure:"redis"`
	Logging    LoggingConfig      `mapstructure:"logging"`
	Cache      CacheConfig        `mapstructure:"cache"`
	Bedrock    BedrockConfig      `mapstructure:"bedrock"`
	Pinecone   PineconeConfig     `mapstructure:"pinecone"`
	Generation GenerationConfig   `mapstructure:"generation"`
	Prompt     PromptConfig       `mapstructure:"prompt"`
	Models     ModelsConfig       `mapstructure:"models"`
	Pricing    map[string]float64 `mapstructure:"pricing"`
}

type ServerConfig struct {
	Port        string   `mapstructure:"port"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// AuthConfig describes the token issuer. Issuer defaults to the Cognito user
// pool URL when Region and UserPoolID are set.
type AuthConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Region     string        `mapstructure:"region"`
	UserPoolID string        `mapstructure:"user_pool_id"`
	Issuer     string        `mapstructure:"issuer"`
	ClientID   string        `mapstructure:"client_id"`
	JWKSURL    string        `mapstructure:"jwks_url"`
	JWKSTTL    time.Duration `mapstructure:"jwks_ttl"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type RateLimitConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	Backend          string `mapstructure:"backend"` // "memory" or "redis"
	WindowSeconds    int    `mapstructure:"window_seconds"`
	MaxRequests      int    `mapstructure:"max_requests"`
	SubjectPerMinute int    `mapstructure:"subject_per_minute"`
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Enabled  bool   `mapstructure:"enabled"`
}

type LoggingConfig struct {
	Redis         bool `mapstructure:"redis"`
	RetentionDays int  `mapstructure:"retention_days"`
}

type CacheConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	TTL     time.Duration `mapstructure:"ttl"`
}

type BedrockConfig struct {
	Region         string        `mapstructure:"region"`
	EmbeddingModel string        `mapstructure:"embedding_model"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxRPS         float64       `mapstructure:"max_rps"`
	Burst          int           `mapstructure:"burst"`
}

type PineconeConfig struct {
	APIKey     string        `mapstructure:"api_key"`
	IndexHost  string        `mapstructure:"index_host"`
	Namespace  string        `mapstructure:"namespace"`
	APIVersion string        `mapstructure:"api_version"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type GenerationConfig struct {
	MaxTokens   int     `mapstructure:"max_tokens"`
	Temperature float64 `mapstructure:"temperature"`
}

type PromptConfig struct {
	TemplatePath string `mapstructure:"template_path"`
}

// ModelsConfig maps client-facing aliases to Bedrock model ids.
type ModelsConfig struct {
	Default  string            `mapstructure:"default"`
	Fallback string            `mapstructure:"fallback"`
	Aliases  map[string]string `mapstructure:"aliases"`
}

// IssuerURL returns the configured issuer, deriving the Cognito one if needed.
func (c AuthConfig) IssuerURL() string {
	if c.Issuer != "" {
		return strings.TrimRight(c.Issuer, "/")
	}
	if c.Region != "" && c.UserPoolID != "" {
		return fmt.Sprintf("https://cognito-idp.%s.amazonaws.com/%s", c.Region, c.UserPoolID)
	}
	return ""
}

// KeySetURL returns the JWKS endpoint.
func (c AuthConfig) KeySetURL() string {
	if c.JWKSURL != "" {
		return c.JWKSURL
	}
	if iss := c.IssuerURL(); iss != "" {
		return iss + "/.well-known/jwks.json"
	}
	return ""
}

// Window returns the rate limit window as a duration.
func (c RateLimitConfig) Window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

// ResolveModel maps an alias to a model id, falling back to the fallback alias.
func (c ModelsConfig) ResolveModel(alias string) (string, bool) {
	if id, ok := c.Aliases[alias]; ok {
		return id, true
	}
	id, ok := c.Aliases[c.Fallback]
	return id, ok
}

// Validate checks the settings the server cannot run without.
func (c *Config) Validate() error {
	var errs []error
	if c.Auth.Enabled {
		if c.Auth.IssuerURL() == "" {
			errs = append(errs, errors.New("auth.issuer (or auth.region + auth.user_pool_id) is required"))
		}
		if c.Auth.ClientID == "" {
			errs = append(errs, errors.New("auth.client_id is required"))
		}
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.WindowSeconds <= 0 || c.RateLimit.MaxRequests <= 0 {
			errs = append(errs, errors.New("ratelimit.window_seconds and ratelimit.max_requests must be positive"))
		}
		if c.RateLimit.Backend == "redis" && !c.Redis.Enabled {
			errs = append(errs, errors.New("ratelimit.backend=redis requires redis.enabled"))
		}
	}
	if c.Cache.Enabled && !c.Redis.Enabled {
		errs = append(errs, errors.New("cache.enabled requires redis.enabled"))
	}
	if c.Logging.Redis && !c.Redis.Enabled {
		errs = append(errs, errors.New("logging.redis requires redis.enabled"))
	}
	if _, ok := c.Models.Aliases[c.Models.Fallback]; !ok {
		errs = append(errs, fmt.Errorf("models.fallback %q is not a configured alias", c.Models.Fallback))
	}
	return errors.Join(errs...)
}

// Store wraps configuration with thread-safe access and hot-reload updates.
type Store struct {
	mu  sync.RWMutex
	cfg *Config
}

// NewStore returns a store holding cfg. Useful for tests and one-shot tools.
func NewStore(cfg *Config) *Store {
	return &Store{cfg: cfg}
}

func (s *Store) Get() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cfg == nil {
		return nil
	}
	cpy := *s.cfg
	return &cpy
}

func (s *Store) set(cfg *Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// LoadAndWatch loads the config and watches for on-disk changes.
// A missing config file is not an error: defaults and environment apply.
func LoadAndWatch(logger *zap.Logger) (*Store, error) {
	v := newViper()

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		fileFound = false
	}

	store := &Store{}
	if err := refresh(v, store); err != nil {
		return nil, err
	}

	if fileFound {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			if err := refresh(v, store); err != nil {
				logger.Warn("config reload failed", zap.String("component", "config"), zap.Error(err))
			} else {
				logger.Info("config reloaded", zap.String("component", "config"), zap.String("file", e.Name))
			}
		})
	}

	return store, nil
}

// Load reads the config once without watching.
func Load() (*Config, error) {
	v := newViper()
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}
	store := &Store{}
	if err := refresh(v, store); err != nil {
		return nil, err
	}
	return store.Get(), nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.AddConfigPath("./configs")
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetEnvPrefix("RAG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Plain names used by the deployment environment.
	_ = v.BindEnv("pinecone.api_key", "RAG_PINECONE_API_KEY", "PINECONE_API_KEY")
	_ = v.BindEnv("pinecone.index_host", "RAG_PINECONE_INDEX_HOST", "PINECONE_INDEX_HOST")
	_ = v.BindEnv("bedrock.region", "RAG_BEDROCK_REGION", "BEDROCK_REGION", "AWS_REGION")

	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", ":8080")
	v.SetDefault("server.cors_origins", []string{})
	v.SetDefault("log.level", "info")

	v.SetDefault("auth.enabled", true)
	v.SetDefault("auth.region", "")
	v.SetDefault("auth.user_pool_id", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.client_id", "")
	v.SetDefault("auth.jwks_url", "")
	v.SetDefault("auth.jwks_ttl", time.Hour)
	v.SetDefault("auth.timeout", 5*time.Second)

	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.backend", "memory")
	v.SetDefault("ratelimit.window_seconds", 60)
	v.SetDefault("ratelimit.max_requests", 20)
	v.SetDefault("ratelimit.subject_per_minute", 0)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("logging.redis", false)
	v.SetDefault("logging.retention_days", 30)

	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.ttl", time.Hour)

	v.SetDefault("bedrock.region", "us-east-1")
	v.SetDefault("bedrock.embedding_model", "amazon.titan-embed-text-v1")
	v.SetDefault("bedrock.timeout", 30*time.Second)
	v.SetDefault("bedrock.max_rps", 10.0)
	v.SetDefault("bedrock.burst", 5)

	v.SetDefault("pinecone.api_key", "")
	v.SetDefault("pinecone.index_host", "")
	v.SetDefault("pinecone.namespace", "")
	v.SetDefault("pinecone.api_version", "2024-07")
	v.SetDefault("pinecone.timeout", 10*time.Second)

	v.SetDefault("generation.max_tokens", 512)
	v.SetDefault("generation.temperature", 0.3)

	v.SetDefault("prompt.template_path", "")

	v.SetDefault("models.default", "claude-sonnet")
	v.SetDefault("models.fallback", "mistral")
	v.SetDefault("models.aliases", map[string]string{
		"claude-sonnet": "us.anthropic.claude-3-sonnet-20240229-v1:0",
		"claude-haiku":  "us.anthropic.claude-3-haiku-20240307-v1:0",
		"titan-text":    "amazon.titan-text-lite-v1",
		"mistral":       "mistral.mistral-7b-instruct-v0:2",
	})

	// USD per 1k input tokens.
	v.SetDefault("pricing", map[string]float64{
		"claude-sonnet": 0.003,
		"claude-haiku":  0.00025,
		"titan-text":    0.00015,
		"mistral":       0.00015,
	})
}

func refresh(v *viper.Viper, store *Store) error {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return err
	}
	store.set(&cfg)
	return nil
}
