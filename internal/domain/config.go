package domain

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds the complete Magpie configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`
	Queue      QueueConfig      `json:"queue"`
	Engine     EngineConfig     `json:"engine"`
	Responder  ResponderConfig  `json:"responder"`
	Worker     WorkerConfig     `json:"worker"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host" env:"MAGPIE_HOST" envDefault:"0.0.0.0"`
	Port         int    `json:"port" env:"MAGPIE_PORT" envDefault:"8080"`
	ReadTimeout  int    `json:"readTimeout" env:"MAGPIE_READ_TIMEOUT" envDefault:"30"`  // seconds
	WriteTimeout int    `json:"writeTimeout" env:"MAGPIE_WRITE_TIMEOUT" envDefault:"30"` // seconds
}

// QueueConfig holds event queue defaults applied to enqueued items.
type QueueConfig struct {
	MaxRetries int           `json:"maxRetries" env:"MAGPIE_QUEUE_MAX_RETRIES" envDefault:"3"`
	RetryDelay time.Duration `json:"retryDelay" env:"MAGPIE_QUEUE_RETRY_DELAY" envDefault:"3s"`
	Timeout    time.Duration `json:"timeout" env:"MAGPIE_QUEUE_TIMEOUT" envDefault:"30s"`
}

// EngineConfig holds matching engine settings.
type EngineConfig struct {
	// RuleTTL bounds how long a post's rule list may be served from
	// cache before a refetch.
	RuleTTL time.Duration `json:"ruleTTL" env:"MAGPIE_RULE_TTL" envDefault:"5m"`

	FuzzyMatching  bool    `json:"fuzzyMatching" env:"MAGPIE_FUZZY_MATCHING"`
	FuzzyThreshold float64 `json:"fuzzyThreshold" env:"MAGPIE_FUZZY_THRESHOLD" envDefault:"0.8"`
	WordBoundary   bool    `json:"wordBoundary" env:"MAGPIE_WORD_BOUNDARY"`
	MaxMatches     int     `json:"maxMatches" env:"MAGPIE_MAX_MATCHES" envDefault:"5"`
	MinConfidence  float64 `json:"minConfidence" env:"MAGPIE_MIN_CONFIDENCE" envDefault:"0.7"`
}

// MatchOptions converts the engine settings into per-call match options.
func (c EngineConfig) MatchOptions() MatchOptions {
	opts := DefaultMatchOptions()
	opts.EnableFuzzyMatching = c.FuzzyMatching
	if c.FuzzyThreshold > 0 {
		opts.FuzzyThreshold = c.FuzzyThreshold
	}
	opts.EnableWordBoundary = c.WordBoundary
	if c.MaxMatches > 0 {
		opts.MaxMatches = c.MaxMatches
	}
	if c.MinConfidence > 0 {
		opts.MinConfidence = c.MinConfidence
	}
	return opts
}

// WorkerConfig holds webhook worker settings.
type WorkerConfig struct {
	// AccountIDs to subscribe for bus-delivered events (empty = global).
	AccountIDs []string `json:"accountIds" env:"MAGPIE_ACCOUNTS" envSeparator:","`

	// ThrottleLimit caps replies per account per ThrottleWindow.
	// Zero disables throttling.
	ThrottleLimit  int           `json:"throttleLimit" env:"MAGPIE_THROTTLE_LIMIT"`
	ThrottleWindow time.Duration `json:"throttleWindow" env:"MAGPIE_THROTTLE_WINDOW" envDefault:"1m"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level" env:"MAGPIE_LOG_LEVEL" envDefault:"info"`
	Format string `json:"format" env:"MAGPIE_LOG_FORMAT" envDefault:"json"`
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled" env:"MAGPIE_TRACING_ENABLED"`
	ServiceName string `json:"serviceName" env:"MAGPIE_SERVICE_NAME" envDefault:"magpie"`
}

// DefaultConfig returns a default configuration: SQLite, in-memory LRU
// cache, channel bus.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./magpie.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Queue: QueueConfig{
			MaxRetries: 3,
			RetryDelay: 3 * time.Second,
			Timeout:    30 * time.Second,
		},
		Engine: EngineConfig{
			RuleTTL:        5 * time.Minute,
			FuzzyThreshold: 0.8,
			MaxMatches:     5,
			MinConfidence:  0.7,
		},
		Responder: ResponderConfig{
			TimeoutSecs: 10,
			DryRun:      true,
		},
		Worker: WorkerConfig{
			ThrottleWindow: time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "magpie",
		},
	}
}

// LoadConfig reads configuration from the environment (and a .env file
// when present), falling back to the tagged defaults.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
