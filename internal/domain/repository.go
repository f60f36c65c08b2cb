package domain

import (
	"context"
	"errors"
)

// ErrInvalidResource marks a malformed resource (post) identifier.
// Callers degrade to an empty rule set instead of failing.
var ErrInvalidResource = errors.New("invalid resource id")

// Repository defines the interface for data persistence: the rule store
// and the activity sink.
type Repository interface {
	// Rule management
	SaveRule(ctx context.Context, accountID string, rule *KeywordRule) error
	GetRule(ctx context.Context, accountID string, ruleID string) (*KeywordRule, error)
	ListRules(ctx context.Context, accountID string) ([]*KeywordRule, error)
	DeleteRule(ctx context.Context, accountID string, ruleID string) error

	// FetchActiveRules returns the enabled rules for a post, sorted by
	// descending priority then ascending creation order.
	FetchActiveRules(ctx context.Context, postID string) ([]*KeywordRule, error)

	// IncrementRuleStats records a terminal match outcome against a rule.
	IncrementRuleStats(ctx context.Context, ruleID string, outcome ResponseOutcome, latencyMs int64) error

	// Activity sink: fire-and-forget record of one processed event.
	RecordActivity(ctx context.Context, accountID string, activity *Activity) error
	ListActivities(ctx context.Context, accountID string, limit int) ([]*Activity, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `env:"MAGPIE_DB_DRIVER" envDefault:"sqlite"`

	// SQLite specific
	SQLitePath string `env:"MAGPIE_SQLITE_PATH" envDefault:"./magpie.db"`

	// PostgreSQL specific
	PostgresHost     string `env:"MAGPIE_PG_HOST"`
	PostgresPort     int    `env:"MAGPIE_PG_PORT" envDefault:"5432"`
	PostgresUser     string `env:"MAGPIE_PG_USER"`
	PostgresPassword string `env:"MAGPIE_PG_PASSWORD"`
	PostgresDB       string `env:"MAGPIE_PG_DB" envDefault:"magpie"`
	PostgresSSLMode  string `env:"MAGPIE_PG_SSLMODE"`

	// Connection pool settings
	MaxOpenConns int `env:"MAGPIE_DB_MAX_OPEN_CONNS"`
	MaxIdleConns int `env:"MAGPIE_DB_MAX_IDLE_CONNS"`
}
