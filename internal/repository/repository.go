// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/opensource-social/magpie/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// maxResourceIDLen bounds post identifiers. Anything longer is treated
// as malformed, not an error.
const maxResourceIDLen = 128

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveRule upserts a keyword rule. The rule is normalized first and a
// missing ID is generated.
func (r *SQLRepository) SaveRule(ctx context.Context, accountID string, rule *domain.KeywordRule) error {
	if accountID == "" {
		return fmt.Errorf("%w: accountID is required", ErrInvalidInput)
	}
	if rule == nil {
		return fmt.Errorf("%w: rule is required", ErrInvalidInput)
	}

	rule.Normalize()
	if err := rule.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	rule.AccountID = accountID

	now := time.Now().UTC()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now

	synonyms, _ := json.Marshal(rule.Synonyms)

	query := `
		INSERT INTO keyword_rules (
			id, account_id, post_id, keyword, synonyms,
			dm_message, fallback_comment, include_product_link, product_link_url,
			condition_expr, enabled, strategy, case_sensitive, priority,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			keyword = excluded.keyword,
			synonyms = excluded.synonyms,
			dm_message = excluded.dm_message,
			fallback_comment = excluded.fallback_comment,
			include_product_link = excluded.include_product_link,
			product_link_url = excluded.product_link_url,
			condition_expr = excluded.condition_expr,
			enabled = excluded.enabled,
			strategy = excluded.strategy,
			case_sensitive = excluded.case_sensitive,
			priority = excluded.priority,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, accountID, rule.PostID, rule.Keyword, string(synonyms),
		rule.DMMessage, rule.FallbackComment, boolToInt(rule.IncludeProductLink), rule.ProductLinkURL,
		rule.Condition, boolToInt(rule.Enabled), string(rule.Strategy), boolToInt(rule.CaseSensitive), rule.Priority,
		rule.CreatedAt, rule.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: a rule for keyword %q already exists on post %q", ErrInvalidInput, rule.Keyword, rule.PostID)
	}
	return err
}

// isUniqueViolation recognizes unique-constraint errors from both
// drivers: SQLSTATE 23505 for postgres, the constraint message for
// sqlite.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

const ruleColumns = `
	id, account_id, post_id, keyword, synonyms,
	dm_message, fallback_comment, include_product_link, product_link_url,
	condition_expr, enabled, strategy, case_sensitive, priority,
	created_at, updated_at,
	matches, success_responses, failed_responses, fallback_responses,
	last_matched_at, avg_response_ms
`

func scanRule(row interface{ Scan(...any) error }) (*domain.KeywordRule, error) {
	var rule domain.KeywordRule
	var synonyms string
	var includeLink, enabled, caseSensitive int
	var lastMatchedAt sql.NullTime

	err := row.Scan(
		&rule.ID, &rule.AccountID, &rule.PostID, &rule.Keyword, &synonyms,
		&rule.DMMessage, &rule.FallbackComment, &includeLink, &rule.ProductLinkURL,
		&rule.Condition, &enabled, &rule.Strategy, &caseSensitive, &rule.Priority,
		&rule.CreatedAt, &rule.UpdatedAt,
		&rule.Stats.Matches, &rule.Stats.SuccessResponses, &rule.Stats.FailedResponses, &rule.Stats.FallbackResponses,
		&lastMatchedAt, &rule.Stats.AvgResponseMs,
	)
	if err != nil {
		return nil, err
	}

	rule.IncludeProductLink = includeLink == 1
	rule.Enabled = enabled == 1
	rule.CaseSensitive = caseSensitive == 1
	if synonyms != "" {
		json.Unmarshal([]byte(synonyms), &rule.Synonyms)
	}
	if lastMatchedAt.Valid {
		t := lastMatchedAt.Time
		rule.Stats.LastMatchedAt = &t
	}

	return &rule, nil
}

// GetRule retrieves a rule by ID with account isolation.
func (r *SQLRepository) GetRule(ctx context.Context, accountID string, ruleID string) (*domain.KeywordRule, error) {
	if accountID == "" {
		return nil, fmt.Errorf("%w: accountID is required", ErrInvalidInput)
	}

	query := `SELECT ` + ruleColumns + ` FROM keyword_rules WHERE account_id = ? AND id = ?`

	rule, err := scanRule(r.db.QueryRowContext(ctx, r.rebind(query), accountID, ruleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rule, nil
}

// ListRules retrieves all rules for an account, newest first.
func (r *SQLRepository) ListRules(ctx context.Context, accountID string) ([]*domain.KeywordRule, error) {
	if accountID == "" {
		return nil, fmt.Errorf("%w: accountID is required", ErrInvalidInput)
	}

	query := `SELECT ` + ruleColumns + ` FROM keyword_rules WHERE account_id = ? ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.KeywordRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}

	return rules, rows.Err()
}

// DeleteRule removes a rule with account isolation.
func (r *SQLRepository) DeleteRule(ctx context.Context, accountID string, ruleID string) error {
	if accountID == "" {
		return fmt.Errorf("%w: accountID is required", ErrInvalidInput)
	}

	result, err := r.db.ExecContext(ctx,
		r.rebind(`DELETE FROM keyword_rules WHERE account_id = ? AND id = ?`),
		accountID, ruleID,
	)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// FetchActiveRules returns the enabled rules for a post, highest
// priority first, creation order among equals. Malformed post IDs
// return ErrInvalidResource.
func (r *SQLRepository) FetchActiveRules(ctx context.Context, postID string) ([]*domain.KeywordRule, error) {
	if err := validateResourceID(postID); err != nil {
		return nil, err
	}

	query := `SELECT ` + ruleColumns + ` FROM keyword_rules
		WHERE post_id = ? AND enabled = 1
		ORDER BY priority DESC, created_at ASC`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), postID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.KeywordRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}

	return rules, rows.Err()
}

// IncrementRuleStats records one terminal match outcome in a single
// statement. The running average uses the pre-update response count.
func (r *SQLRepository) IncrementRuleStats(ctx context.Context, ruleID string, outcome domain.ResponseOutcome, latencyMs int64) error {
	if ruleID == "" {
		return fmt.Errorf("%w: ruleID is required", ErrInvalidInput)
	}

	query := `
		UPDATE keyword_rules SET
			matches = matches + 1,
			success_responses = success_responses + CASE WHEN ? = 'success' THEN 1 ELSE 0 END,
			failed_responses = failed_responses + CASE WHEN ? = 'failed' THEN 1 ELSE 0 END,
			fallback_responses = fallback_responses + CASE WHEN ? = 'fallback' THEN 1 ELSE 0 END,
			last_matched_at = ?,
			avg_response_ms = avg_response_ms +
				(? - avg_response_ms) / (success_responses + failed_responses + fallback_responses + 1)
		WHERE id = ?
	`

	o := string(outcome)
	result, err := r.db.ExecContext(ctx, r.rebind(query),
		o, o, o, time.Now().UTC(), float64(latencyMs), ruleID,
	)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// RecordActivity appends one processed event's outcome.
func (r *SQLRepository) RecordActivity(ctx context.Context, accountID string, activity *domain.Activity) error {
	if accountID == "" {
		return fmt.Errorf("%w: accountID is required", ErrInvalidInput)
	}
	if activity == nil {
		return fmt.Errorf("%w: activity is required", ErrInvalidInput)
	}

	if activity.ID == "" {
		activity.ID = uuid.New().String()
	}
	if activity.CreatedAt.IsZero() {
		activity.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO activities (
			id, account_id, post_id, event_id, event_kind, sender_id, text,
			status, rule_id, matched_term, confidence,
			response_kind, response_id, latency_ms, error, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		activity.ID, accountID, activity.PostID, activity.EventID,
		string(activity.EventKind), activity.SenderID, activity.Text,
		string(activity.Status), activity.RuleID, activity.MatchedTerm, activity.Confidence,
		activity.ResponseKind, activity.ResponseID, activity.LatencyMs, activity.Error,
		activity.CreatedAt,
	)
	return err
}

// ListActivities retrieves recent activities for an account, newest
// first.
func (r *SQLRepository) ListActivities(ctx context.Context, accountID string, limit int) ([]*domain.Activity, error) {
	if accountID == "" {
		return nil, fmt.Errorf("%w: accountID is required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, account_id, post_id, event_id, event_kind, sender_id, text,
			   status, rule_id, matched_term, confidence,
			   response_kind, response_id, latency_ms, error, created_at
		FROM activities
		WHERE account_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var activities []*domain.Activity
	for rows.Next() {
		var a domain.Activity
		if err := rows.Scan(
			&a.ID, &a.AccountID, &a.PostID, &a.EventID, &a.EventKind, &a.SenderID, &a.Text,
			&a.Status, &a.RuleID, &a.MatchedTerm, &a.Confidence,
			&a.ResponseKind, &a.ResponseID, &a.LatencyMs, &a.Error, &a.CreatedAt,
		); err != nil {
			return nil, err
		}
		activities = append(activities, &a)
	}

	return activities, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// validateResourceID rejects empty, oversized, or non-printable post
// identifiers with ErrInvalidResource.
func validateResourceID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", domain.ErrInvalidResource)
	}
	if len(id) > maxResourceIDLen {
		return fmt.Errorf("%w: exceeds %d bytes", domain.ErrInvalidResource, maxResourceIDLen)
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return fmt.Errorf("%w: invalid character at %d", domain.ErrInvalidResource, i)
		}
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
