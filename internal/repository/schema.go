package repository

// Schema definitions for the rule store and activity log.
// Compatible with both SQLite and PostgreSQL.

const schemaKeywordRules = `
CREATE TABLE IF NOT EXISTS keyword_rules (
    id TEXT PRIMARY KEY,
    account_id TEXT NOT NULL,
    post_id TEXT NOT NULL,
    keyword TEXT NOT NULL,
    synonyms TEXT NOT NULL,
    dm_message TEXT NOT NULL,
    fallback_comment TEXT,
    include_product_link INTEGER NOT NULL DEFAULT 0,
    product_link_url TEXT,
    condition_expr TEXT,
    enabled INTEGER NOT NULL DEFAULT 1,
    strategy TEXT NOT NULL,
    case_sensitive INTEGER NOT NULL DEFAULT 0,
    priority INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    matches INTEGER NOT NULL DEFAULT 0,
    success_responses INTEGER NOT NULL DEFAULT 0,
    failed_responses INTEGER NOT NULL DEFAULT 0,
    fallback_responses INTEGER NOT NULL DEFAULT 0,
    last_matched_at TIMESTAMP,
    avg_response_ms REAL NOT NULL DEFAULT 0,
    UNIQUE (post_id, keyword)
);

CREATE INDEX IF NOT EXISTS idx_keyword_rules_account ON keyword_rules(account_id);
CREATE INDEX IF NOT EXISTS idx_keyword_rules_post ON keyword_rules(post_id, enabled);
`

const schemaActivities = `
CREATE TABLE IF NOT EXISTS activities (
    id TEXT PRIMARY KEY,
    account_id TEXT NOT NULL,
    post_id TEXT NOT NULL,
    event_id TEXT NOT NULL,
    event_kind TEXT NOT NULL,
    sender_id TEXT NOT NULL,
    text TEXT NOT NULL,
    status TEXT NOT NULL,
    rule_id TEXT,
    matched_term TEXT,
    confidence REAL NOT NULL DEFAULT 0,
    response_kind TEXT,
    response_id TEXT,
    latency_ms INTEGER NOT NULL DEFAULT 0,
    error TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_activities_account ON activities(account_id, created_at);
CREATE INDEX IF NOT EXISTS idx_activities_post ON activities(post_id);
CREATE INDEX IF NOT EXISTS idx_activities_status ON activities(account_id, status);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaKeywordRules,
		schemaActivities,
	}
}
