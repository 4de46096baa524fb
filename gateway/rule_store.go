// Copyright 2025 PromptSentry
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// RuleStore persists policy bundles, their filter rules and lists, and the
// append-only decision log in Postgres.
type RuleStore struct {
	db *sql.DB
}

// NewRuleStore wraps an open connection pool and creates the gateway tables
// when they don't exist yet.
func NewRuleStore(db *sql.DB) (*RuleStore, error) {
	s := &RuleStore{db: db}
	if err := s.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create gateway tables: %w", err)
	}
	return s, nil
}

func (s *RuleStore) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS policy_bundles (
		id BIGSERIAL PRIMARY KEY,
		tenant TEXT NOT NULL,
		name TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		channel TEXT NOT NULL DEFAULT 'prod',
		status TEXT NOT NULL DEFAULT 'draft',
		max_prompt_length INTEGER NOT NULL DEFAULT 0,
		allowed_languages TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (tenant, name, version)
	);

	CREATE TABLE IF NOT EXISTS filter_rules (
		id BIGSERIAL PRIMARY KEY,
		bundle_id BIGINT NOT NULL REFERENCES policy_bundles(id) ON DELETE CASCADE,
		type TEXT NOT NULL,
		pattern TEXT NOT NULL,
		threshold DOUBLE PRECISION NOT NULL DEFAULT 0,
		action TEXT NOT NULL,
		severity TEXT NOT NULL DEFAULT 'medium',
		sub_type TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		enabled BOOLEAN NOT NULL DEFAULT TRUE
	);

	CREATE TABLE IF NOT EXISTS allowlists (
		id BIGSERIAL PRIMARY KEY,
		bundle_id BIGINT NOT NULL REFERENCES policy_bundles(id) ON DELETE CASCADE,
		kind TEXT NOT NULL,
		value TEXT NOT NULL,
		scope TEXT NOT NULL DEFAULT '',
		expire_at TIMESTAMPTZ
	);

	CREATE TABLE IF NOT EXISTS blocklists (
		id BIGSERIAL PRIMARY KEY,
		bundle_id BIGINT NOT NULL REFERENCES policy_bundles(id) ON DELETE CASCADE,
		kind TEXT NOT NULL,
		value TEXT NOT NULL,
		scope TEXT NOT NULL DEFAULT '',
		expire_at TIMESTAMPTZ
	);

	CREATE TABLE IF NOT EXISTS decision_logs (
		id BIGSERIAL PRIMARY KEY,
		tenant TEXT NOT NULL,
		user_id TEXT NOT NULL DEFAULT '',
		session_id TEXT NOT NULL DEFAULT '',
		timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		route TEXT NOT NULL DEFAULT '',
		input_digest TEXT NOT NULL,
		input_length INTEGER NOT NULL DEFAULT 0,
		decision TEXT NOT NULL,
		reasons JSONB,
		bundle_name TEXT NOT NULL DEFAULT '',
		bundle_version INTEGER NOT NULL DEFAULT 0,
		channel TEXT NOT NULL DEFAULT 'prod',
		latency_ms BIGINT NOT NULL DEFAULT 0,
		findings_summary JSONB
	);

	CREATE INDEX IF NOT EXISTS idx_policy_bundles_tenant_channel ON policy_bundles(tenant, channel);
	CREATE UNIQUE INDEX IF NOT EXISTS uniq_active_bundle ON policy_bundles(tenant, channel) WHERE status = 'active';
	CREATE INDEX IF NOT EXISTS idx_filter_rules_bundle ON filter_rules(bundle_id);
	CREATE INDEX IF NOT EXISTS idx_allowlists_bundle ON allowlists(bundle_id);
	CREATE INDEX IF NOT EXISTS idx_blocklists_bundle ON blocklists(bundle_id);
	CREATE INDEX IF NOT EXISTS idx_decision_logs_tenant_time ON decision_logs(tenant, timestamp);
	CREATE INDEX IF NOT EXISTS idx_decision_logs_digest ON decision_logs(input_digest);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Ping reports store reachability for the health endpoint.
func (s *RuleStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the underlying connection pool.
func (s *RuleStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

const bundleColumns = `id, tenant, name, version, channel, status, max_prompt_length, allowed_languages, created_at, updated_at`

func scanBundle(row rowScanner) (*PolicyBundle, error) {
	var b PolicyBundle
	var langs string
	if err := row.Scan(&b.ID, &b.Tenant, &b.Name, &b.Version, &b.Channel, &b.Status,
		&b.MaxPromptLength, &langs, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, err
	}
	b.AllowedLanguages = splitList(langs)
	return &b, nil
}

// GetActiveBundle returns the single active bundle for (tenant, channel),
// or ErrNotFound when the pair has none.
func (s *RuleStore) GetActiveBundle(ctx context.Context, tenant, channel string) (*PolicyBundle, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+bundleColumns+` FROM policy_bundles WHERE tenant = $1 AND channel = $2 AND status = 'active'`,
		tenant, channel)
	b, err := scanBundle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no active bundle for %s/%s: %w", tenant, channel, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load active bundle for %s/%s: %w", tenant, channel, err)
	}
	return b, nil
}

// GetBundle returns one bundle by id, or ErrNotFound.
func (s *RuleStore) GetBundle(ctx context.Context, id int64) (*PolicyBundle, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+bundleColumns+` FROM policy_bundles WHERE id = $1`, id)
	b, err := scanBundle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("bundle %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load bundle %d: %w", id, err)
	}
	return b, nil
}

// ListBundles returns every bundle for a tenant, newest first.
func (s *RuleStore) ListBundles(ctx context.Context, tenant string) ([]PolicyBundle, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+bundleColumns+` FROM policy_bundles WHERE tenant = $1 ORDER BY created_at DESC, id DESC`,
		tenant)
	if err != nil {
		return nil, fmt.Errorf("failed to list bundles for %s: %w", tenant, err)
	}
	defer rows.Close()

	var bundles []PolicyBundle
	for rows.Next() {
		b, err := scanBundle(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan bundle row: %w", err)
		}
		bundles = append(bundles, *b)
	}
	return bundles, rows.Err()
}

// CreateBundle inserts a new draft bundle. Version is assigned as the next
// number in the (tenant, name) line; Status is always draft regardless of
// what the caller set.
func (s *RuleStore) CreateBundle(ctx context.Context, b *PolicyBundle) error {
	if b.Tenant == "" || b.Name == "" {
		return NewError(KindInvalidInput, "bundle tenant and name are required", nil)
	}
	if !ValidChannel(b.Channel) {
		return NewError(KindInvalidInput, fmt.Sprintf("invalid channel %q", b.Channel), nil)
	}

	var nextVersion int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM policy_bundles WHERE tenant = $1 AND name = $2`,
		b.Tenant, b.Name).Scan(&nextVersion)
	if err != nil {
		return fmt.Errorf("failed to assign bundle version: %w", err)
	}

	b.Version = nextVersion
	b.Status = BundleDraft
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO policy_bundles (tenant, name, version, channel, status, max_prompt_length, allowed_languages)
		 VALUES ($1, $2, $3, $4, 'draft', $5, $6)
		 RETURNING id, created_at, updated_at`,
		b.Tenant, b.Name, b.Version, b.Channel, b.MaxPromptLength,
		strings.Join(b.AllowedLanguages, ",")).
		Scan(&b.ID, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("bundle %s/%s v%d already exists: %w", b.Tenant, b.Name, b.Version, ErrConflict)
		}
		return fmt.Errorf("failed to create bundle: %w", err)
	}
	return nil
}

// ListRules returns every filter rule in a bundle, enabled or not.
func (s *RuleStore) ListRules(ctx context.Context, bundleID int64) ([]FilterRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, bundle_id, type, pattern, threshold, action, severity, sub_type, description, enabled
		 FROM filter_rules WHERE bundle_id = $1 ORDER BY id`, bundleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules for bundle %d: %w", bundleID, err)
	}
	defer rows.Close()

	var rules []FilterRule
	for rows.Next() {
		var r FilterRule
		if err := rows.Scan(&r.ID, &r.BundleID, &r.Type, &r.Pattern, &r.Threshold,
			&r.Action, &r.Severity, &r.SubType, &r.Description, &r.Enabled); err != nil {
			return nil, fmt.Errorf("failed to scan rule row: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// ListAllowlist returns a bundle's allowlist entries, expired ones included;
// expiry is applied at match time.
func (s *RuleStore) ListAllowlist(ctx context.Context, bundleID int64) ([]ListEntry, error) {
	return s.listEntries(ctx, "allowlists", bundleID)
}

// ListBlocklist returns a bundle's blocklist entries.
func (s *RuleStore) ListBlocklist(ctx context.Context, bundleID int64) ([]ListEntry, error) {
	return s.listEntries(ctx, "blocklists", bundleID)
}

func (s *RuleStore) listEntries(ctx context.Context, table string, bundleID int64) ([]ListEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, bundle_id, kind, value, scope, expire_at FROM `+table+` WHERE bundle_id = $1 ORDER BY id`,
		bundleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s for bundle %d: %w", table, bundleID, err)
	}
	defer rows.Close()

	var entries []ListEntry
	for rows.Next() {
		var e ListEntry
		if err := rows.Scan(&e.ID, &e.BundleID, &e.Kind, &e.Value, &e.Scope, &e.ExpireAt); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", table, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// requireDraft guards every bundle mutation: only draft bundles are editable.
func (s *RuleStore) requireDraft(ctx context.Context, bundleID int64) error {
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM policy_bundles WHERE id = $1`, bundleID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("bundle %d: %w", bundleID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to read bundle %d: %w", bundleID, err)
	}
	if status != string(BundleDraft) {
		return fmt.Errorf("bundle %d is %s; only draft bundles are editable: %w", bundleID, status, ErrConflict)
	}
	return nil
}

// UpsertRule inserts or updates a filter rule in a draft bundle.
func (s *RuleStore) UpsertRule(ctx context.Context, rule *FilterRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	if err := s.requireDraft(ctx, rule.BundleID); err != nil {
		return err
	}

	if rule.ID == 0 {
		err := s.db.QueryRowContext(ctx,
			`INSERT INTO filter_rules (bundle_id, type, pattern, threshold, action, severity, sub_type, description, enabled)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id`,
			rule.BundleID, rule.Type, rule.Pattern, rule.Threshold, rule.Action,
			rule.Severity, rule.SubType, rule.Description, rule.Enabled).Scan(&rule.ID)
		if err != nil {
			return fmt.Errorf("failed to insert rule: %w", err)
		}
		return nil
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE filter_rules SET type = $1, pattern = $2, threshold = $3, action = $4,
		 severity = $5, sub_type = $6, description = $7, enabled = $8
		 WHERE id = $9 AND bundle_id = $10`,
		rule.Type, rule.Pattern, rule.Threshold, rule.Action, rule.Severity,
		rule.SubType, rule.Description, rule.Enabled, rule.ID, rule.BundleID)
	if err != nil {
		return fmt.Errorf("failed to update rule %d: %w", rule.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("rule %d in bundle %d: %w", rule.ID, rule.BundleID, ErrNotFound)
	}
	return nil
}

// DeleteRule removes a rule from a draft bundle.
func (s *RuleStore) DeleteRule(ctx context.Context, bundleID, ruleID int64) error {
	if err := s.requireDraft(ctx, bundleID); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM filter_rules WHERE id = $1 AND bundle_id = $2`, ruleID, bundleID)
	if err != nil {
		return fmt.Errorf("failed to delete rule %d: %w", ruleID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("rule %d in bundle %d: %w", ruleID, bundleID, ErrNotFound)
	}
	return nil
}

// ListTarget selects which list a mutation applies to.
type ListTarget string

const (
	TargetAllowlist ListTarget = "allowlist"
	TargetBlocklist ListTarget = "blocklist"
)

func (t ListTarget) table() (string, error) {
	switch t {
	case TargetAllowlist:
		return "allowlists", nil
	case TargetBlocklist:
		return "blocklists", nil
	default:
		return "", NewError(KindInvalidInput, fmt.Sprintf("unknown list target %q", t), nil)
	}
}

// AddAllowlistEntry appends an entry to a draft bundle's allowlist.
func (s *RuleStore) AddAllowlistEntry(ctx context.Context, e *ListEntry) error {
	return s.addListEntry(ctx, TargetAllowlist, e)
}

// AddBlocklistEntry appends an entry to a draft bundle's blocklist.
func (s *RuleStore) AddBlocklistEntry(ctx context.Context, e *ListEntry) error {
	return s.addListEntry(ctx, TargetBlocklist, e)
}

func (s *RuleStore) addListEntry(ctx context.Context, target ListTarget, e *ListEntry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	table, err := target.table()
	if err != nil {
		return err
	}
	if err := s.requireDraft(ctx, e.BundleID); err != nil {
		return err
	}
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO `+table+` (bundle_id, kind, value, scope, expire_at)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		e.BundleID, e.Kind, e.Value, e.Scope, e.ExpireAt).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("failed to insert %s entry: %w", target, err)
	}
	return nil
}

// DeleteListEntry removes an allowlist or blocklist entry from a draft bundle.
func (s *RuleStore) DeleteListEntry(ctx context.Context, target ListTarget, bundleID, entryID int64) error {
	table, err := target.table()
	if err != nil {
		return err
	}
	if err := s.requireDraft(ctx, bundleID); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM `+table+` WHERE id = $1 AND bundle_id = $2`, entryID, bundleID)
	if err != nil {
		return fmt.Errorf("failed to delete %s entry %d: %w", target, entryID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s entry %d in bundle %d: %w", target, entryID, bundleID, ErrNotFound)
	}
	return nil
}

// ActivateBundle promotes a draft bundle to active for its (tenant, channel)
// pair and retires whatever was active before, all in one transaction. The
// target row is locked first; the partial unique index on active bundles
// turns a concurrent activation race into ErrConflict for the loser.
func (s *RuleStore) ActivateBundle(ctx context.Context, tenant, channel string, bundleID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin activation: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var bTenant, bChannel, status string
	err = tx.QueryRowContext(ctx,
		`SELECT tenant, channel, status FROM policy_bundles WHERE id = $1 FOR UPDATE`,
		bundleID).Scan(&bTenant, &bChannel, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("bundle %d: %w", bundleID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to lock bundle %d: %w", bundleID, err)
	}
	if bTenant != tenant || bChannel != channel {
		return NewError(KindInvalidInput,
			fmt.Sprintf("bundle %d belongs to %s/%s, not %s/%s", bundleID, bTenant, bChannel, tenant, channel), nil)
	}
	if status != string(BundleDraft) {
		return fmt.Errorf("bundle %d is %s, not draft: %w", bundleID, status, ErrConflict)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM policy_bundles WHERE tenant = $1 AND channel = $2 AND status = 'active' FOR UPDATE`,
		tenant, channel)
	if err != nil {
		return fmt.Errorf("failed to lock active bundles for %s/%s: %w", tenant, channel, err)
	}
	var priorIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan active bundle id: %w", err)
		}
		priorIDs = append(priorIDs, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("failed to read active bundles: %w", err)
	}
	rows.Close()

	for _, id := range priorIDs {
		if _, err := tx.ExecContext(ctx,
			`UPDATE policy_bundles SET status = 'retired', updated_at = NOW() WHERE id = $1`, id); err != nil {
			return fmt.Errorf("failed to retire bundle %d: %w", id, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE policy_bundles SET status = 'active', updated_at = NOW() WHERE id = $1`, bundleID); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("concurrent activation for %s/%s: %w", tenant, channel, ErrConflict)
		}
		return fmt.Errorf("failed to activate bundle %d: %w", bundleID, err)
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("concurrent activation for %s/%s: %w", tenant, channel, ErrConflict)
		}
		return fmt.Errorf("failed to commit activation: %w", err)
	}
	return nil
}

// ListActiveTenants returns the tenants that currently have at least one
// active bundle, for the policy status endpoint.
func (s *RuleStore) ListActiveTenants(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT tenant FROM policy_bundles WHERE status = 'active' ORDER BY tenant`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active tenants: %w", err)
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

// AppendDecision writes one decision record. Reasons and the findings
// summary go in as JSONB; the raw prompt never reaches this layer.
func (s *RuleStore) AppendDecision(ctx context.Context, rec *DecisionRecord) error {
	reasons, err := json.Marshal(rec.Reasons)
	if err != nil {
		return fmt.Errorf("failed to encode reasons: %w", err)
	}
	summary, err := json.Marshal(rec.Summary)
	if err != nil {
		return fmt.Errorf("failed to encode findings summary: %w", err)
	}
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO decision_logs
		 (tenant, user_id, session_id, timestamp, route, input_digest, input_length,
		  decision, reasons, bundle_name, bundle_version, channel, latency_ms, findings_summary)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		rec.Tenant, rec.UserID, rec.SessionID, ts, rec.Route, rec.InputDigest,
		rec.InputLength, rec.Decision, reasons, rec.BundleName, rec.BundleVer,
		rec.Channel, rec.LatencyMs, summary)
	if err != nil {
		return fmt.Errorf("failed to append decision: %w", err)
	}
	return nil
}

// DecisionFilter narrows QueryDecisions; zero values mean "any".
type DecisionFilter struct {
	Tenant    string
	SessionID string
	Decision  Action
	Route     string
	Since     time.Time
	Until     time.Time
	Limit     int
}

// QueryDecisions searches the decision log, newest first.
func (s *RuleStore) QueryDecisions(ctx context.Context, filter DecisionFilter) ([]DecisionRecord, error) {
	query := `SELECT id, tenant, user_id, session_id, timestamp, route, input_digest, input_length,
		decision, reasons, bundle_name, bundle_version, channel, latency_ms, findings_summary
		FROM decision_logs WHERE 1=1`
	args := []interface{}{}
	argIndex := 1

	if filter.Tenant != "" {
		query += fmt.Sprintf(" AND tenant = $%d", argIndex)
		args = append(args, filter.Tenant)
		argIndex++
	}
	if filter.SessionID != "" {
		query += fmt.Sprintf(" AND session_id = $%d", argIndex)
		args = append(args, filter.SessionID)
		argIndex++
	}
	if filter.Decision != "" {
		query += fmt.Sprintf(" AND decision = $%d", argIndex)
		args = append(args, filter.Decision)
		argIndex++
	}
	if filter.Route != "" {
		query += fmt.Sprintf(" AND route = $%d", argIndex)
		args = append(args, filter.Route)
		argIndex++
	}
	if !filter.Since.IsZero() {
		query += fmt.Sprintf(" AND timestamp >= $%d", argIndex)
		args = append(args, filter.Since)
		argIndex++
	}
	if !filter.Until.IsZero() {
		query += fmt.Sprintf(" AND timestamp <= $%d", argIndex)
		args = append(args, filter.Until)
		argIndex++
	}

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query += fmt.Sprintf(" ORDER BY timestamp DESC LIMIT $%d", argIndex)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	defer rows.Close()

	var records []DecisionRecord
	for rows.Next() {
		var rec DecisionRecord
		var reasons, summary []byte
		if err := rows.Scan(&rec.ID, &rec.Tenant, &rec.UserID, &rec.SessionID, &rec.Timestamp,
			&rec.Route, &rec.InputDigest, &rec.InputLength, &rec.Decision, &reasons,
			&rec.BundleName, &rec.BundleVer, &rec.Channel, &rec.LatencyMs, &summary); err != nil {
			return nil, fmt.Errorf("failed to scan decision row: %w", err)
		}
		if len(reasons) > 0 {
			if err := json.Unmarshal(reasons, &rec.Reasons); err != nil {
				return nil, fmt.Errorf("failed to decode reasons for decision %d: %w", rec.ID, err)
			}
		}
		if len(summary) > 0 {
			if err := json.Unmarshal(summary, &rec.Summary); err != nil {
				return nil, fmt.Errorf("failed to decode findings summary for decision %d: %w", rec.ID, err)
			}
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// CountDecisionsSince returns per-action decision counts for a tenant within
// the window. The stats endpoint prefers Redis counters and falls back here.
func (s *RuleStore) CountDecisionsSince(ctx context.Context, tenant string, since time.Time) (map[string]int64, error) {
	query := `SELECT decision, COUNT(*) FROM decision_logs WHERE timestamp >= $1`
	args := []interface{}{since}
	if tenant != "" {
		query += " AND tenant = $2"
		args = append(args, tenant)
	}
	query += " GROUP BY decision"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count decisions: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var action string
		var n int64
		if err := rows.Scan(&action, &n); err != nil {
			return nil, fmt.Errorf("failed to scan decision count: %w", err)
		}
		counts[action] = n
	}
	return counts, rows.Err()
}

// isUniqueViolation reports whether err is a Postgres unique_violation
// (SQLSTATE 23505), the signal for lost activation races.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
