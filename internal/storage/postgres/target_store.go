// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/forumsentry/forumsentry/internal/monitor"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// TargetStoreConfig controls the Postgres connection pool used for target rows.
type TargetStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type dbConn interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// TargetStore persists targets in Postgres. Log, hints and codes live in
// JSONB columns so the row stays self-contained.
type TargetStore struct {
	pool  dbConn
	table string
}

// NewTargetStore creates a Postgres-backed TargetStore using the provided config.
func NewTargetStore(ctx context.Context, cfg TargetStoreConfig) (*TargetStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "targets"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &TargetStore{pool: pool, table: table}, nil
}

// NewTargetStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewTargetStoreWithPool(pool dbConn, table string) (*TargetStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "targets"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &TargetStore{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *TargetStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the target table when it does not exist yet.
func (s *TargetStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id               TEXT PRIMARY KEY,
	url              TEXT NOT NULL,
	handle           TEXT NOT NULL DEFAULT '',
	email            TEXT NOT NULL DEFAULT '',
	secret           TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL,
	last_check       TIMESTAMPTZ,
	forum_type       TEXT NOT NULL DEFAULT '',
	robots_hints     JSONB NOT NULL DEFAULT '[]',
	invitation_codes JSONB NOT NULL DEFAULT '[]',
	activity_log     JSONB NOT NULL DEFAULT '[]',
	created_at       TIMESTAMPTZ NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

const targetColumns = `id, url, handle, email, secret, status, last_check, forum_type, robots_hints, invitation_codes, activity_log, created_at`

// LoadAll returns every target ordered by creation time.
func (s *TargetStore) LoadAll(ctx context.Context) ([]monitor.Target, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY created_at, id`, targetColumns, s.table)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("select targets: %w", err)
	}
	defer rows.Close()
	return collectTargets(rows)
}

// LoadDue returns the targets eligible for a scheduled probe.
func (s *TargetStore) LoadDue(ctx context.Context) ([]monitor.Target, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE status <> $1 ORDER BY created_at, id`, targetColumns, s.table)
	rows, err := s.pool.Query(ctx, query, string(monitor.StatusRegistered))
	if err != nil {
		return nil, fmt.Errorf("select due targets: %w", err)
	}
	defer rows.Close()
	return collectTargets(rows)
}

// Get returns one target by id.
func (s *TargetStore) Get(ctx context.Context, id string) (monitor.Target, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, targetColumns, s.table)
	target, err := scanTarget(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		return monitor.Target{}, fmt.Errorf("select target %q: %w", id, err)
	}
	return target, nil
}

// Upsert inserts or replaces a target row.
func (s *TargetStore) Upsert(ctx context.Context, target monitor.Target) error {
	if target.ID == "" {
		return fmt.Errorf("target id is required")
	}
	hintsJSON, err := json.Marshal(emptySlice(target.RobotsHints))
	if err != nil {
		return fmt.Errorf("marshal robots hints: %w", err)
	}
	codesJSON, err := json.Marshal(emptySlice(target.InvitationCodes))
	if err != nil {
		return fmt.Errorf("marshal invitation codes: %w", err)
	}
	logJSON, err := json.Marshal(emptySlice(target.Log))
	if err != nil {
		return fmt.Errorf("marshal activity log: %w", err)
	}

	query := fmt.Sprintf(`
INSERT INTO %s (%s) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (id) DO UPDATE SET
	url = EXCLUDED.url,
	handle = EXCLUDED.handle,
	email = EXCLUDED.email,
	secret = EXCLUDED.secret,
	status = EXCLUDED.status,
	last_check = EXCLUDED.last_check,
	forum_type = EXCLUDED.forum_type,
	robots_hints = EXCLUDED.robots_hints,
	invitation_codes = EXCLUDED.invitation_codes,
	activity_log = EXCLUDED.activity_log`, s.table, targetColumns)

	args := []any{
		target.ID,
		target.URL,
		target.Credentials.Handle,
		target.Credentials.Email,
		target.Credentials.Secret,
		string(target.Status),
		target.LastCheck,
		target.ForumType,
		hintsJSON,
		codesJSON,
		logJSON,
		target.CreatedAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert target: %w", err)
	}
	return nil
}

// UpdateStatus atomically sets status and last-check.
func (s *TargetStore) UpdateStatus(ctx context.Context, id string, status monitor.Status, lastCheck time.Time) error {
	query := fmt.Sprintf(`UPDATE %s SET status = $2, last_check = $3 WHERE id = $1`, s.table)
	tag, err := s.pool.Exec(ctx, query, id, string(status), lastCheck)
	if err != nil {
		return fmt.Errorf("update target status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("target %q not found", id)
	}
	return nil
}

// Delete removes a target row.
func (s *TargetStore) Delete(ctx context.Context, id string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.table)
	tag, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete target: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("target %q not found", id)
	}
	return nil
}

func collectTargets(rows pgx.Rows) ([]monitor.Target, error) {
	var out []monitor.Target
	for rows.Next() {
		target, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, target)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate targets: %w", err)
	}
	return out, nil
}

func scanTarget(row pgx.Row) (monitor.Target, error) {
	var (
		target    monitor.Target
		status    string
		lastCheck *time.Time
		hintsJSON []byte
		codesJSON []byte
		logJSON   []byte
	)
	err := row.Scan(
		&target.ID,
		&target.URL,
		&target.Credentials.Handle,
		&target.Credentials.Email,
		&target.Credentials.Secret,
		&status,
		&lastCheck,
		&target.ForumType,
		&hintsJSON,
		&codesJSON,
		&logJSON,
		&target.CreatedAt,
	)
	if err != nil {
		return monitor.Target{}, fmt.Errorf("scan target: %w", err)
	}
	target.Status = monitor.Status(status)
	if lastCheck != nil {
		target.LastCheck = *lastCheck
	}
	if len(hintsJSON) > 0 {
		if err := json.Unmarshal(hintsJSON, &target.RobotsHints); err != nil {
			return monitor.Target{}, fmt.Errorf("unmarshal robots hints: %w", err)
		}
	}
	if len(codesJSON) > 0 {
		if err := json.Unmarshal(codesJSON, &target.InvitationCodes); err != nil {
			return monitor.Target{}, fmt.Errorf("unmarshal invitation codes: %w", err)
		}
	}
	if len(logJSON) > 0 {
		if err := json.Unmarshal(logJSON, &target.Log); err != nil {
			return monitor.Target{}, fmt.Errorf("unmarshal activity log: %w", err)
		}
	}
	return target, nil
}

// emptySlice keeps JSONB columns as [] instead of null for empty values.
func emptySlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
