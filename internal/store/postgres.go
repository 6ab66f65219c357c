// Package store provides storage backends for LeadPipe.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/LeadPipe/internal/models"
	_ "github.com/lib/pq"
)

// Constants for PostgreSQL connection pool configuration
const (
	// DefaultMaxOpenConns defines the maximum number of open connections
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns defines the maximum number of idle connections
	DefaultMaxIdleConns = 10
	// DefaultConnMaxLifetime defines the maximum lifetime of a connection
	DefaultConnMaxLifetime = 30 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL store with the given DSN.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open PostgreSQL connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("PostgreSQL ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running PostgreSQL migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("PostgreSQL migrations applied successfully")

	return &PostgresStore{db: db}, nil
}

// PushEvent appends an event to the conversation's pending buffer.
func (s *PostgresStore) PushEvent(key string, event models.BufferedEvent, expiresAt time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO buffered_events (conversation_key, event_id, content, media_ref, media_kind, event_time, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key, event.ID, nilIfEmpty(event.Content), nilIfEmpty(event.MediaRef), nilIfEmpty(string(event.MediaKind)),
		event.Timestamp.UTC(), expiresAt.UTC())
	if err != nil {
		slog.Error("PostgresStore PushEvent failed", "error", err, "key", key)
		return fmt.Errorf("failed to push event for %s: %w", key, err)
	}
	if _, err := s.db.Exec(`UPDATE buffered_events SET expires_at = $1 WHERE conversation_key = $2`, expiresAt.UTC(), key); err != nil {
		slog.Error("PostgresStore PushEvent expiry update failed", "error", err, "key", key)
		return fmt.Errorf("failed to extend buffer expiry for %s: %w", key, err)
	}
	slog.Debug("PostgresStore PushEvent succeeded", "key", key, "event_id", event.ID)
	return nil
}

// DrainAndClear atomically removes and returns all buffered events for the
// conversation in arrival order.
func (s *PostgresStore) DrainAndClear(key string) ([]models.BufferedEvent, error) {
	tx, err := s.db.Begin()
	if err != nil {
		slog.Error("PostgresStore DrainAndClear begin failed", "error", err, "key", key)
		return nil, fmt.Errorf("failed to begin drain for %s: %w", key, err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(
		`SELECT event_id, content, media_ref, media_kind, event_time
		 FROM buffered_events WHERE conversation_key = $1 ORDER BY seq ASC`, key)
	if err != nil {
		slog.Error("PostgresStore DrainAndClear query failed", "error", err, "key", key)
		return nil, fmt.Errorf("failed to query buffer for %s: %w", key, err)
	}
	var events []models.BufferedEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("failed to iterate buffer rows for %s: %w", key, err)
	}
	rows.Close()

	if _, err := tx.Exec(`DELETE FROM buffered_events WHERE conversation_key = $1`, key); err != nil {
		slog.Error("PostgresStore DrainAndClear delete failed", "error", err, "key", key)
		return nil, fmt.Errorf("failed to clear buffer for %s: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		slog.Error("PostgresStore DrainAndClear commit failed", "error", err, "key", key)
		return nil, fmt.Errorf("failed to commit drain for %s: %w", key, err)
	}
	slog.Debug("PostgresStore DrainAndClear succeeded", "key", key, "count", len(events))
	return events, nil
}

// ListExpiredBufferKeys returns conversations holding buffered events whose
// expiry has passed.
func (s *PostgresStore) ListExpiredBufferKeys(now time.Time) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT conversation_key FROM buffered_events
		 GROUP BY conversation_key HAVING MAX(expires_at) <= $1 ORDER BY conversation_key`, now.UTC())
	if err != nil {
		slog.Error("PostgresStore ListExpiredBufferKeys query failed", "error", err)
		return nil, fmt.Errorf("failed to query expired buffers: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan expired buffer key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate expired buffer keys: %w", err)
	}
	slog.Debug("PostgresStore ListExpiredBufferKeys succeeded", "count", len(keys))
	return keys, nil
}

// AddHistoryMessage appends a message to the conversation history and
// applies the retention limits.
func (s *PostgresStore) AddHistoryMessage(key, role, content string, meta map[string]string) error {
	metaJSON, err := marshalMeta(meta)
	if err != nil {
		slog.Error("PostgresStore AddHistoryMessage meta marshal failed", "error", err, "key", key)
		return err
	}
	now := time.Now().UTC()
	if _, err := s.db.Exec(
		`INSERT INTO chat_history (conversation_key, role, content, meta, created_at) VALUES ($1, $2, $3, $4, $5)`,
		key, role, content, metaJSON, now); err != nil {
		slog.Error("PostgresStore AddHistoryMessage failed", "error", err, "key", key)
		return fmt.Errorf("failed to insert history for %s: %w", key, err)
	}
	if _, err := s.db.Exec(
		`DELETE FROM chat_history WHERE conversation_key = $1 AND id NOT IN (
			SELECT id FROM chat_history WHERE conversation_key = $2 ORDER BY id DESC LIMIT $3)`,
		key, key, DefaultHistoryLimit); err != nil {
		slog.Error("PostgresStore AddHistoryMessage trim failed", "error", err, "key", key)
		return fmt.Errorf("failed to trim history for %s: %w", key, err)
	}
	if _, err := s.db.Exec(`DELETE FROM chat_history WHERE conversation_key = $1 AND created_at < $2`,
		key, now.Add(-DefaultHistoryRetention)); err != nil {
		slog.Error("PostgresStore AddHistoryMessage retention prune failed", "error", err, "key", key)
		return fmt.Errorf("failed to prune history for %s: %w", key, err)
	}
	slog.Debug("PostgresStore AddHistoryMessage succeeded", "key", key, "role", role)
	return nil
}

// GetRecentHistory returns up to limit history messages, most recent first.
func (s *PostgresStore) GetRecentHistory(key string, limit int) ([]models.HistoryMessage, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	rows, err := s.db.Query(
		`SELECT role, content, meta, created_at FROM chat_history
		 WHERE conversation_key = $1 ORDER BY id DESC LIMIT $2`, key, limit)
	if err != nil {
		slog.Error("PostgresStore GetRecentHistory query failed", "error", err, "key", key)
		return nil, fmt.Errorf("failed to query history for %s: %w", key, err)
	}
	defer rows.Close()

	var msgs []models.HistoryMessage
	for rows.Next() {
		var m models.HistoryMessage
		var metaRaw sql.NullString
		if err := rows.Scan(&m.Role, &m.Content, &metaRaw, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan history row for %s: %w", key, err)
		}
		meta, err := unmarshalMeta(metaRaw)
		if err != nil {
			return nil, err
		}
		m.Meta = meta
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate history rows for %s: %w", key, err)
	}
	slog.Debug("PostgresStore GetRecentHistory succeeded", "key", key, "count", len(msgs))
	return msgs, nil
}

// GetLead returns the lead record, or nil if absent.
func (s *PostgresStore) GetLead(phone string) (*models.Lead, error) {
	row := s.db.QueryRow(
		`SELECT phone, stage_sent, last_stage_at, next_due_at, tags, created_at, updated_at
		 FROM leads WHERE phone = $1`, phone)
	lead, err := scanLeadRow(row)
	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore GetLead not found", "phone", phone)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetLead failed", "error", err, "phone", phone)
		return nil, fmt.Errorf("failed to get lead %s: %w", phone, err)
	}
	return &lead, nil
}

// SaveLead inserts or replaces the full lead record.
func (s *PostgresStore) SaveLead(lead models.Lead) error {
	tags, err := marshalTags(lead.Tags)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	createdAt := lead.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	var lastStageAt, nextDueAt interface{}
	if lead.LastStageAt != nil {
		lastStageAt = lead.LastStageAt.UTC()
	}
	if lead.NextDueAt != nil {
		nextDueAt = lead.NextDueAt.UTC()
	}
	_, err = s.db.Exec(
		`INSERT INTO leads (phone, stage_sent, last_stage_at, next_due_at, tags, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (phone) DO UPDATE SET
			stage_sent = EXCLUDED.stage_sent,
			last_stage_at = EXCLUDED.last_stage_at,
			next_due_at = EXCLUDED.next_due_at,
			tags = EXCLUDED.tags,
			updated_at = EXCLUDED.updated_at`,
		lead.Phone, lead.StageSent, lastStageAt, nextDueAt, tags, createdAt, now)
	if err != nil {
		slog.Error("PostgresStore SaveLead failed", "error", err, "phone", lead.Phone)
		return fmt.Errorf("failed to save lead %s: %w", lead.Phone, err)
	}
	slog.Debug("PostgresStore SaveLead succeeded", "phone", lead.Phone, "stage", lead.StageSent)
	return nil
}

// UpdateLead applies a partial update to an existing lead.
func (s *PostgresStore) UpdateLead(phone string, update models.LeadUpdate) error {
	lead, err := s.GetLead(phone)
	if err != nil {
		return err
	}
	if lead == nil {
		return ErrLeadNotFound
	}
	if update.StageSent != nil {
		lead.StageSent = *update.StageSent
	}
	if update.LastStageAt != nil {
		t := *update.LastStageAt
		lead.LastStageAt = &t
	}
	if update.ClearNextDueAt {
		lead.NextDueAt = nil
	} else if update.NextDueAt != nil {
		t := *update.NextDueAt
		lead.NextDueAt = &t
	}
	return s.SaveLead(*lead)
}

// AddTag adds a tag to the lead if not already present.
func (s *PostgresStore) AddTag(phone, tag string) error {
	lead, err := s.GetLead(phone)
	if err != nil {
		return err
	}
	if lead == nil {
		return ErrLeadNotFound
	}
	if lead.HasTag(tag) {
		return nil
	}
	lead.Tags = append(lead.Tags, tag)
	if err := s.SaveLead(*lead); err != nil {
		return err
	}
	slog.Debug("PostgresStore AddTag succeeded", "phone", phone, "tag", tag)
	return nil
}

// QueryDueLeads returns leads with next_due_at at or before now and
// stage_sent below the terminal stage.
func (s *PostgresStore) QueryDueLeads(now time.Time) ([]models.Lead, error) {
	rows, err := s.db.Query(
		`SELECT phone, stage_sent, last_stage_at, next_due_at, tags, created_at, updated_at
		 FROM leads WHERE next_due_at IS NOT NULL AND next_due_at <= $1 AND stage_sent < $2
		 ORDER BY phone`, now.UTC(), models.MaxFollowUpStages)
	if err != nil {
		slog.Error("PostgresStore QueryDueLeads query failed", "error", err)
		return nil, fmt.Errorf("failed to query due leads: %w", err)
	}
	defer rows.Close()

	var leads []models.Lead
	for rows.Next() {
		lead, err := scanLead(rows)
		if err != nil {
			return nil, err
		}
		leads = append(leads, lead)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate due lead rows: %w", err)
	}
	slog.Debug("PostgresStore QueryDueLeads succeeded", "count", len(leads))
	return leads, nil
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing PostgreSQL database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close PostgreSQL database", "error", err)
	}
	return err
}
