// Package store provides storage backends for LeadPipe.
//
// This file implements the SQLite-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/BTreeMap/LeadPipe/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// PushEvent appends an event to the conversation's pending buffer.
func (s *SQLiteStore) PushEvent(key string, event models.BufferedEvent, expiresAt time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO buffered_events (conversation_key, event_id, content, media_ref, media_kind, event_time, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		key, event.ID, nilIfEmpty(event.Content), nilIfEmpty(event.MediaRef), nilIfEmpty(string(event.MediaKind)),
		event.Timestamp.UTC(), expiresAt.UTC())
	if err != nil {
		slog.Error("SQLiteStore PushEvent failed", "error", err, "key", key)
		return fmt.Errorf("failed to push event for %s: %w", key, err)
	}
	// Extend the expiry of earlier rows so the buffer's TTL restarts with
	// every new event, matching the cancel-and-restart window.
	if _, err := s.db.Exec(`UPDATE buffered_events SET expires_at = ? WHERE conversation_key = ?`, expiresAt.UTC(), key); err != nil {
		slog.Error("SQLiteStore PushEvent expiry update failed", "error", err, "key", key)
		return fmt.Errorf("failed to extend buffer expiry for %s: %w", key, err)
	}
	slog.Debug("SQLiteStore PushEvent succeeded", "key", key, "event_id", event.ID)
	return nil
}

// DrainAndClear atomically removes and returns all buffered events for the
// conversation in arrival order.
func (s *SQLiteStore) DrainAndClear(key string) ([]models.BufferedEvent, error) {
	tx, err := s.db.Begin()
	if err != nil {
		slog.Error("SQLiteStore DrainAndClear begin failed", "error", err, "key", key)
		return nil, fmt.Errorf("failed to begin drain for %s: %w", key, err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(
		`SELECT event_id, content, media_ref, media_kind, event_time
		 FROM buffered_events WHERE conversation_key = ? ORDER BY seq ASC`, key)
	if err != nil {
		slog.Error("SQLiteStore DrainAndClear query failed", "error", err, "key", key)
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

	if _, err := tx.Exec(`DELETE FROM buffered_events WHERE conversation_key = ?`, key); err != nil {
		slog.Error("SQLiteStore DrainAndClear delete failed", "error", err, "key", key)
		return nil, fmt.Errorf("failed to clear buffer for %s: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		slog.Error("SQLiteStore DrainAndClear commit failed", "error", err, "key", key)
		return nil, fmt.Errorf("failed to commit drain for %s: %w", key, err)
	}
	slog.Debug("SQLiteStore DrainAndClear succeeded", "key", key, "count", len(events))
	return events, nil
}

// ListExpiredBufferKeys returns conversations holding buffered events whose
// expiry has passed.
func (s *SQLiteStore) ListExpiredBufferKeys(now time.Time) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT conversation_key FROM buffered_events
		 GROUP BY conversation_key HAVING MAX(expires_at) <= ? ORDER BY conversation_key`, now.UTC())
	if err != nil {
		slog.Error("SQLiteStore ListExpiredBufferKeys query failed", "error", err)
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
	slog.Debug("SQLiteStore ListExpiredBufferKeys succeeded", "count", len(keys))
	return keys, nil
}

// AddHistoryMessage appends a message to the conversation history and
// applies the retention limits.
func (s *SQLiteStore) AddHistoryMessage(key, role, content string, meta map[string]string) error {
	metaJSON, err := marshalMeta(meta)
	if err != nil {
		slog.Error("SQLiteStore AddHistoryMessage meta marshal failed", "error", err, "key", key)
		return err
	}
	now := time.Now().UTC()
	if _, err := s.db.Exec(
		`INSERT INTO chat_history (conversation_key, role, content, meta, created_at) VALUES (?, ?, ?, ?, ?)`,
		key, role, content, metaJSON, now); err != nil {
		slog.Error("SQLiteStore AddHistoryMessage failed", "error", err, "key", key)
		return fmt.Errorf("failed to insert history for %s: %w", key, err)
	}
	if _, err := s.db.Exec(
		`DELETE FROM chat_history WHERE conversation_key = ? AND id NOT IN (
			SELECT id FROM chat_history WHERE conversation_key = ? ORDER BY id DESC LIMIT ?)`,
		key, key, DefaultHistoryLimit); err != nil {
		slog.Error("SQLiteStore AddHistoryMessage trim failed", "error", err, "key", key)
		return fmt.Errorf("failed to trim history for %s: %w", key, err)
	}
	if _, err := s.db.Exec(`DELETE FROM chat_history WHERE conversation_key = ? AND created_at < ?`,
		key, now.Add(-DefaultHistoryRetention)); err != nil {
		slog.Error("SQLiteStore AddHistoryMessage retention prune failed", "error", err, "key", key)
		return fmt.Errorf("failed to prune history for %s: %w", key, err)
	}
	slog.Debug("SQLiteStore AddHistoryMessage succeeded", "key", key, "role", role)
	return nil
}

// GetRecentHistory returns up to limit history messages, most recent first.
func (s *SQLiteStore) GetRecentHistory(key string, limit int) ([]models.HistoryMessage, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	rows, err := s.db.Query(
		`SELECT role, content, meta, created_at FROM chat_history
		 WHERE conversation_key = ? ORDER BY id DESC LIMIT ?`, key, limit)
	if err != nil {
		slog.Error("SQLiteStore GetRecentHistory query failed", "error", err, "key", key)
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
	slog.Debug("SQLiteStore GetRecentHistory succeeded", "key", key, "count", len(msgs))
	return msgs, nil
}

// GetLead returns the lead record, or nil if absent.
func (s *SQLiteStore) GetLead(phone string) (*models.Lead, error) {
	row := s.db.QueryRow(
		`SELECT phone, stage_sent, last_stage_at, next_due_at, tags, created_at, updated_at
		 FROM leads WHERE phone = ?`, phone)
	lead, err := scanLeadRow(row)
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore GetLead not found", "phone", phone)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetLead failed", "error", err, "phone", phone)
		return nil, fmt.Errorf("failed to get lead %s: %w", phone, err)
	}
	return &lead, nil
}

// SaveLead inserts or replaces the full lead record.
func (s *SQLiteStore) SaveLead(lead models.Lead) error {
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
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(phone) DO UPDATE SET
			stage_sent = excluded.stage_sent,
			last_stage_at = excluded.last_stage_at,
			next_due_at = excluded.next_due_at,
			tags = excluded.tags,
			updated_at = excluded.updated_at`,
		lead.Phone, lead.StageSent, lastStageAt, nextDueAt, tags, createdAt, now)
	if err != nil {
		slog.Error("SQLiteStore SaveLead failed", "error", err, "phone", lead.Phone)
		return fmt.Errorf("failed to save lead %s: %w", lead.Phone, err)
	}
	slog.Debug("SQLiteStore SaveLead succeeded", "phone", lead.Phone, "stage", lead.StageSent)
	return nil
}

// UpdateLead applies a partial update to an existing lead.
func (s *SQLiteStore) UpdateLead(phone string, update models.LeadUpdate) error {
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
func (s *SQLiteStore) AddTag(phone, tag string) error {
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
	slog.Debug("SQLiteStore AddTag succeeded", "phone", phone, "tag", tag)
	return nil
}

// QueryDueLeads returns leads with next_due_at at or before now and
// stage_sent below the terminal stage.
func (s *SQLiteStore) QueryDueLeads(now time.Time) ([]models.Lead, error) {
	rows, err := s.db.Query(
		`SELECT phone, stage_sent, last_stage_at, next_due_at, tags, created_at, updated_at
		 FROM leads WHERE next_due_at IS NOT NULL AND next_due_at <= ? AND stage_sent < ?
		 ORDER BY phone`, now.UTC(), models.MaxFollowUpStages)
	if err != nil {
		slog.Error("SQLiteStore QueryDueLeads query failed", "error", err)
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
	slog.Debug("SQLiteStore QueryDueLeads succeeded", "count", len(leads))
	return leads, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}
