package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

// ErrLeadNotFound is returned when a partial update targets a lead that
// does not exist.
var ErrLeadNotFound = errors.New("lead not found")

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// marshalTags serializes a tag slice for the tags column. An empty slice
// is stored as NULL.
func marshalTags(tags []string) (interface{}, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tags: %w", err)
	}
	return string(data), nil
}

// unmarshalTags parses the tags column back into a slice.
func unmarshalTags(raw sql.NullString) ([]string, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(raw.String), &tags); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tags: %w", err)
	}
	return tags, nil
}

// marshalMeta serializes history metadata for the meta column.
func marshalMeta(meta map[string]string) (interface{}, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal meta: %w", err)
	}
	return string(data), nil
}

// unmarshalMeta parses the meta column back into a map.
func unmarshalMeta(raw sql.NullString) (map[string]string, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	meta := make(map[string]string)
	if err := json.Unmarshal([]byte(raw.String), &meta); err != nil {
		return nil, fmt.Errorf("failed to unmarshal meta: %w", err)
	}
	return meta, nil
}

// scanEvent scans a BufferedEvent from buffer query rows.
func scanEvent(rows *sql.Rows) (models.BufferedEvent, error) {
	var e models.BufferedEvent
	var content, mediaRef, mediaKind sql.NullString
	if err := rows.Scan(&e.ID, &content, &mediaRef, &mediaKind, &e.Timestamp); err != nil {
		return e, fmt.Errorf("scan buffered event failed: %w", err)
	}
	e.Content = content.String
	e.MediaRef = mediaRef.String
	e.MediaKind = models.MediaKind(mediaKind.String)
	return e, nil
}

// scanLead scans a Lead from lead query rows.
func scanLead(rows *sql.Rows) (models.Lead, error) {
	var l models.Lead
	var lastStageAt, nextDueAt sql.NullTime
	var tags sql.NullString
	if err := rows.Scan(&l.Phone, &l.StageSent, &lastStageAt, &nextDueAt, &tags, &l.CreatedAt, &l.UpdatedAt); err != nil {
		return l, fmt.Errorf("scan lead failed: %w", err)
	}
	if lastStageAt.Valid {
		l.LastStageAt = &lastStageAt.Time
	}
	if nextDueAt.Valid {
		l.NextDueAt = &nextDueAt.Time
	}
	parsed, err := unmarshalTags(tags)
	if err != nil {
		return l, err
	}
	l.Tags = parsed
	return l, nil
}

// scanLeadRow scans a Lead from a single row query.
func scanLeadRow(row *sql.Row) (models.Lead, error) {
	var l models.Lead
	var lastStageAt, nextDueAt sql.NullTime
	var tags sql.NullString
	if err := row.Scan(&l.Phone, &l.StageSent, &lastStageAt, &nextDueAt, &tags, &l.CreatedAt, &l.UpdatedAt); err != nil {
		return l, err
	}
	if lastStageAt.Valid {
		l.LastStageAt = &lastStageAt.Time
	}
	if nextDueAt.Valid {
		l.NextDueAt = &nextDueAt.Time
	}
	parsed, err := unmarshalTags(tags)
	if err != nil {
		return l, err
	}
	l.Tags = parsed
	return l, nil
}
