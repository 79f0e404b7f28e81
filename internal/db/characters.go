package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/hpungsan/kizuna/internal/character"
	"github.com/hpungsan/kizuna/internal/errors"
)

// TimeFormat is the persisted timestamp layout (UTC, millisecond precision).
const TimeFormat = "2006-01-02T15:04:05.000Z"

const characterColumns = `id, canonical_name, aliases, summary, voice_style, relationships,
	first_chunk, last_seen_chunk, confidence_score, status, metadata, created_at, updated_at`

// InsertCharacter stores a new registry row.
func InsertCharacter(ctx context.Context, q Querier, c *character.Character) error {
	cols, err := encodeCharacter(c)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO character_registry (` + characterColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = q.ExecContext(ctx, query,
		c.ID, c.CanonicalName, cols.aliases, toNullString(c.Summary), toNullString(c.VoiceStyle), cols.relationships,
		c.FirstChunk, c.LastSeenChunk, c.ConfidenceScore, string(c.Status), cols.metadata,
		formatTime(c.CreatedAt), formatTime(c.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return errors.NewConflict("character already exists: " + c.ID)
		}
		return errors.NewRegistryPersistence("insert character", err)
	}
	return nil
}

// UpdateCharacter overwrites every mutable column of an existing row.
func UpdateCharacter(ctx context.Context, q Querier, c *character.Character) error {
	cols, err := encodeCharacter(c)
	if err != nil {
		return err
	}

	query := `
		UPDATE character_registry
		SET canonical_name = ?, aliases = ?, summary = ?, voice_style = ?, relationships = ?,
			first_chunk = ?, last_seen_chunk = ?, confidence_score = ?, status = ?, metadata = ?,
			updated_at = ?
		WHERE id = ?
	`
	result, err := q.ExecContext(ctx, query,
		c.CanonicalName, cols.aliases, toNullString(c.Summary), toNullString(c.VoiceStyle), cols.relationships,
		c.FirstChunk, c.LastSeenChunk, c.ConfidenceScore, string(c.Status), cols.metadata,
		formatTime(c.UpdatedAt), c.ID,
	)
	if err != nil {
		return errors.NewRegistryPersistence("update character", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.NewRegistryPersistence("update character", err)
	}
	if rows == 0 {
		return errors.NewNotFound(c.ID)
	}
	return nil
}

// GetCharacter retrieves a registry row by ID.
func GetCharacter(ctx context.Context, q Querier, id string) (*character.Character, error) {
	query := `SELECT ` + characterColumns + ` FROM character_registry WHERE id = ?`

	c, err := scanCharacter(q.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFound(id)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ListFilters narrows ListCharacters.
type ListFilters struct {
	Status character.Status
}

// ListCharacters returns rows ordered by last_seen_chunk DESC, id ASC, plus the total match count.
func ListCharacters(ctx context.Context, q Querier, filters ListFilters, limit, offset int) ([]character.Character, int, error) {
	where := ""
	var args []any
	if filters.Status != "" {
		where = " WHERE status = ?"
		args = append(args, string(filters.Status))
	}

	var total int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM character_registry`+where, args...).Scan(&total); err != nil {
		return nil, 0, errors.NewRegistryQuery("count characters", err)
	}

	query := `SELECT ` + characterColumns + ` FROM character_registry` + where +
		` ORDER BY last_seen_chunk DESC, id ASC LIMIT ? OFFSET ?`
	rows, err := q.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, errors.NewRegistryQuery("list characters", err)
	}
	defer rows.Close()

	items := []character.Character{}
	for rows.Next() {
		c, err := scanCharacter(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, errors.NewRegistryQuery("list characters", err)
	}
	return items, total, nil
}

// StreamCharacters calls fn for every row in id order. Used by export.
func StreamCharacters(ctx context.Context, q Querier, fn func(*character.Character) error) error {
	rows, err := q.QueryContext(ctx, `SELECT `+characterColumns+` FROM character_registry ORDER BY id ASC`)
	if err != nil {
		return errors.NewRegistryQuery("stream characters", err)
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanCharacter(rows)
		if err != nil {
			return err
		}
		if err := fn(c); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return errors.NewRegistryQuery("stream characters", err)
	}
	return nil
}

// CountCharacters returns the number of registry rows.
func CountCharacters(ctx context.Context, q Querier) (int, error) {
	var n int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM character_registry`).Scan(&n); err != nil {
		return 0, errors.NewRegistryQuery("count characters", err)
	}
	return n, nil
}

type encodedColumns struct {
	aliases       sql.NullString
	relationships sql.NullString
	metadata      sql.NullString
}

func encodeCharacter(c *character.Character) (encodedColumns, error) {
	var cols encodedColumns
	var err error
	aliases := c.Aliases
	if aliases == nil {
		aliases = []character.Alias{}
	}
	if cols.aliases, err = encodeJSON(aliases); err != nil {
		return cols, errors.NewRegistryPersistence("encode aliases", err)
	}
	rels := c.Relationships
	if rels == nil {
		rels = []character.Relationship{}
	}
	if cols.relationships, err = encodeJSON(rels); err != nil {
		return cols, errors.NewRegistryPersistence("encode relationships", err)
	}
	if len(c.Metadata) > 0 {
		if cols.metadata, err = encodeJSON(c.Metadata); err != nil {
			return cols, errors.NewRegistryPersistence("encode metadata", err)
		}
	}
	return cols, nil
}

func encodeJSON(v any) (sql.NullString, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// rowScanner is implemented by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanCharacter scans a row into a Character. sql.ErrNoRows is returned
// unwrapped; other scan failures are query errors and malformed columns are
// decode errors.
func scanCharacter(row rowScanner) (*character.Character, error) {
	var (
		c                                   character.Character
		aliases, summary, voice, rels, meta sql.NullString
		confidence                          sql.NullFloat64
		status, createdAt, updatedAt       sql.NullString
	)

	err := row.Scan(
		&c.ID, &c.CanonicalName, &aliases, &summary, &voice, &rels,
		&c.FirstChunk, &c.LastSeenChunk, &confidence, &status, &meta, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, errors.NewRegistryQuery("scan character", err)
	}

	c.Summary = summary.String
	c.VoiceStyle = voice.String
	c.ConfidenceScore = 1
	if confidence.Valid {
		c.ConfidenceScore = confidence.Float64
	}
	c.Status = character.StatusActive
	if status.Valid && status.String != "" {
		c.Status = character.Status(status.String)
	}

	c.Aliases = []character.Alias{}
	if err := decodeJSON(aliases, &c.Aliases); err != nil {
		return nil, errors.NewRegistryDecode("aliases of "+c.ID, err)
	}
	for i := range c.Aliases {
		if c.Aliases[i].ContextWords == nil {
			c.Aliases[i].ContextWords = []string{}
		}
	}
	c.Relationships = []character.Relationship{}
	if err := decodeJSON(rels, &c.Relationships); err != nil {
		return nil, errors.NewRegistryDecode("relationships of "+c.ID, err)
	}
	c.Metadata = map[string]any{}
	if err := decodeJSON(meta, &c.Metadata); err != nil {
		return nil, errors.NewRegistryDecode("metadata of "+c.ID, err)
	}

	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, errors.NewRegistryDecode("created_at of "+c.ID, err)
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, errors.NewRegistryDecode("updated_at of "+c.ID, err)
	}
	return &c, nil
}

// decodeJSON unmarshals a nullable JSON column; NULL and "null" leave v untouched.
func decodeJSON(ns sql.NullString, v any) error {
	if !ns.Valid || strings.TrimSpace(ns.String) == "" || ns.String == "null" {
		return nil
	}
	return json.Unmarshal([]byte(ns.String), v)
}

func formatTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(TimeFormat), Valid: true}
}

// parseTime accepts the persisted layout and any RFC 3339 timestamp.
func parseTime(ns sql.NullString) (time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(TimeFormat, ns.String); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, ns.String)
}

// isUniqueConstraintError checks if the error is a SQLite UNIQUE or PRIMARY KEY violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func toNullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
