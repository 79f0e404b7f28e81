package db

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/hpungsan/kizuna/internal/character"
	"github.com/hpungsan/kizuna/internal/errors"
)

var errInvalidJSON = stderrors.New("invalid JSON")

func chunkKey(jobID string, chunkIndex int) string {
	return fmt.Sprintf("%s#%d", jobID, chunkIndex)
}

// EnsureJob creates the jobs row for jobID if it does not exist.
func EnsureJob(ctx context.Context, q Querier, jobID string, now time.Time) error {
	_, err := q.ExecContext(ctx,
		`INSERT OR IGNORE INTO jobs (id, created_at) VALUES (?, ?)`,
		jobID, formatTime(now),
	)
	if err != nil {
		return errors.NewRegistryPersistence("ensure job", err)
	}
	return nil
}

// UpsertChunkState writes s keyed by (job_id, chunk_index). Reprocessing a
// chunk overwrites the previous row. The parent job row must exist.
func UpsertChunkState(ctx context.Context, q Querier, s *character.ChunkState) error {
	var extraction sql.NullString
	if len(s.Extraction) > 0 {
		extraction = sql.NullString{String: string(s.Extraction), Valid: true}
	}

	query := `
		INSERT INTO chunk_state (
			job_id, chunk_index, masked_text, extraction, confidence,
			tier_used, tokens_used, processing_time_ms, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id, chunk_index) DO UPDATE SET
			masked_text = excluded.masked_text,
			extraction = excluded.extraction,
			confidence = excluded.confidence,
			tier_used = excluded.tier_used,
			tokens_used = excluded.tokens_used,
			processing_time_ms = excluded.processing_time_ms,
			created_at = excluded.created_at
	`
	_, err := q.ExecContext(ctx, query,
		s.JobID, s.ChunkIndex, s.MaskedText, extraction, s.Confidence,
		s.TierUsed, s.TokensUsed, s.ProcessingTimeMs, formatTime(s.CreatedAt),
	)
	if err != nil {
		return errors.NewRegistryPersistence("save chunk state", err)
	}
	return nil
}

// GetChunkState reads the row for (jobID, chunkIndex).
// Returns a NOT_FOUND error when no such row exists.
func GetChunkState(ctx context.Context, q Querier, jobID string, chunkIndex int) (*character.ChunkState, error) {
	query := `
		SELECT job_id, chunk_index, masked_text, extraction, confidence,
			tier_used, tokens_used, processing_time_ms, created_at
		FROM chunk_state
		WHERE job_id = ? AND chunk_index = ?
	`

	var (
		s                                  character.ChunkState
		masked, extraction, createdAt      sql.NullString
		confidence                         sql.NullFloat64
		tierUsed, tokensUsed, processingMs sql.NullInt64
	)
	err := q.QueryRowContext(ctx, query, jobID, chunkIndex).Scan(
		&s.JobID, &s.ChunkIndex, &masked, &extraction, &confidence,
		&tierUsed, &tokensUsed, &processingMs, &createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFound(chunkKey(jobID, chunkIndex))
	}
	if err != nil {
		return nil, errors.NewRegistryQuery("get chunk state", err)
	}

	s.MaskedText = masked.String
	s.Confidence = confidence.Float64
	s.TierUsed = int(tierUsed.Int64)
	s.TokensUsed = int(tokensUsed.Int64)
	s.ProcessingTimeMs = processingMs.Int64
	if extraction.Valid && extraction.String != "" {
		if !json.Valid([]byte(extraction.String)) {
			return nil, errors.NewRegistryDecode("extraction of "+chunkKey(jobID, chunkIndex), errInvalidJSON)
		}
		s.Extraction = json.RawMessage(extraction.String)
	}
	if s.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, errors.NewRegistryDecode("created_at of "+chunkKey(jobID, chunkIndex), err)
	}
	return &s, nil
}
