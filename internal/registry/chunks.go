package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/hpungsan/kizuna/internal/character"
	"github.com/hpungsan/kizuna/internal/db"
	"github.com/hpungsan/kizuna/internal/errors"
)

// SaveChunkState writes the processing snapshot of one chunk, overwriting any
// earlier snapshot for the same (JobID, ChunkIndex). The parent job row is
// created on first use.
func (r *Registry) SaveChunkState(ctx context.Context, s *character.ChunkState) error {
	if s == nil {
		return errors.NewInvalidRequest("chunk state is required")
	}
	s.JobID = strings.TrimSpace(s.JobID)
	if s.JobID == "" {
		return errors.NewInvalidRequest("jobId is required")
	}
	if s.ChunkIndex < 0 {
		return errors.NewInvalidRequest("chunkIndex must be >= 0")
	}
	if len(s.Extraction) > 0 && !json.Valid(s.Extraction) {
		return errors.NewInvalidRequest("extraction must be valid JSON")
	}

	now := r.timestamp()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}

	err := r.withTx(ctx, func(tx *sql.Tx) error {
		if err := db.EnsureJob(ctx, tx, s.JobID, now); err != nil {
			return err
		}
		return db.UpsertChunkState(ctx, tx, s)
	})
	if err != nil {
		return r.fail(ctx, "save chunk state", err)
	}

	r.logger.Debug("chunk state saved", "job_id", s.JobID, "chunk_index", s.ChunkIndex)
	return nil
}

// GetChunkState returns the snapshot for (jobID, chunkIndex), or nil when the
// chunk has not been processed.
func (r *Registry) GetChunkState(ctx context.Context, jobID string, chunkIndex int) (*character.ChunkState, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return nil, errors.NewInvalidRequest("jobId is required")
	}

	s, err := db.GetChunkState(ctx, r.db, jobID, chunkIndex)
	if errors.Is(err, errors.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, r.fail(ctx, "get chunk state", err)
	}
	return s, nil
}
