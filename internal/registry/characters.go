package registry

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/hpungsan/kizuna/internal/character"
	"github.com/hpungsan/kizuna/internal/db"
	"github.com/hpungsan/kizuna/internal/errors"
)

// List limits
const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// UpsertCharacter inserts or merges a confirmed character and reindexes its
// aliases, all in one transaction. When in.ID is empty a new ULID is assigned.
func (r *Registry) UpsertCharacter(ctx context.Context, in character.UpsertInput) (*character.Character, error) {
	in.ID = strings.TrimSpace(in.ID)
	if err := in.Validate(); err != nil {
		return nil, err
	}

	var result *character.Character
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		c, err := r.upsertTx(ctx, tx, in)
		if err != nil {
			return err
		}
		result = c
		return nil
	})
	if err != nil {
		return nil, r.fail(ctx, "upsert", err)
	}

	r.invalidate()
	r.logger.Debug("character upserted", "id", result.ID, "name", result.CanonicalName,
		"aliases", len(result.Aliases), "last_seen_chunk", result.LastSeenChunk)
	return result, nil
}

// upsertTx applies in inside tx. Shared by UpsertCharacter and Import.
func (r *Registry) upsertTx(ctx context.Context, tx *sql.Tx, in character.UpsertInput) (*character.Character, error) {
	now := r.timestamp()

	var c *character.Character
	if in.ID != "" {
		existing, err := db.GetCharacter(ctx, tx, in.ID)
		switch {
		case err == nil:
			existing.Apply(in, now)
			if err := db.UpdateCharacter(ctx, tx, existing); err != nil {
				return nil, err
			}
			c = existing
		case errors.Is(err, errors.ErrNotFound):
			if c, err = character.New(in.ID, in, now); err != nil {
				return nil, err
			}
			if err := db.InsertCharacter(ctx, tx, c); err != nil {
				return nil, err
			}
		default:
			return nil, err
		}
	} else {
		id, err := newID()
		if err != nil {
			return nil, err
		}
		if c, err = character.New(id, in, now); err != nil {
			return nil, err
		}
		if err := db.InsertCharacter(ctx, tx, c); err != nil {
			return nil, err
		}
	}

	if err := db.ReindexCharacter(ctx, tx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// GetCharacter returns the character with id, or a NOT_FOUND error.
func (r *Registry) GetCharacter(ctx context.Context, id string) (*character.Character, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.NewInvalidRequest("id is required")
	}
	c, err := db.GetCharacter(ctx, r.db, id)
	if err != nil {
		return nil, r.fail(ctx, "get", err)
	}
	return c, nil
}

// ListInput contains parameters for ListCharacters.
type ListInput struct {
	Status character.Status // optional filter
	Limit  int              // default: 20, max: 100
	Offset int
}

// Pagination describes one page of a listing.
type Pagination struct {
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
	Total   int  `json:"total"`
}

// ListOutput is one page of characters, most recently seen first.
type ListOutput struct {
	Items      []character.Character `json:"items"`
	Pagination Pagination            `json:"pagination"`
}

// ListCharacters pages through the registry ordered by lastSeenChunk descending.
func (r *Registry) ListCharacters(ctx context.Context, in ListInput) (*ListOutput, error) {
	if in.Status != "" && !in.Status.Valid() {
		return nil, errors.NewInvalidRequest(fmt.Sprintf("invalid status %q", in.Status))
	}
	limit := in.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	offset := max(in.Offset, 0)

	items, total, err := db.ListCharacters(ctx, r.db, db.ListFilters{Status: in.Status}, limit, offset)
	if err != nil {
		return nil, r.fail(ctx, "list", err)
	}
	return &ListOutput{
		Items: items,
		Pagination: Pagination{
			Limit:   limit,
			Offset:  offset,
			HasMore: offset+len(items) < total,
			Total:   total,
		},
	}, nil
}

// MergeCharacters folds fromID into intoID: from's canonical name and aliases
// become aliases of into, and from is marked merged so alias search skips it.
// Returns the surviving character.
func (r *Registry) MergeCharacters(ctx context.Context, fromID, intoID string) (*character.Character, error) {
	fromID, intoID = strings.TrimSpace(fromID), strings.TrimSpace(intoID)
	if fromID == "" || intoID == "" {
		return nil, errors.NewInvalidRequest("from and into ids are required")
	}
	if fromID == intoID {
		return nil, errors.NewInvalidRequest("cannot merge a character into itself")
	}

	var result *character.Character
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		from, err := db.GetCharacter(ctx, tx, fromID)
		if err != nil {
			return err
		}
		into, err := db.GetCharacter(ctx, tx, intoID)
		if err != nil {
			return err
		}
		if into.Status == character.StatusMerged {
			return errors.NewConflict(fmt.Sprintf("character %q is already merged", intoID))
		}

		character.MergeInto(from, into, r.timestamp())
		for _, c := range []*character.Character{from, into} {
			if err := db.UpdateCharacter(ctx, tx, c); err != nil {
				return err
			}
			if err := db.ReindexCharacter(ctx, tx, c); err != nil {
				return err
			}
		}
		result = into
		return nil
	})
	if err != nil {
		return nil, r.fail(ctx, "merge", err)
	}

	r.invalidate()
	r.logger.Info("characters merged", "from", fromID, "into", intoID)
	return result, nil
}
