package registry

import (
	"bufio"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/hpungsan/kizuna/internal/character"
	"github.com/hpungsan/kizuna/internal/db"
	"github.com/hpungsan/kizuna/internal/errors"
)

// ExportInput contains parameters for the Export operation.
type ExportInput struct {
	Path string // optional, default: <exports dir>/registry-<timestamp>.jsonl
}

// ExportOutput contains the result of the Export operation.
type ExportOutput struct {
	Path       string `json:"path"`
	Count      int    `json:"count"`
	ExportedAt string `json:"exported_at"`
}

// exportsDirectory returns the configured exports directory or ~/.kizuna/exports.
func (r *Registry) exportsDirectory() (string, error) {
	if r.exportsDir != "" {
		return r.exportsDir, nil
	}
	return DefaultExportsDir()
}

// Export writes every character to a JSONL file: one header line, then one
// character per line ordered by id. The file is written to a temp name and
// renamed into place, so an existing export survives a failed run.
func (r *Registry) Export(ctx context.Context, in ExportInput) (*ExportOutput, error) {
	now := r.timestamp()

	exportsDir, err := r.exportsDirectory()
	if err != nil {
		return nil, err
	}
	exportPath := in.Path
	if exportPath == "" {
		exportPath = filepath.Join(exportsDir, "registry-"+now.Format("2006-01-02T150405")+".jsonl")
	}
	if err := ValidatePath(exportPath, PathCheckWrite, exportsDir, r.cfg); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(exportPath), 0700); err != nil {
		return nil, errors.NewInternal(fmt.Errorf("failed to create export directory: %w", err))
	}

	randBytes := make([]byte, 8)
	if _, err := rand.Read(randBytes); err != nil {
		return nil, errors.NewInternal(fmt.Errorf("failed to generate temp file name: %w", err))
	}
	tempPath := exportPath + "." + hex.EncodeToString(randBytes) + ".tmp"
	file, err := createNoFollow(tempPath)
	if err != nil {
		if errors.CodeOf(err) == errors.ErrInvalidRequest {
			return nil, err
		}
		return nil, errors.NewInternal(fmt.Errorf("failed to create export file: %w", err))
	}

	success := false
	defer func() {
		if file != nil {
			file.Close()
		}
		if !success {
			os.Remove(tempPath)
		}
	}()

	w := bufio.NewWriter(file)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	count := 0
	header := character.NewExportHeader(0, now)

	// A single transaction keeps the header count and the rows consistent.
	err = r.withTx(ctx, func(tx *sql.Tx) error {
		total, err := db.CountCharacters(ctx, tx)
		if err != nil {
			return err
		}
		header.Count = total
		if err := enc.Encode(header); err != nil {
			return errors.NewInternal(err)
		}
		return db.StreamCharacters(ctx, tx, func(c *character.Character) error {
			select {
			case <-ctx.Done():
				return errors.NewCancelled("export")
			default:
			}
			if err := enc.Encode(c); err != nil {
				return errors.NewInternal(err)
			}
			count++
			return nil
		})
	})
	if err != nil {
		return nil, r.fail(ctx, "export", err)
	}

	if err := w.Flush(); err != nil {
		return nil, errors.NewInternal(err)
	}
	if err := file.Sync(); err != nil {
		return nil, errors.NewInternal(err)
	}
	if err := file.Close(); err != nil {
		return nil, errors.NewInternal(fmt.Errorf("failed to close export file: %w", err))
	}
	file = nil

	// os.Rename would follow a symlinked destination.
	if info, err := os.Lstat(exportPath); err == nil && info.Mode()&os.ModeSymlink != 0 {
		return nil, errors.NewInvalidRequest("export path is a symlink")
	}

	// Windows refuses to rename over an existing file; keep the original rather
	// than delete it first.
	if err := os.Rename(tempPath, exportPath); err != nil {
		if runtime.GOOS == "windows" {
			if _, statErr := os.Stat(exportPath); statErr == nil {
				return nil, errors.NewInvalidRequest("export destination already exists; choose a new path or delete the existing file")
			}
		}
		return nil, errors.NewInternal(fmt.Errorf("failed to finalize export: %w", err))
	}

	success = true
	r.logger.Info("registry exported", "path", exportPath, "count", count)
	return &ExportOutput{
		Path:       exportPath,
		Count:      count,
		ExportedAt: header.ExportedAt,
	}, nil
}
