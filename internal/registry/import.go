package registry

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hpungsan/kizuna/internal/character"
	"github.com/hpungsan/kizuna/internal/db"
	"github.com/hpungsan/kizuna/internal/errors"
)

// ImportMode controls what happens when an imported id already exists.
type ImportMode string

const (
	ImportModeError  ImportMode = "error"  // fail on collision (atomic)
	ImportModeUpsert ImportMode = "upsert" // merge into the existing record
)

// maxImportLine bounds one JSONL record.
const maxImportLine = 4 << 20

// ImportInput contains parameters for the Import operation.
type ImportInput struct {
	Path string     // required; .jsonl export or .yaml/.yml seed file
	Mode ImportMode // default: error
}

// ImportOutput contains the result of the Import operation.
type ImportOutput struct {
	Imported int           `json:"imported"`
	Skipped  int           `json:"skipped"`
	Errors   []ImportError `json:"errors"`
}

// ImportError describes one record that could not be imported.
// Line is the JSONL line number, or the 1-based entry index in a YAML seed.
type ImportError struct {
	Line    int    `json:"line"`
	ID      string `json:"id,omitempty"`
	Name    string `json:"name,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type importRecord struct {
	line  int
	input character.UpsertInput
}

// errImportAborted rolls back an error-mode import after a collision.
var errImportAborted = stderrors.New("import aborted")

// Import loads characters from a JSONL export or a YAML seed file and upserts
// them in one transaction. In error mode any parse error or id collision
// aborts the import without writing; in upsert mode bad records are skipped
// and existing ids are merged.
func (r *Registry) Import(ctx context.Context, in ImportInput) (*ImportOutput, error) {
	if in.Mode == "" {
		in.Mode = ImportModeError
	}
	if in.Mode != ImportModeError && in.Mode != ImportModeUpsert {
		return nil, errors.NewInvalidRequest("mode must be one of: error, upsert")
	}

	exportsDir, err := r.exportsDirectory()
	if err != nil {
		return nil, err
	}
	if err := ValidatePath(in.Path, PathCheckRead, exportsDir, r.cfg); err != nil {
		return nil, err
	}

	file, err := openNoFollow(in.Path)
	if err != nil {
		if _, ok := err.(*errors.KizunaError); ok {
			return nil, err
		}
		return nil, errors.NewInternal(fmt.Errorf("failed to open import file: %w", err))
	}
	defer file.Close()

	var records []importRecord
	var parseErrors []ImportError
	if ext := strings.ToLower(filepath.Ext(in.Path)); ext == ".jsonl" {
		records, parseErrors = parseExportFile(file)
	} else {
		records, parseErrors = parseSeedFile(file)
	}

	out := &ImportOutput{Errors: []ImportError{}}
	if in.Mode == ImportModeError && len(parseErrors) > 0 {
		out.Errors = parseErrors
		return out, nil
	}
	out.Errors = append(out.Errors, parseErrors...)
	out.Skipped = len(parseErrors)

	imported := 0
	err = r.withTx(ctx, func(tx *sql.Tx) error {
		for _, rec := range records {
			select {
			case <-ctx.Done():
				return errors.NewCancelled("import")
			default:
			}

			if in.Mode == ImportModeError && rec.input.ID != "" {
				_, err := db.GetCharacter(ctx, tx, rec.input.ID)
				if err == nil {
					out.Errors = append(out.Errors, ImportError{
						Line:    rec.line,
						ID:      rec.input.ID,
						Name:    rec.input.CanonicalName,
						Code:    "ID_COLLISION",
						Message: fmt.Sprintf("character with id %q already exists", rec.input.ID),
					})
					return errImportAborted
				}
				if !errors.Is(err, errors.ErrNotFound) {
					return err
				}
			}

			if _, err := r.upsertTx(ctx, tx, rec.input); err != nil {
				if errors.CodeOf(err) != errors.ErrInvalidRequest {
					return err
				}
				out.Errors = append(out.Errors, invalidRecord(rec, err))
				if in.Mode == ImportModeError {
					return errImportAborted
				}
				out.Skipped++
				continue
			}
			imported++
		}
		return nil
	})
	if stderrors.Is(err, errImportAborted) {
		out.Imported, out.Skipped = 0, 0
		return out, nil
	}
	if err != nil {
		return nil, r.fail(ctx, "import", err)
	}

	out.Imported = imported
	if imported > 0 {
		r.invalidate()
	}
	r.logger.Info("registry imported", "path", in.Path, "mode", in.Mode,
		"imported", out.Imported, "skipped", out.Skipped)
	return out, nil
}

func invalidRecord(rec importRecord, err error) ImportError {
	msg := err.Error()
	var kErr *errors.KizunaError
	if stderrors.As(err, &kErr) {
		msg = kErr.Message
	}
	return ImportError{
		Line:    rec.line,
		ID:      rec.input.ID,
		Name:    rec.input.CanonicalName,
		Code:    "INVALID_RECORD",
		Message: msg,
	}
}

// parseExportFile reads a JSONL export. The header line is skipped.
func parseExportFile(rd io.Reader) ([]importRecord, []ImportError) {
	var records []importRecord
	var parseErrors []ImportError

	scanner := bufio.NewScanner(rd)
	scanner.Buffer(make([]byte, 0, 64*1024), maxImportLine)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}

		var probe struct {
			KizunaExport bool `json:"_kizuna_export"`
		}
		if err := json.Unmarshal(line, &probe); err != nil {
			parseErrors = append(parseErrors, ImportError{
				Line:    lineNum,
				Code:    "PARSE_ERROR",
				Message: fmt.Sprintf("invalid JSON: %v", err),
			})
			continue
		}
		if probe.KizunaExport {
			continue
		}

		var c character.Character
		if err := json.Unmarshal(line, &c); err != nil {
			parseErrors = append(parseErrors, ImportError{
				Line:    lineNum,
				Code:    "PARSE_ERROR",
				Message: fmt.Sprintf("invalid character record: %v", err),
			})
			continue
		}
		if c.ID == "" {
			parseErrors = append(parseErrors, ImportError{
				Line:    lineNum,
				Name:    c.CanonicalName,
				Code:    "INVALID_RECORD",
				Message: "missing id field",
			})
			continue
		}

		rec := importRecord{line: lineNum, input: c.ToUpsertInput()}
		if err := rec.input.Validate(); err != nil {
			parseErrors = append(parseErrors, invalidRecord(rec, err))
			continue
		}
		records = append(records, rec)
	}

	if err := scanner.Err(); err != nil {
		parseErrors = append(parseErrors, ImportError{
			Line:    lineNum,
			Code:    "READ_ERROR",
			Message: fmt.Sprintf("failed to read file: %v", err),
		})
	}
	return records, parseErrors
}

// parseSeedFile reads a YAML seed file (a top-level "characters" list).
func parseSeedFile(rd io.Reader) ([]importRecord, []ImportError) {
	var seed character.SeedFile
	dec := yaml.NewDecoder(rd)
	dec.KnownFields(true)
	if err := dec.Decode(&seed); err != nil && !stderrors.Is(err, io.EOF) {
		return nil, []ImportError{{
			Code:    "PARSE_ERROR",
			Message: fmt.Sprintf("invalid YAML: %v", err),
		}}
	}

	var records []importRecord
	var parseErrors []ImportError
	for i, in := range seed.Characters {
		in.ID = strings.TrimSpace(in.ID)
		rec := importRecord{line: i + 1, input: in}
		if err := in.Validate(); err != nil {
			parseErrors = append(parseErrors, invalidRecord(rec, err))
			continue
		}
		if in.ID == "" && strings.TrimSpace(in.CanonicalName) == "" {
			parseErrors = append(parseErrors, invalidRecord(rec,
				errors.NewInvalidRequest("canonicalName is required for a new character")))
			continue
		}
		records = append(records, rec)
	}
	return records, parseErrors
}
