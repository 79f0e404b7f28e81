package main

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/hpungsan/kizuna/internal/character"
	"github.com/hpungsan/kizuna/internal/chunk"
	"github.com/hpungsan/kizuna/internal/errors"
	"github.com/hpungsan/kizuna/internal/extract"
	"github.com/hpungsan/kizuna/internal/pipeline"
	"github.com/hpungsan/kizuna/internal/registry"
	"github.com/hpungsan/kizuna/internal/resolve"
)

// maxStdinBytes bounds text and JSON read from stdin.
const maxStdinBytes = 8 << 20

// newCLIApp creates the CLI application with all commands.
// eng may be nil when only help or version output is needed.
func newCLIApp(eng *engine, level *slog.LevelVar) *cli.App {
	app := &cli.App{
		Name:    "kizuna",
		Usage:   "Character identity resolution for long-form fiction",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "log-level", EnvVars: []string{"KIZUNA_LOG_LEVEL"}, Value: "warn", Usage: "debug|info|warn|error (logs go to stderr)"},
		},
		Before: func(c *cli.Context) error {
			if level == nil {
				return nil
			}
			l, err := parseLevel(c.String("log-level"))
			if err != nil {
				return outputError(errors.NewInvalidRequest(err.Error()))
			}
			level.Set(l)
			return nil
		},
		Commands: []*cli.Command{
			normalizeCmd(eng),
			extractCmd(eng),
			resolveCmd(eng),
			processCmd(eng),
			upsertCmd(eng),
			fetchCmd(eng),
			searchCmd(eng),
			listCmd(eng),
			mergeCmd(eng),
			chunkGetCmd(eng),
			exportCmd(eng),
			importCmd(eng),
		},
	}
	// Disable default exit error handler to allow proper error return in tests
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

var textFlags = []cli.Flag{
	&cli.StringFlag{Name: "text", Usage: "Chunk text (default: read from stdin)"},
	&cli.BoolFlag{Name: "markdown", Aliases: []string{"md"}, Usage: "Treat the text as Markdown"},
}

var contextFlags = []cli.Flag{
	&cli.IntFlag{Name: "chunk", Aliases: []string{"c"}, Usage: "Chunk index"},
	&cli.StringSliceFlag{Name: "recent", Aliases: []string{"r"}, Usage: "Recently active character id (repeatable)"},
	&cli.StringSliceFlag{Name: "hint", Usage: "Character id or canonical name to favor (repeatable)"},
}

// normalizeCmd creates the normalize command.
func normalizeCmd(eng *engine) *cli.Command {
	return &cli.Command{
		Name:  "normalize",
		Usage: "Normalize chunk text and list its protected segments",
		Flags: textFlags,
		Action: func(c *cli.Context) error {
			text, err := inputText(c, true)
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c.App.Writer, eng.normalizer.Normalize(text))
		},
	}
}

// extractCmd creates the extract command.
func extractCmd(eng *engine) *cli.Command {
	return &cli.Command{
		Name:  "extract",
		Usage: "Extract character names, honorifics, titles, pronouns and locations",
		Flags: textFlags,
		Action: func(c *cli.Context) error {
			text, err := inputText(c, true)
			if err != nil {
				return outputError(err)
			}
			normalized := eng.normalizer.Normalize(text)
			return outputJSON(c.App.Writer, map[string]any{
				"normalized": normalized,
				"entities":   eng.extractor.Extract(normalized),
			})
		},
	}
}

// resolveCmd creates the resolve command.
func resolveCmd(eng *engine) *cli.Command {
	flags := slices.Concat([]cli.Flag{
		&cli.StringSliceFlag{Name: "name", Aliases: []string{"n"}, Usage: "Name to resolve instead of extracting from text (repeatable)"},
		&cli.StringFlag{Name: "job", Aliases: []string{"j"}, Usage: "Job id (for logging)"},
	}, textFlags, contextFlags)

	return &cli.Command{
		Name:  "resolve",
		Usage: "Resolve the names in a chunk to character ids without saving anything",
		Flags: flags,
		Action: func(c *cli.Context) error {
			var entities extract.Entities
			if names := c.StringSlice("name"); len(names) > 0 {
				for _, n := range names {
					entities.Characters = append(entities.Characters, extract.CharacterMention{Name: n})
				}
			} else {
				text, err := inputText(c, true)
				if err != nil {
					return outputError(err)
				}
				entities = eng.extractor.Extract(eng.normalizer.Normalize(text))
			}

			output, err := eng.resolver.Resolve(c.Context, entities, resolve.ChunkContext{
				JobID:              c.String("job"),
				ChunkIndex:         c.Int("chunk"),
				RecentCharacterIDs: c.StringSlice("recent"),
				ManualHints:        c.StringSlice("hint"),
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c.App.Writer, output)
		},
	}
}

// processCmd creates the process command.
func processCmd(eng *engine) *cli.Command {
	flags := slices.Concat([]cli.Flag{
		&cli.StringFlag{Name: "job", Aliases: []string{"j"}, Required: true, Usage: "Job id"},
		&cli.BoolFlag{Name: "touch", Usage: "Advance lastSeenChunk of every unambiguously resolved character"},
	}, textFlags, contextFlags)

	return &cli.Command{
		Name:  "process",
		Usage: "Resolve a chunk, mask resolved names as [[characterId]] and save the chunk state",
		Flags: flags,
		Action: func(c *cli.Context) error {
			text, err := inputText(c, false)
			if err != nil {
				return outputError(err)
			}

			processor := eng.processor
			if c.Bool("touch") {
				processor = eng.newProcessor(true)
			}

			output, err := processor.Process(c.Context, pipeline.ProcessInput{
				JobID:              c.String("job"),
				ChunkIndex:         c.Int("chunk"),
				Text:               text,
				Markdown:           c.Bool("markdown"),
				RecentCharacterIDs: c.StringSlice("recent"),
				ManualHints:        c.StringSlice("hint"),
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c.App.Writer, output)
		},
	}
}

// upsertCmd creates the upsert command.
func upsertCmd(eng *engine) *cli.Command {
	return &cli.Command{
		Name:  "upsert",
		Usage: "Insert or update a character (reads a JSON object from stdin)",
		Action: func(c *cli.Context) error {
			if !stdinHasData() {
				return outputError(errors.NewInvalidRequest("character JSON must be piped via stdin"))
			}
			data, err := readStdin(maxStdinBytes)
			if err != nil {
				return outputError(errors.NewInvalidRequest(err.Error()))
			}

			var input character.UpsertInput
			dec := json.NewDecoder(bytes.NewReader([]byte(data)))
			dec.DisallowUnknownFields()
			if err := dec.Decode(&input); err != nil {
				return outputError(errors.NewInvalidRequest(fmt.Sprintf("invalid character JSON: %v", err)))
			}

			output, err := eng.registry.UpsertCharacter(c.Context, input)
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c.App.Writer, output)
		},
	}
}

// fetchCmd creates the fetch command.
func fetchCmd(eng *engine) *cli.Command {
	return &cli.Command{
		Name:      "fetch",
		Usage:     "Fetch a character by id",
		ArgsUsage: "<id>",
		Action: func(c *cli.Context) error {
			output, err := eng.registry.GetCharacter(c.Context, c.Args().First())
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c.App.Writer, output)
		},
	}
}

// searchCmd creates the search command.
func searchCmd(eng *engine) *cli.Command {
	return &cli.Command{
		Name:      "search",
		Usage:     "Rank characters by alias similarity",
		ArgsUsage: "<alias>",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Aliases: []string{"l"}, Value: registry.DefaultSearchLimit, Usage: "Maximum results (max 50)"},
		},
		Action: func(c *cli.Context) error {
			output, err := eng.registry.SearchByAlias(c.Context, strings.Join(c.Args().Slice(), " "), c.Int("limit"))
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c.App.Writer, output)
		},
	}
}

// listCmd creates the list command.
func listCmd(eng *engine) *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List characters, most recently seen first",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "status", Aliases: []string{"s"}, Usage: "Filter by status: active|inactive|merged"},
			&cli.IntFlag{Name: "limit", Aliases: []string{"l"}, Value: registry.DefaultListLimit, Usage: "Maximum items to return"},
			&cli.IntFlag{Name: "offset", Aliases: []string{"o"}, Value: 0, Usage: "Items to skip"},
		},
		Action: func(c *cli.Context) error {
			output, err := eng.registry.ListCharacters(c.Context, registry.ListInput{
				Status: character.Status(c.String("status")),
				Limit:  c.Int("limit"),
				Offset: c.Int("offset"),
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c.App.Writer, output)
		},
	}
}

// mergeCmd creates the merge command.
func mergeCmd(eng *engine) *cli.Command {
	return &cli.Command{
		Name:  "merge",
		Usage: "Fold one character into another",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "from", Required: true, Usage: "Character id to retire"},
			&cli.StringFlag{Name: "into", Required: true, Usage: "Character id that survives"},
		},
		Action: func(c *cli.Context) error {
			output, err := eng.registry.MergeCharacters(c.Context, c.String("from"), c.String("into"))
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c.App.Writer, output)
		},
	}
}

// chunkGetCmd creates the chunk-get command.
func chunkGetCmd(eng *engine) *cli.Command {
	return &cli.Command{
		Name:  "chunk-get",
		Usage: "Show the saved state of a processed chunk",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "job", Aliases: []string{"j"}, Required: true, Usage: "Job id"},
			&cli.IntFlag{Name: "chunk", Aliases: []string{"c"}, Usage: "Chunk index"},
		},
		Action: func(c *cli.Context) error {
			jobID, index := c.String("job"), c.Int("chunk")
			output, err := eng.registry.GetChunkState(c.Context, jobID, index)
			if err != nil {
				return outputError(err)
			}
			if output == nil {
				return outputError(errors.NewNotFound(fmt.Sprintf("%s#%d", jobID, index)))
			}
			return outputJSON(c.App.Writer, output)
		},
	}
}

// exportCmd creates the export command.
func exportCmd(eng *engine) *cli.Command {
	return &cli.Command{
		Name:  "export",
		Usage: "Export every character to a JSONL file",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "path", Aliases: []string{"p"}, Usage: "Export file path (default: ~/.kizuna/exports/registry-<timestamp>.jsonl)"},
		},
		Action: func(c *cli.Context) error {
			output, err := eng.registry.Export(c.Context, registry.ExportInput{Path: c.String("path")})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c.App.Writer, output)
		},
	}
}

// importCmd creates the import command.
func importCmd(eng *engine) *cli.Command {
	return &cli.Command{
		Name:  "import",
		Usage: "Import characters from a JSONL export or a YAML seed file",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "path", Aliases: []string{"p"}, Required: true, Usage: "Import file path (.jsonl, .yaml, .yml)"},
			&cli.StringFlag{Name: "mode", Aliases: []string{"m"}, Value: "error", Usage: "Collision mode: error|upsert"},
		},
		Action: func(c *cli.Context) error {
			output, err := eng.registry.Import(c.Context, registry.ImportInput{
				Path: c.String("path"),
				Mode: registry.ImportMode(c.String("mode")),
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c.App.Writer, output)
		},
	}
}

// Helper functions

// outputJSON writes v to w as indented JSON.
func outputJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

// outputError formats error for CLI.
func outputError(err error) error {
	var kErr *errors.KizunaError
	if stderrors.As(err, &kErr) {
		return cli.Exit(fmt.Sprintf("[%s] %s", kErr.Code, kErr.Message), 1)
	}
	return cli.Exit(err.Error(), 1)
}

// inputText returns --text when given, else the piped stdin. With plain set,
// --markdown input is reduced to its text content.
func inputText(c *cli.Context, plain bool) (string, error) {
	var text string
	if c.IsSet("text") {
		text = c.String("text")
	} else {
		if !stdinHasData() {
			return "", errors.NewInvalidRequest("text must be piped via stdin or passed with --text")
		}
		data, err := readStdin(maxStdinBytes)
		if err != nil {
			return "", errors.NewInvalidRequest(err.Error())
		}
		text = data
	}
	if plain && c.Bool("markdown") {
		text = chunk.PlainTextFromMarkdown([]byte(text))
	}
	return text, nil
}

// stdinHasData returns true if stdin has piped data (not a terminal).
func stdinHasData() bool {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) == 0
}

// readStdin reads at most limit bytes from stdin.
func readStdin(limit int64) (string, error) {
	data, err := io.ReadAll(io.LimitReader(os.Stdin, limit+1))
	if err != nil {
		return "", err
	}
	if int64(len(data)) > limit {
		return "", fmt.Errorf("stdin exceeds %d bytes", limit)
	}
	return strings.TrimSpace(string(data)), nil
}
