package mcp

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/hpungsan/kizuna/internal/character"
	"github.com/hpungsan/kizuna/internal/chunk"
	"github.com/hpungsan/kizuna/internal/config"
	"github.com/hpungsan/kizuna/internal/errors"
	"github.com/hpungsan/kizuna/internal/extract"
	"github.com/hpungsan/kizuna/internal/pipeline"
	"github.com/hpungsan/kizuna/internal/registry"
	"github.com/hpungsan/kizuna/internal/resolve"
)

// Deps are the engine components the tools call into.
type Deps struct {
	Registry   *registry.Registry
	Resolver   *resolve.Resolver
	Processor  *pipeline.Processor
	Normalizer *chunk.Normalizer
	Extractor  *extract.Extractor
}

// Handlers holds dependencies for MCP tool handlers.
type Handlers struct {
	deps Deps
	cfg  *config.Config
}

// NewHandlers creates a new Handlers instance. A nil Normalizer or
// Extractor falls back to the defaults.
func NewHandlers(deps Deps, cfg *config.Config) *Handlers {
	if deps.Normalizer == nil {
		deps.Normalizer = chunk.NewNormalizer()
	}
	if deps.Extractor == nil {
		deps.Extractor = extract.New()
	}
	return &Handlers{deps: deps, cfg: cfg}
}

// Request types for each tool

// FetchRequest represents the arguments for character_fetch.
type FetchRequest struct {
	ID string `json:"id"`
}

// ListRequest represents the arguments for character_list.
type ListRequest struct {
	Status string `json:"status,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
}

// SearchRequest represents the arguments for character_search.
type SearchRequest struct {
	Alias string `json:"alias"`
	Limit int    `json:"limit,omitempty"`
}

// MergeRequest represents the arguments for character_merge.
type MergeRequest struct {
	FromID string `json:"fromId"`
	IntoID string `json:"intoId"`
}

// ChunkFetchRequest represents the arguments for chunk_fetch.
type ChunkFetchRequest struct {
	JobID      string `json:"jobId"`
	ChunkIndex int    `json:"chunkIndex"`
}

// ExtractRequest represents the arguments for text_extract.
type ExtractRequest struct {
	Text     string `json:"text"`
	Markdown bool   `json:"markdown,omitempty"`
}

// ExtractResponse is the result of text_extract.
type ExtractResponse struct {
	Normalized chunk.NormalizedText `json:"normalized"`
	Entities   extract.Entities     `json:"entities"`
}

// ResolveRequest represents the arguments for alias_resolve.
type ResolveRequest struct {
	Text               string   `json:"text,omitempty"`
	Names              []string `json:"names,omitempty"`
	Markdown           bool     `json:"markdown,omitempty"`
	JobID              string   `json:"jobId,omitempty"`
	ChunkIndex         int      `json:"chunkIndex,omitempty"`
	RecentCharacterIDs []string `json:"recentCharacterIds,omitempty"`
	ManualHints        []string `json:"manualHints,omitempty"`
}

// ExportRequest represents the arguments for registry_export.
type ExportRequest struct {
	Path string `json:"path,omitempty"`
}

// ImportRequest represents the arguments for registry_import.
type ImportRequest struct {
	Path string `json:"path"`
	Mode string `json:"mode,omitempty"`
}

// Handler implementations

// HandleUpsert handles the character_upsert tool call.
func (h *Handlers) HandleUpsert(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[character.UpsertInput](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := h.deps.Registry.UpsertCharacter(ctx, input)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleFetch handles the character_fetch tool call.
func (h *Handlers) HandleFetch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[FetchRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := h.deps.Registry.GetCharacter(ctx, input.ID)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleList handles the character_list tool call.
func (h *Handlers) HandleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ListRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := h.deps.Registry.ListCharacters(ctx, registry.ListInput{
		Status: character.Status(input.Status),
		Limit:  input.Limit,
		Offset: input.Offset,
	})
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleSearch handles the character_search tool call.
func (h *Handlers) HandleSearch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[SearchRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	results, err := h.deps.Registry.SearchByAlias(ctx, input.Alias, input.Limit)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(map[string]any{"results": results})
}

// HandleMerge handles the character_merge tool call.
func (h *Handlers) HandleMerge(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[MergeRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := h.deps.Registry.MergeCharacters(ctx, input.FromID, input.IntoID)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleProcess handles the chunk_process tool call.
func (h *Handlers) HandleProcess(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[pipeline.ProcessInput](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := h.deps.Processor.Process(ctx, input)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleChunkFetch handles the chunk_fetch tool call.
func (h *Handlers) HandleChunkFetch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ChunkFetchRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	state, err := h.deps.Registry.GetChunkState(ctx, input.JobID, input.ChunkIndex)
	if err != nil {
		return errorResult(err), nil
	}
	if state == nil {
		return errorResult(errors.NewNotFound(fmt.Sprintf("%s#%d", input.JobID, input.ChunkIndex))), nil
	}
	return successResult(state)
}

// HandleExtract handles the text_extract tool call.
func (h *Handlers) HandleExtract(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ExtractRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	normalized, entities := h.extract(input.Text, input.Markdown)
	return successResult(ExtractResponse{Normalized: normalized, Entities: entities})
}

// HandleResolve handles the alias_resolve tool call.
func (h *Handlers) HandleResolve(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ResolveRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	var entities extract.Entities
	switch {
	case len(input.Names) > 0:
		entities = namesToEntities(input.Names)
	case strings.TrimSpace(input.Text) != "":
		_, entities = h.extract(input.Text, input.Markdown)
	default:
		return errorResult(errors.NewInvalidRequest("text or names is required")), nil
	}

	result, err := h.deps.Resolver.Resolve(ctx, entities, resolve.ChunkContext{
		JobID:              input.JobID,
		ChunkIndex:         input.ChunkIndex,
		RecentCharacterIDs: input.RecentCharacterIDs,
		ManualHints:        input.ManualHints,
	})
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleExport handles the registry_export tool call.
func (h *Handlers) HandleExport(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ExportRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := h.deps.Registry.Export(ctx, registry.ExportInput{Path: input.Path})
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleImport handles the registry_import tool call.
func (h *Handlers) HandleImport(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ImportRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := h.deps.Registry.Import(ctx, registry.ImportInput{
		Path: input.Path,
		Mode: registry.ImportMode(input.Mode),
	})
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

func (h *Handlers) extract(text string, markdown bool) (chunk.NormalizedText, extract.Entities) {
	if markdown {
		text = chunk.PlainTextFromMarkdown([]byte(text))
	}
	normalized := h.deps.Normalizer.Normalize(text)
	return normalized, h.deps.Extractor.Extract(normalized)
}

// namesToEntities wraps caller-supplied names so they resolve like extracted ones.
func namesToEntities(names []string) extract.Entities {
	var e extract.Entities
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			e.Characters = append(e.Characters, extract.CharacterMention{Name: n})
		}
	}
	return e
}

// errorResult creates an MCP error result from an error.
// Wrapping context around a KizunaError is kept as a message prefix.
func errorResult(err error) *mcp.CallToolResult {
	var payload map[string]any

	var kErr *errors.KizunaError
	if stderrors.As(err, &kErr) {
		msg := kErr.Message
		if outer := err.Error(); outer != kErr.Error() {
			msg = strings.TrimSuffix(outer, kErr.Error()) + msg
		}
		errorObj := map[string]any{
			"code":    kErr.Code,
			"message": msg,
			"status":  kErr.Status,
		}
		// Internal details carry file paths and SQL text
		if kErr.Code != errors.ErrInternal && kErr.Details != nil {
			errorObj["details"] = kErr.Details
		}
		payload = map[string]any{"error": errorObj}
	} else {
		payload = map[string]any{
			"error": map[string]any{
				"code":    errors.ErrInternal,
				"message": "an internal error occurred",
				"status":  500,
			},
		}
	}

	content, _ := json.Marshal(payload)
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(content)}},
		IsError: true,
	}
}

// successResult creates an MCP success result from any data.
func successResult(data any) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultJSON(data)
}
