package mcp

import "github.com/mark3labs/mcp-go/mcp"

var aliasItems = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"alias":        map[string]any{"type": "string"},
		"contextWords": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
	},
	"required": []string{"alias"},
}

var relationshipItems = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"targetId":     map[string]any{"type": "string"},
		"relationship": map[string]any{"type": "string"},
	},
	"required": []string{"targetId"},
}

var stringItems = map[string]any{"type": "string"}

var upsertToolDef = mcp.NewTool("character_upsert",
	mcp.WithDescription("Insert a character or merge confirmed facts into an existing one. "+
		"Omit id to insert with a generated id. Aliases are unioned; omitted fields keep their stored value."),
	mcp.WithString("id", mcp.Description("Character id to update; a new record is created when absent")),
	mcp.WithString("canonicalName", mcp.Description("Required on insert; replaces the stored name on update")),
	mcp.WithArray("aliases", mcp.Description("Aliases with optional context words"), mcp.Items(aliasItems)),
	mcp.WithString("summary", mcp.Description("Short character summary")),
	mcp.WithString("voiceStyle", mcp.Description("How the character speaks")),
	mcp.WithArray("relationships", mcp.Description("Replaces the stored relationships"), mcp.Items(relationshipItems)),
	mcp.WithNumber("firstChunk", mcp.Description("First chunk the character appears in; the earlier value wins")),
	mcp.WithNumber("lastSeenChunk", mcp.Required(), mcp.Description("Chunk the facts were confirmed in")),
	mcp.WithNumber("confidenceScore", mcp.Description("Stored confidence in [0, 1]")),
	mcp.WithString("status", mcp.Description("Character status"), mcp.Enum("active", "inactive", "merged")),
	mcp.WithObject("metadata", mcp.Description("Free-form metadata, replaces the stored object")),
)

var fetchToolDef = mcp.NewTool("character_fetch",
	mcp.WithDescription("Fetch one character by id."),
	mcp.WithString("id", mcp.Required(), mcp.Description("Character id")),
)

var listToolDef = mcp.NewTool("character_list",
	mcp.WithDescription("List characters, most recently seen first."),
	mcp.WithString("status", mcp.Description("Filter by status"), mcp.Enum("active", "inactive", "merged")),
	mcp.WithNumber("limit", mcp.Description("Page size (default 20, max 100)")),
	mcp.WithNumber("offset", mcp.Description("Page offset")),
)

var searchToolDef = mcp.NewTool("character_search",
	mcp.WithDescription("Rank characters by how well one of their aliases matches the query. Merged characters are excluded."),
	mcp.WithString("alias", mcp.Required(), mcp.Description("Alias or name fragment to search for")),
	mcp.WithNumber("limit", mcp.Description("Max results (default 5, max 50)")),
)

var mergeToolDef = mcp.NewTool("character_merge",
	mcp.WithDescription("Fold one character into another. The source's names become aliases of the target and the source is marked merged."),
	mcp.WithString("fromId", mcp.Required(), mcp.Description("Character to retire")),
	mcp.WithString("intoId", mcp.Required(), mcp.Description("Character that survives")),
)

var processToolDef = mcp.NewTool("chunk_process",
	mcp.WithDescription("Normalize, extract and resolve one chunk, mask resolved mentions as [[characterId]] and save the chunk state."),
	mcp.WithString("jobId", mcp.Required(), mcp.Description("Job the chunk belongs to")),
	mcp.WithNumber("chunkIndex", mcp.Required(), mcp.Description("Zero-based chunk index")),
	mcp.WithString("text", mcp.Required(), mcp.Description("Raw chunk text")),
	mcp.WithBoolean("markdown", mcp.Description("Treat text as Markdown and reduce it to plain text first")),
	mcp.WithArray("recentCharacterIds", mcp.Description("Characters active in recent chunks"), mcp.Items(stringItems)),
	mcp.WithArray("manualHints", mcp.Description("Character ids or canonical names to favor"), mcp.Items(stringItems)),
)

var chunkFetchToolDef = mcp.NewTool("chunk_fetch",
	mcp.WithDescription("Fetch the saved state of one processed chunk."),
	mcp.WithString("jobId", mcp.Required(), mcp.Description("Job id")),
	mcp.WithNumber("chunkIndex", mcp.Required(), mcp.Description("Chunk index")),
)

var extractToolDef = mcp.NewTool("text_extract",
	mcp.WithDescription("Normalize text and extract character names, honorifics, titles, pronouns and locations. Nothing is stored."),
	mcp.WithString("text", mcp.Required(), mcp.Description("Raw text")),
	mcp.WithBoolean("markdown", mcp.Description("Treat text as Markdown")),
)

var resolveToolDef = mcp.NewTool("alias_resolve",
	mcp.WithDescription("Resolve the names found in text, or the given names, to character ids without saving anything."),
	mcp.WithString("text", mcp.Description("Text to extract names from")),
	mcp.WithArray("names", mcp.Description("Names to resolve directly instead of extracting from text"), mcp.Items(stringItems)),
	mcp.WithBoolean("markdown", mcp.Description("Treat text as Markdown")),
	mcp.WithString("jobId", mcp.Description("Job id, for logging")),
	mcp.WithNumber("chunkIndex", mcp.Description("Chunk index used for recency")),
	mcp.WithArray("recentCharacterIds", mcp.Description("Characters active in recent chunks"), mcp.Items(stringItems)),
	mcp.WithArray("manualHints", mcp.Description("Character ids or canonical names to favor"), mcp.Items(stringItems)),
)

var exportToolDef = mcp.NewTool("registry_export",
	mcp.WithDescription("Export every character to a JSONL file."),
	mcp.WithString("path", mcp.Description("Output .jsonl path (default: ~/.kizuna/exports/registry-<timestamp>.jsonl)")),
)

var importToolDef = mcp.NewTool("registry_import",
	mcp.WithDescription("Import characters from a JSONL export or a YAML seed file."),
	mcp.WithString("path", mcp.Required(), mcp.Description("Input .jsonl, .yaml or .yml path")),
	mcp.WithString("mode", mcp.Description("error (default) aborts on existing ids; upsert merges them"), mcp.Enum("error", "upsert")),
)
