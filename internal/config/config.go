package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config holds application configuration.
type Config struct {
	// DBMaxOpenConns limits the maximum number of open database connections.
	// If set to 1, all database access is serialized (reduces "database is locked" errors).
	// 0 means use sql.DB default (unlimited). Only set if you experience contention.
	DBMaxOpenConns int `json:"db_max_open_conns,omitempty"`

	// DBMaxIdleConns limits the maximum number of idle database connections.
	// 0 means use sql.DB default. Typically set equal to DBMaxOpenConns.
	DBMaxIdleConns int `json:"db_max_idle_conns,omitempty"`

	// AllowedPaths is an allowlist of directories for import/export operations.
	// Paths outside ~/.kizuna/exports require either being in this list or AllowUnsafePaths=true.
	// Paths should be absolute (relative paths are ignored).
	AllowedPaths []string `json:"allowed_paths,omitempty"`

	// AllowUnsafePaths disables directory restrictions for import/export.
	// Symlink and extension checks still apply.
	AllowUnsafePaths bool `json:"allow_unsafe_paths,omitempty"`

	// DisabledTools is a list of MCP tool names to exclude from registration.
	DisabledTools []string `json:"disabled_tools,omitempty"`

	// DisabledTypes disables every MCP tool of the named types
	// ("character", "chunk", "text", "alias", "registry").
	DisabledTypes []string `json:"disabled_types,omitempty"`

	// ExtractMaxPositions caps the positions recorded per extracted name.
	ExtractMaxPositions int `json:"extract_max_positions,omitempty"`

	// ExtractContextWindow is the size, in characters, of the windows inspected
	// before (titles) and after (honorifics) each name candidate.
	ExtractContextWindow int `json:"extract_context_window,omitempty"`

	// LexiconPath optionally points at a YAML file overriding the term lists.
	LexiconPath string `json:"lexicon_path,omitempty"`

	// Resolver tuning. Weights are applied to the alias match score, the
	// recency factor and the stored confidence respectively.
	ResolveMaxCandidates    int     `json:"resolve_max_candidates,omitempty"`
	ResolveAliasWeight      float64 `json:"resolve_alias_weight,omitempty"`
	ResolveRecencyWeight    float64 `json:"resolve_recency_weight,omitempty"`
	ResolveConfidenceWeight float64 `json:"resolve_confidence_weight,omitempty"`
	ResolveConcurrency      int     `json:"resolve_concurrency,omitempty"`

	// Thresholds where 0 is a meaningful setting; nil means not configured.
	ResolveMinMatchScore  *float64 `json:"resolve_min_match_score,omitempty"`
	ResolveAmbiguityDelta *float64 `json:"resolve_ambiguity_delta,omitempty"`

	// SearchCacheTTLSeconds is how long alias search results are cached.
	// A negative value disables the cache.
	SearchCacheTTLSeconds int `json:"search_cache_ttl_seconds,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		ExtractMaxPositions:     64,
		ExtractContextWindow:    12,
		ResolveMaxCandidates:    5,
		ResolveMinMatchScore:    Float(0.1),
		ResolveAliasWeight:      0.5,
		ResolveRecencyWeight:    0.3,
		ResolveConfidenceWeight: 0.2,
		ResolveAmbiguityDelta:   Float(0.05),
		ResolveConcurrency:      4,
		SearchCacheTTLSeconds:   30,
	}
}

// Float returns a pointer to v, for the optional threshold fields.
func Float(v float64) *float64 {
	return &v
}

// MinMatchScore returns the configured minimum alias match score, or the default.
func (c *Config) MinMatchScore() float64 {
	if c == nil || c.ResolveMinMatchScore == nil {
		return *DefaultConfig().ResolveMinMatchScore
	}
	return *c.ResolveMinMatchScore
}

// AmbiguityDelta returns the configured ambiguity delta, or the default.
func (c *Config) AmbiguityDelta() float64 {
	if c == nil || c.ResolveAmbiguityDelta == nil {
		return *DefaultConfig().ResolveAmbiguityDelta
	}
	return *c.ResolveAmbiguityDelta
}

// SearchCacheTTL returns the alias search cache TTL, or 0 when caching is disabled.
func (c *Config) SearchCacheTTL() time.Duration {
	if c == nil || c.SearchCacheTTLSeconds <= 0 {
		return 0
	}
	return time.Duration(c.SearchCacheTTLSeconds) * time.Second
}

// Load loads configuration from baseDir/config.json.
// Returns default config if the file doesn't exist.
// The baseDir parameter allows tests to use t.TempDir() instead of ~/.kizuna.
func Load(baseDir string) (*Config, error) {
	return loadFile(filepath.Join(baseDir, "config.json"))
}

// LoadWithRepo loads configuration from both global (~/.kizuna) and repo (.kizuna) directories.
// Repo config is found by walking upward from startDir to find the nearest .kizuna/config.json.
// Repo config takes precedence for scalar values; arrays are merged (deduplicated).
// Either or both configs may be missing.
func LoadWithRepo(globalDir, startDir string) (*Config, error) {
	global, err := loadFileRaw(filepath.Join(globalDir, "config.json"))
	if err != nil {
		return nil, err
	}

	repo, err := loadFileRaw(FindRepoConfig(startDir))
	if err != nil {
		return nil, err
	}

	// Apply defaults, then global, then repo
	return Merge(Merge(DefaultConfig(), global), repo), nil
}

// FindRepoConfig walks upward from startDir to find the nearest .kizuna/config.json.
// Returns the path if found, or empty string if not found.
func FindRepoConfig(startDir string) string {
	dir := startDir
	for {
		configPath := filepath.Join(dir, ".kizuna", "config.json")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// loadFileRaw loads configuration from a specific file path.
// Returns zero-valued config if the file doesn't exist (not defaults).
func loadFileRaw(configPath string) (*Config, error) {
	if configPath == "" {
		return &Config{}, nil
	}
	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, err
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadFile loads configuration from a specific file path.
// Returns default config if the file doesn't exist.
func loadFile(configPath string) (*Config, error) {
	cfg, err := loadFileRaw(configPath)
	if err != nil {
		return nil, err
	}
	return Merge(DefaultConfig(), cfg), nil
}

// Merge combines base and overlay configs.
// Overlay values take precedence for scalars; arrays are merged and deduplicated.
func Merge(base, overlay *Config) *Config {
	result := &Config{}

	// Scalars: overlay wins if non-zero, else base
	result.DBMaxOpenConns = pickInt(base.DBMaxOpenConns, overlay.DBMaxOpenConns)
	result.DBMaxIdleConns = pickInt(base.DBMaxIdleConns, overlay.DBMaxIdleConns)
	result.ExtractMaxPositions = pickInt(base.ExtractMaxPositions, overlay.ExtractMaxPositions)
	result.ExtractContextWindow = pickInt(base.ExtractContextWindow, overlay.ExtractContextWindow)
	result.ResolveMaxCandidates = pickInt(base.ResolveMaxCandidates, overlay.ResolveMaxCandidates)
	result.ResolveConcurrency = pickInt(base.ResolveConcurrency, overlay.ResolveConcurrency)
	result.SearchCacheTTLSeconds = pickInt(base.SearchCacheTTLSeconds, overlay.SearchCacheTTLSeconds)

	result.ResolveAliasWeight = pickFloat(base.ResolveAliasWeight, overlay.ResolveAliasWeight)
	result.ResolveRecencyWeight = pickFloat(base.ResolveRecencyWeight, overlay.ResolveRecencyWeight)
	result.ResolveConfidenceWeight = pickFloat(base.ResolveConfidenceWeight, overlay.ResolveConfidenceWeight)

	// Pointers: overlay wins if set, including an explicit 0
	result.ResolveMinMatchScore = pickFloatPtr(base.ResolveMinMatchScore, overlay.ResolveMinMatchScore)
	result.ResolveAmbiguityDelta = pickFloatPtr(base.ResolveAmbiguityDelta, overlay.ResolveAmbiguityDelta)

	result.LexiconPath = strings.TrimSpace(overlay.LexiconPath)
	if result.LexiconPath == "" {
		result.LexiconPath = base.LexiconPath
	}

	// Booleans: overlay wins if true, else base
	result.AllowUnsafePaths = base.AllowUnsafePaths || overlay.AllowUnsafePaths

	// Arrays: merge and deduplicate
	result.AllowedPaths = mergeStringSlice(base.AllowedPaths, overlay.AllowedPaths)
	result.DisabledTools = mergeStringSlice(base.DisabledTools, overlay.DisabledTools)
	result.DisabledTypes = mergeStringSlice(base.DisabledTypes, overlay.DisabledTypes)

	return result
}

func pickInt(base, overlay int) int {
	if overlay != 0 {
		return overlay
	}
	return base
}

func pickFloat(base, overlay float64) float64 {
	if overlay != 0 {
		return overlay
	}
	return base
}

func pickFloatPtr(base, overlay *float64) *float64 {
	if overlay != nil {
		return Float(*overlay)
	}
	if base != nil {
		return Float(*base)
	}
	return nil
}

// mergeStringSlice combines two slices, trims whitespace, and removes duplicates.
func mergeStringSlice(a, b []string) []string {
	seen := make(map[string]bool)
	result := make([]string, 0, len(a)+len(b))

	for _, s := range a {
		s = strings.TrimSpace(s)
		if s != "" && !seen[s] {
			seen[s] = true
			result = append(result, s)
		}
	}
	for _, s := range b {
		s = strings.TrimSpace(s)
		if s != "" && !seen[s] {
			seen[s] = true
			result = append(result, s)
		}
	}

	if len(result) == 0 {
		return nil
	}
	return result
}
