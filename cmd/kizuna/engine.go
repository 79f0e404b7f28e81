package main

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/hpungsan/kizuna/internal/chunk"
	"github.com/hpungsan/kizuna/internal/config"
	"github.com/hpungsan/kizuna/internal/extract"
	"github.com/hpungsan/kizuna/internal/mcp"
	"github.com/hpungsan/kizuna/internal/pipeline"
	"github.com/hpungsan/kizuna/internal/registry"
	"github.com/hpungsan/kizuna/internal/resolve"
)

// engine is the set of components shared by the CLI and the MCP server.
type engine struct {
	logger     *slog.Logger
	registry   *registry.Registry
	resolver   *resolve.Resolver
	normalizer *chunk.Normalizer
	extractor  *extract.Extractor
	processor  *pipeline.Processor
}

func newEngine(database *sql.DB, cfg *config.Config, logger *slog.Logger) (*engine, error) {
	extractOpts, err := extract.OptionsFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load lexicon: %w", err)
	}

	e := &engine{
		logger:     logger,
		registry:   registry.New(database, registry.WithConfig(cfg), registry.WithLogger(logger)),
		normalizer: chunk.NewNormalizer(),
		extractor:  extract.New(extractOpts...),
	}
	e.resolver = resolve.New(e.registry, append(resolve.OptionsFromConfig(cfg), resolve.WithLogger(logger))...)
	e.processor = e.newProcessor(false)
	return e, nil
}

// newProcessor builds a processor over the shared components.
func (e *engine) newProcessor(touchResolved bool) *pipeline.Processor {
	return pipeline.New(e.registry, e.resolver,
		pipeline.WithNormalizer(e.normalizer),
		pipeline.WithExtractor(e.extractor),
		pipeline.WithTouchResolved(touchResolved),
		pipeline.WithLogger(e.logger),
	)
}

func (e *engine) deps() mcp.Deps {
	return mcp.Deps{
		Registry:   e.registry,
		Resolver:   e.resolver,
		Processor:  e.processor,
		Normalizer: e.normalizer,
		Extractor:  e.extractor,
	}
}
