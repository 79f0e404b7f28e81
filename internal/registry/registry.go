// Package registry is the persistent character identity store: the only
// component that writes character rows, chunk state and the alias index.
package registry

import (
	"context"
	"crypto/rand"
	"database/sql"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	gocache "github.com/patrickmn/go-cache"

	"github.com/hpungsan/kizuna/internal/config"
	"github.com/hpungsan/kizuna/internal/errors"
	"github.com/hpungsan/kizuna/internal/observe"
)

// Registry is a handle on one kizuna database. Safe for concurrent use.
type Registry struct {
	db         *sql.DB
	cfg        *config.Config
	exportsDir string
	cacheTTL   time.Duration
	cache      *gocache.Cache
	logger     *slog.Logger
	metrics    *observe.Metrics
	now        func() time.Time

	// writeGen is bumped by every successful write. A search result is cached
	// only if no write committed while it was being read.
	writeGen atomic.Uint64

	// afterSearch, when set, runs between a search read and the cache store.
	afterSearch func()
}

// Option configures a Registry.
type Option func(*Registry)

// WithConfig sets the configuration used for path checks and the search cache TTL.
func WithConfig(cfg *config.Config) Option {
	return func(r *Registry) {
		r.cfg = cfg
		r.cacheTTL = cfg.SearchCacheTTL()
	}
}

// WithExportsDir sets the default directory for exports (normally ~/.kizuna/exports).
func WithExportsDir(dir string) Option {
	return func(r *Registry) { r.exportsDir = dir }
}

// WithCacheTTL overrides the alias search cache TTL. Zero disables the cache.
func WithCacheTTL(ttl time.Duration) Option {
	return func(r *Registry) { r.cacheTTL = ttl }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithMetrics sets the metric instruments. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New returns a Registry backed by database, which must have been opened with db.Init.
func New(database *sql.DB, opts ...Option) *Registry {
	r := &Registry{
		db:       database,
		cfg:      config.DefaultConfig(),
		cacheTTL: config.DefaultConfig().SearchCacheTTL(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	if r.cacheTTL > 0 {
		r.cache = gocache.New(r.cacheTTL, 2*r.cacheTTL)
	}
	return r
}

// DB returns the underlying database handle.
func (r *Registry) DB() *sql.DB {
	return r.db
}

// timestamp returns the current time truncated to the stored precision.
func (r *Registry) timestamp() time.Time {
	return r.now().UTC().Truncate(time.Millisecond)
}

// withTx runs fn in a transaction, committing when fn returns nil.
func (r *Registry) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.NewRegistryPersistence("begin transaction", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.NewRegistryPersistence("commit", err)
	}
	return nil
}

// invalidate drops every cached search result. Called after each successful write.
func (r *Registry) invalidate() {
	r.writeGen.Add(1)
	if r.cache != nil {
		r.cache.Flush()
	}
}

// fail logs err and counts it when it is one of the registry error kinds.
func (r *Registry) fail(ctx context.Context, op string, err error) error {
	switch code := errors.CodeOf(err); code {
	case errors.ErrRegistryQuery, errors.ErrRegistryDecode, errors.ErrRegistryPersistence:
		r.metrics.RecordRegistryError(ctx, string(code))
		r.logger.Warn("registry operation failed", "op", op, "code", code, "error", err)
	}
	return err
}

// newID returns a fresh character id.
func newID() (string, error) {
	entropy := ulid.Monotonic(rand.Reader, 0)
	id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
	if err != nil {
		return "", errors.NewInternal(err)
	}
	return id.String(), nil
}
