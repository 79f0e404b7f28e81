// Package observe holds the OpenTelemetry metric instruments for identity
// resolution and registry traffic.
//
// A package-level default [Metrics] instance ([DefaultMetrics]) uses the global
// meter provider, which is a no-op unless the embedding program installs one.
// Tests should use [NewMetrics] with a ManualReader-backed provider.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Kizuna metrics.
const meterName = "github.com/hpungsan/kizuna"

// Resolution outcomes recorded on ResolveOutcomes.
const (
	OutcomeResolved   = "resolved"
	OutcomeAmbiguous  = "ambiguous"
	OutcomeUnresolved = "unresolved"
)

// Metrics holds all metric instruments. Safe for concurrent use.
type Metrics struct {
	// ResolveDuration tracks the latency of one Resolve call.
	ResolveDuration metric.Float64Histogram

	// ResolveLookups counts registry alias lookups issued by the resolver,
	// including compacted-alias retries.
	ResolveLookups metric.Int64Counter

	// ResolveOutcomes counts aliases by outcome. Use with attribute:
	//   attribute.String("outcome", resolved|ambiguous|unresolved)
	ResolveOutcomes metric.Int64Counter

	// RegistryErrors counts registry failures. Use with attribute:
	//   attribute.String("kind", error code)
	RegistryErrors metric.Int64Counter

	// SearchCacheHits counts alias searches answered from the cache.
	SearchCacheHits metric.Int64Counter
}

var latencyBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5,
}

// NewMetrics creates all instruments from mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ResolveDuration, err = m.Float64Histogram("kizuna.resolve.duration",
		metric.WithDescription("Latency of resolving one chunk's aliases."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ResolveLookups, err = m.Int64Counter("kizuna.resolve.lookups",
		metric.WithDescription("Registry alias lookups issued by the resolver."),
	); err != nil {
		return nil, err
	}
	if met.ResolveOutcomes, err = m.Int64Counter("kizuna.resolve.outcomes",
		metric.WithDescription("Aliases by resolution outcome."),
	); err != nil {
		return nil, err
	}
	if met.RegistryErrors, err = m.Int64Counter("kizuna.registry.errors",
		metric.WithDescription("Registry failures by error kind."),
	); err != nil {
		return nil, err
	}
	if met.SearchCacheHits, err = m.Int64Counter("kizuna.registry.search_cache_hits",
		metric.WithDescription("Alias searches served from the search cache."),
	); err != nil {
		return nil, err
	}
	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance built from
// [otel.GetMeterProvider] on first call.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordOutcome increments ResolveOutcomes for outcome.
func (m *Metrics) RecordOutcome(ctx context.Context, outcome string) {
	m.ResolveOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordRegistryError increments RegistryErrors for kind.
func (m *Metrics) RecordRegistryError(ctx context.Context, kind string) {
	m.RegistryErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
