package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	metricItemsTotal      = "wiseflow.collect.items.total"
	metricCollectDuration = "wiseflow.collect.duration.seconds"
	metricTasksTotal      = "wiseflow.tasks.total"
	metricCacheHitsTotal  = "wiseflow.cache.hits.total"
	metricCacheMissTotal  = "wiseflow.cache.misses.total"

	attrFamily = "family"
)

// CollectMetrics holds OTel instruments for collection-specific metrics.
type CollectMetrics struct {
	itemsTotal      metric.Int64Counter
	collectDuration metric.Float64Histogram
	tasksTotal      metric.Int64Counter
	cacheHits       metric.Int64Counter
	cacheMisses     metric.Int64Counter
}

// NewCollectMetrics creates collection metric instruments from the given meter.
func NewCollectMetrics(mt metric.Meter) (*CollectMetrics, error) {
	items, err := mt.Int64Counter(metricItemsTotal,
		metric.WithDescription("Total number of collected items"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricItemsTotal, err)
	}

	duration, err := mt.Float64Histogram(metricCollectDuration,
		metric.WithDescription("Collection run duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBucketBoundaries...),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricCollectDuration, err)
	}

	tasks, err := mt.Int64Counter(metricTasksTotal,
		metric.WithDescription("Total number of finished mining tasks"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricTasksTotal, err)
	}

	hits, err := mt.Int64Counter(metricCacheHitsTotal,
		metric.WithDescription("Total number of response cache hits"),
		metric.WithUnit("{hit}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricCacheHitsTotal, err)
	}

	misses, err := mt.Int64Counter(metricCacheMissTotal,
		metric.WithDescription("Total number of response cache misses"),
		metric.WithUnit("{miss}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricCacheMissTotal, err)
	}

	return &CollectMetrics{
		itemsTotal:      items,
		collectDuration: duration,
		tasksTotal:      tasks,
		cacheHits:       hits,
		cacheMisses:     misses,
	}, nil
}

// RecordCollection records one finished collection run for a source family.
func (cm *CollectMetrics) RecordCollection(ctx context.Context, family string, items int, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.String(attrFamily, family))

	cm.itemsTotal.Add(ctx, int64(items), attrs)
	cm.collectDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordTask records one mining task reaching a terminal status.
func (cm *CollectMetrics) RecordTask(ctx context.Context, family, status string) {
	cm.tasksTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String(attrFamily, family),
		attribute.String(attrStatus, status),
	))
}

// RecordCacheLookup records one response cache lookup outcome.
func (cm *CollectMetrics) RecordCacheLookup(ctx context.Context, hit bool) {
	if hit {
		cm.cacheHits.Add(ctx, 1)

		return
	}

	cm.cacheMisses.Add(ctx, 1)
}
