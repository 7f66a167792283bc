package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// prometheusRecorder is the Prometheus-backed Recorder implementation,
// registered under a caller-supplied name so multiple data files in one
// process (unusual, but not forbidden) don't collide on metric names.
type prometheusRecorder struct {
	hits       prometheus.Counter
	misses     prometheus.Counter
	evictions  prometheus.Counter
	rows       prometheus.Gauge
	bytes      prometheus.Gauge
	freeBytes  prometheus.Gauge
	lostBytes  prometheus.Gauge
	commitDur  prometheus.Histogram
}

// NewPrometheus registers a Recorder under reg, labelling every metric with
// the given cache name (typically the data file's base name).
func NewPrometheus(reg prometheus.Registerer, name string) Recorder {
	factory := promauto.With(reg)
	labels := prometheus.Labels{"cache": name}

	return &prometheusRecorder{
		hits: factory.NewCounter(prometheus.CounterOpts{
			Name:        "dfcache_object_cache_hits_total",
			Help:        "Object cache lookups resolved from memory.",
			ConstLabels: labels,
		}),
		misses: factory.NewCounter(prometheus.CounterOpts{
			Name:        "dfcache_object_cache_misses_total",
			Help:        "Object cache lookups that required a disk read.",
			ConstLabels: labels,
		}),
		evictions: factory.NewCounter(prometheus.CounterOpts{
			Name:        "dfcache_object_cache_evictions_total",
			Help:        "Objects dropped from the cache during a cleanup pass.",
			ConstLabels: labels,
		}),
		rows: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "dfcache_object_cache_rows",
			Help:        "Objects currently resident in the cache.",
			ConstLabels: labels,
		}),
		bytes: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "dfcache_object_cache_bytes",
			Help:        "Sum of storage size of resident cache objects.",
			ConstLabels: labels,
		}),
		freeBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "dfcache_free_space_bytes",
			Help:        "Bytes currently reusable by the free-space manager.",
			ConstLabels: labels,
		}),
		lostBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "dfcache_lost_space_bytes",
			Help:        "Released bytes the free-space manager could not coalesce into a reusable region.",
			ConstLabels: labels,
		}),
		commitDur: factory.NewHistogram(prometheus.HistogramOpts{
			Name:        "dfcache_commit_duration_seconds",
			Help:        "Wall-clock duration of a commit cycle.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
	}
}

func (p *prometheusRecorder) CacheHit()             { p.hits.Inc() }
func (p *prometheusRecorder) CacheMiss()            { p.misses.Inc() }
func (p *prometheusRecorder) CacheEvicted(n int64)  { p.evictions.Add(float64(n)) }
func (p *prometheusRecorder) CacheRows(n int64)     { p.rows.Set(float64(n)) }
func (p *prometheusRecorder) CacheBytes(n int64)    { p.bytes.Set(float64(n)) }
func (p *prometheusRecorder) FreeBytes(n int64)     { p.freeBytes.Set(float64(n)) }
func (p *prometheusRecorder) LostBytes(n int64)     { p.lostBytes.Set(float64(n)) }
func (p *prometheusRecorder) ObserveCommit(s float64) { p.commitDur.Observe(s) }

var _ Recorder = (*prometheusRecorder)(nil)
