// Package metrics implements the per-cycle observability surface of
// SPEC_FULL.md §E: sync duration, products processed, rate-limiter
// rejections, cache hit rate, and scheduler queue depth, exposed in
// Prometheus text exposition format. This is ambient observability the
// teacher always ships with a background subsystem, not the excluded
// dashboards/alert-routing of spec.md §1.
//
// Grounded on observability.Metrics: the Counter/Gauge/Histogram
// primitives, the label-keyed registry, and the /metrics exposition
// format carry over verbatim. Only the pre-defined TrackX helpers and
// metric names are replaced with sync-engine domain ones — the
// Datadog/PagerDuty/Splunk/tracing exporters that lived alongside the
// teacher's Metrics registry are dropped (out of scope per spec.md §1;
// justified in DESIGN.md).
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Counter is a monotonically increasing value.
type Counter struct{ value int64 }

func (c *Counter) Inc()         { atomic.AddInt64(&c.value, 1) }
func (c *Counter) Add(n int64)  { atomic.AddInt64(&c.value, n) }
func (c *Counter) Value() int64 { return atomic.LoadInt64(&c.value) }

// Gauge is a value that can go up and down, stored as micros for
// float-like precision under atomic int64 operations.
type Gauge struct{ value int64 }

func (g *Gauge) Set(v float64)  { atomic.StoreInt64(&g.value, int64(v*1e6)) }
func (g *Gauge) Inc()           { atomic.AddInt64(&g.value, 1e6) }
func (g *Gauge) Dec()           { atomic.AddInt64(&g.value, -1e6) }
func (g *Gauge) Value() float64 { return float64(atomic.LoadInt64(&g.value)) / 1e6 }

// Histogram tracks value distributions with configurable buckets.
type Histogram struct {
	mu      sync.Mutex
	buckets []float64
	counts  []int64
	sum     float64
	count   int64
}

func newHistogram(buckets []float64) *Histogram {
	sorted := make([]float64, len(buckets))
	copy(sorted, buckets)
	sort.Float64s(sorted)
	return &Histogram{buckets: sorted, counts: make([]int64, len(sorted)+1)}
}

func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += v
	h.count++
	for i, b := range h.buckets {
		if v <= b {
			h.counts[i]++
			return
		}
	}
	h.counts[len(h.buckets)]++
}

func labelKey(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%q", k, labels[k])
	}
	return strings.Join(parts, ",")
}

// Metrics is the central Prometheus-compatible registry for the sync
// engine's per-cycle observability.
type Metrics struct {
	mu         sync.RWMutex
	logger     zerolog.Logger
	counters   map[string]map[string]*Counter
	gauges     map[string]map[string]*Gauge
	histograms map[string]map[string]*Histogram

	durationBuckets []float64
}

// New creates the metrics registry.
func New(logger zerolog.Logger) *Metrics {
	return &Metrics{
		logger:          logger.With().Str("component", "metrics").Logger(),
		counters:        make(map[string]map[string]*Counter),
		gauges:          make(map[string]map[string]*Gauge),
		histograms:      make(map[string]map[string]*Histogram),
		durationBuckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
	}
}

func (m *Metrics) CounterInc(name string, labels map[string]string) { m.getCounter(name, labels).Inc() }
func (m *Metrics) CounterAdd(name string, labels map[string]string, n int64) {
	m.getCounter(name, labels).Add(n)
}

func (m *Metrics) getCounter(name string, labels map[string]string) *Counter {
	key := labelKey(labels)
	m.mu.RLock()
	if byName, ok := m.counters[name]; ok {
		if c, ok := byName[key]; ok {
			m.mu.RUnlock()
			return c
		}
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.counters[name]; !ok {
		m.counters[name] = make(map[string]*Counter)
	}
	if _, ok := m.counters[name][key]; !ok {
		m.counters[name][key] = &Counter{}
	}
	return m.counters[name][key]
}

func (m *Metrics) GaugeSet(name string, labels map[string]string, v float64) {
	m.getGauge(name, labels).Set(v)
}

func (m *Metrics) getGauge(name string, labels map[string]string) *Gauge {
	key := labelKey(labels)
	m.mu.RLock()
	if byName, ok := m.gauges[name]; ok {
		if g, ok := byName[key]; ok {
			m.mu.RUnlock()
			return g
		}
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.gauges[name]; !ok {
		m.gauges[name] = make(map[string]*Gauge)
	}
	if _, ok := m.gauges[name][key]; !ok {
		m.gauges[name][key] = &Gauge{}
	}
	return m.gauges[name][key]
}

func (m *Metrics) HistogramObserve(name string, labels map[string]string, v float64) {
	m.getHistogram(name, labels).Observe(v)
}

func (m *Metrics) getHistogram(name string, labels map[string]string) *Histogram {
	key := labelKey(labels)
	m.mu.RLock()
	if byName, ok := m.histograms[name]; ok {
		if h, ok := byName[key]; ok {
			m.mu.RUnlock()
			return h
		}
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.histograms[name]; !ok {
		m.histograms[name] = make(map[string]*Histogram)
	}
	if _, ok := m.histograms[name][key]; !ok {
		m.histograms[name][key] = newHistogram(m.durationBuckets)
	}
	return m.histograms[name][key]
}

// TrackSyncCompletion records one terminal sync cycle.
func (m *Metrics) TrackSyncCompletion(tenantID, status string, duration time.Duration, productsProcessed int) {
	labels := map[string]string{"tenant": tenantID, "status": status}
	m.CounterInc("syncengine_cycles_total", labels)
	m.HistogramObserve("syncengine_cycle_duration_seconds", map[string]string{"status": status}, duration.Seconds())
	m.CounterAdd("syncengine_products_processed_total", map[string]string{"tenant": tenantID}, int64(productsProcessed))
}

// TrackRateLimitRejection records a sliding-window admission rejection.
func (m *Metrics) TrackRateLimitRejection(endpoint string) {
	m.CounterInc("syncengine_ratelimit_rejections_total", map[string]string{"endpoint": endpoint})
}

// TrackCacheStats publishes current hit/miss gauges (cumulative counters
// sourced from cache.Stats, sampled periodically by the caller).
func (m *Metrics) TrackCacheStats(hits, misses int64) {
	m.GaugeSet("syncengine_cache_hits_total", nil, float64(hits))
	m.GaugeSet("syncengine_cache_misses_total", nil, float64(misses))
}

// TrackQueueDepth publishes the scheduler's current dispatch queue depth.
func (m *Metrics) TrackQueueDepth(depth int) {
	m.GaugeSet("syncengine_scheduler_queue_depth", nil, float64(depth))
}

// Handler serves /metrics in Prometheus text exposition format.
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		var sb strings.Builder
		sb.WriteString(fmt.Sprintf("# syncengine metrics - %s\n\n", time.Now().UTC().Format(time.RFC3339)))

		m.mu.RLock()
		defer m.mu.RUnlock()

		for name, byLabel := range m.counters {
			sb.WriteString(fmt.Sprintf("# TYPE %s counter\n", name))
			for lk, c := range byLabel {
				writeSample(&sb, name, lk, fmt.Sprintf("%d", c.Value()))
			}
			sb.WriteString("\n")
		}

		for name, byLabel := range m.gauges {
			sb.WriteString(fmt.Sprintf("# TYPE %s gauge\n", name))
			for lk, g := range byLabel {
				writeSample(&sb, name, lk, fmt.Sprintf("%f", g.Value()))
			}
			sb.WriteString("\n")
		}

		for name, byLabel := range m.histograms {
			sb.WriteString(fmt.Sprintf("# TYPE %s histogram\n", name))
			for lk, h := range byLabel {
				writeHistogram(&sb, name, lk, h)
			}
			sb.WriteString("\n")
		}

		_, _ = w.Write([]byte(sb.String()))
	}
}

func writeSample(sb *strings.Builder, name, labelKey, value string) {
	if labelKey == "" {
		fmt.Fprintf(sb, "%s %s\n", name, value)
		return
	}
	fmt.Fprintf(sb, "%s{%s} %s\n", name, labelKey, value)
}

func writeHistogram(sb *strings.Builder, name, lk string, h *Histogram) {
	h.mu.Lock()
	defer h.mu.Unlock()

	cumulative := int64(0)
	for i, b := range h.buckets {
		cumulative += h.counts[i]
		if lk != "" {
			fmt.Fprintf(sb, "%s_bucket{le=\"%g\",%s} %d\n", name, b, lk, cumulative)
		} else {
			fmt.Fprintf(sb, "%s_bucket{le=\"%g\"} %d\n", name, b, cumulative)
		}
	}
	cumulative += h.counts[len(h.buckets)]
	if lk != "" {
		fmt.Fprintf(sb, "%s_bucket{le=\"+Inf\",%s} %d\n", name, lk, cumulative)
	} else {
		fmt.Fprintf(sb, "%s_bucket{le=\"+Inf\"} %d\n", name, cumulative)
	}
	if lk != "" {
		fmt.Fprintf(sb, "%s_sum{%s} %f\n", name, lk, h.sum)
		fmt.Fprintf(sb, "%s_count{%s} %d\n", name, lk, h.count)
	} else {
		fmt.Fprintf(sb, "%s_sum %f\n", name, h.sum)
		fmt.Fprintf(sb, "%s_count %d\n", name, h.count)
	}
}
