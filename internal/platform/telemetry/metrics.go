// Package telemetry keeps process-local metrics and serves them in the
// Prometheus text exposition format.
package telemetry

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/labstack/echo/v4"
)

// ContentType is the Prometheus text exposition content type.
const ContentType = "text/plain; version=0.0.4; charset=utf-8"

// DefaultDurationBuckets are histogram boundaries in seconds.
var DefaultDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

type metric interface {
	metricName() string
	write(b *strings.Builder)
}

// Registry owns a set of named metrics and renders them in registration
// order.
type Registry struct {
	mu      sync.Mutex
	metrics []metric
	names   map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{names: make(map[string]struct{})}
}

func (r *Registry) register(m metric) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.names[m.metricName()]; dup {
		panic(fmt.Sprintf("telemetry: metric %q registered twice", m.metricName()))
	}
	r.names[m.metricName()] = struct{}{}
	r.metrics = append(r.metrics, m)
}

// Render writes every registered metric in text exposition format.
func (r *Registry) Render() string {
	r.mu.Lock()
	metrics := make([]metric, len(r.metrics))
	copy(metrics, r.metrics)
	r.mu.Unlock()

	var b strings.Builder
	for _, m := range metrics {
		m.write(&b)
	}
	return b.String()
}

// Handler serves the registry at a scrape endpoint.
func (r *Registry) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.Blob(http.StatusOK, ContentType, []byte(r.Render()))
	}
}

// ---------------------------------------------------------------------------
// Counter
// ---------------------------------------------------------------------------

// CounterVec is a monotonically increasing counter split by one label. An
// empty label name makes it a plain counter.
type CounterVec struct {
	name, help, label string

	mu     sync.Mutex
	values map[string]int64
}

// NewCounterVec registers a counter.
func (r *Registry) NewCounterVec(name, help, label string) *CounterVec {
	c := &CounterVec{name: name, help: help, label: label, values: make(map[string]int64)}
	r.register(c)
	return c
}

func (c *CounterVec) metricName() string { return c.name }

// Add increases the counter for labelValue. Negative deltas are ignored.
func (c *CounterVec) Add(labelValue string, n int64) {
	if n < 0 {
		return
	}
	c.mu.Lock()
	c.values[labelValue] += n
	c.mu.Unlock()
}

func (c *CounterVec) Inc(labelValue string) { c.Add(labelValue, 1) }

// Value returns the current count for labelValue.
func (c *CounterVec) Value(labelValue string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values[labelValue]
}

func (c *CounterVec) write(b *strings.Builder) {
	c.mu.Lock()
	keys := make([]string, 0, len(c.values))
	for k := range c.values {
		keys = append(keys, k)
	}
	snap := make(map[string]int64, len(c.values))
	for k, v := range c.values {
		snap[k] = v
	}
	c.mu.Unlock()
	sort.Strings(keys)

	writeHeader(b, c.name, c.help, "counter")
	for _, k := range keys {
		if c.label == "" {
			fmt.Fprintf(b, "%s %d\n", c.name, snap[k])
			continue
		}
		fmt.Fprintf(b, "%s{%s=%q} %d\n", c.name, c.label, k, snap[k])
	}
	b.WriteByte('\n')
}

// ---------------------------------------------------------------------------
// Gauge
// ---------------------------------------------------------------------------

type Gauge struct {
	name, help string
	v          int64
}

// NewGauge registers a gauge.
func (r *Registry) NewGauge(name, help string) *Gauge {
	g := &Gauge{name: name, help: help}
	r.register(g)
	return g
}

func (g *Gauge) metricName() string { return g.name }
func (g *Gauge) Add(delta int64)    { atomic.AddInt64(&g.v, delta) }
func (g *Gauge) Set(v int64)        { atomic.StoreInt64(&g.v, v) }
func (g *Gauge) Value() int64       { return atomic.LoadInt64(&g.v) }

func (g *Gauge) write(b *strings.Builder) {
	writeHeader(b, g.name, g.help, "gauge")
	fmt.Fprintf(b, "%s %d\n\n", g.name, g.Value())
}

// ---------------------------------------------------------------------------
// Histogram
// ---------------------------------------------------------------------------

// histogram is a thread-safe histogram. Bucket counts are non-cumulative in
// storage; cumulative counts are computed at export time.
type histogram struct {
	boundaries   []float64
	bucketCounts []int64
	count        int64
	sum          uint64 // math.Float64bits, for atomic add
	mu           sync.Mutex
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{
		boundaries:   boundaries,
		bucketCounts: make([]int64, len(boundaries)),
	}
}

func (h *histogram) observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	atomicAddFloat64(&h.sum, v)

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			return
		}
	}
	// above every boundary: only the +Inf bucket
}

func (h *histogram) cumulativeBuckets() []int64 {
	h.mu.Lock()
	raw := make([]int64, len(h.bucketCounts))
	copy(raw, h.bucketCounts)
	h.mu.Unlock()

	cum := make([]int64, len(raw))
	var running int64
	for i, c := range raw {
		running += c
		cum[i] = running
	}
	return cum
}

func atomicAddFloat64(addr *uint64, delta float64) {
	for {
		old := atomic.LoadUint64(addr)
		newVal := math.Float64frombits(old) + delta
		if atomic.CompareAndSwapUint64(addr, old, math.Float64bits(newVal)) {
			return
		}
	}
}

// Histogram is a bucketed distribution keyed by an ordered set of labels.
type Histogram struct {
	name, help string
	labels     []string
	boundaries []float64

	mu    sync.RWMutex
	items map[string]*histogram
}

// NewHistogram registers a histogram. Nil boundaries use
// DefaultDurationBuckets.
func (r *Registry) NewHistogram(name, help string, boundaries []float64, labels ...string) *Histogram {
	if boundaries == nil {
		boundaries = DefaultDurationBuckets
	}
	h := &Histogram{
		name:       name,
		help:       help,
		labels:     labels,
		boundaries: boundaries,
		items:      make(map[string]*histogram),
	}
	r.register(h)
	return h
}

func (h *Histogram) metricName() string { return h.name }

// labelSep cannot appear in a label value that came through HTTP routing.
const labelSep = "\x00"

// Observe records v. labelValues must match the registered labels.
func (h *Histogram) Observe(v float64, labelValues ...string) {
	if len(labelValues) != len(h.labels) {
		return
	}
	h.get(strings.Join(labelValues, labelSep)).observe(v)
}

// Count returns the number of observations for one label combination.
func (h *Histogram) Count(labelValues ...string) int64 {
	h.mu.RLock()
	item, ok := h.items[strings.Join(labelValues, labelSep)]
	h.mu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(&item.count)
}

func (h *Histogram) get(key string) *histogram {
	h.mu.RLock()
	item, ok := h.items[key]
	h.mu.RUnlock()
	if ok {
		return item
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if item, ok = h.items[key]; !ok {
		item = newHistogram(h.boundaries)
		h.items[key] = item
	}
	return item
}

func (h *Histogram) write(b *strings.Builder) {
	h.mu.RLock()
	keys := make([]string, 0, len(h.items))
	for k := range h.items {
		keys = append(keys, k)
	}
	h.mu.RUnlock()
	sort.Strings(keys)

	writeHeader(b, h.name, h.help, "histogram")
	for _, k := range keys {
		writeSingleHistogram(b, h.name, h.formatLabels(k), h.get(k))
	}
	b.WriteByte('\n')
}

func (h *Histogram) formatLabels(key string) string {
	if len(h.labels) == 0 {
		return ""
	}
	values := strings.Split(key, labelSep)
	parts := make([]string, len(h.labels))
	for i, l := range h.labels {
		parts[i] = fmt.Sprintf("%s=%q", l, values[i])
	}
	return strings.Join(parts, ",")
}

func writeHeader(b *strings.Builder, name, help, typ string) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, typ)
}

func writeSingleHistogram(b *strings.Builder, name, labels string, h *histogram) {
	cum := h.cumulativeBuckets()
	total := atomic.LoadInt64(&h.count)

	prefix, suffix := "", ""
	if labels != "" {
		prefix = labels + ","
		suffix = "{" + labels + "}"
	}
	for i, boundary := range h.boundaries {
		fmt.Fprintf(b, "%s_bucket{%sle=\"%g\"} %d\n", name, prefix, boundary, cum[i])
	}
	fmt.Fprintf(b, "%s_bucket{%sle=\"+Inf\"} %d\n", name, prefix, total)
	fmt.Fprintf(b, "%s_sum%s %g\n", name, suffix, math.Float64frombits(atomic.LoadUint64(&h.sum)))
	fmt.Fprintf(b, "%s_count%s %d\n", name, suffix, total)
}
