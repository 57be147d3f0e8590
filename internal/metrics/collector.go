// Package metrics keeps process-wide counters, gauges and histograms and
// renders them in the Prometheus text exposition format.
package metrics

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Default is the registry behind the package-level metrics below.
var Default = NewRegistry()

type kind string

const (
	kindCounter   kind = "counter"
	kindGauge     kind = "gauge"
	kindHistogram kind = "histogram"
)

// family groups every series sharing a metric name. Series are keyed by
// their rendered label set, e.g. `decision="accepted"`.
type family struct {
	name   string
	help   string
	kind   kind
	series map[string]any
}

// Registry owns metric families. Lookups by name and label set return the
// same series, so package-level vars and ad-hoc callers share values.
type Registry struct {
	mu       sync.Mutex
	families map[string]*family
	started  time.Time
}

func NewRegistry() *Registry {
	return &Registry{families: make(map[string]*family), started: time.Now()}
}

// Uptime returns how long the registry has existed.
func (r *Registry) Uptime() time.Duration {
	return time.Since(r.started)
}

// Counter is a monotonically increasing value.
type Counter struct{ v atomic.Int64 }

func (c *Counter) Inc()         { c.v.Add(1) }
func (c *Counter) Add(n int64)  { c.v.Add(n) }
func (c *Counter) Value() int64 { return c.v.Load() }

// Gauge is a value that can go up and down.
type Gauge struct{ v atomic.Int64 }

func (g *Gauge) Set(n int64)  { g.v.Store(n) }
func (g *Gauge) Inc()         { g.v.Add(1) }
func (g *Gauge) Dec()         { g.v.Add(-1) }
func (g *Gauge) Value() int64 { return g.v.Load() }

// Histogram counts observations into cumulative upper-bound buckets.
type Histogram struct {
	mu     sync.Mutex
	bounds []float64
	counts []int64
	count  int64
	sum    float64
}

func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i, le := range h.bounds {
		if v <= le {
			h.counts[i]++
		}
	}
}

// Count returns the number of observations.
func (h *Histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Counter returns the counter for name and labels, creating it on first use.
func (r *Registry) Counter(name, help, labels string) *Counter {
	return r.series(name, help, kindCounter, labels, func() any { return &Counter{} }).(*Counter)
}

// Gauge returns the gauge for name and labels, creating it on first use.
func (r *Registry) Gauge(name, help, labels string) *Gauge {
	return r.series(name, help, kindGauge, labels, func() any { return &Gauge{} }).(*Gauge)
}

// Histogram returns the histogram for name and labels. Buckets only apply
// when the series is created.
func (r *Registry) Histogram(name, help, labels string, buckets []float64) *Histogram {
	return r.series(name, help, kindHistogram, labels, func() any {
		bounds := append([]float64(nil), buckets...)
		sort.Float64s(bounds)
		if len(bounds) == 0 || !math.IsInf(bounds[len(bounds)-1], 1) {
			bounds = append(bounds, math.Inf(1))
		}
		return &Histogram{bounds: bounds, counts: make([]int64, len(bounds))}
	}).(*Histogram)
}

func (r *Registry) series(name, help string, k kind, labels string, create func() any) any {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.families[name]
	if !ok {
		f = &family{name: name, help: help, kind: k, series: make(map[string]any)}
		r.families[name] = f
	}
	if f.kind != k {
		panic(fmt.Sprintf("metrics: %s registered as %s, requested as %s", name, f.kind, k))
	}
	s, ok := f.series[labels]
	if !ok {
		s = create()
		f.series[labels] = s
	}
	return s
}

// Write renders every family in name order, series in label order.
func (r *Registry) Write(w io.Writer) error {
	r.mu.Lock()
	names := make([]string, 0, len(r.families))
	for name := range r.families {
		names = append(names, name)
	}
	sort.Strings(names)
	fams := make([]*family, len(names))
	for i, name := range names {
		fams[i] = r.families[name]
	}
	r.mu.Unlock()

	bw := bufio.NewWriter(w)

	fmt.Fprintf(bw, "# HELP atlas_uptime_seconds Time since start in seconds\n")
	fmt.Fprintf(bw, "# TYPE atlas_uptime_seconds gauge\n")
	fmt.Fprintf(bw, "atlas_uptime_seconds %d\n", int64(r.Uptime().Seconds()))

	for _, f := range fams {
		r.mu.Lock()
		labelSets := make([]string, 0, len(f.series))
		for ls := range f.series {
			labelSets = append(labelSets, ls)
		}
		series := make([]any, 0, len(labelSets))
		sort.Strings(labelSets)
		for _, ls := range labelSets {
			series = append(series, f.series[ls])
		}
		r.mu.Unlock()

		fmt.Fprintf(bw, "# HELP %s %s\n", f.name, f.help)
		fmt.Fprintf(bw, "# TYPE %s %s\n", f.name, f.kind)
		for i, s := range series {
			writeSeries(bw, f.name, labelSets[i], s)
		}
	}

	return bw.Flush()
}

func writeSeries(w io.Writer, name, labels string, s any) {
	switch m := s.(type) {
	case *Counter:
		fmt.Fprintf(w, "%s %d\n", withLabels(name, labels), m.Value())
	case *Gauge:
		fmt.Fprintf(w, "%s %d\n", withLabels(name, labels), m.Value())
	case *Histogram:
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, le := range m.bounds {
			bound := "+Inf"
			if !math.IsInf(le, 1) {
				bound = strconv.FormatFloat(le, 'g', -1, 64)
			}
			fmt.Fprintf(w, "%s %d\n", withLabels(name+"_bucket", joinLabels(labels, `le="`+bound+`"`)), m.counts[i])
		}
		fmt.Fprintf(w, "%s %g\n", withLabels(name+"_sum", labels), m.sum)
		fmt.Fprintf(w, "%s %d\n", withLabels(name+"_count", labels), m.count)
	}
}

func withLabels(name, labels string) string {
	if labels == "" {
		return name
	}
	return name + "{" + labels + "}"
}

func joinLabels(a, b string) string {
	if a == "" {
		return b
	}
	return a + "," + b
}

// Handler serves the registry in the Prometheus text format.
func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		r.Write(w)
	}
}

var (
	EventsReceived = Default.Counter("atlas_events_total", "Ingress events by decision", `decision="accepted"`)
	EventsIgnored  = Default.Counter("atlas_events_total", "Ingress events by decision", `decision="ignored"`)
	EventsRejected = Default.Counter("atlas_events_total", "Ingress events by decision", `decision="unauthorized"`)
	EventsDropped  = Default.Counter("atlas_events_dropped_total", "Accepted events dropped because the bus was full", "")

	PassesTotal      = Default.Counter("atlas_passes_total", "Router passes started", "")
	PassFailures     = Default.Counter("atlas_pass_failures_total", "Router passes aborted by store errors", "")
	BreakerTrips     = Default.Counter("atlas_breaker_trips_total", "Passes stopped by the consecutive agent turn breaker", "")
	TriggerYes       = Default.Counter("atlas_trigger_decisions_total", "Trigger evaluations by result", `result="yes"`)
	TriggerNo        = Default.Counter("atlas_trigger_decisions_total", "Trigger evaluations by result", `result="no"`)
	TriggerErrors    = Default.Counter("atlas_trigger_decisions_total", "Trigger evaluations by result", `result="error"`)
	RepliesApproved  = Default.Counter("atlas_replies_total", "Agent replies by stored status", `status="APPROVED"`)
	RepliesPending   = Default.Counter("atlas_replies_total", "Agent replies by stored status", `status="PENDING"`)
	WebhookErrors    = Default.Counter("atlas_webhook_errors_total", "Webhook agent calls that produced an error reply", "")
	LLMRequestsTotal = Default.Counter("atlas_llm_requests_total", "Model completion requests", "")
	ActivePasses     = Default.Gauge("atlas_active_passes", "Router passes currently running", "")

	LLMLatency = Default.Histogram("atlas_llm_latency_seconds", "Model request latency in seconds", "",
		[]float64{0.5, 1, 2, 5, 10, 30, 60, 120})
	PassLatency = Default.Histogram("atlas_pass_latency_seconds", "Router pass latency in seconds", "",
		[]float64{0.1, 0.5, 1, 2, 5, 10, 30, 60})
)
