// Metrics collection
//
// Counters, gauges and histograms backed by the Prometheus client and
// written in the Prometheus text exposition format.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"io"
	"sort"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// Labels represents metric labels as key-value pairs. Keys a metric was
// not declared with are ignored and declared keys left out are empty.
type Labels map[string]string

// Metric is the interface for all metric types
type Metric interface {
	prometheus.Collector
	Name() string
}

// labelSet holds the label names a metric was declared with.
type labelSet struct {
	name  string
	names []string
}

func newLabelSet(name string, names []string) labelSet {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	return labelSet{name: name, names: sorted}
}

func (s labelSet) values(l Labels) []string {
	out := make([]string, len(s.names))
	for i, n := range s.names {
		out[i] = l[n]
	}
	return out
}

// find returns the sample of c carrying exactly the values of l, or nil
// when that series has never been written. Lookups do not create series.
func (s labelSet) find(c prometheus.Collector, l Labels) *dto.Metric {
	want := s.values(l)
	ch := make(chan prometheus.Metric)
	go func() {
		c.Collect(ch)
		close(ch)
	}()
	var found *dto.Metric
	for m := range ch {
		if found != nil {
			continue
		}
		var pb dto.Metric
		if err := m.Write(&pb); err != nil {
			continue
		}
		if s.matches(pb.GetLabel(), want) {
			found = &pb
		}
	}
	return found
}

func (s labelSet) matches(pairs []*dto.LabelPair, want []string) bool {
	if len(pairs) != len(want) {
		return false
	}
	for _, p := range pairs {
		i := sort.SearchStrings(s.names, p.GetName())
		if i == len(s.names) || s.names[i] != p.GetName() || want[i] != p.GetValue() {
			return false
		}
	}
	return true
}

// Counter is a monotonically increasing metric
type Counter struct {
	labelSet
	vec *prometheus.CounterVec
}

// NewCounter creates a new counter metric partitioned by labelNames
func NewCounter(name, help string, labelNames ...string) *Counter {
	ls := newLabelSet(name, labelNames)
	return &Counter{
		labelSet: ls,
		vec:      prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, ls.names),
	}
}

// Name returns the metric name.
func (c *Counter) Name() string { return c.name }

// Inc increments the counter by 1
func (c *Counter) Inc(labels Labels) {
	c.vec.WithLabelValues(c.values(labels)...).Inc()
}

// Add increments the counter by delta
func (c *Counter) Add(labels Labels, delta uint64) {
	c.vec.WithLabelValues(c.values(labels)...).Add(float64(delta))
}

// Get returns the current counter value for labels
func (c *Counter) Get(labels Labels) uint64 {
	if m := c.find(c.vec, labels); m != nil {
		return uint64(m.GetCounter().GetValue())
	}
	return 0
}

func (c *Counter) Describe(ch chan<- *prometheus.Desc) { c.vec.Describe(ch) }
func (c *Counter) Collect(ch chan<- prometheus.Metric) { c.vec.Collect(ch) }

// Gauge is a metric that can go up and down
type Gauge struct {
	labelSet
	vec *prometheus.GaugeVec
}

// NewGauge creates a new gauge metric partitioned by labelNames
func NewGauge(name, help string, labelNames ...string) *Gauge {
	ls := newLabelSet(name, labelNames)
	return &Gauge{
		labelSet: ls,
		vec:      prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, ls.names),
	}
}

// Name returns the metric name.
func (g *Gauge) Name() string { return g.name }

// Set sets the gauge to value
func (g *Gauge) Set(labels Labels, value float64) {
	g.vec.WithLabelValues(g.values(labels)...).Set(value)
}

// Get returns the current gauge value for labels
func (g *Gauge) Get(labels Labels) float64 {
	if m := g.find(g.vec, labels); m != nil {
		return m.GetGauge().GetValue()
	}
	return 0
}

func (g *Gauge) Describe(ch chan<- *prometheus.Desc) { g.vec.Describe(ch) }
func (g *Gauge) Collect(ch chan<- prometheus.Metric) { g.vec.Collect(ch) }

// Histogram tracks the distribution of observations
type Histogram struct {
	labelSet
	vec *prometheus.HistogramVec
}

// NewHistogram creates a histogram with the given bucket upper bounds,
// partitioned by labelNames
func NewHistogram(name, help string, buckets []float64, labelNames ...string) *Histogram {
	bounds := append([]float64(nil), buckets...)
	sort.Float64s(bounds)
	ls := newLabelSet(name, labelNames)
	return &Histogram{
		labelSet: ls,
		vec: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    name,
			Help:    help,
			Buckets: bounds,
		}, ls.names),
	}
}

// DefaultBuckets returns default histogram buckets for latency metrics
func DefaultBuckets() []float64 {
	return append([]float64(nil), prometheus.DefBuckets...)
}

// Name returns the metric name.
func (h *Histogram) Name() string { return h.name }

// Observe records a value in the histogram
func (h *Histogram) Observe(labels Labels, value float64) {
	h.vec.WithLabelValues(h.values(labels)...).Observe(value)
}

// Timer starts timing on clk. The returned function observes the elapsed
// seconds with whatever labels it is given.
func (h *Histogram) Timer(clk clock.Clock) func(labels Labels) {
	start := clk.Now()
	return func(labels Labels) {
		h.Observe(labels, clk.Since(start).Seconds())
	}
}

// Count returns the number of observations for labels.
func (h *Histogram) Count(labels Labels) uint64 {
	if m := h.find(h.vec, labels); m != nil {
		return m.GetHistogram().GetSampleCount()
	}
	return 0
}

func (h *Histogram) Describe(ch chan<- *prometheus.Desc) { h.vec.Describe(ch) }
func (h *Histogram) Collect(ch chan<- prometheus.Metric) { h.vec.Collect(ch) }

// Registry holds registered metrics
type Registry struct {
	reg *prometheus.Registry
}

// NewRegistry creates a new metrics registry
func NewRegistry() *Registry {
	return &Registry{reg: prometheus.NewRegistry()}
}

// Register adds a metric to the registry
func (r *Registry) Register(m Metric) error {
	return r.reg.Register(m)
}

// MustRegister adds a metric and panics on error
func (r *Registry) MustRegister(m Metric) {
	r.reg.MustRegister(m)
}

// WriteText writes every registered metric in the Prometheus text
// format, sorted by name. A collection error is returned after whatever
// was collected has been written.
func (r *Registry) WriteText(w io.Writer) error {
	families, err := r.reg.Gather()
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if encErr := enc.Encode(mf); encErr != nil {
			return encErr
		}
	}
	return err
}

// Motion holds the metrics recorded by motion control.
type Motion struct {
	// MovesChecked counts envelope checks by result: accepted, derated
	// or rejected.
	MovesChecked *Counter
	MotorOff     *Counter
	Homing       *Counter
	HomingTime   *Histogram
	PrintTime    *Gauge

	Clock    clock.Clock
	registry *Registry
}

// NewMotion creates and registers the motion metrics. A nil clk uses the
// wall clock.
func NewMotion(clk clock.Clock) *Motion {
	if clk == nil {
		clk = clock.New()
	}
	m := &Motion{
		MovesChecked: NewCounter("kinematics_moves_checked_total",
			"Moves checked against the kinematic envelope", "kinematics", "result"),
		MotorOff: NewCounter("kinematics_motor_off_total",
			"Motor off events that invalidated homing"),
		Homing: NewCounter("kinematics_homing_total",
			"Homing attempts by result", "result"),
		HomingTime: NewHistogram("kinematics_homing_seconds",
			"Time spent homing", DefaultBuckets(), "result"),
		PrintTime: NewGauge("kinematics_print_time_seconds",
			"Print time at the end of the last queued move"),
		Clock:    clk,
		registry: NewRegistry(),
	}
	for _, metric := range []Metric{m.MovesChecked, m.MotorOff, m.Homing, m.HomingTime, m.PrintTime} {
		m.registry.MustRegister(metric)
	}
	return m
}

// Registry returns the registry holding the motion metrics.
func (m *Motion) Registry() *Registry {
	return m.registry
}
