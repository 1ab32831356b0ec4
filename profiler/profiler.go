// Package profiler keeps sliding windows of training statistics and operation
// timings and reports them through zap.
package profiler

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Options configures a Recorder.
type Options struct {
	// MaxSamples bounds the window of every metric and timing (default: 256).
	MaxSamples int
	// ReportInterval is the period of Run's reports (default: 10s).
	ReportInterval time.Duration
}

// Summary describes the current window of one metric or timing.
type Summary struct {
	Name    string
	Last    float64
	Mean    float64
	Min     float64
	Max     float64
	Samples int
	// Count is the number of values recorded since creation, including
	// those that left the window.
	Count int64
}

// window is a bounded series with a running sum.
type window struct {
	values []float64
	sum    float64
	count  int64
}

func (w *window) add(v float64, limit int) {
	w.values = append(w.values, v)
	w.sum += v
	w.count++
	if len(w.values) > limit {
		w.sum -= w.values[0]
		w.values = w.values[1:]
	}
}

func (w *window) summary(name string) Summary {
	s := Summary{Name: name, Samples: len(w.values), Count: w.count}
	if len(w.values) == 0 {
		return s
	}
	s.Last = w.values[len(w.values)-1]
	s.Min, s.Max = s.Last, s.Last
	for _, v := range w.values {
		s.Min = min(s.Min, v)
		s.Max = max(s.Max, v)
	}
	s.Mean = w.sum / float64(len(w.values))
	return s
}

// Recorder collects metric samples and operation durations. It is safe for
// concurrent use and satisfies loss.Observer.
type Recorder struct {
	mu         sync.Mutex
	maxSamples int
	interval   time.Duration
	logger     *zap.Logger
	metrics    map[string]*window
	operations map[string]*window
}

// New returns a Recorder reporting to logger. A nil logger discards reports.
//
// Arguments:
//   - logger: destination of Report and Run.
//   - opts: window and reporting settings; zero values take the defaults.
//
// Returns:
//   - A ready Recorder.
func New(logger *zap.Logger, opts Options) *Recorder {
	if opts.MaxSamples <= 0 {
		opts.MaxSamples = 256
	}
	if opts.ReportInterval <= 0 {
		opts.ReportInterval = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		maxSamples: opts.MaxSamples,
		interval:   opts.ReportInterval,
		logger:     logger,
		metrics:    make(map[string]*window),
		operations: make(map[string]*window),
	}
}

// RecordMetric appends value to the named metric's window.
func (r *Recorder) RecordMetric(name string, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(r.metrics, name, value)
}

// StartOperation begins timing name and returns the function that stops it.
// Durations are kept in milliseconds.
//
// @example
//
//	done := rec.StartOperation("encode_batch")
//	defer done()
func (r *Recorder) StartOperation(name string) func() {
	start := time.Now()
	return func() {
		elapsed := time.Since(start)
		r.mu.Lock()
		defer r.mu.Unlock()
		r.record(r.operations, name, float64(elapsed)/float64(time.Millisecond))
	}
}

func (r *Recorder) record(into map[string]*window, name string, v float64) {
	w, ok := into[name]
	if !ok {
		w = &window{values: make([]float64, 0, r.maxSamples)}
		into[name] = w
	}
	w.add(v, r.maxSamples)
}

// Metric returns the summary of one metric and whether it was ever recorded.
func (r *Recorder) Metric(name string) (Summary, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.metrics[name]
	if !ok {
		return Summary{Name: name}, false
	}
	return w.summary(name), true
}

// Snapshot returns the metric and operation summaries sorted by name.
func (r *Recorder) Snapshot() (metrics, operations []Summary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return summaries(r.metrics), summaries(r.operations)
}

func summaries(m map[string]*window) []Summary {
	out := make([]Summary, 0, len(m))
	for name, w := range m {
		out = append(out, w.summary(name))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Report logs one line per metric and operation at info level.
func (r *Recorder) Report() {
	metrics, operations := r.Snapshot()
	for _, s := range metrics {
		r.logger.Info("metric",
			zap.String("name", s.Name),
			zap.Float64("last", s.Last),
			zap.Float64("mean", s.Mean),
			zap.Float64("min", s.Min),
			zap.Float64("max", s.Max),
			zap.Int("samples", s.Samples),
		)
	}
	for _, s := range operations {
		r.logger.Info("operation",
			zap.String("name", s.Name),
			zap.Float64("mean_ms", s.Mean),
			zap.Float64("max_ms", s.Max),
			zap.Int64("count", s.Count),
		)
	}
}

// Run reports every ReportInterval until ctx is done, then reports once more.
func (r *Recorder) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.Report()
			return
		case <-ticker.C:
			r.Report()
		}
	}
}
