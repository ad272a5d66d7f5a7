package o11y

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// MetricsSnapshot is a point-in-time copy of every standalone metric.
type MetricsSnapshot struct {
	Timestamp   time.Time                  `json:"timestamp"`
	ServiceName string                     `json:"service_name"`
	Counters    map[string]int64           `json:"counters"`
	Histograms  map[string]HistogramValues `json:"histograms"`
	Gauges      map[string]float64         `json:"gauges"`
}

// HistogramValues summarizes the values recorded into one histogram.
type HistogramValues struct {
	Count int64   `json:"count"`
	Sum   float64 `json:"sum"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

// StandaloneProvider keeps metrics in process. Labels are accepted but not
// broken out; each metric is aggregated by name only.
type StandaloneProvider struct {
	serviceName string
	publisher   SnapshotPublisher

	counters   sync.Map // map[string]*standaloneCounter
	histograms sync.Map // map[string]*standaloneHistogram
	gauges     sync.Map // map[string]*standaloneGauge
}

// NewStandaloneProvider creates a provider. publisher may be nil.
func NewStandaloneProvider(serviceName string, publisher SnapshotPublisher) *StandaloneProvider {
	if serviceName == "" {
		serviceName = "unknown"
	}
	return &StandaloneProvider{
		serviceName: serviceName,
		publisher:   publisher,
	}
}

// SetPublisher replaces the snapshot publisher.
func (s *StandaloneProvider) SetPublisher(publisher SnapshotPublisher) {
	s.publisher = publisher
}

// Snapshot collects the current value of every metric.
func (s *StandaloneProvider) Snapshot() MetricsSnapshot {
	snapshot := MetricsSnapshot{
		Timestamp:   time.Now(),
		ServiceName: s.serviceName,
		Counters:    make(map[string]int64),
		Histograms:  make(map[string]HistogramValues),
		Gauges:      make(map[string]float64),
	}

	s.counters.Range(func(key, value any) bool {
		snapshot.Counters[key.(string)] = value.(*standaloneCounter).value.Load()
		return true
	})

	s.histograms.Range(func(key, value any) bool {
		snapshot.Histograms[key.(string)] = value.(*standaloneHistogram).get()
		return true
	})

	s.gauges.Range(func(key, value any) bool {
		snapshot.Gauges[key.(string)] = value.(*standaloneGauge).get()
		return true
	})

	return snapshot
}

// Publish takes a snapshot and hands it to the publisher, if any.
func (s *StandaloneProvider) Publish(ctx context.Context) MetricsSnapshot {
	snapshot := s.Snapshot()
	if s.publisher != nil {
		s.publisher.PublishSnapshot(ctx, snapshot)
	}
	return snapshot
}

func (s *StandaloneProvider) Counter(name string) Counter {
	if existing, ok := s.counters.Load(name); ok {
		return existing.(*standaloneCounter)
	}
	actual, _ := s.counters.LoadOrStore(name, &standaloneCounter{})
	return actual.(*standaloneCounter)
}

func (s *StandaloneProvider) Histogram(name string) Histogram {
	if existing, ok := s.histograms.Load(name); ok {
		return existing.(*standaloneHistogram)
	}
	actual, _ := s.histograms.LoadOrStore(name, &standaloneHistogram{})
	return actual.(*standaloneHistogram)
}

func (s *StandaloneProvider) Gauge(name string) Gauge {
	if existing, ok := s.gauges.Load(name); ok {
		return existing.(*standaloneGauge)
	}
	actual, _ := s.gauges.LoadOrStore(name, &standaloneGauge{})
	return actual.(*standaloneGauge)
}

type standaloneCounter struct {
	value atomic.Int64
}

func (c *standaloneCounter) Add(ctx context.Context, value int64, labels ...Label) {
	c.value.Add(value)
}

type standaloneHistogram struct {
	mu     sync.Mutex
	values HistogramValues
}

func (h *standaloneHistogram) Record(ctx context.Context, value float64, labels ...Label) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.values.Count == 0 || value < h.values.Min {
		h.values.Min = value
	}
	if h.values.Count == 0 || value > h.values.Max {
		h.values.Max = value
	}
	h.values.Count++
	h.values.Sum += value
}

func (h *standaloneHistogram) get() HistogramValues {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.values
}

type standaloneGauge struct {
	mu    sync.RWMutex
	value float64
}

func (g *standaloneGauge) Set(ctx context.Context, value float64, labels ...Label) {
	g.mu.Lock()
	g.value = value
	g.mu.Unlock()
}

func (g *standaloneGauge) get() float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.value
}
