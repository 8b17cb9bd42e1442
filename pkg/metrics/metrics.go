package metrics

import (
	"sort"
	"strings"
	"sync"
)

// Collector captures counters, gauges and histograms.
type Collector interface {
	IncCounter(name string, labels map[string]string, delta float64)
	SetGauge(name string, labels map[string]string, value float64)
	ObserveHistogram(name string, labels map[string]string, value float64)
}

// Nop discards everything.
type Nop struct{}

func (Nop) IncCounter(string, map[string]string, float64)       {}
func (Nop) SetGauge(string, map[string]string, float64)         {}
func (Nop) ObserveHistogram(string, map[string]string, float64) {}

// Summary aggregates histogram observations.
type Summary struct {
	Count int64
	Sum   float64
	Min   float64
	Max   float64
}

// InMemory keeps the latest value of every series in memory.
type InMemory struct {
	mu         sync.Mutex
	counters   map[string]float64
	gauges     map[string]float64
	histograms map[string]Summary
}

func NewInMemory() *InMemory {
	return &InMemory{
		counters:   make(map[string]float64),
		gauges:     make(map[string]float64),
		histograms: make(map[string]Summary),
	}
}

func (m *InMemory) IncCounter(name string, labels map[string]string, delta float64) {
	key := seriesKey(name, labels)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[key] += delta
}

func (m *InMemory) SetGauge(name string, labels map[string]string, value float64) {
	key := seriesKey(name, labels)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[key] = value
}

func (m *InMemory) ObserveHistogram(name string, labels map[string]string, value float64) {
	key := seriesKey(name, labels)

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.histograms[key]
	if !ok || value < s.Min {
		s.Min = value
	}
	if !ok || value > s.Max {
		s.Max = value
	}
	s.Count++
	s.Sum += value
	m.histograms[key] = s
}

func (m *InMemory) Counter(name string, labels map[string]string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[seriesKey(name, labels)]
}

func (m *InMemory) Gauge(name string, labels map[string]string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gauges[seriesKey(name, labels)]
}

func (m *InMemory) Histogram(name string, labels map[string]string) Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.histograms[seriesKey(name, labels)]
}

// seriesKey renders name{k1=v1,k2=v2} with labels sorted by key.
func seriesKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}

	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(name)
	sb.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(labels[k])
	}
	sb.WriteByte('}')
	return sb.String()
}
