package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// defaultLabelValueCap bounds the distinct values recorded per metric
// label. Past the cap, new values collapse to "other".
const defaultLabelValueCap = 32

// labelAllowList names the label keys each known metric may carry. Keys
// outside the list are dropped before they reach the instrument. Metrics
// not listed here accept any key, subject to the value cap.
var labelAllowList = map[string]map[string]bool{
	"messages.sent":              {"type": true, "priority": true},
	"messages.delivered":         {"mode": true},
	"messages.expired":           {"reason": true},
	"ratelimit.allowed":          {"backend": true},
	"ratelimit.denied":           {"dimension": true, "backend": true},
	"circuitbreaker.transitions": {"name": true, "from": true, "to": true},
	"circuitbreaker.prevented":   {"name": true},
	"tasks.distributed":          {"strategy": true},
	"tasks.completed":            {"status": true},
	"bridge.published":           {"subject": true},
	"bridge.publish_failures":    {"subject": true},
}

func allowedLabel(metricName, key string) bool {
	allowed, known := labelAllowList[metricName]
	if !known {
		return true
	}
	return allowed[key]
}

// attributes converts labels into OpenTelemetry attributes, applying the
// allow-list and the cardinality guard.
func (p *Provider) attributes(metricName string, labels map[string]string) metric.MeasurementOption {
	attrs := make([]attribute.KeyValue, 0, len(labels))
	for key, value := range labels {
		if !allowedLabel(metricName, key) {
			continue
		}
		attrs = append(attrs, attribute.String(key, p.cardinality.clamp(metricName, key, value)))
	}
	return metric.WithAttributes(attrs...)
}

// instrumentCache creates each counter once and reuses it. Creating an
// instrument per call would allocate and re-register on every metric
// point, so the cache takes a read lock on the hot path and double-checks
// under the write lock on first use.
type instrumentCache struct {
	meter    metric.Meter
	mu       sync.RWMutex
	counters map[string]metric.Float64Counter
}

func newInstrumentCache(meter metric.Meter) *instrumentCache {
	return &instrumentCache{
		meter:    meter,
		counters: make(map[string]metric.Float64Counter),
	}
}

func (c *instrumentCache) counter(name string) (metric.Float64Counter, error) {
	c.mu.RLock()
	counter, ok := c.counters[name]
	c.mu.RUnlock()
	if ok {
		return counter, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if counter, ok = c.counters[name]; ok {
		return counter, nil
	}
	counter, err := c.meter.Float64Counter(name)
	if err != nil {
		return nil, err
	}
	c.counters[name] = counter
	return counter, nil
}

// cardinalityGuard tracks the distinct values seen per metric label and
// rewrites values past the cap to "other". The tracked set is bounded by
// the cap itself, so the guard needs no eviction.
type cardinalityGuard struct {
	cap  int
	mu   sync.Mutex
	seen map[string]map[string]bool
}

func newCardinalityGuard(valueCap int) *cardinalityGuard {
	if valueCap <= 0 {
		valueCap = defaultLabelValueCap
	}
	return &cardinalityGuard{
		cap:  valueCap,
		seen: make(map[string]map[string]bool),
	}
}

func (g *cardinalityGuard) clamp(metricName, key, value string) string {
	seriesKey := metricName + "." + key

	g.mu.Lock()
	defer g.mu.Unlock()
	values := g.seen[seriesKey]
	if values == nil {
		values = make(map[string]bool)
		g.seen[seriesKey] = values
	}
	if values[value] {
		return value
	}
	if len(values) >= g.cap {
		return "other"
	}
	values[value] = true
	return value
}
