package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Collector tracks request governance metrics for Prometheus-compatible export
type Collector struct {
	mu sync.RWMutex

	// Request metrics
	requestsTotal    map[string]int64          // key: provider|model|status
	requestDurations map[string]*HistogramData // key: provider

	// Cache metrics
	cacheHits      int64
	cacheMisses    int64
	cacheStaleHits int64

	// Retry metrics
	retryTotal map[string]int64 // key: error class

	// Governance metrics
	circuitRejects int64
	activeRequests int64

	// Circuit breaker state: 0=closed, 1=open, 2=half_open
	circuitBreakerState int
}

// HistogramData stores histogram-like data for durations
type HistogramData struct {
	Count   int64
	Sum     float64
	Buckets map[float64]int64 // upper bound -> count
}

// DefaultBuckets are default histogram buckets in seconds
var DefaultBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	return &Collector{
		requestsTotal:    make(map[string]int64),
		requestDurations: make(map[string]*HistogramData),
		retryTotal:       make(map[string]int64),
	}
}

// RecordRequest records a completed upstream request
func (c *Collector) RecordRequest(provider, model string, statusCode int, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := provider + "|" + model + "|" + strconv.Itoa(statusCode)
	c.requestsTotal[key]++

	hd, ok := c.requestDurations[provider]
	if !ok {
		hd = &HistogramData{
			Buckets: make(map[float64]int64),
		}
		for _, b := range DefaultBuckets {
			hd.Buckets[b] = 0
		}
		c.requestDurations[provider] = hd
	}

	secs := duration.Seconds()
	hd.Count++
	hd.Sum += secs
	for _, bound := range DefaultBuckets {
		if secs <= bound {
			hd.Buckets[bound]++
		}
	}
}

// RecordCacheHit records a fresh cache hit
func (c *Collector) RecordCacheHit() {
	c.mu.Lock()
	c.cacheHits++
	c.mu.Unlock()
}

// RecordCacheStaleHit records a stale cache hit
func (c *Collector) RecordCacheStaleHit() {
	c.mu.Lock()
	c.cacheStaleHits++
	c.mu.Unlock()
}

// RecordCacheMiss records a cache miss
func (c *Collector) RecordCacheMiss() {
	c.mu.Lock()
	c.cacheMisses++
	c.mu.Unlock()
}

// RecordRetry records a retry attempt for the given error class
func (c *Collector) RecordRetry(class string) {
	c.mu.Lock()
	c.retryTotal[class]++
	c.mu.Unlock()
}

// RecordCircuitReject records a request rejected because the breaker is open
func (c *Collector) RecordCircuitReject() {
	c.mu.Lock()
	c.circuitRejects++
	c.mu.Unlock()
}

// RecordActiveRequest adjusts the in-flight request gauge by delta
func (c *Collector) RecordActiveRequest(delta int64) {
	c.mu.Lock()
	c.activeRequests += delta
	c.mu.Unlock()
}

// SetCircuitBreakerState sets the circuit breaker state gauge
func (c *Collector) SetCircuitBreakerState(state int) {
	c.mu.Lock()
	c.circuitBreakerState = state
	c.mu.Unlock()
}

// MetricsSnapshot holds a snapshot of all metrics
type MetricsSnapshot struct {
	RequestsTotal       map[string]int64              `json:"requests_total"`
	RequestDurations    map[string]*HistogramSnapshot `json:"request_durations"`
	CacheHits           int64                         `json:"cache_hits"`
	CacheMisses         int64                         `json:"cache_misses"`
	CacheStaleHits      int64                         `json:"cache_stale_hits"`
	RetryTotal          map[string]int64              `json:"retry_total"`
	CircuitRejects      int64                         `json:"circuit_rejects"`
	ActiveRequests      int64                         `json:"active_requests"`
	CircuitBreakerState int                           `json:"circuit_breaker_state"`
}

// HistogramSnapshot is a snapshot of histogram data
type HistogramSnapshot struct {
	Count   int64             `json:"count"`
	Sum     float64           `json:"sum"`
	Buckets map[float64]int64 `json:"buckets"`
}

// Snapshot returns a point-in-time snapshot of all metrics
func (c *Collector) Snapshot() *MetricsSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := &MetricsSnapshot{
		RequestsTotal:       make(map[string]int64),
		RequestDurations:    make(map[string]*HistogramSnapshot),
		CacheHits:           c.cacheHits,
		CacheMisses:         c.cacheMisses,
		CacheStaleHits:      c.cacheStaleHits,
		RetryTotal:          make(map[string]int64),
		CircuitRejects:      c.circuitRejects,
		ActiveRequests:      c.activeRequests,
		CircuitBreakerState: c.circuitBreakerState,
	}

	for k, v := range c.requestsTotal {
		snap.RequestsTotal[k] = v
	}

	for k, v := range c.requestDurations {
		hs := &HistogramSnapshot{
			Count:   v.Count,
			Sum:     v.Sum,
			Buckets: make(map[float64]int64),
		}
		for b, cnt := range v.Buckets {
			hs.Buckets[b] = cnt
		}
		snap.RequestDurations[k] = hs
	}

	for k, v := range c.retryTotal {
		snap.RetryTotal[k] = v
	}

	return snap
}

// Handler returns an http.Handler serving the Prometheus text format
func (c *Collector) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.WritePrometheus(w)
	})
}

// WritePrometheus writes metrics in Prometheus text exposition format
func (c *Collector) WritePrometheus(w http.ResponseWriter) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	// aigate_requests_total
	writeHelp(w, "aigate_requests_total", "Total number of upstream requests", "counter")
	for key, count := range c.requestsTotal {
		parts := splitKey(key, 3)
		if len(parts) == 3 {
			writeMetric(w, "aigate_requests_total", count,
				"provider", parts[0], "model", parts[1], "status", parts[2])
		}
	}

	// aigate_request_duration_seconds
	writeHelp(w, "aigate_request_duration_seconds", "Upstream request duration in seconds", "histogram")
	for provider, hd := range c.requestDurations {
		for _, bound := range DefaultBuckets {
			cnt := hd.Buckets[bound]
			writeMetricFloat(w, "aigate_request_duration_seconds_bucket", float64(cnt),
				"provider", provider, "le", strconv.FormatFloat(bound, 'f', -1, 64))
		}
		writeMetricFloat(w, "aigate_request_duration_seconds_bucket", float64(hd.Count),
			"provider", provider, "le", "+Inf")
		writeMetricFloat(w, "aigate_request_duration_seconds_sum", hd.Sum,
			"provider", provider)
		writeMetric(w, "aigate_request_duration_seconds_count", hd.Count,
			"provider", provider)
	}

	// aigate_cache_hits_total
	writeHelp(w, "aigate_cache_hits_total", "Total fresh cache hits", "counter")
	writeMetric(w, "aigate_cache_hits_total", c.cacheHits)

	// aigate_cache_stale_hits_total
	writeHelp(w, "aigate_cache_stale_hits_total", "Total stale cache hits", "counter")
	writeMetric(w, "aigate_cache_stale_hits_total", c.cacheStaleHits)

	// aigate_cache_misses_total
	writeHelp(w, "aigate_cache_misses_total", "Total cache misses", "counter")
	writeMetric(w, "aigate_cache_misses_total", c.cacheMisses)

	// aigate_retry_total
	writeHelp(w, "aigate_retry_total", "Total retry attempts by error class", "counter")
	for class, count := range c.retryTotal {
		writeMetric(w, "aigate_retry_total", count, "class", class)
	}

	// aigate_circuit_rejects_total
	writeHelp(w, "aigate_circuit_rejects_total", "Requests rejected while the circuit is open", "counter")
	writeMetric(w, "aigate_circuit_rejects_total", c.circuitRejects)

	// aigate_active_requests
	writeHelp(w, "aigate_active_requests", "Requests currently in flight", "gauge")
	writeMetric(w, "aigate_active_requests", c.activeRequests)

	// aigate_circuit_breaker_state
	writeHelp(w, "aigate_circuit_breaker_state", "Circuit breaker state (0=closed, 1=open, 2=half_open)", "gauge")
	writeMetric(w, "aigate_circuit_breaker_state", int64(c.circuitBreakerState))
}

func writeHelp(w http.ResponseWriter, name, help, metricType string) {
	w.Write([]byte("# HELP " + name + " " + help + "\n"))
	w.Write([]byte("# TYPE " + name + " " + metricType + "\n"))
}

func writeMetric(w http.ResponseWriter, name string, value int64, labels ...string) {
	line := name + formatLabels(labels) + " " + strconv.FormatInt(value, 10) + "\n"
	w.Write([]byte(line))
}

func writeMetricFloat(w http.ResponseWriter, name string, value float64, labels ...string) {
	line := name + formatLabels(labels) + " " + strconv.FormatFloat(value, 'f', -1, 64) + "\n"
	w.Write([]byte(line))
}

func formatLabels(labels []string) string {
	if len(labels) == 0 {
		return ""
	}
	result := "{"
	for i := 0; i < len(labels)-1; i += 2 {
		if i > 0 {
			result += ","
		}
		result += labels[i] + "=\"" + labels[i+1] + "\""
	}
	return result + "}"
}

func splitKey(key string, n int) []string {
	parts := make([]string, 0, n)
	start := 0
	for i := 0; i < len(key); i++ {
		if key[i] == '|' {
			parts = append(parts, key[start:i])
			start = i + 1
			if len(parts) == n-1 {
				parts = append(parts, key[start:])
				return parts
			}
		}
	}
	if start < len(key) {
		parts = append(parts, key[start:])
	}
	return parts
}
