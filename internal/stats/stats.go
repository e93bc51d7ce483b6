package stats

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	ActiveClients          = "ActiveClients"
	ActiveSubscriptions    = "ActiveSubscriptions"
	ActiveRooms            = "ActiveRooms"
	MessagesSent           = "MessagesSent"
	EventsPublished        = "EventsPublished"
	SlowSubscribersDropped = "SlowSubscribersDropped"
	BestEffortFailures     = "BestEffortFailures"
)

type StatsProvider interface {
	Incr(name string)
	Decr(name string)
	RegisterMetric(name string)
	Run()
}

type StatsUpdater struct {
	registry   *prometheus.Registry
	mu         sync.RWMutex
	gauges     map[string]prometheus.Gauge
	updateChan chan *metricsUpdateReq

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

type metricsUpdateReq struct {
	name  string
	value float64
}

// NewStatsUpdater creates a new stats updater and serves its registry at
// GET /metrics on mux.
func NewStatsUpdater(mux *http.ServeMux) *StatsUpdater {
	su := &StatsUpdater{
		registry:   prometheus.NewRegistry(),
		gauges:     make(map[string]prometheus.Gauge),
		updateChan: make(chan *metricsUpdateReq, 512),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gochat_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gochat_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "status"}),
	}

	su.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		su.httpRequests,
		su.httpDuration,
	)

	startTime := time.Now()
	su.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "gochat_uptime_seconds",
		Help: "Seconds since the process started",
	}, func() float64 {
		return time.Since(startTime).Seconds()
	}))

	mux.Handle("GET /metrics", promhttp.HandlerFor(su.registry, promhttp.HandlerOpts{}))

	return su
}

func metricName(name string) string {
	var b strings.Builder
	b.WriteString("gochat_")
	for i, r := range name {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (su *StatsUpdater) updateMetrics() {
	for req := range su.updateChan {
		su.mu.RLock()
		gauge, ok := su.gauges[req.name]
		su.mu.RUnlock()
		if !ok {
			panic("metric not found: " + req.name)
		}

		gauge.Add(req.value)
	}
}

func (su *StatsUpdater) Incr(name string) {
	su.updateChan <- &metricsUpdateReq{name: name, value: 1}
}

func (su *StatsUpdater) Decr(name string) {
	su.updateChan <- &metricsUpdateReq{name: name, value: -1}
}

func (su *StatsUpdater) RegisterMetric(name string) {
	su.mu.Lock()
	defer su.mu.Unlock()

	if _, ok := su.gauges[name]; ok {
		return
	}

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: metricName(name),
		Help: name,
	})
	su.registry.MustRegister(gauge)
	su.gauges[name] = gauge
}

func (su *StatsUpdater) Run() {
	go su.updateMetrics()
}

func (su *StatsUpdater) Stop() {
	close(su.updateChan)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack passes websocket upgrades through to the underlying writer.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Middleware records request counts and latency.
func (su *StatsUpdater) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		labels := prometheus.Labels{"method": r.Method, "status": strconv.Itoa(rec.status)}
		su.httpRequests.With(labels).Inc()
		su.httpDuration.With(labels).Observe(time.Since(start).Seconds())
	})
}
