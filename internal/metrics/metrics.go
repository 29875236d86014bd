package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the models and status server
	Registry = prometheus.NewRegistry()

	// FlowsProcessed counts flow records read by model and commodity
	FlowsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "trucksynth_flows_processed_total", Help: "Commodity flow records processed."},
		[]string{"model", "commodity"},
	)
	// TonsProcessed sums annual tons converted into trucks
	TonsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "trucksynth_tons_processed_total", Help: "Annual tons converted into trucks."},
		[]string{"model", "commodity"},
	)
	// FlowsSkipped counts flows or cells dropped by reason
	FlowsSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "trucksynth_flows_skipped_total", Help: "Flows or cells dropped, by reason."},
		[]string{"model", "reason"},
	)
	// BalancerIterations tracks IPF iterations by usage
	BalancerIterations = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "trucksynth_balancer_iterations", Help: "IPF iterations per balancing run.", Buckets: []float64{1, 2, 3, 5, 10, 20, 50, 100}},
		[]string{"usage", "converged"},
	)
	// CommodityDuration records per-commodity processing time in seconds
	CommodityDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "trucksynth_commodity_duration_seconds", Help: "Time to process one commodity.", Buckets: prometheus.DefBuckets},
		[]string{"model"},
	)
	// Trips holds the daily trips of the last finished run by table and class
	Trips = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "trucksynth_trips", Help: "Daily trips of the last run."},
		[]string{"model", "table", "class"},
	)

	// HTTPRequests counts status-server requests by method, path, and status
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	// HTTPDuration records request durations in seconds
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// WebhookDeliveries counts webhook delivery outcomes by event type and status
	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_deliveries_total", Help: "Webhook deliveries by event type and status."},
		[]string{"event_type", "status"},
	)
	// WebhookLatency tracks webhook delivery latencies in milliseconds
	WebhookLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "webhook_delivery_latency_ms", Help: "Webhook delivery latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000}},
		[]string{"event_type", "status"},
	)
)

// RegisterDefault registers collectors to the default registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(FlowsProcessed, TonsProcessed, FlowsSkipped, BalancerIterations, CommodityDuration, Trips)
		Registry.MustRegister(HTTPRequests, HTTPDuration)
		Registry.MustRegister(WebhookDeliveries, WebhookLatency)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once

// ObserveBalance records one balancing run.
func ObserveBalance(usage string, iterations int, converged bool) {
	c := "false"
	if converged {
		c = "true"
	}
	BalancerIterations.WithLabelValues(usage, c).Observe(float64(iterations))
}
