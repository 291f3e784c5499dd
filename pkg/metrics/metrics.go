package metrics

import (
	"net/http"

	"github.com/amoylab/syncroom/internal/common/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus instruments for one engine instance.
type Metrics struct {
	registry  *prometheus.Registry
	namespace string

	envelopesIn      *prometheus.CounterVec
	envelopesOut     *prometheus.CounterVec
	envelopesDropped *prometheus.CounterVec
	dispatchDur      *prometheus.HistogramVec
	outboundQueue    prometheus.Gauge
	reconnects       prometheus.Counter
	sweepEvictions   *prometheus.CounterVec
}

// New builds a Metrics registry with engine instruments plus the standard
// process and Go collectors.
func New(cfg config.MetricsConfig) *Metrics {
	ns := cfg.Namespace
	if ns == "" {
		ns = "syncroom"
	}
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	r := prometheus.NewRegistry()
	r.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	r.MustRegister(collectors.NewGoCollector())

	envelopesIn := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "envelopes_inbound_total"}, []string{"type"})
	envelopesOut := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "envelopes_outbound_total"}, []string{"type"})
	envelopesDropped := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "envelopes_dropped_total"}, []string{"reason"})
	dispatchDur := prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: ns, Name: "dispatch_duration_seconds", Buckets: buckets}, []string{"type"})
	outboundQueue := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: ns, Name: "outbound_queue_depth"})
	reconnects := prometheus.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: "reconnect_attempts_total"})
	sweepEvictions := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "sweep_evictions_total"}, []string{"store"})
	r.MustRegister(envelopesIn, envelopesOut, envelopesDropped, dispatchDur, outboundQueue, reconnects, sweepEvictions)

	return &Metrics{
		registry:         r,
		namespace:        ns,
		envelopesIn:      envelopesIn,
		envelopesOut:     envelopesOut,
		envelopesDropped: envelopesDropped,
		dispatchDur:      dispatchDur,
		outboundQueue:    outboundQueue,
		reconnects:       reconnects,
		sweepEvictions:   sweepEvictions,
	}
}

// IncInbound counts a dispatched inbound envelope by type.
func (m *Metrics) IncInbound(msgType string) {
	if m == nil {
		return
	}
	m.envelopesIn.WithLabelValues(msgType).Inc()
}

// IncOutbound counts an enqueued outbound envelope by type.
func (m *Metrics) IncOutbound(msgType string) {
	if m == nil {
		return
	}
	m.envelopesOut.WithLabelValues(msgType).Inc()
}

// IncDropped counts a dropped envelope by reason ("malformed", "unknown_type", "disabled").
func (m *Metrics) IncDropped(reason string) {
	if m == nil {
		return
	}
	m.envelopesDropped.WithLabelValues(reason).Inc()
}

// ObserveDispatch records handler latency for an envelope type.
func (m *Metrics) ObserveDispatch(msgType string, seconds float64) {
	if m == nil {
		return
	}
	m.dispatchDur.WithLabelValues(msgType).Observe(seconds)
}

// SetQueueDepth publishes the current outbound queue length.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.outboundQueue.Set(float64(n))
}

// IncReconnect counts a reconnect attempt.
func (m *Metrics) IncReconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

// AddEvictions counts entries removed from a store during a sweep.
func (m *Metrics) AddEvictions(store string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sweepEvictions.WithLabelValues(store).Add(float64(n))
}

// Handler exposes the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
