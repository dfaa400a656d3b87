// Package metrics exposes Prometheus collectors for the reply pipeline.
package metrics

import (
	"time"

	"github.com/ashureev/chaincord/internal/chain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "chaincord"

// Reply outcomes.
const (
	OutcomeComplete   = "complete"
	OutcomeIncomplete = "incomplete"
	OutcomeFailed     = "failed"
)

// CacheSource reports node cache counters.
type CacheSource interface {
	Stats() chain.Stats
}

// WalkerSource reports how many nodes a walker has resolved.
type WalkerSource interface {
	Resolutions() uint64
}

// Metrics holds the pipeline's collectors.
type Metrics struct {
	Replies       *prometheus.CounterVec
	Pages         prometheus.Counter
	Edits         prometheus.Counter
	Ignored       *prometheus.CounterVec
	Pruned        prometheus.Counter
	ReplyDuration prometheus.Histogram
}

// NewRegistry returns a registry carrying the Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// New creates and registers the pipeline collectors. The cache and walker
// sources are sampled on scrape.
func New(reg prometheus.Registerer, cache CacheSource, walker WalkerSource) *Metrics {
	m := &Metrics{
		Replies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replies_total",
			Help:      "Replies sent, by outcome.",
		}, []string{"outcome"}),
		Pages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reply_pages_total",
			Help:      "Reply pages created.",
		}),
		Edits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reply_edits_total",
			Help:      "Message edits issued while streaming.",
		}),
		Ignored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_ignored_total",
			Help:      "Inbound messages dropped before a reply, by reason.",
		}, []string{"reason"}),
		Pruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_pruned_total",
			Help:      "Reply ledger rows removed by retention.",
		}),
		ReplyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reply_duration_seconds",
			Help:      "Time from trigger to final page.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 160},
		}),
	}

	reg.MustRegister(m.Replies, m.Pages, m.Edits, m.Ignored, m.Pruned, m.ReplyDuration)

	if cache != nil {
		reg.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "node_cache",
				Name:      "size",
				Help:      "Message nodes currently cached.",
			}, func() float64 { return float64(cache.Stats().Size) }),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "node_cache",
				Name:      "hits_total",
				Help:      "Node lookups served from the cache.",
			}, func() float64 { return float64(cache.Stats().Hits) }),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "node_cache",
				Name:      "misses_total",
				Help:      "Node lookups that created a node.",
			}, func() float64 { return float64(cache.Stats().Misses) }),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "node_cache",
				Name:      "evictions_total",
				Help:      "Nodes evicted to stay under the size limit.",
			}, func() float64 { return float64(cache.Stats().Evictions) }),
		)
	}
	if walker != nil {
		reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_resolutions_total",
			Help:      "Message nodes resolved from the platform.",
		}, func() float64 { return float64(walker.Resolutions()) }))
	}
	return m
}

// ObserveReply records one finished reply.
func (m *Metrics) ObserveReply(outcome string, pages, edits int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Replies.WithLabelValues(outcome).Inc()
	m.Pages.Add(float64(pages))
	m.Edits.Add(float64(edits))
	m.ReplyDuration.Observe(elapsed.Seconds())
}

// ObserveIgnored records a dropped inbound message.
func (m *Metrics) ObserveIgnored(reason string) {
	if m == nil {
		return
	}
	m.Ignored.WithLabelValues(reason).Inc()
}

// ObservePruned records rows removed by retention.
func (m *Metrics) ObservePruned(n int64) {
	if m == nil {
		return
	}
	m.Pruned.Add(float64(n))
}
