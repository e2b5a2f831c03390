// Package metrics exposes Prometheus collectors for the feed client and the
// reference server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentworkforce/relayfeed/internal/feedsync"
)

// Collector records feed synchronisation events. It satisfies
// feedsync.Recorder.
type Collector struct {
	pushDelivered prometheus.Counter
	pushDropped   *prometheus.CounterVec
	parseFailed   prometheus.Counter
	pagesLoaded   *prometheus.CounterVec
	pageItems     prometheus.Counter
	pagesFailed   *prometheus.CounterVec
	staleResults  *prometheus.CounterVec
	rollbacks     *prometheus.CounterVec
	phase         prometheus.Gauge
}

var _ feedsync.Recorder = (*Collector)(nil)

func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		pushDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relayfeed_push_delivered_total",
			Help: "Push notifications admitted into the feed.",
		}),
		pushDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relayfeed_push_dropped_total",
			Help: "Push notifications dropped, by reason.",
		}, []string{"reason"}),
		parseFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relayfeed_push_parse_fail_total",
			Help: "Malformed push payloads.",
		}),
		pagesLoaded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relayfeed_pages_loaded_total",
			Help: "Pull pages applied to the feed.",
		}, []string{"page"}),
		pageItems: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relayfeed_page_items_total",
			Help: "Items added to the feed from pull pages.",
		}),
		pagesFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relayfeed_pages_failed_total",
			Help: "Pull page requests that failed.",
		}, []string{"page"}),
		staleResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relayfeed_stale_results_total",
			Help: "Async results discarded after a reset or disable.",
		}, []string{"op"}),
		rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relayfeed_mutation_rollbacks_total",
			Help: "Optimistic read-state changes rolled back after a failed call.",
		}, []string{"op"}),
		phase: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relayfeed_stream_phase",
			Help: "Current stream phase (0 disabled, 1 idle, 2 loading, 3 ready, 4 error).",
		}),
	}

	reg.MustRegister(
		c.pushDelivered,
		c.pushDropped,
		c.parseFailed,
		c.pagesLoaded,
		c.pageItems,
		c.pagesFailed,
		c.staleResults,
		c.rollbacks,
		c.phase,
	)
	return c
}

func (c *Collector) PushDelivered() {
	c.pushDelivered.Inc()
}

func (c *Collector) PushDropped(reason string) {
	c.pushDropped.WithLabelValues(reason).Inc()
}

func (c *Collector) ParseFailed() {
	c.parseFailed.Inc()
}

func (c *Collector) PageLoaded(first bool, items int) {
	c.pagesLoaded.WithLabelValues(pageLabel(first)).Inc()
	if items > 0 {
		c.pageItems.Add(float64(items))
	}
}

func (c *Collector) PageFailed(first bool) {
	c.pagesFailed.WithLabelValues(pageLabel(first)).Inc()
}

func (c *Collector) StaleDiscarded(op string) {
	c.staleResults.WithLabelValues(op).Inc()
}

func (c *Collector) MutationRolledBack(op string) {
	c.rollbacks.WithLabelValues(op).Inc()
}

func (c *Collector) PhaseChanged(phase feedsync.Phase) {
	c.phase.Set(float64(phase))
}

// ServerCollector records reference server activity.
type ServerCollector struct {
	published   prometheus.Counter
	marked      *prometheus.CounterVec
	openStreams prometheus.Gauge
	rateLimited prometheus.Counter
}

func NewServerCollector(reg prometheus.Registerer) *ServerCollector {
	c := &ServerCollector{
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relayfeed_server_published_total",
			Help: "Notifications published to user inboxes.",
		}),
		marked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relayfeed_server_marked_read_total",
			Help: "Mark-read requests served, by kind.",
		}, []string{"kind"}),
		openStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relayfeed_server_open_streams",
			Help: "Websocket push streams currently open.",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relayfeed_server_rate_limited_total",
			Help: "Requests rejected by the per-user rate limiter.",
		}),
	}
	reg.MustRegister(c.published, c.marked, c.openStreams, c.rateLimited)
	return c
}

func (c *ServerCollector) Published() {
	c.published.Inc()
}

func (c *ServerCollector) MarkedRead(kind string) {
	c.marked.WithLabelValues(kind).Inc()
}

func (c *ServerCollector) StreamOpened() {
	c.openStreams.Inc()
}

func (c *ServerCollector) StreamClosed() {
	c.openStreams.Dec()
}

func (c *ServerCollector) RateLimited() {
	c.rateLimited.Inc()
}

// Handler serves the registry in the Prometheus text format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

func pageLabel(first bool) string {
	if first {
		return "first"
	}
	return "next"
}
