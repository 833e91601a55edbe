package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// All methods are safe to call on a nil *Collector, which makes
// metrics optional for library users and tests.
type Collector struct {
	reg *prometheus.Registry

	FeedFetches *prometheus.CounterVec // feed, result label: ok|error|fallback
	FeedStale   *prometheus.CounterVec // feed
	FeedAge     *prometheus.GaugeVec   // feed, seconds since generation

	FetchDuration *prometheus.HistogramVec // feed

	StaticRows    *prometheus.GaugeVec // relation
	StaticSkipped *prometheus.GaugeVec // relation
	StaticLoads   *prometheus.CounterVec

	VehiclesResolved *prometheus.CounterVec // resolution label: trip|route|shape
	VehiclesDropped  prometheus.Counter

	ArrivalsServed *prometheus.CounterVec // source label: realtime|static
	WarningsActive prometheus.Gauge

	Published       *prometheus.CounterVec // result label: ok|error
	PublishDuration prometheus.Histogram
	NATSConnected   prometheus.Gauge
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		FeedFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "busboard_feed_fetches_total",
			Help: "Realtime feed fetches by outcome.",
		}, []string{"feed", "result"}),
		FeedStale: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "busboard_feed_stale_total",
			Help: "Times a stale realtime snapshot was served.",
		}, []string{"feed"}),
		FeedAge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "busboard_feed_age_seconds",
			Help: "Age of the current realtime snapshot at last fetch.",
		}, []string{"feed"}),
		FetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "busboard_feed_fetch_duration_seconds",
			Help:    "Duration to download and decode a realtime feed.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"feed"}),
		StaticRows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "busboard_static_rows",
			Help: "Rows loaded per static relation.",
		}, []string{"relation"}),
		StaticSkipped: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "busboard_static_skipped_rows",
			Help: "Malformed rows skipped per static relation.",
		}, []string{"relation"}),
		StaticLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "busboard_static_loads_total",
			Help: "Static schedule loads by outcome.",
		}, []string{"result"}),
		VehiclesResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "busboard_vehicles_resolved_total",
			Help: "Vehicles attributed to a route, by resolution strategy.",
		}, []string{"resolution"}),
		VehiclesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "busboard_vehicles_dropped_total",
			Help: "Vehicles that could not be attributed to a route.",
		}),
		ArrivalsServed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "busboard_arrivals_served_total",
			Help: "Arrivals returned on stop boards, by source.",
		}, []string{"source"}),
		WarningsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "busboard_warnings_active",
			Help: "Operational warnings currently derived for favorites.",
		}),
		Published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "busboard_vehicle_messages_published_total",
			Help: "Vehicle position messages published to NATS, by outcome.",
		}, []string{"result"}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "busboard_publish_duration_seconds",
			Help:    "Time spent publishing one vehicle message.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "busboard_nats_connected",
			Help: "1 while connected to NATS.",
		}),
	}

	reg.MustRegister(
		c.FeedFetches, c.FeedStale, c.FeedAge, c.FetchDuration,
		c.StaticRows, c.StaticSkipped, c.StaticLoads,
		c.VehiclesResolved, c.VehiclesDropped,
		c.ArrivalsServed, c.WarningsActive,
		c.Published, c.PublishDuration, c.NATSConnected,
	)

	return c
}

func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.reg
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

func (c *Collector) FeedFetched(feed string, result string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.FeedFetches.WithLabelValues(feed, result).Inc()
	c.FetchDuration.WithLabelValues(feed).Observe(elapsed.Seconds())
}

func (c *Collector) FeedServedStale(feed string) {
	if c == nil {
		return
	}
	c.FeedStale.WithLabelValues(feed).Inc()
}

func (c *Collector) SetFeedAge(feed string, age time.Duration) {
	if c == nil {
		return
	}
	c.FeedAge.WithLabelValues(feed).Set(age.Seconds())
}

func (c *Collector) StaticLoaded(result string) {
	if c == nil {
		return
	}
	c.StaticLoads.WithLabelValues(result).Inc()
}

func (c *Collector) SetRelation(relation string, rows, skipped int) {
	if c == nil {
		return
	}
	c.StaticRows.WithLabelValues(relation).Set(float64(rows))
	c.StaticSkipped.WithLabelValues(relation).Set(float64(skipped))
}

func (c *Collector) VehicleResolved(resolution string) {
	if c == nil {
		return
	}
	c.VehiclesResolved.WithLabelValues(resolution).Inc()
}

func (c *Collector) VehicleDropped() {
	if c == nil {
		return
	}
	c.VehiclesDropped.Inc()
}

func (c *Collector) ArrivalServed(realtime bool) {
	if c == nil {
		return
	}
	source := "static"
	if realtime {
		source = "realtime"
	}
	c.ArrivalsServed.WithLabelValues(source).Inc()
}

func (c *Collector) SetWarnings(n int) {
	if c == nil {
		return
	}
	c.WarningsActive.Set(float64(n))
}

func (c *Collector) NATSPublishedInc() {
	if c == nil {
		return
	}
	c.Published.WithLabelValues("ok").Inc()
}

func (c *Collector) NATSPublishErrInc() {
	if c == nil {
		return
	}
	c.Published.WithLabelValues("error").Inc()
}

func (c *Collector) PublishObserve(d time.Duration) {
	if c == nil {
		return
	}
	c.PublishDuration.Observe(d.Seconds())
}

func (c *Collector) NATSSetConnected(connected bool) {
	if c == nil {
		return
	}
	if connected {
		c.NATSConnected.Set(1)
	} else {
		c.NATSConnected.Set(0)
	}
}
