package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

type Collector struct {
	reg *prometheus.Registry

	LocksHeld      prometheus.Gauge
	LockConflicts  prometheus.Counter
	ActiveSessions prometheus.Gauge

	Samples          *prometheus.CounterVec // outcome label: started|appended|duplicate|rejected|failed
	TripsStarted     prometheus.Counter
	TripsArchived    prometheus.Counter
	ArchiveFailures  prometheus.Counter
	ArchiveRetryLen  prometheus.Gauge
	StorageErrors    *prometheus.CounterVec // op label
	TrackingStopped  prometheus.Counter
	BroadcastDropped prometheus.Counter

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge

	SampleDuration  prometheus.Histogram
	PublishDuration prometheus.Histogram
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		LocksHeld: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_route_locks_held",
			Help: "Number of routes currently locked by a driver session.",
		}),
		LockConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_route_lock_conflicts_total",
			Help: "Authentication attempts denied because the route was held by another session.",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_sessions_active",
			Help: "Number of open client sessions.",
		}),
		Samples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_location_samples_total",
			Help: "Location samples by outcome.",
		}, []string{"outcome"}),
		TripsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_trips_started_total",
			Help: "Total trips started.",
		}),
		TripsArchived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_trips_archived_total",
			Help: "Total trip records written to the archive.",
		}),
		ArchiveFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_archive_failures_total",
			Help: "Trip archive writes that failed.",
		}),
		ArchiveRetryLen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_archive_retry_queue_length",
			Help: "Trip records waiting for an archive retry.",
		}),
		StorageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_storage_errors_total",
			Help: "Location store and archive errors by operation.",
		}, []string{"op"}),
		TrackingStopped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_tracking_stopped_total",
			Help: "Routes released by driver disconnect or trip end.",
		}),
		BroadcastDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_broadcast_dropped_total",
			Help: "Events not delivered because a subscriber was closed or too slow.",
		}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		SampleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_sample_duration_seconds",
			Help:    "Duration to record a location sample, storage included.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
	}

	reg.MustRegister(
		c.LocksHeld, c.LockConflicts, c.ActiveSessions,
		c.Samples, c.TripsStarted, c.TripsArchived, c.ArchiveFailures, c.ArchiveRetryLen,
		c.StorageErrors, c.TrackingStopped, c.BroadcastDropped,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected,
		c.SampleDuration, c.PublishDuration,
	)

	return c
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string, log logrus.FieldLogger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("metrics server error")
		}
	}()
	log.WithField("addr", addr).Info("metrics listening")
	return srv
}
