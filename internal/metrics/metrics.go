package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

type Collector struct {
	reg *prometheus.Registry

	Intents *prometheus.CounterVec // intent, result: ok|rejected|failed

	RemoteCallDuration *prometheus.HistogramVec // op
	RemoteCallErrors   *prometheus.CounterVec   // op

	ActiveTrips   prometheus.Gauge
	TripsStarted  prometheus.Counter
	TripsEnded    prometheus.Counter
	SeatAdjusts   *prometheus.CounterVec // direction: up|down
	LocationWrite *prometheus.CounterVec // result: ok|error

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge
	PublishDuration prometheus.Histogram

	OTPSent     *prometheus.CounterVec // result: sent|invalid|unregistered|limited|error
	OTPVerified *prometheus.CounterVec // result: ok|mismatch|expired|error

	LocationInterval prometheus.Gauge // seconds
}

func NewCollector(locationInterval time.Duration) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		Intents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_intents_total",
			Help: "Conductor intents by outcome.",
		}, []string{"intent", "result"}),
		RemoteCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "conductor_remote_call_duration_seconds",
			Help:    "Duration of calls to the bus validator and trip channel.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}, []string{"op"}),
		RemoteCallErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_remote_call_errors_total",
			Help: "Failed calls to the bus validator and trip channel.",
		}, []string{"op"}),
		ActiveTrips: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "conductor_active_trips",
			Help: "1 while a trip is active on this relay, 0 otherwise.",
		}),
		TripsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conductor_trips_started_total",
			Help: "Total trips started.",
		}),
		TripsEnded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conductor_trips_ended_total",
			Help: "Total trips ended.",
		}),
		SeatAdjusts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_seat_adjustments_total",
			Help: "Optimistic seat adjustments by direction.",
		}, []string{"direction"}),
		LocationWrite: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_location_writes_total",
			Help: "Location updates written to the trip channel.",
		}, []string{"result"}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conductor_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conductor_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "conductor_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "conductor_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		OTPSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_otp_requests_total",
			Help: "OTP requests by result.",
		}, []string{"result"}),
		OTPVerified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_otp_verifications_total",
			Help: "OTP verifications by result.",
		}, []string{"result"}),
		LocationInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "conductor_location_interval_seconds",
			Help: "Location stream interval in seconds.",
		}),
	}

	reg.MustRegister(
		c.Intents, c.RemoteCallDuration, c.RemoteCallErrors,
		c.ActiveTrips, c.TripsStarted, c.TripsEnded, c.SeatAdjusts, c.LocationWrite,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected, c.PublishDuration,
		c.OTPSent, c.OTPVerified, c.LocationInterval,
	)

	c.LocationInterval.Set(locationInterval.Seconds())

	return c
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string, logger zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()
	logger.Info().Str("addr", addr).Msg("metrics listening")
	return srv
}
