package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"conductor-relay/internal/api"
	"conductor-relay/internal/auth"
	"conductor-relay/internal/config"
	"conductor-relay/internal/db"
	"conductor-relay/internal/location"
	clog "conductor-relay/internal/log"
	"conductor-relay/internal/metrics"
	"conductor-relay/internal/publisher"
	"conductor-relay/internal/remote"
	"conductor-relay/internal/trip"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		logger := clog.Base()
		logger.Error().Err(err).Msg("fatal")
		os.Exit(1)
	}
}

func run() error {
	// Load configuration from .env and environment
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	clog.Configure(clog.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	logger := clog.WithComponent("main")

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sqlDB, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("db open: %w", err)
	}
	defer sqlDB.Close()
	if err := db.Ping(ctx, sqlDB); err != nil {
		return fmt.Errorf("db ping: %w", err)
	}
	if err := db.EnsureSchema(ctx, sqlDB); err != nil {
		return fmt.Errorf("db schema: %w", err)
	}
	store := db.NewStore(sqlDB)

	// Metrics setup
	var mcol *metrics.Collector
	if cfg.MetricsAddr != "" {
		mcol = metrics.NewCollector(cfg.LocationInterval)
	}

	pub, err := publisher.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubjectPrefix, cfg.LogNATSSubjects,
		wrapPublisherMetrics(mcol), clog.WithComponent("nats"))
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer pub.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	defer rdb.Close()
	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	err = rdb.Ping(pingCtx).Err()
	pingCancel()
	if err != nil {
		return fmt.Errorf("redis connection failed: %w", err)
	}

	authSvc := auth.NewService(rdb, store, auth.LogSender{Log: clog.WithComponent("otp")}, auth.Options{
		CountryCode: cfg.PhoneCountryCode,
		OTPTTL:      cfg.OTPTTL,
		SessionTTL:  cfg.SessionTTL,
		PerMinute:   cfg.OTPPerMinute,
		Logger:      clog.WithComponent("auth"),
		Metrics:     wrapAuthMetrics(mcol),
	})

	validator := remote.NewValidator(store)
	channel := remote.NewChannel(store, pub, clog.WithComponent("channel"))

	var (
		src    location.Source
		pusher trip.FixPusher
	)
	switch cfg.LocationSource {
	case config.LocationSourceRoute:
		src = location.NewRouteWalker(validator, cfg.SimSpeedKmh)
	default:
		ps := location.NewPushSource(cfg.LocationMaxAge)
		src, pusher = ps, ps
	}
	stream := location.NewTickerStream(src, cfg.LocationInterval, clog.WithComponent("location"))

	session := trip.NewSession(validator, channel, stream, trip.Options{
		RemoteTimeout: cfg.RemoteTimeout,
		Logger:        clog.WithComponent("trip"),
		Metrics:       wrapTripMetrics(mcol),
	})
	ctrl := trip.NewController(session, authSvc, pusher, clog.WithComponent("controller"))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.New(ctrl, authSvc, api.Options{Logger: clog.WithComponent("http")}).Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", cfg.HTTPAddr).Str("location_source", cfg.LocationSource).Msg("http listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if mcol != nil {
		msrv := mcol.Serve(cfg.MetricsAddr, clog.WithComponent("metrics"))
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			return msrv.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdown(logger, srv, ctrl, httpGrace, cfg.RemoteTimeout+5*time.Second)
		return nil
	})

	err = g.Wait()
	logger.Info().Msg("shutdown complete")
	return err
}

// httpGrace bounds how long open requests, long polls included, may run
// once shutdown starts.
const httpGrace = 5 * time.Second

type httpServer interface {
	Shutdown(ctx context.Context) error
	Close() error
}

type tripShutdowner interface {
	Shutdown(ctx context.Context) error
}

// shutdown stops taking intents, then ends any active trip so the bus goes
// offline. The trip gets its own budget, however long HTTP took to drain.
func shutdown(logger zerolog.Logger, srv httpServer, trips tripShutdowner, httpWait, tripWait time.Duration) {
	httpCtx, cancel := context.WithTimeout(context.Background(), httpWait)
	err := srv.Shutdown(httpCtx)
	cancel()
	if err != nil {
		logger.Warn().Err(err).Msg("http shutdown, closing remaining connections")
		_ = srv.Close()
	}

	tripCtx, cancel := context.WithTimeout(context.Background(), tripWait)
	defer cancel()
	if err := trips.Shutdown(tripCtx); err != nil {
		logger.Warn().Err(err).Msg("trip shutdown")
	}
}

// wrapPublisherMetrics adapts our Collector to the PublisherMetrics interface.
func wrapPublisherMetrics(c *metrics.Collector) publisher.PublisherMetrics {
	if c == nil {
		return nil
	}
	return &pubMetrics{c: c}
}

type pubMetrics struct{ c *metrics.Collector }

func (p *pubMetrics) NATSPublishedInc()              { p.c.NATSPublished.Inc() }
func (p *pubMetrics) NATSPublishErrInc()             { p.c.NATSPublishErrs.Inc() }
func (p *pubMetrics) PublishObserve(d time.Duration) { p.c.PublishDuration.Observe(d.Seconds()) }
func (p *pubMetrics) NATSSetConnected(b bool) {
	if b {
		p.c.NATSConnected.Set(1)
	} else {
		p.c.NATSConnected.Set(0)
	}
}

func wrapTripMetrics(c *metrics.Collector) trip.Metrics {
	if c == nil {
		return nil
	}
	return &tripMetrics{c: c}
}

type tripMetrics struct{ c *metrics.Collector }

func (t *tripMetrics) Intent(intent, result string) {
	t.c.Intents.WithLabelValues(intent, result).Inc()
}

func (t *tripMetrics) RemoteCall(op string, d time.Duration, err error) {
	t.c.RemoteCallDuration.WithLabelValues(op).Observe(d.Seconds())
	if err != nil {
		t.c.RemoteCallErrors.WithLabelValues(op).Inc()
	}
}

func (t *tripMetrics) TripStarted() { t.c.TripsStarted.Inc(); t.c.ActiveTrips.Set(1) }
func (t *tripMetrics) TripEnded()   { t.c.TripsEnded.Inc(); t.c.ActiveTrips.Set(0) }

func (t *tripMetrics) SeatsAdjusted(delta int) {
	dir := "up"
	if delta < 0 {
		dir = "down"
	}
	t.c.SeatAdjusts.WithLabelValues(dir).Inc()
}

func (t *tripMetrics) LocationWritten(err error) {
	res := "ok"
	if err != nil {
		res = "error"
	}
	t.c.LocationWrite.WithLabelValues(res).Inc()
}

func wrapAuthMetrics(c *metrics.Collector) auth.Metrics {
	if c == nil {
		return nil
	}
	return &authMetrics{c: c}
}

type authMetrics struct{ c *metrics.Collector }

func (a *authMetrics) OTPRequested(result string) { a.c.OTPSent.WithLabelValues(result).Inc() }
func (a *authMetrics) OTPVerified(result string)  { a.c.OTPVerified.WithLabelValues(result).Inc() }
