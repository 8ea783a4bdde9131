// Package location produces periodic position fixes for an active trip.
package location

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrNoFix is returned by a Source that has nothing new to report this tick.
	ErrNoFix = errors.New("location: no fix available")
	// ErrPermissionDenied is returned when the host has not granted location access.
	ErrPermissionDenied = errors.New("location: permission denied")
	ErrAlreadyRunning   = errors.New("location: stream already running")
)

type Fix struct {
	Lat      float64
	Lon      float64
	SpeedMps float64
	Bearing  float64
	Time     time.Time
}

// SpeedKmh converts the fix speed to whole km/h, truncating.
func (f Fix) SpeedKmh() int {
	if f.SpeedMps <= 0 {
		return 0
	}
	return int(f.SpeedMps * 3.6)
}

// Source yields the fix for a tick. Begin is called once per trip before the first Next.
type Source interface {
	Begin(ctx context.Context, busID string) error
	Next(ctx context.Context, now time.Time) (Fix, error)
}

// TickerStream polls a Source at a fixed interval and hands each fix to a sink.
// Delivery and Stop share a mutex, so a sink never runs after Stop returned.
type TickerStream struct {
	src      Source
	interval time.Duration
	log      zerolog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewTickerStream(src Source, interval time.Duration, logger zerolog.Logger) *TickerStream {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &TickerStream{src: src, interval: interval, log: logger}
}

// Start begins polling for busID. The first fix is attempted immediately.
// ctx bounds only the source's Begin; polling runs until Stop.
func (s *TickerStream) Start(ctx context.Context, busID string, sink func(Fix)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	if err := s.src.Begin(ctx, busID); err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(runCtx, busID, sink, s.done)
	return nil
}

// Stop cancels polling and waits for the loop to exit. Safe to call repeatedly.
func (s *TickerStream) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.running = false
	done := s.done
	s.mu.Unlock()
	<-done
}

func (s *TickerStream) loop(ctx context.Context, busID string, sink func(Fix), done chan struct{}) {
	defer close(done)
	tick := time.NewTicker(s.interval)
	defer tick.Stop()

	s.deliver(ctx, busID, sink, time.Now())
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-tick.C:
			s.deliver(ctx, busID, sink, now)
		}
	}
}

func (s *TickerStream) deliver(ctx context.Context, busID string, sink func(Fix), now time.Time) {
	fix, err := s.src.Next(ctx, now)
	if err != nil {
		if !errors.Is(err, ErrNoFix) && ctx.Err() == nil {
			s.log.Warn().Err(err).Str("bus_id", busID).Msg("location source error")
		}
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// Stop cancels under mu, so checking here orders delivery before Stop.
	if ctx.Err() != nil {
		return
	}
	sink(fix)
}
