package trip

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"conductor-relay/internal/location"

	"github.com/rs/zerolog"
)

type pendingOp int

const (
	opNone pendingOp = iota
	opScan
	opConfirm
)

// Options tune a Session. Zero values pick defaults.
type Options struct {
	RemoteTimeout time.Duration
	Logger        zerolog.Logger
	Metrics       Metrics
}

// Session owns the lifecycle of the device's single trip.
//
// All state lives behind mu. Scan and Confirm release mu while they wait on the
// remote side and mark the session pending, so further intents are accepted
// (and duplicates rejected) meanwhile. Seat, message and at-stop intents apply
// locally and fire their remote call in the background; completions re-enter
// through mu and are dropped when the trip they belong to is over.
type Session struct {
	validator BusValidator
	channel   RemoteTripChannel
	stream    LocationStream
	timeout   time.Duration
	log       zerolog.Logger
	metrics   Metrics

	mu      sync.Mutex
	phase   Phase
	pending pendingOp
	lastErr *TripError
	version uint64
	changed chan struct{}
	// epoch guards background completions. It moves on trip start and end and
	// on every settled Scan or Cancel, so a late failure never lands on a newer state.
	epoch      uint64
	tripCancel context.CancelFunc

	inflight sync.WaitGroup
}

func NewSession(v BusValidator, ch RemoteTripChannel, stream LocationStream, opts Options) *Session {
	if opts.RemoteTimeout <= 0 {
		opts.RemoteTimeout = 10 * time.Second
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	return &Session{
		validator: v,
		channel:   ch,
		stream:    stream,
		timeout:   opts.RemoteTimeout,
		log:       opts.Logger,
		metrics:   opts.Metrics,
		phase:     ScanningBus{},
		changed:   make(chan struct{}),
	}
}

// State returns the current snapshot.
func (s *Session) State() TripState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot()
}

// Watch blocks until the state version exceeds after, then returns the
// snapshot. On ctx expiry it returns the current snapshot and ctx.Err().
func (s *Session) Watch(ctx context.Context, after uint64) (TripState, error) {
	for {
		s.mu.Lock()
		if s.version > after {
			st := s.snapshot()
			s.mu.Unlock()
			return st, nil
		}
		ch := s.changed
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return s.State(), ctx.Err()
		case <-ch:
		}
	}
}

// Wait blocks until every background remote call has completed.
func (s *Session) Wait() {
	s.inflight.Wait()
}

// Scan validates a scanned bus id and moves to AwaitingConfirmation.
func (s *Session) Scan(ctx context.Context, busID string) error {
	busID = strings.TrimSpace(busID)
	if busID == "" {
		return ErrBlankBusID
	}

	s.mu.Lock()
	if err := s.acceptBlocking(PhaseScanningBus); err != nil {
		s.mu.Unlock()
		return err
	}
	s.pending = opScan
	s.touch()
	s.mu.Unlock()

	bus, err := s.validate(ctx, busID)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = opNone
	s.epoch++
	if err != nil {
		s.lastErr = lookupError(err)
		s.touch()
		s.log.Info().Err(err).Str("bus_id", busID).Msg("bus lookup failed")
		return s.lastErr
	}
	s.phase = AwaitingConfirmation{Bus: bus}
	s.lastErr = nil
	s.touch()
	return nil
}

// Confirm starts the trip for the scanned bus. The session only becomes
// Active after the channel acknowledged the start; a failed start keeps the
// bus so the operator can retry without rescanning.
func (s *Session) Confirm(ctx context.Context) error {
	_, err := s.confirm(ctx)
	return err
}

// confirm returns the id of the bus whose trip it started.
func (s *Session) confirm(ctx context.Context) (string, error) {
	s.mu.Lock()
	if err := s.acceptBlocking(PhaseAwaitingConfirmation); err != nil {
		s.mu.Unlock()
		return "", err
	}
	bus := s.phase.(AwaitingConfirmation).Bus
	s.pending = opConfirm
	s.touch()
	s.mu.Unlock()

	busID := bus.BusID
	if err := s.call(ctx, "start", func(ctx context.Context) error {
		return s.channel.Start(ctx, busID)
	}); err != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.pending = opNone
		s.lastErr = transient("could not start trip", err)
		s.touch()
		s.log.Warn().Err(err).Str("bus_id", busID).Msg("start trip failed")
		return "", s.lastErr
	}

	var warn *TripError
	if fresh, err := s.validate(ctx, busID); err != nil {
		warn = transient("could not load trip data", err)
		s.log.Warn().Err(err).Str("bus_id", busID).Msg("initial trip data unavailable")
	} else {
		bus = fresh
	}

	// Start is bounded like any remote call; the stream itself runs until Stop.
	tripCtx, cancel := context.WithCancel(context.Background())
	if err := s.call(ctx, "location_start", func(ctx context.Context) error {
		return s.stream.Start(ctx, busID, s.locationSink(tripCtx, busID))
	}); err != nil {
		warn = locationError(err)
		s.log.Warn().Err(err).Str("bus_id", busID).Msg("location stream did not start")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = opNone
	s.epoch++
	s.tripCancel = cancel
	s.phase = Active{Bus: bus, VacantSeats: max(bus.VacantSeats, 0)}
	s.lastErr = warn
	s.touch()
	s.metrics.TripStarted()
	s.log.Info().Str("bus_id", busID).Int("vacant_seats", bus.VacantSeats).Msg("trip started")
	return busID, nil
}

// Cancel drops the scanned bus and returns to scanning.
func (s *Session) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.acceptBlocking(PhaseAwaitingConfirmation); err != nil {
		return err
	}
	s.epoch++
	s.phase = ScanningBus{}
	s.lastErr = nil
	s.touch()
	return nil
}

func (s *Session) IncrementSeats() error { return s.adjustSeats(1) }

// DecrementSeats is a no-op at zero seats.
func (s *Session) DecrementSeats() error { return s.adjustSeats(-1) }

func (s *Session) adjustSeats(delta int) error {
	s.mu.Lock()
	a, ok := s.phase.(Active)
	if !ok {
		err := s.invalid("adjust seats")
		s.mu.Unlock()
		return err
	}
	if a.VacantSeats+delta < 0 {
		s.mu.Unlock()
		return nil
	}
	a.VacantSeats += delta
	s.phase = a
	s.lastErr = nil
	s.touch()
	busID, epoch := a.Bus.BusID, s.epoch
	s.mu.Unlock()

	s.metrics.SeatsAdjusted(delta)
	s.background(epoch, "adjust_seats", "could not update seats", func(ctx context.Context) error {
		return s.channel.AdjustSeats(ctx, busID, delta)
	}, nil)
	return nil
}

// SendMessage broadcasts a free-form status message for the bus.
func (s *Session) SendMessage(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrBlankMessage
	}
	s.mu.Lock()
	a, ok := s.phase.(Active)
	if !ok {
		err := s.invalid("send message")
		s.mu.Unlock()
		return err
	}
	s.lastErr = nil
	s.touch()
	busID, epoch := a.Bus.BusID, s.epoch
	s.mu.Unlock()

	s.background(epoch, "status_message", "could not send message", func(ctx context.Context) error {
		return s.channel.SetStatusMessage(ctx, busID, text)
	}, nil)
	return nil
}

// AtStop announces arrival at the next stop. Once the announcement is
// acknowledged the next stop advances along the route.
func (s *Session) AtStop() error {
	s.mu.Lock()
	a, ok := s.phase.(Active)
	if !ok {
		err := s.invalid("at stop")
		s.mu.Unlock()
		return err
	}
	name, ok := a.nextStopName()
	if !ok {
		name = "the current stop"
	}
	s.lastErr = nil
	s.touch()
	busID, epoch, announced := a.Bus.BusID, s.epoch, a.NextStop
	s.mu.Unlock()

	msg := "Bus is at " + name
	s.background(epoch, "status_message", "could not send message", func(ctx context.Context) error {
		return s.channel.SetStatusMessage(ctx, busID, msg)
	}, func() {
		cur, ok := s.phase.(Active)
		if !ok || cur.NextStop != announced || announced >= len(cur.Bus.Stops) {
			return
		}
		cur.NextStop++
		s.phase = cur
		s.touch()
	})
	return nil
}

// End stops location broadcasting, resets to ScanningBus and marks the bus
// offline in the background. The stream is stopped before anything else and
// regardless of whether the remote write later succeeds.
func (s *Session) End() error {
	_, err := s.end()
	return err
}

func (s *Session) end() (string, error) {
	s.mu.Lock()
	if s.pending != opNone {
		s.mu.Unlock()
		return "", ErrAlreadyInProgress
	}
	a, ok := s.phase.(Active)
	if !ok {
		err := s.invalid("end trip")
		s.mu.Unlock()
		return "", err
	}
	s.stream.Stop()
	if s.tripCancel != nil {
		s.tripCancel()
		s.tripCancel = nil
	}
	s.epoch++
	s.phase = ScanningBus{}
	s.lastErr = nil
	s.touch()
	busID, epoch := a.Bus.BusID, s.epoch
	s.mu.Unlock()

	s.metrics.TripEnded()
	s.log.Info().Str("bus_id", busID).Msg("trip ended")
	s.background(epoch, "end", "could not end trip", func(ctx context.Context) error {
		return s.channel.End(ctx, busID)
	}, nil)
	return busID, nil
}

// acceptBlocking checks the guards shared by Scan, Confirm and Cancel.
// Callers hold mu.
func (s *Session) acceptBlocking(want PhaseKind) error {
	if s.pending != opNone {
		return ErrAlreadyInProgress
	}
	if s.phase.Kind() != want {
		return s.invalid("expected " + want.String())
	}
	return nil
}

func (s *Session) invalid(what string) error {
	return fmt.Errorf("%w: %s while %s", ErrInvalidPhase, what, s.phase.Kind())
}

func (s *Session) validate(ctx context.Context, busID string) (BusContext, error) {
	var bus BusContext
	err := s.call(ctx, "validate", func(ctx context.Context) error {
		var err error
		bus, err = s.validator.Validate(ctx, busID)
		return err
	})
	if err != nil {
		return BusContext{}, err
	}
	if bus.BusID == "" {
		bus.BusID = busID
	}
	return bus, nil
}

func (s *Session) call(ctx context.Context, op string, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	start := time.Now()
	err := fn(ctx)
	s.metrics.RemoteCall(op, time.Since(start), err)
	return err
}

// background runs fn detached from the caller. A failure becomes lastError and
// onSuccess runs under mu, both only while epoch is still current.
func (s *Session) background(epoch uint64, op, failMsg string, fn func(context.Context) error, onSuccess func()) {
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		err := s.call(context.Background(), op, fn)

		s.mu.Lock()
		defer s.mu.Unlock()
		if err != nil {
			s.log.Warn().Err(err).Str("op", op).Msg("remote update failed")
		}
		if s.epoch != epoch {
			return
		}
		if err != nil {
			s.lastErr = transient(failMsg, err)
			s.touch()
			return
		}
		if onSuccess != nil {
			onSuccess()
		}
	}()
}

// locationSink forwards every fix to the channel on its own goroutine. Writes
// that have not started by the time tripCtx is cancelled are skipped.
func (s *Session) locationSink(tripCtx context.Context, busID string) func(location.Fix) {
	return func(fix location.Fix) {
		if tripCtx.Err() != nil {
			return
		}
		s.inflight.Add(1)
		go func() {
			defer s.inflight.Done()
			if tripCtx.Err() != nil {
				return
			}
			err := s.call(tripCtx, "update_location", func(ctx context.Context) error {
				return s.channel.UpdateLocation(ctx, busID, fix)
			})
			s.metrics.LocationWritten(err)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.log.Warn().Err(err).Str("bus_id", busID).Msg("location update failed")
			}
		}()
	}
}

// touch publishes a new version to watchers. Callers hold mu.
func (s *Session) touch() {
	s.version++
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Session) snapshot() TripState {
	return TripState{
		Phase:     s.phase,
		Pending:   s.pending != opNone,
		LastError: s.lastErr,
		Version:   s.version,
	}
}
