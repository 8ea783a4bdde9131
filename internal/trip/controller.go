package trip

import (
	"context"
	"errors"
	"time"

	"conductor-relay/internal/location"

	"github.com/rs/zerolog"
)

type EventKind string

const (
	EventNavigateToLogin EventKind = "navigate_to_login"
	EventTripStarted     EventKind = "trip_started"
	EventTripEnded       EventKind = "trip_ended"
)

// Event is a one-shot signal for the UI. Unlike TripState it is consumed once.
type Event struct {
	Kind  EventKind
	BusID string
	At    time.Time
}

// Authenticator revokes a signed-in conductor session.
type Authenticator interface {
	SignOut(ctx context.Context, token string) error
}

// FixPusher accepts fixes reported by the device.
type FixPusher interface {
	Push(location.Fix)
}

var ErrPushDisabled = errors.New("trip: location push is not enabled")

const eventBuffer = 16

// Controller is the front-end the UI talks to. It forwards intents to the
// Session, counts them, and turns lifecycle changes into events.
type Controller struct {
	session *Session
	auth    Authenticator
	push    FixPusher
	log     zerolog.Logger
	metrics Metrics
	events  chan Event
}

// NewController wires a controller. push may be nil when the location source
// does not take fixes from the device.
func NewController(session *Session, auth Authenticator, push FixPusher, logger zerolog.Logger) *Controller {
	return &Controller{
		session: session,
		auth:    auth,
		push:    push,
		log:     logger,
		metrics: session.metrics,
		events:  make(chan Event, eventBuffer),
	}
}

func (c *Controller) State() TripState { return c.session.State() }

func (c *Controller) Watch(ctx context.Context, after uint64) (TripState, error) {
	return c.session.Watch(ctx, after)
}

// Events delivers navigation and lifecycle signals. Events are dropped when
// nobody drains the channel.
func (c *Controller) Events() <-chan Event { return c.events }

func (c *Controller) Scan(ctx context.Context, busID string) error {
	return c.record("scan", c.session.Scan(ctx, busID))
}

func (c *Controller) Confirm(ctx context.Context) error {
	busID, err := c.session.confirm(ctx)
	if c.record("confirm", err) == nil {
		c.emit(EventTripStarted, busID)
	}
	return err
}

func (c *Controller) Cancel() error { return c.record("cancel", c.session.Cancel()) }

func (c *Controller) IncrementSeats() error {
	return c.record("increment_seats", c.session.IncrementSeats())
}

func (c *Controller) DecrementSeats() error {
	return c.record("decrement_seats", c.session.DecrementSeats())
}

func (c *Controller) SendMessage(text string) error {
	return c.record("send_message", c.session.SendMessage(text))
}

func (c *Controller) AtStop() error { return c.record("at_stop", c.session.AtStop()) }

func (c *Controller) End() error {
	busID, err := c.session.end()
	if c.record("end", err) == nil {
		c.emit(EventTripEnded, busID)
	}
	return err
}

// PushFix hands a device-reported fix to the location source of the active trip.
func (c *Controller) PushFix(f location.Fix) error {
	if c.push == nil {
		return ErrPushDisabled
	}
	if c.State().Phase.Kind() != PhaseActive {
		return c.record("push_fix", ErrInvalidPhase)
	}
	c.push.Push(f)
	return nil
}

// SignOut ends any active trip so location broadcasting stops, revokes the
// session token and tells the UI to return to login. The navigation event is
// emitted even if revoking fails.
func (c *Controller) SignOut(ctx context.Context, token string) error {
	if c.State().Phase.Kind() == PhaseActive {
		if err := c.End(); err != nil {
			c.log.Warn().Err(err).Msg("end trip on sign out")
		}
	}
	var err error
	if c.auth != nil {
		err = c.auth.SignOut(ctx, token)
	}
	c.record("sign_out", err)
	c.emit(EventNavigateToLogin, "")
	return err
}

// Shutdown ends an active trip and waits for background remote calls, bounded by ctx.
func (c *Controller) Shutdown(ctx context.Context) error {
	if c.State().Phase.Kind() == PhaseActive {
		if err := c.End(); err != nil {
			c.log.Warn().Err(err).Msg("end trip on shutdown")
		}
	}
	done := make(chan struct{})
	go func() {
		c.session.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) record(intent string, err error) error {
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrAlreadyInProgress), errors.Is(err, ErrInvalidPhase),
		errors.Is(err, ErrBlankBusID), errors.Is(err, ErrBlankMessage):
		result = "rejected"
		c.log.Debug().Err(err).Str("intent", intent).Msg("intent rejected")
	default:
		result = "failed"
	}
	c.metrics.Intent(intent, result)
	return err
}

func (c *Controller) emit(kind EventKind, busID string) {
	ev := Event{Kind: kind, BusID: busID, At: time.Now()}
	select {
	case c.events <- ev:
	default:
		c.log.Warn().Str("event", string(kind)).Msg("event buffer full, dropping")
	}
}
