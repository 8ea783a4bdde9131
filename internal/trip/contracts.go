package trip

import (
	"context"
	"time"

	"conductor-relay/internal/location"
)

// BusValidator resolves a scanned id to a registered bus. Errors wrapping
// ErrNotFound mean the id is unknown; anything else is treated as transient.
type BusValidator interface {
	Validate(ctx context.Context, busID string) (BusContext, error)
}

// RemoteTripChannel persists and broadcasts trip facts for a bus.
// AdjustSeats is a server-side atomic increment.
type RemoteTripChannel interface {
	Start(ctx context.Context, busID string) error
	End(ctx context.Context, busID string) error
	AdjustSeats(ctx context.Context, busID string, delta int) error
	SetStatusMessage(ctx context.Context, busID, message string) error
	UpdateLocation(ctx context.Context, busID string, fix location.Fix) error
}

// LocationStream delivers periodic fixes to sink until Stop. ctx bounds only
// the setup done by Start. Stop is synchronous and idempotent: once it
// returns, sink is never called again.
type LocationStream interface {
	Start(ctx context.Context, busID string, sink func(location.Fix)) error
	Stop()
}

// Metrics receives session and intent observations. Implementations must be
// safe for concurrent use.
type Metrics interface {
	Intent(intent, result string)
	RemoteCall(op string, d time.Duration, err error)
	TripStarted()
	TripEnded()
	SeatsAdjusted(delta int)
	LocationWritten(err error)
}

type nopMetrics struct{}

func (nopMetrics) Intent(string, string)                   {}
func (nopMetrics) RemoteCall(string, time.Duration, error) {}
func (nopMetrics) TripStarted()                            {}
func (nopMetrics) TripEnded()                              {}
func (nopMetrics) SeatsAdjusted(int)                       {}
func (nopMetrics) LocationWritten(error)                   {}
