// Package remote implements the trip leaf contracts on top of the Postgres
// store and the NATS publisher.
package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"conductor-relay/internal/db"
	"conductor-relay/internal/fleet"
	"conductor-relay/internal/geo"
	"conductor-relay/internal/location"
	"conductor-relay/internal/trip"

	"github.com/rs/zerolog"
)

// VehicleStore is the subset of *db.Store the adapters use.
type VehicleStore interface {
	FetchVehicle(ctx context.Context, busID string) (fleet.Vehicle, error)
	FetchRoute(ctx context.Context, routeID string) (fleet.Route, error)
	SetTripStatus(ctx context.Context, busID string, status fleet.VehicleStatus, message string) error
	IncrementSeats(ctx context.Context, busID string, delta int) (int, error)
	SetStatusMessage(ctx context.Context, busID, message string) error
	UpdateLocation(ctx context.Context, busID string, lat, lon float64, speedKmh int) error
}

type Publisher interface {
	Publish(ev fleet.VehicleEvent) error
}

// Channel persists trip facts and then broadcasts them. The store write
// decides the outcome; a failed broadcast is only logged, since subscribers
// can always fall back to the stored vehicle row.
type Channel struct {
	store VehicleStore
	pub   Publisher
	log   zerolog.Logger
	now   func() time.Time
}

func NewChannel(store VehicleStore, pub Publisher, logger zerolog.Logger) *Channel {
	return &Channel{store: store, pub: pub, log: logger, now: time.Now}
}

var _ trip.RemoteTripChannel = (*Channel)(nil)

const (
	msgTripStarted = "Trip started"
	msgTripEnded   = "Trip ended"
)

func (c *Channel) Start(ctx context.Context, busID string) error {
	if err := c.store.SetTripStatus(ctx, busID, fleet.StatusOnline, msgTripStarted); err != nil {
		return mapErr(err)
	}
	c.publish(fleet.VehicleEvent{BusID: busID, Kind: fleet.EventStatus, Status: fleet.StatusOnline, Message: msgTripStarted})
	return nil
}

func (c *Channel) End(ctx context.Context, busID string) error {
	if err := c.store.SetTripStatus(ctx, busID, fleet.StatusOffline, msgTripEnded); err != nil {
		return mapErr(err)
	}
	zero := 0
	c.publish(fleet.VehicleEvent{BusID: busID, Kind: fleet.EventStatus, Status: fleet.StatusOffline, Message: msgTripEnded, SpeedKmh: &zero})
	return nil
}

// AdjustSeats applies delta server-side and broadcasts the resulting aggregate.
func (c *Channel) AdjustSeats(ctx context.Context, busID string, delta int) error {
	seats, err := c.store.IncrementSeats(ctx, busID, delta)
	if err != nil {
		return mapErr(err)
	}
	c.publish(fleet.VehicleEvent{BusID: busID, Kind: fleet.EventSeats, VacantSeats: &seats})
	return nil
}

func (c *Channel) SetStatusMessage(ctx context.Context, busID, message string) error {
	if err := c.store.SetStatusMessage(ctx, busID, message); err != nil {
		return mapErr(err)
	}
	c.publish(fleet.VehicleEvent{BusID: busID, Kind: fleet.EventMessage, Message: message})
	return nil
}

func (c *Channel) UpdateLocation(ctx context.Context, busID string, fix location.Fix) error {
	speed := fix.SpeedKmh()
	if err := c.store.UpdateLocation(ctx, busID, fix.Lat, fix.Lon, speed); err != nil {
		return mapErr(err)
	}
	c.publish(fleet.VehicleEvent{
		BusID: busID, Kind: fleet.EventLocation,
		Lat: fix.Lat, Lon: fix.Lon, SpeedKmh: &speed, Bearing: fix.Bearing,
	})
	return nil
}

func (c *Channel) publish(ev fleet.VehicleEvent) {
	if c.pub == nil {
		return
	}
	ev.Timestamp = c.now()
	if err := c.pub.Publish(ev); err != nil {
		c.log.Warn().Err(err).Str("bus_id", ev.BusID).Str("kind", string(ev.Kind)).Msg("broadcast failed")
	}
}

// Validator resolves scanned ids against the vehicles table.
type Validator struct {
	store VehicleStore
}

func NewValidator(store VehicleStore) *Validator { return &Validator{store: store} }

var _ trip.BusValidator = (*Validator)(nil)

// Validate returns the bus with its route stops. A vehicle whose route is
// missing is still valid, just without a next stop. A negative remote seat
// aggregate is reported as zero.
func (v *Validator) Validate(ctx context.Context, busID string) (trip.BusContext, error) {
	veh, err := v.store.FetchVehicle(ctx, busID)
	if err != nil {
		return trip.BusContext{}, mapErr(err)
	}
	bc := trip.BusContext{BusID: veh.ID, RouteID: veh.RouteID, VacantSeats: max(veh.VacantSeats, 0)}
	if veh.RouteID == "" {
		return bc, nil
	}
	route, err := v.store.FetchRoute(ctx, veh.RouteID)
	switch {
	case errors.Is(err, db.ErrNotFound):
		return bc, nil
	case err != nil:
		return trip.BusContext{}, fmt.Errorf("%w: %w", trip.ErrTransient, err)
	}
	bc.Stops = route.Stops
	return bc, nil
}

// RoutePath returns the located stops of the bus's route, for simulated drives.
func (v *Validator) RoutePath(ctx context.Context, busID string) ([]geo.Point, error) {
	bc, err := v.Validate(ctx, busID)
	if err != nil {
		return nil, err
	}
	pts := make([]geo.Point, 0, len(bc.Stops))
	for _, s := range bc.Stops {
		if s.Lat == 0 && s.Lon == 0 {
			continue
		}
		pts = append(pts, geo.Point{Lat: s.Lat, Lon: s.Lon})
	}
	return pts, nil
}

func mapErr(err error) error {
	if errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("%w: %w", trip.ErrNotFound, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %w", trip.ErrTransient, err)
}
