package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"conductor-relay/internal/db"
	"conductor-relay/internal/fleet"
	"conductor-relay/internal/geo"
	"conductor-relay/internal/location"
	"conductor-relay/internal/trip"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu       sync.Mutex
	vehicles map[string]fleet.Vehicle
	routes   map[string]fleet.Route
	failWith error
}

func newMemStore() *memStore {
	return &memStore{
		vehicles: map[string]fleet.Vehicle{
			"PB-11-A1234": {ID: "PB-11-A1234", RouteID: "r1", VacantSeats: 12, Status: fleet.StatusOffline},
			"PB-11-B0001": {ID: "PB-11-B0001", RouteID: "gone", VacantSeats: -2},
			"PB-11-C0002": {ID: "PB-11-C0002"},
		},
		routes: map[string]fleet.Route{
			"r1": {ID: "r1", Stops: []fleet.Stop{
				{ID: "s17", Name: "Sector 17", Lat: 30.7398, Lon: 76.7827},
				{ID: "depot", Name: "Depot"},
				{ID: "s22", Name: "Sector 22", Lat: 30.7333, Lon: 76.7794},
			}},
		},
	}
}

func (m *memStore) vehicle(id string) (fleet.Vehicle, error) {
	if m.failWith != nil {
		return fleet.Vehicle{}, m.failWith
	}
	v, ok := m.vehicles[id]
	if !ok {
		return fleet.Vehicle{}, fmt.Errorf("vehicle %q: %w", id, db.ErrNotFound)
	}
	return v, nil
}

func (m *memStore) FetchVehicle(_ context.Context, id string) (fleet.Vehicle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.vehicle(id)
}

func (m *memStore) FetchRoute(_ context.Context, id string) (fleet.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.routes[id]
	if !ok {
		return fleet.Route{}, db.ErrNotFound
	}
	return r, nil
}

func (m *memStore) SetTripStatus(_ context.Context, id string, status fleet.VehicleStatus, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, err := m.vehicle(id)
	if err != nil {
		return err
	}
	v.Status, v.StatusMessage = status, msg
	if status == fleet.StatusOffline {
		v.SpeedKmh = 0
	}
	m.vehicles[id] = v
	return nil
}

func (m *memStore) IncrementSeats(_ context.Context, id string, delta int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, err := m.vehicle(id)
	if err != nil {
		return 0, err
	}
	v.VacantSeats += delta
	m.vehicles[id] = v
	return v.VacantSeats, nil
}

func (m *memStore) SetStatusMessage(_ context.Context, id, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, err := m.vehicle(id)
	if err != nil {
		return err
	}
	v.StatusMessage = msg
	m.vehicles[id] = v
	return nil
}

func (m *memStore) UpdateLocation(_ context.Context, id string, lat, lon float64, speed int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, err := m.vehicle(id)
	if err != nil {
		return err
	}
	v.Lat, v.Lon, v.SpeedKmh = lat, lon, speed
	m.vehicles[id] = v
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []fleet.VehicleEvent
	err    error
}

func (p *recordingPublisher) Publish(ev fleet.VehicleEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

var fixedNow = time.Date(2026, 10, 19, 9, 30, 0, 0, time.UTC)

func newTestChannel() (*Channel, *memStore, *recordingPublisher) {
	store := newMemStore()
	pub := &recordingPublisher{}
	ch := NewChannel(store, pub, zerolog.Nop())
	ch.now = func() time.Time { return fixedNow }
	return ch, store, pub
}

func TestChannelStartAndEnd(t *testing.T) {
	ch, store, pub := newTestChannel()
	ctx := context.Background()

	require.NoError(t, ch.Start(ctx, "PB-11-A1234"))
	v := store.vehicles["PB-11-A1234"]
	assert.Equal(t, fleet.StatusOnline, v.Status)
	assert.Equal(t, "Trip started", v.StatusMessage)

	require.NoError(t, ch.End(ctx, "PB-11-A1234"))
	v = store.vehicles["PB-11-A1234"]
	assert.Equal(t, fleet.StatusOffline, v.Status)
	assert.Equal(t, "Trip ended", v.StatusMessage)

	require.Len(t, pub.events, 2)
	assert.Equal(t, fleet.EventStatus, pub.events[0].Kind)
	assert.Equal(t, fleet.StatusOnline, pub.events[0].Status)
	assert.Equal(t, fixedNow, pub.events[0].Timestamp)
	assert.Equal(t, fleet.StatusOffline, pub.events[1].Status)
	require.NotNil(t, pub.events[1].SpeedKmh)
	assert.Zero(t, *pub.events[1].SpeedKmh)
}

func TestChannelUnknownBus(t *testing.T) {
	ch, _, pub := newTestChannel()
	err := ch.Start(context.Background(), "XX-000")
	assert.ErrorIs(t, err, trip.ErrNotFound)
	assert.ErrorIs(t, err, db.ErrNotFound)
	assert.Empty(t, pub.events, "nothing is broadcast for a failed write")
}

func TestChannelStoreFailureIsTransient(t *testing.T) {
	ch, store, _ := newTestChannel()
	store.failWith = errors.New("connection reset")
	err := ch.AdjustSeats(context.Background(), "PB-11-A1234", 1)
	assert.ErrorIs(t, err, trip.ErrTransient)

	store.failWith = context.DeadlineExceeded
	err = ch.AdjustSeats(context.Background(), "PB-11-A1234", 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestChannelAdjustSeatsBroadcastsAggregate(t *testing.T) {
	ch, _, pub := newTestChannel()
	require.NoError(t, ch.AdjustSeats(context.Background(), "PB-11-A1234", -1))
	require.NoError(t, ch.AdjustSeats(context.Background(), "PB-11-A1234", -1))

	require.Len(t, pub.events, 2)
	require.NotNil(t, pub.events[1].VacantSeats)
	assert.Equal(t, 10, *pub.events[1].VacantSeats)
	assert.Equal(t, fleet.EventSeats, pub.events[1].Kind)
}

func TestChannelPublishFailureDoesNotFailWrite(t *testing.T) {
	ch, store, pub := newTestChannel()
	pub.err = errors.New("nats: connection closed")
	require.NoError(t, ch.SetStatusMessage(context.Background(), "PB-11-A1234", "Bus is at Sector 17"))
	assert.Equal(t, "Bus is at Sector 17", store.vehicles["PB-11-A1234"].StatusMessage)
}

func TestChannelUpdateLocation(t *testing.T) {
	ch, store, pub := newTestChannel()
	fix := location.Fix{Lat: 30.74, Lon: 76.78, SpeedMps: 12.5, Bearing: 45}
	require.NoError(t, ch.UpdateLocation(context.Background(), "PB-11-A1234", fix))

	v := store.vehicles["PB-11-A1234"]
	assert.Equal(t, 45, v.SpeedKmh)
	assert.Equal(t, 30.74, v.Lat)

	require.Len(t, pub.events, 1)
	ev := pub.events[0]
	assert.Equal(t, fleet.EventLocation, ev.Kind)
	assert.Equal(t, 45.0, ev.Bearing)
	require.NotNil(t, ev.SpeedKmh)
	assert.Equal(t, 45, *ev.SpeedKmh)
}

func TestChannelWithoutPublisher(t *testing.T) {
	ch := NewChannel(newMemStore(), nil, zerolog.Nop())
	assert.NoError(t, ch.Start(context.Background(), "PB-11-A1234"))
}

func TestValidator(t *testing.T) {
	v := NewValidator(newMemStore())
	ctx := context.Background()

	bc, err := v.Validate(ctx, "PB-11-A1234")
	require.NoError(t, err)
	assert.Equal(t, "PB-11-A1234", bc.BusID)
	assert.Equal(t, 12, bc.VacantSeats)
	require.Len(t, bc.Stops, 3)
	assert.Equal(t, "Sector 17", bc.Stops[0].Name)

	_, err = v.Validate(ctx, "XX-000")
	assert.ErrorIs(t, err, trip.ErrNotFound)

	bc, err = v.Validate(ctx, "PB-11-B0001")
	require.NoError(t, err, "a dangling route id is not fatal")
	assert.Empty(t, bc.Stops)
	assert.Zero(t, bc.VacantSeats, "negative remote aggregate clamps to zero")

	bc, err = v.Validate(ctx, "PB-11-C0002")
	require.NoError(t, err)
	assert.Empty(t, bc.RouteID)
}

func TestValidatorRoutePathSkipsUnlocatedStops(t *testing.T) {
	v := NewValidator(newMemStore())
	pts, err := v.RoutePath(context.Background(), "PB-11-A1234")
	require.NoError(t, err)
	assert.Equal(t, []geo.Point{{Lat: 30.7398, Lon: 76.7827}, {Lat: 30.7333, Lon: 76.7794}}, pts)

	_, err = v.RoutePath(context.Background(), "XX-000")
	assert.ErrorIs(t, err, trip.ErrNotFound)
}
