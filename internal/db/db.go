package db

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"conductor-relay/internal/fleet"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// ErrNotFound is returned when the addressed vehicle, route or conductor does not exist.
var ErrNotFound = errors.New("db: not found")

//go:embed schema.sql
var schemaSQL string

func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func Ping(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

// EnsureSchema creates the fleet tables if they do not exist yet.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Store reads and writes the fleet tables. Every write touches a single row so
// concurrent writers never need a transaction.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) FetchVehicle(ctx context.Context, busID string) (fleet.Vehicle, error) {
	q := `
SELECT id, COALESCE(route_id, ''), status, vacant_seats,
       COALESCE(lat, 0), COALESCE(lon, 0), speed_kmh,
       current_status_message, last_updated
FROM vehicles WHERE id = $1`
	var v fleet.Vehicle
	var status string
	err := s.db.QueryRowContext(ctx, q, busID).Scan(
		&v.ID, &v.RouteID, &status, &v.VacantSeats,
		&v.Lat, &v.Lon, &v.SpeedKmh,
		&v.StatusMessage, &v.LastUpdated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return fleet.Vehicle{}, fmt.Errorf("vehicle %q: %w", busID, ErrNotFound)
	}
	if err != nil {
		return fleet.Vehicle{}, fmt.Errorf("query vehicle: %w", err)
	}
	v.Status = fleet.VehicleStatus(status)
	return v, nil
}

// FetchRoute returns the route with its stops in travel order. Stop ids listed
// on the route without a matching stops row are skipped.
func (s *Store) FetchRoute(ctx context.Context, routeID string) (fleet.Route, error) {
	var r fleet.Route
	err := s.db.QueryRowContext(ctx, `SELECT id, name FROM routes WHERE id = $1`, routeID).Scan(&r.ID, &r.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return fleet.Route{}, fmt.Errorf("route %q: %w", routeID, ErrNotFound)
	}
	if err != nil {
		return fleet.Route{}, fmt.Errorf("query route: %w", err)
	}

	q := `
SELECT s.id, s.name, COALESCE(s.lat, 0), COALESCE(s.lon, 0)
FROM routes r
CROSS JOIN LATERAL unnest(r.stop_ids) WITH ORDINALITY AS u(stop_id, ord)
JOIN stops s ON s.id = u.stop_id
WHERE r.id = $1
ORDER BY u.ord`
	rows, err := s.db.QueryContext(ctx, q, routeID)
	if err != nil {
		return fleet.Route{}, fmt.Errorf("query route stops: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var st fleet.Stop
		if err := rows.Scan(&st.ID, &st.Name, &st.Lat, &st.Lon); err != nil {
			return fleet.Route{}, err
		}
		r.Stops = append(r.Stops, st)
	}
	return r, rows.Err()
}

// SetTripStatus flips the vehicle online/offline and stamps the status message.
// Going offline also zeroes the reported speed.
func (s *Store) SetTripStatus(ctx context.Context, busID string, status fleet.VehicleStatus, message string) error {
	q := `
UPDATE vehicles
SET status = $2,
    current_status_message = $3,
    speed_kmh = CASE WHEN $2 = 'offline' THEN 0 ELSE speed_kmh END,
    last_updated = now()
WHERE id = $1`
	res, err := s.db.ExecContext(ctx, q, busID, string(status), message)
	if err != nil {
		return fmt.Errorf("update vehicle status: %w", err)
	}
	return requireOneRow(res, busID)
}

// IncrementSeats atomically adds delta to vacant_seats and returns the new
// server-side value. There is no floor: the aggregate is the sum of all deltas.
func (s *Store) IncrementSeats(ctx context.Context, busID string, delta int) (int, error) {
	q := `
UPDATE vehicles
SET vacant_seats = vacant_seats + $2, last_updated = now()
WHERE id = $1
RETURNING vacant_seats`
	var seats int
	err := s.db.QueryRowContext(ctx, q, busID, delta).Scan(&seats)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("vehicle %q: %w", busID, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("increment seats: %w", err)
	}
	return seats, nil
}

func (s *Store) SetStatusMessage(ctx context.Context, busID, message string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE vehicles SET current_status_message = $2, last_updated = now() WHERE id = $1`,
		busID, message)
	if err != nil {
		return fmt.Errorf("update status message: %w", err)
	}
	return requireOneRow(res, busID)
}

func (s *Store) UpdateLocation(ctx context.Context, busID string, lat, lon float64, speedKmh int) error {
	q := `
UPDATE vehicles
SET lat = $2, lon = $3, speed_kmh = $4, last_updated = now()
WHERE id = $1`
	res, err := s.db.ExecContext(ctx, q, busID, lat, lon, speedKmh)
	if err != nil {
		return fmt.Errorf("update location: %w", err)
	}
	return requireOneRow(res, busID)
}

// FindConductorByPhone looks up an active conductor by E.164 phone number.
func (s *Store) FindConductorByPhone(ctx context.Context, phone string) (fleet.Conductor, error) {
	q := `
SELECT uid, conductor_id, full_name, phone, is_active
FROM conductors
WHERE phone = $1 AND is_active
LIMIT 1`
	var c fleet.Conductor
	err := s.db.QueryRowContext(ctx, q, phone).Scan(&c.UID, &c.ConductorID, &c.FullName, &c.Phone, &c.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return fleet.Conductor{}, fmt.Errorf("conductor %q: %w", phone, ErrNotFound)
	}
	if err != nil {
		return fleet.Conductor{}, fmt.Errorf("query conductor: %w", err)
	}
	return c, nil
}

func requireOneRow(res sql.Result, busID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("vehicle %q: %w", busID, ErrNotFound)
	}
	return nil
}
