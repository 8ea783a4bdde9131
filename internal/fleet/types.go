package fleet

import "time"

type VehicleStatus string

const (
	StatusOnline  VehicleStatus = "online"
	StatusOffline VehicleStatus = "offline"
)

// Vehicle mirrors a row of the vehicles table.
type Vehicle struct {
	ID            string
	RouteID       string // empty when the bus is not assigned to a route
	Status        VehicleStatus
	VacantSeats   int
	Lat           float64
	Lon           float64
	SpeedKmh      int
	StatusMessage string
	LastUpdated   time.Time
}

type Stop struct {
	ID   string
	Name string
	Lat  float64
	Lon  float64
}

type Route struct {
	ID    string
	Name  string
	Stops []Stop // in travel order
}

type Conductor struct {
	UID         string
	ConductorID string
	FullName    string
	Phone       string // E.164, e.g. +919876543210
	Active      bool
}

// EventKind is the last token of the NATS subject an event is published on.
type EventKind string

const (
	EventStatus   EventKind = "status"
	EventSeats    EventKind = "seats"
	EventMessage  EventKind = "message"
	EventLocation EventKind = "location"
)

// VehicleEvent is the broadcast envelope for live trip facts.
type VehicleEvent struct {
	BusID       string        `json:"busId"`
	Kind        EventKind     `json:"kind"`
	Timestamp   time.Time     `json:"timestamp"`
	Status      VehicleStatus `json:"status,omitempty"`
	VacantSeats *int          `json:"vacantSeats,omitempty"`
	Message     string        `json:"message,omitempty"`
	Lat         float64       `json:"lat,omitempty"`
	Lon         float64       `json:"lon,omitempty"`
	SpeedKmh    *int          `json:"speedKmh,omitempty"`
	Bearing     float64       `json:"bearing,omitempty"`
}
