package trip

import "conductor-relay/internal/fleet"

type PhaseKind int

const (
	PhaseScanningBus PhaseKind = iota
	PhaseAwaitingConfirmation
	PhaseActive
	// PhaseEnded is only reported through events; the session resets to
	// PhaseScanningBus as soon as a trip ends.
	PhaseEnded
)

func (k PhaseKind) String() string {
	switch k {
	case PhaseScanningBus:
		return "scanning_bus"
	case PhaseAwaitingConfirmation:
		return "awaiting_confirmation"
	case PhaseActive:
		return "active"
	case PhaseEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// BusContext is what a validator knows about a bus when a trip is set up.
type BusContext struct {
	BusID       string
	RouteID     string
	VacantSeats int
	Stops       []fleet.Stop // route stops in travel order, may be empty
}

// Phase is one of ScanningBus, AwaitingConfirmation or Active. Each variant
// carries only the data valid in that phase.
type Phase interface {
	Kind() PhaseKind
	isPhase()
}

type ScanningBus struct{}

type AwaitingConfirmation struct {
	Bus BusContext
}

type Active struct {
	Bus         BusContext
	VacantSeats int
	// NextStop indexes Bus.Stops; len(Bus.Stops) once the last stop was announced.
	NextStop int
}

func (ScanningBus) Kind() PhaseKind          { return PhaseScanningBus }
func (AwaitingConfirmation) Kind() PhaseKind { return PhaseAwaitingConfirmation }
func (Active) Kind() PhaseKind               { return PhaseActive }

func (ScanningBus) isPhase()          {}
func (AwaitingConfirmation) isPhase() {}
func (Active) isPhase()               {}

func (a Active) nextStopName() (string, bool) {
	if a.NextStop < 0 || a.NextStop >= len(a.Bus.Stops) {
		return "", false
	}
	return a.Bus.Stops[a.NextStop].Name, true
}

// TripState is an immutable snapshot of the session.
type TripState struct {
	Phase     Phase
	Pending   bool
	LastError *TripError
	// Version increases on every change; see Session.Watch.
	Version uint64
}

func (s TripState) BusID() (string, bool) {
	switch p := s.Phase.(type) {
	case AwaitingConfirmation:
		return p.Bus.BusID, true
	case Active:
		return p.Bus.BusID, true
	}
	return "", false
}

func (s TripState) VacantSeats() int {
	if a, ok := s.Phase.(Active); ok {
		return a.VacantSeats
	}
	return 0
}

func (s TripState) NextStopName() (string, bool) {
	if a, ok := s.Phase.(Active); ok {
		return a.nextStopName()
	}
	return "", false
}
