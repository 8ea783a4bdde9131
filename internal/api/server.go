// Package api exposes the trip controller and conductor sign-in over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"conductor-relay/internal/fleet"
	"conductor-relay/internal/location"
	"conductor-relay/internal/trip"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// Trips is the controller surface the handlers drive.
type Trips interface {
	State() trip.TripState
	Watch(ctx context.Context, after uint64) (trip.TripState, error)
	Events() <-chan trip.Event
	Scan(ctx context.Context, busID string) error
	Confirm(ctx context.Context) error
	Cancel() error
	IncrementSeats() error
	DecrementSeats() error
	SendMessage(text string) error
	AtStop() error
	End() error
	PushFix(f location.Fix) error
	SignOut(ctx context.Context, token string) error
}

type Authenticator interface {
	SendOTP(ctx context.Context, national string) (string, error)
	Verify(ctx context.Context, verificationID, code string) (string, fleet.Conductor, error)
	Conductor(ctx context.Context, token string) (fleet.Conductor, error)
}

type Options struct {
	// AuthPerMinute caps requests to the login endpoints per client IP.
	AuthPerMinute int
	// MaxWait bounds long-poll waits on state and events.
	MaxWait time.Duration
	Logger  zerolog.Logger
}

type Server struct {
	trips   Trips
	auth    Authenticator
	log     zerolog.Logger
	perMin  int
	maxWait time.Duration
}

func New(trips Trips, auth Authenticator, opts Options) *Server {
	if opts.AuthPerMinute <= 0 {
		opts.AuthPerMinute = 20
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = time.Minute
	}
	return &Server{
		trips:   trips,
		auth:    auth,
		log:     opts.Logger,
		perMin:  opts.AuthPerMinute,
		maxWait: opts.MaxWait,
	}
}

// Routes builds the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.log))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(authRateLimit(s.perMin))
			r.Post("/auth/otp", s.handleSendOTP)
			r.Post("/auth/verify", s.handleVerify)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.requireSession)
			r.Get("/auth/me", s.handleMe)
			r.Post("/auth/signout", s.handleSignOut)

			r.Get("/trip", s.handleState)
			r.Post("/trip/scan", s.handleScan)
			r.Post("/trip/confirm", s.handleConfirm)
			r.Post("/trip/cancel", s.intent(s.trips.Cancel))
			r.Post("/trip/seats/increment", s.intent(s.trips.IncrementSeats))
			r.Post("/trip/seats/decrement", s.intent(s.trips.DecrementSeats))
			r.Post("/trip/message", s.handleMessage)
			r.Post("/trip/at-stop", s.intent(s.trips.AtStop))
			r.Post("/trip/end", s.intent(s.trips.End))
			r.Post("/trip/location", s.handleLocation)
			r.Get("/events", s.handleEvents)
		})
	})
	return r
}
