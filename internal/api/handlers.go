package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"conductor-relay/internal/location"
	"conductor-relay/internal/trip"
)

const maxBody = 16 << 10

type tripErrorView struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type stateView struct {
	Phase       string         `json:"phase"`
	Version     uint64         `json:"version"`
	Pending     bool           `json:"pending"`
	BusID       string         `json:"busId,omitempty"`
	RouteID     string         `json:"routeId,omitempty"`
	VacantSeats *int           `json:"vacantSeats,omitempty"`
	NextStop    string         `json:"nextStop,omitempty"`
	LastError   *tripErrorView `json:"lastError"`
}

func viewOf(st trip.TripState) stateView {
	v := stateView{
		Phase:   st.Phase.Kind().String(),
		Version: st.Version,
		Pending: st.Pending,
	}
	switch p := st.Phase.(type) {
	case trip.AwaitingConfirmation:
		v.BusID, v.RouteID = p.Bus.BusID, p.Bus.RouteID
	case trip.Active:
		v.BusID, v.RouteID = p.Bus.BusID, p.Bus.RouteID
		seats := p.VacantSeats
		v.VacantSeats = &seats
		v.NextStop, _ = st.NextStopName()
	}
	if st.LastError != nil {
		v.LastError = &tripErrorView{Kind: string(st.LastError.Kind), Message: st.LastError.Message}
	}
	return v
}

type eventView struct {
	Kind  string    `json:"kind"`
	BusID string    `json:"busId,omitempty"`
	At    time.Time `json:"at"`
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return false
	}
	return true
}

// waitParam reads ?wait= as a Go duration or whole seconds, capped at maxWait.
func (s *Server) waitParam(r *http.Request, def time.Duration) time.Duration {
	raw := r.URL.Query().Get("wait")
	if raw == "" {
		return min(def, s.maxWait)
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		n, nerr := strconv.Atoi(raw)
		if nerr != nil {
			return min(def, s.maxWait)
		}
		d = time.Duration(n) * time.Second
	}
	return max(min(d, s.maxWait), 0)
}

func (s *Server) handleSendOTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Phone string `json:"phone"`
	}
	if !decode(w, r, &req) {
		return
	}
	id, err := s.auth.SendOTP(r.Context(), req.Phone)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"verificationId": id})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		VerificationID string `json:"verificationId"`
		Code           string `json:"code"`
	}
	if !decode(w, r, &req) {
		return
	}
	token, c, err := s.auth.Verify(r.Context(), req.VerificationID, req.Code)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token": token,
		"conductor": map[string]string{
			"conductorId": c.ConductorID,
			"fullName":    c.FullName,
			"phone":       c.Phone,
		},
	})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	c, _ := conductorFrom(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{
		"conductorId": c.ConductorID,
		"fullName":    c.FullName,
		"phone":       c.Phone,
	})
}

func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request) {
	if err := s.trips.SignOut(r.Context(), tokenFrom(r.Context())); err != nil {
		s.log.Warn().Err(err).Msg("sign out")
		writeError(w, http.StatusInternalServerError, "internal", "could not sign out")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleState returns the snapshot, or with ?after=<version> waits for a newer one.
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("after")
	if raw == "" {
		writeJSON(w, http.StatusOK, viewOf(s.trips.State()))
		return
	}
	after, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "after must be a version number")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.waitParam(r, 25*time.Second))
	defer cancel()
	st, _ := s.trips.Watch(ctx, after)
	writeJSON(w, http.StatusOK, viewOf(st))
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BusID string `json:"busId"`
	}
	if !decode(w, r, &req) {
		return
	}
	s.respond(w, s.trips.Scan(r.Context(), req.BusID))
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	s.respond(w, s.trips.Confirm(r.Context()))
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if !decode(w, r, &req) {
		return
	}
	s.respond(w, s.trips.SendMessage(req.Text))
}

func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Lat      float64   `json:"lat"`
		Lon      float64   `json:"lon"`
		SpeedMps float64   `json:"speedMps"`
		Bearing  float64   `json:"bearing"`
		Time     time.Time `json:"time"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Lat < -90 || req.Lat > 90 || req.Lon < -180 || req.Lon > 180 {
		writeError(w, http.StatusBadRequest, "invalid_input", "coordinates out of range")
		return
	}
	if req.Time.IsZero() {
		req.Time = time.Now()
	}
	err := s.trips.PushFix(location.Fix{
		Lat: req.Lat, Lon: req.Lon, SpeedMps: req.SpeedMps, Bearing: req.Bearing, Time: req.Time,
	})
	if err != nil {
		writeTripError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleEvents hands out the next one-shot event, or 204 when none arrives in time.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	t := time.NewTimer(s.waitParam(r, 25*time.Second))
	defer t.Stop()
	select {
	case ev := <-s.trips.Events():
		writeJSON(w, http.StatusOK, eventView{Kind: string(ev.Kind), BusID: ev.BusID, At: ev.At})
	case <-t.C:
		w.WriteHeader(http.StatusNoContent)
	case <-r.Context().Done():
	}
}

// intent adapts a no-argument controller intent to a handler.
func (s *Server) intent(fn func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		s.respond(w, fn())
	}
}

func (s *Server) respond(w http.ResponseWriter, err error) {
	if err != nil {
		writeTripError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(s.trips.State()))
}
