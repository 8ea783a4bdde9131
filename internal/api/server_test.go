package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"conductor-relay/internal/auth"
	"conductor-relay/internal/db"
	"conductor-relay/internal/fleet"
	"conductor-relay/internal/location"
	"conductor-relay/internal/trip"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBus = "PB-11-A1234"

type buses map[string]trip.BusContext

func (b buses) Validate(_ context.Context, id string) (trip.BusContext, error) {
	bc, ok := b[id]
	if !ok {
		return trip.BusContext{}, fmt.Errorf("bus %q: %w", id, trip.ErrNotFound)
	}
	return bc, nil
}

type nopChannel struct{}

func (nopChannel) Start(context.Context, string) error                        { return nil }
func (nopChannel) End(context.Context, string) error                          { return nil }
func (nopChannel) AdjustSeats(context.Context, string, int) error             { return nil }
func (nopChannel) SetStatusMessage(context.Context, string, string) error     { return nil }
func (nopChannel) UpdateLocation(context.Context, string, location.Fix) error { return nil }

type idleStream struct{}

func (idleStream) Start(context.Context, string, func(location.Fix)) error { return nil }
func (idleStream) Stop()                                                   {}

type pushed struct {
	mu    sync.Mutex
	fixes []location.Fix
}

func (p *pushed) Push(f location.Fix) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fixes = append(p.fixes, f)
}

func (p *pushed) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.fixes)
}

type whitelist map[string]fleet.Conductor

func (w whitelist) FindConductorByPhone(_ context.Context, phone string) (fleet.Conductor, error) {
	c, ok := w[phone]
	if !ok {
		return fleet.Conductor{}, db.ErrNotFound
	}
	return c, nil
}

type lastCode struct {
	mu   sync.Mutex
	code string
}

func (l *lastCode) Send(_ context.Context, _, code string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.code = code
	return nil
}

func (l *lastCode) get() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.code
}

type env struct {
	handler http.Handler
	codes   *lastCode
	pusher  *pushed
	ctrl    *trip.Controller
}

func newEnv(t *testing.T, opts Options) *env {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	codes := &lastCode{}
	authSvc := auth.NewService(rdb, whitelist{
		"+919876543210": {UID: "u1", ConductorID: "C-042", FullName: "Gurpreet Singh", Phone: "+919876543210", Active: true},
	}, codes, auth.Options{Logger: zerolog.Nop()})

	session := trip.NewSession(buses{
		testBus: {BusID: testBus, RouteID: "r1", VacantSeats: 12, Stops: []fleet.Stop{
			{ID: "s17", Name: "Sector 17"}, {ID: "s22", Name: "Sector 22"},
		}},
	}, nopChannel{}, idleStream{}, trip.Options{RemoteTimeout: time.Second, Logger: zerolog.Nop()})
	t.Cleanup(session.Wait)

	p := &pushed{}
	ctrl := trip.NewController(session, authSvc, p, zerolog.Nop())
	opts.Logger = zerolog.Nop()
	h := New(ctrl, authSvc, opts).Routes()
	return &env{handler: h, codes: codes, pusher: p, ctrl: ctrl}
}

func (e *env) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (e *env) signIn(t *testing.T) string {
	t.Helper()
	rec := e.do(t, "POST", "/v1/auth/otp", "", map[string]string{"phone": "9876543210"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	id := decodeBody[map[string]string](t, rec)["verificationId"]

	rec = e.do(t, "POST", "/v1/auth/verify", "", map[string]string{"verificationId": id, "code": e.codes.get()})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decodeBody[struct {
		Token string `json:"token"`
	}](t, rec)
	require.NotEmpty(t, out.Token)
	return out.Token
}

func TestHealthz(t *testing.T) {
	e := newEnv(t, Options{})
	rec := e.do(t, "GET", "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Content-Type"))
}

func TestTripRoutesRequireSession(t *testing.T) {
	e := newEnv(t, Options{})
	rec := e.do(t, "GET", "/v1/trip", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = e.do(t, "GET", "/v1/trip", "not-a-session", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Please sign in again.", decodeBody[errorBody](t, rec).Detail)
}

func TestLoginErrors(t *testing.T) {
	e := newEnv(t, Options{})

	rec := e.do(t, "POST", "/v1/auth/otp", "", map[string]string{"phone": "12345"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Please enter a valid 10-digit phone number.", decodeBody[errorBody](t, rec).Detail)

	rec = e.do(t, "POST", "/v1/auth/otp", "", map[string]string{"phone": "9000000000"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "This phone number is not registered.", decodeBody[errorBody](t, rec).Detail)

	rec = e.do(t, "POST", "/v1/auth/verify", "", map[string]string{"verificationId": "nope", "code": "123456"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest("POST", "/v1/auth/otp", bytes.NewBufferString("{"))
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestLoginRateLimited(t *testing.T) {
	e := newEnv(t, Options{AuthPerMinute: 2})
	for i := 0; i < 2; i++ {
		e.do(t, "POST", "/v1/auth/otp", "", map[string]string{"phone": "1"})
	}
	rec := e.do(t, "POST", "/v1/auth/otp", "", map[string]string{"phone": "1"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limit_exceeded", decodeBody[errorBody](t, rec).Error)
}

func TestMeAndSignOut(t *testing.T) {
	e := newEnv(t, Options{})
	token := e.signIn(t)

	rec := e.do(t, "GET", "/v1/auth/me", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "C-042", decodeBody[map[string]string](t, rec)["conductorId"])

	rec = e.do(t, "POST", "/v1/auth/signout", token, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = e.do(t, "GET", "/v1/auth/me", token, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	select {
	case ev := <-e.ctrl.Events():
		assert.Equal(t, trip.EventNavigateToLogin, ev.Kind)
	default:
		t.Fatal("no navigation event")
	}
}

func TestWaitParam(t *testing.T) {
	s := New(nil, nil, Options{MaxWait: 30 * time.Second})
	tests := map[string]time.Duration{
		"":      25 * time.Second,
		"5s":    5 * time.Second,
		"7":     7 * time.Second,
		"2m":    30 * time.Second,
		"-3s":   0,
		"bogus": 25 * time.Second,
	}
	for raw, want := range tests {
		r := httptest.NewRequest("GET", "/v1/events?wait="+raw, nil)
		assert.Equal(t, want, s.waitParam(r, 25*time.Second), "wait=%q", raw)
	}
}

func TestFullTripOverHTTP(t *testing.T) {
	e := newEnv(t, Options{})
	token := e.signIn(t)

	rec := e.do(t, "GET", "/v1/trip", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	st := decodeBody[stateView](t, rec)
	assert.Equal(t, "scanning_bus", st.Phase)
	assert.Nil(t, st.LastError)

	rec = e.do(t, "POST", "/v1/trip/scan", token, map[string]string{"busId": " " + testBus + " "})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	st = decodeBody[stateView](t, rec)
	assert.Equal(t, "awaiting_confirmation", st.Phase)
	assert.Equal(t, testBus, st.BusID)

	rec = e.do(t, "POST", "/v1/trip/confirm", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	st = decodeBody[stateView](t, rec)
	assert.Equal(t, "active", st.Phase)
	require.NotNil(t, st.VacantSeats)
	assert.Equal(t, 12, *st.VacantSeats)
	assert.Equal(t, "Sector 17", st.NextStop)

	rec = e.do(t, "GET", "/v1/events?wait=1s", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "trip_started", decodeBody[eventView](t, rec).Kind)

	rec = e.do(t, "POST", "/v1/trip/seats/decrement", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 11, *decodeBody[stateView](t, rec).VacantSeats)
	rec = e.do(t, "POST", "/v1/trip/seats/increment", token, nil)
	assert.Equal(t, 12, *decodeBody[stateView](t, rec).VacantSeats)

	rec = e.do(t, "POST", "/v1/trip/message", token, map[string]string{"text": "   "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = e.do(t, "POST", "/v1/trip/message", token, map[string]string{"text": "Running 5 min late"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, "POST", "/v1/trip/at-stop", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Eventually(t, func() bool {
		name, _ := e.ctrl.State().NextStopName()
		return name == "Sector 22"
	}, time.Second, 5*time.Millisecond)

	rec = e.do(t, "POST", "/v1/trip/end", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "scanning_bus", decodeBody[stateView](t, rec).Phase)

	rec = e.do(t, "GET", "/v1/events?wait=1s", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ev := decodeBody[eventView](t, rec)
	assert.Equal(t, "trip_ended", ev.Kind)
	assert.Equal(t, testBus, ev.BusID)
}

func TestScanUnknownBus(t *testing.T) {
	e := newEnv(t, Options{})
	token := e.signIn(t)

	rec := e.do(t, "POST", "/v1/trip/scan", token, map[string]string{"busId": "XX-000"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not registered", decodeBody[errorBody](t, rec).Detail)

	st := decodeBody[stateView](t, e.do(t, "GET", "/v1/trip", token, nil))
	assert.Equal(t, "scanning_bus", st.Phase)
	require.NotNil(t, st.LastError)
	assert.Equal(t, "not_found", st.LastError.Kind)
	assert.Equal(t, "not registered", st.LastError.Message)
}

func TestIntentErrors(t *testing.T) {
	e := newEnv(t, Options{})
	token := e.signIn(t)

	rec := e.do(t, "POST", "/v1/trip/scan", token, map[string]string{"busId": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, "POST", "/v1/trip/end", token, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_phase", decodeBody[errorBody](t, rec).Error)

	rec = e.do(t, "POST", "/v1/trip/seats/increment", token, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestPushLocation(t *testing.T) {
	e := newEnv(t, Options{})
	token := e.signIn(t)
	fix := map[string]float64{"lat": 30.7398, "lon": 76.7827, "speedMps": 8}

	rec := e.do(t, "POST", "/v1/trip/location", token, fix)
	assert.Equal(t, http.StatusConflict, rec.Code, "no active trip")

	e.do(t, "POST", "/v1/trip/scan", token, map[string]string{"busId": testBus})
	e.do(t, "POST", "/v1/trip/confirm", token, nil)

	rec = e.do(t, "POST", "/v1/trip/location", token, map[string]float64{"lat": 91, "lon": 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, "POST", "/v1/trip/location", token, fix)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, e.pusher.count())

	e.do(t, "POST", "/v1/trip/end", token, nil)
}

func TestLongPolls(t *testing.T) {
	e := newEnv(t, Options{MaxWait: 2 * time.Second})
	token := e.signIn(t)

	rec := e.do(t, "GET", "/v1/events?wait=10ms", token, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	cur := decodeBody[stateView](t, e.do(t, "GET", "/v1/trip", token, nil))

	rec = e.do(t, "GET", fmt.Sprintf("/v1/trip?after=%d&wait=20ms", cur.Version), token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, cur.Version, decodeBody[stateView](t, rec).Version, "times out with the unchanged snapshot")

	done := make(chan stateView, 1)
	go func() {
		req := httptest.NewRequest("GET", fmt.Sprintf("/v1/trip?after=%d&wait=1s", cur.Version), nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rr := httptest.NewRecorder()
		e.handler.ServeHTTP(rr, req)
		var v stateView
		_ = json.Unmarshal(rr.Body.Bytes(), &v)
		done <- v
	}()
	e.do(t, "POST", "/v1/trip/scan", token, map[string]string{"busId": testBus})
	select {
	case v := <-done:
		assert.Greater(t, v.Version, cur.Version)
	case <-time.After(2 * time.Second):
		t.Fatal("long poll did not return")
	}

	rec = e.do(t, "GET", "/v1/trip?after=abc", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
