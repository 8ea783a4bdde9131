package location

import (
	"context"
	"fmt"
	"sync"
	"time"

	"conductor-relay/internal/geo"
)

// PushSource reports fixes posted by the device. Each pushed fix is delivered
// at most once, and only while it is younger than maxAge.
type PushSource struct {
	maxAge time.Duration

	mu        sync.Mutex
	fix       Fix
	has       bool
	delivered bool
}

func NewPushSource(maxAge time.Duration) *PushSource {
	return &PushSource{maxAge: maxAge}
}

func (p *PushSource) Begin(context.Context, string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fix, p.has, p.delivered = Fix{}, false, false
	return nil
}

// Push records a fix. A missing timestamp means now; a missing speed is
// estimated from the previous fix.
func (p *PushSource) Push(f Fix) {
	if f.Time.IsZero() {
		f.Time = time.Now()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if f.SpeedMps <= 0 && p.has {
		if dt := f.Time.Sub(p.fix.Time).Seconds(); dt > 0 {
			d := geo.Haversine(geo.Point{Lat: p.fix.Lat, Lon: p.fix.Lon}, geo.Point{Lat: f.Lat, Lon: f.Lon})
			f.SpeedMps = d / dt
		}
	}
	p.fix, p.has, p.delivered = f, true, false
}

func (p *PushSource) Next(_ context.Context, now time.Time) (Fix, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.has || p.delivered {
		return Fix{}, ErrNoFix
	}
	if p.maxAge > 0 && now.Sub(p.fix.Time) > p.maxAge {
		return Fix{}, ErrNoFix
	}
	p.delivered = true
	return p.fix, nil
}

// RouteLoader returns the ordered points of the route the bus is assigned to.
type RouteLoader interface {
	RoutePath(ctx context.Context, busID string) ([]geo.Point, error)
}

// RouteWalker simulates a bus driving its route at constant speed, for
// deployments without a GPS receiver. The walk stops at the last point.
type RouteWalker struct {
	routes   RouteLoader
	speedMps float64

	mu    sync.Mutex
	pts   []geo.Point
	cum   []float64
	start time.Time
}

func NewRouteWalker(routes RouteLoader, speedKmh float64) *RouteWalker {
	return &RouteWalker{routes: routes, speedMps: speedKmh / 3.6}
}

func (w *RouteWalker) Begin(ctx context.Context, busID string) error {
	pts, err := w.routes.RoutePath(ctx, busID)
	if err != nil {
		return fmt.Errorf("load route for %s: %w", busID, err)
	}
	if len(pts) < 2 {
		return fmt.Errorf("route for %s has %d located stops: %w", busID, len(pts), ErrNoFix)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pts = pts
	w.cum = geo.CumDistances(pts)
	w.start = time.Now()
	return nil
}

func (w *RouteWalker) Next(_ context.Context, now time.Time) (Fix, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pts) == 0 {
		return Fix{}, ErrNoFix
	}
	total := w.cum[len(w.cum)-1]
	dist := w.speedMps * now.Sub(w.start).Seconds()
	speed := w.speedMps
	if dist >= total {
		dist, speed = total, 0
	}
	p, bearing := geo.Interpolate(w.pts, w.cum, dist)
	return Fix{Lat: p.Lat, Lon: p.Lon, SpeedMps: speed, Bearing: bearing, Time: now}, nil
}
