package gtfs

import (
	"math"
	"time"

	"busboard.dev/gtfs/geo"
	"busboard.dev/gtfs/metrics"
	"busboard.dev/gtfs/model"
	"busboard.dev/gtfs/parse"
)

const (
	DefaultUnreliableStart = 0
	DefaultUnreliableEnd   = 6
	DefaultMaxDistance     = 100.0 // meters
)

const (
	ResolvedByTrip  = "trip"
	ResolvedByRoute = "route"
	ResolvedByShape = "shape"
)

// Attributes vehicle positions to routes.
//
// Trip IDs are trusted first, then explicit route IDs. Overnight the
// upstream feed tends to leave both blank, so inside the unreliable
// window a vehicle close enough to a route's shape is attributed to
// that route. Anything else is dropped rather than guessed.
type VehicleResolver struct {
	Static *Static

	// Local hours [UnreliableStart, UnreliableEnd). Wraps past
	// midnight when start > end.
	UnreliableStart int
	UnreliableEnd   int

	// Meters.
	MaxDistance float64

	Metrics *metrics.Collector
}

func NewVehicleResolver(static *Static) *VehicleResolver {
	return &VehicleResolver{
		Static:          static,
		UnreliableStart: DefaultUnreliableStart,
		UnreliableEnd:   DefaultUnreliableEnd,
		MaxDistance:     DefaultMaxDistance,
	}
}

func (r *VehicleResolver) inUnreliableWindow(now time.Time) bool {
	hour := now.In(r.Static.Location()).Hour()
	if r.UnreliableStart <= r.UnreliableEnd {
		return hour >= r.UnreliableStart && hour < r.UnreliableEnd
	}
	return hour >= r.UnreliableStart || hour < r.UnreliableEnd
}

func (r *VehicleResolver) Resolve(v parse.Vehicle, now time.Time) (model.VehiclePosition, bool) {
	routeID, resolution := r.resolveRoute(v, now)
	if routeID == "" {
		r.Metrics.VehicleDropped()
		return model.VehiclePosition{}, false
	}
	r.Metrics.VehicleResolved(resolution)

	return model.VehiclePosition{
		VehicleID:  v.ID,
		Label:      v.Label,
		TripID:     v.TripID,
		RouteID:    routeID,
		RouteName:  r.Static.RouteShortName(routeID),
		Lat:        v.Lat,
		Lon:        v.Lon,
		Bearing:    v.Bearing,
		Speed:      v.Speed,
		Occupancy:  v.Occupancy,
		Timestamp:  v.Timestamp,
		Resolution: resolution,
	}, true
}

func (r *VehicleResolver) resolveRoute(v parse.Vehicle, now time.Time) (string, string) {
	if v.TripID != "" {
		if routeID := r.Static.RouteForTrip(v.TripID); routeID != "" {
			return routeID, ResolvedByTrip
		}
	}

	if v.RouteID != "" {
		if _, found := r.Static.Route(v.RouteID); found {
			return v.RouteID, ResolvedByRoute
		}
	}

	if !r.inUnreliableWindow(now) {
		return "", ""
	}

	routeID, dist := r.nearestRoute(geo.Point{Lat: v.Lat, Lon: v.Lon})
	if routeID == "" || dist > r.MaxDistance {
		return "", ""
	}
	return routeID, ResolvedByShape
}

// The route with a shape closest to p. Every shape variant of every
// route is considered.
func (r *VehicleResolver) nearestRoute(p geo.Point) (string, float64) {
	bestRoute := ""
	bestDist := math.Inf(1)

	for _, route := range r.Static.Routes() {
		for _, line := range r.Static.RouteShapes(route.ID) {
			d := geo.PolylineDistance(p, line)
			if d < bestDist {
				bestDist = d
				bestRoute = route.ID
			}
		}
	}

	return bestRoute, bestDist
}

// Resolves every vehicle in the snapshot, dropping those that can't
// be attributed. Vehicles without a position are never included.
func (r *VehicleResolver) ResolveAll(snapshot *FeedSnapshot, now time.Time) []model.VehiclePosition {
	resolved := []model.VehiclePosition{}
	if snapshot == nil || snapshot.Vehicles == nil {
		return resolved
	}

	for _, v := range snapshot.Vehicles.Vehicles {
		if pos, ok := r.Resolve(v, now); ok {
			resolved = append(resolved, pos)
		}
	}
	return resolved
}
