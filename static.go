package gtfs

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"busboard.dev/gtfs/geo"
	"busboard.dev/gtfs/model"
	"busboard.dev/gtfs/storage"
)

var ErrNoStatic = errors.New("no static schedule loaded")

// The in memory index over a static feed. Immutable once built; a
// schedule refresh builds a new one and swaps it in.
type Static struct {
	Metadata *storage.FeedMetadata

	location *time.Location
	agencies []model.Agency

	routes map[string]*model.Route
	stops  map[string]*model.Stop
	trips  map[string]*model.Trip

	routeIDs []string
	stopIDs  []string

	routeShortNames map[string]string
	tripsByRoute    map[string][]string
	routesByStop    map[string][]string
	stopTimesByTrip map[string][]model.StopTime
	stopTimesByStop map[string][]model.StopTime
	routeShapes     map[string][][]geo.Point

	calendar *ServiceCalendar
}

func NewStatic(reader storage.FeedReader, metadata *storage.FeedMetadata) (*Static, error) {
	location, err := time.LoadLocation(metadata.Timezone)
	if err != nil {
		return nil, fmt.Errorf("loading timezone: %w", err)
	}

	s := &Static{
		Metadata:        metadata,
		location:        location,
		routes:          map[string]*model.Route{},
		stops:           map[string]*model.Stop{},
		trips:           map[string]*model.Trip{},
		routeShortNames: map[string]string{},
		tripsByRoute:    map[string][]string{},
		routesByStop:    map[string][]string{},
		stopTimesByTrip: map[string][]model.StopTime{},
		stopTimesByStop: map[string][]model.StopTime{},
		routeShapes:     map[string][][]geo.Point{},
	}

	s.agencies, err = reader.Agencies()
	if err != nil {
		return nil, fmt.Errorf("reading agencies: %w", err)
	}

	routes, err := reader.Routes()
	if err != nil {
		return nil, fmt.Errorf("reading routes: %w", err)
	}
	for i := range routes {
		r := &routes[i]
		s.routes[r.ID] = r
		s.routeIDs = append(s.routeIDs, r.ID)
		s.routeShortNames[r.ID] = r.DisplayName()
	}
	sort.Strings(s.routeIDs)

	stops, err := reader.Stops()
	if err != nil {
		return nil, fmt.Errorf("reading stops: %w", err)
	}
	for i := range stops {
		s.stops[stops[i].ID] = &stops[i]
		s.stopIDs = append(s.stopIDs, stops[i].ID)
	}
	sort.Strings(s.stopIDs)

	trips, err := reader.Trips()
	if err != nil {
		return nil, fmt.Errorf("reading trips: %w", err)
	}
	for i := range trips {
		t := &trips[i]
		s.trips[t.ID] = t
		s.tripsByRoute[t.RouteID] = append(s.tripsByRoute[t.RouteID], t.ID)
	}
	for _, ids := range s.tripsByRoute {
		sort.Strings(ids)
	}

	stopTimes, err := reader.StopTimes()
	if err != nil {
		return nil, fmt.Errorf("reading stop times: %w", err)
	}
	s.indexStopTimes(stopTimes)

	points, err := reader.ShapePoints()
	if err != nil {
		return nil, fmt.Errorf("reading shapes: %w", err)
	}
	s.indexShapes(points)

	calendars, err := reader.Calendars()
	if err != nil {
		return nil, fmt.Errorf("reading calendars: %w", err)
	}
	calendarDates, err := reader.CalendarDates()
	if err != nil {
		return nil, fmt.Errorf("reading calendar dates: %w", err)
	}
	s.calendar = NewServiceCalendar(calendars, calendarDates, location)

	return s, nil
}

func (s *Static) indexStopTimes(stopTimes []model.StopTime) {
	servedBy := map[string]map[string]bool{}

	for _, st := range stopTimes {
		trip, found := s.trips[st.TripID]
		if !found {
			continue
		}

		s.stopTimesByTrip[st.TripID] = append(s.stopTimesByTrip[st.TripID], st)
		s.stopTimesByStop[st.StopID] = append(s.stopTimesByStop[st.StopID], st)

		if servedBy[st.StopID] == nil {
			servedBy[st.StopID] = map[string]bool{}
		}
		servedBy[st.StopID][s.RouteShortName(trip.RouteID)] = true
	}

	// File order means nothing. Sequence is what orders a trip.
	for _, sts := range s.stopTimesByTrip {
		sort.SliceStable(sts, func(i, j int) bool {
			return sts[i].StopSequence < sts[j].StopSequence
		})
	}
	for _, sts := range s.stopTimesByStop {
		sort.SliceStable(sts, func(i, j int) bool {
			return sts[i].ArrivalTime() < sts[j].ArrivalTime()
		})
	}

	for stopID, names := range servedBy {
		list := make([]string, 0, len(names))
		for name := range names {
			list = append(list, name)
		}
		sort.Strings(list)
		s.routesByStop[stopID] = list
	}
}

// Every distinct shape used by a route's trips is kept. Variants of
// a route can diverge, so the longest one is not enough.
func (s *Static) indexShapes(points []model.ShapePoint) {
	byShape := map[string][]model.ShapePoint{}
	for _, p := range points {
		byShape[p.ShapeID] = append(byShape[p.ShapeID], p)
	}

	polylines := map[string][]geo.Point{}
	for id, pts := range byShape {
		sort.SliceStable(pts, func(i, j int) bool {
			return pts[i].Sequence < pts[j].Sequence
		})
		line := make([]geo.Point, len(pts))
		for i, p := range pts {
			line[i] = geo.Point{Lat: p.Lat, Lon: p.Lon}
		}
		polylines[id] = line
	}

	seen := map[string]map[string]bool{}
	for _, routeID := range s.routeIDs {
		for _, tripID := range s.tripsByRoute[routeID] {
			shapeID := s.trips[tripID].ShapeID
			line, found := polylines[shapeID]
			if !found {
				continue
			}
			if seen[routeID] == nil {
				seen[routeID] = map[string]bool{}
			}
			if seen[routeID][shapeID] {
				continue
			}
			seen[routeID][shapeID] = true
			s.routeShapes[routeID] = append(s.routeShapes[routeID], line)
		}
	}
}

func (s *Static) Location() *time.Location {
	return s.location
}

func (s *Static) Calendar() *ServiceCalendar {
	return s.calendar
}

func (s *Static) Agencies() []model.Agency {
	return s.agencies
}

func (s *Static) Route(id string) (*model.Route, bool) {
	r, found := s.routes[id]
	return r, found
}

func (s *Static) Stop(id string) (*model.Stop, bool) {
	st, found := s.stops[id]
	return st, found
}

func (s *Static) Trip(id string) (*model.Trip, bool) {
	t, found := s.trips[id]
	return t, found
}

// All routes, ordered by ID.
func (s *Static) Routes() []*model.Route {
	routes := make([]*model.Route, 0, len(s.routeIDs))
	for _, id := range s.routeIDs {
		routes = append(routes, s.routes[id])
	}
	return routes
}

// All stops, ordered by ID.
func (s *Static) Stops() []*model.Stop {
	stops := make([]*model.Stop, 0, len(s.stopIDs))
	for _, id := range s.stopIDs {
		stops = append(stops, s.stops[id])
	}
	return stops
}

// Route ID of a trip, or "" for unknown trips.
func (s *Static) RouteForTrip(tripID string) string {
	if t, found := s.trips[tripID]; found {
		return t.RouteID
	}
	return ""
}

// What riders call the route. Falls back to long name, then ID.
func (s *Static) RouteShortName(routeID string) string {
	if name, found := s.routeShortNames[routeID]; found {
		return name
	}
	return routeID
}

// Copy of the route ID to short name map.
func (s *Static) RouteShortNames() map[string]string {
	names := make(map[string]string, len(s.routeShortNames))
	for id, name := range s.routeShortNames {
		names[id] = name
	}
	return names
}

func (s *Static) TripsForRoute(routeID string) []string {
	return s.tripsByRoute[routeID]
}

// Sorted short names of the routes with trips calling at the stop.
func (s *Static) RoutesForStop(stopID string) []string {
	return s.routesByStop[stopID]
}

// A trip's stop times in stop_sequence order.
func (s *Static) TripStops(tripID string) []model.StopTime {
	return s.stopTimesByTrip[tripID]
}

// Stop times at a stop, ordered by arrival offset. Shared; callers
// must not modify.
func (s *Static) StopTimesForStop(stopID string) []model.StopTime {
	return s.stopTimesByStop[stopID]
}

func (s *Static) RouteShapes(routeID string) [][]geo.Point {
	return s.routeShapes[routeID]
}

// Returns stops ordered by distance from lat,lon.
//
// If limit is >0, at most limit stops are returned. Only stops and
// stations are considered; entrances, nodes and boarding areas are
// not something a rider waits at.
func (s *Static) NearbyStops(lat float64, lon float64, limit int) []*model.Stop {
	type candidate struct {
		stop *model.Stop
		dist float64
	}

	candidates := []candidate{}
	for _, id := range s.stopIDs {
		stop := s.stops[id]
		if stop.LocationType != model.LocationTypeStop && stop.LocationType != model.LocationTypeStation {
			continue
		}
		candidates = append(candidates, candidate{
			stop: stop,
			dist: geo.HaversineDistance(lat, lon, stop.Lat, stop.Lon),
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].dist < candidates[j].dist
	})

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	stops := make([]*model.Stop, len(candidates))
	for i, c := range candidates {
		stops[i] = c.stop
	}
	return stops
}
