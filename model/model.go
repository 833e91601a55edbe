package model

import (
	"strconv"
	"time"
)

// Holds all external facing types and constants.

type LocationType int

const (
	LocationTypeStop LocationType = iota
	LocationTypeStation
	LocationTypeEntranceExit
	LocationTypeGenericNode
	LocationTypeBoardingArea
)

type RouteType int

const (
	RouteTypeTram       RouteType = 0
	RouteTypeSubway     RouteType = 1
	RouteTypeRail       RouteType = 2
	RouteTypeBus        RouteType = 3
	RouteTypeFerry      RouteType = 4
	RouteTypeCable      RouteType = 5
	RouteTypeAerial     RouteType = 6
	RouteTypeFunicular  RouteType = 7
	RouteTypeTrolleybus RouteType = 11
	RouteTypeMonorail   RouteType = 12
)

type ExceptionType int8

const (
	ExceptionAdded   ExceptionType = 1
	ExceptionRemoved ExceptionType = 2
)

type Agency struct {
	ID       string
	Name     string
	URL      string
	Timezone string
}

// Weekday is a bitmask indexed by time.Weekday.
type Calendar struct {
	ServiceID string
	StartDate string
	EndDate   string
	Weekday   int8
}

func (c *Calendar) RunsOn(day time.Weekday) bool {
	return c.Weekday&(1<<day) != 0
}

type CalendarDate struct {
	ServiceID     string
	Date          string
	ExceptionType ExceptionType
}

type Stop struct {
	ID            string
	Code          string
	Name          string
	Desc          string
	Lat           float64
	Lon           float64
	URL           string
	LocationType  LocationType
	ParentStation string
	PlatformCode  string
}

type Trip struct {
	ID          string
	RouteID     string
	ServiceID   string
	Headsign    string
	ShortName   string
	DirectionID int8
	ShapeID     string
}

type Route struct {
	ID        string
	AgencyID  string
	ShortName string
	LongName  string
	Desc      string
	Type      RouteType
	URL       string
	Color     string
	TextColor string
}

// DisplayName is what riders see on the front of the bus.
func (r *Route) DisplayName() string {
	if r.ShortName != "" {
		return r.ShortName
	}
	if r.LongName != "" {
		return r.LongName
	}
	return r.ID
}

// Arrival and Departure are HHMMSS, and the hour may exceed 23 for
// trips running past midnight.
type StopTime struct {
	TripID       string
	StopID       string
	Headsign     string
	StopSequence uint32
	Arrival      string
	Departure    string
}

func (st *StopTime) ArrivalTime() time.Duration {
	return hhmmss(st.Arrival)
}

func (st *StopTime) DepartureTime() time.Duration {
	return hhmmss(st.Departure)
}

func hhmmss(s string) time.Duration {
	if len(s) != 6 {
		return 0
	}
	h, _ := strconv.Atoi(s[0:2])
	m, _ := strconv.Atoi(s[2:4])
	sec, _ := strconv.Atoi(s[4:6])
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(sec)*time.Second
}

type ShapePoint struct {
	ShapeID  string
	Lat      float64
	Lon      float64
	Sequence uint32
}

// The set of services running on a single service day. Origin is
// noon minus 12h on that date, which is what GTFS stop time offsets
// are relative to.
type ActiveServiceSet struct {
	Date       string
	Origin     time.Time
	ServiceIDs map[string]bool
}

type FeedKind int

const (
	FeedVehiclePositions FeedKind = iota
	FeedTripUpdates
	FeedAlerts
)

func (k FeedKind) String() string {
	switch k {
	case FeedVehiclePositions:
		return "vehicle_positions"
	case FeedTripUpdates:
		return "trip_updates"
	case FeedAlerts:
		return "alerts"
	}
	return "unknown"
}

// A single arrival on a stop board. Realtime entries carry the
// predicted time in Effective; static entries have Effective equal to
// Scheduled.
type MergedArrival struct {
	RouteID   string    `json:"route_id"`
	RouteName string    `json:"route_name"`
	TripID    string    `json:"trip_id"`
	StopID    string    `json:"stop_id"`
	Headsign  string    `json:"headsign"`
	Scheduled time.Time `json:"scheduled"`
	Effective time.Time `json:"effective"`
	Realtime  bool      `json:"realtime"`
	Fresh     bool      `json:"fresh"`

	// Delay is signed, positive when running late. Serialized as
	// whole seconds.
	Delay        time.Duration `json:"-"`
	DelaySeconds int64         `json:"delay"`
}

// Vehicle position with the route it was attributed to.
type VehiclePosition struct {
	VehicleID  string    `json:"vehicle_id"`
	Label      string    `json:"label,omitempty"`
	TripID     string    `json:"trip_id,omitempty"`
	RouteID    string    `json:"route_id"`
	RouteName  string    `json:"route_name"`
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	Bearing    float64   `json:"bearing"`
	Speed      float64   `json:"speed,omitempty"`
	Occupancy  string    `json:"occupancy,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Resolution string    `json:"resolution"`
}

type ActivePeriod struct {
	Start time.Time `json:"start,omitempty"`
	End   time.Time `json:"end,omitempty"`
}

type Alert struct {
	ID          string         `json:"id"`
	Header      string         `json:"header"`
	Description string         `json:"description"`
	Cause       string         `json:"cause"`
	Effect      string         `json:"effect"`
	RouteIDs    []string       `json:"route_ids,omitempty"`
	TripIDs     []string       `json:"trip_ids,omitempty"`
	StopIDs     []string       `json:"stop_ids,omitempty"`
	Periods     []ActivePeriod `json:"periods,omitempty"`
}

// ActiveAt reports whether any of the alert's periods contain t. An
// alert without periods is always active.
func (a *Alert) ActiveAt(t time.Time) bool {
	if len(a.Periods) == 0 {
		return true
	}
	for _, p := range a.Periods {
		if !p.Start.IsZero() && t.Before(p.Start) {
			continue
		}
		if !p.End.IsZero() && t.After(p.End) {
			continue
		}
		return true
	}
	return false
}

type WarningKind string

const (
	WarningAlert       WarningKind = "alert"
	WarningStaleFeed   WarningKind = "stale_feed"
	WarningFeedMissing WarningKind = "feed_unavailable"
)

// Operational warning surfaced to riders for their saved stops and
// routes.
type Warning struct {
	Kind    WarningKind `json:"kind"`
	StopID  string      `json:"stop_id,omitempty"`
	RouteID string      `json:"route_id,omitempty"`
	AlertID string      `json:"alert_id,omitempty"`
	Message string      `json:"message"`
}

// A (stop, route) pair a rider follows.
type Favorite struct {
	StopID  string `yaml:"stop_id" json:"stop_id"`
	RouteID string `yaml:"route_id" json:"route_id"`
}
