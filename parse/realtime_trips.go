package parse

import (
	"fmt"
	"time"

	gtfsproto "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
)

type StopTimeUpdateScheduleRelationship int

const (
	StopTimeUpdateScheduled StopTimeUpdateScheduleRelationship = iota
	StopTimeUpdateSkipped
	StopTimeUpdateNoData
)

type StopTimeUpdate struct {
	TripID         string
	RouteID        string
	StopID         string
	StopSequence   uint32
	ArrivalIsSet   bool
	ArrivalTime    time.Time
	ArrivalDelay   time.Duration
	DepartureIsSet bool
	DepartureTime  time.Time
	DepartureDelay time.Duration
	Type           StopTimeUpdateScheduleRelationship
}

// The predicted time at the stop. Arrival is preferred over
// departure. Zero if the update only carries delays.
func (u *StopTimeUpdate) PredictedTime() time.Time {
	if u.ArrivalIsSet && !u.ArrivalTime.IsZero() {
		return u.ArrivalTime
	}
	if u.DepartureIsSet && !u.DepartureTime.IsZero() {
		return u.DepartureTime
	}
	return time.Time{}
}

// The larger of the arrival and departure delays.
func (u *StopTimeUpdate) Delay() time.Duration {
	switch {
	case u.ArrivalIsSet && u.DepartureIsSet:
		return max(u.ArrivalDelay, u.DepartureDelay)
	case u.ArrivalIsSet:
		return u.ArrivalDelay
	case u.DepartureIsSet:
		return u.DepartureDelay
	}
	return 0
}

// Contains key data from a GTFS-rt trip updates feed.
type TripUpdates struct {
	// Timestamp of the feed. If loaded from multiple feeds, the
	// last one wins.
	Timestamp     uint64
	CanceledTrips map[string]bool
	Updates       []*StopTimeUpdate

	byStopID  map[tripStop]*StopTimeUpdate
	bySeq     map[tripSeq]*StopTimeUpdate
	tripRoute map[string]string

	// These exist to simplify debugging down the road
	NumScheduledTrips   int
	NumAddedTrips       int
	NumUnscheduledTrips int
	NumCanceledTrips    int
	NumDuplicatedTrips  int
	NumInvalidUpdates   int
}

type tripStop struct {
	trip string
	stop string
}

type tripSeq struct {
	trip string
	seq  uint32
}

func (tu *TripUpdates) GeneratedAt() time.Time {
	return feedTime(tu.Timestamp)
}

func (tu *TripUpdates) Canceled(tripID string) bool {
	return tu.CanceledTrips[tripID]
}

// Finds the update for a stop on a trip. Updates can reference
// stops by stop_id, stop_sequence or both; stop_id is tried first.
func (tu *TripUpdates) Lookup(tripID, stopID string, stopSequence uint32) (*StopTimeUpdate, bool) {
	if u, found := tu.byStopID[tripStop{tripID, stopID}]; found {
		return u, true
	}
	if u, found := tu.bySeq[tripSeq{tripID, stopSequence}]; found && u.StopID == "" {
		return u, true
	}
	return nil, false
}

// Route ID a trip descriptor carried, if any.
func (tu *TripUpdates) RouteForTrip(tripID string) string {
	return tu.tripRoute[tripID]
}

func ParseTripUpdates(feeds [][]byte) (*TripUpdates, error) {
	tu := &TripUpdates{
		CanceledTrips: map[string]bool{},
		Updates:       []*StopTimeUpdate{},
		byStopID:      map[tripStop]*StopTimeUpdate{},
		bySeq:         map[tripSeq]*StopTimeUpdate{},
		tripRoute:     map[string]string{},
	}

	for _, feed := range feeds {
		f, err := unmarshalFeed(feed)
		if err != nil {
			return nil, err
		}

		tu.Timestamp = f.GetHeader().GetTimestamp()

		tu.processEntities(f.GetEntity())
	}

	return tu, nil
}

func (tu *TripUpdates) processEntities(entities []*gtfsproto.FeedEntity) {
	for _, entity := range entities {
		// We only care about TripUpdates
		if entity.TripUpdate == nil {
			continue
		}

		// Blank trip ID is allowed when (route_id,
		// direction_id, start_time, start_date) is provided
		// and uniquely identifies the trip in the static
		// schedule. Also allowed for frequency based trips.
		//
		// That said, we don't support it.
		trip := entity.TripUpdate.GetTrip()
		if trip.GetTripId() == "" {
			tu.NumInvalidUpdates++
			continue
		}

		if trip.GetRouteId() != "" {
			tu.tripRoute[trip.GetTripId()] = trip.GetRouteId()
		}

		switch trip.GetScheduleRelationship() {

		case gtfsproto.TripDescriptor_SCHEDULED:
			// Trip running in accordance with GTFS schedule
			for _, update := range entity.TripUpdate.GetStopTimeUpdate() {
				tu.processStopTimeUpdate(trip, update)
			}
			tu.NumScheduledTrips++

		case gtfsproto.TripDescriptor_ADDED:
			// An extra trip that's been added. Not supported!
			tu.NumAddedTrips++

		case gtfsproto.TripDescriptor_UNSCHEDULED:
			// For frequency based trips only. Not supported!
			tu.NumUnscheduledTrips++

		case gtfsproto.TripDescriptor_CANCELED:
			// Trip in GTFS schedule that has been canceled.
			tu.CanceledTrips[trip.GetTripId()] = true
			tu.NumCanceledTrips++

		case gtfsproto.TripDescriptor_DUPLICATED:
			// Copy of a trip in GTFS schedule. Not supported!
			tu.NumDuplicatedTrips++

		}
	}
}

func (tu *TripUpdates) processStopTimeUpdate(
	trip *gtfsproto.TripDescriptor,
	update *gtfsproto.TripUpdate_StopTimeUpdate,
) {
	stup := &StopTimeUpdate{
		TripID:       trip.GetTripId(),
		RouteID:      trip.GetRouteId(),
		StopID:       update.GetStopId(),
		StopSequence: update.GetStopSequence(),
	}

	if update.Arrival != nil {
		stup.ArrivalIsSet = true
		if arrivalUnix := update.GetArrival().GetTime(); arrivalUnix != 0 {
			stup.ArrivalTime = time.Unix(arrivalUnix, 0).UTC()
		}
		stup.ArrivalDelay = time.Duration(update.GetArrival().GetDelay()) * time.Second
	}

	if update.Departure != nil {
		stup.DepartureIsSet = true
		if departureUnix := update.GetDeparture().GetTime(); departureUnix != 0 {
			stup.DepartureTime = time.Unix(departureUnix, 0).UTC()
		}
		stup.DepartureDelay = time.Duration(update.GetDeparture().GetDelay()) * time.Second
	}

	// XXX: StopSequence 0 is actually allowed by spec, but
	// without a stop_id there's no telling it apart from unset.
	if stup.StopID == "" && update.StopSequence == nil {
		tu.NumInvalidUpdates++
		return
	}

	switch update.GetScheduleRelationship() {

	case gtfsproto.TripUpdate_StopTimeUpdate_SCHEDULED:
		// Vehicle will stop according to GTFS schedule, but
		// possibly with delay.
		stup.Type = StopTimeUpdateScheduled

	case gtfsproto.TripUpdate_StopTimeUpdate_SKIPPED:
		stup.Type = StopTimeUpdateSkipped

	case gtfsproto.TripUpdate_StopTimeUpdate_NO_DATA:
		// No data for this stop
		stup.Type = StopTimeUpdateNoData

	default:
		// UNSCHEDULED is for frequency based trips. Not
		// supported!
		return
	}

	tu.Updates = append(tu.Updates, stup)
	if stup.StopID != "" {
		tu.byStopID[tripStop{stup.TripID, stup.StopID}] = stup
	}
	if update.StopSequence != nil {
		tu.bySeq[tripSeq{stup.TripID, stup.StopSequence}] = stup
	}
}

func (tu *TripUpdates) String() string {
	return fmt.Sprintf(
		"%d updates, %d scheduled, %d canceled, %d added, %d invalid",
		len(tu.Updates),
		tu.NumScheduledTrips,
		tu.NumCanceledTrips,
		tu.NumAddedTrips,
		tu.NumInvalidUpdates,
	)
}
