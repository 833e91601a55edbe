package parse

import (
	"time"

	gtfsproto "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
)

// A raw vehicle position. Trip and route IDs are whatever the
// producer sent, possibly blank.
type Vehicle struct {
	ID        string
	Label     string
	TripID    string
	RouteID   string
	Lat       float64
	Lon       float64
	Bearing   float64
	Speed     float64
	Occupancy string
	Timestamp time.Time
}

type VehiclePositions struct {
	Timestamp uint64
	Vehicles  []Vehicle

	NumMissingPosition int
}

func (vp *VehiclePositions) GeneratedAt() time.Time {
	return feedTime(vp.Timestamp)
}

func ParseVehiclePositions(feeds [][]byte) (*VehiclePositions, error) {
	vp := &VehiclePositions{Vehicles: []Vehicle{}}

	for _, feed := range feeds {
		f, err := unmarshalFeed(feed)
		if err != nil {
			return nil, err
		}

		vp.Timestamp = f.GetHeader().GetTimestamp()

		for _, entity := range f.GetEntity() {
			if entity.Vehicle == nil {
				continue
			}
			if v, ok := vp.vehicle(entity); ok {
				vp.Vehicles = append(vp.Vehicles, v)
			}
		}
	}

	return vp, nil
}

func (vp *VehiclePositions) vehicle(entity *gtfsproto.FeedEntity) (Vehicle, bool) {
	pos := entity.Vehicle.GetPosition()
	if pos == nil || pos.Latitude == nil || pos.Longitude == nil {
		vp.NumMissingPosition++
		return Vehicle{}, false
	}

	v := Vehicle{
		ID:      entity.Vehicle.GetVehicle().GetId(),
		Label:   entity.Vehicle.GetVehicle().GetLabel(),
		TripID:  entity.Vehicle.GetTrip().GetTripId(),
		RouteID: entity.Vehicle.GetTrip().GetRouteId(),
		Lat:     float64(pos.GetLatitude()),
		Lon:     float64(pos.GetLongitude()),
		Bearing: float64(pos.GetBearing()),
		Speed:   float64(pos.GetSpeed()),
	}

	// Vehicle descriptor is optional. Fall back on the entity ID,
	// which is required and unique within the feed.
	if v.ID == "" {
		v.ID = v.Label
	}
	if v.ID == "" {
		v.ID = entity.GetId()
	}

	if entity.Vehicle.OccupancyStatus != nil {
		v.Occupancy = entity.Vehicle.GetOccupancyStatus().String()
	}
	if ts := entity.Vehicle.GetTimestamp(); ts != 0 {
		v.Timestamp = time.Unix(int64(ts), 0).UTC()
	}

	return v, true
}
