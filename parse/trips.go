package parse

import (
	"fmt"
	"strings"

	"busboard.dev/gtfs/model"
	"busboard.dev/gtfs/storage"
)

type TripCSV struct {
	ID          string `csv:"trip_id"`
	RouteID     string `csv:"route_id"`
	ServiceID   string `csv:"service_id"`
	Headsign    string `csv:"trip_headsign"`
	ShortName   string `csv:"trip_short_name"`
	DirectionID string `csv:"direction_id"`
	ShapeID     string `csv:"shape_id"`
	// BlockID              string `csv:"block_id"`
	// WheelchairAccessible int8   `csv:"wheelchair_accessible"`
}

// Writes all trips referencing a known route. Returns the set of trip
// IDs written.
//
// Must be bracketed by BeginTrips/EndTrips.
func ParseTrips(
	writer storage.FeedWriter,
	src Source,
	stats *Stats,
	routes map[string]bool,
) (map[string]bool, error) {
	rs := stats.Relation("trips.txt")

	trips := map[string]bool{}
	var writeErr error

	err := readRelation(src, "trips.txt", stats, func(t *TripCSV) {
		if writeErr != nil {
			return
		}

		id := strings.TrimSpace(t.ID)
		routeID := strings.TrimSpace(t.RouteID)
		if id == "" || routeID == "" || trips[id] || !routes[routeID] {
			rs.Skipped++
			return
		}

		direction, err := parseOptionalInt(t.DirectionID, 0)
		if err != nil || (direction != 0 && direction != 1) {
			rs.Skipped++
			return
		}

		trips[id] = true
		writeErr = writer.WriteTrip(model.Trip{
			ID:          id,
			RouteID:     routeID,
			ServiceID:   strings.TrimSpace(t.ServiceID),
			Headsign:    strings.TrimSpace(t.Headsign),
			ShortName:   strings.TrimSpace(t.ShortName),
			DirectionID: int8(direction),
			ShapeID:     strings.TrimSpace(t.ShapeID),
		})
		rs.Rows++
	})
	if err != nil {
		return nil, err
	}
	if writeErr != nil {
		return nil, fmt.Errorf("writing trip: %w", writeErr)
	}

	return trips, nil
}
