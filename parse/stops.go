package parse

import (
	"fmt"
	"strings"

	"busboard.dev/gtfs/model"
	"busboard.dev/gtfs/storage"
)

type StopCSV struct {
	ID   string `csv:"stop_id"`
	Code string `csv:"stop_code"`
	Name string `csv:"stop_name"`
	Desc string `csv:"stop_desc"`
	Lat  string `csv:"stop_lat"`
	Lon  string `csv:"stop_lon"`
	// ZoneID        string  `csv:"zone_id"`
	URL           string `csv:"stop_url"`
	LocationType  string `csv:"location_type"`
	ParentStation string `csv:"parent_station"`
	// Timezone      string  `csv:"stop_timezone"`
	// WheelchairBoarding string `csv:"wheelchair_boarding"`
	PlatformCode string `csv:"platform_code"`
}

// Writes all stops, returning the set of stop IDs written.
func ParseStops(writer storage.FeedWriter, src Source, stats *Stats) (map[string]bool, error) {
	rs := stats.Relation("stops.txt")

	stopIDs := map[string]bool{}
	var writeErr error

	err := readRelation(src, "stops.txt", stats, func(st *StopCSV) {
		if writeErr != nil {
			return
		}

		id := strings.TrimSpace(st.ID)
		if id == "" || stopIDs[id] {
			rs.Skipped++
			return
		}

		locationType, err := parseOptionalInt(st.LocationType, int(model.LocationTypeStop))
		if err != nil || locationType < 0 || locationType > int(model.LocationTypeBoardingArea) {
			rs.Skipped++
			return
		}

		// stop_lat and stop_lon are "[o]ptional for locations
		// which are generic nodes (location_type=3) or boarding
		// areas (location_type=4)" and otherwise required.
		var lat, lon float64
		optionalCoords := model.LocationType(locationType) == model.LocationTypeGenericNode ||
			model.LocationType(locationType) == model.LocationTypeBoardingArea
		if !optionalCoords || strings.TrimSpace(st.Lat) != "" || strings.TrimSpace(st.Lon) != "" {
			lat, err = parseFloat(st.Lat)
			if err != nil || lat < -90 || lat > 90 {
				rs.Skipped++
				return
			}
			lon, err = parseFloat(st.Lon)
			if err != nil || lon < -180 || lon > 180 {
				rs.Skipped++
				return
			}
		}

		stopIDs[id] = true
		writeErr = writer.WriteStop(model.Stop{
			ID:            id,
			Code:          strings.TrimSpace(st.Code),
			Name:          strings.TrimSpace(st.Name),
			Desc:          st.Desc,
			Lat:           lat,
			Lon:           lon,
			URL:           st.URL,
			LocationType:  model.LocationType(locationType),
			ParentStation: strings.TrimSpace(st.ParentStation),
			PlatformCode:  strings.TrimSpace(st.PlatformCode),
		})
		rs.Rows++
	})
	if err != nil {
		return nil, err
	}
	if writeErr != nil {
		return nil, fmt.Errorf("writing stop: %w", writeErr)
	}

	return stopIDs, nil
}
