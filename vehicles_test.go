package gtfs_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"busboard.dev/gtfs"
	"busboard.dev/gtfs/model"
	"busboard.dev/gtfs/parse"
	"busboard.dev/gtfs/testutil"
)

func vehicleFixture(t *testing.T) *gtfs.Static {
	return testutil.BuildStatic(t, "memory", map[string][]string{
		"calendar.txt": dailyCalendar(),
		"routes.txt":   {"route_id,route_short_name,route_type", "7,7,3", "9,9,3", "11,11,3"},
		"stops.txt":    {"stop_id,stop_name,stop_lat,stop_lon", "s,S,40,-75"},
		"trips.txt": {
			"trip_id,route_id,service_id,shape_id",
			"t7,7,daily,east",
			"t7b,7,daily,north",
			"t9,9,daily,far",
			"t11,11,daily,",
		},
		"shapes.txt": {
			"shape_id,shape_pt_lat,shape_pt_lon,shape_pt_sequence",
			"east,40.0,-75.0,1",
			"east,40.0,-74.99,2",
			// A branch of route 7 heading north
			"north,40.0,-75.0,1",
			"north,40.01,-75.0,2",
			"far,41.0,-75.0,1",
			"far,41.0,-74.99,2",
		},
	})
}

func TestVehicleResolver(t *testing.T) {
	static := vehicleFixture(t)
	resolver := gtfs.NewVehicleResolver(static)

	night := time.Date(2024, 3, 4, 3, 0, 0, 0, time.UTC)
	day := time.Date(2024, 3, 4, 14, 0, 0, 0, time.UTC)

	for _, tc := range []struct {
		name       string
		vehicle    parse.Vehicle
		now        time.Time
		route      string
		resolution string
	}{
		{
			name:       "trip id",
			vehicle:    parse.Vehicle{ID: "v", TripID: "t9", RouteID: "7", Lat: 40, Lon: -75},
			now:        day,
			route:      "9",
			resolution: gtfs.ResolvedByTrip,
		},
		{
			name:       "unknown trip, explicit route",
			vehicle:    parse.Vehicle{ID: "v", TripID: "nope", RouteID: "11", Lat: 40, Lon: -75},
			now:        day,
			route:      "11",
			resolution: gtfs.ResolvedByRoute,
		},
		{
			name:    "unknown route outside window",
			vehicle: parse.Vehicle{ID: "v", RouteID: "nope", Lat: 40, Lon: -74.995},
			now:     day,
		},
		{
			name:       "near shape at night",
			vehicle:    parse.Vehicle{ID: "v", Lat: 40.0004, Lon: -74.995},
			now:        night,
			route:      "7",
			resolution: gtfs.ResolvedByShape,
		},
		{
			name:    "near shape in the afternoon",
			vehicle: parse.Vehicle{ID: "v", Lat: 40.0004, Lon: -74.995},
			now:     day,
		},
		{
			name:       "near a branch of the route",
			vehicle:    parse.Vehicle{ID: "v", Lat: 40.008, Lon: -75.0005},
			now:        night,
			route:      "7",
			resolution: gtfs.ResolvedByShape,
		},
		{
			name:       "nearest of several routes",
			vehicle:    parse.Vehicle{ID: "v", Lat: 41.0003, Lon: -74.995},
			now:        night,
			route:      "9",
			resolution: gtfs.ResolvedByShape,
		},
		{
			name:    "too far from any shape",
			vehicle: parse.Vehicle{ID: "v", Lat: 40.002, Lon: -74.995},
			now:     night,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			pos, ok := resolver.Resolve(tc.vehicle, tc.now)
			if tc.route == "" {
				assert.False(t, ok, "resolved to %s", pos.RouteID)
				return
			}
			require.True(t, ok)
			assert.Equal(t, tc.route, pos.RouteID)
			assert.Equal(t, tc.route, pos.RouteName)
			assert.Equal(t, tc.resolution, pos.Resolution)
			assert.Equal(t, tc.vehicle.ID, pos.VehicleID)
			assert.Equal(t, tc.vehicle.Lat, pos.Lat)
		})
	}
}

func TestVehicleResolverKeepsVehicleFields(t *testing.T) {
	static := vehicleFixture(t)
	resolver := gtfs.NewVehicleResolver(static)
	ts := time.Date(2024, 3, 4, 13, 59, 30, 0, time.UTC)

	pos, ok := resolver.Resolve(parse.Vehicle{
		ID:        "v1",
		Label:     "Bus 1",
		TripID:    "t7",
		Lat:       40,
		Lon:       -75,
		Bearing:   270,
		Speed:     8.5,
		Occupancy: "STANDING_ROOM_ONLY",
		Timestamp: ts,
	}, time.Date(2024, 3, 4, 14, 0, 0, 0, time.UTC))
	require.True(t, ok)

	assert.Equal(t, model.VehiclePosition{
		VehicleID:  "v1",
		Label:      "Bus 1",
		TripID:     "t7",
		RouteID:    "7",
		RouteName:  "7",
		Lat:        40,
		Lon:        -75,
		Bearing:    270,
		Speed:      8.5,
		Occupancy:  "STANDING_ROOM_ONLY",
		Timestamp:  ts,
		Resolution: gtfs.ResolvedByTrip,
	}, pos)
}

func TestVehicleResolverMaxDistance(t *testing.T) {
	static := vehicleFixture(t)
	resolver := gtfs.NewVehicleResolver(static)
	night := time.Date(2024, 3, 4, 3, 0, 0, 0, time.UTC)

	// ~220m north of route 7
	v := parse.Vehicle{ID: "v", Lat: 40.002, Lon: -74.995}

	_, ok := resolver.Resolve(v, night)
	assert.False(t, ok)

	resolver.MaxDistance = 250
	pos, ok := resolver.Resolve(v, night)
	require.True(t, ok)
	assert.Equal(t, "7", pos.RouteID)
}

func TestVehicleResolverResolveAll(t *testing.T) {
	static := vehicleFixture(t)
	resolver := gtfs.NewVehicleResolver(static)
	now := time.Date(2024, 3, 4, 14, 0, 0, 0, time.UTC)

	vp, err := parse.ParseVehiclePositions([][]byte{testutil.VehiclePositionsFeed(t, now,
		testutil.VehicleUpdate{ID: "a", TripID: "t7", Lat: 40, Lon: -75},
		testutil.VehicleUpdate{ID: "b", Lat: 40, Lon: -75},
		testutil.VehicleUpdate{ID: "c", RouteID: "9", Lat: 41, Lon: -75},
	)})
	require.NoError(t, err)

	resolved := resolver.ResolveAll(&gtfs.FeedSnapshot{Kind: model.FeedVehiclePositions, Vehicles: vp}, now)
	require.Len(t, resolved, 2)
	assert.Equal(t, "a", resolved[0].VehicleID)
	assert.Equal(t, "7", resolved[0].RouteID)
	assert.Equal(t, "c", resolved[1].VehicleID)
	assert.Equal(t, "9", resolved[1].RouteID)

	assert.Empty(t, resolver.ResolveAll(nil, now))
}
