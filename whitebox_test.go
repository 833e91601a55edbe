package gtfs

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gtfsproto "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	proto "google.golang.org/protobuf/proto"

	"busboard.dev/gtfs/parse"
	"busboard.dev/gtfs/storage"
)

// Don't love this, but some internal functions are finicky and need
// testing.

func staticFromFiles(t *testing.T, files map[string][]string) *Static {
	dir := t.TempDir()
	for name, lines := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(strings.Join(lines, "\n")), 0644))
	}

	s := storage.NewMemoryStorage()
	writer, err := s.GetWriter("test")
	require.NoError(t, err)
	metadata, _, err := parse.ParseStatic(writer, parse.NewDirSource(dir))
	require.NoError(t, err)

	reader, err := s.GetReader("test")
	require.NoError(t, err)
	static, err := NewStatic(reader, metadata)
	require.NoError(t, err)
	return static
}

// Trip updates with a single stop time update per trip, all for
// stop "s".
func tripUpdates(t *testing.T, updates map[string]*gtfsproto.TripUpdate_StopTimeEvent, canceled ...string) *parse.TripUpdates {
	entities := []*gtfsproto.FeedEntity{}
	for tripID, event := range updates {
		entities = append(entities, &gtfsproto.FeedEntity{
			Id: proto.String(tripID),
			TripUpdate: &gtfsproto.TripUpdate{
				Trip: &gtfsproto.TripDescriptor{TripId: proto.String(tripID)},
				StopTimeUpdate: []*gtfsproto.TripUpdate_StopTimeUpdate{
					{StopId: proto.String("s"), Arrival: event},
				},
			},
		})
	}
	for _, tripID := range canceled {
		entities = append(entities, &gtfsproto.FeedEntity{
			Id: proto.String(tripID),
			TripUpdate: &gtfsproto.TripUpdate{
				Trip: &gtfsproto.TripDescriptor{
					TripId:               proto.String(tripID),
					ScheduleRelationship: gtfsproto.TripDescriptor_CANCELED.Enum(),
				},
			},
		})
	}

	data, err := proto.Marshal(&gtfsproto.FeedMessage{
		Header: &gtfsproto.FeedHeader{
			GtfsRealtimeVersion: proto.String("2.0"),
			Incrementality:      gtfsproto.FeedHeader_FULL_DATASET.Enum(),
			Timestamp:           proto.Uint64(1709553600),
		},
		Entity: entities,
	})
	require.NoError(t, err)

	tu, err := parse.ParseTripUpdates([][]byte{data})
	require.NoError(t, err)
	return tu
}

func partitionFixture(t *testing.T) *Static {
	return staticFromFiles(t, map[string][]string{
		"agency.txt": {"agency_timezone,agency_name,agency_url", "UTC,A,http://a"},
		"calendar.txt": {
			"service_id,start_date,end_date,monday,tuesday,wednesday,thursday,friday,saturday,sunday",
			"weekday,20240101,20241231,1,1,1,1,1,0,0",
			"weekend,20240101,20241231,0,0,0,0,0,1,1",
		},
		"routes.txt": {"route_id,route_short_name,route_type", "r1,1,3", "r2,2,3"},
		"stops.txt":  {"stop_id,stop_name,stop_lat,stop_lon", "s,S,1,1", "other,O,2,2"},
		"trips.txt": {
			"trip_id,route_id,service_id",
			"a,r1,weekday",
			"b,r1,weekday",
			"c,r2,weekday",
			"d,r2,weekday",
			"e,r2,weekend",
			"f,r1,weekday",
			"g,r1,weekday",
		},
		"stop_times.txt": {
			"trip_id,arrival_time,departure_time,stop_id,stop_sequence",
			"a,08:00:00,08:00:00,s,1",
			"b,09:00:00,09:00:00,s,1",
			"c,10:00:00,10:00:00,s,1",
			"d,11:00:00,11:00:00,s,1",
			"e,12:00:00,12:00:00,s,1",
			"f,08:30:00,08:30:00,other,1",
			"g,13:00:00,13:00:00,s,1",
		},
	})
}

func TestWhiteboxPartition(t *testing.T) {
	static := partitionFixture(t)

	// Monday 10:30
	now := time.Date(2024, 3, 4, 10, 30, 0, 0, time.UTC)
	in := FusionInput{
		StopID:   "s",
		Services: static.Calendar().ServiceDays(now),
		Static:   static,
		Now:      now,
	}

	for _, tc := range []struct {
		name     string
		updates  map[string]*gtfsproto.TripUpdate_StopTimeEvent
		canceled []string
		realtime []string
		static   []string
	}{
		{
			name:   "no realtime",
			static: []string{"a", "b", "c", "d", "g"},
		},
		{
			name: "mixed",
			updates: map[string]*gtfsproto.TripUpdate_StopTimeEvent{
				// Long gone
				"a": {Time: proto.Int64(now.Add(-time.Hour).Unix())},
				// Within grace
				"c": {Time: proto.Int64(now.Add(-30 * time.Second).Unix())},
				// Delay only
				"d": {Delay: proto.Int32(300)},
				// Upcoming
				"g": {Time: proto.Int64(now.Add(time.Hour).Unix())},
			},
			realtime: []string{"c", "d", "g"},
			static:   []string{"a", "b"},
		},
		{
			name: "cancelled trips are in neither",
			updates: map[string]*gtfsproto.TripUpdate_StopTimeEvent{
				"g": {Delay: proto.Int32(60)},
			},
			canceled: []string{"b", "d"},
			realtime: []string{"g"},
			static:   []string{"a", "c"},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var tu *parse.TripUpdates
			if tc.updates != nil || tc.canceled != nil {
				tu = tripUpdates(t, tc.updates, tc.canceled...)
			}

			realtime, scheduled := partition(in, tu, DefaultGrace)

			rtIDs := tripIDs(realtime)
			staticIDs := tripIDs(scheduled)
			assert.ElementsMatch(t, tc.realtime, rtIDs)
			assert.ElementsMatch(t, tc.static, staticIDs)

			// Disjoint, and together every active call at the
			// stop that wasn't cancelled.
			for _, id := range rtIDs {
				assert.NotContains(t, staticIDs, id)
			}
			all := append(append([]string{}, rtIDs...), staticIDs...)
			expected := []string{}
			for _, id := range []string{"a", "b", "c", "d", "g"} {
				if tu == nil || !tu.Canceled(id) {
					expected = append(expected, id)
				}
			}
			assert.ElementsMatch(t, expected, all)
		})
	}
}

func TestWhiteboxPartitionBeforeCutoff(t *testing.T) {
	static := staticFromFiles(t, map[string][]string{
		"agency.txt": {"agency_timezone,agency_name,agency_url", "UTC,A,http://a"},
		"calendar.txt": {
			"service_id,start_date,end_date,monday,tuesday,wednesday,thursday,friday,saturday,sunday",
			"daily,20240101,20241231,1,1,1,1,1,1,1",
		},
		"routes.txt": {"route_id,route_short_name,route_type", "r1,1,3"},
		"stops.txt":  {"stop_id,stop_name,stop_lat,stop_lon", "s,S,1,1"},
		"trips.txt":  {"trip_id,route_id,service_id", "morning,r1,daily", "owl,r1,daily"},
		"stop_times.txt": {
			"trip_id,arrival_time,departure_time,stop_id,stop_sequence",
			"morning,06:10:00,06:10:00,s,1",
			// Runs past midnight into the next calendar day
			"owl,29:55:00,29:55:00,s,1",
		},
	})

	// Monday 05:50, so both Sunday's and Monday's service are in
	// effect and every call exists twice, a day apart.
	now := time.Date(2024, 3, 4, 5, 50, 0, 0, time.UTC)
	in := FusionInput{
		StopID:   "s",
		Services: static.Calendar().ServiceDays(now),
		Static:   static,
		Now:      now,
	}
	require.Equal(t, 2, len(in.Services))

	morning := time.Date(2024, 3, 4, 6, 10, 0, 0, time.UTC)
	owl := time.Date(2024, 3, 4, 5, 55, 0, 0, time.UTC)

	type expectation struct {
		scheduled time.Time
		realtime  bool
		delay     time.Duration
	}

	for _, tc := range []struct {
		name     string
		updates  map[string]*gtfsproto.TripUpdate_StopTimeEvent
		expected map[string]expectation
	}{
		{
			name: "no realtime",
			expected: map[string]expectation{
				"morning": {scheduled: morning},
				"owl":     {scheduled: owl},
			},
		},
		{
			name: "absolute time",
			updates: map[string]*gtfsproto.TripUpdate_StopTimeEvent{
				"morning": {Time: proto.Int64(morning.Add(2 * time.Minute).Unix())},
				"owl":     {Time: proto.Int64(owl.Add(2 * time.Minute).Unix())},
			},
			expected: map[string]expectation{
				"morning": {scheduled: morning, realtime: true, delay: 2 * time.Minute},
				"owl":     {scheduled: owl, realtime: true, delay: 2 * time.Minute},
			},
		},
		{
			name: "delay only",
			updates: map[string]*gtfsproto.TripUpdate_StopTimeEvent{
				"morning": {Delay: proto.Int32(120)},
				"owl":     {Delay: proto.Int32(-60)},
			},
			expected: map[string]expectation{
				"morning": {scheduled: morning, realtime: true, delay: 2 * time.Minute},
				"owl":     {scheduled: owl, realtime: true, delay: -time.Minute},
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var tu *parse.TripUpdates
			if tc.updates != nil {
				tu = tripUpdates(t, tc.updates)
			}

			realtime, scheduled := partition(in, tu, DefaultGrace)

			all := append(append([]*candidate{}, realtime...), scheduled...)
			assert.ElementsMatch(t, []string{"morning", "owl"}, tripIDs(all))
			for _, id := range tripIDs(realtime) {
				assert.NotContains(t, tripIDs(scheduled), id)
			}

			for _, c := range all {
				e := tc.expected[c.tripID]
				assert.True(t, e.scheduled.Equal(c.scheduled), "%s scheduled %s", c.tripID, c.scheduled)
				assert.Equal(t, e.realtime, c.realtime, c.tripID)
				assert.Equal(t, e.delay, c.delay, c.tripID)
				if c.realtime {
					assert.True(t, c.scheduled.Add(e.delay).Equal(c.predicted), "%s predicted %s", c.tripID, c.predicted)
				}
			}
		})
	}
}

func TestWhiteboxPredict(t *testing.T) {
	scheduled := time.Date(2024, 3, 4, 8, 15, 0, 0, time.UTC)

	for _, tc := range []struct {
		name      string
		update    parse.StopTimeUpdate
		ok        bool
		predicted time.Time
		delay     time.Duration
	}{
		{
			name:      "time and delay",
			update:    parse.StopTimeUpdate{ArrivalIsSet: true, ArrivalTime: scheduled.Add(210 * time.Second), ArrivalDelay: 210 * time.Second},
			ok:        true,
			predicted: scheduled.Add(210 * time.Second),
			delay:     210 * time.Second,
		},
		{
			name:      "time only derives delay",
			update:    parse.StopTimeUpdate{DepartureIsSet: true, DepartureTime: scheduled.Add(-time.Minute)},
			ok:        true,
			predicted: scheduled.Add(-time.Minute),
			delay:     -time.Minute,
		},
		{
			name: "arrival preferred, larger delay reported",
			update: parse.StopTimeUpdate{
				ArrivalIsSet: true, ArrivalTime: scheduled.Add(2 * time.Minute), ArrivalDelay: 2 * time.Minute,
				DepartureIsSet: true, DepartureTime: scheduled.Add(3 * time.Minute), DepartureDelay: 3 * time.Minute,
			},
			ok:        true,
			predicted: scheduled.Add(2 * time.Minute),
			delay:     3 * time.Minute,
		},
		{
			name:      "delay only",
			update:    parse.StopTimeUpdate{ArrivalIsSet: true, ArrivalDelay: 90 * time.Second},
			ok:        true,
			predicted: scheduled.Add(90 * time.Second),
			delay:     90 * time.Second,
		},
		{
			name:   "no data",
			update: parse.StopTimeUpdate{ArrivalIsSet: true, ArrivalDelay: time.Minute, Type: parse.StopTimeUpdateNoData},
		},
		{
			name:   "nothing set",
			update: parse.StopTimeUpdate{},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := &candidate{scheduled: scheduled}
			ok := predict(c, &tc.update)
			assert.Equal(t, tc.ok, ok)
			if tc.ok {
				assert.True(t, tc.predicted.Equal(c.predicted), "predicted %s", c.predicted)
				assert.Equal(t, tc.delay, c.delay)
			}
		})
	}
}

func TestWhiteboxUnreliableWindow(t *testing.T) {
	static := partitionFixture(t)

	for _, tc := range []struct {
		name       string
		start, end int
		hour       int
		inside     bool
	}{
		{"default window, 3am", 0, 6, 3, true},
		{"default window, midnight", 0, 6, 0, true},
		{"default window, 6am", 0, 6, 6, false},
		{"default window, 2pm", 0, 6, 14, false},
		{"wrapping window, 11pm", 23, 5, 23, true},
		{"wrapping window, 4am", 23, 5, 4, true},
		{"wrapping window, noon", 23, 5, 12, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r := &VehicleResolver{Static: static, UnreliableStart: tc.start, UnreliableEnd: tc.end}
			now := time.Date(2024, 3, 4, tc.hour, 30, 0, 0, time.UTC)
			assert.Equal(t, tc.inside, r.inUnreliableWindow(now))
		})
	}
}

func TestWhiteboxHeaders(t *testing.T) {
	headers := map[string]string{
		"X-Api-Key":     "s3cr=t&more",
		"Authorization": "Bearer abc",
	}

	serialized := serializeHeaders(headers)
	assert.Equal(t, "Authorization=Bearer+abc&X-Api-Key=s3cr%3Dt%26more", serialized)

	parsed, err := deserializeHeaders(serialized)
	require.NoError(t, err)
	assert.Equal(t, headers, parsed)

	parsed, err = deserializeHeaders("")
	require.NoError(t, err)
	assert.Empty(t, parsed)

	_, err = deserializeHeaders("broken")
	assert.Error(t, err)
}

func tripIDs(cs []*candidate) []string {
	ids := []string{}
	for _, c := range cs {
		ids = append(ids, c.tripID)
	}
	return ids
}
