package parse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"busboard.dev/gtfs/model"
)

func TestParseStopTimeTime(t *testing.T) {
	for _, tc := range []struct {
		in  string
		out string
		err bool
	}{
		{"12:00:00", "120000", false},
		{"1:02:03", "010203", false},
		{"25:10:00", "251000", false},
		{" 08:15:00", "081500", false},
		{"12:00", "", true},
		{"12:60:00", "", true},
		{"12:00:60", "", true},
		{"aa:00:00", "", true},
		{"100:00:00", "", true},
	} {
		t.Run(tc.in, func(t *testing.T) {
			out, err := parseStopTimeTime(tc.in)
			if tc.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.out, out)
		})
	}
}

func TestParseStopTimes(t *testing.T) {
	for _, tc := range []struct {
		name         string
		content      string
		stopTimes    []model.StopTime
		maxArrival   string
		maxDeparture string
		skipped      int
	}{
		{
			"minimal",
			`
trip_id,arrival_time,departure_time,stop_id,stop_sequence
t1,12:00:00,12:00:01,s1,1`,
			[]model.StopTime{{
				TripID:       "t1",
				StopID:       "s1",
				StopSequence: 1,
				Arrival:      "120000",
				Departure:    "120001",
			}},
			"120000",
			"120001",
			0,
		},

		{
			"past midnight",
			`
trip_id,arrival_time,departure_time,stop_id,stop_sequence,stop_headsign
t1,23:50:00,23:50:00,s1,1,
t1,25:10:00,25:11:00,s2,2,Depot`,
			[]model.StopTime{
				{TripID: "t1", StopID: "s1", StopSequence: 1, Arrival: "235000", Departure: "235000"},
				{TripID: "t1", StopID: "s2", StopSequence: 2, Arrival: "251000", Departure: "251100", Headsign: "Depot"},
			},
			"251000",
			"251100",
			0,
		},

		{
			"missing arrival or departure",
			`
trip_id,arrival_time,departure_time,stop_id,stop_sequence
t1,,08:00:00,s1,1
t1,08:10:00,,s2,2
t1,,,s1,3`,
			[]model.StopTime{
				{TripID: "t1", StopID: "s1", StopSequence: 1, Arrival: "080000", Departure: "080000"},
				{TripID: "t1", StopID: "s2", StopSequence: 2, Arrival: "081000", Departure: "081000"},
			},
			"081000",
			"081000",
			1,
		},

		{
			"bad rows skipped",
			`
trip_id,arrival_time,departure_time,stop_id,stop_sequence
t1,08:00:00,08:00:00,s1,1
t9,08:00:00,08:00:00,s1,1
t1,08:00:00,08:00:00,s9,2
t1,08:00:00,08:00:00,s2,x
t1,08:05:00,08:05:00,s2,1
t1,8am,08:00:00,s2,3
t2,09:00:00,09:00:00,s2,1`,
			[]model.StopTime{
				{TripID: "t1", StopID: "s1", StopSequence: 1, Arrival: "080000", Departure: "080000"},
				{TripID: "t2", StopID: "s2", StopSequence: 1, Arrival: "090000", Departure: "090000"},
			},
			"090000",
			"090000",
			5,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			writer, reader := newFeed(t)
			stats := NewStats()

			maxArrival, maxDeparture, err := ParseStopTimes(
				writer,
				mapSource{"stop_times.txt": tc.content},
				stats,
				map[string]bool{"t1": true, "t2": true},
				map[string]bool{"s1": true, "s2": true},
			)
			require.NoError(t, err)
			assert.Equal(t, tc.maxArrival, maxArrival)
			assert.Equal(t, tc.maxDeparture, maxDeparture)
			assert.Equal(t, tc.skipped, stats.Relation("stop_times.txt").Skipped)

			stopTimes, err := reader.StopTimes()
			require.NoError(t, err)
			assert.Equal(t, tc.stopTimes, stopTimes)
		})
	}
}
