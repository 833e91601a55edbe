package parse

import (
	"fmt"
	"strconv"
	"strings"

	"busboard.dev/gtfs/model"
	"busboard.dev/gtfs/storage"
)

type StopTimeCSV struct {
	TripID        string `csv:"trip_id"`
	StopID        string `csv:"stop_id"`
	StopSequence  string `csv:"stop_sequence"`
	ArrivalTime   string `csv:"arrival_time"`
	DepartureTime string `csv:"departure_time"`
	Headsign      string `csv:"stop_headsign"`
}

// Converts H:MM:SS or HH:MM:SS to HHMMSS. Hours past 23 are legal,
// as trips may run past midnight of their service day.
func parseStopTimeTime(s string) (string, error) {
	split := strings.Split(strings.TrimSpace(s), ":")
	if len(split) != 3 {
		return "", fmt.Errorf("found %d parts in '%s'", len(split), s)
	}

	hms := [3]int{}
	for i, str := range split {
		j, err := strconv.Atoi(str)
		if err != nil {
			return "", fmt.Errorf("non-integer in '%s' pos %d", s, i)
		}
		hms[i] = j
	}

	if hms[0] < 0 || hms[0] > 99 {
		return "", fmt.Errorf("invalid hour in '%s'", s)
	}

	if hms[1] < 0 || hms[1] > 59 {
		return "", fmt.Errorf("invalid minute in '%s'", s)
	}

	if hms[2] < 0 || hms[2] > 59 {
		return "", fmt.Errorf("invalid second in '%s'", s)
	}

	return fmt.Sprintf("%02d%02d%02d", hms[0], hms[1], hms[2]), nil
}

// Writes all stop times referencing known trips and stops. Returns
// the max arrival and departure times seen, as HHMMSS.
//
// A missing arrival_time is filled in from departure_time and vice
// versa. Rows with neither are skipped: timepoint interpolation isn't
// supported.
//
// Must be bracketed by BeginStopTimes/EndStopTimes.
func ParseStopTimes(
	writer storage.FeedWriter,
	src Source,
	stats *Stats,
	trips map[string]bool,
	stops map[string]bool,
) (string, string, error) {
	rs := stats.Relation("stop_times.txt")

	type tripSeq struct {
		trip string
		seq  uint32
	}
	seen := map[tripSeq]bool{}

	maxArrival := "000000"
	maxDeparture := "000000"
	var writeErr error

	err := readRelation(src, "stop_times.txt", stats, func(st *StopTimeCSV) {
		if writeErr != nil {
			return
		}

		tripID := strings.TrimSpace(st.TripID)
		stopID := strings.TrimSpace(st.StopID)
		if !trips[tripID] || !stops[stopID] {
			rs.Skipped++
			return
		}

		seq, err := strconv.ParseUint(strings.TrimSpace(st.StopSequence), 10, 32)
		if err != nil {
			rs.Skipped++
			return
		}
		key := tripSeq{tripID, uint32(seq)}
		if seen[key] {
			rs.Skipped++
			return
		}

		arrivalRaw := strings.TrimSpace(st.ArrivalTime)
		departureRaw := strings.TrimSpace(st.DepartureTime)
		if arrivalRaw == "" {
			arrivalRaw = departureRaw
		}
		if departureRaw == "" {
			departureRaw = arrivalRaw
		}
		if arrivalRaw == "" {
			rs.Skipped++
			return
		}

		arrival, err := parseStopTimeTime(arrivalRaw)
		if err != nil {
			rs.Skipped++
			return
		}
		departure, err := parseStopTimeTime(departureRaw)
		if err != nil {
			rs.Skipped++
			return
		}

		if arrival > maxArrival {
			maxArrival = arrival
		}
		if departure > maxDeparture {
			maxDeparture = departure
		}

		seen[key] = true
		writeErr = writer.WriteStopTime(model.StopTime{
			TripID:       tripID,
			StopID:       stopID,
			Headsign:     strings.TrimSpace(st.Headsign),
			StopSequence: uint32(seq),
			Arrival:      arrival,
			Departure:    departure,
		})
		rs.Rows++
	})
	if err != nil {
		return "", "", err
	}
	if writeErr != nil {
		return "", "", fmt.Errorf("writing stop_time: %w", writeErr)
	}

	return maxArrival, maxDeparture, nil
}
