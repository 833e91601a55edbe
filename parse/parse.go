package parse

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/gocarina/gocsv"
	"github.com/pkg/errors"
	"github.com/spkg/bom"

	"busboard.dev/gtfs/storage"
)

// Row counts for a single relation. Skipped rows had the wrong
// number of columns, an unparseable field, a missing key, a
// duplicate key, or referenced a record that doesn't exist.
type RelationStats struct {
	Rows    int
	Skipped int
}

type Stats struct {
	Relations map[string]*RelationStats
}

func NewStats() *Stats {
	return &Stats{Relations: map[string]*RelationStats{}}
}

func (s *Stats) Relation(name string) *RelationStats {
	rs, found := s.Relations[name]
	if !found {
		rs = &RelationStats{}
		s.Relations[name] = rs
	}
	return rs
}

func (s *Stats) TotalSkipped() int {
	total := 0
	for _, rs := range s.Relations {
		total += rs.Skipped
	}
	return total
}

func (s *Stats) String() string {
	names := []string{}
	for name := range s.Relations {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := []string{}
	for _, name := range names {
		rs := s.Relations[name]
		parts = append(parts, fmt.Sprintf("%s=%d/%d", name, rs.Rows, rs.Skipped))
	}
	return strings.Join(parts, " ")
}

// Wraps a CSV reader, dropping rows whose column count doesn't match
// the header.
//
// gocsv decodes on a separate goroutine, so the filter keeps its own
// count which is merged into the relation's stats once done.
type rowFilter struct {
	reader  gocsv.CSVReader
	skipped int
}

func (f *rowFilter) GetCSVRow() ([]string, error) {
	for {
		row, err := f.reader.Read()
		if err != nil {
			if errors.Is(err, csv.ErrFieldCount) {
				f.skipped++
				continue
			}
			return nil, err
		}
		return row, nil
	}
}

func (f *rowFilter) GetCSVRows() ([][]string, error) {
	rows := [][]string{}
	for {
		row, err := f.GetCSVRow()
		if err == io.EOF {
			return rows, nil
		}
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
}

// Streams every row of a relation into fn, which must look like
// func(*XxxCSV). An absent or empty relation yields no rows.
func readRelation(src Source, name string, stats *Stats, fn interface{}) error {
	rc, err := src.Open(name)
	if errors.Is(err, ErrFileNotFound) {
		stats.Relation(name)
		return nil
	}
	if err != nil {
		return err
	}
	defer rc.Close()

	// LazyCSVReader required (at least) to survive sloppy use of
	// quotes. The BOM reader strips unicode BOMs if present.
	rs := stats.Relation(name)
	filter := &rowFilter{reader: gocsv.LazyCSVReader(bom.NewReader(rc))}

	err = gocsv.UnmarshalDecoderToCallback(filter, fn)
	rs.Skipped += filter.skipped
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "reading %s", name)
	}
	return nil
}

// Parses a static GTFS feed from src into writer.
//
// Malformed rows are skipped and counted in the returned Stats. Only
// I/O and storage failures are returned as errors.
func ParseStatic(writer storage.FeedWriter, src Source) (*storage.FeedMetadata, *Stats, error) {
	stats := NewStats()

	timezone, err := ParseAgency(writer, src, stats)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing agency.txt: %w", err)
	}

	routes, err := ParseRoutes(writer, src, stats)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing routes.txt: %w", err)
	}

	// Extract min/max date of services seen in the process.
	calendarStart, calendarEnd, err := ParseCalendar(writer, src, stats)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing calendar.txt: %w", err)
	}
	minDate, maxDate, err := ParseCalendarDates(writer, src, stats)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing calendar_dates.txt: %w", err)
	}
	if minDate != "" && (calendarStart == "" || minDate < calendarStart) {
		calendarStart = minDate
	}
	if maxDate != "" && (calendarEnd == "" || maxDate > calendarEnd) {
		calendarEnd = maxDate
	}

	stops, err := ParseStops(writer, src, stats)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing stops.txt: %w", err)
	}

	if err := writer.BeginTrips(); err != nil {
		return nil, nil, fmt.Errorf("beginning trips: %w", err)
	}
	trips, err := ParseTrips(writer, src, stats, routes)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing trips.txt: %w", err)
	}
	if err := writer.EndTrips(); err != nil {
		return nil, nil, fmt.Errorf("ending trips: %w", err)
	}

	if err := writer.BeginStopTimes(); err != nil {
		return nil, nil, fmt.Errorf("beginning stop_times: %w", err)
	}
	maxArrival, maxDeparture, err := ParseStopTimes(writer, src, stats, trips, stops)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing stop_times.txt: %w", err)
	}
	if err := writer.EndStopTimes(); err != nil {
		return nil, nil, fmt.Errorf("ending stop_times: %w", err)
	}

	if err := writer.BeginShapes(); err != nil {
		return nil, nil, fmt.Errorf("beginning shapes: %w", err)
	}
	if err := ParseShapes(writer, src, stats); err != nil {
		return nil, nil, fmt.Errorf("parsing shapes.txt: %w", err)
	}
	if err := writer.EndShapes(); err != nil {
		return nil, nil, fmt.Errorf("ending shapes: %w", err)
	}

	if err := writer.Close(); err != nil {
		return nil, nil, fmt.Errorf("closing feed writer: %w", err)
	}

	// A (partial) metadata holding some key information about
	// the feed. Hash, URL and retrieval time are up to the
	// caller.
	return &storage.FeedMetadata{
		CalendarStartDate: calendarStart,
		CalendarEndDate:   calendarEnd,
		Timezone:          timezone,
		MaxArrival:        maxArrival,
		MaxDeparture:      maxDeparture,
	}, stats, nil
}

// Parses an optional integer column. Blank means def.
func parseOptionalInt(s string, def int) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return def, nil
	}
	return strconv.Atoi(s)
}

func parseFloat(s string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}
