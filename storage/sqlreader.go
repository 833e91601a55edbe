package storage

import (
	"database/sql"
	"fmt"
	"time"

	"busboard.dev/gtfs/model"
)

// Reads a feed's relations from a database/sql backend. SQLite keeps
// one database per feed, Postgres shares tables keyed by hash, so the
// reader is parameterized by an optional WHERE clause.
type sqlFeedReader struct {
	db    *sql.DB
	where string
	args  []interface{}
}

func (r *sqlFeedReader) query(columns string, table string, order string) (*sql.Rows, error) {
	q := "SELECT " + columns + " FROM " + table + r.where
	if order != "" {
		q += " ORDER BY " + order
	}
	rows, err := r.db.Query(q, r.args...)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", table, err)
	}
	return rows, nil
}

func (r *sqlFeedReader) Agencies() ([]model.Agency, error) {
	rows, err := r.query("id, name, url, timezone", "agency", "id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	agencies := []model.Agency{}
	for rows.Next() {
		var a model.Agency
		if err := rows.Scan(&a.ID, &a.Name, &a.URL, &a.Timezone); err != nil {
			return nil, fmt.Errorf("scanning agency: %w", err)
		}
		agencies = append(agencies, a)
	}
	return agencies, rows.Err()
}

func (r *sqlFeedReader) Stops() ([]model.Stop, error) {
	rows, err := r.query(
		"id, code, name, description, lat, lon, url, location_type, parent_station, platform_code",
		"stops", "id",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stops := []model.Stop{}
	for rows.Next() {
		var s model.Stop
		err := rows.Scan(
			&s.ID, &s.Code, &s.Name, &s.Desc, &s.Lat, &s.Lon,
			&s.URL, &s.LocationType, &s.ParentStation, &s.PlatformCode,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning stop: %w", err)
		}
		stops = append(stops, s)
	}
	return stops, rows.Err()
}

func (r *sqlFeedReader) Routes() ([]model.Route, error) {
	rows, err := r.query(
		"id, agency_id, short_name, long_name, description, type, url, color, text_color",
		"routes", "id",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	routes := []model.Route{}
	for rows.Next() {
		var rt model.Route
		err := rows.Scan(
			&rt.ID, &rt.AgencyID, &rt.ShortName, &rt.LongName, &rt.Desc,
			&rt.Type, &rt.URL, &rt.Color, &rt.TextColor,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning route: %w", err)
		}
		routes = append(routes, rt)
	}
	return routes, rows.Err()
}

func (r *sqlFeedReader) Trips() ([]model.Trip, error) {
	rows, err := r.query(
		"id, route_id, service_id, headsign, short_name, direction_id, shape_id",
		"trips", "id",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	trips := []model.Trip{}
	for rows.Next() {
		var t model.Trip
		err := rows.Scan(
			&t.ID, &t.RouteID, &t.ServiceID, &t.Headsign,
			&t.ShortName, &t.DirectionID, &t.ShapeID,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning trip: %w", err)
		}
		trips = append(trips, t)
	}
	return trips, rows.Err()
}

func (r *sqlFeedReader) StopTimes() ([]model.StopTime, error) {
	rows, err := r.query(
		"trip_id, stop_id, stop_sequence, arrival_time, departure_time, headsign",
		"stop_times", "trip_id, stop_sequence",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stopTimes := []model.StopTime{}
	for rows.Next() {
		var st model.StopTime
		err := rows.Scan(
			&st.TripID, &st.StopID, &st.StopSequence,
			&st.Arrival, &st.Departure, &st.Headsign,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning stop_time: %w", err)
		}
		stopTimes = append(stopTimes, st)
	}
	return stopTimes, rows.Err()
}

func (r *sqlFeedReader) Calendars() ([]model.Calendar, error) {
	rows, err := r.query(
		"service_id, start_date, end_date, monday, tuesday, wednesday, thursday, friday, saturday, sunday",
		"calendar", "service_id",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cals := []model.Calendar{}
	for rows.Next() {
		var c model.Calendar
		var mon, tue, wed, thu, fri, sat, sun int
		err := rows.Scan(
			&c.ServiceID, &c.StartDate, &c.EndDate,
			&mon, &tue, &wed, &thu, &fri, &sat, &sun,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning calendar: %w", err)
		}
		for day, flag := range map[time.Weekday]int{
			time.Monday:    mon,
			time.Tuesday:   tue,
			time.Wednesday: wed,
			time.Thursday:  thu,
			time.Friday:    fri,
			time.Saturday:  sat,
			time.Sunday:    sun,
		} {
			if flag == 1 {
				c.Weekday |= 1 << day
			}
		}
		cals = append(cals, c)
	}
	return cals, rows.Err()
}

func (r *sqlFeedReader) CalendarDates() ([]model.CalendarDate, error) {
	rows, err := r.query("service_id, date, exception_type", "calendar_dates", "service_id, date")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cds := []model.CalendarDate{}
	for rows.Next() {
		var cd model.CalendarDate
		if err := rows.Scan(&cd.ServiceID, &cd.Date, &cd.ExceptionType); err != nil {
			return nil, fmt.Errorf("scanning calendar_date: %w", err)
		}
		cds = append(cds, cd)
	}
	return cds, rows.Err()
}

func (r *sqlFeedReader) ShapePoints() ([]model.ShapePoint, error) {
	rows, err := r.query("shape_id, lat, lon, sequence", "shapes", "shape_id, sequence")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	points := []model.ShapePoint{}
	for rows.Next() {
		var p model.ShapePoint
		if err := rows.Scan(&p.ShapeID, &p.Lat, &p.Lon, &p.Sequence); err != nil {
			return nil, fmt.Errorf("scanning shape point: %w", err)
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// Weekday bitmask to the seven calendar.txt columns, Monday first.
func weekdayColumns(weekday int8) [7]int {
	cols := [7]int{}
	for i, day := range []time.Weekday{
		time.Monday, time.Tuesday, time.Wednesday, time.Thursday,
		time.Friday, time.Saturday, time.Sunday,
	} {
		if weekday&(1<<day) != 0 {
			cols[i] = 1
		}
	}
	return cols
}
