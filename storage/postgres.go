package storage

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"busboard.dev/gtfs/model"
)

const (
	PSQLTripBatchSize     = 10000
	PSQLStopTimeBatchSize = 5000
	PSQLShapeBatchSize    = 5000
)

// Postgres backed Storage. All feeds share the same tables, with
// records keyed by feed hash.
type PSQLStorage struct {
	db *sql.DB
}

type PSQLFeedWriter struct {
	hash        string
	db          *sql.DB
	tripBuf     []model.Trip
	stopTimeBuf []model.StopTime
	shapeBuf    []model.ShapePoint
}

var psqlFeedTables = map[string]string{
	"agency": `
CREATE TABLE IF NOT EXISTS agency (
    hash TEXT NOT NULL,
    id TEXT NOT NULL,
    name TEXT NOT NULL,
    url TEXT NOT NULL,
    timezone TEXT NOT NULL,
    PRIMARY KEY(hash, id)
);`,
	"stops": `
CREATE TABLE IF NOT EXISTS stops (
    hash TEXT NOT NULL,
    id TEXT NOT NULL,
    code TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT NOT NULL,
    lat DOUBLE PRECISION NOT NULL,
    lon DOUBLE PRECISION NOT NULL,
    url TEXT NOT NULL,
    location_type INTEGER NOT NULL,
    parent_station TEXT NOT NULL,
    platform_code TEXT NOT NULL,
    PRIMARY KEY(hash, id)
);`,
	"routes": `
CREATE TABLE IF NOT EXISTS routes (
    hash TEXT NOT NULL,
    id TEXT NOT NULL,
    agency_id TEXT NOT NULL,
    short_name TEXT NOT NULL,
    long_name TEXT NOT NULL,
    description TEXT NOT NULL,
    type INTEGER NOT NULL,
    url TEXT NOT NULL,
    color TEXT NOT NULL,
    text_color TEXT NOT NULL,
    PRIMARY KEY(hash, id)
);`,
	"trips": `
CREATE TABLE IF NOT EXISTS trips (
    hash TEXT NOT NULL,
    id TEXT NOT NULL,
    route_id TEXT NOT NULL,
    service_id TEXT NOT NULL,
    headsign TEXT NOT NULL,
    short_name TEXT NOT NULL,
    direction_id INTEGER NOT NULL,
    shape_id TEXT NOT NULL,
    PRIMARY KEY(hash, id)
);`,
	"stop_times": `
CREATE TABLE IF NOT EXISTS stop_times (
    hash TEXT NOT NULL,
    trip_id TEXT NOT NULL,
    stop_id TEXT NOT NULL,
    stop_sequence INTEGER NOT NULL,
    arrival_time TEXT NOT NULL,
    departure_time TEXT NOT NULL,
    headsign TEXT NOT NULL,
    PRIMARY KEY(hash, trip_id, stop_sequence)
);`,
	"calendar": `
CREATE TABLE IF NOT EXISTS calendar (
    hash TEXT NOT NULL,
    service_id TEXT NOT NULL,
    start_date TEXT NOT NULL,
    end_date TEXT NOT NULL,
    monday INTEGER NOT NULL,
    tuesday INTEGER NOT NULL,
    wednesday INTEGER NOT NULL,
    thursday INTEGER NOT NULL,
    friday INTEGER NOT NULL,
    saturday INTEGER NOT NULL,
    sunday INTEGER NOT NULL,
    PRIMARY KEY(hash, service_id)
);`,
	"calendar_dates": `
CREATE TABLE IF NOT EXISTS calendar_dates (
    hash TEXT NOT NULL,
    service_id TEXT NOT NULL,
    date TEXT NOT NULL,
    exception_type INTEGER NOT NULL,
    PRIMARY KEY(hash, service_id, date)
);`,
	"shapes": `
CREATE TABLE IF NOT EXISTS shapes (
    hash TEXT NOT NULL,
    shape_id TEXT NOT NULL,
    lat DOUBLE PRECISION NOT NULL,
    lon DOUBLE PRECISION NOT NULL,
    sequence INTEGER NOT NULL,
    PRIMARY KEY(hash, shape_id, sequence)
);`,
}

// Creates a new Postgres Storage using the provided connection string.
//
// If clearDB is true, the database will be cleared on startup. You
// probably only want this for testing.
func NewPSQLStorage(connStr string, clearDB bool) (*PSQLStorage, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	if clearDB {
		tables := []string{"feed", "feed_request"}
		for name := range psqlFeedTables {
			tables = append(tables, name)
		}
		_, err = db.Exec("DROP TABLE IF EXISTS " + strings.Join(tables, ", "))
		if err != nil {
			return nil, fmt.Errorf("clearing db: %w", err)
		}
	}

	_, err = db.Exec(`
CREATE TABLE IF NOT EXISTS feed (
    hash TEXT,
    url TEXT NOT NULL,
    retrieved_at TIMESTAMPTZ NOT NULL,
    calendar_start TEXT NOT NULL,
    calendar_end TEXT NOT NULL,
    timezone TEXT NOT NULL,
    max_arrival TEXT NOT NULL,
    max_departure TEXT NOT NULL,
    PRIMARY KEY (hash, url)
);

CREATE TABLE IF NOT EXISTS feed_request (
    url TEXT NOT NULL,
    headers TEXT NOT NULL,
    refreshed_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (url)
);`)
	if err != nil {
		return nil, fmt.Errorf("creating feed table: %w", err)
	}

	for name, query := range psqlFeedTables {
		if _, err := db.Exec(query); err != nil {
			return nil, fmt.Errorf("creating %s table: %w", name, err)
		}
	}

	return &PSQLStorage{
		db: db,
	}, nil
}

func (s *PSQLStorage) Close() error {
	err := s.db.Close()
	if err != nil {
		return fmt.Errorf("failed to close db: %w", err)
	}
	return nil
}

func (s *PSQLStorage) ListFeeds(filter ListFeedsFilter) ([]*FeedMetadata, error) {
	query := `
SELECT
    hash,
    url,
    retrieved_at,
    calendar_start,
    calendar_end,
    timezone,
    max_arrival,
    max_departure
FROM feed`

	conditions := []string{}
	params := []interface{}{}
	if filter.URL != "" {
		params = append(params, filter.URL)
		conditions = append(conditions, fmt.Sprintf("url = $%d", len(params)))
	}
	if filter.Hash != "" {
		params = append(params, filter.Hash)
		conditions = append(conditions, fmt.Sprintf("hash = $%d", len(params)))
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY retrieved_at DESC"

	rows, err := s.db.Query(query, params...)
	if err != nil {
		return nil, fmt.Errorf("listing feeds: %w", err)
	}
	defer rows.Close()

	feeds := []*FeedMetadata{}
	for rows.Next() {
		var feed FeedMetadata
		err := rows.Scan(
			&feed.Hash,
			&feed.URL,
			&feed.RetrievedAt,
			&feed.CalendarStartDate,
			&feed.CalendarEndDate,
			&feed.Timezone,
			&feed.MaxArrival,
			&feed.MaxDeparture,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning feed: %w", err)
		}
		feeds = append(feeds, &feed)
	}

	return feeds, rows.Err()
}

func (s *PSQLStorage) WriteFeedMetadata(feed *FeedMetadata) error {
	_, err := s.db.Exec(`
INSERT INTO feed (hash, url, retrieved_at, calendar_start, calendar_end, timezone, max_arrival, max_departure)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (hash, url) DO UPDATE SET
    retrieved_at = excluded.retrieved_at,
    calendar_start = excluded.calendar_start,
    calendar_end = excluded.calendar_end,
    timezone = excluded.timezone,
    max_arrival = excluded.max_arrival,
    max_departure = excluded.max_departure`,
		feed.Hash,
		feed.URL,
		feed.RetrievedAt,
		feed.CalendarStartDate,
		feed.CalendarEndDate,
		feed.Timezone,
		feed.MaxArrival,
		feed.MaxDeparture,
	)
	if err != nil {
		return fmt.Errorf("writing feed metadata: %w", err)
	}
	return nil
}

func (s *PSQLStorage) ListFeedRequests(url string) ([]FeedRequest, error) {
	query := `SELECT url, headers, refreshed_at FROM feed_request`
	params := []interface{}{}
	if url != "" {
		query += " WHERE url = $1"
		params = append(params, url)
	}
	query += " ORDER BY url"

	rows, err := s.db.Query(query, params...)
	if err != nil {
		return nil, fmt.Errorf("listing feed requests: %w", err)
	}
	defer rows.Close()

	reqs := []FeedRequest{}
	for rows.Next() {
		var req FeedRequest
		if err := rows.Scan(&req.URL, &req.Headers, &req.RefreshedAt); err != nil {
			return nil, fmt.Errorf("scanning feed request: %w", err)
		}
		reqs = append(reqs, req)
	}

	return reqs, rows.Err()
}

func (s *PSQLStorage) WriteFeedRequest(req FeedRequest) error {
	query := `
INSERT INTO feed_request (url, headers, refreshed_at)
VALUES ($1, $2, $3)
ON CONFLICT (url) DO UPDATE SET headers = excluded.headers`
	if !req.RefreshedAt.IsZero() {
		query += ", refreshed_at = excluded.refreshed_at"
	}

	_, err := s.db.Exec(query, req.URL, req.Headers, req.RefreshedAt)
	if err != nil {
		return fmt.Errorf("writing feed request: %w", err)
	}
	return nil
}

func (s *PSQLStorage) GetReader(hash string) (FeedReader, error) {
	return &sqlFeedReader{
		db:    s.db,
		where: " WHERE hash = $1",
		args:  []interface{}{hash},
	}, nil
}

func (s *PSQLStorage) GetWriter(hash string) (FeedWriter, error) {
	// In case feed already exists, delete all records
	for name := range psqlFeedTables {
		_, err := s.db.Exec(`DELETE FROM `+name+` WHERE hash = $1`, hash)
		if err != nil {
			return nil, fmt.Errorf("deleting %s records: %w", name, err)
		}
	}

	return &PSQLFeedWriter{
		hash: hash,
		db:   s.db,
	}, nil
}

func (w *PSQLFeedWriter) WriteAgency(a model.Agency) error {
	_, err := w.db.Exec(`
INSERT INTO agency (hash, id, name, url, timezone)
VALUES ($1, $2, $3, $4, $5)`,
		w.hash, a.ID, a.Name, a.URL, a.Timezone,
	)
	if err != nil {
		return fmt.Errorf("inserting agency: %w", err)
	}
	return nil
}

func (w *PSQLFeedWriter) WriteStop(stop model.Stop) error {
	_, err := w.db.Exec(`
INSERT INTO stops (hash, id, code, name, description, lat, lon, url, location_type, parent_station, platform_code)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		w.hash,
		stop.ID,
		stop.Code,
		stop.Name,
		stop.Desc,
		stop.Lat,
		stop.Lon,
		stop.URL,
		stop.LocationType,
		stop.ParentStation,
		stop.PlatformCode,
	)
	if err != nil {
		return fmt.Errorf("inserting stop: %w", err)
	}
	return nil
}

func (w *PSQLFeedWriter) WriteRoute(route model.Route) error {
	_, err := w.db.Exec(`
INSERT INTO routes (hash, id, agency_id, short_name, long_name, description, type, url, color, text_color)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		w.hash,
		route.ID,
		route.AgencyID,
		route.ShortName,
		route.LongName,
		route.Desc,
		route.Type,
		route.URL,
		route.Color,
		route.TextColor,
	)
	if err != nil {
		return fmt.Errorf("inserting route: %w", err)
	}
	return nil
}

func (w *PSQLFeedWriter) BeginTrips() error {
	return nil
}

func (w *PSQLFeedWriter) WriteTrip(trip model.Trip) error {
	w.tripBuf = append(w.tripBuf, trip)

	if len(w.tripBuf) >= PSQLTripBatchSize {
		if err := w.flushTrips(); err != nil {
			return fmt.Errorf("flushing trips: %w", err)
		}
	}

	return nil
}

func (w *PSQLFeedWriter) EndTrips() error {
	if err := w.flushTrips(); err != nil {
		return fmt.Errorf("flushing trips: %w", err)
	}
	return nil
}

func (w *PSQLFeedWriter) flushTrips() error {
	rows := make([][]interface{}, 0, len(w.tripBuf))
	for _, trip := range w.tripBuf {
		rows = append(rows, []interface{}{
			w.hash, trip.ID, trip.RouteID, trip.ServiceID, trip.Headsign, trip.ShortName, trip.DirectionID, trip.ShapeID,
		})
	}
	err := w.copyIn(
		[]string{"trips", "hash", "id", "route_id", "service_id", "headsign", "short_name", "direction_id", "shape_id"},
		rows,
	)
	if err != nil {
		return err
	}
	w.tripBuf = nil
	return nil
}

func (w *PSQLFeedWriter) WriteCalendar(cal model.Calendar) error {
	days := weekdayColumns(cal.Weekday)
	_, err := w.db.Exec(`
INSERT INTO calendar (hash, service_id, start_date, end_date, monday, tuesday, wednesday, thursday, friday, saturday, sunday)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		w.hash,
		cal.ServiceID,
		cal.StartDate,
		cal.EndDate,
		days[0], days[1], days[2], days[3], days[4], days[5], days[6],
	)
	if err != nil {
		return fmt.Errorf("inserting calendar: %w", err)
	}

	return nil
}

func (w *PSQLFeedWriter) WriteCalendarDate(cd model.CalendarDate) error {
	_, err := w.db.Exec(`
INSERT INTO calendar_dates (hash, service_id, date, exception_type)
VALUES ($1, $2, $3, $4)
ON CONFLICT (hash, service_id, date) DO UPDATE SET exception_type = excluded.exception_type`,
		w.hash,
		cd.ServiceID,
		cd.Date,
		cd.ExceptionType,
	)
	if err != nil {
		return fmt.Errorf("inserting calendar date: %w", err)
	}

	return nil
}

func (w *PSQLFeedWriter) BeginStopTimes() error {
	return nil
}

func (w *PSQLFeedWriter) WriteStopTime(stopTime model.StopTime) error {
	w.stopTimeBuf = append(w.stopTimeBuf, stopTime)

	if len(w.stopTimeBuf) >= PSQLStopTimeBatchSize {
		if err := w.flushStopTimes(); err != nil {
			return fmt.Errorf("flushing stop_times: %w", err)
		}
	}

	return nil
}

func (w *PSQLFeedWriter) EndStopTimes() error {
	if err := w.flushStopTimes(); err != nil {
		return fmt.Errorf("flushing stop_times: %w", err)
	}
	return nil
}

func (w *PSQLFeedWriter) flushStopTimes() error {
	rows := make([][]interface{}, 0, len(w.stopTimeBuf))
	for _, st := range w.stopTimeBuf {
		rows = append(rows, []interface{}{
			w.hash, st.TripID, st.StopID, st.StopSequence, st.Arrival, st.Departure, st.Headsign,
		})
	}
	err := w.copyIn(
		[]string{"stop_times", "hash", "trip_id", "stop_id", "stop_sequence", "arrival_time", "departure_time", "headsign"},
		rows,
	)
	if err != nil {
		return err
	}
	w.stopTimeBuf = nil
	return nil
}

func (w *PSQLFeedWriter) BeginShapes() error {
	return nil
}

func (w *PSQLFeedWriter) WriteShapePoint(p model.ShapePoint) error {
	w.shapeBuf = append(w.shapeBuf, p)

	if len(w.shapeBuf) >= PSQLShapeBatchSize {
		if err := w.flushShapes(); err != nil {
			return fmt.Errorf("flushing shapes: %w", err)
		}
	}

	return nil
}

func (w *PSQLFeedWriter) EndShapes() error {
	if err := w.flushShapes(); err != nil {
		return fmt.Errorf("flushing shapes: %w", err)
	}
	return nil
}

func (w *PSQLFeedWriter) flushShapes() error {
	rows := make([][]interface{}, 0, len(w.shapeBuf))
	for _, p := range w.shapeBuf {
		rows = append(rows, []interface{}{w.hash, p.ShapeID, p.Lat, p.Lon, p.Sequence})
	}
	err := w.copyIn([]string{"shapes", "hash", "shape_id", "lat", "lon", "sequence"}, rows)
	if err != nil {
		return err
	}
	w.shapeBuf = nil
	return nil
}

// COPYs rows into a table. tableAndColumns holds the table name
// followed by its columns.
func (w *PSQLFeedWriter) copyIn(tableAndColumns []string, rows [][]interface{}) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := w.db.Begin()
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(pq.CopyIn(tableAndColumns[0], tableAndColumns[1:]...))
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err = stmt.Exec(row...); err != nil {
			return fmt.Errorf("COPY %s: %w", tableAndColumns[0], err)
		}
	}

	if _, err = stmt.Exec(); err != nil {
		return fmt.Errorf("executing statement: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing: %w", err)
	}

	return nil
}

func (w *PSQLFeedWriter) Close() error {
	_, err := w.db.Exec(`ANALYZE`)
	if err != nil {
		return fmt.Errorf("analyzing: %w", err)
	}
	return nil
}
