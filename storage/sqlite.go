package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"busboard.dev/gtfs/model"
)

type SQLiteConfig struct {
	OnDisk    bool
	Directory string
}

// SQLite backed Storage. Feed metadata lives in one database, and
// each parsed feed gets a database of its own.
type SQLiteStorage struct {
	SQLiteConfig

	mutex  sync.Mutex
	feedDB *sql.DB
	feeds  map[string]*sql.DB
}

type SQLiteFeedWriter struct {
	db *sql.DB
	tx *sql.Tx

	stopTimeInsert *sql.Stmt
	shapeInsert    *sql.Stmt
}

const sqliteFeedSchema = `
CREATE TABLE agency (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    url TEXT NOT NULL,
    timezone TEXT NOT NULL
);
CREATE TABLE stops (
    id TEXT PRIMARY KEY,
    code TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT NOT NULL,
    lat REAL NOT NULL,
    lon REAL NOT NULL,
    url TEXT NOT NULL,
    location_type INTEGER NOT NULL,
    parent_station TEXT NOT NULL,
    platform_code TEXT NOT NULL
);
CREATE TABLE routes (
    id TEXT PRIMARY KEY,
    agency_id TEXT NOT NULL,
    short_name TEXT NOT NULL,
    long_name TEXT NOT NULL,
    description TEXT NOT NULL,
    type INTEGER NOT NULL,
    url TEXT NOT NULL,
    color TEXT NOT NULL,
    text_color TEXT NOT NULL
);
CREATE TABLE trips (
    id TEXT PRIMARY KEY,
    route_id TEXT NOT NULL,
    service_id TEXT NOT NULL,
    headsign TEXT NOT NULL,
    short_name TEXT NOT NULL,
    direction_id INTEGER NOT NULL,
    shape_id TEXT NOT NULL
);
CREATE TABLE stop_times (
    trip_id TEXT NOT NULL,
    stop_id TEXT NOT NULL,
    stop_sequence INTEGER NOT NULL,
    arrival_time TEXT NOT NULL,
    departure_time TEXT NOT NULL,
    headsign TEXT NOT NULL
);
CREATE INDEX stop_times_trip_id ON stop_times (trip_id, stop_sequence);
CREATE TABLE calendar (
    service_id TEXT PRIMARY KEY,
    start_date TEXT NOT NULL,
    end_date TEXT NOT NULL,
    monday INTEGER NOT NULL,
    tuesday INTEGER NOT NULL,
    wednesday INTEGER NOT NULL,
    thursday INTEGER NOT NULL,
    friday INTEGER NOT NULL,
    saturday INTEGER NOT NULL,
    sunday INTEGER NOT NULL
);
CREATE TABLE calendar_dates (
    service_id TEXT NOT NULL,
    date TEXT NOT NULL,
    exception_type INTEGER NOT NULL
);
CREATE TABLE shapes (
    shape_id TEXT NOT NULL,
    lat REAL NOT NULL,
    lon REAL NOT NULL,
    sequence INTEGER NOT NULL
);
CREATE INDEX shapes_shape_id ON shapes (shape_id, sequence);
`

func NewSQLiteStorage(cfg ...SQLiteConfig) (*SQLiteStorage, error) {
	config := SQLiteConfig{}
	if len(cfg) > 0 {
		config = cfg[0]
	}

	sourceName := ":memory:"
	if config.OnDisk {
		sourceName = filepath.Join(config.Directory, "gtfs.db")
	}

	db, err := sql.Open("sqlite3", sourceName)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// An in-memory database only survives on a single connection.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
CREATE TABLE IF NOT EXISTS feed (
    hash TEXT,
    url TEXT NOT NULL,
    retrieved_at TIMESTAMP NOT NULL,
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
    refreshed_at TIMESTAMP NOT NULL,
PRIMARY KEY (url)
);`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating feed table: %w", err)
	}

	return &SQLiteStorage{
		SQLiteConfig: config,
		feedDB:       db,
		feeds:        map[string]*sql.DB{},
	}, nil
}

func (s *SQLiteStorage) ListFeeds(filter ListFeedsFilter) ([]*FeedMetadata, error) {
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
		conditions = append(conditions, "url = ?")
		params = append(params, filter.URL)
	}
	if filter.Hash != "" {
		conditions = append(conditions, "hash = ?")
		params = append(params, filter.Hash)
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	query += " ORDER BY retrieved_at DESC"

	rows, err := s.feedDB.Query(query, params...)
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

func (s *SQLiteStorage) WriteFeedMetadata(feed *FeedMetadata) error {
	_, err := s.feedDB.Exec(`
INSERT INTO feed (
    hash,
    url,
    retrieved_at,
    calendar_start,
    calendar_end,
    timezone,
    max_arrival,
    max_departure
)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (hash, url) DO UPDATE SET
    retrieved_at = excluded.retrieved_at,
    calendar_start = excluded.calendar_start,
    calendar_end = excluded.calendar_end,
    timezone = excluded.timezone,
    max_arrival = excluded.max_arrival,
    max_departure = excluded.max_departure
`,
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

func (s *SQLiteStorage) ListFeedRequests(url string) ([]FeedRequest, error) {
	query := `SELECT url, headers, refreshed_at FROM feed_request`
	params := []interface{}{}
	if url != "" {
		query += " WHERE url = ?"
		params = append(params, url)
	}
	query += " ORDER BY url"

	rows, err := s.feedDB.Query(query, params...)
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

func (s *SQLiteStorage) WriteFeedRequest(req FeedRequest) error {
	query := `
INSERT INTO feed_request (url, headers, refreshed_at)
VALUES (?, ?, ?)
ON CONFLICT (url) DO UPDATE SET headers = excluded.headers`
	if !req.RefreshedAt.IsZero() {
		query += ", refreshed_at = excluded.refreshed_at"
	}

	_, err := s.feedDB.Exec(query, req.URL, req.Headers, req.RefreshedAt)
	if err != nil {
		return fmt.Errorf("writing feed request: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) feedSource(hash string) string {
	if !s.OnDisk {
		return ":memory:"
	}
	return filepath.Join(s.Directory, hash+".db")
}

func (s *SQLiteStorage) GetReader(hash string) (FeedReader, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	db, found := s.feeds[hash]
	if !found {
		if !s.OnDisk {
			return nil, fmt.Errorf("feed %s does not exist", hash)
		}
		sourceName := s.feedSource(hash)
		if _, err := os.Stat(sourceName); os.IsNotExist(err) {
			return nil, fmt.Errorf("feed %s does not exist at %s", hash, sourceName)
		}

		var err error
		db, err = sql.Open("sqlite3", sourceName)
		if err != nil {
			return nil, fmt.Errorf("opening database: %w", err)
		}
		s.feeds[hash] = db
	}

	return &sqlFeedReader{db: db}, nil
}

func (s *SQLiteStorage) GetWriter(hash string) (FeedWriter, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if db, found := s.feeds[hash]; found {
		db.Close()
		delete(s.feeds, hash)
	}

	sourceName := s.feedSource(hash)
	if s.OnDisk {
		if _, err := os.Stat(sourceName); err == nil {
			if err := os.Remove(sourceName); err != nil {
				return nil, fmt.Errorf("removing existing database: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite3", sourceName)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err = db.Exec(sqliteFeedSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating feed tables: %w", err)
	}

	s.feeds[hash] = db

	return &SQLiteFeedWriter{db: db}, nil
}

func (f *SQLiteFeedWriter) WriteAgency(a model.Agency) error {
	_, err := f.db.Exec(`
INSERT INTO agency (id, name, url, timezone)
VALUES (?, ?, ?, ?)`,
		a.ID,
		a.Name,
		a.URL,
		a.Timezone,
	)
	if err != nil {
		return fmt.Errorf("inserting agency: %w", err)
	}
	return nil
}

func (f *SQLiteFeedWriter) WriteStop(stop model.Stop) error {
	_, err := f.db.Exec(`
INSERT INTO stops (id, code, name, description, lat, lon, url, location_type, parent_station, platform_code)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
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

func (f *SQLiteFeedWriter) WriteRoute(route model.Route) error {
	_, err := f.db.Exec(`
INSERT INTO routes (id, agency_id, short_name, long_name, description, type, url, color, text_color)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
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

func (f *SQLiteFeedWriter) BeginTrips() error {
	tx, err := f.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning trip transaction: %w", err)
	}
	f.tx = tx
	return nil
}

func (f *SQLiteFeedWriter) WriteTrip(trip model.Trip) error {
	var err error
	query := `
INSERT INTO trips (id, route_id, service_id, headsign, short_name, direction_id, shape_id)
VALUES (?, ?, ?, ?, ?, ?, ?)`
	args := []interface{}{
		trip.ID,
		trip.RouteID,
		trip.ServiceID,
		trip.Headsign,
		trip.ShortName,
		trip.DirectionID,
		trip.ShapeID,
	}
	if f.tx != nil {
		_, err = f.tx.Exec(query, args...)
	} else {
		_, err = f.db.Exec(query, args...)
	}
	if err != nil {
		return fmt.Errorf("inserting trip: %w", err)
	}
	return nil
}

func (f *SQLiteFeedWriter) EndTrips() error {
	return f.commit("trip")
}

func (f *SQLiteFeedWriter) commit(what string) error {
	if f.tx == nil {
		return nil
	}
	err := f.tx.Commit()
	f.tx = nil
	if err != nil {
		return fmt.Errorf("committing %s transaction: %w", what, err)
	}
	return nil
}

func (f *SQLiteFeedWriter) rollback() {
	if f.stopTimeInsert != nil {
		f.stopTimeInsert.Close()
		f.stopTimeInsert = nil
	}
	if f.shapeInsert != nil {
		f.shapeInsert.Close()
		f.shapeInsert = nil
	}
	if f.tx != nil {
		f.tx.Rollback()
		f.tx = nil
	}
}

func (f *SQLiteFeedWriter) BeginStopTimes() error {
	// transaction with prepared statement.
	var err error
	f.tx, err = f.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning stop_time insert transaction: %w", err)
	}

	f.stopTimeInsert, err = f.tx.Prepare(`
INSERT INTO stop_times (trip_id, stop_id, stop_sequence, arrival_time, departure_time, headsign)
VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		f.rollback()
		return fmt.Errorf("preparing stop_time insert: %w", err)
	}

	return nil
}

func (f *SQLiteFeedWriter) WriteStopTime(stopTime model.StopTime) error {
	_, err := f.stopTimeInsert.Exec(
		stopTime.TripID,
		stopTime.StopID,
		stopTime.StopSequence,
		stopTime.Arrival,
		stopTime.Departure,
		stopTime.Headsign,
	)
	if err != nil {
		f.rollback()
		return fmt.Errorf("inserting stop_time: %w", err)
	}

	return nil
}

func (f *SQLiteFeedWriter) EndStopTimes() error {
	if f.stopTimeInsert != nil {
		f.stopTimeInsert.Close()
		f.stopTimeInsert = nil
	}
	return f.commit("stop_time")
}

func (f *SQLiteFeedWriter) BeginShapes() error {
	var err error
	f.tx, err = f.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning shape insert transaction: %w", err)
	}

	f.shapeInsert, err = f.tx.Prepare(`
INSERT INTO shapes (shape_id, lat, lon, sequence)
VALUES (?, ?, ?, ?)`)
	if err != nil {
		f.rollback()
		return fmt.Errorf("preparing shape insert: %w", err)
	}

	return nil
}

func (f *SQLiteFeedWriter) WriteShapePoint(p model.ShapePoint) error {
	_, err := f.shapeInsert.Exec(p.ShapeID, p.Lat, p.Lon, p.Sequence)
	if err != nil {
		f.rollback()
		return fmt.Errorf("inserting shape point: %w", err)
	}
	return nil
}

func (f *SQLiteFeedWriter) EndShapes() error {
	if f.shapeInsert != nil {
		f.shapeInsert.Close()
		f.shapeInsert = nil
	}
	return f.commit("shape")
}

func (f *SQLiteFeedWriter) WriteCalendar(cal model.Calendar) error {
	days := weekdayColumns(cal.Weekday)
	_, err := f.db.Exec(`
INSERT INTO calendar (service_id, start_date, end_date, monday, tuesday, wednesday, thursday, friday, saturday, sunday)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
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

func (f *SQLiteFeedWriter) WriteCalendarDate(cd model.CalendarDate) error {
	_, err := f.db.Exec(`
INSERT INTO calendar_dates (service_id, date, exception_type)
VALUES (?, ?, ?)`,
		cd.ServiceID,
		cd.Date,
		cd.ExceptionType,
	)
	if err != nil {
		return fmt.Errorf("inserting calendar date: %w", err)
	}
	return nil
}

func (f *SQLiteFeedWriter) Close() error {
	f.rollback()
	return nil
}
