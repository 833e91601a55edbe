package storage

import (
	"time"

	"busboard.dev/gtfs/model"
)

type Storage interface {
	// Retrieves all feed metadata records matching the given
	// filter, most recently retrieved first.
	ListFeeds(filter ListFeedsFilter) ([]*FeedMetadata, error)

	// Writes a FeedMetadata record. If a record with the same URL
	// and hash exists, it is updated.
	WriteFeedMetadata(metadata *FeedMetadata) error

	// Retrieves all feed requests matching the given URL. If the
	// URL is blank, all requests are returned.
	ListFeedRequests(url string) ([]FeedRequest, error)

	// Writes a FeedRequest record. If a record with the same URL
	// exists, headers are replaced and RefreshedAt is updated
	// unless zero.
	WriteFeedRequest(req FeedRequest) error

	// Gets a reader for the feed with the given hash.
	GetReader(hash string) (FeedReader, error)

	// Gets a writer for the feed with the given hash. Any
	// existing records for the hash are discarded.
	GetWriter(hash string) (FeedWriter, error)
}

type ListFeedsFilter struct {
	// If set, only include feeds with the given URL.
	URL string

	// If set, only include feeds with the given hash.
	Hash string
}

// A request to keep the static GTFS feed at the given URL up to
// date. Headers hold serialized HTTP headers, typically carrying API
// keys.
type FeedRequest struct {
	URL         string
	Headers     string
	RefreshedAt time.Time
}

// Metadata for a downloaded static GTFS feed. The parsed data can be
// accessed via FeedReader.
type FeedMetadata struct {
	URL               string
	Hash              string
	RetrievedAt       time.Time
	Timezone          string
	CalendarStartDate string
	CalendarEndDate   string
	MaxArrival        string
	MaxDeparture      string
}

// Writes GTFS records for a single feed.
//
// As stop_times.txt and shapes.txt tend to be very large, Begin and
// End calls bracket the bulk writes, allowing
// transactions/batching/whathaveyou.
type FeedWriter interface {
	WriteAgency(agency model.Agency) error
	WriteStop(stop model.Stop) error
	WriteRoute(route model.Route) error
	BeginTrips() error
	WriteTrip(trip model.Trip) error
	EndTrips() error
	WriteCalendar(cal model.Calendar) error
	WriteCalendarDate(caldate model.CalendarDate) error
	BeginStopTimes() error
	WriteStopTime(stopTime model.StopTime) error
	EndStopTimes() error
	BeginShapes() error
	WriteShapePoint(point model.ShapePoint) error
	EndShapes() error
	Close() error
}

// Bulk access to every relation of a stored feed. The in-memory
// index is built from these in one pass each.
type FeedReader interface {
	Agencies() ([]model.Agency, error)
	Stops() ([]model.Stop, error)
	Routes() ([]model.Route, error)
	Trips() ([]model.Trip, error)
	StopTimes() ([]model.StopTime, error)
	Calendars() ([]model.Calendar, error)
	CalendarDates() ([]model.CalendarDate, error)
	ShapePoints() ([]model.ShapePoint, error)
}
