package storage

import (
	"fmt"
	"sort"
	"sync"

	"busboard.dev/gtfs/model"
)

// In memory implementation of Storage below

type memoryMetadataKey struct {
	URL  string
	Hash string
}

type MemoryStorage struct {
	mutex    sync.RWMutex
	feeds    map[string]*MemoryStorageFeed
	metadata map[memoryMetadataKey]*FeedMetadata
	requests map[string]FeedRequest
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		feeds:    map[string]*MemoryStorageFeed{},
		metadata: map[memoryMetadataKey]*FeedMetadata{},
		requests: map[string]FeedRequest{},
	}
}

func (s *MemoryStorage) ListFeeds(filter ListFeedsFilter) ([]*FeedMetadata, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	feeds := []*FeedMetadata{}
	for _, metadata := range s.metadata {
		if filter.URL != "" && metadata.URL != filter.URL {
			continue
		}
		if filter.Hash != "" && metadata.Hash != filter.Hash {
			continue
		}
		m := *metadata
		feeds = append(feeds, &m)
	}
	sort.Slice(feeds, func(i, j int) bool {
		return feeds[i].RetrievedAt.After(feeds[j].RetrievedAt)
	})
	return feeds, nil
}

func (s *MemoryStorage) WriteFeedMetadata(feed *FeedMetadata) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	m := *feed
	s.metadata[memoryMetadataKey{feed.URL, feed.Hash}] = &m
	return nil
}

func (s *MemoryStorage) ListFeedRequests(url string) ([]FeedRequest, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	reqs := []FeedRequest{}
	for _, req := range s.requests {
		if url != "" && req.URL != url {
			continue
		}
		reqs = append(reqs, req)
	}
	sort.Slice(reqs, func(i, j int) bool {
		return reqs[i].URL < reqs[j].URL
	})

	return reqs, nil
}

func (s *MemoryStorage) WriteFeedRequest(req FeedRequest) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if existing, found := s.requests[req.URL]; found && req.RefreshedAt.IsZero() {
		req.RefreshedAt = existing.RefreshedAt
	}
	s.requests[req.URL] = req
	return nil
}

func (s *MemoryStorage) GetReader(hash string) (FeedReader, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	f, ok := s.feeds[hash]
	if !ok {
		return nil, fmt.Errorf("feed %s not found", hash)
	}
	return f, nil
}

func (s *MemoryStorage) GetWriter(hash string) (FeedWriter, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	f := &MemoryStorageFeed{}
	s.feeds[hash] = f

	return f, nil
}

// Records of a single feed, kept in the order they were written.
type MemoryStorageFeed struct {
	agencies      []model.Agency
	stops         []model.Stop
	routes        []model.Route
	trips         []model.Trip
	stopTimes     []model.StopTime
	calendars     []model.Calendar
	calendarDates []model.CalendarDate
	shapePoints   []model.ShapePoint
}

func (f *MemoryStorageFeed) WriteAgency(agency model.Agency) error {
	f.agencies = append(f.agencies, agency)
	return nil
}

func (f *MemoryStorageFeed) WriteStop(stop model.Stop) error {
	f.stops = append(f.stops, stop)
	return nil
}

func (f *MemoryStorageFeed) WriteRoute(route model.Route) error {
	f.routes = append(f.routes, route)
	return nil
}

func (f *MemoryStorageFeed) BeginTrips() error { return nil }

func (f *MemoryStorageFeed) WriteTrip(trip model.Trip) error {
	f.trips = append(f.trips, trip)
	return nil
}

func (f *MemoryStorageFeed) EndTrips() error { return nil }

func (f *MemoryStorageFeed) WriteCalendar(cal model.Calendar) error {
	f.calendars = append(f.calendars, cal)
	return nil
}

func (f *MemoryStorageFeed) WriteCalendarDate(cd model.CalendarDate) error {
	f.calendarDates = append(f.calendarDates, cd)
	return nil
}

func (f *MemoryStorageFeed) BeginStopTimes() error { return nil }

func (f *MemoryStorageFeed) WriteStopTime(stopTime model.StopTime) error {
	f.stopTimes = append(f.stopTimes, stopTime)
	return nil
}

func (f *MemoryStorageFeed) EndStopTimes() error { return nil }

func (f *MemoryStorageFeed) BeginShapes() error { return nil }

func (f *MemoryStorageFeed) WriteShapePoint(point model.ShapePoint) error {
	f.shapePoints = append(f.shapePoints, point)
	return nil
}

func (f *MemoryStorageFeed) EndShapes() error { return nil }

func (f *MemoryStorageFeed) Close() error { return nil }

func (f *MemoryStorageFeed) Agencies() ([]model.Agency, error) {
	return append([]model.Agency{}, f.agencies...), nil
}

func (f *MemoryStorageFeed) Stops() ([]model.Stop, error) {
	return append([]model.Stop{}, f.stops...), nil
}

func (f *MemoryStorageFeed) Routes() ([]model.Route, error) {
	return append([]model.Route{}, f.routes...), nil
}

func (f *MemoryStorageFeed) Trips() ([]model.Trip, error) {
	return append([]model.Trip{}, f.trips...), nil
}

func (f *MemoryStorageFeed) StopTimes() ([]model.StopTime, error) {
	return append([]model.StopTime{}, f.stopTimes...), nil
}

func (f *MemoryStorageFeed) Calendars() ([]model.Calendar, error) {
	return append([]model.Calendar{}, f.calendars...), nil
}

func (f *MemoryStorageFeed) CalendarDates() ([]model.CalendarDate, error) {
	return append([]model.CalendarDate{}, f.calendarDates...), nil
}

func (f *MemoryStorageFeed) ShapePoints() ([]model.ShapePoint, error) {
	return append([]model.ShapePoint{}, f.shapePoints...), nil
}
