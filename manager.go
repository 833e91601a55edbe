package gtfs

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"

	"busboard.dev/gtfs/downloader"
	"busboard.dev/gtfs/metrics"
	"busboard.dev/gtfs/model"
	"busboard.dev/gtfs/parse"
	"busboard.dev/gtfs/storage"
)

const (
	DefaultStaticRefreshInterval = 12 * time.Hour
	DefaultStaticTimeout         = 60 * time.Second
	DefaultStaticMaxSize         = 800 << 20 // 800 MB
)

var ErrNoActiveFeed = errors.New("no active feed found")

// Receives resolved vehicle positions after every refresh.
type VehiclePublisher interface {
	PublishVehicles(ctx context.Context, vehicles []model.VehiclePosition) error
}

// Manager owns the static schedule and the realtime feed caches, and
// keeps them up to date. Reads never touch the network: they work
// off whatever was last fetched.
type Manager struct {
	StaticURL             string
	StaticHeaders         map[string]string
	StaticTimeout         time.Duration
	StaticMaxSize         int
	StaticRefreshInterval time.Duration

	// Overrides the agency timezone when set.
	Timezone string

	// Nil caches are treated as unavailable feeds.
	Vehicles    *FeedCache
	TripUpdates *FeedCache
	Alerts      *FeedCache

	VehiclesInterval    time.Duration
	TripUpdatesInterval time.Duration
	AlertsInterval      time.Duration
	WarningsInterval    time.Duration

	ServiceDayCutoff time.Duration
	Fusion           FusionOptions
	UnreliableStart  int
	UnreliableEnd    int
	MaxDistance      float64

	Favorites []model.Favorite

	Downloader downloader.Downloader
	Publisher  VehiclePublisher
	Metrics    *metrics.Collector
	TimeNow    func() time.Time

	storage  storage.Storage
	static   atomic.Pointer[Static]
	vehicles atomic.Pointer[[]model.VehiclePosition]
	warnings atomic.Pointer[[]model.Warning]
}

// Creates a new Manager of GTFS data, on top of the given storage.
//
// Static schedules are persisted in storage. Realtime feeds are kept
// in memory by their FeedCache; whether raw downloads are shared
// further is up to the Downloader.
func NewManager(s storage.Storage, dl downloader.Downloader) *Manager {
	if dl == nil {
		dl = downloader.HTTPDownloader{}
	}

	return &Manager{
		StaticTimeout:         DefaultStaticTimeout,
		StaticMaxSize:         DefaultStaticMaxSize,
		StaticRefreshInterval: DefaultStaticRefreshInterval,

		VehiclesInterval:    DefaultVehiclesInterval,
		TripUpdatesInterval: DefaultTripUpdatesInterval,
		AlertsInterval:      DefaultAlertsInterval,
		WarningsInterval:    DefaultWarningsInterval,

		ServiceDayCutoff: DefaultServiceDayCutoff,
		Fusion:           DefaultFusionOptions(),
		UnreliableStart:  DefaultUnreliableStart,
		UnreliableEnd:    DefaultUnreliableEnd,
		MaxDistance:      DefaultMaxDistance,

		Downloader: dl,
		TimeNow:    time.Now,

		storage: s,
	}
}

// Sets up the cache for a realtime feed, sharing the manager's
// downloader, metrics and clock.
func (m *Manager) ConfigureFeed(kind model.FeedKind, feedURL string, headers map[string]string) *FeedCache {
	c := NewFeedCache(kind, feedURL, headers, m.Downloader)
	c.Metrics = m.Metrics
	c.TimeNow = m.TimeNow

	switch kind {
	case model.FeedVehiclePositions:
		m.Vehicles = c
	case model.FeedTripUpdates:
		m.TripUpdates = c
	case model.FeedAlerts:
		m.Alerts = c
	}
	return c
}

func (m *Manager) Static() (*Static, error) {
	s := m.static.Load()
	if s == nil {
		return nil, ErrNoStatic
	}
	return s, nil
}

// Swaps in a new static schedule.
func (m *Manager) SetStatic(s *Static) {
	s.Calendar().Cutoff = m.ServiceDayCutoff
	m.static.Store(s)
}

// Loads the static schedule active at when.
//
// The most recently retrieved feed for StaticURL that is active is
// used. If storage holds none, the feed is downloaded and parsed
// first.
func (m *Manager) LoadStatic(ctx context.Context, when time.Time) (*Static, error) {
	err := m.storage.WriteFeedRequest(storage.FeedRequest{
		URL:     m.StaticURL,
		Headers: serializeHeaders(m.StaticHeaders),
	})
	if err != nil {
		return nil, fmt.Errorf("writing feed request: %w", err)
	}

	static, err := m.loadStored(when)
	if errors.Is(err, ErrNoActiveFeed) {
		err = m.processRequest(ctx, storage.FeedRequest{
			URL:     m.StaticURL,
			Headers: serializeHeaders(m.StaticHeaders),
		}, map[string][]*storage.FeedMetadata{})
		if err != nil {
			m.Metrics.StaticLoaded("error")
			return nil, fmt.Errorf("downloading static: %w", err)
		}
		static, err = m.loadStored(when)
	}
	if err != nil {
		m.Metrics.StaticLoaded("error")
		return nil, err
	}

	m.SetStatic(static)
	m.Metrics.StaticLoaded("ok")
	return static, nil
}

func (m *Manager) loadStored(when time.Time) (*Static, error) {
	feeds, err := m.storage.ListFeeds(storage.ListFeedsFilter{URL: m.StaticURL})
	if err != nil {
		return nil, fmt.Errorf("listing feeds: %w", err)
	}
	return m.loadMostRecentActive(feeds, when)
}

// Refreshes any static feeds that might need refreshing, then
// reloads the schedule if a newer one arrived.
func (m *Manager) RefreshStatic(ctx context.Context) error {

	// Get the hash of every feed in storage
	feedsByHash := map[string][]*storage.FeedMetadata{}
	feeds, err := m.storage.ListFeeds(storage.ListFeedsFilter{})
	if err != nil {
		return fmt.Errorf("listing feeds: %w", err)
	}
	for _, feed := range feeds {
		feedsByHash[feed.Hash] = append(feedsByHash[feed.Hash], feed)
	}

	// Check all requests for URLs in need of refreshing
	requests, err := m.storage.ListFeedRequests("")
	if err != nil {
		return fmt.Errorf("listing feed requests: %w", err)
	}

	errs := []error{}
	for _, req := range requests {
		if req.RefreshedAt.Before(m.TimeNow().Add(-m.StaticRefreshInterval)) {
			err = m.processRequest(ctx, req, feedsByHash)
			if err != nil {
				errs = append(errs, fmt.Errorf("refreshing feed at %s: %w", req.URL, err))
			}
		}
	}

	if m.StaticURL != "" {
		static, err := m.loadStored(m.TimeNow())
		if err != nil {
			errs = append(errs, fmt.Errorf("reloading static: %w", err))
		} else if current := m.static.Load(); current == nil || current.Metadata.Hash != static.Metadata.Hash {
			log.Info().Str("hash", static.Metadata.Hash).Msg("static schedule replaced")
			m.SetStatic(static)
		}
	}

	return errors.Join(errs...)
}

// Downloads a requested URL. If the data is already in storage, a
// copy may be made to ensure a FeedMetadata record with the hash and
// this URL exists. New FeedMetadata records are added to the
// feedByHash map passed in as arg.
func (m *Manager) processRequest(
	ctx context.Context,
	req storage.FeedRequest,
	feedByHash map[string][]*storage.FeedMetadata,
) error {

	headers, err := deserializeHeaders(req.Headers)
	if err != nil {
		return fmt.Errorf("deserializing headers: %w", err)
	}

	// Download the feed and compute its hash
	body, err := m.Downloader.Get(
		ctx,
		req.URL,
		headers,
		downloader.GetOptions{
			Cache:   false,
			Timeout: m.StaticTimeout,
			MaxSize: m.StaticMaxSize,
		},
	)
	if err != nil {
		return fmt.Errorf("downloading feed at %s: %w", req.URL, err)
	}
	hash := fmt.Sprintf("%x", sha256.Sum256(body))

	// The data we just downloaded may already exist in storage.
	feeds := feedByHash[hash]
	if len(feeds) > 0 {
		found := false
		for _, feed := range feeds {
			if feed.URL == req.URL {
				found = true
				break
			}
		}
		if !found {
			// It's in storage, but for a different
			// URL. Add a metadata record for this URL.
			metadata := *feeds[0]
			metadata.URL = req.URL

			feedByHash[hash] = append(feedByHash[hash], &metadata)

			err = m.storage.WriteFeedMetadata(&metadata)
			if err != nil {
				return fmt.Errorf("writing metadata: %w", err)
			}
		}
	} else {
		metadata, err := m.parseFeed(hash, body)
		if err != nil {
			// If the downloaded data is broken, we still
			// mark the request as refreshed.
			req.RefreshedAt = m.TimeNow().UTC()
			reqErr := m.storage.WriteFeedRequest(req)
			if reqErr != nil {
				return errors.Join(
					fmt.Errorf("writing feed request: %w", reqErr),
					fmt.Errorf("parsing: %w", err),
				)
			}
			return fmt.Errorf("parsing: %w", err)
		}

		metadata.URL = req.URL
		feedByHash[hash] = append(feedByHash[hash], metadata)

		err = m.storage.WriteFeedMetadata(metadata)
		if err != nil {
			return fmt.Errorf("writing metadata: %w", err)
		}
	}

	// Mark the request as refreshed.
	req.RefreshedAt = m.TimeNow().UTC()
	err = m.storage.WriteFeedRequest(req)
	if err != nil {
		return fmt.Errorf("writing feed request: %w", err)
	}

	return nil
}

func (m *Manager) parseFeed(hash string, body []byte) (*storage.FeedMetadata, error) {
	src, err := parse.NewZipSource(body)
	if err != nil {
		return nil, err
	}

	writer, err := m.storage.GetWriter(hash)
	if err != nil {
		return nil, fmt.Errorf("getting writer: %w", err)
	}

	metadata, stats, err := parse.ParseStatic(writer, src)
	if err != nil {
		return nil, err
	}

	for name, rs := range stats.Relations {
		m.Metrics.SetRelation(name, rs.Rows, rs.Skipped)
	}
	log.Info().
		Str("hash", hash).
		Int("skipped", stats.TotalSkipped()).
		Str("relations", stats.String()).
		Msg("parsed static feed")

	if m.Timezone != "" {
		metadata.Timezone = m.Timezone
	}
	metadata.Hash = hash
	metadata.RetrievedAt = m.TimeNow().UTC()

	return metadata, nil
}

// Selects the most recently retrieved feed from feeds that is also
// active at the given time.
func (m *Manager) loadMostRecentActive(feeds []*storage.FeedMetadata, when time.Time) (*Static, error) {
	sort.Slice(feeds, func(i, j int) bool {
		return feeds[i].RetrievedAt.Before(feeds[j].RetrievedAt)
	})

	for i := len(feeds) - 1; i >= 0; i-- {
		ok, err := feedActive(feeds[i], when)
		if err != nil {
			return nil, fmt.Errorf("checking if feed is active: %w", err)
		}
		if !ok {
			continue
		}

		// This is the one!
		reader, err := m.storage.GetReader(feeds[i].Hash)
		if err != nil {
			return nil, fmt.Errorf("getting reader: %w", err)
		}
		static, err := NewStatic(reader, feeds[i])
		if err != nil {
			return nil, fmt.Errorf("creating static: %w", err)
		}
		return static, nil
	}

	return nil, ErrNoActiveFeed
}

func feedActive(feed *storage.FeedMetadata, now time.Time) (bool, error) {
	feedTz, err := time.LoadLocation(feed.Timezone)
	if err != nil {
		return false, fmt.Errorf("loading timezone: %w", err)
	}

	todayThere := now.In(feedTz).Format("20060102")

	if feed.CalendarStartDate > todayThere {
		return false, nil
	}
	if feed.CalendarEndDate < todayThere {
		return false, nil
	}

	return true, nil
}

// The stop board for a stop. Uses the last fetched trip updates;
// without any, scheduled times are shown.
func (m *Manager) Arrivals(stopID string, routeIDs []string, now time.Time) (*Board, error) {
	static, err := m.Static()
	if err != nil {
		return nil, err
	}

	var snapshot *FeedSnapshot
	if m.TripUpdates != nil {
		snapshot = m.TripUpdates.Peek()
	}

	arrivals := Fuse(FusionInput{
		StopID:      stopID,
		Services:    static.Calendar().ServiceDays(now),
		Static:      static,
		TripUpdates: snapshot,
		RouteIDs:    routeIDs,
		Now:         now,
		Options:     m.Fusion,
	})
	for _, a := range arrivals {
		m.Metrics.ArrivalServed(a.Realtime)
	}

	board := NewBoard(stopID, arrivals, snapshot)
	if stop, found := static.Stop(stopID); found {
		board.StopName = stop.Name
	}
	return board, nil
}

// Vehicles resolved at the last refresh.
func (m *Manager) CurrentVehicles() []model.VehiclePosition {
	if v := m.vehicles.Load(); v != nil {
		return *v
	}
	return []model.VehiclePosition{}
}

// Warnings derived at the last refresh.
func (m *Manager) CurrentWarnings() []model.Warning {
	if w := m.warnings.Load(); w != nil {
		return *w
	}
	return []model.Warning{}
}

// Active alerts for a route or trip. Blank route and trip returns
// every active alert.
func (m *Manager) ActiveAlerts(routeID, tripID string, now time.Time) []model.Alert {
	if m.Alerts == nil {
		return []model.Alert{}
	}
	snapshot := m.Alerts.Peek()
	if snapshot == nil || snapshot.Alerts == nil {
		return []model.Alert{}
	}

	if routeID == "" && tripID == "" {
		active := []model.Alert{}
		for _, a := range snapshot.Alerts.Alerts {
			if a.ActiveAt(now) {
				active = append(active, a)
			}
		}
		return active
	}

	static, _ := m.Static()
	return AlertsFor(static, snapshot.Alerts.Alerts, routeID, tripID, now)
}

func (m *Manager) RefreshVehicles(ctx context.Context) error {
	if m.Vehicles == nil {
		return nil
	}
	static, err := m.Static()
	if err != nil {
		return err
	}

	snapshot, err := m.Vehicles.Get(ctx)
	if err != nil {
		return err
	}

	resolver := &VehicleResolver{
		Static:          static,
		UnreliableStart: m.UnreliableStart,
		UnreliableEnd:   m.UnreliableEnd,
		MaxDistance:     m.MaxDistance,
		Metrics:         m.Metrics,
	}
	vehicles := resolver.ResolveAll(snapshot, m.TimeNow())
	m.vehicles.Store(&vehicles)

	if m.Publisher != nil {
		err = m.Publisher.PublishVehicles(ctx, vehicles)
		if err != nil {
			return fmt.Errorf("publishing vehicles: %w", err)
		}
	}
	return nil
}

func (m *Manager) RefreshTripUpdates(ctx context.Context) error {
	if m.TripUpdates == nil {
		return nil
	}
	_, err := m.TripUpdates.Get(ctx)
	return err
}

func (m *Manager) RefreshAlerts(ctx context.Context) error {
	if m.Alerts == nil {
		return nil
	}
	_, err := m.Alerts.Get(ctx)
	return err
}

// Derives warnings from the current snapshots. Never fetches.
func (m *Manager) RefreshWarnings(ctx context.Context) error {
	static, _ := m.Static()

	in := WarningInput{
		Favorites: m.Favorites,
		Static:    static,
		Now:       m.TimeNow(),
	}
	if m.TripUpdates != nil {
		in.TripUpdates = m.TripUpdates.Peek()
	}
	if m.Alerts != nil {
		in.Alerts = m.Alerts.Peek()
	}

	warnings := DeriveWarnings(in)
	m.warnings.Store(&warnings)
	m.Metrics.SetWarnings(len(warnings))
	return nil
}

// Loads the schedule, fetches every feed once, then keeps everything
// up to date until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	if _, err := m.LoadStatic(ctx, m.TimeNow()); err != nil {
		return fmt.Errorf("loading static: %w", err)
	}

	p := pool.New().WithErrors().WithContext(ctx)
	p.Go(m.RefreshTripUpdates)
	p.Go(m.RefreshAlerts)
	p.Go(m.RefreshVehicles)
	if err := p.Wait(); err != nil {
		log.Warn().Err(err).Msg("initial realtime fetch incomplete")
	}
	_ = m.RefreshWarnings(ctx)

	pollers := []*Poller{
		{Name: "vehicles", Interval: m.VehiclesInterval, Task: m.RefreshVehicles},
		{Name: "trip_updates", Interval: m.TripUpdatesInterval, Task: m.RefreshTripUpdates},
		{Name: "alerts", Interval: m.AlertsInterval, Task: m.RefreshAlerts},
		{Name: "warnings", Interval: m.WarningsInterval, Task: m.RefreshWarnings},
		{Name: "static", Interval: m.StaticRefreshInterval, Task: m.RefreshStatic},
	}

	var wg conc.WaitGroup
	for _, poller := range pollers {
		wg.Go(func() { poller.Run(ctx) })
	}
	wg.Wait()

	return nil
}

func serializeHeaders(headers map[string]string) string {
	var keys []string
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := []string{}
	for _, k := range keys {
		pairs = append(pairs, fmt.Sprintf("%s=%s", url.QueryEscape(k), url.QueryEscape(headers[k])))
	}
	return strings.Join(pairs, "&")
}

func deserializeHeaders(serialized string) (map[string]string, error) {
	headers := map[string]string{}
	if serialized == "" {
		return headers, nil
	}

	for _, pair := range strings.Split(serialized, "&") {
		parts := strings.Split(pair, "=")
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid header: %s", pair)
		}
		key, err := url.QueryUnescape(parts[0])
		if err != nil {
			return nil, fmt.Errorf("invalid header: %s", pair)
		}
		headers[key], err = url.QueryUnescape(parts[1])
		if err != nil {
			return nil, fmt.Errorf("invalid header: %s", pair)
		}
	}
	return headers, nil
}
