package gtfs

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"busboard.dev/gtfs/downloader"
	"busboard.dev/gtfs/metrics"
	"busboard.dev/gtfs/model"
	"busboard.dev/gtfs/parse"
)

const (
	DefaultRealtimeTTL     = 5 * time.Second
	DefaultAlertsTTL       = 60 * time.Second
	DefaultStaleAfter      = 5 * time.Minute
	DefaultFreshFor        = 180 * time.Second
	DefaultRealtimeTimeout = 30 * time.Second
	DefaultRealtimeMaxSize = 10 << 20 // 10 MB
)

var ErrFeedUnavailable = errors.New("realtime feed unavailable")

// A decoded realtime feed. Exactly one of the payload fields is set,
// according to Kind.
type FeedSnapshot struct {
	Kind        model.FeedKind
	DecodedAt   time.Time
	GeneratedAt time.Time

	TripUpdates *parse.TripUpdates
	Vehicles    *parse.VehiclePositions
	Alerts      *parse.Alerts

	// Evaluated when the snapshot is handed out. Stale snapshots
	// are still used, but flagged. Fresh is advisory only.
	Stale bool
	Fresh bool
}

// Age of the data, by the producer's clock when it reported one.
func (s *FeedSnapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.GeneratedAt)
}

// Caches the most recent decode of a single realtime feed.
type FeedCache struct {
	Kind       model.FeedKind
	URL        string
	Headers    map[string]string
	Language   string
	TTL        time.Duration
	StaleAfter time.Duration
	FreshFor   time.Duration
	Timeout    time.Duration
	MaxSize    int

	// When non-zero, the Downloader is asked to cache raw bodies
	// this long, so processes sharing a cache share fetches.
	DownloadCacheTTL time.Duration

	Downloader downloader.Downloader
	Metrics    *metrics.Collector
	TimeNow    func() time.Time

	current atomic.Pointer[FeedSnapshot]
	group   singleflight.Group
}

func NewFeedCache(kind model.FeedKind, url string, headers map[string]string, dl downloader.Downloader) *FeedCache {
	ttl := DefaultRealtimeTTL
	if kind == model.FeedAlerts {
		ttl = DefaultAlertsTTL
	}

	return &FeedCache{
		Kind:       kind,
		URL:        url,
		Headers:    headers,
		TTL:        ttl,
		StaleAfter: DefaultStaleAfter,
		FreshFor:   DefaultFreshFor,
		Timeout:    DefaultRealtimeTimeout,
		MaxSize:    DefaultRealtimeMaxSize,
		Downloader: dl,
		TimeNow:    time.Now,
	}
}

// Returns the current snapshot, refreshing it first if older than
// the TTL or stale. Concurrent callers share a single fetch.
//
// When the fetch fails the previous snapshot is returned, flagged
// stale if past the threshold. Without one, the error wraps
// ErrFeedUnavailable.
func (c *FeedCache) Get(ctx context.Context) (*FeedSnapshot, error) {
	now := c.TimeNow()

	if snap := c.current.Load(); snap != nil {
		if now.Sub(snap.DecodedAt) < c.TTL && !c.isStale(snap, now) {
			return c.view(snap, now), nil
		}
	}

	ch := c.group.DoChan(c.URL, func() (interface{}, error) {
		// Every waiting caller shares this fetch, so it must not
		// go down with the one that happened to start it.
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout())
		defer cancel()
		return nil, c.refresh(fetchCtx)
	})

	var err error
	select {
	case res := <-ch:
		err = res.Err
	case <-ctx.Done():
		err = ctx.Err()
	}

	snap := c.current.Load()
	if err != nil {
		if snap == nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrFeedUnavailable, c.Kind, err)
		}
		log.Warn().
			Err(err).
			Str("feed", c.Kind.String()).
			Time("decoded_at", snap.DecodedAt).
			Msg("serving previous snapshot")
		c.Metrics.FeedFetched(c.Kind.String(), "fallback", 0)
	}

	now = c.TimeNow()
	v := c.view(snap, now)
	c.reportStale(v, now)
	return v, nil
}

// The current snapshot without any network access. Nil if nothing
// has been fetched yet.
func (c *FeedCache) Peek() *FeedSnapshot {
	snap := c.current.Load()
	if snap == nil {
		return nil
	}
	return c.view(snap, c.TimeNow())
}

func (c *FeedCache) fetchTimeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultRealtimeTimeout
}

func (c *FeedCache) refresh(ctx context.Context) error {
	start := time.Now()

	body, err := c.Downloader.Get(ctx, c.URL, c.Headers, downloader.GetOptions{
		Timeout:  c.Timeout,
		MaxSize:  c.MaxSize,
		Cache:    c.DownloadCacheTTL > 0,
		CacheTTL: c.DownloadCacheTTL,
	})
	if err != nil {
		c.Metrics.FeedFetched(c.Kind.String(), "error", time.Since(start))
		return fmt.Errorf("downloading: %w", err)
	}

	snap, err := c.decode(body)
	if err != nil {
		c.Metrics.FeedFetched(c.Kind.String(), "error", time.Since(start))
		return fmt.Errorf("decoding: %w", err)
	}

	c.current.Store(snap)
	c.Metrics.FeedFetched(c.Kind.String(), "ok", time.Since(start))
	c.Metrics.SetFeedAge(c.Kind.String(), snap.Age(snap.DecodedAt))

	log.Debug().
		Str("feed", c.Kind.String()).
		Time("generated_at", snap.GeneratedAt).
		Msg("feed refreshed")

	return nil
}

func (c *FeedCache) decode(body []byte) (*FeedSnapshot, error) {
	snap := &FeedSnapshot{
		Kind:      c.Kind,
		DecodedAt: c.TimeNow(),
	}

	var generatedAt time.Time
	switch c.Kind {
	case model.FeedTripUpdates:
		tu, err := parse.ParseTripUpdates([][]byte{body})
		if err != nil {
			return nil, err
		}
		snap.TripUpdates = tu
		generatedAt = tu.GeneratedAt()
	case model.FeedVehiclePositions:
		vp, err := parse.ParseVehiclePositions([][]byte{body})
		if err != nil {
			return nil, err
		}
		snap.Vehicles = vp
		generatedAt = vp.GeneratedAt()
	case model.FeedAlerts:
		alerts, err := parse.ParseAlerts([][]byte{body}, c.Language)
		if err != nil {
			return nil, err
		}
		snap.Alerts = alerts
		generatedAt = alerts.GeneratedAt()
	default:
		return nil, fmt.Errorf("unknown feed kind %d", c.Kind)
	}

	// Producers that don't stamp the header get our clock.
	snap.GeneratedAt = generatedAt
	if generatedAt.IsZero() {
		snap.GeneratedAt = snap.DecodedAt
	}

	return snap, nil
}

func (c *FeedCache) isStale(snap *FeedSnapshot, now time.Time) bool {
	return snap.Age(now) > c.StaleAfter
}

// Copies snap with flags evaluated at now. The stored snapshot is
// never mutated, so readers holding it see consistent data.
func (c *FeedCache) view(snap *FeedSnapshot, now time.Time) *FeedSnapshot {
	v := *snap
	v.Stale = c.isStale(snap, now)
	v.Fresh = snap.Age(now) <= c.FreshFor
	return &v
}

func (c *FeedCache) reportStale(snap *FeedSnapshot, now time.Time) {
	if !snap.Stale {
		return
	}
	log.Warn().
		Str("feed", c.Kind.String()).
		Dur("age", snap.Age(now)).
		Msg("stale realtime feed")
	c.Metrics.FeedServedStale(c.Kind.String())
}
