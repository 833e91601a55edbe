package downloader

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Keeps feed bodies in process memory.
//
// Feed caches polling the same endpoint share entries, and
// concurrent misses on an entry make a single request. Agencies
// serving trip updates, vehicle positions and alerts from one
// combined endpoint get it downloaded once per TTL.
type MemoryDownloader struct {
	TimeNow func() time.Time

	mutex   sync.Mutex
	entries map[string]memoryEntry
	group   singleflight.Group
}

type memoryEntry struct {
	body    []byte
	expires time.Time
}

func NewMemoryDownloader() *MemoryDownloader {
	return &MemoryDownloader{
		TimeNow: time.Now,
		entries: map[string]memoryEntry{},
	}
}

func (d *MemoryDownloader) Get(
	ctx context.Context,
	url string,
	headers map[string]string,
	options GetOptions,
) ([]byte, error) {
	if !options.Cache || options.CacheTTL <= 0 {
		return HTTPGet(ctx, url, headers, options)
	}

	key := cacheKey(url, headers)
	if body, found := d.lookup(key); found {
		return body, nil
	}

	ch := d.group.DoChan(key, func() (interface{}, error) {
		// Filled while we were queued behind another fetch.
		if body, found := d.lookup(key); found {
			return body, nil
		}

		fetchCtx, cancel := sharedContext(ctx, options)
		defer cancel()

		body, err := HTTPGet(fetchCtx, url, headers, options)
		if err != nil {
			return nil, err
		}
		d.store(key, body, options.CacheTTL)
		return body, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	}
}

func (d *MemoryDownloader) lookup(key string) ([]byte, bool) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	entry, found := d.entries[key]
	if !found {
		return nil, false
	}
	if !entry.expires.After(d.TimeNow()) {
		delete(d.entries, key)
		return nil, false
	}
	return entry.body, true
}

// Expired entries are swept on every store. A feed that is no longer
// polled doesn't keep its last body around.
func (d *MemoryDownloader) store(key string, body []byte, ttl time.Duration) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	now := d.TimeNow()
	for k, entry := range d.entries {
		if !entry.expires.After(now) {
			delete(d.entries, k)
		}
	}
	d.entries[key] = memoryEntry{body: body, expires: now.Add(ttl)}
}

// Number of entries held, expired or not.
func (d *MemoryDownloader) Len() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return len(d.entries)
}
