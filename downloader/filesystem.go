package downloader

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Keeps feed bodies in a JSON file on disk, so that CLI runs within a
// feed's TTL of each other share one download.
//
// Each record carries its own expiry. Expired records are dropped
// whenever the file is rewritten.
type Filesystem struct {
	Path    string
	TimeNow func() time.Time

	mutex   sync.Mutex
	records map[string]fsRecord
}

type fsRecord struct {
	URL         string    `json:"url"`
	Body        []byte    `json:"body"`
	RetrievedAt time.Time `json:"retrieved_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func NewFilesystem(path string) (*Filesystem, error) {
	f := &Filesystem{
		Path:    path,
		TimeNow: time.Now,
		records: map[string]fsRecord{},
	}

	if err := f.load(); err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}

	return f, nil
}

func (f *Filesystem) Get(
	ctx context.Context,
	url string,
	headers map[string]string,
	options GetOptions,
) ([]byte, error) {
	if !options.Cache {
		return HTTPGet(ctx, url, headers, options)
	}

	key := cacheKey(url, headers)

	// Held across the download. Concurrent misses wait for the
	// first one instead of fetching in parallel.
	f.mutex.Lock()
	defer f.mutex.Unlock()

	now := f.TimeNow()
	if record, found := f.records[key]; found && record.ExpiresAt.After(now) {
		log.Debug().Str("url", url).Time("retrieved_at", record.RetrievedAt).Msg("filesystem cache hit")
		return record.Body, nil
	}

	body, err := HTTPGet(ctx, url, headers, options)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}

	f.records[key] = fsRecord{
		URL:         url,
		Body:        body,
		RetrievedAt: now.UTC(),
		ExpiresAt:   now.Add(options.CacheTTL).UTC(),
	}
	f.prune(now)

	if err := f.save(); err != nil {
		return nil, fmt.Errorf("saving: %w", err)
	}

	return body, nil
}

func (f *Filesystem) prune(now time.Time) {
	for key, record := range f.records {
		if !record.ExpiresAt.After(now) {
			log.Debug().Str("url", record.URL).Msg("filesystem cache expired")
			delete(f.records, key)
		}
	}
}

// Number of records held, expired or not.
func (f *Filesystem) Len() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return len(f.records)
}

func (f *Filesystem) load() error {
	buf, err := os.ReadFile(f.Path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(buf) == 0 {
		return nil
	}

	return json.Unmarshal(buf, &f.records)
}

// Written to a temporary file and renamed into place, so a
// concurrent run never reads half a cache.
func (f *Filesystem) save() error {
	buf, err := json.Marshal(f.records)
	if err != nil {
		return fmt.Errorf("marshalling: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.Path), filepath.Base(f.Path)+".*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		return fmt.Errorf("writing: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing: %w", err)
	}

	return os.Rename(tmp.Name(), f.Path)
}
