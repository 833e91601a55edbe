package downloader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"time"
)

// Bounds a download shared by several callers when the request
// itself sets no timeout.
const sharedFetchTimeout = 2 * time.Minute

// Cached bodies are keyed on the URL and the request headers. Agencies
// hand out per-client API keys, and the same endpoint may answer
// differently per key.
func cacheKey(url string, headers map[string]string) string {
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	h.Write([]byte(url))
	for _, k := range keys {
		h.Write([]byte{0})
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(headers[k]))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Context for a download whose result other callers wait on. It
// outlives the caller that started it, but not forever.
func sharedContext(ctx context.Context, options GetOptions) (context.Context, context.CancelFunc) {
	timeout := options.Timeout
	if timeout <= 0 {
		timeout = sharedFetchTimeout
	}
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}
