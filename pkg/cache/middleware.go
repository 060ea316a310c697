package cache

import (
	"bytes"
	"net/http"
)

// Header values reported in X-Cache.
const (
	cacheHit  = "HIT"
	cacheMiss = "MISS"
)

// cachedResponse is a stored 200 response.
type cachedResponse struct {
	contentType string
	body        []byte
}

// ResponseCache holds responses of endpoints whose answer never changes once
// it exists, such as a verification looked up by number.
type ResponseCache struct {
	entries *LRUCache[string, cachedResponse]
}

// NewResponseCache returns nil when cfg disables caching. A nil
// *ResponseCache is valid and caches nothing.
func NewResponseCache(cfg *CacheConfig) *ResponseCache {
	if cfg == nil || !cfg.Enabled {
		return nil
	}
	return &ResponseCache{entries: NewLRUCache[string, cachedResponse](cfg.MaxSize, cfg.TTL)}
}

// recorder captures the status and body written by the wrapped handler.
type recorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (w *recorder) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *recorder) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

// Middleware serves repeated GETs of the same URL from the cache. Only 200
// responses are stored, so a lookup that missed is retried on the next
// request.
func (rc *ResponseCache) Middleware(next http.Handler) http.Handler {
	if rc == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			next.ServeHTTP(w, r)
			return
		}

		key := r.URL.RequestURI()
		if cached, ok := rc.entries.Get(key); ok {
			w.Header().Set("Content-Type", cached.contentType)
			w.Header().Set("X-Cache", cacheHit)
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(cached.body)
			return
		}

		rec := &recorder{ResponseWriter: w}
		rec.Header().Set("X-Cache", cacheMiss)
		next.ServeHTTP(rec, r)

		if rec.status == http.StatusOK {
			rc.entries.Set(key, cachedResponse{
				contentType: rec.Header().Get("Content-Type"),
				body:        bytes.Clone(rec.body.Bytes()),
			})
		}
	})
}

// Len returns the number of stored responses.
func (rc *ResponseCache) Len() int {
	if rc == nil {
		return 0
	}
	return rc.entries.Size()
}
