package cache

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestResponseCache(t *testing.T) {
	tests := []struct {
		name string
		fn   func(t *testing.T)
	}{
		{"RepeatedGETServedFromCache", testRepeatedGETServedFromCache},
		{"WritesBypassCache", testWritesBypassCache},
		{"NotFoundRetried", testNotFoundRetried},
		{"QueryIsPartOfKey", testQueryIsPartOfKey},
		{"DisabledPassesThrough", testDisabledPassesThrough},
	}

	for _, tt := range tests {
		t.Run(tt.name, tt.fn)
	}
}

func newTestResponseCache() *ResponseCache {
	return NewResponseCache(&CacheConfig{Enabled: true, TTL: time.Minute, MaxSize: 10})
}

func countingHandler(calls *int, status int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"number":1}`))
	})
}

func serve(h http.Handler, method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func testRepeatedGETServedFromCache(t *testing.T) {
	calls := 0
	h := newTestResponseCache().Middleware(countingHandler(&calls, http.StatusOK))

	first := serve(h, http.MethodGet, "/verification-results/1")
	if first.Header().Get("X-Cache") != cacheMiss {
		t.Fatalf("expected X-Cache: MISS, got %q", first.Header().Get("X-Cache"))
	}

	second := serve(h, http.MethodGet, "/verification-results/1")
	if calls != 1 {
		t.Fatalf("expected handler called once, got %d", calls)
	}
	if second.Header().Get("X-Cache") != cacheHit {
		t.Errorf("expected X-Cache: HIT, got %q", second.Header().Get("X-Cache"))
	}
	if second.Body.String() != `{"number":1}` {
		t.Errorf("unexpected cached body %q", second.Body.String())
	}
	if second.Header().Get("Content-Type") != "application/json" {
		t.Errorf("content type not preserved: %q", second.Header().Get("Content-Type"))
	}
}

func testWritesBypassCache(t *testing.T) {
	calls := 0
	rc := newTestResponseCache()
	h := rc.Middleware(countingHandler(&calls, http.StatusOK))

	serve(h, http.MethodPost, "/verification-results")
	serve(h, http.MethodPost, "/verification-results")
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
	if rc.Len() != 0 {
		t.Errorf("writes must not be cached, have %d entries", rc.Len())
	}
}

func testNotFoundRetried(t *testing.T) {
	calls := 0
	h := newTestResponseCache().Middleware(countingHandler(&calls, http.StatusNotFound))

	serve(h, http.MethodGet, "/verification-results/9")
	serve(h, http.MethodGet, "/verification-results/9")
	if calls != 2 {
		t.Errorf("expected a miss to reach the handler again, got %d calls", calls)
	}
}

func testQueryIsPartOfKey(t *testing.T) {
	calls := 0
	h := newTestResponseCache().Middleware(countingHandler(&calls, http.StatusOK))

	serve(h, http.MethodGet, "/x?a=1")
	serve(h, http.MethodGet, "/x?a=2")
	serve(h, http.MethodGet, "/x?a=1")
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

func testDisabledPassesThrough(t *testing.T) {
	rc := NewResponseCache(&CacheConfig{Enabled: false})
	if rc != nil {
		t.Fatal("disabled config should yield a nil cache")
	}
	calls := 0
	h := rc.Middleware(countingHandler(&calls, http.StatusOK))
	serve(h, http.MethodGet, "/x")
	serve(h, http.MethodGet, "/x")
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
	if rc.Len() != 0 {
		t.Error("nil cache should report no entries")
	}
}
