package api

import (
	"bytes"
	"net/http"
	"sync"
	"time"
)

// cachedResponse stores a previously-seen response for idempotent replay.
type cachedResponse struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	CachedAt   time.Time
}

// MemoryIdempotencyStore holds cached responses keyed by idempotency key.
// A per-key in-flight latch serializes concurrent requests for the same
// key: followers wait for the leader's response instead of executing the
// operation a second time.
type MemoryIdempotencyStore struct {
	mu       sync.RWMutex
	entries  map[string]*cachedResponse
	inflight map[string]chan struct{}
	ttl      time.Duration
}

// NewIdempotencyStore creates a new in-memory idempotency store.
func NewIdempotencyStore(ttl time.Duration) *MemoryIdempotencyStore {
	s := &MemoryIdempotencyStore{
		entries:  make(map[string]*cachedResponse),
		inflight: make(map[string]chan struct{}),
		ttl:      ttl,
	}
	go s.cleanup()
	return s
}

func (s *MemoryIdempotencyStore) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		s.mu.Lock()
		now := time.Now()
		for k, v := range s.entries {
			if now.Sub(v.CachedAt) > s.ttl {
				delete(s.entries, k)
			}
		}
		s.mu.Unlock()
	}
}

// Check returns a cached response if existing and valid.
func (s *MemoryIdempotencyStore) Check(key string) (*cachedResponse, bool) {
	s.mu.RLock()
	cached, exists := s.entries[key]
	s.mu.RUnlock()

	if exists && time.Since(cached.CachedAt) < s.ttl {
		return cached, true
	}
	return nil, false
}

// Set stores a response.
func (s *MemoryIdempotencyStore) Set(key string, statusCode int, headers http.Header, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = &cachedResponse{
		StatusCode: statusCode,
		Headers:    headers.Clone(),
		Body:       append([]byte(nil), body...),
		CachedAt:   time.Now(),
	}
}

// begin returns the cached response for key if present. Otherwise the first
// caller becomes the leader (leader true) and must call finish when its
// response is stored; later callers receive the leader's latch to wait on.
func (s *MemoryIdempotencyStore) begin(key string) (cached *cachedResponse, wait chan struct{}, leader bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.entries[key]; ok && time.Since(c.CachedAt) < s.ttl {
		return c, nil, false
	}
	if ch, ok := s.inflight[key]; ok {
		return nil, ch, false
	}
	ch := make(chan struct{})
	s.inflight[key] = ch
	return nil, ch, true
}

// finish releases the in-flight latch for key. Safe to call more than once.
func (s *MemoryIdempotencyStore) finish(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.inflight[key]; ok {
		close(ch)
		delete(s.inflight, key)
	}
}

// responseRecorder captures a handler's response for caching.
type responseRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

// IdempotencyMiddleware replays cached responses for repeated
// Idempotency-Key headers on mutating requests. Confirmation retries in
// particular must not surface a different outcome than the original call.
func IdempotencyMiddleware(store *MemoryIdempotencyStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if store == nil || r.Method == http.MethodGet {
				next.ServeHTTP(w, r)
				return
			}
			key := r.Header.Get("Idempotency-Key")
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			// Scope the key to the route so one key cannot replay across
			// different operations.
			key = r.Method + " " + r.URL.Path + " " + key

			replay := func(cached *cachedResponse) {
				for k, vals := range cached.Headers {
					for _, v := range vals {
						w.Header().Add(k, v)
					}
				}
				w.Header().Set("X-Idempotent-Replay", "true")
				w.WriteHeader(cached.StatusCode)
				_, _ = w.Write(cached.Body)
			}

			cached, wait, leader := store.begin(key)
			if cached != nil {
				replay(cached)
				return
			}
			if !leader {
				// A request with the same key is in flight; wait for its
				// outcome rather than executing the operation twice.
				select {
				case <-wait:
				case <-r.Context().Done():
					WriteError(w, http.StatusServiceUnavailable, "Service Unavailable",
						"Request cancelled while waiting for an identical in-flight request.")
					return
				}
				if cached, ok := store.Check(key); ok {
					replay(cached)
					return
				}
				// The leader died without caching; fall through and execute.
			}
			if leader {
				defer store.finish(key)
			}

			rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			store.Set(key, rec.status, w.Header(), rec.body.Bytes())
		})
	}
}
