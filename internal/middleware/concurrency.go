package middleware

import (
	"net/http"
	"sync"
	"time"
)

// Semaphore bounds concurrent in-flight requests per key. Grounded on
// the teacher's Semaphore (middleware/concurrency.go), trimmed of the
// KeyedMutex/Deduplicator/AtomicCounter siblings that had no counterpart
// in this admin surface — request serialization for an in-flight sync
// job is the scheduler's keyedMutex, not this HTTP layer's concern.
type Semaphore struct {
	mu    sync.Mutex
	semas map[string]chan struct{}
	limit int
}

// NewSemaphore creates a per-key semaphore with the given concurrency limit.
func NewSemaphore(limit int) *Semaphore {
	if limit <= 0 {
		limit = 4
	}
	return &Semaphore{semas: make(map[string]chan struct{}), limit: limit}
}

// Acquire attempts to claim a slot for key within timeout.
func (s *Semaphore) Acquire(key string, timeout time.Duration) bool {
	s.mu.Lock()
	ch, ok := s.semas[key]
	if !ok {
		ch = make(chan struct{}, s.limit)
		s.semas[key] = ch
	}
	s.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Release frees a slot for key.
func (s *Semaphore) Release(key string) {
	s.mu.Lock()
	ch, ok := s.semas[key]
	s.mu.Unlock()
	if ok {
		select {
		case <-ch:
		default:
		}
	}
}

// PerTenant limits concurrent admin requests for the same tenant path
// segment, guarding against a client hammering the trigger endpoint for
// one tenant while other tenants' requests proceed unaffected.
func PerTenant(sem *Semaphore, keyFromRequest func(*http.Request) string, acquireTimeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFromRequest(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			if !sem.Acquire(key, acquireTimeout) {
				w.Header().Set("Retry-After", "1")
				http.Error(w, `{"error":"too many concurrent requests for this tenant"}`, http.StatusTooManyRequests)
				return
			}
			defer sem.Release(key)
			next.ServeHTTP(w, r)
		})
	}
}
