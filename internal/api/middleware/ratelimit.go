package middleware

import (
	"net/http"
	"sync"
	"time"

	"Strata/internal/core/apierrors"
)

// Throttle is a fixed-window per-client limiter guarding the unauthenticated
// surface (login, registration) against brute force. State is in-memory and
// per-node; cross-node fairness is not a goal.
type Throttle struct {
	mu      sync.Mutex
	windows map[string]*throttleWindow
	limit   int
	span    time.Duration
	now     func() time.Time
	stop    chan struct{}
}

type throttleWindow struct {
	resetAt time.Time
	count   int
}

// NewThrottle allows limit calls per client per span. now nil falls back to
// the real clock.
func NewThrottle(limit int, span time.Duration, now func() time.Time) *Throttle {
	if now == nil {
		now = time.Now
	}
	t := &Throttle{
		windows: make(map[string]*throttleWindow),
		limit:   limit,
		span:    span,
		now:     now,
		stop:    make(chan struct{}),
	}
	go t.sweep()
	return t
}

// Middleware rejects over-limit calls with the standard error envelope.
func (t *Throttle) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !t.Allow(clientKey(r)) {
			err := apierrors.New(apierrors.InvalidOperation, "too many requests, retry later")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			body := `{"error":{"id":"` + string(err.ID) + `","message":"` + err.Message + `"}}`
			_, _ = w.Write([]byte(body))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Allow counts one call for key and reports whether it fits the window.
func (t *Throttle) Allow(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	win, ok := t.windows[key]
	if !ok || now.After(win.resetAt) {
		t.windows[key] = &throttleWindow{count: 1, resetAt: now.Add(t.span)}
		return true
	}
	if win.count < t.limit {
		win.count++
		return true
	}
	return false
}

// Stop ends the background sweep.
func (t *Throttle) Stop() { close(t.stop) }

func (t *Throttle) sweep() {
	ticker := time.NewTicker(t.span)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.mu.Lock()
			now := t.now()
			for key, win := range t.windows {
				if now.After(win.resetAt) {
					delete(t.windows, key)
				}
			}
			t.mu.Unlock()
		}
	}
}

// clientKey identifies the caller: proxy headers first, then the socket.
func clientKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		return real
	}
	return r.RemoteAddr
}
