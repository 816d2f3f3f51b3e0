package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// rateLimiter — скользящее окно на ключ (IP или пользователь).
type rateLimiter struct {
	mu        sync.Mutex
	times     map[string][]time.Time
	max       int
	window    time.Duration
	lastSweep time.Time
	now       func() time.Time
}

func newRateLimiter(max int, window time.Duration) *rateLimiter {
	return &rateLimiter{times: make(map[string][]time.Time), max: max, window: window, now: time.Now}
}

func (r *rateLimiter) allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	cutoff := now.Add(-r.window)
	if now.Sub(r.lastSweep) > r.window {
		r.sweep(cutoff)
		r.lastSweep = now
	}
	slice := r.times[key]
	i := 0
	for _, t := range slice {
		if t.After(cutoff) {
			slice[i] = t
			i++
		}
	}
	slice = slice[:i]
	if len(slice) >= r.max {
		r.times[key] = slice
		return false
	}
	r.times[key] = append(slice, now)
	return true
}

// sweep удаляет ключи без событий в окне, чтобы карта не росла бесконечно.
func (r *rateLimiter) sweep(cutoff time.Time) {
	for k, slice := range r.times {
		if len(slice) == 0 || !slice[len(slice)-1].After(cutoff) {
			delete(r.times, k)
		}
	}
}

func clientIP(r *http.Request) string {
	if x := r.Header.Get("X-Real-Ip"); x != "" {
		return x
	}
	if x := r.Header.Get("X-Forwarded-For"); x != "" {
		return x
	}
	return r.RemoteAddr
}

// RateLimit ограничивает запросы по IP и по user_id (если он уже в контексте). 429 при превышении.
// Ставить после AuthServiceValidate, иначе лимит по пользователю не работает.
func RateLimit(perIP, perUser int, window time.Duration) func(http.Handler) http.Handler {
	byIP := newRateLimiter(perIP, window)
	byUser := newRateLimiter(perUser, window)
	retryAfter := strconv.Itoa(int(window.Seconds()))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			limited := !byIP.allow(clientIP(r))
			if !limited {
				if userID := GetUserID(r.Context()); userID != "" {
					limited = !byUser.allow("u:" + userID)
				}
			}
			if limited {
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.Header().Set("Retry-After", retryAfter)
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":"too many requests"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
