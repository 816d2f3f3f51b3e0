package middleware

import (
	"net/http"
	"time"

	"github.com/sidethreads/internal/logger"
)

const slowRequest = time.Second

// RequestLog пишет method, path, статус и пользователя; медленные запросы — warn.
func RequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrap := wrapWriter(w)
		next.ServeHTTP(wrap, r)
		took := time.Since(start)
		user := GetUserID(r.Context())
		if took > slowRequest {
			logger.Warnf("http %s %s %d user=%s slow %v", r.Method, r.URL.Path, wrap.status, user, took)
			return
		}
		logger.Debugf("http %s %s %d user=%s %v", r.Method, r.URL.Path, wrap.status, user, took)
	})
}
