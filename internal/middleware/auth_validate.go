package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sidethreads/internal/logger"
	"github.com/sidethreads/internal/sanitize"
)

const (
	HeaderUserID   = "X-User-Id"
	HeaderUserName = "X-User-Name"
)

type sessionCredentials struct {
	SessionID string `json:"session_id"`
	Timestamp string `json:"timestamp"`
	Signature string `json:"signature"`
	Method    string `json:"method"`
	Path      string `json:"path"`
	Body      string `json:"body"`
}

type validateResult struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

// headerOrQuery: браузерный WebSocket не умеет заголовки, поэтому допускается query.
func headerOrQuery(r *http.Request, header, query string) string {
	if v := r.Header.Get(header); v != "" {
		return v
	}
	return r.URL.Query().Get(query)
}

// AuthServiceValidate определяет пользователя запроса.
// С authServiceURL сессия (X-Session-Id, X-Timestamp, X-Signature) проверяется во внешнем
// сервисе авторизации. Без него сервис стоит за доверенным шлюзом и берёт X-User-Id / X-User-Name.
func AuthServiceValidate(authServiceURL string, client *http.Client) func(http.Handler) http.Handler {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var res validateResult
			if authServiceURL == "" {
				res.UserID = strings.TrimSpace(headerOrQuery(r, HeaderUserID, "user_id"))
				res.DisplayName = headerOrQuery(r, HeaderUserName, "user_name")
			} else {
				var ok bool
				if res, ok = validateSession(w, r, authServiceURL, client); !ok {
					return
				}
			}
			if res.UserID == "" {
				writeUnauthorized(w)
				return
			}
			name := strings.TrimSpace(sanitize.Text(res.DisplayName))
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), res.UserID, name)))
		})
	}
}

func validateSession(w http.ResponseWriter, r *http.Request, authServiceURL string, client *http.Client) (validateResult, bool) {
	creds := sessionCredentials{
		SessionID: headerOrQuery(r, "X-Session-Id", "session_id"),
		Timestamp: headerOrQuery(r, "X-Timestamp", "timestamp"),
		Signature: headerOrQuery(r, "X-Signature", "signature"),
		Method:    r.Method,
		// Путь для подписи: только pathname, без query.
		Path: r.URL.Path,
	}
	if creds.SessionID == "" || creds.Timestamp == "" || creds.Signature == "" {
		writeUnauthorized(w)
		return validateResult{}, false
	}
	if r.Body != nil {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
			return validateResult{}, false
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		creds.Body = string(body)
	}

	payload, _ := json.Marshal(creds)
	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, authServiceURL+"/internal/validate", bytes.NewReader(payload))
	if err != nil {
		http.Error(w, `{"error":"internal"}`, http.StatusInternalServerError)
		return validateResult{}, false
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		logger.Warnf("auth: validate session %s: %v", MaskSessionID(creds.SessionID), err)
		writeUnauthorized(w)
		return validateResult{}, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		logger.Debugf("auth: session %s rejected with %d", MaskSessionID(creds.SessionID), resp.StatusCode)
		writeUnauthorized(w)
		return validateResult{}, false
	}
	var res validateResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		writeUnauthorized(w)
		return validateResult{}, false
	}
	return res, true
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
}
