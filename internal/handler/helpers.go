package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/sidethreads/internal/logger"
	"github.com/sidethreads/internal/thread"
)

const maxBodyBytes = 1 << 20

var validate = newValidator()

// newValidator называет поля по json-тегам, чтобы ошибка указывала на поле запроса.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type errorResponse struct {
	Error    string `json:"error"`
	Field    string `json:"field,omitempty"`
	Step     string `json:"step,omitempty"`
	ThreadID string `json:"thread_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Errorf("writeJSON encode: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

// decodeValid читает JSON-тело и проверяет теги validate. Ошибка уже ValidationError.
func decodeValid(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	// пустое тело допустимо: обязательность полей решают теги validate
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return &thread.ValidationError{Message: "invalid body: " + err.Error()}
	}
	if err := validate.Struct(dst); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return &thread.ValidationError{
				Field:   fe.Field(),
				Message: fmt.Sprintf("failed on %q", fe.Tag()),
			}
		}
		return &thread.ValidationError{Message: err.Error()}
	}
	return nil
}

// writeServiceError переводит ошибки сервиса в HTTP-статусы.
func writeServiceError(w http.ResponseWriter, err error) {
	var ve *thread.ValidationError
	var ce *thread.CreationError
	var se *thread.StoreError
	switch {
	// тред уже записан: шаг и id важнее причины, даже если она not found
	case errors.As(err, &ce):
		logger.Errorf("thread creation incomplete: %v", err)
		writeJSON(w, http.StatusBadGateway, errorResponse{
			Error:    "thread creation incomplete",
			Step:     string(ce.Step),
			ThreadID: ce.ThreadID,
		})
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: ve.Error(), Field: ve.Field})
	case errors.Is(err, thread.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, thread.ErrForbidden):
		writeError(w, http.StatusForbidden, "not a member of the thread")
	case errors.As(err, &se):
		logger.Errorf("store: %v", err)
		writeError(w, http.StatusServiceUnavailable, "temporarily unavailable")
	default:
		logger.Errorf("handler: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
