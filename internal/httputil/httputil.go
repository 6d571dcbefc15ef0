// Package httputil holds request decoding and JSON response helpers shared
// by the HTTP handlers.
package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/omrylcn/gbot-sub000/internal/config"
	"github.com/omrylcn/gbot-sub000/internal/db"
	"github.com/omrylcn/gbot-sub000/internal/logging"
	"github.com/omrylcn/gbot-sub000/internal/scheduler"
)

// ErrBadRequest marks errors caused by the request itself
var ErrBadRequest = errors.New("bad request")

// BadRequest returns an error that Error maps to 400
func BadRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBadRequest, fmt.Sprintf(format, args...))
}

// Parse fills v from the request:
//   - path parameters via `path:"name"` (chi.URLParam)
//   - query parameters via `form:"name"`
//   - the JSON body, when there is one
//
// A malformed body is a bad request.
func Parse(r *http.Request, v any) error {
	val := reflect.ValueOf(v)
	if val.Kind() != reflect.Pointer || val.IsNil() || val.Elem().Kind() != reflect.Struct {
		return errors.New("httputil: Parse needs a pointer to a struct")
	}

	if r.Body != nil && r.ContentLength != 0 {
		ct := r.Header.Get("Content-Type")
		if ct == "" || strings.HasPrefix(ct, "application/json") {
			if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
				return BadRequest("invalid JSON body: %v", err)
			}
		}
	}

	// path and query win over the body
	val = val.Elem()
	typ := val.Type()
	for i := range val.NumField() {
		field := val.Field(i)
		if !field.CanSet() {
			continue
		}
		sf := typ.Field(i)
		if tag := sf.Tag.Get("path"); tag != "" {
			if s := chi.URLParam(r, tag); s != "" {
				if err := setField(field, s); err != nil {
					return BadRequest("path %s: %v", tag, err)
				}
			}
		}
		if tag := sf.Tag.Get("form"); tag != "" {
			if s := r.URL.Query().Get(tag); s != "" {
				if err := setField(field, s); err != nil {
					return BadRequest("query %s: %v", tag, err)
				}
			}
		}
	}
	return nil
}

func setField(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(i)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	}
	return nil
}

// PathVar returns a path variable from the request (chi.URLParam wrapper)
func PathVar(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}

// QueryInt returns a query parameter as int, clamped to [1, limit], with a
// default value
func QueryInt(r *http.Request, name string, defaultVal, limit int) int {
	i, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || i < 1 {
		return defaultVal
	}
	return min(i, limit)
}

// OkJSON writes a JSON response with 200 OK status
func OkJSON(w http.ResponseWriter, v any) {
	WriteJSON(w, http.StatusOK, v)
}

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debugf("[HTTP] encode response: %v", err)
	}
}

// NoContent writes 204
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// ErrorResponse is the standard error response format
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// StatusFor maps an error to the HTTP status it should produce
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ErrBadRequest),
		errors.Is(err, scheduler.ErrInvalidCron),
		errors.Is(err, scheduler.ErrInvalidSpec),
		errors.Is(err, config.ErrUnknownRole):
		return http.StatusBadRequest
	case errors.Is(err, db.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, db.ErrNotFound),
		errors.Is(err, scheduler.ErrJobNotFound),
		errors.Is(err, scheduler.ErrReminderNotFound):
		return http.StatusNotFound
	case errors.Is(err, db.ErrConflict), errors.Is(err, db.ErrSessionClosed):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// Error writes err with the status StatusFor picks. Unclassified errors are
// logged and answered with a generic 500.
func Error(w http.ResponseWriter, err error) {
	code := StatusFor(err)
	if code == http.StatusInternalServerError {
		logging.Errorf("[HTTP] %v", err)
		InternalError(w, "")
		return
	}
	ErrorWithCode(w, code, err.Error())
}

// ErrorWithCode writes an error response with a specific status code
func ErrorWithCode(w http.ResponseWriter, code int, message string) {
	WriteJSON(w, code, ErrorResponse{Code: code, Message: message})
}

// Unauthorized writes a 401 unauthorized response
func Unauthorized(w http.ResponseWriter, message string) {
	if message == "" {
		message = "unauthorized"
	}
	ErrorWithCode(w, http.StatusUnauthorized, message)
}

// Forbidden writes a 403 response
func Forbidden(w http.ResponseWriter, message string) {
	if message == "" {
		message = "forbidden"
	}
	ErrorWithCode(w, http.StatusForbidden, message)
}

// NotFound writes a 404 not found response
func NotFound(w http.ResponseWriter, message string) {
	if message == "" {
		message = "not found"
	}
	ErrorWithCode(w, http.StatusNotFound, message)
}

// InternalError writes a 500 internal server error response
func InternalError(w http.ResponseWriter, message string) {
	if message == "" {
		message = "internal server error"
	}
	ErrorWithCode(w, http.StatusInternalServerError, message)
}
