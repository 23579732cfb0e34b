package api

import (
	"encoding/json"
	"net/http"
)

type httpError struct {
	cause  error
	status int
}

func (e *httpError) Error() string {
	return e.cause.Error()
}

func (e *httpError) Unwrap() error {
	return e.cause
}

func badRequest(cause error) error {
	return &httpError{cause: cause, status: http.StatusBadRequest}
}

func notFound(cause error) error {
	return &httpError{cause: cause, status: http.StatusNotFound}
}

// handlerFunc is an http.HandlerFunc that reports failures as errors.
// An *httpError carries its own status, anything else is a 500.
type handlerFunc func(http.ResponseWriter, *http.Request) error

func wrap(f handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := f(w, r)
		if err == nil {
			return
		}
		if he, ok := err.(*httpError); ok {
			http.Error(w, he.Error(), he.status)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}
