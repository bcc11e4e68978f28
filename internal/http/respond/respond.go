// Package respond writes JSON responses and maps apperror kinds to HTTP.
package respond

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/example/dispatchcore/internal/apperror"
)

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
	State string `json:"state,omitempty"`
}

func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Error writes err with the status its kind maps to. Rate-limited errors carry
// Retry-After; consistency errors report the current state.
func Error(w http.ResponseWriter, err error) {
	body := errorBody{Error: err.Error(), Kind: apperror.KindOf(err).String()}
	var e *apperror.Error
	if errors.As(err, &e) {
		body.State = e.State
	}
	if wait, ok := apperror.RetryAfter(err, time.Now()); ok {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
	}
	JSON(w, apperror.HTTPStatus(err), body)
}

// Decode reads a JSON body into v, reporting malformed input as a
// validation error.
func Decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperror.Validation("decode", "malformed request body: "+err.Error())
	}
	return nil
}
