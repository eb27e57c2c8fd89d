package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/artpar/meterd/app"
	"github.com/artpar/meterd/domain/ratelimit"
	"github.com/artpar/meterd/pkg/jsonapi"
	"github.com/artpar/meterd/ports"
)

// ErrorFor maps an engine error to its JSON:API error. Every handler,
// including the admin API, goes through this mapping.
func ErrorFor(err error) jsonapi.Error {
	var invalid *app.InvalidInputError
	switch {
	case errors.As(err, &invalid):
		return jsonapi.ErrInvalidField(invalid.Field, invalid.Reason)
	case errors.Is(err, app.ErrInvalidInput):
		return jsonapi.ErrBadRequest(err.Error())
	case errors.Is(err, app.ErrDuplicateEvent):
		return jsonapi.ErrDuplicateEvent(err.Error())
	case errors.Is(err, app.ErrBackpressure):
		return jsonapi.ErrServiceUnavailable("backpressure", "Ingestion queue is full, retry later")
	case errors.Is(err, app.ErrLimitLookup):
		return jsonapi.ErrServiceUnavailable("limit_lookup_failed", err.Error())
	case errors.Is(err, ports.ErrNotFound):
		return jsonapi.ErrNotFound(err.Error())
	case errors.Is(err, ports.ErrConflict):
		return jsonapi.ErrConflict(err.Error())
	default:
		return jsonapi.ErrInternal("")
	}
}

// WriteError writes err as a JSON:API error document.
func WriteError(w http.ResponseWriter, err error) {
	jsonapi.WriteError(w, ErrorFor(err))
}

// writeCheck writes the outcome of an admission check: 200 when
// admitted, 429 with Retry-After when denied. The body is the status
// either way.
func writeCheck(w http.ResponseWriter, status ratelimit.Status) {
	if status.Admitted {
		jsonapi.WriteData(w, http.StatusOK, status)
		return
	}
	if status.RetrySecs > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(status.RetrySecs, 10))
	}
	jsonapi.WriteData(w, http.StatusTooManyRequests, status)
}
