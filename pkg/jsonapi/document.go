// Package jsonapi writes JSON:API style documents: a data member for
// results and an errors array for failures.
package jsonapi

import (
	"encoding/json"
	"net/http"
)

// ContentType is the JSON:API media type.
const ContentType = "application/vnd.api+json"

// Meta is free-form top-level or per-error metadata.
type Meta map[string]any

// Document is a top-level response body. Exactly one of Data or Errors is
// set by the writers in this package.
type Document struct {
	Data   any     `json:"data,omitempty"`
	Errors []Error `json:"errors,omitempty"`
	Meta   Meta    `json:"meta,omitempty"`
}

func write(w http.ResponseWriter, status int, doc Document) {
	w.Header().Set("Content-Type", ContentType)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(doc)
}

// WriteData writes data as the primary data of a document.
func WriteData(w http.ResponseWriter, status int, data any) {
	write(w, status, Document{Data: data})
}

// WriteDataMeta writes data with top-level metadata, typically a total
// for list responses.
func WriteDataMeta(w http.ResponseWriter, status int, data any, meta Meta) {
	write(w, status, Document{Data: data, Meta: meta})
}

// WriteAccepted writes a 202 for work that was queued, not yet applied.
func WriteAccepted(w http.ResponseWriter, data any) {
	write(w, http.StatusAccepted, Document{Data: data})
}

// WriteError writes one or more errors. The HTTP status comes from the
// first error; an empty call writes a generic 500.
func WriteError(w http.ResponseWriter, errs ...Error) {
	if len(errs) == 0 {
		errs = []Error{ErrInternal("")}
	}
	status := errs[0].StatusCode()
	if status == 0 {
		status = http.StatusInternalServerError
	}
	write(w, status, Document{Errors: errs})
}
