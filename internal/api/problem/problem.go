// Package problem renders RFC 7807 problem documents.
package problem

import (
	"encoding/json"
	"net/http"
	"strings"
)

const (
	contentType = "application/problem+json"
	baseTypeURL = "https://errors.bounty-escrow.dev/"
	traceHeader = "X-Trace-ID"
)

// Details is the problem body. Code is the machine-readable domain error
// code and is omitted for transport-level problems.
type Details struct {
	Type      string `json:"type"`
	Title     string `json:"title"`
	Status    int    `json:"status"`
	Detail    string `json:"detail"`
	Code      string `json:"code,omitempty"`
	Instance  string `json:"instance"`
	RequestID string `json:"request_id"`
}

// Type expands a slug such as "auth/invalid-token" into a type URI.
func Type(slug string) string {
	return baseTypeURL + slug
}

// Slug builds the type slug for a domain error: "<kind>" or "<kind>/<code>",
// dash-separated. A code equal to its kind is not repeated.
func Slug(kind, code string) string {
	slug := kind
	if code != "" && code != kind {
		slug += "/" + code
	}
	return strings.ReplaceAll(slug, "_", "-")
}

// Write sends a transport-level problem.
func Write(w http.ResponseWriter, r *http.Request, status int, problemType, title, detail string) {
	write(w, r, Details{Type: problemType, Title: title, Status: status, Detail: detail})
}

// WriteDomain sends a problem for a service error of the given kind and code.
func WriteDomain(w http.ResponseWriter, r *http.Request, status int, kind, code, detail string) {
	write(w, r, Details{
		Type:   Type(Slug(kind, code)),
		Status: status,
		Detail: detail,
		Code:   code,
	})
}

func write(w http.ResponseWriter, r *http.Request, d Details) {
	if d.Title == "" {
		d.Title = http.StatusText(d.Status)
	}
	if d.Type == "" {
		d.Type = "about:blank"
	}
	if r != nil {
		d.Instance = r.URL.Path
		d.RequestID = r.Header.Get(traceHeader)
	}
	if d.RequestID == "" {
		d.RequestID = w.Header().Get(traceHeader)
	}

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(d.Status)
	_ = json.NewEncoder(w).Encode(d)
}
