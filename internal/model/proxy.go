// Package model defines shared types for the proxy.
package model

import (
	"encoding/json"
	"io"
	"net/http"
	"time"
)

// Credential is a bearer token issued by the upstream authentication endpoint.
// It is replaced as a whole on renewal and never mutated in place.
type Credential struct {
	Token     string
	ExpiresAt time.Time
}

// ValidAt reports whether the credential is still usable at now, keeping at
// least margin of remaining lifetime.
func (c *Credential) ValidAt(now time.Time, margin time.Duration) bool {
	if c == nil || c.Token == "" {
		return false
	}
	return now.Before(c.ExpiresAt.Add(-margin))
}

// ForwardRequest is the body accepted by the generic forward endpoint.
type ForwardRequest struct {
	Method string          `json:"method"`
	Path   string          `json:"path"`
	Query  map[string]any  `json:"query"`
	Body   json.RawMessage `json:"body"`
}

// ForwardEnvelope is the normalized result of a generic forwarded call.
// JSON is set only when the upstream declared a JSON content type and the
// body parsed cleanly.
type ForwardEnvelope struct {
	OK          bool            `json:"ok"`
	Status      int             `json:"status"`
	StatusText  string          `json:"statusText"`
	ContentType string          `json:"contentType"`
	Body        string          `json:"body"`
	JSON        json.RawMessage `json:"json,omitempty"`
}

// ProxyResponse represents an upstream response to be streamed back.
type ProxyResponse struct {
	StatusCode int
	Status     string
	Header     http.Header
	Body       io.ReadCloser
}

// OK reports whether the upstream answered with a 2xx status.
func (r *ProxyResponse) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode <= 299
}
