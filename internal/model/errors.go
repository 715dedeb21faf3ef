package model

import (
	"fmt"
	"strings"
)

// ConfigurationError reports a missing or malformed required setting.
type ConfigurationError struct {
	Name   string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Reason == "" {
		return "missing configuration: " + e.Name
	}
	return fmt.Sprintf("invalid configuration %s: %s", e.Name, e.Reason)
}

// UpstreamAuthError reports a non-2xx answer from the authentication endpoint.
type UpstreamAuthError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamAuthError) Error() string {
	return fmt.Sprintf("auth failed (%d): %s", e.StatusCode, e.Body)
}

// TokenMissingError reports a successful authentication response that carried
// none of the accepted token fields.
type TokenMissingError struct {
	Keys []string
}

func (e *TokenMissingError) Error() string {
	return "auth response missing token; keys: " + strings.Join(e.Keys, ", ")
}

// InvalidPathError reports a caller-supplied path that breaks the prefix or
// suffix contract of an endpoint.
type InvalidPathError struct {
	Path    string
	Message string
}

func (e *InvalidPathError) Error() string {
	return e.Message
}

// InvalidMethodError reports an HTTP method outside the forwardable set.
type InvalidMethodError struct {
	Method string
}

func (e *InvalidMethodError) Error() string {
	return fmt.Sprintf("unsupported method %q", e.Method)
}

// UpstreamTransportError reports a network-level failure talking to upstream.
type UpstreamTransportError struct {
	Op  string
	Err error
}

func (e *UpstreamTransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *UpstreamTransportError) Unwrap() error {
	return e.Err
}
