// Package service implements the core proxy forwarding logic.
package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"toptex-proxy-go/internal/client"
	"toptex-proxy-go/internal/config"
	"toptex-proxy-go/internal/model"
)

const (
	// APIPrefix is the path prefix every forwarded call must carry.
	APIPrefix = "/v3/"
	// BinarySuffix marks document endpoints served by ForwardBinary.
	BinarySuffix = "/pdf"

	userAgent = "toptex-proxy-go/1.0"
)

// forwardableMethods are the methods the generic forwarder relays.
var forwardableMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
	http.MethodHead:   true,
}

// forwardableBinaryHeaders are the only upstream headers passed through on
// document downloads.
var forwardableBinaryHeaders = map[string]bool{
	"Content-Type":        true,
	"Content-Disposition": true,
	"Content-Length":      true,
}

// TokenSource supplies the bearer token for upstream calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// ProxyService validates forward requests and relays them upstream.
type ProxyService struct {
	client  *client.TopTexClient
	tokens  TokenSource
	apiKey  string
	logger  *slog.Logger
	baseURL *url.URL
}

// NewProxyService creates a ProxyService.
func NewProxyService(c *client.TopTexClient, tokens TokenSource, cfg *config.Config, logger *slog.Logger) (*ProxyService, error) {
	u, err := url.Parse(strings.TrimRight(cfg.Upstream.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}

	return &ProxyService{
		client:  c,
		tokens:  tokens,
		apiKey:  cfg.TopTex.APIKey,
		logger:  logger.With("component", "proxy_service"),
		baseURL: u,
	}, nil
}

// Forward relays a structured-data call and normalizes the upstream answer
// into an envelope. A non-2xx upstream status is returned as data, not as an
// error; errors mean the proxy itself could not complete the call.
func (s *ProxyService) Forward(ctx context.Context, fr *model.ForwardRequest) (*model.ForwardEnvelope, error) {
	method := strings.ToUpper(strings.TrimSpace(fr.Method))
	if method == "" {
		method = http.MethodGet
	}
	if !forwardableMethods[method] {
		return nil, &model.InvalidMethodError{Method: method}
	}
	if !strings.HasPrefix(fr.Path, APIPrefix) {
		return nil, &model.InvalidPathError{
			Path:    fr.Path,
			Message: "path must start with " + APIPrefix + " (e.g. /v3/invoices)",
		}
	}
	if strings.HasSuffix(fr.Path, BinarySuffix) {
		return nil, &model.InvalidPathError{
			Path:    fr.Path,
			Message: "use /api/pdf for PDF endpoints",
		}
	}

	upstreamURL, err := s.buildUpstreamURL(fr.Path, buildQuery(fr.Query))
	if err != nil {
		return nil, err
	}

	tok, err := s.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	header := s.upstreamHeader(tok, "application/json")

	var body io.Reader
	if method != http.MethodGet && method != http.MethodHead {
		if payload, ok := requestBody(fr.Body); ok {
			header.Set("Content-Type", "application/json")
			body = bytes.NewReader(payload)
		}
	}

	s.logger.Debug("forwarding request",
		"method", method,
		"path", fr.Path,
	)

	resp, err := s.client.DoStream(ctx, method, upstreamURL, header, body)
	if err != nil {
		return nil, &model.UpstreamTransportError{Op: "forward", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &model.UpstreamTransportError{Op: "forward: read body", Err: err}
	}

	s.logger.Debug("upstream answered",
		"method", method,
		"path", fr.Path,
		"status", resp.StatusCode,
	)

	return newEnvelope(resp, raw), nil
}

// ForwardBinary fetches a document from upstream. The caller streams the
// returned body and must close it. Any upstream status is returned as is.
func (s *ProxyService) ForwardBinary(ctx context.Context, path string) (*model.ProxyResponse, error) {
	if !strings.HasPrefix(path, APIPrefix) || !strings.HasSuffix(path, BinarySuffix) {
		return nil, &model.InvalidPathError{
			Path:    path,
			Message: "usage: /api/pdf?path=/v3/invoices/{id}/pdf",
		}
	}

	upstreamURL, err := s.buildUpstreamURL(path, nil)
	if err != nil {
		return nil, err
	}

	tok, err := s.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("forwarding document request", "path", path)

	resp, err := s.client.DoStream(ctx, http.MethodGet, upstreamURL, s.upstreamHeader(tok, "application/pdf"), nil)
	if err != nil {
		return nil, &model.UpstreamTransportError{Op: "forward document", Err: err}
	}

	if resp.OK() {
		resp.Header = filterBinaryHeaders(resp.Header)
	}
	return resp, nil
}

func (s *ProxyService) upstreamHeader(tok, accept string) http.Header {
	header := make(http.Header)
	header.Set("Accept", accept)
	header.Set("Authorization", "Bearer "+tok)
	header.Set("X-Api-Key", s.apiKey)
	header.Set("User-Agent", userAgent)
	return header
}

// buildUpstreamURL appends the caller's path to the base URL as written:
// percent-escapes already present are kept and only characters that are
// illegal in a path get escaped. A query string inside path is merged with
// query; keys in query take precedence.
func (s *ProxyService) buildUpstreamURL(path string, query url.Values) (string, error) {
	p, err := url.Parse(path)
	if err != nil {
		return "", &model.InvalidPathError{Path: path, Message: fmt.Sprintf("invalid path %q", path)}
	}

	q := make(url.Values, len(query))
	for k, vs := range p.Query() {
		q[k] = vs
	}
	for k, vs := range query {
		q[k] = vs
	}

	u := *s.baseURL
	u.Path = s.baseURL.Path + p.Path
	u.RawPath = s.baseURL.EscapedPath() + p.EscapedPath()
	u.RawQuery = q.Encode()
	u.Fragment = ""
	return u.String(), nil
}

// buildQuery flattens the caller's query map. Keys whose value is empty or
// null are dropped so unset optional filters are not sent upstream.
func buildQuery(query map[string]any) url.Values {
	q := make(url.Values, len(query))
	for k, v := range query {
		s, ok := queryValue(v)
		if !ok {
			continue
		}
		q.Set(k, s)
	}
	return q
}

func queryValue(v any) (string, bool) {
	switch val := v.(type) {
	case nil:
		return "", false
	case string:
		return val, val != ""
	case bool:
		return strconv.FormatBool(val), true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case json.Number:
		return val.String(), true
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return "", false
		}
		return string(b), true
	}
}

// requestBody returns the bytes to send for a caller-supplied body. A JSON
// string is sent as its raw content; any other value is sent as JSON text.
func requestBody(raw json.RawMessage) ([]byte, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, false
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return []byte(s), true
		}
	}
	return trimmed, true
}

func newEnvelope(resp *model.ProxyResponse, raw []byte) *model.ForwardEnvelope {
	ct := resp.Header.Get("Content-Type")
	env := &model.ForwardEnvelope{
		OK:          resp.OK(),
		Status:      resp.StatusCode,
		StatusText:  statusText(resp),
		ContentType: ct,
		Body:        string(raw),
	}
	if isJSONContentType(ct) && json.Valid(raw) {
		env.JSON = json.RawMessage(raw)
	}
	return env
}

// statusText returns the reason phrase sent by upstream, falling back to the
// standard text for the code.
func statusText(resp *model.ProxyResponse) string {
	if text, ok := strings.CutPrefix(resp.Status, strconv.Itoa(resp.StatusCode)+" "); ok && text != "" {
		return text
	}
	return http.StatusText(resp.StatusCode)
}

func isJSONContentType(ct string) bool {
	ct = strings.ToLower(ct)
	if strings.Contains(ct, "application/json") {
		return true
	}
	mediaType, _, _ := strings.Cut(ct, ";")
	return strings.HasSuffix(strings.TrimSpace(mediaType), "+json")
}

func filterBinaryHeaders(src http.Header) http.Header {
	dst := make(http.Header)
	for key, vals := range src {
		if forwardableBinaryHeaders[http.CanonicalHeaderKey(key)] {
			dst[key] = vals
		}
	}
	return dst
}
