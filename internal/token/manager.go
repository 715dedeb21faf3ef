// Package token owns the TopTex bearer credential: it caches the token issued
// by /v3/authenticate and renews it when it is absent or about to expire.
package token

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"

	"toptex-proxy-go/internal/client"
	"toptex-proxy-go/internal/config"
	"toptex-proxy-go/internal/metrics"
	"toptex-proxy-go/internal/model"
)

const (
	authPath = "/v3/authenticate"

	// renewMargin is the minimum remaining lifetime a cached token needs to be
	// handed out. It is applied on read only; stored expiries carry no margin.
	renewMargin = 60 * time.Second

	defaultLifetime = 3600 * time.Second
	maxLifetime     = 365 * 24 * time.Hour
)

// tokenFields are the response fields that may carry the token, in priority order.
var tokenFields = []string{"access_token", "token", "id_token"}

// Manager hands out a currently valid bearer token.
//
// Concurrent callers that find no usable credential share a single renewal
// exchange. The credential pointer is swapped as a whole under mu, so readers
// never observe a token paired with another token's expiry.
type Manager struct {
	client   *client.TopTexClient
	apiKey   string
	authBody string
	authURL  string
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu     sync.RWMutex
	cred   *model.Credential
	flight singleflight.Group
}

// State describes the cached credential without exposing the token.
type State struct {
	Cached    bool
	ExpiresAt time.Time
}

// NewManager creates a Manager. Missing credentials are not an error here;
// they are reported by the first call to Token.
// The metrics parameter is optional; pass nil to disable recording.
func NewManager(c *client.TopTexClient, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Manager {
	return &Manager{
		client:   c,
		apiKey:   cfg.TopTex.APIKey,
		authBody: cfg.TopTex.AuthBody,
		authURL:  strings.TrimRight(cfg.Upstream.BaseURL, "/") + authPath,
		logger:   logger.With("component", "token_manager"),
		metrics:  m,
		now:      time.Now,
	}
}

// Token returns a bearer token valid for at least another minute, running an
// authentication exchange first when needed.
func (m *Manager) Token(ctx context.Context) (string, error) {
	if m.apiKey == "" {
		return "", &model.ConfigurationError{Name: "TOPTEX_API_KEY"}
	}
	if m.authBody == "" {
		return "", &model.ConfigurationError{Name: "TOPTEX_AUTH_BODY"}
	}

	if tok, ok := m.cached(); ok {
		if m.metrics != nil {
			m.metrics.TokenCacheHits.Inc()
		}
		return tok, nil
	}

	ch := m.flight.DoChan("renew", func() (any, error) {
		// A flight that finished between our cache check and Do already stored a token.
		if tok, ok := m.cached(); ok {
			return tok, nil
		}

		// One caller's disconnect must not fail the renewal for everyone
		// waiting on it; the client timeout still bounds the call.
		cred, err := m.renew(context.WithoutCancel(ctx))
		if err != nil {
			m.record("failure")
			m.logger.Warn("token renewal failed", "err", err)
			return nil, err
		}

		m.mu.Lock()
		m.cred = cred
		m.mu.Unlock()

		m.record("success")
		m.logger.Info("token renewed", "expires_at", cred.ExpiresAt.UTC().Format(time.RFC3339))
		return cred.Token, nil
	})

	// A caller that goes away stops waiting; the flight keeps running for
	// the others and still fills the cache.
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// Snapshot reports whether a credential is cached and when it expires.
func (m *Manager) Snapshot() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cred == nil {
		return State{}
	}
	return State{Cached: true, ExpiresAt: m.cred.ExpiresAt}
}

func (m *Manager) cached() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cred.ValidAt(m.now(), renewMargin) {
		return m.cred.Token, true
	}
	return "", false
}

func (m *Manager) record(result string) {
	if m.metrics != nil {
		m.metrics.TokenRenewals.WithLabelValues(result).Inc()
	}
}

// renew performs one authentication exchange. It does not touch the cache.
func (m *Manager) renew(ctx context.Context) (*model.Credential, error) {
	var payload bytes.Buffer
	if err := json.Compact(&payload, []byte(m.authBody)); err != nil {
		return nil, &model.ConfigurationError{Name: "TOPTEX_AUTH_BODY", Reason: "must be valid JSON"}
	}

	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	header.Set("Accept", "application/json")
	header.Set("X-Api-Key", m.apiKey)

	resp, err := m.client.DoStream(ctx, http.MethodPost, m.authURL, header, &payload)
	if err != nil {
		return nil, &model.UpstreamTransportError{Op: "authenticate", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &model.UpstreamTransportError{Op: "authenticate: read body", Err: err}
	}

	if !resp.OK() {
		return nil, &model.UpstreamAuthError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	tok, lifetime, err := parseAuthResponse(raw)
	if err != nil {
		return nil, err
	}

	return &model.Credential{Token: tok, ExpiresAt: m.now().Add(lifetime)}, nil
}

// parseAuthResponse extracts the token and its lifetime from an
// authentication response body.
func parseAuthResponse(raw []byte) (string, time.Duration, error) {
	if !gjson.ValidBytes(raw) {
		return "", 0, &model.TokenMissingError{}
	}
	doc := gjson.ParseBytes(raw)

	var tok string
	for _, field := range tokenFields {
		if v := doc.Get(field); v.Type == gjson.String && v.Str != "" {
			tok = v.Str
			break
		}
	}
	if tok == "" {
		return "", 0, &model.TokenMissingError{Keys: objectKeys(doc)}
	}

	return tok, lifetime(doc.Get("expires_in")), nil
}

// lifetime reads expires_in as seconds, accepting numbers and numeric strings.
func lifetime(v gjson.Result) time.Duration {
	var secs float64
	switch v.Type {
	case gjson.Number:
		secs = v.Num
	case gjson.String:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v.Str), 64); err == nil {
			secs = f
		}
	}
	if secs <= 0 || math.IsNaN(secs) || math.IsInf(secs, 0) {
		return defaultLifetime
	}
	if secs > maxLifetime.Seconds() {
		return maxLifetime
	}
	return time.Duration(secs * float64(time.Second))
}

func objectKeys(doc gjson.Result) []string {
	var keys []string
	if !doc.IsObject() {
		return keys
	}
	doc.ForEach(func(key, _ gjson.Result) bool {
		keys = append(keys, key.String())
		return true
	})
	return keys
}
