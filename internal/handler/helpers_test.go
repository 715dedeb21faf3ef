package handler

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"toptex-proxy-go/internal/client"
	"toptex-proxy-go/internal/config"
	"toptex-proxy-go/internal/service"
	"toptex-proxy-go/internal/token"
)

const testAuthBody = `{"username":"shop","password":"secret"}`

// fakeTopTex answers /v3/authenticate with a fixed token and hands every
// other request to api.
type fakeTopTex struct {
	*httptest.Server
	authCalls atomic.Int32
	apiCalls  atomic.Int32
}

func newFakeTopTex(t *testing.T, api http.HandlerFunc) *fakeTopTex {
	t.Helper()
	f := &fakeTopTex{}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v3/authenticate" {
			f.authCalls.Add(1)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"access_token":"tok-1","expires_in":3600}`))
			return
		}
		f.apiCalls.Add(1)
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			t.Errorf("Authorization = %q, want %q", r.Header.Get("Authorization"), "Bearer tok-1")
		}
		api(w, r)
	}))
	t.Cleanup(f.Close)
	return f
}

type testStack struct {
	cfg    *config.Config
	tokens *token.Manager
	proxy  *ProxyHandler
	health *HealthHandler
}

func newTestStack(t *testing.T, baseURL, apiKey, authBody string) *testStack {
	t.Helper()
	cfg := &config.Config{
		TopTex: config.TopTexConfig{APIKey: apiKey, AuthBody: authBody},
		Upstream: config.UpstreamConfig{
			BaseURL:         baseURL,
			TimeoutSeconds:  10,
			IdleConnections: 10,
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tc := client.NewTopTexClient(cfg, logger, nil)
	tokens := token.NewManager(tc, cfg, logger, nil)
	svc, err := service.NewProxyService(tc, tokens, cfg, logger)
	if err != nil {
		t.Fatalf("NewProxyService: %v", err)
	}
	return &testStack{
		cfg:    cfg,
		tokens: tokens,
		proxy:  NewProxyHandler(svc, logger),
		health: NewHealthHandler(cfg, tokens, "test"),
	}
}
