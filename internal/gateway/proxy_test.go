package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fableverse/gateway/internal/apierr"
	"github.com/fableverse/gateway/internal/auth"
	"github.com/fableverse/gateway/internal/config"
	"github.com/fableverse/gateway/internal/identity"
	"github.com/fableverse/gateway/internal/logger"
	"github.com/fableverse/gateway/internal/metrics"
	"github.com/fableverse/gateway/internal/routes"
)

type staticKeyValidator struct{ subject string }

func (s *staticKeyValidator) ValidateKey(ctx context.Context, rawKey string) (*identity.KeyValidation, error) {
	return &identity.KeyValidation{UserSubject: s.subject, Scopes: []string{"chat"}}, nil
}

func tableFor(t *testing.T, backendURL string) *routes.Table {
	t.Helper()
	doc := fmt.Sprintf(`
backends:
  kb: %s
routes:
  - method: GET
    path: /api/v1/kb/list
    backend: kb
    upstream_path: /rpc/list
    auth_policy: require_principal
    idempotent: true
  - method: POST
    path: /api/v1/kb/search
    backend: kb
    upstream_path: /rpc/search
    auth_policy: require_principal
    body: buffer
  - method: GET
    path: /api/v1/public/ping
    backend: kb
    upstream_path: /rpc/ping
    auth_policy: public
    idempotent: true
`, backendURL)
	table, err := routes.Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return table
}

func newTestProxy(t *testing.T, table *routes.Table) *Proxy {
	t.Helper()
	log := logger.New(logger.Config{Format: "text"})
	resolver, err := auth.NewResolver(&staticKeyValidator{subject: "user-42"}, nil, log, metrics.New(prometheus.NewRegistry()))
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	cfg := &config.Config{
		BufferedBodyCapBytes:     1024,
		GatewayTimeout:           2 * time.Second,
		ProxyMaxIdleConns:        10,
		ProxyMaxIdleConnsPerHost: 10,
		ProxyMaxConnsPerHost:     10,
		ProxyIdleConnTimeout:     30,
	}
	return New(table, resolver, cfg, log, metrics.New(prometheus.NewRegistry()))
}

func serveThrough(p *Proxy, req *http.Request) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.NoRoute(p.Handler())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestProxyRewritesHeaders(t *testing.T) {
	var got http.Header
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	p := newTestProxy(t, tableFor(t, backend.URL))
	req := httptest.NewRequest(http.MethodGet, "/api/v1/kb/list", nil)
	req.Header.Set("X-API-Key", "fk_live_abc")
	req.Header.Set("X-Principal-Subject", "spoofed")
	req.Header.Set("Accept", "application/json")

	w := serveThrough(p, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	if got.Get("Authorization") != "" || got.Get("X-API-Key") != "" {
		t.Error("credentials leaked to backend")
	}
	if got.Get("X-Principal-Subject") != "user-42" {
		t.Errorf("X-Principal-Subject = %q, want user-42", got.Get("X-Principal-Subject"))
	}
	if got.Get("X-Principal-Scopes") != "chat" {
		t.Errorf("X-Principal-Scopes = %q, want chat", got.Get("X-Principal-Scopes"))
	}
	if got.Get("X-Request-Id") == "" {
		t.Error("X-Request-Id was not injected")
	}
	if got.Get("Accept") != "application/json" {
		t.Error("benign headers must be forwarded")
	}
}

func TestProxyUnknownRoute(t *testing.T) {
	p := newTestProxy(t, tableFor(t, "http://unused.invalid"))
	req := httptest.NewRequest(http.MethodGet, "/api/v1/unknown", nil)

	w := serveThrough(p, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}

	var body apierr.Body
	json.Unmarshal(w.Body.Bytes(), &body)
	if body.Type != string(apierr.KindNotFound) {
		t.Errorf("type = %q, want not_found", body.Type)
	}
}

func TestProxyPublicRouteSkipsAuth(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	p := newTestProxy(t, tableFor(t, backend.URL))
	req := httptest.NewRequest(http.MethodGet, "/api/v1/public/ping", nil)

	if w := serveThrough(p, req); w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 without credentials", w.Code)
	}
}

func TestProxyBufferedBodyCap(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	p := newTestProxy(t, tableFor(t, backend.URL))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/kb/search", strings.NewReader(strings.Repeat("x", 2048)))
	req.Header.Set("X-API-Key", "fk_live_abc")

	w := serveThrough(p, req)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", w.Code)
	}
}

func TestProxyPassesBackendErrorsVerbatim(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"bad input"}`, http.StatusUnprocessableEntity)
	}))
	defer backend.Close()

	p := newTestProxy(t, tableFor(t, backend.URL))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/kb/search", strings.NewReader(`{}`))
	req.Header.Set("X-API-Key", "fk_live_abc")

	w := serveThrough(p, req)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422 passed through", w.Code)
	}
	if !strings.Contains(w.Body.String(), "bad input") {
		t.Errorf("backend body not passed through: %s", w.Body.String())
	}
}

func TestProxyRetriesIdempotentRoutes(t *testing.T) {
	var hits atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			// Kill the first connection mid-flight to force a transport error.
			hj, _ := w.(http.Hijacker)
			conn, _, _ := hj.Hijack()
			conn.Close()
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	p := newTestProxy(t, tableFor(t, backend.URL))
	req := httptest.NewRequest(http.MethodGet, "/api/v1/kb/list", nil)
	req.Header.Set("X-API-Key", "fk_live_abc")

	w := serveThrough(p, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 after retry", w.Code)
	}
	if hits.Load() != 2 {
		t.Errorf("backend hit %d times, want 2", hits.Load())
	}
}

func TestProxyNoRetryForNonIdempotent(t *testing.T) {
	var hits atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		hj, _ := w.(http.Hijacker)
		conn, _, _ := hj.Hijack()
		conn.Close()
	}))
	defer backend.Close()

	p := newTestProxy(t, tableFor(t, backend.URL))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/kb/search", strings.NewReader(`{}`))
	req.Header.Set("X-API-Key", "fk_live_abc")

	w := serveThrough(p, req)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
	if hits.Load() != 1 {
		t.Errorf("backend hit %d times, want 1 (no retry)", hits.Load())
	}
}
