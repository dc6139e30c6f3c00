// Package gateway implements the reverse proxy core: route table lookup, auth
// policy enforcement, header rewriting, and forwarding to logical backends
// over pooled connections.
package gateway

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fableverse/gateway/internal/apierr"
	"github.com/fableverse/gateway/internal/auth"
	"github.com/fableverse/gateway/internal/config"
	"github.com/fableverse/gateway/internal/logger"
	"github.com/fableverse/gateway/internal/metrics"
	"github.com/fableverse/gateway/internal/routes"
)

const (
	// maxRetries bounds transport-error retries for idempotent routes.
	maxRetries = 2

	// retryJitterCeiling caps the random backoff between attempts.
	retryJitterCeiling = 100 * time.Millisecond
)

// hopHeaders are never forwarded in either direction.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// strippedInbound are inbound headers the proxy always removes: credentials
// and the internal headers downstream services trust for tenancy.
var strippedInbound = []string{
	"Authorization",
	auth.HeaderAPIKey,
	"X-Request-Id",
	"X-Principal-Subject",
	"X-Principal-Scopes",
}

// Proxy forwards table-matched requests to their backends.
type Proxy struct {
	table          *routes.Table
	resolver       *auth.Resolver
	client         *http.Client
	bodyCap        int64
	defaultTimeout time.Duration
	logger         *logger.Logger
	metrics        *metrics.Metrics
}

// New creates the proxy with a pooled keep-alive transport shared across
// backends.
func New(table *routes.Table, resolver *auth.Resolver, cfg *config.Config, log *logger.Logger, m *metrics.Metrics) *Proxy {
	transport := &http.Transport{
		MaxIdleConns:        cfg.ProxyMaxIdleConns,
		MaxIdleConnsPerHost: cfg.ProxyMaxIdleConnsPerHost,
		MaxConnsPerHost:     cfg.ProxyMaxConnsPerHost,
		IdleConnTimeout:     time.Duration(cfg.ProxyIdleConnTimeout) * time.Second,
		ForceAttemptHTTP2:   true,
	}

	return &Proxy{
		table:    table,
		resolver: resolver,
		// Deadlines come from per-route contexts, not a blanket client timeout.
		client:         &http.Client{Transport: transport},
		bodyCap:        cfg.BufferedBodyCapBytes,
		defaultTimeout: cfg.GatewayTimeout,
		logger:         log.WithComponent("proxy"),
		metrics:        m,
	}
}

// Handler resolves the route table for every request that no native handler
// claimed, enforces the route's auth policy, and forwards.
func (p *Proxy) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		match, err := p.table.Lookup(c.Request.Method, c.Request.URL.Path)
		if err != nil {
			status, body := apierr.BodyOf(err)
			c.JSON(status, body)
			return
		}

		principal, err := p.authorise(c.Request, match.Entry)
		if err != nil {
			status, body := apierr.BodyOf(err)
			c.JSON(status, body)
			return
		}

		p.forward(c, match, principal)
	}
}

// authorise enforces the route's auth policy and returns the principal for
// non-public routes.
func (p *Proxy) authorise(req *http.Request, entry *routes.Entry) (*auth.Principal, error) {
	if entry.AuthPolicy == routes.AuthPublic {
		return nil, nil
	}

	principal, err := p.resolver.Resolve(req)
	if err != nil {
		return nil, err
	}

	if entry.AuthPolicy == routes.AuthRequireScope && !principal.HasScope(entry.RequiredScope) {
		return nil, apierr.New(apierr.KindInsufficientScope, "missing required scope: "+entry.RequiredScope)
	}
	return principal, nil
}

func (p *Proxy) forward(c *gin.Context, match *routes.Match, principal *auth.Principal) {
	entry := match.Entry
	log := p.logger.WithContext(c.Request.Context())

	backendURL, ok := p.table.BackendURL(entry.Backend)
	if !ok {
		status, body := apierr.BodyOf(apierr.New(apierr.KindInternal, "route references unconfigured backend"))
		c.JSON(status, body)
		return
	}

	body, err := p.readBody(c.Request, entry)
	if err != nil {
		status, respBody := apierr.BodyOf(err)
		c.JSON(status, respBody)
		return
	}

	timeout := p.defaultTimeout
	if entry.TimeoutSeconds > 0 {
		timeout = time.Duration(entry.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
	defer cancel()

	start := time.Now()
	resp, err := p.dispatch(ctx, c, match, backendURL, principal, body)
	p.metrics.UpstreamDuration.WithLabelValues(entry.Backend).Observe(time.Since(start).Seconds())

	if err != nil {
		if errors.Is(c.Request.Context().Err(), context.Canceled) {
			// Client went away; nothing left to answer.
			c.Abort()
			return
		}
		p.metrics.UpstreamErrors.WithLabelValues(entry.Backend, string(apierr.KindOf(err))).Inc()
		log.LogError(c.Request.Context(), err, "upstream request failed",
			slog.String("backend", entry.Backend))
		status, respBody := apierr.BodyOf(err)
		c.JSON(status, respBody)
		return
	}
	defer resp.Body.Close()

	p.writeResponse(c, resp)
}

// readBody prepares the outbound body according to the route's body mode.
// A nil first return with nil error means the body is forwarded as a stream.
func (p *Proxy) readBody(req *http.Request, entry *routes.Entry) ([]byte, error) {
	switch entry.BodyMode {
	case routes.BodyNone:
		return nil, nil
	case routes.BodyStream:
		return nil, nil
	case routes.BodyBuffer:
		data, err := io.ReadAll(io.LimitReader(req.Body, p.bodyCap+1))
		if err != nil {
			return nil, apierr.Wrap(apierr.KindInternal, "reading request body", err)
		}
		if int64(len(data)) > p.bodyCap {
			return nil, apierr.New(apierr.KindPayloadTooLarge,
				"request body exceeds "+strconv.FormatInt(p.bodyCap, 10)+" bytes")
		}
		return data, nil
	default:
		return nil, apierr.New(apierr.KindInternal, "unknown body mode")
	}
}

// dispatch sends the upstream request, retrying transport errors with bounded
// jitter for idempotent routes with replayable bodies.
func (p *Proxy) dispatch(ctx context.Context, c *gin.Context, match *routes.Match, backendURL string, principal *auth.Principal, body []byte) (*http.Response, error) {
	entry := match.Entry

	// Streaming bodies cannot be replayed, so they never retry.
	replayable := entry.BodyMode != routes.BodyStream
	attempts := 1
	if entry.Idempotent && replayable {
		attempts = 1 + maxRetries
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			p.metrics.ProxyRetries.WithLabelValues(entry.Backend).Inc()
			select {
			case <-time.After(time.Duration(rand.Int63n(int64(retryJitterCeiling)))):
			case <-ctx.Done():
				return nil, timeoutKind(ctx.Err())
			}
		}

		req, err := p.buildUpstreamRequest(ctx, c, match, backendURL, principal, body)
		if err != nil {
			return nil, err
		}

		resp, err := p.client.Do(req)
		if err == nil {
			// Any HTTP response, 4xx and 5xx included, is returned verbatim.
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, timeoutKind(ctx.Err())
		}
		lastErr = err
	}

	return nil, apierr.Wrap(apierr.KindBadGateway, "upstream transport failure", lastErr)
}

func timeoutKind(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apierr.Wrap(apierr.KindGatewayTimeout, "upstream timed out", err)
	}
	return apierr.Wrap(apierr.KindBadGateway, "request cancelled", err)
}

func (p *Proxy) buildUpstreamRequest(ctx context.Context, c *gin.Context, match *routes.Match, backendURL string, principal *auth.Principal, body []byte) (*http.Request, error) {
	entry := match.Entry

	target := strings.TrimRight(backendURL, "/") + match.UpstreamPath()
	if raw := c.Request.URL.RawQuery; raw != "" {
		target += "?" + raw
	}

	var reader io.Reader
	switch {
	case entry.BodyMode == routes.BodyStream:
		reader = c.Request.Body
	case body != nil:
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, entry.Method, target, reader)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "building upstream request", err)
	}

	copyHeaders(req.Header, c.Request.Header)
	for _, h := range strippedInbound {
		req.Header.Del(h)
	}
	for _, h := range hopHeaders {
		req.Header.Del(h)
	}

	requestID := logger.RequestIDFrom(c.Request.Context())
	if requestID == "" {
		requestID = logger.GenerateRequestID()
	}
	req.Header.Set("X-Request-Id", requestID)
	if principal != nil {
		req.Header.Set("X-Principal-Subject", principal.SubjectID)
		if scopes := principal.ScopesHeader(); scopes != "" {
			req.Header.Set("X-Principal-Scopes", scopes)
		}
	}

	return req, nil
}

// writeResponse relays the upstream response to the client, flushing as bytes
// arrive so streamed upstream responses are not buffered.
func (p *Proxy) writeResponse(c *gin.Context, resp *http.Response) {
	header := c.Writer.Header()
	copyHeaders(header, resp.Header)
	for _, h := range hopHeaders {
		header.Del(h)
	}
	c.Writer.WriteHeader(resp.StatusCode)

	flusher, canFlush := c.Writer.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := c.Writer.Write(buf[:n]); werr != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

func copyHeaders(dst, src http.Header) {
	for k, values := range src {
		for _, v := range values {
			dst.Add(k, v)
		}
	}
}
