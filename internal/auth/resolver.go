package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/maypok86/otter/v2"

	"github.com/fableverse/gateway/internal/apierr"
	"github.com/fableverse/gateway/internal/identity"
	"github.com/fableverse/gateway/internal/logger"
	"github.com/fableverse/gateway/internal/metrics"
)

const (
	// HeaderAPIKey carries the long-lived opaque credential.
	HeaderAPIKey = "X-API-Key"

	// maxValidationTTL bounds how long a validation result may be reused.
	// Revocation is best-effort within this window; expiry is authoritative.
	maxValidationTTL = 5 * time.Minute

	// cacheMaxEntries bounds the in-process validation cache.
	cacheMaxEntries = 10_000
)

// KeyValidator validates opaque API keys against the identity service.
type KeyValidator interface {
	ValidateKey(ctx context.Context, rawKey string) (*identity.KeyValidation, error)
}

// TokenVerifier verifies bearer tokens.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*Principal, error)
}

// cacheEntry wraps a memoised principal with its own deadline, since entries
// backed by expiring credentials must not outlive them.
type cacheEntry struct {
	principal *Principal
	expiresAt time.Time
}

// Resolver normalises both credential shapes into a Principal. Validation
// results are memoised in a bounded in-memory cache keyed by the raw
// credential; the cache is strictly per process.
type Resolver struct {
	keys    KeyValidator
	tokens  TokenVerifier
	cache   *otter.Cache[string, cacheEntry]
	logger  *logger.Logger
	metrics *metrics.Metrics
}

// NewResolver creates a Resolver with a bounded validation cache.
func NewResolver(keys KeyValidator, tokens TokenVerifier, log *logger.Logger, m *metrics.Metrics) (*Resolver, error) {
	cache, err := otter.New[string, cacheEntry](&otter.Options[string, cacheEntry]{
		MaximumSize:      cacheMaxEntries,
		ExpiryCalculator: otter.ExpiryWriting[string, cacheEntry](maxValidationTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("creating validation cache: %w", err)
	}

	return &Resolver{
		keys:    keys,
		tokens:  tokens,
		cache:   cache,
		logger:  log.WithComponent("credential-resolver"),
		metrics: m,
	}, nil
}

// Resolve translates the request's credentials into a Principal.
//
// When both an opaque key and a bearer token are present, the bearer token
// wins and the key is ignored; the chosen kind is recorded on the Principal
// and logged for audit.
func (r *Resolver) Resolve(req *http.Request) (*Principal, error) {
	bearer, bearerErr := bearerFrom(req)
	apiKey := strings.TrimSpace(req.Header.Get(HeaderAPIKey))

	switch {
	case bearer != "":
		if apiKey != "" {
			r.logger.Debug("both credentials present, bearer token chosen",
				slog.String("ignored", string(CredentialOpaqueKey)))
		}
		return r.resolveBearer(req.Context(), bearer)
	case bearerErr != nil:
		return nil, bearerErr
	case apiKey != "":
		return r.resolveKey(req.Context(), apiKey)
	default:
		return nil, apierr.New(apierr.KindMissingCredential, "no credentials provided")
	}
}

func (r *Resolver) resolveBearer(ctx context.Context, token string) (*Principal, error) {
	if p, ok := r.cached("bearer:" + token); ok {
		return p, nil
	}

	p, err := r.tokens.Verify(ctx, token)
	if err != nil {
		return nil, err
	}

	r.store("bearer:"+token, p)
	return p, nil
}

func (r *Resolver) resolveKey(ctx context.Context, rawKey string) (*Principal, error) {
	if p, ok := r.cached("key:" + rawKey); ok {
		return p, nil
	}

	v, err := r.keys.ValidateKey(ctx, rawKey)
	if err != nil {
		return nil, err
	}

	// Tenancy comes from the user subject the key belongs to. The key's own
	// identifier must never leak into SubjectID.
	p := &Principal{
		SubjectID:      v.UserSubject,
		CredentialKind: CredentialOpaqueKey,
		IssuedAt:       v.IssuedAt,
		ExpiresAt:      v.ExpiresAt,
		Scopes:         v.Scopes,
	}

	r.store("key:"+rawKey, p)
	return p, nil
}

func (r *Resolver) cached(key string) (*Principal, bool) {
	e, ok := r.cache.GetIfPresent(key)
	if ok && time.Now().After(e.expiresAt) {
		r.cache.Invalidate(key)
		ok = false
	}
	if !ok {
		r.metrics.CredentialCache.WithLabelValues("miss").Inc()
		return nil, false
	}
	r.metrics.CredentialCache.WithLabelValues("hit").Inc()
	return e.principal, true
}

func (r *Resolver) store(key string, p *Principal) {
	deadline := time.Now().Add(maxValidationTTL)
	if p.ExpiresAt != nil && p.ExpiresAt.Before(deadline) {
		deadline = *p.ExpiresAt
	}
	if !deadline.After(time.Now()) {
		return
	}
	r.cache.Set(key, cacheEntry{principal: p, expiresAt: deadline})
}

// bearerFrom extracts the bearer token from the Authorization header.
// A present but non-Bearer Authorization header is a malformed credential.
func bearerFrom(req *http.Request) (string, error) {
	header := req.Header.Get("Authorization")
	if header == "" {
		return "", nil
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return "", apierr.New(apierr.KindMalformedCredential, "Authorization header must be a Bearer token")
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return "", apierr.New(apierr.KindMalformedCredential, "bearer token is empty")
	}
	return token, nil
}
