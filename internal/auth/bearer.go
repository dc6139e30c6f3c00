package auth

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/lestrrat-go/jwx/jwk"

	"github.com/fableverse/gateway/internal/apierr"
)

// bearerClaims are the claims the gateway reads from a verified token.
type bearerClaims struct {
	jwt.RegisteredClaims
	// Scope is the space-separated OAuth-style scope claim.
	Scope string `json:"scope"`
}

// BearerVerifier verifies bearer tokens against a published JWKS. The key set
// is cached with a bounded TTL; a kid miss triggers at most one refetch per
// verification.
type BearerVerifier struct {
	jwksURL  string
	cacheTTL time.Duration

	mu        sync.RWMutex
	keySet    jwk.Set
	fetchedAt time.Time
}

// NewBearerVerifier creates a verifier for the given JWKS URL. The key set is
// fetched lazily on first use.
func NewBearerVerifier(jwksURL string, cacheTTL time.Duration) *BearerVerifier {
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	return &BearerVerifier{jwksURL: jwksURL, cacheTTL: cacheTTL}
}

// Verify validates the token signature and expiry and returns the resulting
// Principal. All failures map onto the credential error kinds.
func (v *BearerVerifier) Verify(ctx context.Context, tokenString string) (*Principal, error) {
	// Parse the header unverified first to learn the signing key ID.
	parsed, _, err := new(jwt.Parser).ParseUnverified(tokenString, &bearerClaims{})
	if err != nil {
		return nil, apierr.Wrap(apierr.KindMalformedCredential, "malformed bearer token", err)
	}

	kid, _ := parsed.Header["kid"].(string)
	if kid == "" {
		return nil, apierr.New(apierr.KindMalformedCredential, "bearer token header missing kid")
	}

	rawKey, err := v.lookupKey(ctx, kid)
	if err != nil {
		return nil, err
	}

	token, err := jwt.ParseWithClaims(tokenString, &bearerClaims{}, func(*jwt.Token) (interface{}, error) {
		return rawKey, nil
	})
	if err != nil {
		if strings.Contains(err.Error(), "expired") {
			return nil, apierr.Wrap(apierr.KindExpiredCredential, "bearer token has expired", err)
		}
		return nil, apierr.Wrap(apierr.KindMalformedCredential, "bearer token verification failed", err)
	}

	claims, ok := token.Claims.(*bearerClaims)
	if !ok || !token.Valid {
		return nil, apierr.New(apierr.KindMalformedCredential, "bearer token verification failed")
	}

	if !claims.VerifyExpiresAt(time.Now(), true) {
		return nil, apierr.New(apierr.KindExpiredCredential, "bearer token has expired")
	}
	if claims.Subject == "" {
		return nil, apierr.New(apierr.KindMalformedCredential, "bearer token has no subject")
	}

	p := &Principal{
		SubjectID:      claims.Subject,
		CredentialKind: CredentialBearerToken,
		Scopes:         splitScopes(claims.Scope),
	}
	if claims.IssuedAt != nil {
		p.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		exp := claims.ExpiresAt.Time
		p.ExpiresAt = &exp
	}
	return p, nil
}

// lookupKey returns the raw key for kid, refetching the JWKS once if the key
// set is stale or the kid is unknown.
func (v *BearerVerifier) lookupKey(ctx context.Context, kid string) (interface{}, error) {
	v.mu.RLock()
	set := v.keySet
	fresh := time.Since(v.fetchedAt) < v.cacheTTL
	v.mu.RUnlock()

	if set != nil && fresh {
		if key, found := set.LookupKeyID(kid); found {
			return rawOf(key)
		}
	}

	// Cache miss or stale set: refetch exactly once.
	set, err := v.refetch(ctx)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindUpstreamUnavailable, "fetching signing keys failed", err)
	}

	key, found := set.LookupKeyID(kid)
	if !found {
		return nil, apierr.New(apierr.KindMalformedCredential,
			fmt.Sprintf("no signing key with ID %s", kid))
	}
	return rawOf(key)
}

func (v *BearerVerifier) refetch(ctx context.Context) (jwk.Set, error) {
	set, err := jwk.Fetch(ctx, v.jwksURL)
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	v.keySet = set
	v.fetchedAt = time.Now()
	v.mu.Unlock()

	return set, nil
}

func rawOf(key jwk.Key) (interface{}, error) {
	var raw interface{}
	if err := key.Raw(&raw); err != nil {
		return nil, apierr.Wrap(apierr.KindUpstreamUnavailable, "unusable signing key", err)
	}
	return raw, nil
}

func splitScopes(scope string) []string {
	if scope == "" {
		return nil
	}
	return strings.Fields(scope)
}
