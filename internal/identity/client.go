// Package identity is the client for the external identity service. The
// service owns accounts and long-lived opaque API keys; the gateway only asks
// it to translate credentials into user subjects.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fableverse/gateway/internal/apierr"
)

// KeyValidation is the identity service's verdict on an opaque API key.
//
// UserSubject is the subject of the user the key belongs to, never the key's
// own identifier. Downstream tenancy hangs off this field, so conflating the
// two grants a key its own tenant.
type KeyValidation struct {
	UserSubject string     `json:"user_subject"`
	KeyID       string     `json:"key_id"`
	Scopes      []string   `json:"scopes"`
	IssuedAt    time.Time  `json:"issued_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Revoked     bool       `json:"revoked"`
}

// Client calls the identity service over HTTP.
type Client struct {
	endpoint string
	http     *http.Client
}

// NewClient creates an identity client for the given endpoint.
func NewClient(endpoint string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: timeout},
	}
}

// ValidateKey asks the identity service to validate an opaque API key.
// Returns kinded errors so the resolver can map them without inspecting the
// transport.
func (c *Client) ValidateKey(ctx context.Context, rawKey string) (*KeyValidation, error) {
	body, err := json.Marshal(map[string]string{"api_key": rawKey})
	if err != nil {
		return nil, fmt.Errorf("marshaling key validation request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/internal/keys/validate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building key validation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindUpstreamUnavailable, "identity service unreachable", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		// fallthrough to decode
	case http.StatusNotFound, http.StatusUnauthorized:
		return nil, apierr.New(apierr.KindMalformedCredential, "unknown API key")
	default:
		return nil, apierr.New(apierr.KindUpstreamUnavailable,
			fmt.Sprintf("identity service returned %d", resp.StatusCode))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, apierr.Wrap(apierr.KindUpstreamUnavailable, "reading identity response", err)
	}

	var v KeyValidation
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, apierr.Wrap(apierr.KindUpstreamUnavailable, "decoding identity response", err)
	}

	if v.Revoked {
		return nil, apierr.New(apierr.KindRevokedCredential, "API key has been revoked")
	}
	if v.ExpiresAt != nil && time.Now().After(*v.ExpiresAt) {
		return nil, apierr.New(apierr.KindExpiredCredential, "API key has expired")
	}
	if v.UserSubject == "" {
		return nil, apierr.New(apierr.KindUpstreamUnavailable, "identity service returned empty subject")
	}

	return &v, nil
}
