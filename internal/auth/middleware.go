package auth

import (
	"log/slog"

	"github.com/gin-gonic/gin"

	"github.com/fableverse/gateway/internal/apierr"
	"github.com/fableverse/gateway/internal/logger"
)

const principalKey = "principal"

// Middleware attaches credential resolution to gin handler chains.
type Middleware struct {
	resolver *Resolver
	logger   *logger.Logger
}

// NewMiddleware creates the auth middleware.
func NewMiddleware(resolver *Resolver, log *logger.Logger) *Middleware {
	return &Middleware{resolver: resolver, logger: log.WithComponent("auth")}
}

// RequirePrincipal resolves credentials and aborts with the mapped status on
// failure. The resolved Principal is attached to both the gin context and the
// request context.
func (m *Middleware) RequirePrincipal() gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, err := m.resolver.Resolve(c.Request)
		if err != nil {
			status, body := apierr.BodyOf(err)
			m.logger.WithContext(c.Request.Context()).Debug("credential resolution failed",
				slog.String("type", body.Type))
			c.AbortWithStatusJSON(status, body)
			return
		}

		m.logger.WithContext(c.Request.Context()).Debug("principal resolved",
			slog.String("subject", principal.SubjectID),
			slog.String("credential_kind", string(principal.CredentialKind)))

		ctx := logger.WithSubject(c.Request.Context(), principal.SubjectID)
		c.Request = c.Request.WithContext(ctx)
		c.Set(principalKey, principal)
		c.Next()
	}
}

// RequireScope builds on RequirePrincipal and additionally demands a scope.
func (m *Middleware) RequireScope(scope string) gin.HandlerFunc {
	resolve := m.RequirePrincipal()
	return func(c *gin.Context) {
		resolve(c)
		if c.IsAborted() {
			return
		}

		principal, _ := PrincipalFrom(c)
		if principal == nil || !principal.HasScope(scope) {
			status, body := apierr.BodyOf(apierr.New(apierr.KindInsufficientScope, "missing required scope: "+scope))
			c.AbortWithStatusJSON(status, body)
			return
		}
	}
}

// PrincipalFrom extracts the resolved Principal from the gin context.
func PrincipalFrom(c *gin.Context) (*Principal, bool) {
	v, exists := c.Get(principalKey)
	if !exists {
		return nil, false
	}
	p, ok := v.(*Principal)
	return p, ok
}
