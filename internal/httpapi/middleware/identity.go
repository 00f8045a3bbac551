package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/qiyuhang/multisolve/internal/common"
	"github.com/qiyuhang/multisolve/internal/identity"
	"github.com/qiyuhang/multisolve/internal/logger"
)

const IdentityKey = "caller_identity"

// CurrentIdentity reads the identity attached by Resolve.
func CurrentIdentity(c *gin.Context) (identity.Identity, bool) {
	v, ok := c.Get(IdentityKey)
	if !ok {
		return identity.Identity{}, false
	}
	id, ok := v.(identity.Identity)
	return id, ok && !id.IsZero()
}

// Resolver turns cookies into a caller identity. A valid registered token
// wins over an anonymous one; any unusable token falls to the anonymous
// path, where a fresh identity is minted when issuance is enabled.
type Resolver struct {
	tokens         *identity.TokenService
	allowAnonymous bool
	cookieDomain   string
	cookieSecure   bool
	log            *logger.Logger
}

func NewResolver(tokens *identity.TokenService, allowAnonymous bool, cookieDomain string, cookieSecure bool, log *logger.Logger) *Resolver {
	return &Resolver{
		tokens:         tokens,
		allowAnonymous: allowAnonymous,
		cookieDomain:   cookieDomain,
		cookieSecure:   cookieSecure,
		log:            log.With("component", "middleware.Resolver"),
	}
}

func (r *Resolver) Resolve() gin.HandlerFunc {
	return func(c *gin.Context) {
		var authErr error
		if token, err := c.Cookie(identity.AuthCookie); err == nil && token != "" {
			id, verr := r.tokens.Verify(token)
			if verr == nil {
				c.Set(IdentityKey, id)
				c.Next()
				return
			}
			// A bad registered token never yields a registered identity.
			// The dead cookie is cleared and the caller continues as
			// anonymous when issuance is enabled.
			r.ClearAuthCookie(c)
			authErr = verr
		}

		if token, err := c.Cookie(identity.AnonTokenCookie); err == nil && token != "" {
			id, verr := r.tokens.Verify(token)
			if verr == nil && id.IsAnonymous() {
				// The signed token and the plaintext id cookie must agree;
				// a token presented without its companion is re-minted.
				claimed, _ := id.AnonymousID()
				if plain, perr := c.Cookie(identity.AnonIDCookie); perr == nil && plain == claimed {
					c.Set(IdentityKey, id)
					c.Next()
					return
				}
			}
			// fall through: expired, tampered or mismatched tokens re-mint
		}

		if !r.allowAnonymous {
			var ae *common.AuthError
			switch {
			case errors.As(authErr, &ae) && ae.Expired:
				common.FailWithError(c, http.StatusUnauthorized, 40102, common.CodeInvalidToken, "token expired", nil)
			case authErr != nil:
				common.FailWithError(c, http.StatusUnauthorized, 40101, common.CodeInvalidToken, "invalid token", nil)
			default:
				common.FailWithError(c, http.StatusUnauthorized, 40103, common.CodeNoAuth, "authentication required", nil)
			}
			c.Abort()
			return
		}

		anonID := r.tokens.MintAnonymousID(c.ClientIP())
		token, err := r.tokens.SignAnonymous(anonID, identity.AnonymousTokenTTL)
		if err != nil {
			r.log.Error("anonymous token mint failed", "err", err)
			common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
			c.Abort()
			return
		}
		r.SetAnonCookies(c, anonID, token)
		c.Set(IdentityKey, identity.Anonymous(anonID))
		c.Next()
	}
}

// RequireRegistered is stacked after Resolve on registered-only routes.
func (r *Resolver) RequireRegistered() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := CurrentIdentity(c)
		if !ok || id.IsAnonymous() {
			common.FailWithError(c, http.StatusUnauthorized, 40103, common.CodeNoAuth, "authentication required", nil)
			c.Abort()
			return
		}
		c.Next()
	}
}

func (r *Resolver) SetAuthCookie(c *gin.Context, token string) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(identity.AuthCookie, token, int(identity.RegisteredTokenTTL.Seconds()), "/", r.cookieDomain, r.cookieSecure, true)
}

func (r *Resolver) ClearAuthCookie(c *gin.Context) {
	c.SetCookie(identity.AuthCookie, "", -1, "/", r.cookieDomain, r.cookieSecure, true)
}

// SetAnonCookies writes the signed token plus the plaintext id companion the
// frontend reads directly.
func (r *Resolver) SetAnonCookies(c *gin.Context, anonID, token string) {
	c.SetSameSite(http.SameSiteLaxMode)
	maxAge := int(identity.AnonymousTokenTTL.Seconds())
	c.SetCookie(identity.AnonTokenCookie, token, maxAge, "/", r.cookieDomain, r.cookieSecure, true)
	c.SetCookie(identity.AnonIDCookie, anonID, maxAge, "/", r.cookieDomain, r.cookieSecure, false)
}

func (r *Resolver) ClearAnonCookies(c *gin.Context) {
	c.SetCookie(identity.AnonTokenCookie, "", -1, "/", r.cookieDomain, r.cookieSecure, true)
	c.SetCookie(identity.AnonIDCookie, "", -1, "/", r.cookieDomain, r.cookieSecure, false)
}
