package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qiyuhang/multisolve/internal/identity"
	"github.com/qiyuhang/multisolve/internal/logger"
)

func testResolver(allowAnonymous bool) (*Resolver, *identity.TokenService) {
	tokens := identity.NewTokenService("test-secret", "test-salt")
	return NewResolver(tokens, allowAnonymous, "", false, logger.NewNop()), tokens
}

func resolveRoute(r *Resolver) (*gin.Engine, *identity.Identity) {
	gin.SetMode(gin.TestMode)
	seen := &identity.Identity{}
	e := gin.New()
	e.GET("/whoami", r.Resolve(), func(c *gin.Context) {
		if id, ok := CurrentIdentity(c); ok {
			*seen = id
		}
		c.Status(http.StatusOK)
	})
	return e, seen
}

func cookieByName(res *http.Response, name string) *http.Cookie {
	for _, ck := range res.Cookies() {
		if ck.Name == name {
			return ck
		}
	}
	return nil
}

func TestResolve_MintsAnonymousOnFirstContact(t *testing.T) {
	r, tokens := testResolver(true)
	e, seen := resolveRoute(r)

	w := httptest.NewRecorder()
	e.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/whoami", nil))

	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, seen.IsAnonymous())

	res := w.Result()
	tokCk := cookieByName(res, identity.AnonTokenCookie)
	idCk := cookieByName(res, identity.AnonIDCookie)
	require.NotNil(t, tokCk)
	require.NotNil(t, idCk)

	// The signed token and the plaintext companion agree.
	id, err := tokens.Verify(tokCk.Value)
	require.NoError(t, err)
	anonID, _ := id.AnonymousID()
	assert.Equal(t, idCk.Value, anonID)
	assert.True(t, tokCk.HttpOnly)
	assert.False(t, idCk.HttpOnly)
}

func TestResolve_AcceptsExistingAnonymousToken(t *testing.T) {
	r, tokens := testResolver(true)
	e, seen := resolveRoute(r)

	token, err := tokens.SignAnonymous("deadbeef0000-x", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.AddCookie(&http.Cookie{Name: identity.AnonTokenCookie, Value: token})
	req.AddCookie(&http.Cookie{Name: identity.AnonIDCookie, Value: "deadbeef0000-x"})
	w := httptest.NewRecorder()
	e.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	anonID, ok := seen.AnonymousID()
	require.True(t, ok)
	assert.Equal(t, "deadbeef0000-x", anonID)
	// No re-mint on a valid token.
	assert.Nil(t, cookieByName(w.Result(), identity.AnonTokenCookie))
}

func TestResolve_AnonymousTokenWithoutMatchingIDCookieIsReplaced(t *testing.T) {
	r, tokens := testResolver(true)
	e, seen := resolveRoute(r)

	token, err := tokens.SignAnonymous("deadbeef0000-x", time.Hour)
	require.NoError(t, err)

	cases := []struct {
		name      string
		companion string
	}{
		{"mismatched id cookie", "somebody-else-x"},
		{"missing id cookie", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
			req.AddCookie(&http.Cookie{Name: identity.AnonTokenCookie, Value: token})
			if tc.companion != "" {
				req.AddCookie(&http.Cookie{Name: identity.AnonIDCookie, Value: tc.companion})
			}
			w := httptest.NewRecorder()
			e.ServeHTTP(w, req)

			require.Equal(t, http.StatusOK, w.Code)
			require.True(t, seen.IsAnonymous())
			got, _ := seen.AnonymousID()
			assert.NotEqual(t, "deadbeef0000-x", got)
			// Replacement cookies carry the newly minted id.
			res := w.Result()
			require.NotNil(t, cookieByName(res, identity.AnonTokenCookie))
			idCk := cookieByName(res, identity.AnonIDCookie)
			require.NotNil(t, idCk)
			assert.Equal(t, got, idCk.Value)
		})
	}
}

func TestResolve_ExpiredAnonymousTokenIsReplaced(t *testing.T) {
	r, tokens := testResolver(true)
	e, seen := resolveRoute(r)

	expired, err := tokens.SignAnonymous("old0000000-x", -time.Minute)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.AddCookie(&http.Cookie{Name: identity.AnonTokenCookie, Value: expired})
	w := httptest.NewRecorder()
	e.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, seen.IsAnonymous())
	got, _ := seen.AnonymousID()
	assert.NotEqual(t, "old0000000-x", got)
	assert.NotNil(t, cookieByName(w.Result(), identity.AnonTokenCookie))
}

func TestResolve_RegisteredTokenWins(t *testing.T) {
	r, tokens := testResolver(true)
	e, seen := resolveRoute(r)

	token, err := tokens.SignRegistered(99, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.AddCookie(&http.Cookie{Name: identity.AuthCookie, Value: token})
	w := httptest.NewRecorder()
	e.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	userID, ok := seen.UserID()
	require.True(t, ok)
	assert.Equal(t, uint64(99), userID)
}

func TestResolve_BadRegisteredTokenFallsToAnonymous(t *testing.T) {
	r, _ := testResolver(true)
	e, seen := resolveRoute(r)

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.AddCookie(&http.Cookie{Name: identity.AuthCookie, Value: "tampered.token.value"})
	w := httptest.NewRecorder()
	e.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, seen.IsAnonymous())

	res := w.Result()
	// The dead auth cookie is cleared and anonymous cookies are issued.
	authCk := cookieByName(res, identity.AuthCookie)
	require.NotNil(t, authCk)
	assert.LessOrEqual(t, authCk.MaxAge, 0)
	assert.NotNil(t, cookieByName(res, identity.AnonTokenCookie))
}

func TestResolve_BadRegisteredTokenWithAnonymousDisabled(t *testing.T) {
	r, tokens := testResolver(false)
	e, _ := resolveRoute(r)

	expired, err := tokens.SignRegistered(7, -time.Minute)
	require.NoError(t, err)

	cases := []struct {
		name     string
		token    string
		wantCode int
	}{
		{"expired", expired, 40102},
		{"tampered", "tampered.token.value", 40101},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
			req.AddCookie(&http.Cookie{Name: identity.AuthCookie, Value: tc.token})
			w := httptest.NewRecorder()
			e.ServeHTTP(w, req)

			require.Equal(t, http.StatusUnauthorized, w.Code)
			var body struct {
				Code  int    `json:"code"`
				Error string `json:"error"`
			}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tc.wantCode, body.Code)
			assert.Equal(t, "INVALID_TOKEN", body.Error)
		})
	}
}

func TestResolve_AnonymousDisabledRequiresAuth(t *testing.T) {
	r, _ := testResolver(false)
	e, _ := resolveRoute(r)

	w := httptest.NewRecorder()
	e.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/whoami", nil))
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireRegistered_BlocksAnonymous(t *testing.T) {
	r, tokens := testResolver(true)

	gin.SetMode(gin.TestMode)
	e := gin.New()
	e.GET("/private", r.Resolve(), r.RequireRegistered(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	// Anonymous caller is resolved but still rejected here.
	anonTok, err := tokens.SignAnonymous("abc-x", time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/private", nil)
	req.AddCookie(&http.Cookie{Name: identity.AnonTokenCookie, Value: anonTok})
	w := httptest.NewRecorder()
	e.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	regTok, err := tokens.SignRegistered(1, time.Hour)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/private", nil)
	req.AddCookie(&http.Cookie{Name: identity.AuthCookie, Value: regTok})
	w = httptest.NewRecorder()
	e.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}
