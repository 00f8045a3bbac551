package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/qiyuhang/multisolve/internal/common"
)

// Cookie names shared with the frontend. anonymousId is a plaintext companion
// to anonToken; the two must agree for an anonymous identity to be accepted.
const (
	AuthCookie      = "authToken"
	AnonTokenCookie = "anonToken"
	AnonIDCookie    = "anonymousId"
)

const (
	RegisteredTokenTTL = 24 * time.Hour
	AnonymousTokenTTL  = 30 * 24 * time.Hour
)

type Claims struct {
	UserID      uint64 `json:"user_id,omitempty"`
	AnonymousID string `json:"anonymous_id,omitempty"`
	Anonymous   bool   `json:"anonymous"`
	jwt.RegisteredClaims
}

type TokenService struct {
	secret []byte
	salt   string
}

func NewTokenService(secret, ipHashSalt string) *TokenService {
	return &TokenService{secret: []byte(secret), salt: ipHashSalt}
}

func (s *TokenService) SignRegistered(userID uint64, ttl time.Duration) (string, error) {
	claims := Claims{
		UserID:    userID,
		Anonymous: false,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

func (s *TokenService) SignAnonymous(anonID string, ttl time.Duration) (string, error) {
	claims := Claims{
		AnonymousID: anonID,
		Anonymous:   true,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Verify parses a token into an Identity. Failures come back as
// *common.AuthError with Expired set for recoverable expiry; neither failure
// mode ever yields a registered identity.
func (s *TokenService) Verify(tokenString string) (Identity, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, &common.AuthError{Code: common.CodeInvalidToken, Expired: true, Err: err}
		}
		return Identity{}, &common.AuthError{Code: common.CodeInvalidToken, Err: err}
	}
	if claims.Anonymous {
		if claims.AnonymousID == "" {
			return Identity{}, &common.AuthError{Code: common.CodeInvalidToken, Err: errors.New("anonymous claim without id")}
		}
		return Anonymous(claims.AnonymousID), nil
	}
	if claims.UserID == 0 {
		return Identity{}, &common.AuthError{Code: common.CodeInvalidToken, Err: errors.New("registered claim without user id")}
	}
	return Registered(claims.UserID), nil
}

// MintAnonymousID builds a fresh anonymous identifier from a salted hash of
// the caller's network address plus a random suffix.
func (s *TokenService) MintAnonymousID(remoteIP string) string {
	sum := sha256.Sum256([]byte(s.salt + remoteIP))
	return hex.EncodeToString(sum[:])[:12] + "-" + uuid.NewString()
}

// HashIP keys anonymous rate counters by network address, not by the minted
// anonymous id, so clearing cookies does not reset the counter.
func (s *TokenService) HashIP(remoteIP string) string {
	sum := sha256.Sum256([]byte(s.salt + remoteIP))
	return "ip_" + hex.EncodeToString(sum[:])
}
