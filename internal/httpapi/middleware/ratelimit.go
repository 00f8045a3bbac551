package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/qiyuhang/multisolve/internal/common"
	"github.com/qiyuhang/multisolve/internal/identity"
	"github.com/qiyuhang/multisolve/internal/logger"
	"github.com/qiyuhang/multisolve/internal/models"
	"github.com/qiyuhang/multisolve/internal/ratelimit"
)

// RateLimiter meters solve requests. Stacked after Resolve: it needs the
// caller identity to pick the tier and counter key.
type RateLimiter struct {
	gov      *ratelimit.Governor
	tokens   *identity.TokenService
	resolver *Resolver
	db       *gorm.DB
	log      *logger.Logger
}

func NewRateLimiter(gov *ratelimit.Governor, tokens *identity.TokenService, resolver *Resolver, db *gorm.DB, log *logger.Logger) *RateLimiter {
	return &RateLimiter{
		gov:      gov,
		tokens:   tokens,
		resolver: resolver,
		db:       db,
		log:      log.With("component", "middleware.RateLimiter"),
	}
}

func (rl *RateLimiter) Limit() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := CurrentIdentity(c)
		if !ok {
			common.FailWithError(c, http.StatusUnauthorized, 40103, common.CodeNoAuth, "authentication required", nil)
			c.Abort()
			return
		}

		ctx := c.Request.Context()
		hashedIP := rl.tokens.HashIP(c.ClientIP())
		tier := ratelimit.TierAnonymous

		if userID, isUser := id.UserID(); isUser {
			tier = ratelimit.TierRegistered

			var u models.User
			if err := rl.db.WithContext(ctx).First(&u, userID).Error; err == nil && u.IsSubscribed {
				tier = ratelimit.TierSubscribed
			}

			// First registered request after anonymous use: restart the
			// registered counter and drop the anonymous one, then shed the
			// leftover anonymous cookies.
			if anonTok, err := c.Cookie(identity.AnonTokenCookie); err == nil && anonTok != "" {
				registeredKey := ratelimit.CounterKeyFor(id, hashedIP)
				if merr := rl.gov.MigrateAnonymous(ctx, registeredKey, hashedIP); merr != nil {
					rl.log.Warn("anonymous counter migration failed", "user", userID, "err", merr)
				}
				rl.resolver.ClearAnonCookies(c)
			}
		}

		key := ratelimit.CounterKeyFor(id, hashedIP)
		if err := rl.gov.Allow(ctx, key, tier); err != nil {
			var q *common.QuotaError
			if errors.As(err, &q) {
				common.FailWithError(c, http.StatusConflict, 40901, common.CodeQuotaExceeded, "daily request limit reached", gin.H{
					"limit":            q.Limit,
					"remaining_time":   q.Remaining.Milliseconds(),
					"window_resets_at": q.ResetsAt,
				})
			} else {
				rl.log.Error("rate check failed", "key", key, "err", err)
				common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
			}
			c.Abort()
			return
		}
		c.Next()
	}
}
