// Package ratelimit meters solve requests per identity over a rolling
// 24-hour window, backed by a single counters table.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/qiyuhang/multisolve/internal/common"
	"github.com/qiyuhang/multisolve/internal/identity"
)

// UsageCounter is one identity's request count inside the current window.
// LastRequest marks the window start; the window is not sliding.
type UsageCounter struct {
	ID            uint64    `gorm:"primaryKey;autoIncrement"`
	CounterKey    string    `gorm:"type:varchar(96);uniqueIndex;not null"`
	Authenticated bool      `gorm:"not null;default:false"`
	RequestCount  int       `gorm:"not null;default:0"`
	LastRequest   time.Time `gorm:"not null"`
}

func (UsageCounter) TableName() string { return "usage_counters" }

// Tier decides the per-window ceiling.
type Tier int

const (
	TierAnonymous Tier = iota
	TierRegistered
	// TierSubscribed is unmetered.
	TierSubscribed
)

type Governor struct {
	db              *gorm.DB
	anonymousLimit  int
	registeredLimit int
	window          time.Duration
}

func NewGovernor(db *gorm.DB, anonymousLimit, registeredLimit int) *Governor {
	return &Governor{
		db:              db,
		anonymousLimit:  anonymousLimit,
		registeredLimit: registeredLimit,
		window:          24 * time.Hour,
	}
}

// CounterKeyFor maps an identity to its counter row key. Anonymous callers
// are keyed by hashed IP (via the token service), registered ones by user id,
// so a user switching networks keeps one counter.
func CounterKeyFor(id identity.Identity, hashedIP string) string {
	if userID, ok := id.UserID(); ok {
		return fmt.Sprintf("user_%d", userID)
	}
	return hashedIP
}

// Allow admits or rejects one request for the given key, creating or
// resetting the counter as the window dictates. Rejection is a *QuotaError
// carrying the time until reset.
func (g *Governor) Allow(ctx context.Context, key string, tier Tier) error {
	if tier == TierSubscribed {
		return nil
	}
	limit := g.anonymousLimit
	authenticated := false
	if tier == TierRegistered {
		limit = g.registeredLimit
		authenticated = true
	}

	now := time.Now()
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var c UsageCounter
		err := tx.Where("counter_key = ?", key).First(&c).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Create(&UsageCounter{
				CounterKey:    key,
				Authenticated: authenticated,
				RequestCount:  1,
				LastRequest:   now,
			}).Error
		case err != nil:
			return err
		}

		if now.Sub(c.LastRequest) >= g.window {
			return tx.Model(&c).Updates(map[string]any{
				"request_count": 1,
				"last_request":  now,
				"authenticated": authenticated,
			}).Error
		}

		if c.RequestCount >= limit {
			resetsAt := c.LastRequest.Add(g.window)
			return &common.QuotaError{
				Limit:     limit,
				Current:   c.RequestCount,
				ResetsAt:  resetsAt,
				Remaining: resetsAt.Sub(now),
			}
		}

		return tx.Model(&c).Updates(map[string]any{
			"request_count": gorm.Expr("request_count + 1"),
			"authenticated": authenticated,
		}).Error
	})
}

// MigrateAnonymous runs when an anonymous caller logs in: the registered
// counter restarts at zero and the anonymous row is removed, so prior
// anonymous spend never bleeds into the registered quota.
func (g *Governor) MigrateAnonymous(ctx context.Context, registeredKey, anonymousKey string) error {
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&UsageCounter{}).
			Where("counter_key = ?", registeredKey).
			Updates(map[string]any{
				"request_count": 0,
				"last_request":  time.Now(),
			}).Error
		if err != nil {
			return err
		}
		return tx.Where("counter_key = ? AND authenticated = ?", anonymousKey, false).
			Delete(&UsageCounter{}).Error
	})
}
