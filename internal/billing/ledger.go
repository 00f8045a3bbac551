package billing

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/qiyuhang/multisolve/internal/ai"
	"github.com/qiyuhang/multisolve/internal/identity"
)

// ErrInsufficientBalance stops a chain before the next model call.
var ErrInsufficientBalance = errors.New("insufficient credit balance")

// UsageRecord is one model invocation's token bill. Exactly one author column
// is set, matching the identity that triggered the call.
type UsageRecord struct {
	ID             uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	RegisteredUser *uint64   `gorm:"index" json:"-"`
	AnonymousUser  *string   `gorm:"type:varchar(64);index" json:"-"`
	ModelName      string    `gorm:"type:varchar(32);not null;index" json:"model_name"`
	InputTokens    int       `gorm:"not null" json:"input_tokens"`
	OutputTokens   int       `gorm:"not null" json:"output_tokens"`
	CreatedAt      time.Time `json:"created_at"`
}

func (UsageRecord) TableName() string { return "usage_records" }

// CreditAccount tracks a registered user's prepaid balance. Anonymous callers
// have no account; their spend is bounded by the rate governor instead.
type CreditAccount struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID    uint64    `gorm:"uniqueIndex;not null" json:"user_id"`
	Balance   float64   `gorm:"not null;default:0" json:"balance"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (CreditAccount) TableName() string { return "credit_accounts" }

// Ledger is the billing collaborator the orchestrator writes through.
type Ledger interface {
	RecordUsage(ctx context.Context, id identity.Identity, modelName string, usage ai.Usage) error
	CheckBalance(ctx context.Context, id identity.Identity) (bool, error)
}

type GormLedger struct {
	db *gorm.DB
}

func NewGormLedger(db *gorm.DB) *GormLedger {
	return &GormLedger{db: db}
}

func (l *GormLedger) RecordUsage(ctx context.Context, id identity.Identity, modelName string, usage ai.Usage) error {
	rec := &UsageRecord{
		ModelName:    modelName,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
	}
	if anonID, ok := id.AnonymousID(); ok {
		rec.AnonymousUser = &anonID
	} else if userID, ok := id.UserID(); ok {
		rec.RegisteredUser = &userID
	} else {
		return errors.New("billing: identity is neither registered nor anonymous")
	}
	return l.db.WithContext(ctx).Create(rec).Error
}

// CheckBalance gates model invocation. Anonymous callers and registered users
// without a credit account pass; a zero or negative prepaid balance blocks.
func (l *GormLedger) CheckBalance(ctx context.Context, id identity.Identity) (bool, error) {
	userID, ok := id.UserID()
	if !ok {
		return true, nil
	}
	var acct CreditAccount
	err := l.db.WithContext(ctx).Where("user_id = ?", userID).First(&acct).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return true, nil
		}
		return false, err
	}
	return acct.Balance > 0, nil
}

// ModelUsage is an aggregate row for the usage summary endpoint.
type ModelUsage struct {
	ModelName    string `json:"model_name"`
	Invocations  int64  `json:"invocations"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
}

func (l *GormLedger) SummarizeUsage(ctx context.Context, id identity.Identity) ([]ModelUsage, error) {
	q := l.db.WithContext(ctx).Model(&UsageRecord{}).
		Select("model_name, COUNT(*) AS invocations, SUM(input_tokens) AS input_tokens, SUM(output_tokens) AS output_tokens").
		Group("model_name")
	if anonID, ok := id.AnonymousID(); ok {
		q = q.Where("anonymous_user = ?", anonID)
	} else if userID, ok := id.UserID(); ok {
		q = q.Where("registered_user = ?", userID)
	}
	var out []ModelUsage
	if err := q.Scan(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
