package chat

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/qiyuhang/multisolve/internal/identity"
)

// Assignment is one (model, role) pair of a solve request. Order across a
// breakdown is significant: step N's prompt is built from steps < N.
type Assignment struct {
	Model string `json:"model"`
	Role  string `json:"role"`
}

// AuthorRef holds the mutually exclusive author columns shared by problem
// statements, breakdowns and chats. Exactly one of RegisteredAuthor or
// AnonymousAuthor is set, gated by Anonymous.
type AuthorRef struct {
	Anonymous        bool    `gorm:"not null;default:false" json:"anonymous"`
	RegisteredAuthor *uint64 `gorm:"index" json:"-"`
	AnonymousAuthor  *string `gorm:"type:varchar(64);index" json:"-"`
}

func authorFor(id identity.Identity) AuthorRef {
	if anonID, ok := id.AnonymousID(); ok {
		return AuthorRef{Anonymous: true, AnonymousAuthor: &anonID}
	}
	userID, _ := id.UserID()
	return AuthorRef{RegisteredAuthor: &userID}
}

// identity rebuilds the owning identity from the stored columns.
func (a AuthorRef) identity() identity.Identity {
	if a.Anonymous && a.AnonymousAuthor != nil {
		return identity.Anonymous(*a.AnonymousAuthor)
	}
	if a.RegisteredAuthor != nil {
		return identity.Registered(*a.RegisteredAuthor)
	}
	return identity.Identity{}
}

// ownedBy reports whether the ref belongs to the given identity.
func (a AuthorRef) ownedBy(id identity.Identity) bool {
	if anonID, ok := id.AnonymousID(); ok {
		return a.Anonymous && a.AnonymousAuthor != nil && *a.AnonymousAuthor == anonID
	}
	userID, ok := id.UserID()
	return ok && !a.Anonymous && a.RegisteredAuthor != nil && *a.RegisteredAuthor == userID
}

type ProblemStatement struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement" json:"id"`
	Description string `gorm:"type:text;not null" json:"description"`
	// Exact-text find-or-create key; mysql cannot index the full text column.
	DescriptionHash string `gorm:"type:varchar(64);not null;index" json:"-"`
	AuthorRef       `gorm:"embedded"`

	// Attached file metadata, set at creation time only.
	FileKey  string `gorm:"type:varchar(128)" json:"file_key,omitempty"`
	FileName string `gorm:"type:varchar(255)" json:"file_name,omitempty"`
	FileMime string `gorm:"type:varchar(128)" json:"file_mime,omitempty"`
	FileSize int64  `json:"file_size,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (ProblemStatement) TableName() string { return "problem_statements" }

func (p *ProblemStatement) HasFile() bool { return p.FileKey != "" }

func HashDescription(description string) string {
	sum := sha256.Sum256([]byte(description))
	return hex.EncodeToString(sum[:])
}

// ProblemBreakdown is the caller-declared assignment list for one solve.
// Immutable once created.
type ProblemBreakdown struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement" json:"id"`
	ProblemID uint64 `gorm:"not null;index" json:"problem_id"`
	AuthorRef `gorm:"embedded"`

	Assignments []Assignment `gorm:"serializer:json;type:text;not null" json:"assignments"`

	CreatedAt time.Time `json:"created_at"`
}

func (ProblemBreakdown) TableName() string { return "problem_breakdowns" }

// Chat aggregates one problem, one breakdown and an ordered response chain.
type Chat struct {
	ID     uint64 `gorm:"primaryKey;autoIncrement" json:"-"`
	ChatID string `gorm:"type:varchar(26);uniqueIndex;not null" json:"chat_id"`

	ProblemID   uint64 `gorm:"not null;index" json:"problem_id"`
	BreakdownID uint64 `gorm:"not null" json:"breakdown_id"`
	AuthorRef   `gorm:"embedded"`

	// Number of assignments declared for this chat; completion is reached
	// when this many completed responses exist.
	ExpectedSteps int `gorm:"not null" json:"expected_steps"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Chat) TableName() string { return "chats" }

// ModelResponse is one model's answer at one position of a chat's chain.
// Append-only in normal flow; an edit at position i deletes every row with a
// greater position and rewrites row i in place.
type ModelResponse struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement" json:"id"`
	ChatID    string `gorm:"type:varchar(26);not null;index:idx_response_chat_pos,priority:1" json:"chat_id"`
	Position  int    `gorm:"not null;index:idx_response_chat_pos,priority:2" json:"position"`
	ModelName string `gorm:"type:varchar(32);not null" json:"model_name"`
	Role      string `gorm:"type:text" json:"role"`
	Response  string `gorm:"type:text;not null" json:"response"`
	Completed bool   `gorm:"not null;default:false" json:"completed"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (ModelResponse) TableName() string { return "model_responses" }

type ChainStatus string

const (
	ChainQueued    ChainStatus = "queued"
	ChainRunning   ChainStatus = "running"
	ChainSucceeded ChainStatus = "succeeded"
	ChainFailed    ChainStatus = "failed"
)

// ChainJob tracks one asynchronous orchestration run for a chat, giving
// readers an explicit terminal state when a chain stops short.
type ChainJob struct {
	ID     string `gorm:"primaryKey;size:26" json:"id"` // ULID
	ChatID string `gorm:"type:varchar(26);not null;index" json:"chat_id"`

	Status         ChainStatus `gorm:"type:varchar(16);not null;index" json:"status"`
	TotalSteps     int         `gorm:"not null" json:"total_steps"`
	CompletedSteps int         `gorm:"not null;default:0" json:"completed_steps"`

	// Filled when failed
	Error *string `gorm:"type:text" json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (ChainJob) TableName() string { return "chain_jobs" }
