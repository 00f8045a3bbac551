package chat

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/qiyuhang/multisolve/internal/identity"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) CreateProblem(ctx context.Context, p *ProblemStatement) error {
	p.DescriptionHash = HashDescription(p.Description)
	return r.db.WithContext(ctx).Create(p).Error
}

// FindProblemByDescription implements the find-or-create lookup keyed on
// exact description text plus author.
func (r *Repo) FindProblemByDescription(ctx context.Context, description string, id identity.Identity) (*ProblemStatement, error) {
	q := r.db.WithContext(ctx).Where("description_hash = ?", HashDescription(description))
	if anonID, ok := id.AnonymousID(); ok {
		q = q.Where("anonymous = ? AND anonymous_author = ?", true, anonID)
	} else {
		userID, _ := id.UserID()
		q = q.Where("anonymous = ? AND registered_author = ?", false, userID)
	}
	var p ProblemStatement
	if err := q.First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *Repo) GetProblemByID(ctx context.Context, id uint64) (*ProblemStatement, error) {
	var p ProblemStatement
	if err := r.db.WithContext(ctx).First(&p, id).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *Repo) CreateBreakdown(ctx context.Context, b *ProblemBreakdown) error {
	return r.db.WithContext(ctx).Create(b).Error
}

func (r *Repo) GetBreakdownByID(ctx context.Context, id uint64) (*ProblemBreakdown, error) {
	var b ProblemBreakdown
	if err := r.db.WithContext(ctx).First(&b, id).Error; err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *Repo) CreateChat(ctx context.Context, c *Chat) error {
	return r.db.WithContext(ctx).Create(c).Error
}

func (r *Repo) GetChatByChatID(ctx context.Context, chatID string) (*Chat, error) {
	var c Chat
	if err := r.db.WithContext(ctx).Where("chat_id = ?", chatID).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// TouchChat bumps updated_at so history ordering and stall detection track
// chain progress.
// SetExpectedSteps keeps the completion target in step with refinements:
// regeneration raises it, an edit truncates it.
func (r *Repo) SetExpectedSteps(ctx context.Context, chatID string, n int) error {
	return r.db.WithContext(ctx).Model(&Chat{}).
		Where("chat_id = ?", chatID).
		Update("expected_steps", n).Error
}

func (r *Repo) TouchChat(ctx context.Context, chatID string) error {
	return r.db.WithContext(ctx).Model(&Chat{}).
		Where("chat_id = ?", chatID).
		Update("updated_at", time.Now()).Error
}

// ListChatsByUser returns a registered author's chats, most recently updated
// first.
func (r *Repo) ListChatsByUser(ctx context.Context, userID uint64) ([]Chat, error) {
	var chats []Chat
	err := r.db.WithContext(ctx).
		Where("anonymous = ? AND registered_author = ?", false, userID).
		Order("updated_at DESC").
		Find(&chats).Error
	if err != nil {
		return nil, err
	}
	return chats, nil
}

func (r *Repo) DeleteChat(ctx context.Context, chatID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("chat_id = ?", chatID).Delete(&Chat{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		if err := tx.Where("chat_id = ?", chatID).Delete(&ModelResponse{}).Error; err != nil {
			return err
		}
		return tx.Where("chat_id = ?", chatID).Delete(&ChainJob{}).Error
	})
}

// AppendResponse inserts a response at the next free position of the chat's
// chain and bumps the chat.
func (r *Repo) AppendResponse(ctx context.Context, m *ModelResponse) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxPos *int
		if err := tx.Model(&ModelResponse{}).
			Where("chat_id = ?", m.ChatID).
			Select("MAX(position)").
			Scan(&maxPos).Error; err != nil {
			return err
		}
		if maxPos == nil {
			m.Position = 0
		} else {
			m.Position = *maxPos + 1
		}
		if err := tx.Create(m).Error; err != nil {
			return err
		}
		return tx.Model(&Chat{}).
			Where("chat_id = ?", m.ChatID).
			Update("updated_at", time.Now()).Error
	})
}

// ResponsesForChat returns the full chain in position order.
func (r *Repo) ResponsesForChat(ctx context.Context, chatID string) ([]ModelResponse, error) {
	var out []ModelResponse
	err := r.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("position ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repo) ResponsesForChats(ctx context.Context, chatIDs []string) (map[string][]ModelResponse, error) {
	out := make(map[string][]ModelResponse, len(chatIDs))
	if len(chatIDs) == 0 {
		return out, nil
	}
	var rows []ModelResponse
	err := r.db.WithContext(ctx).
		Where("chat_id IN ?", chatIDs).
		Order("position ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		out[row.ChatID] = append(out[row.ChatID], row)
	}
	return out, nil
}

func (r *Repo) CountResponses(ctx context.Context, chatID string) (int, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&ModelResponse{}).
		Where("chat_id = ?", chatID).
		Count(&n).Error
	return int(n), err
}

// LastResponseByModel finds the most recent response a given model produced
// in the chat, used by the regeneration flow.
func (r *Repo) LastResponseByModel(ctx context.Context, chatID, modelName string) (*ModelResponse, error) {
	var m ModelResponse
	err := r.db.WithContext(ctx).
		Where("chat_id = ? AND model_name = ?", chatID, modelName).
		Order("position DESC").
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}

// TruncateAfter removes every response with a position greater than pos.
// Downstream responses model a causal chain, so an edit invalidates them.
func (r *Repo) TruncateAfter(ctx context.Context, chatID string, pos int) error {
	return r.db.WithContext(ctx).
		Where("chat_id = ? AND position > ?", chatID, pos).
		Delete(&ModelResponse{}).Error
}

// ReplaceResponseInPlace rewrites an existing response row, keeping its id
// and position.
func (r *Repo) ReplaceResponseInPlace(ctx context.Context, id uint64, role, response string) error {
	return r.db.WithContext(ctx).Model(&ModelResponse{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"role":      role,
			"response":  response,
			"completed": true,
		}).Error
}

// Chain job CRUD

func (r *Repo) CreateChainJob(ctx context.Context, job *ChainJob) error {
	return r.db.WithContext(ctx).Create(job).Error
}

func (r *Repo) GetChainJobByID(ctx context.Context, id string) (*ChainJob, error) {
	var j ChainJob
	if err := r.db.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &j, nil
}

// LatestChainJobForChat returns the most recent job for a chat, or nil when
// none exists.
func (r *Repo) LatestChainJobForChat(ctx context.Context, chatID string) (*ChainJob, error) {
	var j ChainJob
	err := r.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("id DESC").
		First(&j).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &j, nil
}

func (r *Repo) MarkChainJobRunning(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&ChainJob{}).
		Where("id = ? AND status = ?", id, ChainQueued).
		Update("status", ChainRunning).Error
}

func (r *Repo) SetChainProgress(ctx context.Context, id string, completedSteps int) error {
	return r.db.WithContext(ctx).Model(&ChainJob{}).
		Where("id = ?", id).
		Update("completed_steps", completedSteps).Error
}

func (r *Repo) MarkChainJobSucceeded(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&ChainJob{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status": ChainSucceeded,
			"error":  nil,
		}).Error
}

func (r *Repo) MarkChainJobFailed(ctx context.Context, id string, errMsg string) error {
	return r.db.WithContext(ctx).Model(&ChainJob{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status": ChainFailed,
			"error":  errMsg,
		}).Error
}
