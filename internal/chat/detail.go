package chat

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/qiyuhang/multisolve/internal/common"
	"github.com/qiyuhang/multisolve/internal/identity"
)

// ChatDetail is the composite read model for a single chat.
type ChatDetail struct {
	Chat      *Chat             `json:"chat"`
	Problem   *ProblemStatement `json:"problem"`
	Responses []ModelResponse   `json:"responses"`
	Status    Status            `json:"status"`
}

// GetDetail loads a chat with its problem and ordered responses. Reads are
// not ownership-gated: a chat id is an unguessable capability.
func (s *Service) GetDetail(ctx context.Context, chatID string) (*ChatDetail, error) {
	chatRow, err := s.repo.GetChatByChatID(ctx, chatID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, common.ErrNotFound
		}
		return nil, err
	}
	problem, err := s.repo.GetProblemByID(ctx, chatRow.ProblemID)
	if err != nil {
		return nil, err
	}
	responses, err := s.repo.ResponsesForChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	job, err := s.repo.LatestChainJobForChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	return &ChatDetail{
		Chat:      chatRow,
		Problem:   problem,
		Responses: responses,
		Status:    s.computeStatus(chatRow, job, responses, time.Now()),
	}, nil
}

func (s *Service) computeStatus(chatRow *Chat, job *ChainJob, responses []ModelResponse, now time.Time) Status {
	if len(responses) >= chatRow.ExpectedSteps && len(responses) > 0 {
		return StatusComplete
	}
	if job != nil {
		switch job.Status {
		case ChainFailed:
			return StatusStalled
		case ChainQueued, ChainRunning:
			if now.Sub(chatRow.UpdatedAt) > s.stallTimeout {
				return StatusStalled
			}
		case ChainSucceeded:
			// Succeeded with fewer rows than expected means steps were
			// skipped; the caller sees a stalled chain, not a partial one.
			return StatusStalled
		}
	}
	if len(responses) == 0 {
		return StatusPending
	}
	return StatusPartial
}

// WaitForDetail blocks until the chat reaches a terminal status, a new
// response lands, or the timeout elapses, then returns the freshest detail.
// The handler uses this so a client polling right after solve sees content
// instead of an empty shell.
func (s *Service) WaitForDetail(ctx context.Context, chatID string, timeout time.Duration) (*ChatDetail, error) {
	detail, err := s.GetDetail(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if detail.Status == StatusComplete || detail.Status == StatusStalled {
		return detail, nil
	}

	events := make(chan struct{}, 1)
	unsubscribe := s.notifier.Subscribe(chatID, func() {
		select {
		case events <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return detail, nil
		case <-deadline.C:
			return s.GetDetail(ctx, chatID)
		case <-events:
			detail, err = s.GetDetail(ctx, chatID)
			if err != nil {
				return nil, err
			}
			if detail.Status == StatusComplete || detail.Status == StatusStalled {
				return detail, nil
			}
		}
	}
}

// HistoryEntry is one chat in a registered user's history listing.
type HistoryEntry struct {
	ChatID      string          `json:"chat_id"`
	Description string          `json:"description"`
	Status      Status          `json:"status"`
	UpdatedAt   time.Time       `json:"updated_at"`
	Responses   []ModelResponse `json:"responses"`
}

// History lists a registered user's chats, newest activity first.
func (s *Service) History(ctx context.Context, id identity.Identity) ([]HistoryEntry, error) {
	userID, ok := id.UserID()
	if !ok {
		return nil, common.ErrUnauthorized
	}
	chats, err := s.repo.ListChatsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	chatIDs := make([]string, len(chats))
	for i, c := range chats {
		chatIDs[i] = c.ChatID
	}
	byChat, err := s.repo.ResponsesForChats(ctx, chatIDs)
	if err != nil {
		return nil, err
	}

	entries := make([]HistoryEntry, 0, len(chats))
	for i := range chats {
		c := &chats[i]
		problem, err := s.repo.GetProblemByID(ctx, c.ProblemID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				continue
			}
			return nil, err
		}
		job, err := s.repo.LatestChainJobForChat(ctx, c.ChatID)
		if err != nil {
			return nil, err
		}
		responses := byChat[c.ChatID]
		entries = append(entries, HistoryEntry{
			ChatID:      c.ChatID,
			Description: problem.Description,
			Status:      s.computeStatus(c, job, responses, time.Now()),
			UpdatedAt:   c.UpdatedAt,
			Responses:   responses,
		})
	}
	return entries, nil
}

// Delete removes an owned chat with its responses and chain jobs. The
// problem statement survives; other chats may reference it.
func (s *Service) Delete(ctx context.Context, id identity.Identity, chatID string) error {
	if _, err := s.ownedChat(ctx, id, chatID); err != nil {
		return err
	}
	if err := s.repo.DeleteChat(ctx, chatID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return common.ErrNotFound
		}
		return err
	}
	return nil
}
