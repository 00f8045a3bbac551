package notify

import (
	"context"
	"sync"

	"github.com/qiyuhang/multisolve/internal/logger"
)

type subscription struct {
	chatID string
	fn     func()
}

// Hub is the in-process notifier. Its subscriber registry is process-wide
// mutable state, so it only works under a single-instance deployment; use
// the redis notifier when running more than one API instance.
type Hub struct {
	mu   sync.RWMutex
	log  *logger.Logger
	subs map[string]map[*subscription]struct{}
}

func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		log:  log.With("component", "notify.Hub"),
		subs: make(map[string]map[*subscription]struct{}),
	}
}

func (h *Hub) Publish(_ context.Context, chatID string) {
	h.mu.RLock()
	set, ok := h.subs[chatID]
	if !ok {
		h.mu.RUnlock()
		return
	}
	fns := make([]func(), 0, len(set))
	for s := range set {
		fns = append(fns, s.fn)
	}
	h.mu.RUnlock()

	// Callbacks run outside the lock; subscribers only signal a channel.
	for _, fn := range fns {
		fn()
	}
}

func (h *Hub) Subscribe(chatID string, fn func()) func() {
	s := &subscription{chatID: chatID, fn: fn}

	h.mu.Lock()
	set, ok := h.subs[chatID]
	if !ok {
		set = make(map[*subscription]struct{})
		h.subs[chatID] = set
	}
	set[s] = struct{}{}
	h.mu.Unlock()

	h.log.Debug("subscriber added", "chatID", chatID)

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			if set, ok := h.subs[chatID]; ok {
				delete(set, s)
				if len(set) == 0 {
					delete(h.subs, chatID)
				}
			}
			h.mu.Unlock()
		})
	}
}

// SubscriberCount exists for leak checks in tests.
func (h *Hub) SubscriberCount(chatID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[chatID])
}
