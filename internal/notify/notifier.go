package notify

import "context"

// Notifier wakes readers waiting on a chat the moment a response for it is
// persisted. Subscribe returns an unsubscribe func that must be called when
// the reader stops waiting, or callbacks leak.
type Notifier interface {
	Publish(ctx context.Context, chatID string)
	Subscribe(chatID string, fn func()) (unsubscribe func())
}
