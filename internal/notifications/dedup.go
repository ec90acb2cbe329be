package notifications

import (
	"context"
	"fmt"
	"time"

	"github.com/felipepmaragno/llm-gateway/internal/store"
)

const DefaultCooldown = 5 * time.Minute

// DedupNotifier forwards a notification only when no notification with the
// same type, provider and bucket went out within the cooldown. The check is
// a one-slot sliding window on the shared store, so it holds across gateway
// instances.
type DedupNotifier struct {
	next     Notifier
	store    store.Store
	cooldown time.Duration
	now      func() time.Time
}

func NewDedupNotifier(next Notifier, s store.Store, cooldown time.Duration) *DedupNotifier {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &DedupNotifier{next: next, store: s, cooldown: cooldown, now: time.Now}
}

func (d *DedupNotifier) Send(ctx context.Context, n Notification) error {
	if !d.shouldSend(ctx, n) {
		return nil
	}
	return d.next.Send(ctx, n)
}

// shouldSend fails open when the store cannot answer.
func (d *DedupNotifier) shouldSend(ctx context.Context, n Notification) bool {
	key := fmt.Sprintf("notify:%s:%s:%s", n.Type, n.Provider, n.Bucket)
	state, err := d.store.Window(ctx, key, d.now(), d.cooldown, 1, true)
	if err != nil {
		return true
	}
	return state.Admitted
}
