package adminrpc

import (
	"context"
	"time"

	"github.com/mostrond/mostrond/internal/messages"
	"github.com/mostrond/mostrond/internal/storage"
)

// orderPublisher is the surface internal/publisher.Publisher already
// satisfies; BroadcastingNotifier wraps one so the order/dispute
// pubkey-facing notifications and this admin plane's dashboard push
// stay a single call site rather than two independent ones the caller
// has to remember to wire.
type orderPublisher interface {
	PublishOrder(ctx context.Context, o *storage.Order) (string, error)
	Notify(ctx context.Context, recipientPubkey string, action messages.Action, orderID string, payload any) error
}

// BroadcastingNotifier decorates an internal/publisher.Publisher with
// the admin control plane's websocket push, satisfying the same
// Notifier interface internal/ordersm.Machine and
// internal/dispute.Manager already program against. No new
// state-machine semantics: this only adds an operational side
// channel, per SPEC_FULL.md §6.
type BroadcastingNotifier struct {
	inner orderPublisher
	hub   *Hub
}

// NewBroadcastingNotifier wraps pub so every PublishOrder/Notify call
// also pushes a StateChangeEvent to admin dashboard clients.
func NewBroadcastingNotifier(pub orderPublisher, hub *Hub) *BroadcastingNotifier {
	return &BroadcastingNotifier{inner: pub, hub: hub}
}

// PublishOrder delegates to the wrapped publisher, then broadcasts the
// order's new status to admin clients.
func (b *BroadcastingNotifier) PublishOrder(ctx context.Context, o *storage.Order) (string, error) {
	eventID, err := b.inner.PublishOrder(ctx, o)
	if err == nil {
		b.hub.Broadcast(StateChangeEvent{
			Kind:      "order",
			ID:        o.ID,
			Status:    string(o.Status),
			Timestamp: time.Now().Unix(),
		})
	}
	return eventID, err
}

// Notify delegates to the wrapped publisher, then broadcasts the
// notified action to admin clients.
func (b *BroadcastingNotifier) Notify(ctx context.Context, recipientPubkey string, action messages.Action, orderID string, payload any) error {
	err := b.inner.Notify(ctx, recipientPubkey, action, orderID, payload)
	if err == nil {
		b.hub.Broadcast(StateChangeEvent{
			Kind:      "order",
			ID:        orderID,
			Action:    action,
			Timestamp: time.Now().Unix(),
		})
	}
	return err
}
