// Package publisher emits the coordinator's two classes of outbound
// traffic (SPEC_FULL.md §4.5): replaceable public order events keyed
// by (author, order_id), and direct gift-wrapped notifications
// addressed to a single participant.
//
// Grounded on this codebase's transport publish path
// (internal/node/node.go's topic.Publish) generalized from a single
// swap-gossip topic to the two wire.Frame kinds this coordinator
// needs, and on internal/node/crypto.go's per-message ephemeral
// sealing for the gift-wrapped half.
package publisher

import (
	"context"
	"fmt"

	"github.com/mostrond/mostrond/internal/giftwrap"
	"github.com/mostrond/mostrond/internal/identity"
	"github.com/mostrond/mostrond/internal/messages"
	"github.com/mostrond/mostrond/internal/storage"
	"github.com/mostrond/mostrond/internal/wire"
	"github.com/mostrond/mostrond/pkg/logging"
)

// Host is the narrow transport surface the publisher needs, satisfied
// by internal/transport.Host; kept as an interface so tests can stub
// it without standing up a libp2p swarm.
type Host interface {
	Publish(ctx context.Context, data []byte) error
}

// OrderEventContent is the public, replaceable snapshot of an order
// (SPEC_FULL.md §4.5 "Replaceable order event content"): a JSON order
// snapshot plus a set of categorical tags.
type OrderEventContent struct {
	OrderID       string  `json:"order_id"`
	Author        string  `json:"author"` // creator_pubkey; the replaceable key is (author, order_id)
	Kind          string  `json:"kind"`
	Status        string  `json:"status"`
	FiatCode      string  `json:"fiat_code"`
	FiatAmount    int64   `json:"fiat_amount,omitempty"`
	MinAmount     int64   `json:"min_amount,omitempty"`
	MaxAmount     int64   `json:"max_amount,omitempty"`
	Amount        int64   `json:"amount"`
	PaymentMethod string  `json:"payment_method"`
	Premium       int64   `json:"premium"`
	Network       string  `json:"network"`
	Layer         string  `json:"layer"`
	ExpiresAt     int64   `json:"expiration,omitempty"`
	CreatedAt     int64   `json:"created_at"`
}

// Notification is the content of a gift-wrapped direct message.
type Notification struct {
	Action  messages.Action `json:"action"`
	OrderID string          `json:"order_id,omitempty"`
	Payload any             `json:"payload,omitempty"`
}

// Publisher emits order events and direct notifications over a
// shared transport Host.
type Publisher struct {
	host     Host
	identity *identity.Identity
	network  string
	log      *logging.Logger
}

// New returns a Publisher that records id's public key as the sender of
// its notifications, publishing over host. Order events are not signed. network is the tag value recorded on
// published order events (e.g. "mainnet", "testnet").
func New(host Host, id *identity.Identity, network string) *Publisher {
	return &Publisher{
		host:     host,
		identity: id,
		network:  network,
		log:      logging.GetDefault().Component("publisher"),
	}
}

// PublishOrder publishes o's current snapshot as a replaceable order
// event and returns the new event id, which the caller (the order
// state machine) persists as Order.EventID. Calling this twice with an
// unchanged snapshot yields the same event id, since frame ids are
// content-addressed (SPEC_FULL.md §8).
func (p *Publisher) PublishOrder(ctx context.Context, o *storage.Order) (string, error) {
	content := OrderEventContent{
		OrderID:       o.ID,
		Author:        o.CreatorPubkey,
		Kind:          string(o.Kind),
		Status:        string(o.Status),
		FiatCode:      o.FiatCode,
		FiatAmount:    o.FiatAmount,
		MinAmount:     o.MinAmount,
		MaxAmount:     o.MaxAmount,
		Amount:        o.Amount,
		PaymentMethod: o.PaymentMethod,
		Premium:       o.Premium,
		Network:       p.network,
		Layer:         "lightning",
		CreatedAt:     o.CreatedAt.Unix(),
	}
	if o.ExpiresAt != nil {
		content.ExpiresAt = o.ExpiresAt.Unix()
	}

	frame, err := wire.NewFrame(wire.KindOrderEvent, content)
	if err != nil {
		return "", fmt.Errorf("failed to build order event frame: %w", err)
	}

	data, err := frame.Encode()
	if err != nil {
		return "", err
	}
	if err := p.host.Publish(ctx, data); err != nil {
		return "", fmt.Errorf("failed to publish order event: %w", err)
	}

	eventID := fmt.Sprintf("%x", frame.ID)
	p.log.Debug("published order event", "order_id", o.ID, "status", o.Status, "event_id", eventID)
	return eventID, nil
}

// Notify sends a gift-wrapped direct notification to recipientPubkey,
// the per-party state-transition channel used throughout the state
// machine, dispute subsystem, and reputation aggregator
// (SPEC_FULL.md §4.5).
func (p *Publisher) Notify(ctx context.Context, recipientPubkey string, action messages.Action, orderID string, payload any) error {
	note := Notification{Action: action, OrderID: orderID, Payload: payload}

	env, err := giftwrap.Seal(p.identity.PubkeyHex(), recipientPubkey, note)
	if err != nil {
		return fmt.Errorf("failed to seal notification: %w", err)
	}

	frame, err := wire.NewFrame(wire.KindGiftWrap, env)
	if err != nil {
		return fmt.Errorf("failed to build gift-wrap frame: %w", err)
	}

	data, err := frame.Encode()
	if err != nil {
		return err
	}
	if err := p.host.Publish(ctx, data); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}

	p.log.Debug("sent notification", "action", action, "order_id", orderID, "recipient", shortKey(recipientPubkey))
	return nil
}

func shortKey(pubkey string) string {
	if len(pubkey) > 12 {
		return pubkey[:12]
	}
	return pubkey
}
