// Package reputation buffers RateUser events in memory and folds them
// into per-pubkey aggregates on a periodic flush (SPEC_FULL.md §4.4).
//
// Grounded on this codebase's internal/node/retry_worker.go: a single
// background goroutine owns a ctx/cancel pair and a ticker loop,
// started and stopped explicitly rather than left to a free-running
// goroutine the rest of the program can't coordinate with.
package reputation

import (
	"context"
	"fmt"
	"time"

	"github.com/mostrond/mostrond/internal/authz"
	"github.com/mostrond/mostrond/internal/messages"
	"github.com/mostrond/mostrond/internal/storage"
	"github.com/mostrond/mostrond/pkg/logging"
)

// rateEvent is one buffered RateUser submission.
type rateEvent struct {
	orderID     string
	raterPubkey string
	ratedPubkey string
	rating      int
}

// Notifier is the narrow publisher surface the aggregator needs.
type Notifier interface {
	Notify(ctx context.Context, recipientPubkey string, action messages.Action, orderID string, payload any) error
}

// Aggregator buffers rate events in memory and flushes them to storage
// and the publisher on a fixed cadence.
type Aggregator struct {
	store *storage.Storage
	pub   Notifier
	authz *authz.Resolver
	log   *logging.Logger

	interval time.Duration
	queue    chan rateEvent
	buffer   []rateEvent

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New returns an Aggregator flushing every interval once Start is
// called.
func New(store *storage.Storage, pub Notifier, authzResolver *authz.Resolver, interval time.Duration) *Aggregator {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Aggregator{
		store:    store,
		pub:      pub,
		authz:    authzResolver,
		log:      logging.GetDefault().Component("reputation"),
		interval: interval,
		queue:    make(chan rateEvent, 256),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// Start launches the aggregator's background goroutine.
func (a *Aggregator) Start() {
	go a.run()
	a.log.Info("reputation aggregator started", "flush_interval", a.interval)
}

// Stop flushes any remaining buffered events and halts the goroutine.
func (a *Aggregator) Stop() {
	a.cancel()
	<-a.done
	a.log.Info("reputation aggregator stopped")
}

// Enqueue validates and buffers a RateUser submission (SPEC_FULL.md
// §4.4): the sender must be a participant in a Completed order and
// must not have already rated it. The rated counterparty is derived
// from the order, never supplied by the caller.
func (a *Aggregator) Enqueue(orderID, raterPubkey string, rating int) error {
	order, err := a.store.GetOrder(orderID)
	if err != nil {
		return err
	}
	if order.Status != storage.StatusCompleted {
		return messages.NewCantDo(messages.ReasonInvalidParameters)
	}
	if !a.authz.IsBuyer(order, raterPubkey) && !a.authz.IsSeller(order, raterPubkey) {
		return messages.NewCantDo(messages.ReasonIsNotYourOrder)
	}

	already, err := a.store.HasRated(orderID, raterPubkey)
	if err != nil {
		return fmt.Errorf("failed to check existing rating: %w", err)
	}
	if already {
		return messages.NewCantDo(messages.ReasonInvalidParameters)
	}

	ratedPubkey := ""
	if order.BuyerPubkey != nil && *order.BuyerPubkey == raterPubkey && order.SellerPubkey != nil {
		ratedPubkey = *order.SellerPubkey
	} else if order.SellerPubkey != nil && *order.SellerPubkey == raterPubkey && order.BuyerPubkey != nil {
		ratedPubkey = *order.BuyerPubkey
	}
	if ratedPubkey == "" {
		return messages.NewCantDo(messages.ReasonInvalidParameters)
	}

	select {
	case a.queue <- rateEvent{orderID: orderID, raterPubkey: raterPubkey, ratedPubkey: ratedPubkey, rating: rating}:
	default:
		return fmt.Errorf("reputation queue full")
	}
	return nil
}

func (a *Aggregator) run() {
	defer close(a.done)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			for len(a.queue) > 0 {
				a.buffer = append(a.buffer, <-a.queue)
			}
			a.flush()
			return
		case ev := <-a.queue:
			a.buffer = append(a.buffer, ev)
		case <-ticker.C:
			a.flush()
		}
	}
}

// flush persists every buffered event and publishes one aggregated
// reputation notification per distinct rated pubkey.
func (a *Aggregator) flush() {
	if len(a.buffer) == 0 {
		return
	}

	touched := make(map[string]struct{})
	for _, ev := range a.buffer {
		if err := a.store.RecordRating(ev.orderID, ev.raterPubkey, ev.ratedPubkey, ev.rating); err != nil {
			a.log.Warn("failed to record rating", "order_id", ev.orderID, "rated", ev.ratedPubkey, "error", err)
			continue
		}
		touched[ev.ratedPubkey] = struct{}{}
	}
	a.log.Debug("flushed rate events", "count", len(a.buffer))
	a.buffer = a.buffer[:0]

	for pubkey := range touched {
		user, err := a.store.GetUser(pubkey)
		if err != nil {
			a.log.Warn("failed to load user for reputation notice", "pubkey", pubkey, "error", err)
			continue
		}
		payload := map[string]any{
			"average": user.Average(),
			"count":   user.TotalRatingCount,
		}
		if err := a.pub.Notify(a.ctx, pubkey, messages.ActionRateReceived, "", payload); err != nil {
			a.log.Warn("failed to publish reputation update", "pubkey", pubkey, "error", err)
		}
	}
}
