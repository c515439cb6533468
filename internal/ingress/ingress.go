// Package ingress runs the coordinator's inbound message pipeline: the
// 8-step PoW gate → kind filter → signature verify → gift-wrap unwrap
// → freshness window → JSON decode → inner Verify() → dispatch sequence
// (SPEC_FULL.md §4.1).
//
// Grounded on internal/node/swap_handler.go's processEncryptedMessages
// dispatch loop (subscribe, decrypt, route by message type), with the
// decrypt and route steps each generalized: decrypt into the two-layer
// gift-wrap construction of internal/giftwrap, and route into the
// three-way fan-out across internal/ordersm, internal/dispute, and
// internal/reputation this coordinator's Action set requires.
package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/mostrond/mostrond/internal/authz"
	"github.com/mostrond/mostrond/internal/giftwrap"
	"github.com/mostrond/mostrond/internal/identity"
	"github.com/mostrond/mostrond/internal/messages"
	"github.com/mostrond/mostrond/internal/storage"
	"github.com/mostrond/mostrond/internal/wire"
	"github.com/mostrond/mostrond/pkg/logging"
)

// freshnessWindow bounds how far a rumor's created_at may drift from
// wall-clock time before it is dropped as stale or replayed
// (SPEC_FULL.md §4.1 step 5).
const freshnessWindow = 10 * time.Second

// transientRetryAttempts and transientRetryBaseDelay bound the
// backend-transient retry a dispatch failure gets before the message
// is treated as undelivered (SPEC_FULL.md §7), the same bounded-backoff
// shape as the teacher's retry_worker.go, applied per-message inside
// the handler instead of via a polling queue.
const (
	transientRetryAttempts  = 3
	transientRetryBaseDelay = 100 * time.Millisecond
)

// isNotFoundErr reports whether err is one of storage's sentinel
// not-found errors: SPEC_FULL.md §7 drops these silently rather than
// retrying or confirming existence to a stranger.
func isNotFoundErr(err error) bool {
	return errors.Is(err, storage.ErrOrderNotFound) ||
		errors.Is(err, storage.ErrDisputeNotFound) ||
		errors.Is(err, storage.ErrSolverNotFound)
}

// withinFreshnessWindow reports whether a rumor's unix-seconds
// created_at falls within freshnessWindow of now.
func withinFreshnessWindow(unixSec int64) bool {
	age := time.Since(time.Unix(unixSec, 0))
	return age >= -freshnessWindow && age <= freshnessWindow
}

// Host is the narrow transport surface the ingress loop needs,
// satisfied by internal/transport.Host.
type Host interface {
	Next(ctx context.Context) (*pubsub.Message, error)
	SelfID() peer.ID
}

// OrderSM is the order-state-machine surface the ingress loop
// dispatches NewOrder/TakeSell/.../AdminCancel onto.
type OrderSM interface {
	NewOrder(ctx context.Context, creatorPubkey string, content *messages.NewOrderContent) (*storage.Order, error)
	TakeSell(ctx context.Context, orderID, takerPubkey string, fiatAmount int64, buyerInvoice string) (*storage.Order, error)
	TakeBuy(ctx context.Context, orderID, takerPubkey string, fiatAmount int64) (*storage.Order, error)
	AddInvoice(ctx context.Context, orderID, senderPubkey, invoice string) error
	FiatSent(ctx context.Context, orderID, senderPubkey string) error
	Release(ctx context.Context, orderID, senderPubkey string) error
	Cancel(ctx context.Context, orderID, senderPubkey string) error
	AdminCancel(ctx context.Context, orderID string) error
}

// DisputeManager is the dispute-subsystem surface the ingress loop
// dispatches Dispute/AdminTakeDispute/AdminSettle onto.
type DisputeManager interface {
	Open(ctx context.Context, orderID, senderPubkey string) (*storage.Dispute, error)
	AdminTakeDispute(ctx context.Context, disputeID, solverPubkey string) error
	AdminSettle(ctx context.Context, disputeID, callerPubkey string, settleToBuyer bool) error
	AdminAddSolver(solverPubkey, addedBy string) error
}

// ReputationAggregator is the reputation surface the ingress loop
// dispatches RateUser onto.
type ReputationAggregator interface {
	Enqueue(orderID, raterPubkey string, rating int) error
}

// Notifier sends a CantDo rejection (or any other direct notice) back
// to a message's sender.
type Notifier interface {
	Notify(ctx context.Context, recipientPubkey string, action messages.Action, orderID string, payload any) error
}

// Pipeline owns the ingress loop: reading frames off the transport,
// running them through the 8-step codec, and dispatching recognised
// actions to their handlers.
type Pipeline struct {
	host  Host
	id    *identity.Identity
	sm    OrderSM
	dsp   DisputeManager
	rep   ReputationAggregator
	pub   Notifier
	authz *authz.Resolver
	log   *logging.Logger

	pow int

	trades *messages.TradeIndexTracker
}

// New returns a Pipeline. pow is the minimum number of leading zero
// bits an inbound envelope's content-addressed id must carry
// (SPEC_FULL.md §4.1 step 1); 0 disables the check.
func New(host Host, id *identity.Identity, sm OrderSM, dsp DisputeManager, rep ReputationAggregator, pub Notifier, authzResolver *authz.Resolver, pow int) *Pipeline {
	return &Pipeline{
		host:   host,
		id:     id,
		sm:     sm,
		dsp:    dsp,
		rep:    rep,
		pub:    pub,
		authz:  authzResolver,
		log:    logging.GetDefault().Component("ingress"),
		pow:    pow,
		trades: messages.NewTradeIndexTracker(),
	}
}

// Run reads frames off the transport until ctx is canceled. Each frame
// is dispatched in its own goroutine so a slow or blocking handler
// never stalls the receive loop, mirroring the teacher's
// processEncryptedMessages shape.
func (p *Pipeline) Run(ctx context.Context) error {
	for {
		msg, err := p.host.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.log.Warn("transport receive failed", "error", err)
			continue
		}
		if msg.ReceivedFrom == p.host.SelfID() {
			continue
		}
		go p.handleFrame(ctx, msg.Data)
	}
}

// handleFrame runs one raw transport message through the full codec.
// Every rejection short-circuits by returning; none of them are fatal
// to the loop, so failures are logged (never panicked on) and nothing
// is propagated back to Run.
func (p *Pipeline) handleFrame(ctx context.Context, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Warn("dropped frame: handler panicked", "panic", r)
		}
	}()

	frame, err := wire.Decode(data)
	if err != nil {
		p.log.Debug("dropped frame: decode failed", "error", err)
		return
	}

	// Step 1: PoW gate.
	if p.pow > 0 && giftwrap.LeadingZeroBits(frame.ID) < p.pow {
		p.log.Debug("dropped frame: insufficient proof of work")
		return
	}

	// Step 2: kind filter. Public order events are consumed by the
	// resync/subscription path (internal/publisher), never dispatched
	// here.
	if frame.Kind != wire.KindGiftWrap {
		return
	}

	var env giftwrap.Envelope
	if err := json.Unmarshal(frame.Payload, &env); err != nil {
		p.log.Debug("dropped frame: malformed envelope", "error", err)
		return
	}

	// Step 3: signature verify, log-only. A forged or corrupt outer
	// signature is dropped silently rather than used to disconnect the
	// sending peer, since the gossip transport has no reliable way to
	// blame a relay for a message it merely forwarded.
	if !giftwrap.VerifyOuterSignature(&env) {
		p.log.Debug("dropped frame: outer signature verification failed")
		return
	}

	if env.RecipientPubkey != p.id.PubkeyHex() {
		return
	}

	// Step 4: gift-wrap unwrap.
	rumor, err := giftwrap.Open(p.id.PubkeyHex(), p.id.X25519Private(), &env)
	if err != nil {
		p.log.Debug("dropped frame: failed to open envelope", "error", err)
		return
	}

	// Step 5: freshness window.
	if !withinFreshnessWindow(rumor.CreatedAt) {
		p.log.Debug("dropped frame: outside freshness window", "sender", rumor.PubkeyHex)
		return
	}

	// Step 6: JSON decode.
	var msg messages.Message
	if err := json.Unmarshal(rumor.Payload, &msg); err != nil {
		p.log.Debug("dropped frame: malformed message", "error", err)
		return
	}

	// Step 7: inner Verify(), including trade_index monotonicity.
	if !p.trades.Check(rumor.PubkeyHex, msg.TradeIndex) {
		p.log.Debug("dropped frame: stale trade_index", "sender", rumor.PubkeyHex)
		return
	}
	if !messages.KnownAction(msg.Action) {
		p.log.Debug("dropped frame: unrecognised action", "action", msg.Action)
		return
	}

	// Step 8: dispatch, with bounded backoff for backend-transient
	// failures (SPEC_FULL.md §7).
	if err := p.dispatchWithRetry(ctx, rumor.PubkeyHex, &msg); err != nil {
		p.reject(ctx, rumor.PubkeyHex, &msg, err)
	}
}

// dispatchWithRetry runs dispatch and classifies any failure per
// SPEC_FULL.md §7: a *messages.CantDoError is a validation failure and
// returned immediately for reject to answer; a storage not-found
// sentinel is dropped silently (never retried, never confirmed to the
// sender); anything else is treated as backend-transient and retried
// with bounded backoff, then logged and swallowed on exhaustion so the
// message is simply never acknowledged and the sender's client retries
// it, exactly as spec.md §7 describes.
func (p *Pipeline) dispatchWithRetry(ctx context.Context, senderPubkey string, msg *messages.Message) error {
	var err error
	for attempt := 0; attempt < transientRetryAttempts; attempt++ {
		err = p.dispatch(ctx, senderPubkey, msg)
		if err == nil {
			return nil
		}
		if _, ok := err.(*messages.CantDoError); ok {
			return err
		}
		if isNotFoundErr(err) {
			p.log.Debug("dropped message: not found", "action", msg.Action, "order_id", msg.ID, "error", err)
			return nil
		}
		if attempt == transientRetryAttempts-1 {
			break
		}
		delay := transientRetryBaseDelay * time.Duration(1<<uint(attempt))
		p.log.Warn("backend-transient dispatch failure, retrying",
			"action", msg.Action, "order_id", msg.ID, "attempt", attempt+1, "error", err)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
	p.log.Warn("backend-transient dispatch failure exhausted retries; dropping message",
		"action", msg.Action, "order_id", msg.ID, "error", err)
	return nil
}

func (p *Pipeline) dispatch(ctx context.Context, senderPubkey string, msg *messages.Message) error {
	switch msg.Action {
	case messages.ActionNewOrder:
		var content messages.NewOrderContent
		if err := json.Unmarshal(msg.Content, &content); err != nil {
			return messages.NewCantDo(messages.ReasonInvalidParameters)
		}
		if err := content.Verify(); err != nil {
			return err
		}
		_, err := p.sm.NewOrder(ctx, senderPubkey, &content)
		return err

	case messages.ActionTakeSell:
		var content messages.TakeSellContent
		if err := json.Unmarshal(msg.Content, &content); err != nil {
			return messages.NewCantDo(messages.ReasonInvalidParameters)
		}
		if err := content.Verify(); err != nil {
			return err
		}
		_, err := p.sm.TakeSell(ctx, msg.ID, senderPubkey, content.FiatAmount, content.BuyerInvoice)
		return err

	case messages.ActionTakeBuy:
		var content messages.TakeBuyContent
		if err := json.Unmarshal(msg.Content, &content); err != nil {
			return messages.NewCantDo(messages.ReasonInvalidParameters)
		}
		if err := content.Verify(); err != nil {
			return err
		}
		_, err := p.sm.TakeBuy(ctx, msg.ID, senderPubkey, content.FiatAmount)
		return err

	case messages.ActionAddInvoice:
		var content messages.AddInvoiceContent
		if err := json.Unmarshal(msg.Content, &content); err != nil {
			return messages.NewCantDo(messages.ReasonInvalidParameters)
		}
		if err := content.Verify(); err != nil {
			return err
		}
		return p.sm.AddInvoice(ctx, msg.ID, senderPubkey, content.Invoice)

	case messages.ActionFiatSent:
		return p.sm.FiatSent(ctx, msg.ID, senderPubkey)

	case messages.ActionRelease:
		return p.sm.Release(ctx, msg.ID, senderPubkey)

	case messages.ActionCancel:
		return p.sm.Cancel(ctx, msg.ID, senderPubkey)

	case messages.ActionDispute:
		_, err := p.dsp.Open(ctx, msg.ID, senderPubkey)
		return err

	case messages.ActionRateUser:
		var content messages.RateUserContent
		if err := json.Unmarshal(msg.Content, &content); err != nil {
			return messages.NewCantDo(messages.ReasonInvalidParameters)
		}
		if err := content.Verify(); err != nil {
			return err
		}
		return p.rep.Enqueue(msg.ID, senderPubkey, content.Rating)

	case messages.ActionAdminCancel:
		ok, err := p.authz.IsAdminOrSolver(senderPubkey)
		if err != nil {
			return fmt.Errorf("failed to check solver registry: %w", err)
		}
		if !ok {
			return messages.NewCantDo(messages.ReasonNotAuthorized)
		}
		return p.sm.AdminCancel(ctx, msg.ID)

	case messages.ActionAdminTakeDispute:
		return p.dsp.AdminTakeDispute(ctx, msg.ID, senderPubkey)

	case messages.ActionAdminSettle:
		var content messages.AdminSettleContent
		if err := json.Unmarshal(msg.Content, &content); err != nil {
			return messages.NewCantDo(messages.ReasonInvalidParameters)
		}
		return p.dsp.AdminSettle(ctx, msg.ID, senderPubkey, content.SettleToBuyer)

	case messages.ActionAdminAddSolver:
		var content messages.AdminAddSolverContent
		if err := json.Unmarshal(msg.Content, &content); err != nil {
			return messages.NewCantDo(messages.ReasonInvalidParameters)
		}
		if err := content.Verify(); err != nil {
			return err
		}
		if !p.authz.IsAdmin(senderPubkey) {
			return messages.NewCantDo(messages.ReasonNotAuthorized)
		}
		return p.dsp.AdminAddSolver(content.SolverPubkey, senderPubkey)

	case messages.ActionPayInvoice:
		// Reserved, unimplemented per spec §9.
		return messages.NewCantDo(messages.ReasonInvalidParameters)

	default:
		return messages.NewCantDo(messages.ReasonInvalidParameters)
	}
}

// reject reports a validation failure back to its sender (SPEC_FULL.md
// §7): dispatchWithRetry only ever returns a live error here for a
// *messages.CantDoError (not-found and backend-transient failures are
// classified and swallowed before reaching this point), so the reason
// code is always present to answer CantDo(reason) with.
func (p *Pipeline) reject(ctx context.Context, senderPubkey string, msg *messages.Message, err error) {
	cantDo, ok := err.(*messages.CantDoError)
	if !ok {
		p.log.Error("dispatch returned an unclassified error", "action", msg.Action, "order_id", msg.ID, "error", err)
		return
	}
	if notifyErr := p.pub.Notify(ctx, senderPubkey, messages.ActionCantDo, msg.ID, map[string]string{
		"reason":     string(cantDo.Reason),
		"request_id": msg.RequestID,
	}); notifyErr != nil {
		p.log.Warn("failed to notify sender of rejection", "error", notifyErr)
	}
}
