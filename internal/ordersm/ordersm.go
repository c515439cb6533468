// Package ordersm implements the central order state machine
// (SPEC_FULL.md §4.2): the automaton owning every legal transition an
// order can make, its coupling to the escrow (hold-invoice) primitive,
// and per-order serialisation.
//
// Grounded structurally on this codebase's internal/swap.Swap
// TransitionTo table-driven guard (a map[State][]State of legal next
// states checked before any mutation), generalized from swap states to
// SPEC_FULL.md §4.2's order states, and on internal/swap/coordinator.go
// for the per-entity mutation boundary.
package ordersm

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mostrond/mostrond/internal/authz"
	"github.com/mostrond/mostrond/internal/config"
	"github.com/mostrond/mostrond/internal/escrow"
	"github.com/mostrond/mostrond/internal/messages"
	"github.com/mostrond/mostrond/internal/oracle"
	"github.com/mostrond/mostrond/internal/storage"
	"github.com/mostrond/mostrond/pkg/helpers"
	"github.com/mostrond/mostrond/pkg/logging"
)

// transitions is the legal-next-states table for SPEC_FULL.md §4.2,
// the same shape as internal/swap.Swap.TransitionTo's map[State][]State
// guard. It documents reachability; the actual mutation and side
// effects for each edge live in the operation methods below.
var transitions = map[storage.Status][]storage.Status{
	storage.StatusPending: {
		storage.StatusWaitingBuyerInvoice,
		storage.StatusWaitingPayment,
		storage.StatusCanceled,
		storage.StatusCanceledByAdmin,
	},
	storage.StatusWaitingBuyerInvoice: {
		storage.StatusWaitingPayment,
		storage.StatusCanceled,
		storage.StatusPending, // taker-abandon republish, §4.2.1
		storage.StatusCanceledByAdmin,
		storage.StatusExpired,
	},
	storage.StatusWaitingPayment: {
		storage.StatusActive,
		storage.StatusCanceled,
		storage.StatusPending, // taker-abandon republish, §4.2.1
		storage.StatusCanceledByAdmin,
		storage.StatusExpired,
	},
	storage.StatusActive: {
		storage.StatusFiatSent,
		storage.StatusDispute,
		storage.StatusCooperativelyCanceled,
		storage.StatusCanceledByAdmin,
		storage.StatusExpired,
	},
	storage.StatusFiatSent: {
		storage.StatusSettled,
		storage.StatusDispute,
		storage.StatusCooperativelyCanceled,
		storage.StatusCanceledByAdmin,
	},
	storage.StatusSettled: {
		storage.StatusCompleted,
		storage.StatusCanceledByAdmin,
	},
	storage.StatusDispute: {
		storage.StatusSettledByAdmin,
		storage.StatusCanceledByAdmin,
		storage.StatusCooperativelyCanceled,
	},
	storage.StatusCompleted:            {},
	storage.StatusCanceled:             {},
	storage.StatusCooperativelyCanceled: {},
	storage.StatusCanceledByAdmin:      {},
	storage.StatusSettledByAdmin:       {},
	storage.StatusExpired:              {},
}

// legal reports whether to is a permitted next state from from.
func legal(from, to storage.Status) bool {
	next, ok := transitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

// Notifier is the narrow publisher surface the state machine needs:
// replaceable order events and direct gift-wrapped notifications
// (SPEC_FULL.md §4.5).
type Notifier interface {
	PublishOrder(ctx context.Context, o *storage.Order) (eventID string, err error)
	Notify(ctx context.Context, recipientPubkey string, action messages.Action, orderID string, payload any) error
}

// Machine is the order state machine. One Machine serves every order;
// mutation of a single order id is serialised by a per-id mutex
// (SPEC_FULL.md §5's option (a)), while distinct orders proceed fully
// in parallel.
type Machine struct {
	store  *storage.Storage
	escrow escrow.Driver
	oracle oracle.Oracle
	pub    Notifier
	authz  *authz.Resolver
	cfg    *config.Config
	log    *logging.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New returns a Machine wired to its collaborators.
func New(store *storage.Storage, escrowDriver escrow.Driver, oracleSvc oracle.Oracle, pub Notifier, authzResolver *authz.Resolver, cfg *config.Config) *Machine {
	return &Machine{
		store:  store,
		escrow: escrowDriver,
		oracle: oracleSvc,
		pub:    pub,
		authz:  authzResolver,
		cfg:    cfg,
		log:    logging.GetDefault().Component("ordersm"),
		locks:  make(map[string]*sync.Mutex),
	}
}

// withOrderLock serialises every mutation to orderID (SPEC_FULL.md §5:
// "no two concurrent handlers may observe the same status and both
// write").
func (m *Machine) withOrderLock(orderID string, fn func() error) error {
	m.locksMu.Lock()
	l, ok := m.locks[orderID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[orderID] = l
	}
	m.locksMu.Unlock()

	l.Lock()
	defer l.Unlock()
	return fn()
}

func str(s string) *string { return &s }

// NewOrder creates a Pending order from content and publishes it
// (SPEC_FULL.md §4.2 row "NewOrder"). content must already have passed
// messages.NewOrderContent.Verify.
func (m *Machine) NewOrder(ctx context.Context, creatorPubkey string, content *messages.NewOrderContent) (*storage.Order, error) {
	o := &storage.Order{
		ID:            uuid.New().String(),
		Kind:          storage.Kind(content.Kind),
		Status:        storage.StatusPending,
		CreatorPubkey: creatorPubkey,
		FiatCode:      strings.ToUpper(content.FiatCode),
		FiatAmount:    content.FiatAmount,
		MinAmount:     content.MinAmount,
		MaxAmount:     content.MaxAmount,
		Amount:        content.Amount,
		Premium:       content.Premium,
		PaymentMethod: content.PaymentMethod,
		PriceFromAPI:  content.PriceFromAPI,
	}
	if content.BuyerInvoice != "" {
		o.BuyerInvoice = str(content.BuyerInvoice)
	}
	if o.Kind == storage.KindBuy {
		o.MasterBuyerPubkey = str(creatorPubkey)
	} else {
		o.MasterSellerPubkey = str(creatorPubkey)
	}

	if m.cfg.ExpirationSeconds > 0 {
		exp := time.Now().Add(time.Duration(m.cfg.ExpirationSeconds) * time.Second)
		o.ExpiresAt = &exp
	}

	// §4.2.3: a range order's bounds are checked against the
	// configured sats floor/ceiling at creation time.
	if o.IsRange() && content.PriceFromAPI {
		for _, fiat := range []int64{o.MinAmount, o.MaxAmount} {
			sats, err := m.priceInSats(ctx, o.FiatCode, fiat, o.Premium)
			if err != nil {
				return nil, fmt.Errorf("failed to price range bound: %w", err)
			}
			if err := m.checkSatsBounds(sats); err != nil {
				return nil, err
			}
		}
	} else if !content.PriceFromAPI && !o.IsRange() {
		if err := m.checkSatsBounds(o.Amount); err != nil {
			return nil, err
		}
	}

	if err := m.store.CreateOrder(o); err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	eventID, err := m.pub.PublishOrder(ctx, o)
	if err != nil {
		m.log.Warn("failed to publish new order", "order_id", o.ID, "error", err)
	} else {
		o.EventID = &eventID
		if err := m.store.SaveOrder(o); err != nil {
			m.log.Warn("failed to persist event id", "order_id", o.ID, "error", err)
		}
	}

	return o, nil
}

// priceInSats resolves the sats amount for fiatAmount units of fiatCode
// via the oracle, applying premium (SPEC_FULL.md §4.2.3).
func (m *Machine) priceInSats(ctx context.Context, fiatCode string, fiatAmount, premium int64) (int64, error) {
	satsPerUnit, err := m.oracle.SatsPerUnit(ctx, fiatCode)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch price: %w", err)
	}
	sats := float64(fiatAmount) * satsPerUnit
	sats = sats * float64(100+premium) / 100
	return int64(math.Floor(sats)), nil
}

// checkSatsBounds enforces the configured sats floor/ceiling.
func (m *Machine) checkSatsBounds(sats int64) error {
	if sats < m.cfg.MinPaymentAmount || sats > m.cfg.MaxOrderAmount {
		return messages.NewCantDo(messages.ReasonOutOfRangeSatsAmount)
	}
	return nil
}

// TakeSell handles a buyer taking a Sell order (SPEC_FULL.md §4.2 row
// "TakeSell"). fiatAmount is required for range orders and must fall
// within [min_amount, max_amount]; buyerInvoice is optional — if
// supplied, the hold invoice is issued immediately instead of waiting
// for a separate AddInvoice.
func (m *Machine) TakeSell(ctx context.Context, orderID, takerPubkey string, fiatAmount int64, buyerInvoice string) (*storage.Order, error) {
	var result *storage.Order
	err := m.withOrderLock(orderID, func() error {
		o, err := m.store.GetOrder(orderID)
		if err != nil {
			return err
		}
		if o.Kind != storage.KindSell || o.Status != storage.StatusPending {
			return messages.NewCantDo(messages.ReasonOrderAlreadyCanceled)
		}
		if o.CreatorPubkey == takerPubkey {
			return messages.NewCantDo(messages.ReasonIsNotYourOrder)
		}

		child, err := m.materializeTake(ctx, o, takerPubkey, fiatAmount)
		if err != nil {
			return err
		}
		isNewRow := child.ID != o.ID
		// Sell order: the creator is the seller (§3); the taker is the buyer.
		child.SellerPubkey = str(o.CreatorPubkey)
		child.BuyerPubkey = str(takerPubkey)
		child.MasterBuyerPubkey = str(takerPubkey)

		if buyerInvoice != "" {
			child.BuyerInvoice = str(buyerInvoice)
		}

		if child.BuyerInvoice == nil {
			child.Status = storage.StatusWaitingBuyerInvoice
			if err := m.persistTaken(child, isNewRow); err != nil {
				return fmt.Errorf("failed to save taken order: %w", err)
			}
			m.publishQuiet(ctx, child)
			if err := m.pub.Notify(ctx, takerPubkey, messages.ActionBuyerInvoiceRequired, child.ID, nil); err != nil {
				m.log.Warn("failed to notify buyer invoice required", "error", err)
			}
			result = child
			return nil
		}

		if err := m.persistTaken(child, isNewRow); err != nil {
			return fmt.Errorf("failed to save taken order: %w", err)
		}
		if err := m.issueHoldInvoice(ctx, child); err != nil {
			return err
		}
		result = child
		return nil
	})
	return result, err
}

// materializeTake builds the order this take acts on: the order
// itself for a fixed-amount order, or a fresh fixed-amount child order
// cloned from a range order, priced at take time (§3, §4.2.3). The
// parent range order is left untouched and remains Pending.
func (m *Machine) materializeTake(ctx context.Context, o *storage.Order, takerPubkey string, fiatAmount int64) (*storage.Order, error) {
	if !o.IsRange() {
		if err := m.resolvePriceIfNeeded(ctx, o); err != nil {
			return nil, err
		}
		return o, nil
	}

	if fiatAmount < o.MinAmount || fiatAmount > o.MaxAmount {
		return nil, messages.NewCantDo(messages.ReasonOutOfRangeFiatAmount)
	}

	child := *o
	child.ID = uuid.New().String()
	child.ParentOrderID = str(o.ID)
	child.MinAmount = 0
	child.MaxAmount = 0
	child.FiatAmount = fiatAmount
	child.Amount = 0
	child.BuyerPubkey = nil
	child.SellerPubkey = nil
	child.Hash = nil
	child.Preimage = nil
	child.EventID = nil
	child.Status = storage.StatusPending

	if err := m.resolvePriceIfNeeded(ctx, &child); err != nil {
		return nil, err
	}
	return &child, nil
}

// persistTaken writes the order a take acts on: a fresh INSERT for a
// genuinely new range-child row, an UPDATE in place when the take
// mutates the same order row materializeTake returned unchanged
// (fixed-amount orders reuse o.ID, so CreateOrder would collide with
// NewOrder's original insert on the orders table's primary key).
func (m *Machine) persistTaken(o *storage.Order, isNewRow bool) error {
	if isNewRow {
		return m.store.CreateOrder(o)
	}
	return m.store.SaveOrder(o)
}

func (m *Machine) resolvePriceIfNeeded(ctx context.Context, o *storage.Order) error {
	if !o.PriceFromAPI {
		return m.checkSatsBounds(o.Amount)
	}
	sats, err := m.priceInSats(ctx, o.FiatCode, o.FiatAmount, o.Premium)
	if err != nil {
		return fmt.Errorf("failed to resolve price: %w", err)
	}
	if err := m.checkSatsBounds(sats); err != nil {
		return err
	}
	o.Amount = sats
	o.Fee = int64(math.Round(float64(sats) * m.cfg.Fee))
	return nil
}

// TakeBuy handles a seller taking a Buy order (SPEC_FULL.md §4.2 row
// "TakeBuy"): the order's creator is the buyer and must already carry
// a destination invoice from NewOrder; the taker (seller) funds the
// hold invoice.
func (m *Machine) TakeBuy(ctx context.Context, orderID, takerPubkey string, fiatAmount int64) (*storage.Order, error) {
	var result *storage.Order
	err := m.withOrderLock(orderID, func() error {
		o, err := m.store.GetOrder(orderID)
		if err != nil {
			return err
		}
		if o.Kind != storage.KindBuy || o.Status != storage.StatusPending {
			return messages.NewCantDo(messages.ReasonOrderAlreadyCanceled)
		}
		if o.CreatorPubkey == takerPubkey {
			return messages.NewCantDo(messages.ReasonIsNotYourOrder)
		}
		if o.BuyerInvoice == nil {
			return messages.NewCantDo(messages.ReasonInvalidParameters)
		}

		child, err := m.materializeTake(ctx, o, takerPubkey, fiatAmount)
		if err != nil {
			return err
		}
		isNewRow := child.ID != o.ID
		// Buy order: the creator is the buyer (§3); the taker is the seller.
		child.BuyerPubkey = str(o.CreatorPubkey)
		child.SellerPubkey = str(takerPubkey)
		child.MasterSellerPubkey = str(takerPubkey)

		if err := m.persistTaken(child, isNewRow); err != nil {
			return fmt.Errorf("failed to save taken order: %w", err)
		}
		if err := m.issueHoldInvoice(ctx, child); err != nil {
			return err
		}
		result = child
		return nil
	})
	return result, err
}

// AddInvoice handles the buyer supplying their destination invoice
// after taking a Sell order (SPEC_FULL.md §4.2 row "AddInvoice").
func (m *Machine) AddInvoice(ctx context.Context, orderID, senderPubkey, invoice string) error {
	return m.withOrderLock(orderID, func() error {
		o, err := m.store.GetOrder(orderID)
		if err != nil {
			return err
		}
		if o.Status != storage.StatusWaitingBuyerInvoice {
			return messages.NewCantDo(messages.ReasonOrderAlreadyCanceled)
		}
		if !m.authz.IsBuyer(o, senderPubkey) {
			return messages.NewCantDo(messages.ReasonIsNotYourOrder)
		}
		o.BuyerInvoice = str(invoice)
		return m.issueHoldInvoice(ctx, o)
	})
}

// issueHoldInvoice requests the seller's hold invoice from the escrow
// driver and moves the order to WaitingPayment, notifying the seller
// to pay it. Caller must hold the order's lock.
func (m *Machine) issueHoldInvoice(ctx context.Context, o *storage.Order) error {
	description := fmt.Sprintf("mostrond order %s", o.ID)
	expiry := m.cfg.ExpirationSeconds
	if expiry <= 0 {
		expiry = int64(24 * time.Hour / time.Second)
	}

	bolt11, hash, err := m.escrow.AddHoldInvoice(ctx, o.Amount, description, expiry)
	if err != nil {
		return fmt.Errorf("failed to issue hold invoice: %w", err)
	}
	m.log.Info("hold invoice issued", "order_id", o.ID, "sats", o.Amount, "btc", helpers.FormatAmount(uint64(o.Amount), 8))

	if !legal(o.Status, storage.StatusWaitingPayment) && o.Status != storage.StatusWaitingPayment {
		return fmt.Errorf("illegal transition from %s to %s", o.Status, storage.StatusWaitingPayment)
	}

	o.Hash = str(hash)
	o.Status = storage.StatusWaitingPayment
	if err := m.store.SaveOrder(o); err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}
	m.publishQuiet(ctx, o)

	if o.SellerPubkey != nil {
		if err := m.pub.Notify(ctx, *o.SellerPubkey, messages.ActionHoldInvoicePaymentAccepted, o.ID, map[string]string{"bolt11": bolt11}); err != nil {
			m.log.Warn("failed to notify seller of hold invoice", "error", err)
		}
	}

	go m.watchInvoice(o.ID, hash)
	return nil
}

// watchInvoice consumes escrow.Subscribe events for hash, driving the
// WaitingPayment -> Active transition on Accepted (SPEC_FULL.md §4.2
// row "(HI accepted by LN)"). Run in its own goroutine per hold
// invoice, the ingress loop's "dispatch to a task" discipline applied
// to escrow events instead of inbound messages.
func (m *Machine) watchInvoice(orderID, hash string) {
	ctx := context.Background()
	events, err := m.escrow.Subscribe(ctx, hash)
	if err != nil {
		m.log.Warn("failed to subscribe to invoice", "order_id", orderID, "hash", hash, "error", err)
		return
	}
	for ev := range events {
		if ev == escrow.Accepted {
			if err := m.handleInvoiceAccepted(orderID); err != nil {
				m.log.Warn("failed to activate order", "order_id", orderID, "error", err)
			}
			return
		}
	}
}

func (m *Machine) handleInvoiceAccepted(orderID string) error {
	ctx := context.Background()
	return m.withOrderLock(orderID, func() error {
		o, err := m.store.GetOrder(orderID)
		if err != nil {
			return err
		}
		if o.Status != storage.StatusWaitingPayment {
			return nil // already advanced or terminated; not an error
		}
		if o.BuyerPubkey == nil || o.SellerPubkey == nil || o.Hash == nil {
			return fmt.Errorf("order %s missing participant or hash at activation", orderID)
		}
		o.Status = storage.StatusActive
		if err := m.store.SaveOrder(o); err != nil {
			return fmt.Errorf("failed to save order: %w", err)
		}
		m.publishQuiet(ctx, o)
		for _, p := range []string{*o.BuyerPubkey, *o.SellerPubkey} {
			if err := m.pub.Notify(ctx, p, messages.ActionHoldInvoicePaymentSettled, o.ID, nil); err != nil {
				m.log.Warn("failed to notify activation", "recipient", p, "error", err)
			}
		}
		return nil
	})
}

// FiatSent handles the buyer declaring the fiat leg sent (SPEC_FULL.md
// §4.2 row "FiatSent"). Re-delivery of an already-processed FiatSent
// is a no-op (SPEC_FULL.md §8): if the order is already FiatSent, this
// returns nil without renotifying.
func (m *Machine) FiatSent(ctx context.Context, orderID, senderPubkey string) error {
	return m.withOrderLock(orderID, func() error {
		o, err := m.store.GetOrder(orderID)
		if err != nil {
			return err
		}
		if o.Status == storage.StatusFiatSent {
			return nil
		}
		if o.Status != storage.StatusActive {
			return messages.NewCantDo(messages.ReasonOrderAlreadyCanceled)
		}
		if !m.authz.IsBuyer(o, senderPubkey) {
			return messages.NewCantDo(messages.ReasonIsNotYourOrder)
		}

		o.Status = storage.StatusFiatSent
		if err := m.store.SaveOrder(o); err != nil {
			return fmt.Errorf("failed to save order: %w", err)
		}
		m.publishQuiet(ctx, o)
		if o.SellerPubkey != nil {
			if err := m.pub.Notify(ctx, *o.SellerPubkey, messages.ActionFiatSentOk, o.ID, nil); err != nil {
				m.log.Warn("failed to notify seller of fiat sent", "error", err)
			}
		}
		return nil
	})
}

// OpenDispute transitions an Active or FiatSent order to Dispute
// (SPEC_FULL.md §4.2 row "Dispute"). The dispute record itself is
// created by internal/dispute, which calls this first since the order
// status is the gate on opening one.
func (m *Machine) OpenDispute(ctx context.Context, orderID, senderPubkey string) error {
	return m.withOrderLock(orderID, func() error {
		o, err := m.store.GetOrder(orderID)
		if err != nil {
			return err
		}
		if o.Status != storage.StatusActive && o.Status != storage.StatusFiatSent {
			return messages.NewCantDo(messages.ReasonOrderAlreadyCanceled)
		}
		if !m.authz.IsBuyer(o, senderPubkey) && !m.authz.IsSeller(o, senderPubkey) {
			return messages.NewCantDo(messages.ReasonIsNotYourOrder)
		}

		o.Status = storage.StatusDispute
		if err := m.store.SaveOrder(o); err != nil {
			return fmt.Errorf("failed to save order: %w", err)
		}
		m.publishQuiet(ctx, o)

		if err := m.pub.Notify(ctx, senderPubkey, messages.ActionDisputeInitiatedByYou, o.ID, nil); err != nil {
			m.log.Warn("failed to notify dispute initiator", "error", err)
		}
		if peer := m.counterparty(o, senderPubkey); peer != "" {
			if err := m.pub.Notify(ctx, peer, messages.ActionDisputeInitiatedByPeer, o.ID, nil); err != nil {
				m.log.Warn("failed to notify dispute counterparty", "error", err)
			}
		}
		return nil
	})
}

// Release handles the seller releasing escrowed funds (SPEC_FULL.md
// §4.2.4). settle(hash) is called first to reveal the preimage and
// capture the funds; pay(buyer_invoice) follows. A permanent payout
// failure leaves the order Settled, per the open question in
// SPEC_FULL.md §9 — funds stay recoverable and no automatic retry is
// attempted.
func (m *Machine) Release(ctx context.Context, orderID, senderPubkey string) error {
	return m.withOrderLock(orderID, func() error {
		o, err := m.store.GetOrder(orderID)
		if err != nil {
			return err
		}
		if o.Status != storage.StatusFiatSent {
			return messages.NewCantDo(messages.ReasonOrderAlreadyCanceled)
		}
		if !m.authz.IsSeller(o, senderPubkey) {
			return messages.NewCantDo(messages.ReasonIsNotYourOrder)
		}
		if o.Hash == nil || o.BuyerInvoice == nil {
			return messages.NewCantDo(messages.ReasonInvalidParameters)
		}

		return m.settleAndPay(ctx, o, storage.StatusSettled)
	})
}

// settleAndPay runs §4.2.4's settle-then-pay sequence. With
// settledStatus Settled the order lands on Completed after a successful
// payout; with SettledByAdmin (the dispute subsystem's path) it stays on
// SettledByAdmin. Caller must hold the order's lock.
func (m *Machine) settleAndPay(ctx context.Context, o *storage.Order, settledStatus storage.Status) error {
	preimage, err := m.escrow.Settle(ctx, *o.Hash)
	if err != nil {
		return fmt.Errorf("failed to settle hold invoice: %w", err)
	}
	o.Preimage = str(preimage)
	o.Status = settledStatus
	if err := m.store.SaveOrder(o); err != nil {
		return fmt.Errorf("failed to save order after settle: %w", err)
	}
	m.publishQuiet(ctx, o)

	result, payErr := m.escrow.Pay(ctx, *o.BuyerInvoice)
	if payErr != nil || result != escrow.Succeeded {
		m.log.Warn("buyer payout failed permanently", "order_id", o.ID, "error", payErr)
		if o.BuyerPubkey != nil {
			if err := m.pub.Notify(ctx, *o.BuyerPubkey, messages.ActionPayoutFailed, o.ID, nil); err != nil {
				m.log.Warn("failed to notify payout failure", "error", err)
			}
		}
		return nil // order stays in settledStatus; no automatic retry
	}

	final := storage.StatusCompleted
	if settledStatus != storage.StatusSettled {
		final = settledStatus // admin paths land directly on their terminal status
	}
	o.Status = final
	if err := m.store.SaveOrder(o); err != nil {
		return fmt.Errorf("failed to save order after payout: %w", err)
	}
	m.publishQuiet(ctx, o)

	for _, p := range []*string{o.BuyerPubkey, o.SellerPubkey} {
		if p == nil {
			continue
		}
		if err := m.pub.Notify(ctx, *p, messages.ActionReleased, o.ID, nil); err != nil {
			m.log.Warn("failed to notify release", "recipient", *p, "error", err)
		}
	}
	return nil
}

// AdminReleaseToBuyer performs the settle-to-buyer arbitration outcome
// (SPEC_FULL.md §4.3): called by the dispute subsystem once a solver
// or admin decides in the buyer's favour.
func (m *Machine) AdminReleaseToBuyer(ctx context.Context, orderID string) error {
	return m.withOrderLock(orderID, func() error {
		o, err := m.store.GetOrder(orderID)
		if err != nil {
			return err
		}
		if o.Status != storage.StatusDispute {
			return fmt.Errorf("order %s is not in dispute", orderID)
		}
		if o.Hash == nil || o.BuyerInvoice == nil {
			return messages.NewCantDo(messages.ReasonInvalidParameters)
		}
		return m.settleAndPay(ctx, o, storage.StatusSettledByAdmin)
	})
}

// AdminRefundToSeller performs the refund-to-seller arbitration outcome
// (SPEC_FULL.md §4.3).
func (m *Machine) AdminRefundToSeller(ctx context.Context, orderID string) error {
	return m.withOrderLock(orderID, func() error {
		o, err := m.store.GetOrder(orderID)
		if err != nil {
			return err
		}
		if o.Status != storage.StatusDispute {
			return fmt.Errorf("order %s is not in dispute", orderID)
		}
		return m.cancelOrder(ctx, o, storage.StatusCanceledByAdmin)
	})
}

// Cancel handles every Cancel action (SPEC_FULL.md §4.2 rows
// "Cancel"): pre-take cancellation by the creator, taker-abandon
// republish (§4.2.1), and the cooperative-cancel latch (§4.2.2).
func (m *Machine) Cancel(ctx context.Context, orderID, senderPubkey string) error {
	return m.withOrderLock(orderID, func() error {
		o, err := m.store.GetOrder(orderID)
		if err != nil {
			return err
		}

		switch o.Status {
		case storage.StatusPending:
			if senderPubkey != o.CreatorPubkey {
				return messages.NewCantDo(messages.ReasonIsNotYourOrder)
			}
			return m.cancelOrder(ctx, o, storage.StatusCanceled)

		case storage.StatusWaitingBuyerInvoice:
			if o.Kind != storage.KindSell || !m.authz.IsBuyer(o, senderPubkey) {
				return messages.NewCantDo(messages.ReasonIsNotYourOrder)
			}
			return m.cancelTakenPreActive(ctx, o, senderPubkey)

		case storage.StatusWaitingPayment:
			if o.Kind != storage.KindBuy || !m.authz.IsSeller(o, senderPubkey) {
				return messages.NewCantDo(messages.ReasonIsNotYourOrder)
			}
			return m.cancelTakenPreActive(ctx, o, senderPubkey)

		case storage.StatusActive, storage.StatusFiatSent, storage.StatusDispute:
			if !m.authz.IsBuyer(o, senderPubkey) && !m.authz.IsSeller(o, senderPubkey) {
				return messages.NewCantDo(messages.ReasonIsNotYourOrder)
			}
			return m.cooperativeCancel(ctx, o, senderPubkey)

		default:
			return messages.NewCantDo(messages.ReasonOrderAlreadyCanceled)
		}
	})
}

// cancelTakenPreActive implements §4.2.1: if the creator cancels, the
// order terminates; if the taker cancels, the order republishes as
// Pending with the taker's assignment cleared.
func (m *Machine) cancelTakenPreActive(ctx context.Context, o *storage.Order, senderPubkey string) error {
	if senderPubkey == o.CreatorPubkey {
		return m.cancelOrder(ctx, o, storage.StatusCanceled)
	}

	// Taker abandons; the maker's listing survives. Clear the taker's
	// assignment and any dynamically-resolved amount, then republish.
	if o.Kind == storage.KindSell {
		o.BuyerPubkey = nil
		o.MasterBuyerPubkey = nil
		o.BuyerInvoice = nil
	} else {
		o.SellerPubkey = nil
		o.MasterSellerPubkey = nil
	}
	if o.PriceFromAPI {
		o.Amount = 0
		o.Fee = 0
	}
	o.Hash = nil
	o.Status = storage.StatusPending

	if err := m.store.SaveOrder(o); err != nil {
		return fmt.Errorf("failed to save republished order: %w", err)
	}
	m.publishQuiet(ctx, o)
	return nil
}

// cooperativeCancel implements §4.2.2's at-most-once latch.
func (m *Machine) cooperativeCancel(ctx context.Context, o *storage.Order, senderPubkey string) error {
	if o.CancelInitiatorPubkey == nil {
		o.CancelInitiatorPubkey = str(senderPubkey)
		if m.authz.IsBuyer(o, senderPubkey) {
			o.BuyerCooperativeCancel = true
		}
		if m.authz.IsSeller(o, senderPubkey) {
			o.SellerCooperativeCancel = true
		}
		if err := m.store.SaveOrder(o); err != nil {
			return fmt.Errorf("failed to save order: %w", err)
		}

		if err := m.pub.Notify(ctx, senderPubkey, messages.ActionCooperativeCancelInitiatedByYou, o.ID, nil); err != nil {
			m.log.Warn("failed to notify initiator", "error", err)
		}
		if peer := m.counterparty(o, senderPubkey); peer != "" {
			if err := m.pub.Notify(ctx, peer, messages.ActionCooperativeCancelInitiatedByPeer, o.ID, nil); err != nil {
				m.log.Warn("failed to notify counterparty", "error", err)
			}
		}
		return nil
	}

	if *o.CancelInitiatorPubkey == senderPubkey {
		return messages.CantDoNull
	}

	// Counterparty confirms: release escrow to seller and finish.
	if o.Hash != nil {
		if err := m.escrow.Cancel(ctx, *o.Hash); err != nil {
			return fmt.Errorf("failed to cancel hold invoice: %w", err)
		}
	}
	o.Status = storage.StatusCooperativelyCanceled
	if err := m.store.SaveOrder(o); err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}
	m.publishQuiet(ctx, o)

	for _, p := range []*string{o.BuyerPubkey, o.SellerPubkey} {
		if p == nil {
			continue
		}
		if err := m.pub.Notify(ctx, *p, messages.ActionCooperativeCancelAccepted, o.ID, nil); err != nil {
			m.log.Warn("failed to notify cooperative cancel", "recipient", *p, "error", err)
		}
	}
	return nil
}

func (m *Machine) counterparty(o *storage.Order, pubkey string) string {
	if o.BuyerPubkey != nil && *o.BuyerPubkey != pubkey {
		return *o.BuyerPubkey
	}
	if o.SellerPubkey != nil && *o.SellerPubkey != pubkey {
		return *o.SellerPubkey
	}
	return ""
}

// AdminCancel forcibly cancels any non-terminal order (SPEC_FULL.md
// §4.2 row "AdminCancel"). The caller checks the sender with
// authz.Resolver.IsAdminOrSolver before this is invoked.
func (m *Machine) AdminCancel(ctx context.Context, orderID string) error {
	return m.withOrderLock(orderID, func() error {
		o, err := m.store.GetOrder(orderID)
		if err != nil {
			return err
		}
		if o.Status.Terminal() {
			return messages.NewCantDo(messages.ReasonOrderAlreadyCanceled)
		}
		return m.cancelOrder(ctx, o, storage.StatusCanceledByAdmin)
	})
}

// cancelOrder releases any outstanding hold invoice and lands o on
// terminalStatus. Caller must hold the order's lock.
func (m *Machine) cancelOrder(ctx context.Context, o *storage.Order, terminalStatus storage.Status) error {
	if o.Hash != nil {
		if err := m.escrow.Cancel(ctx, *o.Hash); err != nil {
			return fmt.Errorf("failed to cancel hold invoice: %w", err)
		}
	}
	o.Status = terminalStatus
	if err := m.store.SaveOrder(o); err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}
	m.publishQuiet(ctx, o)

	for _, p := range []*string{o.BuyerPubkey, o.SellerPubkey} {
		if p == nil {
			continue
		}
		if err := m.pub.Notify(ctx, *p, messages.ActionCanceled, o.ID, nil); err != nil {
			m.log.Warn("failed to notify cancellation", "recipient", *p, "error", err)
		}
	}
	return nil
}

// Reconcile resubscribes to every non-terminal order's hold invoice on
// startup (SPEC_FULL.md §4.6's crash-safety requirement).
func (m *Machine) Reconcile(ctx context.Context) error {
	orders, err := m.store.ListReconcilable()
	if err != nil {
		return fmt.Errorf("failed to list reconcilable orders: %w", err)
	}
	for _, o := range orders {
		if o.Hash == nil {
			continue
		}
		m.log.Info("reconciling order", "order_id", o.ID, "status", o.Status, "hash", *o.Hash)
		go m.watchInvoice(o.ID, *o.Hash)
	}
	return nil
}

// publishQuiet republishes o's snapshot, logging but not propagating a
// failure: a missed publish is a delivery gap, not a state-machine
// error (the order row itself is already durably saved).
func (m *Machine) publishQuiet(ctx context.Context, o *storage.Order) {
	eventID, err := m.pub.PublishOrder(ctx, o)
	if err != nil {
		m.log.Warn("failed to publish order update", "order_id", o.ID, "error", err)
		return
	}
	o.EventID = &eventID
	if err := m.store.SaveOrder(o); err != nil {
		m.log.Warn("failed to persist event id", "order_id", o.ID, "error", err)
	}
}
