// Package messages defines the wire-level content of the gift-wrapped
// rumor payload: the recognised Action set, the CantDo error taxonomy,
// and the typed, action-specific content each message carries.
//
// Grounded on this codebase's internal/node/swap_handler.go message
// type constants and payload structs, generalized from the
// swap-protocol's string message types to the coordinator's Action
// enum and from a single flat payload to one struct per action.
package messages

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Action is the recognised set of inbound message kinds (SPEC_FULL.md
// §6). Any other action is logged and dropped by the ingress pipeline.
type Action string

const (
	ActionNewOrder        Action = "NewOrder"
	ActionTakeSell        Action = "TakeSell"
	ActionTakeBuy         Action = "TakeBuy"
	ActionAddInvoice      Action = "AddInvoice"
	ActionPayInvoice      Action = "PayInvoice" // reserved, unimplemented per spec §9
	ActionFiatSent        Action = "FiatSent"
	ActionRelease         Action = "Release"
	ActionCancel          Action = "Cancel"
	ActionDispute         Action = "Dispute"
	ActionRateUser        Action = "RateUser"
	ActionAdminCancel     Action = "AdminCancel"
	ActionAdminSettle     Action = "AdminSettle"
	ActionAdminAddSolver  Action = "AdminAddSolver"
	ActionAdminTakeDispute Action = "AdminTakeDispute"

	// Outbound-only actions (direct notifications sent by the
	// publisher; never accepted as inbound dispatch targets).
	ActionCanceled                           Action = "Canceled"
	ActionCooperativeCancelInitiatedByYou    Action = "CooperativeCancelInitiatedByYou"
	ActionCooperativeCancelInitiatedByPeer   Action = "CooperativeCancelInitiatedByPeer"
	ActionCooperativeCancelAccepted          Action = "CooperativeCancelAccepted"
	ActionFiatSentOk                         Action = "FiatSentOk"
	ActionHoldInvoicePaymentAccepted         Action = "HoldInvoicePaymentAccepted"
	ActionHoldInvoicePaymentSettled          Action = "HoldInvoicePaymentSettled"
	ActionHoldInvoicePaymentCanceled         Action = "HoldInvoicePaymentCanceled"
	ActionBuyerInvoiceRequired                Action = "BuyerInvoiceRequired"
	ActionReleased                           Action = "Released"
	ActionPayoutFailed                       Action = "PayoutFailed"
	ActionDisputeInitiatedByYou              Action = "DisputeInitiatedByYou"
	ActionDisputeInitiatedByPeer             Action = "DisputeInitiatedByPeer"
	ActionAdminTookDispute                   Action = "AdminTookDispute"
	ActionAdminSettledDispute                Action = "AdminSettledDispute"
	ActionCantDo                             Action = "CantDo"
	ActionRateReceived                       Action = "RateReceived"
	ActionExpired                            Action = "Expired"
)

// KnownAction reports whether action is a recognised inbound dispatch
// target (the outbound-only notifications never arrive as requests).
func KnownAction(a Action) bool {
	switch a {
	case ActionNewOrder, ActionTakeSell, ActionTakeBuy, ActionAddInvoice,
		ActionPayInvoice, ActionFiatSent, ActionRelease, ActionCancel,
		ActionDispute, ActionRateUser, ActionAdminCancel, ActionAdminSettle,
		ActionAdminAddSolver, ActionAdminTakeDispute:
		return true
	default:
		return false
	}
}

// CantDoReason is the closed taxonomy of rejection reasons sent back
// to a sender as a CantDo notification (SPEC_FULL.md §6). A nil reason
// ("CantDo(null)") is used for the cooperative-cancel self-confirm
// rejection, which has no more specific category.
type CantDoReason string

const (
	ReasonInvalidAmount        CantDoReason = "InvalidAmount"
	ReasonInvalidParameters    CantDoReason = "InvalidParameters"
	ReasonIsNotYourOrder       CantDoReason = "IsNotYourOrder"
	ReasonOrderAlreadyCanceled CantDoReason = "OrderAlreadyCanceled"
	ReasonOutOfRangeSatsAmount CantDoReason = "OutOfRangeSatsAmount"
	ReasonOutOfRangeFiatAmount CantDoReason = "OutOfRangeFiatAmount"
	ReasonNotAuthorized        CantDoReason = "NotAuthorized"
	ReasonPendingOrderExists   CantDoReason = "PendingOrderExists"
)

// CantDoError is a validation failure reported to the sender as
// CantDo(reason); order state is left unchanged (SPEC_FULL.md §7).
type CantDoError struct {
	Reason CantDoReason // empty for CantDo(null)
}

func (e *CantDoError) Error() string {
	if e.Reason == "" {
		return "cant do: null"
	}
	return fmt.Sprintf("cant do: %s", e.Reason)
}

// NewCantDo constructs a CantDoError for reason.
func NewCantDo(reason CantDoReason) *CantDoError {
	return &CantDoError{Reason: reason}
}

// CantDoNull is the at-most-once cooperative-cancel self-confirm
// rejection (SPEC_FULL.md §4.2.2), which carries no specific reason.
var CantDoNull = &CantDoError{}

// Message is the rumor's decoded JSON payload (SPEC_FULL.md §6): every
// inbound gift-wrap, once unwrapped, carries exactly one of these.
type Message struct {
	Version    int             `json:"version"`
	Action     Action          `json:"action"`
	ID         string          `json:"id,omitempty"`          // order or dispute id, when applicable
	RequestID  string          `json:"request_id,omitempty"`  // client-chosen correlator, echoed back
	TradeIndex *int64          `json:"trade_index,omitempty"` // monotonic per-sender counter
	Content    json.RawMessage `json:"content,omitempty"`
}

// NewOrderContent is the content of a NewOrder message: the full order
// specification a maker proposes.
type NewOrderContent struct {
	Kind          string `json:"kind"` // "buy" | "sell"
	FiatCode      string `json:"fiat_code"`
	FiatAmount    int64  `json:"fiat_amount"`
	MinAmount     int64  `json:"min_amount"`
	MaxAmount     int64  `json:"max_amount"`
	Amount        int64  `json:"amount"`
	Premium       int64  `json:"premium"`
	PaymentMethod string `json:"payment_method"`
	PriceFromAPI  bool   `json:"price_from_api"`
	BuyerInvoice  string `json:"buyer_invoice,omitempty"`
}

// Verify enforces NewOrder's shape invariants (SPEC_FULL.md §3, §4.2
// row "NewOrder"): kind, fiat code, payment method and amounts valid.
// It does not inspect BuyerInvoice, and it does not check
// pricing-at-take bounds, which apply later (§4.2.3).
func (c *NewOrderContent) Verify() error {
	if c.Kind != "buy" && c.Kind != "sell" {
		return NewCantDo(ReasonInvalidParameters)
	}
	if c.FiatCode == "" || c.PaymentMethod == "" {
		return NewCantDo(ReasonInvalidParameters)
	}

	isRange := c.MinAmount > 0 && c.MaxAmount > c.MinAmount
	isFixed := c.FiatAmount > 0 && c.MinAmount == 0 && c.MaxAmount == 0

	switch {
	case isRange:
		if c.Amount != 0 {
			return NewCantDo(ReasonInvalidAmount)
		}
	case isFixed:
	default:
		return NewCantDo(ReasonInvalidAmount)
	}

	if !c.PriceFromAPI && c.Amount <= 0 {
		return NewCantDo(ReasonInvalidAmount)
	}
	return nil
}

// TakeSellContent is the content of a TakeSell message: a taker's bid
// against a maker's sell order.
type TakeSellContent struct {
	FiatAmount   int64  `json:"fiat_amount"`
	BuyerInvoice string `json:"buyer_invoice,omitempty"`
}

// Verify checks TakeSell's shape invariant: a positive fiat amount.
// Range-order bound checking happens later, against the specific
// order (SPEC_FULL.md §4.2.3).
func (c *TakeSellContent) Verify() error {
	if c.FiatAmount <= 0 {
		return NewCantDo(ReasonInvalidAmount)
	}
	return nil
}

// TakeBuyContent is the content of a TakeBuy message: a taker's ask
// against a maker's buy order.
type TakeBuyContent struct {
	FiatAmount int64 `json:"fiat_amount"`
}

// Verify checks TakeBuy's shape invariant: a positive fiat amount.
func (c *TakeBuyContent) Verify() error {
	if c.FiatAmount <= 0 {
		return NewCantDo(ReasonInvalidAmount)
	}
	return nil
}

// AddInvoiceContent is the content of an AddInvoice message.
type AddInvoiceContent struct {
	Invoice string `json:"invoice"` // bolt11 or lightning address
}

// Verify checks AddInvoice's shape invariant: a non-empty destination.
// Full bolt11 parsing is the escrow driver's concern at pay-time; the
// ingress layer only rejects the obviously empty case.
func (c *AddInvoiceContent) Verify() error {
	if c.Invoice == "" {
		return NewCantDo(ReasonInvalidParameters)
	}
	return nil
}

// RateUserContent is the content of a RateUser message.
type RateUserContent struct {
	Rating int `json:"rating"` // 1-5
}

// Verify checks the rating is in the documented 1-5 range.
func (c *RateUserContent) Verify() error {
	if c.Rating < 1 || c.Rating > 5 {
		return NewCantDo(ReasonInvalidParameters)
	}
	return nil
}

// AdminAddSolverContent is the content of an AdminAddSolver message.
type AdminAddSolverContent struct {
	SolverPubkey string `json:"solver_pubkey"`
}

func (c *AdminAddSolverContent) Verify() error {
	if c.SolverPubkey == "" {
		return NewCantDo(ReasonInvalidParameters)
	}
	return nil
}

// AdminSettleContent is the content of an AdminSettle message: the
// arbitration outcome a solver or admin chooses (SPEC_FULL.md §4.3).
type AdminSettleContent struct {
	SettleToBuyer bool `json:"settle_to_buyer"`
}

// TradeIndexTracker enforces the monotonicity half of inner Verify()
// (SPEC_FULL.md §4.1 step 7): each sender's trade_index must strictly
// increase across messages, linking a disposable per-trade key back to
// a long-term identity and preventing replay of an old, validly signed
// message. One tracker is owned by the ingress loop for the process's
// lifetime; kept in memory only, matching this being a liveness/replay
// guard rather than durable state.
type TradeIndexTracker struct {
	mu   sync.Mutex
	last map[string]int64
}

// NewTradeIndexTracker returns an empty tracker.
func NewTradeIndexTracker() *TradeIndexTracker {
	return &TradeIndexTracker{last: make(map[string]int64)}
}

// Check reports whether index is strictly greater than the last index
// seen for senderPubkey, recording it if so. A message with no
// trade_index (nil) always passes untracked.
func (t *TradeIndexTracker) Check(senderPubkey string, index *int64) bool {
	if index == nil {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if last, ok := t.last[senderPubkey]; ok && *index <= last {
		return false
	}
	t.last[senderPubkey] = *index
	return true
}
