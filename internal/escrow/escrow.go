// Package escrow defines the narrow Lightning backend the order state
// machine depends on and a concrete driver backed by lndclient.
//
// Grounded on this codebase's backend.Backend interface pattern for
// chain backends (internal/backend/backend.go): a small interface the
// rest of the system programs against, with concrete implementations
// (LndDriver, FakeDriver). There is no registry; cmd/mostrond picks the
// driver directly from configuration.
package escrow

import (
	"context"
	"errors"
)

// InvoiceEvent is a state change reported by Subscribe.
type InvoiceEvent int

const (
	// Accepted means the payer's funds are held but not yet settled;
	// the state machine transitions an order to Active on this event.
	Accepted InvoiceEvent = iota
	Settled
	Cancelled
)

func (e InvoiceEvent) String() string {
	switch e {
	case Accepted:
		return "accepted"
	case Settled:
		return "settled"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// PaymentResult is the outcome of Pay.
type PaymentResult int

const (
	Succeeded PaymentResult = iota
	Failed
)

// ErrDriverClosed is returned by driver methods invoked after Close.
var ErrDriverClosed = errors.New("escrow driver closed")

// Driver is the exact set of operations the coordinator needs from a
// Lightning backend (SPEC_FULL.md §4.6). The driver is assumed
// crash-safe: on restart the coordinator reconciles every non-terminal
// order by resubscribing by hash.
type Driver interface {
	// AddHoldInvoice creates a hold invoice for amountSats, returning
	// its bolt11 encoding and payment hash.
	AddHoldInvoice(ctx context.Context, amountSats int64, description string, expirySeconds int64) (bolt11 string, hash string, err error)

	// Subscribe streams invoice state changes for hash until ctx is
	// canceled or a terminal event (Settled, Cancelled) is delivered.
	Subscribe(ctx context.Context, hash string) (<-chan InvoiceEvent, error)

	// Settle releases the held funds to the coordinator, capturing
	// payment and returning the preimage the invoice was created
	// against (the driver generates and holds the preimage internally
	// from AddHoldInvoice onward; settling is what reveals it).
	Settle(ctx context.Context, hash string) (preimage string, err error)

	// Cancel releases the hold without settling, returning funds to
	// the payer.
	Cancel(ctx context.Context, hash string) error

	// Pay pays a bolt11 invoice, used to release escrowed funds to the
	// buyer.
	Pay(ctx context.Context, bolt11 string) (PaymentResult, error)

	// Close releases backend resources.
	Close() error
}
