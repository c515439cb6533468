package escrow

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
)

// FakeDriver is an in-memory Driver for tests, grounded on this
// codebase's convention of a test-only backend.Backend implementation
// sitting next to the production one (internal/backend/mock.go).
type FakeDriver struct {
	mu       sync.Mutex
	invoices map[string]*fakeInvoice
	// PayResult lets a test force the outcome of every Pay call made
	// while it is set.
	PayResult PaymentResult
	PayErr    error
}

type fakeInvoice struct {
	bolt11    string
	amount    int64
	preimage  string
	subs      []chan InvoiceEvent
	settled   bool
	cancelled bool
}

// NewFakeDriver returns a ready FakeDriver defaulting Pay to Succeeded.
func NewFakeDriver() *FakeDriver {
	return &FakeDriver{
		invoices:  make(map[string]*fakeInvoice),
		PayResult: Succeeded,
	}
}

// AddHoldInvoice implements Driver.
func (f *FakeDriver) AddHoldInvoice(ctx context.Context, amountSats int64, description string, expirySeconds int64) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var preimage [32]byte
	if _, err := rand.Read(preimage[:]); err != nil {
		return "", "", err
	}
	hashBytes := sha256.Sum256(preimage[:])
	hash := hex.EncodeToString(hashBytes[:])
	bolt11 := "lnbcrt" + hash[:16]

	f.invoices[hash] = &fakeInvoice{
		bolt11:   bolt11,
		amount:   amountSats,
		preimage: hex.EncodeToString(preimage[:]),
	}
	return bolt11, hash, nil
}

// Accept simulates the payer locking in funds against hash, the event
// the state machine waits on to move an order to Active.
func (f *FakeDriver) Accept(hash string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inv, ok := f.invoices[hash]
	if !ok {
		return
	}
	for _, ch := range inv.subs {
		ch <- Accepted
	}
}

// Subscribe implements Driver.
func (f *FakeDriver) Subscribe(ctx context.Context, hash string) (<-chan InvoiceEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	inv, ok := f.invoices[hash]
	if !ok {
		return nil, fmt.Errorf("unknown invoice hash: %s", hash)
	}

	ch := make(chan InvoiceEvent, 4)
	inv.subs = append(inv.subs, ch)

	if inv.settled {
		ch <- Settled
	} else if inv.cancelled {
		ch <- Cancelled
	}
	return ch, nil
}

// Settle implements Driver.
func (f *FakeDriver) Settle(ctx context.Context, hash string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	inv, ok := f.invoices[hash]
	if !ok {
		return "", fmt.Errorf("unknown invoice hash: %s", hash)
	}
	inv.settled = true
	for _, ch := range inv.subs {
		ch <- Settled
	}
	return inv.preimage, nil
}

// Cancel implements Driver.
func (f *FakeDriver) Cancel(ctx context.Context, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	inv, ok := f.invoices[hash]
	if !ok {
		return fmt.Errorf("unknown invoice hash: %s", hash)
	}
	inv.cancelled = true
	for _, ch := range inv.subs {
		ch <- Cancelled
	}
	return nil
}

// Pay implements Driver.
func (f *FakeDriver) Pay(ctx context.Context, bolt11 string) (PaymentResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.PayResult, f.PayErr
}

// Close implements Driver.
func (f *FakeDriver) Close() error {
	return nil
}
