package escrow

import (
	"context"
	"testing"
	"time"
)

var _ Driver = (*FakeDriver)(nil)

func TestFakeDriverAcceptThenSettle(t *testing.T) {
	f := NewFakeDriver()
	ctx := context.Background()

	_, hash, err := f.AddHoldInvoice(ctx, 100000, "test order", 900)
	if err != nil {
		t.Fatalf("AddHoldInvoice() error = %v", err)
	}

	events, err := f.Subscribe(ctx, hash)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	f.Accept(hash)
	select {
	case ev := <-events:
		if ev != Accepted {
			t.Fatalf("expected Accepted, got %v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Accepted")
	}

	preimage, err := f.Settle(ctx, hash)
	if err != nil {
		t.Fatalf("Settle() error = %v", err)
	}
	if preimage == "" {
		t.Fatal("expected a non-empty preimage")
	}

	select {
	case ev := <-events:
		if ev != Settled {
			t.Fatalf("expected Settled, got %v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Settled")
	}
}

func TestFakeDriverSettleRejectsUnknownHash(t *testing.T) {
	f := NewFakeDriver()
	ctx := context.Background()

	_, _, err := f.AddHoldInvoice(ctx, 50000, "test order", 900)
	if err != nil {
		t.Fatalf("AddHoldInvoice() error = %v", err)
	}

	if _, err := f.Settle(ctx, "0000000000000000000000000000000000000000000000000000000000000000"); err == nil {
		t.Fatal("expected Settle to reject an unknown hash")
	}
}

func TestFakeDriverCancel(t *testing.T) {
	f := NewFakeDriver()
	ctx := context.Background()

	_, hash, err := f.AddHoldInvoice(ctx, 50000, "test order", 900)
	if err != nil {
		t.Fatalf("AddHoldInvoice() error = %v", err)
	}

	if err := f.Cancel(ctx, hash); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	events, err := f.Subscribe(ctx, hash)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	select {
	case ev := <-events:
		if ev != Cancelled {
			t.Fatalf("expected Cancelled, got %v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Cancelled")
	}
}

func TestFakeDriverPayResult(t *testing.T) {
	f := NewFakeDriver()
	ctx := context.Background()

	result, err := f.Pay(ctx, "lnbcrt-some-invoice")
	if err != nil {
		t.Fatalf("Pay() error = %v", err)
	}
	if result != Succeeded {
		t.Fatalf("expected Succeeded, got %v", result)
	}

	f.PayResult = Failed
	result, err = f.Pay(ctx, "lnbcrt-some-invoice")
	if err != nil {
		t.Fatalf("Pay() error = %v", err)
	}
	if result != Failed {
		t.Fatalf("expected Failed, got %v", result)
	}
}
