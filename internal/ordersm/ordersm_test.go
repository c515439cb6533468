package ordersm

import (
	"context"
	"testing"
	"time"

	"github.com/mostrond/mostrond/internal/authz"
	"github.com/mostrond/mostrond/internal/config"
	"github.com/mostrond/mostrond/internal/escrow"
	"github.com/mostrond/mostrond/internal/messages"
	"github.com/mostrond/mostrond/internal/oracle"
	"github.com/mostrond/mostrond/internal/storage"
)

// fakePublisher records everything it's asked to publish or notify, so
// tests can assert on the notification sequence without a transport.
type fakePublisher struct {
	published []*storage.Order
	notified  []notified
}

type notified struct {
	recipient string
	action    messages.Action
	orderID   string
}

func (f *fakePublisher) PublishOrder(ctx context.Context, o *storage.Order) (string, error) {
	f.published = append(f.published, o)
	return "evt-" + o.ID, nil
}

func (f *fakePublisher) Notify(ctx context.Context, recipient string, action messages.Action, orderID string, payload any) error {
	f.notified = append(f.notified, notified{recipient, action, orderID})
	return nil
}

func (f *fakePublisher) hasNotified(recipient string, action messages.Action) bool {
	for _, n := range f.notified {
		if n.recipient == recipient && n.action == action {
			return true
		}
	}
	return false
}

func newTestMachine(t *testing.T) (*Machine, *storage.Storage, *escrow.FakeDriver, *fakePublisher) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	driver := escrow.NewFakeDriver()
	orc := oracle.NewFakeOracle(map[string]float64{"USD": 1_500})
	pub := &fakePublisher{}
	resolver := authz.New("admin-pubkey", store)

	cfg := config.DefaultConfig()
	cfg.MinPaymentAmount = 100
	cfg.MaxOrderAmount = 10_000_000

	m := New(store, driver, orc, pub, resolver, cfg)
	return m, store, driver, pub
}

func waitForStatus(t *testing.T, store *storage.Storage, orderID string, want storage.Status) *storage.Order {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		o, err := store.GetOrder(orderID)
		if err != nil {
			t.Fatalf("GetOrder() error = %v", err)
		}
		if o.Status == want {
			return o
		}
		if time.Now().After(deadline) {
			t.Fatalf("order %s never reached status %s (stuck at %s)", orderID, want, o.Status)
		}
		time.Sleep(time.Millisecond)
	}
}

func fixedSellOrder(t *testing.T, m *Machine, creator string) *storage.Order {
	t.Helper()
	o, err := m.NewOrder(context.Background(), creator, &messages.NewOrderContent{
		Kind:          "sell",
		FiatCode:      "usd",
		FiatAmount:    100,
		Amount:        200_000,
		PaymentMethod: "wire",
	})
	if err != nil {
		t.Fatalf("NewOrder() error = %v", err)
	}
	return o
}

// TestHappyPathSell exercises the full fixed-amount sell flow: take,
// buyer invoice, invoice accepted, fiat sent, release.
func TestHappyPathSell(t *testing.T) {
	m, store, driver, pub := newTestMachine(t)
	ctx := context.Background()

	seller := "seller-pubkey"
	buyer := "buyer-pubkey"

	o := fixedSellOrder(t, m, seller)
	if o.Status != storage.StatusPending {
		t.Fatalf("new order status = %s, want pending", o.Status)
	}

	taken, err := m.TakeSell(ctx, o.ID, buyer, 0, "lnbcrt-buyer-invoice")
	if err != nil {
		t.Fatalf("TakeSell() error = %v", err)
	}
	if taken.Status != storage.StatusWaitingPayment {
		t.Fatalf("taken order status = %s, want waiting-payment", taken.Status)
	}
	if taken.Hash == nil {
		t.Fatal("expected hold invoice hash to be set")
	}

	driver.Accept(*taken.Hash)
	waitForStatus(t, store, taken.ID, storage.StatusActive)

	if err := m.FiatSent(ctx, taken.ID, buyer); err != nil {
		t.Fatalf("FiatSent() error = %v", err)
	}
	fs, err := store.GetOrder(taken.ID)
	if err != nil {
		t.Fatalf("GetOrder() error = %v", err)
	}
	if fs.Status != storage.StatusFiatSent {
		t.Fatalf("status after FiatSent = %s, want fiat-sent", fs.Status)
	}

	if err := m.Release(ctx, taken.ID, seller); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	final, err := store.GetOrder(taken.ID)
	if err != nil {
		t.Fatalf("GetOrder() error = %v", err)
	}
	if final.Status != storage.StatusCompleted {
		t.Fatalf("final status = %s, want completed", final.Status)
	}
	if final.Preimage == nil {
		t.Fatal("expected preimage to be revealed on settle")
	}
	if !pub.hasNotified(buyer, messages.ActionReleased) {
		t.Error("expected buyer to be notified of release")
	}
}

// TestRangeOrderPricesAtTake verifies a range order is cloned into a
// fixed child priced at take time rather than at creation time.
func TestRangeOrderPricesAtTake(t *testing.T) {
	m, store, _, _ := newTestMachine(t)
	ctx := context.Background()

	seller := "seller-pubkey"
	buyer := "buyer-pubkey"

	o, err := m.NewOrder(ctx, seller, &messages.NewOrderContent{
		Kind:          "sell",
		FiatCode:      "usd",
		MinAmount:     10,
		MaxAmount:     100,
		PaymentMethod: "wire",
		PriceFromAPI:  true,
	})
	if err != nil {
		t.Fatalf("NewOrder() error = %v", err)
	}
	if !o.IsRange() {
		t.Fatal("expected range order")
	}

	taken, err := m.TakeSell(ctx, o.ID, buyer, 50, "lnbcrt-buyer-invoice")
	if err != nil {
		t.Fatalf("TakeSell() error = %v", err)
	}
	if taken.ID == o.ID {
		t.Fatal("expected take to clone a new child order, not mutate the range order")
	}
	if taken.ParentOrderID == nil || *taken.ParentOrderID != o.ID {
		t.Fatal("expected child order to reference the parent range order")
	}
	if taken.Amount <= 0 {
		t.Fatal("expected child order to carry a resolved sats amount")
	}

	parent, err := store.GetOrder(o.ID)
	if err != nil {
		t.Fatalf("GetOrder() error = %v", err)
	}
	if parent.Status != storage.StatusPending {
		t.Fatalf("parent range order status = %s, want still pending", parent.Status)
	}
}

// TestCooperativeCancel verifies §4.2.2's at-most-once latch: a second
// cancel from the same party is rejected, and the counterparty's
// confirm releases the escrow.
func TestCooperativeCancel(t *testing.T) {
	m, store, driver, pub := newTestMachine(t)
	ctx := context.Background()

	seller := "seller-pubkey"
	buyer := "buyer-pubkey"

	o := fixedSellOrder(t, m, seller)
	taken, err := m.TakeSell(ctx, o.ID, buyer, 0, "lnbcrt-buyer-invoice")
	if err != nil {
		t.Fatalf("TakeSell() error = %v", err)
	}
	driver.Accept(*taken.Hash)
	waitForStatus(t, store, taken.ID, storage.StatusActive)

	if err := m.Cancel(ctx, taken.ID, buyer); err != nil {
		t.Fatalf("first Cancel() error = %v", err)
	}
	mid, err := store.GetOrder(taken.ID)
	if err != nil {
		t.Fatalf("GetOrder() error = %v", err)
	}
	if mid.Status != storage.StatusActive {
		t.Fatalf("status after first cancel = %s, want still active", mid.Status)
	}

	if err := m.Cancel(ctx, taken.ID, buyer); err == nil {
		t.Fatal("expected second cancel from the same initiator to be rejected")
	}

	if err := m.Cancel(ctx, taken.ID, seller); err != nil {
		t.Fatalf("confirming Cancel() error = %v", err)
	}
	final, err := store.GetOrder(taken.ID)
	if err != nil {
		t.Fatalf("GetOrder() error = %v", err)
	}
	if final.Status != storage.StatusCooperativelyCanceled {
		t.Fatalf("final status = %s, want cooperatively-canceled", final.Status)
	}
	if !pub.hasNotified(seller, messages.ActionCooperativeCancelAccepted) {
		t.Error("expected seller to be notified of cooperative cancel acceptance")
	}
}

// TestTakerAbandonRepublishesOrder verifies §4.2.1: a taker cancelling
// before activation leaves the maker's order alive and republished.
func TestTakerAbandonRepublishesOrder(t *testing.T) {
	m, store, _, _ := newTestMachine(t)
	ctx := context.Background()

	seller := "seller-pubkey"
	buyer := "buyer-pubkey"

	o := fixedSellOrder(t, m, seller)
	taken, err := m.TakeSell(ctx, o.ID, buyer, 0, "")
	if err != nil {
		t.Fatalf("TakeSell() error = %v", err)
	}
	if taken.Status != storage.StatusWaitingBuyerInvoice {
		t.Fatalf("status = %s, want waiting-buyer-invoice", taken.Status)
	}

	if err := m.Cancel(ctx, taken.ID, buyer); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	republished, err := store.GetOrder(taken.ID)
	if err != nil {
		t.Fatalf("GetOrder() error = %v", err)
	}
	if republished.Status != storage.StatusPending {
		t.Fatalf("status after taker abandons = %s, want pending", republished.Status)
	}
	if republished.BuyerPubkey != nil {
		t.Fatal("expected buyer assignment to be cleared on abandon")
	}
}

// TestDisputeSettledToBuyer exercises the arbitration path: once an
// order is in dispute, AdminReleaseToBuyer settles and pays out.
func TestDisputeSettledToBuyer(t *testing.T) {
	m, store, driver, pub := newTestMachine(t)
	ctx := context.Background()

	seller := "seller-pubkey"
	buyer := "buyer-pubkey"

	o := fixedSellOrder(t, m, seller)
	taken, err := m.TakeSell(ctx, o.ID, buyer, 0, "lnbcrt-buyer-invoice")
	if err != nil {
		t.Fatalf("TakeSell() error = %v", err)
	}
	driver.Accept(*taken.Hash)
	waitForStatus(t, store, taken.ID, storage.StatusActive)

	disputed, err := store.GetOrder(taken.ID)
	if err != nil {
		t.Fatalf("GetOrder() error = %v", err)
	}
	disputed.Status = storage.StatusDispute
	if err := store.SaveOrder(disputed); err != nil {
		t.Fatalf("SaveOrder() error = %v", err)
	}

	if err := m.AdminReleaseToBuyer(ctx, taken.ID); err != nil {
		t.Fatalf("AdminReleaseToBuyer() error = %v", err)
	}
	final, err := store.GetOrder(taken.ID)
	if err != nil {
		t.Fatalf("GetOrder() error = %v", err)
	}
	if final.Status != storage.StatusSettledByAdmin {
		t.Fatalf("final status = %s, want settled-by-admin", final.Status)
	}
	if !pub.hasNotified(buyer, messages.ActionReleased) {
		t.Error("expected buyer to be notified of release")
	}
}

// TestReplayedFiatSentIsNoOp verifies idempotent re-delivery: a second
// FiatSent on an already-fiat-sent order does not error or re-notify.
func TestReplayedFiatSentIsNoOp(t *testing.T) {
	m, store, driver, pub := newTestMachine(t)
	ctx := context.Background()

	seller := "seller-pubkey"
	buyer := "buyer-pubkey"

	o := fixedSellOrder(t, m, seller)
	taken, err := m.TakeSell(ctx, o.ID, buyer, 0, "lnbcrt-buyer-invoice")
	if err != nil {
		t.Fatalf("TakeSell() error = %v", err)
	}
	driver.Accept(*taken.Hash)
	waitForStatus(t, store, taken.ID, storage.StatusActive)

	if err := m.FiatSent(ctx, taken.ID, buyer); err != nil {
		t.Fatalf("first FiatSent() error = %v", err)
	}
	countBefore := len(pub.notified)

	if err := m.FiatSent(ctx, taken.ID, buyer); err != nil {
		t.Fatalf("replayed FiatSent() error = %v", err)
	}
	if len(pub.notified) != countBefore {
		t.Fatalf("replayed FiatSent sent %d new notifications, want 0", len(pub.notified)-countBefore)
	}
}

func TestCancelRejectsNonParticipant(t *testing.T) {
	m, _, _, _ := newTestMachine(t)
	ctx := context.Background()

	o := fixedSellOrder(t, m, "seller-pubkey")
	err := m.Cancel(ctx, o.ID, "stranger-pubkey")
	if err == nil {
		t.Fatal("expected Cancel by a non-creator on a pending order to be rejected")
	}
	var cantDo *messages.CantDoError
	if !asCantDo(err, &cantDo) {
		t.Fatalf("error = %v, want *messages.CantDoError", err)
	}
	if cantDo.Reason != messages.ReasonIsNotYourOrder {
		t.Fatalf("reason = %s, want IsNotYourOrder", cantDo.Reason)
	}
}

func asCantDo(err error, target **messages.CantDoError) bool {
	cd, ok := err.(*messages.CantDoError)
	if !ok {
		return false
	}
	*target = cd
	return true
}

func TestOutOfRangeSatsRejected(t *testing.T) {
	m, _, _, _ := newTestMachine(t)
	ctx := context.Background()

	_, err := m.NewOrder(ctx, "seller-pubkey", &messages.NewOrderContent{
		Kind:          "sell",
		FiatCode:      "usd",
		FiatAmount:    100,
		Amount:        1, // far below configured floor
		PaymentMethod: "wire",
	})
	if err == nil {
		t.Fatal("expected an order below the sats floor to be rejected")
	}
}

func TestAdminCancelIsTerminal(t *testing.T) {
	m, store, _, _ := newTestMachine(t)
	ctx := context.Background()

	o := fixedSellOrder(t, m, "seller-pubkey")
	if err := m.AdminCancel(ctx, o.ID); err != nil {
		t.Fatalf("AdminCancel() error = %v", err)
	}
	final, err := store.GetOrder(o.ID)
	if err != nil {
		t.Fatalf("GetOrder() error = %v", err)
	}
	if final.Status != storage.StatusCanceledByAdmin {
		t.Fatalf("status = %s, want canceled-by-admin", final.Status)
	}

	if err := m.AdminCancel(ctx, o.ID); err == nil {
		t.Fatal("expected AdminCancel on an already-terminal order to be rejected")
	}
}

func TestReconcileResubscribesOpenOrders(t *testing.T) {
	m, store, driver, _ := newTestMachine(t)
	ctx := context.Background()

	seller := "seller-pubkey"
	buyer := "buyer-pubkey"

	o := fixedSellOrder(t, m, seller)
	taken, err := m.TakeSell(ctx, o.ID, buyer, 0, "lnbcrt-buyer-invoice")
	if err != nil {
		t.Fatalf("TakeSell() error = %v", err)
	}

	// Simulate a fresh process: a brand new Machine sharing the same
	// storage and escrow driver, as after a restart.
	fresh := New(store, driver, oracle.NewFakeOracle(map[string]float64{"USD": 1_500}), m.pub, m.authz, m.cfg)
	if err := fresh.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}

	driver.Accept(*taken.Hash)
	waitForStatus(t, store, taken.ID, storage.StatusActive)
}
