package dispute

import (
	"context"
	"testing"

	"github.com/mostrond/mostrond/internal/authz"
	"github.com/mostrond/mostrond/internal/messages"
	"github.com/mostrond/mostrond/internal/storage"
)

// fakeSM records every call made to it, so tests can assert the
// dispute manager drove the expected order-side transition without
// needing a real ordersm.Machine and its escrow/oracle dependencies.
type fakeSM struct {
	disputeOpened   []string
	releasedToBuyer []string
	refundedSeller  []string
	err             error
}

func (f *fakeSM) OpenDispute(ctx context.Context, orderID, senderPubkey string) error {
	if f.err != nil {
		return f.err
	}
	f.disputeOpened = append(f.disputeOpened, orderID)
	return nil
}

func (f *fakeSM) AdminReleaseToBuyer(ctx context.Context, orderID string) error {
	f.releasedToBuyer = append(f.releasedToBuyer, orderID)
	return nil
}

func (f *fakeSM) AdminRefundToSeller(ctx context.Context, orderID string) error {
	f.refundedSeller = append(f.refundedSeller, orderID)
	return nil
}

type fakeNotifier struct {
	notified []string
}

func (f *fakeNotifier) Notify(ctx context.Context, recipient string, action messages.Action, orderID string, payload any) error {
	f.notified = append(f.notified, recipient+":"+string(action))
	return nil
}

func newTestManager(t *testing.T) (*Manager, *storage.Storage, *fakeSM, *fakeNotifier) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	sm := &fakeSM{}
	pub := &fakeNotifier{}
	resolver := authz.New("admin-pubkey", store)

	return New(store, sm, pub, resolver), store, sm, pub
}

func seedOrder(t *testing.T, store *storage.Storage, id, buyer, seller string) {
	t.Helper()
	b, s := buyer, seller
	o := &storage.Order{
		ID:            id,
		Kind:          storage.KindSell,
		Status:        storage.StatusDispute,
		CreatorPubkey: seller,
		BuyerPubkey:   &b,
		SellerPubkey:  &s,
		FiatCode:      "USD",
		PaymentMethod: "wire",
	}
	if err := store.CreateOrder(o); err != nil {
		t.Fatalf("CreateOrder() error = %v", err)
	}
}

func TestOpenCreatesDisputeRecord(t *testing.T) {
	m, store, sm, _ := newTestManager(t)
	ctx := context.Background()

	seedOrder(t, store, "order-1", "buyer-pk", "seller-pk")

	d, err := m.Open(ctx, "order-1", "buyer-pk")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if d.Status != storage.DisputeOpen {
		t.Fatalf("dispute status = %s, want open", d.Status)
	}
	if len(sm.disputeOpened) != 1 || sm.disputeOpened[0] != "order-1" {
		t.Fatalf("expected order-1 to have its order-side dispute transition driven, got %v", sm.disputeOpened)
	}
}

func TestAdminTakeDisputeRequiresSolver(t *testing.T) {
	m, store, _, _ := newTestManager(t)
	ctx := context.Background()

	seedOrder(t, store, "order-1", "buyer-pk", "seller-pk")
	d := &storage.Dispute{ID: "dispute-1", OrderID: "order-1", Status: storage.DisputeOpen}
	if err := store.CreateDispute(d); err != nil {
		t.Fatalf("CreateDispute() error = %v", err)
	}

	if err := m.AdminTakeDispute(ctx, "dispute-1", "random-pubkey"); err == nil {
		t.Fatal("expected an unregistered pubkey to be rejected")
	}

	if err := store.AddSolver(&storage.Solver{Pubkey: "solver-pk", AddedBy: "admin-pubkey"}); err != nil {
		t.Fatalf("AddSolver() error = %v", err)
	}
	if err := m.AdminTakeDispute(ctx, "dispute-1", "solver-pk"); err != nil {
		t.Fatalf("AdminTakeDispute() error = %v", err)
	}

	got, err := store.GetDispute("dispute-1")
	if err != nil {
		t.Fatalf("GetDispute() error = %v", err)
	}
	if got.Status != storage.DisputeAssigned {
		t.Fatalf("dispute status = %s, want assigned", got.Status)
	}
	if got.SolverPubkey == nil || *got.SolverPubkey != "solver-pk" {
		t.Fatal("expected solver_pubkey to be recorded")
	}
}

func TestAdminSettleSettleToBuyer(t *testing.T) {
	m, store, sm, pub := newTestManager(t)
	ctx := context.Background()

	seedOrder(t, store, "order-1", "buyer-pk", "seller-pk")
	solver := "solver-pk"
	d := &storage.Dispute{ID: "dispute-1", OrderID: "order-1", Status: storage.DisputeAssigned, SolverPubkey: &solver}
	if err := store.CreateDispute(d); err != nil {
		t.Fatalf("CreateDispute() error = %v", err)
	}

	if err := m.AdminSettle(ctx, "dispute-1", "solver-pk", true); err != nil {
		t.Fatalf("AdminSettle() error = %v", err)
	}

	if len(sm.releasedToBuyer) != 1 {
		t.Fatalf("expected AdminReleaseToBuyer to be called once, got %d", len(sm.releasedToBuyer))
	}
	got, err := store.GetDispute("dispute-1")
	if err != nil {
		t.Fatalf("GetDispute() error = %v", err)
	}
	if got.Status != storage.DisputeSettled {
		t.Fatalf("dispute status = %s, want settled", got.Status)
	}
	if len(pub.notified) != 2 {
		t.Fatalf("expected both buyer and seller to be notified, got %d notifications", len(pub.notified))
	}
}

func TestAdminSettleRejectsUnassignedSolver(t *testing.T) {
	m, store, _, _ := newTestManager(t)
	ctx := context.Background()

	seedOrder(t, store, "order-1", "buyer-pk", "seller-pk")
	assigned := "solver-a"
	d := &storage.Dispute{ID: "dispute-1", OrderID: "order-1", Status: storage.DisputeAssigned, SolverPubkey: &assigned}
	if err := store.CreateDispute(d); err != nil {
		t.Fatalf("CreateDispute() error = %v", err)
	}

	if err := m.AdminSettle(ctx, "dispute-1", "solver-b", true); err == nil {
		t.Fatal("expected a solver other than the assigned one to be rejected")
	}

	// The admin identity itself may always settle, regardless of assignment.
	if err := m.AdminSettle(ctx, "dispute-1", "admin-pubkey", false); err != nil {
		t.Fatalf("AdminSettle() by admin error = %v", err)
	}
}

func TestAdminAddSolver(t *testing.T) {
	m, store, _, _ := newTestManager(t)

	if err := m.AdminAddSolver("new-solver", "admin-pubkey"); err != nil {
		t.Fatalf("AdminAddSolver() error = %v", err)
	}
	ok, err := store.IsSolver("new-solver")
	if err != nil {
		t.Fatalf("IsSolver() error = %v", err)
	}
	if !ok {
		t.Fatal("expected new-solver to be registered")
	}
}
