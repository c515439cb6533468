package reputation

import (
	"context"
	"testing"
	"time"

	"github.com/mostrond/mostrond/internal/authz"
	"github.com/mostrond/mostrond/internal/messages"
	"github.com/mostrond/mostrond/internal/storage"
)

type fakeNotifier struct {
	notified []string
}

func (f *fakeNotifier) Notify(ctx context.Context, recipient string, action messages.Action, orderID string, payload any) error {
	f.notified = append(f.notified, recipient+":"+string(action))
	return nil
}

func newTestAggregator(t *testing.T, interval time.Duration) (*Aggregator, *storage.Storage, *fakeNotifier) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	pub := &fakeNotifier{}
	resolver := authz.New("admin-pubkey", store)
	agg := New(store, pub, resolver, interval)
	return agg, store, pub
}

func seedCompletedOrder(t *testing.T, store *storage.Storage, id, buyer, seller string) {
	t.Helper()
	b, s := buyer, seller
	o := &storage.Order{
		ID:            id,
		Kind:          storage.KindSell,
		Status:        storage.StatusCompleted,
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

func TestEnqueueRejectsNonParticipant(t *testing.T) {
	agg, store, _ := newTestAggregator(t, time.Hour)
	seedCompletedOrder(t, store, "order-1", "buyer-pk", "seller-pk")

	if err := agg.Enqueue("order-1", "stranger-pk", 5); err == nil {
		t.Fatal("expected a non-participant rater to be rejected")
	}
}

func TestEnqueueRejectsIncompleteOrder(t *testing.T) {
	agg, store, _ := newTestAggregator(t, time.Hour)
	b, s := "buyer-pk", "seller-pk"
	o := &storage.Order{
		ID:            "order-1",
		Kind:          storage.KindSell,
		Status:        storage.StatusActive,
		CreatorPubkey: s,
		BuyerPubkey:   &b,
		SellerPubkey:  &s,
		FiatCode:      "USD",
		PaymentMethod: "wire",
	}
	if err := store.CreateOrder(o); err != nil {
		t.Fatalf("CreateOrder() error = %v", err)
	}

	if err := agg.Enqueue("order-1", "buyer-pk", 5); err == nil {
		t.Fatal("expected rating on a non-completed order to be rejected")
	}
}

func TestEnqueueRejectsDuplicateRating(t *testing.T) {
	agg, store, _ := newTestAggregator(t, time.Hour)
	seedCompletedOrder(t, store, "order-1", "buyer-pk", "seller-pk")

	if err := store.RecordRating("order-1", "buyer-pk", "seller-pk", 5); err != nil {
		t.Fatalf("RecordRating() error = %v", err)
	}

	if err := agg.Enqueue("order-1", "buyer-pk", 4); err == nil {
		t.Fatal("expected a second rating from the same rater to be rejected")
	}
}

func TestFlushPersistsAndNotifies(t *testing.T) {
	agg, store, pub := newTestAggregator(t, time.Hour)
	seedCompletedOrder(t, store, "order-1", "buyer-pk", "seller-pk")

	if err := agg.Enqueue("order-1", "buyer-pk", 5); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	select {
	case ev := <-agg.queue:
		agg.buffer = append(agg.buffer, ev)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for queued rate event")
	}
	agg.flush()

	user, err := store.GetUser("seller-pk")
	if err != nil {
		t.Fatalf("GetUser() error = %v", err)
	}
	if user.TotalRatingCount != 1 || user.Average() != 5 {
		t.Fatalf("seller reputation = %+v, want count=1 average=5", user)
	}

	if len(pub.notified) != 1 || pub.notified[0] != "seller-pk:"+string(messages.ActionRateReceived) {
		t.Fatalf("notified = %v, want a single RateReceived notice to seller-pk", pub.notified)
	}
}

func TestStartStopFlushesOnShutdown(t *testing.T) {
	agg, store, pub := newTestAggregator(t, time.Hour)
	seedCompletedOrder(t, store, "order-1", "buyer-pk", "seller-pk")

	agg.Start()
	if err := agg.Enqueue("order-1", "buyer-pk", 3); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	agg.Stop()

	user, err := store.GetUser("seller-pk")
	if err != nil {
		t.Fatalf("GetUser() error = %v", err)
	}
	if user.TotalRatingCount != 1 {
		t.Fatalf("expected Stop() to flush the buffered rating, got count=%d", user.TotalRatingCount)
	}
	if len(pub.notified) != 1 {
		t.Fatalf("expected a reputation notice on shutdown flush, got %v", pub.notified)
	}
}
