package ingress

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"github.com/mostrond/mostrond/internal/authz"
	"github.com/mostrond/mostrond/internal/giftwrap"
	"github.com/mostrond/mostrond/internal/identity"
	"github.com/mostrond/mostrond/internal/messages"
	"github.com/mostrond/mostrond/internal/storage"
	"github.com/mostrond/mostrond/internal/wire"
)

type fakeSM struct {
	newOrders  int
	cancels    []string
	adminCalls []string
	err        error
}

func (f *fakeSM) NewOrder(ctx context.Context, creatorPubkey string, content *messages.NewOrderContent) (*storage.Order, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.newOrders++
	return &storage.Order{ID: "order-1"}, nil
}

func (f *fakeSM) TakeSell(ctx context.Context, orderID, takerPubkey string, fiatAmount int64, buyerInvoice string) (*storage.Order, error) {
	return &storage.Order{ID: orderID}, f.err
}

func (f *fakeSM) TakeBuy(ctx context.Context, orderID, takerPubkey string, fiatAmount int64) (*storage.Order, error) {
	return &storage.Order{ID: orderID}, f.err
}

func (f *fakeSM) AddInvoice(ctx context.Context, orderID, senderPubkey, invoice string) error {
	return f.err
}

func (f *fakeSM) FiatSent(ctx context.Context, orderID, senderPubkey string) error { return f.err }
func (f *fakeSM) Release(ctx context.Context, orderID, senderPubkey string) error  { return f.err }

func (f *fakeSM) Cancel(ctx context.Context, orderID, senderPubkey string) error {
	f.cancels = append(f.cancels, orderID)
	return f.err
}

func (f *fakeSM) AdminCancel(ctx context.Context, orderID string) error {
	f.adminCalls = append(f.adminCalls, orderID)
	return f.err
}

type fakeDispute struct{}

func (f *fakeDispute) Open(ctx context.Context, orderID, senderPubkey string) (*storage.Dispute, error) {
	return &storage.Dispute{ID: "dispute-1", OrderID: orderID}, nil
}
func (f *fakeDispute) AdminTakeDispute(ctx context.Context, disputeID, solverPubkey string) error {
	return nil
}
func (f *fakeDispute) AdminSettle(ctx context.Context, disputeID, callerPubkey string, settleToBuyer bool) error {
	return nil
}
func (f *fakeDispute) AdminAddSolver(solverPubkey, addedBy string) error { return nil }

type fakeReputation struct {
	enqueued int
}

func (f *fakeReputation) Enqueue(orderID, raterPubkey string, rating int) error {
	f.enqueued++
	return nil
}

type fakeNotifier struct {
	notified []string
}

func (f *fakeNotifier) Notify(ctx context.Context, recipient string, action messages.Action, orderID string, payload any) error {
	f.notified = append(f.notified, recipient+":"+string(action))
	return nil
}

func randomHexSeed(t *testing.T) string {
	t.Helper()
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		t.Fatalf("rand.Read() error = %v", err)
	}
	return hex.EncodeToString(seed)
}

func newTestPipeline(t *testing.T, pow int) (*Pipeline, *identity.Identity, *identity.Identity, *fakeSM, *fakeNotifier) {
	t.Helper()
	node, err := identity.Load("", randomHexSeed(t), "")
	if err != nil {
		t.Fatalf("identity.Load() node error = %v", err)
	}
	sender, err := identity.Load("", randomHexSeed(t), "")
	if err != nil {
		t.Fatalf("identity.Load() sender error = %v", err)
	}

	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	sm := &fakeSM{}
	pub := &fakeNotifier{}
	resolver := authz.New("admin-pubkey", store)

	p := New(nil, node, sm, &fakeDispute{}, &fakeReputation{}, pub, resolver, pow)
	return p, node, sender, sm, pub
}

func sealedFrame(t *testing.T, sender, recipient *identity.Identity, msg *messages.Message) []byte {
	t.Helper()
	env, err := giftwrap.Seal(sender.PubkeyHex(), recipient.PubkeyHex(), msg)
	if err != nil {
		t.Fatalf("giftwrap.Seal() error = %v", err)
	}
	frame, err := wire.NewFrame(wire.KindGiftWrap, env)
	if err != nil {
		t.Fatalf("wire.NewFrame() error = %v", err)
	}
	data, err := frame.Encode()
	if err != nil {
		t.Fatalf("frame.Encode() error = %v", err)
	}
	return data
}

func newOrderMessage(t *testing.T) *messages.Message {
	t.Helper()
	content := messages.NewOrderContent{
		Kind:          "sell",
		FiatCode:      "USD",
		FiatAmount:    100,
		Amount:        250_000,
		PaymentMethod: "wire",
	}
	raw, err := json.Marshal(content)
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	return &messages.Message{Version: 1, Action: messages.ActionNewOrder, Content: raw}
}

func TestHandleFrameDispatchesNewOrder(t *testing.T) {
	p, node, sender, sm, _ := newTestPipeline(t, 0)
	data := sealedFrame(t, sender, node, newOrderMessage(t))

	p.handleFrame(context.Background(), data)

	if sm.newOrders != 1 {
		t.Fatalf("expected NewOrder to be dispatched once, got %d", sm.newOrders)
	}
}

func TestHandleFrameDropsInsufficientPoW(t *testing.T) {
	p, node, sender, sm, _ := newTestPipeline(t, 256)
	data := sealedFrame(t, sender, node, newOrderMessage(t))

	p.handleFrame(context.Background(), data)

	if sm.newOrders != 0 {
		t.Fatal("expected frame below the PoW threshold to be dropped")
	}
}

func TestHandleFrameIgnoresOrderEventKind(t *testing.T) {
	p, _, _, sm, _ := newTestPipeline(t, 0)

	frame, err := wire.NewFrame(wire.KindOrderEvent, map[string]string{"order_id": "order-1"})
	if err != nil {
		t.Fatalf("wire.NewFrame() error = %v", err)
	}
	data, err := frame.Encode()
	if err != nil {
		t.Fatalf("frame.Encode() error = %v", err)
	}

	p.handleFrame(context.Background(), data)

	if sm.newOrders != 0 {
		t.Fatal("expected a public order-event frame never to reach dispatch")
	}
}

func TestHandleFrameDropsWrongRecipient(t *testing.T) {
	p, _, sender, sm, _ := newTestPipeline(t, 0)
	other, err := identity.Load("", randomHexSeed(t), "")
	if err != nil {
		t.Fatalf("identity.Load() error = %v", err)
	}
	data := sealedFrame(t, sender, other, newOrderMessage(t))

	p.handleFrame(context.Background(), data)

	if sm.newOrders != 0 {
		t.Fatal("expected an envelope addressed to a different identity to be dropped")
	}
}

func TestHandleFrameRejectsReplayedTradeIndex(t *testing.T) {
	p, node, sender, sm, _ := newTestPipeline(t, 0)

	msg := newOrderMessage(t)
	idx := int64(5)
	msg.TradeIndex = &idx
	data := sealedFrame(t, sender, node, msg)

	p.handleFrame(context.Background(), data)
	if sm.newOrders != 1 {
		t.Fatalf("expected first message to dispatch, got %d", sm.newOrders)
	}

	data2 := sealedFrame(t, sender, node, msg)
	p.handleFrame(context.Background(), data2)
	if sm.newOrders != 1 {
		t.Fatal("expected a replayed trade_index to be rejected")
	}
}

func TestHandleFrameCantDoNotifiesSender(t *testing.T) {
	p, node, sender, sm, pub := newTestPipeline(t, 0)
	sm.err = messages.NewCantDo(messages.ReasonInvalidAmount)

	data := sealedFrame(t, sender, node, newOrderMessage(t))
	p.handleFrame(context.Background(), data)

	if len(pub.notified) != 1 {
		t.Fatalf("expected a CantDo notice back to the sender, got %v", pub.notified)
	}
	want := sender.PubkeyHex() + ":" + string(messages.ActionCantDo)
	if pub.notified[0] != want {
		t.Fatalf("notified = %v, want %s", pub.notified[0], want)
	}
}

func TestHandleFrameRejectsUnauthorizedAdminCancel(t *testing.T) {
	p, node, sender, sm, _ := newTestPipeline(t, 0)

	msg := &messages.Message{Version: 1, Action: messages.ActionAdminCancel, ID: "order-1"}
	data := sealedFrame(t, sender, node, msg)
	p.handleFrame(context.Background(), data)

	if len(sm.adminCalls) != 0 {
		t.Fatal("expected a non-admin sender to be rejected before AdminCancel is invoked")
	}
}

func TestWithinFreshnessWindow(t *testing.T) {
	now := time.Now().Unix()
	if !withinFreshnessWindow(now) {
		t.Fatal("expected a just-created rumor to pass the freshness check")
	}
	if withinFreshnessWindow(now - 60) {
		t.Fatal("expected a 60s-old rumor to fail the freshness check")
	}
	if withinFreshnessWindow(now + 60) {
		t.Fatal("expected a rumor timestamped in the future to fail the freshness check")
	}
}
