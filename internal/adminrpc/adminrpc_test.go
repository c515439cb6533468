package adminrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mostrond/mostrond/internal/messages"
	"github.com/mostrond/mostrond/internal/storage"
)

func newTestStore(t *testing.T) *storage.Storage {
	t.Helper()
	s, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

type fakeSolverAdder struct {
	added []string
}

func (f *fakeSolverAdder) AdminAddSolver(solverPubkey, addedBy string) error {
	f.added = append(f.added, solverPubkey)
	return nil
}

func newTestServer(t *testing.T) (*Server, *storage.Storage, *fakeSolverAdder) {
	t.Helper()
	store := newTestStore(t)
	solvers := &fakeSolverAdder{}
	s := NewServer(store, store, solvers, "admin-pubkey", NewHub())
	return s, store, solvers
}

func rpcCall(t *testing.T, handler http.Handler, method string, params interface{}) Response {
	t.Helper()
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		require.NoError(t, err)
		raw = b
	}
	req := Request{JSONRPC: "2.0", Method: method, Params: raw, ID: 1}
	body, err := json.Marshal(req)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	handler.ServeHTTP(w, r)

	var resp Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestOrderListAndGet(t *testing.T) {
	s, store, _ := newTestServer(t)
	require.NoError(t, store.CreateOrder(&storage.Order{
		ID:            "order-1",
		Kind:          storage.KindSell,
		Status:        storage.StatusPending,
		CreatorPubkey: "alice",
		FiatCode:      "USD",
		FiatAmount:    100,
	}))

	resp := rpcCall(t, http.HandlerFunc(s.handleHTTP), "order.list", nil)
	require.Nil(t, resp.Error)
	require.NotNil(t, resp.Result)

	resp = rpcCall(t, http.HandlerFunc(s.handleHTTP), "order.get", map[string]string{"id": "order-1"})
	require.Nil(t, resp.Error)
	require.NotNil(t, resp.Result)
}

func TestOrderGetMissingID(t *testing.T) {
	s, _, _ := newTestServer(t)
	resp := rpcCall(t, http.HandlerFunc(s.handleHTTP), "order.get", map[string]string{})
	require.NotNil(t, resp.Error)
}

func TestUnknownMethod(t *testing.T) {
	s, _, _ := newTestServer(t)
	resp := rpcCall(t, http.HandlerFunc(s.handleHTTP), "bogus.method", nil)
	require.NotNil(t, resp.Error)
	require.Equal(t, methodNotFoundCode, resp.Error.Code)
}

func TestSolverAdd(t *testing.T) {
	s, _, solvers := newTestServer(t)
	resp := rpcCall(t, http.HandlerFunc(s.handleHTTP), "solver.add", map[string]string{"pubkey": "solver-1"})
	require.Nil(t, resp.Error)
	require.Equal(t, []string{"solver-1"}, solvers.added)
}

func TestBroadcastingNotifierPushesOnPublish(t *testing.T) {
	hub := newHub()
	go hub.run()

	received := make(chan StateChangeEvent, 1)
	hub.mu.Lock()
	c := &wsClient{send: make(chan []byte, 1)}
	hub.clients[c] = true
	hub.mu.Unlock()
	go func() {
		data := <-c.send
		var ev StateChangeEvent
		_ = json.Unmarshal(data, &ev)
		received <- ev
	}()

	notifier := NewBroadcastingNotifier(&fakePublisher{}, hub)
	_, err := notifier.PublishOrder(context.Background(), &storage.Order{ID: "order-1", Status: storage.StatusActive})
	require.NoError(t, err)

	ev := <-received
	require.Equal(t, "order", ev.Kind)
	require.Equal(t, "order-1", ev.ID)
	require.Equal(t, string(storage.StatusActive), ev.Status)
}

type fakePublisher struct{}

func (f *fakePublisher) PublishOrder(ctx context.Context, o *storage.Order) (string, error) {
	return "event-1", nil
}

func (f *fakePublisher) Notify(ctx context.Context, recipientPubkey string, action messages.Action, orderID string, payload any) error {
	return nil
}
