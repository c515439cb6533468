// Package adminrpc exposes the coordinator's supplemental local admin
// control plane (SPEC_FULL.md §6): a JSON-RPC 2.0 server bound to a
// loopback address, never the public gossip transport, offering
// read-only order/dispute inspection and a solver-registry mutation,
// plus a websocket push of order and dispute state changes for a
// local operator dashboard.
//
// Grounded on this codebase's internal/rpc/server.go (JSON-RPC 2.0
// Request/Response/Error envelope, a map[string]Handler dispatch
// table) and internal/rpc/websocket.go (a hub broadcasting typed
// events to subscribed clients). Every handler here is a thin wrapper
// over internal/storage and internal/dispute.Manager.AdminAddSolver —
// no new state-machine semantics are introduced; this is operational
// tooling over already-specified Actions.
package adminrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/mostrond/mostrond/internal/messages"
	"github.com/mostrond/mostrond/internal/storage"
	"github.com/mostrond/mostrond/pkg/logging"
)

// OrderStore is the read-only order surface the admin API needs,
// satisfied by internal/storage.Storage.
type OrderStore interface {
	GetOrder(id string) (*storage.Order, error)
	ListOrders(filter storage.OrderFilter) ([]*storage.Order, error)
}

// DisputeStore is the read-only dispute surface the admin API needs.
type DisputeStore interface {
	ListDisputes(status *storage.DisputeStatus) ([]*storage.Dispute, error)
	GetDispute(id string) (*storage.Dispute, error)
}

// SolverAdder is the one mutating call the admin API exposes,
// satisfied by internal/dispute.Manager. It runs through the same
// persistence path the gift-wrapped AdminAddSolver Action uses; the
// admin check that ingress applies to that Action is not applied here.
type SolverAdder interface {
	AdminAddSolver(solverPubkey, addedBy string) error
}

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id,omitempty"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

const (
	parseErrorCode     = -32700
	invalidRequestCode = -32600
	methodNotFoundCode = -32601
	invalidParamsCode  = -32602
	internalErrorCode  = -32603
)

// Handler is one admin JSON-RPC method.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Server is the loopback-bound admin control plane.
type Server struct {
	orders   OrderStore
	disputes DisputeStore
	solvers  SolverAdder
	adminKey string
	log      *logging.Logger
	hub      *Hub

	handlers map[string]Handler

	httpServer *http.Server
	listener   net.Listener
}

// NewHub returns a standalone broadcast hub. Callers that need to wire
// a Notifier (internal/adminrpc.BroadcastingNotifier) through packages
// constructed before the Server itself (the order state machine and
// dispute manager, which the Server in turn depends on for solver.add)
// create the Hub first and pass it to both.
func NewHub() *Hub {
	h := newHub()
	go h.run()
	return h
}

// NewServer returns an admin Server bound to hub. adminPubkey is
// recorded as the "addedBy" identity on solver.add calls issued over
// this local channel (there is no gift-wrapped sender to authenticate
// here; the loopback bind itself is the trust boundary).
func NewServer(orders OrderStore, disputes DisputeStore, solvers SolverAdder, adminPubkey string, hub *Hub) *Server {
	s := &Server{
		orders:   orders,
		disputes: disputes,
		solvers:  solvers,
		adminKey: adminPubkey,
		log:      logging.GetDefault().Component("adminrpc"),
		hub:      hub,
	}
	s.handlers = map[string]Handler{
		"order.list":   s.orderList,
		"order.get":    s.orderGet,
		"dispute.list": s.disputeList,
		"dispute.get":  s.disputeGet,
		"solver.add":   s.solverAdd,
	}
	return s
}

// Hub returns the websocket broadcast hub, so callers (the publisher
// decorator built in cmd/mostrond) can push state-change events.
func (s *Server) Hub() *Hub { return s.hub }

// Listen binds addr (expected to be a loopback address, e.g.
// "127.0.0.1:38782") and starts serving until ctx is canceled.
func (s *Server) Listen(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("adminrpc listen: %w", err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleHTTP)
	mux.HandleFunc("/ws", s.hub.handleWS)

	s.httpServer = &http.Server{Handler: mux}
	s.log.Info("admin control plane listening", "addr", addr)

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) handleHTTP(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeResponse(w, Response{JSONRPC: "2.0", Error: &Error{Code: parseErrorCode, Message: "parse error"}})
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		writeResponse(w, Response{JSONRPC: "2.0", ID: req.ID, Error: &Error{Code: invalidRequestCode, Message: "invalid request"}})
		return
	}

	handler, ok := s.handlers[req.Method]
	if !ok {
		writeResponse(w, Response{JSONRPC: "2.0", ID: req.ID, Error: &Error{Code: methodNotFoundCode, Message: "method not found"}})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	result, err := handler(ctx, req.Params)
	if err != nil {
		s.log.Warn("admin rpc handler failed", "method", req.Method, "error", err)
		writeResponse(w, Response{JSONRPC: "2.0", ID: req.ID, Error: &Error{Code: internalErrorCode, Message: err.Error()}})
		return
	}
	writeResponse(w, Response{JSONRPC: "2.0", ID: req.ID, Result: result})
}

func writeResponse(w http.ResponseWriter, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

type orderListParams struct {
	Status            *storage.Status `json:"status,omitempty"`
	CreatorPubkey     string          `json:"creator_pubkey,omitempty"`
	ParticipantPubkey string          `json:"participant_pubkey,omitempty"`
	Limit             int             `json:"limit,omitempty"`
}

func (s *Server) orderList(_ context.Context, params json.RawMessage) (interface{}, error) {
	var p orderListParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
	}
	return s.orders.ListOrders(storage.OrderFilter{
		Status:            p.Status,
		CreatorPubkey:     p.CreatorPubkey,
		ParticipantPubkey: p.ParticipantPubkey,
		Limit:             p.Limit,
	})
}

type orderGetParams struct {
	ID string `json:"id"`
}

func (s *Server) orderGet(_ context.Context, params json.RawMessage) (interface{}, error) {
	var p orderGetParams
	if err := json.Unmarshal(params, &p); err != nil || p.ID == "" {
		return nil, fmt.Errorf("invalid params: id required")
	}
	return s.orders.GetOrder(p.ID)
}

type disputeListParams struct {
	Status *storage.DisputeStatus `json:"status,omitempty"`
}

func (s *Server) disputeList(_ context.Context, params json.RawMessage) (interface{}, error) {
	var p disputeListParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
	}
	return s.disputes.ListDisputes(p.Status)
}

type disputeGetParams struct {
	ID string `json:"id"`
}

func (s *Server) disputeGet(_ context.Context, params json.RawMessage) (interface{}, error) {
	var p disputeGetParams
	if err := json.Unmarshal(params, &p); err != nil || p.ID == "" {
		return nil, fmt.Errorf("invalid params: id required")
	}
	return s.disputes.GetDispute(p.ID)
}

type solverAddParams struct {
	Pubkey string `json:"pubkey"`
}

func (s *Server) solverAdd(_ context.Context, params json.RawMessage) (interface{}, error) {
	var p solverAddParams
	if err := json.Unmarshal(params, &p); err != nil || p.Pubkey == "" {
		return nil, fmt.Errorf("invalid params: pubkey required")
	}
	if err := s.solvers.AdminAddSolver(p.Pubkey, s.adminKey); err != nil {
		return nil, err
	}
	return map[string]string{"pubkey": p.Pubkey}, nil
}

// StateChangeEvent is pushed to websocket subscribers whenever an
// order or dispute moves to a new status, per SPEC_FULL.md §6's
// "websocket push of order and dispute state changes".
type StateChangeEvent struct {
	Kind      string          `json:"kind"` // "order" or "dispute"
	ID        string          `json:"id"`
	Status    string          `json:"status,omitempty"`
	Action    messages.Action `json:"action,omitempty"`
	Timestamp int64           `json:"timestamp"`
}
