package publisher

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/mostrond/mostrond/internal/storage"
	"github.com/mostrond/mostrond/pkg/logging"
)

// ResyncProtocol is the direct request/response protocol a newly
// connected peer is asked for open orders on, supplementing the
// gossip topic for a peer that missed a publish (SPEC_FULL.md §4.5).
// Grounded directly on this codebase's internal/sync.OrderSync
// protocol-stream request/response pattern.
const ResyncProtocol = "/mostro/ordersync/1.0.0"

// ResyncCooldown bounds how often the same peer is re-synced.
const ResyncCooldown = 5 * time.Minute

// resyncRequest asks a peer for orders updated since a timestamp.
type resyncRequest struct {
	Since int64 `json:"since"`
	Limit int   `json:"limit"`
}

// resyncResponse carries the peer's matching open orders.
type resyncResponse struct {
	Orders []*storage.Order `json:"orders"`
}

// Resync is a best-effort peer-to-peer order convergence worker: on
// every new libp2p connection it requests open orders updated since
// its last successful sync and reconciles them against local storage
// by updated_at recency. This only affects delivery, never order-event
// semantics (SPEC_FULL.md §4.5).
type Resync struct {
	host  host.Host
	store *storage.Storage
	log   *logging.Logger

	mu     sync.Mutex
	synced map[peer.ID]time.Time

	lastSync int64 // unix seconds; updated after each successful pull
}

// NewResync registers ResyncProtocol's stream handler on h and returns
// a worker ready to be driven by transport.Host.OnPeerConnected.
func NewResync(h host.Host, store *storage.Storage) *Resync {
	r := &Resync{
		host:   h,
		store:  store,
		log:    logging.GetDefault().Component("resync"),
		synced: make(map[peer.ID]time.Time),
	}
	h.SetStreamHandler(ResyncProtocol, r.handleStream)
	return r
}

// OnPeerConnected is the callback to register with transport.Host.
func (r *Resync) OnPeerConnected(p peer.ID) {
	r.mu.Lock()
	last, ok := r.synced[p]
	due := !ok || time.Since(last) > ResyncCooldown
	if due {
		r.synced[p] = time.Now()
	}
	r.mu.Unlock()

	if !due {
		return
	}
	go r.pull(p)
}

func (r *Resync) pull(p peer.ID) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s, err := r.host.NewStream(ctx, p, ResyncProtocol)
	if err != nil {
		r.log.Debug("resync stream open failed", "peer", p.String(), "error", err)
		return
	}
	defer s.Close()

	req := resyncRequest{Since: r.lastSync, Limit: 100}
	if err := json.NewEncoder(s).Encode(req); err != nil {
		r.log.Debug("resync request write failed", "peer", p.String(), "error", err)
		return
	}

	var resp resyncResponse
	if err := json.NewDecoder(s).Decode(&resp); err != nil {
		r.log.Debug("resync response read failed", "peer", p.String(), "error", err)
		return
	}

	r.reconcile(resp.Orders)
}

// reconcile merges orders into local storage, keeping whichever
// version (local or remote) has the more recent updated_at.
func (r *Resync) reconcile(orders []*storage.Order) {
	merged := 0
	for _, remote := range orders {
		local, err := r.store.GetOrder(remote.ID)
		if err == storage.ErrOrderNotFound {
			if err := r.store.CreateOrder(remote); err != nil {
				r.log.Warn("resync create failed", "order_id", remote.ID, "error", err)
				continue
			}
			merged++
			continue
		}
		if err != nil {
			r.log.Warn("resync lookup failed", "order_id", remote.ID, "error", err)
			continue
		}
		if remote.UpdatedAt.After(local.UpdatedAt) {
			if err := r.store.SaveOrder(remote); err != nil {
				r.log.Warn("resync save failed", "order_id", remote.ID, "error", err)
				continue
			}
			merged++
		}
	}
	if merged > 0 {
		r.log.Info("resync merged orders", "count", merged)
	}
	r.lastSync = time.Now().Unix()
}

func (r *Resync) handleStream(s network.Stream) {
	defer s.Close()

	var req resyncRequest
	if err := json.NewDecoder(s).Decode(&req); err != nil && err != io.EOF {
		r.log.Debug("resync request decode failed", "error", err)
		return
	}
	if req.Limit <= 0 || req.Limit > 100 {
		req.Limit = 100
	}

	orders, err := r.store.ListOrders(storage.OrderFilter{Limit: req.Limit})
	if err != nil {
		r.log.Warn("resync list failed", "error", err)
		return
	}

	filtered := make([]*storage.Order, 0, len(orders))
	for _, o := range orders {
		if o.UpdatedAt.Unix() > req.Since && !o.Status.Terminal() {
			filtered = append(filtered, o)
		}
	}

	if err := json.NewEncoder(s).Encode(resyncResponse{Orders: filtered}); err != nil {
		r.log.Debug("resync response write failed", "error", err)
	}
}
