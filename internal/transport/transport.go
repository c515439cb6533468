// Package transport runs the libp2p host and GossipSub mesh that
// carries gift-wrapped envelopes between coordinators and clients.
//
// Adapted from this codebase's internal/node.Node: the same
// libp2p.New option set (identity, connection manager, NAT, relay,
// hole punching) and the same initPubSub/initMDNS shape, but with the
// Kademlia DHT dropped — this daemon's peers are a flat, configured
// relay/bootstrap list rather than content-routed, and mDNS is kept
// only as a local-network convenience for development.
package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	connmgr "github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/multiformats/go-multiaddr"

	"github.com/mostrond/mostrond/pkg/logging"
)

// OrdersTopic is the single gossipsub topic carrying public,
// replaceable order events (SPEC_FULL.md §4.5).
const OrdersTopic = "mostro/orders/v1"

// Host wraps a libp2p host plus the single GossipSub mesh this
// coordinator publishes and subscribes on.
type Host struct {
	host   host.Host
	pubsub *pubsub.PubSub
	topic  *pubsub.Topic
	sub    *pubsub.Subscription

	mdnsService mdns.Service
	discoveryNS string

	log *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu                 sync.RWMutex
	onPeerConnected    func(peer.ID)
	onPeerDisconnected func(peer.ID)
}

// Options configures a new Host.
type Options struct {
	PrivKey        crypto.PrivKey
	ListenAddrs    []string
	BootstrapPeers []string
	EnableMDNS     bool
	EnableNAT      bool
	EnableRelay    bool
	DiscoveryNS    string
}

// New creates and starts a libp2p host and joins the orders topic.
func New(ctx context.Context, opts Options) (*Host, error) {
	ctx, cancel := context.WithCancel(ctx)

	listenAddrs := make([]multiaddr.Multiaddr, 0, len(opts.ListenAddrs))
	for _, addr := range opts.ListenAddrs {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("invalid listen address %s: %w", addr, err)
		}
		listenAddrs = append(listenAddrs, ma)
	}

	cm, err := connmgr.NewConnManager(64, 256, connmgr.WithGracePeriod(time.Minute))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create connection manager: %w", err)
	}

	libp2pOpts := []libp2p.Option{
		libp2p.Identity(opts.PrivKey),
		libp2p.ListenAddrs(listenAddrs...),
		libp2p.ConnectionManager(cm),
		libp2p.DefaultTransports,
		libp2p.DefaultMuxers,
		libp2p.DefaultSecurity,
	}
	if opts.EnableNAT {
		libp2pOpts = append(libp2pOpts, libp2p.NATPortMap())
	}
	if opts.EnableRelay {
		libp2pOpts = append(libp2pOpts, libp2p.EnableRelay(), libp2p.EnableHolePunching())
	}

	h, err := libp2p.New(libp2pOpts...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	t := &Host{
		host:        h,
		discoveryNS: opts.DiscoveryNS,
		log:         logging.GetDefault().Component("transport"),
		ctx:         ctx,
		cancel:      cancel,
	}

	h.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(_ network.Network, conn network.Conn) {
			t.mu.RLock()
			cb := t.onPeerConnected
			t.mu.RUnlock()
			if cb != nil {
				go cb(conn.RemotePeer())
			}
		},
		DisconnectedF: func(_ network.Network, conn network.Conn) {
			t.mu.RLock()
			cb := t.onPeerDisconnected
			t.mu.RUnlock()
			if cb != nil {
				go cb(conn.RemotePeer())
			}
		},
	})

	t.pubsub, err = pubsub.NewGossipSub(ctx, h,
		pubsub.WithPeerExchange(true),
		pubsub.WithFloodPublish(true),
	)
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("failed to initialize pubsub: %w", err)
	}

	t.topic, err = t.pubsub.Join(OrdersTopic)
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("failed to join orders topic: %w", err)
	}
	t.sub, err = t.topic.Subscribe()
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("failed to subscribe to orders topic: %w", err)
	}

	if opts.EnableMDNS {
		t.mdnsService = mdns.NewMdnsService(h, opts.DiscoveryNS, t)
		if err := t.mdnsService.Start(); err != nil {
			t.log.Warn("mDNS initialization failed", "error", err)
		}
	}

	for _, addrStr := range opts.BootstrapPeers {
		t.connectBootstrapPeer(addrStr)
	}

	return t, nil
}

func (t *Host) connectBootstrapPeer(addrStr string) {
	ma, err := multiaddr.NewMultiaddr(addrStr)
	if err != nil {
		t.log.Warn("invalid bootstrap address", "addr", addrStr, "error", err)
		return
	}
	pi, err := peer.AddrInfoFromP2pAddr(ma)
	if err != nil {
		t.log.Warn("invalid bootstrap peer info", "addr", addrStr, "error", err)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(t.ctx, 30*time.Second)
		defer cancel()
		if err := t.host.Connect(ctx, *pi); err != nil {
			t.log.Warn("failed to connect to bootstrap peer", "peer", shortID(pi.ID), "error", err)
			return
		}
		t.log.Info("connected to bootstrap peer", "peer", shortID(pi.ID))
	}()
}

// HandlePeerFound implements mdns.Notifee.
func (t *Host) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == t.host.ID() {
		return
	}
	t.host.Peerstore().AddAddrs(pi.ID, pi.Addrs, peerstore.PermanentAddrTTL)
	go func() {
		ctx, cancel := context.WithTimeout(t.ctx, 10*time.Second)
		defer cancel()
		if err := t.host.Connect(ctx, pi); err != nil {
			t.log.Debug("failed to connect to mDNS peer", "peer", shortID(pi.ID), "error", err)
		}
	}()
}

// Publish broadcasts data (a gift-wrapped envelope or public order
// event) on the orders topic.
func (t *Host) Publish(ctx context.Context, data []byte) error {
	return t.topic.Publish(ctx, data)
}

// Next returns the next incoming orders-topic message. Callers read in
// a loop; Next blocks until a message arrives or ctx is canceled.
func (t *Host) Next(ctx context.Context) (*pubsub.Message, error) {
	return t.sub.Next(ctx)
}

// SelfID returns this host's own peer ID, used to filter out
// self-published messages.
func (t *Host) SelfID() peer.ID {
	return t.host.ID()
}

// Libp2pHost returns the underlying libp2p host, for callers (the
// publisher's resync worker) that need to register a direct
// request/response protocol stream handler rather than talk over the
// gossip topic.
func (t *Host) Libp2pHost() host.Host {
	return t.host
}

// OnPeerConnected registers a callback invoked on every new
// connection.
func (t *Host) OnPeerConnected(cb func(peer.ID)) {
	t.mu.Lock()
	t.onPeerConnected = cb
	t.mu.Unlock()
}

// OnPeerDisconnected registers a callback invoked on every
// disconnection.
func (t *Host) OnPeerDisconnected(cb func(peer.ID)) {
	t.mu.Lock()
	t.onPeerDisconnected = cb
	t.mu.Unlock()
}

// Close shuts the host and its subsystems down.
func (t *Host) Close() error {
	t.cancel()
	if t.mdnsService != nil {
		t.mdnsService.Close()
	}
	t.sub.Cancel()
	return t.host.Close()
}

func shortID(p peer.ID) string {
	s := p.String()
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
