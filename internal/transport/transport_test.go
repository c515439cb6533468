package transport

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
)

func newTestHost(t *testing.T) *Host {
	t.Helper()
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h, err := New(ctx, Options{
		PrivKey:     priv,
		ListenAddrs: []string{"/ip4/127.0.0.1/tcp/0"},
		DiscoveryNS: "test-namespace",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func TestNewHostJoinsOrdersTopic(t *testing.T) {
	h := newTestHost(t)
	if h.SelfID() == "" {
		t.Fatal("expected a non-empty peer id")
	}
}

func TestPublishAndReceive(t *testing.T) {
	h := newTestHost(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := h.Publish(ctx, []byte("hello")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	msg, err := h.Next(ctx)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if string(msg.Data) != "hello" {
		t.Fatalf("received %q, want %q", msg.Data, "hello")
	}
}
