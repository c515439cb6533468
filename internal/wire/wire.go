// Package wire defines the outermost framing carried over the gossip
// transport: a content-addressed, kind-tagged frame distinguishing the
// two classes of traffic the coordinator exchanges (SPEC_FULL.md §4.5)
// — public replaceable order events and gift-wrapped direct
// notifications — so the ingress pipeline's "kind filter" step
// (SPEC_FULL.md §4.1 step 2) can discard the former before spending any
// decrypt effort on it.
package wire

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// Kind discriminates the two message classes on the wire.
type Kind string

const (
	// KindOrderEvent is a public, replaceable order snapshot. Carries
	// no Action and is never dispatched to a handler; it is consumed
	// by peers (and this node's own resync worker) to keep a local
	// view of open orders converged.
	KindOrderEvent Kind = "order_event"

	// KindGiftWrap is an encrypted, addressed envelope carrying an
	// Action. Only frames of this kind reach the ingress dispatch
	// pipeline.
	KindGiftWrap Kind = "gift_wrap"
)

// Frame is the outermost envelope published on the transport topic.
type Frame struct {
	Kind    Kind            `json:"kind"`
	ID      []byte          `json:"id"` // content-addressed; PoW is measured against this
	Payload json.RawMessage `json:"payload"`
}

// NewFrame wraps payload, computing its content-addressed id.
func NewFrame(kind Kind, payload any) (*Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal frame payload: %w", err)
	}
	return &Frame{
		Kind:    kind,
		ID:      ContentID(string(kind), data),
		Payload: data,
	}, nil
}

// Encode serializes the frame for transport.
func (f *Frame) Encode() ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal frame: %w", err)
	}
	return data, nil
}

// Decode parses a transport message into a Frame.
func Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to unmarshal frame: %w", err)
	}
	return &f, nil
}

// ContentID hashes kind plus an arbitrary number of byte parts into a
// content-addressed id: publishing the same snapshot twice yields the
// same id (SPEC_FULL.md §8's idempotence property), and leading zero
// bits of the result is what the PoW gate measures.
func ContentID(kind string, parts ...[]byte) []byte {
	h := sha256.New()
	h.Write([]byte(kind))
	for _, p := range parts {
		var length [4]byte
		binary.BigEndian.PutUint32(length[:], uint32(len(p)))
		h.Write(length[:])
		h.Write(p)
	}
	return h.Sum(nil)
}
