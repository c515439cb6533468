// Package giftwrap implements the two-layer encrypted envelope carried
// over the gossip transport: a rumor (the real message, unsigned) is
// sealed with NaCl box under an ephemeral key and addressed to a single
// recipient, then wrapped in an outer envelope signed by a disposable
// identity so the true sender is revealed only on successful unwrap.
//
// Adapted from this codebase's peer-to-peer message encryption, which
// used the same ephemeral-key NaCl box construction for forward secrecy;
// here the recipient and sender are long-lived node identities
// (internal/identity) rather than libp2p peer IDs.
package giftwrap

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/crypto/nacl/box"

	"github.com/mostrond/mostrond/internal/identity"
)

// Rumor is the true, unsigned message content: a gift-wrap's innermost
// layer, per SPEC_FULL.md §4.1's unwrap step.
type Rumor struct {
	PubkeyHex string          `json:"pubkey"`     // the actual sender, hidden until unwrap
	CreatedAt int64           `json:"created_at"` // unix seconds; freshness-checked on ingress
	Payload   json.RawMessage `json:"payload"`    // the typed message (see internal/ingress)
}

// Envelope is the outer, transport-visible gift wrap.
type Envelope struct {
	RecipientPubkey string `json:"recipient"`     // intended reader's identity pubkey
	EphemeralPubkey string `json:"ephemeral_key"` // outer signer's BIP340 x-only pubkey
	Signature       []byte `json:"sig"`           // Schnorr signature over EventID
	EventID         []byte `json:"event_id"`      // content hash; the ingress PoW gate measures the enclosing wire.Frame id instead
	EphemeralX25519 []byte `json:"ephemeral_box_key"` // box sender key (32 bytes)
	Nonce           []byte `json:"nonce"`             // 24-byte box nonce
	Ciphertext      []byte `json:"ciphertext"`        // sealed Rumor
}

// Seal builds a gift-wrapped envelope addressed to recipientPubkeyHex,
// carrying payload as the rumor content attributed to senderPubkeyHex
// (the sender is recorded inside the rumor, not the outer envelope).
// The rumor is not signed with the sender's identity key; only the
// outer envelope is signed, by a disposable key.
func Seal(senderPubkeyHex, recipientPubkeyHex string, payload any) (*Envelope, error) {
	rumorPayload, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	rumor := Rumor{
		PubkeyHex: senderPubkeyHex,
		CreatedAt: time.Now().Unix(),
		Payload:   rumorPayload,
	}
	plaintext, err := json.Marshal(rumor)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rumor: %w", err)
	}

	recipientX25519, err := identity.PubkeyToX25519(recipientPubkeyHex)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve recipient key: %w", err)
	}

	ephemeralPub, ephemeralPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral box key: %w", err)
	}

	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := box.Seal(nil, plaintext, &nonce, &recipientX25519, ephemeralPriv)

	signer, err := identity.NewEphemeralSigner()
	if err != nil {
		return nil, fmt.Errorf("failed to create ephemeral signer: %w", err)
	}

	eventID := EventID(recipientPubkeyHex, ephemeralPub[:], nonce[:], ciphertext)
	sig, err := signer.Sign(eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to sign envelope: %w", err)
	}

	return &Envelope{
		RecipientPubkey: recipientPubkeyHex,
		EphemeralPubkey: signer.PubkeyHex(),
		Signature:       sig,
		EventID:         eventID,
		EphemeralX25519: ephemeralPub[:],
		Nonce:           nonce[:],
		Ciphertext:      ciphertext,
	}, nil
}

// Open decrypts an envelope addressed to localPubkeyHex, returning the
// unwrapped rumor. Callers run this only after the wire codec's PoW,
// kind, and signature checks (SPEC_FULL.md §4.1 steps 1–3) have
// already passed.
func Open(localPubkeyHex string, x25519Priv [32]byte, env *Envelope) (*Rumor, error) {
	if env.RecipientPubkey != localPubkeyHex {
		return nil, fmt.Errorf("envelope not addressed to this identity")
	}
	if len(env.EphemeralX25519) != 32 {
		return nil, fmt.Errorf("invalid ephemeral box key length")
	}
	if len(env.Nonce) != 24 {
		return nil, fmt.Errorf("invalid nonce length")
	}

	var ephemeralPub [32]byte
	copy(ephemeralPub[:], env.EphemeralX25519)
	var nonce [24]byte
	copy(nonce[:], env.Nonce)

	plaintext, ok := box.Open(nil, env.Ciphertext, &nonce, &ephemeralPub, &x25519Priv)
	if !ok {
		return nil, fmt.Errorf("failed to open envelope")
	}

	var rumor Rumor
	if err := json.Unmarshal(plaintext, &rumor); err != nil {
		return nil, fmt.Errorf("failed to unmarshal rumor: %w", err)
	}
	return &rumor, nil
}

// VerifyOuterSignature runs step 3 of the wire codec: check the outer
// envelope's signature. A failure here is logged and the envelope
// dropped, never disconnecting the peer (spec's anti-replay posture).
func VerifyOuterSignature(env *Envelope) bool {
	return identity.VerifyEphemeralSignature(env.EphemeralPubkey, env.EventID, env.Signature)
}
