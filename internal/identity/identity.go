// Package identity manages the coordinator's long-lived Ed25519 key and
// the short-lived secp256k1 keys used to sign individual gossip events.
//
// The long-lived key is the coordinator's public identity: the pubkey
// a client points its orders and messages at. The per-event key signs
// the outer gift-wrap envelope so the true sender stays hidden behind
// an ephemeral signer until the rumor is unwrapped, mirroring the
// two-key shape of the system this was distilled from.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"filippo.io/edwards25519"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/tyler-smith/go-bip39"
)

// Identity is the coordinator node's long-lived key pair.
type Identity struct {
	priv crypto.PrivKey
	pub  crypto.PubKey

	pubkeyHex string
	x25519Priv [32]byte
}

// Load reads an existing key file, or derives one from a mnemonic, or
// generates a fresh Ed25519 key and persists it — following the
// load-or-create pattern used throughout this codebase for identity
// and configuration files alike.
func Load(dataDir, nsecHex, mnemonic string) (*Identity, error) {
	if nsecHex != "" {
		seed, err := hex.DecodeString(nsecHex)
		if err != nil {
			return nil, fmt.Errorf("invalid nsec hex: %w", err)
		}
		return fromSeed(seed)
	}

	if mnemonic != "" {
		seed := bip39.NewSeed(mnemonic, "")
		return fromSeed(seed[:32])
	}

	keyPath := filepath.Join(expandPath(dataDir), "identity.key")
	if data, err := os.ReadFile(keyPath); err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse identity key: %w", err)
		}
		return fromPrivKey(priv)
	}

	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate identity key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	data, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal identity key: %w", err)
	}
	if err := os.WriteFile(keyPath, data, 0600); err != nil {
		return nil, fmt.Errorf("failed to persist identity key: %w", err)
	}

	return fromPrivKey(priv)
}

func fromSeed(seed []byte) (*Identity, error) {
	if len(seed) < 32 {
		return nil, fmt.Errorf("seed too short: need 32 bytes, got %d", len(seed))
	}
	priv, err := crypto.UnmarshalEd25519PrivateKey(ed25519ExpandSeed(seed[:32]))
	if err != nil {
		return nil, fmt.Errorf("failed to derive key from seed: %w", err)
	}
	return fromPrivKey(priv)
}

func fromPrivKey(priv crypto.PrivKey) (*Identity, error) {
	pub := priv.GetPublic()

	raw, err := pub.Raw()
	if err != nil {
		return nil, fmt.Errorf("failed to read public key: %w", err)
	}

	x25519Priv, err := ed25519PrivToX25519(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to derive X25519 key: %w", err)
	}

	return &Identity{
		priv:       priv,
		pub:        pub,
		pubkeyHex:  hex.EncodeToString(raw),
		x25519Priv: x25519Priv,
	}, nil
}

// PubkeyHex is this node's public identity, the value stored as
// creator_pubkey / buyer_pubkey / seller_pubkey on orders it authors or
// participates in.
func (id *Identity) PubkeyHex() string { return id.pubkeyHex }

// X25519Private returns the key used to open NaCl box envelopes
// addressed to this identity. See internal/giftwrap.
func (id *Identity) X25519Private() [32]byte { return id.x25519Priv }

// PrivKey returns the underlying libp2p key pair, used to derive this
// node's transport-layer peer ID (internal/transport).
func (id *Identity) PrivKey() crypto.PrivKey { return id.priv }

// Sign signs arbitrary bytes with the long-lived identity key (used to
// sign published replaceable order events).
func (id *Identity) Sign(msg []byte) ([]byte, error) {
	return id.priv.Sign(msg)
}

// Verify checks a signature made by the given hex-encoded Ed25519
// public key.
func Verify(pubkeyHex string, msg, sig []byte) bool {
	raw, err := hex.DecodeString(pubkeyHex)
	if err != nil {
		return false
	}
	pub, err := crypto.UnmarshalEd25519PublicKey(raw)
	if err != nil {
		return false
	}
	ok, err := pub.Verify(msg, sig)
	return err == nil && ok
}

// PubkeyToX25519 converts a hex-encoded Ed25519 public key (another
// participant's identity) to the X25519 public key used to seal a box
// addressed to them.
func PubkeyToX25519(pubkeyHex string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(pubkeyHex)
	if err != nil {
		return out, fmt.Errorf("invalid pubkey hex: %w", err)
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("invalid ed25519 public key length: %d", len(raw))
	}
	edPoint, err := new(edwards25519.Point).SetBytes(raw)
	if err != nil {
		return out, fmt.Errorf("invalid ed25519 public key: %w", err)
	}
	copy(out[:], edPoint.BytesMontgomery())
	return out, nil
}

// EphemeralSigner is a disposable secp256k1 key used to sign the outer
// gift-wrap envelope, so that the event's visible signer reveals
// nothing about the true sender (recovered only after the rumor is
// unwrapped with the recipient's identity key). One is generated per
// outbound event.
type EphemeralSigner struct {
	priv *btcec.PrivateKey
}

// NewEphemeralSigner generates a fresh outer-envelope signing key.
func NewEphemeralSigner() (*EphemeralSigner, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}
	return &EphemeralSigner{priv: priv}, nil
}

// PubkeyHex returns the ephemeral key's x-only (BIP340) public key,
// the value an observer sees as the outer envelope's signer.
func (e *EphemeralSigner) PubkeyHex() string {
	return hex.EncodeToString(schnorr.SerializePubKey(e.priv.PubKey()))
}

// Sign produces a BIP340 Schnorr signature over the event id, the
// outer envelope's signature field.
func (e *EphemeralSigner) Sign(eventID []byte) ([]byte, error) {
	sig, err := schnorr.Sign(e.priv, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to sign event id: %w", err)
	}
	return sig.Serialize(), nil
}

// VerifyEphemeralSignature checks the outer envelope's Schnorr
// signature. Per the wire codec pipeline, a failure here is logged and
// the envelope dropped — it is never grounds to disconnect the peer.
func VerifyEphemeralSignature(pubkeyXOnlyHex string, eventID, sig []byte) bool {
	pubBytes, err := hex.DecodeString(pubkeyXOnlyHex)
	if err != nil {
		return false
	}
	pub, err := schnorr.ParsePubKey(pubBytes)
	if err != nil {
		return false
	}
	parsedSig, err := schnorr.ParseSignature(sig)
	if err != nil {
		return false
	}
	return parsedSig.Verify(eventID, pub)
}

// ed25519PrivToX25519 converts an Ed25519 private key to its X25519
// counterpart: hash the seed with SHA-512 and clamp per the X25519
// spec. Mirrors the standard Ed25519->Curve25519 birational map.
func ed25519PrivToX25519(privKey crypto.PrivKey) ([32]byte, error) {
	var out [32]byte
	raw, err := privKey.Raw()
	if err != nil {
		return out, fmt.Errorf("failed to read raw private key: %w", err)
	}
	if len(raw) < 32 {
		return out, fmt.Errorf("invalid private key length: %d", len(raw))
	}

	h := sha512.Sum512(raw[:32])
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64
	copy(out[:], h[:32])
	return out, nil
}

// ed25519ExpandSeed turns a 32-byte seed into the 64-byte form
// libp2p's UnmarshalEd25519PrivateKey expects (seed || derived pubkey).
func ed25519ExpandSeed(seed []byte) []byte {
	return ed25519.NewKeyFromSeed(seed)
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
