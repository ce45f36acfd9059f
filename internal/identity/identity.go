// Package identity generates and holds a cell's Ed25519 signing keypair.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"

	"golang.org/x/crypto/pbkdf2"

	"crypto/sha256"
)

const (
	// SeedSize is the size, in bytes, of an Ed25519 private key seed.
	SeedSize = ed25519.SeedSize
	// pbkdfIterations mirrors the teacher's AES key-derivation cost factor.
	pbkdfIterations = 100000
)

// Identity is a cell's signing keypair. The signing key is retained for
// future proof emission (SealProof); the routing core never verifies
// signatures on inbound signals — that is a policy-layer concern.
type Identity struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// Generate creates a fresh, random keypair.
func Generate() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Identity{Public: pub, Private: priv}, nil
}

// FromPassphrase deterministically derives a keypair from a passphrase and
// salt, so a cell can present a stable identity across restarts without
// persisting its raw signing key. Uses the same PBKDF2-HMAC-SHA256
// derivation as the teacher's symmetric-key derivation, sized to an Ed25519
// seed instead of an AES-256 key.
func FromPassphrase(passphrase, salt []byte) *Identity {
	seed := pbkdf2.Key(passphrase, salt, pbkdfIterations, SeedSize, sha256.New)
	priv := ed25519.NewKeyFromSeed(seed)
	return &Identity{Public: priv.Public().(ed25519.PublicKey), Private: priv}
}

// Hex returns the lowercase hex encoding of the verifying (public) key.
func (id *Identity) Hex() string {
	return hex.EncodeToString(id.Public)
}

// DeriveCellID returns "cell_" + the first 16 hex characters of the
// verifying key, used whenever CellConfig.ID is left empty.
func (id *Identity) DeriveCellID() string {
	h := id.Hex()
	if len(h) > 16 {
		h = h[:16]
	}
	return "cell_" + h
}

// Sign produces a detached Ed25519 signature over data.
func (id *Identity) Sign(data []byte) []byte {
	return ed25519.Sign(id.Private, data)
}

// Verify checks a detached Ed25519 signature against a hex-encoded
// verifying key.
func Verify(pubKeyHex string, data, sig []byte) bool {
	pub, err := hex.DecodeString(pubKeyHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), data, sig)
}
