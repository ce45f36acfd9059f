package identity

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"io"
)

// Sealing a capability grant into Signal.Proofs is optional: the routing
// core treats proofs as opaque and never calls SealProof/OpenProof itself.
// They exist for policy layers that want to attach a verifiable token
// without adopting a full PKI.
const (
	sealKeySize   = 32 // AES-256
	sealNonceSize = 12 // GCM nonce size
)

// GenerateSealKey returns a random AES-256 key suitable for SealProof.
func GenerateSealKey() ([]byte, error) {
	key := make([]byte, sealKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// SealProof encrypts an arbitrary capability-grant payload with AES-GCM,
// prepending the nonce to the ciphertext.
func SealProof(plaintext, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, sealNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// OpenProof reverses SealProof.
func OpenProof(sealed, key []byte) ([]byte, error) {
	if len(sealed) < sealNonceSize {
		return nil, errors.New("sealed proof too short")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce, ciphertext := sealed[:sealNonceSize], sealed[sealNonceSize:]
	return gcm.Open(nil, nonce, ciphertext, nil)
}
