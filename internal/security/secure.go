package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/ccBitTorrent/ccbt-sub001/internal/ccerr"
)

const secureMessageLabel = "ccbt-secure-messaging-v1"

// SecureEnvelope is a signed, encrypted message exchanged between two
// Ed25519-identified peers.
type SecureEnvelope struct {
	Nonce [12]byte
	Ciphertext []byte
	Signature []byte
}

// Encrypt derives the shared secret with theirPub, seals plaintext with
// AES-256-GCM under a fresh random nonce, and Ed25519-signs the ciphertext.
func (id *Identity) Encrypt(theirPub ed25519.PublicKey, plaintext []byte) (*SecureEnvelope, error) {
	key, err := deriveSharedSecret(id.x25519Scalar(), theirPub, secureMessageLabel)
	if err != nil {
		return nil, ccerr.Security("security.Encrypt", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, ccerr.Security("security.Encrypt", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, ccerr.Security("security.Encrypt", err)
	}
	var nonce [12]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, ccerr.Security("security.Encrypt", err)
	}
	ct := gcm.Seal(nil, nonce[:], plaintext, nil)
	sig := id.Sign(ct)
	return &SecureEnvelope{Nonce: nonce, Ciphertext: ct, Signature: sig}, nil
}

// Decrypt verifies env's signature against theirPub, derives the matching
// shared secret, and opens the AES-GCM ciphertext.
func (id *Identity) Decrypt(theirPub ed25519.PublicKey, env *SecureEnvelope) ([]byte, error) {
	if !ed25519.Verify(theirPub, env.Ciphertext, env.Signature) {
		return nil, ccerr.Security("security.Decrypt", ccerr.ErrInvalidSignature)
	}
	key, err := deriveSharedSecret(id.x25519Scalar(), theirPub, secureMessageLabel)
	if err != nil {
		return nil, ccerr.Security("security.Decrypt", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, ccerr.Security("security.Decrypt", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, ccerr.Security("security.Decrypt", err)
	}
	plain, err := gcm.Open(nil, env.Nonce[:], env.Ciphertext, nil)
	if err != nil {
		return nil, ccerr.Security("security.Decrypt", fmt.Errorf("decrypt/authenticate: %w", err))
	}
	return plain, nil
}
