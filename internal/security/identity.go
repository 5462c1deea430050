// Package security implements the Ed25519 identity lifecycle, IPC request
// signing, the peer-handshake signature extension, the HKDF/AES-GCM secure
// messaging layer, and self-signed TLS certificate generation.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/ccBitTorrent/ccbt-sub001/internal/ccerr"
)

const (
	privateKeyFile = "identity.key" // encrypted at rest
	publicKeyFile = "identity.pub" // PEM, plaintext
	kekFile = ".key_encryption_key"
)

// Identity holds the daemon's long-lived Ed25519 keypair.
type Identity struct {
	Public ed25519.PublicKey
	private ed25519.PrivateKey
}

// LoadOrCreate loads the identity from keyDir, generating and persisting a
// fresh keypair on first start. keyDir is created 0700 if absent.
func LoadOrCreate(keyDir string) (*Identity, error) {
	if err := os.MkdirAll(keyDir, 0o700); err != nil {
		return nil, ccerr.Disk("security.LoadOrCreate", err)
	}

	kek, err := loadOrCreateKEK(filepath.Join(keyDir, kekFile))
	if err != nil {
		return nil, err
	}

	privPath := filepath.Join(keyDir, privateKeyFile)
	pubPath := filepath.Join(keyDir, publicKeyFile)

	if _, err := os.Stat(privPath); errors.Is(err, os.ErrNotExist) {
		log.Printf("[security] no identity found in %s, generating Ed25519 keypair", keyDir)
		return generateAndStore(keyDir, kek)
	}

	sealed, err := os.ReadFile(privPath)
	if err != nil {
		return nil, ccerr.Disk("security.LoadOrCreate", err)
	}
	priv, err := unseal(kek, sealed)
	if err != nil {
		return nil, ccerr.Security("security.LoadOrCreate", fmt.Errorf("decrypting private key: %w", err))
	}
	pubPEM, err := os.ReadFile(pubPath)
	if err != nil {
		return nil, ccerr.Disk("security.LoadOrCreate", err)
	}
	pub, err := decodePublicPEM(pubPEM)
	if err != nil {
		return nil, err
	}
	return &Identity{Public: pub, private: priv}, nil
}

// Rotate generates a fresh keypair, backing up the previous private key
// alongside it.
func Rotate(keyDir string) (*Identity, error) {
	kek, err := loadOrCreateKEK(filepath.Join(keyDir, kekFile))
	if err != nil {
		return nil, err
	}
	privPath := filepath.Join(keyDir, privateKeyFile)
	if data, err := os.ReadFile(privPath); err == nil {
		backup := fmt.Sprintf("%s.%d.bak", privPath, time.Now().UnixNano())
		if err := os.WriteFile(backup, data, 0o600); err != nil {
			return nil, ccerr.Disk("security.Rotate", err)
		}
		log.Printf("[security] backed up previous private key to %s", backup)
	}
	return generateAndStore(keyDir, kek)
}

func generateAndStore(keyDir string, kek []byte) (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, ccerr.Security("security.generateAndStore", err)
	}
	sealed, err := seal(kek, priv)
	if err != nil {
		return nil, ccerr.Security("security.generateAndStore", err)
	}
	if err := os.WriteFile(filepath.Join(keyDir, privateKeyFile), sealed, 0o600); err != nil {
		return nil, ccerr.Disk("security.generateAndStore", err)
	}
	pubPEM := encodePublicPEM(pub)
	if err := os.WriteFile(filepath.Join(keyDir, publicKeyFile), pubPEM, 0o644); err != nil {
		return nil, ccerr.Disk("security.generateAndStore", err)
	}
	return &Identity{Public: pub, private: priv}, nil
}

func loadOrCreateKEK(path string) ([]byte, error) {
	if data, err := os.ReadFile(path); err == nil {
		if len(data) != 32 {
			return nil, ccerr.Security("security.loadOrCreateKEK", fmt.Errorf("key-encryption-key at %s is not 32 bytes", path))
		}
		return data, nil
	}
	kek := make([]byte, 32)
	if _, err := rand.Read(kek); err != nil {
		return nil, ccerr.Security("security.loadOrCreateKEK", err)
	}
	if err := os.WriteFile(path, kek, 0o600); err != nil {
		return nil, ccerr.Disk("security.loadOrCreateKEK", err)
	}
	return kek, nil
}

// seal encrypts an Ed25519 private key with AES-256-GCM under kek, prefixing
// the random 12-byte nonce.
func seal(kek, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func unseal(kek, sealed []byte) (ed25519.PrivateKey, error) {
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, fmt.Errorf("sealed private key truncated")
	}
	nonce, ct := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, err
	}
	return ed25519.PrivateKey(plain), nil
}

func encodePublicPEM(pub ed25519.PublicKey) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "ED25519 PUBLIC KEY", Bytes: pub})
}

func decodePublicPEM(data []byte) (ed25519.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, ccerr.Security("security.decodePublicPEM", fmt.Errorf("invalid PEM"))
	}
	return ed25519.PublicKey(block.Bytes), nil
}

// PublicKeyHex returns the identity's public key as lowercase hex, the form
// transmitted in the X-Public-Key IPC header.
func (id *Identity) PublicKeyHex() string { return hex.EncodeToString(id.Public) }

// Sign signs msg with the identity's private key.
func (id *Identity) Sign(msg []byte) []byte { return ed25519.Sign(id.private, msg) }

// x25519Scalar derives an X25519-like private scalar from the Ed25519 seed
// via SHA-512(priv)[0:32], as specified in secure messaging.
func (id *Identity) x25519Scalar() [32]byte {
	seed := id.private.Seed()
	sum := sha512.Sum512(seed)
	var scalar [32]byte
	copy(scalar[:], sum[:32])
	return scalar
}

// deriveSharedSecret computes an HKDF-SHA256 shared secret over
// (our_scalar || their_pub) with a domain-separation label, used as the
// AES-256-GCM key for secure messaging.
func deriveSharedSecret(ourScalar [32]byte, theirPub ed25519.PublicKey, label string) ([]byte, error) {
	ikm := append(append([]byte{}, ourScalar[:]...), theirPub...)
	kdf := hkdf.New(sha256.New, ikm, nil, []byte(label))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, err
	}
	return key, nil
}
