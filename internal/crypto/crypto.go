// Package crypto provides the identity primitives for shard and hub
// processes: Ed25519 identity keypairs, X25519 ephemeral keypairs for the
// channel handshake, an Argon2id-encrypted keystore, and AES-256-GCM for
// keystore-at-rest encryption.
//
// The shard-hub wire channel's own AEAD (XChaCha20-Poly1305) and session key
// derivation live in package channel — they are scoped to one TCP
// connection's lifetime, not to long-lived on-disk identity.
package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
)

// Ed25519KeyPair represents an Ed25519 identity keypair.
// The private key is 64 bytes (seed + public key concatenated).
type Ed25519KeyPair struct {
	PublicKey  ed25519.PublicKey  // 32 bytes
	PrivateKey ed25519.PrivateKey // 64 bytes
}

// X25519KeyPair represents an X25519 ephemeral keypair for key exchange.
type X25519KeyPair struct {
	PublicKey  [32]byte // 32 bytes
	PrivateKey [32]byte // 32 bytes
}

// KeystoreEntry represents an encrypted Ed25519 private key stored on disk.
type KeystoreEntry struct {
	Version       int    `json:"version"`         // Format version (currently 1)
	KDF           string `json:"kdf"`             // Key derivation function ("argon2id")
	Argon2Time    int    `json:"argon2_time"`     // Argon2 time parameter
	Argon2Memory  int    `json:"argon2_memory"`   // Argon2 memory in KiB
	Argon2Threads int    `json:"argon2_threads"`  // Argon2 parallelism
	Salt          []byte `json:"salt"`            // Random salt for KDF
	Nonce         []byte `json:"nonce"`           // Random nonce for AES-GCM
	Ciphertext    []byte `json:"ciphertext"`      // Encrypted private key + auth tag
}

// ComputeFingerprint computes a SHA-256 fingerprint of a public key
func ComputeFingerprint(publicKey ed25519.PublicKey) string {
	hash := sha256.Sum256(publicKey)
	return "SHA256:" + hex.EncodeToString(hash[:])
}
