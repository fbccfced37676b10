package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// GenerateEd25519 generates a new Ed25519 identity keypair for a shard or
// hub process. The identity is long-lived and keystore-backed; it is not
// consulted by the channel handshake.
func GenerateEd25519() (*Ed25519KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate Ed25519 keypair: %w", err)
	}

	return &Ed25519KeyPair{
		PublicKey:  pub,
		PrivateKey: priv,
	}, nil
}

// GenerateX25519 generates an ephemeral X25519 keypair for the channel's
// ECDH handshake. A keypair lives for exactly one connection and is
// discarded when the connection closes, giving forward secrecy across
// sessions.
func GenerateX25519() (*X25519KeyPair, error) {
	var kp X25519KeyPair

	if _, err := rand.Read(kp.PrivateKey[:]); err != nil {
		return nil, fmt.Errorf("generate X25519 private key: %w", err)
	}

	curve25519.ScalarBaseMult(&kp.PublicKey, &kp.PrivateKey)

	return &kp, nil
}

// X25519Exchange computes the Diffie-Hellman shared secret from our private
// key and the peer's public key. An all-zero result means the peer supplied
// a low-order public key and the exchange must be rejected.
func X25519Exchange(ourPrivate, theirPublic *[32]byte) ([32]byte, error) {
	var sharedSecret [32]byte

	curve25519.ScalarMult(&sharedSecret, ourPrivate, theirPublic)

	allZero := true
	for _, b := range sharedSecret {
		if b != 0 {
			allZero = false
			break
		}
	}

	if allZero {
		return sharedSecret, errors.New("X25519 exchange produced an all-zero shared secret (invalid peer public key)")
	}

	return sharedSecret, nil
}
