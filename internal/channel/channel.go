// Package channel implements the framed, encrypted transport that carries
// the wire protocol between a shard and the hub: an X25519 ECDH handshake,
// BLAKE3-derived session key, and XChaCha20-Poly1305 frame encryption over a
// length-prefixed byte stream.
//
// The channel owns exactly one net.Conn for its lifetime. Handshake derives
// a session key that is held only in memory and never reused once the
// connection closes, per the data model's SessionKey lifetime.
package channel

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/quantarax/shardhub/internal/crypto"
	"github.com/quantarax/shardhub/internal/wire"
)

// MessageTimeout bounds every control-frame send/recv.
const MessageTimeout = 3 * time.Second

// HandshakeTimeout bounds the ECDH exchange.
const HandshakeTimeout = 5 * time.Second

const nonceSize = chacha20poly1305.NonceSizeX

// maxFrameSize bounds a single frame's ciphertext. The largest legitimate
// plaintext is a ChunkPart; anything near this limit is a corrupt or
// hostile length header, not a real frame.
const maxFrameSize = 1 << 20

// Channel is a single, live, encrypted framed connection. Zero value is not
// usable; construct with Handshake.
type Channel struct {
	conn      net.Conn
	aead      cipher.AEAD
	closeOnce sync.Once
}

// Handshake performs the X25519 ECDH exchange over conn and returns a ready
// Channel. It does not authenticate the peer — identity is established, if
// at all, by a higher layer (see ShardInfo in the session protocol).
func Handshake(conn net.Conn) (*Channel, error) {
	if err := conn.SetDeadline(time.Now().Add(HandshakeTimeout)); err != nil {
		return nil, fmt.Errorf("channel: set handshake deadline: %w", err)
	}
	defer conn.SetDeadline(time.Time{})

	kp, err := crypto.GenerateX25519()
	if err != nil {
		return nil, fmt.Errorf("channel: generate ephemeral keypair: %w", err)
	}

	if _, err := conn.Write(kp.PublicKey[:]); err != nil {
		return nil, fmt.Errorf("channel: write public key: %w", err)
	}

	var peerPublic [32]byte
	if _, err := io.ReadFull(conn, peerPublic[:]); err != nil {
		return nil, fmt.Errorf("channel: read peer public key: %w", err)
	}

	shared, err := crypto.X25519Exchange(&kp.PrivateKey, &peerPublic)
	if err != nil {
		return nil, fmt.Errorf("channel: ECDH exchange: %w", err)
	}

	sessionKey := blake3.Sum256(shared[:])

	aead, err := chacha20poly1305.NewX(sessionKey[:])
	if err != nil {
		return nil, fmt.Errorf("channel: init AEAD: %w", err)
	}

	return &Channel{conn: conn, aead: aead}, nil
}

// Send encodes, encrypts under a fresh random nonce, and writes one frame.
// A zero timeout waits indefinitely.
func (c *Channel) Send(msg wire.Message, timeout time.Duration) error {
	plaintext, err := wire.Encode(msg)
	if err != nil {
		return fmt.Errorf("channel: encode: %w", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("channel: generate nonce: %w", err)
	}

	ciphertext := c.aead.Seal(nil, nonce, plaintext, nil)

	frame := make([]byte, 4+nonceSize+len(ciphertext))
	binary.LittleEndian.PutUint32(frame[:4], uint32(len(ciphertext)))
	copy(frame[4:4+nonceSize], nonce)
	copy(frame[4+nonceSize:], ciphertext)

	if err := c.setWriteDeadline(timeout); err != nil {
		return err
	}
	if _, err := c.conn.Write(frame); err != nil {
		return fmt.Errorf("channel: write frame: %w", err)
	}
	return nil
}

// Recv reads, decrypts, and decodes one frame. A zero timeout waits
// indefinitely. Any I/O error, AEAD failure, or decode failure is fatal to
// the channel — the caller must close the underlying connection.
func (c *Channel) Recv(timeout time.Duration) (wire.Message, error) {
	if err := c.setReadDeadline(timeout); err != nil {
		return nil, err
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(c.conn, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("channel: read length header: %w", err)
	}
	ciphertextLen := binary.LittleEndian.Uint32(lenBuf[:])
	if ciphertextLen > maxFrameSize {
		return nil, fmt.Errorf("channel: frame length %d exceeds limit", ciphertextLen)
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(c.conn, nonce); err != nil {
		return nil, fmt.Errorf("channel: read nonce: %w", err)
	}

	ciphertext := make([]byte, ciphertextLen)
	if _, err := io.ReadFull(c.conn, ciphertext); err != nil {
		return nil, fmt.Errorf("channel: read ciphertext: %w", err)
	}

	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("channel: AEAD open failed: %w", err)
	}

	msg, err := wire.Decode(plaintext)
	if err != nil {
		return nil, fmt.Errorf("channel: decode: %w", err)
	}
	return msg, nil
}

// Close closes the underlying connection. Safe to call from more than one
// goroutine; the session key is not retained anywhere beyond this point.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() { err = c.conn.Close() })
	return err
}

// RemoteAddr returns the underlying connection's remote address.
func (c *Channel) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *Channel) setWriteDeadline(timeout time.Duration) error {
	if timeout == 0 {
		return c.conn.SetWriteDeadline(time.Time{})
	}
	return c.conn.SetWriteDeadline(time.Now().Add(timeout))
}

func (c *Channel) setReadDeadline(timeout time.Duration) error {
	if timeout == 0 {
		return c.conn.SetReadDeadline(time.Time{})
	}
	return c.conn.SetReadDeadline(time.Now().Add(timeout))
}
