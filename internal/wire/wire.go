// Package wire implements the shard-hub message codec: a discriminant-tagged
// variant type with a canonical little-endian encoding.
//
// Every message encodes as a 4-byte little-endian discriminant followed by a
// per-variant payload; every payload is fixed-width except ShardInfo's,
// whose agent string is length-prefixed. The discriminant is emitted explicitly from a
// type switch; there is no unsafe reinterpretation of memory. Unknown
// discriminants are a fatal decode error — the caller tears down the session.
package wire

import (
	"encoding/binary"
	"fmt"
)

// ChunkSize is the fixed length of one chunk's payload.
const ChunkSize = 64000

// A chunk transfer is ChunkParts consecutive ChunkPart messages of
// ChunkPartSize bytes each; ChunkParts * ChunkPartSize == ChunkSize.
const (
	ChunkParts    = 125
	ChunkPartSize = 512
)

// Discriminant identifies a message variant on the wire.
type Discriminant uint32

const (
	DiscOk             Discriminant = 0x00
	DiscPing           Discriminant = 0x01
	DiscPong           Discriminant = 0x02
	DiscHello          Discriminant = 0x10
	DiscEcho           Discriminant = 0x11
	DiscShardInfo      Discriminant = 0x20
	DiscShardShutdown  Discriminant = 0x21
	DiscPrepareStore   Discriminant = 0x30
	DiscPrepareStock   Discriminant = 0x31
	DiscAlreadyStoring Discriminant = 0x32
	DiscChunkPart      Discriminant = 0x33
)

// ErrUnknownDiscriminant is returned when decoding encounters a discriminant
// outside the canonical set.
type ErrUnknownDiscriminant struct {
	Disc Discriminant
}

func (e *ErrUnknownDiscriminant) Error() string {
	return fmt.Sprintf("wire: unknown discriminant 0x%x", uint32(e.Disc))
}

// Message is any decoded variant of the codec.
type Message interface {
	Discriminant() Discriminant
}

// Ok acknowledges a prior operation with no payload.
type Ok struct{}

func (Ok) Discriminant() Discriminant { return DiscOk }

// Ping requests a Pong from the peer.
type Ping struct{}

func (Ping) Discriminant() Discriminant { return DiscPing }

// Pong answers a Ping.
type Pong struct{}

func (Pong) Discriminant() Discriminant { return DiscPong }

// Hello carries a random liveness stamp the peer must echo back.
type Hello struct {
	Stamp [16]byte
}

func (Hello) Discriminant() Discriminant { return DiscHello }

// Echo answers a Hello with the stamp observed from the peer.
type Echo struct {
	Stamp [16]byte
}

func (Echo) Discriminant() Discriminant { return DiscEcho }

// ShardInfo is sent once by the shard after the liveness exchange.
type ShardInfo struct {
	ID       [16]byte
	Agent    string
	Capacity uint64
}

func (ShardInfo) Discriminant() Discriminant { return DiscShardInfo }

// ShardShutdown requests clean session teardown.
type ShardShutdown struct{}

func (ShardShutdown) Discriminant() Discriminant { return DiscShardShutdown }

// PrepareStore announces an incoming chunk ingest keyed by content hash.
type PrepareStore struct {
	Hash [16]byte
}

func (PrepareStore) Discriminant() Discriminant { return DiscPrepareStore }

// PrepareStock requests retrieval of a chunk keyed by content hash.
type PrepareStock struct {
	Hash [16]byte
}

func (PrepareStock) Discriminant() Discriminant { return DiscPrepareStock }

// AlreadyStoring tells the sender an ingest for this hash is already in
// flight; the sender must abandon its attempt.
type AlreadyStoring struct {
	Hash [16]byte
}

func (AlreadyStoring) Discriminant() Discriminant { return DiscAlreadyStoring }

// ChunkPart is one of ChunkParts equal slices making up a chunk transfer.
type ChunkPart struct {
	Hash      [16]byte
	PartIndex uint32
	Bytes     [ChunkPartSize]byte
}

func (ChunkPart) Discriminant() Discriminant { return DiscChunkPart }

// Encode serializes m into its canonical little-endian wire representation:
// a 4-byte discriminant followed by the variant's payload.
func Encode(m Message) ([]byte, error) {
	switch v := m.(type) {
	case Ok:
		return header(DiscOk), nil
	case Ping:
		return header(DiscPing), nil
	case Pong:
		return header(DiscPong), nil
	case ShardShutdown:
		return header(DiscShardShutdown), nil
	case Hello:
		b := header(DiscHello)
		return append(b, v.Stamp[:]...), nil
	case Echo:
		b := header(DiscEcho)
		return append(b, v.Stamp[:]...), nil
	case ShardInfo:
		agent := []byte(v.Agent)
		b := header(DiscShardInfo)
		b = append(b, v.ID[:]...)
		b = appendUint32(b, uint32(len(agent)))
		b = append(b, agent...)
		b = appendUint64(b, v.Capacity)
		return b, nil
	case PrepareStore:
		b := header(DiscPrepareStore)
		return append(b, v.Hash[:]...), nil
	case PrepareStock:
		b := header(DiscPrepareStock)
		return append(b, v.Hash[:]...), nil
	case AlreadyStoring:
		b := header(DiscAlreadyStoring)
		return append(b, v.Hash[:]...), nil
	case ChunkPart:
		b := header(DiscChunkPart)
		b = append(b, v.Hash[:]...)
		b = appendUint32(b, v.PartIndex)
		b = append(b, v.Bytes[:]...)
		return b, nil
	default:
		return nil, fmt.Errorf("wire: unencodable message type %T", m)
	}
}

// Decode parses the canonical wire representation produced by Encode.
func Decode(data []byte) (Message, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("wire: frame too short for discriminant: %d bytes", len(data))
	}
	disc := Discriminant(binary.LittleEndian.Uint32(data[:4]))
	body := data[4:]

	switch disc {
	case DiscOk:
		return Ok{}, nil
	case DiscPing:
		return Ping{}, nil
	case DiscPong:
		return Pong{}, nil
	case DiscShardShutdown:
		return ShardShutdown{}, nil
	case DiscHello:
		var h Hello
		if len(body) != 16 {
			return nil, fmt.Errorf("wire: Hello payload len %d, want 16", len(body))
		}
		copy(h.Stamp[:], body)
		return h, nil
	case DiscEcho:
		var e Echo
		if len(body) != 16 {
			return nil, fmt.Errorf("wire: Echo payload len %d, want 16", len(body))
		}
		copy(e.Stamp[:], body)
		return e, nil
	case DiscShardInfo:
		if len(body) < 16+4 {
			return nil, fmt.Errorf("wire: ShardInfo payload too short: %d bytes", len(body))
		}
		var info ShardInfo
		copy(info.ID[:], body[:16])
		agentLen := binary.LittleEndian.Uint32(body[16:20])
		off := 20
		if len(body) < off+int(agentLen)+8 {
			return nil, fmt.Errorf("wire: ShardInfo payload too short for agent_len=%d", agentLen)
		}
		info.Agent = string(body[off : off+int(agentLen)])
		off += int(agentLen)
		info.Capacity = binary.LittleEndian.Uint64(body[off : off+8])
		return info, nil
	case DiscPrepareStore:
		var p PrepareStore
		if len(body) != 16 {
			return nil, fmt.Errorf("wire: PrepareStore payload len %d, want 16", len(body))
		}
		copy(p.Hash[:], body)
		return p, nil
	case DiscPrepareStock:
		var p PrepareStock
		if len(body) != 16 {
			return nil, fmt.Errorf("wire: PrepareStock payload len %d, want 16", len(body))
		}
		copy(p.Hash[:], body)
		return p, nil
	case DiscAlreadyStoring:
		var p AlreadyStoring
		if len(body) != 16 {
			return nil, fmt.Errorf("wire: AlreadyStoring payload len %d, want 16", len(body))
		}
		copy(p.Hash[:], body)
		return p, nil
	case DiscChunkPart:
		if len(body) != 16+4+ChunkPartSize {
			return nil, fmt.Errorf("wire: ChunkPart payload len %d, want %d", len(body), 16+4+ChunkPartSize)
		}
		var c ChunkPart
		copy(c.Hash[:], body[:16])
		c.PartIndex = binary.LittleEndian.Uint32(body[16:20])
		copy(c.Bytes[:], body[20:])
		return c, nil
	default:
		return nil, &ErrUnknownDiscriminant{Disc: disc}
	}
}

func header(d Discriminant) []byte {
	b := make([]byte, 4, 4)
	binary.LittleEndian.PutUint32(b, uint32(d))
	return b
}

func appendUint32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendUint64(b []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(b, tmp[:]...)
}
