package wire

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"math/big"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	var stamp, hash [16]byte
	rand.Read(stamp[:])
	rand.Read(hash[:])
	var part [ChunkPartSize]byte
	rand.Read(part[:])

	tests := []struct {
		name string
		msg  Message
	}{
		{"Ok", Ok{}},
		{"Ping", Ping{}},
		{"Pong", Pong{}},
		{"ShardShutdown", ShardShutdown{}},
		{"Hello", Hello{Stamp: stamp}},
		{"Echo", Echo{Stamp: stamp}},
		{"ShardInfo", ShardInfo{ID: hash, Agent: "worker/1.0", Capacity: 128}},
		{"ShardInfo empty agent", ShardInfo{ID: hash, Agent: "", Capacity: 0}},
		{"PrepareStore", PrepareStore{Hash: hash}},
		{"PrepareStock", PrepareStock{Hash: hash}},
		{"AlreadyStoring", AlreadyStoring{Hash: hash}},
		{"ChunkPart", ChunkPart{Hash: hash, PartIndex: 42, Bytes: part}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, err := Encode(tt.msg)
			if err != nil {
				t.Fatalf("Encode() failed: %v", err)
			}
			dec, err := Decode(enc)
			if err != nil {
				t.Fatalf("Decode() failed: %v", err)
			}
			if dec != tt.msg {
				t.Errorf("round-trip mismatch: got %+v, want %+v", dec, tt.msg)
			}
		})
	}
}

// TestRoundTripProperty fuzzes 500 random ShardInfo and ChunkPart messages,
// the two variable-shaped variants, checking decode(encode(m)) == m.
func TestRoundTripProperty(t *testing.T) {
	const n = 500
	for i := 0; i < n; i++ {
		var id, hash [16]byte
		rand.Read(id[:])
		rand.Read(hash[:])

		agentLen, _ := rand.Int(rand.Reader, big.NewInt(64))
		agent := make([]byte, agentLen.Int64())
		rand.Read(agent)

		capBig, _ := rand.Int(rand.Reader, big.NewInt(1<<62))
		info := ShardInfo{ID: id, Agent: string(agent), Capacity: capBig.Uint64()}

		enc, err := Encode(info)
		if err != nil {
			t.Fatalf("Encode(ShardInfo) failed: %v", err)
		}
		dec, err := Decode(enc)
		if err != nil {
			t.Fatalf("Decode(ShardInfo) failed: %v", err)
		}
		if dec != info {
			t.Fatalf("ShardInfo round-trip mismatch at iteration %d: got %+v, want %+v", i, dec, info)
		}

		var part [ChunkPartSize]byte
		rand.Read(part[:])
		cp := ChunkPart{Hash: hash, PartIndex: uint32(i), Bytes: part}
		enc, err = Encode(cp)
		if err != nil {
			t.Fatalf("Encode(ChunkPart) failed: %v", err)
		}
		dec, err = Decode(enc)
		if err != nil {
			t.Fatalf("Decode(ChunkPart) failed: %v", err)
		}
		if dec != cp {
			t.Fatalf("ChunkPart round-trip mismatch at iteration %d", i)
		}
	}
}

func TestDecodeUnknownDiscriminant(t *testing.T) {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, 0xDEAD)

	_, err := Decode(b)
	if err == nil {
		t.Fatal("Decode() should fail on an unknown discriminant")
	}
	var unknown *ErrUnknownDiscriminant
	if !errors.As(err, &unknown) {
		t.Errorf("expected ErrUnknownDiscriminant, got %T: %v", err, err)
	}
}

func TestDecodeTruncated(t *testing.T) {
	enc, err := Encode(Hello{})
	if err != nil {
		t.Fatalf("Encode() failed: %v", err)
	}
	_, err = Decode(enc[:len(enc)-1])
	if err == nil {
		t.Fatal("Decode() should fail on a truncated Hello payload")
	}
}

func TestChunkFactorization(t *testing.T) {
	if ChunkParts*ChunkPartSize != ChunkSize {
		t.Fatalf("ChunkParts * ChunkPartSize = %d, want ChunkSize = %d", ChunkParts*ChunkPartSize, ChunkSize)
	}
}

func TestShardInfoFieldOrder(t *testing.T) {
	var id [16]byte
	rand.Read(id[:])
	info := ShardInfo{ID: id, Agent: "ab", Capacity: 0x0102030405060708}

	enc, err := Encode(info)
	if err != nil {
		t.Fatalf("Encode() failed: %v", err)
	}

	want := append([]byte{}, byte(DiscShardInfo), 0, 0, 0)
	want = append(want, id[:]...)
	want = append(want, 2, 0, 0, 0) // agent_len = 2, LE
	want = append(want, 'a', 'b')
	want = append(want, 0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01) // capacity LE

	if !bytes.Equal(enc, want) {
		t.Errorf("ShardInfo wire layout mismatch:\n got  %x\n want %x", enc, want)
	}
}
