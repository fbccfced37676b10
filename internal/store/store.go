// Package store implements the shard's local chunk storage engine: an
// embedded transactional key-value table holding fixed-size chunk bytes,
// plus the in-memory per-hash mutex that suppresses concurrent duplicate
// ingests.
//
// The bolt key is an opaque 16-byte ChunkId. HTTP clients assign it (a
// UUIDv7 in practice); wire transfers store under the ChunkHash
// (content-derived, truncated BLAKE3), the only identifier the part
// exchange carries. ChunkHash also keys the ephemeral in-flight ingest
// table.
package store

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/boltdb/bolt"
	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/quantarax/shardhub/internal/wire"
)

var (
	bucketChunks = []byte("chunks")
	bucketInfo   = []byte("info")

	keyShardID    = []byte("shard_id")
	keyStartedAt  = []byte("started_at")
)

// PutResult reports the outcome of a Put call.
type PutResult int

const (
	Inserted PutResult = iota
	AlreadyPresent
)

// ErrInvalidSize is returned by Put when the payload is not exactly
// wire.ChunkSize bytes.
type ErrInvalidSize struct {
	Got int
}

func (e *ErrInvalidSize) Error() string {
	return fmt.Sprintf("store: chunk size %d, want %d", e.Got, wire.ChunkSize)
}

// ChunkId is the 16-byte storage key.
type ChunkId [16]byte

// ChunkHash is the 16-byte content-derived identifier. It keys the
// in-flight ingest table, and wire transfers also use it as their ChunkId.
type ChunkHash [16]byte

// HashChunk computes the BLAKE3-derived ChunkHash of a chunk's bytes,
// truncated to 16 bytes.
func HashChunk(data []byte) ChunkHash {
	full := blake3.Sum256(data)
	var h ChunkHash
	copy(h[:], full[:16])
	return h
}

// ChunkStore is the shard's transactional chunk table plus its in-flight
// ingest set. Safe for concurrent use.
type ChunkStore struct {
	db *bolt.DB

	mu      sync.Mutex
	ingests map[ChunkHash]struct{}
}

// Open opens (creating if necessary) the bolt database at path, ensures its
// buckets exist, and assigns a persisted shard identity on first run.
func Open(path string) (*ChunkStore, error) {
	db, err := bolt.Open(filepath.Clean(path), 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketChunks); err != nil {
			return err
		}
		info, err := tx.CreateBucketIfNotExists(bucketInfo)
		if err != nil {
			return err
		}
		if info.Get(keyShardID) == nil {
			id, err := uuid.NewV7()
			if err != nil {
				return fmt.Errorf("generate shard identity: %w", err)
			}
			if err := info.Put(keyShardID, []byte(id.String())); err != nil {
				return err
			}
			if err := info.Put(keyStartedAt, []byte(time.Now().UTC().Format(time.RFC3339))); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init buckets: %w", err)
	}

	return &ChunkStore{db: db, ingests: make(map[ChunkHash]struct{})}, nil
}

// Close closes the underlying database.
func (s *ChunkStore) Close() error {
	return s.db.Close()
}

// ShardIdentity returns the shard's persisted identity, stable across
// restarts of this store.
func (s *ChunkStore) ShardIdentity() (uuid.UUID, error) {
	var id uuid.UUID
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketInfo).Get(keyShardID)
		if raw == nil {
			return fmt.Errorf("store: shard identity not initialized")
		}
		parsed, err := uuid.Parse(string(raw))
		if err != nil {
			return err
		}
		id = parsed
		return nil
	})
	return id, err
}

// Ping verifies the underlying database is responsive, for health checks.
func (s *ChunkStore) Ping() error {
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketChunks) == nil {
			return fmt.Errorf("store: chunks bucket missing")
		}
		return nil
	})
}

// Exists reports whether id is present in the store.
func (s *ChunkStore) Exists(id ChunkId) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketChunks).Get(id[:]) != nil
		return nil
	})
	return found, err
}

// Get returns the chunk bytes for id, or ok=false if absent.
func (s *ChunkStore) Get(id ChunkId) (data []byte, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketChunks).Get(id[:])
		if v == nil {
			return nil
		}
		ok = true
		data = make([]byte, len(v))
		copy(data, v)
		return nil
	})
	return data, ok, err
}

// Put inserts data under id. data must be exactly wire.ChunkSize bytes. A
// second Put of the same id returns AlreadyPresent without overwriting the
// stored bytes.
func (s *ChunkStore) Put(id ChunkId, data []byte) (PutResult, error) {
	if len(data) != wire.ChunkSize {
		return 0, &ErrInvalidSize{Got: len(data)}
	}

	result := Inserted
	err := s.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketChunks)
		if bk.Get(id[:]) != nil {
			result = AlreadyPresent
			return nil
		}
		return bk.Put(id[:], data)
	})
	if err != nil {
		return 0, fmt.Errorf("store: put %x: %w", id, err)
	}
	return result, nil
}

// BeginIngest claims the in-flight slot for hash. ok is false if an ingest
// for this hash is already in progress — the caller must reply
// AlreadyStoring and abandon the attempt rather than wait.
func (s *ChunkStore) BeginIngest(hash ChunkHash) (ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.ingests[hash]; busy {
		return false
	}
	s.ingests[hash] = struct{}{}
	return true
}

// EndIngest releases the in-flight slot for hash, whether the ingest
// succeeded or failed.
func (s *ChunkStore) EndIngest(hash ChunkHash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ingests, hash)
}
