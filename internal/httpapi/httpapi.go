// Package httpapi is the shard's thin HTTP ingress: GET/PUT of a single
// fixed-size chunk by id, plus a GET info endpoint. No multipart or
// resumable upload logic.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/quantarax/shardhub/internal/observability"
	"github.com/quantarax/shardhub/internal/pool"
	"github.com/quantarax/shardhub/internal/store"
	"github.com/quantarax/shardhub/internal/wire"
)

// InfoResponse is the body of GET /api/info.
type InfoResponse struct {
	Agent  string `json:"agent"`
	Chunks uint64 `json:"chunks"`
}

// Server is the shard's HTTP adapter over its local ChunkStore.
type Server struct {
	store    *store.ChunkStore
	agent    string
	capacity uint64
	bodies   *pool.MessagePool
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// New creates a Server. agent and capacity are the values advertised over
// GET /api/info, the same values sent to the hub in ShardInfo. bodies is
// the pool PUT request bodies are read into; its buffers must have capacity
// of at least wire.ChunkSize+1.
func New(st *store.ChunkStore, agent string, capacity uint64, bodies *pool.MessagePool, logger *observability.Logger, metrics *observability.Metrics) *Server {
	return &Server{store: st, agent: agent, capacity: capacity, bodies: bodies, logger: logger, metrics: metrics}
}

// Handler returns the mux serving /api/chunk/{id} and /api/info.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/chunk/", s.handleChunk)
	mux.HandleFunc("/api/info", s.handleInfo)
	return mux
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(InfoResponse{Agent: s.agent, Chunks: s.capacity})
}

func (s *Server) handleChunk(w http.ResponseWriter, r *http.Request) {
	idStr := strings.TrimPrefix(r.URL.Path, "/api/chunk/")
	id, err := uuid.Parse(idStr)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	var chunkID store.ChunkId
	copy(chunkID[:], id[:])

	switch r.Method {
	case http.MethodGet:
		s.getChunk(w, chunkID)
	case http.MethodPut:
		s.putChunk(w, r, chunkID)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) getChunk(w http.ResponseWriter, id store.ChunkId) {
	data, ok, err := s.store.Get(id)
	if err != nil {
		s.logger.Error(err, "chunk get failed")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) putChunk(w http.ResponseWriter, r *http.Request, id store.ChunkId) {
	buf, err := s.bodies.Acquire(r.Context())
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	defer s.bodies.Release(buf)

	// Read one byte past ChunkSize so an oversized body is detectable
	// without buffering it whole.
	body := buf[:wire.ChunkSize+1]
	n, err := io.ReadFull(r.Body, body)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if n != wire.ChunkSize {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	result, err := s.store.Put(id, body[:n])
	if err != nil {
		var sizeErr *store.ErrInvalidSize
		if errors.As(err, &sizeErr) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.logger.Error(err, "chunk put failed")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	switch result {
	case store.Inserted:
		s.metrics.RecordChunkIngest(n, false, 0)
		s.logger.ChunkIngested(s.agent, fmt.Sprintf("%x", id), n, false)
		w.WriteHeader(http.StatusCreated)
	case store.AlreadyPresent:
		w.WriteHeader(http.StatusConflict)
	}
}
