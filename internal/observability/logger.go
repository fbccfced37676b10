package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog for structured logging.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new structured logger.
func NewLogger(service, version string, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}

	zerolog.TimeFieldFormat = time.RFC3339

	logger := zerolog.New(output).With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Str("host", getHostname()).
		Logger()

	return &Logger{
		logger: logger,
	}
}

// WithSession adds session_id context to logger.
func (l *Logger) WithSession(sessionID string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("session_id", sessionID).Logger(),
	}
}

// WithPeer adds peer_id context to logger.
func (l *Logger) WithPeer(peerID string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("peer_id", peerID).Logger(),
	}
}

// WithShard adds shard_id context to logger.
func (l *Logger) WithShard(shardID string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("shard_id", shardID).Logger(),
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

// Info logs an info message.
func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string) {
	l.logger.Warn().Msg(msg)
}

// Error logs an error message.
func (l *Logger) Error(err error, msg string) {
	l.logger.Error().Err(err).Msg(msg)
}

// Fatal logs a fatal message and exits.
func (l *Logger) Fatal(err error, msg string) {
	l.logger.Fatal().Err(err).Msg(msg)
}

// PeerConnected logs a peer completing the handshake and entering the
// session protocol.
func (l *Logger) PeerConnected(remoteAddr string, shardID string) {
	l.logger.Info().
		Str("remote_addr", remoteAddr).
		Str("shard_id", shardID).
		Msg("peer connected")
}

// PeerClosed logs a peer connection tearing down.
func (l *Logger) PeerClosed(remoteAddr string, shardID string, reason string) {
	l.logger.Info().
		Str("remote_addr", remoteAddr).
		Str("shard_id", shardID).
		Str("reason", reason).
		Msg("peer closed")
}

// HandshakeFailed logs a failed channel handshake.
func (l *Logger) HandshakeFailed(remoteAddr string, err error) {
	l.logger.Error().
		Str("remote_addr", remoteAddr).
		Err(err).
		Msg("handshake failed")
}

// ChunkIngested logs a chunk accepted into the store.
func (l *Logger) ChunkIngested(shardID string, chunkID string, size int, duplicate bool) {
	l.logger.Debug().
		Str("shard_id", shardID).
		Str("chunk_id", chunkID).
		Int("size", size).
		Bool("duplicate", duplicate).
		Msg("chunk ingested")
}

// ChunkServed logs a chunk served from the store.
func (l *Logger) ChunkServed(shardID string, chunkID string, size int) {
	l.logger.Debug().
		Str("shard_id", shardID).
		Str("chunk_id", chunkID).
		Int("size", size).
		Msg("chunk served")
}

// PingTimeout logs a peer missing its keep-alive deadline.
func (l *Logger) PingTimeout(remoteAddr string, shardID string) {
	l.logger.Warn().
		Str("remote_addr", remoteAddr).
		Str("shard_id", shardID).
		Msg("ping timeout")
}

// Helper function to get hostname.
func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
