// Package notify publishes orchestration events to worker processes over
// Redis pub/sub. Payloads above the configured size limit are split into
// chunks that a Reassembler on the receiving side concatenates back
// byte-exact, verifying length and content hash.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"rulehive/internal/core"
	"rulehive/pkg/logging"
)

const subsystem = "Notifier"

// Chunk envelope field names. Receivers key on the correlation id field to
// tell a chunk from a plain message.
const (
	fieldChunkedUUID   = "_message_chunked_uuid"
	fieldChunkCount    = "_message_chunk_count"
	fieldChunkSequence = "_message_chunk_sequence"
	fieldLength        = "_message_length"
	fieldXXHash        = "_message_xx_hash"
	fieldChunk         = "_chunk"
)

type chunkEnvelope struct {
	UUID     string `json:"_message_chunked_uuid"`
	Count    int    `json:"_message_chunk_count"`
	Sequence int    `json:"_message_chunk_sequence"`
	Length   int    `json:"_message_length"`
	XXHash   string `json:"_message_xx_hash"`
	Chunk    string `json:"_chunk"`
}

func contentHash(data []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(data))
}

// Publisher sends payloads to a pub/sub channel, chunking those whose
// serialized form reaches maxBytes.
type Publisher struct {
	client   redis.UniversalClient
	maxBytes int
}

// NewPublisher creates a Publisher. maxBytes is the serialized size at
// which chunking kicks in.
func NewPublisher(client redis.UniversalClient, maxBytes int) *Publisher {
	return &Publisher{client: client, maxBytes: maxBytes}
}

// Publish serializes the payload as JSON and sends it. Small payloads go
// out verbatim; large ones are split into sequenced chunks sharing one
// correlation id, each chunk a substring slice of the serialization so
// in-order concatenation reproduces it exactly.
func (p *Publisher) Publish(ctx context.Context, channel string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("serialize notification: %w", err)
	}
	if len(data) < p.maxBytes {
		return p.send(ctx, channel, data)
	}

	chunks := splitChunks(data, p.maxBytes)
	env := chunkEnvelope{
		UUID:   uuid.NewString(),
		Count:  len(chunks),
		Length: len(data),
		XXHash: contentHash(data),
	}
	logging.Debug(subsystem, "Chunking message %s: %d bytes in %d chunks", env.UUID, env.Length, env.Count)

	for i, chunk := range chunks {
		env.Sequence = i + 1
		env.Chunk = chunk

		out, err := json.Marshal(env)
		if err != nil {
			return fmt.Errorf("serialize chunk %d: %w", env.Sequence, err)
		}
		if err := p.send(ctx, channel, out); err != nil {
			return err
		}
	}
	return nil
}

// splitChunks cuts the serialization into pieces of at most maxBytes. A cut
// that would land inside a multi-byte rune is backed off to the rune start:
// each chunk travels as a JSON string, and an invalid-UTF-8 fragment would
// be mangled to replacement characters on the way through.
func splitChunks(data []byte, maxBytes int) []string {
	var chunks []string
	for len(data) > 0 {
		if len(data) <= maxBytes {
			chunks = append(chunks, string(data))
			break
		}
		end := maxBytes
		for end > 0 && !utf8.RuneStart(data[end]) {
			end--
		}
		if end == 0 {
			// Not valid UTF-8 within the window; cut at the limit.
			end = maxBytes
		}
		chunks = append(chunks, string(data[:end]))
		data = data[end:]
	}
	return chunks
}

// StatusChannel carries parent status change broadcasts.
const StatusChannel = "rulehive.status"

// StatusEvent is the payload broadcast on StatusChannel for every parent
// status transition.
type StatusEvent struct {
	Kind    string `json:"kind"`
	ID      int64  `json:"id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// PublishStatus broadcasts a parent status change. Failures are logged and
// swallowed; a broken broadcast channel must not stall orchestration.
func (p *Publisher) PublishStatus(ctx context.Context, ref core.ParentRef, status core.Status, message string) {
	event := StatusEvent{
		Kind:    string(ref.Kind),
		ID:      ref.ID,
		Status:  string(status),
		Message: message,
	}
	if err := p.Publish(ctx, StatusChannel, event); err != nil {
		logging.Debug(subsystem, "Status broadcast for %s failed: %v", ref, err)
	}
}

func (p *Publisher) send(ctx context.Context, channel string, data []byte) error {
	if err := p.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}

type pendingMessage struct {
	count  int
	length int
	hash   string
	chunks map[int]string
}

// Reassembler buffers chunked messages by correlation id and yields each
// payload once all chunks arrived and the length and hash check out.
type Reassembler struct {
	pending map[string]*pendingMessage
}

// NewReassembler creates an empty Reassembler. It is not safe for
// concurrent use; feed it from a single subscription loop.
func NewReassembler() *Reassembler {
	return &Reassembler{pending: make(map[string]*pendingMessage)}
}

// Ingest consumes one raw message. For unchunked messages it returns the
// payload immediately. For chunks it returns (nil, false, nil) until the
// message completes, then the reassembled payload.
func (r *Reassembler) Ingest(data []byte) ([]byte, bool, error) {
	var env chunkEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.UUID == "" {
		// Not a chunk envelope: pass through whole.
		return data, true, nil
	}
	if env.Sequence < 1 || env.Sequence > env.Count {
		return nil, false, fmt.Errorf("message %s: chunk sequence %d out of range 1..%d", env.UUID, env.Sequence, env.Count)
	}

	msg, ok := r.pending[env.UUID]
	if !ok {
		msg = &pendingMessage{
			count:  env.Count,
			length: env.Length,
			hash:   env.XXHash,
			chunks: make(map[int]string, env.Count),
		}
		r.pending[env.UUID] = msg
	}
	msg.chunks[env.Sequence] = env.Chunk
	if len(msg.chunks) < msg.count {
		return nil, false, nil
	}

	delete(r.pending, env.UUID)
	assembled := make([]byte, 0, msg.length)
	for i := 1; i <= msg.count; i++ {
		assembled = append(assembled, msg.chunks[i]...)
	}
	if len(assembled) != msg.length {
		return nil, false, fmt.Errorf("message %s: reassembled %d bytes, expected %d", env.UUID, len(assembled), msg.length)
	}
	if h := contentHash(assembled); h != msg.hash {
		return nil, false, fmt.Errorf("message %s: content hash %s does not match %s", env.UUID, h, msg.hash)
	}
	return assembled, true, nil
}
