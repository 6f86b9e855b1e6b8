package notify

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rulehive/internal/core"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func collect(t *testing.T, ch <-chan *redis.Message, n int) [][]byte {
	t.Helper()
	var out [][]byte
	for len(out) < n {
		select {
		case msg := <-ch:
			out = append(out, []byte(msg.Payload))
		case <-time.After(3 * time.Second):
			t.Fatalf("got %d of %d messages", len(out), n)
		}
	}
	return out
}

func TestPublishSmallPayload(t *testing.T) {
	client := newTestRedis(t)
	ctx := context.Background()

	sub := client.Subscribe(ctx, "events")
	_, err := sub.Receive(ctx)
	require.NoError(t, err)
	defer sub.Close()

	p := NewPublisher(client, 1024)
	payload := map[string]any{"type": "ProcessLog", "process_id": 7}
	require.NoError(t, p.Publish(ctx, "events", payload))

	msgs := collect(t, sub.Channel(), 1)
	var got map[string]any
	require.NoError(t, json.Unmarshal(msgs[0], &got))
	assert.Equal(t, "ProcessLog", got["type"])
	assert.NotContains(t, got, fieldChunkedUUID)
}

func TestPublishChunksLargePayload(t *testing.T) {
	client := newTestRedis(t)
	ctx := context.Background()

	sub := client.Subscribe(ctx, "events")
	_, err := sub.Receive(ctx)
	require.NoError(t, err)
	defer sub.Close()

	const maxBytes = 100
	p := NewPublisher(client, maxBytes)
	payload := map[string]string{"data": strings.Repeat("x", 500)}
	serialized, err := json.Marshal(payload)
	require.NoError(t, err)
	wantChunks := (len(serialized) + maxBytes - 1) / maxBytes

	require.NoError(t, p.Publish(ctx, "events", payload))
	msgs := collect(t, sub.Channel(), wantChunks)

	var first chunkEnvelope
	require.NoError(t, json.Unmarshal(msgs[0], &first))
	assert.NotEmpty(t, first.UUID)
	assert.Equal(t, wantChunks, first.Count)
	assert.Equal(t, len(serialized), first.Length)
	assert.Equal(t, contentHash(serialized), first.XXHash)
	assert.Equal(t, 1, first.Sequence)

	// In-order concatenation of the chunks is byte-exact.
	var assembled []byte
	for i, raw := range msgs {
		var env chunkEnvelope
		require.NoError(t, json.Unmarshal(raw, &env))
		assert.Equal(t, first.UUID, env.UUID)
		assert.Equal(t, i+1, env.Sequence)
		assembled = append(assembled, env.Chunk...)
	}
	assert.Equal(t, serialized, assembled)
}

func TestPublishChunkBoundary(t *testing.T) {
	client := newTestRedis(t)
	ctx := context.Background()

	sub := client.Subscribe(ctx, "events")
	_, err := sub.Receive(ctx)
	require.NoError(t, err)
	defer sub.Close()

	// A payload exactly at the limit is chunked: the limit is a ceiling,
	// not a fit.
	raw := json.RawMessage(`"` + strings.Repeat("a", 38) + `"`) // 40 bytes serialized
	p := NewPublisher(client, 40)
	require.NoError(t, p.Publish(ctx, "events", raw))

	msgs := collect(t, sub.Channel(), 1)
	var env chunkEnvelope
	require.NoError(t, json.Unmarshal(msgs[0], &env))
	assert.Equal(t, 1, env.Count)
	assert.NotEmpty(t, env.UUID)
}

func TestPublishChunksMultibytePayload(t *testing.T) {
	client := newTestRedis(t)
	ctx := context.Background()

	sub := client.Subscribe(ctx, "events")
	_, err := sub.Receive(ctx)
	require.NoError(t, err)
	defer sub.Close()

	// 7-byte chunks against 2-byte runes: every naive cut lands inside a
	// rune. Each chunk must stay valid UTF-8 and concatenate byte-exact.
	p := NewPublisher(client, 7)
	payload := json.RawMessage(`"` + strings.Repeat("é", 20) + `"`)
	serialized := []byte(payload)

	require.NoError(t, p.Publish(ctx, "events", payload))

	var first chunkEnvelope
	r := NewReassembler()
	var got []byte
	for i := 0; got == nil; i++ {
		msgs := collect(t, sub.Channel(), 1)
		var env chunkEnvelope
		require.NoError(t, json.Unmarshal(msgs[0], &env))
		if i == 0 {
			first = env
		}
		assert.True(t, utf8.ValidString(env.Chunk), "chunk %d is not valid UTF-8", env.Sequence)
		assert.LessOrEqual(t, len(env.Chunk), 7)

		out, complete, err := r.Ingest(msgs[0])
		require.NoError(t, err)
		if complete {
			got = out
		}
	}
	assert.Equal(t, serialized, got)
	assert.Equal(t, len(serialized), first.Length)
}

func TestSplitChunksBacksOffToRuneStart(t *testing.T) {
	data := []byte(`{"msg":"日本語テスト"}`)
	chunks := splitChunks(data, 10)

	var assembled []byte
	for _, c := range chunks {
		assert.True(t, utf8.ValidString(c))
		assert.LessOrEqual(t, len(c), 10)
		assembled = append(assembled, c...)
	}
	assert.Equal(t, data, assembled)
}

func TestPublishStatusBroadcast(t *testing.T) {
	client := newTestRedis(t)
	ctx := context.Background()

	sub := client.Subscribe(ctx, StatusChannel)
	_, err := sub.Receive(ctx)
	require.NoError(t, err)
	defer sub.Close()

	p := NewPublisher(client, 1024)
	ref := core.ParentRef{Kind: core.KindActivation, ID: 12}
	p.PublishStatus(ctx, ref, core.StatusRunning, "Activation is running")

	msgs := collect(t, sub.Channel(), 1)
	var event StatusEvent
	require.NoError(t, json.Unmarshal(msgs[0], &event))
	assert.Equal(t, "activation", event.Kind)
	assert.Equal(t, int64(12), event.ID)
	assert.Equal(t, "running", event.Status)
	assert.Equal(t, "Activation is running", event.Message)
}

func TestReassemblerPassThrough(t *testing.T) {
	r := NewReassembler()
	payload := []byte(`{"type":"Heartbeat","process_id":3}`)

	got, complete, err := r.Ingest(payload)
	require.NoError(t, err)
	assert.True(t, complete)
	assert.Equal(t, payload, got)
}

func TestReassemblerRoundTrip(t *testing.T) {
	client := newTestRedis(t)
	ctx := context.Background()

	sub := client.Subscribe(ctx, "events")
	_, err := sub.Receive(ctx)
	require.NoError(t, err)
	defer sub.Close()

	p := NewPublisher(client, 64)
	payload := map[string]string{"blob": strings.Repeat("payload-", 64)}
	serialized, err := json.Marshal(payload)
	require.NoError(t, err)
	wantChunks := (len(serialized) + 63) / 64
	require.Greater(t, wantChunks, 1)

	require.NoError(t, p.Publish(ctx, "events", payload))
	msgs := collect(t, sub.Channel(), wantChunks)

	r := NewReassembler()
	var got []byte
	for i, raw := range msgs {
		out, complete, err := r.Ingest(raw)
		require.NoError(t, err)
		if i < len(msgs)-1 {
			assert.False(t, complete)
		} else {
			require.True(t, complete)
			got = out
		}
	}
	assert.Equal(t, serialized, got)
}

func TestReassemblerInterleavedMessages(t *testing.T) {
	r := NewReassembler()

	mk := func(id, chunk string, seq, count int, whole string) []byte {
		env := chunkEnvelope{
			UUID:     id,
			Count:    count,
			Sequence: seq,
			Length:   len(whole),
			XXHash:   contentHash([]byte(whole)),
			Chunk:    chunk,
		}
		b, err := json.Marshal(env)
		require.NoError(t, err)
		return b
	}

	_, complete, err := r.Ingest(mk("aa", "he", 1, 2, "hello"))
	require.NoError(t, err)
	assert.False(t, complete)

	_, complete, err = r.Ingest(mk("bb", "wo", 1, 2, "world"))
	require.NoError(t, err)
	assert.False(t, complete)

	got, complete, err := r.Ingest(mk("bb", "rld", 2, 2, "world"))
	require.NoError(t, err)
	require.True(t, complete)
	assert.Equal(t, []byte("world"), got)

	got, complete, err = r.Ingest(mk("aa", "llo", 2, 2, "hello"))
	require.NoError(t, err)
	require.True(t, complete)
	assert.Equal(t, []byte("hello"), got)
}

func TestReassemblerDetectsCorruption(t *testing.T) {
	r := NewReassembler()

	env := chunkEnvelope{
		UUID:     "cc",
		Count:    1,
		Sequence: 1,
		Length:   5,
		XXHash:   contentHash([]byte("right")),
		Chunk:    "wrong",
	}
	b, err := json.Marshal(env)
	require.NoError(t, err)

	_, _, err = r.Ingest(b)
	assert.ErrorContains(t, err, "content hash")
}

func TestReassemblerRejectsBadSequence(t *testing.T) {
	r := NewReassembler()
	env := chunkEnvelope{UUID: "dd", Count: 2, Sequence: 3, Length: 4, Chunk: "xx"}
	b, err := json.Marshal(env)
	require.NoError(t, err)

	_, _, err = r.Ingest(b)
	assert.ErrorContains(t, err, "out of range")
}
