// Package queue provides durable work queues backed by Valkey Streams. Each named queue is a single stream
// consumed by one consumer group; producers XADD an envelope, consumers XREADGROUP in batches and ack on success.
// Failed deserialization is nak'd immediately (no delay, since the message will never parse); a handler error is
// left unacked so it is redelivered, up to MaxDeliveries times, after which it is dropped with a structured log.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Well-known queue names. Each is its own Valkey stream.
const (
	URLEmbed      = "queue:url_embed"
	Email         = "queue:email"
	Notification  = "queue:notification"
	SearchReindex = "queue:search_reindex"
)

const (
	// consumerGroup is shared across all consumers of a given queue; Valkey tracks per-consumer delivery counts
	// within the group so a crashed consumer's unacked entries can be claimed by another.
	consumerGroup = "workers"

	// MaxBatch is the largest number of entries a single Pull call returns.
	MaxBatch = 100

	// MaxDeliveries is the total number of deliveries, the first included, after which a nak'd entry is dropped. A
	// handler that keeps failing after 3 attempts is assumed to be failing deterministically.
	MaxDeliveries = 3

	fieldPayload = "payload"
)

// Envelope wraps a queued payload with the metadata every consumer needs regardless of queue.
type Envelope struct {
	ID        string    `json:"uuid"`
	Payload   []byte    `json:"-"`
	CreatedAt time.Time `json:"created_at"`

	streamID string // the Valkey stream entry ID, needed to Ack/Nak this specific delivery
	queue    string
}

// Queue is a single named durable work queue.
type Queue struct {
	rdb  *redis.Client
	name string
	log  zerolog.Logger
}

// New creates a handle to the named queue, ensuring its consumer group exists.
func New(ctx context.Context, rdb *redis.Client, name string, logger zerolog.Logger) (*Queue, error) {
	q := &Queue{rdb: rdb, name: name, log: logger}
	err := rdb.XGroupCreateMkStream(ctx, name, consumerGroup, "0").Err()
	if err != nil && !errors.Is(err, redis.Nil) && !isBusyGroupErr(err) {
		return nil, fmt.Errorf("create consumer group for %s: %w", name, err)
	}
	return q, nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

// Push enqueues a payload, assigning it a fresh time-ordered ID.
func (q *Queue) Push(ctx context.Context, payload []byte) (string, error) {
	id := uuid.Must(uuid.NewV7()).String()
	env := Envelope{ID: id, CreatedAt: time.Now()}
	body, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}

	err = q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: q.name,
		Values: map[string]any{"meta": body, fieldPayload: payload},
	}).Err()
	if err != nil {
		return "", fmt.Errorf("push to %s: %w", q.name, err)
	}
	return id, nil
}

// Pull reads up to MaxBatch undelivered or redeliverable entries for the given consumer name, blocking up to
// blockFor for new entries if none are immediately available.
func (q *Queue) Pull(ctx context.Context, consumer string, blockFor time.Duration) ([]Envelope, error) {
	streams, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    consumerGroup,
		Consumer: consumer,
		Streams:  []string{q.name, ">"},
		Count:    MaxBatch,
		Block:    blockFor,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("pull from %s: %w", q.name, err)
	}
	if len(streams) == 0 {
		return nil, nil
	}

	envelopes := make([]Envelope, 0, len(streams[0].Messages))
	for _, msg := range streams[0].Messages {
		env, err := decodeEnvelope(msg)
		if err != nil {
			q.log.Warn().Err(err).Str("queue", q.name).Str("entry_id", msg.ID).Msg("Dropping malformed queue entry")
			if nakErr := q.rdb.XAck(ctx, q.name, consumerGroup, msg.ID).Err(); nakErr != nil {
				q.log.Warn().Err(nakErr).Str("queue", q.name).Msg("Failed to ack malformed entry")
			}
			continue
		}
		env.streamID = msg.ID
		env.queue = q.name
		envelopes = append(envelopes, env)
	}
	return envelopes, nil
}

func decodeEnvelope(msg redis.XMessage) (Envelope, error) {
	metaRaw, ok := msg.Values["meta"].(string)
	if !ok {
		return Envelope{}, errors.New("missing meta field")
	}
	var env Envelope
	if err := json.Unmarshal([]byte(metaRaw), &env); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal envelope meta: %w", err)
	}
	payload, ok := msg.Values[fieldPayload].(string)
	if !ok {
		return Envelope{}, errors.New("missing payload field")
	}
	env.Payload = []byte(payload)
	return env, nil
}

// Ack marks an entry as successfully processed, removing it from the pending entries list.
func (q *Queue) Ack(ctx context.Context, env Envelope) error {
	if err := q.rdb.XAck(ctx, env.queue, consumerGroup, env.streamID).Err(); err != nil {
		return fmt.Errorf("ack %s: %w", env.streamID, err)
	}
	return nil
}

// Nak leaves the entry pending so it is redelivered on the next Pull by any consumer in the group, unless it has
// already reached MaxDeliveries, in which case it is acked (removed) and dropped with a structured log.
func (q *Queue) Nak(ctx context.Context, env Envelope) error {
	pending, err := q.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: env.queue,
		Group:  consumerGroup,
		Start:  env.streamID,
		End:    env.streamID,
		Count:  1,
	}).Result()
	if err != nil {
		return fmt.Errorf("check delivery count for %s: %w", env.streamID, err)
	}

	deliveries := int64(1)
	if len(pending) > 0 {
		deliveries = pending[0].RetryCount
	}

	if deliveries >= MaxDeliveries {
		q.log.Warn().
			Str("queue", env.queue).
			Str("id", env.ID).
			Int64("deliveries", deliveries).
			Msg("Dropping queue entry after exhausting retries")
		return q.Ack(ctx, env)
	}
	return nil
}
