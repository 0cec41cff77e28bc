package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// payloadField is the stream entry field holding the encoded job.
const payloadField = "job"

// leaseScript takes the lease when it is free and extends it when owner
// already holds it.
var leaseScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if cur == ARGV[1] then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
	return 1
end
if cur then
	return 0
end
redis.call("SET", KEYS[1], ARGV[1], "NX", "PX", ARGV[2])
return 1
`) //nolint:gochecknoglobals // compiled once

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`) //nolint:gochecknoglobals // compiled once

// Message is one stream entry.
type Message struct {
	ID      string
	Payload []byte
}

// Streams is a thin Redis Streams client used as the persistence queue.
type Streams struct {
	client *redis.Client
}

func New(ctx context.Context, addr, password string, db int) (*Streams, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis.New: ping: %w", err)
	}

	return &Streams{client: client}, nil
}

func (s *Streams) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("redis.Streams.Close: %w", err)
	}
	return nil
}

// Ping reports whether the server is reachable.
func (s *Streams) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis.Streams.Ping: %w", err)
	}
	return nil
}

// EnsureGroup creates the consumer group (and the stream) if missing.
func (s *Streams) EnsureGroup(ctx context.Context, stream, group string) error {
	err := s.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("redis.Streams.EnsureGroup: %w", err)
	}
	return nil
}

// Append adds payload to the stream and returns the entry id.
func (s *Streams) Append(ctx context.Context, stream string, payload []byte) (string, error) {
	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{payloadField: payload},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("redis.Streams.Append: %w", err)
	}
	return id, nil
}

// ReadGroup reads up to count entries for consumer. start ">" returns entries
// never delivered to the group and waits up to block for them; any other
// start returns this consumer's pending entries after that id without
// blocking.
func (s *Streams) ReadGroup(ctx context.Context, stream, group, consumer, start string, count int64, block time.Duration) ([]Message, error) {
	args := &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, start},
		Count:    count,
		Block:    block,
	}
	if start != ">" {
		args.Block = -1
	}

	res, err := s.client.XReadGroup(ctx, args).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis.Streams.ReadGroup: %w", err)
	}

	var out []Message
	for _, st := range res {
		for _, m := range st.Messages {
			out = append(out, Message{ID: m.ID, Payload: payloadOf(m.Values)})
		}
	}
	return out, nil
}

// Claim transfers every entry pending in the group for at least minIdle to
// consumer, scanning the whole pending list count entries at a time.
func (s *Streams) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]Message, error) {
	var out []Message
	start := "0-0"
	for {
		msgs, next, err := s.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    group,
			Consumer: consumer,
			MinIdle:  minIdle,
			Start:    start,
			Count:    count,
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("redis.Streams.Claim: %w", err)
		}
		for _, m := range msgs {
			out = append(out, Message{ID: m.ID, Payload: payloadOf(m.Values)})
		}
		if next == "" || next == "0-0" {
			return out, nil
		}
		start = next
	}
}

func (s *Streams) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if err := s.client.XAck(ctx, stream, group, ids...).Err(); err != nil {
		return fmt.Errorf("redis.Streams.Ack: %w", err)
	}
	return nil
}

// Lease takes the lease on key for owner, or extends it if owner already
// holds it. It reports false while another owner holds an unexpired lease.
func (s *Streams) Lease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	n, err := leaseScript.Run(ctx, s.client, []string{key}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis.Streams.Lease: %w", err)
	}
	return n == 1, nil
}

// Release drops the lease on key if owner holds it.
func (s *Streams) Release(ctx context.Context, key, owner string) error {
	if err := releaseScript.Run(ctx, s.client, []string{key}, owner).Err(); err != nil {
		return fmt.Errorf("redis.Streams.Release: %w", err)
	}
	return nil
}

// payloadOf extracts the job field. Entries whose payload was trimmed or
// written by another producer yield nil, which fails job decoding downstream.
func payloadOf(values map[string]any) []byte {
	switch v := values[payloadField].(type) {
	case string:
		return []byte(v)
	case []byte:
		return v
	default:
		return nil
	}
}

// LaneStream returns the stream name for one queue lane.
func LaneStream(prefix string, lane int) string {
	return prefix + ":lane:" + strconv.Itoa(lane)
}

// DeadLetterStream returns the stream that collects jobs that could not be
// applied.
func DeadLetterStream(prefix string) string {
	return prefix + ":dead"
}

// LeaseKey returns the key guarding exclusive consumption of one lane.
func LeaseKey(prefix string, lane int) string {
	return prefix + ":lease:" + strconv.Itoa(lane)
}
