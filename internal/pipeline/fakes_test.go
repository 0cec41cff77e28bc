package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/gosuda/inkboard/internal/domain"
	redisstore "github.com/gosuda/inkboard/internal/store/redis"
)

var errUnavailable = errors.New("store unavailable")

// memBroker is an in-memory stand-in for Redis Streams with a single
// consumer group. Pending entries are tracked per consumer.
type memBroker struct {
	mu        sync.Mutex
	seq       int
	entries   map[string][]redisstore.Message
	cursor    map[string]int
	pending   map[string][]pendingEntry
	acked     map[string][]string
	leases    map[string]memLease
	appendErr func(stream string) error
}

type pendingEntry struct {
	msg      redisstore.Message
	consumer string
}

type memLease struct {
	owner string
	until time.Time
}

func newMemBroker() *memBroker {
	return &memBroker{
		entries: make(map[string][]redisstore.Message),
		cursor:  make(map[string]int),
		pending: make(map[string][]pendingEntry),
		acked:   make(map[string][]string),
		leases:  make(map[string]memLease),
	}
}

func (b *memBroker) EnsureGroup(context.Context, string, string) error { return nil }

func (b *memBroker) Append(ctx context.Context, stream string, payload []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.appendErr != nil {
		if err := b.appendErr(stream); err != nil {
			return "", err
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	b.seq++
	id := fmt.Sprintf("%013d-0", b.seq)
	b.entries[stream] = append(b.entries[stream], redisstore.Message{ID: id, Payload: slices.Clone(payload)})
	return id, nil
}

// deliver marks every undelivered entry in stream as delivered to consumer
// but unacked, as if that consumer crashed.
func (b *memBroker) deliver(stream, consumer string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	all := b.entries[stream]
	for _, m := range all[b.cursor[stream]:] {
		b.pending[stream] = append(b.pending[stream], pendingEntry{msg: m, consumer: consumer})
	}
	b.cursor[stream] = len(all)
}

func (b *memBroker) ReadGroup(ctx context.Context, stream, _, consumer, start string, count int64, block time.Duration) ([]redisstore.Message, error) {
	b.mu.Lock()
	if start != ">" {
		var out []redisstore.Message
		for _, p := range b.pending[stream] {
			if p.consumer != consumer {
				continue
			}
			if start == "0" || p.msg.ID > start {
				out = append(out, p.msg)
			}
			if int64(len(out)) == count {
				break
			}
		}
		b.mu.Unlock()
		return out, nil
	}

	all := b.entries[stream]
	from := b.cursor[stream]
	if from < len(all) {
		to := min(len(all), from+int(count))
		out := slices.Clone(all[from:to])
		b.cursor[stream] = to
		for _, m := range out {
			b.pending[stream] = append(b.pending[stream], pendingEntry{msg: m, consumer: consumer})
		}
		b.mu.Unlock()
		return out, nil
	}
	b.mu.Unlock()

	t := time.NewTimer(block)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.C:
		return nil, nil
	}
}

func (b *memBroker) Claim(_ context.Context, stream, _, consumer string, _ time.Duration, _ int64) ([]redisstore.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []redisstore.Message
	for i := range b.pending[stream] {
		b.pending[stream][i].consumer = consumer
		out = append(out, b.pending[stream][i].msg)
	}
	return out, nil
}

func (b *memBroker) Ack(_ context.Context, stream, _ string, ids ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, id := range ids {
		b.pending[stream] = slices.DeleteFunc(b.pending[stream], func(p pendingEntry) bool { return p.msg.ID == id })
		b.acked[stream] = append(b.acked[stream], id)
	}
	return nil
}

func (b *memBroker) Lease(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	if cur, ok := b.leases[key]; ok && cur.owner != owner && now.Before(cur.until) {
		return false, nil
	}
	b.leases[key] = memLease{owner: owner, until: now.Add(ttl)}
	return true, nil
}

func (b *memBroker) Release(_ context.Context, key, owner string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.leases[key].owner == owner {
		delete(b.leases, key)
	}
	return nil
}

func (b *memBroker) stream(name string) []redisstore.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.entries[name])
}

func (b *memBroker) ackedIDs(stream string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.acked[stream])
}

func (b *memBroker) ackedCount(stream string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.acked[stream])
}

func (b *memBroker) pendingCount(stream string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending[stream])
}

// memShapes is an in-memory ShapeRepository. failNext makes the next n
// calls fail with errUnavailable.
type memShapes struct {
	mu       sync.Mutex
	rooms    map[string][]domain.Shape
	calls    int
	failNext int
}

func newMemShapes(rooms ...string) *memShapes {
	s := &memShapes{rooms: make(map[string][]domain.Shape)}
	for _, r := range rooms {
		s.rooms[r] = nil
	}
	return s
}

func (s *memShapes) begin() error {
	s.calls++
	if s.failNext > 0 {
		s.failNext--
		return errUnavailable
	}
	return nil
}

func (s *memShapes) List(_ context.Context, roomID string) ([]domain.Shape, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.rooms[roomID]), nil
}

func (s *memShapes) Upsert(_ context.Context, roomID string, shape domain.Shape) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin(); err != nil {
		return err
	}
	list, ok := s.rooms[roomID]
	if !ok {
		return domain.ErrNotFound
	}
	for i := range list {
		if list[i].ID == shape.ID {
			list[i] = shape
			return nil
		}
	}
	s.rooms[roomID] = append(list, shape)
	return nil
}

func (s *memShapes) Replace(_ context.Context, roomID string, shape domain.Shape) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin(); err != nil {
		return err
	}
	list := s.rooms[roomID]
	for i := range list {
		if list[i].ID == shape.ID {
			list[i] = shape
			return nil
		}
	}
	return domain.ErrNotFound
}

func (s *memShapes) Delete(_ context.Context, roomID, shapeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin(); err != nil {
		return err
	}
	list := s.rooms[roomID]
	for i := range list {
		if list[i].ID == shapeID {
			s.rooms[roomID] = slices.Delete(list, i, i+1)
			return nil
		}
	}
	return domain.ErrNotFound
}

func (s *memShapes) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
