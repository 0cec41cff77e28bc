package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	redisstore "github.com/gosuda/inkboard/internal/store/redis"
)

// Appender writes one entry to a stream.
type Appender interface {
	Append(ctx context.Context, stream string, payload []byte) (string, error)
}

type ProducerConfig struct {
	Prefix  string
	Lanes   int
	Timeout time.Duration
}

// Producer enqueues jobs for the worker. A failed enqueue drops the job; the
// live broadcast has already happened and is not affected.
type Producer struct {
	broker  Appender
	cfg     ProducerConfig
	dropped atomic.Uint64
}

func NewProducer(broker Appender, cfg ProducerConfig) *Producer {
	if cfg.Lanes < 1 {
		cfg.Lanes = 1
	}
	return &Producer{broker: broker, cfg: cfg}
}

func (p *Producer) Enqueue(ctx context.Context, job Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("pipeline.Producer.Enqueue: %w", err)
	}

	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	lane := LaneFor(job.RoomID, p.cfg.Lanes)
	stream := redisstore.LaneStream(p.cfg.Prefix, lane)
	if _, err := p.broker.Append(ctx, stream, payload); err != nil {
		n := p.dropped.Add(1)
		log.Warn().Err(err).
			Str("room_id", job.RoomID).
			Str("action", string(job.ShapeAction)).
			Str("stream", stream).
			Uint64("dropped_total", n).
			Msg("pipeline.Producer.Enqueue: job dropped")
		return fmt.Errorf("pipeline.Producer.Enqueue: %w", err)
	}
	return nil
}

// Dropped returns how many jobs could not be enqueued since start.
func (p *Producer) Dropped() uint64 {
	return p.dropped.Load()
}
