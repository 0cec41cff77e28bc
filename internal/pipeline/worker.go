package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/inkboard/internal/domain"
	redisstore "github.com/gosuda/inkboard/internal/store/redis"
)

// Broker is the stream API the worker consumes from.
type Broker interface {
	Appender
	EnsureGroup(ctx context.Context, stream, group string) error
	ReadGroup(ctx context.Context, stream, group, consumer, start string, count int64, block time.Duration) ([]redisstore.Message, error)
	Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]redisstore.Message, error)
	Ack(ctx context.Context, stream, group string, ids ...string) error
	// Lease takes or extends an exclusive lease on key for owner.
	Lease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, owner string) error
}

type WorkerConfig struct {
	Prefix      string
	Group       string
	Consumer    string
	Lanes       int
	Batch       int64
	Block       time.Duration
	JobTimeout  time.Duration
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// LeaseTTL bounds how long a lane stays owned by a consumer that stopped
	// renewing. It must exceed Block + JobTimeout + BackoffMax.
	LeaseTTL    time.Duration
}

// Stats is a snapshot of worker counters.
type Stats struct {
	Processed    uint64 `json:"processed"`
	Skipped      uint64 `json:"skipped"`
	Retried      uint64 `json:"retried"`
	DeadLettered uint64 `json:"deadLettered"`
	Claimed      uint64 `json:"claimed"`
}

// deadLetter is the entry written to the dead-letter stream.
type deadLetter struct {
	Stream   string    `json:"stream"`
	EntryID  string    `json:"entryId"`
	Payload  string    `json:"payload"`
	Reason   string    `json:"reason"`
	Attempts int       `json:"attempts"`
	FailedAt time.Time `json:"failedAt"`
}

// Worker applies queued jobs to the shape store. It runs one consumer loop
// per lane, and a lane is only consumed while its lease is held, so each
// room has a single writer across all worker processes.
type Worker struct {
	broker Broker
	shapes domain.ShapeRepository
	cfg    WorkerConfig

	processed    atomic.Uint64
	skipped      atomic.Uint64
	retried      atomic.Uint64
	deadLettered atomic.Uint64
	claimed      atomic.Uint64
}

func NewWorker(broker Broker, shapes domain.ShapeRepository, cfg WorkerConfig) *Worker {
	if cfg.Lanes < 1 {
		cfg.Lanes = 1
	}
	if cfg.Batch < 1 {
		cfg.Batch = 16
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 10 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 200 * time.Millisecond
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = cfg.BackoffBase
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 2 * (cfg.Block + cfg.JobTimeout + cfg.BackoffMax)
	}
	return &Worker{broker: broker, shapes: shapes, cfg: cfg}
}

func (w *Worker) Stats() Stats {
	return Stats{
		Processed:    w.processed.Load(),
		Skipped:      w.skipped.Load(),
		Retried:      w.retried.Load(),
		DeadLettered: w.deadLettered.Load(),
		Claimed:      w.claimed.Load(),
	}
}

// Run consumes every lane until ctx is cancelled. Entries left unacked by a
// shutdown are claimed by the next consumer that takes the lane.
func (w *Worker) Run(ctx context.Context) error {
	for lane := range w.cfg.Lanes {
		stream := redisstore.LaneStream(w.cfg.Prefix, lane)
		if err := w.broker.EnsureGroup(ctx, stream, w.cfg.Group); err != nil {
			return fmt.Errorf("pipeline.Worker.Run: %w", err)
		}
	}

	log.Info().Int("lanes", w.cfg.Lanes).Str("group", w.cfg.Group).Str("consumer", w.cfg.Consumer).Msg("pipeline worker started")

	var wg sync.WaitGroup
	for lane := range w.cfg.Lanes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.runLane(ctx, lane)
		}()
	}
	wg.Wait()

	log.Info().Msg("pipeline worker stopped")
	return nil
}

// runLane consumes one lane while this consumer holds its lease. Losing the
// lease hands the lane to another worker; entries left pending are claimed by
// whoever takes it next.
func (w *Worker) runLane(ctx context.Context, lane int) {
	stream := redisstore.LaneStream(w.cfg.Prefix, lane)
	key := redisstore.LeaseKey(w.cfg.Prefix, lane)
	logger := log.With().Int("lane", lane).Str("stream", stream).Logger()

	for {
		if !w.acquire(ctx, key, logger) {
			return
		}
		logger.Debug().Msg("pipeline.Worker: lane lease acquired")
		w.consume(ctx, key, stream, logger)
		if ctx.Err() != nil {
			w.release(ctx, key, logger)
			return
		}
	}
}

// consume claims every entry the group still has pending on the lane, drains
// them in id order, then reads new entries. It returns when the lease is lost
// or an entry cannot be settled, so the lane never moves past an unacked job.
func (w *Worker) consume(ctx context.Context, key, stream string, logger zerolog.Logger) {
	claimed, err := w.broker.Claim(ctx, stream, w.cfg.Group, w.cfg.Consumer, 0, w.cfg.Batch)
	if err != nil {
		if ctx.Err() == nil {
			logger.Error().Err(err).Msg("pipeline.Worker: claim failed")
			sleep(ctx, w.cfg.BackoffBase)
		}
		return
	}
	if len(claimed) > 0 {
		w.claimed.Add(uint64(len(claimed)))
		logger.Info().Int("entries", len(claimed)).Msg("pipeline.Worker: claimed pending entries")
	}

	start := "0"
	for w.renew(ctx, key, logger) {
		entries, err := w.broker.ReadGroup(ctx, stream, w.cfg.Group, w.cfg.Consumer, start, w.cfg.Batch, w.cfg.Block)
		if err != nil {
			if ctx.Err() == nil {
				logger.Error().Err(err).Msg("pipeline.Worker: read failed")
				sleep(ctx, w.cfg.BackoffBase)
			}
			return
		}

		if start != ">" {
			if len(entries) == 0 {
				start = ">"
				continue
			}
			start = entries[len(entries)-1].ID
		}

		for _, e := range entries {
			if !w.handle(ctx, key, stream, e, logger) {
				return
			}
		}
	}
}

// handle processes one entry until it was applied, skipped or dead-lettered
// and then acked. It returns false if the entry is still pending because ctx
// ended or the lease was lost.
func (w *Worker) handle(ctx context.Context, key, stream string, e redisstore.Message, logger zerolog.Logger) bool {
	logger = logger.With().Str("entry_id", e.ID).Logger()

	job, err := DecodeJob(e.Payload)
	if err != nil {
		logger.Warn().Err(err).Msg("pipeline.Worker: invalid job")
		return w.settle(ctx, key, stream, e, err, 0, logger)
	}
	logger = logger.With().Str("room_id", job.RoomID).Str("action", string(job.ShapeAction)).Logger()

	bo := w.backOff()
	for attempt := 1; ; attempt++ {
		if !w.renew(ctx, key, logger) {
			return false
		}
		err = w.apply(ctx, job, logger)
		if err == nil {
			return w.ack(ctx, key, stream, e.ID, logger)
		}
		if permanent(err) {
			logger.Warn().Err(err).Msg("pipeline.Worker: job rejected")
			return w.settle(ctx, key, stream, e, err, attempt, logger)
		}
		if attempt >= w.cfg.MaxAttempts {
			logger.Error().Err(err).Int("attempt", attempt).Msg("pipeline.Worker: retries exhausted")
			return w.settle(ctx, key, stream, e, err, attempt, logger)
		}

		w.retried.Add(1)
		delay := bo.NextBackOff()
		logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("pipeline.Worker: apply failed")
		if !sleep(ctx, delay) {
			return false
		}
	}
}

// apply performs one attempt. UPDATE of a missing shape and DELETE of a
// missing shape are treated as done.
func (w *Worker) apply(ctx context.Context, job Job, logger zerolog.Logger) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.JobTimeout)
	defer cancel()

	switch job.ShapeAction {
	case ActionCreate:
		s, err := job.Shape()
		if err != nil {
			return err
		}
		if err := w.shapes.Upsert(ctx, job.RoomID, s); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return fmt.Errorf("%w: %s", ErrUnknownRoom, job.RoomID)
			}
			return err
		}
	case ActionUpdate:
		s, err := job.Shape()
		if err != nil {
			return err
		}
		if err := w.shapes.Replace(ctx, job.RoomID, s); err != nil {
			if !errors.Is(err, domain.ErrNotFound) {
				return err
			}
			w.skipped.Add(1)
			logger.Info().Str("shape_id", s.ID).Msg("pipeline.Worker: update target missing, skipped")
			return nil
		}
	case ActionDelete:
		id, err := job.ShapeID()
		if err != nil {
			return err
		}
		if err := w.shapes.Delete(ctx, job.RoomID, id); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
	default:
		return fmt.Errorf("%w: unknown action %q", ErrInvalidJob, job.ShapeAction)
	}

	w.processed.Add(1)
	return nil
}

// settle dead-letters the entry and acks it. A failed append is retried in
// place.
func (w *Worker) settle(ctx context.Context, key, stream string, e redisstore.Message, cause error, attempts int, logger zerolog.Logger) bool {
	bo := w.backOff()
	for !w.deadLetter(ctx, stream, e, cause, attempts, logger) {
		if !sleep(ctx, bo.NextBackOff()) || !w.renew(ctx, key, logger) {
			return false
		}
	}
	return w.ack(ctx, key, stream, e.ID, logger)
}

// deadLetter records the entry on the dead-letter stream.
func (w *Worker) deadLetter(ctx context.Context, stream string, e redisstore.Message, cause error, attempts int, logger zerolog.Logger) bool {
	payload, err := json.Marshal(deadLetter{
		Stream:   stream,
		EntryID:  e.ID,
		Payload:  string(e.Payload),
		Reason:   cause.Error(),
		Attempts: attempts,
		FailedAt: time.Now().UTC(),
	})
	if err != nil {
		logger.Error().Err(err).Msg("pipeline.Worker: encode dead letter")
		return false
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.JobTimeout)
	defer cancel()

	if _, err := w.broker.Append(ctx, redisstore.DeadLetterStream(w.cfg.Prefix), payload); err != nil {
		logger.Error().Err(err).Msg("pipeline.Worker: dead-letter append failed")
		return false
	}
	w.deadLettered.Add(1)
	return true
}

func (w *Worker) ack(ctx context.Context, key, stream, id string, logger zerolog.Logger) bool {
	bo := w.backOff()
	for {
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.JobTimeout)
		err := w.broker.Ack(actx, stream, w.cfg.Group, id)
		cancel()
		if err == nil {
			return true
		}
		logger.Error().Err(err).Msg("pipeline.Worker: ack failed")
		if !sleep(ctx, bo.NextBackOff()) || !w.renew(ctx, key, logger) {
			return false
		}
	}
}

// acquire blocks until this consumer holds the lane lease or ctx ends.
func (w *Worker) acquire(ctx context.Context, key string, logger zerolog.Logger) bool {
	for {
		if w.renew(ctx, key, logger) {
			return true
		}
		if !sleep(ctx, w.cfg.LeaseTTL/4) {
			return false
		}
	}
}

// renew takes or extends the lane lease. It reports false when ctx is done,
// another consumer owns the lane, or the broker cannot be reached.
func (w *Worker) renew(ctx context.Context, key string, logger zerolog.Logger) bool {
	if ctx.Err() != nil {
		return false
	}
	lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.JobTimeout)
	defer cancel()

	held, err := w.broker.Lease(lctx, key, w.cfg.Consumer, w.cfg.LeaseTTL)
	if err != nil {
		logger.Warn().Err(err).Msg("pipeline.Worker: lease renewal failed")
		return false
	}
	return held
}

func (w *Worker) release(ctx context.Context, key string, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.JobTimeout)
	defer cancel()

	if err := w.broker.Release(ctx, key, w.cfg.Consumer); err != nil {
		logger.Warn().Err(err).Msg("pipeline.Worker: lease release failed")
	}
}

// backOff doubles from BackoffBase up to BackoffMax with jitter.
func (w *Worker) backOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = w.cfg.BackoffBase
	bo.MaxInterval = w.cfg.BackoffMax
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.5
	bo.Reset()
	return bo
}

func permanent(err error) bool {
	return errors.Is(err, ErrInvalidJob) || errors.Is(err, ErrUnknownRoom)
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
