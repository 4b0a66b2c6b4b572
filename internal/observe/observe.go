// Package observe records one audit observation per extraction invocation:
// persisted to Postgres and, when Redis is configured, fanned out onto a
// Redis Stream for downstream consumers.
package observe

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/BasedHardware/taskpilot/internal/model"
	"github.com/BasedHardware/taskpilot/internal/telemetry"
)

// Store persists observations.
type Store interface {
	InsertObservation(ctx context.Context, obs model.Observation) error
}

// Envelope is the wire wrapper for stream events.
type Envelope struct {
	EventID        string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	OccurredAt     time.Time       `json:"occurred_at"`
	PayloadVersion string          `json:"payload_version"`
	Data           json.RawMessage `json:"data"`
}

const (
	eventTypeObservation = "task.observation"
	payloadVersion       = "v1"
	defaultStream        = "taskpilot:observations"
	defaultMaxLen        = 10000
	bufferSize           = 256
)

// Config tunes the stream sink.
type Config struct {
	Stream string
	MaxLen int64
}

// Sink buffers observations and writes them off the extraction path. Emit
// never blocks; when the buffer is full the observation is dropped and
// counted.
type Sink struct {
	store  Store
	rdb    *redis.Client
	logger *log.Logger
	stream string
	maxLen int64

	ch   chan model.Observation
	done chan struct{}
	once sync.Once
}

// NewSink builds the sink; rdb may be nil when Redis is unconfigured.
func NewSink(store Store, rdb *redis.Client, cfg Config, logger *log.Logger) *Sink {
	if logger == nil {
		logger = log.Default()
	}
	stream := cfg.Stream
	if stream == "" {
		stream = defaultStream
	}
	maxLen := cfg.MaxLen
	if maxLen == 0 {
		maxLen = defaultMaxLen
	}
	s := &Sink{
		store:  store,
		rdb:    rdb,
		logger: logger,
		stream: stream,
		maxLen: maxLen,
		ch:     make(chan model.Observation, bufferSize),
		done:   make(chan struct{}),
	}
	go s.drain()
	return s
}

// Emit queues one observation. Drops on a full buffer rather than stalling
// the extraction pipeline.
func (s *Sink) Emit(obs model.Observation) {
	select {
	case s.ch <- obs:
	default:
		telemetry.ObservationDropsTotal.Inc()
		s.logger.Printf("observe: buffer full, dropping observation for %s", obs.AppName)
	}
}

// Close flushes queued observations and stops the worker.
func (s *Sink) Close() {
	s.once.Do(func() {
		close(s.ch)
		<-s.done
	})
}

func (s *Sink) drain() {
	defer close(s.done)
	for obs := range s.ch {
		s.write(obs)
	}
}

func (s *Sink) write(obs model.Observation) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if obs.ID == "" {
		obs.ID = uuid.NewString()
	}
	if obs.OccurredAt.IsZero() {
		obs.OccurredAt = time.Now().UTC()
	}
	if s.store != nil {
		if err := s.store.InsertObservation(ctx, obs); err != nil {
			s.logger.Printf("observe: persist observation: %v", err)
		}
	}
	if s.rdb == nil {
		return
	}
	if err := s.publish(ctx, obs); err != nil {
		s.logger.Printf("observe: publish observation: %v", err)
	}
}

func (s *Sink) publish(ctx context.Context, obs model.Observation) error {
	data, err := json.Marshal(obs)
	if err != nil {
		return fmt.Errorf("marshal observation: %w", err)
	}
	env := Envelope{
		EventID:        obs.ID,
		EventType:      eventTypeObservation,
		OccurredAt:     obs.OccurredAt,
		PayloadVersion: payloadVersion,
		Data:           data,
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]interface{}{"envelope": raw},
	}
	if err := s.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd: %w", err)
	}
	return nil
}
