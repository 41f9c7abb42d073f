// Package warnings implements a batched ClickHouse sink for the
// skip/warn reasons the merge engine produces (dangling vid, rule
// evaluation error, missing hash key, type mismatch, and so on). This
// is deliberately separate from any per-assignment exposure event
// stream — recording an assignment's outcome is a Non-goal; recording
// why a candidate was skipped is diagnostic plumbing the platform
// operator needs to keep the engine debuggable.
package warnings

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Reason enumerates the merge engine's skip/warn cases. Kept as a
// closed set mirroring the cases engine.mergeOneService and
// engine.resolveLayer can emit.
type Reason string

const (
	ReasonDanglingVid     Reason = "DanglingVid"
	ReasonMissingHashKey  Reason = "MissingHashKey"
	ReasonRuleValidation  Reason = "RuleValidation"
	ReasonParamNonObject  Reason = "ParamNonObject"
)

// Event is a single skip/warn occurrence queued for batched insert.
type Event struct {
	EventID   string
	Timestamp time.Time
	RequestID string
	Service   string
	LayerID   string
	Eid       int64
	Vid       int64
	Reason    Reason
	Detail    string
}

// DefaultFlushInterval is how often the sink flushes a partially
// filled batch, so low-traffic deployments don't leave warnings
// buffered indefinitely.
const DefaultFlushInterval = 5 * time.Second

// DefaultBatchSize is the buffered event count that triggers an
// immediate flush without waiting for the next interval tick.
const DefaultBatchSize = 500

// Sink batches Event records and flushes them to ClickHouse on a
// timer or once a size threshold is hit, the same shape as the
// teacher's exposure-event batch insert.
type Sink struct {
	conn          clickhouse.Conn
	logger        zerolog.Logger
	flushInterval time.Duration
	batchSize     int

	mu      sync.Mutex
	buf     []Event
	closeCh chan struct{}
	doneCh  chan struct{}
}

// New creates a Sink over an already-connected ClickHouse conn. A
// flushInterval or batchSize <= 0 falls back to its default.
func New(conn clickhouse.Conn, flushInterval time.Duration, batchSize int, logger zerolog.Logger) *Sink {
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	s := &Sink{
		conn:          conn,
		logger:        logger.With().Str("component", "warnings_sink").Logger(),
		flushInterval: flushInterval,
		batchSize:     batchSize,
		closeCh:       make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go s.run()
	return s
}

// Record queues an event, generating its ID and timestamp if unset,
// and triggers an immediate flush if the buffer has crossed
// batchSize.
func (s *Sink) Record(ev Event) {
	if ev.EventID == "" {
		ev.EventID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	s.mu.Lock()
	s.buf = append(s.buf, ev)
	full := len(s.buf) >= s.batchSize
	s.mu.Unlock()

	if full {
		s.flush(context.Background())
	}
}

// RecordSkip is the narrow adapter the merge engine's
// engine.WarningRecorder interface expects, so callers can depend on
// that interface rather than importing this package directly.
func (s *Sink) RecordSkip(service, layerID string, eid, vid int64, reason, detail string) {
	s.Record(Event{
		Service: service,
		LayerID: layerID,
		Eid:     eid,
		Vid:     vid,
		Reason:  Reason(reason),
		Detail:  detail,
	})
}

// Close stops the background flush loop and flushes any buffered
// events before returning.
func (s *Sink) Close(ctx context.Context) error {
	close(s.closeCh)
	<-s.doneCh
	return s.flushErr(ctx)
}

func (s *Sink) run() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.flush(context.Background())
		case <-s.closeCh:
			return
		}
	}
}

func (s *Sink) flush(ctx context.Context) {
	if err := s.flushErr(ctx); err != nil {
		s.logger.Error().Err(err).Msg("failed to flush warning batch")
	}
}

func (s *Sink) flushErr(ctx context.Context) error {
	s.mu.Lock()
	if len(s.buf) == 0 {
		s.mu.Unlock()
		return nil
	}
	batch := s.buf
	s.buf = nil
	s.mu.Unlock()

	insert, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO merge_warnings
		(date, timestamp, event_id, request_id, service, layer_id, eid, vid, reason, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("preparing warnings batch: %w", err)
	}

	for _, ev := range batch {
		if err := insert.Append(
			ev.Timestamp.Truncate(24*time.Hour),
			ev.Timestamp,
			ev.EventID,
			ev.RequestID,
			ev.Service,
			ev.LayerID,
			ev.Eid,
			ev.Vid,
			string(ev.Reason),
			ev.Detail,
		); err != nil {
			return fmt.Errorf("appending warning event to batch: %w", err)
		}
	}

	if err := insert.Send(); err != nil {
		return fmt.Errorf("sending warnings batch: %w", err)
	}

	s.logger.Debug().Int("count", len(batch)).Msg("flushed merge warnings batch")
	return nil
}
