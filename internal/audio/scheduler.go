package audio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/autonomyowner/LinguaBridge-sub000/internal/observability"
	"github.com/rs/zerolog"
)

// Drop reasons reported to metrics.
const (
	dropQueueFull   = "queue_full"
	dropDecodeError = "decode_error"
	dropDisposed    = "disposed"
)

// SchedulerOptions tunes a Scheduler. Zero values fall back to defaults.
type SchedulerOptions struct {
	MaxQueueDepth     int           // Cap on concurrently scheduled buffers (default 32)
	KeepaliveInterval time.Duration // Silence emission interval (default 500ms)
	KeepaliveLength   time.Duration // Length of each silence buffer (default 50ms)

	// OnDrop fires whenever a chunk is dropped at the queue cap. Used to
	// feed the stage tracker's dropped-frame counter.
	OnDrop func()
}

// Scheduler converts arbitrary-rate PCM chunks into gapless playback on a
// fixed-rate sink. One Scheduler owns one sink for its lifetime; all state
// mutation is serialized behind a single mutex, and no operation blocks.
type Scheduler struct {
	mu sync.Mutex

	sink       Sink
	outputRate int
	logger     zerolog.Logger

	maxQueue   int
	kaInterval time.Duration
	kaLength   time.Duration
	onDrop     func()

	// nextStart is the playback cursor in the sink's time base. It only
	// moves forward.
	nextStart  time.Duration
	queueDepth int
	active     map[int64]Voice
	nextID     int64

	// epoch invalidates completion callbacks from buffers that were
	// flushed or disposed.
	epoch int64

	kaStop      chan struct{}
	initialized bool
	disposed    bool
}

// NewScheduler creates a scheduler over the given sink. Call Init before
// scheduling chunks.
func NewScheduler(sink Sink, logger zerolog.Logger, opts SchedulerOptions) *Scheduler {
	if opts.MaxQueueDepth <= 0 {
		opts.MaxQueueDepth = 32
	}
	if opts.KeepaliveInterval <= 0 {
		opts.KeepaliveInterval = 500 * time.Millisecond
	}
	if opts.KeepaliveLength <= 0 {
		opts.KeepaliveLength = 50 * time.Millisecond
	}

	return &Scheduler{
		sink:       sink,
		logger:     logger,
		maxQueue:   opts.MaxQueueDepth,
		kaInterval: opts.KeepaliveInterval,
		kaLength:   opts.KeepaliveLength,
		onDrop:     opts.OnDrop,
		active:     make(map[int64]Voice),
	}
}

// Init acquires the sink and brings it to a running state. It fails with
// ErrSinkUnavailable if the sink cannot start.
func (s *Scheduler) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return fmt.Errorf("scheduler disposed: %w", ErrSinkUnavailable)
	}
	if s.initialized {
		return nil
	}

	if err := s.sink.Start(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrSinkUnavailable, err)
	}

	s.outputRate = s.sink.SampleRate()
	s.nextStart = s.sink.Now()
	s.initialized = true

	s.logger.Debug().
		Int("output_rate", s.outputRate).
		Int("max_queue_depth", s.maxQueue).
		Msg("Audio scheduler initialized")

	return nil
}

// ScheduleChunk decodes a PCM16 chunk at inputRate, resamples it to the sink
// rate, and schedules it for gapless playback. It silently drops the chunk
// when the scheduler is disposed or the queue is at cap, and drops malformed
// chunks without stopping the stream.
func (s *Scheduler) ScheduleChunk(chunk []byte, inputRate int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed || !s.initialized {
		observability.RecordChunkDropped(dropDisposed)
		return
	}
	if s.queueDepth >= s.maxQueue {
		observability.RecordChunkDropped(dropQueueFull)
		if s.onDrop != nil {
			s.onDrop()
		}
		return
	}

	samples, err := DecodePCM16(chunk)
	if err != nil {
		// A single bad chunk must never stop the stream.
		s.logger.Warn().Err(err).Msg("Dropping malformed audio chunk")
		observability.RecordChunkDropped(dropDecodeError)
		return
	}

	if inputRate <= 0 {
		inputRate = s.outputRate
	}
	samples = Resample(samples, inputRate, s.outputRate)

	if err := s.scheduleLocked(samples); err != nil {
		s.logger.Error().Err(err).Msg("Failed to schedule audio buffer")
	}
}

// scheduleLocked schedules a buffer at max(nextStart, now) and advances the
// cursor by the buffer's duration. Buffers never overlap and never start in
// the past; an underrun produces a gap, never a retroactive start.
func (s *Scheduler) scheduleLocked(samples []float32) error {
	d := Duration(len(samples), s.outputRate)

	now := s.sink.Now()
	start := s.nextStart
	if start < now {
		start = now
	}

	id := s.nextID
	s.nextID++
	epoch := s.epoch

	voice, err := s.sink.PlayAt(samples, start, func() {
		s.complete(id, epoch)
	})
	if err != nil {
		return err
	}

	s.nextStart = start + d
	s.queueDepth++
	s.active[id] = voice

	observability.RecordChunkScheduled(d)
	return nil
}

// complete releases a finished buffer. Callbacks from before the most
// recent flush or dispose are ignored.
func (s *Scheduler) complete(id, epoch int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if epoch != s.epoch {
		return
	}
	if _, ok := s.active[id]; !ok {
		return
	}
	delete(s.active, id)
	s.queueDepth--
}

// StartKeepalive begins emitting short silence buffers whenever no real
// audio is pending, so the transport does not mark the media track inactive.
func (s *Scheduler) StartKeepalive() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed || s.kaStop != nil {
		return
	}

	stop := make(chan struct{})
	s.kaStop = stop

	go func() {
		ticker := time.NewTicker(s.kaInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.keepaliveTick()
			}
		}
	}()
}

func (s *Scheduler) keepaliveTick() {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Keepalive must never interfere with real audio.
	if s.disposed || !s.initialized || s.queueDepth > 0 {
		return
	}

	if err := s.scheduleLocked(Silence(s.outputRate, s.kaLength)); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to schedule keepalive silence")
		return
	}
	observability.RecordKeepalive()
}

// StopKeepalive stops the silence emitter. Safe to call when not running.
func (s *Scheduler) StopKeepalive() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.kaStop != nil {
		close(s.kaStop)
		s.kaStop = nil
	}
}

// Flush force-stops all in-flight buffers and resets the playback cursor to
// the sink's current time. Used when a session pipeline restarts.
func (s *Scheduler) Flush() {
	s.mu.Lock()
	victims := s.flushLocked()
	s.mu.Unlock()

	stopAll(victims)
}

// flushLocked detaches all in-flight buffers and resets the cursor. It
// returns the detached voices instead of stopping them: a sink may run the
// completion callback synchronously from Stop, which re-enters the
// scheduler, so Stop must happen with the mutex released.
func (s *Scheduler) flushLocked() []Voice {
	s.epoch++
	victims := make([]Voice, 0, len(s.active))
	for _, v := range s.active {
		victims = append(victims, v)
	}
	s.active = make(map[int64]Voice)
	s.queueDepth = 0
	if s.initialized {
		s.nextStart = s.sink.Now()
	}
	return victims
}

func stopAll(victims []Voice) {
	for _, v := range victims {
		v.Stop()
	}
}

// Dispose tears the scheduler down: keepalive stopped, in-flight buffers
// flushed, sink released. Idempotent; ScheduleChunk is a no-op afterwards.
func (s *Scheduler) Dispose() {
	s.StopKeepalive()

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	victims := s.flushLocked()
	sink := s.sink
	s.mu.Unlock()

	stopAll(victims)
	if err := sink.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("Error closing audio sink")
	}
}

// QueueDepth returns the number of scheduled, not-yet-finished buffers.
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queueDepth
}
