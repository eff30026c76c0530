package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/autonomyowner/LinguaBridge-sub000/internal/audio"
)

// wsSink is an audio.Sink that plays buffers by writing PCM16 media frames
// to the stream's websocket. Its clock starts at zero when the sink starts;
// playback timing comes from wall-clock timers, so a buffer scheduled at t
// is written at t and reported done one buffer-length later.
type wsSink struct {
	rate  int
	write func(pcm []byte) error

	mu      sync.Mutex
	started bool
	closed  bool
	epoch   time.Time
}

func newWSSink(rate int, write func(pcm []byte) error) *wsSink {
	return &wsSink{rate: rate, write: write}
}

func (s *wsSink) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("sink closed")
	}
	if !s.started {
		s.started = true
		s.epoch = time.Now()
	}
	return nil
}

func (s *wsSink) SampleRate() int { return s.rate }

func (s *wsSink) Now() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return 0
	}
	return time.Since(s.epoch)
}

func (s *wsSink) PlayAt(samples []float32, at time.Duration, done func()) (audio.Voice, error) {
	s.mu.Lock()
	if s.closed || !s.started {
		s.mu.Unlock()
		return nil, fmt.Errorf("sink not running")
	}
	delay := at - time.Since(s.epoch)
	s.mu.Unlock()

	if delay < 0 {
		delay = 0
	}
	length := audio.Duration(len(samples), s.rate)

	v := &wsVoice{done: done}
	v.mu.Lock()
	v.emit = time.AfterFunc(delay, func() {
		v.mu.Lock()
		if v.stopped {
			v.mu.Unlock()
			return
		}
		// The done timer is armed before the write so a slow socket cannot
		// stall the playback cursor.
		v.finish = time.AfterFunc(length, v.complete)
		v.mu.Unlock()

		_ = s.write(audio.EncodePCM16(samples))
	})
	v.mu.Unlock()

	return v, nil
}

func (s *wsSink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// wsVoice is the handle for one scheduled buffer.
type wsVoice struct {
	mu      sync.Mutex
	emit    *time.Timer
	finish  *time.Timer
	stopped bool

	once sync.Once
	done func()
}

func (v *wsVoice) complete() {
	v.once.Do(v.done)
}

// Stop cancels pending emission. The completion callback still fires
// exactly once.
func (v *wsVoice) Stop() {
	v.mu.Lock()
	v.stopped = true
	if v.emit != nil {
		v.emit.Stop()
	}
	if v.finish != nil {
		v.finish.Stop()
	}
	v.mu.Unlock()

	v.complete()
}
